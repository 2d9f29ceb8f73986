// Package storage keeps a sqlite journal of scans and deletions. Features
// and groups are never persisted; every session recomputes them.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"imagedecloner/internal/errs"
	"imagedecloner/internal/models"
)

// Storage handles persistence of scan and deletion history
type Storage struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

// ScanRecord is one row of scan history.
type ScanRecord struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	Source      string    `json:"source"`
	ScannedAt   time.Time `json:"scanned_at"`
	TotalImages int       `json:"total_images"`
	Failed      int       `json:"failed"`
	Groups      int       `json:"groups"`
	Grouped     int       `json:"grouped"`
}

// DeletionRecord is one deletion batch with its per-image outcomes.
type DeletionRecord struct {
	ID        int64            `json:"id"`
	SessionID string           `json:"session_id"`
	Source    string           `json:"source"`
	DeletedAt time.Time        `json:"deleted_at"`
	Requested int              `json:"requested"`
	Deleted   []string         `json:"deleted,omitempty"`
	Failures  []models.Failure `json:"failures,omitempty"`
}

// NewStorage opens (creating if needed) the journal at dbPath
func NewStorage(dbPath string) (*Storage, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: sqlite allows a single writer.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db, dbPath: dbPath, now: time.Now}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Current schema version
const schemaVersion = 2

// migrations defines all schema migrations.
// Each migration must be idempotent.
var migrations = []struct {
	version     int
	description string
	up          string
}{
	{
		version:     1,
		description: "Initial schema",
		up:          "", // Handled by base schema creation
	},
	{
		version:     2,
		description: "Record per-image deletion outcomes",
		up: `
			CREATE TABLE IF NOT EXISTS deletion_items (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				deletion_id INTEGER NOT NULL REFERENCES deletions(id) ON DELETE CASCADE,
				image_id TEXT NOT NULL,
				outcome TEXT NOT NULL,
				error TEXT DEFAULT ''
			);
			CREATE INDEX IF NOT EXISTS idx_deletion_items_deletion ON deletion_items(deletion_id);
		`,
	},
}

// init creates the database schema
func (s *Storage) init() error {
	// Create schema_version table first
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	// Create base schema
	schema := `
	CREATE TABLE IF NOT EXISTS scan_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		source TEXT NOT NULL,
		scanned_at TEXT NOT NULL,
		total_images INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		total_groups INTEGER NOT NULL,
		total_grouped INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_scan_history_session ON scan_history(session_id);

	CREATE TABLE IF NOT EXISTS deletions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		source TEXT NOT NULL,
		deleted_at TEXT NOT NULL,
		requested INTEGER NOT NULL,
		deleted INTEGER NOT NULL,
		failed INTEGER NOT NULL
	);
	`

	_, err = s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	// Run migrations
	if err := s.migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// migrate runs pending schema migrations
func (s *Storage) migrate() error {
	currentVersion := s.getSchemaVersion()

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if m.up != "" {
			if _, err := s.db.Exec(m.up); err != nil {
				return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.description, err)
			}
		}
		if err := s.setSchemaVersion(m.version); err != nil {
			return err
		}
	}

	return nil
}

func (s *Storage) getSchemaVersion() int {
	var version int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version); err != nil {
		return 0
	}
	return version
}

func (s *Storage) setSchemaVersion(version int) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version)
	return err
}

func (s *Storage) tableExists(table string) bool {
	var name string
	err := s.db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
	return err == nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

// Path returns the database file location.
func (s *Storage) Path() string {
	return s.dbPath
}

// RecordScan records a completed load
func (s *Storage) RecordScan(sessionID, source string, totalImages, failed, groups, grouped int) error {
	_, err := s.db.Exec(`
		INSERT INTO scan_history (session_id, source, scanned_at, total_images, failed, total_groups, total_grouped)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sessionID, source, formatTime(s.now()), totalImages, failed, groups, grouped)
	if err != nil {
		return fmt.Errorf("failed to record scan: %w", err)
	}
	return nil
}

// RecordDeletion records a deletion batch and the outcome for every id
func (s *Storage) RecordDeletion(sessionID, source string, report models.DeleteReport) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO deletions (session_id, source, deleted_at, requested, deleted, failed)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sessionID, source, formatTime(s.now()), report.Requested, report.DeletedCount, report.Failed())
	if err != nil {
		return fmt.Errorf("failed to record deletion: %w", err)
	}
	deletionID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read deletion id: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO deletion_items (deletion_id, image_id, outcome, error)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, id := range report.Deleted {
		if _, err := stmt.Exec(deletionID, id, "deleted", ""); err != nil {
			return fmt.Errorf("failed to record deleted %s: %w", id, err)
		}
	}
	for _, f := range report.Failures {
		if _, err := stmt.Exec(deletionID, f.ID, string(f.Kind), f.Error); err != nil {
			return fmt.Errorf("failed to record failure %s: %w", f.ID, err)
		}
	}

	return tx.Commit()
}

// RecentScans returns up to limit scans, newest first
func (s *Storage) RecentScans(limit int) ([]ScanRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, source, scanned_at, total_images, failed, total_groups, total_grouped
		FROM scan_history
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query scans: %w", err)
	}
	defer rows.Close()

	var scans []ScanRecord
	for rows.Next() {
		var r ScanRecord
		var scannedAt string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Source, &scannedAt, &r.TotalImages, &r.Failed, &r.Groups, &r.Grouped); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r.ScannedAt = parseTime(scannedAt)
		scans = append(scans, r)
	}
	return scans, rows.Err()
}

// RecentDeletions returns up to limit deletion batches, newest first
func (s *Storage) RecentDeletions(limit int) ([]DeletionRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, source, deleted_at, requested
		FROM deletions
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query deletions: %w", err)
	}

	var batches []DeletionRecord
	for rows.Next() {
		var r DeletionRecord
		var deletedAt string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Source, &deletedAt, &r.Requested); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r.DeletedAt = parseTime(deletedAt)
		batches = append(batches, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range batches {
		if err := s.loadItems(&batches[i]); err != nil {
			return nil, err
		}
	}
	return batches, nil
}

func (s *Storage) loadItems(r *DeletionRecord) error {
	rows, err := s.db.Query(`
		SELECT image_id, outcome, error
		FROM deletion_items
		WHERE deletion_id = ?
		ORDER BY id
	`, r.ID)
	if err != nil {
		return fmt.Errorf("failed to query deletion items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, outcome, msg string
		if err := rows.Scan(&id, &outcome, &msg); err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}
		if outcome == "deleted" {
			r.Deleted = append(r.Deleted, id)
		} else {
			r.Failures = append(r.Failures, models.Failure{ID: id, Kind: errs.Kind(outcome), Error: msg})
		}
	}
	return rows.Err()
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}
