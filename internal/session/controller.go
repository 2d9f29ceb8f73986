// Package session loads an image source into similarity groups and keeps
// those groups consistent as images are deleted.
package session

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"imagedecloner/internal/errs"
	"imagedecloner/internal/feature"
	"imagedecloner/internal/match"
	"imagedecloner/internal/models"
	"imagedecloner/internal/scan"
	"imagedecloner/internal/source"
)

// ErrNotLoaded is returned by operations that need a loaded session.
var ErrNotLoaded = errors.New("session not loaded")

// History receives a summary of every load and deletion batch.
type History interface {
	RecordScan(sessionID, source string, totalImages, failed, groups, grouped int) error
	RecordDeletion(sessionID, source string, report models.DeleteReport) error
}

// Options configures a Controller.
type Options struct {
	// Threshold is the inclusive similarity cutoff. Negative selects the
	// strategy default.
	Threshold float64
	// Workers bounds extraction and comparison parallelism.
	Workers int
	// ItemTimeout bounds fetching and extracting one image.
	ItemTimeout time.Duration
	// DeleteConcurrency bounds concurrent deletes against the source.
	DeleteConcurrency int
	Progress          func(scanned, total int, current string)
	History           History
	Logger            zerolog.Logger
}

// Controller owns one source and the groups computed from it.
// It is safe for concurrent use. Loads and deletions run one at a time;
// readers see either the state before or after each of them.
type Controller struct {
	src       source.Source
	strategy  feature.Strategy
	threshold float64
	opts      Options
	logger    zerolog.Logger

	// op serializes Load and DeleteSelected.
	op sync.Mutex

	mu    sync.RWMutex
	state *state
}

type state struct {
	id       string
	loadedAt time.Time
	order    []string
	records  map[string]*models.ImageRecord
	pairs    []models.SimilarityPair
	groups   []models.Group
	failures []models.Failure
	listed   int
}

// New creates a Controller. Nothing is loaded until Load is called.
func New(src source.Source, strategy feature.Strategy, opts Options) *Controller {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.DeleteConcurrency <= 0 {
		opts.DeleteConcurrency = 4
	}
	return &Controller{
		src:       src,
		strategy:  strategy,
		threshold: feature.ResolveThreshold(strategy, opts.Threshold),
		opts:      opts,
		logger:    opts.Logger.With().Str("component", "session").Str("source", src.Name()).Logger(),
	}
}

// Source returns the controller's image source.
func (c *Controller) Source() source.Source { return c.src }

// Strategy returns the feature strategy in use.
func (c *Controller) Strategy() feature.Strategy { return c.strategy }

// Threshold returns the resolved similarity threshold.
func (c *Controller) Threshold() float64 { return c.threshold }

// Load enumerates the source, extracts features, compares all pairs and
// groups them. Per-image failures are recorded and skipped. On any
// session-level failure (listing, authentication, cancellation) the
// previous state is kept and the error is returned.
func (c *Controller) Load(ctx context.Context) (models.Stats, error) {
	c.op.Lock()
	defer c.op.Unlock()

	start := time.Now()
	c.logger.Info().Str("strategy", c.strategy.Name()).Float64("threshold", c.threshold).Msg("loading")

	scanner := scan.NewScanner(c.strategy,
		scan.WithWorkers(c.opts.Workers),
		scan.WithTimeout(c.opts.ItemTimeout),
		scan.WithProgress(c.opts.Progress),
		scan.WithLogger(c.logger),
	)
	res, err := scanner.Scan(ctx, c.src)
	if err != nil {
		c.logger.Error().Err(err).Msg("load failed")
		return models.Stats{}, err
	}

	items := make([]match.Item, len(res.Records))
	for i, rec := range res.Records {
		items[i] = match.Item{ID: rec.ID, Feature: rec.Feature}
	}
	pairs, err := match.FindPairs(ctx, items, c.strategy, c.threshold, c.opts.Workers)
	if err != nil {
		c.logger.Error().Err(err).Msg("comparison failed")
		return models.Stats{}, fmt.Errorf("compare: %w", err)
	}

	next := &state{
		id:       uuid.NewString(),
		loadedAt: time.Now(),
		order:    make([]string, len(res.Records)),
		records:  make(map[string]*models.ImageRecord, len(res.Records)),
		pairs:    pairs,
		groups:   match.BuildGroups(pairs),
		failures: res.Failures,
		listed:   res.Listed,
	}
	for i, rec := range res.Records {
		next.order[i] = rec.ID
		next.records[rec.ID] = rec
	}

	c.mu.Lock()
	c.state = next
	stats := next.stats()
	c.mu.Unlock()

	c.logger.Info().
		Str("session", next.id).
		Int("images", stats.Loaded).
		Int("failed", stats.Failed).
		Int("groups", stats.Groups).
		Dur("elapsed", time.Since(start)).
		Msg("loaded")

	if c.opts.History != nil {
		if err := c.opts.History.RecordScan(next.id, c.src.Name(), stats.Loaded, stats.Failed, stats.Groups, stats.GroupedTotal); err != nil {
			c.logger.Warn().Err(err).Msg("could not record scan history")
		}
	}
	return stats, nil
}

// DeleteSelected deletes ids from the source and reconciles the groups in
// memory: each deleted id leaves every group, and groups left with fewer
// than two members are dropped. Features are not recomputed.
//
// Per-id failures are reported and never stop the rest of the batch. An id
// that fails, including one already deleted, leaves the groups unchanged.
// If ctx is cancelled, ids not yet attempted are reported as cancelled and
// ctx.Err() is returned alongside the report.
func (c *Controller) DeleteSelected(ctx context.Context, ids []string) (models.DeleteReport, error) {
	c.op.Lock()
	defer c.op.Unlock()

	unique := dedupe(ids)
	report := models.DeleteReport{Requested: len(unique)}
	if len(unique) == 0 {
		return report, nil
	}

	results := make([]error, len(unique))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.DeleteConcurrency)
	for i, id := range unique {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = err
				return nil
			}
			results[i] = c.src.Delete(gctx, id)
			return nil
		})
	}
	g.Wait()

	deleted := make(map[string]struct{}, len(unique))
	for i, id := range unique {
		if err := results[i]; err != nil {
			report.Failures = append(report.Failures, models.NewFailure(id, err))
			c.logger.Warn().Err(err).Str("id", id).Str("kind", string(errs.KindOf(err))).Msg("delete failed")
			continue
		}
		deleted[id] = struct{}{}
		report.Deleted = append(report.Deleted, id)
	}
	report.DeletedCount = len(report.Deleted)

	c.mu.Lock()
	if c.state != nil && len(deleted) > 0 {
		c.state = c.state.without(deleted)
	}
	sessionID := ""
	if c.state != nil {
		sessionID = c.state.id
	}
	c.mu.Unlock()

	c.logger.Info().
		Int("requested", report.Requested).
		Int("deleted", report.DeletedCount).
		Int("failed", report.Failed()).
		Msg("delete batch finished")

	if c.opts.History != nil {
		if err := c.opts.History.RecordDeletion(sessionID, c.src.Name(), report); err != nil {
			c.logger.Warn().Err(err).Msg("could not record deletion history")
		}
	}
	return report, ctx.Err()
}

// without returns a copy of s with the deleted ids removed from records,
// pairs and groups. Group ids are kept so callers can keep referring to
// surviving groups.
func (s *state) without(deleted map[string]struct{}) *state {
	gone := func(id string) bool {
		_, ok := deleted[id]
		return ok
	}

	next := *s
	next.records = make(map[string]*models.ImageRecord, len(s.records))
	next.order = make([]string, 0, len(s.order))
	for _, id := range s.order {
		if gone(id) {
			continue
		}
		next.order = append(next.order, id)
		next.records[id] = s.records[id]
	}

	next.pairs = nil
	for _, p := range s.pairs {
		if !gone(p.A) && !gone(p.B) {
			next.pairs = append(next.pairs, p)
		}
	}

	next.groups = nil
	for _, g := range s.groups {
		members := make([]string, 0, len(g.IDs))
		for _, id := range g.IDs {
			if !gone(id) {
				members = append(members, id)
			}
		}
		if len(members) >= 2 {
			next.groups = append(next.groups, models.Group{ID: g.ID, IDs: members})
		}
	}
	return &next
}

func (s *state) stats() models.Stats {
	grouped := 0
	for _, g := range s.groups {
		grouped += len(g.IDs)
	}
	return models.Stats{
		Listed:       s.listed,
		Loaded:       len(s.order),
		Failed:       len(s.failures),
		Pairs:        len(s.pairs),
		Groups:       len(s.groups),
		GroupedTotal: grouped,
	}
}

// Loaded reports whether a session is loaded.
func (c *Controller) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state != nil
}

// SessionID returns the id of the loaded session, or "".
func (c *Controller) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == nil {
		return ""
	}
	return c.state.id
}

// LoadedAt returns when the current session finished loading.
func (c *Controller) LoadedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == nil {
		return time.Time{}
	}
	return c.state.loadedAt
}

// Groups returns a copy of the current groups.
func (c *Controller) Groups() []models.Group {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == nil {
		return nil
	}
	out := make([]models.Group, len(c.state.groups))
	for i, g := range c.state.groups {
		out[i] = models.Group{ID: g.ID, IDs: append([]string(nil), g.IDs...)}
	}
	return out
}

// Group returns the group with the given id.
func (c *Controller) Group(id int) (models.Group, bool) {
	for _, g := range c.Groups() {
		if g.ID == id {
			return g, true
		}
	}
	return models.Group{}, false
}

// Record returns a copy of the loaded record for id.
func (c *Controller) Record(id string) (*models.ImageRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == nil {
		return nil, false
	}
	rec, ok := c.state.records[id]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// Metadata returns the metadata captured at load time, asking the source
// for ids outside the session.
func (c *Controller) Metadata(ctx context.Context, id string) (models.Metadata, error) {
	if rec, ok := c.Record(id); ok {
		return rec.Metadata, nil
	}
	return c.src.Metadata(ctx, id)
}

// Thumbnail fetches a thumbnail from the source.
func (c *Controller) Thumbnail(ctx context.Context, id string, size int) ([]byte, error) {
	return c.src.Thumbnail(ctx, id, size)
}

// Failures returns the per-image failures of the last load.
func (c *Controller) Failures() []models.Failure {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == nil {
		return nil
	}
	return append([]models.Failure(nil), c.state.failures...)
}

// Stats summarises the current state.
func (c *Controller) Stats() models.Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == nil {
		return models.Stats{}
	}
	return c.state.stats()
}

// KeepPlan returns, for every group, the best-ranked member to keep and
// the rest to delete.
func (c *Controller) KeepPlan() ([]Plan, error) {
	if !c.Loaded() {
		return nil, ErrNotLoaded
	}
	var plans []Plan
	for _, g := range c.Groups() {
		keep, remove := match.SelectKeep(g, c.Record)
		plans = append(plans, Plan{Group: g, Keep: keep, Remove: remove})
	}
	return plans, nil
}

// Plan is the keep/remove split of one group.
type Plan struct {
	Group  models.Group `json:"group"`
	Keep   string       `json:"keep"`
	Remove []string     `json:"remove"`
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
