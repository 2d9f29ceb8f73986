package match

import (
	"sort"

	"imagedecloner/internal/models"
)

// Rank returns records ordered best-first: by quality score (descending),
// then file size (descending), then creation time (newest first), then id.
func Rank(records []*models.ImageRecord) []*models.ImageRecord {
	sorted := make([]*models.ImageRecord, len(records))
	copy(sorted, records)

	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]

		// Primary: score (higher is better)
		if a.Score != b.Score {
			return a.Score > b.Score
		}

		// Secondary: file size (larger is better - more information)
		if a.Metadata.Size != b.Metadata.Size {
			return a.Metadata.Size > b.Metadata.Size
		}

		// Tertiary: creation time (newer is better)
		if !a.Metadata.CreatedAt.Equal(b.Metadata.CreatedAt) {
			return a.Metadata.CreatedAt.After(b.Metadata.CreatedAt)
		}

		return a.ID < b.ID
	})

	return sorted
}

// SelectKeep splits a group into the member to keep (the best ranked) and
// the members to remove. lookup resolves ids to records; ids it cannot
// resolve rank last and are always removed.
func SelectKeep(group models.Group, lookup func(id string) (*models.ImageRecord, bool)) (keep string, remove []string) {
	if len(group.IDs) == 0 {
		return "", nil
	}

	var known []*models.ImageRecord
	var unknown []string
	for _, id := range group.IDs {
		if rec, ok := lookup(id); ok {
			known = append(known, rec)
		} else {
			unknown = append(unknown, id)
		}
	}

	if len(known) == 0 {
		return group.IDs[0], group.IDs[1:]
	}

	ranked := Rank(known)
	keep = ranked[0].ID
	for _, rec := range ranked[1:] {
		remove = append(remove, rec.ID)
	}
	remove = append(remove, unknown...)
	return keep, remove
}
