package models

import (
	"time"

	"imagedecloner/internal/errs"
	"imagedecloner/internal/feature"
)

// Metadata describes an image as reported by its source.
type Metadata struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	MimeType  string    `json:"mime_type,omitempty"`
	// Description is free text some remote services attach to an item.
	Description string `json:"description,omitempty"`
}

// ImageRecord holds the feature and metadata of one loaded image. Records
// live for a single load cycle.
type ImageRecord struct {
	ID       string          `json:"id"`
	Feature  feature.Feature `json:"-"`
	Metadata Metadata        `json:"metadata"`
	Width    int             `json:"width"`
	Height   int             `json:"height"`
	Format   string          `json:"format"`
	HasExif  bool            `json:"has_exif"`
	Score    float64         `json:"score"`
}

// SimilarityPair is a pair of images whose distance is within the threshold.
type SimilarityPair struct {
	A        string  `json:"a"`
	B        string  `json:"b"`
	Distance float64 `json:"distance"`
}

// Group is a set of at least two similar images. IDs are sorted.
type Group struct {
	ID  int      `json:"id"`
	IDs []string `json:"ids"`
}

// Contains reports whether id is a member of the group.
func (g Group) Contains(id string) bool {
	for _, member := range g.IDs {
		if member == id {
			return true
		}
	}
	return false
}

// Failure records a per-item error.
type Failure struct {
	ID    string    `json:"id"`
	Kind  errs.Kind `json:"kind"`
	Error string    `json:"error,omitempty"`
}

// NewFailure builds a Failure from an error.
func NewFailure(id string, err error) Failure {
	return Failure{ID: id, Kind: errs.KindOf(err), Error: err.Error()}
}

// DeleteReport is the outcome of a deletion batch.
type DeleteReport struct {
	Requested    int       `json:"requested"`
	DeletedCount int       `json:"deleted_count"`
	Deleted      []string  `json:"deleted,omitempty"`
	Failures     []Failure `json:"failures,omitempty"`
}

// Failed returns the number of ids that could not be deleted.
func (r DeleteReport) Failed() int {
	return len(r.Failures)
}

// Stats summarises a loaded session.
type Stats struct {
	Listed       int `json:"listed"`
	Loaded       int `json:"loaded"`
	Failed       int `json:"failed"`
	Pairs        int `json:"pairs"`
	Groups       int `json:"groups"`
	GroupedTotal int `json:"grouped_total"`
}
