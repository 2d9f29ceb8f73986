// Package source defines where images come from. Backends live in the
// local and remote subpackages.
package source

import (
	"context"

	"imagedecloner/internal/models"
)

// Metadata is the per-image information a source reports.
type Metadata = models.Metadata

// Source enumerates, fetches and deletes images.
//
// Ids are opaque to callers. List returns the same id set for the same
// backend state, in a stable order. Operations on an id that no longer
// exists fail with errs.ErrNotFound, including a second Delete of the same
// id. Implementations must be safe for concurrent use.
type Source interface {
	// Name identifies the source in logs and history, e.g. "local:/photos".
	Name() string
	List(ctx context.Context) ([]string, error)
	// Image returns the encoded bytes of the full image.
	Image(ctx context.Context, id string) ([]byte, error)
	// Thumbnail returns an encoded image fitting within size×size.
	Thumbnail(ctx context.Context, id string, size int) ([]byte, error)
	Metadata(ctx context.Context, id string) (Metadata, error)
	Delete(ctx context.Context, id string) error
}
