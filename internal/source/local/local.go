// Package local serves images from a directory on disk.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"imagedecloner/internal/errs"
	"imagedecloner/internal/feature"
	"imagedecloner/internal/fileutil"
	"imagedecloner/internal/models"
)

// DefaultThumbnailSize is used when a caller asks for a non-positive size.
const DefaultThumbnailSize = 100

// Options configures a Source.
type Options struct {
	// Recursive lists images in subdirectories too.
	Recursive bool
	// DeleteMode defaults to fileutil.ModeTrash.
	DeleteMode fileutil.Mode
	// MoveTo is the holding directory for fileutil.ModeMove.
	MoveTo string
	Logger zerolog.Logger
}

// Source is a directory of images. Ids are slash-separated paths relative
// to the root directory.
type Source struct {
	root   string
	opts   Options
	logger zerolog.Logger
}

// New opens root, which must be an existing directory.
func New(root string, opts Options) (*Source, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, classify("open", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	if opts.DeleteMode == "" {
		opts.DeleteMode = fileutil.ModeTrash
	}
	if opts.DeleteMode == fileutil.ModeMove {
		if opts.MoveTo == "" {
			return nil, errors.New("delete mode move needs a destination directory")
		}
		if opts.MoveTo, err = filepath.Abs(opts.MoveTo); err != nil {
			return nil, fmt.Errorf("resolve %s: %w", opts.MoveTo, err)
		}
	}

	return &Source{
		root:   abs,
		opts:   opts,
		logger: opts.Logger.With().Str("component", "local").Str("root", abs).Logger(),
	}, nil
}

// Name returns "local:" followed by the root directory.
func (s *Source) Name() string { return "local:" + s.root }

// List returns the sorted ids of all recognised images under the root.
func (s *Source) List(ctx context.Context) ([]string, error) {
	var ids []string

	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if p == s.root {
				return err
			}
			s.logger.Warn().Err(err).Str("path", p).Msg("skipping unreadable entry")
			return nil
		}
		if d.IsDir() {
			if p == s.root {
				return nil
			}
			if !s.opts.Recursive || strings.HasPrefix(d.Name(), ".") || p == s.opts.MoveTo {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !feature.IsSupportedImage(d.Name()) {
			return nil
		}

		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		ids = append(ids, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classify("list", s.root, err)
	}

	sort.Strings(ids)
	return ids, nil
}

// Image returns the raw file contents.
func (s *Source) Image(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.resolve(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, classify("image", id, err)
	}
	return data, nil
}

// Thumbnail decodes the image and fits it within size×size, JPEG encoded.
func (s *Source) Thumbnail(ctx context.Context, id string, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultThumbnailSize
	}
	data, err := s.Image(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := feature.CheckSize("thumbnail", id, data); err != nil {
		return nil, err
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, errs.Decode("thumbnail", id, err)
	}
	thumb := imaging.Fit(img, size, size, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, errs.IO("thumbnail", id, err)
	}
	return buf.Bytes(), nil
}

// Metadata reports file facts. CreatedAt is the EXIF capture time when the
// file has one, else the modification time.
func (s *Source) Metadata(ctx context.Context, id string) (models.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return models.Metadata{}, err
	}
	p, err := s.resolve(id)
	if err != nil {
		return models.Metadata{}, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return models.Metadata{}, classify("metadata", id, err)
	}

	meta := models.Metadata{
		Filename:  path.Base(id),
		Size:      info.Size(),
		CreatedAt: info.ModTime(),
		MimeType:  MimeType(id),
	}
	if taken, ok := captureTime(p); ok {
		meta.CreatedAt = taken
	}
	return meta, nil
}

// Delete disposes of the file according to the configured delete mode.
func (s *Source) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.resolve(id)
	if err != nil {
		return err
	}
	if err := fileutil.Remove(p, s.opts.DeleteMode, s.opts.MoveTo); err != nil {
		return classify("delete", id, err)
	}
	s.logger.Debug().Str("id", id).Str("mode", string(s.opts.DeleteMode)).Msg("deleted")
	return nil
}

// resolve maps an id to a path inside the root. Ids that are not local
// relative paths to a recognised image are reported as not found.
func (s *Source) resolve(id string) (string, error) {
	rel := filepath.FromSlash(id)
	if id == "" || !filepath.IsLocal(rel) || !feature.IsSupportedImage(rel) {
		return "", errs.NotFound("resolve", id, nil)
	}
	p, err := securejoin.SecureJoin(s.root, rel)
	if err != nil {
		return "", errs.NotFound("resolve", id, err)
	}
	return p, nil
}

// captureTime reads the EXIF capture time from the file at p.
func captureTime(p string) (time.Time, bool) {
	f, err := os.Open(p)
	if err != nil {
		return time.Time{}, false
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return time.Time{}, false
	}
	t, err := x.DateTime()
	if err != nil || t.IsZero() {
		return time.Time{}, false
	}
	return t, true
}

var mimeTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
}

// MimeType returns the MIME type for a recognised image extension.
func MimeType(name string) string {
	return mimeTypes[strings.ToLower(path.Ext(name))]
}

// classify maps filesystem errors onto the error taxonomy.
func classify(op, id string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return errs.NotFound(op, id, err)
	}
	return errs.IO(op, id, err)
}
