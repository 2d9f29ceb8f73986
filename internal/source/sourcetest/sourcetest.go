// Package sourcetest provides an in-memory source.Source and image fixtures
// for tests.
package sourcetest

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"sort"
	"sync"
	"time"

	"imagedecloner/internal/errs"
	"imagedecloner/internal/models"
)

// Source is a concurrency-safe in-memory image source.
type Source struct {
	mu          sync.Mutex
	name        string
	images      map[string][]byte
	meta        map[string]models.Metadata
	imageErrs   map[string]error
	deleteErrs  map[string]error
	listErr     error
	deleted     []string
	deleteCalls int
}

// New returns an empty Source called name.
func New(name string) *Source {
	return &Source{
		name:       name,
		images:     make(map[string][]byte),
		meta:       make(map[string]models.Metadata),
		imageErrs:  make(map[string]error),
		deleteErrs: make(map[string]error),
	}
}

// Add stores an image under id.
func (s *Source) Add(id string, data []byte) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[id] = data
	s.meta[id] = models.Metadata{
		Filename:  id,
		Size:      int64(len(data)),
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		MimeType:  "image/png",
	}
	return s
}

// FailImage makes Image(id) return err.
func (s *Source) FailImage(id string, err error) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.imageErrs[id] = err
	return s
}

// FailDelete makes Delete(id) return err without removing the image.
func (s *Source) FailDelete(id string, err error) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteErrs[id] = err
	return s
}

// FailList makes List return err.
func (s *Source) FailList(err error) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErr = err
	return s
}

// Deleted returns the ids removed so far, in deletion order.
func (s *Source) Deleted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleted...)
}

// DeleteCalls counts every Delete call, successful or not.
func (s *Source) DeleteCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteCalls
}

func (s *Source) Name() string { return s.name }

func (s *Source) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	ids := make([]string, 0, len(s.images))
	for id := range s.images {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Source) Image(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.imageErrs[id]; ok {
		return nil, err
	}
	data, ok := s.images[id]
	if !ok {
		return nil, errs.NotFound("image", id, nil)
	}
	return data, nil
}

func (s *Source) Thumbnail(ctx context.Context, id string, size int) ([]byte, error) {
	return s.Image(ctx, id)
}

func (s *Source) Metadata(ctx context.Context, id string) (models.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return models.Metadata{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.meta[id]
	if !ok {
		return models.Metadata{}, errs.NotFound("metadata", id, nil)
	}
	return meta, nil
}

func (s *Source) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCalls++
	if err, ok := s.deleteErrs[id]; ok {
		return err
	}
	if _, ok := s.images[id]; !ok {
		return errs.NotFound("delete", id, nil)
	}
	delete(s.images, id)
	delete(s.meta, id)
	s.deleted = append(s.deleted, id)
	return nil
}

// NoisePNG renders a w×h image of seeded random noise. Equal seeds give
// identical bytes; different seeds give unrelated images.
func NoisePNG(seed int64, w, h int) []byte {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{
				R: uint8(rng.Intn(256)),
				G: uint8(rng.Intn(256)),
				B: uint8(rng.Intn(256)),
				A: 255,
			})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// HeaderOnlyPNG returns a PNG whose header claims w×h RGBA pixels but whose
// image data is empty.
func HeaderOnlyPNG(w, h uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	chunk := func(typ string, data []byte) {
		binary.Write(&buf, binary.BigEndian, uint32(len(data)))
		body := append([]byte(typ), data...)
		buf.Write(body)
		binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(body))
	}
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], w)
	binary.BigEndian.PutUint32(ihdr[4:], h)
	ihdr[8] = 8 // bit depth
	ihdr[9] = 6 // RGBA
	chunk("IHDR", ihdr)
	chunk("IDAT", nil)
	chunk("IEND", nil)
	return buf.Bytes()
}
