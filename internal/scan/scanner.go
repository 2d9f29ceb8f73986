package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"imagedecloner/internal/errs"
	"imagedecloner/internal/feature"
	"imagedecloner/internal/models"
	"imagedecloner/internal/source"
)

// Scanner fetches images from a source and extracts their features
type Scanner struct {
	strategy   feature.Strategy
	workers    int
	timeout    time.Duration
	progressFn func(scanned, total int, current string)
	logger     zerolog.Logger
}

// Option configures a Scanner
type Option func(*Scanner)

// WithWorkers sets the number of parallel workers
func WithWorkers(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithTimeout sets the timeout for fetching and extracting each image
func WithTimeout(d time.Duration) Option {
	return func(s *Scanner) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithProgress sets a progress callback. It is called once per id,
// whether the id succeeded or failed.
func WithProgress(fn func(scanned, total int, current string)) Option {
	return func(s *Scanner) {
		s.progressFn = fn
	}
}

// WithLogger sets the logger used for per-item failures
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scanner) {
		s.logger = l
	}
}

// NewScanner creates a new Scanner using strategy for extraction
func NewScanner(strategy feature.Strategy, opts ...Option) *Scanner {
	s := &Scanner{
		strategy: strategy,
		workers:  8,
		timeout:  30 * time.Second,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "scan").Logger()
	return s
}

// Result is the outcome of a scan. Records are in listing order.
type Result struct {
	Listed   int
	Records  []*models.ImageRecord
	Failures []models.Failure
}

// Scan lists src and extracts a feature for every id. Unreadable or missing
// images become Failures and are excluded. Failing to list, an
// authentication failure on any item, or cancellation of ctx abort the
// whole scan and return no partial result.
func (s *Scanner) Scan(ctx context.Context, src source.Source) (*Result, error) {
	ids, err := src.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", src.Name(), err)
	}

	res := &Result{Listed: len(ids)}
	if len(ids) == 0 {
		return res, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Process images in parallel
	var (
		records  = make([]*models.ImageRecord, len(ids))
		failures = make([]error, len(ids))
		wg       sync.WaitGroup
		scanned  int64
		total    = len(ids)
		authOnce sync.Once
		authErr  error
	)

	// Create work channel
	work := make(chan int, len(ids))
	for i := range ids {
		work <- i
	}
	close(work)

	// Start workers
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range work {
				if ctx.Err() != nil {
					return
				}

				id := ids[idx]
				rec, err := s.load(ctx, src, id)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					if errors.Is(err, errs.ErrAuth) {
						authOnce.Do(func() {
							authErr = err
							cancel()
						})
						return
					}
					failures[idx] = err
					s.logger.Warn().Err(err).Str("id", id).Str("kind", string(errs.KindOf(err))).Msg("skipping image")
				} else {
					records[idx] = rec
				}

				n := atomic.AddInt64(&scanned, 1)
				if s.progressFn != nil {
					s.progressFn(int(n), total, id)
				}
			}
		}()
	}

	wg.Wait()

	if authErr != nil {
		return nil, authErr
	}
	// The parent context may have been cancelled while workers ran.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for idx, rec := range records {
		if rec != nil {
			res.Records = append(res.Records, rec)
		} else if failures[idx] != nil {
			res.Failures = append(res.Failures, models.NewFailure(ids[idx], failures[idx]))
		}
	}

	return res, nil
}

// load fetches one image and its metadata and extracts its feature within
// the per-item timeout.
func (s *Scanner) load(ctx context.Context, src source.Source, id string) (*models.ImageRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := src.Image(ctx, id)
	if err != nil {
		return nil, err
	}

	ext, err := s.extractWithTimeout(ctx, id, data)
	if err != nil {
		return nil, err
	}

	meta, err := src.Metadata(ctx, id)
	if err != nil {
		return nil, err
	}

	return &models.ImageRecord{
		ID:       id,
		Feature:  ext.Feature,
		Metadata: meta,
		Width:    ext.Width,
		Height:   ext.Height,
		Format:   ext.Format,
		HasExif:  ext.HasExif,
		Score:    ext.Score,
	}, nil
}

// extractWithTimeout runs the CPU-bound extraction and gives up when ctx
// expires.
func (s *Scanner) extractWithTimeout(ctx context.Context, id string, data []byte) (*feature.Extracted, error) {
	done := make(chan struct{})
	var ext *feature.Extracted
	var err error

	go func() {
		ext, err = s.strategy.Extract(data)
		close(done)
	}()

	select {
	case <-done:
		if err != nil {
			if errors.Is(err, errs.ErrDecode) {
				return nil, fmt.Errorf("extract %s: %w", id, err)
			}
			return nil, errs.Decode("extract", id, err)
		}
		return ext, nil
	case <-ctx.Done():
		return nil, errs.IO("extract", id, fmt.Errorf("timeout extracting image: %w", ctx.Err()))
	}
}
