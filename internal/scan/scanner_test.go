package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"imagedecloner/internal/errs"
	"imagedecloner/internal/feature"
	"imagedecloner/internal/source/sourcetest"
)

func TestNewScanner_Defaults(t *testing.T) {
	s := NewScanner(feature.NewPerceptionHash())

	if s.workers != 8 {
		t.Errorf("default workers = %d, want 8", s.workers)
	}
	if s.timeout != 30*time.Second {
		t.Errorf("default timeout = %v, want 30s", s.timeout)
	}
	if s.progressFn != nil {
		t.Error("default progressFn should be nil")
	}
}

func TestNewScanner_WithWorkers(t *testing.T) {
	s := NewScanner(feature.NewPerceptionHash(), WithWorkers(4))
	if s.workers != 4 {
		t.Errorf("workers = %d, want 4", s.workers)
	}

	// Zero workers should not change default
	s = NewScanner(feature.NewPerceptionHash(), WithWorkers(0))
	if s.workers != 8 {
		t.Errorf("workers with 0 = %d, want 8", s.workers)
	}

	// Negative workers should not change default
	s = NewScanner(feature.NewPerceptionHash(), WithWorkers(-1))
	if s.workers != 8 {
		t.Errorf("workers with -1 = %d, want 8", s.workers)
	}
}

func TestNewScanner_WithTimeout(t *testing.T) {
	s := NewScanner(feature.NewPerceptionHash(), WithTimeout(5*time.Second))
	if s.timeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", s.timeout)
	}
}

func TestScan_EmptySource(t *testing.T) {
	s := NewScanner(feature.NewPerceptionHash())
	res, err := s.Scan(context.Background(), sourcetest.New("empty"))

	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if res.Listed != 0 || len(res.Records) != 0 || len(res.Failures) != 0 {
		t.Errorf("expected empty result, got %+v", res)
	}
}

func TestScan_WithImages(t *testing.T) {
	src := sourcetest.New("mem")
	for i := 0; i < 6; i++ {
		src.Add(fmt.Sprintf("img%d.png", i), sourcetest.NoisePNG(int64(i), 32, 32))
	}

	s := NewScanner(feature.NewPerceptionHash(), WithWorkers(3))
	res, err := s.Scan(context.Background(), src)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if res.Listed != 6 || len(res.Records) != 6 {
		t.Fatalf("expected 6 records, got listed=%d records=%d", res.Listed, len(res.Records))
	}

	// Records come back in listing order regardless of scheduling.
	for i, rec := range res.Records {
		if want := fmt.Sprintf("img%d.png", i); rec.ID != want {
			t.Errorf("record %d = %s, want %s", i, rec.ID, want)
		}
		if rec.Feature == nil {
			t.Errorf("record %s has no feature", rec.ID)
		}
		if rec.Width != 32 || rec.Height != 32 {
			t.Errorf("record %s dimensions = %dx%d", rec.ID, rec.Width, rec.Height)
		}
		if rec.Metadata.Filename != rec.ID {
			t.Errorf("record %s metadata filename = %s", rec.ID, rec.Metadata.Filename)
		}
	}
}

func TestScan_UnreadableImagesAreFailures(t *testing.T) {
	src := sourcetest.New("mem")
	for i := 0; i < 4; i++ {
		src.Add(fmt.Sprintf("ok%d.png", i), sourcetest.NoisePNG(int64(i), 16, 16))
	}
	src.Add("broken.png", []byte("not a png"))
	src.Add("flaky.png", sourcetest.NoisePNG(99, 16, 16)).FailImage("flaky.png", errs.IO("image", "flaky.png", errors.New("connection reset")))

	s := NewScanner(feature.NewPerceptionHash(), WithWorkers(2))
	res, err := s.Scan(context.Background(), src)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	if len(res.Records) != 4 {
		t.Errorf("expected 4 records, got %d", len(res.Records))
	}
	if len(res.Failures) != 2 {
		t.Fatalf("expected 2 failures, got %v", res.Failures)
	}
	kinds := map[string]errs.Kind{}
	for _, f := range res.Failures {
		kinds[f.ID] = f.Kind
	}
	if kinds["broken.png"] != errs.KindDecode {
		t.Errorf("broken.png kind = %q, want decode", kinds["broken.png"])
	}
	if kinds["flaky.png"] != errs.KindIO {
		t.Errorf("flaky.png kind = %q, want io", kinds["flaky.png"])
	}
}

func TestScan_ListFailureAborts(t *testing.T) {
	src := sourcetest.New("mem").FailList(errs.IO("list", "", errors.New("offline")))

	res, err := NewScanner(feature.NewPerceptionHash()).Scan(context.Background(), src)
	if !errors.Is(err, errs.ErrIO) {
		t.Errorf("err = %v, want ErrIO", err)
	}
	if res != nil {
		t.Errorf("expected no result, got %+v", res)
	}
}

func TestScan_AuthFailureAborts(t *testing.T) {
	src := sourcetest.New("mem")
	for i := 0; i < 5; i++ {
		src.Add(fmt.Sprintf("img%d.png", i), sourcetest.NoisePNG(int64(i), 16, 16))
	}
	src.FailImage("img2.png", errs.Auth("image", "img2.png", errors.New("token revoked")))

	res, err := NewScanner(feature.NewPerceptionHash(), WithWorkers(2)).Scan(context.Background(), src)
	if !errors.Is(err, errs.ErrAuth) {
		t.Errorf("err = %v, want ErrAuth", err)
	}
	if res != nil {
		t.Errorf("expected no partial result, got %+v", res)
	}
}

func TestScan_Cancelled(t *testing.T) {
	src := sourcetest.New("mem")
	for i := 0; i < 5; i++ {
		src.Add(fmt.Sprintf("img%d.png", i), sourcetest.NoisePNG(int64(i), 16, 16))
	}

	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	s := NewScanner(feature.NewPerceptionHash(), WithWorkers(1), WithProgress(func(_, _ int, _ string) {
		once.Do(cancel)
	}))

	res, err := s.Scan(ctx, src)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if res != nil {
		t.Errorf("expected no partial result, got %+v", res)
	}
}

func TestScan_ProgressCallback(t *testing.T) {
	src := sourcetest.New("mem")
	src.Add("a.png", sourcetest.NoisePNG(1, 16, 16))
	src.Add("b.png", []byte("garbage"))
	src.Add("c.png", sourcetest.NoisePNG(3, 16, 16))

	var calls int64
	var maxTotal int64
	s := NewScanner(feature.NewPerceptionHash(), WithWorkers(2), WithProgress(func(scanned, total int, current string) {
		atomic.AddInt64(&calls, 1)
		atomic.StoreInt64(&maxTotal, int64(total))
	}))

	if _, err := s.Scan(context.Background(), src); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("progress called %d times, want 3", calls)
	}
	if maxTotal != 3 {
		t.Errorf("progress total = %d, want 3", maxTotal)
	}
}
