package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagedecloner/internal/errs"
	"imagedecloner/internal/feature"
	"imagedecloner/internal/models"
	"imagedecloner/internal/source/sourcetest"
)

// labelFeature is produced by tableStrategy from "img:<label>" payloads.
type labelFeature string

func (labelFeature) Strategy() string { return "table" }

// tableStrategy reads distances from a fixed table keyed by label pairs.
type tableStrategy struct {
	dist map[[2]string]float64
}

func newTableStrategy(entries map[string]float64) *tableStrategy {
	s := &tableStrategy{dist: make(map[[2]string]float64)}
	for key, d := range entries {
		a, b, _ := strings.Cut(key, "-")
		s.dist[[2]string{a, b}] = d
		s.dist[[2]string{b, a}] = d
	}
	return s
}

func (s *tableStrategy) Name() string              { return "table" }
func (s *tableStrategy) DefaultThreshold() float64 { return 5 }

func (s *tableStrategy) Extract(data []byte) (*feature.Extracted, error) {
	label, ok := bytes.CutPrefix(data, []byte("img:"))
	if !ok {
		return nil, errs.Decode("extract", "", errors.New("not an image"))
	}
	return &feature.Extracted{Feature: labelFeature(label), Width: 1, Height: 1, Score: float64(len(label))}, nil
}

func (s *tableStrategy) Distance(a, b feature.Feature) (float64, error) {
	la, lb := a.(labelFeature), b.(labelFeature)
	if la == lb {
		return 0, nil
	}
	if d, ok := s.dist[[2]string{string(la), string(lb)}]; ok {
		return d, nil
	}
	return 64, nil
}

// The four-image example: A, B and C are mutually close, D is far away.
var abcd = map[string]float64{
	"A-B": 2, "A-C": 3, "A-D": 50,
	"B-C": 4, "B-D": 48, "C-D": 47,
}

func abcdSource() *sourcetest.Source {
	src := sourcetest.New("mem")
	for _, l := range []string{"A", "B", "C", "D"} {
		src.Add(l, []byte("img:"+l))
	}
	return src
}

func newController(src *sourcetest.Source, opts Options) *Controller {
	opts.Threshold = 5
	if opts.Workers == 0 {
		opts.Workers = 2
	}
	opts.Logger = zerolog.Nop()
	return New(src, newTableStrategy(abcd), opts)
}

func load(t *testing.T, c *Controller) models.Stats {
	t.Helper()
	stats, err := c.Load(context.Background())
	require.NoError(t, err)
	return stats
}

func TestLoad_GroupsConnectedComponents(t *testing.T) {
	c := newController(abcdSource(), Options{})
	stats := load(t, c)

	assert.Equal(t, []models.Group{{ID: 1, IDs: []string{"A", "B", "C"}}}, c.Groups())
	assert.Equal(t, models.Stats{Listed: 4, Loaded: 4, Pairs: 3, Groups: 1, GroupedTotal: 3}, stats)
	assert.NotEmpty(t, c.SessionID())
	assert.True(t, c.Loaded())
}

func TestLoad_UnreadableImageIsSkipped(t *testing.T) {
	src := abcdSource()
	src.Add("E", []byte("corrupt"))

	c := newController(src, Options{})
	stats := load(t, c)

	assert.Equal(t, 5, stats.Listed)
	assert.Equal(t, 4, stats.Loaded)
	assert.Equal(t, 1, stats.Failed)
	require.Len(t, c.Failures(), 1)
	assert.Equal(t, "E", c.Failures()[0].ID)
	assert.Equal(t, errs.KindDecode, c.Failures()[0].Kind)
	assert.Equal(t, []models.Group{{ID: 1, IDs: []string{"A", "B", "C"}}}, c.Groups())

	_, ok := c.Record("E")
	assert.False(t, ok)
}

func TestLoad_FailureKeepsPreviousState(t *testing.T) {
	src := abcdSource()
	c := newController(src, Options{})
	load(t, c)
	before, id := c.Groups(), c.SessionID()

	src.FailList(errs.IO("list", "", errors.New("offline")))
	_, err := c.Load(context.Background())
	assert.ErrorIs(t, err, errs.ErrIO)

	assert.Equal(t, before, c.Groups())
	assert.Equal(t, id, c.SessionID())
}

func TestLoad_AuthFailureAborts(t *testing.T) {
	src := abcdSource()
	c := newController(src, Options{})
	load(t, c)
	id := c.SessionID()

	src.FailImage("C", errs.Auth("image", "C", errors.New("token revoked")))
	_, err := c.Load(context.Background())
	assert.ErrorIs(t, err, errs.ErrAuth)
	assert.Equal(t, id, c.SessionID())
	assert.Len(t, c.Groups(), 1)
}

func TestLoad_CancelledKeepsPreviousState(t *testing.T) {
	c := newController(abcdSource(), Options{})
	load(t, c)
	id := c.SessionID()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Load(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, id, c.SessionID())
}

func TestLoad_NoStateBeforeFirstLoad(t *testing.T) {
	c := newController(abcdSource(), Options{})
	assert.False(t, c.Loaded())
	assert.Nil(t, c.Groups())
	assert.Equal(t, models.Stats{}, c.Stats())
	_, err := c.KeepPlan()
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestDeleteSelected_ReconcilesWithoutReload(t *testing.T) {
	src := abcdSource()
	c := newController(src, Options{})
	load(t, c)

	report, err := c.DeleteSelected(context.Background(), []string{"B"})
	require.NoError(t, err)
	assert.Equal(t, models.DeleteReport{Requested: 1, DeletedCount: 1, Deleted: []string{"B"}}, report)

	// A and C stay together even though B was what linked them in part.
	assert.Equal(t, []models.Group{{ID: 1, IDs: []string{"A", "C"}}}, c.Groups())
	_, ok := c.Record("B")
	assert.False(t, ok)
	assert.Equal(t, 3, c.Stats().Loaded)
	assert.Equal(t, 1, c.Stats().Pairs)
}

func TestGroupLookupAfterDelete(t *testing.T) {
	c := newController(abcdSource(), Options{})
	_, ok := c.Group(1)
	assert.False(t, ok, "nothing loaded yet")

	load(t, c)
	g, ok := c.Group(1)
	require.True(t, ok)
	assert.True(t, g.Contains("B"))
	assert.False(t, g.Contains("D"))

	_, err := c.DeleteSelected(context.Background(), []string{"B"})
	require.NoError(t, err)
	g, ok = c.Group(1)
	require.True(t, ok, "group ids are stable across deletes")
	assert.False(t, g.Contains("B"))
	assert.True(t, g.Contains("A"))

	_, ok = c.Group(2)
	assert.False(t, ok)
}

func TestDeleteSelected_DropsSmallGroups(t *testing.T) {
	c := newController(abcdSource(), Options{})
	load(t, c)

	report, err := c.DeleteSelected(context.Background(), []string{"A", "C"})
	require.NoError(t, err)
	assert.Equal(t, 2, report.DeletedCount)
	assert.Empty(t, c.Groups())
	assert.Equal(t, 0, c.Stats().GroupedTotal)
}

func TestDeleteSelected_AlreadyDeletedIsNotFound(t *testing.T) {
	c := newController(abcdSource(), Options{})
	load(t, c)

	_, err := c.DeleteSelected(context.Background(), []string{"B"})
	require.NoError(t, err)
	before := c.Groups()

	report, err := c.DeleteSelected(context.Background(), []string{"B"})
	require.NoError(t, err)
	assert.Equal(t, 0, report.DeletedCount)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "B", report.Failures[0].ID)
	assert.Equal(t, errs.KindNotFound, report.Failures[0].Kind)
	assert.Equal(t, before, c.Groups())
}

func TestDeleteSelected_PartialFailure(t *testing.T) {
	src := abcdSource()
	src.FailDelete("C", errs.IO("delete", "C", errors.New("disk busy")))
	c := newController(src, Options{DeleteConcurrency: 2})
	load(t, c)

	report, err := c.DeleteSelected(context.Background(), []string{"A", "C", "D"})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Requested)
	assert.Equal(t, 2, report.DeletedCount)
	assert.Equal(t, []string{"A", "D"}, report.Deleted)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, errs.KindIO, report.Failures[0].Kind)

	assert.Equal(t, []models.Group{{ID: 1, IDs: []string{"B", "C"}}}, c.Groups())
}

func TestDeleteSelected_DeduplicatesIDs(t *testing.T) {
	src := abcdSource()
	c := newController(src, Options{})
	load(t, c)

	report, err := c.DeleteSelected(context.Background(), []string{"A", "A", "A"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Requested)
	assert.Equal(t, 1, report.DeletedCount)
	assert.Empty(t, report.Failures)
	assert.Equal(t, 1, src.DeleteCalls())
}

func TestDeleteSelected_Empty(t *testing.T) {
	c := newController(abcdSource(), Options{})
	report, err := c.DeleteSelected(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, models.DeleteReport{}, report)
}

func TestDeleteSelected_Cancelled(t *testing.T) {
	src := abcdSource()
	c := newController(src, Options{})
	load(t, c)
	before := c.Groups()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := c.DeleteSelected(ctx, []string{"A", "B"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, report.DeletedCount)
	assert.Len(t, report.Failures, 2)
	assert.Equal(t, errs.KindCanceled, report.Failures[0].Kind)
	assert.Equal(t, before, c.Groups())
	assert.Empty(t, src.Deleted())
}

func TestConcurrentReadersSeeConsistentGroups(t *testing.T) {
	src := sourcetest.New("mem")
	strategy := &tableStrategy{dist: make(map[[2]string]float64)}
	// Ten fully connected triples: gN-0, gN-1, gN-2.
	for g := 0; g < 10; g++ {
		for a := 0; a < 3; a++ {
			id := fmt.Sprintf("g%d-%d", g, a)
			src.Add(id, []byte("img:"+id))
			for b := 0; b < 3; b++ {
				if a != b {
					strategy.dist[[2]string{id, fmt.Sprintf("g%d-%d", g, b)}] = 1
				}
			}
		}
	}

	c := New(src, strategy, Options{Threshold: -1, Workers: 4, Logger: zerolog.Nop()})
	load(t, c)
	require.Len(t, c.Groups(), 10)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for _, g := range c.Groups() {
					if len(g.IDs) < 2 {
						t.Errorf("reader saw group %d with %d members", g.ID, len(g.IDs))
						return
					}
				}
			}
		}()
	}

	var toDelete []string
	for g := 0; g < 10; g++ {
		toDelete = append(toDelete, fmt.Sprintf("g%d-0", g))
	}
	report, err := c.DeleteSelected(context.Background(), toDelete)
	close(stop)
	wg.Wait()

	require.NoError(t, err)
	assert.Equal(t, 10, report.DeletedCount)
	for _, g := range c.Groups() {
		assert.Len(t, g.IDs, 2)
	}
}

func TestKeepPlan(t *testing.T) {
	src := sourcetest.New("mem")
	src.Add("small", []byte("img:s"))
	src.Add("large", []byte("img:large"))
	c := New(src, newTableStrategy(map[string]float64{"s-large": 1}), Options{Threshold: -1, Logger: zerolog.Nop()})
	load(t, c)

	plans, err := c.KeepPlan()
	require.NoError(t, err)
	require.Len(t, plans, 1)
	// Score is the label length in tableStrategy.
	assert.Equal(t, "large", plans[0].Keep)
	assert.Equal(t, []string{"small"}, plans[0].Remove)
}

func TestMetadataAndThumbnail(t *testing.T) {
	c := newController(abcdSource(), Options{})
	load(t, c)
	ctx := context.Background()

	meta, err := c.Metadata(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "A", meta.Filename)

	_, err = c.Metadata(ctx, "Z")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	thumb, err := c.Thumbnail(ctx, "A", 50)
	require.NoError(t, err)
	assert.Equal(t, []byte("img:A"), thumb)
}

func TestRealFeatures_IdenticalImagesGroup(t *testing.T) {
	src := sourcetest.New("mem")
	src.Add("a.png", sourcetest.NoisePNG(1, 32, 32))
	src.Add("a-copy.png", sourcetest.NoisePNG(1, 32, 32))
	src.Add("b.png", sourcetest.NoisePNG(2, 32, 32))
	src.Add("c.png", sourcetest.NoisePNG(3, 32, 32))

	c := New(src, feature.NewPerceptionHash(), Options{Threshold: -1, Logger: zerolog.Nop()})
	load(t, c)
	assert.Equal(t, []models.Group{{ID: 1, IDs: []string{"a-copy.png", "a.png"}}}, c.Groups())
}

type fakeHistory struct {
	mu        sync.Mutex
	scans     []string
	deletions []models.DeleteReport
}

func (h *fakeHistory) RecordScan(sessionID, source string, totalImages, failed, groups, grouped int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scans = append(h.scans, fmt.Sprintf("%s %s %d/%d/%d/%d", sessionID, source, totalImages, failed, groups, grouped))
	return nil
}

func (h *fakeHistory) RecordDeletion(sessionID, source string, report models.DeleteReport) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deletions = append(h.deletions, report)
	return nil
}

func TestHistoryIsRecorded(t *testing.T) {
	h := &fakeHistory{}
	c := newController(abcdSource(), Options{History: h})
	load(t, c)
	_, err := c.DeleteSelected(context.Background(), []string{"D"})
	require.NoError(t, err)

	require.Len(t, h.scans, 1)
	assert.Equal(t, c.SessionID()+" mem 4/0/1/3", h.scans[0])
	require.Len(t, h.deletions, 1)
	assert.Equal(t, []string{"D"}, h.deletions[0].Deleted)
}
