package match

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"sort"
	"testing"
	"time"

	"imagedecloner/internal/feature"
	"imagedecloner/internal/models"
)

// labelFeature identifies an image by label; tableStrategy looks distances up.
type labelFeature string

func (labelFeature) Strategy() string { return "table" }

type tableStrategy struct {
	dist map[[2]string]float64
}

func newTableStrategy(entries map[string]float64) *tableStrategy {
	s := &tableStrategy{dist: make(map[[2]string]float64)}
	for key, d := range entries {
		a, b := key[:1], key[1:]
		s.dist[[2]string{a, b}] = d
		s.dist[[2]string{b, a}] = d
	}
	return s
}

func (s *tableStrategy) Name() string              { return "table" }
func (s *tableStrategy) DefaultThreshold() float64 { return 5 }
func (s *tableStrategy) Extract([]byte) (*feature.Extracted, error) {
	return nil, errors.New("not supported")
}

func (s *tableStrategy) Distance(a, b feature.Feature) (float64, error) {
	la, lb := a.(labelFeature), b.(labelFeature)
	if la == lb {
		return 0, nil
	}
	d, ok := s.dist[[2]string{string(la), string(lb)}]
	if !ok {
		return 100, nil
	}
	return d, nil
}

func items(labels ...string) []Item {
	out := make([]Item, len(labels))
	for i, l := range labels {
		out[i] = Item{ID: l, Feature: labelFeature(l)}
	}
	return out
}

// Distances for four images where A, B and C are close and D is far away.
var abcd = map[string]float64{
	"AB": 2, "AC": 3, "AD": 50,
	"BC": 4, "BD": 48, "CD": 47,
}

func TestFindPairs_Threshold(t *testing.T) {
	s := newTableStrategy(abcd)
	pairs, err := FindPairs(context.Background(), items("A", "B", "C", "D"), s, 5, 2)
	if err != nil {
		t.Fatalf("FindPairs failed: %v", err)
	}

	want := []models.SimilarityPair{
		{A: "A", B: "B", Distance: 2},
		{A: "A", B: "C", Distance: 3},
		{A: "B", B: "C", Distance: 4},
	}
	if !reflect.DeepEqual(pairs, want) {
		t.Errorf("pairs = %v, want %v", pairs, want)
	}
}

func TestFindPairs_InclusiveThreshold(t *testing.T) {
	s := newTableStrategy(map[string]float64{"AB": 5})
	pairs, err := FindPairs(context.Background(), items("A", "B"), s, 5, 1)
	if err != nil {
		t.Fatalf("FindPairs failed: %v", err)
	}
	if len(pairs) != 1 {
		t.Errorf("distance equal to threshold should match, got %v", pairs)
	}
}

func TestFindPairs_TooFewItems(t *testing.T) {
	s := newTableStrategy(nil)
	for _, in := range [][]Item{nil, items("A")} {
		pairs, err := FindPairs(context.Background(), in, s, 5, 4)
		if err != nil || pairs != nil {
			t.Errorf("FindPairs(%v) = %v, %v; want nil, nil", in, pairs, err)
		}
	}
}

func TestFindPairs_DeterministicAcrossWorkers(t *testing.T) {
	labels := []string{"A", "B", "C", "D"}
	s := newTableStrategy(abcd)

	first, err := FindPairs(context.Background(), items(labels...), s, 10, 1)
	if err != nil {
		t.Fatalf("FindPairs failed: %v", err)
	}
	for _, workers := range []int{0, 2, 3, 16} {
		got, err := FindPairs(context.Background(), items(labels...), s, 10, workers)
		if err != nil {
			t.Fatalf("FindPairs(workers=%d) failed: %v", workers, err)
		}
		if !reflect.DeepEqual(got, first) {
			t.Errorf("workers=%d: pairs = %v, want %v", workers, got, first)
		}
	}
}

func TestFindPairs_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pairs, err := FindPairs(ctx, items("A", "B", "C", "D"), newTableStrategy(abcd), 5, 2)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if pairs != nil {
		t.Errorf("cancelled comparison returned pairs: %v", pairs)
	}
}

func TestFindPairs_IncompatibleFeature(t *testing.T) {
	ph := feature.NewPerceptionHash()
	in := []Item{
		{ID: "a", Feature: feature.HashFeature{Algo: "phash"}},
		{ID: "b", Feature: feature.HashFeature{Algo: "dhash"}},
	}
	_, err := FindPairs(context.Background(), in, ph, 5, 1)
	if !errors.Is(err, feature.ErrIncompatible) {
		t.Errorf("err = %v, want ErrIncompatible", err)
	}
}

func TestBuildGroups_Transitive(t *testing.T) {
	s := newTableStrategy(abcd)
	pairs, err := FindPairs(context.Background(), items("A", "B", "C", "D"), s, 5, 2)
	if err != nil {
		t.Fatalf("FindPairs failed: %v", err)
	}

	groups := BuildGroups(pairs)
	want := []models.Group{{ID: 1, IDs: []string{"A", "B", "C"}}}
	if !reflect.DeepEqual(groups, want) {
		t.Errorf("groups = %v, want %v", groups, want)
	}
}

func TestBuildGroups_Chain(t *testing.T) {
	// A-B and B-C link A and C even though they are not a pair.
	pairs := []models.SimilarityPair{
		{A: "x/c", B: "x/b"},
		{A: "x/a", B: "x/b"},
		{A: "y/1", B: "y/2"},
	}
	groups := BuildGroups(pairs)
	want := []models.Group{
		{ID: 1, IDs: []string{"x/a", "x/b", "x/c"}},
		{ID: 2, IDs: []string{"y/1", "y/2"}},
	}
	if !reflect.DeepEqual(groups, want) {
		t.Errorf("groups = %v, want %v", groups, want)
	}
}

func TestBuildGroups_Empty(t *testing.T) {
	if groups := BuildGroups(nil); groups != nil {
		t.Errorf("expected nil for no pairs, got %v", groups)
	}
}

func TestBuildGroups_OrderIndependent(t *testing.T) {
	pairs := []models.SimilarityPair{
		{A: "a", B: "b"}, {A: "b", B: "c"}, {A: "d", B: "e"},
		{A: "f", B: "g"}, {A: "g", B: "h"}, {A: "h", B: "f"},
		{A: "c", B: "a"}, {A: "i", B: "e"},
	}
	want := BuildGroups(pairs)

	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 20; round++ {
		shuffled := make([]models.SimilarityPair, len(pairs))
		copy(shuffled, pairs)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		// Endpoint order inside a pair must not matter either.
		for i := range shuffled {
			if rng.Intn(2) == 0 {
				shuffled[i].A, shuffled[i].B = shuffled[i].B, shuffled[i].A
			}
		}

		if got := BuildGroups(shuffled); !reflect.DeepEqual(got, want) {
			t.Fatalf("round %d: groups = %v, want %v", round, got, want)
		}
	}
}

func TestBuildGroups_Disjoint(t *testing.T) {
	var pairs []models.SimilarityPair
	for i := 0; i < 50; i++ {
		pairs = append(pairs, models.SimilarityPair{
			A: fmt.Sprintf("img%02d", i),
			B: fmt.Sprintf("img%02d", (i*7+3)%60),
		})
	}

	seen := make(map[string]int)
	for _, g := range BuildGroups(pairs) {
		if len(g.IDs) < 2 {
			t.Errorf("group %d has %d members", g.ID, len(g.IDs))
		}
		for _, id := range g.IDs {
			if prev, ok := seen[id]; ok {
				t.Errorf("%s appears in groups %d and %d", id, prev, g.ID)
			}
			seen[id] = g.ID
		}
	}
}

func TestRank(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name         string
		records      []*models.ImageRecord
		expectedKeep string
	}{
		{
			name: "keep highest score",
			records: []*models.ImageRecord{
				{ID: "low.jpg", Score: 1.0, Metadata: models.Metadata{Size: 100, CreatedAt: now}},
				{ID: "high.jpg", Score: 10.0, Metadata: models.Metadata{Size: 100, CreatedAt: now}},
			},
			expectedKeep: "high.jpg",
		},
		{
			name: "tie score, keep larger file",
			records: []*models.ImageRecord{
				{ID: "small.jpg", Score: 5.0, Metadata: models.Metadata{Size: 100, CreatedAt: now}},
				{ID: "large.jpg", Score: 5.0, Metadata: models.Metadata{Size: 1000, CreatedAt: now}},
			},
			expectedKeep: "large.jpg",
		},
		{
			name: "tie score and size, keep newer",
			records: []*models.ImageRecord{
				{ID: "old.jpg", Score: 5.0, Metadata: models.Metadata{Size: 100, CreatedAt: now.Add(-time.Hour)}},
				{ID: "new.jpg", Score: 5.0, Metadata: models.Metadata{Size: 100, CreatedAt: now}},
			},
			expectedKeep: "new.jpg",
		},
		{
			name: "full tie, keep first id",
			records: []*models.ImageRecord{
				{ID: "b.jpg", Score: 5.0},
				{ID: "a.jpg", Score: 5.0},
			},
			expectedKeep: "a.jpg",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ranked := Rank(tt.records)
			if ranked[0].ID != tt.expectedKeep {
				t.Errorf("expected to keep %s, got %s", tt.expectedKeep, ranked[0].ID)
			}
			if len(ranked) != len(tt.records) {
				t.Errorf("Rank changed length: %d vs %d", len(ranked), len(tt.records))
			}
		})
	}
}

func TestSelectKeep(t *testing.T) {
	records := map[string]*models.ImageRecord{
		"a.jpg": {ID: "a.jpg", Score: 1.0},
		"b.jpg": {ID: "b.jpg", Score: 3.0},
		"c.jpg": {ID: "c.jpg", Score: 2.0},
	}
	lookup := func(id string) (*models.ImageRecord, bool) {
		r, ok := records[id]
		return r, ok
	}

	keep, remove := SelectKeep(models.Group{ID: 1, IDs: []string{"a.jpg", "b.jpg", "c.jpg", "gone.jpg"}}, lookup)
	if keep != "b.jpg" {
		t.Errorf("keep = %s, want b.jpg", keep)
	}
	if want := []string{"c.jpg", "a.jpg", "gone.jpg"}; !reflect.DeepEqual(remove, want) {
		t.Errorf("remove = %v, want %v", remove, want)
	}

	if keep, remove := SelectKeep(models.Group{}, lookup); keep != "" || remove != nil {
		t.Errorf("empty group: keep=%q remove=%v", keep, remove)
	}
}

func TestUnionFind(t *testing.T) {
	uf := newUnionFind(5)

	// Initially all separate
	for i := 0; i < 5; i++ {
		if uf.find(i) != i {
			t.Errorf("expected %d to be its own root", i)
		}
	}

	uf.union(0, 1)
	if uf.find(0) != uf.find(1) {
		t.Error("expected 0 and 1 to be in same group")
	}

	uf.union(2, 3)
	if uf.find(2) != uf.find(3) {
		t.Error("expected 2 and 3 to be in same group")
	}

	// 4 should still be separate
	if uf.find(4) == uf.find(0) || uf.find(4) == uf.find(2) {
		t.Error("expected 4 to be separate")
	}

	// Union the two groups
	uf.union(1, 3)
	if uf.find(0) != uf.find(2) {
		t.Error("expected all of 0,1,2,3 to be in same group")
	}
}

// TestGroups_EquivalentToGraphSearch checks FindPairs plus BuildGroups
// against a breadth-first search over the same similarity graph.
func TestGroups_EquivalentToGraphSearch(t *testing.T) {
	strategy := feature.NewPerceptionHash()
	const threshold = 5

	list := make([]Item, 50)
	for i := range list {
		list[i] = Item{
			ID:      fmt.Sprintf("img%02d", i),
			Feature: feature.HashFeature{Algo: "phash", Bits: uint64(i * 7)}, // spread out hashes
		}
	}

	pairs, err := FindPairs(context.Background(), list, strategy, threshold, 4)
	if err != nil {
		t.Fatalf("FindPairs failed: %v", err)
	}
	got := BuildGroups(pairs)

	// Expected components by BFS on the brute-force adjacency.
	adj := make([][]int, len(list))
	for i := range list {
		for j := range list {
			a := list[i].Feature.(feature.HashFeature).Bits
			b := list[j].Feature.(feature.HashFeature).Bits
			if i != j && feature.HammingDistance(a, b) <= threshold {
				adj[i] = append(adj[i], j)
			}
		}
	}
	seen := make([]bool, len(list))
	var want [][]string
	for start := range list {
		if seen[start] {
			continue
		}
		seen[start] = true
		queue := []int{start}
		var members []string
		for len(queue) > 0 {
			n := queue[0]
			queue = queue[1:]
			members = append(members, list[n].ID)
			for _, m := range adj[n] {
				if !seen[m] {
					seen[m] = true
					queue = append(queue, m)
				}
			}
		}
		if len(members) >= 2 {
			sort.Strings(members)
			want = append(want, members)
		}
	}
	sort.Slice(want, func(i, j int) bool { return want[i][0] < want[j][0] })

	if len(got) != len(want) {
		t.Fatalf("found %d groups, graph search found %d", len(got), len(want))
	}
	for i := range want {
		if !reflect.DeepEqual(got[i].IDs, want[i]) {
			t.Errorf("group %d = %v, want %v", i, got[i].IDs, want[i])
		}
	}
}
