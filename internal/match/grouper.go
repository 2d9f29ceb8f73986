package match

import (
	"sort"

	"imagedecloner/internal/models"
)

// BuildGroups partitions the endpoints of pairs into connected components
// and returns every component with at least two members. Members are sorted
// and groups are ordered by their smallest member, so the result is the same
// for any ordering of pairs.
func BuildGroups(pairs []models.SimilarityPair) []models.Group {
	if len(pairs) == 0 {
		return nil
	}

	// Index endpoints in sorted order so representatives never depend on
	// the order pairs arrive in.
	seen := make(map[string]struct{}, len(pairs)*2)
	for _, p := range pairs {
		seen[p.A] = struct{}{}
		seen[p.B] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	index := make(map[string]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}

	uf := newUnionFind(len(ids))
	for _, p := range pairs {
		uf.union(index[p.A], index[p.B])
	}

	// Collect groups. ids is sorted, so each member list is too.
	groupMap := make(map[int][]string)
	for i, id := range ids {
		root := uf.find(i)
		groupMap[root] = append(groupMap[root], id)
	}

	var groups []models.Group
	for _, members := range groupMap {
		if len(members) < 2 {
			continue
		}
		groups = append(groups, models.Group{IDs: members})
	}

	sort.Slice(groups, func(i, j int) bool {
		return groups[i].IDs[0] < groups[j].IDs[0]
	})
	for i := range groups {
		groups[i].ID = i + 1
	}

	return groups
}

// Union-Find data structure for efficient grouping
type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	parent := make([]int, n)
	rank := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	return &unionFind{parent: parent, rank: rank}
}

func (uf *unionFind) find(x int) int {
	if uf.parent[x] != x {
		uf.parent[x] = uf.find(uf.parent[x]) // Path compression
	}
	return uf.parent[x]
}

func (uf *unionFind) union(x, y int) {
	px, py := uf.find(x), uf.find(y)
	if px == py {
		return
	}
	// Union by rank
	if uf.rank[px] < uf.rank[py] {
		px, py = py, px
	}
	uf.parent[py] = px
	if uf.rank[px] == uf.rank[py] {
		uf.rank[px]++
	}
}
