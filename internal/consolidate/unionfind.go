// Package consolidate finds clusters that belong to one identity but were
// split during online clustering. It only proposes merge sets; moving faces
// and deleting emptied clusters is up to the caller.
package consolidate

import (
	"cmp"
	"slices"
)

// Edge is an undirected similarity edge between two nodes.
type Edge[K cmp.Ordered] struct {
	A, B       K
	Similarity float64
}

// UnionFind is a disjoint-set forest with path compression and union by rank.
type UnionFind[K cmp.Ordered] struct {
	parent map[K]K
	rank   map[K]int
}

// NewUnionFind creates a forest with every id in its own set.
func NewUnionFind[K cmp.Ordered](ids ...K) *UnionFind[K] {
	uf := &UnionFind[K]{
		parent: make(map[K]K, len(ids)),
		rank:   make(map[K]int, len(ids)),
	}
	for _, id := range ids {
		uf.Add(id)
	}
	return uf
}

// Add puts id into its own set unless it is already known.
func (uf *UnionFind[K]) Add(id K) {
	if _, ok := uf.parent[id]; !ok {
		uf.parent[id] = id
	}
}

// Find returns the root of x, adding x when unknown.
func (uf *UnionFind[K]) Find(x K) K {
	p, ok := uf.parent[x]
	if !ok {
		uf.parent[x] = x
		return x
	}
	if p != x {
		uf.parent[x] = uf.Find(p)
	}
	return uf.parent[x]
}

// Union joins the sets of x and y and reports whether they were separate.
func (uf *UnionFind[K]) Union(x, y K) bool {
	px, py := uf.Find(x), uf.Find(y)
	if px == py {
		return false
	}
	if uf.rank[px] < uf.rank[py] {
		px, py = py, px
	}
	uf.parent[py] = px
	if uf.rank[px] == uf.rank[py] {
		uf.rank[px]++
	}
	return true
}

// Connected reports whether x and y are in the same set.
func (uf *UnionFind[K]) Connected(x, y K) bool {
	return uf.Find(x) == uf.Find(y)
}

// Groups returns every set with at least minSize members. Members are
// sorted, and groups are ordered by their smallest member.
func (uf *UnionFind[K]) Groups(minSize int) [][]K {
	byRoot := make(map[K][]K)
	for id := range uf.parent {
		root := uf.Find(id)
		byRoot[root] = append(byRoot[root], id)
	}

	var out [][]K
	for _, members := range byRoot {
		if len(members) < minSize {
			continue
		}
		slices.Sort(members)
		out = append(out, members)
	}
	slices.SortFunc(out, func(a, b []K) int {
		return cmp.Compare(a[0], b[0])
	})
	return out
}

const epsilon = 1e-6
