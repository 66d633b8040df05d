package vectorindex

import (
	"container/heap"
	"slices"
)

type candidate struct {
	node *node
	dist float64
}

// nearQueue pops the closest candidate first.
type nearQueue []candidate

func (q nearQueue) Len() int           { return len(q) }
func (q nearQueue) Less(i, j int) bool { return q[i].dist < q[j].dist }
func (q nearQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *nearQueue) Push(x any)        { *q = append(*q, x.(candidate)) }
func (q *nearQueue) Pop() any {
	old := *q
	c := old[len(old)-1]
	*q = old[:len(old)-1]
	return c
}

// farQueue pops the farthest candidate first; it holds the current result set.
type farQueue []candidate

func (q farQueue) Len() int           { return len(q) }
func (q farQueue) Less(i, j int) bool { return q[i].dist > q[j].dist }
func (q farQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *farQueue) Push(x any)        { *q = append(*q, x.(candidate)) }
func (q *farQueue) Pop() any {
	old := *q
	c := old[len(old)-1]
	*q = old[:len(old)-1]
	return c
}

// greedy hill-climbs at a single layer, moving to the closest neighbor until
// no neighbor improves on the current node.
func (h *Index) greedy(query []float32, cur candidate, layer int) candidate {
	for changed := true; changed; {
		changed = false
		for _, id := range cur.node.linksAt(layer) {
			nb := h.nodes[id]
			if nb == nil {
				continue
			}
			if d := distance(query, nb.vec); d < cur.dist {
				cur = candidate{node: nb, dist: d}
				changed = true
			}
		}
	}
	return cur
}

// searchLayer runs a bounded best-first search at one layer and returns up
// to ef candidates sorted by ascending distance.
func (h *Index) searchLayer(query []float32, entries []candidate, ef, layer int) []candidate {
	visited := make(map[string]struct{}, ef*4)
	near := make(nearQueue, 0, ef)
	far := make(farQueue, 0, ef+1)

	for _, e := range entries {
		if _, seen := visited[e.node.id]; seen {
			continue
		}
		visited[e.node.id] = struct{}{}
		heap.Push(&near, e)
		heap.Push(&far, e)
		if far.Len() > ef {
			heap.Pop(&far)
		}
	}

	for near.Len() > 0 {
		c := heap.Pop(&near).(candidate)
		if far.Len() >= ef && c.dist > far[0].dist {
			break
		}
		for _, id := range c.node.linksAt(layer) {
			if _, seen := visited[id]; seen {
				continue
			}
			visited[id] = struct{}{}
			nb := h.nodes[id]
			if nb == nil {
				continue
			}
			d := distance(query, nb.vec)
			if far.Len() < ef || d < far[0].dist {
				nc := candidate{node: nb, dist: d}
				heap.Push(&near, nc)
				heap.Push(&far, nc)
				if far.Len() > ef {
					heap.Pop(&far)
				}
			}
		}
	}

	out := []candidate(far)
	sortCandidates(out)
	return out
}

func sortCandidates(c []candidate) {
	slices.SortFunc(c, func(a, b candidate) int {
		switch {
		case a.dist < b.dist:
			return -1
		case a.dist > b.dist:
			return 1
		case a.node.id < b.node.id:
			return -1
		case a.node.id > b.node.id:
			return 1
		}
		return 0
	})
}

func candidateIDs(c []candidate) []string {
	ids := make([]string, len(c))
	for i := range c {
		ids[i] = c[i].node.id
	}
	return ids
}
