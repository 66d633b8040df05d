package consolidate

import (
	"cmp"
	"math/rand/v2"
	"slices"
)

// Node is a graph node. Nodes sharing a non-empty Group (the photo of a
// face) are never connected.
type Node[K cmp.Ordered] struct {
	ID    K
	Group string
}

// PropagationConfig controls label propagation.
type PropagationConfig struct {
	// Threshold is the minimum edge similarity to consider a neighbor.
	Threshold     float64
	MaxIterations int
	// Seed fixes the visiting order so runs are reproducible.
	Seed uint64
}

// PropagationResult holds the final label of every node.
type PropagationResult[K cmp.Ordered] struct {
	Labels     map[K]K
	Iterations int
	Converged  bool
}

type neighbor[K cmp.Ordered] struct {
	id     K
	weight float64
}

// Propagate runs Chinese Whispers label propagation. Every node starts with
// its own id as label; in each iteration nodes are visited in a shuffled
// order and adopt the label with the highest summed edge weight among their
// neighbors. Ties go to the smaller label. It stops when an iteration
// changes nothing or after MaxIterations.
func Propagate[K cmp.Ordered](nodes []Node[K], edges []Edge[K], cfg PropagationConfig) PropagationResult[K] {
	group := make(map[K]string, len(nodes))
	labels := make(map[K]K, len(nodes))
	order := make([]K, 0, len(nodes))
	for _, n := range nodes {
		if _, dup := labels[n.ID]; dup {
			continue
		}
		group[n.ID] = n.Group
		labels[n.ID] = n.ID
		order = append(order, n.ID)
	}
	slices.Sort(order)

	adj := make(map[K][]neighbor[K], len(order))
	for _, e := range edges {
		if e.A == e.B || e.Similarity < cfg.Threshold-epsilon {
			continue
		}
		ga, okA := group[e.A]
		gb, okB := group[e.B]
		if !okA || !okB || (ga != "" && ga == gb) {
			continue
		}
		adj[e.A] = append(adj[e.A], neighbor[K]{e.B, e.Similarity})
		adj[e.B] = append(adj[e.B], neighbor[K]{e.A, e.Similarity})
	}

	res := PropagationResult[K]{Labels: labels}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	weights := make(map[K]float64)

	for res.Iterations < cfg.MaxIterations {
		res.Iterations++
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		changed := false
		for _, id := range order {
			ns := adj[id]
			if len(ns) == 0 {
				continue
			}
			clear(weights)
			for _, n := range ns {
				weights[labels[n.id]] += n.weight
			}
			best := labels[id]
			bestWeight := weights[best]
			for label, w := range weights {
				if w > bestWeight+epsilon || (w > bestWeight-epsilon && label < best) {
					best, bestWeight = label, w
				}
			}
			if best != labels[id] {
				labels[id] = best
				changed = true
			}
		}
		if !changed {
			res.Converged = true
			break
		}
	}
	return res
}
