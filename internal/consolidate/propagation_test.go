package consolidate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nodes(ids ...int64) []Node[int64] {
	out := make([]Node[int64], len(ids))
	for i, id := range ids {
		out[i] = Node[int64]{ID: id}
	}
	return out
}

func TestPropagateSeparatesCommunities(t *testing.T) {
	edges := []Edge[int64]{
		// community 1..3
		{A: 1, B: 2, Similarity: 0.8},
		{A: 2, B: 3, Similarity: 0.8},
		{A: 1, B: 3, Similarity: 0.7},
		// community 4..6
		{A: 4, B: 5, Similarity: 0.8},
		{A: 5, B: 6, Similarity: 0.9},
		{A: 4, B: 6, Similarity: 0.7},
		// bridge below threshold
		{A: 3, B: 4, Similarity: 0.4},
	}
	cfg := PropagationConfig{Threshold: 0.55, MaxIterations: 20, Seed: 3}

	res := Propagate(nodes(1, 2, 3, 4, 5, 6, 7), edges, cfg)
	require.True(t, res.Converged)
	assert.Equal(t, res.Labels[1], res.Labels[2])
	assert.Equal(t, res.Labels[1], res.Labels[3])
	assert.Equal(t, res.Labels[4], res.Labels[5])
	assert.Equal(t, res.Labels[4], res.Labels[6])
	assert.NotEqual(t, res.Labels[1], res.Labels[4], "bridge below threshold")
	assert.Equal(t, int64(7), res.Labels[7], "isolated node keeps its own label")

	again := Propagate(nodes(1, 2, 3, 4, 5, 6, 7), edges, cfg)
	assert.Equal(t, res.Labels, again.Labels, "same seed, same labels")
}

func TestPropagateIgnoresSameGroupEdges(t *testing.T) {
	ns := []Node[int64]{
		{ID: 1, Group: "photo-a"},
		{ID: 2, Group: "photo-a"},
		{ID: 3, Group: "photo-b"},
	}
	edges := []Edge[int64]{
		{A: 1, B: 2, Similarity: 0.95},
		{A: 2, B: 3, Similarity: 0.3},
	}
	res := Propagate(ns, edges, PropagationConfig{Threshold: 0.5, MaxIterations: 10, Seed: 1})
	assert.True(t, res.Converged)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, map[int64]int64{1: 1, 2: 2, 3: 3}, res.Labels, "no usable edge, every node keeps its label")
}

func TestPropagateChain(t *testing.T) {
	var edges []Edge[int64]
	for i := int64(1); i < 10; i++ {
		edges = append(edges, Edge[int64]{A: i, B: i + 1, Similarity: 0.7})
	}
	res := Propagate(nodes(1, 2, 3, 4, 5, 6, 7, 8, 9, 10), edges, PropagationConfig{Threshold: 0.6, MaxIterations: 50, Seed: 9})

	// Every node ends up sharing a label with at least one neighbor.
	for i := int64(1); i <= 10; i++ {
		shared := (i > 1 && res.Labels[i] == res.Labels[i-1]) || (i < 10 && res.Labels[i] == res.Labels[i+1])
		assert.True(t, shared, "node %d is isolated", i)
	}
}

func TestPropagateRespectsMaxIterations(t *testing.T) {
	edges := []Edge[int64]{{A: 1, B: 2, Similarity: 0.9}}
	res := Propagate(nodes(1, 2), edges, PropagationConfig{Threshold: 0.5, MaxIterations: 0})
	assert.Equal(t, 0, res.Iterations)
	assert.False(t, res.Converged)
	assert.Equal(t, int64(1), res.Labels[1])
	assert.Equal(t, int64(2), res.Labels[2])
}
