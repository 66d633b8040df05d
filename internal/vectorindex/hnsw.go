// Package vectorindex implements a hierarchical navigable small world (HNSW)
// graph for approximate nearest-neighbor search over fixed-dimension unit vectors.
//
// The index knows nothing about faces or clusters: it maps string ids to
// vectors and answers k-nearest queries by cosine distance (1 - dot product).
// Callers are expected to L2-normalize vectors before inserting or querying.
//
// All operations are serialized by a single mutex around the whole graph.
package vectorindex

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"time"
)

// HNSW parameters for face embeddings (512-dim buffalo_l / 192-dim mobile models).
const (
	// DefaultM is the number of neighbors selected per layer on insert.
	// Layer 0 keeps up to 2*M connections per node.
	DefaultM = 16

	// DefaultEfConstruction is the candidate pool size used while inserting.
	DefaultEfConstruction = 200

	// DefaultEfSearch is the candidate pool size used at layer 0 during search.
	DefaultEfSearch = 100

	// maxRandomLevel bounds the geometric level draw.
	maxRandomLevel = 16
)

var (
	// ErrDimensionMismatch is returned when a vector does not match the index dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrEmptyVector is returned when a nil or zero-length vector is passed.
	ErrEmptyVector = errors.New("empty vector")
)

// Config holds the construction parameters of an index.
type Config struct {
	M              int `yaml:"m" validate:"gte=2,lte=128"`
	EfConstruction int `yaml:"ef_construction" validate:"gte=1"`
	EfSearch       int `yaml:"ef_search" validate:"gte=1"`
	// Seed for the level generator. Zero seeds from the clock.
	Seed uint64 `yaml:"seed"`
}

// DefaultConfig returns the default HNSW parameters.
func DefaultConfig() Config {
	return Config{
		M:              DefaultM,
		EfConstruction: DefaultEfConstruction,
		EfSearch:       DefaultEfSearch,
	}
}

// Result is a single search hit.
type Result struct {
	ID       string
	Distance float64
}

type node struct {
	id      string
	vec     []float32
	links   [][]string // links[layer] holds neighbor ids
	inbound int        // number of layer-0 links pointing at this node
}

func (n *node) level() int {
	return len(n.links) - 1
}

func (n *node) linksAt(layer int) []string {
	if layer < len(n.links) {
		return n.links[layer]
	}
	return nil
}

// Index is an in-memory HNSW graph keyed by string ids.
type Index struct {
	mu sync.Mutex

	dim            int
	m              int
	efConstruction int
	efSearch       int
	ml             float64

	nodes    map[string]*node
	entry    string
	maxLevel int

	rng *rand.Rand
}

// New creates an empty index for vectors of the given dimension.
func New(dim int, cfg Config) *Index {
	if cfg.M < 2 {
		cfg.M = DefaultM
	}
	if cfg.EfConstruction <= 0 {
		cfg.EfConstruction = DefaultEfConstruction
	}
	if cfg.EfSearch <= 0 {
		cfg.EfSearch = DefaultEfSearch
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	return &Index{
		dim:            dim,
		m:              cfg.M,
		efConstruction: cfg.EfConstruction,
		efSearch:       cfg.EfSearch,
		ml:             1.0 / math.Log(float64(cfg.M)),
		nodes:          make(map[string]*node),
		maxLevel:       -1,
		rng:            rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Dim returns the vector dimension of the index.
func (h *Index) Dim() int {
	return h.dim
}

// Len returns the number of live nodes.
func (h *Index) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.nodes)
}

// Contains reports whether id is present.
func (h *Index) Contains(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.nodes[id]
	return ok
}

// Vector returns a copy of the stored vector for id.
func (h *Index) Vector(id string) ([]float32, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.nodes[id]
	if !ok {
		return nil, false
	}
	return slices.Clone(n.vec), true
}

// IDs returns all live ids in sorted order.
func (h *Index) IDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.nodes))
	for id := range h.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Config returns the parameters the index was built with.
func (h *Index) Config() Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Config{M: h.m, EfConstruction: h.efConstruction, EfSearch: h.efSearch}
}

// SetEfSearch changes the search candidate pool size at runtime.
func (h *Index) SetEfSearch(ef int) {
	if ef <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.efSearch = ef
}

func (h *Index) checkVector(vec []float32) error {
	if len(vec) == 0 {
		return ErrEmptyVector
	}
	if len(vec) != h.dim {
		return fmt.Errorf("%w: got %d, index has %d", ErrDimensionMismatch, len(vec), h.dim)
	}
	return nil
}

// Insert adds id with the given vector. If id already exists its vector is
// replaced in place and its neighborhood is re-linked; the node count is unchanged.
func (h *Index) Insert(id string, vec []float32) error {
	if err := h.checkVector(vec); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	v := slices.Clone(vec)
	if n, ok := h.nodes[id]; ok {
		n.vec = v
		h.connect(n)
		return nil
	}

	level := h.randomLevel()
	n := &node{id: id, vec: v, links: make([][]string, level+1)}
	h.nodes[id] = n

	if h.entry == "" {
		h.entry = id
		h.maxLevel = level
		return nil
	}

	h.connect(n)
	if level > h.maxLevel {
		h.maxLevel = level
		h.entry = id
	}
	return nil
}

// Remove deletes id from the index. Links held by other nodes are left in
// place and skipped during traversal; the graph is expected to be rebuilt
// periodically. If id was the entry point a new one is chosen among the
// remaining nodes with the highest level.
func (h *Index) Remove(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, ok := h.nodes[id]
	if !ok {
		return false
	}
	delete(h.nodes, id)
	for _, nbID := range n.linksAt(0) {
		if nb := h.nodes[nbID]; nb != nil {
			nb.inbound--
		}
	}

	if h.entry == id {
		h.resetEntry()
	}
	return true
}

// resetEntry picks the highest-level remaining node as entry point.
// Ties go to the smallest id so that removal is reproducible.
func (h *Index) resetEntry() {
	h.entry = ""
	h.maxLevel = -1
	for nid, other := range h.nodes {
		lvl := other.level()
		if lvl > h.maxLevel || (lvl == h.maxLevel && nid < h.entry) {
			h.maxLevel = lvl
			h.entry = nid
		}
	}
}

func (h *Index) randomLevel() int {
	u := 1 - h.rng.Float64() // (0, 1]
	level := int(math.Floor(-math.Log(u) * h.ml))
	return min(level, maxRandomLevel)
}

func (h *Index) maxConnections(layer int) int {
	if layer == 0 {
		return 2 * h.m
	}
	return h.m
}

// connect links n into every layer from min(level, maxLevel) down to 0.
func (h *Index) connect(n *node) {
	ep := h.nodes[h.entry]
	if ep == nil || (ep == n && len(h.nodes) == 1) {
		return
	}

	cur := candidate{node: ep, dist: distance(n.vec, ep.vec)}
	for l := h.maxLevel; l > n.level(); l-- {
		cur = h.greedy(n.vec, cur, l)
	}

	entries := []candidate{cur}
	for l := min(n.level(), h.maxLevel); l >= 0; l-- {
		found := h.searchLayer(n.vec, entries, h.efConstruction, l)
		neighbors := make([]candidate, 0, h.m)
		for _, c := range found {
			if c.node == n {
				continue
			}
			neighbors = append(neighbors, c)
			if len(neighbors) == h.m {
				break
			}
		}

		h.setLinks(n, l, candidateIDs(neighbors))
		for _, nb := range neighbors {
			h.addLink(nb.node, n, l)
		}
		if len(found) > 0 {
			entries = found
		}
	}
}

// setLinks replaces the outgoing links of n at layer, keeping inbound counts in sync.
func (h *Index) setLinks(n *node, layer int, ids []string) {
	if layer == 0 {
		for _, old := range n.links[0] {
			if nb := h.nodes[old]; nb != nil {
				nb.inbound--
			}
		}
		for _, id := range ids {
			if nb := h.nodes[id]; nb != nil {
				nb.inbound++
			}
		}
	}
	n.links[layer] = ids
}

// addLink adds a back-link target -> n and prunes target's list when it
// exceeds the layer's capacity by re-selecting its closest neighbors.
func (h *Index) addLink(target, n *node, layer int) {
	if layer >= len(target.links) || slices.Contains(target.links[layer], n.id) {
		return
	}
	target.links[layer] = append(target.links[layer], n.id)
	if layer == 0 {
		n.inbound++
	}

	maxConn := h.maxConnections(layer)
	if len(target.links[layer]) <= maxConn {
		return
	}

	cands := make([]candidate, 0, len(target.links[layer]))
	for _, id := range target.links[layer] {
		nb := h.nodes[id]
		if nb == nil {
			continue
		}
		cands = append(cands, candidate{node: nb, dist: distance(target.vec, nb.vec)})
	}
	sortCandidates(cands)

	keep := cands
	if len(cands) > maxConn {
		keep = cands[:maxConn]
		if layer == 0 {
			keep = preserveReachability(cands, maxConn)
		}
	}
	h.setLinks(target, layer, candidateIDs(keep))
}

// preserveReachability keeps the maxConn closest candidates, except that a
// dropped node whose only inbound edge is this one swaps in for the farthest
// kept node that has other inbound edges. Without this, outlier vectors can
// lose every inbound edge and become unreachable at layer 0.
func preserveReachability(sorted []candidate, maxConn int) []candidate {
	keep := slices.Clone(sorted[:maxConn])
	for _, dropped := range sorted[maxConn:] {
		if dropped.node.inbound > 1 {
			continue
		}
		for i := len(keep) - 1; i >= 0; i-- {
			if keep[i].node.inbound > 1 {
				keep[i] = dropped
				break
			}
		}
	}
	sortCandidates(keep)
	return keep
}

// Search returns the k nearest ids to query ordered by ascending cosine distance.
func (h *Index) Search(query []float32, k int) ([]Result, error) {
	if err := h.checkVector(query); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ep := h.nodes[h.entry]
	if ep == nil {
		return nil, nil
	}

	cur := candidate{node: ep, dist: distance(query, ep.vec)}
	for l := h.maxLevel; l > 0; l-- {
		cur = h.greedy(query, cur, l)
	}

	found := h.searchLayer(query, []candidate{cur}, max(h.efSearch, k), 0)
	if len(found) > k {
		found = found[:k]
	}

	results := make([]Result, len(found))
	for i, c := range found {
		results[i] = Result{ID: c.node.id, Distance: c.dist}
	}
	return results, nil
}

// SearchWithThreshold returns up to limit hits whose distance is at most maxDistance.
func (h *Index) SearchWithThreshold(query []float32, maxDistance float64, limit int) ([]Result, error) {
	results, err := h.Search(query, limit)
	if err != nil {
		return nil, err
	}
	filtered := results[:0]
	for _, r := range results {
		if r.Distance <= maxDistance {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

// distance is the cosine distance between two unit vectors.
func distance(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return 1 - dot
}
