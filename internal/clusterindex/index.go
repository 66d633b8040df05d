// Package clusterindex maps clusters and their anchor faces onto a single
// HNSW graph and answers "which clusters look like this face" queries.
//
// Entries are keyed so that ownership is recoverable from the key alone:
// centroids use "c/<clusterID>" and anchors "a/<clusterID>/<faceID>".
package clusterindex

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/kozaktomas/face-clusterer/internal/logging"
	"github.com/kozaktomas/face-clusterer/internal/vectorindex"
)

// searchFanout is how many graph entries are fetched per requested cluster,
// since one cluster may own a centroid plus several anchors.
const searchFanout = 8

// ErrNoSnapshot is returned by Load when no snapshot file exists.
var ErrNoSnapshot = errors.New("index snapshot not found")

// AnchorHit is the similarity of a query to one anchor of a cluster.
type AnchorHit struct {
	FaceID     int64
	Similarity float64
}

// Match groups all index hits belonging to one cluster.
type Match struct {
	ClusterID string
	// Similarity is the best similarity over the centroid and all anchors.
	Similarity         float64
	CentroidSimilarity float64
	HasCentroid        bool
	// Anchors is sorted by descending similarity.
	Anchors []AnchorHit
}

// AnchorEntry is one anchor to place into the index during a rebuild.
type AnchorEntry struct {
	FaceID    int64
	Embedding []float32
}

// Entry describes one cluster for Rebuild.
type Entry struct {
	ClusterID string
	Centroid  []float32
	Anchors   []AnchorEntry
}

type members struct {
	centroid bool
	anchors  map[int64]struct{}
}

func (m *members) empty() bool {
	return !m.centroid && len(m.anchors) == 0
}

// Index is the cluster-level façade over a vectorindex.Index.
type Index struct {
	mu sync.Mutex

	fs   afero.Fs
	path string
	cfg  vectorindex.Config
	dim  int

	graph    *vectorindex.Index
	clusters map[string]*members

	log *logrus.Entry
}

// New creates an empty façade that persists to path on fs. A zero dim is
// detected from the first vector added or from a rebuild.
func New(fs afero.Fs, path string, dim int, cfg vectorindex.Config) *Index {
	x := &Index{
		fs:       fs,
		path:     path,
		cfg:      cfg,
		dim:      dim,
		clusters: make(map[string]*members),
		log:      logging.Component("clusterindex"),
	}
	if dim > 0 {
		x.graph = vectorindex.New(dim, cfg)
	}
	return x
}

// Dim returns the embedding dimension, or 0 while still undetected.
func (x *Index) Dim() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.dim
}

// Size returns the number of clusters with at least one entry.
func (x *Index) Size() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.clusters)
}

// Entries returns the number of graph nodes (centroids plus anchors).
func (x *Index) Entries() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.graph == nil {
		return 0
	}
	return x.graph.Len()
}

// ClusterIDs returns the indexed cluster ids in sorted order.
func (x *Index) ClusterIDs() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	ids := make([]string, 0, len(x.clusters))
	for id := range x.clusters {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// AnchorIDs returns the face ids indexed as anchors of clusterID.
func (x *Index) AnchorIDs(clusterID string) []int64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	m := x.clusters[clusterID]
	if m == nil {
		return nil
	}
	ids := make([]int64, 0, len(m.anchors))
	for id := range m.anchors {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// SetEfSearch tunes search accuracy at runtime.
func (x *Index) SetEfSearch(ef int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.cfg.EfSearch = ef
	if x.graph != nil {
		x.graph.SetEfSearch(ef)
	}
}

// AddCluster inserts or replaces the centroid of clusterID.
func (x *Index) AddCluster(clusterID string, centroid []float32) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.insert(centroidKey(clusterID), centroid); err != nil {
		return fmt.Errorf("indexing centroid of cluster %s: %w", clusterID, err)
	}
	x.member(clusterID).centroid = true
	return nil
}

// AddAnchor inserts or replaces an anchor of clusterID.
func (x *Index) AddAnchor(clusterID string, faceID int64, embedding []float32) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.insert(anchorKey(clusterID, faceID), embedding); err != nil {
		return fmt.Errorf("indexing anchor %d of cluster %s: %w", faceID, clusterID, err)
	}
	x.member(clusterID).anchors[faceID] = struct{}{}
	return nil
}

// RemoveAnchor removes a single anchor. It reports whether the anchor existed.
func (x *Index) RemoveAnchor(clusterID string, faceID int64) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	m := x.clusters[clusterID]
	if m == nil || x.graph == nil {
		return false
	}
	if _, ok := m.anchors[faceID]; !ok {
		return false
	}
	x.graph.Remove(anchorKey(clusterID, faceID))
	delete(m.anchors, faceID)
	if m.empty() {
		delete(x.clusters, clusterID)
	}
	return true
}

// RemoveCluster removes the centroid and every anchor of clusterID and
// returns how many graph entries were removed.
func (x *Index) RemoveCluster(clusterID string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.removeCluster(clusterID)
}

func (x *Index) removeCluster(clusterID string) int {
	m := x.clusters[clusterID]
	if m == nil || x.graph == nil {
		return 0
	}
	removed := 0
	if m.centroid && x.graph.Remove(centroidKey(clusterID)) {
		removed++
	}
	for faceID := range m.anchors {
		if x.graph.Remove(anchorKey(clusterID, faceID)) {
			removed++
		}
	}
	delete(x.clusters, clusterID)
	return removed
}

// FindNearestClusters returns up to k clusters ordered by descending best similarity.
func (x *Index) FindNearestClusters(embedding []float32, k int) ([]Match, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.findNearest(embedding, k)
}

// FindMatchingClusters returns up to maxResults clusters whose best
// similarity is at least minSimilarity.
func (x *Index) FindMatchingClusters(embedding []float32, minSimilarity float64, maxResults int) ([]Match, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	matches, err := x.findNearest(embedding, maxResults)
	if err != nil {
		return nil, err
	}
	filtered := matches[:0]
	for _, m := range matches {
		if m.Similarity >= minSimilarity {
			filtered = append(filtered, m)
		}
	}
	return filtered, nil
}

// FindMergeCandidates queries the index with the centroid and every anchor
// of clusterID and returns other clusters whose best similarity to any of
// them is at least minSimilarity.
func (x *Index) FindMergeCandidates(clusterID string, minSimilarity float64) ([]Match, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	m := x.clusters[clusterID]
	if m == nil || x.graph == nil {
		return nil, nil
	}

	var queries [][]float32
	if m.centroid {
		if v, ok := x.graph.Vector(centroidKey(clusterID)); ok {
			queries = append(queries, v)
		}
	}
	for faceID := range m.anchors {
		if v, ok := x.graph.Vector(anchorKey(clusterID, faceID)); ok {
			queries = append(queries, v)
		}
	}

	best := make(map[string]Match)
	for _, q := range queries {
		matches, err := x.findNearest(q, 10)
		if err != nil {
			return nil, err
		}
		for _, match := range matches {
			if match.ClusterID == clusterID || match.Similarity < minSimilarity {
				continue
			}
			if cur, ok := best[match.ClusterID]; !ok || match.Similarity > cur.Similarity {
				best[match.ClusterID] = match
			}
		}
	}

	out := make([]Match, 0, len(best))
	for _, match := range best {
		out = append(out, match)
	}
	sortMatches(out)
	return out, nil
}

// Rebuild discards the graph and re-inserts every entry. The dimension is
// taken from the first non-empty centroid (or anchor) when not yet known.
func (x *Index) Rebuild(entries []Entry) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.dim == 0 {
		x.dim = detectDim(entries)
	}
	x.clusters = make(map[string]*members)
	if x.dim == 0 {
		x.graph = nil
		x.log.Info("rebuild found no vectors, index left empty")
		return nil
	}
	x.graph = vectorindex.New(x.dim, x.cfg)

	skipped := 0
	for _, e := range entries {
		if len(e.Centroid) > 0 {
			if err := x.insert(centroidKey(e.ClusterID), e.Centroid); err != nil {
				x.log.WithError(err).WithField("cluster_id", e.ClusterID).Warn("skipping centroid")
				skipped++
			} else {
				x.member(e.ClusterID).centroid = true
			}
		}
		for _, a := range e.Anchors {
			if err := x.insert(anchorKey(e.ClusterID, a.FaceID), a.Embedding); err != nil {
				x.log.WithError(err).WithFields(logging.Fields{"cluster_id": e.ClusterID, "face_id": a.FaceID}).Warn("skipping anchor")
				skipped++
				continue
			}
			x.member(e.ClusterID).anchors[a.FaceID] = struct{}{}
		}
	}

	x.log.WithFields(logging.Fields{
		"clusters": len(x.clusters),
		"entries":  x.graph.Len(),
		"skipped":  skipped,
		"dim":      x.dim,
	}).Info("cluster index rebuilt")
	return nil
}

func detectDim(entries []Entry) int {
	for _, e := range entries {
		if len(e.Centroid) > 0 {
			return len(e.Centroid)
		}
	}
	for _, e := range entries {
		for _, a := range e.Anchors {
			if len(a.Embedding) > 0 {
				return len(a.Embedding)
			}
		}
	}
	return 0
}

func (x *Index) member(clusterID string) *members {
	m := x.clusters[clusterID]
	if m == nil {
		m = &members{anchors: make(map[int64]struct{})}
		x.clusters[clusterID] = m
	}
	return m
}

func (x *Index) insert(key string, vec []float32) error {
	if len(vec) == 0 {
		return vectorindex.ErrEmptyVector
	}
	if x.graph == nil {
		if x.dim == 0 {
			x.dim = len(vec)
		}
		x.graph = vectorindex.New(x.dim, x.cfg)
	}
	unit, err := normalize(vec)
	if err != nil {
		return err
	}
	return x.graph.Insert(key, unit)
}

func (x *Index) findNearest(embedding []float32, k int) ([]Match, error) {
	if k <= 0 || x.graph == nil || len(x.clusters) == 0 {
		return nil, nil
	}
	query, err := normalize(embedding)
	if err != nil {
		return nil, err
	}
	hits, err := x.graph.Search(query, k*searchFanout)
	if err != nil {
		return nil, err
	}

	grouped := make(map[string]*Match)
	for _, hit := range hits {
		clusterID, faceID, isAnchor, ok := parseKey(hit.ID)
		if !ok {
			continue
		}
		sim := 1 - hit.Distance
		m := grouped[clusterID]
		if m == nil {
			m = &Match{ClusterID: clusterID, Similarity: math.Inf(-1)}
			grouped[clusterID] = m
		}
		if isAnchor {
			m.Anchors = append(m.Anchors, AnchorHit{FaceID: faceID, Similarity: sim})
		} else {
			m.HasCentroid = true
			m.CentroidSimilarity = sim
		}
		m.Similarity = max(m.Similarity, sim)
	}

	out := make([]Match, 0, len(grouped))
	for _, m := range grouped {
		slices.SortFunc(m.Anchors, func(a, b AnchorHit) int {
			switch {
			case a.Similarity > b.Similarity:
				return -1
			case a.Similarity < b.Similarity:
				return 1
			}
			return compareInt64(a.FaceID, b.FaceID)
		})
		out = append(out, *m)
	}
	sortMatches(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func sortMatches(m []Match) {
	slices.SortFunc(m, func(a, b Match) int {
		switch {
		case a.Similarity > b.Similarity:
			return -1
		case a.Similarity < b.Similarity:
			return 1
		}
		return strings.Compare(a.ClusterID, b.ClusterID)
	})
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func normalize(vec []float32) ([]float32, error) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return nil, fmt.Errorf("%w: zero norm", vectorindex.ErrEmptyVector)
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out, nil
}

func centroidKey(clusterID string) string {
	return "c/" + clusterID
}

func anchorKey(clusterID string, faceID int64) string {
	return "a/" + clusterID + "/" + strconv.FormatInt(faceID, 10)
}

// parseKey splits a graph key into its cluster id and, for anchors, face id.
func parseKey(key string) (clusterID string, faceID int64, isAnchor, ok bool) {
	switch {
	case strings.HasPrefix(key, "c/"):
		clusterID = key[2:]
		return clusterID, 0, false, clusterID != ""
	case strings.HasPrefix(key, "a/"):
		rest := key[2:]
		i := strings.LastIndexByte(rest, '/')
		if i <= 0 {
			return "", 0, false, false
		}
		id, err := strconv.ParseInt(rest[i+1:], 10, 64)
		if err != nil {
			return "", 0, false, false
		}
		return rest[:i], id, true, true
	}
	return "", 0, false, false
}
