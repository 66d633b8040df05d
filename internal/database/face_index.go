package database

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/coder/hnsw"

	"github.com/kozaktomas/face-clusterer/internal/facematch"
)

// FaceEdge is an undirected similarity edge between two faces, A < B.
type FaceEdge struct {
	A, B       int64
	Similarity float64
}

// FaceIndex is an in-memory HNSW graph over individual face embeddings. It
// feeds face-level neighbor edges to label propagation, where the cluster
// index only knows anchors and centroids.
//
// The first indexed embedding fixes the dimension until the next Build.
type FaceIndex struct {
	graph  *hnsw.Graph[int64]
	photos map[int64]string // face id -> photo uid
	dim    int
	mu     sync.RWMutex
}

// NewFaceIndex creates a new empty face index.
func NewFaceIndex() *FaceIndex {
	return &FaceIndex{
		photos: make(map[int64]string),
	}
}

func newFaceGraph() *hnsw.Graph[int64] {
	g := hnsw.NewGraph[int64]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors)
	g.EfSearch = HNSWEfSearch
	g.Distance = hnsw.CosineDistance
	return g
}

// Build replaces the index contents with faces. Faces without an embedding
// are skipped. Faces whose dimension differs from the first embedded face
// are skipped too and returned.
func (x *FaceIndex) Build(faces []StoredFace) []int64 {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.graph = newFaceGraph()
	x.photos = make(map[int64]string, len(faces))
	x.dim = 0

	var skipped []int64
	for i := range faces {
		if err := x.add(&faces[i]); err != nil {
			skipped = append(skipped, faces[i].ID)
		}
	}
	return skipped
}

// Add adds or replaces a single face. An embedding of another dimension than
// the indexed ones fails with facematch.ErrDimensionMismatch.
func (x *FaceIndex) Add(face *StoredFace) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.add(face)
}

func (x *FaceIndex) add(face *StoredFace) error {
	if len(face.Embedding) == 0 {
		return nil
	}
	if x.dim != 0 && len(face.Embedding) != x.dim {
		return fmt.Errorf("face %d: %w: %d != %d", face.ID, facematch.ErrDimensionMismatch, len(face.Embedding), x.dim)
	}

	if x.graph == nil {
		x.graph = newFaceGraph()
	}
	x.graph.Add(hnsw.MakeNode(face.ID, face.Embedding))
	x.photos[face.ID] = face.PhotoUID
	x.dim = len(face.Embedding)
	return nil
}

// Delete removes a face from the index.
func (x *FaceIndex) Delete(id int64) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, ok := x.photos[id]; !ok {
		return
	}
	delete(x.photos, id)
	if x.graph != nil {
		x.graph.Delete(id)
	}
}

// Len returns the number of indexed faces.
func (x *FaceIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.photos)
}

// search returns the k nearest faces to query with their cosine similarity,
// closest first.
func (x *FaceIndex) search(query []float32, k int) ([]int64, []float64) {
	if x.graph == nil || len(x.photos) == 0 || k <= 0 || len(query) != x.dim {
		return nil, nil
	}

	neighbors := x.graph.Search(query, k)
	ids := make([]int64, 0, len(neighbors))
	sims := make([]float64, 0, len(neighbors))
	for _, n := range neighbors {
		if _, ok := x.photos[n.Key]; !ok {
			continue
		}
		ids = append(ids, n.Key)
		sims = append(sims, facematch.CosineSimilarity(query, n.Value))
	}
	return ids, sims
}

// Edges returns, for every indexed face, edges to its k nearest faces with
// at least minSimilarity. Faces of the same photo are never connected.
func (x *FaceIndex) Edges(k int, minSimilarity float64) []FaceEdge {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.graph == nil {
		return nil
	}

	seen := make(map[[2]int64]struct{})
	var edges []FaceEdge
	for id, photo := range x.photos {
		vec, ok := x.graph.Lookup(id)
		if !ok {
			continue
		}
		ids, sims := x.search(vec, (k+1)*HNSWSearchMultiplier)
		added := 0
		for i, other := range ids {
			if added >= k {
				break
			}
			if other == id || x.photos[other] == photo {
				continue
			}
			sim := sims[i]
			if sim < minSimilarity {
				break
			}
			added++
			key := [2]int64{min(id, other), max(id, other)}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			edges = append(edges, FaceEdge{A: key[0], B: key[1], Similarity: sim})
		}
	}

	slices.SortFunc(edges, func(a, b FaceEdge) int {
		if c := cmp.Compare(a.A, b.A); c != 0 {
			return c
		}
		return cmp.Compare(a.B, b.B)
	})
	return edges
}
