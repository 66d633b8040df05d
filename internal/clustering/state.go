package clustering

import (
	"cmp"
	"slices"

	"github.com/kozaktomas/face-clusterer/internal/clusterindex"
	"github.com/kozaktomas/face-clusterer/internal/database"
	"github.com/kozaktomas/face-clusterer/internal/facematch"
)

// State is the persisted clustering state the pipeline starts from.
type State struct {
	Clusters   []database.Cluster
	Anchors    []database.StoredAnchor
	Statistics []database.ClusterStatistics
	// Members are the faces currently assigned to a cluster.
	Members     []database.StoredFace
	Constraints []database.Constraint
}

// IndexEntries converts the state into cluster index rebuild entries.
// Inactive anchors are left out.
func (st State) IndexEntries() []clusterindex.Entry {
	anchors := make(map[string][]clusterindex.AnchorEntry)
	for _, a := range st.Anchors {
		if !a.Active {
			continue
		}
		anchors[a.ClusterID] = append(anchors[a.ClusterID], clusterindex.AnchorEntry{
			FaceID:    a.FaceID,
			Embedding: a.Embedding,
		})
	}

	entries := make([]clusterindex.Entry, 0, len(st.Clusters))
	for _, c := range st.Clusters {
		entries = append(entries, clusterindex.Entry{
			ClusterID: c.ID,
			Centroid:  c.Centroid,
			Anchors:   anchors[c.ID],
		})
	}
	return entries
}

type clusterState struct {
	id        string
	personID  string
	centroid  []float32
	weight    float64
	faceCount int
	anchors   []facematch.Anchor
	stats     facematch.Statistics
	// reps is a bounded ring of recent member embeddings.
	reps [][]float32
	next int
}

func (c *clusterState) profile() facematch.ClusterProfile {
	return facematch.ClusterProfile{
		ID:        c.id,
		Anchors:   c.anchors,
		Centroid:  c.centroid,
		FaceCount: c.faceCount,
		Stats:     c.stats,
	}
}

func (c *clusterState) addRepresentative(embedding []float32, limit int) {
	if limit <= 0 || len(embedding) == 0 {
		return
	}
	if len(c.reps) < limit {
		c.reps = append(c.reps, embedding)
		return
	}
	c.reps[c.next%limit] = embedding
	c.next++
}

// representatives returns anchors followed by member embeddings.
func (c *clusterState) representatives() [][]float32 {
	out := make([][]float32, 0, len(c.anchors)+len(c.reps))
	for _, a := range c.anchors {
		out = append(out, a.Embedding)
	}
	return append(out, c.reps...)
}

func (c *clusterState) update() ClusterUpdate {
	return ClusterUpdate{
		ClusterID:      c.id,
		PersonID:       c.personID,
		Centroid:       c.centroid,
		CentroidWeight: c.weight,
		FaceCount:      c.faceCount,
	}
}

// Load replaces the cluster and constraint state. Deferred faces are kept.
func (p *Pipeline) Load(st State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.clusters = make(map[string]*clusterState, len(st.Clusters))
	for _, c := range st.Clusters {
		p.clusters[c.ID] = &clusterState{
			id:        c.ID,
			personID:  c.PersonID,
			centroid:  c.Centroid,
			weight:    c.CentroidWeight,
			faceCount: c.FaceCount,
		}
	}
	for _, a := range st.Anchors {
		if cs := p.clusters[a.ClusterID]; cs != nil && a.Active {
			cs.anchors = append(cs.anchors, a.Anchor())
		}
	}
	for _, s := range st.Statistics {
		if cs := p.clusters[s.ClusterID]; cs != nil {
			cs.stats = s.Statistics
		}
	}

	p.faceCluster = make(map[int64]string, len(st.Members))
	for i := range st.Members {
		f := &st.Members[i]
		cs := p.clusters[f.ClusterID]
		if cs == nil {
			continue
		}
		p.faceCluster[f.ID] = f.ClusterID
		cs.addRepresentative(f.Embedding, p.cfg.MaxRepresentatives)
	}

	p.cannotLink, p.mustLink = database.ConstraintMaps(st.Constraints)
	p.log.WithField("clusters", len(p.clusters)).Debug("pipeline state loaded")
}

// ClusterOf returns the cluster a face is assigned to.
func (p *Pipeline) ClusterOf(faceID int64) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.faceCluster[faceID]
	return id, ok
}

// ClusterCount returns the number of known clusters.
func (p *Pipeline) ClusterCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clusters)
}

// Anchors returns a copy of the anchor set of a cluster.
func (p *Pipeline) Anchors(clusterID string) []facematch.Anchor {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cs := p.clusters[clusterID]; cs != nil {
		return slices.Clone(cs.anchors)
	}
	return nil
}

// Profiles returns the matching profile of every cluster, ordered by id.
func (p *Pipeline) Profiles() []facematch.ClusterProfile {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]facematch.ClusterProfile, 0, len(p.clusters))
	for _, cs := range p.clusters {
		prof := cs.profile()
		prof.Anchors = slices.Clone(prof.Anchors)
		out = append(out, prof)
	}
	slices.SortFunc(out, func(a, b facematch.ClusterProfile) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Members returns the face ids assigned to each cluster.
func (p *Pipeline) Members() map[string][]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string][]int64, len(p.clusters))
	for faceID, cid := range p.faceCluster {
		out[cid] = append(out[cid], faceID)
	}
	for _, ids := range out {
		slices.Sort(ids)
	}
	return out
}

// CannotLink returns a copy of the cannot-link adjacency.
func (p *Pipeline) CannotLink() map[int64][]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int64][]int64, len(p.cannotLink))
	for k, v := range p.cannotLink {
		out[k] = slices.Clone(v)
	}
	return out
}
