package consolidate

import (
	"cmp"
	"slices"

	"github.com/kozaktomas/face-clusterer/internal/facematch"
)

// Method tells which pass linked two clusters.
type Method string

const (
	MethodDirect      Method = "direct"
	MethodCrossPose   Method = "cross_pose"
	MethodTransitive  Method = "transitive"
	MethodPropagation Method = "propagation"
)

// Config controls consolidation. Cluster-level thresholds come from Match.
type Config struct {
	Match facematch.Config `yaml:"-" validate:"-"`

	// PropagationThreshold is the minimum face-to-face similarity used as a
	// label propagation edge.
	PropagationThreshold float64 `yaml:"propagation_threshold" validate:"gt=0,lte=1"`
	MaxIterations        int     `yaml:"max_iterations" validate:"gte=1"`
	// MinLabelShare is the fraction of a cluster's faces that must carry its
	// dominant label before the cluster follows that label.
	MinLabelShare float64 `yaml:"min_label_share" validate:"gt=0,lte=1"`
	// FaceNeighbors is how many nearest faces feed each face's edges.
	FaceNeighbors int    `yaml:"face_neighbors" validate:"gte=1"`
	Seed          uint64 `yaml:"seed"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Match:                facematch.DefaultConfig(),
		PropagationThreshold: 0.55,
		MaxIterations:        20,
		MinLabelShare:        0.5,
		FaceNeighbors:        10,
		Seed:                 1,
	}
}

// Input is a read-only snapshot of the cluster graph.
type Input struct {
	Profiles []facematch.ClusterProfile
	// Members maps cluster id to its face ids.
	Members    map[string][]int64
	CannotLink map[int64][]int64
	// Pairs limits cluster scoring to these pairs. Nil scores every pair.
	Pairs [][2]string

	// Faces and FaceEdges feed label propagation; both may be empty.
	Faces     []Node[int64]
	FaceEdges []Edge[int64]
}

// MergeSet is an advisory proposal: fold Sources into Target.
type MergeSet struct {
	Target  string
	Sources []string
	// Score is the weakest link that joined the set.
	Score   float64
	Methods []Method
	Faces   int
}

// Plan is the outcome of ProposeMerges.
type Plan struct {
	Sets []MergeSet
	// Links is the number of candidate cluster links considered.
	Links int
	// Vetoed counts links dropped because they would join cannot-linked faces.
	Vetoed int
	// Iterations of label propagation.
	Iterations int
}

type link struct {
	a, b   string
	score  float64
	method Method
}

type component struct {
	faces   []int64
	score   float64
	methods map[Method]struct{}
}

// ProposeMerges combines a Union-Find transitive merge over cluster
// similarities with label propagation over face similarities. Links are
// applied strongest first; a link that would put two cannot-linked faces in
// one component is skipped, so every returned set is conflict free.
// The target of each set is its largest cluster.
func ProposeMerges(cfg Config, in Input) Plan {
	profiles := make(map[string]facematch.ClusterProfile, len(in.Profiles))
	ids := make([]string, 0, len(in.Profiles))
	for _, p := range in.Profiles {
		profiles[p.ID] = p
		ids = append(ids, p.ID)
	}
	slices.Sort(ids)

	links := clusterLinks(cfg, profiles, ids, in.Pairs)
	plinks, iterations := propagationLinks(cfg, in, profiles)
	links = append(links, plinks...)
	slices.SortFunc(links, func(x, y link) int {
		if c := cmp.Compare(y.score, x.score); c != 0 {
			return c
		}
		if c := cmp.Compare(x.a, y.a); c != 0 {
			return c
		}
		return cmp.Compare(x.b, y.b)
	})

	plan := Plan{Links: len(links), Iterations: iterations}
	uf := NewUnionFind(ids...)
	comps := make(map[string]*component, len(ids))
	for _, id := range ids {
		comps[id] = &component{faces: in.Members[id], score: 1, methods: map[Method]struct{}{}}
	}

	for _, l := range links {
		ra, rb := uf.Find(l.a), uf.Find(l.b)
		if ra == rb {
			continue
		}
		ca, cb := comps[ra], comps[rb]
		if facematch.ClustersConflict(in.CannotLink, ca.faces, cb.faces) {
			plan.Vetoed++
			continue
		}
		uf.Union(ra, rb)
		root := uf.Find(ra)
		merged := &component{
			faces:   append(slices.Clone(ca.faces), cb.faces...),
			score:   min(ca.score, cb.score, l.score),
			methods: map[Method]struct{}{l.method: {}},
		}
		for m := range ca.methods {
			merged.methods[m] = struct{}{}
		}
		for m := range cb.methods {
			merged.methods[m] = struct{}{}
		}
		delete(comps, ra)
		delete(comps, rb)
		comps[root] = merged
	}

	for _, group := range uf.Groups(2) {
		c := comps[uf.Find(group[0])]
		set := MergeSet{Score: c.score}
		for m := range c.methods {
			set.Methods = append(set.Methods, m)
		}
		slices.Sort(set.Methods)

		set.Target = group[0]
		for _, id := range group {
			n := profiles[id].FaceCount
			set.Faces += n
			if n > profiles[set.Target].FaceCount {
				set.Target = id
			}
		}
		for _, id := range group {
			if id != set.Target {
				set.Sources = append(set.Sources, id)
			}
		}
		plan.Sets = append(plan.Sets, set)
	}
	slices.SortStableFunc(plan.Sets, func(x, y MergeSet) int {
		return cmp.Compare(y.Faces, x.Faces)
	})
	return plan
}

// clusterLinks scores cluster pairs by the better of the direct and the
// cross-pose merge score and keeps those at or above the transitive
// threshold. Pairs that pass the direct or cross-pose merge threshold on
// their own are tagged with that method; the rest can only join through a
// chain and are tagged transitive.
func clusterLinks(cfg Config, profiles map[string]facematch.ClusterProfile, ids []string, pairs [][2]string) []link {
	if pairs == nil {
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				pairs = append(pairs, [2]string{ids[i], ids[j]})
			}
		}
	}

	seen := make(map[[2]string]struct{}, len(pairs))
	var out []link
	for _, p := range pairs {
		a, b := p[0], p[1]
		if a == b {
			continue
		}
		if a > b {
			a, b = b, a
		}
		if _, dup := seen[[2]string{a, b}]; dup {
			continue
		}
		seen[[2]string{a, b}] = struct{}{}

		pa, okA := profiles[a]
		pb, okB := profiles[b]
		if !okA || !okB {
			continue
		}
		score := facematch.DirectMergeScore(pa, pb)
		if bridge, ok := facematch.CrossPoseBridge(cfg.Match, pa, pb); ok {
			score = max(score, bridge.Score)
		}
		if score < cfg.Match.TransitiveThreshold-epsilon {
			continue
		}
		method := MethodTransitive
		if c, ok := facematch.ScoreMerge(cfg.Match, pa, pb); ok {
			method = MethodDirect
			if c.Kind == facematch.MergeCrossPose {
				method = MethodCrossPose
			}
		}
		out = append(out, link{a: a, b: b, score: score, method: method})
	}
	return out
}

// propagationLinks runs label propagation over faces and links clusters
// whose dominant labels agree. The link score is the smaller label share.
func propagationLinks(cfg Config, in Input, profiles map[string]facematch.ClusterProfile) ([]link, int) {
	if len(in.Faces) == 0 || len(in.FaceEdges) == 0 {
		return nil, 0
	}
	res := Propagate(in.Faces, in.FaceEdges, PropagationConfig{
		Threshold:     cfg.PropagationThreshold,
		MaxIterations: cfg.MaxIterations,
		Seed:          cfg.Seed,
	})

	type dominant struct {
		cluster string
		share   float64
	}
	byLabel := make(map[int64][]dominant)
	for cid, faces := range in.Members {
		if _, ok := profiles[cid]; !ok {
			continue
		}
		label, share, ok := dominantLabel(res.Labels, faces)
		if !ok || share < cfg.MinLabelShare-epsilon {
			continue
		}
		byLabel[label] = append(byLabel[label], dominant{cid, share})
	}

	var out []link
	for _, ds := range byLabel {
		if len(ds) < 2 {
			continue
		}
		slices.SortFunc(ds, func(x, y dominant) int { return cmp.Compare(x.cluster, y.cluster) })
		for _, d := range ds[1:] {
			out = append(out, link{
				a:      ds[0].cluster,
				b:      d.cluster,
				score:  min(ds[0].share, d.share),
				method: MethodPropagation,
			})
		}
	}
	return out, res.Iterations
}

// dominantLabel returns the most common label among faces that took part in
// propagation, with its share of those faces.
func dominantLabel(labels map[int64]int64, faces []int64) (int64, float64, bool) {
	counts := make(map[int64]int)
	total := 0
	for _, f := range faces {
		if l, ok := labels[f]; ok {
			counts[l]++
			total++
		}
	}
	if total == 0 {
		return 0, 0, false
	}
	var best int64
	bestCount := 0
	for l, n := range counts {
		if n > bestCount || (n == bestCount && l < best) {
			best, bestCount = l, n
		}
	}
	return best, float64(bestCount) / float64(total), true
}
