package facematch

import (
	"errors"
	"math/rand/v2"
	"testing"
	"time"
)

func eligibleFace() Face {
	return Face{ID: 1, Quality: 80, Eligibility: EligibilityQualifiedAnchor}
}

func clusteringOnlyFace() Face {
	return Face{ID: 2, Quality: 50, Eligibility: EligibilityClusteringOnly}
}

// anchorEvidence builds anchor-backed evidence with Boosted/Ranked equal to best.
func anchorEvidence(cluster string, best float64, supporting int) Evidence {
	return Evidence{
		ClusterID:   cluster,
		Best:        best,
		Boosted:     best,
		Ranked:      best,
		Supporting:  supporting,
		AnchorCount: max(supporting, 1),
		FaceCount:   7,
	}
}

func TestClassify(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		similarity float64
		expected   Zone
	}{
		{0.95, ZoneSafeSame},
		{0.60, ZoneSafeSame},
		{0.5999995, ZoneSafeSame},
		{0.59, ZoneUncertain},
		{0.42, ZoneUncertain},
		{0.41, ZoneSafeDifferent},
		{-0.3, ZoneSafeDifferent},
	}

	for _, tt := range tests {
		if result := cfg.Classify(tt.similarity); result != tt.expected {
			t.Errorf("Classify(%v) = %v, want %v", tt.similarity, result, tt.expected)
		}
	}
}

func TestDecide(t *testing.T) {
	cfg := DefaultConfig()

	sessionMatch := anchorEvidence("a", 0.56, 1)
	sessionMatch.SameSession = true
	sessionMatch.Boosted = 0.61
	sessionMatch.Ranked = 0.61

	tests := []struct {
		name       string
		face       Face
		candidates []Evidence
		action     Action
		cluster    string
	}{
		{
			name:   "no candidates, eligible face founds cluster",
			face:   eligibleFace(),
			action: ActionNewCluster,
		},
		{
			name:   "no candidates, clustering-only face waits",
			face:   clusteringOnlyFace(),
			action: ActionDefer,
		},
		{
			name:       "safe same commits",
			face:       clusteringOnlyFace(),
			candidates: []Evidence{anchorEvidence("a", 0.75, 1)},
			action:     ActionCommit,
			cluster:    "a",
		},
		{
			name:       "uncertain single anchor defers",
			face:       eligibleFace(),
			candidates: []Evidence{anchorEvidence("a", 0.50, 1)},
			action:     ActionDefer,
		},
		{
			name:       "uncertain with two anchors and gap commits",
			face:       eligibleFace(),
			candidates: []Evidence{anchorEvidence("a", 0.55, 2), anchorEvidence("b", 0.40, 0)},
			action:     ActionCommit,
			cluster:    "a",
		},
		{
			name:       "uncertain with two anchors but small gap defers",
			face:       eligibleFace(),
			candidates: []Evidence{anchorEvidence("a", 0.55, 2), anchorEvidence("b", 0.50, 2)},
			action:     ActionDefer,
		},
		{
			name:       "uncertain lifted by session boost commits",
			face:       eligibleFace(),
			candidates: []Evidence{sessionMatch},
			action:     ActionCommit,
			cluster:    "a",
		},
		{
			name:       "safe different eligible founds cluster",
			face:       eligibleFace(),
			candidates: []Evidence{anchorEvidence("a", 0.20, 0)},
			action:     ActionNewCluster,
		},
		{
			name:       "safe different non-eligible defers",
			face:       clusteringOnlyFace(),
			candidates: []Evidence{anchorEvidence("a", 0.20, 0)},
			action:     ActionDefer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(cfg, tt.face, tt.candidates)
			if d.Action != tt.action {
				t.Fatalf("Decide() action = %v (%s), want %v", d.Action, d.Reason, tt.action)
			}
			if d.Action == ActionCommit && d.ClusterID != tt.cluster {
				t.Errorf("Decide() cluster = %q, want %q", d.ClusterID, tt.cluster)
			}
			if d.Action == ActionNewCluster && d.ClusterID != "" {
				t.Errorf("Decide() new cluster decision carries cluster %q", d.ClusterID)
			}
		})
	}
}

func TestDecideRanksByQualityOnlyWithinZone(t *testing.T) {
	cfg := DefaultConfig()

	// b has a better pair quality, but a is SAFE_SAME on raw similarity.
	a := anchorEvidence("a", 0.605, 1)
	b := anchorEvidence("b", 0.59, 1)
	b.Ranked = 0.59 + cfg.MaxQualityBoost

	d := Decide(cfg, eligibleFace(), []Evidence{b, a})
	if d.Action != ActionCommit || d.ClusterID != "a" {
		t.Fatalf("Decide() = %v to %q (%s), want commit to a", d.Action, d.ClusterID, d.Reason)
	}
	if d.Zone != ZoneSafeSame {
		t.Errorf("zone = %v, want safe_same", d.Zone)
	}

	// Inside one zone the quality-weighted score decides.
	c := anchorEvidence("c", 0.64, 1)
	c.Ranked = 0.64 + cfg.MaxQualityBoost
	d = Decide(cfg, eligibleFace(), []Evidence{a, c})
	if d.ClusterID != "c" {
		t.Errorf("Decide() cluster = %q, want c", d.ClusterID)
	}
}

func TestDecideZoneMonotonicity(t *testing.T) {
	cfg := DefaultConfig()
	rng := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 5000; i++ {
		n := 1 + rng.IntN(4)
		candidates := make([]Evidence, n)
		maxBest := -1.0
		for j := range candidates {
			best := rng.Float64()*1.6 - 0.6
			ev := anchorEvidence(string(rune('a'+j)), best, rng.IntN(4))
			ev.Ranked = best + (rng.Float64()*2-1)*cfg.MaxQualityBoost
			ev.FaceCount = rng.IntN(20)
			candidates[j] = ev
			maxBest = max(maxBest, best)
		}
		face := eligibleFace()
		if rng.IntN(2) == 0 {
			face = clusteringOnlyFace()
		}
		expired := rng.IntN(2) == 0
		zone := cfg.Classify(maxBest)

		for pass, d := range []Decision{Decide(cfg, face, candidates), DecideDeferred(cfg, face, candidates, expired)} {
			if d.Zone != zone {
				t.Fatalf("pass %d: zone %v, want %v for max similarity %.3f", pass+1, d.Zone, zone, maxBest)
			}
			if zone == ZoneSafeSame && d.Action != ActionCommit {
				t.Fatalf("pass %d: max similarity %.3f is safe_same but action is %v", pass+1, maxBest, d.Action)
			}
			if d.Action == ActionCommit && d.Similarity < cfg.SafeDifferent-similarityEpsilon && d.Supporting == 0 {
				t.Fatalf("pass %d: committed similarity %.3f below safe_different without support", pass+1, d.Similarity)
			}
		}
	}
}

func TestDecideUsesClusterAcceptanceThreshold(t *testing.T) {
	cfg := DefaultConfig()

	// A young, tight cluster: adaptive 0.65 plus the new-cluster shift.
	young := anchorEvidence("young", 0.45, 2)
	young.FaceCount = 2
	young.Stats = Statistics{Mean: 0.9, Min: 0.9, Max: 0.9, SampleCount: 3}

	// A loose, growing cluster accepts down to AdaptiveMin.
	loose := anchorEvidence("loose", 0.45, 2)
	loose.Stats = Statistics{Mean: 0.5, Variance: 0.0025, Min: 0.45, Max: 0.55, SampleCount: 3}

	tests := []struct {
		name    string
		ev      Evidence
		expired bool
		pass1   Action
		pass2   Action
	}{
		{name: "young cluster defers", ev: young, pass1: ActionDefer, pass2: ActionDefer},
		{name: "young cluster expired founds new cluster", ev: young, expired: true, pass1: ActionDefer, pass2: ActionNewCluster},
		{name: "loose cluster commits", ev: loose, pass1: ActionCommit, pass2: ActionCommit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if d := Decide(cfg, eligibleFace(), []Evidence{tt.ev}); d.Action != tt.pass1 {
				t.Errorf("Decide() action = %v (%s), want %v", d.Action, d.Reason, tt.pass1)
			}
			if d := DecideDeferred(cfg, eligibleFace(), []Evidence{tt.ev}, tt.expired); d.Action != tt.pass2 {
				t.Errorf("DecideDeferred() action = %v (%s), want %v", d.Action, d.Reason, tt.pass2)
			}
		})
	}
}

func TestDecideDeferred(t *testing.T) {
	cfg := DefaultConfig()

	strong := anchorEvidence("a", 0.56, 1)
	strong.FaceCount = 12

	tests := []struct {
		name       string
		face       Face
		candidates []Evidence
		expired    bool
		action     Action
		cluster    string
		forced     bool
	}{
		{
			name:       "multi-anchor support commits",
			face:       eligibleFace(),
			candidates: []Evidence{anchorEvidence("a", 0.50, 2)},
			action:     ActionCommit,
			cluster:    "a",
		},
		{
			name:       "still uncertain stays deferred",
			face:       eligibleFace(),
			candidates: []Evidence{anchorEvidence("a", 0.50, 1)},
			action:     ActionDefer,
		},
		{
			name:       "strong gap above adaptive threshold commits",
			face:       eligibleFace(),
			candidates: []Evidence{strong, anchorEvidence("b", 0.30, 0)},
			action:     ActionCommit,
			cluster:    "a",
		},
		{
			name:       "expired with acceptable candidate is force assigned",
			face:       clusteringOnlyFace(),
			candidates: []Evidence{anchorEvidence("a", 0.50, 1), anchorEvidence("b", 0.44, 1)},
			expired:    true,
			action:     ActionCommit,
			cluster:    "a",
			forced:     true,
		},
		{
			name:       "expired with ambiguous candidates founds new cluster",
			face:       eligibleFace(),
			candidates: []Evidence{anchorEvidence("a", 0.50, 1), anchorEvidence("b", 0.48, 1)},
			expired:    true,
			action:     ActionNewCluster,
			forced:     true,
		},
		{
			name:    "expired without candidates founds new cluster",
			face:    eligibleFace(),
			expired: true,
			action:  ActionNewCluster,
			forced:  true,
		},
		{
			name:    "expired non-eligible without candidates is released",
			face:    clusteringOnlyFace(),
			expired: true,
			action:  ActionRelease,
			forced:  true,
		},
		{
			name:       "expired below safe different is never assigned",
			face:       clusteringOnlyFace(),
			candidates: []Evidence{anchorEvidence("a", 0.41, 0)},
			expired:    true,
			action:     ActionRelease,
			forced:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := DecideDeferred(cfg, tt.face, tt.candidates, tt.expired)
			if d.Action != tt.action {
				t.Fatalf("DecideDeferred() action = %v (%s), want %v", d.Action, d.Reason, tt.action)
			}
			if d.Action == ActionCommit && d.ClusterID != tt.cluster {
				t.Errorf("DecideDeferred() cluster = %q, want %q", d.ClusterID, tt.cluster)
			}
			if d.Forced != tt.forced {
				t.Errorf("DecideDeferred() forced = %v, want %v", d.Forced, tt.forced)
			}
		})
	}
}

func TestEvaluate(t *testing.T) {
	cfg := DefaultConfig()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	face := Face{Embedding: []float32{1, 0, 0}, Quality: 90, TakenAt: now}
	profile := ClusterProfile{
		ID: "c1",
		Anchors: []Anchor{
			{FaceID: 1, Embedding: []float32{0.5, 0.866, 0}, Quality: 70, TakenAt: now.Add(-5 * time.Minute)},
			{FaceID: 2, Embedding: []float32{0.3, 0, 0.954}, Quality: 90, TakenAt: now.Add(-48 * time.Hour)},
			{FaceID: 3, Embedding: []float32{0, 1, 0}, Quality: 60},
		},
		FaceCount: 3,
	}

	ev, err := Evaluate(cfg, face, profile)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if ev.Supporting != 1 {
		t.Errorf("Supporting = %d, want 1", ev.Supporting)
	}
	if !ev.SameSession {
		t.Error("expected same-session evidence")
	}
	if ev.Best < 0.49 || ev.Best > 0.51 {
		t.Errorf("Best = %v, want ~0.5", ev.Best)
	}
	if diff := ev.Boosted - ev.Best; diff < cfg.SessionBoost-1e-9 || diff > cfg.SessionBoost+1e-9 {
		t.Errorf("Boosted - Best = %v, want %v", diff, cfg.SessionBoost)
	}
	// Pair quality (90+70)/2 = 80 -> boost 0.06.
	if diff := ev.Ranked - ev.Boosted; diff < 0.0599 || diff > 0.0601 {
		t.Errorf("quality boost = %v, want 0.06", diff)
	}

	empty, err := Evaluate(cfg, face, ClusterProfile{ID: "empty"})
	if err != nil || empty.Best != 0 || !empty.CentroidOnly {
		t.Errorf("empty cluster evidence = %+v, want unmatchable centroid-only", empty)
	}

	centroid, err := Evaluate(cfg, face, ClusterProfile{ID: "legacy", Centroid: []float32{1, 0, 0}})
	if err != nil || !centroid.CentroidOnly || centroid.Best < 0.999 {
		t.Errorf("centroid evidence = %+v", centroid)
	}

	broken := ClusterProfile{ID: "broken", Anchors: []Anchor{{FaceID: 9, Embedding: []float32{1, 0}}}}
	if _, err := Evaluate(cfg, face, broken); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Evaluate() with a 2-dim anchor error = %v, want ErrDimensionMismatch", err)
	}
	if _, err := EvaluateAll(cfg, face, []ClusterProfile{profile, broken}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("EvaluateAll() error = %v, want ErrDimensionMismatch", err)
	}
}

func TestQualityBoostIsClamped(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		quality  float64
		expected float64
	}{
		{50, 0},
		{75, 0.05},
		{100, 0.08},
		{0, -0.08},
		{25, -0.05},
	}
	for _, tt := range tests {
		result := QualityBoost(cfg, tt.quality)
		if result < tt.expected-1e-9 || result > tt.expected+1e-9 {
			t.Errorf("QualityBoost(%v) = %v, want %v", tt.quality, result, tt.expected)
		}
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-2, 0}, -1},
		{"zero", []float32{0, 0}, []float32{1, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CosineSimilarity(tt.a, tt.b)
			if result < tt.expected-1e-6 || result > tt.expected+1e-6 {
				t.Errorf("CosineSimilarity() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestSimilarityReportsDimensionMismatch(t *testing.T) {
	if _, err := Similarity([]float32{1, 0}, []float32{1, 0, 0}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Similarity() error = %v, want ErrDimensionMismatch", err)
	}
	sim, err := Similarity([]float32{1, 0}, []float32{0, 1})
	if err != nil || sim != 0 {
		t.Errorf("Similarity() of orthogonal vectors = %v, %v", sim, err)
	}
}

func TestUpdateCentroid(t *testing.T) {
	c, w := UpdateCentroid(nil, 0, []float32{2, 0}, 100)
	if w != 1 || c[0] != 1 || c[1] != 0 {
		t.Fatalf("first update = %v, %v", c, w)
	}

	c, w = UpdateCentroid(c, w, []float32{0, 1}, 100)
	if w != 2 {
		t.Errorf("weight sum = %v, want 2", w)
	}
	if sim := CosineSimilarity(c, []float32{1, 1}); sim < 0.9999 {
		t.Errorf("centroid %v not halfway between inputs", c)
	}
}
