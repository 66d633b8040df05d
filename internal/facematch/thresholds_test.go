package facematch

import (
	"math"
	"testing"
)

func TestClusterMaturity(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		faces    int
		expected Maturity
		shift    float64
	}{
		{0, MaturityNew, 0.05},
		{4, MaturityNew, 0.05},
		{5, MaturityGrowing, 0},
		{9, MaturityGrowing, 0},
		{10, MaturityMature, -0.05},
		{250, MaturityMature, -0.05},
	}
	for _, tt := range tests {
		if m := ClusterMaturity(cfg, tt.faces); m != tt.expected {
			t.Errorf("ClusterMaturity(%d) = %v, want %v", tt.faces, m, tt.expected)
		}
		if s := MaturityShift(cfg, tt.faces); math.Abs(s-tt.shift) > 1e-9 {
			t.Errorf("MaturityShift(%d) = %v, want %v", tt.faces, s, tt.shift)
		}
	}
}

func TestAdaptiveThreshold(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		name     string
		stats    Statistics
		expected float64
		ok       bool
	}{
		{"too few samples", Statistics{Mean: 0.7, SampleCount: 1}, 0, false},
		{"within bounds", Statistics{Mean: 0.70, Variance: 0.0025, SampleCount: 6}, 0.60, true},
		{"clamped low", Statistics{Mean: 0.50, Variance: 0.01, SampleCount: 6}, 0.45, true},
		{"clamped high", Statistics{Mean: 0.90, Variance: 0.0001, SampleCount: 6}, 0.65, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, ok := AdaptiveThreshold(cfg, tt.stats)
			if ok != tt.ok || math.Abs(result-tt.expected) > 1e-9 {
				t.Errorf("AdaptiveThreshold() = %v, %v, want %v, %v", result, ok, tt.expected, tt.ok)
			}
		})
	}
}

func TestAcceptanceThreshold(t *testing.T) {
	cfg := DefaultConfig()
	stats := Statistics{Mean: 0.70, Variance: 0.0025, SampleCount: 6}

	tests := []struct {
		name     string
		stats    Statistics
		faces    int
		base     float64
		expected float64
	}{
		{"base for new cluster", Statistics{}, 2, 0.52, 0.57},
		{"base for growing cluster", Statistics{}, 6, 0.52, 0.52},
		{"adaptive for mature cluster", stats, 12, 0.52, 0.55},
		{"adaptive for new cluster", stats, 3, 0.52, 0.65},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := AcceptanceThreshold(cfg, tt.stats, tt.faces, tt.base)
			if math.Abs(result-tt.expected) > 1e-9 {
				t.Errorf("AcceptanceThreshold() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestLegacyDecisions(t *testing.T) {
	cfg := DefaultConfig()

	centroid := func(cluster string, sim float64) Evidence {
		ev := anchorEvidence(cluster, sim, 0)
		ev.CentroidOnly = true
		ev.AnchorCount = 0
		ev.FaceCount = 6
		return ev
	}

	tests := []struct {
		name       string
		face       Face
		sim        float64
		action     Action
		confidence Confidence
		update     bool
	}{
		{"high", eligibleFace(), 0.70, ActionCommit, ConfidenceHigh, true},
		{"medium good quality", eligibleFace(), 0.55, ActionCommit, ConfidenceMedium, true},
		{"medium poor quality keeps centroid", Face{Quality: 45, Eligibility: EligibilityClusteringOnly}, 0.55, ActionCommit, ConfidenceMedium, false},
		{"staged", eligibleFace(), 0.45, ActionDefer, ConfidenceStaged, false},
		{"new cluster", eligibleFace(), 0.30, ActionNewCluster, ConfidenceNewCluster, false},
		{"new cluster not allowed", clusteringOnlyFace(), 0.30, ActionDefer, ConfidenceNewCluster, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(cfg, tt.face, []Evidence{centroid("c", tt.sim)})
			if d.Action != tt.action || d.Confidence != tt.confidence {
				t.Fatalf("Decide() = %v/%v, want %v/%v", d.Action, d.Confidence, tt.action, tt.confidence)
			}
			if d.Action == ActionCommit && d.UpdateCentroid != tt.update {
				t.Errorf("UpdateCentroid = %v, want %v", d.UpdateCentroid, tt.update)
			}
		})
	}

	legacy := cfg
	legacy.Mode = ModeLegacy
	d := Decide(legacy, eligibleFace(), []Evidence{anchorEvidence("a", 0.45, 2)})
	if d.Confidence != ConfidenceStaged || d.Action != ActionDefer {
		t.Errorf("legacy mode Decide() = %v/%v, want staged defer", d.Action, d.Confidence)
	}
}

func TestVerifyStaged(t *testing.T) {
	cfg := DefaultConfig()
	face := Face{Embedding: []float32{1, 0, 0}, Quality: 70}
	reps := [][]float32{
		{0.6, 0.8, 0},
		{0.5, 0, 0.866},
		{0.3, 0.954, 0},
	}

	v := VerifyStaged(cfg, face, "c", reps, 0.30)
	if !v.Accepted || v.Decision.Action != ActionCommit || v.Decision.ClusterID != "c" {
		t.Fatalf("VerifyStaged() = %+v, want accepted", v)
	}
	if v.Support != 1 {
		t.Errorf("Support = %d, want 1", v.Support)
	}

	conflict := VerifyStaged(cfg, face, "c", reps, 0.57)
	if conflict.Accepted || !conflict.Conflict || conflict.Decision.Action != ActionDefer {
		t.Errorf("VerifyStaged() with close runner-up = %+v, want conflict", conflict)
	}

	weak := VerifyStaged(cfg, face, "c", [][]float32{{0.45, 0.893, 0}}, 0)
	if weak.Accepted {
		t.Errorf("VerifyStaged() weak = %+v, want rejected", weak)
	}

	none := VerifyStaged(cfg, face, "c", nil, 0)
	if none.Accepted || none.Decision.Action != ActionDefer {
		t.Errorf("VerifyStaged() without representatives = %+v", none)
	}
}
