package facematch

import (
	"math"
	"testing"
)

func profile(id string, pose PoseCategory, emb ...float32) ClusterProfile {
	return ClusterProfile{
		ID:       id,
		Centroid: emb,
		Anchors:  []Anchor{{FaceID: int64(len(id)), Embedding: emb, Quality: 70, Pose: pose}},
	}
}

func TestDirectMergeScore(t *testing.T) {
	a := ClusterProfile{
		Centroid: []float32{0, 1, 0},
		Anchors:  []Anchor{{Embedding: []float32{1, 0, 0}}},
	}
	b := ClusterProfile{
		Centroid: []float32{1, 0, 0},
		Anchors:  []Anchor{{Embedding: []float32{1, 0, 0}}, {Embedding: []float32{0, 1, 0}}},
	}
	// Centroids are orthogonal; anchors: (1 + (1+0)/2) / 2.
	if score := DirectMergeScore(a, b); math.Abs(score-0.75) > 1e-6 {
		t.Errorf("DirectMergeScore() = %v, want 0.75", score)
	}

	centroidOnly := ClusterProfile{Centroid: []float32{0.6, 0.8, 0}}
	if score := DirectMergeScore(b, centroidOnly); math.Abs(score-0.6) > 1e-6 {
		t.Errorf("DirectMergeScore() centroid only = %v, want 0.6", score)
	}
	if score := DirectMergeScore(ClusterProfile{}, ClusterProfile{}); score != 0 {
		t.Errorf("DirectMergeScore() empty = %v, want 0", score)
	}
}

func TestPosesAdjacent(t *testing.T) {
	tests := []struct {
		a, b     PoseCategory
		expected bool
	}{
		{PoseFrontal, PoseSlightLeft, true},
		{PoseSlightRight, PoseFrontal, true},
		{PoseSlightLeft, PoseProfileLeft, true},
		{PoseProfileRight, PoseSlightRight, true},
		{PoseFrontal, PoseFrontal, false},
		{PoseFrontal, PoseProfileLeft, false},
		{PoseSlightLeft, PoseSlightRight, false},
		{PoseProfileLeft, PoseSlightRight, false},
	}
	for _, tt := range tests {
		if result := PosesAdjacent(tt.a, tt.b); result != tt.expected {
			t.Errorf("PosesAdjacent(%s, %s) = %v, want %v", tt.a, tt.b, result, tt.expected)
		}
	}
}

func TestCrossPoseBridge(t *testing.T) {
	cfg := DefaultConfig()

	frontal := profile("a", PoseFrontal, 1, 0, 0)
	slight := profile("bb", PoseSlightLeft, 0.52, 0.854, 0)

	bridge, ok := CrossPoseBridge(cfg, frontal, slight)
	if !ok {
		t.Fatal("expected a bridge")
	}
	if bridge.PoseA != PoseFrontal || bridge.PoseB != PoseSlightLeft {
		t.Errorf("bridge poses = %s/%s", bridge.PoseA, bridge.PoseB)
	}
	if math.Abs(bridge.Score-bridge.Similarity-cfg.CrossPoseAdjacentBonus) > 1e-9 {
		t.Errorf("adjacent bonus not applied: %+v", bridge)
	}

	if _, ok := CrossPoseBridge(cfg, frontal, profile("c", PoseFrontal, 0, 1, 0)); ok {
		t.Error("same-pose clusters must not produce a bridge")
	}
}

func TestScoreMerge(t *testing.T) {
	cfg := DefaultConfig()
	a := profile("a", PoseFrontal, 1, 0, 0)
	b := profile("b", PoseFrontal, 0.8, 0.6, 0)
	c := profile("c", PoseProfileLeft, 0, 0, 1)
	d := profile("d", PoseSlightLeft, 0.52, 0.854, 0)

	tests := []struct {
		name  string
		x, y  ClusterProfile
		ok    bool
		kind  MergeKind
		score float64
	}{
		{"direct above merge threshold", b, d, true, MergeDirect, 0.9285},
		{"direct", a, b, true, MergeDirect, 0.8},
		{"adjacent poses bridge", a, d, true, MergeCrossPose, 0.5701},
		{"unrelated", a, c, false, "", 0},
		{"distant poses without similarity", c, d, false, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ScoreMerge(cfg, tt.x, tt.y)
			if ok != tt.ok {
				t.Fatalf("ScoreMerge() ok = %v, want %v (%+v)", ok, tt.ok, got)
			}
			if !ok {
				return
			}
			if got.A != tt.x.ID || got.B != tt.y.ID || got.Kind != tt.kind || math.Abs(got.Score-tt.score) > 1e-3 {
				t.Errorf("ScoreMerge() = %+v, want %s %.4f", got, tt.kind, tt.score)
			}
		})
	}
}
