package facematch

// MergeKind tells how a merge candidate was found.
type MergeKind string

const (
	MergeDirect    MergeKind = "direct"
	MergeCrossPose MergeKind = "cross_pose"
)

// MergeCandidate is an advisory proposal to join two clusters.
type MergeCandidate struct {
	A, B  string
	Score float64
	Kind  MergeKind
}

// Bridge is the best cross-pose anchor pair between two clusters.
type Bridge struct {
	AnchorA, AnchorB int64
	PoseA, PoseB     PoseCategory
	Similarity       float64
	Score            float64
}

// DirectMergeScore compares two clusters by centroid similarity and by the
// symmetric mean of each anchor's best match in the other cluster, and
// returns the higher of the two.
func DirectMergeScore(a, b ClusterProfile) float64 {
	score := 0.0
	if len(a.Centroid) > 0 && len(b.Centroid) > 0 {
		score = CosineSimilarity(a.Centroid, b.Centroid)
	}
	if len(a.Anchors) > 0 && len(b.Anchors) > 0 {
		anchorScore := (meanBestMatch(a.Anchors, b.Anchors) + meanBestMatch(b.Anchors, a.Anchors)) / 2
		score = max(score, anchorScore)
	}
	return score
}

func meanBestMatch(from, to []Anchor) float64 {
	var sum float64
	for _, x := range from {
		best := -1.0
		for _, y := range to {
			best = max(best, CosineSimilarity(x.Embedding, y.Embedding))
		}
		sum += best
	}
	return sum / float64(len(from))
}

// PosesAdjacent reports whether two different pose categories are one step
// apart on the yaw axis.
func PosesAdjacent(a, b PoseCategory) bool {
	switch {
	case a == b:
		return false
	case a == PoseFrontal:
		return b == PoseSlightLeft || b == PoseSlightRight
	case b == PoseFrontal:
		return a == PoseSlightLeft || a == PoseSlightRight
	}
	return (a == PoseSlightLeft && b == PoseProfileLeft) || (a == PoseProfileLeft && b == PoseSlightLeft) ||
		(a == PoseSlightRight && b == PoseProfileRight) || (a == PoseProfileRight && b == PoseSlightRight)
}

// CrossPoseBridge finds the strongest pair of anchors with different poses
// across two clusters. Adjacent poses get CrossPoseAdjacentBonus on top of
// their similarity. ok is false when no cross-pose pair exists.
func CrossPoseBridge(cfg Config, a, b ClusterProfile) (Bridge, bool) {
	var best Bridge
	found := false
	for _, x := range a.Anchors {
		for _, y := range b.Anchors {
			if x.Pose == y.Pose {
				continue
			}
			sim := CosineSimilarity(x.Embedding, y.Embedding)
			score := sim
			if PosesAdjacent(x.Pose, y.Pose) {
				score += cfg.CrossPoseAdjacentBonus
			}
			if !found || score > best.Score {
				best = Bridge{
					AnchorA: x.FaceID, AnchorB: y.FaceID,
					PoseA: x.Pose, PoseB: y.Pose,
					Similarity: sim, Score: score,
				}
				found = true
			}
		}
	}
	return best, found
}

// ScoreMerge evaluates one cluster pair. The direct score is checked against
// MergeThreshold first, then the cross-pose bridge against CrossPoseThreshold.
func ScoreMerge(cfg Config, a, b ClusterProfile) (MergeCandidate, bool) {
	if direct := DirectMergeScore(a, b); atLeast(direct, cfg.MergeThreshold) {
		return MergeCandidate{A: a.ID, B: b.ID, Score: direct, Kind: MergeDirect}, true
	}
	if bridge, ok := CrossPoseBridge(cfg, a, b); ok && atLeast(bridge.Score, cfg.CrossPoseThreshold) {
		return MergeCandidate{A: a.ID, B: b.ID, Score: bridge.Score, Kind: MergeCrossPose}, true
	}
	return MergeCandidate{}, false
}
