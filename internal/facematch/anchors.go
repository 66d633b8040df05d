package facematch

import (
	"math"
	"slices"
)

// AnchorUpdate is the outcome of offering a face to a cluster's anchor set.
type AnchorUpdate struct {
	Anchors []Anchor
	Changed bool
	// Replaced is the face id of the evicted anchor, or 0.
	Replaced int64
	Reason   string
}

// SelectAnchors offers candidate to the current anchor set (which is not
// modified). Below capacity the candidate is added when it is novel or fills
// a missing pose. At capacity, in order: a missing pose replaces the weakest
// anchor of a duplicated pose; a same-pose anchor is replaced by a candidate
// at least ReplaceImprovement better; the globally weakest anchor is replaced
// by a novel candidate of higher quality.
func SelectAnchors(cfg Config, current []Anchor, candidate Anchor) AnchorUpdate {
	for _, a := range current {
		if a.FaceID == candidate.FaceID {
			return AnchorUpdate{Anchors: current, Reason: "already an anchor"}
		}
	}

	maxSim := -1.0
	for _, a := range current {
		maxSim = max(maxSim, CosineSimilarity(candidate.Embedding, a.Embedding))
	}
	novel := maxSim < cfg.DiversityCeiling
	poseCount := countPoses(current)
	poseCovered := poseCount[candidate.Pose] > 0

	if len(current) < cfg.MaxAnchors {
		if novel || !poseCovered {
			return added(current, candidate, "under capacity")
		}
		if i := weakestWithPose(current, candidate.Pose); i >= 0 && improves(cfg, candidate, current[i]) {
			return replaced(current, i, candidate, "better same-pose anchor")
		}
		return AnchorUpdate{Anchors: current, Reason: "too similar to existing anchors"}
	}

	if !poseCovered {
		if i := weakestOfDuplicatedPose(current, poseCount); i >= 0 {
			return replaced(current, i, candidate, "fills missing pose")
		}
	}
	if i := weakestWithPose(current, candidate.Pose); i >= 0 && improves(cfg, candidate, current[i]) {
		return replaced(current, i, candidate, "better same-pose anchor")
	}
	if novel {
		i := weakest(current)
		if i >= 0 && candidate.Quality > current[i].Quality {
			return replaced(current, i, candidate, "novel and better than weakest anchor")
		}
	}
	return AnchorUpdate{Anchors: current, Reason: "no improvement"}
}

func improves(cfg Config, candidate, existing Anchor) bool {
	return candidate.Quality >= existing.Quality*(1+cfg.ReplaceImprovement) && candidate.Quality > existing.Quality
}

func added(current []Anchor, candidate Anchor, reason string) AnchorUpdate {
	out := make([]Anchor, 0, len(current)+1)
	out = append(out, current...)
	out = append(out, candidate)
	return AnchorUpdate{Anchors: out, Changed: true, Reason: reason}
}

func replaced(current []Anchor, i int, candidate Anchor, reason string) AnchorUpdate {
	out := slices.Clone(current)
	evicted := out[i].FaceID
	out[i] = candidate
	return AnchorUpdate{Anchors: out, Changed: true, Replaced: evicted, Reason: reason}
}

func countPoses(anchors []Anchor) map[PoseCategory]int {
	counts := make(map[PoseCategory]int, 5)
	for _, a := range anchors {
		counts[a.Pose]++
	}
	return counts
}

func weakestWithPose(anchors []Anchor, pose PoseCategory) int {
	idx := -1
	for i, a := range anchors {
		if a.Pose == pose && (idx < 0 || a.Quality < anchors[idx].Quality) {
			idx = i
		}
	}
	return idx
}

func weakestOfDuplicatedPose(anchors []Anchor, counts map[PoseCategory]int) int {
	idx := -1
	for i, a := range anchors {
		if counts[a.Pose] > 1 && (idx < 0 || a.Quality < anchors[idx].Quality) {
			idx = i
		}
	}
	return idx
}

func weakest(anchors []Anchor) int {
	idx := -1
	for i, a := range anchors {
		if idx < 0 || a.Quality < anchors[idx].Quality {
			idx = i
		}
	}
	return idx
}

// ComputeStatistics summarizes the pairwise similarities of anchors.
// Fewer than two anchors yields a zero SampleCount.
func ComputeStatistics(anchors []Anchor) Statistics {
	var sims []float64
	for i := 0; i < len(anchors); i++ {
		for j := i + 1; j < len(anchors); j++ {
			sims = append(sims, CosineSimilarity(anchors[i].Embedding, anchors[j].Embedding))
		}
	}
	if len(sims) == 0 {
		return Statistics{}
	}

	s := Statistics{Min: math.Inf(1), Max: math.Inf(-1), SampleCount: len(sims)}
	var sum float64
	for _, v := range sims {
		sum += v
		s.Min = min(s.Min, v)
		s.Max = max(s.Max, v)
	}
	s.Mean = sum / float64(len(sims))
	for _, v := range sims {
		s.Variance += (v - s.Mean) * (v - s.Mean)
	}
	s.Variance /= float64(len(sims))
	return s
}

// StatisticsChanged reports whether stats moved enough to be worth persisting.
func StatisticsChanged(old, updated Statistics) bool {
	if old.SampleCount != updated.SampleCount {
		return true
	}
	return math.Abs(old.Mean-updated.Mean) > 0.005 || math.Abs(old.Variance-updated.Variance) > 0.001
}
