package facematch

import (
	"cmp"
	"fmt"
	"math"
	"slices"
)

// Evaluate scores face against one candidate cluster. Anchors are used when
// present; otherwise the centroid is scored and the evidence is marked
// CentroidOnly. A cluster with neither gets similarity 0. An embedding of a
// different dimension than the face's fails with ErrDimensionMismatch.
func Evaluate(cfg Config, face Face, p ClusterProfile) (Evidence, error) {
	ev := Evidence{
		ClusterID:   p.ID,
		AnchorCount: len(p.Anchors),
		FaceCount:   p.FaceCount,
		Stats:       p.Stats,
	}

	best := math.Inf(-1)
	pairQuality := face.Quality
	for _, a := range p.Anchors {
		sim, err := Similarity(face.Embedding, a.Embedding)
		if err != nil {
			return ev, fmt.Errorf("cluster %s anchor %d: %w", p.ID, a.FaceID, err)
		}
		if atLeast(sim, cfg.SafeDifferent) {
			ev.Supporting++
		}
		if sim > best {
			best = sim
			pairQuality = (face.Quality + a.Quality) / 2
		}
		if cfg.SameSession(face.TakenAt, a.TakenAt) {
			ev.SameSession = true
		}
	}

	if len(p.Anchors) == 0 {
		ev.CentroidOnly = true
		if len(p.Centroid) > 0 {
			sim, err := Similarity(face.Embedding, p.Centroid)
			if err != nil {
				return ev, fmt.Errorf("cluster %s centroid: %w", p.ID, err)
			}
			best = sim
		}
	}
	if math.IsInf(best, -1) {
		best = 0
	}

	ev.Best = best
	ev.Boosted = best
	if ev.SameSession {
		ev.Boosted += cfg.SessionBoost
	}
	ev.Ranked = WeightedSimilarity(cfg, ev.Boosted, pairQuality)
	return ev, nil
}

// EvaluateAll scores face against every profile and returns the evidence
// ranked best first.
func EvaluateAll(cfg Config, face Face, profiles []ClusterProfile) ([]Evidence, error) {
	out := make([]Evidence, 0, len(profiles))
	for _, p := range profiles {
		ev, err := Evaluate(cfg, face, p)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	RankEvidence(cfg, out)
	return out, nil
}

// RankEvidence sorts by the zone of the raw similarity first, so quality and
// session boosts only reorder candidates inside one zone. Ties fall back to
// Ranked, raw similarity and cluster id.
func RankEvidence(cfg Config, ev []Evidence) {
	slices.SortFunc(ev, func(a, b Evidence) int {
		if c := cmp.Compare(zoneRank(cfg.Classify(b.Best)), zoneRank(cfg.Classify(a.Best))); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Ranked, a.Ranked); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Best, a.Best); c != 0 {
			return c
		}
		return cmp.Compare(a.ClusterID, b.ClusterID)
	})
}

func zoneRank(z Zone) int {
	switch z {
	case ZoneSafeSame:
		return 2
	case ZoneUncertain:
		return 1
	default:
		return 0
	}
}

// evidenceGap is the boosted similarity margin of the top candidate over the
// runner-up. With a single candidate the competitor counts as similarity 0.
func evidenceGap(ranked []Evidence) float64 {
	if len(ranked) == 0 {
		return 0
	}
	if len(ranked) == 1 {
		return ranked[0].Boosted
	}
	return ranked[0].Boosted - ranked[1].Boosted
}
