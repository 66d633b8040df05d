package facematch

import "fmt"

// LegacyConfidence maps a centroid similarity onto the four-level model.
// The MEDIUM floor follows the cluster's acceptance threshold.
func LegacyConfidence(cfg Config, best Evidence) Confidence {
	likely := AcceptanceThreshold(cfg, best.Stats, best.FaceCount, cfg.LikelySame)
	switch {
	case atLeast(best.Best, cfg.DefiniteSame):
		return ConfidenceHigh
	case atLeast(best.Best, likely):
		return ConfidenceMedium
	case atLeast(best.Best, cfg.DefinitelyDifferent):
		return ConfidenceStaged
	}
	return ConfidenceNewCluster
}

// DecideLegacy applies the four-level centroid model to ranked candidates.
// HIGH commits and updates the centroid, MEDIUM commits and updates the
// centroid only for good quality faces, STAGED defers for verification
// against all representatives, NEW_CLUSTER founds a cluster when allowed.
func DecideLegacy(cfg Config, face Face, ranked []Evidence) Decision {
	if len(ranked) == 0 {
		return noCandidate(face, false)
	}

	best := ranked[0]
	d := Decision{
		ClusterID:  best.ClusterID,
		Zone:       cfg.Classify(best.Best),
		Confidence: LegacyConfidence(cfg, best),
		Similarity: best.Best,
		Gap:        evidenceGap(ranked),
		Supporting: best.Supporting,
	}

	switch d.Confidence {
	case ConfidenceHigh:
		d.Action = ActionCommit
		d.UpdateCentroid = true
		d.Reason = "legacy high confidence"
	case ConfidenceMedium:
		d.Action = ActionCommit
		d.UpdateCentroid = face.Quality >= cfg.MinCentroidUpdateQuality
		d.Reason = "legacy medium confidence"
	case ConfidenceStaged:
		d.Action = ActionDefer
		d.Reason = "legacy staged for verification"
	case ConfidenceNewCluster:
		d.ClusterID = ""
		if face.Eligibility.CanFoundCluster() {
			d.Action = ActionNewCluster
			d.Reason = "legacy below definitely-different"
		} else {
			d.Action = ActionDefer
			d.Reason = "legacy below definitely-different, face cannot found a cluster"
		}
	}
	return d
}

// StagedVerification is the result of checking a staged face against every
// representative of its candidate cluster.
type StagedVerification struct {
	Mean     float64
	Max      float64
	Support  int // representatives at or above LikelySame
	Conflict bool
	Accepted bool
	Decision Decision
}

// VerifyStaged checks a staged face against all representatives (anchors and
// member faces) of the candidate cluster rather than its centroid alone. The
// face is accepted when its best representative match reaches LikelySame, the
// mean stays above DefinitelyDifferent and the best match beats the
// second-best cluster by at least MinEvidenceGap. A runner-up within the gap
// is a conflict and the face stays deferred.
func VerifyStaged(cfg Config, face Face, clusterID string, representatives [][]float32, secondBest float64) StagedVerification {
	var v StagedVerification
	v.Decision = Decision{ClusterID: clusterID, Confidence: ConfidenceStaged, Action: ActionDefer}
	if len(representatives) == 0 {
		v.Decision.Reason = "no representatives to verify against"
		return v
	}

	var sum float64
	v.Max = -1
	for _, r := range representatives {
		sim := CosineSimilarity(face.Embedding, r)
		sum += sim
		v.Max = max(v.Max, sim)
		if atLeast(sim, cfg.LikelySame) {
			v.Support++
		}
	}
	v.Mean = sum / float64(len(representatives))
	v.Conflict = !atLeast(v.Max-secondBest, cfg.MinEvidenceGap)

	v.Decision.Similarity = v.Max
	v.Decision.Gap = v.Max - secondBest
	v.Decision.Supporting = v.Support
	v.Decision.Zone = cfg.Classify(v.Max)

	switch {
	case v.Conflict:
		v.Decision.Reason = fmt.Sprintf("conflict with second-best cluster (gap %.3f)", v.Max-secondBest)
	case atLeast(v.Max, cfg.LikelySame) && atLeast(v.Mean, cfg.DefinitelyDifferent):
		v.Accepted = true
		v.Decision.Action = ActionCommit
		v.Decision.Confidence = ConfidenceMedium
		v.Decision.UpdateCentroid = face.Quality >= cfg.MinCentroidUpdateQuality
		v.Decision.Reason = fmt.Sprintf("staged face verified (max %.3f, mean %.3f)", v.Max, v.Mean)
	default:
		v.Decision.Reason = fmt.Sprintf("staged face not verified (max %.3f, mean %.3f)", v.Max, v.Mean)
	}
	return v
}
