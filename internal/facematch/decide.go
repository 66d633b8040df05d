package facematch

import "fmt"

// Decide runs the Pass 1 (high precision) decision for face against
// candidates, which must already exclude cannot-linked clusters.
//
// SAFE_SAME commits. UNCERTAIN commits only when the raw similarity clears the
// cluster's acceptance threshold and there is multi-anchor support plus a
// clear gap to the runner-up, or when the same-session boost lifts the match
// into SAFE_SAME; otherwise the face is deferred. SAFE_DIFFERENT founds a new
// cluster for anchor-eligible faces and defers the rest.
//
// Centroid-only candidates, and every candidate in legacy mode, are scored
// with the four-level model instead.
func Decide(cfg Config, face Face, candidates []Evidence) Decision {
	ranked := rankedCopy(cfg, candidates)
	if len(ranked) == 0 {
		return noCandidate(face, false)
	}

	best := ranked[0]
	if cfg.Mode == ModeLegacy || best.CentroidOnly {
		return DecideLegacy(cfg, face, ranked)
	}

	d := baseDecision(cfg, ranked)
	switch d.Zone {
	case ZoneSafeSame:
		d.Action = ActionCommit
		d.Reason = "safe_same"
	case ZoneUncertain:
		switch {
		case !clearsAcceptance(cfg, best):
			d.Action = ActionDefer
			d.Reason = "uncertain, below cluster acceptance threshold"
		case hasAnchorSupport(cfg, best, d.Gap):
			d.Action = ActionCommit
			d.Reason = fmt.Sprintf("uncertain with %d supporting anchors", best.Supporting)
		case best.SameSession && atLeast(best.Boosted, cfg.SafeSame):
			d.Action = ActionCommit
			d.Reason = "uncertain lifted by session boost"
		default:
			d.Action = ActionDefer
			d.Reason = "uncertain, insufficient evidence"
		}
	case ZoneSafeDifferent:
		if face.Eligibility.CanFoundCluster() {
			d.Action = ActionNewCluster
			d.ClusterID = ""
			d.Reason = "safe_different"
		} else {
			d.Action = ActionDefer
			d.Reason = "safe_different, face cannot found a cluster"
		}
	}
	return d
}

// DecideDeferred runs the Pass 2 (controlled recall) decision for a deferred
// face. It commits on SAFE_SAME, on anchor support with a gap, or on a strong
// gap above the cluster's acceptance threshold. When expired is true the face
// is resolved now: assigned to the best candidate if it clears the forced
// threshold and minimum gap, otherwise moved to a new cluster (eligible
// faces) or released as unclustered.
func DecideDeferred(cfg Config, face Face, candidates []Evidence, expired bool) Decision {
	ranked := rankedCopy(cfg, candidates)
	if len(ranked) == 0 {
		return noCandidate(face, expired)
	}

	best := ranked[0]
	if cfg.Mode == ModeLegacy || best.CentroidOnly {
		d := DecideLegacy(cfg, face, ranked)
		if d.Action == ActionDefer && expired {
			return forceResolve(cfg, face, ranked, d)
		}
		return d
	}

	d := baseDecision(cfg, ranked)
	switch {
	case d.Zone == ZoneSafeSame:
		d.Action = ActionCommit
		d.Reason = "safe_same"
		return d
	case d.Zone == ZoneUncertain && !clearsAcceptance(cfg, best):
		// falls through to deferral or forced resolution
	case d.Zone == ZoneUncertain && hasAnchorSupport(cfg, best, d.Gap):
		d.Action = ActionCommit
		d.Reason = fmt.Sprintf("deferred face now has %d supporting anchors", best.Supporting)
		return d
	case d.Zone == ZoneUncertain && best.SameSession && atLeast(best.Boosted, cfg.SafeSame):
		d.Action = ActionCommit
		d.Reason = "uncertain lifted by session boost"
		return d
	case d.Zone == ZoneUncertain && atLeast(d.Gap, cfg.StrongGap) &&
		atLeast(best.Best, AcceptanceThreshold(cfg, best.Stats, best.FaceCount, uncertainMidpoint(cfg))):
		d.Action = ActionCommit
		d.Reason = "strong gap above adaptive threshold"
		return d
	}

	if expired {
		return forceResolve(cfg, face, ranked, d)
	}
	d.Action = ActionDefer
	d.Reason = "still uncertain"
	return d
}

// forceResolve settles a face whose deferral expired. A forced assignment
// still needs the uncertain zone, the cluster's acceptance threshold over
// SAFE_DIFFERENT and a minimum gap, so time pressure alone never joins a
// face to a cluster it is dissimilar to.
func forceResolve(cfg Config, face Face, ranked []Evidence, d Decision) Decision {
	best := ranked[0]
	d.Forced = true

	threshold := AcceptanceThreshold(cfg, best.Stats, best.FaceCount, cfg.SafeDifferent)
	if cfg.Classify(best.Best) != ZoneSafeDifferent && atLeast(best.Best, threshold) && atLeast(d.Gap, cfg.ForcedMinGap) {
		d.Action = ActionCommit
		d.ClusterID = best.ClusterID
		d.UpdateCentroid = face.Quality >= cfg.MinCentroidUpdateQuality
		d.Reason = fmt.Sprintf("deferral expired, best %.3f over threshold %.3f", best.Best, threshold)
		return d
	}

	d.ClusterID = ""
	if face.Eligibility.CanFoundCluster() {
		d.Action = ActionNewCluster
		d.Reason = "deferral expired, no acceptable candidate"
	} else {
		d.Action = ActionRelease
		d.Reason = "deferral expired, face cannot found a cluster"
	}
	return d
}

func noCandidate(face Face, expired bool) Decision {
	d := Decision{Zone: ZoneSafeDifferent, Confidence: ConfidenceNewCluster, Forced: expired}
	switch {
	case face.Eligibility.CanFoundCluster():
		d.Action = ActionNewCluster
		d.Reason = "no candidate clusters"
	case expired:
		d.Action = ActionRelease
		d.Reason = "deferral expired without candidates"
	default:
		d.Action = ActionDefer
		d.Reason = "no candidate clusters, face cannot found a cluster"
	}
	return d
}

func baseDecision(cfg Config, ranked []Evidence) Decision {
	best := ranked[0]
	return Decision{
		ClusterID:      best.ClusterID,
		Zone:           cfg.Classify(best.Best),
		Similarity:     best.Best,
		Gap:            evidenceGap(ranked),
		Supporting:     best.Supporting,
		UpdateCentroid: true,
	}
}

func hasAnchorSupport(cfg Config, best Evidence, gap float64) bool {
	return best.Supporting >= cfg.MinSupportingAnchors && atLeast(gap, cfg.MinEvidenceGap)
}

// clearsAcceptance reports whether the best raw similarity reaches the
// cluster's own acceptance threshold. Clusters with statistics use their
// adaptive threshold; young clusters ask for more.
func clearsAcceptance(cfg Config, best Evidence) bool {
	return atLeast(best.Best, AcceptanceThreshold(cfg, best.Stats, best.FaceCount, cfg.SafeDifferent))
}

func uncertainMidpoint(cfg Config) float64 {
	return cfg.SafeDifferent + (cfg.SafeSame-cfg.SafeDifferent)/2
}

func rankedCopy(cfg Config, candidates []Evidence) []Evidence {
	ranked := make([]Evidence, len(candidates))
	copy(ranked, candidates)
	RankEvidence(cfg, ranked)
	return ranked
}
