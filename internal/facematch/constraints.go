package facematch

// ConstraintView is a read-only view of pairwise face constraints and the
// current face-to-cluster assignment.
type ConstraintView struct {
	CannotLink  map[int64][]int64
	MustLink    map[int64][]int64
	FaceCluster map[int64]string
}

// BlockedClusters returns every cluster holding a face that faceID must not
// be linked with.
func (v ConstraintView) BlockedClusters(faceID int64) map[string]struct{} {
	blocked := make(map[string]struct{})
	for _, other := range v.CannotLink[faceID] {
		if cid, ok := v.FaceCluster[other]; ok && cid != "" {
			blocked[cid] = struct{}{}
		}
	}
	return blocked
}

// MustLinkCluster returns the cluster of a must-link partner of faceID that
// is not blocked by a cannot-link constraint. conflict is true when a
// partner's cluster exists but is blocked.
func (v ConstraintView) MustLinkCluster(faceID int64, blocked map[string]struct{}) (clusterID string, conflict bool) {
	for _, other := range v.MustLink[faceID] {
		cid, ok := v.FaceCluster[other]
		if !ok || cid == "" {
			continue
		}
		if _, isBlocked := blocked[cid]; isBlocked {
			conflict = true
			continue
		}
		return cid, false
	}
	return "", conflict
}

// ExcludeBlocked drops candidates whose cluster is blocked and returns the
// remaining evidence plus the ids that were removed.
func ExcludeBlocked(candidates []Evidence, blocked map[string]struct{}) (kept []Evidence, excluded []string) {
	if len(blocked) == 0 {
		return candidates, nil
	}
	kept = make([]Evidence, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := blocked[c.ClusterID]; ok {
			excluded = append(excluded, c.ClusterID)
			continue
		}
		kept = append(kept, c)
	}
	return kept, excluded
}

// SamePhotoPairs returns every unordered pair of face ids, normalized so
// that the first id is smaller. Faces in one photo are never the same person.
func SamePhotoPairs(faceIDs []int64) [][2]int64 {
	pairs := make([][2]int64, 0, len(faceIDs)*(len(faceIDs)-1)/2)
	for i := 0; i < len(faceIDs); i++ {
		for j := i + 1; j < len(faceIDs); j++ {
			a, b := faceIDs[i], faceIDs[j]
			if a == b {
				continue
			}
			if a > b {
				a, b = b, a
			}
			pairs = append(pairs, [2]int64{a, b})
		}
	}
	return pairs
}

// ClustersConflict reports whether merging two clusters, given as their
// member face ids, would put two cannot-linked faces together.
func ClustersConflict(cannotLink map[int64][]int64, a, b []int64) bool {
	inB := make(map[int64]struct{}, len(b))
	for _, id := range b {
		inB[id] = struct{}{}
	}
	for _, id := range a {
		for _, other := range cannotLink[id] {
			if _, ok := inB[other]; ok {
				return true
			}
		}
	}
	return false
}
