package identity

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/kozaktomas/face-clusterer/internal/clusterindex"
	"github.com/kozaktomas/face-clusterer/internal/clustering"
	"github.com/kozaktomas/face-clusterer/internal/consolidate"
	"github.com/kozaktomas/face-clusterer/internal/database"
	"github.com/kozaktomas/face-clusterer/internal/facematch"
	"github.com/kozaktomas/face-clusterer/internal/logging"
)

// RefineReport summarizes a refinement run.
type RefineReport struct {
	Resolved []clustering.Outcome
	Pending  int
	Plan     consolidate.Plan
	Merged   []MergeResult
	// Skipped merge sets, e.g. because of a cannot-link conflict.
	Skipped int
}

// MergeResult describes one executed merge.
type MergeResult struct {
	Target     string
	Sources    []string
	FacesMoved int
	FaceCount  int
	Anchors    int
	// Methods that proposed the merge; empty for manual merges.
	Methods []consolidate.Method
}

// Refine runs Pass 2 over the deferral buffer, proposes merges with the
// direct, cross-pose, transitive and label propagation passes, executes them and saves the
// index snapshot.
func (s *Service) Refine(ctx context.Context) (*RefineReport, error) {
	s.refine.Lock()
	defer s.refine.Unlock()
	return s.refineLocked(ctx, false)
}

// Finalize is Refine with every deferred face forced to a decision.
func (s *Service) Finalize(ctx context.Context) (*RefineReport, error) {
	s.refine.Lock()
	defer s.refine.Unlock()

	report, err := s.refineLocked(ctx, true)
	if err != nil {
		return report, err
	}
	if err := s.stager.Flush(ctx); err != nil {
		return report, err
	}
	s.log.WithFields(logging.Fields{
		"resolved": len(report.Resolved),
		"merged":   len(report.Merged),
		"clusters": s.pipeline.ClusterCount(),
	}).Info("clustering finalized")
	return report, nil
}

func (s *Service) refineLocked(ctx context.Context, force bool) (*RefineReport, error) {
	report := &RefineReport{}

	if err := s.stager.Flush(ctx); err != nil {
		return report, err
	}
	resolved, err := s.pipeline.ResolveDeferred(ctx, force)
	report.Resolved = resolved
	if err != nil {
		return report, fmt.Errorf("resolving deferred faces: %w", err)
	}
	report.Pending = s.pipeline.Pending()
	if err := s.stager.Flush(ctx); err != nil {
		return report, err
	}

	in, err := s.consolidationInput(ctx)
	if err != nil {
		return report, err
	}
	report.Plan = consolidate.ProposeMerges(s.cfg.Consolidate, in)

	for _, set := range report.Plan.Sets {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res, err := s.merge(ctx, set.Target, set.Sources)
		if errors.Is(err, ErrConstraintConflict) || errors.Is(err, database.ErrNotFound) {
			s.log.WithError(err).WithField("target", set.Target).Warn("merge skipped")
			report.Skipped++
			continue
		}
		if err != nil {
			return report, err
		}
		res.Methods = set.Methods
		report.Merged = append(report.Merged, *res)
	}

	if len(report.Merged) > 0 {
		if err := s.reload(ctx); err != nil {
			return report, err
		}
	}
	if err := s.index.Save(); err != nil {
		return report, fmt.Errorf("saving cluster index: %w", err)
	}

	s.log.WithFields(logging.Fields{
		"resolved": len(report.Resolved),
		"pending":  report.Pending,
		"links":    report.Plan.Links,
		"vetoed":   report.Plan.Vetoed,
		"merged":   len(report.Merged),
		"skipped":  report.Skipped,
	}).Info("refinement done")
	return report, nil
}

// consolidationInput snapshots the cluster graph. Cluster pairs come from
// the index; face edges come from the face-level kNN graph.
func (s *Service) consolidationInput(ctx context.Context) (consolidate.Input, error) {
	in := consolidate.Input{
		Profiles:   s.pipeline.Profiles(),
		Members:    s.pipeline.Members(),
		CannotLink: s.pipeline.CannotLink(),
		Pairs:      [][2]string{},
	}

	minSim := s.cfg.Consolidate.Match.TransitiveThreshold
	for _, p := range in.Profiles {
		matches, err := s.index.FindMergeCandidates(p.ID, minSim)
		if err != nil {
			return in, fmt.Errorf("finding merge candidates of %s: %w", p.ID, err)
		}
		for _, m := range matches {
			in.Pairs = append(in.Pairs, [2]string{p.ID, m.ClusterID})
		}
	}

	faces, err := s.store.GetFacesByStatus(ctx, database.FaceStatusClustered)
	if err != nil {
		return in, fmt.Errorf("listing clustered faces: %w", err)
	}
	in.Faces = make([]consolidate.Node[int64], 0, len(faces))
	for _, f := range faces {
		in.Faces = append(in.Faces, consolidate.Node[int64]{ID: f.ID, Group: f.PhotoUID})
	}
	for _, e := range s.faces.Edges(s.cfg.Consolidate.FaceNeighbors, s.cfg.Consolidate.PropagationThreshold) {
		in.FaceEdges = append(in.FaceEdges, consolidate.Edge[int64]{A: e.A, B: e.B, Similarity: e.Similarity})
	}
	return in, nil
}

// MergeClusters folds sources into target in one transaction: faces move,
// the anchor set, centroid and statistics are recomputed and the sources are
// deleted. The index is updated after the commit.
func (s *Service) MergeClusters(ctx context.Context, target string, sources []string) (*MergeResult, error) {
	s.refine.Lock()
	defer s.refine.Unlock()

	if err := s.stager.Flush(ctx); err != nil {
		return nil, err
	}
	res, err := s.merge(ctx, target, sources)
	if err != nil {
		return nil, err
	}
	if err := s.reload(ctx); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Service) merge(ctx context.Context, target string, sources []string) (*MergeResult, error) {
	sources = slices.DeleteFunc(slices.Clone(sources), func(id string) bool { return id == target })
	slices.Sort(sources)
	sources = slices.Compact(sources)
	if target == "" || len(sources) == 0 {
		return nil, errors.New("merge needs a target and at least one other source cluster")
	}

	members := s.pipeline.Members()
	var sourceFaces []int64
	for _, id := range sources {
		sourceFaces = append(sourceFaces, members[id]...)
	}
	if facematch.ClustersConflict(s.pipeline.CannotLink(), members[target], sourceFaces) {
		return nil, fmt.Errorf("merging %v into %s: %w", sources, target, ErrConstraintConflict)
	}

	res := &MergeResult{Target: target, Sources: sources}
	var cluster database.Cluster
	var anchors []facematch.Anchor

	err := s.stager.Exec(ctx, func(tx database.Store) error {
		tgt, err := tx.GetCluster(ctx, target)
		if err != nil {
			return fmt.Errorf("target cluster %s: %w", target, err)
		}
		candidates, err := tx.GetAnchors(ctx, target)
		if err != nil {
			return err
		}
		srcClusters := make([]*database.Cluster, 0, len(sources))
		for _, id := range sources {
			src, err := tx.GetCluster(ctx, id)
			if err != nil {
				return fmt.Errorf("source cluster %s: %w", id, err)
			}
			srcClusters = append(srcClusters, src)
			a, err := tx.GetAnchors(ctx, id)
			if err != nil {
				return err
			}
			candidates = append(candidates, a...)
		}

		if res.FacesMoved, err = tx.ReassignFaces(ctx, target, sources); err != nil {
			return fmt.Errorf("moving faces: %w", err)
		}
		faces, err := tx.GetFacesByCluster(ctx, target)
		if err != nil {
			return err
		}

		cluster = *tgt
		cluster.FaceCount = len(faces)
		if centroid, weight := recomputeCentroid(faces); centroid != nil {
			cluster.Centroid, cluster.CentroidWeight = centroid, weight
		}
		anchors = s.combineAnchors(candidates)

		stored := make([]database.StoredAnchor, len(anchors))
		for i, a := range anchors {
			stored[i] = database.StoredAnchorFrom(target, a)
		}
		if err := tx.SaveAnchors(ctx, target, stored); err != nil {
			return err
		}
		stats := database.ClusterStatistics{ClusterID: target, Statistics: facematch.ComputeStatistics(anchors)}
		if err := tx.SaveStatistics(ctx, stats); err != nil {
			return err
		}
		if err := tx.UpdateCluster(ctx, cluster); err != nil {
			return err
		}

		for _, src := range srcClusters {
			if err := tx.DeleteCluster(ctx, src.ID); err != nil {
				return err
			}
			if err := s.retirePerson(ctx, tx, tgt.PersonID, src.PersonID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("merging %v into %s: %w", sources, target, err)
	}

	for _, id := range sources {
		s.index.RemoveCluster(id)
	}
	s.index.RemoveCluster(target)
	if err := s.indexEntry(indexEntryOf(cluster, anchors)); err != nil {
		return nil, fmt.Errorf("re-indexing cluster %s: %w", target, err)
	}

	res.FaceCount = cluster.FaceCount
	res.Anchors = len(anchors)
	s.log.WithFields(logging.Fields{
		"target":  target,
		"sources": sources,
		"moved":   res.FacesMoved,
		"anchors": res.Anchors,
	}).Info("clusters merged")
	return res, nil
}

// retirePerson deletes the person of a merged-away cluster. A name it
// carried moves to the target person when that one is still unnamed.
func (s *Service) retirePerson(ctx context.Context, tx database.Store, targetID, sourceID string) error {
	if sourceID == "" || sourceID == targetID {
		return nil
	}
	src, err := tx.GetPerson(ctx, sourceID)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if src.Name != "" && targetID != "" {
		tgt, err := tx.GetPerson(ctx, targetID)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return err
		}
		if err == nil && tgt.Name == "" {
			if err := tx.RenamePerson(ctx, targetID, src.Name); err != nil {
				return err
			}
		}
	}
	return tx.DeletePerson(ctx, sourceID)
}

// combineAnchors re-runs anchor selection over the union of both anchor
// sets, best quality first.
func (s *Service) combineAnchors(candidates []database.StoredAnchor) []facematch.Anchor {
	candidates = slices.DeleteFunc(candidates, func(a database.StoredAnchor) bool { return !a.Active })
	slices.SortStableFunc(candidates, func(a, b database.StoredAnchor) int {
		if c := cmp.Compare(b.Quality, a.Quality); c != 0 {
			return c
		}
		return cmp.Compare(a.FaceID, b.FaceID)
	})

	var current []facematch.Anchor
	for _, c := range candidates {
		if upd := facematch.SelectAnchors(s.cfg.Pipeline.Match, current, c.Anchor()); upd.Changed {
			current = upd.Anchors
		}
	}
	return current
}

// recomputeCentroid rebuilds the quality-weighted running average from
// every member face, in id order.
func recomputeCentroid(faces []database.StoredFace) ([]float32, float64) {
	ordered := slices.Clone(faces)
	slices.SortFunc(ordered, func(a, b database.StoredFace) int { return cmp.Compare(a.ID, b.ID) })

	var centroid []float32
	var weight float64
	for _, f := range ordered {
		if len(f.Embedding) == 0 {
			continue
		}
		if len(centroid) > 0 && len(f.Embedding) != len(centroid) {
			continue
		}
		if c, w := facematch.UpdateCentroid(centroid, weight, f.Embedding, f.Quality); c != nil {
			centroid, weight = c, w
		}
	}
	return centroid, weight
}

func indexEntryOf(c database.Cluster, anchors []facematch.Anchor) clusterindex.Entry {
	e := clusterindex.Entry{ClusterID: c.ID, Centroid: c.Centroid}
	for _, a := range anchors {
		e.Anchors = append(e.Anchors, clusterindex.AnchorEntry{FaceID: a.FaceID, Embedding: a.Embedding})
	}
	return e
}

// reload re-reads the persisted state into the pipeline and the face graph.
func (s *Service) reload(ctx context.Context) error {
	st, err := s.loadState(ctx)
	if err != nil {
		return err
	}
	s.pipeline.Load(st)
	return s.buildFaceIndex(ctx)
}
