// Package identity sequences face detection, the two-pass clustering
// pipeline and graph consolidation against the persistence layer. It owns
// the staging buffer and the locking discipline between per-photo
// processing and refinement.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kozaktomas/face-clusterer/internal/clusterindex"
	"github.com/kozaktomas/face-clusterer/internal/clustering"
	"github.com/kozaktomas/face-clusterer/internal/consolidate"
	"github.com/kozaktomas/face-clusterer/internal/database"
	"github.com/kozaktomas/face-clusterer/internal/embedder"
	"github.com/kozaktomas/face-clusterer/internal/logging"
)

// ErrConstraintConflict is returned when a merge would put two cannot-linked
// faces into one cluster.
var ErrConstraintConflict = errors.New("merge violates a cannot-link constraint")

// Detector finds faces in a photo and embeds them.
type Detector interface {
	DetectFaces(ctx context.Context, imageData []byte) (*embedder.FaceResponse, error)
}

// Config groups the settings of every stage.
type Config struct {
	Pipeline    clustering.Config
	Consolidate consolidate.Config
	Staging     StagingConfig
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Pipeline:    clustering.DefaultConfig(),
		Consolidate: consolidate.DefaultConfig(),
		Staging:     DefaultStagingConfig(),
	}
}

// Service is the orchestration layer. Per-photo processing holds the refine
// lock shared; refinement, merges and index rebuilds hold it exclusively so
// they never see a half-updated cluster graph.
type Service struct {
	cfg      Config
	store    database.Store
	index    *clusterindex.Index
	faces    *database.FaceIndex
	detector Detector
	pipeline *clustering.Pipeline
	stager   *Stager

	refine sync.RWMutex
	log    *logrus.Entry
}

// New wires a service. detector may be nil when only ProcessDetections is used.
func New(cfg Config, store database.Store, index *clusterindex.Index, detector Detector) *Service {
	stager := NewStager(store, cfg.Staging)
	return &Service{
		cfg:      cfg,
		store:    store,
		index:    index,
		faces:    database.NewFaceIndex(),
		detector: detector,
		pipeline: clustering.New(cfg.Pipeline, index, stager),
		stager:   stager,
		log:      logging.Component("identity"),
	}
}

// Pipeline exposes the clustering pipeline, mainly for clock and id injection.
func (s *Service) Pipeline() *clustering.Pipeline {
	return s.pipeline
}

// Stager exposes the staging buffer.
func (s *Service) Stager() *Stager {
	return s.stager
}

// Run flushes the staging buffer in the background until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	return s.stager.Run(ctx)
}

// StartReport describes how the in-memory state was restored.
type StartReport struct {
	Clusters int
	Restored int

	// Rebuilt is set when the index was rebuilt from persisted clusters.
	Rebuilt   bool
	Patched   bool
	Integrity clusterindex.IntegrityReport
}

// Start loads the index snapshot, reconciles it with the persisted clusters,
// loads the pipeline state and puts faces left pending by an earlier run
// back into the deferral buffer.
func (s *Service) Start(ctx context.Context) (*StartReport, error) {
	s.refine.Lock()
	defer s.refine.Unlock()

	st, err := s.loadState(ctx)
	if err != nil {
		return nil, err
	}

	report := &StartReport{Clusters: len(st.Clusters)}
	rebuild := false
	if err := s.index.Load(); err != nil {
		if !errors.Is(err, clusterindex.ErrNoSnapshot) {
			s.log.WithError(err).Warn("index snapshot unusable, rebuilding")
		}
		rebuild = true
	}

	if !rebuild {
		ids := make([]string, len(st.Clusters))
		for i, c := range st.Clusters {
			ids[i] = c.ID
		}
		report.Integrity = s.index.VerifyIntegrity(ids)
		switch {
		case report.Integrity.NeedsRebuild:
			rebuild = true
		case !report.Integrity.OK():
			if err := s.patchIndex(st, report.Integrity); err != nil {
				return nil, err
			}
			report.Patched = true
		}
	}
	if rebuild {
		if err := s.index.Rebuild(st.IndexEntries()); err != nil {
			return nil, fmt.Errorf("rebuilding cluster index: %w", err)
		}
		report.Rebuilt = true
	}

	s.pipeline.Load(st)
	if err := s.buildFaceIndex(ctx); err != nil {
		return nil, err
	}

	pending, err := s.store.GetFacesByStatus(ctx, database.FaceStatusPending)
	if err != nil {
		return nil, fmt.Errorf("listing pending faces: %w", err)
	}
	report.Restored = s.pipeline.Restore(pending)

	s.log.WithFields(logging.Fields{
		"clusters": report.Clusters,
		"rebuilt":  report.Rebuilt,
		"patched":  report.Patched,
		"restored": report.Restored,
	}).Info("identity service started")
	return report, nil
}

// patchIndex removes orphaned clusters and adds missing ones.
func (s *Service) patchIndex(st clustering.State, report clusterindex.IntegrityReport) error {
	s.index.RemoveOrphans(report.Orphaned)

	missing := make(map[string]struct{}, len(report.Missing))
	for _, id := range report.Missing {
		missing[id] = struct{}{}
	}
	for _, e := range st.IndexEntries() {
		if _, ok := missing[e.ClusterID]; !ok {
			continue
		}
		if err := s.indexEntry(e); err != nil {
			return err
		}
	}
	s.log.WithFields(logging.Fields{
		"orphaned": len(report.Orphaned),
		"missing":  len(report.Missing),
	}).Info("cluster index patched")
	return nil
}

func (s *Service) indexEntry(e clusterindex.Entry) error {
	if len(e.Centroid) > 0 {
		if err := s.index.AddCluster(e.ClusterID, e.Centroid); err != nil {
			return err
		}
	}
	for _, a := range e.Anchors {
		if err := s.index.AddAnchor(e.ClusterID, a.FaceID, a.Embedding); err != nil {
			return err
		}
	}
	return nil
}

// loadState reads everything the pipeline needs from the store.
func (s *Service) loadState(ctx context.Context) (clustering.State, error) {
	var st clustering.State
	var err error

	if st.Clusters, err = s.store.ListClusters(ctx); err != nil {
		return st, fmt.Errorf("listing clusters: %w", err)
	}
	if st.Anchors, err = s.store.ListAnchors(ctx); err != nil {
		return st, fmt.Errorf("listing anchors: %w", err)
	}
	if st.Statistics, err = s.store.ListStatistics(ctx); err != nil {
		return st, fmt.Errorf("listing statistics: %w", err)
	}
	if st.Members, err = s.store.GetFacesByStatus(ctx, database.FaceStatusClustered); err != nil {
		return st, fmt.Errorf("listing clustered faces: %w", err)
	}
	if st.Constraints, err = s.store.ListConstraints(ctx); err != nil {
		return st, fmt.Errorf("listing constraints: %w", err)
	}
	return st, nil
}

func (s *Service) buildFaceIndex(ctx context.Context) error {
	faces, err := s.store.ListClusterableFaces(ctx)
	if err != nil {
		return fmt.Errorf("listing clusterable faces: %w", err)
	}
	if skipped := s.faces.Build(faces); len(skipped) > 0 {
		s.log.WithFields(logging.Fields{
			"skipped": len(skipped),
			"indexed": s.faces.Len(),
		}).Warn("faces with a foreign embedding dimension left out of the face index")
	}
	return nil
}

// VerifyIndex compares the cluster index against persisted cluster ids.
func (s *Service) VerifyIndex(ctx context.Context) (clusterindex.IntegrityReport, error) {
	s.refine.RLock()
	defer s.refine.RUnlock()

	if err := s.stager.Flush(ctx); err != nil {
		return clusterindex.IntegrityReport{}, err
	}
	ids, err := s.store.ClusterIDs(ctx)
	if err != nil {
		return clusterindex.IntegrityReport{}, fmt.Errorf("listing cluster ids: %w", err)
	}
	return s.index.VerifyIntegrity(ids), nil
}

// RebuildIndex rebuilds the cluster index and the face graph from the store
// and saves a fresh snapshot. It returns the number of indexed clusters.
func (s *Service) RebuildIndex(ctx context.Context) (int, error) {
	s.refine.Lock()
	defer s.refine.Unlock()

	if err := s.stager.Flush(ctx); err != nil {
		return 0, err
	}
	st, err := s.loadState(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.index.Rebuild(st.IndexEntries()); err != nil {
		return 0, fmt.Errorf("rebuilding cluster index: %w", err)
	}
	s.pipeline.Load(st)
	if err := s.buildFaceIndex(ctx); err != nil {
		return 0, err
	}
	if err := s.index.Save(); err != nil {
		return 0, fmt.Errorf("saving cluster index: %w", err)
	}
	return s.index.Size(), nil
}

// Close flushes pending writes and saves the index snapshot.
func (s *Service) Close(ctx context.Context) error {
	s.refine.Lock()
	defer s.refine.Unlock()

	if err := s.stager.Flush(ctx); err != nil {
		return err
	}
	if err := s.index.Save(); err != nil {
		return fmt.Errorf("saving cluster index: %w", err)
	}
	return nil
}

// RenamePerson sets the display name of a person.
func (s *Service) RenamePerson(ctx context.Context, personID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("person name must not be empty")
	}
	if err := s.stager.Flush(ctx); err != nil {
		return err
	}
	if err := s.store.RenamePerson(ctx, personID, name); err != nil {
		return fmt.Errorf("renaming person %s: %w", personID, err)
	}
	s.log.WithFields(logging.Fields{"person_id": personID, "name": name}).Info("person renamed")
	return nil
}

// FindPersons matches persons by name, ignoring case and diacritics.
func (s *Service) FindPersons(ctx context.Context, name string) ([]database.Person, error) {
	if err := s.stager.Flush(ctx); err != nil {
		return nil, err
	}
	return s.store.FindPersons(ctx, name)
}

// ClusterSummaries lists clusters largest first.
func (s *Service) ClusterSummaries(ctx context.Context) ([]database.ClusterSummary, error) {
	if err := s.stager.Flush(ctx); err != nil {
		return nil, err
	}
	return s.store.ClusterSummaries(ctx)
}
