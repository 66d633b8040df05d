package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/afero"

	"github.com/kozaktomas/face-clusterer/internal/clusterindex"
	"github.com/kozaktomas/face-clusterer/internal/config"
	"github.com/kozaktomas/face-clusterer/internal/database/postgres"
	"github.com/kozaktomas/face-clusterer/internal/embedder"
	"github.com/kozaktomas/face-clusterer/internal/identity"
	"github.com/kozaktomas/face-clusterer/internal/logging"
)

// session is an opened identity service plus what is needed to shut it down.
type session struct {
	cfg *config.Config
	svc *identity.Service
}

// openSession loads configuration, connects to PostgreSQL and starts the
// identity service. withDetector attaches the embedding server client.
func openSession(ctx context.Context, withDetector bool) (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if cfg.Database.URL == "" {
		return nil, errors.New("DATABASE_URL environment variable is required")
	}
	if err := postgres.Initialize(&cfg.Database); err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	store := postgres.New(postgres.GetGlobalPool())

	var detector identity.Detector
	if withDetector {
		if cfg.Embedding.URL == "" {
			return nil, errors.New("EMBEDDING_URL environment variable is required")
		}
		detector = embedder.NewClient(cfg.Embedding.URL, cfg.Embedding.Timeout)
	}

	index := clusterindex.New(afero.NewOsFs(), cfg.Index.Path, cfg.Embedding.Dim, cfg.Clustering.Index)
	svc := identity.New(identity.Config{
		Pipeline:    cfg.Clustering.Pipeline,
		Consolidate: cfg.Clustering.Consolidate,
		Staging:     cfg.Clustering.Staging,
	}, store, index, detector)

	report, err := svc.Start(ctx)
	if err != nil {
		postgres.GetGlobalPool().Close()
		return nil, fmt.Errorf("starting identity service: %w", err)
	}
	if report.Rebuilt {
		logging.Logger.WithField("clusters", report.Clusters).Info("cluster index rebuilt from database")
	}
	return &session{cfg: cfg, svc: svc}, nil
}

// Close flushes staged writes, saves the index snapshot and closes the pool.
func (s *session) Close(ctx context.Context) error {
	err := s.svc.Close(ctx)
	if pool := postgres.GetGlobalPool(); pool != nil {
		pool.Close()
	}
	return err
}
