package identity

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kozaktomas/face-clusterer/internal/clustering"
	"github.com/kozaktomas/face-clusterer/internal/database"
	"github.com/kozaktomas/face-clusterer/internal/facematch"
	"github.com/kozaktomas/face-clusterer/internal/logging"
)

// StagingConfig bounds the write-behind buffer. An operation that fails
// MaxAttempts flushes in a row is dropped.
type StagingConfig struct {
	MaxOps      int           `yaml:"max_ops" validate:"gte=1,lte=10000"`
	Interval    time.Duration `yaml:"interval" validate:"gt=0s"`
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=1,lte=100"`
}

// DefaultStagingConfig returns the production defaults.
func DefaultStagingConfig() StagingConfig {
	return StagingConfig{MaxOps: 64, Interval: 5 * time.Second, MaxAttempts: 3}
}

type op struct {
	name     string
	run      func(ctx context.Context, tx database.Store) error
	attempts int
}

// Stager queues pipeline mutations and writes them in one transaction per
// flush. Queueing never touches the store, so it is safe under the pipeline
// lock.
type Stager struct {
	store database.Store
	cfg   StagingConfig

	mu  sync.Mutex
	ops []op

	// flushMu serializes every transaction issued through the stager.
	flushMu sync.Mutex
	full    chan struct{}
	log     *logrus.Entry
}

// NewStager creates an empty staging buffer in front of store.
func NewStager(store database.Store, cfg StagingConfig) *Stager {
	if cfg.MaxOps <= 0 {
		cfg.MaxOps = DefaultStagingConfig().MaxOps
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultStagingConfig().Interval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultStagingConfig().MaxAttempts
	}
	return &Stager{
		store: store,
		cfg:   cfg,
		full:  make(chan struct{}, 1),
		log:   logging.Component("staging"),
	}
}

// Len returns the number of queued operations.
func (s *Stager) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ops)
}

func (s *Stager) enqueue(name string, run func(ctx context.Context, tx database.Store) error) {
	s.mu.Lock()
	s.ops = append(s.ops, op{name: name, run: run})
	n := len(s.ops)
	s.mu.Unlock()

	if n >= s.cfg.MaxOps {
		select {
		case s.full <- struct{}{}:
		default:
		}
	}
}

// Flush writes every queued operation in one transaction. When that fails,
// the operations are retried one transaction each, in order. Those that
// still fail go back in front of operations queued meanwhile, or are dropped
// once they reach MaxAttempts.
func (s *Stager) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return s.flushLocked(ctx)
}

// MaybeFlush flushes when the buffer reached its size bound.
func (s *Stager) MaybeFlush(ctx context.Context) error {
	if s.Len() < s.cfg.MaxOps {
		return nil
	}
	return s.Flush(ctx)
}

func (s *Stager) flushLocked(ctx context.Context) error {
	s.mu.Lock()
	batch := s.ops
	s.ops = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	err := s.store.WithTx(ctx, func(tx database.Store) error {
		for i, o := range batch {
			if err := o.run(ctx, tx); err != nil {
				return fmt.Errorf("staged op %d (%s): %w", i, o.name, err)
			}
		}
		return nil
	})
	if err == nil {
		s.log.WithFields(logging.Fields{
			"ops":      len(batch),
			"duration": time.Since(start).String(),
		}).Debug("staged writes flushed")
		return nil
	}
	if ctx.Err() != nil {
		s.requeue(batch)
		return fmt.Errorf("flushing staged writes: %w", err)
	}

	s.log.WithError(err).WithField("ops", len(batch)).Warn("flush failed, retrying ops one by one")
	var retry []op
	var dropped int
	for i := range batch {
		o := batch[i]
		if ctx.Err() != nil {
			retry = append(retry, batch[i:]...)
			break
		}
		opErr := s.store.WithTx(ctx, func(tx database.Store) error { return o.run(ctx, tx) })
		if opErr == nil {
			continue
		}
		o.attempts++
		if o.attempts >= s.cfg.MaxAttempts {
			dropped++
			s.log.WithError(opErr).WithFields(logging.Fields{
				"op":       o.name,
				"attempts": o.attempts,
			}).Error("staged op dropped")
			continue
		}
		retry = append(retry, o)
	}
	s.requeue(retry)
	return fmt.Errorf("flushing staged writes: %d ops re-queued, %d dropped: %w", len(retry), dropped, err)
}

func (s *Stager) requeue(ops []op) {
	if len(ops) == 0 {
		return
	}
	s.mu.Lock()
	s.ops = append(slices.Clone(ops), s.ops...)
	s.mu.Unlock()
}

// Exec runs fn in its own transaction, serialized with flushes.
func (s *Stager) Exec(ctx context.Context, fn func(tx database.Store) error) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return s.store.WithTx(ctx, fn)
}

// Run flushes every Interval and whenever the size bound is hit, until ctx
// is done. A last flush is attempted on the way out.
func (s *Stager) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.Flush(context.WithoutCancel(ctx)); err != nil {
				s.log.WithError(err).Error("final flush failed")
			}
			return ctx.Err()
		case <-ticker.C:
		case <-s.full:
		}
		if err := s.Flush(ctx); err != nil {
			s.log.WithError(err).Warn("background flush failed")
		}
	}
}

// CreateCluster queues the person, the cluster, the founding assignment and
// the first anchor as one unit.
func (s *Stager) CreateCluster(_ context.Context, c clustering.NewCluster) error {
	s.enqueue("create cluster", func(ctx context.Context, tx database.Store) error {
		if err := tx.CreatePerson(ctx, database.Person{ID: c.PersonID}); err != nil {
			return err
		}
		err := tx.CreateCluster(ctx, database.Cluster{
			ID:             c.ClusterID,
			PersonID:       c.PersonID,
			Centroid:       c.Centroid,
			CentroidWeight: c.CentroidWeight,
			FaceCount:      1,
		})
		if err != nil {
			return err
		}
		if err := tx.AssignFace(ctx, c.FaceID, c.ClusterID, database.FaceStatusClustered); err != nil {
			return err
		}
		if c.Anchor == nil {
			return nil
		}
		return tx.SaveAnchors(ctx, c.ClusterID, []database.StoredAnchor{database.StoredAnchorFrom(c.ClusterID, *c.Anchor)})
	})
	return nil
}

func (s *Stager) AssignFace(_ context.Context, faceID int64, clusterID string, status database.FaceStatus) error {
	s.enqueue("assign face", func(ctx context.Context, tx database.Store) error {
		return tx.AssignFace(ctx, faceID, clusterID, status)
	})
	return nil
}

func (s *Stager) SaveAnchors(_ context.Context, clusterID string, anchors []facematch.Anchor) error {
	stored := make([]database.StoredAnchor, len(anchors))
	for i, a := range anchors {
		stored[i] = database.StoredAnchorFrom(clusterID, a)
	}
	s.enqueue("save anchors", func(ctx context.Context, tx database.Store) error {
		return tx.SaveAnchors(ctx, clusterID, stored)
	})
	return nil
}

func (s *Stager) SaveStatistics(_ context.Context, clusterID string, stats facematch.Statistics) error {
	s.enqueue("save statistics", func(ctx context.Context, tx database.Store) error {
		return tx.SaveStatistics(ctx, database.ClusterStatistics{ClusterID: clusterID, Statistics: stats})
	})
	return nil
}

func (s *Stager) UpdateCluster(_ context.Context, u clustering.ClusterUpdate) error {
	s.enqueue("update cluster", func(ctx context.Context, tx database.Store) error {
		return tx.UpdateCluster(ctx, database.Cluster{
			ID:             u.ClusterID,
			PersonID:       u.PersonID,
			Centroid:       u.Centroid,
			CentroidWeight: u.CentroidWeight,
			FaceCount:      u.FaceCount,
		})
	})
	return nil
}

func (s *Stager) AddConstraints(_ context.Context, constraints []database.Constraint) error {
	s.enqueue("add constraints", func(ctx context.Context, tx database.Store) error {
		return tx.AddConstraints(ctx, constraints)
	})
	return nil
}

var _ clustering.Sink = (*Stager)(nil)
