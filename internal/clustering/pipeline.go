package clustering

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kozaktomas/face-clusterer/internal/clusterindex"
	"github.com/kozaktomas/face-clusterer/internal/database"
	"github.com/kozaktomas/face-clusterer/internal/facematch"
	"github.com/kozaktomas/face-clusterer/internal/logging"
)

var errZeroEmbedding = errors.New("zero embedding")

// FaceState is where a face ended up after a pass.
type FaceState string

const (
	StateCommitted   FaceState = "committed"
	StateNewCluster  FaceState = "new_cluster"
	StateDeferred    FaceState = "deferred"
	StateDisplayOnly FaceState = "display_only"
	StateRejected    FaceState = "rejected"
	StateReleased    FaceState = "released"
	// StateFailed faces hit a precondition error (e.g. dimension mismatch)
	// and are left visible but unclustered.
	StateFailed FaceState = "failed"
)

// Outcome reports what happened to one face.
type Outcome struct {
	FaceID    int64
	State     FaceState
	ClusterID string
	Decision  facematch.Decision
	Err       error
}

// Pipeline is the stateful two-pass clusterer.
type Pipeline struct {
	mu sync.Mutex

	cfg   Config
	index *clusterindex.Index
	sink  Sink

	clusters    map[string]*clusterState
	faceCluster map[int64]string
	cannotLink  map[int64][]int64
	mustLink    map[int64][]int64
	buffer      *DeferralBuffer

	now   func() time.Time
	newID func() string
	log   *logrus.Entry
}

// New creates a pipeline with empty state. Call Load to start from
// persisted clusters.
func New(cfg Config, index *clusterindex.Index, sink Sink) *Pipeline {
	return &Pipeline{
		cfg:         cfg,
		index:       index,
		sink:        sink,
		clusters:    make(map[string]*clusterState),
		faceCluster: make(map[int64]string),
		cannotLink:  make(map[int64][]int64),
		mustLink:    make(map[int64][]int64),
		buffer:      NewDeferralBuffer(),
		now:         time.Now,
		newID:       uuid.NewString,
		log:         logging.Component("clustering"),
	}
}

// SetClock replaces the time source.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// SetIDGenerator replaces the cluster and person id generator.
func (p *Pipeline) SetIDGenerator(newID func() string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.newID = newID
}

// ProcessBatch runs Pass 1 over the faces of one photo (or several). Faces
// are handled highest quality first; ties keep input order. Faces sharing a
// photo are cannot-linked before any of them is scored, and clusters or
// anchors created for an earlier face are visible to later ones.
//
// A precondition failure on one face marks it StateFailed and processing
// continues. Sink errors and cancellation abort the batch.
func (p *Pipeline) ProcessBatch(ctx context.Context, faces []database.StoredFace) ([]Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ordered := slices.Clone(faces)
	slices.SortStableFunc(ordered, func(a, b database.StoredFace) int {
		return cmp.Compare(b.Quality, a.Quality)
	})

	if err := p.addSamePhotoConstraints(ctx, ordered); err != nil {
		return nil, err
	}

	outcomes := make([]Outcome, 0, len(ordered))
	for i := range ordered {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		out, err := p.processFace(ctx, &ordered[i])
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

// ResolveDeferred runs Pass 2 over the deferral buffer. Entries older than
// ForceAfter, entries beyond MaxDeferred (oldest first) and, with force, all
// entries are resolved now instead of staying deferred. Pass 2 only assigns
// faces; it never merges clusters.
func (p *Pipeline) ResolveDeferred(ctx context.Context, force bool) ([]Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := p.buffer.Drain()
	now := p.now()
	overflow := len(entries) - p.cfg.MaxDeferred

	outcomes := make([]Outcome, 0, len(entries))
	for i := range entries {
		if err := ctx.Err(); err != nil {
			p.requeue(entries[i:])
			return outcomes, err
		}
		e := entries[i]
		expired := force || i < overflow || now.Sub(e.DeferredAt) >= p.cfg.ForceAfter
		out, err := p.resolve(ctx, e, expired)
		if err != nil {
			p.requeue(entries[i:])
			return outcomes, err
		}
		outcomes = append(outcomes, out)
	}

	if len(entries) > 0 {
		p.log.WithFields(logging.Fields{
			"resolved": len(entries) - p.buffer.Len(),
			"pending":  p.buffer.Len(),
			"forced":   force,
		}).Info("deferred faces resolved")
	}
	return outcomes, nil
}

// NeedsResolution reports whether the deferral buffer reached its size or
// age bound.
func (p *Pipeline) NeedsResolution() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.buffer.Len() >= p.cfg.MaxDeferred {
		return true
	}
	oldest, ok := p.buffer.Oldest()
	return ok && p.now().Sub(oldest) >= p.cfg.MaxDeferralAge
}

// Pending returns the number of deferred faces.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffer.Len()
}

// Deferred returns a copy of the deferral buffer, oldest first.
func (p *Pipeline) Deferred() []Deferred {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffer.Entries()
}

// Restore puts faces that were pending before a restart back into the
// deferral buffer and returns how many were accepted.
func (p *Pipeline) Restore(faces []database.StoredFace) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	n := 0
	for _, f := range faces {
		if !f.Eligibility.CanCluster() || len(f.Embedding) == 0 {
			continue
		}
		if _, assigned := p.faceCluster[f.ID]; assigned {
			continue
		}
		f.Status = database.FaceStatusPending
		p.buffer.Add(Deferred{Face: f, DeferredAt: now})
		n++
	}
	return n
}

func (p *Pipeline) requeue(entries []Deferred) {
	for _, e := range entries {
		p.buffer.Add(e)
	}
}

func (p *Pipeline) addSamePhotoConstraints(ctx context.Context, faces []database.StoredFace) error {
	byPhoto := make(map[string][]int64)
	for _, f := range faces {
		if f.ID != 0 {
			byPhoto[f.PhotoUID] = append(byPhoto[f.PhotoUID], f.ID)
		}
	}

	var constraints []database.Constraint
	for _, ids := range byPhoto {
		for _, pair := range facematch.SamePhotoPairs(ids) {
			if p.linked(p.cannotLink, pair[0], pair[1]) {
				continue
			}
			p.cannotLink[pair[0]] = append(p.cannotLink[pair[0]], pair[1])
			p.cannotLink[pair[1]] = append(p.cannotLink[pair[1]], pair[0])
			constraints = append(constraints, database.NewConstraint(pair[0], pair[1], database.CannotLink))
		}
	}
	if len(constraints) == 0 {
		return nil
	}
	slices.SortFunc(constraints, func(a, b database.Constraint) int {
		if c := cmp.Compare(a.FaceA, b.FaceA); c != 0 {
			return c
		}
		return cmp.Compare(a.FaceB, b.FaceB)
	})
	if err := p.sink.AddConstraints(ctx, constraints); err != nil {
		return fmt.Errorf("storing same-photo constraints: %w", err)
	}
	return nil
}

func (p *Pipeline) linked(m map[int64][]int64, a, b int64) bool {
	return slices.Contains(m[a], b)
}

func (p *Pipeline) processFace(ctx context.Context, face *database.StoredFace) (Outcome, error) {
	switch {
	case face.Eligibility == facematch.EligibilityRejected:
		return Outcome{FaceID: face.ID, State: StateRejected}, p.setStatus(ctx, face, database.FaceStatusRejected)
	case !face.Eligibility.CanCluster() || len(face.Embedding) == 0:
		return Outcome{FaceID: face.ID, State: StateDisplayOnly}, p.setStatus(ctx, face, database.FaceStatusDisplayOnly)
	}
	if cid, ok := p.faceCluster[face.ID]; ok {
		return Outcome{FaceID: face.ID, State: StateCommitted, ClusterID: cid}, nil
	}

	mustLink, ranked, err := p.evaluate(face)
	if err != nil {
		return p.fail(ctx, face, err)
	}

	var d facematch.Decision
	if mustLink != nil {
		d = p.mustLinkDecision(*mustLink)
	} else {
		d = facematch.Decide(p.cfg.Match, face.MatchFace(), ranked)
	}
	return p.apply(ctx, face, d, ranked, p.now())
}

func (p *Pipeline) resolve(ctx context.Context, e Deferred, expired bool) (Outcome, error) {
	face := &e.Face
	if cid, ok := p.faceCluster[face.ID]; ok {
		// Settled in memory by an earlier attempt whose store write may
		// have failed; the write is idempotent.
		if err := p.sink.AssignFace(ctx, face.ID, cid, database.FaceStatusClustered); err != nil {
			return Outcome{FaceID: face.ID, State: StateDeferred, Err: err}, err
		}
		return Outcome{FaceID: face.ID, State: StateCommitted, ClusterID: cid}, nil
	}

	mustLink, ranked, err := p.evaluate(face)
	if err != nil {
		if !expired {
			p.buffer.Add(e)
			return Outcome{FaceID: face.ID, State: StateDeferred, Err: err}, nil
		}
		return p.fail(ctx, face, err)
	}

	mf := face.MatchFace()
	var d facematch.Decision
	if mustLink != nil {
		d = p.mustLinkDecision(*mustLink)
	} else {
		d = facematch.DecideDeferred(p.cfg.Match, mf, ranked, false)
		if d.Action == facematch.ActionDefer && d.Confidence == facematch.ConfidenceStaged && len(ranked) > 0 {
			if v := p.verifyStaged(mf, ranked); v.Accepted {
				d = v.Decision
			}
		}
		if d.Action == facematch.ActionDefer && expired {
			d = facematch.DecideDeferred(p.cfg.Match, mf, ranked, true)
		}
	}
	return p.apply(ctx, face, d, ranked, e.DeferredAt)
}

// evaluate returns the evidence for the must-link cluster of face when one
// applies, otherwise the ranked evidence of every nearby cluster not blocked
// by cannot-link.
func (p *Pipeline) evaluate(face *database.StoredFace) (*facematch.Evidence, []facematch.Evidence, error) {
	view := facematch.ConstraintView{
		CannotLink:  p.cannotLink,
		MustLink:    p.mustLink,
		FaceCluster: p.faceCluster,
	}
	blocked := view.BlockedClusters(face.ID)

	cid, conflict := view.MustLinkCluster(face.ID, blocked)
	if cs, ok := p.clusters[cid]; ok {
		ev, err := facematch.Evaluate(p.cfg.Match, face.MatchFace(), cs.profile())
		if err != nil {
			return nil, nil, fmt.Errorf("scoring face %d: %w", face.ID, err)
		}
		return &ev, nil, nil
	}
	if conflict {
		p.log.WithField("face_id", face.ID).Warn("must-link partner is in a cannot-linked cluster, ignoring must-link")
	}

	matches, err := p.index.FindNearestClusters(face.Embedding, p.cfg.CandidateClusters)
	if err != nil {
		return nil, nil, fmt.Errorf("finding candidate clusters for face %d: %w", face.ID, err)
	}

	profiles := make([]facematch.ClusterProfile, 0, len(matches))
	for _, m := range matches {
		if cs := p.clusters[m.ClusterID]; cs != nil {
			profiles = append(profiles, cs.profile())
		}
	}
	all, err := facematch.EvaluateAll(p.cfg.Match, face.MatchFace(), profiles)
	if err != nil {
		return nil, nil, fmt.Errorf("scoring face %d: %w", face.ID, err)
	}
	ev, excluded := facematch.ExcludeBlocked(all, blocked)
	if len(excluded) > 0 {
		p.log.WithFields(logging.Fields{"face_id": face.ID, "excluded": excluded}).Debug("cannot-link excluded candidates")
	}
	return nil, ev, nil
}

func (p *Pipeline) mustLinkDecision(ev facematch.Evidence) facematch.Decision {
	return facematch.Decision{
		Action:         facematch.ActionCommit,
		ClusterID:      ev.ClusterID,
		Zone:           p.cfg.Match.Classify(ev.Best),
		Similarity:     ev.Best,
		Supporting:     ev.Supporting,
		UpdateCentroid: true,
		Reason:         "must-link partner already clustered",
	}
}

func (p *Pipeline) verifyStaged(face facematch.Face, ranked []facematch.Evidence) facematch.StagedVerification {
	best := ranked[0]
	var second float64
	if len(ranked) > 1 {
		second = ranked[1].Best
	}
	return facematch.VerifyStaged(p.cfg.Match, face, best.ClusterID, p.clusters[best.ClusterID].representatives(), second)
}

func (p *Pipeline) apply(
	ctx context.Context, face *database.StoredFace, d facematch.Decision, ranked []facematch.Evidence, deferredAt time.Time,
) (Outcome, error) {
	out := Outcome{FaceID: face.ID, Decision: d}
	var err error

	switch d.Action {
	case facematch.ActionCommit:
		out.State, out.ClusterID = StateCommitted, d.ClusterID
		err = p.commit(ctx, face, d)
	case facematch.ActionNewCluster:
		out.State = StateNewCluster
		out.ClusterID, err = p.found(ctx, face)
	case facematch.ActionDefer:
		out.State = StateDeferred
		err = p.deferFace(ctx, face, ranked, deferredAt)
	case facematch.ActionRelease:
		out.State = StateReleased
		err = p.setStatus(ctx, face, database.FaceStatusUnclustered)
	default:
		err = fmt.Errorf("face %d: unknown action %q", face.ID, d.Action)
	}
	if err != nil {
		return out, err
	}

	p.log.WithFields(logging.Fields{
		"face_id":    face.ID,
		"cluster_id": out.ClusterID,
		"state":      out.State,
		"zone":       d.Zone.String(),
		"similarity": d.Similarity,
		"forced":     d.Forced,
	}).Debug(d.Reason)
	return out, nil
}

func (p *Pipeline) commit(ctx context.Context, face *database.StoredFace, d facematch.Decision) error {
	cs := p.clusters[d.ClusterID]
	if cs == nil {
		return fmt.Errorf("committing face %d: unknown cluster %s", face.ID, d.ClusterID)
	}

	if d.UpdateCentroid {
		centroid, weight := facematch.UpdateCentroid(cs.centroid, cs.weight, face.Embedding, face.Quality)
		if err := p.index.AddCluster(cs.id, centroid); err != nil {
			return err
		}
		cs.centroid, cs.weight = centroid, weight
	}
	cs.faceCount++
	cs.addRepresentative(face.Embedding, p.cfg.MaxRepresentatives)
	p.faceCluster[face.ID] = cs.id
	face.ClusterID, face.Status = cs.id, database.FaceStatusClustered

	if err := p.sink.AssignFace(ctx, face.ID, cs.id, database.FaceStatusClustered); err != nil {
		return err
	}
	if face.Eligibility == facematch.EligibilityQualifiedAnchor {
		if err := p.offerAnchor(ctx, cs, face); err != nil {
			return err
		}
	}
	return p.sink.UpdateCluster(ctx, cs.update())
}

func (p *Pipeline) offerAnchor(ctx context.Context, cs *clusterState, face *database.StoredFace) error {
	upd := facematch.SelectAnchors(p.cfg.Match, cs.anchors, anchorOf(face))
	if !upd.Changed {
		return nil
	}

	if upd.Replaced != 0 {
		p.index.RemoveAnchor(cs.id, upd.Replaced)
	}
	if err := p.index.AddAnchor(cs.id, face.ID, face.Embedding); err != nil {
		return err
	}
	cs.anchors = upd.Anchors
	p.log.WithFields(logging.Fields{
		"cluster_id": cs.id,
		"face_id":    face.ID,
		"replaced":   upd.Replaced,
	}).Debug(upd.Reason)

	if err := p.sink.SaveAnchors(ctx, cs.id, slices.Clone(cs.anchors)); err != nil {
		return err
	}
	stats := facematch.ComputeStatistics(cs.anchors)
	if !facematch.StatisticsChanged(cs.stats, stats) {
		return nil
	}
	cs.stats = stats
	return p.sink.SaveStatistics(ctx, cs.id, stats)
}

func (p *Pipeline) found(ctx context.Context, face *database.StoredFace) (string, error) {
	centroid, weight := facematch.UpdateCentroid(nil, 0, face.Embedding, face.Quality)
	if centroid == nil {
		return "", fmt.Errorf("founding cluster for face %d: %w", face.ID, errZeroEmbedding)
	}

	cs := &clusterState{
		id:        p.newID(),
		personID:  p.newID(),
		centroid:  centroid,
		weight:    weight,
		faceCount: 1,
	}
	if err := p.index.AddCluster(cs.id, centroid); err != nil {
		return "", err
	}

	nc := NewCluster{
		ClusterID:      cs.id,
		PersonID:       cs.personID,
		Centroid:       centroid,
		CentroidWeight: weight,
		FaceID:         face.ID,
	}
	if face.Eligibility.CanFoundCluster() {
		a := anchorOf(face)
		if err := p.index.AddAnchor(cs.id, face.ID, face.Embedding); err != nil {
			p.index.RemoveCluster(cs.id)
			return "", err
		}
		cs.anchors = []facematch.Anchor{a}
		nc.Anchor = &a
	}
	cs.addRepresentative(face.Embedding, p.cfg.MaxRepresentatives)

	p.clusters[cs.id] = cs
	p.faceCluster[face.ID] = cs.id
	face.ClusterID, face.Status = cs.id, database.FaceStatusClustered

	p.log.WithFields(logging.Fields{"cluster_id": cs.id, "face_id": face.ID}).Info("new cluster")
	return cs.id, p.sink.CreateCluster(ctx, nc)
}

func (p *Pipeline) deferFace(ctx context.Context, face *database.StoredFace, ranked []facematch.Evidence, at time.Time) error {
	if err := p.setStatus(ctx, face, database.FaceStatusPending); err != nil {
		return err
	}
	d := Deferred{Face: *face, DeferredAt: at}
	if len(ranked) > 0 {
		d.BestCluster, d.BestSimilarity = ranked[0].ClusterID, ranked[0].Best
	}
	if len(ranked) > 1 {
		d.SecondCluster, d.SecondSimilarity = ranked[1].ClusterID, ranked[1].Best
	}
	p.buffer.Add(d)
	return nil
}

func (p *Pipeline) fail(ctx context.Context, face *database.StoredFace, cause error) (Outcome, error) {
	p.log.WithError(cause).WithField("face_id", face.ID).Warn("clustering failed, face left unclustered")
	return Outcome{FaceID: face.ID, State: StateFailed, Err: cause}, p.setStatus(ctx, face, database.FaceStatusUnclustered)
}

// setStatus records a state change of an unassigned face.
func (p *Pipeline) setStatus(ctx context.Context, face *database.StoredFace, status database.FaceStatus) error {
	if face.Status == status {
		return nil
	}
	face.Status = status
	return p.sink.AssignFace(ctx, face.ID, "", status)
}

func anchorOf(face *database.StoredFace) facematch.Anchor {
	pose := face.Pose
	if pose == "" {
		pose = facematch.PoseFromAngles(face.Yaw)
	}
	return facematch.Anchor{
		FaceID:    face.ID,
		Embedding: face.Embedding,
		Quality:   face.Quality,
		Pose:      pose,
		TakenAt:   face.TakenAt,
	}
}
