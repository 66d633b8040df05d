package identity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kozaktomas/face-clusterer/internal/clusterindex"
	"github.com/kozaktomas/face-clusterer/internal/clustering"
	"github.com/kozaktomas/face-clusterer/internal/consolidate"
	"github.com/kozaktomas/face-clusterer/internal/database"
	"github.com/kozaktomas/face-clusterer/internal/database/mock"
	"github.com/kozaktomas/face-clusterer/internal/embedder"
	"github.com/kozaktomas/face-clusterer/internal/facematch"
	"github.com/kozaktomas/face-clusterer/internal/vectorindex"
)

const indexPath = "/data/cluster_index.bin"

type fakeDetector struct {
	resp  *embedder.FaceResponse
	err   error
	calls int
}

func (d *fakeDetector) DetectFaces(ctx context.Context, imageData []byte) (*embedder.FaceResponse, error) {
	d.calls++
	return d.resp, d.err
}

type harness struct {
	svc   *Service
	store *mock.MockStore
	fs    afero.Fs
}

func newHarness(t *testing.T, store *mock.MockStore, fs afero.Fs) *harness {
	t.Helper()
	cfg := vectorindex.DefaultConfig()
	cfg.Seed = 1
	index := clusterindex.New(fs, indexPath, 0, cfg)

	svc := New(DefaultConfig(), store, index, &fakeDetector{})
	n := 0
	svc.Pipeline().SetIDGenerator(func() string {
		n++
		return fmt.Sprintf("id-%02d", n)
	})
	return &harness{svc: svc, store: store, fs: fs}
}

func newTestService(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t, mock.NewMockStore(), afero.NewMemMapFs())
	_, err := h.svc.Start(context.Background())
	require.NoError(t, err)
	return h
}

// planar returns a unit vector with similarity sim to the first axis,
// rotated towards axis k.
func planar(sim float64, k int) []float32 {
	v := make([]float32, 4)
	v[0] = float32(sim)
	v[k] = float32(math.Sqrt(1 - sim*sim))
	return v
}

func axis(k int) []float32 {
	v := make([]float32, 4)
	v[k] = 1
	return v
}

func detection(index int, emb []float32) embedder.Detection {
	x := 100 + 150*float64(index)
	return embedder.Detection{
		FaceIndex: index,
		Dim:       len(emb),
		Embedding: emb,
		BBox:      []float64{x, 100, x + 100, 220},
		DetScore:  0.95,
	}
}

func (h *harness) photo(t *testing.T, uid string, embs ...[]float32) *PhotoResult {
	t.Helper()
	dets := make([]embedder.Detection, len(embs))
	for i, e := range embs {
		dets[i] = detection(i, e)
	}
	res, err := h.svc.ProcessDetections(context.Background(), PhotoInput{UID: uid, Width: 1000, Height: 800}, dets, "buffalo_l")
	require.NoError(t, err)
	return res
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	require.NoError(t, h.svc.Stager().Flush(context.Background()))
}

func (h *harness) clusterOf(t *testing.T, faceID int64) string {
	t.Helper()
	f, err := h.store.GetFace(context.Background(), faceID)
	require.NoError(t, err)
	return f.ClusterID
}

func TestProcessDetectionsClustersFaces(t *testing.T) {
	h := newTestService(t)

	// F1-F2 0.75, F1-F3 0.20, F2-F3 0.22.
	f3y := (0.22 - 0.75*0.20) / math.Sqrt(1-0.75*0.75)
	f3 := []float32{0.20, float32(f3y), float32(math.Sqrt(1 - 0.04 - f3y*f3y)), 0}

	r1 := h.photo(t, "p1", axis(0))
	h.photo(t, "p2", planar(0.75, 1))
	h.photo(t, "p3", f3)

	require.Len(t, r1.Outcomes, 1)
	assert.Equal(t, clustering.StateNewCluster, r1.Outcomes[0].State)
	assert.Equal(t, 2, h.svc.Pipeline().ClusterCount())

	clusters, err := h.store.ListClusters(context.Background())
	require.NoError(t, err)
	assert.Empty(t, clusters, "writes are staged until flushed")

	h.flush(t)
	clusters, err = h.store.ListClusters(context.Background())
	require.NoError(t, err)
	assert.Len(t, clusters, 2)

	assert.Equal(t, h.clusterOf(t, 1), h.clusterOf(t, 2))
	assert.NotEqual(t, h.clusterOf(t, 1), h.clusterOf(t, 3))
	assert.NotEmpty(t, h.clusterOf(t, 3))

	processed, err := h.store.IsFacesProcessed(context.Background(), "p2")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestProcessDetectionsSkipsProcessedPhoto(t *testing.T) {
	h := newTestService(t)
	h.photo(t, "p1", axis(0))

	res := h.photo(t, "p1", axis(1))
	assert.True(t, res.Skipped)
	n, err := h.store.CountFaces(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestProcessPhoto(t *testing.T) {
	h := newTestService(t)
	det := &fakeDetector{resp: &embedder.FaceResponse{
		FacesCount: 2,
		Model:      "buffalo_l",
		Faces:      []embedder.Detection{detection(0, axis(0)), detection(1, nil)},
	}}
	h.svc.detector = det

	ctx := context.Background()
	res, err := h.svc.ProcessPhoto(ctx, PhotoInput{UID: "p1", Width: 1000})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Faces)

	res, err = h.svc.ProcessPhoto(ctx, PhotoInput{UID: "p1", Width: 1000})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 1, det.calls, "processed photos are not sent to the detector")

	h.flush(t)
	faces, err := h.store.GetFaces(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, faces, 2)
	assert.Equal(t, database.FaceStatusClustered, faces[0].Status)
	assert.Equal(t, database.FaceStatusDisplayOnly, faces[1].Status, "faces without embedding stay visible")
	assert.Equal(t, facematch.EligibilityDisplayOnly, faces[1].Eligibility)
}

func TestProcessPhotoDetectorError(t *testing.T) {
	h := newTestService(t)
	h.svc.detector = &fakeDetector{err: errors.New("API error (status 503)")}

	_, err := h.svc.ProcessPhoto(context.Background(), PhotoInput{UID: "p1"})
	require.Error(t, err)

	processed, err := h.store.IsFacesProcessed(context.Background(), "p1")
	require.NoError(t, err)
	assert.False(t, processed, "failed photos can be retried")
}

func TestBuildFaces(t *testing.T) {
	photo := PhotoInput{UID: "p1", Width: 1000, Height: 800}
	tests := []struct {
		name   string
		det    embedder.Detection
		elig   facematch.Eligibility
		status database.FaceStatus
		pose   facematch.PoseCategory
	}{
		{
			name:   "frontal sharp face",
			det:    detection(0, axis(0)),
			elig:   facematch.EligibilityQualifiedAnchor,
			status: database.FaceStatusPending,
			pose:   facematch.PoseFrontal,
		},
		{
			name:   "no embedding",
			det:    detection(0, nil),
			elig:   facematch.EligibilityDisplayOnly,
			status: database.FaceStatusDisplayOnly,
			pose:   facematch.PoseFrontal,
		},
		{
			name:   "too small",
			det:    embedder.Detection{Embedding: axis(0), BBox: []float64{0, 0, 20, 20}, DetScore: 0.95},
			elig:   facematch.EligibilityRejected,
			status: database.FaceStatusRejected,
			pose:   facematch.PoseFrontal,
		},
		{
			name: "profile",
			det: embedder.Detection{
				Embedding: axis(0), BBox: []float64{0, 0, 150, 150}, DetScore: 0.95, Yaw: 60,
				Sharpness: 0.9, EyeVisibility: 0.5,
			},
			elig:   facematch.EligibilityClusteringOnly,
			status: database.FaceStatusPending,
			pose:   facematch.PoseProfileRight,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			faces := BuildFaces(photo, []embedder.Detection{tt.det}, "buffalo_l")
			require.Len(t, faces, 1)
			f := faces[0]
			assert.Equal(t, tt.elig, f.Eligibility)
			assert.Equal(t, tt.status, f.Status)
			assert.Equal(t, tt.pose, f.Pose)
			assert.Equal(t, "p1", f.PhotoUID)
			assert.Equal(t, len(tt.det.Embedding), f.Dim)
			assert.InDelta(t, facematch.QualityScore(QualityInputs(tt.det, photo.Width)), f.Quality, 1e-9)
		})
	}
}

func TestBuildFacesDropsDuplicates(t *testing.T) {
	dup := detection(1, axis(1))
	dup.BBox = []float64{102, 100, 202, 220}
	dup.DetScore = 0.80

	faces := BuildFaces(PhotoInput{UID: "p1", Width: 1000}, []embedder.Detection{
		detection(0, axis(0)), dup, detection(2, axis(2)),
	}, "buffalo_l")
	require.Len(t, faces, 2)
	assert.Equal(t, 0, faces[0].FaceIndex)
	assert.Equal(t, 2, faces[1].FaceIndex)
}

func TestQualityInputsFallBackToDetScore(t *testing.T) {
	in := QualityInputs(embedder.Detection{DetScore: 0.8, BBox: []float64{10, 0, 110, 100}}, 500)
	assert.InDelta(t, 0.8, in.Sharpness, 1e-9)
	assert.InDelta(t, 0.8, in.EyeVisibility, 1e-9)
	assert.InDelta(t, 100, in.FaceWidthPx, 1e-9)
	assert.InDelta(t, 500, in.PhotoWidthPx, 1e-9)

	in = QualityInputs(embedder.Detection{DetScore: 0.8, Sharpness: 0.3, EyeVisibility: 0.4}, 0)
	assert.InDelta(t, 0.3, in.Sharpness, 1e-9)
	assert.InDelta(t, 0.4, in.EyeVisibility, 1e-9)
}

func TestMergeClusters(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()
	h.photo(t, "p1", axis(0))
	h.photo(t, "p2", axis(1))
	h.photo(t, "p3", planar(0.9, 1)) // joins the first cluster
	h.flush(t)

	target, source := h.clusterOf(t, 1), h.clusterOf(t, 2)
	require.NotEqual(t, target, source)

	src, err := h.store.GetCluster(ctx, source)
	require.NoError(t, err)
	require.NoError(t, h.svc.RenamePerson(ctx, src.PersonID, "Jana"))

	res, err := h.svc.MergeClusters(ctx, target, []string{source, target})
	require.NoError(t, err)
	assert.Equal(t, []string{source}, res.Sources)
	assert.Equal(t, 1, res.FacesMoved)
	assert.Equal(t, 3, res.FaceCount)
	assert.GreaterOrEqual(t, res.Anchors, 2)

	ids, err := h.store.ClusterIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{target}, ids)
	for id := int64(1); id <= 3; id++ {
		assert.Equal(t, target, h.clusterOf(t, id))
	}

	c, err := h.store.GetCluster(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, 3, c.FaceCount)
	anchors, err := h.store.GetAnchors(ctx, target)
	require.NoError(t, err)
	assert.Len(t, anchors, res.Anchors)

	_, err = h.store.GetPerson(ctx, src.PersonID)
	require.ErrorIs(t, err, database.ErrNotFound)
	tgtPerson, err := h.store.GetPerson(ctx, c.PersonID)
	require.NoError(t, err)
	assert.Equal(t, "Jana", tgtPerson.Name, "name carried over to the surviving person")

	assert.Equal(t, []string{target}, h.svc.index.ClusterIDs())
	assert.Equal(t, 1, h.svc.Pipeline().ClusterCount())
	cid, ok := h.svc.Pipeline().ClusterOf(2)
	require.True(t, ok)
	assert.Equal(t, target, cid)
}

func TestMergeClustersCannotLink(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()
	h.photo(t, "p1", axis(0), axis(1))
	h.flush(t)

	a, b := h.clusterOf(t, 1), h.clusterOf(t, 2)
	require.NotEqual(t, a, b)

	_, err := h.svc.MergeClusters(ctx, a, []string{b})
	require.ErrorIs(t, err, ErrConstraintConflict)

	ids, err := h.store.ClusterIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.Zero(t, h.store.TxRollbacks, "conflicts are caught before the transaction")
}

func TestMergeClustersValidation(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()

	_, err := h.svc.MergeClusters(ctx, "a", []string{"a"})
	require.Error(t, err)

	_, err = h.svc.MergeClusters(ctx, "a", []string{"b"})
	require.ErrorIs(t, err, database.ErrNotFound)
}

func TestRefineMergesChainedClusters(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()
	h.photo(t, "p1", axis(0))
	h.photo(t, "p2", planar(0.32, 1)) // below the uncertain zone even with the quality boost
	h.photo(t, "p3", axis(2))
	require.Equal(t, 3, h.svc.Pipeline().ClusterCount())

	report, err := h.svc.Refine(ctx)
	require.NoError(t, err)
	require.Len(t, report.Merged, 1)
	assert.Equal(t, h.clusterOf(t, 1), report.Merged[0].Target)
	assert.Equal(t, []consolidate.Method{consolidate.MethodTransitive}, report.Merged[0].Methods)
	assert.Equal(t, h.clusterOf(t, 1), h.clusterOf(t, 2))
	assert.NotEqual(t, h.clusterOf(t, 1), h.clusterOf(t, 3))
	assert.Equal(t, 2, h.svc.Pipeline().ClusterCount())

	exists, err := afero.Exists(h.fs, indexPath)
	require.NoError(t, err)
	assert.True(t, exists, "refine saves the index snapshot")
}

func TestProcessDetectionsFailsForeignDimension(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()
	h.photo(t, "p1", axis(0))

	var res *PhotoResult
	require.NotPanics(t, func() {
		res = h.photo(t, "p2", []float32{1, 0, 0})
	})
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, clustering.StateFailed, res.Outcomes[0].State)
	assert.Equal(t, 1, h.svc.faces.Len())
	assert.Equal(t, 1, h.svc.Pipeline().ClusterCount())

	h.flush(t)
	f, err := h.store.GetFace(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, database.FaceStatusUnclustered, f.Status)

	// Rebuilding over a store that holds both dimensions keeps one and skips
	// the other instead of panicking.
	require.NoError(t, h.svc.buildFaceIndex(ctx))
	assert.Equal(t, 1, h.svc.faces.Len())
}

func TestFinalizeResolvesDeferredFaces(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()
	h.photo(t, "p1", axis(0))
	res := h.photo(t, "p2", planar(0.50, 1))
	require.Len(t, res.Outcomes, 1)
	require.Equal(t, clustering.StateDeferred, res.Outcomes[0].State)
	require.Equal(t, 1, h.svc.Pipeline().Pending())

	report, err := h.svc.Finalize(ctx)
	require.NoError(t, err)
	require.Len(t, report.Resolved, 1)
	assert.NotEqual(t, clustering.StateDeferred, report.Resolved[0].State)
	assert.Zero(t, report.Pending)
	assert.Zero(t, h.svc.Stager().Len())

	f, err := h.store.GetFace(ctx, 2)
	require.NoError(t, err)
	assert.NotEqual(t, database.FaceStatusPending, f.Status)
}

func TestStartRestoresState(t *testing.T) {
	ctx := context.Background()
	store := mock.NewMockStore()
	fs := afero.NewMemMapFs()

	first := newHarness(t, store, fs)
	_, err := first.svc.Start(ctx)
	require.NoError(t, err)
	first.photo(t, "p1", axis(0))
	first.photo(t, "p2", axis(1))
	first.photo(t, "p3", planar(0.5, 2)) // deferred
	require.NoError(t, first.svc.Close(ctx))

	second := newHarness(t, store, fs)
	report, err := second.svc.Start(ctx)
	require.NoError(t, err)
	assert.False(t, report.Rebuilt, "snapshot loaded")
	assert.False(t, report.Patched)
	assert.Equal(t, 2, report.Clusters)
	assert.Equal(t, 1, report.Restored)
	assert.Equal(t, 2, second.svc.Pipeline().ClusterCount())
	assert.Equal(t, 1, second.svc.Pipeline().Pending())

	// Without a snapshot the index is rebuilt from the store.
	third := newHarness(t, store, afero.NewMemMapFs())
	report, err = third.svc.Start(ctx)
	require.NoError(t, err)
	assert.True(t, report.Rebuilt)
	assert.Len(t, third.svc.index.ClusterIDs(), 2)
}

func TestStartPatchesOrphans(t *testing.T) {
	ctx := context.Background()
	store := mock.NewMockStore()
	fs := afero.NewMemMapFs()

	first := newHarness(t, store, fs)
	_, err := first.svc.Start(ctx)
	require.NoError(t, err)
	first.photo(t, "p1", axis(0))
	first.photo(t, "p2", axis(1))
	require.NoError(t, first.svc.Close(ctx))

	gone := first.clusterOf(t, 2)
	require.NoError(t, store.DeleteCluster(ctx, gone))

	second := newHarness(t, store, fs)
	report, err := second.svc.Start(ctx)
	require.NoError(t, err)
	assert.True(t, report.Patched)
	assert.False(t, report.Rebuilt)
	assert.Equal(t, []string{gone}, report.Integrity.Orphaned)
	assert.Equal(t, []string{first.clusterOf(t, 1)}, second.svc.index.ClusterIDs())
}

func TestVerifyAndRebuildIndex(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()
	h.photo(t, "p1", axis(0))
	h.photo(t, "p2", axis(1))

	report, err := h.svc.VerifyIndex(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK())

	gone := h.clusterOf(t, 2)
	require.NoError(t, h.store.DeleteCluster(ctx, gone))
	report, err = h.svc.VerifyIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{gone}, report.Orphaned)

	n, err := h.svc.RebuildIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	report, err = h.svc.VerifyIndex(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK())
}

func TestPersons(t *testing.T) {
	h := newTestService(t)
	ctx := context.Background()
	h.photo(t, "p1", axis(0))

	summaries, err := h.svc.ClusterSummaries(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	personID := summaries[0].PersonID

	require.Error(t, h.svc.RenamePerson(ctx, personID, "   "))
	require.NoError(t, h.svc.RenamePerson(ctx, personID, " Žofie Nováková "))

	found, err := h.svc.FindPersons(ctx, "zofie novakova")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, personID, found[0].ID)
	assert.Equal(t, "Žofie Nováková", found[0].Name)

	require.ErrorIs(t, h.svc.RenamePerson(ctx, "missing", "x"), database.ErrNotFound)
}
