package clustering

import (
	"context"

	"github.com/kozaktomas/face-clusterer/internal/database"
	"github.com/kozaktomas/face-clusterer/internal/facematch"
)

// NewCluster describes a cluster founded by a single face. The person, the
// cluster, the face assignment and the first anchor belong together and must
// be persisted atomically.
type NewCluster struct {
	ClusterID      string
	PersonID       string
	Centroid       []float32
	CentroidWeight float64
	FaceID         int64
	// Anchor is nil when the founding face may not become an anchor.
	Anchor *facematch.Anchor
}

// ClusterUpdate carries the mutable cluster columns after a commit.
type ClusterUpdate struct {
	ClusterID      string
	PersonID       string
	Centroid       []float32
	CentroidWeight float64
	FaceCount      int
}

// Sink receives every durable mutation the pipeline makes. Calls happen
// under the pipeline lock, in order; implementations should only queue.
type Sink interface {
	CreateCluster(ctx context.Context, c NewCluster) error
	// AssignFace sets the cluster and state of a face; an empty clusterID
	// leaves the face unassigned.
	AssignFace(ctx context.Context, faceID int64, clusterID string, status database.FaceStatus) error
	SaveAnchors(ctx context.Context, clusterID string, anchors []facematch.Anchor) error
	SaveStatistics(ctx context.Context, clusterID string, stats facematch.Statistics) error
	UpdateCluster(ctx context.Context, u ClusterUpdate) error
	AddConstraints(ctx context.Context, constraints []database.Constraint) error
}
