package database

import (
	"time"

	"github.com/kozaktomas/face-clusterer/internal/facematch"
)

// FaceStatus is the clustering state of a stored face.
type FaceStatus string

const (
	// FaceStatusPending faces are waiting in the deferral buffer.
	FaceStatusPending     FaceStatus = "pending"
	FaceStatusClustered   FaceStatus = "clustered"
	FaceStatusUnclustered FaceStatus = "unclustered" // released after deferral expired
	FaceStatusDisplayOnly FaceStatus = "display_only"
	FaceStatusRejected    FaceStatus = "rejected"
)

// StoredFace represents a detected face stored in the database
type StoredFace struct {
	ID        int64
	PhotoUID  string
	FaceIndex int
	Embedding []float32
	BBox      []float64 // [x1, y1, x2, y2] in raw pixel coordinates
	DetScore  float64
	Model     string
	Dim       int
	CreatedAt time.Time

	// Quality fields, computed once at detection time.
	Quality     float64
	Yaw         float64
	Roll        float64
	Eligibility facematch.Eligibility
	Pose        facematch.PoseCategory
	PhotoWidth  int
	PhotoHeight int
	TakenAt     time.Time

	ClusterID string // empty when unassigned
	Status    FaceStatus
}

// MatchFace converts the stored face into the decision engine's view.
func (f *StoredFace) MatchFace() facematch.Face {
	return facematch.Face{
		ID:          f.ID,
		PhotoUID:    f.PhotoUID,
		Embedding:   f.Embedding,
		Quality:     f.Quality,
		Yaw:         f.Yaw,
		Eligibility: f.Eligibility,
		TakenAt:     f.TakenAt,
	}
}

// FaceProcessedRecord represents a record of a photo that has been processed for face detection
type FaceProcessedRecord struct {
	PhotoUID  string
	FaceCount int
	CreatedAt time.Time
}

// Person is the user-facing identity owning one or more clusters.
type Person struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Cluster is an identity group of faces.
type Cluster struct {
	ID             string
	PersonID       string
	Centroid       []float32 // legacy running average, may be nil
	CentroidWeight float64
	FaceCount      int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// StoredAnchor is a face promoted to represent its cluster.
type StoredAnchor struct {
	ClusterID string
	FaceID    int64
	Embedding []float32
	Quality   float64
	Pose      facematch.PoseCategory
	Active    bool
	TakenAt   time.Time
	CreatedAt time.Time
}

// Anchor converts the stored anchor into the decision engine's view.
func (a *StoredAnchor) Anchor() facematch.Anchor {
	return facematch.Anchor{
		FaceID:    a.FaceID,
		Embedding: a.Embedding,
		Quality:   a.Quality,
		Pose:      a.Pose,
		TakenAt:   a.TakenAt,
	}
}

// StoredAnchorFrom builds the stored form of an engine anchor.
func StoredAnchorFrom(clusterID string, a facematch.Anchor) StoredAnchor {
	return StoredAnchor{
		ClusterID: clusterID,
		FaceID:    a.FaceID,
		Embedding: a.Embedding,
		Quality:   a.Quality,
		Pose:      a.Pose,
		Active:    true,
		TakenAt:   a.TakenAt,
	}
}

// ClusterStatistics are the persisted pairwise anchor statistics of a cluster.
type ClusterStatistics struct {
	ClusterID string
	facematch.Statistics
	UpdatedAt time.Time
}

// ConstraintType distinguishes hard negative and hard positive pairs.
type ConstraintType string

const (
	CannotLink ConstraintType = "cannot_link"
	MustLink   ConstraintType = "must_link"
)

// Constraint is a pairwise relation between two faces. FaceA is always the
// smaller id.
type Constraint struct {
	FaceA     int64
	FaceB     int64
	Type      ConstraintType
	CreatedAt time.Time
}

// NewConstraint returns a constraint with its face ids normalized.
func NewConstraint(a, b int64, typ ConstraintType) Constraint {
	if a > b {
		a, b = b, a
	}
	return Constraint{FaceA: a, FaceB: b, Type: typ}
}

// ClusterSummary is one row of the cluster listing.
type ClusterSummary struct {
	ClusterID   string
	PersonID    string
	PersonName  string
	FaceCount   int
	AnchorCount int
	Stats       facematch.Statistics
}

// ConstraintMaps indexes constraints in both directions per type.
func ConstraintMaps(constraints []Constraint) (cannotLink, mustLink map[int64][]int64) {
	cannotLink = make(map[int64][]int64)
	mustLink = make(map[int64][]int64)
	for _, c := range constraints {
		m := cannotLink
		if c.Type == MustLink {
			m = mustLink
		}
		m[c.FaceA] = append(m[c.FaceA], c.FaceB)
		m[c.FaceB] = append(m[c.FaceB], c.FaceA)
	}
	return cannotLink, mustLink
}
