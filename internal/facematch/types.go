// Package facematch turns cosine similarities between face embeddings into
// clustering decisions: confidence zones, adaptive per-cluster thresholds,
// anchor selection, merge scoring and face quality tiers.
//
// Everything in this package is a pure function of its arguments. Callers own
// all state and locking.
package facematch

import (
	"time"
)

// Zone is the similarity band of the anchor-based decision model.
type Zone int

const (
	ZoneSafeDifferent Zone = iota
	ZoneUncertain
	ZoneSafeSame
)

func (z Zone) String() string {
	switch z {
	case ZoneSafeSame:
		return "safe_same"
	case ZoneUncertain:
		return "uncertain"
	case ZoneSafeDifferent:
		return "safe_different"
	}
	return "unknown"
}

// Confidence is the level of the legacy centroid-based model.
type Confidence int

const (
	ConfidenceNewCluster Confidence = iota
	ConfidenceStaged
	ConfidenceMedium
	ConfidenceHigh
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceHigh:
		return "high"
	case ConfidenceMedium:
		return "medium"
	case ConfidenceStaged:
		return "staged"
	case ConfidenceNewCluster:
		return "new_cluster"
	}
	return "unknown"
}

// Action is what the pipeline should do with a face.
type Action string

const (
	ActionCommit     Action = "commit"      // Assign to Decision.ClusterID
	ActionDefer      Action = "defer"       // Hold for more evidence
	ActionNewCluster Action = "new_cluster" // Found a new cluster with this face
	ActionRelease    Action = "release"     // Give up; the face stays visible but unclustered
)

// Eligibility is the quality tier of a face. It is computed once at
// detection time and never changes.
type Eligibility string

const (
	EligibilityQualifiedAnchor Eligibility = "qualified_anchor"
	EligibilityClusteringOnly  Eligibility = "clustering_only"
	EligibilityDisplayOnly     Eligibility = "display_only"
	EligibilityRejected        Eligibility = "rejected"
)

// CanFoundCluster reports whether a face of this tier may start a new cluster
// or become an anchor.
func (e Eligibility) CanFoundCluster() bool {
	return e == EligibilityQualifiedAnchor
}

// CanCluster reports whether a face of this tier may join a cluster.
func (e Eligibility) CanCluster() bool {
	return e == EligibilityQualifiedAnchor || e == EligibilityClusteringOnly
}

// PoseCategory buckets head yaw.
type PoseCategory string

const (
	PoseFrontal      PoseCategory = "frontal"
	PoseSlightLeft   PoseCategory = "slight_left"
	PoseSlightRight  PoseCategory = "slight_right"
	PoseProfileLeft  PoseCategory = "profile_left"
	PoseProfileRight PoseCategory = "profile_right"
)

// Face is the face being decided.
type Face struct {
	ID          int64
	PhotoUID    string
	Embedding   []float32
	Quality     float64
	Yaw         float64
	Eligibility Eligibility
	TakenAt     time.Time
}

// Anchor is a representative face of a cluster.
type Anchor struct {
	FaceID    int64
	Embedding []float32
	Quality   float64
	Pose      PoseCategory
	TakenAt   time.Time
}

// Statistics summarizes pairwise anchor similarity within a cluster.
type Statistics struct {
	Mean        float64
	Variance    float64
	Min         float64
	Max         float64
	SampleCount int
}

// ClusterProfile is what the engine needs to know about a candidate cluster.
type ClusterProfile struct {
	ID        string
	Anchors   []Anchor
	Centroid  []float32
	FaceCount int
	Stats     Statistics
}

// Evidence is the similarity of one face to one candidate cluster.
type Evidence struct {
	ClusterID string
	// Best is the highest raw similarity to any anchor, or to the centroid
	// when the cluster has no anchors.
	Best float64
	// Boosted is Best plus the same-session boost.
	Boosted float64
	// Ranked is Boosted plus the quality boost. Used only for ordering.
	Ranked float64
	// Supporting counts anchors at or above the uncertain-zone floor.
	Supporting   int
	AnchorCount  int
	FaceCount    int
	SameSession  bool
	CentroidOnly bool
	Stats        Statistics
}

// Decision is the outcome for a single face.
type Decision struct {
	Action     Action
	ClusterID  string
	Zone       Zone
	Confidence Confidence
	Similarity float64
	Gap        float64
	Supporting int
	// Forced is set when the decision was taken because the deferral expired.
	Forced bool
	// UpdateCentroid is false for legacy MEDIUM matches of low quality faces.
	UpdateCentroid bool
	Reason         string
}
