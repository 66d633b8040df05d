package database

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// FaceReader provides read-only access to detected faces
type FaceReader interface {
	// GetFace retrieves a face by id, returns ErrNotFound if missing
	GetFace(ctx context.Context, id int64) (*StoredFace, error)
	// GetFaces retrieves all faces for a photo
	GetFaces(ctx context.Context, photoUID string) ([]StoredFace, error)
	// GetFacesByCluster retrieves all faces assigned to a cluster
	GetFacesByCluster(ctx context.Context, clusterID string) ([]StoredFace, error)
	// GetFacesByStatus retrieves all faces in the given clustering state
	GetFacesByStatus(ctx context.Context, status FaceStatus) ([]StoredFace, error)
	// ListClusterableFaces returns every face whose eligibility allows clustering
	ListClusterableFaces(ctx context.Context) ([]StoredFace, error)
	// IsFacesProcessed checks if face detection has been run for a photo (regardless of whether faces were found)
	IsFacesProcessed(ctx context.Context, photoUID string) (bool, error)
	// CountFaces returns the total number of faces stored
	CountFaces(ctx context.Context) (int, error)
}

// FaceWriter provides write access to face data
type FaceWriter interface {
	FaceReader

	// SaveFaces stores the faces of a photo (replacing existing ones) and
	// fills in their generated ids.
	SaveFaces(ctx context.Context, photoUID string, faces []StoredFace) error
	// MarkFacesProcessed marks a photo as having been processed for face detection
	MarkFacesProcessed(ctx context.Context, photoUID string, faceCount int) error
	// AssignFace sets the cluster and status of a face. An empty clusterID unassigns it.
	AssignFace(ctx context.Context, faceID int64, clusterID string, status FaceStatus) error
	// ReassignFaces moves every face of the source clusters to target and
	// returns the number of moved faces.
	ReassignFaces(ctx context.Context, target string, sources []string) (int, error)
}

// ClusterStore manages clusters, their anchors and statistics
type ClusterStore interface {
	CreateCluster(ctx context.Context, c Cluster) error
	GetCluster(ctx context.Context, id string) (*Cluster, error)
	ListClusters(ctx context.Context) ([]Cluster, error)
	ClusterIDs(ctx context.Context) ([]string, error)
	// UpdateCluster updates the centroid and face count of a cluster
	UpdateCluster(ctx context.Context, c Cluster) error
	// DeleteCluster removes a cluster together with its anchors and statistics
	DeleteCluster(ctx context.Context, id string) error

	// SaveAnchors replaces the anchor set of a cluster
	SaveAnchors(ctx context.Context, clusterID string, anchors []StoredAnchor) error
	GetAnchors(ctx context.Context, clusterID string) ([]StoredAnchor, error)
	// ListAnchors returns the active anchors of every cluster
	ListAnchors(ctx context.Context) ([]StoredAnchor, error)

	SaveStatistics(ctx context.Context, stats ClusterStatistics) error
	GetStatistics(ctx context.Context, clusterID string) (*ClusterStatistics, error)
	ListStatistics(ctx context.Context) ([]ClusterStatistics, error)

	// ClusterSummaries lists clusters with their person and anchor counts, largest first
	ClusterSummaries(ctx context.Context) ([]ClusterSummary, error)
}

// PersonStore manages persons
type PersonStore interface {
	CreatePerson(ctx context.Context, p Person) error
	GetPerson(ctx context.Context, id string) (*Person, error)
	RenamePerson(ctx context.Context, id, name string) error
	// FindPersons matches names after normalization (lowercase, no diacritics, dashes to spaces)
	FindPersons(ctx context.Context, name string) ([]Person, error)
	DeletePerson(ctx context.Context, id string) error
}

// ConstraintStore manages pairwise face constraints
type ConstraintStore interface {
	// AddConstraints stores constraints, ignoring ones that already exist
	AddConstraints(ctx context.Context, constraints []Constraint) error
	ListConstraints(ctx context.Context) ([]Constraint, error)
}

// Store is the complete persistence collaborator.
type Store interface {
	FaceWriter
	ClusterStore
	PersonStore
	ConstraintStore

	// WithTx runs fn inside one transaction. fn's store must be used for
	// every write that belongs to the transaction; any error rolls it back.
	WithTx(ctx context.Context, fn func(tx Store) error) error
}
