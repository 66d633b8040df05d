// Package mock provides an in-memory implementation of database.Store for testing.
package mock

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/kozaktomas/face-clusterer/internal/database"
	"github.com/kozaktomas/face-clusterer/internal/facematch"
)

type state struct {
	faces      map[int64]database.StoredFace
	processed  map[string]int
	clusters   map[string]database.Cluster
	anchors    map[string][]database.StoredAnchor
	stats      map[string]database.ClusterStatistics
	persons    map[string]database.Person
	constraint map[database.Constraint]struct{}
	nextFaceID int64
}

func newState() *state {
	return &state{
		faces:      make(map[int64]database.StoredFace),
		processed:  make(map[string]int),
		clusters:   make(map[string]database.Cluster),
		anchors:    make(map[string][]database.StoredAnchor),
		stats:      make(map[string]database.ClusterStatistics),
		persons:    make(map[string]database.Person),
		constraint: make(map[database.Constraint]struct{}),
		nextFaceID: 1,
	}
}

func (s *state) clone() *state {
	c := &state{
		faces:      maps.Clone(s.faces),
		processed:  maps.Clone(s.processed),
		clusters:   maps.Clone(s.clusters),
		anchors:    make(map[string][]database.StoredAnchor, len(s.anchors)),
		stats:      maps.Clone(s.stats),
		persons:    maps.Clone(s.persons),
		constraint: maps.Clone(s.constraint),
		nextFaceID: s.nextFaceID,
	}
	for k, v := range s.anchors {
		c.anchors[k] = slices.Clone(v)
	}
	return c
}

// MockStore is an in-memory database.Store. Transactions snapshot the whole
// state and restore it when fn fails.
type MockStore struct {
	mu    sync.Mutex
	state *state
	inTx  bool

	// Error injection
	SaveFacesError     error
	AssignFaceError    error
	CreateClusterError error
	SaveAnchorsError   error
	CommitError        error

	// Call counters
	TxCommits   int
	TxRollbacks int
}

// NewMockStore creates an empty store
func NewMockStore() *MockStore {
	return &MockStore{state: newState()}
}

// txStore is the view handed to WithTx callbacks. It shares the parent's
// state and lock discipline.
type txStore struct {
	*MockStore
}

// WithTx runs fn against a snapshot-protected state
func (m *MockStore) WithTx(ctx context.Context, fn func(tx database.Store) error) error {
	m.mu.Lock()
	if m.inTx {
		m.mu.Unlock()
		return fn(txStore{m})
	}
	snapshot := m.state.clone()
	m.inTx = true
	m.mu.Unlock()

	err := fn(txStore{m})
	if err == nil && m.CommitError != nil {
		err = m.CommitError
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inTx = false
	if err != nil {
		m.state = snapshot
		m.TxRollbacks++
		return err
	}
	m.TxCommits++
	return nil
}

// AddFace inserts a face directly, assigning an id when it has none
func (m *MockStore) AddFace(face database.StoredFace) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if face.ID == 0 {
		face.ID = m.state.nextFaceID
	}
	m.state.nextFaceID = max(m.state.nextFaceID, face.ID+1)
	m.state.faces[face.ID] = face
	return face.ID
}

func sortFaces(faces []database.StoredFace) []database.StoredFace {
	slices.SortFunc(faces, func(a, b database.StoredFace) int { return cmp.Compare(a.ID, b.ID) })
	return faces
}

func (m *MockStore) filterFaces(keep func(f *database.StoredFace) bool) []database.StoredFace {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.StoredFace
	for _, f := range m.state.faces {
		if keep(&f) {
			out = append(out, f)
		}
	}
	return sortFaces(out)
}

// GetFace retrieves a face by id
func (m *MockStore) GetFace(ctx context.Context, id int64) (*database.StoredFace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.state.faces[id]
	if !ok {
		return nil, fmt.Errorf("face %d: %w", id, database.ErrNotFound)
	}
	return &f, nil
}

// GetFaces retrieves all faces for a photo
func (m *MockStore) GetFaces(ctx context.Context, photoUID string) ([]database.StoredFace, error) {
	faces := m.filterFaces(func(f *database.StoredFace) bool { return f.PhotoUID == photoUID })
	slices.SortFunc(faces, func(a, b database.StoredFace) int { return cmp.Compare(a.FaceIndex, b.FaceIndex) })
	return faces, nil
}

// GetFacesByCluster retrieves all faces of a cluster
func (m *MockStore) GetFacesByCluster(ctx context.Context, clusterID string) ([]database.StoredFace, error) {
	return m.filterFaces(func(f *database.StoredFace) bool { return f.ClusterID == clusterID }), nil
}

// GetFacesByStatus retrieves all faces in a clustering state
func (m *MockStore) GetFacesByStatus(ctx context.Context, status database.FaceStatus) ([]database.StoredFace, error) {
	return m.filterFaces(func(f *database.StoredFace) bool { return f.Status == status }), nil
}

// ListClusterableFaces returns faces that may join clusters
func (m *MockStore) ListClusterableFaces(ctx context.Context) ([]database.StoredFace, error) {
	return m.filterFaces(func(f *database.StoredFace) bool { return f.Eligibility.CanCluster() }), nil
}

// IsFacesProcessed checks if a photo was processed
func (m *MockStore) IsFacesProcessed(ctx context.Context, photoUID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.state.processed[photoUID]
	return ok, nil
}

// CountFaces returns the number of stored faces
func (m *MockStore) CountFaces(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.faces), nil
}

// SaveFaces replaces the faces of a photo and assigns ids
func (m *MockStore) SaveFaces(ctx context.Context, photoUID string, faces []database.StoredFace) error {
	if m.SaveFacesError != nil {
		return m.SaveFacesError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, f := range m.state.faces {
		if f.PhotoUID == photoUID {
			delete(m.state.faces, id)
		}
	}
	for i := range faces {
		faces[i].ID = m.state.nextFaceID
		faces[i].PhotoUID = photoUID
		if faces[i].CreatedAt.IsZero() {
			faces[i].CreatedAt = time.Now()
		}
		m.state.nextFaceID++
		m.state.faces[faces[i].ID] = faces[i]
	}
	return nil
}

// MarkFacesProcessed records a processed photo
func (m *MockStore) MarkFacesProcessed(ctx context.Context, photoUID string, faceCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.processed[photoUID] = faceCount
	return nil
}

// AssignFace sets the cluster and status of a face
func (m *MockStore) AssignFace(ctx context.Context, faceID int64, clusterID string, status database.FaceStatus) error {
	if m.AssignFaceError != nil {
		return m.AssignFaceError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.state.faces[faceID]
	if !ok {
		return fmt.Errorf("face %d: %w", faceID, database.ErrNotFound)
	}
	f.ClusterID = clusterID
	f.Status = status
	m.state.faces[faceID] = f
	return nil
}

// ReassignFaces moves the faces of sources to target
func (m *MockStore) ReassignFaces(ctx context.Context, target string, sources []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	moved := 0
	for id, f := range m.state.faces {
		if slices.Contains(sources, f.ClusterID) {
			f.ClusterID = target
			f.Status = database.FaceStatusClustered
			m.state.faces[id] = f
			moved++
		}
	}
	return moved, nil
}

// CreateCluster stores a new cluster
func (m *MockStore) CreateCluster(ctx context.Context, c database.Cluster) error {
	if m.CreateClusterError != nil {
		return m.CreateClusterError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.state.clusters[c.ID]; exists {
		return fmt.Errorf("cluster %s already exists", c.ID)
	}
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	m.state.clusters[c.ID] = c
	return nil
}

// GetCluster retrieves a cluster by id
func (m *MockStore) GetCluster(ctx context.Context, id string) (*database.Cluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.state.clusters[id]
	if !ok {
		return nil, fmt.Errorf("cluster %s: %w", id, database.ErrNotFound)
	}
	return &c, nil
}

// ListClusters returns all clusters ordered by id
func (m *MockStore) ListClusters(ctx context.Context) ([]database.Cluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Collect(maps.Values(m.state.clusters))
	slices.SortFunc(out, func(a, b database.Cluster) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// ClusterIDs returns all cluster ids, sorted
func (m *MockStore) ClusterIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.state.clusters)), nil
}

// UpdateCluster updates centroid and face count
func (m *MockStore) UpdateCluster(ctx context.Context, c database.Cluster) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.state.clusters[c.ID]
	if !ok {
		return fmt.Errorf("cluster %s: %w", c.ID, database.ErrNotFound)
	}
	existing.Centroid = c.Centroid
	existing.CentroidWeight = c.CentroidWeight
	existing.FaceCount = c.FaceCount
	if c.PersonID != "" {
		existing.PersonID = c.PersonID
	}
	existing.UpdatedAt = time.Now()
	m.state.clusters[c.ID] = existing
	return nil
}

// DeleteCluster removes a cluster with its anchors and statistics
func (m *MockStore) DeleteCluster(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.clusters[id]; !ok {
		return fmt.Errorf("cluster %s: %w", id, database.ErrNotFound)
	}
	delete(m.state.clusters, id)
	delete(m.state.anchors, id)
	delete(m.state.stats, id)
	return nil
}

// SaveAnchors replaces the anchors of a cluster
func (m *MockStore) SaveAnchors(ctx context.Context, clusterID string, anchors []database.StoredAnchor) error {
	if m.SaveAnchorsError != nil {
		return m.SaveAnchorsError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.clusters[clusterID]; !ok {
		return fmt.Errorf("cluster %s: %w", clusterID, database.ErrNotFound)
	}
	out := make([]database.StoredAnchor, len(anchors))
	for i, a := range anchors {
		a.ClusterID = clusterID
		out[i] = a
	}
	m.state.anchors[clusterID] = out
	return nil
}

// GetAnchors returns the anchors of a cluster
func (m *MockStore) GetAnchors(ctx context.Context, clusterID string) ([]database.StoredAnchor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.anchors[clusterID]), nil
}

// ListAnchors returns the active anchors of every cluster
func (m *MockStore) ListAnchors(ctx context.Context) ([]database.StoredAnchor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.StoredAnchor
	for _, id := range slices.Sorted(maps.Keys(m.state.anchors)) {
		for _, a := range m.state.anchors[id] {
			if a.Active {
				out = append(out, a)
			}
		}
	}
	return out, nil
}

// SaveStatistics stores cluster statistics
func (m *MockStore) SaveStatistics(ctx context.Context, stats database.ClusterStatistics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats.UpdatedAt = time.Now()
	m.state.stats[stats.ClusterID] = stats
	return nil
}

// GetStatistics returns the statistics of a cluster
func (m *MockStore) GetStatistics(ctx context.Context, clusterID string) (*database.ClusterStatistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state.stats[clusterID]
	if !ok {
		return nil, fmt.Errorf("statistics for %s: %w", clusterID, database.ErrNotFound)
	}
	return &s, nil
}

// ListStatistics returns the statistics of every cluster
func (m *MockStore) ListStatistics(ctx context.Context) ([]database.ClusterStatistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Collect(maps.Values(m.state.stats))
	slices.SortFunc(out, func(a, b database.ClusterStatistics) int { return cmp.Compare(a.ClusterID, b.ClusterID) })
	return out, nil
}

// ClusterSummaries lists clusters largest first
func (m *MockStore) ClusterSummaries(ctx context.Context) ([]database.ClusterSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.ClusterSummary
	for _, c := range m.state.clusters {
		out = append(out, database.ClusterSummary{
			ClusterID:   c.ID,
			PersonID:    c.PersonID,
			PersonName:  m.state.persons[c.PersonID].Name,
			FaceCount:   c.FaceCount,
			AnchorCount: len(m.state.anchors[c.ID]),
			Stats:       m.state.stats[c.ID].Statistics,
		})
	}
	slices.SortFunc(out, func(a, b database.ClusterSummary) int {
		if c := cmp.Compare(b.FaceCount, a.FaceCount); c != 0 {
			return c
		}
		return cmp.Compare(a.ClusterID, b.ClusterID)
	})
	return out, nil
}

// CreatePerson stores a new person
func (m *MockStore) CreatePerson(ctx context.Context, p database.Person) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	m.state.persons[p.ID] = p
	return nil
}

// GetPerson retrieves a person by id
func (m *MockStore) GetPerson(ctx context.Context, id string) (*database.Person, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.state.persons[id]
	if !ok {
		return nil, fmt.Errorf("person %s: %w", id, database.ErrNotFound)
	}
	return &p, nil
}

// RenamePerson sets the name of a person
func (m *MockStore) RenamePerson(ctx context.Context, id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.state.persons[id]
	if !ok {
		return fmt.Errorf("person %s: %w", id, database.ErrNotFound)
	}
	p.Name = name
	m.state.persons[id] = p
	return nil
}

// FindPersons matches persons by normalized name
func (m *MockStore) FindPersons(ctx context.Context, name string) ([]database.Person, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := facematch.NormalizePersonName(name)
	var out []database.Person
	for _, p := range m.state.persons {
		if p.Name != "" && facematch.NormalizePersonName(p.Name) == want {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b database.Person) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// DeletePerson removes a person
func (m *MockStore) DeletePerson(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state.persons, id)
	return nil
}

// AddConstraints stores constraints, ignoring duplicates
func (m *MockStore) AddConstraints(ctx context.Context, constraints []database.Constraint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range constraints {
		key := database.NewConstraint(c.FaceA, c.FaceB, c.Type)
		m.state.constraint[key] = struct{}{}
	}
	return nil
}

// ListConstraints returns all constraints
func (m *MockStore) ListConstraints(ctx context.Context) ([]database.Constraint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Collect(maps.Keys(m.state.constraint))
	slices.SortFunc(out, func(a, b database.Constraint) int {
		if c := cmp.Compare(a.FaceA, b.FaceA); c != 0 {
			return c
		}
		if c := cmp.Compare(a.FaceB, b.FaceB); c != 0 {
			return c
		}
		return cmp.Compare(a.Type, b.Type)
	})
	return out, nil
}

var (
	_ database.Store = (*MockStore)(nil)
	_ database.Store = txStore{}
)
