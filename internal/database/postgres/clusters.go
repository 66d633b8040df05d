package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-clusterer/internal/database"
	"github.com/kozaktomas/face-clusterer/internal/facematch"
	"github.com/pgvector/pgvector-go"
)

func centroidArg(centroid []float32) any {
	if len(centroid) == 0 {
		return nil
	}
	return pgvector.NewVector(centroid)
}

// CreateCluster inserts a new cluster.
func (s *Store) CreateCluster(ctx context.Context, c database.Cluster) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO clusters (id, person_id, centroid, centroid_weight, face_count)
		VALUES ($1, $2, $3, $4, $5)
	`, c.ID, nullString(c.PersonID), centroidArg(c.Centroid), c.CentroidWeight, c.FaceCount)
	if err != nil {
		return fmt.Errorf("create cluster %s: %w", c.ID, err)
	}
	return nil
}

const clusterColumns = `id, person_id, centroid, centroid_weight, face_count, created_at, updated_at`

func scanCluster(scanner interface{ Scan(...any) error }) (database.Cluster, error) {
	var c database.Cluster
	var personID sql.NullString
	var centroid *pgvector.Vector
	err := scanner.Scan(&c.ID, &personID, &centroid, &c.CentroidWeight, &c.FaceCount, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return c, fmt.Errorf("scan cluster: %w", err)
	}
	c.PersonID = personID.String
	if centroid != nil {
		c.Centroid = centroid.Slice()
	}
	return c, nil
}

// GetCluster retrieves a cluster by id.
func (s *Store) GetCluster(ctx context.Context, id string) (*database.Cluster, error) {
	c, err := scanCluster(s.q.QueryRowContext(ctx, "SELECT "+clusterColumns+" FROM clusters WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cluster %s: %w", id, database.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListClusters returns every cluster ordered by id.
func (s *Store) ListClusters(ctx context.Context) ([]database.Cluster, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT "+clusterColumns+" FROM clusters ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query clusters: %w", err)
	}
	defer rows.Close()

	var clusters []database.Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, err
		}
		clusters = append(clusters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clusters: %w", err)
	}
	return clusters, nil
}

// ClusterIDs returns the ids of every cluster.
func (s *Store) ClusterIDs(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT id FROM clusters ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query cluster ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan cluster id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cluster ids: %w", err)
	}
	return ids, nil
}

// UpdateCluster stores the centroid, face count and person of a cluster.
func (s *Store) UpdateCluster(ctx context.Context, c database.Cluster) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE clusters
		SET person_id = $2, centroid = $3, centroid_weight = $4, face_count = $5, updated_at = NOW()
		WHERE id = $1
	`, c.ID, nullString(c.PersonID), centroidArg(c.Centroid), c.CentroidWeight, c.FaceCount)
	if err != nil {
		return fmt.Errorf("update cluster %s: %w", c.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("cluster %s: %w", c.ID, database.ErrNotFound)
	}
	return nil
}

// DeleteCluster removes a cluster. Anchors and statistics cascade, faces are unassigned.
func (s *Store) DeleteCluster(ctx context.Context, id string) error {
	if _, err := s.q.ExecContext(ctx, "DELETE FROM clusters WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete cluster %s: %w", id, err)
	}
	return nil
}

// SaveAnchors replaces the anchor set of a cluster. Anchors owned by another
// cluster move over.
func (s *Store) SaveAnchors(ctx context.Context, clusterID string, anchors []database.StoredAnchor) error {
	return s.WithTx(ctx, func(tx database.Store) error {
		q := tx.(*Store).q
		if _, err := q.ExecContext(ctx, "DELETE FROM anchors WHERE cluster_id = $1", clusterID); err != nil {
			return fmt.Errorf("delete anchors of %s: %w", clusterID, err)
		}
		for i := range anchors {
			a := &anchors[i]
			var takenAt sql.NullTime
			if !a.TakenAt.IsZero() {
				takenAt = sql.NullTime{Time: a.TakenAt, Valid: true}
			}
			_, err := q.ExecContext(ctx, `
				INSERT INTO anchors (cluster_id, face_id, embedding, quality, pose, active, taken_at)
				VALUES ($1, $2, $3::vector, $4, $5, $6, $7)
				ON CONFLICT (face_id) DO UPDATE SET
					cluster_id = EXCLUDED.cluster_id,
					embedding = EXCLUDED.embedding,
					quality = EXCLUDED.quality,
					pose = EXCLUDED.pose,
					active = EXCLUDED.active,
					taken_at = EXCLUDED.taken_at
			`, clusterID, a.FaceID, pgvector.NewVector(a.Embedding), a.Quality, string(a.Pose), a.Active, takenAt)
			if err != nil {
				return fmt.Errorf("insert anchor %d of %s: %w", a.FaceID, clusterID, err)
			}
		}
		return nil
	})
}

// GetAnchors returns all anchors of a cluster.
func (s *Store) GetAnchors(ctx context.Context, clusterID string) ([]database.StoredAnchor, error) {
	return s.queryAnchors(ctx, "WHERE cluster_id = $1 ORDER BY face_id", clusterID)
}

// ListAnchors returns the active anchors of every cluster.
func (s *Store) ListAnchors(ctx context.Context) ([]database.StoredAnchor, error) {
	return s.queryAnchors(ctx, "WHERE active ORDER BY cluster_id, face_id")
}

func (s *Store) queryAnchors(ctx context.Context, where string, args ...any) ([]database.StoredAnchor, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT cluster_id, face_id, embedding, quality, pose, active, taken_at, created_at
		FROM anchors `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query anchors: %w", err)
	}
	defer rows.Close()

	var anchors []database.StoredAnchor
	for rows.Next() {
		var a database.StoredAnchor
		var vec pgvector.Vector
		var pose string
		var takenAt sql.NullTime
		if err := rows.Scan(&a.ClusterID, &a.FaceID, &vec, &a.Quality, &pose, &a.Active, &takenAt, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan anchor: %w", err)
		}
		a.Embedding = vec.Slice()
		a.Pose = facematch.PoseCategory(pose)
		a.TakenAt = takenAt.Time
		anchors = append(anchors, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate anchors: %w", err)
	}
	return anchors, nil
}

// SaveStatistics upserts the statistics of a cluster.
func (s *Store) SaveStatistics(ctx context.Context, stats database.ClusterStatistics) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO cluster_statistics (cluster_id, mean, variance, min_sim, max_sim, sample_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (cluster_id) DO UPDATE SET
			mean = EXCLUDED.mean,
			variance = EXCLUDED.variance,
			min_sim = EXCLUDED.min_sim,
			max_sim = EXCLUDED.max_sim,
			sample_count = EXCLUDED.sample_count,
			updated_at = NOW()
	`, stats.ClusterID, stats.Mean, stats.Variance, stats.Min, stats.Max, stats.SampleCount)
	if err != nil {
		return fmt.Errorf("save statistics of %s: %w", stats.ClusterID, err)
	}
	return nil
}

const statisticsColumns = `cluster_id, mean, variance, min_sim, max_sim, sample_count, updated_at`

func scanStatistics(scanner interface{ Scan(...any) error }) (database.ClusterStatistics, error) {
	var st database.ClusterStatistics
	err := scanner.Scan(&st.ClusterID, &st.Mean, &st.Variance, &st.Min, &st.Max, &st.SampleCount, &st.UpdatedAt)
	if err != nil {
		return st, fmt.Errorf("scan statistics: %w", err)
	}
	return st, nil
}

// GetStatistics returns the statistics of a cluster.
func (s *Store) GetStatistics(ctx context.Context, clusterID string) (*database.ClusterStatistics, error) {
	st, err := scanStatistics(s.q.QueryRowContext(ctx,
		"SELECT "+statisticsColumns+" FROM cluster_statistics WHERE cluster_id = $1", clusterID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("statistics of %s: %w", clusterID, database.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// ListStatistics returns the statistics of every cluster.
func (s *Store) ListStatistics(ctx context.Context) ([]database.ClusterStatistics, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT "+statisticsColumns+" FROM cluster_statistics ORDER BY cluster_id")
	if err != nil {
		return nil, fmt.Errorf("query statistics: %w", err)
	}
	defer rows.Close()

	var out []database.ClusterStatistics
	for rows.Next() {
		st, err := scanStatistics(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate statistics: %w", err)
	}
	return out, nil
}

// ClusterSummaries lists clusters with person and anchor counts, largest first.
func (s *Store) ClusterSummaries(ctx context.Context) ([]database.ClusterSummary, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT c.id, c.person_id, COALESCE(p.name, ''), c.face_count,
		       (SELECT COUNT(*) FROM anchors a WHERE a.cluster_id = c.id AND a.active),
		       COALESCE(st.mean, 0), COALESCE(st.variance, 0), COALESCE(st.min_sim, 0),
		       COALESCE(st.max_sim, 0), COALESCE(st.sample_count, 0)
		FROM clusters c
		LEFT JOIN persons p ON p.id = c.person_id
		LEFT JOIN cluster_statistics st ON st.cluster_id = c.id
		ORDER BY c.face_count DESC, c.id
	`)
	if err != nil {
		return nil, fmt.Errorf("query cluster summaries: %w", err)
	}
	defer rows.Close()

	var out []database.ClusterSummary
	for rows.Next() {
		var cs database.ClusterSummary
		var personID sql.NullString
		err := rows.Scan(&cs.ClusterID, &personID, &cs.PersonName, &cs.FaceCount, &cs.AnchorCount,
			&cs.Stats.Mean, &cs.Stats.Variance, &cs.Stats.Min, &cs.Stats.Max, &cs.Stats.SampleCount)
		if err != nil {
			return nil, fmt.Errorf("scan cluster summary: %w", err)
		}
		cs.PersonID = personID.String
		out = append(out, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cluster summaries: %w", err)
	}
	return out, nil
}
