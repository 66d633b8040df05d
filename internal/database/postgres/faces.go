package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/face-clusterer/internal/database"
	"github.com/kozaktomas/face-clusterer/internal/facematch"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

const faceColumns = `id, photo_uid, face_index, embedding, bbox, det_score, model, dim, created_at,
	quality, yaw, roll, eligibility, pose, photo_width, photo_height, taken_at, cluster_id, status`

// GetFace retrieves a face by id.
func (s *Store) GetFace(ctx context.Context, id int64) (*database.StoredFace, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+faceColumns+" FROM faces WHERE id = $1", id)
	face, err := scanFaceRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("face %d: %w", id, database.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &face, nil
}

// GetFaces retrieves all faces for a photo.
func (s *Store) GetFaces(ctx context.Context, photoUID string) ([]database.StoredFace, error) {
	return s.queryFaces(ctx, "WHERE photo_uid = $1 ORDER BY face_index", photoUID)
}

// GetFacesByCluster retrieves all faces assigned to a cluster.
func (s *Store) GetFacesByCluster(ctx context.Context, clusterID string) ([]database.StoredFace, error) {
	return s.queryFaces(ctx, "WHERE cluster_id = $1 ORDER BY id", clusterID)
}

// GetFacesByStatus retrieves all faces in the given state.
func (s *Store) GetFacesByStatus(ctx context.Context, status database.FaceStatus) ([]database.StoredFace, error) {
	return s.queryFaces(ctx, "WHERE status = $1 ORDER BY id", string(status))
}

// ListClusterableFaces returns faces whose eligibility allows clustering.
func (s *Store) ListClusterableFaces(ctx context.Context) ([]database.StoredFace, error) {
	return s.queryFaces(ctx, "WHERE eligibility = ANY($1) ORDER BY id", pq.Array([]string{
		string(facematch.EligibilityQualifiedAnchor),
		string(facematch.EligibilityClusteringOnly),
	}))
}

func (s *Store) queryFaces(ctx context.Context, where string, args ...any) ([]database.StoredFace, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT "+faceColumns+" FROM faces "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query faces: %w", err)
	}
	defer rows.Close()
	return scanFaces(rows)
}

// IsFacesProcessed checks if face detection has been run for a photo.
func (s *Store) IsFacesProcessed(ctx context.Context, photoUID string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(
		ctx, "SELECT EXISTS(SELECT 1 FROM faces_processed WHERE photo_uid = $1)", photoUID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check faces processed: %w", err)
	}
	return exists, nil
}

// CountFaces returns the total number of faces stored.
func (s *Store) CountFaces(ctx context.Context) (int, error) {
	var count int
	if err := s.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM faces").Scan(&count); err != nil {
		return 0, fmt.Errorf("count faces: %w", err)
	}
	return count, nil
}

// SaveFaces replaces the faces of a photo and fills in their generated ids.
func (s *Store) SaveFaces(ctx context.Context, photoUID string, faces []database.StoredFace) error {
	return s.WithTx(ctx, func(tx database.Store) error {
		q := tx.(*Store).q
		if _, err := q.ExecContext(ctx, "DELETE FROM faces WHERE photo_uid = $1", photoUID); err != nil {
			return fmt.Errorf("delete existing faces: %w", err)
		}
		for i := range faces {
			faces[i].PhotoUID = photoUID
			if err := insertFace(ctx, q, &faces[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertFace(ctx context.Context, q querier, face *database.StoredFace) error {
	status := face.Status
	if status == "" {
		status = database.FaceStatusPending
	}
	var takenAt sql.NullTime
	if !face.TakenAt.IsZero() {
		takenAt = sql.NullTime{Time: face.TakenAt, Valid: true}
	}

	err := q.QueryRowContext(ctx, `
		INSERT INTO faces (photo_uid, face_index, embedding, bbox, det_score, model, dim,
		                   quality, yaw, roll, eligibility, pose, photo_width, photo_height,
		                   taken_at, cluster_id, status)
		VALUES ($1, $2, $3::vector, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id, created_at
	`,
		face.PhotoUID,
		face.FaceIndex,
		pgvector.NewVector(face.Embedding),
		pq.Array(face.BBox),
		face.DetScore,
		nullString(face.Model),
		face.Dim,
		face.Quality,
		face.Yaw,
		face.Roll,
		string(face.Eligibility),
		string(face.Pose),
		nullInt32(face.PhotoWidth),
		nullInt32(face.PhotoHeight),
		takenAt,
		nullString(face.ClusterID),
		string(status),
	).Scan(&face.ID, &face.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert face %s/%d: %w", face.PhotoUID, face.FaceIndex, err)
	}
	face.Status = status
	return nil
}

// MarkFacesProcessed records that face detection ran for a photo.
func (s *Store) MarkFacesProcessed(ctx context.Context, photoUID string, faceCount int) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO faces_processed (photo_uid, face_count)
		VALUES ($1, $2)
		ON CONFLICT (photo_uid) DO UPDATE SET face_count = EXCLUDED.face_count, created_at = NOW()
	`, photoUID, faceCount)
	if err != nil {
		return fmt.Errorf("mark faces processed: %w", err)
	}
	return nil
}

// AssignFace sets the cluster and status of a face.
func (s *Store) AssignFace(ctx context.Context, faceID int64, clusterID string, status database.FaceStatus) error {
	res, err := s.q.ExecContext(ctx,
		"UPDATE faces SET cluster_id = $2, status = $3 WHERE id = $1",
		faceID, nullString(clusterID), string(status))
	if err != nil {
		return fmt.Errorf("assign face %d: %w", faceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("face %d: %w", faceID, database.ErrNotFound)
	}
	return nil
}

// ReassignFaces moves every face of the source clusters to target.
func (s *Store) ReassignFaces(ctx context.Context, target string, sources []string) (int, error) {
	if len(sources) == 0 {
		return 0, nil
	}
	res, err := s.q.ExecContext(ctx,
		"UPDATE faces SET cluster_id = $1, status = $2 WHERE cluster_id = ANY($3::uuid[])",
		target, string(database.FaceStatusClustered), pq.Array(sources))
	if err != nil {
		return 0, fmt.Errorf("reassign faces to %s: %w", target, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reassign faces to %s: %w", target, err)
	}
	return int(n), nil
}

// scanFaceRow scans a single row selected with faceColumns.
func scanFaceRow(scanner interface{ Scan(...any) error }) (database.StoredFace, error) {
	var face database.StoredFace
	var vec pgvector.Vector
	var bbox pq.Float64Array
	var model, clusterID sql.NullString
	var eligibility, pose, status string
	var photoWidth, photoHeight sql.NullInt32
	var takenAt sql.NullTime

	err := scanner.Scan(
		&face.ID,
		&face.PhotoUID,
		&face.FaceIndex,
		&vec,
		&bbox,
		&face.DetScore,
		&model,
		&face.Dim,
		&face.CreatedAt,
		&face.Quality,
		&face.Yaw,
		&face.Roll,
		&eligibility,
		&pose,
		&photoWidth,
		&photoHeight,
		&takenAt,
		&clusterID,
		&status,
	)
	if err != nil {
		return face, fmt.Errorf("scan face: %w", err)
	}

	face.Embedding = vec.Slice()
	face.BBox = []float64(bbox)
	face.Model = model.String
	face.Eligibility = facematch.Eligibility(eligibility)
	face.Pose = facematch.PoseCategory(pose)
	face.PhotoWidth = int(photoWidth.Int32)
	face.PhotoHeight = int(photoHeight.Int32)
	if takenAt.Valid {
		face.TakenAt = takenAt.Time.In(time.UTC)
	}
	face.ClusterID = clusterID.String
	face.Status = database.FaceStatus(status)
	return face, nil
}

func scanFaces(rows *sql.Rows) ([]database.StoredFace, error) {
	var faces []database.StoredFace
	for rows.Next() {
		face, err := scanFaceRow(rows)
		if err != nil {
			return nil, err
		}
		faces = append(faces, face)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate faces: %w", err)
	}
	return faces, nil
}
