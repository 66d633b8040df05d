package postgres

import (
	"context"
	"fmt"

	"github.com/kozaktomas/face-clusterer/internal/database"
)

// AddConstraints stores pairwise constraints. Existing ones are ignored.
func (s *Store) AddConstraints(ctx context.Context, constraints []database.Constraint) error {
	if len(constraints) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx database.Store) error {
		q := tx.(*Store).q
		for _, c := range constraints {
			c = database.NewConstraint(c.FaceA, c.FaceB, c.Type)
			if c.FaceA == c.FaceB {
				continue
			}
			_, err := q.ExecContext(ctx, `
				INSERT INTO face_constraints (face_a, face_b, type)
				VALUES ($1, $2, $3)
				ON CONFLICT DO NOTHING
			`, c.FaceA, c.FaceB, string(c.Type))
			if err != nil {
				return fmt.Errorf("insert constraint %d-%d: %w", c.FaceA, c.FaceB, err)
			}
		}
		return nil
	})
}

// ListConstraints returns every stored constraint.
func (s *Store) ListConstraints(ctx context.Context) ([]database.Constraint, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT face_a, face_b, type, created_at FROM face_constraints ORDER BY face_a, face_b, type")
	if err != nil {
		return nil, fmt.Errorf("query constraints: %w", err)
	}
	defer rows.Close()

	var out []database.Constraint
	for rows.Next() {
		var c database.Constraint
		var typ string
		if err := rows.Scan(&c.FaceA, &c.FaceB, &typ, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan constraint: %w", err)
		}
		c.Type = database.ConstraintType(typ)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate constraints: %w", err)
	}
	return out, nil
}
