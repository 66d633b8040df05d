package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-clusterer/internal/database"
	"github.com/kozaktomas/face-clusterer/internal/facematch"
)

// CreatePerson inserts a person.
func (s *Store) CreatePerson(ctx context.Context, p database.Person) error {
	if _, err := s.q.ExecContext(ctx, "INSERT INTO persons (id, name) VALUES ($1, $2)", p.ID, p.Name); err != nil {
		return fmt.Errorf("create person %s: %w", p.ID, err)
	}
	return nil
}

// GetPerson retrieves a person by id.
func (s *Store) GetPerson(ctx context.Context, id string) (*database.Person, error) {
	var p database.Person
	err := s.q.QueryRowContext(ctx, "SELECT id, name, created_at FROM persons WHERE id = $1", id).
		Scan(&p.ID, &p.Name, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("person %s: %w", id, database.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get person %s: %w", id, err)
	}
	return &p, nil
}

// RenamePerson changes the display name of a person.
func (s *Store) RenamePerson(ctx context.Context, id, name string) error {
	res, err := s.q.ExecContext(ctx, "UPDATE persons SET name = $2 WHERE id = $1", id, name)
	if err != nil {
		return fmt.Errorf("rename person %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("person %s: %w", id, database.ErrNotFound)
	}
	return nil
}

// FindPersons returns persons whose normalized name matches.
// "jan-novak" matches "Jan Novák".
func (s *Store) FindPersons(ctx context.Context, name string) ([]database.Person, error) {
	// Same normalization as facematch.NormalizePersonName, done in SQL.
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, name, created_at
		FROM persons
		WHERE BTRIM(REGEXP_REPLACE(LOWER(REPLACE(unaccent(name), '-', ' ')), '\s+', ' ', 'g')) = $1
		ORDER BY created_at, id
	`, facematch.NormalizePersonName(name))
	if err != nil {
		return nil, fmt.Errorf("find persons: %w", err)
	}
	defer rows.Close()

	var persons []database.Person
	for rows.Next() {
		var p database.Person
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		persons = append(persons, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate persons: %w", err)
	}
	return persons, nil
}

// DeletePerson removes a person. Their clusters stay, unnamed.
func (s *Store) DeletePerson(ctx context.Context, id string) error {
	if _, err := s.q.ExecContext(ctx, "DELETE FROM persons WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete person %s: %w", id, err)
	}
	return nil
}
