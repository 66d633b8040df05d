package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/kozaktomas/face-clusterer/internal/database"
)

func TestWithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	m := NewMockStore()
	faces := []database.StoredFace{{FaceIndex: 0}, {FaceIndex: 1}}
	if err := m.SaveFaces(ctx, "p1", faces); err != nil {
		t.Fatal(err)
	}
	if faces[0].ID == 0 || faces[1].ID == faces[0].ID {
		t.Fatalf("ids not assigned: %+v", faces)
	}

	boom := errors.New("boom")
	err := m.WithTx(ctx, func(tx database.Store) error {
		if err := tx.CreateCluster(ctx, database.Cluster{ID: "c1"}); err != nil {
			return err
		}
		if err := tx.AssignFace(ctx, faces[0].ID, "c1", database.FaceStatusClustered); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() error = %v, want boom", err)
	}
	if _, err := m.GetCluster(ctx, "c1"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("cluster survived rollback: %v", err)
	}
	f, _ := m.GetFace(ctx, faces[0].ID)
	if f.ClusterID != "" {
		t.Errorf("face assignment survived rollback: %+v", f)
	}
	if m.TxRollbacks != 1 || m.TxCommits != 0 {
		t.Errorf("commits/rollbacks = %d/%d", m.TxCommits, m.TxRollbacks)
	}
}

func TestWithTxCommits(t *testing.T) {
	ctx := context.Background()
	m := NewMockStore()
	err := m.WithTx(ctx, func(tx database.Store) error {
		if err := tx.CreatePerson(ctx, database.Person{ID: "p", Name: "Jan Novák"}); err != nil {
			return err
		}
		return tx.CreateCluster(ctx, database.Cluster{ID: "c1", PersonID: "p"})
	})
	if err != nil {
		t.Fatalf("WithTx() error = %v", err)
	}
	persons, _ := m.FindPersons(ctx, "jan-novak")
	if len(persons) != 1 || persons[0].ID != "p" {
		t.Errorf("FindPersons() = %+v, want person p", persons)
	}
	summaries, _ := m.ClusterSummaries(ctx)
	if len(summaries) != 1 || summaries[0].PersonName != "Jan Novák" {
		t.Errorf("ClusterSummaries() = %+v", summaries)
	}
}

func TestAddConstraintsDeduplicates(t *testing.T) {
	ctx := context.Background()
	m := NewMockStore()
	_ = m.AddConstraints(ctx, []database.Constraint{
		database.NewConstraint(1, 2, database.CannotLink),
		{FaceA: 2, FaceB: 1, Type: database.CannotLink},
		database.NewConstraint(1, 2, database.MustLink),
	})
	cs, _ := m.ListConstraints(ctx)
	if len(cs) != 2 {
		t.Errorf("ListConstraints() = %+v, want 2 entries", cs)
	}
}
