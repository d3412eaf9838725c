package chunks

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockRepo(t *testing.T) (*PGRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &PGRepo{DB: db}, mock
}

func TestPGRepoReserveUpdatesAllRows(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, project_id, status, active_job_id FROM chunks").
		WithArgs("c1", "c2").
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "status", "active_job_id"}).
			AddRow("c1", "p1", "pronto", nil).
			AddRow("c2", "p1", "pronto", nil))
	mock.ExpectExec("UPDATE chunks").
		WithArgs("job-1", "c1", "c2").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	if err := repo.Reserve(context.Background(), "p1", "job-1", []string{"c1", "c2"}); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoReserveConflictRollsBack(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, project_id, status, active_job_id FROM chunks").
		WithArgs("c1", "c2").
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "status", "active_job_id"}).
			AddRow("c1", "p1", "pronto", nil).
			AddRow("c2", "p1", "in_coda", "job-0"))
	mock.ExpectRollback()

	err := repo.Reserve(context.Background(), "p1", "job-1", []string{"c1", "c2"})
	var resErr *ReservationError
	if !errors.As(err, &resErr) {
		t.Fatalf("expected ReservationError, got %v", err)
	}
	if resErr.ActiveJobs["c2"] != "job-0" {
		t.Fatalf("expected c2 held by job-0, got %+v", resErr.ActiveJobs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoCompleteRequiresHeldProcessingChunk(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("UPDATE chunks").
		WithArgs("completato", "analisi", nil, "c1", "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Complete(context.Background(), "job-1", "c1", "analisi"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoMarkProcessingReturnsMovedIDs(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("UPDATE chunks").
		WithArgs("job-1", "c1", "c2").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("c2"))

	moved, err := repo.MarkProcessing(context.Background(), "job-1", []string{"c1", "c2"})
	if err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if len(moved) != 1 || moved[0] != "c2" {
		t.Fatalf("expected [c2], got %v", moved)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}
