package health

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestReadyWithoutDatabaseReportsMemory(t *testing.T) {
	svc := NewService(nil, "local", "local")
	report := svc.Ready(context.Background())
	if !report.OK || report.Database != "memory" {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestReadyPingsDatabase(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer sqlDB.Close()

	mock.ExpectPing()
	svc := NewService(sqlDB, "openai", "s3")
	if report := svc.Ready(context.Background()); !report.OK || report.Database != "up" {
		t.Fatalf("expected up, got %+v", report)
	}

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	report := svc.Ready(context.Background())
	if report.OK || report.Database != "down" {
		t.Fatalf("expected down, got %+v", report)
	}
	if report.Provider != "openai" || report.Store != "s3" {
		t.Fatalf("unexpected labels: %+v", report)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
