package health

import (
	"context"
	"database/sql"
	"time"

	"studybatch/internal/shared/storage/db"
)

const defaultTimeout = 2 * time.Second

// Report is the readiness payload.
type Report struct {
	OK       bool   `json:"ok"`
	Database string `json:"database"`
	Provider string `json:"provider"`
	Store    string `json:"store"`
}

// Service reports whether the API can serve batch traffic.
type Service struct {
	DB       *sql.DB
	Provider string
	Store    string
	Timeout  time.Duration
}

// NewService constructs a new health service. A nil database means in-memory repositories.
func NewService(sqlDB *sql.DB, providerName, storeType string) *Service {
	return &Service{DB: sqlDB, Provider: providerName, Store: storeType, Timeout: defaultTimeout}
}

// Status returns the liveness payload.
func (s *Service) Status() map[string]bool {
	return map[string]bool{"ok": true}
}

// Ready pings the database.
func (s *Service) Ready(ctx context.Context) Report {
	report := Report{OK: true, Database: "memory", Provider: s.Provider, Store: s.Store}
	if s.DB == nil {
		return report
	}
	if err := db.Ping(ctx, s.DB, s.Timeout); err != nil {
		report.OK = false
		report.Database = "down"
		return report
	}
	report.Database = "up"
	return report
}
