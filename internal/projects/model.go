package projects

import (
	"time"

	"studybatch/internal/chunks"
)

// Status is a project lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// AcceptsWork reports whether chunks and jobs may still be created or changed.
// A completed project stays open so that late results can be re-finalized.
func (s Status) AcceptsWork() bool {
	return s == StatusActive || s == StatusCompleted
}

// Project is one document-analysis effort.
type Project struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"ownerId"`
	Title          string     `json:"title"`
	Faculty        string     `json:"faculty,omitempty"`
	Topic          string     `json:"topic,omitempty"`
	Level          string     `json:"level,omitempty"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// SkipReason explains why a chunk was left out of a finalized document.
type SkipReason string

const (
	SkipNotReady SkipReason = "not_ready"
	SkipFailed   SkipReason = "failed"
	SkipQueued   SkipReason = "queued"
)

// SkipReasonFor maps a non-completed chunk status to its skip reason.
func SkipReasonFor(status chunks.Status) SkipReason {
	switch status {
	case chunks.StatusFailed:
		return SkipFailed
	case chunks.StatusQueued, chunks.StatusProcessing:
		return SkipQueued
	default:
		return SkipNotReady
	}
}

// SkippedChunk is a chunk excluded from a finalized document.
type SkippedChunk struct {
	ChunkID    string        `json:"chunk_id"`
	OrderIndex int           `json:"order_index"`
	Title      string        `json:"title"`
	Status     chunks.Status `json:"status"`
	Reason     SkipReason    `json:"reason"`
}

// Artifact is one persisted version of a project's merged document. Versions are never rewritten.
type Artifact struct {
	ID              string         `json:"id"`
	ProjectID       string         `json:"project_id"`
	Version         int            `json:"version"`
	StorageKey      string         `json:"storage_key"`
	ContentHash     string         `json:"content_hash"`
	SizeBytes       int64          `json:"size_bytes"`
	QualityScore    float64        `json:"quality_score"`
	CompletedChunks int            `json:"completed_chunks"`
	TotalChunks     int            `json:"total_chunks"`
	ChunkIDs        []string       `json:"chunk_ids"`
	Skipped         []SkippedChunk `json:"skipped_chunks"`
	CreatedAt       time.Time      `json:"created_at"`
}

// FinalizedDocument is the result of a finalize call.
type FinalizedDocument struct {
	Artifact     Artifact       `json:"artifact"`
	Document     string         `json:"document"`
	Skipped      []SkippedChunk `json:"skipped_chunks"`
	QualityScore float64        `json:"quality_score"`
}
