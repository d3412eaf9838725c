package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Status is the provider-side state of a submitted batch.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

var (
	// ErrUnavailable marks transient failures: the provider could not be reached or answered 5xx/429.
	ErrUnavailable = errors.New("batch provider unavailable")
	// ErrRejected marks permanent refusals of a request.
	ErrRejected = errors.New("batch provider rejected request")
)

// Item is one chunk payload inside a batch.
type Item struct {
	CustomID string
	Title    string
	Content  string
}

// Config carries per-batch inference parameters.
type Config struct {
	Model        string
	Temperature  *float64
	MaxTokens    int
	Instructions string
}

// SubmitRequest is a batch to submit.
type SubmitRequest struct {
	JobID  string
	Items  []Item
	Config Config
}

// ItemResult is the provider outcome for a single item.
type ItemResult struct {
	CustomID  string
	Succeeded bool
	Output    string
	TokensIn  int
	TokensOut int
	Cost      float64
	LatencyMs int64
	Error     string
}

// Snapshot is the authoritative provider view of a batch at one point in time.
type Snapshot struct {
	Handle    string
	Status    Status
	Total     int
	Completed int
	Failed    int
	// Started lists items the provider reports as picked up. Nil means no per-item granularity.
	Started []string
	Items   []ItemResult
	Error   string
}

// Fingerprint identifies the observable content of a snapshot. Two snapshots with the same
// fingerprint carry the same status and the same set of item outcomes.
func (s Snapshot) Fingerprint() string {
	parts := make([]string, 0, len(s.Items)+len(s.Started)+2)
	parts = append(parts, fmt.Sprintf("status=%s total=%d completed=%d failed=%d", s.Status, s.Total, s.Completed, s.Failed))
	items := make([]string, 0, len(s.Items))
	for _, item := range s.Items {
		items = append(items, fmt.Sprintf("item=%s ok=%t", item.CustomID, item.Succeeded))
	}
	sort.Strings(items)
	parts = append(parts, items...)
	started := append([]string(nil), s.Started...)
	sort.Strings(started)
	for _, id := range started {
		parts = append(parts, "started="+id)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}

// Client submits batches to an asynchronous inference provider and reads their state.
type Client interface {
	Name() string
	// Submit returns the provider handle once the batch is accepted. It does not wait for processing.
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	// Fetch reads the current state. It never mutates provider state.
	Fetch(ctx context.Context, handle string) (Snapshot, error)
	Cancel(ctx context.Context, handle string) error
}

// Unavailable wraps err as a transient provider failure.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// Rejected wraps err as a permanent provider refusal.
func Rejected(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrRejected, op, err)
}
