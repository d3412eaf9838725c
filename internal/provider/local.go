package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalClient simulates an asynchronous batch provider in process. Items become visible as
// completed once Delay has elapsed since submission; empty items fail.
type LocalClient struct {
	Delay time.Duration

	mu      sync.Mutex
	batches map[string]*localBatch
	now     func() time.Time
}

type localBatch struct {
	items       []Item
	submittedAt time.Time
	cancelled   bool
}

// NewLocalClient constructs a LocalClient.
func NewLocalClient(delay time.Duration) *LocalClient {
	return &LocalClient{
		Delay:   delay,
		batches: make(map[string]*localBatch),
		now:     time.Now,
	}
}

// Name returns the provider identifier.
func (c *LocalClient) Name() string { return "local" }

// Submit accepts the batch.
func (c *LocalClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", Unavailable("submit", err)
	}
	if len(req.Items) == 0 {
		return "", Rejected("submit", fmt.Errorf("batch has no items"))
	}
	handle := "local_" + uuid.NewString()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches[handle] = &localBatch{
		items:       append([]Item(nil), req.Items...),
		submittedAt: c.now(),
	}
	return handle, nil
}

// Fetch returns the simulated state of the batch.
func (c *LocalClient) Fetch(ctx context.Context, handle string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, Unavailable("fetch", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.batches[handle]
	if !ok {
		return Snapshot{}, Rejected("fetch", fmt.Errorf("unknown batch %s", handle))
	}
	snap := Snapshot{Handle: handle, Total: len(b.items)}
	if b.cancelled {
		snap.Status = StatusCancelled
		return snap, nil
	}
	elapsed := c.now().Sub(b.submittedAt)
	if elapsed < c.Delay {
		snap.Status = StatusProcessing
		return snap, nil
	}
	snap.Status = StatusCompleted
	for _, item := range b.items {
		res := ItemResult{CustomID: item.CustomID, LatencyMs: elapsed.Milliseconds()}
		if strings.TrimSpace(item.Content) == "" {
			res.Error = "empty content"
			snap.Failed++
		} else {
			words := len(strings.Fields(item.Content))
			res.Succeeded = true
			res.Output = fmt.Sprintf("Analisi di %q: %d parole esaminate.", item.Title, words)
			res.TokensIn = words
			res.TokensOut = 12
			snap.Completed++
		}
		snap.Items = append(snap.Items, res)
	}
	return snap, nil
}

// Cancel marks the batch cancelled.
func (c *LocalClient) Cancel(ctx context.Context, handle string) error {
	if err := ctx.Err(); err != nil {
		return Unavailable("cancel", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.batches[handle]
	if !ok {
		return Rejected("cancel", fmt.Errorf("unknown batch %s", handle))
	}
	if !b.cancelled && c.now().Sub(b.submittedAt) >= c.Delay {
		return Rejected("cancel", fmt.Errorf("batch %s already completed", handle))
	}
	b.cancelled = true
	return nil
}

var _ Client = (*LocalClient)(nil)
