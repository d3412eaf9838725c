package chunks

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryRepo stores chunks in memory and is safe for concurrent use.
type MemoryRepo struct {
	mu   sync.RWMutex
	byID map[string]Chunk
	now  func() time.Time
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		byID: make(map[string]Chunk),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Create stores the chunk.
func (r *MemoryRepo) Create(ctx context.Context, chunk Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if chunk.Status == "" {
		chunk.Status = StatusDraft
	}
	chunk.CharCount = len([]rune(chunk.Content))
	chunk.WordCount = CountWords(chunk.Content)
	if chunk.CreatedAt.IsZero() {
		chunk.CreatedAt = r.now()
	}
	chunk.UpdatedAt = chunk.CreatedAt
	r.byID[chunk.ID] = chunk
	return nil
}

// GetByID returns a chunk by its ID.
func (r *MemoryRepo) GetByID(ctx context.Context, chunkID string) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	chunk, ok := r.byID[chunkID]
	if !ok {
		return Chunk{}, ErrNotFound
	}
	return chunk, nil
}

// GetMany returns the chunks that exist among chunkIDs.
func (r *MemoryRepo) GetMany(ctx context.Context, chunkIDs []string) ([]Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Chunk, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		if chunk, ok := r.byID[id]; ok {
			out = append(out, chunk)
		}
	}
	return out, nil
}

// ListByProject returns chunks for a project ordered by OrderIndex.
func (r *MemoryRepo) ListByProject(ctx context.Context, projectID string) ([]Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	out := make([]Chunk, 0)
	for _, chunk := range r.byID {
		if chunk.ProjectID == projectID {
			out = append(out, chunk)
		}
	}
	r.mu.RUnlock()
	sortByOrder(out)
	return out, nil
}

// UpdateContent replaces title and content while the chunk is still editable.
func (r *MemoryRepo) UpdateContent(ctx context.Context, chunkID, title, content string) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	chunk, ok := r.byID[chunkID]
	if !ok {
		return Chunk{}, ErrNotFound
	}
	if chunk.Status.ContentLocked() {
		return Chunk{}, ErrContentLocked
	}
	chunk.Title = title
	chunk.Content = content
	chunk.CharCount = len([]rune(content))
	chunk.WordCount = CountWords(content)
	if chunk.Status == StatusReady && strings.TrimSpace(content) == "" {
		chunk.Status = StatusDraft
	}
	chunk.UpdatedAt = r.now()
	r.byID[chunkID] = chunk
	return chunk, nil
}

// MarkReady moves a draft chunk to pronto.
func (r *MemoryRepo) MarkReady(ctx context.Context, chunkID string) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	chunk, ok := r.byID[chunkID]
	if !ok {
		return Chunk{}, ErrNotFound
	}
	if err := CheckTransition(chunkID, chunk.Status, StatusReady); err != nil {
		return Chunk{}, err
	}
	if strings.TrimSpace(chunk.Content) == "" {
		return Chunk{}, ErrEmptyContent
	}
	chunk.Status = StatusReady
	chunk.UpdatedAt = r.now()
	r.byID[chunkID] = chunk
	return chunk, nil
}

// Reset moves a failed chunk back to bozza and clears its result fields.
func (r *MemoryRepo) Reset(ctx context.Context, chunkID string) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	chunk, ok := r.byID[chunkID]
	if !ok {
		return Chunk{}, ErrNotFound
	}
	if err := CheckTransition(chunkID, chunk.Status, StatusDraft); err != nil {
		return Chunk{}, err
	}
	chunk.Status = StatusDraft
	chunk.Error = ""
	chunk.Output = ""
	chunk.UpdatedAt = r.now()
	r.byID[chunkID] = chunk
	return chunk, nil
}

// Delete removes a chunk that is not part of an active job.
func (r *MemoryRepo) Delete(ctx context.Context, chunkID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	chunk, ok := r.byID[chunkID]
	if !ok {
		return ErrNotFound
	}
	if chunk.Status.InFlight() {
		return ErrContentLocked
	}
	delete(r.byID, chunkID)
	return nil
}

// Reserve moves all chunks to in_coda under jobID or leaves every chunk untouched.
func (r *MemoryRepo) Reserve(ctx context.Context, projectID, jobID string, chunkIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	conflict := &ReservationError{Conflicts: map[string]Status{}, ActiveJobs: map[string]string{}}
	for _, id := range chunkIDs {
		chunk, ok := r.byID[id]
		if !ok || chunk.ProjectID != projectID {
			conflict.Missing = append(conflict.Missing, id)
			continue
		}
		if chunk.Status != StatusReady || chunk.ActiveJobID != "" {
			conflict.Conflicts[id] = chunk.Status
			if chunk.ActiveJobID != "" {
				conflict.ActiveJobs[id] = chunk.ActiveJobID
			}
		}
	}
	if len(conflict.Conflicts) > 0 || len(conflict.Missing) > 0 {
		return conflict
	}

	now := r.now()
	for _, id := range chunkIDs {
		chunk := r.byID[id]
		chunk.Status = StatusQueued
		chunk.ActiveJobID = jobID
		chunk.Error = ""
		chunk.UpdatedAt = now
		r.byID[id] = chunk
	}
	return nil
}

// Release returns in-flight chunks held by jobID to pronto.
func (r *MemoryRepo) Release(ctx context.Context, jobID string, chunkIDs []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	released := make([]string, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		chunk, ok := r.byID[id]
		if !ok || chunk.ActiveJobID != jobID || !chunk.Status.InFlight() {
			continue
		}
		chunk.Status = StatusReady
		chunk.ActiveJobID = ""
		chunk.UpdatedAt = now
		r.byID[id] = chunk
		released = append(released, id)
	}
	return released, nil
}

// MarkProcessing moves in_coda chunks held by jobID to elaborazione.
func (r *MemoryRepo) MarkProcessing(ctx context.Context, jobID string, chunkIDs []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	moved := make([]string, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		chunk, ok := r.byID[id]
		if !ok || chunk.ActiveJobID != jobID || chunk.Status != StatusQueued {
			continue
		}
		chunk.Status = StatusProcessing
		chunk.UpdatedAt = now
		r.byID[id] = chunk
		moved = append(moved, id)
	}
	return moved, nil
}

// Complete stores the output and moves the chunk to completato.
func (r *MemoryRepo) Complete(ctx context.Context, jobID, chunkID, output string) error {
	return r.finish(ctx, jobID, chunkID, StatusCompleted, output, "")
}

// Fail stores the error message and moves the chunk to errore.
func (r *MemoryRepo) Fail(ctx context.Context, jobID, chunkID, message string) error {
	return r.finish(ctx, jobID, chunkID, StatusFailed, "", message)
}

func (r *MemoryRepo) finish(ctx context.Context, jobID, chunkID string, to Status, output, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	chunk, ok := r.byID[chunkID]
	if !ok {
		return ErrNotFound
	}
	if chunk.ActiveJobID != jobID {
		return ErrNotHeld
	}
	if err := CheckTransition(chunkID, chunk.Status, to); err != nil {
		return err
	}
	chunk.Status = to
	chunk.ActiveJobID = ""
	chunk.Output = output
	chunk.Error = message
	chunk.UpdatedAt = r.now()
	r.byID[chunkID] = chunk
	return nil
}

func sortByOrder(list []Chunk) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].OrderIndex != list[j].OrderIndex {
			return list[i].OrderIndex < list[j].OrderIndex
		}
		return list[i].ID < list[j].ID
	})
}

var _ Repo = (*MemoryRepo)(nil)
