package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"studybatch/internal/chunks"
	"studybatch/internal/projects"
	"studybatch/internal/provider"
)

type scriptedProvider struct {
	mu        sync.Mutex
	snapshot  provider.Snapshot
	submitErr error
	fetchErr  error
	cancelErr error
	onSubmit  func(provider.SubmitRequest)
	submitted []provider.SubmitRequest
	cancelled []string
	fetches   int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Submit(ctx context.Context, req provider.SubmitRequest) (string, error) {
	p.mu.Lock()
	hook, err := p.onSubmit, p.submitErr
	p.submitted = append(p.submitted, req)
	p.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	if err != nil {
		return "", err
	}
	return "batch-" + req.JobID, nil
}

func (p *scriptedProvider) Fetch(ctx context.Context, handle string) (provider.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetches++
	if p.fetchErr != nil {
		return provider.Snapshot{}, p.fetchErr
	}
	snap := p.snapshot
	snap.Handle = handle
	return snap, nil
}

func (p *scriptedProvider) Cancel(ctx context.Context, handle string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelErr != nil {
		return p.cancelErr
	}
	p.cancelled = append(p.cancelled, handle)
	return nil
}

func (p *scriptedProvider) set(snap provider.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshot = snap
}

func (p *scriptedProvider) fetchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetches
}

// countingRepo counts every write reaching the job store.
type countingRepo struct {
	*MemoryRepo
	writes atomic.Int64
}

func (r *countingRepo) Create(ctx context.Context, job Job, results []Result) error {
	r.writes.Add(1)
	return r.MemoryRepo.Create(ctx, job, results)
}

func (r *countingRepo) Update(ctx context.Context, job Job) error {
	r.writes.Add(1)
	return r.MemoryRepo.Update(ctx, job)
}

func (r *countingRepo) ApplyResult(ctx context.Context, result Result) (bool, error) {
	r.writes.Add(1)
	return r.MemoryRepo.ApplyResult(ctx, result)
}

// countingChunks counts chunk writes made after reservation.
type countingChunks struct {
	*chunks.MemoryRepo
	writes    atomic.Int64
	completes atomic.Int64
}

func (c *countingChunks) MarkProcessing(ctx context.Context, jobID string, ids []string) ([]string, error) {
	c.writes.Add(1)
	return c.MemoryRepo.MarkProcessing(ctx, jobID, ids)
}

func (c *countingChunks) Complete(ctx context.Context, jobID, chunkID, output string) error {
	c.writes.Add(1)
	c.completes.Add(1)
	return c.MemoryRepo.Complete(ctx, jobID, chunkID, output)
}

func (c *countingChunks) Fail(ctx context.Context, jobID, chunkID, message string) error {
	c.writes.Add(1)
	return c.MemoryRepo.Fail(ctx, jobID, chunkID, message)
}

type fixture struct {
	sched    *Scheduler
	rec      *Reconciler
	jobs     *countingRepo
	chunks   *countingChunks
	provider *scriptedProvider
	projects *projects.Service
	project  projects.Project
}

var fixtureNow = time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

// newFixture creates a project owned by user-1 with n pronto chunks c1..cn.
func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	ctx := context.Background()
	gate := projects.NewService(projects.NewMemoryRepo())
	p, err := gate.Create(ctx, "user-1", projects.CreateInput{Title: "Tesi di laurea"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	store := &countingChunks{MemoryRepo: chunks.NewMemoryRepo()}
	for i := 1; i <= n; i++ {
		c := chunks.Chunk{
			ID:         fmt.Sprintf("c%d", i),
			ProjectID:  p.ID,
			OrderIndex: i,
			Title:      fmt.Sprintf("Capitolo %d", i),
			Content:    fmt.Sprintf("Testo del capitolo %d da analizzare.", i),
			Status:     chunks.StatusReady,
		}
		if err := store.Create(ctx, c); err != nil {
			t.Fatalf("create chunk: %v", err)
		}
	}

	jobs := &countingRepo{MemoryRepo: NewMemoryRepo()}
	client := &scriptedProvider{}
	sched := NewScheduler(jobs, store, client, gate)
	sched.now = func() time.Time { return fixtureNow }
	var seq atomic.Int64
	sched.newID = func() string { return fmt.Sprintf("job-%d", seq.Add(1)) }
	sched.persistDelay = time.Millisecond

	return &fixture{
		sched:    sched,
		rec:      NewReconciler(sched, store),
		jobs:     jobs,
		chunks:   store,
		provider: client,
		projects: gate,
		project:  p,
	}
}

func (f *fixture) submit(t *testing.T, ids ...string) Job {
	t.Helper()
	job, err := f.sched.Submit(context.Background(), SubmitInput{
		ProjectID: f.project.ID,
		OwnerID:   "user-1",
		ChunkIDs:  ids,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return job
}

func (f *fixture) chunk(t *testing.T, id string) chunks.Chunk {
	t.Helper()
	c, err := f.chunks.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get chunk %s: %v", id, err)
	}
	return c
}

func (f *fixture) job(t *testing.T, id string) Job {
	t.Helper()
	job, err := f.jobs.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get job %s: %v", id, err)
	}
	return job
}

func (f *fixture) writes() int64 {
	return f.jobs.writes.Load() + f.chunks.writes.Load()
}

func assertChunkStatus(t *testing.T, f *fixture, want chunks.Status, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if got := f.chunk(t, id).Status; got != want {
			t.Fatalf("chunk %s: expected %s, got %s", id, want, got)
		}
	}
}

// gatedWriter parks the first Complete call until proceed is closed.
type gatedWriter struct {
	chunks.ResultWriter
	once    sync.Once
	entered chan struct{}
	proceed chan struct{}
}

func newGatedWriter(inner chunks.ResultWriter) *gatedWriter {
	return &gatedWriter{ResultWriter: inner, entered: make(chan struct{}), proceed: make(chan struct{})}
}

func (g *gatedWriter) Complete(ctx context.Context, jobID, chunkID, output string) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.proceed
	})
	return g.ResultWriter.Complete(ctx, jobID, chunkID, output)
}

// flakyUpdates fails Update calls that store a provider handle while failures remain.
// A negative budget fails them all.
type flakyUpdates struct {
	Repo
	mu       sync.Mutex
	failures int
	calls    int
}

func (r *flakyUpdates) Update(ctx context.Context, job Job) error {
	r.mu.Lock()
	if job.Status == JobProcessing && job.ProviderHandle != "" && r.failures != 0 {
		r.failures--
		r.calls++
		r.mu.Unlock()
		return errors.New("connection refused")
	}
	r.mu.Unlock()
	return r.Repo.Update(ctx, job)
}

func succeeded(id, output string) provider.ItemResult {
	return provider.ItemResult{CustomID: id, Succeeded: true, Output: output, TokensIn: 100, TokensOut: 50, Cost: 0.01}
}
