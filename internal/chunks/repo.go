package chunks

import "context"

// Reader exposes read-only chunk access.
type Reader interface {
	GetByID(ctx context.Context, chunkID string) (Chunk, error)
	// GetMany returns the chunks that exist among ids, in no particular order.
	GetMany(ctx context.Context, chunkIDs []string) ([]Chunk, error)
	// ListByProject returns a project's chunks ordered by OrderIndex.
	ListByProject(ctx context.Context, projectID string) ([]Chunk, error)
}

// Editor covers the user-driven draft phase: bozza and pronto chunks only.
type Editor interface {
	Create(ctx context.Context, chunk Chunk) error
	UpdateContent(ctx context.Context, chunkID, title, content string) (Chunk, error)
	MarkReady(ctx context.Context, chunkID string) (Chunk, error)
	Reset(ctx context.Context, chunkID string) (Chunk, error)
	Delete(ctx context.Context, chunkID string) error
}

// QueueWriter is the scheduler's write capability. It is the only way a chunk enters in_coda.
type QueueWriter interface {
	// Reserve moves every chunk in chunkIDs from pronto to in_coda under jobID, or none of them.
	Reserve(ctx context.Context, projectID, jobID string, chunkIDs []string) error
	// Release returns chunks held by jobID that are still in_coda or elaborazione to pronto.
	Release(ctx context.Context, jobID string, chunkIDs []string) ([]string, error)
}

// ResultWriter is the reconciler's write capability for every transition after in_coda.
type ResultWriter interface {
	// MarkProcessing moves chunks held by jobID from in_coda to elaborazione and returns the moved ids.
	MarkProcessing(ctx context.Context, jobID string, chunkIDs []string) ([]string, error)
	Complete(ctx context.Context, jobID, chunkID, output string) error
	Fail(ctx context.Context, jobID, chunkID, message string) error
}

// Repo is implemented by the concrete stores. Components depend on the narrow interfaces above.
type Repo interface {
	Reader
	Editor
	QueueWriter
	ResultWriter
}
