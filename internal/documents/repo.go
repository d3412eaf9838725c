package documents

import "context"

// Repo defines persistence operations for project documents.
type Repo interface {
	Create(ctx context.Context, doc Document) error
	ListByProject(ctx context.Context, projectID string) ([]Document, error)
}
