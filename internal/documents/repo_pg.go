package documents

import (
	"context"
	"database/sql"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

// Create inserts a new document.
func (r *PGRepo) Create(ctx context.Context, doc Document) error {
	const query = `
INSERT INTO project_documents (
    id,
    project_id,
    owner_id,
    file_name,
    mime_type,
    size_bytes,
    storage_key,
    chunk_count,
    created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.DB.ExecContext(
		ctx,
		query,
		doc.ID,
		doc.ProjectID,
		doc.OwnerID,
		doc.FileName,
		doc.MimeType,
		doc.SizeBytes,
		doc.StorageKey,
		doc.ChunkCount,
		doc.CreatedAt,
	)
	return err
}

// ListByProject returns the project's documents, newest first.
func (r *PGRepo) ListByProject(ctx context.Context, projectID string) ([]Document, error) {
	const query = `
SELECT id, project_id, owner_id, file_name, mime_type, size_bytes, storage_key, chunk_count, created_at
FROM project_documents
WHERE project_id = $1
ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		var doc Document
		if err := rows.Scan(
			&doc.ID,
			&doc.ProjectID,
			&doc.OwnerID,
			&doc.FileName,
			&doc.MimeType,
			&doc.SizeBytes,
			&doc.StorageKey,
			&doc.ChunkCount,
			&doc.CreatedAt,
		); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}
