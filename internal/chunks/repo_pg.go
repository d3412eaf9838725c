package chunks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

const chunkColumns = `id, project_id, order_index, title, source_range, content, char_count, word_count,
       status, active_job_id, output, error_message, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(s rowScanner) (Chunk, error) {
	var c Chunk
	var status string
	var sourceRange sql.NullString
	var activeJobID sql.NullString
	var output sql.NullString
	var errorMessage sql.NullString
	if err := s.Scan(
		&c.ID,
		&c.ProjectID,
		&c.OrderIndex,
		&c.Title,
		&sourceRange,
		&c.Content,
		&c.CharCount,
		&c.WordCount,
		&status,
		&activeJobID,
		&output,
		&errorMessage,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return Chunk{}, err
	}
	c.Status = Status(status)
	if sourceRange.Valid {
		c.SourceRange = sourceRange.String
	}
	if activeJobID.Valid {
		c.ActiveJobID = activeJobID.String
	}
	if output.Valid {
		c.Output = output.String
	}
	if errorMessage.Valid {
		c.Error = errorMessage.String
	}
	return c, nil
}

// Create inserts a new chunk.
func (r *PGRepo) Create(ctx context.Context, chunk Chunk) error {
	const query = `
INSERT INTO chunks (
	id, project_id, order_index, title, source_range, content, char_count, word_count, status, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`
	if chunk.Status == "" {
		chunk.Status = StatusDraft
	}
	_, err := r.DB.ExecContext(ctx, query,
		chunk.ID,
		chunk.ProjectID,
		chunk.OrderIndex,
		chunk.Title,
		nullString(chunk.SourceRange),
		chunk.Content,
		len([]rune(chunk.Content)),
		CountWords(chunk.Content),
		string(chunk.Status),
		chunk.CreatedAt,
	)
	return err
}

// GetByID returns a chunk by ID.
func (r *PGRepo) GetByID(ctx context.Context, chunkID string) (Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE id = $1 LIMIT 1`
	chunk, err := scanChunk(r.DB.QueryRowContext(ctx, query, chunkID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Chunk{}, ErrNotFound
		}
		return Chunk{}, err
	}
	return chunk, nil
}

// GetMany returns the chunks that exist among chunkIDs.
func (r *PGRepo) GetMany(ctx context.Context, chunkIDs []string) ([]Chunk, error) {
	if len(chunkIDs) == 0 {
		return []Chunk{}, nil
	}
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE id IN (` + placeholders(1, len(chunkIDs)) + `)`
	return r.queryChunks(ctx, query, stringArgs(chunkIDs)...)
}

// ListByProject returns a project's chunks ordered by order_index.
func (r *PGRepo) ListByProject(ctx context.Context, projectID string) ([]Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE project_id = $1 ORDER BY order_index ASC, id ASC`
	return r.queryChunks(ctx, query, projectID)
}

func (r *PGRepo) queryChunks(ctx context.Context, query string, args ...any) ([]Chunk, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Chunk, 0)
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk)
	}
	return out, rows.Err()
}

// UpdateContent replaces title and content while the chunk is bozza or pronto.
func (r *PGRepo) UpdateContent(ctx context.Context, chunkID, title, content string) (Chunk, error) {
	query := `
UPDATE chunks
SET title = $1,
    content = $2,
    char_count = $3,
    word_count = $4,
    status = CASE WHEN status = 'pronto' AND btrim($2) = '' THEN 'bozza' ELSE status END,
    updated_at = now()
WHERE id = $5 AND status IN ('bozza', 'pronto')
RETURNING ` + chunkColumns
	chunk, err := scanChunk(r.DB.QueryRowContext(ctx, query, title, content, len([]rune(content)), CountWords(content), chunkID))
	if err == nil {
		return chunk, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Chunk{}, err
	}
	if _, getErr := r.GetByID(ctx, chunkID); getErr != nil {
		return Chunk{}, getErr
	}
	return Chunk{}, ErrContentLocked
}

// MarkReady moves a draft chunk with content to pronto.
func (r *PGRepo) MarkReady(ctx context.Context, chunkID string) (Chunk, error) {
	current, err := r.GetByID(ctx, chunkID)
	if err != nil {
		return Chunk{}, err
	}
	if err := CheckTransition(chunkID, current.Status, StatusReady); err != nil {
		return Chunk{}, err
	}
	if strings.TrimSpace(current.Content) == "" {
		return Chunk{}, ErrEmptyContent
	}
	return r.compareAndSet(ctx, chunkID, current.Status, StatusReady, `updated_at = now()`)
}

// Reset moves a failed chunk back to bozza.
func (r *PGRepo) Reset(ctx context.Context, chunkID string) (Chunk, error) {
	current, err := r.GetByID(ctx, chunkID)
	if err != nil {
		return Chunk{}, err
	}
	if err := CheckTransition(chunkID, current.Status, StatusDraft); err != nil {
		return Chunk{}, err
	}
	return r.compareAndSet(ctx, chunkID, current.Status, StatusDraft, `output = NULL, error_message = NULL, updated_at = now()`)
}

func (r *PGRepo) compareAndSet(ctx context.Context, chunkID string, from, to Status, extra string) (Chunk, error) {
	query := `UPDATE chunks SET status = $1, ` + extra + ` WHERE id = $2 AND status = $3 RETURNING ` + chunkColumns
	chunk, err := scanChunk(r.DB.QueryRowContext(ctx, query, string(to), chunkID, string(from)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Lost a race with another writer; report what we attempted.
			return Chunk{}, &InvalidTransitionError{ChunkID: chunkID, From: from, To: to}
		}
		return Chunk{}, err
	}
	return chunk, nil
}

// Delete removes a chunk that is not in flight.
func (r *PGRepo) Delete(ctx context.Context, chunkID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM chunks WHERE id = $1 AND status NOT IN ('in_coda', 'elaborazione')`, chunkID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := r.GetByID(ctx, chunkID); getErr != nil {
			return getErr
		}
		return ErrContentLocked
	}
	return nil
}

// Reserve locks the selected rows and moves them to in_coda in one transaction.
func (r *PGRepo) Reserve(ctx context.Context, projectID, jobID string, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	lockQuery := `SELECT id, project_id, status, active_job_id FROM chunks WHERE id IN (` + placeholders(1, len(chunkIDs)) + `) FOR UPDATE`
	rows, err := tx.QueryContext(ctx, lockQuery, stringArgs(chunkIDs)...)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(chunkIDs))
	conflict := &ReservationError{Conflicts: map[string]Status{}, ActiveJobs: map[string]string{}}
	for rows.Next() {
		var id, owner, status string
		var activeJobID sql.NullString
		if err := rows.Scan(&id, &owner, &status, &activeJobID); err != nil {
			rows.Close()
			return err
		}
		if owner != projectID {
			continue
		}
		seen[id] = struct{}{}
		if Status(status) != StatusReady || activeJobID.Valid {
			conflict.Conflicts[id] = Status(status)
			if activeJobID.Valid {
				conflict.ActiveJobs[id] = activeJobID.String
			}
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()
	for _, id := range chunkIDs {
		if _, ok := seen[id]; !ok {
			conflict.Missing = append(conflict.Missing, id)
		}
	}
	if len(conflict.Conflicts) > 0 || len(conflict.Missing) > 0 {
		return conflict
	}

	updateQuery := `
UPDATE chunks
SET status = 'in_coda', active_job_id = $1, error_message = NULL, updated_at = now()
WHERE status = 'pronto' AND active_job_id IS NULL AND id IN (` + placeholders(2, len(chunkIDs)) + `)`
	args := append([]any{jobID}, stringArgs(chunkIDs)...)
	res, err := tx.ExecContext(ctx, updateQuery, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); int(n) != len(chunkIDs) {
		return fmt.Errorf("%w: reserved %d of %d chunks", ErrReservation, n, len(chunkIDs))
	}
	return tx.Commit()
}

// Release returns in-flight chunks held by jobID to pronto.
func (r *PGRepo) Release(ctx context.Context, jobID string, chunkIDs []string) ([]string, error) {
	query := `
UPDATE chunks
SET status = 'pronto', active_job_id = NULL, updated_at = now()
WHERE active_job_id = $1 AND status IN ('in_coda', 'elaborazione')`
	return r.updateHeld(ctx, query, jobID, chunkIDs)
}

// MarkProcessing moves in_coda chunks held by jobID to elaborazione.
func (r *PGRepo) MarkProcessing(ctx context.Context, jobID string, chunkIDs []string) ([]string, error) {
	query := `
UPDATE chunks
SET status = 'elaborazione', updated_at = now()
WHERE active_job_id = $1 AND status = 'in_coda'`
	return r.updateHeld(ctx, query, jobID, chunkIDs)
}

func (r *PGRepo) updateHeld(ctx context.Context, baseQuery, jobID string, chunkIDs []string) ([]string, error) {
	if len(chunkIDs) == 0 {
		return []string{}, nil
	}
	query := baseQuery + ` AND id IN (` + placeholders(2, len(chunkIDs)) + `) RETURNING id`
	args := append([]any{jobID}, stringArgs(chunkIDs)...)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]string, 0, len(chunkIDs))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Complete stores the output and moves the chunk to completato.
func (r *PGRepo) Complete(ctx context.Context, jobID, chunkID, output string) error {
	return r.finish(ctx, jobID, chunkID, StatusCompleted, nullString(output), nil)
}

// Fail stores the error message and moves the chunk to errore.
func (r *PGRepo) Fail(ctx context.Context, jobID, chunkID, message string) error {
	return r.finish(ctx, jobID, chunkID, StatusFailed, nil, nullString(message))
}

func (r *PGRepo) finish(ctx context.Context, jobID, chunkID string, to Status, output, message any) error {
	const query = `
UPDATE chunks
SET status = $1, active_job_id = NULL, output = $2, error_message = $3, updated_at = now()
WHERE id = $4 AND active_job_id = $5 AND status = 'elaborazione'`
	res, err := r.DB.ExecContext(ctx, query, string(to), output, message, chunkID, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	current, err := r.GetByID(ctx, chunkID)
	if err != nil {
		return err
	}
	if current.ActiveJobID != jobID {
		return ErrNotHeld
	}
	return &InvalidTransitionError{ChunkID: chunkID, From: current.Status, To: to}
}

func placeholders(start, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", start+i)
	}
	return b.String()
}

func stringArgs(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func nullString(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

var _ Repo = (*PGRepo)(nil)
