package projects

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const projectColumns = `id, owner_id, title, faculty, topic, level, status, created_at, last_activity_at, completed_at`

const artifactColumns = `id, project_id, version, storage_key, content_hash, size_bytes, quality_score,
       completed_chunks, total_chunks, chunk_ids, skipped_chunks, created_at`

const uniqueViolation = "23505"

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(s rowScanner) (Project, error) {
	var p Project
	var faculty, topic, level sql.NullString
	var status string
	var completedAt sql.NullTime
	if err := s.Scan(&p.ID, &p.OwnerID, &p.Title, &faculty, &topic, &level, &status, &p.CreatedAt, &p.LastActivityAt, &completedAt); err != nil {
		return Project{}, err
	}
	p.Faculty = faculty.String
	p.Topic = topic.String
	p.Level = level.String
	p.Status = Status(status)
	if completedAt.Valid {
		t := completedAt.Time
		p.CompletedAt = &t
	}
	return p, nil
}

// Create inserts a new project.
func (r *PGRepo) Create(ctx context.Context, project Project) error {
	const query = `
INSERT INTO projects (id, owner_id, title, faculty, topic, level, status, created_at, last_activity_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.DB.ExecContext(ctx, query,
		project.ID,
		project.OwnerID,
		project.Title,
		nullString(project.Faculty),
		nullString(project.Topic),
		nullString(project.Level),
		string(project.Status),
		project.CreatedAt,
		project.LastActivityAt,
	)
	return err
}

// GetByID returns a project by its ID.
func (r *PGRepo) GetByID(ctx context.Context, projectID string) (Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
	p, err := scanProject(r.DB.QueryRowContext(ctx, query, projectID))
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	return p, err
}

// ListByOwner returns the owner's projects, most recently active first.
func (r *PGRepo) ListByOwner(ctx context.Context, ownerID string) ([]Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE owner_id = $1 ORDER BY last_activity_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetStatus moves the project from one of from to to in a single conditional update.
func (r *PGRepo) SetStatus(ctx context.Context, projectID string, from []Status, to Status, at time.Time) (Project, error) {
	args := []any{string(to), at, projectID}
	marks := make([]string, 0, len(from))
	for i, s := range from {
		args = append(args, string(s))
		marks = append(marks, fmt.Sprintf("$%d", i+4))
	}
	query := `
UPDATE projects
SET status = $1,
    last_activity_at = $2,
    completed_at = CASE WHEN $1 = 'completed' THEN $2 ELSE completed_at END
WHERE id = $3 AND status IN (` + strings.Join(marks, ", ") + `)
RETURNING ` + projectColumns
	p, err := scanProject(r.DB.QueryRowContext(ctx, query, args...))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Project{}, err
	}
	current, getErr := r.GetByID(ctx, projectID)
	if getErr != nil {
		return Project{}, getErr
	}
	return Project{}, &StateError{ProjectID: projectID, Status: current.Status, Op: "move to " + string(to)}
}

// Touch records activity on the project.
func (r *PGRepo) Touch(ctx context.Context, projectID string, at time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET last_activity_at = $1 WHERE id = $2`, at, projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PGArtifactRepo implements ArtifactRepo using Postgres.
type PGArtifactRepo struct {
	DB *sql.DB
}

func scanArtifact(s rowScanner) (Artifact, error) {
	var a Artifact
	var chunkIDs, skipped []byte
	if err := s.Scan(
		&a.ID,
		&a.ProjectID,
		&a.Version,
		&a.StorageKey,
		&a.ContentHash,
		&a.SizeBytes,
		&a.QualityScore,
		&a.CompletedChunks,
		&a.TotalChunks,
		&chunkIDs,
		&skipped,
		&a.CreatedAt,
	); err != nil {
		return Artifact{}, err
	}
	if err := json.Unmarshal(chunkIDs, &a.ChunkIDs); err != nil {
		return Artifact{}, fmt.Errorf("decode chunk_ids: %w", err)
	}
	if err := json.Unmarshal(skipped, &a.Skipped); err != nil {
		return Artifact{}, fmt.Errorf("decode skipped_chunks: %w", err)
	}
	return a, nil
}

// Create inserts a new version.
func (r *PGArtifactRepo) Create(ctx context.Context, a Artifact) error {
	const query = `
INSERT INTO project_artifacts (` + artifactColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11::jsonb, $12)`
	chunkIDs, err := json.Marshal(nonNilStrings(a.ChunkIDs))
	if err != nil {
		return err
	}
	skipped := a.Skipped
	if skipped == nil {
		skipped = []SkippedChunk{}
	}
	skippedJSON, err := json.Marshal(skipped)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, query,
		a.ID,
		a.ProjectID,
		a.Version,
		a.StorageKey,
		a.ContentHash,
		a.SizeBytes,
		a.QualityScore,
		a.CompletedChunks,
		a.TotalChunks,
		chunkIDs,
		skippedJSON,
		a.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrVersionTaken
	}
	return err
}

// Delete removes a version by artifact ID.
func (r *PGArtifactRepo) Delete(ctx context.Context, artifactID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM project_artifacts WHERE id = $1`, artifactID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestVersion returns the highest stored version, or 0.
func (r *PGArtifactRepo) LatestVersion(ctx context.Context, projectID string) (int, error) {
	var latest int
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM project_artifacts WHERE project_id = $1`, projectID).Scan(&latest)
	return latest, err
}

// ListByProject returns versions newest first.
func (r *PGArtifactRepo) ListByProject(ctx context.Context, projectID string) ([]Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM project_artifacts WHERE project_id = $1 ORDER BY version DESC`
	rows, err := r.DB.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Artifact, 0)
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetVersion returns a single version.
func (r *PGArtifactRepo) GetVersion(ctx context.Context, projectID string, version int) (Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM project_artifacts WHERE project_id = $1 AND version = $2`
	a, err := scanArtifact(r.DB.QueryRowContext(ctx, query, projectID, version))
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, ErrNotFound
	}
	return a, err
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
