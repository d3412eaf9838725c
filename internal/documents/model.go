package documents

import "time"

// Document is a source file uploaded to a project and segmented into chunks.
type Document struct {
	ID         string
	ProjectID  string
	OwnerID    string
	FileName   string
	MimeType   string
	SizeBytes  int64
	StorageKey string
	ChunkCount int
	CreatedAt  time.Time
}
