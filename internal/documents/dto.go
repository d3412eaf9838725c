package documents

import (
	"time"

	"studybatch/internal/chunks"
)

// DocumentResponse is the outward-facing representation of a document.
type DocumentResponse struct {
	DocumentID string    `json:"documentId"`
	ProjectID  string    `json:"projectId"`
	FileName   string    `json:"fileName"`
	MimeType   string    `json:"mimeType"`
	SizeBytes  int64     `json:"sizeBytes"`
	ChunkCount int       `json:"chunkCount"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// ChunkSummary lists a draft chunk created by an upload without its content.
type ChunkSummary struct {
	ID          string        `json:"id"`
	OrderIndex  int           `json:"orderIndex"`
	Title       string        `json:"title"`
	SourceRange string        `json:"sourceRange,omitempty"`
	CharCount   int           `json:"charCount"`
	Status      chunks.Status `json:"status"`
}

// UploadResponse is returned by a successful upload.
type UploadResponse struct {
	Document DocumentResponse `json:"document"`
	Chunks   []ChunkSummary   `json:"chunks"`
}

func toResponse(doc Document) DocumentResponse {
	return DocumentResponse{
		DocumentID: doc.ID,
		ProjectID:  doc.ProjectID,
		FileName:   doc.FileName,
		MimeType:   doc.MimeType,
		SizeBytes:  doc.SizeBytes,
		ChunkCount: doc.ChunkCount,
		UploadedAt: doc.CreatedAt,
	}
}

func toUploadResponse(doc Document, created []chunks.Chunk) UploadResponse {
	summaries := make([]ChunkSummary, 0, len(created))
	for _, c := range created {
		summaries = append(summaries, ChunkSummary{
			ID:          c.ID,
			OrderIndex:  c.OrderIndex,
			Title:       c.Title,
			SourceRange: c.SourceRange,
			CharCount:   c.CharCount,
			Status:      c.Status,
		})
	}
	return UploadResponse{Document: toResponse(doc), Chunks: summaries}
}
