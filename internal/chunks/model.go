package chunks

import "time"

// Status is a chunk lifecycle state.
type Status string

const (
	StatusDraft      Status = "bozza"
	StatusReady      Status = "pronto"
	StatusQueued     Status = "in_coda"
	StatusProcessing Status = "elaborazione"
	StatusCompleted  Status = "completato"
	StatusFailed     Status = "errore"
)

// Chunk is the atomic unit of analysis work within a project.
type Chunk struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId"`
	OrderIndex  int       `json:"orderIndex"`
	Title       string    `json:"title"`
	SourceRange string    `json:"sourceRange,omitempty"`
	Content     string    `json:"content"`
	CharCount   int       `json:"charCount"`
	WordCount   int       `json:"wordCount"`
	Status      Status    `json:"status"`
	ActiveJobID string    `json:"activeJobId,omitempty"`
	Output      string    `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Valid reports whether s is a known chunk status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusReady, StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// InFlight reports whether a chunk in this status belongs to an active batch job.
func (s Status) InFlight() bool {
	return s == StatusQueued || s == StatusProcessing
}

// ContentLocked reports whether content edits are rejected in this status.
func (s Status) ContentLocked() bool {
	return s != StatusDraft && s != StatusReady
}

// transitions lists the legal forward moves. Compensation (in_coda/elaborazione -> pronto)
// is not a transition and only happens through QueueWriter.Release.
var transitions = map[Status][]Status{
	StatusDraft:      {StatusReady},
	StatusReady:      {StatusQueued},
	StatusQueued:     {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusDraft},
}

// CanTransition reports whether from -> to is a legal state machine move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns an InvalidTransitionError when from -> to is not legal.
func CheckTransition(chunkID string, from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return &InvalidTransitionError{ChunkID: chunkID, From: from, To: to}
}

// CountWords returns the number of whitespace-separated words in s.
func CountWords(s string) int {
	n := 0
	inWord := false
	for _, r := range s {
		if r == ' ' || r == '\n' || r == '\t' || r == '\r' {
			inWord = false
			continue
		}
		if !inWord {
			n++
			inWord = true
		}
	}
	return n
}
