package chunks

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("chunk not found")
	ErrInvalidTransition = errors.New("invalid chunk transition")
	ErrContentLocked     = errors.New("chunk content is locked")
	ErrEmptyContent      = errors.New("chunk content is empty")
	ErrReservation       = errors.New("chunk reservation conflict")

	// ErrProjectNotFound and ErrProjectClosed are returned by ProjectAccess implementations.
	ErrProjectNotFound = errors.New("project not found")
	ErrProjectClosed   = errors.New("project no longer accepts changes")
)

// InvalidTransitionError reports a rejected state machine move.
type InvalidTransitionError struct {
	ChunkID string
	From    Status
	To      Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("chunk %s: invalid transition %s -> %s", e.ChunkID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ReservationError is returned by QueueWriter.Reserve when at least one chunk could not be
// moved to in_coda. No chunk changes state when it is returned.
type ReservationError struct {
	// Conflicts maps chunk id to the status observed at reservation time.
	Conflicts map[string]Status
	// ActiveJobs maps chunk id to the job currently holding it, when known.
	ActiveJobs map[string]string
	// Missing lists chunk ids that do not exist in the project.
	Missing []string
}

func (e *ReservationError) Error() string {
	return fmt.Sprintf("chunk reservation conflict: %d conflicting, %d missing", len(e.Conflicts), len(e.Missing))
}

func (e *ReservationError) Is(target error) bool {
	return target == ErrReservation
}

// ErrNotHeld is returned when a result write targets a chunk that is not held by the writing job.
var ErrNotHeld = errors.New("chunk not held by job")
