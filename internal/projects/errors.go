package projects

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("project not found")
	ErrNotActive         = errors.New("project is not active")
	ErrNoCompletedChunks = errors.New("project has no completed chunks")
	ErrInvalidInput      = errors.New("invalid project input")
	ErrVersionTaken      = errors.New("artifact version already exists")
)

// StateError reports an operation refused because of the project's lifecycle status.
type StateError struct {
	ProjectID string
	Status    Status
	Op        string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("project %s is %s: cannot %s", e.ProjectID, e.Status, e.Op)
}

func (e *StateError) Is(target error) bool {
	return target == ErrNotActive
}
