package canvas

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrLockRequired    = errors.New("active canvas lock required")
	ErrLockHeld        = errors.New("canvas lock held by another caller")
	ErrInvalidInput    = errors.New("invalid input")
	ErrIntegrity       = errors.New("data integrity violation")
	ErrTransientStore  = errors.New("transient store failure")
	ErrNotImplemented  = errors.New("not implemented")
)

type DuplicateGroup struct {
	EntityType   string   `json:"entityType"`
	EntityID     string   `json:"entityId"`
	ContainerIDs []string `json:"containerIds"`
}

// DataIntegrityError reports entities bound to more than one container.
// The read path never resolves these inline.
type DataIntegrityError struct {
	WorkspaceID string
	Duplicates  []DuplicateGroup
}

func (e *DataIntegrityError) Error() string {
	parts := make([]string, 0, len(e.Duplicates))
	for _, d := range e.Duplicates {
		parts = append(parts, fmt.Sprintf("%s:%s -> [%s]", d.EntityType, d.EntityID, strings.Join(d.ContainerIDs, ",")))
	}
	return fmt.Sprintf("duplicate containers in workspace %s: %s", e.WorkspaceID, strings.Join(parts, "; "))
}

func (e *DataIntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

// TransientStoreError is returned when one chunk of a batched query fails.
// Nothing has been committed at that point, so the caller may retry.
type TransientStoreError struct {
	Operation  string
	ChunkSize  int
	TotalIDs   int
	BatchIndex int
	Err        error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("%s batch %d (chunk size %d, %d ids): %v", e.Operation, e.BatchIndex, e.ChunkSize, e.TotalIDs, e.Err)
}

func (e *TransientStoreError) Is(target error) bool {
	return target == ErrTransientStore
}

func (e *TransientStoreError) Unwrap() error {
	return e.Err
}
