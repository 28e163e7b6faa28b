package canvas

import (
	"errors"
	"fmt"

	"github.com/example/canvas-engine/internal/storage"
)

var (
	// ErrNotFound is returned when no live canvas matches the caller.
	ErrNotFound = errors.New("canvas not found")
	// ErrInvalidArgument marks request validation failures.
	ErrInvalidArgument = errors.New("invalid argument")
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the
// cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opCreate       = "canvas.create"
	opGet          = "canvas.get"
	opRawData      = "canvas.raw_data"
	opList         = "canvas.list"
	opUpdate       = "canvas.update"
	opDelete       = "canvas.delete"
	opDuplicate    = "canvas.duplicate"
	opReconcile    = "canvas.reconcile"
	opRemoveEntity = "canvas.remove_entity"
	opAutoName     = "canvas.auto_name"
	opSearch       = "canvas.search"
	reasonNotFound = "not_found"
	reasonInvalid  = "invalid"
	reasonStorage  = "storage"
	reasonCopy     = "copy_failed"
	reasonSession  = "session"
	reasonGenerate = "generate"
	reasonEnqueue  = "enqueue"
	reasonIndex    = "index"
	reasonDocument = "document"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// lookupError maps relational misses to ErrNotFound.
func lookupError(operation string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return newServiceError(operation, reasonNotFound, fmt.Errorf("%w: %v", ErrNotFound, err))
	}
	return newServiceError(operation, reasonStorage, err)
}
