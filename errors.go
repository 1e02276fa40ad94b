package cloudview

import (
	"context"
	"errors"
	"fmt"

	"github.com/gobeaver/cloudview/job"
)

// Common namespace errors
var (
	ErrNotExist        = errors.New("item does not exist")
	ErrExist           = errors.New("item already exists")
	ErrPermission      = errors.New("permission denied")
	ErrNotDir          = errors.New("not a folder")
	ErrIsDir           = errors.New("is a folder")
	ErrInvalidName     = errors.New("invalid name")
	ErrInvalidOffset   = errors.New("invalid offset")
	ErrNotSupported    = errors.New("operation not supported")
	ErrNotAllowed      = errors.New("operation not allowed")
	ErrInvalidURL      = errors.New("invalid item url")
	ErrServerNotFound  = errors.New("server not registered")
	ErrServerExists    = errors.New("server already registered")
	ErrDependencyCycle = errors.New("server dependency cycle")
	ErrNotReady        = errors.New("server is not ready")
	ErrSkipped         = errors.New("upload skipped by conflict policy")
	ErrCrossServer     = errors.New("operation cannot cross servers")
)

// PathError records an error and the operation and item path that caused it
type PathError struct {
	Op   string
	Path string
	Err  error
}

// Error implements the error interface
func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error
func (e *PathError) Unwrap() error {
	return e.Err
}

// NewPathError wraps err with the operation and path. A nil err stays nil.
func NewPathError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PathError
	if errors.As(err, &pe) && pe.Op == op && pe.Path == path {
		return err
	}
	return &PathError{Op: op, Path: path, Err: err}
}

// IsNotExist reports whether an error indicates that an item does not exist
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotExist)
}

// IsExist reports whether an error indicates that an item already exists
func IsExist(err error) bool {
	return errors.Is(err, ErrExist)
}

// IsPermission reports whether an error indicates that permission is denied
func IsPermission(err error) bool {
	return errors.Is(err, ErrPermission)
}

// IsCanceled reports whether err is a cancellation rather than a failure.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, job.ErrCanceled)
}
