package job

import (
	"context"
	"errors"
)

var (
	// ErrCanceled is the error of a job that ended canceled.
	ErrCanceled = errors.New("job canceled")
	// ErrDependencyCanceled rejects a job whose strong dependency is already canceled,
	// and is the error of a job canceled because a strong dependency was.
	ErrDependencyCanceled = errors.New("dependency canceled")
	// ErrDependencyFailed is the error of a job whose strong dependency faulted.
	ErrDependencyFailed = errors.New("dependency failed")
	// ErrAlreadyStarted is returned when Run is called twice.
	ErrAlreadyStarted = errors.New("job already started")
	// ErrSchedulerClosed is returned once the scheduler has been closed.
	ErrSchedulerClosed = errors.New("scheduler closed")
)

// IsCancellation reports whether err means the job was canceled rather than faulted.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCanceled) ||
		errors.Is(err, ErrDependencyCanceled) ||
		errors.Is(err, context.Canceled)
}
