package cloudview

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrReadOnly is returned when a mutation is attempted on a read-only server.
var ErrReadOnly = errors.New("server is read-only")

// ============================================================================
// Read-Only Backend Decorator
// ============================================================================

// readOnlyBackend exposes every capability of the wrapped backend but turns
// mutations into ErrReadOnly.
type readOnlyBackend struct {
	b    Backend
	opts ReadOnlyOptions
}

// ReadOnlyOptions configures NewReadOnly.
type ReadOnlyOptions struct {
	// AllowCreateDir permits folder creation.
	AllowCreateDir bool

	// AllowDelete permits deletion.
	AllowDelete bool

	// OnWriteAttempt is called for every rejected mutation. A nil return
	// lets the mutation through.
	OnWriteAttempt func(op, id string) error
}

// ReadOnlyOption configures a read-only decorator.
type ReadOnlyOption func(*ReadOnlyOptions)

// WithAllowCreateDir allows folder creation in read-only mode.
func WithAllowCreateDir(allow bool) ReadOnlyOption {
	return func(o *ReadOnlyOptions) {
		o.AllowCreateDir = allow
	}
}

// WithAllowDelete allows deletion in read-only mode.
func WithAllowDelete(allow bool) ReadOnlyOption {
	return func(o *ReadOnlyOptions) {
		o.AllowDelete = allow
	}
}

// WithWriteAttemptHandler sets a handler for rejected mutations.
func WithWriteAttemptHandler(handler func(op, id string) error) ReadOnlyOption {
	return func(o *ReadOnlyOptions) {
		o.OnWriteAttempt = handler
	}
}

// NewReadOnly wraps b so that every mutation fails with ErrReadOnly.
//
// Example:
//
//	b := cloudview.NewReadOnly(local.New("/archive"))
//	ns.AddServer("archive", "local", b)
func NewReadOnly(b Backend, opts ...ReadOnlyOption) Backend {
	if ro, ok := b.(*readOnlyBackend); ok && len(opts) == 0 {
		return ro
	}
	r := &readOnlyBackend{b: b}
	for _, opt := range opts {
		opt(&r.opts)
	}
	return r
}

// UnwrapReadOnly returns the backend behind a read-only decorator, or b.
func UnwrapReadOnly(b Backend) Backend {
	if ro, ok := b.(*readOnlyBackend); ok {
		return ro.b
	}
	return b
}

func (r *readOnlyBackend) reject(op, id string) error {
	if r.opts.OnWriteAttempt != nil {
		if err := r.opts.OnWriteAttempt(op, id); err == nil {
			return nil
		}
	}
	return NewPathError(op, id, ErrReadOnly)
}

// ============================================================================
// Read Operations (pass through)
// ============================================================================

func (r *readOnlyBackend) Root(ctx context.Context) (*Entry, error) {
	return r.b.Root(ctx)
}

func (r *readOnlyBackend) List(ctx context.Context, id string) ([]Entry, error) {
	return r.b.List(ctx, id)
}

func (r *readOnlyBackend) Stat(ctx context.Context, id string) (*Entry, error) {
	return r.b.Stat(ctx, id)
}

func (r *readOnlyBackend) Open(ctx context.Context, id string, offset, length int64) (io.ReadCloser, error) {
	return r.b.Open(ctx, id, offset, length)
}

func (r *readOnlyBackend) Checksum(ctx context.Context, id string, algorithm ChecksumAlgorithm) (string, error) {
	if cs, ok := r.b.(CanChecksum); ok {
		return cs.Checksum(ctx, id, algorithm)
	}
	return "", NewPathError("checksum", id, ErrNotSupported)
}

func (r *readOnlyBackend) Ready(ctx context.Context) error {
	if rd, ok := r.b.(CanReady); ok {
		return rd.Ready(ctx)
	}
	return nil
}

func (r *readOnlyBackend) Watch(ctx context.Context, notify func(folderID string)) error {
	if w, ok := r.b.(CanWatch); ok {
		return w.Watch(ctx, notify)
	}
	return nil
}

func (r *readOnlyBackend) Close() error {
	return closeBackend(r.b)
}

// ============================================================================
// Mutations (rejected unless allowed)
// ============================================================================

func (r *readOnlyBackend) CreateDir(ctx context.Context, parentID, name string) (*Entry, error) {
	mk, ok := r.b.(CanCreateDir)
	if !ok {
		return nil, NewPathError("mkdir", parentID, ErrNotSupported)
	}
	if !r.opts.AllowCreateDir {
		if err := r.reject("mkdir", parentID); err != nil {
			return nil, err
		}
	}
	return mk.CreateDir(ctx, parentID, name)
}

func (r *readOnlyBackend) Upload(ctx context.Context, parentID, name string, rd io.Reader, size int64, opts ...Option) (*Entry, error) {
	up, ok := r.b.(CanUpload)
	if !ok {
		return nil, NewPathError("upload", parentID, ErrNotSupported)
	}
	if err := r.reject("upload", parentID); err != nil {
		return nil, err
	}
	return up.Upload(ctx, parentID, name, rd, size, opts...)
}

func (r *readOnlyBackend) Delete(ctx context.Context, id string) error {
	del, ok := r.b.(CanDelete)
	if !ok {
		return NewPathError("delete", id, ErrNotSupported)
	}
	if !r.opts.AllowDelete {
		if err := r.reject("delete", id); err != nil {
			return err
		}
	}
	return del.Delete(ctx, id)
}

func (r *readOnlyBackend) Move(ctx context.Context, id, newParentID string) (*Entry, error) {
	mv, ok := r.b.(CanMove)
	if !ok {
		return nil, NewPathError("move", id, ErrNotSupported)
	}
	if err := r.reject("move", id); err != nil {
		return nil, err
	}
	return mv.Move(ctx, id, newParentID)
}

func (r *readOnlyBackend) Rename(ctx context.Context, id, newName string) (*Entry, error) {
	rn, ok := r.b.(CanRename)
	if !ok {
		return nil, NewPathError("rename", id, ErrNotSupported)
	}
	if err := r.reject("rename", id); err != nil {
		return nil, err
	}
	return rn.Rename(ctx, id, newName)
}

func (r *readOnlyBackend) SetModTime(ctx context.Context, id string, t time.Time) (*Entry, error) {
	st, ok := r.b.(CanSetModTime)
	if !ok {
		return nil, NewPathError("setmodtime", id, ErrNotSupported)
	}
	if err := r.reject("setmodtime", id); err != nil {
		return nil, err
	}
	return st.SetModTime(ctx, id, t)
}

// IsReadOnlyError reports whether err was caused by a read-only rejection.
func IsReadOnlyError(err error) bool {
	return errors.Is(err, ErrReadOnly)
}

// IsReadOnly reports whether b rejects mutations.
func IsReadOnly(b Backend) bool {
	_, ok := b.(*readOnlyBackend)
	return ok
}
