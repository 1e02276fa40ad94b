package cloudview

import (
	"context"
	"io"
	"time"
)

// ItemType distinguishes files from folders.
type ItemType int

const (
	File ItemType = iota
	Folder
)

func (t ItemType) String() string {
	if t == Folder {
		return "folder"
	}
	return "file"
}

// Entry is the metadata a backend reports for one item.
type Entry struct {
	ID          string
	Name        string
	Type        ItemType
	Size        int64
	ModTime     time.Time
	CreatedTime time.Time
	AccessTime  time.Time
	Hash        string
	ContentType string
}

// IsDir reports whether the entry is a folder.
func (e *Entry) IsDir() bool { return e.Type == Folder }

// ============================================================================
// Core Interface
// ============================================================================

// Backend is the contract every storage driver implements. Items are
// addressed by opaque, backend-defined IDs that stay stable across reloads.
type Backend interface {
	// Root returns the entry of the tree root.
	Root(ctx context.Context) (*Entry, error)

	// List enumerates the direct children of the folder id.
	List(ctx context.Context, id string) ([]Entry, error)

	// Stat returns metadata for a single item.
	Stat(ctx context.Context, id string) (*Entry, error)

	// Open returns a stream of the item content starting at offset.
	// A negative length reads to the end.
	Open(ctx context.Context, id string, offset, length int64) (io.ReadCloser, error)
}

// ============================================================================
// Optional Capability Interfaces
// ============================================================================
// Drivers expose mutations through optional interfaces. The Server checks
// them with type assertions and reports ErrNotSupported otherwise:
//
//	if up, ok := backend.(CanUpload); ok {
//	    entry, err := up.Upload(ctx, parentID, "a.txt", r, size)
//	}

// CanCreateDir creates a folder under parentID.
type CanCreateDir interface {
	CreateDir(ctx context.Context, parentID, name string) (*Entry, error)
}

// CanUpload stores a stream as a named file under parentID.
type CanUpload interface {
	Upload(ctx context.Context, parentID, name string, r io.Reader, size int64, opts ...Option) (*Entry, error)
}

// CanChunkedUpload stores large files in parts.
type CanChunkedUpload interface {
	// InitiateUpload starts a chunked upload and returns its id.
	InitiateUpload(ctx context.Context, parentID, name string) (string, error)

	// UploadPart uploads one part; part numbers start at 1.
	UploadPart(ctx context.Context, uploadID string, partNumber int, data []byte) error

	// CompleteUpload finalizes the upload and returns the stored entry.
	CompleteUpload(ctx context.Context, uploadID string) (*Entry, error)

	// AbortUpload cancels a chunked upload.
	AbortUpload(ctx context.Context, uploadID string) error
}

// CanDelete removes an item; folders are removed with their contents.
type CanDelete interface {
	Delete(ctx context.Context, id string) error
}

// CanMove re-parents an item within the same backend.
type CanMove interface {
	Move(ctx context.Context, id, newParentID string) (*Entry, error)
}

// CanRename renames an item in place.
type CanRename interface {
	Rename(ctx context.Context, id, newName string) (*Entry, error)
}

// CanSetModTime updates an item's modification time.
type CanSetModTime interface {
	SetModTime(ctx context.Context, id string, t time.Time) (*Entry, error)
}

// CanChecksum computes content hashes on the backend side.
type CanChecksum interface {
	Checksum(ctx context.Context, id string, algorithm ChecksumAlgorithm) (string, error)
}

// CanReady reports whether the backend can currently serve requests.
type CanReady interface {
	Ready(ctx context.Context) error
}

// CanWatch streams backend-side change notifications. notify receives the
// id of the folder whose listing changed. Watch returns once watching has
// started; it stops when ctx is done.
type CanWatch interface {
	Watch(ctx context.Context, notify func(folderID string)) error
}

// Attachable backends are told which server they were registered as.
// Overlay drivers use it to reach the namespace they depend on.
type Attachable interface {
	Attach(s *Server)
}
