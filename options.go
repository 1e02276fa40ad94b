package cloudview

import (
	"fmt"
	"strings"
	"time"
)

// Option configures an upload
type Option func(*Options)

// Options contains all possible options for uploads
type Options struct {
	// ContentType specifies the MIME type of the file
	ContentType string

	// ModTime is applied to the stored file when the backend supports it
	ModTime time.Time

	// Metadata contains additional metadata for the file
	Metadata map[string]string

	// Conflict decides what happens when the target name already exists
	Conflict ConflictPolicy

	// Progress receives transferred byte counts
	Progress ProgressFunc

	// ChunkSize enables chunked uploads on backends that support them
	ChunkSize int64
}

// ProgressFunc is a callback for transfer progress
type ProgressFunc func(bytesTransferred int64, totalBytes int64)

// ConflictPolicy decides what an upload does when the name is taken.
type ConflictPolicy int

const (
	// ConflictOverwrite deletes the existing item before uploading.
	ConflictOverwrite ConflictPolicy = iota
	// ConflictSkip keeps the existing item and skips the upload.
	ConflictSkip
	// ConflictSkipSameSize skips only when the existing item has the same size.
	ConflictSkipSameSize
)

func (p ConflictPolicy) String() string {
	switch p {
	case ConflictSkip:
		return "skip"
	case ConflictSkipSameSize:
		return "skip-same-size"
	}
	return "overwrite"
}

// ParseConflictPolicy parses "overwrite", "skip" or "skip-same-size".
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "overwrite":
		return ConflictOverwrite, nil
	case "skip":
		return ConflictSkip, nil
	case "skip-same-size", "skipsamesize":
		return ConflictSkipSameSize, nil
	}
	return ConflictOverwrite, fmt.Errorf("%w: conflict policy %q", ErrNotSupported, s)
}

// WithContentType sets the content type of the file
func WithContentType(contentType string) Option {
	return func(o *Options) {
		o.ContentType = contentType
	}
}

// WithModTime sets the modification time of the stored file
func WithModTime(t time.Time) Option {
	return func(o *Options) {
		o.ModTime = t
	}
}

// WithMetadata sets additional metadata for the file
func WithMetadata(metadata map[string]string) Option {
	return func(o *Options) {
		o.Metadata = metadata
	}
}

// WithConflict sets the conflict policy
func WithConflict(p ConflictPolicy) Option {
	return func(o *Options) {
		o.Conflict = p
	}
}

// WithProgress sets a transfer progress callback
func WithProgress(fn ProgressFunc) Option {
	return func(o *Options) {
		o.Progress = fn
	}
}

// WithChunkSize sets the part size for chunked uploads
func WithChunkSize(n int64) Option {
	return func(o *Options) {
		o.ChunkSize = n
	}
}

// ApplyOptions folds opts over defaults.
func ApplyOptions(opts ...Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
