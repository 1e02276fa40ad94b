// Package hashstream hashes the bytes that pass through a stream.
//
// A Stream wraps a reader, a writer or a seeker and feeds every byte moved
// sequentially from position 0 into a hash.Hash. Any access pattern that
// would skip or repeat bytes makes the hash invalid, and Hash then returns
// "" instead of a value that does not describe the content.
//
// Two seeks are tolerated because consumers commonly issue them before a
// sequential read: Seek(0, io.SeekEnd) at position 0 queries the length and
// suspends hashing, and Seek(0, io.SeekStart) at position 0 resumes it.
// Seek(0, io.SeekCurrent) only reports the position.
package hashstream

import (
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"strings"
	"sync"
)

// ErrNotSupported is returned when the wrapped stream lacks the requested
// capability.
var ErrNotSupported = errors.New("hashstream: operation not supported by the wrapped stream")

// Stream is a hashing pass-through. It is safe for use by one goroutine at
// a time; Hash and Valid may be called concurrently with I/O.
type Stream struct {
	inner  any
	hasher hash.Hash

	mu         sync.Mutex
	pos        int64
	invalid    bool
	lengthSeek bool
	sum        []byte
}

// New wraps inner, which may implement any combination of io.Reader,
// io.Writer, io.Seeker and io.Closer. A nil inner gives a write-only
// hashing sink.
func New(inner any, h hash.Hash) *Stream {
	return &Stream{inner: inner, hasher: h}
}

// NewReader is New for a read-side stream.
func NewReader(r io.Reader, h hash.Hash) *Stream {
	return New(r, h)
}

// NewWriter is New for a write-side stream. w may be nil.
func NewWriter(w io.Writer, h hash.Hash) *Stream {
	if w == nil {
		return New(nil, h)
	}
	return New(w, h)
}

func (s *Stream) hashing() bool {
	return !s.invalid && !s.lengthSeek && s.sum == nil
}

// Read reads from the wrapped reader and hashes what it returns.
func (s *Stream) Read(p []byte) (int, error) {
	r, ok := s.inner.(io.Reader)
	if !ok {
		return 0, ErrNotSupported
	}
	n, err := r.Read(p)
	if n > 0 {
		s.mu.Lock()
		if s.hashing() {
			s.hasher.Write(p[:n])
		} else if s.sum != nil {
			s.invalid = true
		}
		s.pos += int64(n)
		s.mu.Unlock()
	}
	return n, err
}

// Write hashes p and forwards it to the wrapped writer, if any. While the
// stream is invalid or suspended by a length query the bytes are neither
// hashed nor counted.
func (s *Stream) Write(p []byte) (int, error) {
	if _, ok := s.inner.(io.Writer); s.inner != nil && !ok {
		return 0, ErrNotSupported
	}
	s.mu.Lock()
	if !s.hashing() {
		if s.sum != nil {
			s.invalid = true
		}
		s.mu.Unlock()
		return s.forward(p)
	}
	s.hasher.Write(p)
	s.pos += int64(len(p))
	s.mu.Unlock()
	return s.forward(p)
}

func (s *Stream) forward(p []byte) (int, error) {
	if s.inner == nil {
		return len(p), nil
	}
	return s.inner.(io.Writer).Write(p)
}

// Seek applies the position rules described in the package documentation
// and forwards the seek to the wrapped stream.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	s.mu.Lock()
	if offset == 0 && whence == io.SeekCurrent {
		pos := s.pos
		s.mu.Unlock()
		return pos, nil
	}
	switch {
	case s.pos == 0 && offset == 0 && whence == io.SeekStart:
		s.lengthSeek = false
	case s.pos == 0 && offset == 0 && whence == io.SeekEnd:
		s.lengthSeek = true
	default:
		s.invalid = true
	}
	s.mu.Unlock()

	sk, ok := s.inner.(io.Seeker)
	if !ok {
		return 0, ErrNotSupported
	}
	return sk.Seek(offset, whence)
}

// Position returns the number of bytes moved through the stream.
func (s *Stream) Position() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// SetPosition moves the wrapped stream to abs. Any change of position
// invalidates the hash.
func (s *Stream) SetPosition(abs int64) error {
	s.mu.Lock()
	if abs != s.pos {
		s.invalid = true
	}
	s.mu.Unlock()
	sk, ok := s.inner.(io.Seeker)
	if !ok {
		return ErrNotSupported
	}
	_, err := sk.Seek(abs, io.SeekStart)
	return err
}

// Flush finalizes the hash. Bytes moved afterwards invalidate it.
func (s *Stream) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalLocked()
}

func (s *Stream) finalLocked() {
	if s.sum == nil {
		s.sum = s.hasher.Sum(nil)
	}
}

// Valid reports whether every byte since position 0 was hashed in order.
func (s *Stream) Valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.invalid
}

// Hash returns the uppercase hex digest, or "" when the stream is invalid.
// It finalizes the hash like Flush.
func (s *Stream) Hash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invalid {
		return ""
	}
	s.finalLocked()
	return strings.ToUpper(hex.EncodeToString(s.sum))
}

// Sum returns the raw digest with the same validity rules as Hash.
func (s *Stream) Sum() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invalid {
		return nil
	}
	s.finalLocked()
	return append([]byte(nil), s.sum...)
}

// Close closes the wrapped stream when it is an io.Closer.
func (s *Stream) Close() error {
	if c, ok := s.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
