package blockcrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
)

type decryptReader struct {
	layout  Layout
	block   cipher.Block
	src     io.Reader
	start   int64
	logical int64

	pos     int64
	skip    int64
	iv      [ivSize]byte
	started bool

	verify bool
	mac    hash.Hash
	digest hash.Hash

	ct    []byte
	plain []byte
	out   []byte
	opos  int
	err   error
}

// NewDecryptReader returns the plaintext of an encrypted stream starting at
// logicalOffset. physical must be positioned at physicalStart, which is 0
// or Translate(logicalOffset); physicalSize is the full stored size.
//
// A reader that starts at physical offset 0 authenticates the stream and
// returns ErrAuthentication at the end if the trailer does not match.
func NewDecryptReader(keys *Keys, physical io.Reader, logicalOffset, physicalStart, physicalSize int64) (io.Reader, error) {
	return NewDecryptReaderLayout(Default, keys, physical, logicalOffset, physicalStart, physicalSize)
}

// NewDecryptReaderLayout is NewDecryptReader with an explicit layout.
func NewDecryptReaderLayout(l Layout, keys *Keys, physical io.Reader, logicalOffset, physicalStart, physicalSize int64) (io.Reader, error) {
	if !l.valid() {
		return nil, fmt.Errorf("blockcrypt: invalid layout %+v", l)
	}
	logical := l.LogicalSize(physicalSize)
	if logicalOffset < 0 || logicalOffset > logical {
		return nil, fmt.Errorf("blockcrypt: offset %d outside [0, %d]", logicalOffset, logical)
	}
	if physicalStart != 0 {
		rel := physicalStart - l.HeaderSize
		if rel < 0 || rel%l.BlockSize != 0 || rel+l.BlockSize > logicalOffset {
			return nil, fmt.Errorf("blockcrypt: physical start %d does not serve offset %d", physicalStart, logicalOffset)
		}
	}

	block, err := aes.NewCipher(keys.Content[:])
	if err != nil {
		return nil, err
	}
	r := &decryptReader{
		layout:  l,
		block:   block,
		src:     physical,
		start:   physicalStart,
		logical: logical,
		skip:    logicalOffset,
		verify:  physicalStart == 0,
		ct:      make([]byte, l.BlockSize),
		plain:   make([]byte, l.BlockSize),
	}
	if r.verify {
		r.mac = hmac.New(sha256.New, keys.MAC[:])
		r.digest = sha256.New()
	}
	return r, nil
}

func (r *decryptReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if r.opos < len(r.out) {
			c := copy(p[n:], r.out[r.opos:])
			r.opos += c
			n += c
			continue
		}
		if r.err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, r.err
		}
		r.next()
	}
	return n, nil
}

func (r *decryptReader) next() {
	r.out, r.opos = nil, 0
	if !r.started {
		r.err = r.begin()
		r.started = true
		return
	}
	if r.pos >= r.logical {
		r.err = r.finish()
		return
	}

	n := r.layout.BlockSize
	if rest := r.logical - r.pos; rest < n {
		n = rest
	}
	ct := r.ct[:n]
	if _, err := io.ReadFull(r.src, ct); err != nil {
		r.err = truncated(err)
		return
	}
	plain := r.plain[:n]
	cipher.NewCTR(r.block, r.iv[:]).XORKeyStream(plain, ct)
	if n >= ivSize {
		copy(r.iv[:], ct[n-ivSize:])
	}
	if r.verify {
		r.mac.Write(ct)
		r.digest.Write(plain)
	}
	r.pos += n

	if r.skip > 0 {
		d := r.skip
		if d > int64(len(plain)) {
			d = int64(len(plain))
		}
		plain = plain[d:]
		r.skip -= d
	}
	r.out = plain
}

// begin reads the header or the IV block preceding the first wanted block.
func (r *decryptReader) begin() error {
	if r.start == 0 {
		h := make([]byte, r.layout.HeaderSize)
		if _, err := io.ReadFull(r.src, h); err != nil {
			return fmt.Errorf("%w: %v", ErrBadHeader, err)
		}
		if !bytes.Equal(h[:len(Magic)], []byte(Magic)) {
			return ErrBadHeader
		}
		copy(r.iv[:], h[len(Magic):len(Magic)+ivSize])
		r.mac.Write(h)
		r.pos = 0
		return nil
	}

	j := r.layout.BlockIndex(r.start)
	prev := r.ct[:r.layout.BlockSize]
	if _, err := io.ReadFull(r.src, prev); err != nil {
		return truncated(err)
	}
	copy(r.iv[:], prev[len(prev)-ivSize:])
	r.pos = (j + 1) * r.layout.BlockSize
	r.skip -= r.pos
	return nil
}

// finish checks the trailer when authenticating and ends the stream.
func (r *decryptReader) finish() error {
	if !r.verify {
		return io.EOF
	}
	trailer := make([]byte, 2*r.layout.TrailerSize)
	if _, err := io.ReadFull(r.src, trailer); err != nil {
		return truncated(err)
	}
	sum := r.digest.Sum(nil)
	r.mac.Write(sum)
	if !hmac.Equal(trailer[:r.layout.TrailerSize], sum) ||
		!hmac.Equal(trailer[r.layout.TrailerSize:], r.mac.Sum(nil)) {
		return ErrAuthentication
	}
	return io.EOF
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return err
}

// ============================================================================
// Seekable reader
// ============================================================================

// Opener opens the physical stream at offset. length < 0 reads to the end.
type Opener func(offset, length int64) (io.ReadCloser, error)

// ReadSeeker decrypts a stored stream with random access. Every seek that
// changes the position reopens the physical stream at the translated offset
// on the next Read.
type ReadSeeker struct {
	keys         *Keys
	layout       Layout
	open         Opener
	physicalSize int64
	logical      int64

	pos int64
	rc  io.ReadCloser
	r   io.Reader
}

// NewDecryptReadSeeker returns a seekable plaintext view of a stored stream
// of physicalSize bytes.
func NewDecryptReadSeeker(keys *Keys, open Opener, physicalSize int64) *ReadSeeker {
	return &ReadSeeker{
		keys:         keys,
		layout:       Default,
		open:         open,
		physicalSize: physicalSize,
		logical:      Default.LogicalSize(physicalSize),
	}
}

// Size returns the plaintext length.
func (s *ReadSeeker) Size() int64 { return s.logical }

func (s *ReadSeeker) Read(p []byte) (int, error) {
	if s.pos >= s.logical {
		return 0, io.EOF
	}
	if s.r == nil {
		start := s.layout.Translate(s.pos)
		rc, err := s.open(start, -1)
		if err != nil {
			return 0, err
		}
		r, err := NewDecryptReaderLayout(s.layout, s.keys, rc, s.pos, start, s.physicalSize)
		if err != nil {
			rc.Close()
			return 0, err
		}
		s.rc, s.r = rc, r
	}
	n, err := s.r.Read(p)
	s.pos += int64(n)
	return n, err
}

func (s *ReadSeeker) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.pos + offset
	case io.SeekEnd:
		abs = s.logical + offset
	default:
		return s.pos, fmt.Errorf("blockcrypt: invalid whence %d", whence)
	}
	if abs < 0 {
		return s.pos, fmt.Errorf("blockcrypt: negative position %d", abs)
	}
	if abs != s.pos {
		s.reset()
		s.pos = abs
	}
	return abs, nil
}

func (s *ReadSeeker) reset() {
	if s.rc != nil {
		_ = s.rc.Close()
	}
	s.rc, s.r = nil, nil
}

// Close releases the physical stream.
func (s *ReadSeeker) Close() error {
	var err error
	if s.rc != nil {
		err = s.rc.Close()
	}
	s.rc, s.r = nil, nil
	return err
}
