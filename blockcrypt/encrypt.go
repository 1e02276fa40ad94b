package blockcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
)

type encryptReader struct {
	layout Layout
	block  cipher.Block
	src    io.Reader
	size   int64

	iv     [ivSize]byte
	mac    hash.Hash
	digest hash.Hash

	plain []byte
	out   []byte
	pos   int
	read  int64
	state int
	err   error
}

const (
	stateHeader = iota
	stateBody
	stateTrailer
	stateDone
)

// NewEncryptReader returns the physical encrypted stream of plain. size is
// the expected plaintext length; a stream of a different length fails with
// ErrSizeMismatch. Pass -1 to accept any length.
func NewEncryptReader(keys *Keys, plain io.Reader, size int64) (io.Reader, error) {
	return NewEncryptReaderLayout(Default, keys, plain, size)
}

// NewEncryptReaderLayout is NewEncryptReader with an explicit layout.
func NewEncryptReaderLayout(l Layout, keys *Keys, plain io.Reader, size int64) (io.Reader, error) {
	if !l.valid() {
		return nil, fmt.Errorf("blockcrypt: invalid layout %+v", l)
	}
	block, err := aes.NewCipher(keys.Content[:])
	if err != nil {
		return nil, err
	}
	r := &encryptReader{
		layout: l,
		block:  block,
		src:    plain,
		size:   size,
		mac:    hmac.New(sha256.New, keys.MAC[:]),
		digest: sha256.New(),
		plain:  make([]byte, l.BlockSize),
	}
	if _, err := io.ReadFull(rand.Reader, r.iv[:]); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *encryptReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if r.pos < len(r.out) {
			c := copy(p[n:], r.out[r.pos:])
			r.pos += c
			n += c
			continue
		}
		if r.err != nil {
			if n > 0 && r.err == io.EOF {
				return n, nil
			}
			return n, r.err
		}
		r.fill()
	}
	return n, nil
}

// fill produces the next chunk of output into r.out.
func (r *encryptReader) fill() {
	r.pos = 0
	switch r.state {
	case stateHeader:
		r.out = r.header()
		r.mac.Write(r.out)
		r.state = stateBody

	case stateBody:
		n, err := io.ReadFull(r.src, r.plain)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			r.out, r.err = nil, err
			return
		}
		r.read += int64(n)
		if n > 0 {
			r.digest.Write(r.plain[:n])
			ct := make([]byte, n)
			cipher.NewCTR(r.block, r.iv[:]).XORKeyStream(ct, r.plain[:n])
			if n >= ivSize {
				copy(r.iv[:], ct[n-ivSize:])
			}
			r.mac.Write(ct)
			r.out = ct
		} else {
			r.out = nil
		}
		if err != nil {
			r.state = stateTrailer
		}

	case stateTrailer:
		if r.size >= 0 && r.read != r.size {
			r.out, r.err = nil, fmt.Errorf("%w: read %d bytes, expected %d", ErrSizeMismatch, r.read, r.size)
			return
		}
		sum := r.digest.Sum(nil)
		r.mac.Write(sum)
		r.out = append(sum, r.mac.Sum(nil)...)
		r.state = stateDone

	default:
		r.out, r.err = nil, io.EOF
	}
}

func (r *encryptReader) header() []byte {
	h := make([]byte, r.layout.HeaderSize)
	copy(h, Magic)
	copy(h[len(Magic):], r.iv[:])
	return h
}

// EncryptedSize returns the physical size for a plaintext of logical bytes
// in the default layout.
func EncryptedSize(logical int64) int64 {
	return Default.PhysicalSize(logical)
}
