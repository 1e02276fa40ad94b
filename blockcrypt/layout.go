// Package blockcrypt implements a block-aligned encrypted file format that
// can be decrypted from any logical offset after reading at most one extra
// block.
//
// Physical layout:
//
//	header  | magic "CVCRYPT1" | IV (16) | zero pad to HeaderSize |
//	body    | block 0 | block 1 | ... | block n (last may be short) |
//	trailer | SHA-256(plaintext) (32) | HMAC-SHA256(header‖body‖digest) (32) |
//
// Each body block is AES-256-CTR ciphertext of BlockSize plaintext bytes.
// Block 0 uses the header IV; block k uses the last 16 ciphertext bytes of
// block k-1. Ciphertext is as long as the plaintext.
package blockcrypt

import "errors"

var (
	// ErrBadHeader is returned when a stream does not start with a valid header.
	ErrBadHeader = errors.New("blockcrypt: bad header")
	// ErrAuthentication is returned when the trailer does not match the content.
	ErrAuthentication = errors.New("blockcrypt: authentication failed")
	// ErrTruncated is returned when the physical stream ends early.
	ErrTruncated = errors.New("blockcrypt: truncated stream")
	// ErrInvalidKey is returned for keys of the wrong length.
	ErrInvalidKey = errors.New("blockcrypt: invalid key")
	// ErrSizeMismatch is returned when the plaintext length differs from the declared size.
	ErrSizeMismatch = errors.New("blockcrypt: size mismatch")
)

// Magic starts every encrypted stream.
const Magic = "CVCRYPT1"

// ivSize is the AES block size used as CTR IV.
const ivSize = 16

// Layout fixes the header, block and trailer sizes of the format.
type Layout struct {
	HeaderSize  int64
	BlockSize   int64
	TrailerSize int64
}

// Default is the layout used by the crypt driver.
var Default = Layout{HeaderSize: 64, BlockSize: 4096, TrailerSize: 32}

// LogicalSize returns the plaintext length of a physical stream. The
// trailer holds two records of TrailerSize bytes.
func (l Layout) LogicalSize(physical int64) int64 {
	n := physical - l.HeaderSize - 2*l.TrailerSize
	if n < 0 {
		return 0
	}
	return n
}

// PhysicalSize returns the stored length of logical plaintext bytes.
func (l Layout) PhysicalSize(logical int64) int64 {
	return logical + l.HeaderSize + 2*l.TrailerSize
}

// Translate returns the physical offset a decrypting read for logical
// offset o must start at. Offsets within the first two blocks start at the
// header; later offsets start at the beginning of the block before the one
// holding o, whose tail is the IV of the next block.
func (l Layout) Translate(o int64) int64 {
	b := l.BlockSize
	if o-b < b {
		return 0
	}
	a := o - b
	a -= (a-1)%b + 1
	return a + l.HeaderSize
}

// BlockIndex returns the block starting at physical offset p (p > 0).
func (l Layout) BlockIndex(p int64) int64 {
	return (p - l.HeaderSize) / l.BlockSize
}

// PhysicalRange returns the physical byte range [start, end) that covers
// logical bytes [offset, offset+length) of a stream whose plaintext is
// logical bytes long. length < 0 means to the end of the stream, including
// the trailer.
func (l Layout) PhysicalRange(offset, length, logical int64) (start, end int64) {
	start = l.Translate(offset)
	if length < 0 || offset+length >= logical {
		return start, l.PhysicalSize(logical)
	}
	last := offset + length
	blocks := (last + l.BlockSize - 1) / l.BlockSize
	end = l.HeaderSize + blocks*l.BlockSize
	if max := l.HeaderSize + logical; end > max {
		end = max
	}
	return start, end
}

func (l Layout) valid() bool {
	return l.HeaderSize >= int64(len(Magic)+ivSize) && l.BlockSize >= ivSize && l.TrailerSize == 32
}
