package cloudview

import (
	"context"
	"crypto/md5"  //nolint:gosec // MD5 used for checksum verification, not security
	"crypto/sha1" //nolint:gosec // SHA1 used for checksum verification, not security
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"
)

// ChecksumAlgorithm represents a supported checksum algorithm
type ChecksumAlgorithm string

const (
	// ChecksumMD5 is the MD5 hash algorithm (128-bit, fast but not cryptographically secure)
	ChecksumMD5 ChecksumAlgorithm = "md5"
	// ChecksumSHA1 is the SHA-1 hash algorithm (160-bit, legacy)
	ChecksumSHA1 ChecksumAlgorithm = "sha1"
	// ChecksumSHA256 is the SHA-256 hash algorithm (256-bit, recommended)
	ChecksumSHA256 ChecksumAlgorithm = "sha256"
	// ChecksumSHA512 is the SHA-512 hash algorithm (512-bit)
	ChecksumSHA512 ChecksumAlgorithm = "sha512"
	// ChecksumCRC32 is the CRC32 checksum (32-bit, for integrity only)
	ChecksumCRC32 ChecksumAlgorithm = "crc32"
	// ChecksumXXHash is the xxHash algorithm (64-bit, extremely fast)
	ChecksumXXHash ChecksumAlgorithm = "xxhash"
	// ChecksumBLAKE3 is the BLAKE3 hash (256-bit, fast and cryptographically secure)
	ChecksumBLAKE3 ChecksumAlgorithm = "blake3"
)

// ParseChecksumAlgorithm accepts algorithm names case-insensitively.
func ParseChecksumAlgorithm(s string) (ChecksumAlgorithm, error) {
	a := ChecksumAlgorithm(strings.ToLower(strings.TrimSpace(s)))
	if _, err := NewHasher(a); err != nil {
		return "", err
	}
	return a, nil
}

// NewHasher creates a new hash.Hash for the given algorithm.
// Returns an error if the algorithm is not supported.
func NewHasher(algorithm ChecksumAlgorithm) (hash.Hash, error) {
	switch algorithm {
	case ChecksumMD5:
		return md5.New(), nil //nolint:gosec // MD5 used for checksum verification, not security
	case ChecksumSHA1:
		return sha1.New(), nil //nolint:gosec // SHA1 used for checksum verification, not security
	case ChecksumSHA256:
		return sha256.New(), nil
	case ChecksumSHA512:
		return sha512.New(), nil
	case ChecksumCRC32:
		return crc32.NewIEEE(), nil
	case ChecksumXXHash:
		return xxhash.New(), nil
	case ChecksumBLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported checksum algorithm: %s", ErrNotSupported, algorithm)
	}
}

// CalculateChecksum reads from the reader and calculates the checksum using
// the specified algorithm. Returns the hex-encoded checksum string.
func CalculateChecksum(r io.Reader, algorithm ChecksumAlgorithm) (string, error) {
	h, err := NewHasher(algorithm)
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// CalculateChecksums calculates multiple checksums in a single pass.
func CalculateChecksums(r io.Reader, algorithms []ChecksumAlgorithm) (map[ChecksumAlgorithm]string, error) {
	if len(algorithms) == 0 {
		return nil, fmt.Errorf("no algorithms specified")
	}

	hashers := make(map[ChecksumAlgorithm]hash.Hash, len(algorithms))
	writers := make([]io.Writer, 0, len(algorithms))

	for _, algo := range algorithms {
		h, err := NewHasher(algo)
		if err != nil {
			return nil, err
		}
		hashers[algo] = h
		writers = append(writers, h)
	}

	if _, err := io.Copy(io.MultiWriter(writers...), r); err != nil {
		return nil, fmt.Errorf("failed to calculate checksums: %w", err)
	}

	results := make(map[ChecksumAlgorithm]string, len(algorithms))
	for algo, h := range hashers {
		results[algo] = hex.EncodeToString(h.Sum(nil))
	}

	return results, nil
}

// Checksum returns the content hash of a file item. Backends that hash on
// their side are asked first; otherwise the content is streamed and hashed
// locally.
func (s *Server) Checksum(ctx context.Context, it *Item, algorithm ChecksumAlgorithm) (string, error) {
	if it.IsDir() {
		return "", NewPathError("checksum", it.FullPath(), ErrIsDir)
	}
	if cs, ok := s.backend.(CanChecksum); ok {
		sum, err := cs.Checksum(ctx, it.id, algorithm)
		if err == nil {
			return sum, nil
		}
		if !errors.Is(err, ErrNotSupported) {
			return "", NewPathError("checksum", it.FullPath(), err)
		}
	}

	rc, err := s.backend.Open(ctx, it.id, 0, -1)
	if err != nil {
		return "", NewPathError("checksum", it.FullPath(), err)
	}
	defer rc.Close()

	sum, err := CalculateChecksum(rc, algorithm)
	if err != nil {
		return "", NewPathError("checksum", it.FullPath(), err)
	}
	return sum, nil
}

// VerifyChecksum reports whether the item content hashes to expected.
func (s *Server) VerifyChecksum(ctx context.Context, it *Item, expected string, algorithm ChecksumAlgorithm) (bool, error) {
	actual, err := s.Checksum(ctx, it, algorithm)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(actual, expected), nil
}
