package blockcrypt

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
)

// KeySize is the length of the master key and of every derived key.
const KeySize = 32

// Keys holds the subkeys derived from a master key.
type Keys struct {
	Content [KeySize]byte
	MAC     [KeySize]byte
	Name    [KeySize]byte
}

// DeriveKeys expands a 32-byte master key into content, MAC and name keys
// with HKDF-SHA256.
func DeriveKeys(master []byte) (*Keys, error) {
	if len(master) != KeySize {
		return nil, fmt.Errorf("%w: master key must be %d bytes (got %d)", ErrInvalidKey, KeySize, len(master))
	}
	k := &Keys{}
	for _, sub := range []struct {
		info string
		dst  []byte
	}{
		{"cloudview content", k.Content[:]},
		{"cloudview mac", k.MAC[:]},
		{"cloudview name", k.Name[:]},
	} {
		r := hkdf.New(sha256.New, master, nil, []byte(sub.info))
		if _, err := io.ReadFull(r, sub.dst); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// NewMasterKey returns a random master key.
func NewMasterKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// ParseKey decodes a base64 master key.
func ParseKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: master key must be %d bytes (got %d)", ErrInvalidKey, KeySize, len(key))
	}
	return key, nil
}

// KeyFromPassword stretches a password into a master key with scrypt.
func KeyFromPassword(password, salt string) ([]byte, error) {
	if password == "" {
		return nil, fmt.Errorf("%w: empty password", ErrInvalidKey)
	}
	return scrypt.Key([]byte(password), []byte("cloudview:"+salt), 1<<15, 8, 1, KeySize)
}
