package blockcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"strings"
)

// NamePrefix marks encrypted names.
const NamePrefix = "cv_"

// ErrNotEncrypted is returned for names that were not produced by a NameCipher.
var ErrNotEncrypted = errors.New("blockcrypt: name is not encrypted")

var nameEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NameCipher encrypts file names deterministically: the same name always
// encrypts to the same string, so lookups by name work on the stored side.
type NameCipher struct {
	aead cipher.AEAD
	key  []byte
}

// NewNameCipher builds a name cipher from the derived name key.
func NewNameCipher(keys *Keys) (*NameCipher, error) {
	block, err := aes.NewCipher(keys.Name[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &NameCipher{aead: aead, key: append([]byte(nil), keys.Name[:]...)}, nil
}

func (c *NameCipher) nonce(name string) []byte {
	m := hmac.New(sha256.New, c.key)
	m.Write([]byte(name))
	return m.Sum(nil)[:c.aead.NonceSize()]
}

// Encrypt returns the stored form of name.
func (c *NameCipher) Encrypt(name string) string {
	nonce := c.nonce(name)
	sealed := c.aead.Seal(append([]byte(nil), nonce...), nonce, []byte(name), nil)
	return NamePrefix + strings.ToLower(nameEncoding.EncodeToString(sealed))
}

// Decrypt recovers a name produced by Encrypt.
func (c *NameCipher) Decrypt(stored string) (string, error) {
	if !strings.HasPrefix(stored, NamePrefix) {
		return "", ErrNotEncrypted
	}
	raw, err := nameEncoding.DecodeString(strings.ToUpper(stored[len(NamePrefix):]))
	if err != nil {
		return "", ErrNotEncrypted
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns+c.aead.Overhead() {
		return "", ErrNotEncrypted
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", ErrAuthentication
	}
	if !hmac.Equal(c.nonce(string(plain)), raw[:ns]) {
		return "", ErrAuthentication
	}
	return string(plain), nil
}
