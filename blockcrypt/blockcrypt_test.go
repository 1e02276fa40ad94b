package blockcrypt

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"strings"
	"testing"
)

func testKeys(t *testing.T) *Keys {
	t.Helper()
	master, err := NewMasterKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	keys, err := DeriveKeys(master)
	if err != nil {
		t.Fatalf("failed to derive keys: %v", err)
	}
	return keys
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("failed to generate data: %v", err)
	}
	return b
}

func encrypt(t *testing.T, keys *Keys, plain []byte) []byte {
	t.Helper()
	r, err := NewEncryptReader(keys, bytes.NewReader(plain), int64(len(plain)))
	if err != nil {
		t.Fatalf("NewEncryptReader: %v", err)
	}
	phys, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	return phys
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		offset int64
		want   int64
	}{
		{0, 0},
		{100, 0},
		{4096, 0},
		{8191, 0},
		{8192, 64},
		{10000, 4160},
		{12288, 4160},
		{12289, 8256},
		{16384, 8256},
	}
	for _, tt := range tests {
		if got := Default.Translate(tt.offset); got != tt.want {
			t.Errorf("Translate(%d) = %d, want %d", tt.offset, got, tt.want)
		}
	}
}

func TestLogicalSize(t *testing.T) {
	tests := []struct {
		physical int64
		want     int64
	}{
		{0, 0},
		{64, 0},
		{128, 0},
		{129, 1},
		{128 + 10000, 10000},
	}
	for _, tt := range tests {
		if got := Default.LogicalSize(tt.physical); got != tt.want {
			t.Errorf("LogicalSize(%d) = %d, want %d", tt.physical, got, tt.want)
		}
		if tt.want > 0 {
			if back := Default.PhysicalSize(tt.want); back != tt.physical {
				t.Errorf("PhysicalSize(%d) = %d, want %d", tt.want, back, tt.physical)
			}
		}
	}
}

func TestRoundtrip(t *testing.T) {
	keys := testKeys(t)
	sizes := []int{0, 1, 15, 16, 4095, 4096, 4097, 8192, 10000, 3*4096 + 17}

	for _, n := range sizes {
		plain := randomBytes(t, n)
		phys := encrypt(t, keys, plain)

		if int64(len(phys)) != Default.PhysicalSize(int64(n)) {
			t.Fatalf("size %d: physical length %d, want %d", n, len(phys), Default.PhysicalSize(int64(n)))
		}
		if !bytes.HasPrefix(phys, []byte(Magic)) {
			t.Fatalf("size %d: missing magic", n)
		}

		r, err := NewDecryptReader(keys, bytes.NewReader(phys), 0, 0, int64(len(phys)))
		if err != nil {
			t.Fatalf("size %d: NewDecryptReader: %v", n, err)
		}
		got, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("size %d: decrypt: %v", n, err)
		}
		if !bytes.Equal(got, plain) {
			t.Errorf("size %d: roundtrip mismatch", n)
		}
	}
}

func TestDecryptFromOffset(t *testing.T) {
	keys := testKeys(t)
	plain := randomBytes(t, 5*4096+123)
	phys := encrypt(t, keys, plain)
	size := int64(len(phys))

	offsets := []int64{0, 1, 4095, 4096, 8191, 8192, 8193, 10000, 12288, 16000, int64(len(plain)) - 1, int64(len(plain))}
	for _, o := range offsets {
		start := Default.Translate(o)
		r, err := NewDecryptReader(keys, bytes.NewReader(phys[start:]), o, start, size)
		if err != nil {
			t.Fatalf("offset %d: NewDecryptReader: %v", o, err)
		}
		got, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("offset %d: read: %v", o, err)
		}
		if !bytes.Equal(got, plain[o:]) {
			t.Errorf("offset %d: got %d bytes, want %d matching bytes", o, len(got), len(plain[o:]))
		}
	}
}

func TestDecryptRejectsWrongStart(t *testing.T) {
	keys := testKeys(t)
	phys := encrypt(t, keys, randomBytes(t, 20000))

	if _, err := NewDecryptReader(keys, bytes.NewReader(phys), 10000, 100, int64(len(phys))); err == nil {
		t.Fatal("expected error for unaligned physical start")
	}
	if _, err := NewDecryptReader(keys, bytes.NewReader(phys), 5000, 4160, int64(len(phys))); err == nil {
		t.Fatal("expected error for a start past the offset")
	}
}

func TestAuthentication(t *testing.T) {
	keys := testKeys(t)
	plain := randomBytes(t, 9000)

	t.Run("tampered body", func(t *testing.T) {
		phys := encrypt(t, keys, plain)
		phys[Default.HeaderSize+5000] ^= 0x01

		r, _ := NewDecryptReader(keys, bytes.NewReader(phys), 0, 0, int64(len(phys)))
		_, err := io.ReadAll(r)
		if !errors.Is(err, ErrAuthentication) {
			t.Fatalf("expected ErrAuthentication, got %v", err)
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		phys := encrypt(t, keys, plain)
		other := testKeys(t)

		r, _ := NewDecryptReader(other, bytes.NewReader(phys), 0, 0, int64(len(phys)))
		_, err := io.ReadAll(r)
		if !errors.Is(err, ErrAuthentication) {
			t.Fatalf("expected ErrAuthentication, got %v", err)
		}
	})

	t.Run("bad header", func(t *testing.T) {
		phys := encrypt(t, keys, plain)
		copy(phys, "NOTMAGIC")

		r, _ := NewDecryptReader(keys, bytes.NewReader(phys), 0, 0, int64(len(phys)))
		_, err := io.ReadAll(r)
		if !errors.Is(err, ErrBadHeader) {
			t.Fatalf("expected ErrBadHeader, got %v", err)
		}
	})

	t.Run("truncated", func(t *testing.T) {
		phys := encrypt(t, keys, plain)
		short := phys[:len(phys)-40]

		r, _ := NewDecryptReader(keys, bytes.NewReader(short), 0, 0, int64(len(phys)))
		_, err := io.ReadAll(r)
		if !errors.Is(err, ErrTruncated) {
			t.Fatalf("expected ErrTruncated, got %v", err)
		}
	})
}

func TestEncryptSizeMismatch(t *testing.T) {
	keys := testKeys(t)
	r, err := NewEncryptReader(keys, strings.NewReader("hello"), 10)
	if err != nil {
		t.Fatalf("NewEncryptReader: %v", err)
	}
	if _, err := io.ReadAll(r); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}
}

func TestReadSeeker(t *testing.T) {
	keys := testKeys(t)
	plain := randomBytes(t, 4*4096+999)
	phys := encrypt(t, keys, plain)

	opens := 0
	open := func(offset, length int64) (io.ReadCloser, error) {
		opens++
		return io.NopCloser(bytes.NewReader(phys[offset:])), nil
	}
	rs := NewDecryptReadSeeker(keys, open, int64(len(phys)))
	defer rs.Close()

	if rs.Size() != int64(len(plain)) {
		t.Fatalf("Size() = %d, want %d", rs.Size(), len(plain))
	}

	pos, err := rs.Seek(-100, io.SeekEnd)
	if err != nil {
		t.Fatalf("Seek end: %v", err)
	}
	if pos != int64(len(plain))-100 {
		t.Fatalf("Seek end = %d, want %d", pos, len(plain)-100)
	}
	tail, err := io.ReadAll(rs)
	if err != nil {
		t.Fatalf("read tail: %v", err)
	}
	if !bytes.Equal(tail, plain[len(plain)-100:]) {
		t.Error("tail mismatch")
	}

	if _, err := rs.Seek(10000, io.SeekStart); err != nil {
		t.Fatalf("Seek start: %v", err)
	}
	buf := make([]byte, 500)
	if _, err := io.ReadFull(rs, buf); err != nil {
		t.Fatalf("read middle: %v", err)
	}
	if !bytes.Equal(buf, plain[10000:10500]) {
		t.Error("middle mismatch")
	}

	cur, _ := rs.Seek(0, io.SeekCurrent)
	if cur != 10500 {
		t.Errorf("position = %d, want 10500", cur)
	}
	if opens != 2 {
		t.Errorf("physical opens = %d, want 2", opens)
	}

	if _, err := rs.Seek(-1, io.SeekStart); err == nil {
		t.Error("expected error for negative position")
	}
}

func TestPhysicalRange(t *testing.T) {
	logical := int64(5 * 4096)
	start, end := Default.PhysicalRange(10000, 100, logical)
	if start != 4160 {
		t.Errorf("start = %d, want 4160", start)
	}
	if end != 64+3*4096 {
		t.Errorf("end = %d, want %d", end, 64+3*4096)
	}

	_, end = Default.PhysicalRange(0, -1, logical)
	if end != Default.PhysicalSize(logical) {
		t.Errorf("open-ended range end = %d, want %d", end, Default.PhysicalSize(logical))
	}
}

func TestNameCipher(t *testing.T) {
	keys := testKeys(t)
	nc, err := NewNameCipher(keys)
	if err != nil {
		t.Fatalf("NewNameCipher: %v", err)
	}

	names := []string{"a", "report.pdf", "日本語のファイル.txt", strings.Repeat("x", 120)}
	for _, name := range names {
		enc := nc.Encrypt(name)
		if !strings.HasPrefix(enc, NamePrefix) {
			t.Errorf("%q: missing prefix in %q", name, enc)
		}
		if enc != strings.ToLower(enc) {
			t.Errorf("%q: encrypted name not lowercase: %q", name, enc)
		}
		if again := nc.Encrypt(name); again != enc {
			t.Errorf("%q: encryption not deterministic", name)
		}
		dec, err := nc.Decrypt(enc)
		if err != nil {
			t.Fatalf("%q: Decrypt: %v", name, err)
		}
		if dec != name {
			t.Errorf("Decrypt = %q, want %q", dec, name)
		}
	}

	if _, err := nc.Decrypt("plain.txt"); !errors.Is(err, ErrNotEncrypted) {
		t.Errorf("expected ErrNotEncrypted, got %v", err)
	}

	other, _ := NewNameCipher(testKeys(t))
	if _, err := other.Decrypt(nc.Encrypt("secret")); !errors.Is(err, ErrAuthentication) {
		t.Errorf("expected ErrAuthentication with another key, got %v", err)
	}
}

func TestDeriveKeys(t *testing.T) {
	if _, err := DeriveKeys(make([]byte, 16)); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}

	keys, err := DeriveKeys(make([]byte, KeySize))
	if err != nil {
		t.Fatalf("DeriveKeys: %v", err)
	}
	if keys.Content == keys.MAC || keys.MAC == keys.Name {
		t.Error("derived keys should differ")
	}

	if _, err := ParseKey("not base64!"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}
