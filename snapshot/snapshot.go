// Package snapshot persists a server's materialized tree and restores it
// without touching the backend.
//
// A snapshot file is a 9-byte preamble (magic plus compression tag)
// followed by one CBOR document, optionally zstd or lz4 compressed.
// Restoring re-attaches every item to the target server and starts its
// load bookkeeping from scratch.
package snapshot

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"go.uber.org/zap"

	"github.com/gobeaver/cloudview"
	"github.com/gobeaver/cloudview/logging"
)

const (
	magic = "CVSNAP01"

	// Ext is the file extension used by SaveAll and RestoreAll.
	Ext = ".cvsnap"

	version = 1
)

var (
	ErrBadMagic       = errors.New("snapshot: not a snapshot file")
	ErrVersion        = errors.New("snapshot: unsupported version")
	ErrServerMismatch = errors.New("snapshot: server name does not match")
)

// Compression selects the body codec.
type Compression uint8

const (
	None Compression = 0
	LZ4  Compression = 1
	Zstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	}
	return fmt.Sprintf("unknown(%d)", uint8(c))
}

// ParseCompression parses "none", "lz4" or "zstd".
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "none", "":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	}
	return None, fmt.Errorf("snapshot: unknown compression %q", name)
}

// document is the persisted form of one server tree.
type document struct {
	Version int                    `cbor:"1,keyasint"`
	Server  string                 `cbor:"2,keyasint"`
	Kind    string                 `cbor:"3,keyasint"`
	Root    string                 `cbor:"4,keyasint"`
	Saved   time.Time              `cbor:"5,keyasint"`
	Items   []cloudview.ItemRecord `cbor:"6,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("snapshot: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("snapshot: CBOR decoder initialization failed: " + err.Error())
	}
}

// Info describes a snapshot without restoring it.
type Info struct {
	Server      string
	Kind        string
	Items       int
	Saved       time.Time
	Compression Compression
}

// ============================================================================
// Save
// ============================================================================

// Save writes the cached tree of s to w.
func Save(w io.Writer, s *cloudview.Server, c Compression) error {
	root, recs := s.Records()
	doc := document{
		Version: version,
		Server:  s.Name(),
		Kind:    s.Kind(),
		Root:    root,
		Saved:   time.Now().UTC(),
		Items:   recs,
	}

	if _, err := io.WriteString(w, magic); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(c)}); err != nil {
		return err
	}

	body, closeBody, err := compressor(w, c)
	if err != nil {
		return err
	}
	if err := encMode.NewEncoder(body).Encode(&doc); err != nil {
		return fmt.Errorf("snapshot: encode %s: %w", s.Name(), err)
	}
	return closeBody()
}

func compressor(w io.Writer, c Compression) (io.Writer, func() error, error) {
	switch c {
	case None:
		return w, func() error { return nil }, nil
	case LZ4:
		zw := lz4.NewWriter(w)
		return zw, zw.Close, nil
	case Zstd:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, nil, err
		}
		return zw, zw.Close, nil
	}
	return nil, nil, fmt.Errorf("snapshot: unsupported compression %d", uint8(c))
}

// SaveFile writes the snapshot of s to path atomically.
func SaveFile(path string, s *cloudview.Server, c Compression) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	bw := bufio.NewWriter(tmp)
	if err = Save(bw, s, c); err != nil {
		return err
	}
	if err = bw.Flush(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ============================================================================
// Restore
// ============================================================================

func read(r io.Reader) (*document, Compression, error) {
	pre := make([]byte, len(magic)+1)
	if _, err := io.ReadFull(r, pre); err != nil {
		return nil, None, fmt.Errorf("%w: %v", ErrBadMagic, err)
	}
	if string(pre[:len(magic)]) != magic {
		return nil, None, ErrBadMagic
	}
	c := Compression(pre[len(magic)])

	var body io.Reader
	switch c {
	case None:
		body = r
	case LZ4:
		body = lz4.NewReader(r)
	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, c, err
		}
		defer zr.Close()
		body = zr
	default:
		return nil, c, fmt.Errorf("snapshot: unsupported compression %d", uint8(c))
	}

	var doc document
	if err := decMode.NewDecoder(body).Decode(&doc); err != nil {
		return nil, c, fmt.Errorf("snapshot: decode: %w", err)
	}
	if doc.Version != version {
		return nil, c, fmt.Errorf("%w: %d", ErrVersion, doc.Version)
	}
	return &doc, c, nil
}

// Restore replaces the cache of s with the snapshot read from r. The
// snapshot must have been taken from a server of the same name.
func Restore(r io.Reader, s *cloudview.Server) (*Info, error) {
	doc, c, err := read(r)
	if err != nil {
		return nil, err
	}
	if doc.Server != s.Name() {
		return nil, fmt.Errorf("%w: file has %q, server is %q", ErrServerMismatch, doc.Server, s.Name())
	}
	if err := s.Restore(doc.Root, doc.Items); err != nil {
		return nil, err
	}
	return &Info{Server: doc.Server, Kind: doc.Kind, Items: len(doc.Items), Saved: doc.Saved, Compression: c}, nil
}

// RestoreFile is Restore reading from path.
func RestoreFile(path string, s *cloudview.Server) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Restore(bufio.NewReader(f), s)
}

// Inspect reads the snapshot header and item count.
func Inspect(r io.Reader) (*Info, error) {
	doc, c, err := read(r)
	if err != nil {
		return nil, err
	}
	return &Info{Server: doc.Server, Kind: doc.Kind, Items: len(doc.Items), Saved: doc.Saved, Compression: c}, nil
}

// ============================================================================
// Namespace-wide helpers
// ============================================================================

// FileName returns the snapshot file name for a server.
func FileName(server string) string {
	return server + Ext
}

// SaveAll writes one snapshot per registered server into dir.
func SaveAll(dir string, ns *cloudview.Namespace, c Compression) error {
	log := logging.Named("snapshot")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	var errs []error
	for _, info := range ns.Servers() {
		s, err := ns.Server(info.Name)
		if err != nil {
			continue
		}
		path := filepath.Join(dir, FileName(info.Name))
		if err := SaveFile(path, s, c); err != nil {
			log.Warn("snapshot not saved", zap.String("server", info.Name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", info.Name, err))
			continue
		}
		log.Info("snapshot saved",
			zap.String("server", info.Name),
			zap.Int("items", s.Len()),
			zap.Stringer("compression", c),
		)
	}
	return errors.Join(errs...)
}

// RestoreAll restores every registered server that has a snapshot in dir.
// Servers without a file are left untouched.
func RestoreAll(dir string, ns *cloudview.Namespace) ([]*Info, error) {
	log := logging.Named("snapshot")
	var (
		out  []*Info
		errs []error
	)
	for _, info := range ns.Servers() {
		path := filepath.Join(dir, FileName(info.Name))
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		s, err := ns.Server(info.Name)
		if err != nil {
			continue
		}
		restored, err := RestoreFile(path, s)
		if err != nil {
			log.Warn("snapshot not restored", zap.String("server", info.Name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", info.Name, err))
			continue
		}
		log.Info("snapshot restored", zap.String("server", info.Name), zap.Int("items", restored.Items))
		out = append(out, restored)
	}
	return out, errors.Join(errs...)
}
