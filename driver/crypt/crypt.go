// Package crypt is an encrypting overlay over another server of the same
// namespace. File content is stored in the blockcrypt format and names are
// replaced by their deterministic cipher text. Item IDs are the IDs of the
// underlying items, so the overlay keeps no state of its own.
package crypt

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gobeaver/cloudview"
	"github.com/gobeaver/cloudview/blockcrypt"
	"github.com/gobeaver/cloudview/hashstream"
	"github.com/gobeaver/cloudview/job"
)

// Config configures the overlay.
type Config struct {
	// Key is the 32-byte master key.
	Key []byte

	// BasePath is the folder of the base server holding the encrypted tree,
	// relative to its root. Empty uses the root.
	BasePath string

	// PlainNames stores names unencrypted.
	PlainNames bool
}

// Adapter implements cloudview.Backend on top of the server it is attached
// to depends on.
type Adapter struct {
	keys  *blockcrypt.Keys
	names *blockcrypt.NameCipher
	cfg   Config

	mu     sync.RWMutex
	server *cloudview.Server
	base   *cloudview.Server
	log    *zap.Logger
}

// ErrNotAttached is returned before the adapter has been registered in a
// namespace with a base server.
var ErrNotAttached = errors.New("crypt: not attached to a base server")

// New creates an overlay. The base server is bound when the adapter is
// registered with cloudview.DependsOn.
func New(cfg Config) (*Adapter, error) {
	keys, err := blockcrypt.DeriveKeys(cfg.Key)
	if err != nil {
		return nil, err
	}
	names, err := blockcrypt.NewNameCipher(keys)
	if err != nil {
		return nil, err
	}
	cfg.BasePath = strings.Trim(cfg.BasePath, "/")
	return &Adapter{keys: keys, names: names, cfg: cfg, log: zap.NewNop()}, nil
}

// Attach implements cloudview.Attachable.
func (a *Adapter) Attach(s *cloudview.Server) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.server = s
	a.log = s.Namespace().Logger().Named("crypt").With(zap.String("server", s.Name()))
	if s.DependsOn() == "" {
		a.log.Warn("crypt server has no base server")
		return
	}
	base, err := s.Namespace().Server(s.DependsOn())
	if err != nil {
		a.log.Warn("base server not found", zap.String("base", s.DependsOn()), zap.Error(err))
		return
	}
	a.base = base
}

func (a *Adapter) baseServer() (*cloudview.Server, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.base == nil {
		return nil, ErrNotAttached
	}
	return a.base, nil
}

// Base returns the server the overlay stores into.
func (a *Adapter) Base() *cloudview.Server {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.base
}

// ============================================================================
// Names and entries
// ============================================================================

func (a *Adapter) encryptName(name string) string {
	if a.cfg.PlainNames {
		return name
	}
	return a.names.Encrypt(name)
}

func (a *Adapter) decryptName(stored string) (string, bool) {
	if a.cfg.PlainNames {
		return stored, true
	}
	name, err := a.names.Decrypt(stored)
	if err != nil {
		return "", false
	}
	return name, true
}

// plain converts a stored entry. Entries whose names do not decrypt are
// foreign to the overlay and hidden.
func (a *Adapter) plain(e cloudview.Entry) (cloudview.Entry, bool) {
	name, ok := a.decryptName(e.Name)
	if !ok {
		return cloudview.Entry{}, false
	}
	e.Name = name
	if !e.IsDir() {
		e.Size = blockcrypt.Default.LogicalSize(e.Size)
		e.Hash = ""
		e.ContentType = cloudview.GuessContentType(name, nil)
	}
	return e, true
}

// touch marks the cached base folder id for reload.
func (a *Adapter) touch(base *cloudview.Server, ids ...string) {
	for _, id := range ids {
		if it, ok := base.Item(id); ok {
			base.Namespace().SetUpdate(it)
		}
	}
}

// ============================================================================
// Backend
// ============================================================================

// Root implements cloudview.Backend
func (a *Adapter) Root(ctx context.Context) (*cloudview.Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	base, err := a.baseServer()
	if err != nil {
		return nil, err
	}
	url := cloudview.JoinURL(base.Name(), a.cfg.BasePath)
	it, err := base.Namespace().Resolve(ctx, url, cloudview.UseCache)
	if err != nil {
		return nil, err
	}
	if !it.IsDir() {
		return nil, cloudview.NewPathError("root", url, cloudview.ErrNotDir)
	}
	e := it.Entry()
	e.Name = ""
	return &e, nil
}

// List implements cloudview.Backend. The listing goes through the base
// server's cache so every item the overlay shows is resolvable there.
func (a *Adapter) List(ctx context.Context, id string) ([]cloudview.Entry, error) {
	base, err := a.baseServer()
	if err != nil {
		return nil, err
	}
	if err := base.LoadItems(ctx, id, 0, true); err != nil {
		return nil, err
	}
	dir, ok := base.Item(id)
	if !ok {
		return nil, cloudview.ErrNotExist
	}
	if !dir.IsDir() {
		return nil, cloudview.ErrNotDir
	}

	children := dir.ChildItems()
	out := make([]cloudview.Entry, 0, len(children))
	hidden := 0
	for _, c := range children {
		e, ok := a.plain(c.Entry())
		if !ok {
			hidden++
			continue
		}
		out = append(out, e)
	}
	if hidden > 0 {
		a.log.Debug("foreign entries hidden", zap.String("folder", dir.FullPath()), zap.Int("count", hidden))
	}
	return out, nil
}

// Stat implements cloudview.Backend
func (a *Adapter) Stat(ctx context.Context, id string) (*cloudview.Entry, error) {
	base, err := a.baseServer()
	if err != nil {
		return nil, err
	}
	root, err := a.Root(ctx)
	if err != nil {
		return nil, err
	}
	if id == root.ID {
		return root, nil
	}
	stored, err := base.Backend().Stat(ctx, id)
	if err != nil {
		return nil, err
	}
	e, ok := a.plain(*stored)
	if !ok {
		return nil, cloudview.ErrNotExist
	}
	return &e, nil
}

// Open implements cloudview.Backend. Only the blocks covering the requested
// range are fetched from the base server.
func (a *Adapter) Open(ctx context.Context, id string, offset, length int64) (io.ReadCloser, error) {
	base, err := a.baseServer()
	if err != nil {
		return nil, err
	}
	stored, err := base.Backend().Stat(ctx, id)
	if err != nil {
		return nil, err
	}
	if stored.IsDir() {
		return nil, cloudview.ErrIsDir
	}
	logical := blockcrypt.Default.LogicalSize(stored.Size)
	if offset < 0 || offset > logical {
		return nil, cloudview.ErrInvalidOffset
	}

	start, end := blockcrypt.Default.PhysicalRange(offset, length, logical)
	rc, err := base.Backend().Open(ctx, id, start, end-start)
	if err != nil {
		return nil, err
	}
	dr, err := blockcrypt.NewDecryptReader(a.keys, rc, offset, start, stored.Size)
	if err != nil {
		rc.Close()
		return nil, err
	}
	var r io.Reader = dr
	if length >= 0 {
		r = io.LimitReader(dr, length)
	}
	return &plainStream{Reader: r, closer: rc}, nil
}

type plainStream struct {
	io.Reader
	closer io.Closer
}

func (p *plainStream) Close() error { return p.closer.Close() }

// ============================================================================
// Capabilities
// ============================================================================

// CreateDir implements cloudview.CanCreateDir
func (a *Adapter) CreateDir(ctx context.Context, parentID, name string) (*cloudview.Entry, error) {
	base, err := a.baseServer()
	if err != nil {
		return nil, err
	}
	mk, ok := base.Backend().(cloudview.CanCreateDir)
	if !ok {
		return nil, cloudview.ErrNotSupported
	}
	stored, err := mk.CreateDir(ctx, parentID, a.encryptName(name))
	if err != nil {
		return nil, err
	}
	a.touch(base, parentID)
	e, _ := a.plain(*stored)
	e.Name = name
	return &e, nil
}

// Upload implements cloudview.CanUpload. size must be known: the stored
// size is derived from it before the content is read.
func (a *Adapter) Upload(ctx context.Context, parentID, name string, r io.Reader, size int64, opts ...cloudview.Option) (*cloudview.Entry, error) {
	base, err := a.baseServer()
	if err != nil {
		return nil, err
	}
	up, ok := base.Backend().(cloudview.CanUpload)
	if !ok {
		return nil, cloudview.ErrNotSupported
	}
	if size < 0 {
		return nil, fmt.Errorf("crypt: upload of %q: %w: unknown size", name, cloudview.ErrNotSupported)
	}

	hs := hashstream.NewReader(r, sha256.New())
	enc, err := blockcrypt.NewEncryptReader(a.keys, hs, size)
	if err != nil {
		return nil, err
	}
	o := cloudview.ApplyOptions(opts...)
	storeOpts := []cloudview.Option{cloudview.WithContentType("application/octet-stream")}
	if !o.ModTime.IsZero() {
		storeOpts = append(storeOpts, cloudview.WithModTime(o.ModTime))
	}
	stored, err := up.Upload(ctx, parentID, a.encryptName(name), enc, blockcrypt.EncryptedSize(size), storeOpts...)
	if err != nil {
		return nil, err
	}
	hs.Flush()
	a.touch(base, parentID)

	e, _ := a.plain(*stored)
	e.Name = name
	e.Size = size
	e.ContentType = o.ContentType
	e.Hash = strings.ToLower(hs.Hash())
	return &e, nil
}

// Delete implements cloudview.CanDelete
func (a *Adapter) Delete(ctx context.Context, id string) error {
	base, err := a.baseServer()
	if err != nil {
		return err
	}
	del, ok := base.Backend().(cloudview.CanDelete)
	if !ok {
		return cloudview.ErrNotSupported
	}
	parents := a.parentsOf(base, id)
	if err := del.Delete(ctx, id); err != nil {
		return err
	}
	a.touch(base, parents...)
	return nil
}

// Move implements cloudview.CanMove
func (a *Adapter) Move(ctx context.Context, id, newParentID string) (*cloudview.Entry, error) {
	base, err := a.baseServer()
	if err != nil {
		return nil, err
	}
	mv, ok := base.Backend().(cloudview.CanMove)
	if !ok {
		return nil, cloudview.ErrNotSupported
	}
	parents := a.parentsOf(base, id)
	stored, err := mv.Move(ctx, id, newParentID)
	if err != nil {
		return nil, err
	}
	a.touch(base, append(parents, newParentID)...)
	return a.entryOrNotExist(stored)
}

// Rename implements cloudview.CanRename
func (a *Adapter) Rename(ctx context.Context, id, newName string) (*cloudview.Entry, error) {
	base, err := a.baseServer()
	if err != nil {
		return nil, err
	}
	rn, ok := base.Backend().(cloudview.CanRename)
	if !ok {
		return nil, cloudview.ErrNotSupported
	}
	parents := a.parentsOf(base, id)
	stored, err := rn.Rename(ctx, id, a.encryptName(newName))
	if err != nil {
		return nil, err
	}
	a.touch(base, parents...)
	return a.entryOrNotExist(stored)
}

// SetModTime implements cloudview.CanSetModTime
func (a *Adapter) SetModTime(ctx context.Context, id string, t time.Time) (*cloudview.Entry, error) {
	base, err := a.baseServer()
	if err != nil {
		return nil, err
	}
	st, ok := base.Backend().(cloudview.CanSetModTime)
	if !ok {
		return nil, cloudview.ErrNotSupported
	}
	stored, err := st.SetModTime(ctx, id, t)
	if err != nil {
		return nil, err
	}
	return a.entryOrNotExist(stored)
}

// Checksum implements cloudview.CanChecksum over the decrypted content.
func (a *Adapter) Checksum(ctx context.Context, id string, algorithm cloudview.ChecksumAlgorithm) (string, error) {
	h, err := cloudview.NewHasher(algorithm)
	if err != nil {
		return "", err
	}
	rc, err := a.Open(ctx, id, 0, -1)
	if err != nil {
		return "", err
	}
	hs := hashstream.NewReader(rc, h)
	defer hs.Close()
	if _, err := io.Copy(io.Discard, hs); err != nil {
		return "", err
	}
	hs.Flush()
	return strings.ToLower(hs.Hash()), nil
}

// Ready implements cloudview.CanReady
func (a *Adapter) Ready(ctx context.Context) error {
	base, err := a.baseServer()
	if err != nil {
		return err
	}
	if !base.IsReady(ctx) {
		return fmt.Errorf("%w: base server %s", cloudview.ErrNotReady, base.Name())
	}
	return nil
}

// Watch implements cloudview.CanWatch by forwarding the base backend's
// notifications; folder IDs are shared.
func (a *Adapter) Watch(ctx context.Context, notify func(folderID string)) error {
	base, err := a.baseServer()
	if err != nil {
		return err
	}
	w, ok := base.Backend().(cloudview.CanWatch)
	if !ok {
		return nil
	}
	return w.Watch(ctx, notify)
}

func (a *Adapter) parentsOf(base *cloudview.Server, id string) []string {
	if it, ok := base.Item(id); ok {
		return it.Parents()
	}
	return nil
}

func (a *Adapter) entryOrNotExist(stored *cloudview.Entry) (*cloudview.Entry, error) {
	e, ok := a.plain(*stored)
	if !ok {
		return nil, cloudview.ErrNotExist
	}
	return &e, nil
}

// ============================================================================
// Job chaining
// ============================================================================

// DecryptJob returns a job yielding the plaintext of it from offset. The
// job builds on a DownloadRaw job of the underlying base item and keeps that
// stream alive until its own result is released.
func (a *Adapter) DecryptJob(it *cloudview.Item, offset int64, deps ...job.Dep) (*job.Job[io.ReadCloser], error) {
	base, err := a.baseServer()
	if err != nil {
		return nil, err
	}
	if it.IsDir() {
		return nil, cloudview.NewPathError("download", it.FullPath(), cloudview.ErrIsDir)
	}
	if offset < 0 || offset > it.Size() {
		return nil, cloudview.NewPathError("download", it.FullPath(), cloudview.ErrInvalidOffset)
	}
	start := blockcrypt.Default.Translate(offset)

	return job.Go(it.Server().Namespace().Jobs(), job.ClassDownload, deps, func(ctx context.Context, j *job.Job[io.ReadCloser]) (io.ReadCloser, error) {
		j.SetProgress(job.Indeterminate)
		stored, err := a.baseItem(ctx, base, it)
		if err != nil {
			return nil, err
		}
		raw, err := base.DownloadRaw(stored, start, -1)
		if err != nil {
			return nil, err
		}
		rc, err := raw.Await(ctx)
		if err != nil {
			raw.Release()
			return nil, err
		}
		dr, err := blockcrypt.NewDecryptReader(a.keys, rc, offset, start, stored.Size())
		if err != nil {
			raw.Release()
			return nil, cloudview.NewPathError("download", it.FullPath(), err)
		}
		return &plainStream{Reader: dr, closer: releaser{raw.Task}}, nil
	},
		job.Named("decrypt "+it.FullPath()),
		job.WithFinalizer(func(rc io.ReadCloser) {
			if rc != nil {
				_ = rc.Close()
			}
		}),
	)
}

// baseItem returns the cached base item behind it, listing its parents on
// the base server when it is not cached yet.
func (a *Adapter) baseItem(ctx context.Context, base *cloudview.Server, it *cloudview.Item) (*cloudview.Item, error) {
	if stored, ok := base.Item(it.ID()); ok {
		return stored, nil
	}
	for _, p := range it.Parents() {
		if err := base.LoadItems(ctx, p, 0, true); err != nil {
			continue
		}
		if stored, ok := base.Item(it.ID()); ok {
			return stored, nil
		}
	}
	return nil, cloudview.NewPathError("download", it.FullPath(), cloudview.ErrNotExist)
}

type releaser struct{ t *job.Task }

func (r releaser) Close() error {
	r.t.Release()
	return nil
}

var (
	_ cloudview.Backend       = (*Adapter)(nil)
	_ cloudview.Attachable    = (*Adapter)(nil)
	_ cloudview.CanCreateDir  = (*Adapter)(nil)
	_ cloudview.CanUpload     = (*Adapter)(nil)
	_ cloudview.CanDelete     = (*Adapter)(nil)
	_ cloudview.CanMove       = (*Adapter)(nil)
	_ cloudview.CanRename     = (*Adapter)(nil)
	_ cloudview.CanSetModTime = (*Adapter)(nil)
	_ cloudview.CanChecksum   = (*Adapter)(nil)
	_ cloudview.CanReady      = (*Adapter)(nil)
	_ cloudview.CanWatch      = (*Adapter)(nil)
)
