package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/gobeaver/cloudview"
)

// Adapter serves a remote directory over SFTP. Item IDs are absolute remote
// paths, so they change when an item is renamed or moved.
type Adapter struct {
	mu      sync.Mutex
	client  *sftp.Client
	sshConn *ssh.Client
	root    string
	config  Config
	log     *zap.Logger
}

// Config holds SFTP connection configuration
type Config struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey []byte // PEM encoded private key
	KnownHosts string // known_hosts file; empty accepts any host key
	BasePath   string
	// PollInterval is how often Watch rescans the tree.
	PollInterval time.Duration
	Logger       *zap.Logger
}

// New connects to cfg.Host and serves cfg.BasePath.
func New(cfg Config) (*Adapter, error) {
	a := &Adapter{config: cfg, log: cfg.Logger}
	if a.log == nil {
		a.log = zap.NewNop()
	}
	if err := a.connect(); err != nil {
		return nil, err
	}
	if err := a.setRoot(cfg.BasePath); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// NewFromClient serves root through an established client. The adapter
// does not reconnect it.
func NewFromClient(client *sftp.Client, root string, cfg ...Config) (*Adapter, error) {
	a := &Adapter{client: client, log: zap.NewNop()}
	if len(cfg) > 0 {
		a.config = cfg[0]
		if cfg[0].Logger != nil {
			a.log = cfg[0].Logger
		}
	}
	if err := a.setRoot(root); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Adapter) setRoot(base string) error {
	if base == "" || !path.IsAbs(base) {
		wd, err := a.client.Getwd()
		if err != nil {
			return fmt.Errorf("sftp: working directory: %w", err)
		}
		base = path.Join(wd, base)
	}
	base = path.Clean(base)
	info, err := a.client.Stat(base)
	if err != nil {
		return fmt.Errorf("sftp: base path %s: %w", base, mapSFTPError(err))
	}
	if !info.IsDir() {
		return fmt.Errorf("sftp: base path %s: %w", base, cloudview.ErrNotDir)
	}
	a.root = base
	return nil
}

// hostKeyCallback verifies against the configured known_hosts file.
func (a *Adapter) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if a.config.KnownHosts == "" {
		a.log.Warn("host key verification disabled", zap.String("host", a.config.Host))
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return knownhosts.New(a.config.KnownHosts)
}

// connect establishes SSH and SFTP connections. a.mu must not be held.
func (a *Adapter) connect() error {
	if a.config.Host == "" {
		return errors.New("sftp: no host to connect to")
	}
	hostKey, err := a.hostKeyCallback()
	if err != nil {
		return fmt.Errorf("sftp: known hosts: %w", err)
	}
	sshConfig := &ssh.ClientConfig{
		User:            a.config.Username,
		HostKeyCallback: hostKey,
		Timeout:         30 * time.Second,
	}

	if len(a.config.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(a.config.PrivateKey)
		if err != nil {
			return fmt.Errorf("failed to parse private key: %w", err)
		}
		sshConfig.Auth = append(sshConfig.Auth, ssh.PublicKeys(signer))
	}
	if a.config.Password != "" {
		sshConfig.Auth = append(sshConfig.Auth, ssh.Password(a.config.Password))
	}
	if len(sshConfig.Auth) == 0 {
		return fmt.Errorf("no authentication method provided")
	}

	port := a.config.Port
	if port == 0 {
		port = 22
	}
	addr := fmt.Sprintf("%s:%d", a.config.Host, port)
	sshConn, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to SSH: %w", err)
	}
	sftpClient, err := sftp.NewClient(sshConn)
	if err != nil {
		sshConn.Close()
		return fmt.Errorf("failed to create SFTP client: %w", err)
	}

	a.mu.Lock()
	a.sshConn = sshConn
	a.client = sftpClient
	a.mu.Unlock()
	a.log.Debug("connected", zap.String("addr", addr))
	return nil
}

// Close closes the SFTP and SSH connections
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	if a.client != nil {
		if err := a.client.Close(); err != nil {
			errs = append(errs, err)
		}
		a.client = nil
	}
	if a.sshConn != nil {
		if err := a.sshConn.Close(); err != nil {
			errs = append(errs, err)
		}
		a.sshConn = nil
	}
	return errors.Join(errs...)
}

// conn returns a live client, reconnecting a dropped session when the
// adapter owns its connection.
func (a *Adapter) conn(ctx context.Context) (*sftp.Client, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client != nil {
		if _, err := client.Getwd(); err == nil {
			return client, nil
		}
		if a.config.Host == "" {
			return nil, fmt.Errorf("%w: sftp session lost", cloudview.ErrNotReady)
		}
		a.log.Info("sftp session lost, reconnecting")
		a.Close()
	}
	if err := a.connect(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client, nil
}

// resolve checks that id lies inside the served tree.
func (a *Adapter) resolve(id string) (string, error) {
	if !path.IsAbs(id) {
		return "", cloudview.ErrNotAllowed
	}
	p := path.Clean(id)
	if p != a.root && !strings.HasPrefix(p, strings.TrimSuffix(a.root, "/")+"/") {
		return "", cloudview.ErrNotAllowed
	}
	return p, nil
}

func (a *Adapter) entry(p string, info os.FileInfo) cloudview.Entry {
	e := cloudview.Entry{
		ID:      p,
		Name:    path.Base(p),
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Type:    cloudview.File,
	}
	if p == a.root {
		e.Name = ""
	}
	if info.IsDir() {
		e.Type = cloudview.Folder
		e.Size = 0
	} else {
		e.ContentType = cloudview.GuessContentType(e.Name, nil)
	}
	if st, ok := info.Sys().(*sftp.FileStat); ok && st.Atime > 0 {
		e.AccessTime = time.Unix(int64(st.Atime), 0)
	}
	return e
}

// ============================================================================
// Backend
// ============================================================================

// Root implements cloudview.Backend
func (a *Adapter) Root(ctx context.Context) (*cloudview.Entry, error) {
	return a.Stat(ctx, a.root)
}

// List implements cloudview.Backend
func (a *Adapter) List(ctx context.Context, id string) ([]cloudview.Entry, error) {
	p, err := a.resolve(id)
	if err != nil {
		return nil, err
	}
	client, err := a.conn(ctx)
	if err != nil {
		return nil, err
	}
	info, err := client.Stat(p)
	if err != nil {
		return nil, mapSFTPError(err)
	}
	if !info.IsDir() {
		return nil, cloudview.ErrNotDir
	}
	infos, err := client.ReadDir(p)
	if err != nil {
		return nil, mapSFTPError(err)
	}
	out := make([]cloudview.Entry, 0, len(infos))
	for _, fi := range infos {
		out = append(out, a.entry(path.Join(p, fi.Name()), fi))
	}
	return out, nil
}

// Stat implements cloudview.Backend
func (a *Adapter) Stat(ctx context.Context, id string) (*cloudview.Entry, error) {
	p, err := a.resolve(id)
	if err != nil {
		return nil, err
	}
	client, err := a.conn(ctx)
	if err != nil {
		return nil, err
	}
	info, err := client.Stat(p)
	if err != nil {
		return nil, mapSFTPError(err)
	}
	e := a.entry(p, info)
	return &e, nil
}

// Open implements cloudview.Backend
func (a *Adapter) Open(ctx context.Context, id string, offset, length int64) (io.ReadCloser, error) {
	p, err := a.resolve(id)
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		return nil, cloudview.ErrInvalidOffset
	}
	client, err := a.conn(ctx)
	if err != nil {
		return nil, err
	}
	info, err := client.Stat(p)
	if err != nil {
		return nil, mapSFTPError(err)
	}
	if info.IsDir() {
		return nil, cloudview.ErrIsDir
	}
	if offset > info.Size() {
		return nil, cloudview.ErrInvalidOffset
	}
	f, err := client.Open(p)
	if err != nil {
		return nil, mapSFTPError(err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	if length < 0 {
		return f, nil
	}
	return &limitedFile{Reader: io.LimitReader(f, length), f: f}, nil
}

type limitedFile struct {
	io.Reader
	f *sftp.File
}

func (l *limitedFile) Close() error { return l.f.Close() }

// ============================================================================
// Mutations
// ============================================================================

// CreateDir implements cloudview.CanCreateDir
func (a *Adapter) CreateDir(ctx context.Context, parentID, name string) (*cloudview.Entry, error) {
	parent, err := a.resolve(parentID)
	if err != nil {
		return nil, err
	}
	client, err := a.conn(ctx)
	if err != nil {
		return nil, err
	}
	p := path.Join(parent, name)
	if _, err := client.Stat(p); err == nil {
		return nil, cloudview.ErrExist
	}
	if err := client.Mkdir(p); err != nil {
		return nil, mapSFTPError(err)
	}
	return a.Stat(ctx, p)
}

// Upload implements cloudview.CanUpload. Content goes to a temporary file
// that replaces the target once complete.
func (a *Adapter) Upload(ctx context.Context, parentID, name string, r io.Reader, size int64, opts ...cloudview.Option) (*cloudview.Entry, error) {
	parent, err := a.resolve(parentID)
	if err != nil {
		return nil, err
	}
	client, err := a.conn(ctx)
	if err != nil {
		return nil, err
	}
	o := cloudview.ApplyOptions(opts...)
	target := path.Join(parent, name)
	tmp := path.Join(parent, ".cv-upload-"+name)

	f, err := client.Create(tmp)
	if err != nil {
		return nil, mapSFTPError(err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && size >= 0 && n != size {
		err = fmt.Errorf("sftp: upload of %s: wrote %d bytes, expected %d", target, n, size)
	}
	if err != nil {
		_ = client.Remove(tmp)
		return nil, err
	}

	if info, err := client.Stat(target); err == nil {
		if info.IsDir() {
			_ = client.Remove(tmp)
			return nil, cloudview.ErrIsDir
		}
		if err := client.Remove(target); err != nil {
			_ = client.Remove(tmp)
			return nil, mapSFTPError(err)
		}
	}
	if err := client.Rename(tmp, target); err != nil {
		_ = client.Remove(tmp)
		return nil, mapSFTPError(err)
	}
	if !o.ModTime.IsZero() {
		if err := client.Chtimes(target, o.ModTime, o.ModTime); err != nil {
			a.log.Debug("chtimes failed", zap.String("path", target), zap.Error(err))
		}
	}
	return a.Stat(ctx, target)
}

// Delete implements cloudview.CanDelete
func (a *Adapter) Delete(ctx context.Context, id string) error {
	p, err := a.resolve(id)
	if err != nil {
		return err
	}
	if p == a.root {
		return cloudview.ErrNotAllowed
	}
	client, err := a.conn(ctx)
	if err != nil {
		return err
	}
	info, err := client.Stat(p)
	if err != nil {
		return mapSFTPError(err)
	}
	if info.IsDir() {
		return mapSFTPError(removeAll(client, p))
	}
	return mapSFTPError(client.Remove(p))
}

// removeAll recursively removes a directory and its contents
func removeAll(client *sftp.Client, dirPath string) error {
	entries, err := client.ReadDir(dirPath)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		entryPath := path.Join(dirPath, entry.Name())
		if entry.IsDir() {
			if err := removeAll(client, entryPath); err != nil {
				return err
			}
		} else if err := client.Remove(entryPath); err != nil {
			return err
		}
	}
	return client.RemoveDirectory(dirPath)
}

func (a *Adapter) rename(ctx context.Context, from, to string) (*cloudview.Entry, error) {
	if from == a.root {
		return nil, cloudview.ErrNotAllowed
	}
	if to == from || strings.HasPrefix(to, from+"/") {
		return nil, fmt.Errorf("%w: cannot move a folder into itself", cloudview.ErrNotAllowed)
	}
	client, err := a.conn(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := client.Stat(to); err == nil {
		return nil, cloudview.ErrExist
	}
	if err := client.Rename(from, to); err != nil {
		return nil, mapSFTPError(err)
	}
	return a.Stat(ctx, to)
}

// Move implements cloudview.CanMove using SFTP's native Rename.
func (a *Adapter) Move(ctx context.Context, id, newParentID string) (*cloudview.Entry, error) {
	from, err := a.resolve(id)
	if err != nil {
		return nil, err
	}
	parent, err := a.resolve(newParentID)
	if err != nil {
		return nil, err
	}
	return a.rename(ctx, from, path.Join(parent, path.Base(from)))
}

// Rename implements cloudview.CanRename
func (a *Adapter) Rename(ctx context.Context, id, newName string) (*cloudview.Entry, error) {
	from, err := a.resolve(id)
	if err != nil {
		return nil, err
	}
	return a.rename(ctx, from, path.Join(path.Dir(from), newName))
}

// SetModTime implements cloudview.CanSetModTime
func (a *Adapter) SetModTime(ctx context.Context, id string, t time.Time) (*cloudview.Entry, error) {
	p, err := a.resolve(id)
	if err != nil {
		return nil, err
	}
	client, err := a.conn(ctx)
	if err != nil {
		return nil, err
	}
	if err := client.Chtimes(p, t, t); err != nil {
		return nil, mapSFTPError(err)
	}
	return a.Stat(ctx, p)
}

// ============================================================================
// Optional Capability Interfaces
// ============================================================================

// Checksum implements cloudview.CanChecksum by reading and hashing the file.
func (a *Adapter) Checksum(ctx context.Context, id string, algorithm cloudview.ChecksumAlgorithm) (string, error) {
	reader, err := a.Open(ctx, id, 0, -1)
	if err != nil {
		return "", err
	}
	defer reader.Close()
	return cloudview.CalculateChecksum(reader, algorithm)
}

// Ready implements cloudview.CanReady
func (a *Adapter) Ready(ctx context.Context) error {
	if _, err := a.conn(ctx); err != nil {
		return fmt.Errorf("%w: %v", cloudview.ErrNotReady, err)
	}
	return nil
}

// Watch implements cloudview.CanWatch by polling. SFTP has no change
// notifications.
func (a *Adapter) Watch(ctx context.Context, notify func(folderID string)) error {
	return cloudview.Poll(ctx, cloudview.PollConfig{
		Interval: a.config.PollInterval,
		Scan:     a.scan,
		Logger:   a.log,
	}, notify)
}

func (a *Adapter) scan(ctx context.Context) (map[string]cloudview.PolledObject, error) {
	client, err := a.conn(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]cloudview.PolledObject)
	walker := client.Walk(a.root)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			a.log.Debug("scan skipped entry", zap.String("path", walker.Path()), zap.Error(err))
			continue
		}
		p := walker.Path()
		if p == a.root {
			continue
		}
		info := walker.Stat()
		obj := cloudview.PolledObject{Parent: path.Dir(p), ModTime: info.ModTime()}
		if !info.IsDir() {
			obj.Size = info.Size()
		}
		out[p] = obj
	}
	return out, ctx.Err()
}

// mapSFTPError maps SFTP errors to cloudview errors
func mapSFTPError(err error) error {
	if err == nil {
		return nil
	}
	var status *sftp.StatusError
	switch {
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: %v", cloudview.ErrNotExist, err)
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %v", cloudview.ErrPermission, err)
	case errors.As(err, &status) && status.FxCode() == sftp.ErrSSHFxNoSuchFile:
		return fmt.Errorf("%w: %v", cloudview.ErrNotExist, err)
	}
	return err
}

// Ensure Adapter implements required and optional interfaces
var (
	_ cloudview.Backend       = (*Adapter)(nil)
	_ cloudview.CanCreateDir  = (*Adapter)(nil)
	_ cloudview.CanUpload     = (*Adapter)(nil)
	_ cloudview.CanDelete     = (*Adapter)(nil)
	_ cloudview.CanMove       = (*Adapter)(nil)
	_ cloudview.CanRename     = (*Adapter)(nil)
	_ cloudview.CanSetModTime = (*Adapter)(nil)
	_ cloudview.CanChecksum   = (*Adapter)(nil)
	_ cloudview.CanReady      = (*Adapter)(nil)
	_ cloudview.CanWatch      = (*Adapter)(nil)
	_ io.Closer               = (*Adapter)(nil)
)
