package cloudview

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gobeaver/cloudview/job"
	"github.com/gobeaver/cloudview/metrics"
)

// ============================================================================
// Mutation Jobs
// ============================================================================
// Every mutation runs as a job on the namespace scheduler. On success the
// tree cache is patched and the affected folders are marked with SetUpdate so
// the next resolution through them re-lists from the backend.

// Source opens the content of an upload once the job starts.
type Source func(ctx context.Context) (io.ReadCloser, error)

// FromReader uploads from r. The reader is not closed.
func FromReader(r io.Reader) Source {
	return func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(r), nil
	}
}

// FromFile uploads the local file at path.
func FromFile(path string) Source {
	return func(context.Context) (io.ReadCloser, error) {
		return os.Open(path)
	}
}

func validItemName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// parentItem returns the first cached parent of it.
func (s *Server) parentItem(it *Item) (*Item, bool) {
	if it.IsRoot() {
		return nil, false
	}
	for _, p := range it.Parents() {
		if parent, ok := s.Item(p); ok {
			return parent, true
		}
	}
	return nil, false
}

// structureChanged marks parents for reload and drops memoized URLs that may
// now point at a different item.
func (s *Server) structureChanged(parents ...*Item) {
	for _, p := range parents {
		s.ns.SetUpdate(p)
	}
	s.ns.memo.dropServer(s.name)
	metrics.SetCachedItems(s.name, s.Len())
}

// replace swaps the cached entry of oldID under oldParent for e under newParent.
func (s *Server) replace(oldParent, newParent *Item, oldID string, e Entry) *Item {
	if oldParent != nil {
		s.forget(oldParent, oldID)
	}
	return s.insert(newParent, e)
}

// MakeFolder creates name under parent.
func (s *Server) MakeFolder(parent *Item, name string, deps ...job.Dep) (*job.Job[*Item], error) {
	if err := validItemName(name); err != nil {
		return nil, NewPathError("mkdir", parent.FullPath(), err)
	}
	mk, ok := s.backend.(CanCreateDir)
	if !ok {
		return nil, NewPathError("mkdir", parent.FullPath(), ErrNotSupported)
	}
	return job.Go(s.ns.jobs, job.ClassRemoteOperation, deps, func(ctx context.Context, j *job.Job[*Item]) (*Item, error) {
		j.SetProgress(job.Indeterminate)
		e, err := mk.CreateDir(ctx, parent.id, name)
		if err != nil {
			return nil, NewPathError("mkdir", childURL(parent, name), err)
		}
		it := s.insert(parent, *e)
		s.structureChanged(parent)
		j.SetProgress(1)
		return it, nil
	}, job.Named("mkdir "+childURL(parent, name)))
}

// Delete removes it from the backend and the cache. The job yields the
// former parent.
func (s *Server) Delete(it *Item, deps ...job.Dep) (*job.Job[*Item], error) {
	del, ok := s.backend.(CanDelete)
	if !ok {
		return nil, NewPathError("delete", it.FullPath(), ErrNotSupported)
	}
	if it.IsRoot() {
		return nil, NewPathError("delete", it.FullPath(), ErrNotAllowed)
	}
	return job.Go(s.ns.jobs, job.ClassTrash, deps, func(ctx context.Context, j *job.Job[*Item]) (*Item, error) {
		j.SetProgress(job.Indeterminate)
		if err := del.Delete(ctx, it.id); err != nil {
			return nil, NewPathError("delete", it.FullPath(), err)
		}
		var parents []*Item
		for _, pid := range it.Parents() {
			if p, ok := s.Item(pid); ok {
				s.forget(p, it.id)
				parents = append(parents, p)
			}
		}
		s.structureChanged(parents...)
		j.SetProgress(1)
		if len(parents) == 0 {
			return nil, nil
		}
		return parents[0], nil
	}, job.Named("delete "+it.FullPath()))
}

// Rename gives it a new name in the same folder.
func (s *Server) Rename(it *Item, newName string, deps ...job.Dep) (*job.Job[*Item], error) {
	if err := validItemName(newName); err != nil {
		return nil, NewPathError("rename", it.FullPath(), err)
	}
	rn, ok := s.backend.(CanRename)
	if !ok {
		return nil, NewPathError("rename", it.FullPath(), ErrNotSupported)
	}
	parent, ok := s.parentItem(it)
	if !ok {
		return nil, NewPathError("rename", it.FullPath(), ErrNotAllowed)
	}
	return job.Go(s.ns.jobs, job.ClassRemoteOperation, deps, func(ctx context.Context, j *job.Job[*Item]) (*Item, error) {
		j.SetProgress(job.Indeterminate)
		e, err := rn.Rename(ctx, it.id, newName)
		if err != nil {
			return nil, NewPathError("rename", it.FullPath(), err)
		}
		out := s.replace(parent, parent, it.id, *e)
		s.structureChanged(parent)
		j.SetProgress(1)
		return out, nil
	}, job.Named("rename "+it.FullPath()))
}

// Move re-parents it under newParent on the same server.
func (s *Server) Move(it, newParent *Item, deps ...job.Dep) (*job.Job[*Item], error) {
	if newParent.server != s || it.server != s {
		return nil, NewPathError("move", it.FullPath(), ErrCrossServer)
	}
	if !newParent.IsDir() {
		return nil, NewPathError("move", newParent.FullPath(), ErrNotDir)
	}
	mv, ok := s.backend.(CanMove)
	if !ok {
		return nil, NewPathError("move", it.FullPath(), ErrNotSupported)
	}
	oldParent, ok := s.parentItem(it)
	if !ok {
		return nil, NewPathError("move", it.FullPath(), ErrNotAllowed)
	}
	return job.Go(s.ns.jobs, job.ClassRemoteOperation, deps, func(ctx context.Context, j *job.Job[*Item]) (*Item, error) {
		j.SetProgress(job.Indeterminate)
		e, err := mv.Move(ctx, it.id, newParent.id)
		if err != nil {
			return nil, NewPathError("move", it.FullPath(), err)
		}
		out := s.replace(oldParent, newParent, it.id, *e)
		s.structureChanged(oldParent, newParent)
		j.SetProgress(1)
		return out, nil
	}, job.Named(fmt.Sprintf("move %s -> %s", it.FullPath(), newParent.FullPath())))
}

// SetModTime updates the modification time of it.
func (s *Server) SetModTime(it *Item, t time.Time, deps ...job.Dep) (*job.Job[*Item], error) {
	st, ok := s.backend.(CanSetModTime)
	if !ok {
		return nil, NewPathError("setmodtime", it.FullPath(), ErrNotSupported)
	}
	return job.Go(s.ns.jobs, job.ClassRemoteOperation, deps, func(ctx context.Context, j *job.Job[*Item]) (*Item, error) {
		e, err := st.SetModTime(ctx, it.id, t)
		if err != nil {
			return nil, NewPathError("setmodtime", it.FullPath(), err)
		}
		it.update(*e, it.Path(), nil)
		if parent, ok := s.parentItem(it); ok {
			s.ns.SetUpdate(parent)
		}
		return it, nil
	}, job.Named("touch "+it.FullPath()))
}

// ============================================================================
// Download
// ============================================================================

// DownloadRaw opens the content of it starting at offset. length < 0 reads
// to the end. The stream belongs to the job: it is closed once every job
// depending on it has finished, or on Release when nothing depends on it.
func (s *Server) DownloadRaw(it *Item, offset, length int64, deps ...job.Dep) (*job.Job[io.ReadCloser], error) {
	if it.IsDir() {
		return nil, NewPathError("download", it.FullPath(), ErrIsDir)
	}
	if offset < 0 || (it.Size() > 0 && offset > it.Size()) {
		return nil, NewPathError("download", it.FullPath(), ErrInvalidOffset)
	}
	return job.Go(s.ns.jobs, job.ClassDownload, deps, func(ctx context.Context, j *job.Job[io.ReadCloser]) (io.ReadCloser, error) {
		j.SetProgress(job.Indeterminate)
		rc, err := s.backend.Open(ctx, it.id, offset, length)
		if err != nil {
			return nil, NewPathError("download", it.FullPath(), err)
		}
		s.log.Debug("stream opened",
			zap.String("path", it.FullPath()),
			zap.Int64("offset", offset),
			zap.Int64("length", length),
		)
		return &countingReadCloser{ReadCloser: rc}, nil
	},
		job.Named("download "+it.FullPath()),
		job.WithFinalizer(func(rc io.ReadCloser) {
			if rc != nil {
				_ = rc.Close()
			}
		}),
	)
}

// countingReadCloser reports downloaded bytes to metrics on Close.
type countingReadCloser struct {
	io.ReadCloser
	n      int64
	closed bool
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReadCloser) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	metrics.RecordDownload(c.n)
	return c.ReadCloser.Close()
}

// FromJob streams the result of a DownloadRaw job. The upload must depend on
// that job so the stream stays open while it is read.
func FromJob(dl *job.Job[io.ReadCloser]) Source {
	return func(context.Context) (io.ReadCloser, error) {
		rc, ok := dl.Result().Get()
		if !ok || rc == nil {
			return nil, fmt.Errorf("download %d: %w", dl.ID(), ErrNotReady)
		}
		// The download job owns the stream and closes it.
		return io.NopCloser(rc), nil
	}
}

// ============================================================================
// Upload
// ============================================================================

// CheckUpload applies the conflict policy for name under parent. The job
// yields true when the upload should proceed; an existing item in the way
// is deleted first under ConflictOverwrite.
func (s *Server) CheckUpload(parent *Item, name string, size int64, policy ConflictPolicy, deps ...job.Dep) (*job.Job[bool], error) {
	return job.Go(s.ns.jobs, job.ClassRemoteOperation, deps, func(ctx context.Context, j *job.Job[bool]) (bool, error) {
		if _, err := s.Reload(ctx, parent.id); err != nil {
			return false, err
		}
		existing := findNamed(parent, name)
		if existing == nil {
			return true, nil
		}
		switch policy {
		case ConflictSkip:
			return false, nil
		case ConflictSkipSameSize:
			if existing.Size() == size {
				return false, nil
			}
		}
		if existing.IsDir() {
			return false, NewPathError("upload", existing.FullPath(), ErrIsDir)
		}
		del, ok := s.backend.(CanDelete)
		if !ok {
			return false, NewPathError("upload", existing.FullPath(), ErrExist)
		}
		if err := del.Delete(ctx, existing.id); err != nil {
			return false, NewPathError("delete", existing.FullPath(), err)
		}
		s.forget(parent, existing.id)
		return true, nil
	}, job.Named("check "+childURL(parent, name)), job.Hidden())
}

// findNamed finds the child of parent whose name matches name ignoring case.
func findNamed(parent *Item, name string) *Item {
	for _, c := range parent.ChildItems() {
		if strings.EqualFold(c.Name(), name) {
			return c
		}
	}
	return nil
}

// Upload stores the content opened by src as name under parent. The upload
// waits on a CheckUpload job applying the Conflict option; when the policy
// skips, the job yields the existing item.
func (s *Server) Upload(parent *Item, name string, size int64, src Source, deps []job.Dep, opts ...Option) (*job.Job[*Item], error) {
	if err := validItemName(name); err != nil {
		return nil, NewPathError("upload", parent.FullPath(), err)
	}
	if !parent.IsDir() {
		return nil, NewPathError("upload", parent.FullPath(), ErrNotDir)
	}
	opts = append(append([]Option(nil), s.ns.defaults...), opts...)
	o := ApplyOptions(opts...)
	if o.ContentType == "" {
		opts = append(opts, WithContentType(GuessContentType(name, nil)))
	}

	check, err := s.CheckUpload(parent, name, size, o.Conflict, deps...)
	if err != nil {
		return nil, err
	}
	up, err := job.Go(s.ns.jobs, job.ClassUpload, append([]job.Dep{job.After(check)}, deps...), func(ctx context.Context, j *job.Job[*Item]) (*Item, error) {
		if proceed, _ := check.Result().Get(); !proceed {
			j.SetProgressStr("skipped")
			j.SetProgress(1)
			return findNamed(parent, name), nil
		}
		rc, err := src(ctx)
		if err != nil {
			return nil, NewPathError("upload", childURL(parent, name), err)
		}
		defer rc.Close()

		pr := newProgressReader(rc, size, func(done, total int64) {
			if total > 0 {
				j.SetProgress(float64(done) / float64(total))
			}
			j.SetProgressStr("%d / %d", done, total)
			if o.Progress != nil {
				o.Progress(done, total)
			}
		})
		e, err := s.store(ctx, parent, name, pr, size, o, opts)
		metrics.RecordUpload(pr.bytesRead)
		if err != nil {
			return nil, NewPathError("upload", childURL(parent, name), err)
		}
		it := s.insert(parent, *e)
		s.structureChanged(parent)
		return it, nil
	}, job.Named("upload "+childURL(parent, name)))
	if err != nil {
		check.Cancel()
		check.Release()
		return nil, err
	}
	return up, nil
}

// store writes r through the chunked interface when the backend has one and
// a chunk size is set, otherwise through CanUpload.
func (s *Server) store(ctx context.Context, parent *Item, name string, r io.Reader, size int64, o *Options, opts []Option) (*Entry, error) {
	if cu, ok := s.backend.(CanChunkedUpload); ok && size > 0 && o.ChunkSize > 0 {
		return uploadChunked(ctx, cu, parent.id, name, r, size, o.ChunkSize)
	}
	up, ok := s.backend.(CanUpload)
	if !ok {
		return nil, ErrNotSupported
	}
	return up.Upload(ctx, parent.id, name, r, size, opts...)
}

func childURL(parent *Item, name string) string {
	return parent.server.name + "://" + childPath(parent.Path(), name)
}
