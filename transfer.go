package cloudview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/gobeaver/cloudview/job"
)

// ============================================================================
// Progress
// ============================================================================

// progressReader is a reader that reports progress
type progressReader struct {
	reader        io.Reader
	progress      ProgressFunc
	size          int64
	bytesRead     int64
	lastReported  int64
	reportingStep int64
}

func newProgressReader(r io.Reader, size int64, fn ProgressFunc) *progressReader {
	step := size / 100
	if step < 64*1024 {
		step = 64 * 1024
	}
	return &progressReader{reader: r, progress: fn, size: size, reportingStep: step}
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.bytesRead += int64(n)

		if r.progress != nil &&
			(r.bytesRead-r.lastReported >= r.reportingStep || err == io.EOF || r.bytesRead == r.size) {
			r.progress(r.bytesRead, r.size)
			r.lastReported = r.bytesRead
		}
	}
	return n, err
}

// uploadChunked uploads r in parts of chunkSize bytes
func uploadChunked(ctx context.Context, cu CanChunkedUpload, parentID, name string, r io.Reader, size, chunkSize int64) (entry *Entry, err error) {
	if size <= 0 {
		return nil, ErrInvalidOffset
	}

	uploadID, err := cu.InitiateUpload(ctx, parentID, name)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err != nil {
			_ = cu.AbortUpload(context.WithoutCancel(ctx), uploadID)
		}
	}()

	partNumber := 1
	buffer := make([]byte, chunkSize)
	for {
		n, rerr := io.ReadFull(r, buffer)
		if rerr != nil && rerr != io.EOF && rerr != io.ErrUnexpectedEOF {
			return nil, rerr
		}

		if n > 0 {
			if err = cu.UploadPart(ctx, uploadID, partNumber, buffer[:n]); err != nil {
				return nil, err
			}
			partNumber++
		}

		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
	}

	return cu.CompleteUpload(ctx, uploadID)
}

// ============================================================================
// Copy / Move across servers
// ============================================================================

// Copy copies src into dstParent. Files on different servers are streamed
// through a download job feeding an upload job; folders are recreated and
// copied child by child.
func (ns *Namespace) Copy(src, dstParent *Item, deps ...job.Dep) (*job.Job[*Item], error) {
	if !dstParent.IsDir() {
		return nil, NewPathError("copy", dstParent.FullPath(), ErrNotDir)
	}
	if src.IsDir() {
		return ns.copyFolder(src, dstParent, deps...)
	}
	return ns.copyFile(src, dstParent, deps...)
}

func (ns *Namespace) copyFile(src, dstParent *Item, deps ...job.Dep) (*job.Job[*Item], error) {
	dl, err := src.server.DownloadRaw(src, 0, -1, deps...)
	if err != nil {
		return nil, err
	}
	up, err := dstParent.server.Upload(dstParent, src.Name(), src.Size(), FromJob(dl),
		[]job.Dep{job.After(dl)},
		WithModTime(src.ModTime()),
		WithContentType(src.ContentType()),
	)
	if err != nil {
		dl.Cancel()
		dl.Release()
		return nil, err
	}
	return up, nil
}

func (ns *Namespace) copyFolder(src, dstParent *Item, deps ...job.Dep) (*job.Job[*Item], error) {
	mk, err := dstParent.server.MakeFolder(dstParent, src.Name(), deps...)
	if err != nil {
		return nil, err
	}
	return job.Go(ns.jobs, job.ClassRemoteOperation, []job.Dep{job.After(mk)}, func(ctx context.Context, j *job.Job[*Item]) (*Item, error) {
		folder, _ := mk.Result().Get()
		if err := src.server.LoadItems(ctx, src.id, 0, false); err != nil {
			return nil, err
		}
		children := src.ChildItems()
		for i, c := range children {
			cj, err := ns.Copy(c, folder)
			if err != nil {
				return nil, err
			}
			if _, err := cj.Await(ctx); err != nil {
				return nil, err
			}
			cj.Release()
			j.SetProgress(float64(i+1) / float64(len(children)))
		}
		return folder, nil
	}, job.Named(fmt.Sprintf("copy %s -> %s", src.FullPath(), dstParent.FullPath())))
}

// Move moves src into dstParent. On the same server the backend's native
// move is used; across servers the item is copied and the source deleted
// once the copy completed.
func (ns *Namespace) Move(src, dstParent *Item, deps ...job.Dep) (*job.Job[*Item], error) {
	if src.server == dstParent.server {
		return src.server.Move(src, dstParent, deps...)
	}
	cp, err := ns.Copy(src, dstParent, deps...)
	if err != nil {
		return nil, err
	}
	del, err := src.server.Delete(src, job.After(cp))
	if err != nil {
		cp.Cancel()
		return nil, err
	}
	return job.Go(ns.jobs, job.ClassRemoteOperation, job.Deps(cp, del), func(ctx context.Context, j *job.Job[*Item]) (*Item, error) {
		moved, ok := cp.Result().Get()
		if !ok {
			return nil, NewPathError("move", src.FullPath(), ErrNotReady)
		}
		return moved, nil
	}, job.Named(fmt.Sprintf("move %s -> %s", src.FullPath(), dstParent.FullPath())), job.Hidden())
}

// ============================================================================
// Local folders
// ============================================================================

// UploadFolder recreates the local directory dir under parent, uploading
// every file with opts.
func (ns *Namespace) UploadFolder(dir string, parent *Item, deps []job.Dep, opts ...Option) (*job.Job[*Item], error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, NewPathError("upload", dir, ErrNotDir)
	}
	s := parent.server
	mk, err := s.MakeFolder(parent, filepath.Base(dir), deps...)
	if err != nil {
		return nil, err
	}
	return job.Go(ns.jobs, job.ClassUpload, []job.Dep{job.After(mk)}, func(ctx context.Context, j *job.Job[*Item]) (*Item, error) {
		folder, _ := mk.Result().Get()
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, err
		}
		var pending []*job.Job[*Item]
		for _, de := range entries {
			p := filepath.Join(dir, de.Name())
			var cj *job.Job[*Item]
			if de.IsDir() {
				cj, err = ns.UploadFolder(p, folder, nil, opts...)
			} else {
				fi, ierr := de.Info()
				if ierr != nil {
					return nil, ierr
				}
				cj, err = s.Upload(folder, de.Name(), fi.Size(), FromFile(p), nil,
					append([]Option{WithModTime(fi.ModTime())}, opts...)...)
			}
			if err != nil {
				return nil, err
			}
			pending = append(pending, cj)
		}

		var errs []error
		for i, cj := range pending {
			if _, err := cj.Await(ctx); err != nil {
				errs = append(errs, err)
			}
			cj.Release()
			j.SetProgress(float64(i+1) / float64(len(pending)))
		}
		if err := errors.Join(errs...); err != nil {
			return nil, err
		}
		return folder, nil
	}, job.Named("upload "+dir))
}

// DownloadFile writes the content of it to the local path dst.
func (ns *Namespace) DownloadFile(it *Item, dst string, deps ...job.Dep) (*job.Job[string], error) {
	dl, err := it.server.DownloadRaw(it, 0, -1, deps...)
	if err != nil {
		return nil, err
	}
	w, err := job.Go(ns.jobs, job.ClassDownload, []job.Dep{job.After(dl)}, func(ctx context.Context, j *job.Job[string]) (string, error) {
		rc, ok := dl.Result().Get()
		if !ok {
			return "", NewPathError("download", it.FullPath(), ErrNotReady)
		}
		if err := writeLocal(ctx, j, rc, dst, it); err != nil {
			return "", err
		}
		return dst, nil
	}, job.Named("save "+it.FullPath()))
	if err != nil {
		dl.Cancel()
		dl.Release()
		return nil, err
	}
	return w, nil
}

func writeLocal(ctx context.Context, j *job.Job[string], r io.Reader, dst string, it *Item) (err error) {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	pr := newProgressReader(r, it.Size(), func(done, total int64) {
		if total > 0 {
			j.SetProgress(float64(done) / float64(total))
		}
	})
	if _, err = io.Copy(f, ctxReader{ctx: ctx, r: pr}); err != nil {
		return err
	}
	if mt := it.ModTime(); !mt.IsZero() {
		_ = os.Chtimes(dst, mt, mt)
	}
	return nil
}

// DownloadFolder mirrors the folder it into the local directory dir.
func (ns *Namespace) DownloadFolder(it *Item, dir string, deps ...job.Dep) (*job.Job[string], error) {
	if !it.IsDir() {
		return nil, NewPathError("download", it.FullPath(), ErrNotDir)
	}
	return job.Go(ns.jobs, job.ClassDownload, deps, func(ctx context.Context, j *job.Job[string]) (string, error) {
		target := filepath.Join(dir, it.Name())
		if it.IsRoot() {
			target = dir
		}
		if err := os.MkdirAll(target, 0o755); err != nil {
			return "", err
		}
		if err := it.server.LoadItems(ctx, it.id, 0, false); err != nil {
			return "", err
		}
		children := it.ChildItems()
		for i, c := range children {
			var cj *job.Job[string]
			var err error
			if c.IsDir() {
				cj, err = ns.DownloadFolder(c, target)
			} else {
				cj, err = ns.DownloadFile(c, filepath.Join(target, c.Name()))
			}
			if err != nil {
				return "", err
			}
			if _, err := cj.Await(ctx); err != nil {
				ns.log.Warn("download failed", zap.String("path", c.FullPath()), zap.Error(err))
				return "", err
			}
			cj.Release()
			j.SetProgress(float64(i+1) / float64(len(children)))
		}
		return target, nil
	}, job.Named("download "+it.FullPath()))
}

// ctxReader stops reading once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
