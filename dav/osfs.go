// This Source Code Form is subject to the terms of the Mozilla Public License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.
// Copyright 2024 WJQSERVER. All rights reserved.
// All rights reserved by WJQSERVER, related rights can be exercised by the infinite-iroha organization.
package dav

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/WJQSERVER-STUDIO/go-utils/iox"
)

// OSFS is a disk-backed FileSystem rooted at RootDir, in the manner of
// the teacher's webdav/osfs.go. Since OS files carry no portable
// equivalent of a WebDAV dead property, OSFS keeps one in an in-memory
// side-store keyed by normalized path; it does not survive process
// restarts, which is acceptable for the embeddable-server use case this
// module targets (spec section 4.4, dead properties).
type OSFS struct {
	RootDir string

	propsMu sync.RWMutex
	props   map[string]map[xml.Name]string
}

// NewOSFS creates an OSFS rooted at rootDir, creating it if necessary.
func NewOSFS(rootDir string) (*OSFS, error) {
	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &OSFS{RootDir: abs, props: make(map[string]map[xml.Name]string)}, nil
}

// resolve maps a normalized WebDAV path to an absolute OS path, refusing
// to cross RootDir via symlinks. Existing targets have their symlinks
// evaluated directly; not-yet-existing targets (PUT, MKCOL, COPY/MOVE
// destinations) have their parent evaluated instead, matching the
// teacher's osfs.go.
func (fs *OSFS) resolve(path string) (string, error) {
	rel := strings.TrimPrefix(path, "/")
	full := filepath.Join(fs.RootDir, rel)

	if _, err := os.Lstat(full); err == nil {
		resolved, err := filepath.EvalSymlinks(full)
		if err != nil {
			return "", Internal(err)
		}
		full = resolved
	} else if !os.IsNotExist(err) {
		return "", Internal(err)
	} else {
		parent := filepath.Dir(full)
		if _, err := os.Stat(parent); err == nil {
			resolved, err := filepath.EvalSymlinks(parent)
			if err != nil {
				return "", Internal(err)
			}
			full = filepath.Join(resolved, filepath.Base(full))
		}
	}

	if full != fs.RootDir && !strings.HasPrefix(full, fs.RootDir+string(filepath.Separator)) {
		return "", Forbidden(fmt.Errorf("%s escapes root", path))
	}
	return full, nil
}

func osErrToDav(err error) error {
	if err == nil {
		return nil
	}
	if os.IsNotExist(err) {
		return NotFound(err)
	}
	if os.IsPermission(err) {
		return Forbidden(err)
	}
	return Internal(err)
}

func (fs *OSFS) Exists(ctx context.Context, path string) (bool, error) {
	full, err := fs.resolve(path)
	if err != nil {
		return false, nil
	}
	_, err = os.Stat(full)
	return err == nil, nil
}

func (fs *OSFS) TypeOf(ctx context.Context, path string) (ResourceKind, error) {
	full, err := fs.resolve(path)
	if err != nil {
		return ResourceAbsent, nil
	}
	info, err := os.Stat(full)
	if err != nil {
		return ResourceAbsent, nil
	}
	if info.IsDir() {
		return ResourceCollection, nil
	}
	return ResourceFile, nil
}

func (fs *OSFS) Create(ctx context.Context, path string, kind ResourceKind) error {
	full, err := fs.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return osErrToDav(err)
	}
	if kind == ResourceCollection {
		if err := os.Mkdir(full, 0o755); err != nil {
			return osErrToDav(err)
		}
		return nil
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return osErrToDav(err)
	}
	return f.Close()
}

func (fs *OSFS) Delete(ctx context.Context, path string) error {
	full, err := fs.resolve(path)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(full); err != nil {
		return osErrToDav(err)
	}
	fs.propsMu.Lock()
	delete(fs.props, path)
	fs.propsMu.Unlock()
	return nil
}

func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		if err := os.MkdirAll(dst, info.Mode()); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := copyTree(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
				return err
			}
		}
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = iox.Copy(out, in)
	return err
}

func (fs *OSFS) Copy(ctx context.Context, from, to string) error {
	srcFull, err := fs.resolve(from)
	if err != nil {
		return err
	}
	dstFull, err := fs.resolve(to)
	if err != nil {
		return err
	}
	if err := copyTree(srcFull, dstFull); err != nil {
		return osErrToDav(err)
	}

	fs.propsMu.Lock()
	defer fs.propsMu.Unlock()
	for p, props := range fs.props {
		if isWithin(p, from, true) {
			dstPath := to + strings.TrimPrefix(p, from)
			clone := make(map[xml.Name]string, len(props))
			for k, v := range props {
				clone[k] = v
			}
			fs.props[dstPath] = clone
		}
	}
	return nil
}

func (fs *OSFS) Move(ctx context.Context, from, to string) error {
	srcFull, err := fs.resolve(from)
	if err != nil {
		return err
	}
	dstFull, err := fs.resolve(to)
	if err != nil {
		return err
	}
	if err := os.Rename(srcFull, dstFull); err != nil {
		if !errors.Is(err, syscall.EXDEV) {
			return osErrToDav(err)
		}
		// Cross-device rename: fall back to copy-then-delete, as allowed
		// by the Open Questions resolution for MOVE atomicity.
		if err := copyTree(srcFull, dstFull); err != nil {
			return osErrToDav(err)
		}
		if err := os.RemoveAll(srcFull); err != nil {
			return osErrToDav(err)
		}
	}

	fs.propsMu.Lock()
	defer fs.propsMu.Unlock()
	for p, props := range fs.props {
		if isWithin(p, from, true) {
			dstPath := to + strings.TrimPrefix(p, from)
			fs.props[dstPath] = props
			delete(fs.props, p)
		}
	}
	return nil
}

func (fs *OSFS) Members(ctx context.Context, path string) ([]string, error) {
	full, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, osErrToDav(err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, joinPath(path, e.Name()))
	}
	return out, nil
}

type rangeReadCloser struct {
	f         *os.File
	remaining int64
}

func (r *rangeReadCloser) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.f.Read(p)
	r.remaining -= int64(n)
	return n, err
}

func (r *rangeReadCloser) Close() error { return r.f.Close() }

func (fs *OSFS) ReadStream(ctx context.Context, path string, rng *ByteRange) (io.ReadCloser, error) {
	full, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, osErrToDav(err)
	}
	if rng == nil {
		return f, nil
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, Internal(err)
	}
	if rng.Start < 0 || rng.End >= info.Size() || rng.Start > rng.End {
		f.Close()
		return nil, RangeNotSatisfiable(fmt.Errorf("range %d-%d outside [0,%d)", rng.Start, rng.End, info.Size()))
	}
	if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
		f.Close()
		return nil, Internal(err)
	}
	return &rangeReadCloser{f: f, remaining: rng.End - rng.Start + 1}, nil
}

func (fs *OSFS) WriteStream(ctx context.Context, path string, r io.Reader, rng *WriteRange) error {
	full, err := fs.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return osErrToDav(err)
	}

	if rng == nil {
		f, err := os.OpenFile(full, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return osErrToDav(err)
		}
		defer f.Close()
		if _, err := iox.Copy(f, r); err != nil {
			return wrapReadErr(err)
		}
		return nil
	}

	f, err := os.OpenFile(full, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return osErrToDav(err)
	}
	defer f.Close()

	total := rng.Total
	if total <= 0 {
		total = rng.End + 1
	}
	if info, err := f.Stat(); err == nil && info.Size() < total {
		if err := f.Truncate(total); err != nil {
			return Internal(err)
		}
	}
	if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
		return Internal(err)
	}
	if _, err := iox.Copy(f, io.LimitReader(r, rng.End-rng.Start+1)); err != nil {
		return wrapReadErr(err)
	}
	return nil
}

func (fs *OSFS) Size(ctx context.Context, path string) (int64, error) {
	full, err := fs.resolve(path)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return 0, osErrToDav(err)
	}
	return info.Size(), nil
}

func (fs *OSFS) ETag(ctx context.Context, path string) (string, error) {
	full, err := fs.resolve(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(full)
	if err != nil {
		return "", osErrToDav(err)
	}
	return fmt.Sprintf(`"%x-%x"`, info.ModTime().UnixNano(), info.Size()), nil
}

func (fs *OSFS) DisplayName(ctx context.Context, path string) (string, error) {
	return baseOf(path), nil
}

func (fs *OSFS) LastModified(ctx context.Context, path string) (time.Time, error) {
	full, err := fs.resolve(path)
	if err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return time.Time{}, osErrToDav(err)
	}
	return info.ModTime(), nil
}

// Created approximates creation time with modification time: the Go
// standard library exposes no portable birth time across platforms.
func (fs *OSFS) Created(ctx context.Context, path string) (time.Time, error) {
	return fs.LastModified(ctx, path)
}

func (fs *OSFS) GetProperty(ctx context.Context, path string, name PropName) (string, bool, error) {
	fs.propsMu.RLock()
	defer fs.propsMu.RUnlock()
	v, ok := fs.props[path][name]
	return v, ok, nil
}

func (fs *OSFS) SetProperty(ctx context.Context, path string, name PropName, value string) error {
	fs.propsMu.Lock()
	defer fs.propsMu.Unlock()
	if fs.props[path] == nil {
		fs.props[path] = make(map[xml.Name]string)
	}
	fs.props[path][name] = value
	return nil
}

func (fs *OSFS) RemoveProperty(ctx context.Context, path string, name PropName) error {
	fs.propsMu.Lock()
	defer fs.propsMu.Unlock()
	delete(fs.props[path], name)
	return nil
}
