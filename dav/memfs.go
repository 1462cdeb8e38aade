// This Source Code Form is subject to the terms of the Mozilla Public License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.
// Copyright 2024 WJQSERVER. All rights reserved.
// All rights reserved by WJQSERVER, related rights can be exercised by the infinite-iroha organization.
package dav

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/WJQSERVER-STUDIO/go-utils/iox"
)

// MemFS is an in-memory FileSystem built as a tree of nodes, in the
// manner of the teacher's webdav/memfs.go, extended with dead-property
// storage and range-aware streaming per spec section 4.4.
type MemFS struct {
	mu   sync.RWMutex
	root *memNode
}

// NewMemFS creates an empty in-memory file system whose root is always a
// collection.
func NewMemFS() *MemFS {
	now := time.Now()
	return &MemFS{
		root: &memNode{
			kind:     ResourceCollection,
			name:     "/",
			created:  now,
			modified: now,
			etag:     newETag(),
			children: make(map[string]*memNode),
		},
	}
}

type memNode struct {
	kind     ResourceKind
	name     string
	created  time.Time
	modified time.Time
	etag     string
	data     []byte
	props    map[xml.Name]string
	parent   *memNode
	children map[string]*memNode
}

func newETag() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func (fs *MemFS) find(path string) (*memNode, error) {
	cur := fs.root
	for _, seg := range splitPath(path) {
		if cur.kind != ResourceCollection {
			return nil, NotFound(nil)
		}
		child, ok := cur.children[seg]
		if !ok {
			return nil, NotFound(nil)
		}
		cur = child
	}
	return cur, nil
}

func (fs *MemFS) findParent(path string) (*memNode, string, error) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return nil, "", Forbidden(fmt.Errorf("root has no parent"))
	}
	cur := fs.root
	for _, seg := range segs[:len(segs)-1] {
		child, ok := cur.children[seg]
		if !ok || child.kind != ResourceCollection {
			return nil, "", Conflict(fmt.Errorf("parent collection missing for %s", path))
		}
		cur = child
	}
	return cur, segs[len(segs)-1], nil
}

func (fs *MemFS) Exists(ctx context.Context, path string) (bool, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	_, err := fs.find(path)
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (fs *MemFS) TypeOf(ctx context.Context, path string) (ResourceKind, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	n, err := fs.find(path)
	if err != nil {
		return ResourceAbsent, nil
	}
	return n.kind, nil
}

// ensureParents walks from the root, creating any missing intermediate
// collections, the way PUT is required to (spec section 4.1 PUT).
func (fs *MemFS) ensureParents(segs []string) *memNode {
	cur := fs.root
	for _, seg := range segs {
		child, ok := cur.children[seg]
		if !ok {
			now := time.Now()
			child = &memNode{
				kind:     ResourceCollection,
				name:     seg,
				created:  now,
				modified: now,
				etag:     newETag(),
				parent:   cur,
				children: make(map[string]*memNode),
			}
			cur.children[seg] = child
		}
		cur = child
	}
	return cur
}

func (fs *MemFS) Create(ctx context.Context, path string, kind ResourceKind) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	segs := splitPath(path)
	if len(segs) == 0 {
		return Forbidden(fmt.Errorf("cannot create root"))
	}
	parent, base, err := fs.findParent(path)
	if err != nil {
		return err
	}
	if _, exists := parent.children[base]; exists {
		return MethodNotAllowed(fmt.Errorf("%s already exists", path))
	}
	now := time.Now()
	node := &memNode{
		kind:     kind,
		name:     base,
		created:  now,
		modified: now,
		etag:     newETag(),
		parent:   parent,
	}
	if kind == ResourceCollection {
		node.children = make(map[string]*memNode)
	}
	parent.children[base] = node
	return nil
}

func (fs *MemFS) Delete(ctx context.Context, path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if path == "/" {
		return Forbidden(fmt.Errorf("cannot delete root"))
	}
	parent, base, err := fs.findParent(path)
	if err != nil {
		return err
	}
	if _, exists := parent.children[base]; !exists {
		return NotFound(fmt.Errorf("%s not found", path))
	}
	delete(parent.children, base)
	return nil
}

func cloneNode(n *memNode, parent *memNode, now time.Time) *memNode {
	clone := &memNode{
		kind:     n.kind,
		name:     n.name,
		created:  now,
		modified: now,
		etag:     newETag(),
		parent:   parent,
	}
	if n.data != nil {
		clone.data = append([]byte(nil), n.data...)
	}
	if n.props != nil {
		clone.props = make(map[xml.Name]string, len(n.props))
		for k, v := range n.props {
			clone.props[k] = v
		}
	}
	if n.kind == ResourceCollection {
		clone.children = make(map[string]*memNode, len(n.children))
		for name, child := range n.children {
			c := cloneNode(child, clone, now)
			clone.children[name] = c
		}
	}
	return clone
}

func (fs *MemFS) Copy(ctx context.Context, from, to string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	src, err := fs.find(from)
	if err != nil {
		return err
	}
	destParent, destBase, err := fs.findParent(to)
	if err != nil {
		return err
	}
	now := time.Now()
	clone := cloneNode(src, destParent, now)
	clone.name = destBase
	destParent.children[destBase] = clone
	return nil
}

func (fs *MemFS) Move(ctx context.Context, from, to string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	srcParent, srcBase, err := fs.findParent(from)
	if err != nil {
		return err
	}
	node, ok := srcParent.children[srcBase]
	if !ok {
		return NotFound(fmt.Errorf("%s not found", from))
	}
	destParent, destBase, err := fs.findParent(to)
	if err != nil {
		return err
	}
	// Atomic within the tree: single writer-exclusive section covers both
	// the detach and the attach, so no reader observes a half-moved state.
	delete(srcParent.children, srcBase)
	node.parent = destParent
	node.name = destBase
	destParent.children[destBase] = node
	return nil
}

func (fs *MemFS) Members(ctx context.Context, path string) ([]string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	n, err := fs.find(path)
	if err != nil {
		return nil, err
	}
	if n.kind != ResourceCollection {
		return nil, Conflict(fmt.Errorf("%s is not a collection", path))
	}
	out := make([]string, 0, len(n.children))
	for name := range n.children {
		out = append(out, joinPath(path, name))
	}
	return out, nil
}

func (fs *MemFS) ReadStream(ctx context.Context, path string, rng *ByteRange) (io.ReadCloser, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	n, err := fs.find(path)
	if err != nil {
		return nil, err
	}
	if n.kind != ResourceFile {
		return nil, Conflict(fmt.Errorf("%s is a collection", path))
	}
	data := n.data
	if rng != nil {
		if rng.Start < 0 || rng.End >= int64(len(data)) || rng.Start > rng.End {
			return nil, RangeNotSatisfiable(fmt.Errorf("range %d-%d outside [0,%d)", rng.Start, rng.End, len(data)))
		}
		data = data[rng.Start : rng.End+1]
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (fs *MemFS) WriteStream(ctx context.Context, path string, r io.Reader, rng *WriteRange) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n, err := fs.find(path)
	if err != nil {
		parent, base, perr := fs.findParent(path)
		if perr != nil {
			segs := splitPath(path)
			parent = fs.ensureParents(segs[:len(segs)-1])
			base = segs[len(segs)-1]
		}
		now := time.Now()
		n = &memNode{
			kind:     ResourceFile,
			name:     base,
			created:  now,
			modified: now,
			etag:     newETag(),
			parent:   parent,
		}
		parent.children[base] = n
	}
	if n.kind != ResourceFile {
		return Conflict(fmt.Errorf("%s is a collection", path))
	}

	if rng == nil {
		buf, err := iox.ReadAll(r)
		if err != nil {
			return wrapReadErr(err)
		}
		n.data = buf
	} else {
		total := rng.Total
		if total <= 0 {
			total = rng.End + 1
		}
		if int64(len(n.data)) < total {
			padded := make([]byte, total)
			copy(padded, n.data)
			n.data = padded
		}
		buf, err := iox.ReadAll(r)
		if err != nil {
			return wrapReadErr(err)
		}
		copy(n.data[rng.Start:rng.End+1], buf)
	}
	n.modified = time.Now()
	n.etag = newETag()
	return nil
}

func (fs *MemFS) Size(ctx context.Context, path string) (int64, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	n, err := fs.find(path)
	if err != nil {
		return 0, err
	}
	return int64(len(n.data)), nil
}

func (fs *MemFS) ETag(ctx context.Context, path string) (string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	n, err := fs.find(path)
	if err != nil {
		return "", err
	}
	return n.etag, nil
}

func (fs *MemFS) DisplayName(ctx context.Context, path string) (string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	n, err := fs.find(path)
	if err != nil {
		return "", err
	}
	if n == fs.root {
		return "/", nil
	}
	return n.name, nil
}

func (fs *MemFS) LastModified(ctx context.Context, path string) (time.Time, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	n, err := fs.find(path)
	if err != nil {
		return time.Time{}, err
	}
	return n.modified, nil
}

func (fs *MemFS) Created(ctx context.Context, path string) (time.Time, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	n, err := fs.find(path)
	if err != nil {
		return time.Time{}, err
	}
	return n.created, nil
}

func (fs *MemFS) GetProperty(ctx context.Context, path string, name PropName) (string, bool, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	n, err := fs.find(path)
	if err != nil {
		return "", false, err
	}
	v, ok := n.props[name]
	return v, ok, nil
}

func (fs *MemFS) SetProperty(ctx context.Context, path string, name PropName, value string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, err := fs.find(path)
	if err != nil {
		return err
	}
	if n.props == nil {
		n.props = make(map[xml.Name]string)
	}
	n.props[name] = value
	return nil
}

func (fs *MemFS) RemoveProperty(ctx context.Context, path string, name PropName) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, err := fs.find(path)
	if err != nil {
		return err
	}
	delete(n.props, name)
	return nil
}
