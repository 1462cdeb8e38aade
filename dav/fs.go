// This Source Code Form is subject to the terms of the Mozilla Public License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.
// Copyright 2024 WJQSERVER. All rights reserved.
// All rights reserved by WJQSERVER, related rights can be exercised by the infinite-iroha organization.
package dav

import (
	"context"
	"encoding/xml"
	"io"
	"time"
)

// ResourceKind distinguishes the two node variants a FileSystem exposes.
type ResourceKind int

const (
	ResourceAbsent ResourceKind = iota
	ResourceFile
	ResourceCollection
)

// ByteRange is an inclusive [Start, End] byte range, as requested by the
// Range header on GET.
type ByteRange struct {
	Start, End int64
}

// WriteRange describes a random-access write requested via a PUT's
// Content-Range header. Total is the declared total resource size after
// the write (0 if the client did not supply one, in which case the
// FileSystem must infer it from End+1 or the existing content).
type WriteRange struct {
	Start, End, Total int64
}

// PropName is a qualified dead-property name (namespace + local name).
type PropName = xml.Name

// FileSystem is the capability set the method engine consumes (component
// C, spec section 4.4). Implementations must be safe for concurrent calls
// on distinct paths; same-path concurrency is mediated by the engine's
// stream lock, not by the FileSystem itself.
type FileSystem interface {
	Exists(ctx context.Context, path string) (bool, error)
	TypeOf(ctx context.Context, path string) (ResourceKind, error)

	// Create makes a new, empty resource of the given kind. OSFS creates
	// any missing parent collections along the way; MemFS does not, and
	// returns a Conflict error when the parent collection is missing.
	Create(ctx context.Context, path string, kind ResourceKind) error

	// Delete removes path, recursively if it is a collection.
	Delete(ctx context.Context, path string) error

	// Copy and Move duplicate/relocate a subtree, preserving dead
	// properties. Copy always stamps Created = now on the destination;
	// Move should be atomic with respect to concurrent readers when the
	// backing store supports it, falling back to copy-then-delete
	// otherwise (spec section 4.1, Open Questions).
	Copy(ctx context.Context, from, to string) error
	Move(ctx context.Context, from, to string) error

	// Members lists the immediate child paths of a collection.
	Members(ctx context.Context, path string) ([]string, error)

	// ReadStream returns a lazily-read byte sequence for a file, honoring
	// rng if non-nil.
	ReadStream(ctx context.Context, path string, rng *ByteRange) (io.ReadCloser, error)

	// WriteStream replaces (rng == nil) or randomly-access-writes (rng !=
	// nil) a file's content, creating it if absent. It updates
	// LastModified and regenerates the ETag.
	WriteStream(ctx context.Context, path string, r io.Reader, rng *WriteRange) error

	Size(ctx context.Context, path string) (int64, error)
	ETag(ctx context.Context, path string) (string, error)
	DisplayName(ctx context.Context, path string) (string, error)
	LastModified(ctx context.Context, path string) (time.Time, error)
	Created(ctx context.Context, path string) (time.Time, error)

	GetProperty(ctx context.Context, path string, name PropName) (string, bool, error)
	SetProperty(ctx context.Context, path string, name PropName, value string) error
	RemoveProperty(ctx context.Context, path string, name PropName) error
}
