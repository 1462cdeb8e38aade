// This Source Code Form is subject to the terms of the Mozilla Public License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.
// Copyright 2024 WJQSERVER. All rights reserved.
// All rights reserved by WJQSERVER, related rights can be exercised by the infinite-iroha organization.
package dav

import (
	"net/url"
	gopath "path"
	"strings"
)

// normalizePath implements the path normalizer of component A: percent
// decode, ensure a leading slash, POSIX-normalize (path.Clean on the
// rooted path, which resolves "." and interior ".." lexically and never
// climbs above the root), drop any ".." segment that is left, and strip
// any trailing slash except for the root itself.
func normalizePath(raw string) string {
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		decoded = raw
	}

	if !strings.HasPrefix(decoded, "/") {
		decoded = "/" + decoded
	}
	decoded = gopath.Clean(decoded)

	segments := strings.Split(decoded, "/")
	clean := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			// Any ".." still present after Clean is discarded, so
			// nothing can escape above the root.
			continue
		default:
			clean = append(clean, seg)
		}
	}

	var b strings.Builder
	b.WriteByte('/')
	for i, seg := range clean {
		if i > 0 {
			b.WriteByte('/')
		}
		b.WriteString(seg)
	}

	out := b.String()
	out = gopath.Clean(out)
	if out == "." {
		out = "/"
	}
	return out
}

// encodeHref percent-encodes a normalized path segment-by-segment for use
// as an href in XML responses, matching net/url's RequestURI encoding.
func encodeHref(p string) string {
	u := url.URL{Path: p}
	return u.EscapedPath()
}

// joinPath joins a normalized parent path with a single child segment.
func joinPath(parent, child string) string {
	return normalizePath(gopath.Join(parent, child))
}

// parentOf returns the normalized parent of a normalized path, or "/" for
// the root.
func parentOf(p string) string {
	if p == "/" {
		return "/"
	}
	return normalizePath(gopath.Dir(p))
}

// baseOf returns the last path segment of a normalized path, or "/" for
// the root (matching displayName's definition in spec section 3).
func baseOf(p string) string {
	if p == "/" {
		return "/"
	}
	return gopath.Base(p)
}

// isWithin reports whether p equals subtree, or is a descendant of it when
// infinite is true. Mirrors the overlap rule of spec section 4.3.
func isWithin(p, subtree string, infinite bool) bool {
	if p == subtree {
		return true
	}
	if !infinite {
		return false
	}
	prefix := subtree
	if prefix != "/" {
		prefix += "/"
	}
	return strings.HasPrefix(p, prefix)
}
