// This Source Code Form is subject to the terms of the Mozilla Public License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.
// Copyright 2024 WJQSERVER. All rights reserved.
// All rights reserved by WJQSERVER, related rights can be exercised by the infinite-iroha organization.
package davtouka

import (
	"errors"
	"io"

	"github.com/valyala/bytebufferpool"
)

// ErrBodyTooLarge is returned when a PROPFIND/PROPPATCH/LOCK body
// exceeds the configured cap, mirroring the teacher's own
// maxreader.ErrBodyTooLarge. It is a distinct value: errors.Is matches
// it only against this package's ErrBodyTooLarge.
var ErrBodyTooLarge = errors.New("dav: request body too large")

// bufferBody reads r fully into a pooled buffer, capped at limit bytes,
// the way the method engine's XML-bodied verbs need the full document
// available before decoding (unlike GET/PUT, which stream). Using
// bytebufferpool rather than bytes.Buffer avoids a fresh allocation per
// PROPFIND/PROPPATCH/LOCK request under load, the same pattern bodies
// of this size see in the rest of the example pack's buffer-pooled
// transports.
func bufferBody(r io.Reader, limit int64) (*bytebufferpool.ByteBuffer, error) {
	buf := bytebufferpool.Get()
	limited := io.LimitReader(r, limit+1)
	if _, err := buf.ReadFrom(limited); err != nil {
		bytebufferpool.Put(buf)
		return nil, err
	}
	if int64(len(buf.B)) > limit {
		bytebufferpool.Put(buf)
		return nil, ErrBodyTooLarge
	}
	return buf, nil
}
