// This Source Code Form is subject to the terms of the Mozilla Public License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.
// Copyright 2024 WJQSERVER. All rights reserved.
// All rights reserved by WJQSERVER, related rights can be exercised by the infinite-iroha organization.
package davtouka

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/infinite-iroha/webdavd/dav"
)

// progressiveReader wraps a PUT request body so the upload deadline is
// judged chunk by chunk rather than once for the whole request: every Read
// that returns data pushes the deadline out another window, so a large but
// steadily-arriving upload never trips it, while a body that goes quiet
// for longer than window does.
//
// Modeled on the teacher's maxBytesReader (maxreader.go): an io.ReadCloser
// wrapper holding an atomic flag alongside the byte counter that pattern
// uses, swapped here for an idle timer instead of a size ceiling.
type progressiveReader struct {
	r       io.ReadCloser
	window  time.Duration
	timer   *time.Timer
	cancel  context.CancelFunc
	stalled atomic.Bool
}

// newProgressiveReader returns an io.ReadCloser reading from r that calls
// cancel and closes r once window elapses without a successful Read.
// Closing r unblocks whatever Read call is currently in flight; the
// stalled flag lets the wrapper report ErrUploadStalled instead of
// whatever error the forced Close happened to produce.
func newProgressiveReader(r io.ReadCloser, window time.Duration, cancel context.CancelFunc) *progressiveReader {
	pr := &progressiveReader{r: r, window: window, cancel: cancel}
	pr.timer = time.AfterFunc(window, pr.onIdle)
	return pr
}

func (pr *progressiveReader) onIdle() {
	pr.stalled.Store(true)
	pr.cancel()
	pr.r.Close()
}

func (pr *progressiveReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if pr.stalled.Load() {
		return n, dav.ErrUploadStalled
	}
	if n > 0 {
		pr.timer.Reset(pr.window)
	}
	return n, err
}

func (pr *progressiveReader) Close() error {
	pr.timer.Stop()
	return pr.r.Close()
}
