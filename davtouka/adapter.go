// This Source Code Form is subject to the terms of the Mozilla Public License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.
// Copyright 2024 WJQSERVER. All rights reserved.
// All rights reserved by WJQSERVER, related rights can be exercised by the infinite-iroha organization.

// Package davtouka binds the framework-agnostic dav package (the
// Method Engine, Path Normalizer, Lock Manager, and VFS contract) to
// github.com/infinite-iroha/touka, the reference host framework this
// module is built to be embedded in. Everything host-specific -
// buffering XML-bodied request verbs, recovering from panics,
// structured request logging, timeout enforcement, and optional Basic
// auth - lives here so the core dav package stays a plain
// net/http.Handler.
package davtouka

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/infinite-iroha/touka"
	"github.com/infinite-iroha/webdavd/dav"
	"github.com/valyala/bytebufferpool"
)

// webdavMethods is the full method set this adapter registers, mirroring
// the teacher's examples/webdav/main.go wiring.
var webdavMethods = []string{
	"OPTIONS", "GET", "HEAD", "PUT", "DELETE", "MKCOL",
	"COPY", "MOVE", "PROPFIND", "PROPPATCH", "LOCK", "UNLOCK",
}

// router is the slice of touka's routing surface this adapter needs:
// registering a single handler chain against an explicit method list,
// which touka.IRouter's per-verb convenience methods don't expose for
// custom methods like PROPFIND. Both *touka.Engine and *touka.RouterGroup
// satisfy it.
type router interface {
	HandleFunc(methods []string, relativePath string, handlers ...touka.HandlerFunc)
}

// Mount registers the WebDAV method set on prefix+"/*path" against h,
// wrapped with this adapter's recovery, logging, timeout, and
// (optionally) Basic auth middleware, in the manner of the teacher's
// examples/webdav/main.go demo wiring (r.HandleFunc(webdavMethods,
// "/webdav/*path", handler.ServeTouka)).
func Mount(r router, h *dav.Handler, cfg Config) {
	prefix := cfg.MountPrefix
	if prefix == "" {
		prefix = "/webdav"
	}
	prefix = strings.TrimSuffix(prefix, "/")

	if h.Locks != nil && cfg.DefaultLockTimeoutS > 0 {
		h.Locks.SetMaxDuration(time.Duration(cfg.DefaultLockTimeoutS) * time.Second)
	}

	chain := []touka.HandlerFunc{recovery(cfg), requestLog(cfg)}
	if len(cfg.AuthUsers) > 0 {
		chain = append(chain, basicAuth(cfg))
	}
	chain = append(chain, serve(h, cfg, prefix))

	r.HandleFunc(webdavMethods, prefix+"/*path", chain...)
}

// serve is the final link in the chain: it strips the mount prefix,
// buffers XML-bodied verbs, applies the timeout discipline appropriate
// to the method, and delegates to the framework-agnostic dav.Handler.
func serve(h *dav.Handler, cfg Config, prefix string) touka.HandlerFunc {
	return func(c *touka.Context) {
		r := c.Request
		if prefix != "" {
			r.URL.Path = strings.TrimPrefix(r.URL.Path, prefix)
			if r.URL.Path == "" {
				r.URL.Path = "/"
			}
		}

		ctx, cancel := timeoutContext(c.Context(), r, cfg)
		defer cancel()
		r = r.WithContext(ctx)

		for k, v := range cfg.CustomResponseHeaders {
			c.Writer.Header().Set(k, v)
		}

		switch r.Method {
		case "PROPFIND", "PROPPATCH", "LOCK":
			buf, err := bufferBody(r.Body, cfg.maxRequestBytes())
			if err != nil {
				writeBufferError(c.Writer, err)
				return
			}
			defer bytebufferpool.Put(buf)
			r.Body = io.NopCloser(bytes.NewReader(buf.B))
		}

		h.ServeHTTP(c.Writer, r)
	}
}

func writeBufferError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrBodyTooLarge) {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	http.Error(w, err.Error(), http.StatusBadRequest)
}

// timeoutContext applies the two timeout disciplines of this module's
// concurrency model: a single fixed deadline for most methods, and a
// progressive, chunk-resetting deadline for PUT. PUT's body is rewrapped
// in a progressiveReader so UploadTimeoutMS is judged as an inactivity
// window between chunks, not a ceiling on the request's total duration —
// a slow-but-steady large upload must not be killed just because it ran
// longer than a single static timeout would allow.
func timeoutContext(ctx context.Context, r *http.Request, cfg Config) (context.Context, context.CancelFunc) {
	if r.Method == http.MethodPut {
		ctx, cancel := context.WithCancel(ctx)
		r.Body = newProgressiveReader(r.Body, cfg.uploadTimeout(), cancel)
		return ctx, cancel
	}
	return context.WithTimeout(ctx, cfg.requestTimeout())
}

// requestLog logs one structured line per request outcome through the
// configured *reco.Logger, the way the teacher wires reco via
// logreco.go; when cfg.Logger is nil, logging is a no-op so the adapter
// remains usable without a logger configured.
func requestLog(cfg Config) touka.HandlerFunc {
	return func(c *touka.Context) {
		start := time.Now()
		c.Next()
		if cfg.Logger == nil {
			return
		}
		cfg.Logger.Info("webdav request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// recovery installs a panic-recovery middleware grounded on the
// teacher's recovery.go: broken-pipe panics are logged and swallowed
// since no response can be sent; everything else is
// logged with a redacted Authorization header and a stack trace, then
// answered with 500 if nothing has been written yet.
func recovery(cfg Config) touka.HandlerFunc {
	return func(c *touka.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if isBrokenPipeError(r) {
				logf(cfg, "webdav: client connection closed for %s %s: %v", c.Request.Method, c.Request.URL.Path, r)
				c.Abort()
				return
			}

			dump, _ := httputil.DumpRequest(c.Request, false)
			logf(cfg, "webdav: panic recovered: %v\nrequest:\n%s\nstack:\n%s", r, redactAuthorization(dump), debug.Stack())

			if c.Writer.Written() {
				c.Abort()
				return
			}
			http.Error(c.Writer, "Internal Server Error", http.StatusInternalServerError)
			c.Abort()
		}()
		c.Next()
	}
}

func logf(cfg Config, format string, v ...interface{}) {
	if cfg.Logger == nil {
		return
	}
	cfg.Logger.Error(fmt.Sprintf(format, v...))
}

func redactAuthorization(dump []byte) string {
	lines := strings.Split(string(dump), "\r\n")
	for i, line := range lines {
		if parts := strings.SplitN(line, ":", 2); len(parts) == 2 && strings.EqualFold(parts[0], "Authorization") {
			lines[i] = parts[0] + ": [REDACTED]"
		}
	}
	return strings.Join(lines, "\r\n")
}

func isBrokenPipeError(r interface{}) bool {
	err, ok := r.(error)
	if !ok {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var syscallErr *os.SyscallError
		if errors.As(opErr.Err, &syscallErr) {
			msg := strings.ToLower(syscallErr.Error())
			if strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset by peer") {
				return true
			}
		}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, http.ErrAbortHandler) {
		return true
	}
	return false
}

// basicAuth enforces HTTP Basic auth against cfg.AuthUsers when
// configured. Like CORS, this is a host-layer concern in principle,
// but unlike CORS it is simple and self-contained enough that the
// adapter offers it directly rather than requiring every embedder to
// reimplement constant-time credential comparison.
func basicAuth(cfg Config) touka.HandlerFunc {
	realm := cfg.AuthRealm
	if realm == "" {
		realm = "webdav"
	}
	return func(c *touka.Context) {
		user, pass, ok := c.Request.BasicAuth()
		if ok {
			if want, exists := cfg.AuthUsers[user]; exists && subtle.ConstantTimeCompare([]byte(pass), []byte(want)) == 1 {
				c.Next()
				return
			}
		}
		c.SetHeader("WWW-Authenticate", fmt.Sprintf(`Basic realm=%q`, realm))
		c.Status(http.StatusUnauthorized)
		c.Abort()
	}
}
