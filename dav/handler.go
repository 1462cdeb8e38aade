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
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Logger is the minimal logging surface the method engine needs; it is
// satisfied directly by *reco.Logger's Printf-style methods, the way
// the teacher's webdav.Handler accepts a Logger interface rather than
// importing a concrete logging package into the core engine.
type Logger interface {
	Printf(format string, v ...interface{})
}

// Handler is the Method Engine (component E): a framework-agnostic
// http.Handler dispatching the twelve WebDAV methods of spec section
// 4.1 against a FileSystem and a LockManager. It is mounted behind a
// host framework adapter (package davtouka in this module), which owns
// body-size limits, timeouts, and authentication.
type Handler struct {
	FS     FileSystem
	Locks  *LockManager
	Logger Logger

	streams *streamLockTable
}

// NewHandler builds a Method Engine over fs, optionally issuing and
// enforcing locks through locks. A nil locks disables LOCK/UNLOCK
// (Class 1 only), matching the teacher's "LockSystem nil disables
// locking" convention.
func NewHandler(fs FileSystem, locks *LockManager) *Handler {
	return &Handler{FS: fs, Locks: locks, streams: newStreamLockTable()}
}

func (h *Handler) logf(format string, v ...interface{}) {
	if h.Logger != nil {
		h.Logger.Printf(format, v...)
	}
}

const allowedMethods = "OPTIONS, GET, HEAD, PUT, DELETE, MKCOL, COPY, MOVE, PROPFIND, PROPPATCH"
const allowedMethodsWithLocks = allowedMethods + ", LOCK, UNLOCK"

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := normalizePath(r.URL.Path)
	ctx := r.Context()

	var err error
	switch r.Method {
	case http.MethodOptions:
		h.handleOptions(w)
		return
	case http.MethodGet, http.MethodHead:
		err = h.handleGetHead(ctx, w, r, path)
	case http.MethodPut:
		err = h.handlePut(ctx, w, r, path)
	case http.MethodDelete:
		err = h.handleDelete(ctx, w, r, path)
	case "MKCOL":
		err = h.handleMkcol(ctx, w, path)
	case "COPY":
		err = h.handleCopy(ctx, w, r, path)
	case "MOVE":
		err = h.handleMove(ctx, w, r, path)
	case "PROPFIND":
		err = h.handlePropfind(ctx, w, r, path)
	case "PROPPATCH":
		err = h.handleProppatch(ctx, w, r, path)
	case "LOCK":
		err = h.handleLock(ctx, w, r, path)
	case "UNLOCK":
		err = h.handleUnlock(ctx, w, r, path)
	default:
		w.Header().Set("Allow", h.allowHeader())
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err != nil {
		h.writeError(w, err)
	}
}

func (h *Handler) allowHeader() string {
	if h.Locks != nil {
		return allowedMethodsWithLocks
	}
	return allowedMethods
}

func (h *Handler) handleOptions(w http.ResponseWriter) {
	w.Header().Set("Allow", h.allowHeader())
	if h.Locks != nil {
		w.Header().Set("DAV", "1, 2")
	} else {
		w.Header().Set("DAV", "1")
	}
	w.Header().Set("MS-Author-Via", "DAV")
	w.Header().Set("Accept-Ranges", "bytes")
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	de := AsError(err)
	if de.Status() == StatusLocked {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	if de.Status() == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	h.logf("dav: %v", de)
	http.Error(w, de.Error(), de.Status())
}

// ifHeaderTokens extracts every coded-URL token enclosed in angle
// brackets from an If or Lock-Token header, e.g. "(<opaquelocktoken:
// ...>)" or "<opaquelocktoken:...>". This accepts the common subset of
// the RFC 4918 section 10.4 If-header grammar (a single list of Coded-
// URLs, without the "Not" keyword or state tokens other than lock
// tokens); it does not parse multi-resource If-header lists, which are
// rare in practice for single-resource write operations.
func ifHeaderTokens(header string) []string {
	var tokens []string
	for {
		start := strings.IndexByte(header, '<')
		if start < 0 {
			break
		}
		end := strings.IndexByte(header[start:], '>')
		if end < 0 {
			break
		}
		tokens = append(tokens, header[start+1:start+end])
		header = header[start+end+1:]
	}
	return tokens
}

// checkLock verifies that, if path is covered by a lock, the request
// carries a token (via the If header or the Lock-Token header) that
// matches it. Returns nil when path is unlocked.
func (h *Handler) checkLock(path string, r *http.Request) error {
	if h.Locks == nil {
		return nil
	}
	if h.Locks.LockForPath(path) == nil {
		return nil
	}
	candidates := ifHeaderTokens(r.Header.Get("If"))
	candidates = append(candidates, ifHeaderTokens(r.Header.Get("Lock-Token"))...)
	for _, tok := range candidates {
		if h.Locks.HasValidToken(path, tok) {
			return nil
		}
	}
	return Locked(fmt.Errorf("%s is locked", path))
}

// checkSubtreeLocks verifies that every lock rooted anywhere within
// subtree (not just one covering subtree's root) is satisfied by a
// token the request carries. This is stricter than checkLock, which
// only sees locks that cover the root path itself: a recursive DELETE
// or the source side of a MOVE must also account for a lock rooted on
// some descendant that checkLock alone would never see (spec section
// 4.1, DELETE and MOVE).
func (h *Handler) checkSubtreeLocks(subtree string, r *http.Request) error {
	if h.Locks == nil {
		return nil
	}
	locks := h.Locks.LocksWithinSubtree(subtree)
	if len(locks) == 0 {
		return nil
	}
	candidates := ifHeaderTokens(r.Header.Get("If"))
	candidates = append(candidates, ifHeaderTokens(r.Header.Get("Lock-Token"))...)
	for _, l := range locks {
		satisfied := false
		for _, tok := range candidates {
			if h.Locks.HasValidToken(l.Path, tok) {
				satisfied = true
				break
			}
		}
		if !satisfied {
			return Locked(fmt.Errorf("%s is locked", l.Path))
		}
	}
	return nil
}

func (h *Handler) handleGetHead(ctx context.Context, w http.ResponseWriter, r *http.Request, path string) error {
	kind, err := h.FS.TypeOf(ctx, path)
	if err != nil {
		return err
	}
	if kind == ResourceAbsent {
		return NotFound(fmt.Errorf("%s not found", path))
	}
	if kind == ResourceFile && h.Locks != nil {
		if l := h.Locks.LockForPath(path); l != nil && l.Scope == ScopeExclusive {
			return Locked(fmt.Errorf("%s is exclusively locked", path))
		}
	}

	release, err := h.streams.TryAcquire(path, streamRead)
	if err != nil {
		return err
	}
	defer release()

	if kind == ResourceCollection {
		body, err := renderListing(ctx, h.FS, path)
		if err != nil {
			return err
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write(body)
		}
		return nil
	}

	etag, err := h.FS.ETag(ctx, path)
	if err != nil {
		return err
	}
	modTime, err := h.FS.LastModified(ctx, path)
	if err != nil {
		return err
	}
	size, err := h.FS.Size(ctx, path)
	if err != nil {
		return err
	}

	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", modTime.UTC().Format(http.TimeFormat))

	var rng *ByteRange
	if r.Method == http.MethodGet {
		rng, err = parseRangeHeader(r.Header.Get("Range"), size)
		if err != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			return err
		}
	}

	body, err := h.FS.ReadStream(ctx, path, rng)
	if err != nil {
		return err
	}
	defer body.Close()

	if rng != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, size))
		w.Header().Set("Content-Length", strconv.FormatInt(rng.End-rng.Start+1, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
	}
	if r.Method == http.MethodGet {
		copyBody(w, body, h)
	}
	return nil
}

// copyBody streams body to w, logging (not propagating) a write error:
// headers are already committed by this point so the only option left
// is to stop and record it.
func copyBody(w http.ResponseWriter, body io.Reader, h *Handler) {
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				h.logf("dav: write error: %v", werr)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (h *Handler) handlePut(ctx context.Context, w http.ResponseWriter, r *http.Request, path string) error {
	if err := h.checkLock(path, r); err != nil {
		return err
	}
	if kind, err := h.FS.TypeOf(ctx, path); err == nil && kind == ResourceCollection {
		return MethodNotAllowed(fmt.Errorf("%s is a collection", path))
	}

	release, err := h.streams.TryAcquire(path, streamWrite)
	if err != nil {
		return err
	}
	defer release()

	existed, err := h.FS.Exists(ctx, path)
	if err != nil {
		return err
	}

	rng, err := parseContentRangeHeader(r.Header.Get("Content-Range"))
	if err != nil {
		return err
	}
	if err := h.FS.WriteStream(ctx, path, r.Body, rng); err != nil {
		return err
	}

	etag, err := h.FS.ETag(ctx, path)
	if err != nil {
		return err
	}
	w.Header().Set("ETag", etag)

	if existed {
		w.WriteHeader(http.StatusNoContent)
	} else {
		w.WriteHeader(http.StatusCreated)
	}
	return nil
}

func (h *Handler) handleDelete(ctx context.Context, w http.ResponseWriter, r *http.Request, path string) error {
	if path == "/" {
		return Forbidden(fmt.Errorf("cannot delete the root collection"))
	}
	if err := h.checkLock(path, r); err != nil {
		return err
	}
	if err := h.checkSubtreeLocks(path, r); err != nil {
		return err
	}
	exists, err := h.FS.Exists(ctx, path)
	if err != nil {
		return err
	}
	if !exists {
		return NotFound(fmt.Errorf("%s not found", path))
	}

	release, err := h.streams.TryAcquire(path, streamWrite)
	if err != nil {
		return err
	}
	defer release()

	if err := h.FS.Delete(ctx, path); err != nil {
		return err
	}
	if h.Locks != nil {
		h.Locks.PurgeSubtree(path)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *Handler) handleMkcol(ctx context.Context, w http.ResponseWriter, path string) error {
	exists, err := h.FS.Exists(ctx, path)
	if err != nil {
		return err
	}
	if exists {
		return MethodNotAllowed(fmt.Errorf("%s already exists", path))
	}
	parentExists, err := h.FS.Exists(ctx, parentOf(path))
	if err != nil {
		return err
	}
	if !parentExists {
		return Conflict(fmt.Errorf("parent of %s does not exist", path))
	}
	if err := h.FS.Create(ctx, path, ResourceCollection); err != nil {
		return err
	}
	w.WriteHeader(http.StatusCreated)
	return nil
}

// destinationPath resolves the Destination header against the request,
// returning a normalized path relative to this handler's root.
func destinationPath(r *http.Request) (string, error) {
	raw := r.Header.Get("Destination")
	if raw == "" {
		return "", BadRequest(errors.New("missing Destination header"))
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", BadRequest(fmt.Errorf("malformed Destination header: %w", err))
	}
	if u.Host != "" && r.Host != "" && u.Host != r.Host {
		return "", BadRequest(errors.New("Destination must be on the same host"))
	}
	return normalizePath(u.Path), nil
}

func overwriteAllowed(r *http.Request) bool {
	v := r.Header.Get("Overwrite")
	return v != "F"
}

func (h *Handler) handleCopy(ctx context.Context, w http.ResponseWriter, r *http.Request, path string) error {
	dest, err := destinationPath(r)
	if err != nil {
		return err
	}
	if dest == path {
		return Forbidden(errors.New("source and destination are the same"))
	}
	if err := h.checkLock(dest, r); err != nil {
		return err
	}

	existed, err := h.FS.Exists(ctx, dest)
	if err != nil {
		return err
	}
	if existed && !overwriteAllowed(r) {
		return PreconditionFailed(fmt.Errorf("%s exists and Overwrite is F", dest))
	}
	if existed {
		if err := h.FS.Delete(ctx, dest); err != nil {
			return err
		}
	}

	if err := h.FS.Copy(ctx, path, dest); err != nil {
		return err
	}
	if existed {
		w.WriteHeader(http.StatusNoContent)
	} else {
		w.WriteHeader(http.StatusCreated)
	}
	return nil
}

func (h *Handler) handleMove(ctx context.Context, w http.ResponseWriter, r *http.Request, path string) error {
	dest, err := destinationPath(r)
	if err != nil {
		return err
	}
	if dest == path {
		return Forbidden(errors.New("source and destination are the same"))
	}
	if err := h.checkLock(path, r); err != nil {
		return err
	}
	if err := h.checkSubtreeLocks(path, r); err != nil {
		return err
	}
	if err := h.checkLock(dest, r); err != nil {
		return err
	}

	existed, err := h.FS.Exists(ctx, dest)
	if err != nil {
		return err
	}
	if existed && !overwriteAllowed(r) {
		return PreconditionFailed(fmt.Errorf("%s exists and Overwrite is F", dest))
	}
	if existed {
		if err := h.FS.Delete(ctx, dest); err != nil {
			return err
		}
	}

	if err := h.FS.Move(ctx, path, dest); err != nil {
		return err
	}
	if h.Locks != nil {
		h.Locks.MigrateSubtree(path, dest)
	}
	if existed {
		w.WriteHeader(http.StatusNoContent)
	} else {
		w.WriteHeader(http.StatusCreated)
	}
	return nil
}

// contentTypeFor returns the MIME type for path by file extension,
// falling back to the generic octet-stream type RFC 4918's
// getcontenttype property requires when no mapping is known (spec
// section 4.1, PROPFIND live properties).
func contentTypeFor(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func (h *Handler) liveProps(ctx context.Context, path string, kind ResourceKind) ([]PropResult, error) {
	var out []PropResult

	if kind == ResourceFile {
		size, err := h.FS.Size(ctx, path)
		if err != nil {
			return nil, err
		}
		out = append(out, PropResult{Name: xml.Name{Space: "DAV:", Local: "getcontentlength"}, Value: strconv.FormatInt(size, 10), Status: http.StatusOK})
		out = append(out, PropResult{Name: xml.Name{Space: "DAV:", Local: "getcontenttype"}, Value: contentTypeFor(path), Status: http.StatusOK})
	}

	modTime, err := h.FS.LastModified(ctx, path)
	if err != nil {
		return nil, err
	}
	out = append(out, PropResult{Name: xml.Name{Space: "DAV:", Local: "getlastmodified"}, Value: modTime.UTC().Format(http.TimeFormat), Status: http.StatusOK})

	created, err := h.FS.Created(ctx, path)
	if err != nil {
		return nil, err
	}
	out = append(out, PropResult{Name: xml.Name{Space: "DAV:", Local: "creationdate"}, Value: created.UTC().Format(time.RFC3339), Status: http.StatusOK})

	name, err := h.FS.DisplayName(ctx, path)
	if err != nil {
		return nil, err
	}
	out = append(out, PropResult{Name: xml.Name{Space: "DAV:", Local: "displayname"}, Value: name, Status: http.StatusOK})

	rt, err := ResourceTypeXML(kind)
	if err != nil {
		return nil, err
	}
	out = append(out, PropResult{Name: xml.Name{Space: "DAV:", Local: "resourcetype"}, Value: rt, Raw: true, Status: http.StatusOK})

	if kind == ResourceFile {
		etag, err := h.FS.ETag(ctx, path)
		if err != nil {
			return nil, err
		}
		out = append(out, PropResult{Name: xml.Name{Space: "DAV:", Local: "getetag"}, Value: etag, Status: http.StatusOK})
	}

	sl, err := SupportedLockXML()
	if err != nil {
		return nil, err
	}
	out = append(out, PropResult{Name: xml.Name{Space: "DAV:", Local: "supportedlock"}, Value: sl, Raw: true, Status: http.StatusOK})
	out = append(out, PropResult{Name: xml.Name{Space: "DAV:", Local: "ishidden"}, Value: "0", Status: http.StatusOK})
	out = append(out, PropResult{Name: xml.Name{Space: "DAV:", Local: "isreadonly"}, Value: "0", Status: http.StatusOK})

	if h.Locks != nil {
		if locks := h.Locks.LocksForPath(path); len(locks) > 0 {
			ld, err := LockDiscoveryListXML(locks)
			if err != nil {
				return nil, err
			}
			out = append(out, PropResult{Name: xml.Name{Space: "DAV:", Local: "lockdiscovery"}, Value: ld, Raw: true, Status: http.StatusOK})
		}
	}
	return out, nil
}

func isLiveProp(name xml.Name) bool {
	if name.Space != "DAV:" {
		return false
	}
	switch name.Local {
	case "getcontentlength", "getcontenttype", "getlastmodified", "creationdate", "displayname",
		"resourcetype", "getetag", "supportedlock", "lockdiscovery", "ishidden", "isreadonly":
		return true
	}
	return false
}

func (h *Handler) propfindOneResource(ctx context.Context, path string, req PropfindRequest) ([]PropResult, error) {
	kind, err := h.FS.TypeOf(ctx, path)
	if err != nil {
		return nil, err
	}
	if kind == ResourceAbsent {
		return nil, NotFound(fmt.Errorf("%s not found", path))
	}

	if req.AllProp || req.PropName {
		results, err := h.liveProps(ctx, path, kind)
		if err != nil {
			return nil, err
		}
		if req.PropName {
			for i := range results {
				results[i].Value = ""
				results[i].Raw = false
			}
		}
		return results, nil
	}

	live, err := h.liveProps(ctx, path, kind)
	if err != nil {
		return nil, err
	}
	liveByName := make(map[xml.Name]PropResult, len(live))
	for _, r := range live {
		liveByName[r.Name] = r
	}

	var out []PropResult
	for _, name := range req.Props {
		if isLiveProp(name) {
			if r, ok := liveByName[name]; ok {
				out = append(out, r)
				continue
			}
		}
		value, ok, err := h.FS.GetProperty(ctx, path, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			out = append(out, PropResult{Name: name, Status: http.StatusNotFound})
			continue
		}
		out = append(out, PropResult{Name: name, Value: value, Status: http.StatusOK})
	}
	return out, nil
}

func (h *Handler) handlePropfind(ctx context.Context, w http.ResponseWriter, r *http.Request, path string) error {
	exists, err := h.FS.Exists(ctx, path)
	if err != nil {
		return err
	}
	if !exists {
		return NotFound(fmt.Errorf("%s not found", path))
	}

	var req PropfindRequest
	if r.ContentLength != 0 {
		req, err = ParsePropfind(r.Body)
		if err != nil {
			return err
		}
	} else {
		req = PropfindRequest{AllProp: true}
	}

	depth := r.Header.Get("Depth")
	if depth == "" {
		depth = "infinity"
	}

	builder := NewMultiStatusBuilder()
	if err := h.propfindAppend(ctx, builder, path, req); err != nil {
		return err
	}

	if depth != "0" {
		kind, err := h.FS.TypeOf(ctx, path)
		if err != nil {
			return err
		}
		if kind == ResourceCollection {
			maxDepth := -1
			if depth == "1" {
				maxDepth = 1
			}
			if err := h.propfindWalk(ctx, builder, path, req, maxDepth); err != nil {
				return err
			}
		}
	}

	body, err := builder.Bytes()
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	w.Write(body)
	return nil
}

func (h *Handler) propfindAppend(ctx context.Context, b *MultiStatusBuilder, path string, req PropfindRequest) error {
	results, err := h.propfindOneResource(ctx, path, req)
	if err != nil {
		b.AddStatus(path, AsError(err).Status())
		return nil
	}
	b.AddPropResponse(path, results)
	return nil
}

func (h *Handler) propfindWalk(ctx context.Context, b *MultiStatusBuilder, path string, req PropfindRequest, depthLeft int) error {
	if depthLeft == 0 {
		return nil
	}
	members, err := h.FS.Members(ctx, path)
	if err != nil {
		return err
	}
	for _, m := range members {
		if err := h.propfindAppend(ctx, b, m, req); err != nil {
			return err
		}
		kind, err := h.FS.TypeOf(ctx, m)
		if err != nil {
			return err
		}
		if kind == ResourceCollection {
			next := depthLeft
			if next > 0 {
				next--
			}
			if err := h.propfindWalk(ctx, b, m, req, next); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *Handler) handleProppatch(ctx context.Context, w http.ResponseWriter, r *http.Request, path string) error {
	if err := h.checkLock(path, r); err != nil {
		return err
	}
	exists, err := h.FS.Exists(ctx, path)
	if err != nil {
		return err
	}
	if !exists {
		return NotFound(fmt.Errorf("%s not found", path))
	}

	update, err := ParsePropertyUpdate(r.Body)
	if err != nil {
		return err
	}

	builder := NewMultiStatusBuilder()
	var results []PropResult
	for _, op := range update.Ops {
		if isLiveProp(op.Name) {
			results = append(results, PropResult{Name: op.Name, Status: http.StatusForbidden})
			continue
		}
		if op.Remove {
			err = h.FS.RemoveProperty(ctx, path, op.Name)
		} else {
			err = h.FS.SetProperty(ctx, path, op.Name, op.Value)
		}
		if err != nil {
			return err
		}
		results = append(results, PropResult{Name: op.Name, Status: http.StatusOK})
	}
	builder.AddPropResponse(path, results)

	body, err := builder.Bytes()
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	w.Write(body)
	return nil
}

// parseTimeoutHeader interprets a LOCK request's Timeout header against
// the lock manager's configured ceiling, falling back to that ceiling
// both when the header is absent and when it names "Infinite" (this
// package issues no lock longer than its configured maximum).
func parseTimeoutHeader(header string, max time.Duration) time.Duration {
	if header == "" {
		return max
	}
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if strings.EqualFold(part, "Infinite") {
			return max
		}
		if rest, ok := strings.CutPrefix(part, "Second-"); ok {
			if secs, err := strconv.Atoi(rest); err == nil {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return max
}

func (h *Handler) handleLock(ctx context.Context, w http.ResponseWriter, r *http.Request, path string) error {
	if h.Locks == nil {
		return MethodNotAllowed(errors.New("locking is disabled"))
	}
	timeout := parseTimeoutHeader(r.Header.Get("Timeout"), h.Locks.MaxDuration())

	if tokens := ifHeaderTokens(r.Header.Get("If")); len(tokens) > 0 {
		var lastErr error
		for _, tok := range tokens {
			l, err := h.Locks.RefreshLock(tok, path, timeout)
			if err == nil {
				return h.writeLockResponse(w, l, false)
			}
			lastErr = err
		}
		return lastErr
	}

	req, err := ParseLockInfo(r.Body)
	if err != nil {
		return err
	}
	if req.Refresh {
		return BadRequest(errors.New("LOCK refresh requires an If header"))
	}

	depth := DepthInfinity
	if r.Header.Get("Depth") == "0" {
		depth = DepthZero
	}

	if err := h.Locks.CanLock(path, depth, req.Scope); err != nil {
		return err
	}

	existed, err := h.FS.Exists(ctx, path)
	if err != nil {
		return err
	}
	if !existed {
		if err := h.FS.Create(ctx, path, ResourceFile); err != nil {
			return err
		}
	}

	l, err := h.Locks.CreateLock(path, req.Owner, req.Scope, depth, timeout)
	if err != nil {
		return err
	}
	return h.writeLockResponse(w, l, !existed)
}

func (h *Handler) writeLockResponse(w http.ResponseWriter, l *Lock, created bool) error {
	ld, err := LockDiscoveryXML(l)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Header().Set("Lock-Token", "<"+l.Token+">")
	if created {
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	fmt.Fprint(w, xml.Header)
	fmt.Fprint(w, ld)
	return nil
}

func (h *Handler) handleUnlock(ctx context.Context, w http.ResponseWriter, r *http.Request, path string) error {
	if h.Locks == nil {
		return MethodNotAllowed(errors.New("locking is disabled"))
	}
	tokens := ifHeaderTokens(r.Header.Get("Lock-Token"))
	if len(tokens) == 0 {
		return BadRequest(errors.New("missing Lock-Token header"))
	}
	exists, err := h.FS.Exists(ctx, path)
	if err != nil {
		return err
	}
	if !exists {
		return NotFound(fmt.Errorf("%s not found", path))
	}
	if !h.Locks.HasValidToken(path, tokens[0]) {
		return Conflict(fmt.Errorf("%s does not apply to %s", tokens[0], path))
	}
	if err := h.Locks.RemoveLock(tokens[0]); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
