// This Source Code Form is subject to the terms of the Mozilla Public License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.
// Copyright 2024 WJQSERVER. All rights reserved.
// All rights reserved by WJQSERVER, related rights can be exercised by the infinite-iroha organization.
package dav

import (
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func setupTestServer(t *testing.T, withLocks bool) (*Handler, *MemFS) {
	t.Helper()
	fs := NewMemFS()
	var locks *LockManager
	if withLocks {
		locks = NewLockManager()
		t.Cleanup(func() { locks.Close() })
	}
	return NewHandler(fs, locks), fs
}

func doRequest(h *Handler, method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestHandleOptions(t *testing.T) {
	h, _ := setupTestServer(t, true)
	w := doRequest(h, http.MethodOptions, "/", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("OPTIONS status = %d", w.Code)
	}
	if got := w.Header().Get("DAV"); got != "1, 2" {
		t.Fatalf("DAV header = %q, want %q", got, "1, 2")
	}
	if !strings.Contains(w.Header().Get("Allow"), "PROPFIND") {
		t.Fatalf("Allow header missing PROPFIND: %q", w.Header().Get("Allow"))
	}
	if got := w.Header().Get("MS-Author-Via"); got != "DAV" {
		t.Fatalf("MS-Author-Via header = %q, want %q", got, "DAV")
	}
	if got := w.Header().Get("Accept-Ranges"); got != "bytes" {
		t.Fatalf("Accept-Ranges header = %q, want %q", got, "bytes")
	}
}

func TestHandleOptionsClass1Only(t *testing.T) {
	h, _ := setupTestServer(t, false)
	w := doRequest(h, http.MethodOptions, "/", "", nil)
	if got := w.Header().Get("DAV"); got != "1" {
		t.Fatalf("DAV header = %q, want %q", got, "1")
	}
}

func TestHandleMkcol(t *testing.T) {
	h, fs := setupTestServer(t, false)
	w := doRequest(h, "MKCOL", "/dir", "", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("MKCOL status = %d, body=%s", w.Code, w.Body.String())
	}
	if exists, _ := fs.Exists(nil, "/dir"); !exists {
		t.Fatal("expected /dir to exist after MKCOL")
	}

	w = doRequest(h, "MKCOL", "/dir", "", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("second MKCOL status = %d, want 405", w.Code)
	}

	w = doRequest(h, "MKCOL", "/missing-parent/dir", "", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("MKCOL with missing parent status = %d, want 409", w.Code)
	}
}

func TestHandlePutGetDelete(t *testing.T) {
	h, _ := setupTestServer(t, false)

	w := doRequest(h, http.MethodPut, "/a.txt", "hello world", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("PUT status = %d", w.Code)
	}
	putETag := w.Header().Get("ETag")
	if putETag == "" {
		t.Fatal("expected an ETag header on the PUT response")
	}

	w = doRequest(h, http.MethodPut, "/a.txt", "hello again", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("overwrite PUT status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("ETag"); got == "" || got == putETag {
		t.Fatalf("expected a fresh ETag header on the overwrite PUT response, got %q (initial was %q)", got, putETag)
	}

	w = doRequest(h, http.MethodGet, "/a.txt", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET status = %d", w.Code)
	}
	if w.Body.String() != "hello again" {
		t.Fatalf("GET body = %q", w.Body.String())
	}
	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatal("expected an ETag header")
	}

	w = doRequest(h, http.MethodGet, "/a.txt", "", map[string]string{"If-None-Match": etag})
	if w.Code != http.StatusNotModified {
		t.Fatalf("conditional GET status = %d, want 304", w.Code)
	}

	w = doRequest(h, http.MethodGet, "/a.txt", "", map[string]string{"Range": "bytes=0-4"})
	if w.Code != http.StatusPartialContent {
		t.Fatalf("range GET status = %d, want 206", w.Code)
	}
	if w.Body.String() != "hello" {
		t.Fatalf("range GET body = %q, want %q", w.Body.String(), "hello")
	}

	w = doRequest(h, http.MethodDelete, "/a.txt", "", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("DELETE status = %d", w.Code)
	}

	w = doRequest(h, http.MethodGet, "/a.txt", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET after DELETE status = %d, want 404", w.Code)
	}
}

func TestHandlePutRejectsCollectionTarget(t *testing.T) {
	h, _ := setupTestServer(t, false)
	doRequest(h, "MKCOL", "/dir", "", nil)
	w := doRequest(h, http.MethodPut, "/dir", "data", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("PUT onto a collection status = %d, want 405", w.Code)
	}
}

func TestHandleCopyMove(t *testing.T) {
	h, fs := setupTestServer(t, false)
	doRequest(h, http.MethodPut, "/a.txt", "data", nil)

	w := doRequest(h, "COPY", "/a.txt", "", map[string]string{"Destination": "/b.txt"})
	if w.Code != http.StatusCreated {
		t.Fatalf("COPY status = %d", w.Code)
	}
	if exists, _ := fs.Exists(nil, "/a.txt"); !exists {
		t.Fatal("expected source to still exist after COPY")
	}
	if exists, _ := fs.Exists(nil, "/b.txt"); !exists {
		t.Fatal("expected destination to exist after COPY")
	}

	w = doRequest(h, "MOVE", "/a.txt", "", map[string]string{"Destination": "/c.txt"})
	if w.Code != http.StatusCreated {
		t.Fatalf("MOVE status = %d", w.Code)
	}
	if exists, _ := fs.Exists(nil, "/a.txt"); exists {
		t.Fatal("expected source to be gone after MOVE")
	}
	if exists, _ := fs.Exists(nil, "/c.txt"); !exists {
		t.Fatal("expected destination to exist after MOVE")
	}

	w = doRequest(h, "COPY", "/c.txt", "", map[string]string{"Destination": "/b.txt", "Overwrite": "F"})
	if w.Code != http.StatusPreconditionFailed {
		t.Fatalf("COPY with Overwrite:F onto existing dest status = %d, want 412", w.Code)
	}
}

func TestHandlePropfind(t *testing.T) {
	h, _ := setupTestServer(t, false)
	doRequest(h, http.MethodPut, "/a.txt", "hello", nil)
	doRequest(h, "MKCOL", "/dir", "", nil)

	w := doRequest(h, "PROPFIND", "/", "", map[string]string{"Depth": "1"})
	if w.Code != http.StatusMultiStatus {
		t.Fatalf("PROPFIND status = %d, body=%s", w.Code, w.Body.String())
	}
	var ms xmlMultistatus
	if err := xml.Unmarshal(w.Body.Bytes(), &ms); err != nil {
		t.Fatalf("failed to unmarshal multistatus: %v", err)
	}
	if len(ms.Responses) != 3 { // root + a.txt + dir
		t.Fatalf("expected 3 responses at depth 1, got %d: %+v", len(ms.Responses), ms.Responses)
	}
}

func TestHandlePropfindNamedProp(t *testing.T) {
	h, _ := setupTestServer(t, false)
	doRequest(h, http.MethodPut, "/a.txt", "hello", nil)

	body := `<D:propfind xmlns:D="DAV:"><D:prop><D:getcontentlength/></D:prop></D:propfind>`
	w := doRequest(h, "PROPFIND", "/a.txt", body, map[string]string{"Depth": "0"})
	if w.Code != http.StatusMultiStatus {
		t.Fatalf("PROPFIND status = %d, body=%s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "getcontentlength") {
		t.Fatalf("expected getcontentlength in response, got %s", w.Body.String())
	}
}

func TestHandlePropfindAllPropIncludesContentTypeAndHiddenFlags(t *testing.T) {
	h, _ := setupTestServer(t, false)
	doRequest(h, http.MethodPut, "/a.txt", "hello", nil)

	w := doRequest(h, "PROPFIND", "/a.txt", "", map[string]string{"Depth": "0"})
	if w.Code != http.StatusMultiStatus {
		t.Fatalf("PROPFIND status = %d, body=%s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	for _, want := range []string{"getcontenttype", "ishidden", "isreadonly"} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in allprop response, got %s", want, body)
		}
	}
}

func TestContentTypeForFallsBackToOctetStream(t *testing.T) {
	if got := contentTypeFor("/a.unknownext12345"); got != "application/octet-stream" {
		t.Fatalf("contentTypeFor unknown extension = %q, want application/octet-stream", got)
	}
}

func TestHandleProppatch(t *testing.T) {
	h, _ := setupTestServer(t, false)
	doRequest(h, http.MethodPut, "/a.txt", "hello", nil)

	body := `<D:propertyupdate xmlns:D="DAV:"><D:set><D:prop><D:author xmlns="http://example.com/">alice</D:author></D:prop></D:set></D:propertyupdate>`
	w := doRequest(h, "PROPPATCH", "/a.txt", body, nil)
	if w.Code != http.StatusMultiStatus {
		t.Fatalf("PROPPATCH status = %d, body=%s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "200") {
		t.Fatalf("expected a 200 status in the propstat, got %s", w.Body.String())
	}
}

func TestHandleLockUnlock(t *testing.T) {
	h, fs := setupTestServer(t, true)

	body := `<D:lockinfo xmlns:D="DAV:"><D:lockscope><D:exclusive/></D:lockscope><D:locktype><D:write/></D:locktype><D:owner>alice</D:owner></D:lockinfo>`
	w := doRequest(h, "LOCK", "/a.txt", body, map[string]string{"Depth": "0"})
	if w.Code != http.StatusCreated {
		t.Fatalf("LOCK status = %d, body=%s", w.Code, w.Body.String())
	}
	token := w.Header().Get("Lock-Token")
	if token == "" {
		t.Fatal("expected a Lock-Token header")
	}
	if exists, _ := fs.Exists(nil, "/a.txt"); !exists {
		t.Fatal("expected LOCK on a missing resource to create it")
	}

	// A write without the lock token must be rejected.
	w = doRequest(h, http.MethodPut, "/a.txt", "data", nil)
	if w.Code != StatusLocked {
		t.Fatalf("unauthenticated PUT on a locked resource status = %d, want %d", w.Code, StatusLocked)
	}

	// A write with the matching token succeeds.
	w = doRequest(h, http.MethodPut, "/a.txt", "data", map[string]string{"If": token})
	if w.Code != http.StatusNoContent {
		t.Fatalf("PUT with a matching lock token status = %d, body=%s", w.Code, w.Body.String())
	}

	w = doRequest(h, "UNLOCK", "/a.txt", "", map[string]string{"Lock-Token": token})
	if w.Code != http.StatusNoContent {
		t.Fatalf("UNLOCK status = %d", w.Code)
	}

	w = doRequest(h, http.MethodPut, "/a.txt", "data2", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("PUT after UNLOCK status = %d, want 204", w.Code)
	}
}

func TestHandleGetBlockedByExclusiveLock(t *testing.T) {
	h, fs := setupTestServer(t, true)
	ctx := t.Context()
	if err := fs.Create(ctx, "/a.txt", ResourceFile); err != nil {
		t.Fatalf("Create: %v", err)
	}

	body := `<D:lockinfo xmlns:D="DAV:"><D:lockscope><D:exclusive/></D:lockscope><D:locktype><D:write/></D:locktype><D:owner>alice</D:owner></D:lockinfo>`
	w := doRequest(h, "LOCK", "/a.txt", body, map[string]string{"Depth": "0"})
	if w.Code != http.StatusOK {
		t.Fatalf("LOCK status = %d, body=%s", w.Code, w.Body.String())
	}

	w = doRequest(h, http.MethodGet, "/a.txt", "", nil)
	if w.Code != StatusLocked {
		t.Fatalf("GET on an exclusively locked resource status = %d, want %d", w.Code, StatusLocked)
	}
}

func TestHandleGetAllowedUnderSharedLock(t *testing.T) {
	h, fs := setupTestServer(t, true)
	ctx := t.Context()
	if err := fs.Create(ctx, "/a.txt", ResourceFile); err != nil {
		t.Fatalf("Create: %v", err)
	}

	body := `<D:lockinfo xmlns:D="DAV:"><D:lockscope><D:shared/></D:lockscope><D:locktype><D:write/></D:locktype><D:owner>alice</D:owner></D:lockinfo>`
	w := doRequest(h, "LOCK", "/a.txt", body, map[string]string{"Depth": "0"})
	if w.Code != http.StatusOK {
		t.Fatalf("LOCK status = %d, body=%s", w.Code, w.Body.String())
	}

	w = doRequest(h, http.MethodGet, "/a.txt", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET under a shared lock status = %d, want 200", w.Code)
	}
}

func TestHandleDeleteRejectsUnsatisfiedDescendantLock(t *testing.T) {
	h, fs := setupTestServer(t, true)
	ctx := t.Context()
	if err := fs.Create(ctx, "/dir", ResourceCollection); err != nil {
		t.Fatalf("Create dir: %v", err)
	}
	if err := fs.Create(ctx, "/dir/child.txt", ResourceFile); err != nil {
		t.Fatalf("Create child: %v", err)
	}

	body := `<D:lockinfo xmlns:D="DAV:"><D:lockscope><D:exclusive/></D:lockscope><D:locktype><D:write/></D:locktype><D:owner>alice</D:owner></D:lockinfo>`
	w := doRequest(h, "LOCK", "/dir/child.txt", body, map[string]string{"Depth": "0"})
	if w.Code != http.StatusOK {
		t.Fatalf("LOCK status = %d, body=%s", w.Code, w.Body.String())
	}
	token := w.Header().Get("Lock-Token")

	w = doRequest(h, http.MethodDelete, "/dir", "", nil)
	if w.Code != StatusLocked {
		t.Fatalf("DELETE of a collection with a locked descendant status = %d, want %d", w.Code, StatusLocked)
	}
	if exists, _ := fs.Exists(ctx, "/dir"); !exists {
		t.Fatal("a rejected DELETE must not remove the collection")
	}

	w = doRequest(h, http.MethodDelete, "/dir", "", map[string]string{"If": token})
	if w.Code != http.StatusNoContent {
		t.Fatalf("DELETE with the descendant's token status = %d, body=%s", w.Code, w.Body.String())
	}
	if exists, _ := fs.Exists(ctx, "/dir"); exists {
		t.Fatal("expected /dir to be removed once every descendant lock is satisfied")
	}
}

func TestHandleUnlockRejectsMissingPath(t *testing.T) {
	h, _ := setupTestServer(t, true)

	body := `<D:lockinfo xmlns:D="DAV:"><D:lockscope><D:exclusive/></D:lockscope><D:locktype><D:write/></D:locktype><D:owner>alice</D:owner></D:lockinfo>`
	w := doRequest(h, "LOCK", "/a.txt", body, map[string]string{"Depth": "0"})
	if w.Code != http.StatusCreated {
		t.Fatalf("LOCK status = %d, body=%s", w.Code, w.Body.String())
	}
	token := w.Header().Get("Lock-Token")

	w = doRequest(h, "UNLOCK", "/never-existed.txt", "", map[string]string{"Lock-Token": token})
	if w.Code != http.StatusNotFound {
		t.Fatalf("UNLOCK of a nonexistent path status = %d, want 404", w.Code)
	}
}

func TestHandleUnlockRejectsTokenForAnotherPath(t *testing.T) {
	h, fs := setupTestServer(t, true)
	ctx := t.Context()
	if err := fs.Create(ctx, "/a.txt", ResourceFile); err != nil {
		t.Fatalf("Create a.txt: %v", err)
	}
	if err := fs.Create(ctx, "/b.txt", ResourceFile); err != nil {
		t.Fatalf("Create b.txt: %v", err)
	}

	body := `<D:lockinfo xmlns:D="DAV:"><D:lockscope><D:exclusive/></D:lockscope><D:locktype><D:write/></D:locktype><D:owner>alice</D:owner></D:lockinfo>`
	w := doRequest(h, "LOCK", "/a.txt", body, map[string]string{"Depth": "0"})
	if w.Code != http.StatusOK {
		t.Fatalf("LOCK status = %d, body=%s", w.Code, w.Body.String())
	}
	token := w.Header().Get("Lock-Token")

	w = doRequest(h, "UNLOCK", "/b.txt", "", map[string]string{"Lock-Token": token})
	if w.Code != http.StatusConflict {
		t.Fatalf("UNLOCK of /b.txt with /a.txt's token status = %d, want 409", w.Code)
	}

	// The lock on /a.txt must still be intact: an unauthorized write
	// against it is still rejected.
	w = doRequest(h, http.MethodPut, "/a.txt", "data", nil)
	if w.Code != StatusLocked {
		t.Fatalf("PUT on /a.txt after a mismatched UNLOCK elsewhere status = %d, want %d", w.Code, StatusLocked)
	}
}

func TestHandleLockUnlockDisabled(t *testing.T) {
	h, _ := setupTestServer(t, false)
	w := doRequest(h, "LOCK", "/a.txt", "", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("LOCK with locking disabled status = %d, want 405", w.Code)
	}
}

func TestHandleDeleteRootForbidden(t *testing.T) {
	h, _ := setupTestServer(t, false)
	w := doRequest(h, http.MethodDelete, "/", "", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("DELETE / status = %d, want 403", w.Code)
	}
}
