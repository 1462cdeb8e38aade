// This Source Code Form is subject to the terms of the Mozilla Public License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.
// Copyright 2024 WJQSERVER. All rights reserved.
// All rights reserved by WJQSERVER, related rights can be exercised by the infinite-iroha organization.
package davtouka

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/infinite-iroha/touka"
	"github.com/infinite-iroha/webdavd/dav"
)

// chunkedReader hands back its chunks one at a time, sleeping delay
// before each one becomes available, so tests can simulate a slow but
// steady (or a stalled) PUT body without any real networking.
type chunkedReader struct {
	chunks [][]byte
	delay  time.Duration
	i      int
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.i >= len(c.chunks) {
		return 0, io.EOF
	}
	time.Sleep(c.delay)
	n := copy(p, c.chunks[c.i])
	c.i++
	return n, nil
}

func setupTestEngine(t *testing.T, cfg Config) *touka.Engine {
	t.Helper()
	fs := dav.NewMemFS()
	locks := dav.NewLockManager()
	t.Cleanup(func() { locks.Close() })
	h := dav.NewHandler(fs, locks)

	r := touka.New()
	Mount(r, h, cfg)
	return r
}

func TestMountServesUnderPrefix(t *testing.T) {
	cfg := DefaultConfig()
	r := setupTestEngine(t, cfg)

	w := touka.PerformRequest(r, "MKCOL", "/webdav/dir", nil, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("MKCOL status = %d, body=%s", w.Code, w.Body.String())
	}

	w = touka.PerformRequest(r, http.MethodOptions, "/webdav/", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("OPTIONS status = %d", w.Code)
	}
	if got := w.Header().Get("DAV"); got != "1, 2" {
		t.Fatalf("DAV header = %q", got)
	}
}

func TestMountRejectsOversizedBody(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRequestBytes = 8
	r := setupTestEngine(t, cfg)

	body := `<D:propfind xmlns:D="DAV:"><D:allprop/></D:propfind>`
	header := http.Header{}
	header.Set("Depth", "0")
	w := touka.PerformRequest(r, "PROPFIND", "/webdav/", strings.NewReader(body), header)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("PROPFIND with an oversized body status = %d, want 413", w.Code)
	}
}

func TestMountBasicAuth(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AuthUsers = map[string]string{"alice": "secret"}
	r := setupTestEngine(t, cfg)

	w := touka.PerformRequest(r, http.MethodOptions, "/webdav/", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated OPTIONS status = %d, want 401", w.Code)
	}

	header := http.Header{}
	req, _ := http.NewRequest(http.MethodOptions, "/webdav/", nil)
	req.SetBasicAuth("alice", "secret")
	header = req.Header
	w = touka.PerformRequest(r, http.MethodOptions, "/webdav/", nil, header)
	if w.Code != http.StatusOK {
		t.Fatalf("authenticated OPTIONS status = %d, body=%s", w.Code, w.Body.String())
	}
}

func TestMountSetsCustomResponseHeaders(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CustomResponseHeaders = map[string]string{"X-Served-By": "webdavd"}
	r := setupTestEngine(t, cfg)

	w := touka.PerformRequest(r, http.MethodOptions, "/webdav/", nil, nil)
	if got := w.Header().Get("X-Served-By"); got != "webdavd" {
		t.Fatalf("X-Served-By = %q, want webdavd", got)
	}
}

func TestMountAppliesDefaultLockTimeoutToLockManager(t *testing.T) {
	fs := dav.NewMemFS()
	locks := dav.NewLockManager()
	t.Cleanup(func() { locks.Close() })
	h := dav.NewHandler(fs, locks)

	cfg := DefaultConfig()
	cfg.DefaultLockTimeoutS = 120
	r := touka.New()
	Mount(r, h, cfg)

	if got := locks.MaxDuration(); got != 120*time.Second {
		t.Fatalf("LockManager.MaxDuration() = %v, want 120s", got)
	}

	body := `<D:lockinfo xmlns:D="DAV:"><D:lockscope><D:exclusive/></D:lockscope><D:locktype><D:write/></D:locktype><D:owner>alice</D:owner></D:lockinfo>`
	w := touka.PerformRequest(r, "LOCK", "/webdav/a", strings.NewReader(body), nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("LOCK status = %d, body=%s", w.Code, w.Body.String())
	}
	body2 := w.Body.String()
	if !strings.Contains(body2, "Second-119") && !strings.Contains(body2, "Second-120") {
		t.Fatalf("expected the configured ~120s ceiling in the lockdiscovery response, got %s", body2)
	}
}

func TestDefaultConfigTimeouts(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.requestTimeout() <= 0 {
		t.Fatal("expected a positive default request timeout")
	}
	if cfg.uploadTimeout() <= cfg.requestTimeout() {
		t.Fatal("expected the upload timeout ceiling to exceed the request timeout")
	}
}

func TestPUTSurvivesSlowButSteadyChunks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UploadTimeoutMS = 60
	r := setupTestEngine(t, cfg)

	body := &chunkedReader{
		chunks: [][]byte{[]byte("one-"), []byte("two-"), []byte("three-"), []byte("four")},
		delay:  30 * time.Millisecond,
	}
	w := touka.PerformRequest(r, http.MethodPut, "/webdav/slow.txt", body, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("PUT with chunks every 30ms against a 60ms window = %d, want 201, body=%s", w.Code, w.Body.String())
	}
}

func TestPUTTimesOutOnStalledBody(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UploadTimeoutMS = 40
	r := setupTestEngine(t, cfg)

	body := &chunkedReader{
		chunks: [][]byte{[]byte("first"), []byte("stalls-past-the-window")},
		delay:  120 * time.Millisecond,
	}
	w := touka.PerformRequest(r, http.MethodPut, "/webdav/stall.txt", body, nil)
	if w.Code != http.StatusRequestTimeout {
		t.Fatalf("PUT with a 120ms stall against a 40ms window = %d, want 408, body=%s", w.Code, w.Body.String())
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	data := []byte(`{"mount_prefix": "/files", "max_request_bytes": 1024}`)
	cfg, err := LoadConfig(data)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MountPrefix != "/files" {
		t.Fatalf("MountPrefix = %q, want /files", cfg.MountPrefix)
	}
	if cfg.maxRequestBytes() != 1024 {
		t.Fatalf("maxRequestBytes = %d, want 1024", cfg.maxRequestBytes())
	}
	if cfg.DefaultLockTimeoutS != 600 {
		t.Fatalf("expected DefaultLockTimeoutS to keep its default, got %d", cfg.DefaultLockTimeoutS)
	}
}
