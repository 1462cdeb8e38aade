// This Source Code Form is subject to the terms of the Mozilla Public License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.
// Copyright 2024 WJQSERVER. All rights reserved.
// All rights reserved by WJQSERVER, related rights can be exercised by the infinite-iroha organization.
package davtouka

import (
	"time"

	"github.com/fenthope/reco"
	"github.com/go-json-experiment/json"
)

// Config is the enumerated external configuration surface of the
// embeddable adapter (component F). Everything CORS-related is
// documented but never acted upon here: CORS is a genuine host-layer
// concern, left to whatever middleware the embedding application
// already runs ahead of this handler.
type Config struct {
	MountPrefix string `json:"mount_prefix"`

	RequestTimeoutMS     int64 `json:"request_timeout_ms"`
	UploadTimeoutMS      int64 `json:"upload_timeout_ms"`
	MaxRequestBytes      int64 `json:"max_request_bytes"`
	DefaultLockTimeoutS  int64 `json:"default_lock_timeout_s"`

	AuthRealm string            `json:"auth_realm"`
	AuthUsers map[string]string `json:"auth_users"`

	// CORSOrigins, CORSMethods, CORSHeaders, and CORSCredentials are
	// recorded for operators who want to wire their own CORS middleware
	// ahead of this handler; davtouka never reads them.
	CORSOrigins     []string `json:"cors_origins"`
	CORSMethods     []string `json:"cors_methods"`
	CORSHeaders     []string `json:"cors_headers"`
	CORSCredentials bool     `json:"cors_credentials"`

	CustomResponseHeaders map[string]string `json:"custom_response_headers"`

	Logger *reco.Logger `json:"-"`
}

// DefaultConfig returns the configuration this package uses if no field
// is overridden: a 30s request deadline, a 10 minute upload ceiling per
// progressive-timeout chunk, a 16 MiB buffered-body cap, and a 10 minute
// lock-duration ceiling, which Mount applies to the handler's
// LockManager.
func DefaultConfig() Config {
	return Config{
		MountPrefix:         "/webdav",
		RequestTimeoutMS:    30_000,
		UploadTimeoutMS:     600_000,
		MaxRequestBytes:     16 << 20,
		DefaultLockTimeoutS: 600,
	}
}

func (c Config) requestTimeout() time.Duration {
	if c.RequestTimeoutMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// uploadTimeout is the inactivity window a PUT body's progressiveReader
// resets on every chunk it reads, not a ceiling on the request's total
// duration: an upload that keeps producing chunks within this window
// never times out, however long it runs overall.
func (c Config) uploadTimeout() time.Duration {
	if c.UploadTimeoutMS <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.UploadTimeoutMS) * time.Millisecond
}

func (c Config) maxRequestBytes() int64 {
	if c.MaxRequestBytes <= 0 {
		return 16 << 20
	}
	return c.MaxRequestBytes
}

// LoadConfig decodes a JSON configuration document using the JSON v2
// experimental codec, the way the teacher's own config surfaces (e.g.
// its WANF-based binding helpers) decode a document into a typed
// struct in one call.
func LoadConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
