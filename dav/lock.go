// This Source Code Form is subject to the terms of the Mozilla Public License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.
// Copyright 2024 WJQSERVER. All rights reserved.
// All rights reserved by WJQSERVER, related rights can be exercised by the infinite-iroha organization.
package dav

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	sweepInterval   = 60 * time.Second
	minLockDuration = 10 * time.Second
	maxLockDuration = 5 * time.Minute
)

// LockDepth mirrors the Depth header values a LOCK request can carry.
type LockDepth int

const (
	DepthZero LockDepth = 0
	DepthInfinity LockDepth = -1
)

// LockScope mirrors the lockscope element of a LOCK request body: a
// path may be covered by at most one exclusive lock, or by any number
// of shared locks, but never a mix of the two (spec section 3/4.3).
type LockScope int

const (
	ScopeExclusive LockScope = iota
	ScopeShared
)

// Lock is a single WebDAV write lock (component D, spec section 3).
type Lock struct {
	Token    string
	Path     string
	Depth    LockDepth
	Scope    LockScope
	Owner    string
	Duration time.Duration
	expires  time.Time
}

func (l *Lock) expired(now time.Time) bool {
	return now.After(l.expires)
}

// TimeoutSeconds returns the remaining lifetime of the lock, for the
// Timeout element of a lock-discovery response.
func (l *Lock) TimeoutSeconds() int64 {
	remaining := time.Until(l.expires)
	if remaining < 0 {
		remaining = 0
	}
	return int64(remaining / time.Second)
}

// LockManager tracks the set of active WebDAV locks with a dual index
// (by token, for If-header / Lock-Token validation, and by path, for
// the overlap check on every write operation), guarded by a single
// RWMutex so lookups proceed concurrently and mutations are exclusive
// (spec section 5). byPath maps to a set of tokens rather than a
// single lock, since several shared locks may legitimately cover the
// same exact path at once (spec section 3, Lock indexes). Expiry is
// both lazy (checked on lookup) and swept in the background every
// sweepInterval, in the manner of the teacher's webdav/memlock.go
// cleanup goroutine.
type LockManager struct {
	mu      sync.RWMutex
	byToken map[string]*Lock
	byPath  map[string]map[string]*Lock

	maxDuration time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewLockManager starts a LockManager and its background sweep
// goroutine. Callers must call Close when done to stop the goroutine.
func NewLockManager() *LockManager {
	return NewLockManagerWithMaxDuration(maxLockDuration)
}

// NewLockManagerWithMaxDuration is NewLockManager with the lock
// duration ceiling overridden, letting an embedder honor its own
// configured default lock timeout (e.g. davtouka's
// Config.DefaultLockTimeoutS) instead of this package's 5 minute
// default.
func NewLockManagerWithMaxDuration(max time.Duration) *LockManager {
	if max <= 0 {
		max = maxLockDuration
	}
	lm := &LockManager{
		byToken:     make(map[string]*Lock),
		byPath:      make(map[string]map[string]*Lock),
		maxDuration: max,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go lm.sweepLoop()
	return lm
}

// SetMaxDuration updates the ceiling CreateLock/RefreshLock clamp
// future durations to. Safe to call after construction, which is how
// davtouka.Mount applies Config.DefaultLockTimeoutS to a LockManager
// the embedder already built.
func (lm *LockManager) SetMaxDuration(max time.Duration) {
	if max <= 0 {
		max = maxLockDuration
	}
	lm.mu.Lock()
	lm.maxDuration = max
	lm.mu.Unlock()
}

// MaxDuration returns the current clamp ceiling, which the method
// engine uses as the Timeout a LOCK response reports when the
// request's Timeout header is absent or names Infinite.
func (lm *LockManager) MaxDuration() time.Duration {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.maxDuration
}

func (lm *LockManager) sweepLoop() {
	defer close(lm.done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			lm.sweep()
		case <-lm.stop:
			return
		}
	}
}

// insertLocked records l in both indexes. Callers must hold mu for
// writing.
func (lm *LockManager) insertLocked(l *Lock) {
	lm.byToken[l.Token] = l
	set, ok := lm.byPath[l.Path]
	if !ok {
		set = make(map[string]*Lock)
		lm.byPath[l.Path] = set
	}
	set[l.Token] = l
}

// evictLocked discards l from both indexes. Callers must hold mu for
// writing.
func (lm *LockManager) evictLocked(l *Lock) {
	delete(lm.byToken, l.Token)
	if set, ok := lm.byPath[l.Path]; ok {
		delete(set, l.Token)
		if len(set) == 0 {
			delete(lm.byPath, l.Path)
		}
	}
}

func (lm *LockManager) sweep() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	now := time.Now()
	for _, l := range lm.byToken {
		if l.expired(now) {
			lm.evictLocked(l)
		}
	}
}

// Close stops the background sweep goroutine. It does not discard
// existing locks.
func (lm *LockManager) Close() error {
	close(lm.stop)
	<-lm.done
	return nil
}

func (lm *LockManager) clampDuration(d time.Duration) time.Duration {
	max := lm.maxDuration
	if max <= 0 {
		max = maxLockDuration
	}
	if d <= 0 || d > max {
		return max
	}
	if d < minLockDuration {
		return minLockDuration
	}
	return d
}

// locksForLocked returns every live lock whose scope overlaps path,
// evicting any it finds expired along the way. Callers must hold mu
// for writing, since eviction mutates state.
func (lm *LockManager) locksForLocked(path string, now time.Time) []*Lock {
	var found []*Lock
	for _, l := range lm.byToken {
		if l.expired(now) {
			lm.evictLocked(l)
			continue
		}
		if isWithin(path, l.Path, l.Depth == DepthInfinity) {
			found = append(found, l)
		}
	}
	return found
}

// lockForLocked returns one live lock overlapping path, if any,
// preferring an exclusive lock when both kinds are present. Used where
// only a single representative lock is needed (e.g. an error message).
func (lm *LockManager) lockForLocked(path string, now time.Time) *Lock {
	var shared *Lock
	for _, l := range lm.locksForLocked(path, now) {
		if l.Scope == ScopeExclusive {
			return l
		}
		if shared == nil {
			shared = l
		}
	}
	return shared
}

// reapExpiredLocked sweeps every expired lock out of both indexes.
// Called before any conflict check so lazy expiry (spec section 4.3)
// never lets a stale lock block a new one.
func (lm *LockManager) reapExpiredLocked(now time.Time) {
	for _, l := range lm.byToken {
		if l.expired(now) {
			lm.evictLocked(l)
		}
	}
}

// CanLock reports whether a new lock of the given scope rooted at path
// with the given depth would overlap an existing lock, per the overlap
// rule of spec section 4.3: a lock at L with depth dL overlaps an
// operation at P iff L == P, or dL is infinity and P is a descendant of
// L. Both directions are checked, since a new infinite-depth lock at a
// collection also conflicts with an existing lock somewhere beneath it.
// An exclusive request conflicts with any overlapping lock; a shared
// request conflicts only with an overlapping exclusive lock.
func (lm *LockManager) CanLock(path string, depth LockDepth, scope LockScope) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.canLockLocked(path, depth, scope)
}

func (lm *LockManager) canLockLocked(path string, depth LockDepth, scope LockScope) error {
	now := time.Now()
	lm.reapExpiredLocked(now)

	for _, l := range lm.byToken {
		overlaps := isWithin(path, l.Path, l.Depth == DepthInfinity) ||
			isWithin(l.Path, path, depth == DepthInfinity)
		if !overlaps {
			continue
		}
		if scope == ScopeExclusive || l.Scope == ScopeExclusive {
			return Locked(fmt.Errorf("%s conflicts with existing lock at %s", path, l.Path))
		}
	}
	return nil
}

// CreateLock issues a new lock rooted at path. Callers must have
// already verified CanLock; CreateLock re-checks under the same write
// lock to close the race between the two calls.
func (lm *LockManager) CreateLock(path, owner string, scope LockScope, depth LockDepth, duration time.Duration) (*Lock, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if err := lm.canLockLocked(path, depth, scope); err != nil {
		return nil, err
	}

	duration = lm.clampDuration(duration)
	l := &Lock{
		Token:    "opaquelocktoken:" + uuid.NewString(),
		Path:     path,
		Depth:    depth,
		Scope:    scope,
		Owner:    owner,
		Duration: duration,
		expires:  time.Now().Add(duration),
	}
	lm.insertLocked(l)
	return l, nil
}

// RefreshLock extends the lifetime of an existing lock, identified by
// token, for a path within its scope.
func (lm *LockManager) RefreshLock(token, path string, duration time.Duration) (*Lock, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	l, ok := lm.byToken[token]
	if !ok {
		return nil, NotFound(fmt.Errorf("unknown lock token %s", token))
	}
	now := time.Now()
	if l.expired(now) {
		lm.evictLocked(l)
		return nil, PreconditionFailed(fmt.Errorf("lock %s has expired", token))
	}
	if !isWithin(path, l.Path, l.Depth == DepthInfinity) {
		return nil, PreconditionFailed(fmt.Errorf("%s is outside the scope of lock %s", path, token))
	}
	l.Duration = lm.clampDuration(duration)
	l.expires = now.Add(l.Duration)
	return l, nil
}

// RemoveLock discards a lock by token (UNLOCK).
func (lm *LockManager) RemoveLock(token string) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	l, ok := lm.byToken[token]
	if !ok {
		return NotFound(fmt.Errorf("unknown lock token %s", token))
	}
	lm.evictLocked(l)
	return nil
}

// PurgeSubtree discards any lock rooted at subtree or anywhere beneath
// it, called when the engine deletes a resource so dangling lock tokens
// cannot outlive the resource they guard.
func (lm *LockManager) PurgeSubtree(subtree string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	for _, l := range lm.byToken {
		if isWithin(l.Path, subtree, true) {
			lm.evictLocked(l)
		}
	}
}

// MigrateSubtree rewrites the path of every lock rooted within
// from (including from itself) to the equivalent path under to, called
// when the engine moves a resource so its locks move with it rather
// than being silently dropped (spec section 4.3).
func (lm *LockManager) MigrateSubtree(from, to string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	var migrating []*Lock
	for _, l := range lm.byToken {
		if isWithin(l.Path, from, true) {
			migrating = append(migrating, l)
		}
	}
	for _, l := range migrating {
		newPath := to + l.Path[len(from):]
		lm.evictLocked(l)
		l.Path = newPath
		lm.insertLocked(l)
	}
}

// LocksWithinSubtree returns every live lock rooted at or under
// subtree (the same selection PurgeSubtree discards), for callers that
// need to verify every lock in a recursive DELETE/MOVE source has a
// matching token before the operation proceeds (spec section 4.1,
// DELETE: "absent tokens cause the whole DELETE to fail with 423").
func (lm *LockManager) LocksWithinSubtree(subtree string) []*Lock {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	now := time.Now()
	lm.reapExpiredLocked(now)
	var found []*Lock
	for _, l := range lm.byToken {
		if isWithin(l.Path, subtree, true) {
			found = append(found, l)
		}
	}
	return found
}

// HasValidToken reports whether token names a live, unexpired lock
// whose scope covers path. Used by the method engine to validate
// If-header / Lock-Token assertions before allowing a write.
func (lm *LockManager) HasValidToken(path, token string) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	l, ok := lm.byToken[token]
	if !ok {
		return false
	}
	if l.expired(time.Now()) {
		lm.evictLocked(l)
		return false
	}
	return isWithin(path, l.Path, l.Depth == DepthInfinity)
}

// LockForPath returns one live lock covering path, if any (an exclusive
// one when present), for checks where only a yes/no/representative
// answer is needed, such as the method engine's write-lock checks.
func (lm *LockManager) LockForPath(path string) *Lock {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.lockForLocked(path, time.Now())
}

// LocksForPath returns every live lock covering path, for a complete
// DAV:lockdiscovery listing (RFC 4918 allows several shared locks to
// cover the same resource at once).
func (lm *LockManager) LocksForPath(path string) []*Lock {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.locksForLocked(path, time.Now())
}

// streamMode distinguishes the two stream-lock acquisition modes: many
// concurrent readers, or one exclusive writer.
type streamMode int

const (
	streamRead streamMode = iota
	streamWrite
)

type streamLock struct {
	mode  streamMode
	count int
}

// streamLockTable serializes body I/O per path. It is an internal,
// non-RFC guard orthogonal to WebDAV locks: GET/HEAD readers may run
// concurrently against the same path, but a PUT/DELETE writer excludes
// every other reader or writer on that path (spec section
// 4.3, Stream locks). Callers that cannot acquire immediately get a
// Busy error so the engine can answer 503 with Retry-After rather than
// block the request goroutine indefinitely.
type streamLockTable struct {
	mu     sync.Mutex
	active map[string]*streamLock
}

func newStreamLockTable() *streamLockTable {
	return &streamLockTable{active: make(map[string]*streamLock)}
}

// TryAcquire attempts to take the stream lock for path in the given
// mode without blocking, returning a Busy error on contention.
func (t *streamLockTable) TryAcquire(path string, mode streamMode) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.active[path]
	if !ok {
		t.active[path] = &streamLock{mode: mode, count: 1}
		return func() { t.release(path) }, nil
	}
	if mode == streamRead && cur.mode == streamRead {
		cur.count++
		return func() { t.release(path) }, nil
	}
	return nil, Busy(fmt.Errorf("%s is busy with in-progress I/O", path))
}

func (t *streamLockTable) release(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.active[path]
	if !ok {
		return
	}
	cur.count--
	if cur.count <= 0 {
		delete(t.active, path)
	}
}
