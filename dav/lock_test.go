// This Source Code Form is subject to the terms of the Mozilla Public License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.
// Copyright 2024 WJQSERVER. All rights reserved.
// All rights reserved by WJQSERVER, related rights can be exercised by the infinite-iroha organization.
package dav

import (
	"testing"
	"time"
)

func TestCreateLockAndCanLock(t *testing.T) {
	lm := NewLockManager()
	defer lm.Close()

	l, err := lm.CreateLock("/a", "owner1", ScopeExclusive, DepthInfinity, time.Minute)
	if err != nil {
		t.Fatalf("CreateLock: %v", err)
	}
	if l.Token == "" {
		t.Fatal("expected non-empty token")
	}

	if err := lm.CanLock("/a", DepthZero, ScopeExclusive); err == nil {
		t.Fatal("expected CanLock to reject an already-locked path")
	}
	if err := lm.CanLock("/a/b", DepthZero, ScopeExclusive); err == nil {
		t.Fatal("expected CanLock to reject a descendant of an infinite-depth lock")
	}
	if err := lm.CanLock("/other", DepthZero, ScopeExclusive); err != nil {
		t.Fatalf("expected unrelated path to be lockable: %v", err)
	}
}

func TestCanLockDepthZeroDoesNotCoverChildren(t *testing.T) {
	lm := NewLockManager()
	defer lm.Close()

	if _, err := lm.CreateLock("/a", "owner1", ScopeExclusive, DepthZero, time.Minute); err != nil {
		t.Fatalf("CreateLock: %v", err)
	}
	if err := lm.CanLock("/a/b", DepthZero, ScopeExclusive); err != nil {
		t.Fatalf("expected depth-zero lock not to cover children: %v", err)
	}
}

func TestCanLockRejectsNewLockCoveringExisting(t *testing.T) {
	lm := NewLockManager()
	defer lm.Close()

	if _, err := lm.CreateLock("/a/b", "owner1", ScopeExclusive, DepthZero, time.Minute); err != nil {
		t.Fatalf("CreateLock: %v", err)
	}
	if err := lm.CanLock("/a", DepthInfinity, ScopeExclusive); err == nil {
		t.Fatal("expected an infinite-depth lock at a parent to conflict with an existing child lock")
	}
}

func TestRefreshLock(t *testing.T) {
	lm := NewLockManager()
	defer lm.Close()

	l, err := lm.CreateLock("/a", "owner1", ScopeExclusive, DepthZero, time.Minute)
	if err != nil {
		t.Fatalf("CreateLock: %v", err)
	}

	refreshed, err := lm.RefreshLock(l.Token, "/a", 2*time.Minute)
	if err != nil {
		t.Fatalf("RefreshLock: %v", err)
	}
	if refreshed.Token != l.Token {
		t.Fatal("refresh should return the same lock")
	}

	if _, err := lm.RefreshLock("opaquelocktoken:unknown", "/a", time.Minute); err == nil {
		t.Fatal("expected error for unknown token")
	}
	if _, err := lm.RefreshLock(l.Token, "/unrelated", time.Minute); err == nil {
		t.Fatal("expected error refreshing a lock against an out-of-scope path")
	}
}

func TestRemoveLock(t *testing.T) {
	lm := NewLockManager()
	defer lm.Close()

	l, err := lm.CreateLock("/a", "owner1", ScopeExclusive, DepthZero, time.Minute)
	if err != nil {
		t.Fatalf("CreateLock: %v", err)
	}
	if err := lm.RemoveLock(l.Token); err != nil {
		t.Fatalf("RemoveLock: %v", err)
	}
	if err := lm.CanLock("/a", DepthZero, ScopeExclusive); err != nil {
		t.Fatalf("expected path to be free after unlock: %v", err)
	}
	if err := lm.RemoveLock(l.Token); err == nil {
		t.Fatal("expected error removing an already-removed token")
	}
}

func TestLazyExpiry(t *testing.T) {
	lm := NewLockManager()
	defer lm.Close()

	l, err := lm.CreateLock("/a", "owner1", ScopeExclusive, DepthZero, minLockDuration)
	if err != nil {
		t.Fatalf("CreateLock: %v", err)
	}
	l.expires = time.Now().Add(-time.Second)

	if lm.HasValidToken("/a", l.Token) {
		t.Fatal("expired lock must not validate")
	}
	if err := lm.CanLock("/a", DepthZero, ScopeExclusive); err != nil {
		t.Fatalf("expired lock must be evicted lazily, leaving the path free: %v", err)
	}
}

func TestMigrateSubtree(t *testing.T) {
	lm := NewLockManager()
	defer lm.Close()

	l, err := lm.CreateLock("/a/b", "owner1", ScopeExclusive, DepthInfinity, time.Minute)
	if err != nil {
		t.Fatalf("CreateLock: %v", err)
	}
	lm.MigrateSubtree("/a/b", "/c/d")

	if lm.HasValidToken("/a/b", l.Token) {
		t.Fatal("token should no longer validate at the old path")
	}
	if !lm.HasValidToken("/c/d", l.Token) {
		t.Fatal("token should validate at the migrated path")
	}
}

func TestPurgeSubtree(t *testing.T) {
	lm := NewLockManager()
	defer lm.Close()

	l, err := lm.CreateLock("/a/b", "owner1", ScopeExclusive, DepthZero, time.Minute)
	if err != nil {
		t.Fatalf("CreateLock: %v", err)
	}
	lm.PurgeSubtree("/a")

	if lm.HasValidToken("/a/b", l.Token) {
		t.Fatal("expected lock to be purged along with its subtree")
	}
}

func TestHasValidTokenScope(t *testing.T) {
	lm := NewLockManager()
	defer lm.Close()

	l, err := lm.CreateLock("/a", "owner1", ScopeExclusive, DepthInfinity, time.Minute)
	if err != nil {
		t.Fatalf("CreateLock: %v", err)
	}
	if !lm.HasValidToken("/a/b/c", l.Token) {
		t.Fatal("infinite-depth lock should validate for any descendant")
	}
	if lm.HasValidToken("/other", l.Token) {
		t.Fatal("token should not validate outside its scope")
	}
}

func TestSharedLocksCanCoexist(t *testing.T) {
	lm := NewLockManager()
	defer lm.Close()

	l1, err := lm.CreateLock("/a", "owner1", ScopeShared, DepthZero, time.Minute)
	if err != nil {
		t.Fatalf("first shared CreateLock: %v", err)
	}
	l2, err := lm.CreateLock("/a", "owner2", ScopeShared, DepthZero, time.Minute)
	if err != nil {
		t.Fatalf("second shared CreateLock: %v", err)
	}
	if l1.Token == l2.Token {
		t.Fatal("expected distinct tokens for two shared locks on the same path")
	}

	locks := lm.LocksForPath("/a")
	if len(locks) != 2 {
		t.Fatalf("expected both shared locks to be reported, got %d", len(locks))
	}

	if err := lm.RemoveLock(l1.Token); err != nil {
		t.Fatalf("RemoveLock l1: %v", err)
	}
	if !lm.HasValidToken("/a", l2.Token) {
		t.Fatal("removing one shared lock must not disturb the other")
	}
}

func TestSharedLockRejectsExclusiveOverlap(t *testing.T) {
	lm := NewLockManager()
	defer lm.Close()

	if _, err := lm.CreateLock("/a", "owner1", ScopeShared, DepthZero, time.Minute); err != nil {
		t.Fatalf("CreateLock: %v", err)
	}
	if err := lm.CanLock("/a", DepthZero, ScopeShared); err != nil {
		t.Fatalf("a second shared lock must be allowed to overlap: %v", err)
	}
	if err := lm.CanLock("/a", DepthZero, ScopeExclusive); err == nil {
		t.Fatal("expected an exclusive request to be rejected while a shared lock is held")
	}
}

func TestExclusiveLockRejectsSharedOverlap(t *testing.T) {
	lm := NewLockManager()
	defer lm.Close()

	if _, err := lm.CreateLock("/a", "owner1", ScopeExclusive, DepthZero, time.Minute); err != nil {
		t.Fatalf("CreateLock: %v", err)
	}
	if err := lm.CanLock("/a", DepthZero, ScopeShared); err == nil {
		t.Fatal("expected a shared request to be rejected while an exclusive lock is held")
	}
}

func TestStreamLockTableConcurrentReaders(t *testing.T) {
	st := newStreamLockTable()

	release1, err := st.TryAcquire("/a", streamRead)
	if err != nil {
		t.Fatalf("first reader: %v", err)
	}
	release2, err := st.TryAcquire("/a", streamRead)
	if err != nil {
		t.Fatalf("second concurrent reader should be allowed: %v", err)
	}
	release1()
	release2()

	if _, ok := st.active["/a"]; ok {
		t.Fatal("expected the path entry to be cleared once all readers release")
	}
}

func TestStreamLockTableWriterExcludesAll(t *testing.T) {
	st := newStreamLockTable()

	release, err := st.TryAcquire("/a", streamWrite)
	if err != nil {
		t.Fatalf("writer acquire: %v", err)
	}

	if _, err := st.TryAcquire("/a", streamRead); err == nil {
		t.Fatal("expected a reader to be rejected while a writer holds the path")
	}
	if _, err := st.TryAcquire("/a", streamWrite); err == nil {
		t.Fatal("expected a second writer to be rejected")
	}

	release()

	release2, err := st.TryAcquire("/a", streamWrite)
	if err != nil {
		t.Fatalf("expected the path to be free after release: %v", err)
	}
	release2()
}

func TestClampDuration(t *testing.T) {
	lm := NewLockManager()
	defer lm.Close()
	if got := lm.clampDuration(0); got != maxLockDuration {
		t.Errorf("clampDuration(0) = %v, want %v", got, maxLockDuration)
	}
	if got := lm.clampDuration(time.Second); got != minLockDuration {
		t.Errorf("clampDuration(1s) = %v, want %v", got, minLockDuration)
	}
	if got := lm.clampDuration(time.Hour); got != maxLockDuration {
		t.Errorf("clampDuration(1h) = %v, want %v", got, maxLockDuration)
	}
	if got := lm.clampDuration(30 * time.Second); got != 30*time.Second {
		t.Errorf("clampDuration(30s) = %v, want 30s", got)
	}
}

func TestSetMaxDurationAppliesToNewLocks(t *testing.T) {
	lm := NewLockManager()
	defer lm.Close()
	lm.SetMaxDuration(10 * time.Minute)
	if got := lm.MaxDuration(); got != 10*time.Minute {
		t.Fatalf("MaxDuration() = %v, want 10m", got)
	}
	l, err := lm.CreateLock("/a", "alice", ScopeExclusive, DepthZero, time.Hour)
	if err != nil {
		t.Fatalf("CreateLock: %v", err)
	}
	if l.Duration != 10*time.Minute {
		t.Fatalf("expected the new ceiling to clamp the lock duration, got %v", l.Duration)
	}
}
