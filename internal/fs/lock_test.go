package fs

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func Test_Locker_TryLock_Returns_ErrWouldBlock_When_Path_Is_Locked(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), ".lock")

	lock1, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock(%q): %v", path, err)
	}
	t.Cleanup(func() { _ = lock1.Close() })

	lock2, err := locker.TryLock(path)
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("TryLock(%q) while locked: err=%v, want %v", path, err, ErrWouldBlock)
	}

	if lock2 != nil {
		_ = lock2.Close()
		t.Fatalf("TryLock(%q) while locked: want lock=nil, got non-nil", path)
	}

	if err := lock1.Close(); err != nil {
		t.Fatalf("Close(): %v", err)
	}

	lock3, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock(%q) after release: %v", path, err)
	}

	if err := lock3.Close(); err != nil {
		t.Fatalf("Close(): %v", err)
	}
}

func Test_Locker_LockWithTimeout_Returns_ErrLockTimeout_When_Path_Is_Locked(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), ".lock")

	lock1, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock(%q): %v", path, err)
	}
	defer lock1.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()

	_, err = locker.LockWithTimeout(ctx, path)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("LockWithTimeout(%q): err=%v, want %v", path, err, ErrLockTimeout)
	}

	elapsed := time.Since(start)
	if elapsed < 40*time.Millisecond || elapsed > 500*time.Millisecond {
		t.Fatalf("LockWithTimeout(%q): elapsed=%s, want ~50ms +/- slack", path, elapsed)
	}
}

func Test_Locker_RLock_Allows_Multiple_Readers_And_Blocks_Writer(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), ".lock")

	ctx := context.Background()

	r1, err := locker.RLockWithTimeout(ctx, path)
	if err != nil {
		t.Fatalf("RLockWithTimeout #1: %v", err)
	}
	defer r1.Close()

	r2, err := locker.RLockWithTimeout(ctx, path)
	if err != nil {
		t.Fatalf("RLockWithTimeout #2: %v", err)
	}
	defer r2.Close()

	tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	_, err = locker.LockWithTimeout(tctx, path)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("LockWithTimeout while shared-locked: err=%v, want %v", err, ErrLockTimeout)
	}
}

func Test_Locker_IsLocked_Does_Not_Leave_Lock_Held(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), ".lock")

	locked, err := locker.IsLocked(path)
	if err != nil {
		t.Fatalf("IsLocked: %v", err)
	}

	if locked {
		t.Fatalf("IsLocked: got true, want false before anyone holds the lock")
	}

	// Probe must not hold on to the lock - a real acquire must succeed right after.
	lk, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock after IsLocked probe: %v", err)
	}
	defer lk.Close()

	locked, err = locker.IsLocked(path)
	if err != nil {
		t.Fatalf("IsLocked while held: %v", err)
	}

	if !locked {
		t.Fatalf("IsLocked: got false, want true while another holder has it")
	}
}

func Test_Locker_Close_Is_Idempotent(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), ".lock")

	lk, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}

	if err := lk.Close(); err != nil {
		t.Fatalf("Close #1: %v", err)
	}

	if err := lk.Close(); err != nil {
		t.Fatalf("Close #2: %v", err)
	}
}
