package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

var (
	// ErrWouldBlock is returned by TryLock when the lock is held by another
	// process.
	ErrWouldBlock = errors.New("lock would block")

	// ErrLockTimeout is returned by LockWithTimeout/RLockWithTimeout when the
	// context deadline or timeout elapses before the lock is acquired.
	ErrLockTimeout = errors.New("lock timeout")

	// errInodeMismatch is an internal sentinel indicating the lock file was
	// replaced between open and flock. Callers retry.
	errInodeMismatch = errors.New("inode mismatch")
)

// Locker provides file-based advisory locking using flock(2).
//
// flock locks an inode (the open file descriptor), not a pathname. Callers
// should lock a dedicated, stable lock file path (".lock") and never
// replace/unlink it while locks may be held.
//
// Locker has no internal mutable state beyond its dependencies and is safe
// for concurrent use as long as the underlying [FS] is.
type Locker struct {
	fs    FS
	flock func(fd int, how int) error
}

// NewLocker creates a Locker that uses the given filesystem for file operations.
func NewLocker(fs FS) *Locker {
	return &Locker{fs: fs, flock: syscall.Flock}
}

// Lock represents a held file lock. Call [Lock.Close] to release it.
type Lock struct {
	mu    sync.Mutex
	file  File
	flock func(fd int, how int) error
}

// Close releases the lock and closes the underlying file descriptor.
// Idempotent - later calls return nil.
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	fd := int(lk.file.Fd())

	unlockErr := flockRetryEINTR(lk.flock, fd, syscall.LOCK_UN)
	closeErr := lk.file.Close()
	lk.file = nil

	if unlockErr != nil {
		return fmt.Errorf("unlocking lock: %w", unlockErr)
	}

	if closeErr != nil {
		return fmt.Errorf("closing lock fd: %w", closeErr)
	}

	return nil
}

type lockType int

const (
	sharedLock    lockType = syscall.LOCK_SH
	exclusiveLock lockType = syscall.LOCK_EX
)

// LockWithTimeout attempts to acquire an exclusive lock, retrying with
// exponential backoff until ctx is done. Callers derive ctx with
// context.WithTimeout to get a caller-supplied timeout.
//
// Returns [ErrLockTimeout] (wrapping ctx.Err()) if ctx is done before the
// lock is acquired.
func (l *Locker) LockWithTimeout(ctx context.Context, path string) (*Lock, error) {
	return l.lockPolling(ctx, path, exclusiveLock, true)
}

// RLockWithTimeout attempts to acquire a shared lock with the same polling
// and timeout semantics as [Locker.LockWithTimeout].
func (l *Locker) RLockWithTimeout(ctx context.Context, path string) (*Lock, error) {
	return l.lockPolling(ctx, path, sharedLock, true)
}

// TryLock attempts to acquire an exclusive lock without blocking. Returns
// [ErrWouldBlock] immediately if the lock is held by another process. This
// backs [Locker.IsLocked] - a non-destructive probe that acquires then
// immediately releases.
func (l *Locker) TryLock(path string) (*Lock, error) {
	return l.lockPolling(context.Background(), path, exclusiveLock, false)
}

// IsLocked reports whether path is currently held by another holder. It
// never leaves the lock held on return.
func (l *Locker) IsLocked(path string) (bool, error) {
	lk, err := l.TryLock(path)
	if err == nil {
		return false, lk.Close()
	}

	if errors.Is(err, ErrWouldBlock) {
		return true, nil
	}

	return false, err
}

// lockPolling attempts to acquire a lock using non-blocking flock with
// retries, backing off from 1ms to 25ms between attempts.
//
//   - poll == false: try exactly once (TryLock behavior)
//   - poll == true: retry with backoff until ctx.Done()
func (l *Locker) lockPolling(ctx context.Context, path string, lt lockType, poll bool) (*Lock, error) {
	backoff := time.Millisecond
	openFlag := openFlagForLockType(lt)

	for {
		file, err := l.openLockFile(path, openFlag)
		if err != nil {
			return nil, fmt.Errorf("opening lockfile: %w", err)
		}

		err = l.acquire(file, path, lt, true)
		if err == nil {
			return &Lock{file: file, flock: l.flock}, nil
		}

		_ = file.Close()

		retryable := errors.Is(err, ErrWouldBlock) || errors.Is(err, errInodeMismatch)
		if !retryable {
			return nil, err
		}

		if !poll {
			if errors.Is(err, errInodeMismatch) {
				return nil, fmt.Errorf("%w: lock file was replaced while acquiring lock", ErrWouldBlock)
			}

			return nil, ErrWouldBlock
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrLockTimeout, ctx.Err())
		default:
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()

			return nil, fmt.Errorf("%w: %w", ErrLockTimeout, ctx.Err())
		case <-timer.C:
		}

		if backoff < 25*time.Millisecond {
			backoff *= 2
			if backoff > 25*time.Millisecond {
				backoff = 25 * time.Millisecond
			}
		}
	}
}

// acquire attempts to flock the given file and verify the inode still
// matches path (see [Locker.inodeMatchesPath]). On success, the file is
// locked and ready to use. On failure, the file is unlocked (if needed) but
// NOT closed - the caller must close it.
func (l *Locker) acquire(file File, path string, lt lockType, nonBlocking bool) error {
	fd := int(file.Fd())

	flags := int(lt)
	if nonBlocking {
		flags |= syscall.LOCK_NB
	}

	if err := flockRetryEINTR(l.flock, fd, flags); err != nil {
		if isWouldBlock(err) {
			return ErrWouldBlock
		}

		return err
	}

	match, err := l.inodeMatchesPath(path, file)
	if err != nil {
		_ = flockRetryEINTR(l.flock, fd, syscall.LOCK_UN)

		if errors.Is(err, os.ErrNotExist) {
			return errInodeMismatch
		}

		return fmt.Errorf("verifying inode match: %w", err)
	}

	if !match {
		_ = flockRetryEINTR(l.flock, fd, syscall.LOCK_UN)

		return errInodeMismatch
	}

	return nil
}

const (
	lockFilePerm = 0o600
	lockDirPerm  = 0o755
)

func (l *Locker) openLockFile(path string, flag int) (File, error) {
	f, err := l.fs.OpenFile(path, flag|os.O_CREATE, lockFilePerm)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	if err := l.fs.MkdirAll(filepath.Dir(path), lockDirPerm); err != nil {
		return nil, err
	}

	return l.fs.OpenFile(path, flag|os.O_CREATE, lockFilePerm)
}

// inodeMatchesPath verifies that f (the open file descriptor we're about to
// use as the lock) still refers to the file currently at path.
//
// flock locks by inode, not pathname. A pathname can be replaced while a
// caller is acquiring or waiting for the lock (rename, delete+recreate).
// Without this check, two holders could believe they both locked "the
// table's .lock file" while actually coordinating on different inodes.
func (l *Locker) inodeMatchesPath(path string, f File) (bool, error) {
	openInfo, err := f.Stat()
	if err != nil {
		return false, err
	}

	openSys, ok := openInfo.Sys().(*syscall.Stat_t)
	if !ok || openSys == nil {
		return false, fmt.Errorf("file.Stat Sys=%T, want *syscall.Stat_t", openInfo.Sys())
	}

	pathInfo, err := l.fs.Stat(path)
	if err != nil {
		return false, err
	}

	pathSys, ok := pathInfo.Sys().(*syscall.Stat_t)
	if !ok || pathSys == nil {
		return false, fmt.Errorf("fs.Stat Sys=%T, want *syscall.Stat_t", pathInfo.Sys())
	}

	return openSys.Dev == pathSys.Dev && openSys.Ino == pathSys.Ino, nil
}

func isWouldBlock(err error) bool {
	return errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN)
}

func openFlagForLockType(lt lockType) int {
	if lt == sharedLock {
		return os.O_RDONLY
	}

	return os.O_RDWR
}

// flockRetryEINTR wraps flock, retrying on EINTR (the syscall was
// interrupted by a signal and needs to be retried, not a real failure). Go's
// stdlib retries forever; we cap retries to avoid spinning under a
// pathological signal storm.
func flockRetryEINTR(flock func(fd int, how int) error, fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error

	for i := 0; i < maxEINTRRetries; i++ {
		err = flock(fd, how)
		if err == nil || !errors.Is(err, syscall.EINTR) {
			return err
		}
	}

	return err
}
