package fs

import (
	"io"
	"io/fs"
	"math/rand"
	"os"
	"sync"
	"syscall"
)

// ChaosConfig controls fault injection probabilities. Each rate is a
// float64 from 0.0 (never) to 1.0 (always). The zero value disables all
// fault injection.
type ChaosConfig struct {
	// WriteFailRate controls how often File.Write fails entirely, writing
	// zero bytes and returning EIO.
	WriteFailRate float64

	// PartialWriteRate controls how often File.Write writes only a prefix of
	// the requested bytes before returning io.ErrShortWrite, simulating a
	// crash mid-write - the scenario behind truncated-delta and
	// corrupted-log-trailer recovery tests.
	PartialWriteRate float64

	// SyncFailRate controls how often File.Sync fails, returning EIO.
	SyncFailRate float64

	// RenameFailRate controls how often FS.Rename fails, returning EIO. Used
	// to verify a failed commit leaves the previous snapshot untouched.
	RenameFailRate float64
}

// Chaos wraps an [FS] and randomly injects failures according to its
// [ChaosConfig], for exercising ReedBase's crash-recovery paths under
// controlled, reproducible faults.
type Chaos struct {
	fs   FS
	cfg  ChaosConfig
	rng  *rand.Rand
	mu   sync.Mutex
	seed int64
}

// NewChaos wraps fs with fault injection seeded for reproducibility.
func NewChaos(fs FS, cfg ChaosConfig, seed int64) *Chaos {
	return &Chaos{fs: fs, cfg: cfg, rng: rand.New(rand.NewSource(seed)), seed: seed} //nolint:gosec // test determinism, not security
}

// Seed returns the seed this Chaos instance was constructed with, so a
// failing test can be reproduced.
func (c *Chaos) Seed() int64 { return c.seed }

func (c *Chaos) roll(rate float64) bool {
	if rate <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rng.Float64() < rate
}

func (c *Chaos) Open(path string) (File, error) {
	f, err := c.fs.Open(path)
	if err != nil {
		return nil, err
	}

	return &chaosFile{File: f, c: c}, nil
}

func (c *Chaos) Create(path string) (File, error) {
	f, err := c.fs.Create(path)
	if err != nil {
		return nil, err
	}

	return &chaosFile{File: f, c: c}, nil
}

func (c *Chaos) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	f, err := c.fs.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &chaosFile{File: f, c: c}, nil
}

func (c *Chaos) ReadFile(path string) ([]byte, error) { return c.fs.ReadFile(path) }

func (c *Chaos) WriteFile(path string, data []byte, perm os.FileMode) error {
	return c.fs.WriteFile(path, data, perm)
}

func (c *Chaos) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	// An atomic write commits via rename, so it shares the rename fault.
	if c.roll(c.cfg.RenameFailRate) {
		return &os.LinkError{Op: "rename", Old: path, New: path, Err: syscall.EIO}
	}

	return c.fs.WriteFileAtomic(path, data, perm)
}

func (c *Chaos) ReadDir(path string) ([]os.DirEntry, error) { return c.fs.ReadDir(path) }

func (c *Chaos) MkdirAll(path string, perm os.FileMode) error { return c.fs.MkdirAll(path, perm) }

func (c *Chaos) Stat(path string) (os.FileInfo, error) { return c.fs.Stat(path) }

func (c *Chaos) Exists(path string) (bool, error) { return c.fs.Exists(path) }

func (c *Chaos) Remove(path string) error { return c.fs.Remove(path) }

func (c *Chaos) RemoveAll(path string) error { return c.fs.RemoveAll(path) }

func (c *Chaos) Rename(oldpath, newpath string) error {
	if c.roll(c.cfg.RenameFailRate) {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: syscall.EIO}
	}

	return c.fs.Rename(oldpath, newpath)
}

// chaosFile wraps a [File], injecting write/sync faults.
type chaosFile struct {
	File
	c *Chaos
}

func (f *chaosFile) Write(p []byte) (int, error) {
	if f.c.roll(f.c.cfg.WriteFailRate) {
		return 0, &fs.PathError{Op: "write", Err: syscall.EIO}
	}

	if f.c.roll(f.c.cfg.PartialWriteRate) && len(p) > 1 {
		n := 1 + f.c.rngIntn(len(p)-1)

		written, err := f.File.Write(p[:n])
		if err != nil {
			return written, err
		}

		return written, io.ErrShortWrite
	}

	return f.File.Write(p)
}

func (f *chaosFile) Sync() error {
	if f.c.roll(f.c.cfg.SyncFailRate) {
		return &fs.PathError{Op: "sync", Err: syscall.EIO}
	}

	return f.File.Sync()
}

func (c *Chaos) rngIntn(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rng.Intn(n)
}

// Compile-time interface check.
var _ FS = (*Chaos)(nil)
