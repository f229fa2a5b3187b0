// Package table implements ReedBase's external contract: a file-backed,
// key-value table with Git-like version history, multi-writer
// concurrency, and an append-only audit log.
//
// A Table wires together every internal subsystem - [fs], [clock],
// [registry], [auditlog], [delta], [queue], [merge] - behind the small
// surface a collaborator (a query layer, a CLI, a schema validator)
// actually needs: Open/Close, read/insert/update/delete/rollback, and
// version introspection.
package table

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/reedbase/reedbase/internal/auditlog"
	"github.com/reedbase/reedbase/internal/delta"
	"github.com/reedbase/reedbase/internal/fs"
	"github.com/reedbase/reedbase/internal/queue"
	"github.com/reedbase/reedbase/internal/registry"
)

const (
	currentFileName = "current.csv"
	logFileName     = "version.log"
	lockFileName    = ".lock"
	versionsDirName = "versions"
	queueDirName    = "queue"
)

// VersionMeta describes one committed version, as recorded in the audit
// log: everything list_versions needs without walking the delta chain
// itself.
type VersionMeta struct {
	Timestamp   uint64
	BaseTS      uint64
	Action      string
	User        string
	Size        uint64
	RowCount    uint64
	ContentHash string
	FrameID     string
}

// Table is one open ReedBase table. Safe for concurrent use by multiple
// goroutines; cross-process coordination happens through the advisory
// lock on .lock.
type Table struct {
	cfg Config

	fsys   fs.FS
	atomic *fs.AtomicWriter
	locker *fs.Locker
	logger *zap.Logger

	reg   *registry.Registry
	log   *auditlog.Log
	chain *delta.Chain
	queue *queue.Queue

	lockPath string

	// mu serializes in-process mutators before any of them touches the
	// cross-process file lock, the same ordering agent-task's MDDB uses:
	// goroutines block early on the mutex rather than all piling onto
	// the kernel lock.
	mu sync.Mutex

	closed   atomic.Bool
	readOnly atomic.Bool
}

// Open opens (creating if absent) the table rooted at cfg.Dir, running
// recovery per the open-time ordering: validate and truncate the log,
// prune orphaned version files, then reconstruct current.csv if it is
// missing or inconsistent with the log's last entry.
func Open(cfg Config) (*Table, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if err := cfg.FS.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("table: creating dir: %w", err)
	}

	reg, err := registry.Load(cfg.FS, cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("table: loading registry: %w", err)
	}

	logPath := filepath.Join(cfg.Dir, logFileName)

	auditLog, err := auditlog.Open(cfg.FS, logPath)
	if err != nil {
		return nil, fmt.Errorf("table: opening log: %w", err)
	}

	chain, err := delta.Open(cfg.FS, filepath.Join(cfg.Dir, versionsDirName))
	if err != nil {
		return nil, fmt.Errorf("table: opening version chain: %w", err)
	}

	pendingQueue, err := queue.Open(cfg.FS, filepath.Join(cfg.Dir, queueDirName))
	if err != nil {
		return nil, fmt.Errorf("table: opening queue: %w", err)
	}

	t := &Table{
		cfg:      cfg,
		fsys:     cfg.FS,
		atomic:   fs.NewAtomicWriter(cfg.FS),
		locker:   fs.NewLocker(cfg.FS),
		logger:   cfg.Logger,
		reg:      reg,
		log:      auditLog,
		chain:    chain,
		queue:    pendingQueue,
		lockPath: filepath.Join(cfg.Dir, lockFileName),
	}

	if err := t.recover(); err != nil {
		return t, err
	}

	return t, nil
}

// Close releases in-memory resources. Idempotent; safe to call multiple
// times. Does not touch the on-disk lock file (locks are always scoped to
// a single mutating call, never held across Close).
func (t *Table) Close() error {
	if t == nil || t.closed.Load() {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed.Store(true)

	return nil
}

// ReadCurrent snapshots current.csv by opening then reading it, bypassing
// the table lock entirely (§4.4): because commits land via atomic rename,
// a concurrent reader observes either the pre- or post-commit file, never
// a torn one.
func (t *Table) ReadCurrent() ([]Row, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	data, err := t.fsys.ReadFile(t.currentPath())
	if err != nil {
		return nil, fmt.Errorf("%w: reading current.csv: %v", ErrIoError, err)
	}

	return DecodeSnapshot(data)
}

// ListVersions returns every committed version's metadata, in log order.
func (t *Table) ListVersions() ([]VersionMeta, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	entries, err := t.log.ReadAll(t.reg)
	if err != nil {
		return nil, err
	}

	out := make([]VersionMeta, 0, len(entries))
	for _, e := range entries {
		out = append(out, VersionMeta{
			Timestamp:   e.Timestamp,
			BaseTS:      e.BaseTS,
			Action:      e.Action,
			User:        e.User,
			Size:        e.Size,
			RowCount:    e.RowCount,
			ContentHash: e.ContentHash,
			FrameID:     e.FrameID,
		})
	}

	return out, nil
}

// Reconstruct rebuilds the table's rows as they stood at ts.
func (t *Table) Reconstruct(ts uint64) ([]Row, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	data, err := t.chain.Reconstruct(ts)
	if err != nil {
		return nil, err
	}

	return DecodeSnapshot(data)
}

// VerifyChain reconstructs every version named in the log and compares its
// hash against the log's recorded content_hash, surfacing
// [ErrChainVerificationFailed] on the first mismatch.
func (t *Table) VerifyChain() error {
	if t.closed.Load() {
		return ErrClosed
	}

	entries, err := t.log.ReadAll(t.reg)
	if err != nil {
		return err
	}

	hashes := make(map[uint64]string, len(entries))
	timestamps := make([]uint64, 0, len(entries))

	for _, e := range entries {
		hashes[e.Timestamp] = e.ContentHash
		timestamps = append(timestamps, e.Timestamp)
	}

	return t.chain.VerifyChain(timestamps, func(ts uint64) (string, bool) {
		h, ok := hashes[ts]

		return h, ok
	})
}

func (t *Table) currentPath() string {
	return filepath.Join(t.cfg.Dir, currentFileName)
}
