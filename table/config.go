package table

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/reedbase/reedbase/internal/clock"
	"github.com/reedbase/reedbase/internal/fs"
	"github.com/reedbase/reedbase/internal/merge"
	"github.com/reedbase/reedbase/internal/telemetry"
)

// Strategy resolves row-key collisions between the lock-holder's
// in-progress write and drained pending writes. Aliased so callers can
// name it without importing the engine's internals.
type Strategy = merge.Strategy

const (
	LastWriteWins  = merge.LastWriteWins
	FirstWriteWins = merge.FirstWriteWins
	KeepBoth       = merge.KeepBoth
	Manual         = merge.Manual
)

// Clock issues the strictly increasing timestamps recorded in
// VersionEntries and LogEntries.
type Clock = clock.Source

// FS is the filesystem abstraction every subsystem reaches disk through.
type FS = fs.FS

// Config configures a [Table]. Dir is the only required field; everything
// else has a sensible default applied by [Open].
type Config struct {
	// Dir is the table's root directory. Created if it doesn't exist.
	// Required.
	Dir string

	// LockTimeout bounds how long a mutating call waits for the table
	// lock before returning [ErrLockTimeout]. Default: 10s.
	LockTimeout time.Duration

	// ConflictStrategy resolves row-key collisions between the
	// lock-holder's in-progress write and drained pending writes.
	// Default: [LastWriteWins].
	ConflictStrategy Strategy

	// Logger receives structured diagnostics (lock timeouts, log
	// truncation, commits, current.csv reconstruction on open). Default:
	// a no-op logger.
	Logger *zap.Logger

	// Clock issues the strictly increasing timestamps recorded in
	// VersionEntries and LogEntries. Default: a real wall-clock
	// [clock.Monotonic]. Tests inject a deterministic clock here.
	Clock Clock

	// FS is the filesystem every subsystem reaches disk through.
	// Default: [fs.Real]. Tests inject [fs.Chaos] to drive crash-recovery
	// scenarios.
	FS FS
}

// DefaultConfig returns a Config for dir with every optional field set to
// its default.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:              dir,
		LockTimeout:      10 * time.Second,
		ConflictStrategy: LastWriteWins,
		Logger:           telemetry.NewNop(),
		Clock:            clock.New(),
		FS:               fs.NewReal(),
	}
}

// validate fills in defaults for unset optional fields and rejects an
// empty Dir or an unrecognized ConflictStrategy.
func (c *Config) validate() error {
	if c.Dir == "" {
		return fmt.Errorf("%w: Dir is required", ErrInvalidConfig)
	}

	if c.LockTimeout <= 0 {
		c.LockTimeout = 10 * time.Second
	}

	switch c.ConflictStrategy {
	case LastWriteWins, FirstWriteWins, KeepBoth, Manual:
	case "":
		c.ConflictStrategy = LastWriteWins
	default:
		return fmt.Errorf("%w: unknown conflict strategy %q", ErrInvalidConfig, c.ConflictStrategy)
	}

	if c.Logger == nil {
		c.Logger = telemetry.NewNop()
	}

	if c.Clock == nil {
		c.Clock = clock.New()
	}

	if c.FS == nil {
		c.FS = fs.NewReal()
	}

	return nil
}
