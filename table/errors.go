package table

import (
	"errors"

	"github.com/reedbase/reedbase/internal/auditlog"
	"github.com/reedbase/reedbase/internal/delta"
	"github.com/reedbase/reedbase/internal/fs"
	"github.com/reedbase/reedbase/internal/merge"
	"github.com/reedbase/reedbase/internal/queue"
	"github.com/reedbase/reedbase/internal/registry"
)

// Sentinels re-exported from the internal packages that actually raise
// them, so callers only need to import this package to errors.Is/errors.As
// against any failure the engine can return.
var (
	ErrLockTimeout             = fs.ErrLockTimeout
	ErrQueueFull               = queue.ErrQueueFull
	ErrParseError              = auditlog.ErrParseLogEntry
	ErrCorruptedLogEntry       = auditlog.ErrCorruptedLogEntry
	ErrUnknownAction           = registry.ErrUnknownAction
	ErrUnknownActionCode       = registry.ErrUnknownActionCode
	ErrUnknownUserCode         = registry.ErrUnknownUserCode
	ErrVersionNotFound         = delta.ErrVersionNotFound
	ErrChainVerificationFailed = delta.ErrChainVerificationFailed
)

// ErrConflictRequiresManualResolution re-exports the merger's typed error
// so callers can errors.As against it without importing internal/merge.
type ErrConflictRequiresManualResolution = merge.ErrConflictRequiresManualResolution

var (
	// ErrIoError wraps a failure to stat or read current.csv. Other
	// read/write/rename/fsync failures are returned wrapped with the
	// context of the step that failed.
	ErrIoError = errors.New("io error")

	// ErrInvalidConfig is returned by Open when a Config fails validation.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrDuplicateKey is returned when a snapshot or mutation would leave
	// two rows sharing a key.
	ErrDuplicateKey = errors.New("duplicate row key")

	// ErrInvalidField is returned when a row field contains the column
	// separator or a newline.
	ErrInvalidField = errors.New("invalid field")

	// ErrClosed is returned by any operation on a Table after Close.
	ErrClosed = errors.New("table is closed")

	// ErrReadOnly is returned by mutating operations when open-time
	// recovery could not reconstruct current.csv from the version chain.
	// An operator must intervene before the table accepts writes again.
	ErrReadOnly = errors.New("table is read-only: current.csv could not be reconstructed")
)
