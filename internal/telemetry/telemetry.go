// Package telemetry wires structured logging for the storage engine.
//
// A long-lived engine embedded by another process needs to surface
// lock-wait events, log-truncation events, compaction decisions, and
// reindex/recovery outcomes somewhere other than an error return. Rather
// than a package-global logger, one *zap.Logger is injected per [Table]
// at Open, so concurrently opened tables can log to different sinks.
package telemetry

import "go.uber.org/zap"

// NewNop returns a logger that discards all output, used as the default
// when a caller does not supply one.
func NewNop() *zap.Logger {
	return zap.NewNop()
}

// Fields used across ReedBase's log lines, kept as constants so call sites
// spell them consistently.
const (
	FieldTable     = "table"
	FieldTimestamp = "timestamp"
	FieldBaseTS    = "base_ts"
	FieldAction    = "action"
	FieldUser      = "user"
	FieldFrameID   = "frame_id"
	FieldRowCount  = "row_count"
	FieldDiscarded = "discarded_entries"
	FieldUUID      = "uuid"
)
