package table

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/reedbase/reedbase/internal/delta"
	"github.com/reedbase/reedbase/internal/telemetry"
)

// recover runs the open-time recovery ordering (§7): first make the log
// itself trustworthy, then drop version files the log no longer
// references, then make sure current.csv agrees with what the log says
// was last committed.
func (t *Table) recover() error {
	report, err := t.log.ValidateAndTruncate(t.reg)
	if err != nil {
		return fmt.Errorf("table: validating log: %w", err)
	}

	if report.Discarded > 0 {
		t.logger.Warn("discarded corrupted log tail",
			zap.Int(telemetry.FieldDiscarded, report.Discarded),
			zap.Int("valid_entries", report.ValidEntries),
		)
	}

	entries, err := t.log.ReadAll(t.reg)
	if err != nil {
		return fmt.Errorf("table: reading log: %w", err)
	}

	keep := make(map[uint64]bool, 2*len(entries))

	for _, e := range entries {
		keep[e.Timestamp] = true
		keep[e.BaseTS] = true
		t.cfg.Clock.Observe(e.Timestamp)
	}

	if err := t.chain.PruneOrphans(keep); err != nil {
		return fmt.Errorf("table: pruning orphan versions: %w", err)
	}

	if len(entries) == 0 {
		return nil
	}

	last := entries[len(entries)-1]

	exists, err := t.fsys.Exists(t.currentPath())
	if err != nil {
		return fmt.Errorf("table: stat current.csv: %w", err)
	}

	if exists {
		current, err := t.fsys.ReadFile(t.currentPath())
		if err == nil && delta.ContentHash(current) == last.ContentHash {
			return nil
		}
	}

	t.logger.Warn("current.csv missing or inconsistent with log, reconstructing from version chain",
		zap.Uint64(telemetry.FieldTimestamp, last.Timestamp),
	)

	rebuilt, err := t.chain.Reconstruct(last.Timestamp)
	if err != nil {
		t.readOnly.Store(true)

		return fmt.Errorf("%w: %v", ErrReadOnly, err)
	}

	if delta.ContentHash(rebuilt) != last.ContentHash {
		t.readOnly.Store(true)

		return fmt.Errorf("%w: %v", ErrReadOnly, ErrChainVerificationFailed)
	}

	if err := t.atomic.WriteBytes(t.currentPath(), rebuilt); err != nil {
		t.readOnly.Store(true)

		return fmt.Errorf("%w: writing reconstructed current.csv: %v", ErrReadOnly, err)
	}

	return nil
}
