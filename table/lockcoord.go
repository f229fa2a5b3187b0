package table

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/reedbase/reedbase/internal/queue"
	"github.com/reedbase/reedbase/internal/telemetry"
)

// acquireTableLock blocks the caller's own goroutine on t.mu first (so
// concurrent in-process writers queue on cheap Go scheduling rather than
// all polling the kernel lock), then takes the cross-process advisory
// lock on .lock with the configured timeout. The returned release
// function must be called exactly once.
func (t *Table) acquireTableLock() (release func() error, err error) {
	t.mu.Lock()

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.LockTimeout)

	lk, err := t.locker.LockWithTimeout(ctx, t.lockPath)
	if err != nil {
		cancel()
		t.mu.Unlock()

		if errors.Is(err, ErrLockTimeout) {
			t.logger.Warn("table lock timed out", zap.String(telemetry.FieldTable, t.cfg.Dir))
		}

		return nil, fmt.Errorf("table: %w", err)
	}

	return func() error {
		cancel()

		closeErr := lk.Close()
		t.mu.Unlock()

		if closeErr != nil {
			return fmt.Errorf("table: releasing lock: %w", closeErr)
		}

		return nil
	}, nil
}

// IsLocked probes the table lock without acquiring it for a caller, useful
// for diagnostics and tests. Never leaves the lock held.
func (t *Table) IsLocked() (bool, error) {
	return t.locker.IsLocked(t.lockPath)
}

func toQueueRows(rows []Row) []queue.Row {
	out := make([]queue.Row, len(rows))
	for i, r := range rows {
		out[i] = queue.Row{Key: r.Key, Fields: r.Fields}
	}

	return out
}

func fromQueueRows(rows []queue.Row) []Row {
	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = Row{Key: r.Key, Fields: r.Fields}
	}

	return out
}
