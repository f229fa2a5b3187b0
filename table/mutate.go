package table

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/reedbase/reedbase/internal/auditlog"
	"github.com/reedbase/reedbase/internal/merge"
	"github.com/reedbase/reedbase/internal/queue"
	"github.com/reedbase/reedbase/internal/registry"
	"github.com/reedbase/reedbase/internal/telemetry"
)

// Operation is the kind of mutation a [SubmitOp] carries.
type Operation = queue.Operation

const (
	OpInsert = queue.OpInsert
	OpUpdate = queue.OpUpdate
	OpDelete = queue.OpDelete
)

// SubmitOp is a mutation submitted without waiting for the table lock. It
// is queued and absorbed by whichever writer next holds the lock - the
// by-design mechanism for fire-and-forget writers under contention.
type SubmitOp struct {
	Operation  Operation
	Rows       []Row
	DeleteKeys []string
	User       string
	FrameID    string

	// SubmitterTimestamp arbitrates conflicts against whatever mutation
	// later drains this write. Zero means "use the table clock now".
	SubmitterTimestamp uint64
}

// Submit enqueues op without acquiring the table lock, returning its
// queue id. Fails with [ErrQueueFull] once 100 writes are already queued.
func (t *Table) Submit(op SubmitOp) (string, error) {
	if t.closed.Load() {
		return "", ErrClosed
	}

	ts := op.SubmitterTimestamp
	if ts == 0 {
		ts = t.cfg.Clock.Now()
	}

	return t.queue.Enqueue(queue.PendingWrite{
		Operation:          op.Operation,
		Rows:               toQueueRows(op.Rows),
		DeleteKeys:         op.DeleteKeys,
		SubmitterTimestamp: ts,
		User:               op.User,
		FrameID:            op.FrameID,
	})
}

// Insert adds rows as new keys. Fails with [ErrDuplicateKey] if any key
// already exists once pending writes have been drained.
func (t *Table) Insert(rows []Row, user string, frameID string) (uint64, error) {
	touched := keySetOf(rows)

	return t.mutate(user, frameID, registry.ActionCreate,
		func([]Row) map[string]bool { return touched },
		func(snap *merge.Snapshot) error {
			for _, r := range rows {
				if snap.Has(r.Key) {
					return fmt.Errorf("%w: %q", ErrDuplicateKey, r.Key)
				}

				snap.Put(r.Key, r.Fields)
			}

			return nil
		},
	)
}

// Update overwrites rows by key, creating any key that doesn't yet exist.
func (t *Table) Update(rows []Row, user string, frameID string) (uint64, error) {
	touched := keySetOf(rows)

	return t.mutate(user, frameID, registry.ActionUpdate,
		func([]Row) map[string]bool { return touched },
		func(snap *merge.Snapshot) error {
			for _, r := range rows {
				snap.Put(r.Key, r.Fields)
			}

			return nil
		},
	)
}

// Delete removes rows by key. Deleting an absent key is not an error.
func (t *Table) Delete(keys []string, user string, frameID string) (uint64, error) {
	touched := make(map[string]bool, len(keys))
	for _, k := range keys {
		touched[k] = true
	}

	return t.mutate(user, frameID, registry.ActionDelete,
		func([]Row) map[string]bool { return touched },
		func(snap *merge.Snapshot) error {
			for _, k := range keys {
				snap.Delete(k)
			}

			return nil
		},
	)
}

// Rollback replaces the table's contents with the snapshot reconstructed
// at targetTS, staged through the same commit pipeline as a normal write
// with action "rollback". History is never deleted: every prior
// timestamp, including targetTS, remains reconstructable afterward.
func (t *Table) Rollback(targetTS uint64, user string) (uint64, error) {
	if t.closed.Load() {
		return 0, ErrClosed
	}

	targetBytes, err := t.chain.Reconstruct(targetTS)
	if err != nil {
		return 0, err
	}

	targetRows, err := DecodeSnapshot(targetBytes)
	if err != nil {
		return 0, err
	}

	return t.mutate(user, "", registry.ActionRollback,
		func(current []Row) map[string]bool {
			keys := make(map[string]bool, len(current)+len(targetRows))
			for _, r := range current {
				keys[r.Key] = true
			}

			for _, r := range targetRows {
				keys[r.Key] = true
			}

			return keys
		},
		func(snap *merge.Snapshot) error {
			// Supersede whatever the drain absorbed: a rollback replaces
			// the entire working snapshot with the target version.
			for _, r := range snap.Rows() {
				snap.Delete(r.Key)
			}

			for _, r := range targetRows {
				snap.Put(r.Key, r.Fields)
			}

			return nil
		},
	)
}

// mutate runs the table mutator's atomic read-modify-write pipeline
// (§4.4): acquire the lock, read current.csv, drain the pending queue, and
// apply the caller's own mutation.
//
// Every pending write absorbed during the drain is committed as its own
// version - with its own LogEntry carrying its original operation, user,
// and frame id - in FIFO order, before the caller's mutation commits as
// the final version of the cycle. A collision under the Manual strategy
// stops the drain immediately: the caller's mutation is not committed,
// pending writes absorbed before the collision stay committed, and the
// colliding write (and everything queued after it) is left in place.
//
// touchedKeysFn receives the freshly decoded current rows so callers whose
// touched-key set depends on on-disk state (Rollback) can compute it
// inside the locked section, after current.csv has actually been read.
func (t *Table) mutate(
	user, frameID string,
	action registry.Action,
	touchedKeysFn func(current []Row) map[string]bool,
	apply func(snap *merge.Snapshot) error,
) (uint64, error) {
	if t.closed.Load() {
		return 0, ErrClosed
	}

	if t.readOnly.Load() {
		return 0, ErrReadOnly
	}

	release, err := t.acquireTableLock()
	if err != nil {
		return 0, err
	}
	defer func() { _ = release() }()

	currentRows, err := t.readCurrentRowsLocked()
	if err != nil {
		return 0, err
	}

	snapshot := merge.NewSnapshot(toQueueRows(currentRows))

	// The caller's own mutation is the newest write of this cycle, so it
	// arbitrates against queued submitter timestamps as [merge.HolderTimestamp]
	// rather than consuming a version timestamp from the clock.
	touched := touchedKeysFn(currentRows)
	owner := merge.NewOwner(touched, merge.HolderTimestamp)

	pending, err := t.queue.All()
	if err != nil {
		return 0, err
	}

	for _, pw := range pending {
		absorbedOne, drainErr := merge.Drain(snapshot, owner, []queue.PendingWrite{pw}, t.cfg.ConflictStrategy)
		if drainErr != nil {
			return 0, drainErr
		}

		if len(absorbedOne) == 0 {
			continue
		}

		pwTS := t.cfg.Clock.Now()
		if err := t.commitSnapshotLocked(pwTS, snapshot, actionForOperation(pw.Operation), pw.User, pw.FrameID); err != nil {
			return 0, err
		}

		if err := t.queue.Remove(pw.UUID); err != nil {
			return 0, fmt.Errorf("table: removing drained pending write %s: %w", pw.UUID, err)
		}
	}

	// Keys the drain ceded to a queued write (possible only under
	// FirstWriteWins) keep that write's outcome; the caller's mutation
	// must not clobber them.
	ceded := make(map[string]cededRow)

	for k := range touched {
		if ownerTS, ok := owner.TimestampOf(k); ok && ownerTS != merge.HolderTimestamp {
			fields, present := snapshot.Get(k)
			ceded[k] = cededRow{fields: fields, present: present}
		}
	}

	if err := apply(snapshot); err != nil {
		return 0, err
	}

	for k, row := range ceded {
		if row.present {
			snapshot.Put(k, row.fields)
		} else {
			snapshot.Delete(k)
		}
	}

	ts := t.cfg.Clock.Now()
	if err := t.commitSnapshotLocked(ts, snapshot, action, user, frameID); err != nil {
		return 0, err
	}

	return ts, nil
}

func (t *Table) readCurrentRowsLocked() ([]Row, error) {
	exists, err := t.fsys.Exists(t.currentPath())
	if err != nil {
		return nil, fmt.Errorf("%w: stat current.csv: %v", ErrIoError, err)
	}

	if !exists {
		return nil, nil
	}

	data, err := t.fsys.ReadFile(t.currentPath())
	if err != nil {
		return nil, fmt.Errorf("%w: reading current.csv: %v", ErrIoError, err)
	}

	return DecodeSnapshot(data)
}

// commitSnapshotLocked serialises snapshot, records it as a new
// VersionEntry and LogEntry, then atomically renames current.csv into
// place. The caller must already hold the table lock. On success the log
// entry is durable before current.csv is rewritten, which is exactly what
// lets open-time recovery reconstruct current.csv from the delta chain if
// a crash lands between the two.
func (t *Table) commitSnapshotLocked(ts uint64, snapshot *merge.Snapshot, action registry.Action, user, frameID string) error {
	actionName, err := registry.ActionNameOf(action)
	if err != nil {
		return err
	}

	rows := fromQueueRows(snapshot.Rows())

	newBytes, err := EncodeSnapshot(rows)
	if err != nil {
		return err
	}

	meta, err := t.chain.CommitVersion(ts, newBytes)
	if err != nil {
		return fmt.Errorf("table: committing version: %w", err)
	}

	entry := auditlog.Entry{
		Timestamp:   ts,
		Action:      actionName,
		User:        user,
		BaseTS:      meta.BaseTS,
		Size:        meta.Size,
		RowCount:    uint64(len(rows)),
		ContentHash: meta.ContentHash,
		FrameID:     frameID,
	}

	if err := t.log.Append(t.reg, entry); err != nil {
		return fmt.Errorf("table: appending log entry: %w", err)
	}

	if err := t.atomic.WriteBytes(t.currentPath(), newBytes); err != nil {
		return fmt.Errorf("table: committing current.csv: %w", err)
	}

	t.logger.Info("commit",
		zap.Uint64(telemetry.FieldTimestamp, ts),
		zap.Uint64(telemetry.FieldBaseTS, meta.BaseTS),
		zap.String(telemetry.FieldAction, actionName),
		zap.String(telemetry.FieldUser, user),
		zap.Int(telemetry.FieldRowCount, len(rows)),
	)

	return nil
}

func actionForOperation(op queue.Operation) registry.Action {
	switch op {
	case queue.OpDelete:
		return registry.ActionDelete
	case queue.OpUpdate:
		return registry.ActionUpdate
	case queue.OpInsert:
		return registry.ActionCreate
	default:
		return registry.ActionUpdate
	}
}

// cededRow is the post-drain state of a row whose key a queued write won
// against the caller's mutation, restored after apply.
type cededRow struct {
	fields  []string
	present bool
}

func keySetOf(rows []Row) map[string]bool {
	keys := make(map[string]bool, len(rows))
	for _, r := range rows {
		keys[r.Key] = true
	}

	return keys
}
