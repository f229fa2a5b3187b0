// Package merge implements the row-level merger: absorbing queued pending
// writes into a lock-holder's in-progress commit when their row sets are
// disjoint, and resolving collisions according to a configured strategy
// when they are not.
package merge

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/reedbase/reedbase/internal/queue"
)

// HolderTimestamp is the submitter timestamp an [Owner] is seeded with
// for the lock holder's own in-progress mutation. It is greater than any
// real submitter timestamp: the holder's mutation is always the newest
// write of its commit cycle, so it wins ties under every strategy except
// [FirstWriteWins].
const HolderTimestamp = ^uint64(0)

// Strategy names the policy used to resolve a row-key collision between
// two writes touching the same key.
type Strategy string

const (
	// LastWriteWins keeps the row with the newer submitter timestamp.
	LastWriteWins Strategy = "last-write-wins"

	// FirstWriteWins keeps the row with the older submitter timestamp.
	FirstWriteWins Strategy = "first-write-wins"

	// KeepBoth retains both rows; the later one's key is suffixed with
	// ".conflict.<ts>". Against the lock holder's own write, the queued row
	// is the one suffixed, so the holder keeps the canonical key.
	KeepBoth Strategy = "keep-both"

	// Manual aborts the merge and surfaces the offending keys rather than
	// guessing a resolution.
	Manual Strategy = "manual"
)

var errManual = errors.New("conflict requires manual resolution")

// ErrConflictRequiresManualResolution is returned when strategy is
// [Manual] and a collision is found. Keys lists the offending row keys.
type ErrConflictRequiresManualResolution struct {
	Keys []string
}

func (e *ErrConflictRequiresManualResolution) Error() string {
	return fmt.Sprintf("merge: conflict requires manual resolution: keys %v", e.Keys)
}

func (e *ErrConflictRequiresManualResolution) Unwrap() error { return errManual }

// Snapshot is the in-progress working state the merger mutates: an
// ordered map of row key to row fields, preserving insertion order so a
// reconstructed CSV is deterministic.
type Snapshot struct {
	keys []string
	rows map[string][]string
}

// NewSnapshot builds a Snapshot from ordered rows.
func NewSnapshot(rows []queue.Row) *Snapshot {
	s := &Snapshot{rows: make(map[string][]string, len(rows))}

	for _, r := range rows {
		s.Put(r.Key, r.Fields)
	}

	return s
}

// Put inserts or overwrites the row for key, preserving its original
// position if it already existed.
func (s *Snapshot) Put(key string, fields []string) {
	if _, ok := s.rows[key]; !ok {
		s.keys = append(s.keys, key)
	}

	s.rows[key] = fields
}

// Delete removes the row for key, if present.
func (s *Snapshot) Delete(key string) {
	if _, ok := s.rows[key]; !ok {
		return
	}

	delete(s.rows, key)

	for i, k := range s.keys {
		if k == key {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)

			break
		}
	}
}

// Has reports whether key currently has a row.
func (s *Snapshot) Has(key string) bool {
	_, ok := s.rows[key]

	return ok
}

// Get returns the fields for key, if present.
func (s *Snapshot) Get(key string) ([]string, bool) {
	fields, ok := s.rows[key]

	return fields, ok
}

// Rows returns the rows in their current order.
func (s *Snapshot) Rows() []queue.Row {
	out := make([]queue.Row, 0, len(s.keys))

	for _, k := range s.keys {
		out = append(out, queue.Row{Key: k, Fields: s.rows[k]})
	}

	return out
}

// Owner tracks, per row key, which write currently "owns" that key's
// value in the working snapshot - either the lock holder's own
// in-progress mutation, or a pending write already absorbed during this
// drain. Callers seed it with the in-progress mutation's own touched
// keys and submitter timestamp before calling [Drain].
type Owner struct {
	timestamps map[string]uint64
}

// NewOwner seeds an Owner with the in-progress mutation's touched keys,
// all attributed to submitterTS.
func NewOwner(touchedKeys map[string]bool, submitterTS uint64) *Owner {
	o := &Owner{timestamps: make(map[string]uint64, len(touchedKeys))}

	for k := range touchedKeys {
		o.timestamps[k] = submitterTS
	}

	return o
}

// TimestampOf returns the submitter timestamp currently owning key, if
// any write in this cycle has touched it.
func (o *Owner) TimestampOf(key string) (uint64, bool) {
	ts, ok := o.timestamps[key]

	return ts, ok
}

// Drain absorbs pending, in FIFO order, into snapshot. For each pending
// write, every row it touches that collides with a key already present
// in owner is resolved per strategy; rows touching untouched keys are
// always applied. Under [Manual], the first write with any collision
// aborts the whole drain and that write (and everything after it) is
// left queued.
func Drain(snapshot *Snapshot, owner *Owner, pending []queue.PendingWrite, strategy Strategy) (absorbed []queue.PendingWrite, err error) {
	for _, pw := range pending {
		if strategy == Manual {
			if colliding := collidingKeys(pw.TouchedKeys(), owner.timestamps); len(colliding) > 0 {
				return absorbed, &ErrConflictRequiresManualResolution{Keys: colliding}
			}
		}

		applyRows(snapshot, owner, pw, strategy)
		absorbed = append(absorbed, pw)
	}

	return absorbed, nil
}

func applyRows(snapshot *Snapshot, owner *Owner, pw queue.PendingWrite, strategy Strategy) {
	for _, r := range pw.Rows {
		resolveRow(snapshot, owner, r.Key, r.Fields, pw.SubmitterTimestamp, strategy)
	}

	for _, k := range pw.DeleteKeys {
		resolveDelete(snapshot, owner, k, pw.SubmitterTimestamp, strategy)
	}
}

func resolveRow(snapshot *Snapshot, owner *Owner, key string, fields []string, ts uint64, strategy Strategy) {
	ownerTS, collides := owner.timestamps[key]
	if !collides {
		snapshot.Put(key, fields)
		owner.timestamps[key] = ts

		return
	}

	switch strategy {
	case LastWriteWins:
		if ts >= ownerTS {
			snapshot.Put(key, fields)
			owner.timestamps[key] = ts
		}
	case FirstWriteWins:
		if ts < ownerTS {
			snapshot.Put(key, fields)
			owner.timestamps[key] = ts
		}
	case KeepBoth:
		if ownerTS == HolderTimestamp || ts >= ownerTS {
			// The incoming row is archived under a conflict key carrying
			// its submitter timestamp. Against the holder this means the
			// queued (earlier) row: the holder's value must land on the
			// canonical key when the caller's mutation applies after the
			// drain.
			snapshot.Put(key+".conflict."+strconv.FormatUint(ts, 10), fields)
		} else {
			// The existing row is actually the later one; relabel it and
			// let this older write take the canonical key.
			if existing, ok := snapshot.rows[key]; ok {
				snapshot.Put(key+".conflict."+strconv.FormatUint(ownerTS, 10), existing)
			}

			snapshot.Put(key, fields)
			owner.timestamps[key] = ts
		}
	default:
		// Manual collisions are caught before reaching here.
	}
}

func resolveDelete(snapshot *Snapshot, owner *Owner, key string, ts uint64, strategy Strategy) {
	ownerTS, collides := owner.timestamps[key]
	if !collides {
		snapshot.Delete(key)
		owner.timestamps[key] = ts

		return
	}

	switch strategy {
	case LastWriteWins:
		if ts >= ownerTS {
			snapshot.Delete(key)
			owner.timestamps[key] = ts
		}
	case FirstWriteWins:
		if ts < ownerTS {
			snapshot.Delete(key)
			owner.timestamps[key] = ts
		}
	case KeepBoth:
		// A delete has nothing to keep alongside; the newer action wins
		// outright rather than archiving a tombstone under a conflict key.
		if ts >= ownerTS {
			snapshot.Delete(key)
			owner.timestamps[key] = ts
		}
	default:
	}
}

func collidingKeys(touched map[string]bool, owned map[string]uint64) []string {
	var out []string

	for k := range touched {
		if _, ok := owned[k]; ok {
			out = append(out, k)
		}
	}

	return out
}
