// Package queue implements the persistent pending-write queue a table
// falls back to when its lock is held by another writer.
//
// Each pending write is one "<uuid>.pending" file under a table's queue/
// directory. The queue survives process crashes - it is ordinary files on
// disk - and is drained by whichever writer next holds the table lock.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/reedbase/reedbase/internal/fs"
)

// MaxSize is the maximum number of pending writes a queue holds at once.
// A 101st enqueue fails rather than blocks.
const MaxSize = 100

// ErrQueueFull is returned by [Queue.Enqueue] once the queue already holds
// MaxSize entries.
var ErrQueueFull = errors.New("queue full")

// Operation is the kind of mutation a [PendingWrite] carries.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Row is one field-ordered record, keyed by its first field.
type Row struct {
	Key    string   `json:"key"`
	Fields []string `json:"fields"`
}

// PendingWrite is a queued mutation waiting for lock availability.
type PendingWrite struct {
	UUID               string    `json:"uuid"`
	CreationInstant    int64     `json:"creation_instant"` // unix nanos
	Operation          Operation `json:"operation"`
	Rows               []Row     `json:"rows"`
	DeleteKeys         []string  `json:"delete_keys,omitempty"`
	SubmitterTimestamp uint64    `json:"submitter_timestamp"`
	User               string    `json:"user"`
	FrameID            string    `json:"frame_id,omitempty"`
}

// TouchedKeys returns the set of row keys this write affects, used by the
// row-level merger to detect conflicts with other in-flight writes.
func (p PendingWrite) TouchedKeys() map[string]bool {
	keys := make(map[string]bool, len(p.Rows)+len(p.DeleteKeys))

	for _, r := range p.Rows {
		keys[r.Key] = true
	}

	for _, k := range p.DeleteKeys {
		keys[k] = true
	}

	return keys
}

// Queue manages the queue/ directory for one table.
type Queue struct {
	dir  string
	fsys fs.FS
}

// Open returns a Queue rooted at dir ("<table>/queue").
func Open(fsys fs.FS, dir string) (*Queue, error) {
	if err := fsys.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("queue: creating dir: %w", err)
	}

	return &Queue{dir: dir, fsys: fsys}, nil
}

// Enqueue appends a new pending write and returns its uuid. Fails with
// [ErrQueueFull] once MaxSize entries are already queued, so the
// rejection is visible to the caller rather than blocking it.
func (q *Queue) Enqueue(op PendingWrite) (string, error) {
	entries, err := q.list()
	if err != nil {
		return "", err
	}

	if len(entries) >= MaxSize {
		return "", ErrQueueFull
	}

	id := op.UUID
	if id == "" {
		id = uuid.NewString()
	}

	op.UUID = id

	// The creation instant travels inside the payload because filesystem
	// creation time is not portably readable; mtime is only the fallback
	// for a payload that lacks the field.
	if op.CreationInstant == 0 {
		op.CreationInstant = time.Now().UnixNano()
	}

	data, err := json.Marshal(op)
	if err != nil {
		return "", fmt.Errorf("queue: marshaling pending write: %w", err)
	}

	path := filepath.Join(q.dir, id+".pending")
	if err := q.fsys.WriteFileAtomic(path, data, 0o644); err != nil {
		return "", fmt.Errorf("queue: writing pending write: %w", err)
	}

	return id, nil
}

// PeekNext returns the oldest pending write, by creation instant
// tie-broken by uuid, or ok=false if the queue is empty.
func (q *Queue) PeekNext() (PendingWrite, bool, error) {
	entries, err := q.list()
	if err != nil {
		return PendingWrite{}, false, err
	}

	if len(entries) == 0 {
		return PendingWrite{}, false, nil
	}

	return entries[0], true, nil
}

// All returns every pending write currently queued, FIFO ordered.
func (q *Queue) All() ([]PendingWrite, error) {
	return q.list()
}

// Remove deletes the pending write file for uuid. Removing an already
// absent uuid is not an error.
func (q *Queue) Remove(id string) error {
	path := filepath.Join(q.dir, id+".pending")

	exists, err := q.fsys.Exists(path)
	if err != nil {
		return fmt.Errorf("queue: stat pending write: %w", err)
	}

	if !exists {
		return nil
	}

	if err := q.fsys.Remove(path); err != nil {
		return fmt.Errorf("queue: removing pending write: %w", err)
	}

	return nil
}

// Len reports the number of pending writes currently queued.
func (q *Queue) Len() (int, error) {
	entries, err := q.list()
	if err != nil {
		return 0, err
	}

	return len(entries), nil
}

type queuedFile struct {
	write PendingWrite
	order int64
}

func (q *Queue) list() ([]PendingWrite, error) {
	dirEntries, err := q.fsys.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("queue: listing dir: %w", err)
	}

	files := make([]queuedFile, 0, len(dirEntries))

	for _, e := range dirEntries {
		if e.IsDir() {
			continue
		}

		const suffix = ".pending"
		if len(e.Name()) <= len(suffix) || e.Name()[len(e.Name())-len(suffix):] != suffix {
			continue
		}

		data, err := q.fsys.ReadFile(filepath.Join(q.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("queue: reading %s: %w", e.Name(), err)
		}

		var pw PendingWrite
		if err := json.Unmarshal(data, &pw); err != nil {
			return nil, fmt.Errorf("queue: decoding %s: %w", e.Name(), err)
		}

		order := pw.CreationInstant
		if order == 0 {
			info, err := e.Info()
			if err != nil {
				return nil, fmt.Errorf("queue: stat %s: %w", e.Name(), err)
			}

			order = info.ModTime().UnixNano()
		}

		files = append(files, queuedFile{write: pw, order: order})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].order != files[j].order {
			return files[i].order < files[j].order
		}

		return files[i].write.UUID < files[j].write.UUID
	})

	out := make([]PendingWrite, len(files))
	for i, f := range files {
		out[i] = f.write
	}

	return out, nil
}
