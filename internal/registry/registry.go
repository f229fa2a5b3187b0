// Package registry implements the bijective action/user dictionaries that
// compress audit-log entries.
//
// Registry is ReedBase's scoped singleton: a single object, built by
// [Load], with its own mutex and its own injected path, so tests can run
// isolated instances instead of relying on scattered package-global
// caches. Dictionaries are cached in memory after [Load]; the users
// dictionary is re-read from disk on an explicit [Registry.Reload] and
// whenever a lookup misses and a new user has to be created.
package registry

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/reedbase/reedbase/internal/fs"
)

var (
	// ErrUnknownAction is returned when encoding a LogEntry names an action
	// not present in the fixed actions table.
	ErrUnknownAction = errors.New("unknown action")

	// ErrUnknownActionCode is returned when decoding a LogEntry references an
	// action code outside the fixed actions table.
	ErrUnknownActionCode = errors.New("unknown action code")

	// ErrUnknownUserCode is returned when decoding a LogEntry references a
	// user code absent from users.dict - the registry is out of sync with
	// the log and requires a rebuild.
	ErrUnknownUserCode = errors.New("unknown user code")
)

// Action is one of the fixed, init-time actions recorded in a LogEntry.
type Action uint8

// Fixed action codes. This table never changes at runtime.
const (
	ActionDelete Action = iota
	ActionCreate
	ActionUpdate
	ActionRollback
	ActionCompact
	ActionInit
)

var fixedActionNames = map[Action]string{
	ActionDelete:   "delete",
	ActionCreate:   "create",
	ActionUpdate:   "update",
	ActionRollback: "rollback",
	ActionCompact:  "compact",
	ActionInit:     "init",
}

var fixedActionCodes = func() map[string]Action {
	m := make(map[string]Action, len(fixedActionNames))
	for code, name := range fixedActionNames {
		m[name] = code
	}

	return m
}()

const (
	actionsFileName = "actions.dict"
	usersFileName   = "users.dict"
	usersLockName   = "users.dict.lock"
)

// Registry provides bijective (name <-> code) lookups for the actions and
// users dictionaries. Safe for concurrent use; the users dictionary is
// append-only and never rewrites an existing code.
type Registry struct {
	dir    string
	fsys   fs.FS
	locker *fs.Locker

	mu         sync.RWMutex
	userByName map[string]uint32
	nameByUser map[uint32]string
	nextUser   uint32
}

// Load loads (or initializes) the registry rooted at dir/.registry. The
// actions table is seeded with the fixed set on first load; the users
// table starts empty and grows via [Registry.UserCodeOfOrCreate].
func Load(fsys fs.FS, dir string) (*Registry, error) {
	regDir := filepath.Join(dir, ".registry")

	if err := fsys.MkdirAll(regDir, 0o750); err != nil {
		return nil, fmt.Errorf("registry: creating dir: %w", err)
	}

	r := &Registry{
		dir:        regDir,
		fsys:       fsys,
		locker:     fs.NewLocker(fsys),
		userByName: make(map[string]uint32),
		nameByUser: make(map[uint32]string),
	}

	if err := r.ensureActionsFile(); err != nil {
		return nil, err
	}

	if err := r.loadUsersLocked(); err != nil {
		return nil, err
	}

	return r, nil
}

// Reload re-reads the users dictionary from disk, discarding the in-memory
// cache. Use after an external process has appended users.
func (r *Registry) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.userByName = make(map[string]uint32)
	r.nameByUser = make(map[uint32]string)
	r.nextUser = 0

	return r.loadUsersLocked()
}

// ActionCodeOf resolves an action name to its fixed code.
func ActionCodeOf(name string) (Action, error) {
	code, ok := fixedActionCodes[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}

	return code, nil
}

// ActionNameOf resolves a fixed action code to its name.
func ActionNameOf(code Action) (string, error) {
	name, ok := fixedActionNames[code]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownActionCode, code)
	}

	return name, nil
}

// UserCodeOfOrCreate resolves name to its user code, creating a new
// monotonically assigned code on first use. Concurrent first-creators of
// the same name (across processes) resolve to the same code: the append
// is serialized under the registry's own lock file, and the in-memory
// cache is re-checked after acquiring it.
func (r *Registry) UserCodeOfOrCreate(name string) (uint32, error) {
	r.mu.RLock()
	if code, ok := r.userByName[name]; ok {
		r.mu.RUnlock()

		return code, nil
	}
	r.mu.RUnlock()

	return r.createUser(name)
}

// UsernameOf resolves a user code to its name.
func (r *Registry) UsernameOf(code uint32) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.nameByUser[code]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownUserCode, code)
	}

	return name, nil
}

func (r *Registry) createUser(name string) (uint32, error) {
	lockPath := filepath.Join(r.dir, usersLockName)

	// User creation is rare and off the hot path, unlike table commits, so a
	// short bounded wait for the lock is acceptable here.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lk, err := r.locker.LockWithTimeout(ctx, lockPath)
	if err != nil {
		return 0, fmt.Errorf("registry: locking users dict: %w", err)
	}
	defer lk.Close()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-read from disk: another process may have created this user (or
	// any user, advancing nextUser) while we were waiting for the lock.
	if err := r.loadUsersLocked(); err != nil {
		return 0, err
	}

	if code, ok := r.userByName[name]; ok {
		return code, nil
	}

	code := r.nextUser
	line := fmt.Sprintf("%d|%s|%d\n", code, name, time.Now().Unix())

	existing, err := r.readUsersFileRaw()
	if err != nil {
		return 0, err
	}

	if err := r.fsys.WriteFileAtomic(filepath.Join(r.dir, usersFileName), append(existing, []byte(line)...), 0o644); err != nil {
		return 0, fmt.Errorf("registry: appending user %q: %w", name, err)
	}

	r.userByName[name] = code
	r.nameByUser[code] = name
	r.nextUser = code + 1

	return code, nil
}

func (r *Registry) ensureActionsFile() error {
	path := filepath.Join(r.dir, actionsFileName)

	exists, err := r.fsys.Exists(path)
	if err != nil {
		return fmt.Errorf("registry: stat actions.dict: %w", err)
	}

	if exists {
		return nil
	}

	var buf bytes.Buffer

	for code := ActionDelete; code <= ActionInit; code++ {
		name := fixedActionNames[code]
		fmt.Fprintf(&buf, "%d|%s|fixed action\n", code, name)
	}

	if err := r.fsys.WriteFileAtomic(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("registry: writing actions.dict: %w", err)
	}

	return nil
}

// loadUsersLocked reads users.dict into the in-memory maps. Callers must
// hold r.mu for writing (it resets userByName/nameByUser/nextUser).
func (r *Registry) loadUsersLocked() error {
	raw, err := r.readUsersFileRaw()
	if err != nil {
		return err
	}

	r.userByName = make(map[string]uint32)
	r.nameByUser = make(map[uint32]string)
	r.nextUser = 0

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		fields := strings.SplitN(line, "|", 3)
		if len(fields) < 2 {
			return fmt.Errorf("registry: malformed users.dict line %q", line)
		}

		code, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return fmt.Errorf("registry: malformed user code %q: %w", fields[0], err)
		}

		r.userByName[fields[1]] = uint32(code)
		r.nameByUser[uint32(code)] = fields[1]

		if uint32(code)+1 > r.nextUser {
			r.nextUser = uint32(code) + 1
		}
	}

	return scanner.Err()
}

func (r *Registry) readUsersFileRaw() ([]byte, error) {
	path := filepath.Join(r.dir, usersFileName)

	exists, err := r.fsys.Exists(path)
	if err != nil {
		return nil, fmt.Errorf("registry: stat users.dict: %w", err)
	}

	if !exists {
		return nil, nil
	}

	data, err := r.fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: reading users.dict: %w", err)
	}

	return data, nil
}

