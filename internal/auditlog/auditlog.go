// Package auditlog implements the encoded, corruption-detectable,
// append-only log of committed version entries (version.log).
//
// Each line is self-describing: a magic marker, a hex length, the
// dictionary-encoded fields, and a trailing CRC32 (Castagnoli). Readers
// refuse anything that doesn't check out, and a table's recovery path
// truncates the log at the first bad line rather than failing open.
package auditlog

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"strconv"
	"strings"

	"github.com/reedbase/reedbase/internal/fs"
	"github.com/reedbase/reedbase/internal/registry"
)

const magic = "REED"

// fieldCount is the number of pipe-separated fields in an encoded line,
// including magic and crc32.
const fieldCount = 11

var crc32Table = crc32.MakeTable(crc32.Castagnoli)

var (
	// ErrCorruptedLogEntry is returned by Decode when a line's magic,
	// length, or CRC does not check out.
	ErrCorruptedLogEntry = errors.New("corrupted log entry")

	// ErrParseLogEntry is returned by Decode when a line has the right
	// shape but contains a malformed integer field.
	ErrParseLogEntry = errors.New("malformed log entry")
)

// Entry is one committed version, as passed to Encode. Action and User are
// names; Encode resolves them to codes via a [registry.Registry].
type Entry struct {
	Timestamp   uint64
	Action      string
	User        string
	BaseTS      uint64
	Size        uint64
	RowCount    uint64
	ContentHash string
	FrameID     string // empty means no frame
}

// DecodedEntry is one entry as returned by Decode: both the raw codes
// stored on the wire and the names resolved via the registry.
type DecodedEntry struct {
	Timestamp   uint64
	ActionCode  registry.Action
	Action      string
	UserCode    uint32
	User        string
	BaseTS      uint64
	Size        uint64
	RowCount    uint64
	ContentHash string
	FrameID     string
	CRC32       uint32
}

// Encode resolves entry's Action and User names to codes via reg and
// renders the wire line (without a trailing newline).
func Encode(reg *registry.Registry, entry Entry) (string, error) {
	actionCode, err := registry.ActionCodeOf(entry.Action)
	if err != nil {
		return "", err
	}

	userCode, err := reg.UserCodeOfOrCreate(entry.User)
	if err != nil {
		return "", fmt.Errorf("auditlog: resolving user %q: %w", entry.User, err)
	}

	frame := entry.FrameID
	if frame == "" {
		frame = "n/a"
	}

	inner := strings.Join([]string{
		strconv.FormatUint(entry.Timestamp, 10),
		strconv.FormatUint(uint64(actionCode), 10),
		strconv.FormatUint(uint64(userCode), 10),
		strconv.FormatUint(entry.BaseTS, 10),
		strconv.FormatUint(entry.Size, 10),
		strconv.FormatUint(entry.RowCount, 10),
		entry.ContentHash,
		frame,
	}, "|")

	// Total byte count: "REED|" (5) + 8-hex length + "|" (1) + inner +
	// "|" (1) + 8-hex crc.
	length := 5 + 8 + 1 + len(inner) + 1 + 8
	lengthHex := fmt.Sprintf("%08x", length)

	afterMagic := lengthHex + "|" + inner + "|"
	crc := crc32.Checksum([]byte(afterMagic), crc32Table)

	return magic + "|" + afterMagic + fmt.Sprintf("%08x", crc), nil
}

// Decode validates line's magic, length, and CRC, then resolves its codes
// to names via reg. line must not include a trailing newline.
func Decode(reg *registry.Registry, line string) (DecodedEntry, error) {
	fields := strings.Split(line, "|")
	if len(fields) != fieldCount || fields[0] != magic {
		return DecodedEntry{}, fmt.Errorf("%w: bad magic or field count", ErrCorruptedLogEntry)
	}

	length, err := strconv.ParseUint(fields[1], 16, 32)
	if err != nil {
		return DecodedEntry{}, fmt.Errorf("%w: length: %v", ErrParseLogEntry, err)
	}

	if int(length) != len(line) {
		return DecodedEntry{}, fmt.Errorf("%w: declared length %d != actual %d", ErrCorruptedLogEntry, length, len(line))
	}

	afterMagic := strings.Join(fields[1:10], "|") + "|"

	crc, err := strconv.ParseUint(fields[10], 16, 32)
	if err != nil {
		return DecodedEntry{}, fmt.Errorf("%w: crc32: %v", ErrParseLogEntry, err)
	}

	if computed := crc32.Checksum([]byte(afterMagic), crc32Table); computed != uint32(crc) {
		return DecodedEntry{}, fmt.Errorf("%w: crc mismatch", ErrCorruptedLogEntry)
	}

	timestamp, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return DecodedEntry{}, fmt.Errorf("%w: timestamp: %v", ErrParseLogEntry, err)
	}

	actionCodeRaw, err := strconv.ParseUint(fields[3], 10, 8)
	if err != nil {
		return DecodedEntry{}, fmt.Errorf("%w: action_code: %v", ErrParseLogEntry, err)
	}

	userCodeRaw, err := strconv.ParseUint(fields[4], 10, 32)
	if err != nil {
		return DecodedEntry{}, fmt.Errorf("%w: user_code: %v", ErrParseLogEntry, err)
	}

	baseTS, err := strconv.ParseUint(fields[5], 10, 64)
	if err != nil {
		return DecodedEntry{}, fmt.Errorf("%w: base_ts: %v", ErrParseLogEntry, err)
	}

	size, err := strconv.ParseUint(fields[6], 10, 64)
	if err != nil {
		return DecodedEntry{}, fmt.Errorf("%w: size: %v", ErrParseLogEntry, err)
	}

	rowCount, err := strconv.ParseUint(fields[7], 10, 64)
	if err != nil {
		return DecodedEntry{}, fmt.Errorf("%w: row_count: %v", ErrParseLogEntry, err)
	}

	actionCode := registry.Action(actionCodeRaw)

	actionName, err := registry.ActionNameOf(actionCode)
	if err != nil {
		return DecodedEntry{}, err
	}

	userName, err := reg.UsernameOf(uint32(userCodeRaw))
	if err != nil {
		return DecodedEntry{}, err
	}

	frame := fields[9]
	if frame == "n/a" {
		frame = ""
	}

	return DecodedEntry{
		Timestamp:   timestamp,
		ActionCode:  actionCode,
		Action:      actionName,
		UserCode:    uint32(userCodeRaw),
		User:        userName,
		BaseTS:      baseTS,
		Size:        size,
		RowCount:    rowCount,
		ContentHash: fields[8],
		FrameID:     frame,
		CRC32:       uint32(crc),
	}, nil
}

// Log is the append-only version.log for one table.
type Log struct {
	path   string
	fsys   fs.FS
	atomic *fs.AtomicWriter
}

// Open returns a Log bound to path. The file is created empty if absent.
func Open(fsys fs.FS, path string) (*Log, error) {
	exists, err := fsys.Exists(path)
	if err != nil {
		return nil, fmt.Errorf("auditlog: stat: %w", err)
	}

	if !exists {
		if err := fsys.WriteFile(path, nil, 0o644); err != nil {
			return nil, fmt.Errorf("auditlog: creating: %w", err)
		}
	}

	return &Log{path: path, fsys: fsys, atomic: fs.NewAtomicWriter(fsys)}, nil
}

// Append encodes entry and appends it as a new line, fsyncing before
// returning so the entry survives a crash immediately after Append.
func (l *Log) Append(reg *registry.Registry, entry Entry) error {
	line, err := Encode(reg, entry)
	if err != nil {
		return err
	}

	f, err := l.fsys.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("auditlog: opening for append: %w", err)
	}
	defer f.Close()

	if _, err := f.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("auditlog: writing entry: %w", err)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("auditlog: syncing entry: %w", err)
	}

	return nil
}

// ReadAll decodes every line in the log, in file order, and fails on the
// first line that does not decode. It does not truncate; see
// [Log.ValidateAndTruncate] for the recovery path.
func (l *Log) ReadAll(reg *registry.Registry) ([]DecodedEntry, error) {
	raw, err := l.fsys.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("auditlog: reading: %w", err)
	}

	var entries []DecodedEntry

	for _, line := range splitLines(raw) {
		entry, err := Decode(reg, line)
		if err != nil {
			return nil, err
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

// TruncateReport summarizes a [Log.ValidateAndTruncate] pass.
type TruncateReport struct {
	ValidEntries int
	Discarded    int
}

// ValidateAndTruncate scans the log from the beginning, keeps the longest
// valid prefix, and rewrites the file to exactly that prefix (restoring the
// final newline if the last valid line had lost it). This is the
// crash-recovery hook run on every table open.
func (l *Log) ValidateAndTruncate(reg *registry.Registry) (TruncateReport, error) {
	raw, err := l.fsys.ReadFile(l.path)
	if err != nil {
		return TruncateReport{}, fmt.Errorf("auditlog: reading: %w", err)
	}

	lines := splitLines(raw)

	var report TruncateReport

	validByteLen := 0
	offset := 0

	for _, line := range lines {
		lineLen := len(line) + 1 // include the newline

		if _, err := Decode(reg, line); err != nil {
			break
		}

		report.ValidEntries++
		validByteLen = offset + lineLen
		offset += lineLen
	}

	report.Discarded = len(lines) - report.ValidEntries

	if validByteLen == len(raw) {
		return report, nil
	}

	prefix := append([]byte{}, raw[:min(validByteLen, len(raw))]...)
	if len(prefix) < validByteLen {
		// The last valid line lost its newline; restore it so a later
		// Append starts on a fresh line.
		prefix = append(prefix, '\n')
	}

	if err := l.atomic.WriteBytes(l.path, prefix); err != nil {
		return TruncateReport{}, fmt.Errorf("auditlog: truncating: %w", err)
	}

	return report, nil
}

// Filter returns the entries for which keep returns true. Pure, in-memory
// - callers compose this for filtering by action, by user, or by time
// range.
func Filter(entries []DecodedEntry, keep func(DecodedEntry) bool) []DecodedEntry {
	var out []DecodedEntry

	for _, e := range entries {
		if keep(e) {
			out = append(out, e)
		}
	}

	return out
}

func splitLines(raw []byte) []string {
	raw = bytes.TrimSuffix(raw, []byte("\n"))
	if len(raw) == 0 {
		return nil
	}

	return strings.Split(string(raw), "\n")
}
