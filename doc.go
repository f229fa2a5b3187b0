// Package reedbase is a file-backed, key-value table engine with
// Git-like version history, multi-writer concurrency, and append-only
// audit logging.
//
// The importable surface lives in the table package: Open a directory,
// then read, insert, update, delete, roll back, and walk version history
// through a [github.com/reedbase/reedbase/table.Table]. Everything under
// internal/ is the engine's plumbing - the filesystem abstraction and
// advisory locking, the monotonic timestamp source, the dictionary
// registry, the encoded audit log, the binary-delta version chain, the
// pending-write queue, and the row-level merger.
package reedbase
