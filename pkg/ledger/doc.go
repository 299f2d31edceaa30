// Package ledger holds the migration ledger: the record of which backlog ids
// have been migrated or failed.
//
// A ledger is reconciled by id with last-observed-value-wins semantics:
// merging any sequence of record batches yields exactly one entry per
// distinct id, equal to the most recently merged value for that id.
//
// # Persistence
//
// [FileStore] keeps one JSON document `{"issues": [...]}` on disk. It is read
// once when the relay starts and rewritten in full on every merge. Writers in
// different processes are not locked against each other; the file is a crash
// recovery aid, the relay's in-memory copy is authoritative.
//
// [AuditTrail] keeps a separate append-only JSON array of `{id, ids}` entries
// per run, one file for successes and one for failures.
package ledger
