// Package store provides the SQLite backend for document sessions.
//
// The store owns the database handle and the fixed tables every deployment
// needs:
//   - mt_streams: one row per event stream, carrying its current version
//   - mt_events: the append-only event log
//   - mt_hilo: hi/lo blocks handed out by sequence reservations
//
// Document tables are derived from the schema registry and created by
// Migrate. A Tx is the transaction a commit runs in; it implements
// executor.Backend by running each statement of a batch in order and
// buffering RETURNING rows for the batch callbacks.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//   - _txlock=immediate: Transactions take the write lock at BEGIN
//
// Constraint failures are classified into *ir.ConstraintError so storage
// transforms can give them a domain shape.
package store
