// Package ir provides the shared vocabulary of the change-accumulation engine.
//
// This package contains the operation variant, event streams, batch
// statements, commit results and the error taxonomy. All other internal
// packages import ir; ir imports nothing internal. This keeps ir the
// foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Operation is a closed variant: one struct, switched on Kind
//   - Documents are pointers; identity is pointer identity, never value equality
//   - An operation without a document type is ancillary and exempt from ordering
//   - A ChangeSet is never mutated after it is returned from a commit
package ir
