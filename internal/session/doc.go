// Package session is the caller-facing document session.
//
// A Session records document mutations, event appends and ancillary
// commands against its pending change set, tracks the documents it loaded
// for dirty detection, and commits everything in one transaction with
// SaveChanges. A failed commit leaves the session exactly as it was, so the
// caller can fix the cause and call SaveChanges again.
//
// Documents are pointers to structs bound in the schema registry. Identity is
// pointer identity: loading the same id twice returns the same pointer, and
// Contains and Eject never compare values.
package session
