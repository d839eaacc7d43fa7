package ir

import (
	"errors"
	"fmt"
	"strings"
)

// CycleError reports a dependency cycle among document types.
//
// A cycle is a configuration fault. It is detected before any statement is
// issued and is never broken silently.
type CycleError struct {
	// Types lists the members of the cycle, sorted by name.
	Types []TypeID
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	names := make([]string, len(e.Types))
	for i, t := range e.Types {
		names[i] = string(t)
	}
	return fmt.Sprintf("dependency cycle among document types: %s", strings.Join(names, ", "))
}

// ConcurrencyError reports that a version predicate matched no rows.
type ConcurrencyError struct {
	Type TypeID
	ID   string

	// Expected is the version the session held, when known.
	Expected int64
}

// Error implements the error interface.
func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("optimistic concurrency check failed for %s/%s (expected version %d)", e.Type, e.ID, e.Expected)
}

// StreamConcurrencyError reports that a stream was not at its expected version.
type StreamConcurrencyError struct {
	Key      StreamKey
	Expected int64
}

// Error implements the error interface.
func (e *StreamConcurrencyError) Error() string {
	return fmt.Sprintf("unexpected version for stream %s (expected %d)", e.Key, e.Expected)
}

// Constraint codes carried by ConstraintError.
const (
	ConstraintUnique     = "UNIQUE"
	ConstraintPrimaryKey = "PRIMARY KEY"
	ConstraintForeignKey = "FOREIGN KEY"
	ConstraintNotNull    = "NOT NULL"
	ConstraintCheck      = "CHECK"
	ConstraintOther      = "CONSTRAINT"
)

// ConstraintError is a constraint violation raised by the backend.
type ConstraintError struct {
	// Table is the violated table when the backend names it.
	Table string

	// Code is one of the Constraint* codes.
	Code string
	Err  error
}

// Error implements the error interface.
func (e *ConstraintError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("constraint violation (%s) on %s: %v", e.Code, e.Table, e.Err)
	}
	return fmt.Sprintf("constraint violation (%s): %v", e.Code, e.Err)
}

// Unwrap returns the raw backend error.
func (e *ConstraintError) Unwrap() error { return e.Err }

// CommandError is a backend failure while executing a statement. Err is a
// *ConstraintError when the backend classified the failure as a constraint
// violation.
type CommandError struct {
	// Index is the statement's position within its batch.
	Index int
	SQL   string
	Err   error
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	return fmt.Sprintf("statement %d failed: %v", e.Index, e.Err)
}

// Unwrap returns the raw backend error.
func (e *CommandError) Unwrap() error { return e.Err }

// DocumentExistsError is the domain shape of a unique violation on insert.
type DocumentExistsError struct {
	Type TypeID
	ID   string
	Err  error
}

// Error implements the error interface.
func (e *DocumentExistsError) Error() string {
	return fmt.Sprintf("document %s/%s already exists", e.Type, e.ID)
}

// Unwrap returns the constraint violation.
func (e *DocumentExistsError) Unwrap() error { return e.Err }

// StreamCollisionError is the domain shape of starting a stream that exists.
type StreamCollisionError struct {
	Key StreamKey
	Err error
}

// Error implements the error interface.
func (e *StreamCollisionError) Error() string {
	return fmt.Sprintf("stream %s already exists", e.Key)
}

// Unwrap returns the constraint violation.
func (e *StreamCollisionError) Unwrap() error { return e.Err }

// AggregateError wraps every callback failure collected during one commit.
type AggregateError struct {
	Errors []error
}

// Error implements the error interface.
func (e *AggregateError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "commit failed with %d error(s)", len(e.Errors))
	for i, err := range e.Errors {
		fmt.Fprintf(&b, "\n  %d: %v", i+1, err)
	}
	return b.String()
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e *AggregateError) Unwrap() []error { return e.Errors }

// IsCycleError returns true if err is or wraps a CycleError.
func IsCycleError(err error) bool {
	var ce *CycleError
	return errors.As(err, &ce)
}

// IsConcurrencyError returns true if err is or wraps a document or stream
// concurrency failure, including inside an AggregateError.
func IsConcurrencyError(err error) bool {
	var ce *ConcurrencyError
	if errors.As(err, &ce) {
		return true
	}
	var se *StreamConcurrencyError
	return errors.As(err, &se)
}

// IsConstraintError returns true if err is or wraps a ConstraintError.
func IsConstraintError(err error) bool {
	var ce *ConstraintError
	return errors.As(err, &ce)
}

// IsUniqueViolation reports whether err carries a unique or primary key
// violation.
func IsUniqueViolation(err error) bool {
	var ce *ConstraintError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == ConstraintUnique || ce.Code == ConstraintPrimaryKey
}

// ConcurrencyErrors returns every document concurrency failure carried by err.
func ConcurrencyErrors(err error) []*ConcurrencyError {
	var out []*ConcurrencyError
	var agg *AggregateError
	if errors.As(err, &agg) {
		for _, inner := range agg.Errors {
			var ce *ConcurrencyError
			if errors.As(inner, &ce) {
				out = append(out, ce)
			}
		}
		return out
	}
	var ce *ConcurrencyError
	if errors.As(err, &ce) {
		out = append(out, ce)
	}
	return out
}
