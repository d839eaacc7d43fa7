// Package batch splits an ordered operation list into size-bounded batches.
//
// A Batch collects the statements its operations materialize into, one
// callback slot per row-returning statement, and any exception transforms.
// Statements are never split across batches.
package batch

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/journeyman32/marten/internal/ir"
)

// Batch is one round trip to the backend.
type Batch struct {
	mu       sync.Mutex
	index    int
	capacity int

	ops        []ir.Operation
	statements []ir.Statement

	// callbacks[i] belongs to the i-th statement that returns rows. A nil
	// entry still holds the slot.
	callbacks  []ir.Callback
	transforms []ir.ExceptionTransform

	buf *bytes.Buffer
}

func newBatch(index, capacity int) *Batch {
	return &Batch{index: index, capacity: capacity}
}

// Index is the batch's position in the plan.
func (b *Batch) Index() int {
	return b.index
}

// Add appends a statement and returns its index within the batch. cb must be
// nil for statements that do not return rows.
//
// Add and AddTransform are called from Materialize, which already holds the
// batch lock.
func (b *Batch) Add(stmt ir.Statement, cb ir.Callback) int {
	if cb != nil && !stmt.ReturnsRows {
		panic("batch: callback registered for a statement that returns no rows")
	}
	b.statements = append(b.statements, stmt)
	if stmt.ReturnsRows {
		b.callbacks = append(b.callbacks, cb)
	}
	return len(b.statements) - 1
}

// AddTransform registers an exception transform for this batch.
func (b *Batch) AddTransform(t ir.ExceptionTransform) {
	b.transforms = append(b.transforms, t)
}

// tryAdd reserves a slot for op and materializes it while holding the batch
// lock, so statements stay in operation order. It reports false when the
// batch is full.
func (b *Batch) tryAdd(op ir.Operation, m Materializer) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.ops) >= b.capacity {
		return false, nil
	}
	if err := m.Materialize(b, op); err != nil {
		return true, fmt.Errorf("materialize %s: %w", op, err)
	}
	b.ops = append(b.ops, op)
	return true, nil
}

// Len returns the number of operations in the batch.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ops)
}

// Operations returns the batch's operations in order.
func (b *Batch) Operations() []ir.Operation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ir.Operation(nil), b.ops...)
}

// Statements returns the materialized statements in order.
func (b *Batch) Statements() []ir.Statement {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ir.Statement(nil), b.statements...)
}

// Callbacks returns one entry per row-returning statement.
func (b *Batch) Callbacks() []ir.Callback {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ir.Callback(nil), b.callbacks...)
}

// Transforms returns the exception transforms in registration order.
func (b *Batch) Transforms() []ir.ExceptionTransform {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ir.ExceptionTransform(nil), b.transforms...)
}

// Command is a built batch ready for the backend.
type Command struct {
	// Text joins every statement with ";\n". Parameters stay positional and
	// Args concatenates them in statement order.
	Text       string
	Args       []any
	Statements []ir.Statement
}

// Build renders the batch into a Command using a pooled scratch buffer.
// Callers must Release the batch on every exit path.
func (b *Batch) Build() *Command {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.buf == nil {
		b.buf = acquireBuffer()
	}
	b.buf.Reset()

	var args []any
	for i, stmt := range b.statements {
		if i > 0 {
			b.buf.WriteString(";\n")
		}
		b.buf.WriteString(strings.TrimSpace(stmt.SQL))
		args = append(args, stmt.Args...)
	}

	return &Command{
		Text:       b.buf.String(),
		Args:       args,
		Statements: append([]ir.Statement(nil), b.statements...),
	}
}

// Release returns the scratch buffer to the pool. Safe to call more than once.
func (b *Batch) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf != nil {
		releaseBuffer(b.buf)
		b.buf = nil
	}
}

// Released reports whether the batch holds no scratch buffer.
func (b *Batch) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf == nil
}
