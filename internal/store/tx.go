package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/journeyman32/marten/internal/batch"
	"github.com/journeyman32/marten/internal/executor"
	"github.com/journeyman32/marten/internal/ir"
)

// Tx is one write transaction. It is the backend a commit executes against.
type Tx struct {
	tx *sql.Tx
}

var _ executor.Backend = (*Tx)(nil)

// batchSavepoint brackets a joined batch so a failure can be replayed.
const batchSavepoint = "marten_batch"

// Execute runs the statements of cmd in order.
//
// A command with no row-returning statement is sent as cmd.Text in a single
// call. The sqlite3 driver returns one result set per call, so a command
// that reads RETURNING rows runs its statements one at a time. Rows are read
// in full before the next statement runs and handed back through the Reader
// in statement order.
func (t *Tx) Execute(ctx context.Context, cmd *batch.Command) (executor.Reader, error) {
	if cmd.Text != "" && !returnsRows(cmd.Statements) {
		if err := t.execJoined(ctx, cmd); err != nil {
			return nil, err
		}
		return &resultReader{}, nil
	}
	r, err := t.executeEach(ctx, cmd.Statements)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// execJoined runs the whole command in one call inside a savepoint. The
// driver does not say which statement failed, so on failure the savepoint is
// rolled back and the statements are replayed one by one to locate it.
func (t *Tx) execJoined(ctx context.Context, cmd *batch.Command) error {
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+batchSavepoint); err != nil {
		return fmt.Errorf("open savepoint: %w", classify(err))
	}

	_, err := t.tx.ExecContext(ctx, cmd.Text, cmd.Args...)
	if err != nil {
		if _, rbErr := t.tx.ExecContext(context.WithoutCancel(ctx), "ROLLBACK TO "+batchSavepoint); rbErr != nil {
			return &ir.CommandError{Index: len(cmd.Statements) - 1, SQL: cmd.Text, Err: classify(err)}
		}
		if _, replayErr := t.executeEach(ctx, cmd.Statements); replayErr != nil {
			return replayErr
		}
	}

	if _, err := t.tx.ExecContext(ctx, "RELEASE "+batchSavepoint); err != nil {
		return fmt.Errorf("release savepoint: %w", classify(err))
	}
	return nil
}

func (t *Tx) executeEach(ctx context.Context, statements []ir.Statement) (*resultReader, error) {
	r := &resultReader{}
	for i, stmt := range statements {
		if !stmt.ReturnsRows {
			if _, err := t.tx.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
				return nil, &ir.CommandError{Index: i, SQL: stmt.SQL, Err: classify(err)}
			}
			continue
		}

		rows, err := t.tx.QueryContext(ctx, stmt.SQL, stmt.Args...)
		if err != nil {
			return nil, &ir.CommandError{Index: i, SQL: stmt.SQL, Err: classify(err)}
		}
		buffered, err := bufferRows(rows)
		if err != nil {
			return nil, &ir.CommandError{Index: i, SQL: stmt.SQL, Err: classify(err)}
		}
		r.results = append(r.results, buffered)
	}
	return r, nil
}

func returnsRows(statements []ir.Statement) bool {
	for _, stmt := range statements {
		if stmt.ReturnsRows {
			return true
		}
	}
	return false
}

// Commit commits the transaction. Deferred foreign key violations surface
// here as *ir.ConstraintError.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", classify(err))
	}
	return nil
}

// Rollback aborts the transaction. It is a no-op after Commit.
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}

type resultReader struct {
	results []*bufferedRows
	pos     int
}

func (r *resultReader) NextResult() (ir.Rows, bool) {
	if r.pos >= len(r.results) {
		return nil, false
	}
	rows := r.results[r.pos]
	r.pos++
	return rows, true
}

func (r *resultReader) Close() error {
	r.pos = len(r.results)
	return nil
}
