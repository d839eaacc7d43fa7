package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/journeyman32/marten/internal/batch"
	"github.com/journeyman32/marten/internal/ir"
)

// sliceRows serves one column of int64 values.
type sliceRows struct {
	values []int64
	pos    int
}

func (r *sliceRows) Next() bool {
	if r.pos >= len(r.values) {
		return false
	}
	r.pos++
	return true
}

func (r *sliceRows) Scan(dest ...any) error {
	*(dest[0].(*int64)) = r.values[r.pos-1]
	return nil
}

func (r *sliceRows) Err() error { return nil }

type fakeReader struct {
	results []ir.Rows
	closed  int
}

func (r *fakeReader) NextResult() (ir.Rows, bool) {
	if len(r.results) == 0 {
		return nil, false
	}
	next := r.results[0]
	r.results = r.results[1:]
	return next, true
}

func (r *fakeReader) Close() error {
	r.closed++
	return nil
}

// fakeBackend answers each row-returning statement from versions, keyed by
// the statement's first argument. A missing key yields an empty result set.
type fakeBackend struct {
	mu       sync.Mutex
	versions map[string]int64
	failOn   map[int]error
	commands []*batch.Command
	onExec   func(n int)

	// omitResults drops every result set, to simulate a broken backend.
	omitResults bool
}

func (f *fakeBackend) Execute(_ context.Context, cmd *batch.Command) (Reader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(f.commands)
	f.commands = append(f.commands, cmd)
	if f.onExec != nil {
		f.onExec(n)
	}
	if err := f.failOn[n]; err != nil {
		return nil, &ir.CommandError{Index: 0, SQL: cmd.Statements[0].SQL, Err: err}
	}

	reader := &fakeReader{}
	if f.omitResults {
		return reader, nil
	}
	for _, stmt := range cmd.Statements {
		if !stmt.ReturnsRows {
			continue
		}
		rows := &sliceRows{}
		if v, ok := f.versions[stmt.Args[0].(string)]; ok {
			rows.values = []int64{v}
		}
		reader.results = append(reader.results, rows)
	}
	return reader, nil
}

func (f *fakeBackend) executed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commands)
}

// versionChecked materializes updates as row-returning statements whose
// callback reports a concurrency failure on zero rows, and inserts as plain
// statements.
var versionChecked = batch.MaterializerFunc(func(b *batch.Batch, op ir.Operation) error {
	if op.Kind != ir.KindUpdate {
		b.Add(ir.Statement{SQL: "INSERT", Args: []any{op.ID}}, nil)
		return nil
	}
	b.Add(ir.Statement{SQL: "UPDATE RETURNING", Args: []any{op.ID}, ReturnsRows: true},
		func(rows ir.Rows, failures *[]error) error {
			if !rows.Next() {
				*failures = append(*failures, &ir.ConcurrencyError{Type: op.Type, ID: op.ID, Expected: op.Version})
				return nil
			}
			var v int64
			if err := rows.Scan(&v); err != nil {
				return err
			}
			if op.OnVersion != nil {
				op.OnVersion(v)
			}
			return rows.Err()
		})
	return nil
})

func plan(t *testing.T, ops []ir.Operation, capacity int, m batch.Materializer) []*batch.Batch {
	t.Helper()
	batches, err := batch.Plan(ops, capacity, m)
	require.NoError(t, err)
	return batches
}

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestExecuteRunsBatchesInOrder(t *testing.T) {
	var ops []ir.Operation
	for i := range 5 {
		ops = append(ops, ir.Operation{Kind: ir.KindInsert, Type: "T", ID: fmt.Sprint(i)})
	}
	backend := &fakeBackend{}

	err := New(backend, quiet()).Execute(context.Background(), plan(t, ops, 2, versionChecked))
	require.NoError(t, err)

	require.Len(t, backend.commands, 3)
	assert.Equal(t, []any{"0", "1"}, backend.commands[0].Args)
	assert.Equal(t, []any{"2", "3"}, backend.commands[1].Args)
	assert.Equal(t, []any{"4"}, backend.commands[2].Args)
}

func TestCallbacksReceiveMatchingResultSets(t *testing.T) {
	got := map[string]int64{}
	record := func(id string) func(int64) {
		return func(v int64) { got[id] = v }
	}
	ops := []ir.Operation{
		{Kind: ir.KindInsert, ID: "a"},
		{Kind: ir.KindUpdate, ID: "b", OnVersion: record("b")},
		{Kind: ir.KindInsert, ID: "c"},
		{Kind: ir.KindUpdate, ID: "d", OnVersion: record("d")},
	}
	backend := &fakeBackend{versions: map[string]int64{"b": 2, "d": 7}}

	err := New(backend, quiet()).Execute(context.Background(), plan(t, ops, 10, versionChecked))
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"b": 2, "d": 7}, got)
}

func TestCallbackFailuresAggregateAcrossBatches(t *testing.T) {
	var updated []string
	ops := []ir.Operation{
		{Kind: ir.KindUpdate, Type: "Doc", ID: "stale-1", Version: 1},
		{Kind: ir.KindUpdate, Type: "Doc", ID: "fresh", OnVersion: func(int64) { updated = append(updated, "fresh") }},
		{Kind: ir.KindUpdate, Type: "Doc", ID: "stale-2", Version: 4},
	}
	backend := &fakeBackend{versions: map[string]int64{"fresh": 3}}

	err := New(backend, quiet()).Execute(context.Background(), plan(t, ops, 2, versionChecked))
	require.Error(t, err)

	var agg *ir.AggregateError
	require.ErrorAs(t, err, &agg)
	require.Len(t, agg.Errors, 2)

	conflicts := ir.ConcurrencyErrors(err)
	require.Len(t, conflicts, 2)
	assert.Equal(t, "stale-1", conflicts[0].ID)
	assert.Equal(t, "stale-2", conflicts[1].ID)

	assert.Equal(t, []string{"fresh"}, updated, "sibling callback still ran")
	assert.Equal(t, 2, backend.executed(), "callback failures do not stop later batches")
}

func TestStatementErrorAbortsRemainingBatches(t *testing.T) {
	boom := errors.New("disk I/O error")
	var ops []ir.Operation
	for i := range 6 {
		ops = append(ops, ir.Operation{Kind: ir.KindInsert, ID: fmt.Sprint(i)})
	}
	backend := &fakeBackend{failOn: map[int]error{1: boom}}
	before := batch.OutstandingBuffers()

	err := New(backend, quiet()).Execute(context.Background(), plan(t, ops, 2, versionChecked))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var ce *ir.CommandError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 2, backend.executed(), "third batch never issued")
	assert.Equal(t, before, batch.OutstandingBuffers(), "buffers released on failure")
}

func TestExceptionTransformsFirstMatchWins(t *testing.T) {
	constraint := &ir.ConstraintError{Code: "UNIQUE", Err: errors.New("UNIQUE constraint failed")}
	m := batch.MaterializerFunc(func(b *batch.Batch, op ir.Operation) error {
		idx := b.Add(ir.Statement{SQL: "INSERT", Args: []any{op.ID}}, nil)
		b.AddTransform(func(err error) (error, bool) {
			var cmd *ir.CommandError
			if errors.As(err, &cmd) && cmd.Index == idx && ir.IsConstraintError(err) {
				return &ir.DocumentExistsError{Type: op.Type, ID: op.ID, Err: err}, true
			}
			return nil, false
		})
		b.AddTransform(func(err error) (error, bool) {
			return errors.New("second transform should not run"), true
		})
		return nil
	})
	backend := &fakeBackend{failOn: map[int]error{0: constraint}}

	err := New(backend, quiet()).Execute(context.Background(),
		plan(t, []ir.Operation{{Kind: ir.KindInsert, Type: "User", ID: "u1"}}, 1, m))

	var exists *ir.DocumentExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, "u1", exists.ID)
	assert.True(t, ir.IsConstraintError(err))
}

func TestUnrecognizedErrorPropagatesRaw(t *testing.T) {
	raw := errors.New("syntax error")
	m := batch.MaterializerFunc(func(b *batch.Batch, op ir.Operation) error {
		b.Add(ir.Statement{SQL: "INSERT", Args: []any{op.ID}}, nil)
		b.AddTransform(func(error) (error, bool) { return nil, false })
		return nil
	})
	backend := &fakeBackend{failOn: map[int]error{0: raw}}

	err := New(backend, quiet()).Execute(context.Background(),
		plan(t, []ir.Operation{{Kind: ir.KindInsert, ID: "x"}}, 1, m))

	var ce *ir.CommandError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, raw)
}

func TestCancellationBetweenBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ops []ir.Operation
	for i := range 4 {
		ops = append(ops, ir.Operation{Kind: ir.KindInsert, ID: fmt.Sprint(i)})
	}
	backend := &fakeBackend{onExec: func(n int) {
		if n == 0 {
			cancel()
		}
	}}
	before := batch.OutstandingBuffers()

	err := New(backend, quiet()).Execute(ctx, plan(t, ops, 2, versionChecked))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, backend.executed(), "started batch completes, later batches abandoned")
	assert.Equal(t, before, batch.OutstandingBuffers())
}

func TestMissingResultSet(t *testing.T) {
	backend := &fakeBackend{omitResults: true}
	err := New(backend, quiet()).Execute(context.Background(),
		plan(t, []ir.Operation{{Kind: ir.KindUpdate, ID: "a"}}, 1, versionChecked))
	assert.ErrorIs(t, err, ErrMissingResult)
}

func TestExecuteAsyncMatchesBlocking(t *testing.T) {
	ops := []ir.Operation{
		{Kind: ir.KindUpdate, Type: "Doc", ID: "stale"},
		{Kind: ir.KindInsert, Type: "Doc", ID: "new"},
	}
	backend := &fakeBackend{}

	errCh := New(backend, quiet()).ExecuteAsync(context.Background(), plan(t, ops, 1, versionChecked))
	err := <-errCh
	require.Error(t, err)
	assert.Len(t, ir.ConcurrencyErrors(err), 1)
	assert.Equal(t, 2, backend.executed())

	_, open := <-errCh
	assert.False(t, open)
}

func TestEmptyPlan(t *testing.T) {
	backend := &fakeBackend{}
	require.NoError(t, New(backend, quiet()).Execute(context.Background(), nil))
	assert.Zero(t, backend.executed())
}
