package batch

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/journeyman32/marten/internal/ir"
)

// oneStatement materializes each operation as a single insert, and each
// update as a row-returning statement with a callback.
var oneStatement = MaterializerFunc(func(b *Batch, op ir.Operation) error {
	switch op.Kind {
	case ir.KindUpdate:
		b.Add(ir.Statement{SQL: "UPDATE t SET v = ? WHERE id = ? RETURNING version", Args: []any{1, op.ID}, ReturnsRows: true},
			func(ir.Rows, *[]error) error { return nil })
	default:
		b.Add(ir.Statement{SQL: "INSERT INTO t (id) VALUES (?)", Args: []any{op.ID}}, nil)
	}
	return nil
})

func makeOps(n int) []ir.Operation {
	ops := make([]ir.Operation, n)
	for i := range ops {
		ops[i] = ir.Operation{Kind: ir.KindInsert, Type: "T", ID: fmt.Sprintf("op-%03d", i)}
	}
	return ops
}

func flatten(batches []*Batch) []string {
	var out []string
	for _, b := range batches {
		for _, op := range b.Operations() {
			out = append(out, op.ID)
		}
	}
	return out
}

func TestPlanBatchCount(t *testing.T) {
	tests := []struct {
		ops, capacity, want int
	}{
		{0, 10, 0},
		{1, 10, 1},
		{10, 10, 1},
		{11, 10, 2},
		{25, 10, 3},
		{7, 1, 7},
		{250, 0, 3},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.ops, tt.capacity), func(t *testing.T) {
			ops := makeOps(tt.ops)
			batches, err := Plan(ops, tt.capacity, oneStatement)
			require.NoError(t, err)
			assert.Len(t, batches, tt.want)

			want := make([]string, len(ops))
			for i, op := range ops {
				want[i] = op.ID
			}
			if len(want) == 0 {
				want = nil
			}
			assert.Equal(t, want, flatten(batches), "concatenation preserves order")

			capacity := tt.capacity
			if capacity < 1 {
				capacity = DefaultCapacity
			}
			for i, b := range batches {
				assert.Equal(t, i, b.Index())
				assert.LessOrEqual(t, b.Len(), capacity)
			}
		})
	}
}

func TestCallbacksOnlyForRowStatements(t *testing.T) {
	ops := []ir.Operation{
		{Kind: ir.KindInsert, ID: "a"},
		{Kind: ir.KindUpdate, ID: "b"},
		{Kind: ir.KindInsert, ID: "c"},
		{Kind: ir.KindUpdate, ID: "d"},
	}
	batches, err := Plan(ops, 10, oneStatement)
	require.NoError(t, err)
	require.Len(t, batches, 1)

	assert.Len(t, batches[0].Statements(), 4)
	assert.Len(t, batches[0].Callbacks(), 2)
}

func TestAddRejectsCallbackWithoutRows(t *testing.T) {
	b := newBatch(0, 1)
	assert.Panics(t, func() {
		b.Add(ir.Statement{SQL: "DELETE FROM t"}, func(ir.Rows, *[]error) error { return nil })
	})
}

func TestRowStatementMayHaveNilCallback(t *testing.T) {
	b := newBatch(0, 1)
	b.Add(ir.Statement{SQL: "SELECT 1", ReturnsRows: true}, nil)
	require.Len(t, b.Callbacks(), 1)
	assert.Nil(t, b.Callbacks()[0])
}

func TestBuildJoinsStatements(t *testing.T) {
	batches, err := Plan(makeOps(2), 5, oneStatement)
	require.NoError(t, err)
	b := batches[0]
	defer b.Release()

	cmd := b.Build()
	assert.Equal(t, "INSERT INTO t (id) VALUES (?);\nINSERT INTO t (id) VALUES (?)", cmd.Text)
	assert.Equal(t, []any{"op-000", "op-001"}, cmd.Args)
	assert.Len(t, cmd.Statements, 2)
}

func TestReleaseReturnsBuffers(t *testing.T) {
	before := OutstandingBuffers()

	batches, err := Plan(makeOps(30), 10, oneStatement)
	require.NoError(t, err)
	for _, b := range batches {
		b.Build()
	}
	assert.Equal(t, before+3, OutstandingBuffers())

	ReleaseAll(batches)
	ReleaseAll(batches)
	assert.Equal(t, before, OutstandingBuffers())
	for _, b := range batches {
		assert.True(t, b.Released())
	}
}

func TestPlanMaterializeError(t *testing.T) {
	boom := errors.New("serialize failed")
	m := MaterializerFunc(func(b *Batch, op ir.Operation) error {
		if op.ID == "op-003" {
			return boom
		}
		return oneStatement(b, op)
	})

	batches, err := Plan(makeOps(5), 2, m)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "insert T/op-003")
	assert.Nil(t, batches)
}

func TestPlanRequiresMaterializer(t *testing.T) {
	_, err := Plan(makeOps(1), 1, nil)
	assert.ErrorIs(t, err, ErrNoMaterializer)
}

func TestPlannerConcurrentAppend(t *testing.T) {
	const (
		workers   = 8
		perWorker = 125
		capacity  = 7
	)
	p := NewPlanner(capacity, oneStatement)

	var g errgroup.Group
	for w := range workers {
		g.Go(func() error {
			for i := range perWorker {
				op := ir.Operation{Kind: ir.KindInsert, ID: fmt.Sprintf("w%d-%d", w, i)}
				if err := p.Append(op); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	batches := p.Batches()
	seen := make(map[string]bool)
	for _, b := range batches {
		assert.LessOrEqual(t, b.Len(), capacity)
		assert.Len(t, b.Statements(), b.Len(), "statements stay with their batch")
		for _, op := range b.Operations() {
			assert.False(t, seen[op.ID], "duplicate %s", op.ID)
			seen[op.ID] = true
		}
	}
	assert.Len(t, seen, workers*perWorker)
	assert.Len(t, batches, (workers*perWorker+capacity-1)/capacity)
}

func TestPlannerPerGoroutineOrder(t *testing.T) {
	p := NewPlanner(3, oneStatement)

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 20 {
				assert.NoError(t, p.Append(ir.Operation{Kind: ir.KindInsert, Type: ir.TypeID(fmt.Sprint(w)), ID: fmt.Sprintf("%02d", i)}))
			}
		}()
	}
	wg.Wait()

	last := map[ir.TypeID]string{}
	for _, b := range p.Batches() {
		for _, op := range b.Operations() {
			assert.Greater(t, op.ID, last[op.Type], "appends from one goroutine keep their order")
			last[op.Type] = op.ID
		}
	}
}
