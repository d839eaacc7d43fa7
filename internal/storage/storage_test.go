package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/journeyman32/marten/internal/batch"
	"github.com/journeyman32/marten/internal/ir"
	"github.com/journeyman32/marten/internal/schema"
)

type user struct {
	ID   string
	Name string
}

type issue struct {
	ID         string
	Title      string
	Status     string
	AssigneeID string
}

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	_, err := schema.Bind[user](reg, schema.DocumentType{Name: "User", OptimisticConcurrency: true})
	require.NoError(t, err)
	_, err = schema.Bind[issue](reg, schema.DocumentType{
		Name:        "Issue",
		ForeignKeys: []schema.ForeignKey{{Field: "AssigneeID", References: "User"}},
	})
	require.NoError(t, err)
	return reg
}

func materialize(t *testing.T, s *Storage, ops ...ir.Operation) *batch.Batch {
	t.Helper()
	batches, err := batch.Plan(ops, len(ops), s)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	return batches[0]
}

// rows serves a fixed list of single-row values.
type rows struct {
	values [][]any
	pos    int
}

func (r *rows) Next() bool {
	if r.pos >= len(r.values) {
		return false
	}
	r.pos++
	return true
}

func (r *rows) Scan(dest ...any) error {
	for i, d := range dest {
		*(d.(*int64)) = r.values[r.pos-1][i].(int64)
	}
	return nil
}

func (r *rows) Err() error { return nil }

func TestInsertStatement(t *testing.T) {
	s := New(testRegistry(t), "acme")
	doc := &issue{ID: "i1", Title: "broken", AssigneeID: "u1"}

	b := materialize(t, s, ir.Operation{Kind: ir.KindInsert, Type: "Issue", ID: "i1", Document: doc})

	stmts := b.Statements()
	require.Len(t, stmts, 1)
	assert.Equal(t,
		`INSERT INTO "mt_doc_issue" (tenant_id, id, data, version, doc_type, last_modified, "assignee_id") `+
			`VALUES (?, ?, ?, 1, ?, `+nowSQL+`, ?)`,
		stmts[0].SQL)
	assert.Equal(t, []any{"acme", "i1", `{"AssigneeID":"u1","ID":"i1","Status":"","Title":"broken"}`, "Issue", "u1"}, stmts[0].Args)
	assert.False(t, stmts[0].ReturnsRows)
	assert.Empty(t, b.Callbacks())
	assert.Len(t, b.Transforms(), 1)
}

func TestInsertUsesPrecomputedJSON(t *testing.T) {
	s := New(testRegistry(t), "")
	b := materialize(t, s, ir.Operation{
		Kind: ir.KindInsert, Type: "Issue", ID: "i1",
		Document: &issue{ID: "i1"},
		JSON:     []byte(`{"precomputed":true}`),
	})
	assert.Equal(t, `{"precomputed":true}`, b.Statements()[0].Args[2])
	assert.Equal(t, string(ir.DefaultTenant), b.Statements()[0].Args[0])
}

func TestTenantOverride(t *testing.T) {
	s := New(testRegistry(t), "acme")
	b := materialize(t, s, ir.Operation{Kind: ir.KindDelete, Type: "Issue", ID: "i1", Tenant: "globex"})
	assert.Equal(t, []any{"globex", "i1"}, b.Statements()[0].Args)
}

func TestVersionCheckedUpdate(t *testing.T) {
	s := New(testRegistry(t), "acme")
	var got int64
	op := ir.Operation{
		Kind: ir.KindUpdate, Type: "User", ID: "u1", Version: 3,
		Document:  &user{ID: "u1", Name: "Ann"},
		OnVersion: func(v int64) { got = v },
	}
	b := materialize(t, s, op)

	stmt := b.Statements()[0]
	assert.Equal(t,
		`UPDATE "mt_doc_user" SET data = ?, version = version + 1, doc_type = ?, last_modified = `+nowSQL+
			` WHERE tenant_id = ? AND id = ? AND version = ? RETURNING version`,
		stmt.SQL)
	assert.Equal(t, []any{`{"ID":"u1","Name":"Ann"}`, "User", "acme", "u1", int64(3)}, stmt.Args)
	require.True(t, stmt.ReturnsRows)

	cb := b.Callbacks()[0]
	var failures []error
	require.NoError(t, cb(&rows{values: [][]any{{int64(4)}}}, &failures))
	assert.Empty(t, failures)
	assert.Equal(t, int64(4), got)

	require.NoError(t, cb(&rows{}, &failures))
	require.Len(t, failures, 1)
	var ce *ir.ConcurrencyError
	require.ErrorAs(t, failures[0], &ce)
	assert.Equal(t, ir.TypeID("User"), ce.Type)
	assert.Equal(t, "u1", ce.ID)
	assert.Equal(t, int64(3), ce.Expected)
}

func TestUnversionedUpdateHasNoCallback(t *testing.T) {
	s := New(testRegistry(t), "acme")
	b := materialize(t, s, ir.Operation{Kind: ir.KindUpdate, Type: "Issue", ID: "i1", Document: &issue{ID: "i1"}})
	assert.False(t, b.Statements()[0].ReturnsRows)
	assert.Empty(t, b.Callbacks())
}

func TestUpsertStatement(t *testing.T) {
	s := New(testRegistry(t), "acme")
	b := materialize(t, s, ir.Operation{Kind: ir.KindUpsert, Type: "User", ID: "u1", Version: 2, Document: &user{ID: "u1"}})

	stmt := b.Statements()[0]
	assert.Contains(t, stmt.SQL, `ON CONFLICT (tenant_id, id) DO UPDATE SET data = excluded.data, version = "mt_doc_user".version + 1`)
	assert.Contains(t, stmt.SQL, `WHERE "mt_doc_user".version = ? RETURNING version`)
	assert.Equal(t, int64(2), stmt.Args[len(stmt.Args)-1])
	assert.Len(t, b.Callbacks(), 1)
}

func TestPatchUpdatesForeignKeyColumn(t *testing.T) {
	s := New(testRegistry(t), "acme")
	b := materialize(t, s, ir.Operation{
		Kind: ir.KindPatch, Type: "Issue", ID: "i1",
		Patch: []ir.PatchOp{{Path: "Status", Value: "closed"}, {Path: "$.AssigneeID", Value: "u2"}},
	})

	stmt := b.Statements()[0]
	assert.Equal(t,
		`UPDATE "mt_doc_issue" SET data = json_set(data, ?, json(?), ?, json(?)), version = version + 1, last_modified = `+nowSQL+
			`, "assignee_id" = ? WHERE tenant_id = ? AND id = ?`,
		stmt.SQL)
	assert.Equal(t, []any{"$.Status", `"closed"`, "$.AssigneeID", `"u2"`, "u2", "acme", "i1"}, stmt.Args)
}

func TestPatchRequiresAssignments(t *testing.T) {
	_, err := batch.Plan([]ir.Operation{{Kind: ir.KindPatch, Type: "Issue", ID: "i1"}}, 1, New(testRegistry(t), ""))
	assert.Error(t, err)

	_, err = batch.Plan([]ir.Operation{{Kind: ir.KindPatch, Type: "Issue", ID: "i1", Patch: []ir.PatchOp{{Path: "$"}}}}, 1, New(testRegistry(t), ""))
	assert.Error(t, err)
}

func TestMaterializeErrors(t *testing.T) {
	s := New(testRegistry(t), "")
	tests := []ir.Operation{
		{Kind: ir.KindInsert, Type: "Ghost", ID: "x"},
		{Kind: ir.KindInsert, Type: "Issue", Document: &issue{}},
		{Kind: ir.KindInsert, Type: "Issue", ID: "i1"},
		{Kind: ir.KindEventAppend},
		{Kind: ir.KindAncillary},
		{Kind: ir.Kind(42)},
	}
	for _, op := range tests {
		_, err := batch.Plan([]ir.Operation{op}, 1, s)
		assert.Error(t, err, op.String())
	}
}

func TestIDReadFromDocument(t *testing.T) {
	s := New(testRegistry(t), "")
	b := materialize(t, s, ir.Operation{Kind: ir.KindDelete, Type: "Issue", Document: &issue{ID: "from-doc"}})
	assert.Equal(t, "from-doc", b.Statements()[0].Args[1])
}

func TestDocumentExistsTransform(t *testing.T) {
	s := New(testRegistry(t), "")
	b := materialize(t, s,
		ir.Operation{Kind: ir.KindDelete, Type: "Issue", ID: "old"},
		ir.Operation{Kind: ir.KindInsert, Type: "Issue", ID: "i1", Document: &issue{ID: "i1"}},
	)
	transform := b.Transforms()[0]

	unique := &ir.ConstraintError{Code: ir.ConstraintUnique, Err: errors.New("UNIQUE constraint failed")}
	mapped, ok := transform(&ir.CommandError{Index: 1, Err: unique})
	require.True(t, ok)
	var exists *ir.DocumentExistsError
	require.ErrorAs(t, mapped, &exists)
	assert.Equal(t, "i1", exists.ID)

	_, ok = transform(&ir.CommandError{Index: 0, Err: unique})
	assert.False(t, ok, "other statements are not this insert")

	fk := &ir.ConstraintError{Code: ir.ConstraintForeignKey, Err: errors.New("FOREIGN KEY constraint failed")}
	_, ok = transform(&ir.CommandError{Index: 1, Err: fk})
	assert.False(t, ok)
}

func TestStartStream(t *testing.T) {
	s := New(testRegistry(t), "acme", WithTokenGenerator(ir.NewFixedGenerator("tok")))
	stream := &ir.EventStream{Key: ir.StringKey("order-1"), AggregateType: "Order", IsNew: true}
	stream.Append(&ir.Event{ID: "e1", Type: "Created"}, &ir.Event{ID: "e2", Type: "Paid"})

	b := materialize(t, s, ir.Operation{Kind: ir.KindEventAppend, Stream: stream})

	stmts := b.Statements()
	require.Len(t, stmts, 3)
	assert.Contains(t, stmts[0].SQL, "INSERT INTO mt_streams")
	assert.NotContains(t, stmts[0].SQL, "ON CONFLICT")
	assert.Equal(t, []any{"acme", "order-1", "Order", int64(2), "tok"}, stmts[0].Args)
	assert.Equal(t, "e1", stmts[1].Args[0])
	assert.Equal(t, int64(1), stmts[1].Args[1], "first event sits one below the new stream version")
	assert.Equal(t, int64(0), stmts[2].Args[1])
	assert.Len(t, b.Callbacks(), 3)
	assert.Len(t, b.Transforms(), 1)

	cbs := b.Callbacks()
	var failures []error
	require.NoError(t, cbs[0](&rows{values: [][]any{{int64(2)}}}, &failures))
	require.NoError(t, cbs[1](&rows{values: [][]any{{int64(10), int64(1)}}}, &failures))
	require.NoError(t, cbs[2](&rows{values: [][]any{{int64(11), int64(2)}}}, &failures))
	assert.Empty(t, failures)
	assert.Equal(t, int64(2), stream.Version)
	assert.Equal(t, int64(10), stream.Events[0].Sequence)
	assert.Equal(t, int64(2), stream.Events[1].Version)
}

func TestAppendWithExpectedVersion(t *testing.T) {
	s := New(testRegistry(t), "acme", WithTokenGenerator(ir.NewFixedGenerator("tok")))
	stream := &ir.EventStream{Key: ir.StringKey("order-1"), ExpectedVersion: 4}
	stream.Append(&ir.Event{ID: "e5", Type: "Shipped"})

	b := materialize(t, s, ir.Operation{Kind: ir.KindEventAppend, Stream: stream})

	stmt := b.Statements()[0]
	assert.Contains(t, stmt.SQL, "ON CONFLICT (tenant_id, id) DO UPDATE")
	assert.Contains(t, stmt.SQL, "WHERE mt_streams.version = ? RETURNING version")
	assert.Empty(t, b.Transforms())

	cb := b.Callbacks()[0]
	var failures []error
	require.NoError(t, cb(&rows{}, &failures))
	require.NoError(t, cb(&rows{values: [][]any{{int64(1)}}}, &failures), "stream created instead of extended")
	require.NoError(t, cb(&rows{values: [][]any{{int64(5)}}}, &failures))
	require.Len(t, failures, 2)
	assert.True(t, ir.IsConcurrencyError(failures[0]))
	assert.Equal(t, int64(5), stream.Version)
}

func TestEmptyStreamWritesNothing(t *testing.T) {
	s := New(testRegistry(t), "")
	b := materialize(t, s, ir.Operation{Kind: ir.KindEventAppend, Stream: &ir.EventStream{Key: ir.StringKey("s")}})
	assert.Empty(t, b.Statements())
}

func TestReserveSequence(t *testing.T) {
	var lo, hi int64
	cmd := &ReserveSequence{Entity: "Counter", BlockSize: 50, OnReserve: func(l, h int64) { lo, hi = l, h }}
	s := New(testRegistry(t), "acme")

	b := materialize(t, s, ir.Operation{Kind: ir.KindAncillary, Command: cmd})
	stmt := b.Statements()[0]
	assert.Equal(t, []any{"acme", "Counter"}, stmt.Args)
	assert.True(t, stmt.ReturnsRows)

	var failures []error
	require.NoError(t, b.Callbacks()[0](&rows{values: [][]any{{int64(3)}}}, &failures))
	assert.Equal(t, int64(101), lo)
	assert.Equal(t, int64(150), hi)

	assert.Error(t, b.Callbacks()[0](&rows{}, &failures))
	assert.Equal(t, "reserve Counter", cmd.Describe())
}

func TestRawCommand(t *testing.T) {
	cmd := &Raw{SQL: "DELETE FROM mt_events WHERE type = ?", Args: []any{"Noise"}}
	b := materialize(t, New(testRegistry(t), ""), ir.Operation{Kind: ir.KindAncillary, Command: cmd})
	assert.Equal(t, cmd.SQL, b.Statements()[0].SQL)
	assert.Empty(t, b.Callbacks())
	assert.Equal(t, "raw sql", cmd.Describe())
}

func TestTableDDL(t *testing.T) {
	reg := testRegistry(t)
	_, err := reg.Register(schema.DocumentType{
		Name:        "Category",
		ForeignKeys: []schema.ForeignKey{{Field: "ParentID", References: "Category"}},
	})
	require.NoError(t, err)

	stmts, err := TableDDL(reg, "Issue")
	require.NoError(t, err)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], `CREATE TABLE IF NOT EXISTS "mt_doc_issue"`)
	assert.Contains(t, stmts[0], `"assignee_id" TEXT,`)
	assert.Contains(t, stmts[0], `FOREIGN KEY (tenant_id, "assignee_id") REFERENCES "mt_doc_user" (tenant_id, id)`+"\n)")
	assert.Contains(t, stmts[1], `CREATE INDEX IF NOT EXISTS "idx_mt_doc_issue_assignee_id"`)

	stmts, err = TableDDL(reg, "Category")
	require.NoError(t, err)
	assert.Contains(t, stmts[0], "DEFERRABLE INITIALLY DEFERRED")

	all, err := SchemaDDL(reg)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	_, err = TableDDL(reg, "Ghost")
	assert.Error(t, err)
}
