package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/journeyman32/marten/internal/ir"
	"github.com/journeyman32/marten/internal/schema"
	"github.com/journeyman32/marten/internal/storage"
	"github.com/journeyman32/marten/internal/store"
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

type orderPlaced struct {
	Total int
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

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

func openStore(t *testing.T, reg *schema.Registry) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:", store.WithLogger(discard))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background(), reg))
	return st
}

func newSession(st *store.Store, reg *schema.Registry, opts ...Option) *Session {
	return New(st, reg, append([]Option{WithLogger(discard)}, opts...)...)
}

func TestStoreOrdersReferencedTypeFirst(t *testing.T) {
	reg := testRegistry(t)
	s := newSession(openStore(t, reg), reg)

	require.NoError(t, s.Store(&issue{ID: "i1", AssigneeID: "u1"}))
	require.NoError(t, s.Store(&user{ID: "u1", Name: "Ann"}))

	changes, err := s.SaveChanges(context.Background())
	require.NoError(t, err, "the foreign key is enforced, so the user row must exist first")

	require.Len(t, changes.Operations, 2)
	assert.Equal(t, ir.TypeID("User"), changes.Operations[0].Type)
	assert.Equal(t, ir.TypeID("Issue"), changes.Operations[1].Type)
	assert.False(t, s.HasPendingWork())
}

func TestTwoSessionsConflictOnVersion(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	st := openStore(t, reg)

	seed := newSession(st, reg)
	require.NoError(t, seed.Insert(&user{ID: "u1", Name: "Ann"}))
	_, err := seed.SaveChanges(ctx)
	require.NoError(t, err)

	first, second := newSession(st, reg), newSession(st, reg)
	a, err := Load[user](ctx, first, "u1")
	require.NoError(t, err)
	b, err := Load[user](ctx, second, "u1")
	require.NoError(t, err)

	a.Name = "from first"
	b.Name = "from second"

	_, err = first.SaveChanges(ctx)
	require.NoError(t, err)

	_, err = second.SaveChanges(ctx)
	var agg *ir.AggregateError
	require.ErrorAs(t, err, &agg)
	conflicts := ir.ConcurrencyErrors(err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "u1", conflicts[0].ID)
	assert.Equal(t, ir.TypeID("User"), conflicts[0].Type)
	assert.True(t, second.HasPendingWork(), "failed commit keeps the dirty change")

	stored, err := Load[user](ctx, newSession(st, reg), "u1")
	require.NoError(t, err)
	assert.Equal(t, "from first", stored.Name)
}

func TestCycleFailsBeforeAnyStatement(t *testing.T) {
	ctx := context.Background()
	reg := schema.NewRegistry()
	for _, dt := range []schema.DocumentType{
		{Name: "Node1", ForeignKeys: []schema.ForeignKey{{Field: "Node3ID", References: "Node3"}}},
		{Name: "Node2", ForeignKeys: []schema.ForeignKey{{Field: "Node1ID", References: "Node1"}}},
		{Name: "Node3", ForeignKeys: []schema.ForeignKey{{Field: "Node2ID", References: "Node2"}}},
	} {
		_, err := reg.Register(dt)
		require.NoError(t, err)
	}
	st := openStore(t, reg)
	s := newSession(st, reg)

	for _, typ := range []ir.TypeID{"Node1", "Node2", "Node3"} {
		require.NoError(t, s.DeleteByID(typ, "1"))
	}
	require.NoError(t, s.Patch("Node1", "1", ir.PatchOp{Path: "Name", Value: "x"}))

	_, err := s.SaveChanges(ctx)
	var ce *ir.CycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []ir.TypeID{"Node1", "Node2", "Node3"}, ce.Types)
	assert.Len(t, s.PendingOperations(), 4)
}

func TestLoadUsesIdentityMapAndTracksChanges(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	st := openStore(t, reg)

	seed := newSession(st, reg)
	require.NoError(t, seed.Insert(&user{ID: "u1", Name: "Ann"}))
	_, err := seed.SaveChanges(ctx)
	require.NoError(t, err)

	s := newSession(st, reg)
	first, err := Load[user](ctx, s, "u1")
	require.NoError(t, err)
	again, err := Load[user](ctx, s, "u1")
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.False(t, s.HasPendingWork())

	first.Name = "Bea"
	assert.True(t, s.HasPendingWork())

	changes, err := s.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{first}, changes.Updated)
	assert.False(t, s.HasPendingWork())

	// The staged version is now the predicate for the next update.
	first.Name = "Cid"
	_, err = s.SaveChanges(ctx)
	require.NoError(t, err)

	stored, err := Load[user](ctx, newSession(st, reg), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Cid", stored.Name)

	empty, err := s.SaveChanges(ctx)
	require.NoError(t, err)
	assert.True(t, empty.Empty())
}

func TestLoadMissing(t *testing.T) {
	reg := testRegistry(t)
	s := newSession(openStore(t, reg), reg)

	_, err := Load[user](context.Background(), s, "nobody")
	assert.True(t, IsNotFound(err))

	type unregistered struct{ ID string }
	_, err = Load[unregistered](context.Background(), s, "x")
	assert.Error(t, err)
}

func TestStoredDocumentKeepsUnicodeForm(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	st := openStore(t, reg)

	s := newSession(st, reg)
	require.NoError(t, s.Insert(&user{ID: "u1", Name: "e\u0301"}))
	_, err := s.SaveChanges(ctx)
	require.NoError(t, err)

	row, err := st.LoadDocument(ctx, reg, ir.DefaultTenant, "User", "u1")
	require.NoError(t, err)
	assert.Contains(t, string(row.Data), "e\u0301")

	loaded, err := Load[user](ctx, newSession(st, reg), "u1")
	require.NoError(t, err)
	assert.Equal(t, "e\u0301", loaded.Name)
}

func TestDirtyDetectionSeesUnicodeFormChange(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	st := openStore(t, reg)

	seed := newSession(st, reg)
	require.NoError(t, seed.Insert(&user{ID: "u1", Name: "\u00e9"}))
	_, err := seed.SaveChanges(ctx)
	require.NoError(t, err)

	s := newSession(st, reg)
	loaded, err := Load[user](ctx, s, "u1")
	require.NoError(t, err)
	require.False(t, s.HasPendingWork())

	loaded.Name = "e\u0301"
	assert.True(t, s.HasPendingWork())

	changes, err := s.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{loaded}, changes.Updated)
	assert.False(t, s.HasPendingWork(), "the written form is the new snapshot")

	stored, err := Load[user](ctx, newSession(st, reg), "u1")
	require.NoError(t, err)
	assert.Equal(t, "e\u0301", stored.Name)
}

func TestInsertAssignsIDs(t *testing.T) {
	reg := testRegistry(t)
	s := newSession(openStore(t, reg), reg, WithIDGenerator(ir.NewFixedGenerator("generated-1")))

	u := &user{Name: "Ann"}
	require.NoError(t, s.Insert(u))
	assert.Equal(t, "generated-1", u.ID)

	assert.Error(t, s.Update(&user{}), "updates need an id")
	assert.Error(t, s.Insert(&struct{ ID string }{}), "unregistered type")
	assert.Len(t, s.PendingInserts(), 1)
}

func TestFailedCommitCanBeRetried(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	st := openStore(t, reg)
	s := newSession(st, reg)

	iss := &issue{ID: "i1", AssigneeID: "u1"}
	require.NoError(t, s.Insert(iss))

	_, err := s.SaveChanges(ctx)
	var ce *ir.ConstraintError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ir.ConstraintForeignKey, ce.Code)
	assert.Equal(t, []any{iss}, s.PendingInserts())

	require.NoError(t, s.Insert(&user{ID: "u1"}))
	changes, err := s.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Len(t, changes.Inserted, 2)
	assert.Empty(t, s.PendingOperations())
}

func TestDuplicateInsertIsDocumentExists(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	st := openStore(t, reg)

	s := newSession(st, reg)
	require.NoError(t, s.Insert(&user{ID: "u1"}))
	_, err := s.SaveChanges(ctx)
	require.NoError(t, err)

	other := newSession(st, reg)
	require.NoError(t, other.Insert(&user{ID: "u1"}))
	_, err = other.SaveChanges(ctx)
	var exists *ir.DocumentExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, "u1", exists.ID)
}

func TestEjectKeepsOtherInstances(t *testing.T) {
	reg := testRegistry(t)
	s := newSession(openStore(t, reg), reg)

	a, b := &user{ID: "a"}, &user{ID: "b"}
	require.NoError(t, s.Insert(a, b))
	require.True(t, s.Contains(a))

	s.Eject(a)
	assert.False(t, s.Contains(a))
	assert.True(t, s.Contains(b))
	assert.False(t, s.Contains(&user{ID: "b"}), "identity, not equality")

	changes, err := s.SaveChanges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []any{b}, changes.Inserted)
}

func TestPendingQueries(t *testing.T) {
	reg := testRegistry(t)
	s := newSession(openStore(t, reg), reg)

	u, i := &user{ID: "u1"}, &issue{ID: "i1"}
	require.NoError(t, s.Insert(u))
	require.NoError(t, s.Store(i))
	require.NoError(t, s.Update(&user{ID: "u2"}))
	require.NoError(t, s.DeleteByID("Issue", "i9"))
	s.QueueOperation(&storage.Raw{SQL: "SELECT 1", Description: "noop"})

	assert.Equal(t, []any{u, i}, s.PendingInserts())
	assert.Equal(t, []any{i}, s.PendingInserts("Issue"))
	assert.Len(t, s.PendingUpdates(), 1)
	assert.Len(t, s.PendingDeletes("Issue"), 1)
	assert.Empty(t, s.PendingDeletes("User"))
	assert.Len(t, s.PendingOperations(), 5)
	assert.Len(t, s.PendingOperations("User"), 2)
}

func TestPatchAndDelete(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	st := openStore(t, reg)
	s := newSession(st, reg)

	require.NoError(t, s.Insert(&user{ID: "u1"}, &user{ID: "u2"}))
	require.NoError(t, s.Insert(&issue{ID: "i1", Status: "open"}, &issue{ID: "i2", Status: "open"}))
	_, err := s.SaveChanges(ctx)
	require.NoError(t, err)

	require.NoError(t, s.PatchMany("Issue", []string{"i1", "i2"},
		ir.PatchOp{Path: "Status", Value: "closed"},
		ir.PatchOp{Path: "$.AssigneeID", Value: "u2"},
	))
	_, err = s.SaveChanges(ctx)
	require.NoError(t, err)

	fresh := newSession(st, reg)
	got, err := Load[issue](ctx, fresh, "i2")
	require.NoError(t, err)
	assert.Equal(t, "closed", got.Status)
	assert.Equal(t, "u2", got.AssigneeID)

	// The assignee column follows the patch, so the user cannot go first.
	u2, err := Load[user](ctx, fresh, "u2")
	require.NoError(t, err)
	require.NoError(t, fresh.Delete(u2))
	_, err = fresh.SaveChanges(ctx)
	require.True(t, ir.IsConstraintError(err))
	fresh.Eject(u2)

	require.NoError(t, fresh.Delete(got))
	require.NoError(t, fresh.DeleteByID("Issue", "i1"))
	require.NoError(t, fresh.DeleteByID("User", "u2"))
	_, err = fresh.SaveChanges(ctx)
	require.NoError(t, err, "issue deletes run before the user delete")

	_, err = Load[issue](ctx, newSession(st, reg), "i1")
	assert.True(t, IsNotFound(err))
}

func TestEventStreams(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	st := openStore(t, reg)
	s := newSession(st, reg, WithIDGenerator(ir.NewFixedGenerator("e1", "e2", "e3")))

	key := ir.StringKey("order-1")
	_, err := s.Events().StartStream(key, "Order", orderPlaced{Total: 5})
	require.NoError(t, err)
	_, err = s.Events().StartStream(key, "Order")
	assert.Error(t, err, "already pending")

	s.Events().Append(key, &ir.Event{Type: "OrderPaid", Data: map[string]any{"paid": true}})
	require.Len(t, s.PendingStreams(), 1)

	changes, err := s.SaveChanges(ctx)
	require.NoError(t, err)
	require.Len(t, changes.Streams, 1)
	assert.Equal(t, int64(2), changes.Streams[0].Version)
	assert.Empty(t, s.PendingStreams())

	s.Events().AppendExpected(key, 2, orderPlaced{Total: 7})
	_, err = s.SaveChanges(ctx)
	require.NoError(t, err)

	stream, err := s.Events().FetchStream(ctx, key)
	require.NoError(t, err)
	require.Len(t, stream.Events, 3)
	assert.Equal(t, "orderPlaced", stream.Events[0].Type)
	assert.Equal(t, "e1", stream.Events[0].ID)
	assert.Equal(t, "OrderPaid", stream.Events[1].Type)

	other := newSession(st, reg)
	_, err = other.Events().StartStream(key, "Order", orderPlaced{})
	require.NoError(t, err)
	_, err = other.SaveChanges(ctx)
	var collision *ir.StreamCollisionError
	assert.ErrorAs(t, err, &collision)

	stale := newSession(st, reg)
	stale.Events().AppendExpected(key, 1, orderPlaced{})
	_, err = stale.SaveChanges(ctx)
	assert.True(t, ir.IsConcurrencyError(err))
}

func TestStreamKeyKindsShareOneStream(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	st := openStore(t, reg)
	s := newSession(st, reg)

	_, err := s.Events().StartStream(ir.NumericKey(42), "Order", orderPlaced{Total: 1})
	require.NoError(t, err)
	_, err = s.Events().StartStream(ir.StringKey("42"), "Order")
	assert.Error(t, err, "the string key names the pending stream")

	s.Events().Append(ir.StringKey("42"), orderPlaced{Total: 2})
	require.Len(t, s.PendingStreams(), 1)

	_, err = s.SaveChanges(ctx)
	require.NoError(t, err)

	stream, err := s.Events().FetchStream(ctx, ir.NumericKey(42))
	require.NoError(t, err)
	assert.Equal(t, int64(2), stream.Version)
	assert.Len(t, stream.Events, 2)
}

func TestChangeSetListsDeletesByID(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	st := openStore(t, reg)
	s := newSession(st, reg)

	u1, u2 := &user{ID: "u1"}, &user{ID: "u2"}
	require.NoError(t, s.Insert(u1, u2))
	_, err := s.SaveChanges(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Delete(u1))
	require.NoError(t, s.DeleteByID("User", "u2"))
	changes, err := s.SaveChanges(ctx)
	require.NoError(t, err)

	assert.Equal(t, []any{u1}, changes.Deleted)
	require.Len(t, changes.DeletedIDs, 2)
	assert.Equal(t, "u1", changes.DeletedIDs[0].ID)
	assert.Equal(t, "u2", changes.DeletedIDs[1].ID)
	assert.Equal(t, ir.TypeID("User"), changes.DeletedIDs[1].Type)
}

func TestTenantOverride(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	st := openStore(t, reg)
	s := newSession(st, reg)

	require.NoError(t, s.ForTenant("tenant-b").Insert(&user{ID: "u1", Name: "B"}))
	_, err := s.SaveChanges(ctx)
	require.NoError(t, err)

	_, err = Load[user](ctx, newSession(st, reg), "u1")
	assert.True(t, IsNotFound(err))

	got, err := Load[user](ctx, newSession(st, reg, WithTenant("tenant-b")), "u1")
	require.NoError(t, err)
	assert.Equal(t, "B", got.Name)
}

func TestQueueOperationRunsLast(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	s := newSession(openStore(t, reg), reg)

	var lo, hi int64
	s.QueueOperation(&storage.ReserveSequence{
		Entity:    "Invoice",
		BlockSize: 10,
		OnReserve: func(l, h int64) { lo, hi = l, h },
	})
	require.NoError(t, s.Insert(&user{ID: "u1"}))

	changes, err := s.SaveChanges(ctx)
	require.NoError(t, err)
	require.Len(t, changes.Operations, 2)
	assert.Equal(t, ir.KindAncillary, changes.Operations[1].Kind)
	assert.Equal(t, int64(1), lo)
	assert.Equal(t, int64(10), hi)
}

func TestSaveChangesAsync(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	s := newSession(openStore(t, reg), reg, WithBatchSize(1))

	require.NoError(t, s.Insert(&issue{ID: "i1", AssigneeID: "u1"}, &user{ID: "u1"}))
	res := <-s.SaveChangesAsync(ctx)
	require.NoError(t, res.Err)
	assert.Len(t, res.Changes.Operations, 2)

	res = <-s.SaveChangesAsync(ctx)
	require.NoError(t, res.Err)
	assert.True(t, res.Changes.Empty())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.NoError(t, s.Insert(&user{ID: "u2"}))
	res = <-s.SaveChangesAsync(cancelled)
	assert.True(t, errors.Is(res.Err, context.Canceled))
	assert.True(t, s.HasPendingWork())
}
