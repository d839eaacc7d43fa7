package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/journeyman32/marten/internal/batch"
	"github.com/journeyman32/marten/internal/ir"
	"github.com/journeyman32/marten/internal/schema"
	"github.com/journeyman32/marten/internal/store"
	"github.com/journeyman32/marten/internal/unitofwork"
)

// Session accumulates changes and commits them in one transaction.
//
// Thread-safety model:
//   - Mutations, event appends and pending queries: safe from any goroutine
//   - SaveChanges / SaveChangesAsync: commits are serialized per session
//
// Work recorded while a commit is running belongs to the next commit.
type Session struct {
	store   *store.Store
	reg     *schema.Registry
	pending *unitofwork.Pending
	tracked *identityMap

	tenant    ir.TenantID
	batchSize int
	ids       ir.IDGenerator
	commitIDs ir.IDGenerator
	now       func() time.Time
	logger    *slog.Logger

	// commitMu serializes commits.
	commitMu sync.Mutex

	// stagedMu guards versions reported during the running commit. They
	// reach the identity map only when the commit succeeds.
	stagedMu sync.Mutex
	staged   map[any]int64

	// eventsMu serializes appends to pending streams.
	eventsMu sync.Mutex
}

// Option configures a Session.
type Option func(*Session)

// WithBatchSize sets the maximum number of operations per batch.
//
// Default: 100 (batch.DefaultCapacity)
func WithBatchSize(n int) Option {
	return func(s *Session) {
		s.batchSize = n
	}
}

// WithTenant sets the tenant operations write to unless they override it.
func WithTenant(tenant ir.TenantID) Option {
	return func(s *Session) {
		s.tenant = tenant
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// WithIDGenerator sets the generator for document and event ids.
// Use ir.NewFixedGenerator in tests for deterministic ids.
func WithIDGenerator(g ir.IDGenerator) Option {
	return func(s *Session) {
		s.ids = g
	}
}

// WithClock sets the source of event timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// New opens a session against st using the mappings in reg.
func New(st *store.Store, reg *schema.Registry, opts ...Option) *Session {
	s := &Session{
		store:     st,
		reg:       reg,
		pending:   unitofwork.NewPending(reg),
		tenant:    ir.DefaultTenant,
		batchSize: batch.DefaultCapacity,
		ids:       ir.UUIDv7Generator{},
		commitIDs: ir.UUIDv7Generator{},
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.Default(),
		staged:    make(map[any]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tenant == "" {
		s.tenant = ir.DefaultTenant
	}

	s.tracked = newIdentityMap(s.stageVersion, s.logger)
	s.pending.RegisterTracker(s.tracked)
	return s
}

// Tenant returns the session's default tenant.
func (s *Session) Tenant() ir.TenantID {
	return s.tenant
}

// Insert records inserts. Documents with an empty string id are assigned one.
func (s *Session) Insert(docs ...any) error {
	return s.recordDocuments(ir.KindInsert, "", docs)
}

// Update records updates. A loaded document carries the version it was
// loaded at, which version-checked types use as their predicate.
func (s *Session) Update(docs ...any) error {
	return s.recordDocuments(ir.KindUpdate, "", docs)
}

// Store records upserts. Documents with an empty string id are assigned one.
func (s *Session) Store(docs ...any) error {
	return s.recordDocuments(ir.KindUpsert, "", docs)
}

// Delete records deletes of the given documents.
func (s *Session) Delete(docs ...any) error {
	return s.recordDocuments(ir.KindDelete, "", docs)
}

// DeleteByID records deletes by id for a document type.
func (s *Session) DeleteByID(typ ir.TypeID, ids ...string) error {
	return s.deleteByID(typ, "", ids)
}

// Patch records JSON path assignments on one stored document.
func (s *Session) Patch(typ ir.TypeID, id string, assignments ...ir.PatchOp) error {
	return s.PatchMany(typ, []string{id}, assignments...)
}

// PatchMany records the same assignments on several stored documents.
func (s *Session) PatchMany(typ ir.TypeID, ids []string, assignments ...ir.PatchOp) error {
	return s.patch(typ, "", ids, assignments)
}

// QueueOperation records an ancillary command. It runs after every document
// and stream operation of the commit, in recording order.
func (s *Session) QueueOperation(cmd ir.Command) {
	s.pending.Record(ir.Operation{Kind: ir.KindAncillary, Command: cmd})
}

// ForTenant returns mutations that write to tenant instead of the
// session's default.
func (s *Session) ForTenant(tenant ir.TenantID) *TenantOperations {
	return &TenantOperations{s: s, tenant: tenant}
}

// TenantOperations records mutations with a tenant override.
type TenantOperations struct {
	s      *Session
	tenant ir.TenantID
}

// Insert is Session.Insert for the tenant.
func (t *TenantOperations) Insert(docs ...any) error {
	return t.s.recordDocuments(ir.KindInsert, t.tenant, docs)
}

// Update is Session.Update for the tenant.
func (t *TenantOperations) Update(docs ...any) error {
	return t.s.recordDocuments(ir.KindUpdate, t.tenant, docs)
}

// Store is Session.Store for the tenant.
func (t *TenantOperations) Store(docs ...any) error {
	return t.s.recordDocuments(ir.KindUpsert, t.tenant, docs)
}

// Delete is Session.Delete for the tenant.
func (t *TenantOperations) Delete(docs ...any) error {
	return t.s.recordDocuments(ir.KindDelete, t.tenant, docs)
}

// DeleteByID is Session.DeleteByID for the tenant.
func (t *TenantOperations) DeleteByID(typ ir.TypeID, ids ...string) error {
	return t.s.deleteByID(typ, t.tenant, ids)
}

// Patch is Session.Patch for the tenant.
func (t *TenantOperations) Patch(typ ir.TypeID, id string, assignments ...ir.PatchOp) error {
	return t.s.patch(typ, t.tenant, []string{id}, assignments)
}

// recordDocuments resolves every document before recording any, so a bad
// argument records nothing.
func (s *Session) recordDocuments(kind ir.Kind, tenant ir.TenantID, docs []any) error {
	ops := make([]ir.Operation, 0, len(docs))
	for _, doc := range docs {
		op, err := s.documentOperation(kind, tenant, doc)
		if err != nil {
			return fmt.Errorf("%s: %w", kind, err)
		}
		ops = append(ops, op)
	}
	for _, op := range ops {
		s.pending.Record(op)
	}
	return nil
}

func (s *Session) documentOperation(kind ir.Kind, tenant ir.TenantID, doc any) (ir.Operation, error) {
	typ, ok := s.reg.TypeOf(doc)
	if !ok {
		return ir.Operation{}, fmt.Errorf("%T is not a registered document type", doc)
	}
	dt := s.reg.MustLookup(typ)

	id, err := dt.IDOf(doc)
	if err != nil {
		return ir.Operation{}, err
	}
	if id == "" {
		if kind != ir.KindInsert && kind != ir.KindUpsert {
			return ir.Operation{}, fmt.Errorf("%s document has no id", typ)
		}
		id = s.ids.Generate()
		if err := dt.SetID(doc, id); err != nil {
			return ir.Operation{}, err
		}
	}

	op := ir.Operation{
		Kind:     kind,
		Type:     typ,
		Document: doc,
		ID:       id,
		Tenant:   tenant,
		Version:  s.tracked.version(doc),
	}
	if kind != ir.KindDelete {
		op.OnVersion = s.stageVersion(doc)
	}
	return op, nil
}

func (s *Session) deleteByID(typ ir.TypeID, tenant ir.TenantID, ids []string) error {
	if _, ok := s.reg.Lookup(typ); !ok {
		return fmt.Errorf("delete: unknown document type %q", typ)
	}
	for _, id := range ids {
		s.pending.Record(ir.Operation{Kind: ir.KindDelete, Type: typ, ID: id, Tenant: tenant})
	}
	return nil
}

func (s *Session) patch(typ ir.TypeID, tenant ir.TenantID, ids []string, assignments []ir.PatchOp) error {
	if _, ok := s.reg.Lookup(typ); !ok {
		return fmt.Errorf("patch: unknown document type %q", typ)
	}
	if len(assignments) == 0 {
		return fmt.Errorf("patch %s: no assignments", typ)
	}
	for _, id := range ids {
		s.pending.Record(ir.Operation{
			Kind:   ir.KindPatch,
			Type:   typ,
			ID:     id,
			Tenant: tenant,
			Patch:  append([]ir.PatchOp(nil), assignments...),
		})
	}
	return nil
}

// stageVersion returns the OnVersion hook for doc.
func (s *Session) stageVersion(doc any) func(int64) {
	return func(version int64) {
		s.stagedMu.Lock()
		s.staged[doc] = version
		s.stagedMu.Unlock()
	}
}

// Contains reports whether doc itself has a pending operation.
func (s *Session) Contains(doc any) bool {
	return s.pending.Contains(doc)
}

// Eject removes doc's pending operations and stops tracking it. Other
// instances of the same type are untouched.
func (s *Session) Eject(doc any) {
	removed := s.pending.Eject(doc)
	s.tracked.forgetDoc(doc)
	s.logger.Debug("document ejected", "type", fmt.Sprintf("%T", doc), "operations", removed)
}

// HasPendingWork reports whether SaveChanges would write anything,
// including changes to loaded documents.
func (s *Session) HasPendingWork() bool {
	return s.pending.HasPendingWork()
}
