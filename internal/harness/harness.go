package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"

	"github.com/journeyman32/marten/internal/ir"
	"github.com/journeyman32/marten/internal/schema"
	"github.com/journeyman32/marten/internal/session"
	"github.com/journeyman32/marten/internal/store"
	"github.com/journeyman32/marten/internal/testutil"
)

// DefaultSession names the session of steps that do not name one.
const DefaultSession = "main"

type docKey struct {
	session string
	typ     ir.TypeID
	id      string
}

// Harness is the scenario execution engine.
// It runs scenarios with deterministic clocks and ids. clock numbers trace
// entries and stamps dates events, so appends never shift trace numbering.
type Harness struct {
	store    *store.Store
	reg      *schema.Registry
	scenario *Scenario
	sessions map[string]*session.Session
	docs     map[docKey]any
	clock    *testutil.DeterministicClock
	stamps   *testutil.DeterministicClock
	ids      *testutil.SequentialIDs
	logger   *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Execution flow:
//  1. Compile the document mappings and bind run-time document types
//  2. Open an in-memory store and create the document tables
//  3. Execute the steps, checking each commit's outcome
//  4. Evaluate assertions against the trace and the stored state
//
// A returned error means the scenario itself is broken. Unexpected commit
// outcomes and failed assertions are reported in the Result.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a context bounding every store call.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg, err := compileSchema(scenario)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(":memory:", store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx, reg); err != nil {
		return nil, err
	}

	h := &Harness{
		store:    st,
		reg:      reg,
		scenario: scenario,
		sessions: make(map[string]*session.Session),
		docs:     make(map[docKey]any),
		clock:    testutil.NewDeterministicClock(),
		stamps:   testutil.NewDeterministicClock(),
		ids:      testutil.NewSequentialIDs(""),
		logger:   logger,
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, step, result); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Op, err)
		}
	}

	actx := &AssertionContext{
		Ctx:      ctx,
		Store:    st,
		Registry: reg,
		Tenant:   h.tenant(),
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}
	return result, nil
}

// compileSchema builds a registry from the scenario's inline schema and
// schema files.
func compileSchema(scenario *Scenario) (*schema.Registry, error) {
	var types []schema.DocumentType
	if scenario.Schema != "" {
		compiled, err := schema.CompileString(scenario.Schema)
		if err != nil {
			return nil, fmt.Errorf("compile schema: %w", err)
		}
		types = append(types, compiled...)
	}
	for _, path := range scenario.SchemaFiles {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read schema file: %w", err)
		}
		compiled, err := schema.CompileString(string(src))
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", path, err)
		}
		types = append(types, compiled...)
	}

	reg, err := testutil.BindDocuments(types)
	if err != nil {
		return nil, fmt.Errorf("bind documents: %w", err)
	}
	if errs := reg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid schema: %w", errs[0])
	}
	return reg, nil
}

func (h *Harness) tenant() ir.TenantID {
	if h.scenario.Tenant == "" {
		return ir.DefaultTenant
	}
	return ir.TenantID(h.scenario.Tenant)
}

// sessionFor returns the named session, opening it on first use.
func (h *Harness) sessionFor(name string) *session.Session {
	if s, ok := h.sessions[name]; ok {
		return s
	}
	opts := []session.Option{
		session.WithTenant(h.tenant()),
		session.WithIDGenerator(h.ids),
		session.WithClock(h.stamps.Now),
		session.WithLogger(h.logger),
	}
	if h.scenario.BatchSize > 0 {
		opts = append(opts, session.WithBatchSize(h.scenario.BatchSize))
	}
	s := session.New(h.store, h.reg, opts...)
	h.sessions[name] = s
	return s
}

func (h *Harness) executeStep(ctx context.Context, step Step, result *Result) error {
	name := step.Session
	if name == "" {
		name = DefaultSession
	}
	s := h.sessionFor(name)
	key := docKey{session: name, typ: ir.TypeID(step.Type), id: step.ID}

	switch step.Op {
	case OpInsert, OpStore, OpUpdate:
		doc, err := h.document(key, step)
		if err != nil {
			return err
		}
		return h.record(s, step, doc)

	case OpModify:
		doc, ok := h.docs[key]
		if !ok {
			return fmt.Errorf("%s/%s is not held by session %s", step.Type, step.ID, name)
		}
		return applyStep(doc, step)

	case OpDelete:
		if doc, ok := h.docs[key]; ok {
			delete(h.docs, key)
			return h.tenantOps(s, step).Delete(doc)
		}
		return h.tenantOps(s, step).DeleteByID(key.typ, step.ID)

	case OpPatch:
		return h.tenantOps(s, step).Patch(key.typ, step.ID, patchOps(step.Set)...)

	case OpLoad:
		doc, err := s.LoadByType(ctx, key.typ, step.ID)
		if err != nil {
			return err
		}
		h.docs[key] = doc
		return nil

	case OpStart:
		_, err := s.Events().StartStream(ir.StringKey(step.Stream), step.Aggregate, events(step.Events)...)
		return err

	case OpAppend:
		streamKey := ir.StringKey(step.Stream)
		if step.ExpectedVersion > 0 {
			s.Events().AppendExpected(streamKey, step.ExpectedVersion, events(step.Events)...)
		} else {
			s.Events().Append(streamKey, events(step.Events)...)
		}
		return nil

	case OpCommit:
		h.commit(ctx, name, s, step, result)
		return nil
	}
	return fmt.Errorf("unknown op %q", step.Op)
}

// document returns the held instance for key with the step applied, or a
// new one.
func (h *Harness) document(key docKey, step Step) (any, error) {
	doc, ok := h.docs[key]
	if !ok {
		var err error
		doc, err = testutil.NewDocument(h.reg, key.typ, key.id)
		if err != nil {
			return nil, err
		}
		h.docs[key] = doc
	}
	if err := applyStep(doc, step); err != nil {
		return nil, err
	}
	return doc, nil
}

func applyStep(doc any, step Step) error {
	for _, field := range sortedKeys(step.Refs) {
		if err := testutil.SetReference(doc, field, step.Refs[field]); err != nil {
			return err
		}
	}
	for _, name := range sortedKeys(step.Fields) {
		if err := testutil.SetField(doc, name, step.Fields[name]); err != nil {
			return err
		}
	}
	return nil
}

// documentRecorder is the part of a session or tenant override that
// records document operations.
type documentRecorder interface {
	Insert(docs ...any) error
	Update(docs ...any) error
	Store(docs ...any) error
	Delete(docs ...any) error
	DeleteByID(typ ir.TypeID, ids ...string) error
	Patch(typ ir.TypeID, id string, assignments ...ir.PatchOp) error
}

func (h *Harness) tenantOps(s *session.Session, step Step) documentRecorder {
	if step.Tenant != "" {
		return s.ForTenant(ir.TenantID(step.Tenant))
	}
	return s
}

func (h *Harness) record(s *session.Session, step Step, doc any) error {
	ops := h.tenantOps(s, step)
	switch step.Op {
	case OpInsert:
		return ops.Insert(doc)
	case OpStore:
		return ops.Store(doc)
	default:
		return ops.Update(doc)
	}
}

// commit saves the session and records the outcome. Only a successful
// commit adds operations to the trace.
func (h *Harness) commit(ctx context.Context, name string, s *session.Session, step Step, result *Result) {
	changes, err := s.SaveChanges(ctx)
	outcome := Outcome(err)
	if err == nil {
		for _, op := range changes.Operations {
			result.AddOperationTrace(name, op.String(), h.clock.Next())
		}
	}
	result.AddCommitTrace(name, outcome, h.clock.Next())

	expected := step.Expect
	if expected == "" {
		expected = OutcomeOK
	}
	if outcome != expected {
		msg := fmt.Sprintf("commit in session %s: outcome %s, expected %s", name, outcome, expected)
		if err != nil {
			msg += ": " + err.Error()
		}
		result.AddError(msg)
	}
	h.logger.Info("commit step completed", "session", name, "outcome", outcome)
}

func events(steps []EventStep) []any {
	out := make([]any, len(steps))
	for i, e := range steps {
		out[i] = &ir.Event{Type: e.Type, Data: e.Data}
	}
	return out
}

// patchOps orders assignments by path so runs are repeatable.
func patchOps(set map[string]any) []ir.PatchOp {
	ops := make([]ir.PatchOp, 0, len(set))
	for _, path := range sortedKeys(set) {
		ops = append(ops, ir.PatchOp{Path: path, Value: set[path]})
	}
	return ops
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
