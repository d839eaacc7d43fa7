// Package storage materializes operations into SQLite statements.
//
// Storage is the per-commit storage strategy: it switches on the operation
// kind, serializes documents, adds version-check callbacks for types with
// optimistic concurrency, and registers exception transforms that give
// constraint violations a domain shape.
package storage

import (
	"fmt"
	"strings"

	"github.com/journeyman32/marten/internal/batch"
	"github.com/journeyman32/marten/internal/ir"
	"github.com/journeyman32/marten/internal/schema"
)

// Storage implements batch.Materializer for one commit.
type Storage struct {
	reg    *schema.Registry
	tenant ir.TenantID
	tokens ir.IDGenerator
}

// Option configures a Storage.
type Option func(*Storage)

// WithTokenGenerator sets the generator for stream commit tokens.
func WithTokenGenerator(g ir.IDGenerator) Option {
	return func(s *Storage) {
		s.tokens = g
	}
}

// New creates a storage strategy writing to tenant unless an operation
// overrides it.
func New(reg *schema.Registry, tenant ir.TenantID, opts ...Option) *Storage {
	if tenant == "" {
		tenant = ir.DefaultTenant
	}
	s := &Storage{reg: reg, tenant: tenant, tokens: ir.UUIDv7Generator{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ batch.Materializer = (*Storage)(nil)

// Materialize implements batch.Materializer.
func (s *Storage) Materialize(b *batch.Batch, op ir.Operation) error {
	tenant := s.tenantFor(op)

	switch op.Kind {
	case ir.KindInsert, ir.KindUpdate, ir.KindUpsert, ir.KindDelete, ir.KindPatch:
		dt, ok := s.reg.Lookup(op.Type)
		if !ok {
			return fmt.Errorf("unknown document type %q", op.Type)
		}
		return s.materializeDocument(b, dt, op, tenant)
	case ir.KindEventAppend:
		if op.Stream == nil {
			return fmt.Errorf("event append without a stream")
		}
		return s.materializeStream(b, op.Stream, tenant)
	case ir.KindAncillary:
		if op.Command == nil {
			return fmt.Errorf("ancillary operation without a command")
		}
		stmt, cb := op.Command.Statement(tenant)
		b.Add(stmt, cb)
		return nil
	default:
		return fmt.Errorf("unsupported operation kind %s", op.Kind)
	}
}

func (s *Storage) tenantFor(op ir.Operation) ir.TenantID {
	switch {
	case op.Tenant != "":
		return op.Tenant
	case op.Stream != nil && op.Stream.Tenant != "":
		return op.Stream.Tenant
	}
	return s.tenant
}

// quoteIdent quotes a table or column name.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// nowSQL is the timestamp expression stored in last_modified.
const nowSQL = `strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`
