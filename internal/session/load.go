package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/journeyman32/marten/internal/ir"
	"github.com/journeyman32/marten/internal/store"
)

// Load returns the document of type T with id.
//
// A document the session already holds is returned as the same pointer
// without reading the store. A newly read document is tracked: changes made
// to it are written by the next SaveChanges without calling Update.
// A missing document returns an error wrapping store.ErrNotFound.
func Load[T any](ctx context.Context, s *Session, id string) (*T, error) {
	typ, ok := s.reg.TypeOf((*T)(nil))
	if !ok {
		var zero T
		return nil, fmt.Errorf("load: %T is not a registered document type", zero)
	}

	doc, err := s.load(ctx, typ, id, func() any { return new(T) })
	if err != nil {
		return nil, err
	}
	typed, ok := doc.(*T)
	if !ok {
		return nil, fmt.Errorf("load %s/%s: session holds a %T", typ, id, doc)
	}
	return typed, nil
}

// LoadByType is Load for callers that only have the type name. The result
// is a pointer to the struct bound to typ.
func (s *Session) LoadByType(ctx context.Context, typ ir.TypeID, id string) (any, error) {
	dt, ok := s.reg.Lookup(typ)
	if !ok {
		return nil, fmt.Errorf("load: unknown document type %q", typ)
	}
	goType := dt.GoType()
	if goType == nil {
		return nil, fmt.Errorf("load: %s is not bound to a Go type", typ)
	}
	return s.load(ctx, typ, id, func() any { return reflect.New(goType).Interface() })
}

func (s *Session) load(ctx context.Context, typ ir.TypeID, id string, alloc func() any) (any, error) {
	key := identityKey{typ: typ, tenant: s.tenant, id: id}
	if doc, ok := s.tracked.get(key); ok {
		return doc, nil
	}

	row, err := s.store.LoadDocument(ctx, s.reg, s.tenant, typ, id)
	if err != nil {
		return nil, err
	}

	doc := alloc()
	if err := json.Unmarshal(row.Data, doc); err != nil {
		return nil, fmt.Errorf("load %s/%s: decode: %w", typ, id, err)
	}
	if err := s.tracked.track(key, doc, row.Version); err != nil {
		return nil, fmt.Errorf("load %s/%s: %w", typ, id, err)
	}
	return doc, nil
}

// IsNotFound reports whether err means the document or stream does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
