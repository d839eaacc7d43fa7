package schema

import (
	"cmp"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/journeyman32/marten/internal/ir"
)

// Registry holds every known document type.
//
// Registration normally happens once at startup; lookups are safe for
// concurrent use with registration.
type Registry struct {
	mu     sync.RWMutex
	types  map[ir.TypeID]*DocumentType
	byType map[reflect.Type]ir.TypeID

	// roots maps every registered type to its top-level ancestor. Rebuilt on
	// each registration so rank lookups never walk parent chains.
	roots map[ir.TypeID]ir.TypeID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		types:  make(map[ir.TypeID]*DocumentType),
		byType: make(map[reflect.Type]ir.TypeID),
		roots:  make(map[ir.TypeID]ir.TypeID),
	}
}

// Register adds a document type, filling defaults for the table, id field
// and foreign key columns.
func (r *Registry) Register(dt DocumentType) (*DocumentType, error) {
	if dt.Name == "" {
		return nil, ValidationError{Field: "name", Message: "document type name is required", Code: ErrTypeNameEmpty}
	}
	if dt.IDField == "" {
		dt.IDField = "ID"
	}
	if dt.Table == "" && dt.Parent == "" {
		dt.Table = TableName(string(dt.Name))
	}
	fks := make([]ForeignKey, len(dt.ForeignKeys))
	for i, fk := range dt.ForeignKeys {
		if fk.Column == "" {
			fk.Column = snakeCase(fk.Field)
		}
		fks[i] = fk
	}
	dt.ForeignKeys = fks

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[dt.Name]; exists {
		return nil, ValidationError{
			Field:   string(dt.Name),
			Message: "document type registered twice",
			Code:    ErrDuplicateType,
		}
	}
	stored := &dt
	r.types[dt.Name] = stored
	if dt.goType != nil {
		r.byType[dt.goType] = dt.Name
	}
	r.rebuildRootsLocked()
	return stored, nil
}

// Bind registers dt as the mapping for the Go struct type T. Documents passed
// to a session are pointers to T.
func Bind[T any](r *Registry, dt DocumentType) (*DocumentType, error) {
	return BindType(r, dt, reflect.TypeOf((*T)(nil)).Elem())
}

// BindType is Bind for a struct type only known at run time, such as one
// built with reflect.StructOf.
func BindType(r *Registry, dt DocumentType, goType reflect.Type) (*DocumentType, error) {
	if goType == nil || goType.Kind() != reflect.Struct {
		return nil, fmt.Errorf("bind %s: %s is not a struct", dt.Name, goType)
	}
	if dt.Name == "" {
		dt.Name = ir.TypeID(goType.Name())
	}
	dt.goType = goType

	idField := dt.IDField
	if idField == "" {
		idField = "ID"
	}
	f, ok := goType.FieldByName(idField)
	if !ok {
		return nil, ValidationError{
			Field:   string(dt.Name) + "." + idField,
			Message: fmt.Sprintf("%s has no id field %q", goType, idField),
			Code:    ErrFieldMissing,
		}
	}
	if !isIDKind(f.Type.Kind()) {
		return nil, ValidationError{
			Field:   string(dt.Name) + "." + idField,
			Message: fmt.Sprintf("id field must be a string or integer, got %s", f.Type),
			Code:    ErrFieldMissing,
		}
	}
	for _, fk := range dt.ForeignKeys {
		if _, ok := goType.FieldByName(fk.Field); !ok {
			return nil, ValidationError{
				Field:   string(dt.Name) + "." + fk.Field,
				Message: fmt.Sprintf("%s has no foreign key field %q", goType, fk.Field),
				Code:    ErrFieldMissing,
			}
		}
	}
	return r.Register(dt)
}

// rebuildRootsLocked recomputes the subtype to root map. A parent chain that
// loops or names an unknown type stops at the last known type; Validate
// reports both cases.
func (r *Registry) rebuildRootsLocked() {
	roots := make(map[ir.TypeID]ir.TypeID, len(r.types))
	for name := range r.types {
		current := name
		seen := map[ir.TypeID]bool{current: true}
		for {
			dt, ok := r.types[current]
			if !ok || dt.Parent == "" {
				break
			}
			if _, known := r.types[dt.Parent]; !known || seen[dt.Parent] {
				break
			}
			current = dt.Parent
			seen[current] = true
		}
		roots[name] = current
	}
	r.roots = roots
}

// Lookup returns the mapping for name.
func (r *Registry) Lookup(name ir.TypeID) (*DocumentType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dt, ok := r.types[name]
	return dt, ok
}

// MustLookup is Lookup for callers that already validated name.
func (r *Registry) MustLookup(name ir.TypeID) *DocumentType {
	dt, ok := r.Lookup(name)
	if !ok {
		panic(fmt.Sprintf("schema: unknown document type %q", name))
	}
	return dt
}

// TypeOf resolves the document type of doc, which must be a pointer to a
// bound struct.
func (r *Registry) TypeOf(doc any) (ir.TypeID, bool) {
	t := reflect.TypeOf(doc)
	if t == nil || t.Kind() != reflect.Pointer {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byType[t.Elem()]
	return name, ok
}

// Types returns every registered type, sorted by name.
func (r *Registry) Types() []*DocumentType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*DocumentType, 0, len(r.types))
	for _, dt := range r.types {
		out = append(out, dt)
	}
	slices.SortFunc(out, func(a, b *DocumentType) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}

// Root returns the top-level ancestor of name. Unknown types and root types
// map to themselves.
func (r *Registry) Root(name ir.TypeID) ir.TypeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if root, ok := r.roots[name]; ok {
		return root
	}
	return name
}

// Roots returns a copy of the subtype to root map.
func (r *Registry) Roots() map[ir.TypeID]ir.TypeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[ir.TypeID]ir.TypeID, len(r.roots))
	for k, v := range r.roots {
		out[k] = v
	}
	return out
}

// Subclasses returns every registered descendant of name, sorted.
func (r *Registry) Subclasses(name ir.TypeID) []ir.TypeID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ir.TypeID
	for candidate := range r.types {
		if candidate != name && r.descendsLocked(candidate, name) {
			out = append(out, candidate)
		}
	}
	slices.Sort(out)
	return out
}

func (r *Registry) descendsLocked(candidate, ancestor ir.TypeID) bool {
	seen := map[ir.TypeID]bool{}
	for current := candidate; current != "" && !seen[current]; {
		seen[current] = true
		dt, ok := r.types[current]
		if !ok {
			return false
		}
		if dt.Parent == ancestor {
			return true
		}
		current = dt.Parent
	}
	return false
}

// TableFor returns the table holding documents of name.
func (r *Registry) TableFor(name ir.TypeID) string {
	dt, ok := r.Lookup(r.Root(name))
	if !ok {
		return ""
	}
	return dt.Table
}

// InheritedForeignKeys returns the foreign keys declared on name and on each
// of its ancestors, nearest first.
func (r *Registry) InheritedForeignKeys(name ir.TypeID) []ForeignKey {
	var fks []ForeignKey
	seen := map[ir.TypeID]bool{}
	for current := name; current != "" && !seen[current]; {
		seen[current] = true
		dt, ok := r.Lookup(current)
		if !ok {
			break
		}
		fks = append(fks, dt.ForeignKeys...)
		current = dt.Parent
	}
	return fks
}

// ForeignKeysOf returns the foreign keys stored in name's table: those
// declared on the root type and on every subtype sharing the table.
func (r *Registry) ForeignKeysOf(root ir.TypeID) []ForeignKey {
	var fks []ForeignKey
	if dt, ok := r.Lookup(root); ok {
		fks = append(fks, dt.ForeignKeys...)
	}
	for _, sub := range r.Subclasses(root) {
		dt, _ := r.Lookup(sub)
		for _, fk := range dt.ForeignKeys {
			if !slices.ContainsFunc(fks, func(existing ForeignKey) bool { return existing.Column == fk.Column }) {
				fk.Required = false
				fks = append(fks, fk)
			}
		}
	}
	return fks
}

func isIDKind(k reflect.Kind) bool {
	switch k {
	case reflect.String, reflect.Int, reflect.Int32, reflect.Int64:
		return true
	}
	return false
}
