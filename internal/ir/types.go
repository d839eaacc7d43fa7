package ir

import (
	"fmt"
	"strings"
)

// TypeID names a document type. Identity is structural: two mappings with the
// same TypeID are the same type regardless of the table they are stored in.
type TypeID string

// String implements fmt.Stringer.
func (t TypeID) String() string { return string(t) }

// TenantID names a logical partition of stored data.
type TenantID string

// DefaultTenant is used when neither the operation nor the session names a tenant.
const DefaultTenant TenantID = "*DEFAULT*"

// Kind tags the variant of an Operation.
type Kind int

const (
	// KindInsert stores a new document; fails if the key exists.
	KindInsert Kind = iota + 1
	// KindUpdate overwrites an existing document.
	KindUpdate
	// KindUpsert inserts or overwrites a document.
	KindUpsert
	// KindDelete removes a document.
	KindDelete
	// KindPatch applies field-level assignments to a stored document.
	KindPatch
	// KindEventAppend appends events to a stream.
	KindEventAppend
	// KindAncillary is a side-effect command not tied to a document type.
	KindAncillary
)

var kindNames = map[Kind]string{
	KindInsert:      "insert",
	KindUpdate:      "update",
	KindUpsert:      "upsert",
	KindDelete:      "delete",
	KindPatch:       "patch",
	KindEventAppend: "append",
	KindAncillary:   "ancillary",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind resolves a kind from its lowercase name.
func ParseKind(s string) (Kind, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == want {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown operation kind %q", s)
}

// PatchOp assigns Value at the JSON path Path (e.g. "$.Status").
type PatchOp struct {
	Path  string
	Value any
}

// Operation is one unit of backend work.
//
// Operation is a closed variant: the storage strategy switches on Kind and
// reads only the fields that kind uses.
//
//   - Insert, Update, Upsert, Delete: Type, Document, ID, Version, JSON
//   - Patch: Type, ID, Patch
//   - EventAppend: Stream
//   - Ancillary: Command
type Operation struct {
	Kind Kind

	// Type is empty for ancillary and event operations, which are exempt
	// from dependency ordering.
	Type TypeID

	// Document is a pointer to the caller's document. Compared by identity.
	Document any

	// ID is the document key as stored.
	ID string

	// Tenant overrides the session tenant when non-empty.
	Tenant TenantID

	// Version is the version the caller loaded. Zero means unknown, which
	// disables the version predicate for that operation.
	Version int64

	// JSON is a precomputed serialized form, set by dirty tracking.
	JSON []byte

	Patch   []PatchOp
	Stream  *EventStream
	Command Command

	// OnVersion receives the stored version reported by the backend.
	OnVersion func(version int64)
}

// IsAncillary reports whether the operation has no document type.
func (o Operation) IsAncillary() bool {
	return o.Type == ""
}

// String renders the operation for logs and traces, e.g. "insert Issue/42".
func (o Operation) String() string {
	switch o.Kind {
	case KindEventAppend:
		if o.Stream != nil {
			return fmt.Sprintf("%s stream/%s", o.Kind, o.Stream.Key)
		}
	case KindAncillary:
		if o.Command != nil {
			return fmt.Sprintf("%s %s", o.Kind, o.Command.Describe())
		}
	}
	if o.Type == "" {
		return o.Kind.String()
	}
	return fmt.Sprintf("%s %s/%s", o.Kind, o.Type, o.ID)
}

// Command is an ancillary unit of work that materializes its own statement.
type Command interface {
	// Statement returns the command for tenant and an optional callback. The
	// callback is only consulted when the statement returns rows.
	Statement(tenant TenantID) (Statement, Callback)

	// Describe names the command for logs and traces.
	Describe() string
}
