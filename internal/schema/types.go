package schema

import (
	"reflect"

	"github.com/journeyman32/marten/internal/ir"
)

// ForeignKey declares that a document references another document type.
type ForeignKey struct {
	// Field is the Go struct field holding the referenced id.
	Field string `json:"field"`

	// Column is the table column the id is stored in. Defaults to the
	// snake_case form of Field.
	Column string `json:"column"`

	References ir.TypeID `json:"references"`

	// Required makes the column NOT NULL.
	Required bool `json:"required,omitempty"`
}

// DocumentType is the mapping of one document type.
type DocumentType struct {
	Name ir.TypeID `json:"name"`

	// Table defaults to "mt_doc_" + snake_case(Name). Subtypes always use
	// their root type's table.
	Table string `json:"table"`

	// Parent names the supertype, if any.
	Parent ir.TypeID `json:"parent,omitempty"`

	// IDField is the Go struct field holding the document id. Defaults to "ID".
	IDField string `json:"id_field"`

	ForeignKeys []ForeignKey `json:"foreign_keys,omitempty"`

	// OptimisticConcurrency adds a version predicate to updates.
	OptimisticConcurrency bool `json:"optimistic_concurrency,omitempty"`

	goType reflect.Type
}

// GoType returns the struct type bound with Bind, or nil.
func (d *DocumentType) GoType() reflect.Type {
	return d.goType
}

// IsSubtype reports whether the type has a parent.
func (d *DocumentType) IsSubtype() bool {
	return d.Parent != ""
}
