package schema

import (
	"fmt"
	"regexp"
	"slices"

	"github.com/journeyman32/marten/internal/ir"
)

// Validation error codes (E200-E299)
const (
	ErrTypeNameEmpty     = "E201" // document type name is required
	ErrDuplicateType     = "E202" // document type registered twice
	ErrUnknownParent     = "E203" // parent is not a registered type
	ErrUnknownReference  = "E204" // foreign key references an unknown type
	ErrParentLoop        = "E205" // parent chain returns to the type
	ErrInvalidIdentifier = "E206" // table or column is not a safe SQL identifier
	ErrFieldMissing      = "E207" // bound struct lacks a mapped field
	ErrSubtypeTable      = "E208" // subtype names a table other than its root's
	ErrDuplicateColumn   = "E209" // two foreign keys share a column
)

// ValidationError represents a mapping error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// reservedColumns are written by the store on every document table.
var reservedColumns = []string{"id", "tenant_id", "data", "version", "doc_type", "last_modified"}

// Validate checks every registered mapping and returns all problems found
// (does not fail-fast). Dependency cycles are not mapping errors; see the
// depgraph package.
func (r *Registry) Validate() []ValidationError {
	var errs []ValidationError
	for _, dt := range r.Types() {
		errs = append(errs, r.validateType(dt)...)
	}
	return errs
}

func (r *Registry) validateType(dt *DocumentType) []ValidationError {
	var errs []ValidationError
	name := string(dt.Name)

	if dt.Parent != "" {
		if _, ok := r.Lookup(dt.Parent); !ok {
			errs = append(errs, ValidationError{
				Field:   name + ".parent",
				Message: fmt.Sprintf("unknown parent type %q", dt.Parent),
				Code:    ErrUnknownParent,
			})
		} else if r.parentLoops(dt.Name) {
			errs = append(errs, ValidationError{
				Field:   name + ".parent",
				Message: "parent chain loops back to " + name,
				Code:    ErrParentLoop,
			})
		}
		if dt.Table != "" && dt.Table != r.TableFor(dt.Name) {
			errs = append(errs, ValidationError{
				Field:   name + ".table",
				Message: fmt.Sprintf("subtype table %q must match root table %q", dt.Table, r.TableFor(dt.Name)),
				Code:    ErrSubtypeTable,
			})
		}
	} else if !identifierPattern.MatchString(dt.Table) {
		errs = append(errs, ValidationError{
			Field:   name + ".table",
			Message: fmt.Sprintf("invalid table name %q", dt.Table),
			Code:    ErrInvalidIdentifier,
		})
	}

	var columns []string
	for _, fk := range dt.ForeignKeys {
		field := name + "." + fk.Field
		if _, ok := r.Lookup(fk.References); !ok {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("references unknown type %q", fk.References),
				Code:    ErrUnknownReference,
			})
		}
		if !identifierPattern.MatchString(fk.Column) || slices.Contains(reservedColumns, fk.Column) {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("invalid column name %q", fk.Column),
				Code:    ErrInvalidIdentifier,
			})
		}
		if slices.Contains(columns, fk.Column) {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("column %q is used by another foreign key", fk.Column),
				Code:    ErrDuplicateColumn,
			})
		}
		columns = append(columns, fk.Column)
	}
	return errs
}

func (r *Registry) parentLoops(name ir.TypeID) bool {
	seen := map[ir.TypeID]bool{}
	for current := name; current != ""; {
		if seen[current] {
			return true
		}
		seen[current] = true
		dt, ok := r.Lookup(current)
		if !ok {
			return false
		}
		current = dt.Parent
	}
	return false
}
