package schema

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/journeyman32/marten/internal/ir"
)

// CompileDocument parses a CUE value into a DocumentType.
//
// The CUE value should be the document struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`document: Issue: { references: AssigneeID: type: "User" }`)
//	dt, err := CompileDocument(v.LookupPath(cue.ParsePath("document.Issue")))
func CompileDocument(v cue.Value) (*DocumentType, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	dt := &DocumentType{}
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		dt.Name = ir.TypeID(labels[len(labels)-1].String())
	}

	var err error
	if dt.Table, err = optionalString(v, "table"); err != nil {
		return nil, err
	}
	if dt.IDField, err = optionalString(v, "id"); err != nil {
		return nil, err
	}
	parent, err := optionalString(v, "parent")
	if err != nil {
		return nil, err
	}
	dt.Parent = ir.TypeID(parent)

	if optVal := v.LookupPath(cue.ParsePath("optimistic")); optVal.Exists() {
		dt.OptimisticConcurrency, err = optVal.Bool()
		if err != nil {
			return nil, &CompileError{Field: "optimistic", Message: "must be a bool", Pos: optVal.Pos()}
		}
	}

	dt.ForeignKeys, err = parseReferences(v)
	if err != nil {
		return nil, err
	}
	return dt, nil
}

// parseReferences reads the references block in declaration order.
func parseReferences(v cue.Value) ([]ForeignKey, error) {
	refVal := v.LookupPath(cue.ParsePath("references"))
	if !refVal.Exists() {
		return nil, nil
	}

	iter, err := refVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var fks []ForeignKey
	for iter.Next() {
		fk := ForeignKey{Field: iter.Label()}
		refValue := iter.Value()

		// Shorthand: AssigneeID: "User"
		if target, err := refValue.String(); err == nil {
			fk.References = ir.TypeID(target)
			fks = append(fks, fk)
			continue
		}

		typeVal := refValue.LookupPath(cue.ParsePath("type"))
		if !typeVal.Exists() {
			return nil, &CompileError{
				Field:   "references." + fk.Field,
				Message: "type is required",
				Pos:     refValue.Pos(),
			}
		}
		target, err := typeVal.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		fk.References = ir.TypeID(target)

		if fk.Column, err = optionalString(refValue, "column"); err != nil {
			return nil, err
		}
		if reqVal := refValue.LookupPath(cue.ParsePath("required")); reqVal.Exists() {
			fk.Required, err = reqVal.Bool()
			if err != nil {
				return nil, formatCUEError(err)
			}
		}
		fks = append(fks, fk)
	}
	return fks, nil
}

func optionalString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", &CompileError{Field: field, Message: "must be a string", Pos: fv.Pos()}
	}
	return s, nil
}

// CompileDocuments compiles every entry under the top-level document field.
// All entries are attempted; errors are collected.
func CompileDocuments(root cue.Value) ([]DocumentType, []error) {
	docsVal := root.LookupPath(cue.ParsePath("document"))
	if !docsVal.Exists() {
		return nil, nil
	}
	iter, err := docsVal.Fields()
	if err != nil {
		return nil, []error{formatCUEError(err)}
	}

	var (
		types []DocumentType
		errs  []error
	)
	for iter.Next() {
		dt, err := CompileDocument(iter.Value())
		if err != nil {
			errs = append(errs, fmt.Errorf("document.%s: %w", iter.Label(), err))
			continue
		}
		types = append(types, *dt)
	}
	return types, errs
}

// CompileString compiles CUE source into document types. Used by tests and
// the scenario harness, which embed mappings inline.
func CompileString(src string) ([]DocumentType, error) {
	v := cuecontext.New().CompileString(src)
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	types, errs := CompileDocuments(v)
	if len(errs) > 0 {
		return nil, errs[0]
	}
	return types, nil
}

// LoadRegistry registers each compiled type into a new registry.
func LoadRegistry(types []DocumentType) (*Registry, error) {
	reg := NewRegistry()
	for _, dt := range types {
		if _, err := reg.Register(dt); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// CompileError reports a malformed CUE mapping.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
