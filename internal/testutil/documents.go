package testutil

import (
	"fmt"
	"go/token"
	"reflect"

	"github.com/journeyman32/marten/internal/ir"
	"github.com/journeyman32/marten/internal/schema"
)

// SampleSchema maps the document types most tests use: users, issues
// assigned to users, and self-referencing nodes.
const SampleSchema = `
document: User: optimistic: true
document: Issue: references: AssigneeID: type: "User"
document: Node: references: ParentID: type: "Node"
`

// FieldsName is the struct field holding a generated document's free-form
// data.
const FieldsName = "Fields"

var (
	stringType = reflect.TypeOf("")
	fieldsType = reflect.TypeOf(map[string]any(nil))
)

// DocumentStruct builds a struct type for dt: a string id field, one string
// field per reference of dt and its ancestors, and a Fields map.
func DocumentStruct(dt schema.DocumentType, all []schema.DocumentType) (reflect.Type, error) {
	idField := dt.IDField
	if idField == "" {
		idField = "ID"
	}
	if err := checkFieldName(dt.Name, idField); err != nil {
		return nil, err
	}

	fields := []reflect.StructField{{
		Name: idField,
		Type: stringType,
		Tag:  `json:"id"`,
	}}
	seen := map[string]bool{idField: true, FieldsName: true}

	byName := make(map[ir.TypeID]schema.DocumentType, len(all))
	for _, t := range all {
		byName[t.Name] = t
	}
	visited := make(map[ir.TypeID]bool)
	for current, ok := dt, true; ok && !visited[current.Name]; current, ok = byName[current.Parent] {
		visited[current.Name] = true
		for _, fk := range current.ForeignKeys {
			if seen[fk.Field] {
				continue
			}
			if err := checkFieldName(dt.Name, fk.Field); err != nil {
				return nil, err
			}
			seen[fk.Field] = true
			fields = append(fields, reflect.StructField{
				Name: fk.Field,
				Type: stringType,
				Tag:  reflect.StructTag(fmt.Sprintf(`json:"%s,omitempty"`, fk.Field)),
			})
		}
	}

	// The doc tag keeps two types with the same fields from sharing one
	// reflect.Type, which the registry keys on.
	fields = append(fields, reflect.StructField{
		Name: FieldsName,
		Type: fieldsType,
		Tag:  reflect.StructTag(fmt.Sprintf(`json:"fields,omitempty" doc:"%s"`, dt.Name)),
	})
	return reflect.StructOf(fields), nil
}

func checkFieldName(typ ir.TypeID, name string) error {
	if !token.IsIdentifier(name) || !token.IsExported(name) {
		return fmt.Errorf("%s: field %q must be an exported Go identifier", typ, name)
	}
	if name == FieldsName {
		return fmt.Errorf("%s: field name %q is reserved", typ, name)
	}
	return nil
}

// BindDocuments registers every type bound to a generated struct.
func BindDocuments(types []schema.DocumentType) (*schema.Registry, error) {
	reg := schema.NewRegistry()
	for _, dt := range types {
		goType, err := DocumentStruct(dt, types)
		if err != nil {
			return nil, err
		}
		if _, err := schema.BindType(reg, dt, goType); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// NewDocument allocates a document of a type registered by BindDocuments.
func NewDocument(reg *schema.Registry, typ ir.TypeID, id string) (any, error) {
	dt, ok := reg.Lookup(typ)
	if !ok {
		return nil, fmt.Errorf("unknown document type %q", typ)
	}
	if dt.GoType() == nil {
		return nil, fmt.Errorf("%s is not bound to a Go type", typ)
	}
	doc := reflect.New(dt.GoType()).Interface()
	if id != "" {
		if err := dt.SetID(doc, id); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// SetReference stores the referenced id in a reference field.
func SetReference(doc any, field, id string) error {
	f, err := structField(doc, field)
	if err != nil {
		return err
	}
	if f.Kind() != reflect.String {
		return fmt.Errorf("field %q is not a reference", field)
	}
	f.SetString(id)
	return nil
}

// SetField assigns name in the document's Fields map.
func SetField(doc any, name string, value any) error {
	f, err := structField(doc, FieldsName)
	if err != nil {
		return err
	}
	if f.IsNil() {
		f.Set(reflect.MakeMap(fieldsType))
	}
	f.SetMapIndex(reflect.ValueOf(name), reflect.ValueOf(&value).Elem())
	return nil
}

// Field reads name from the document's Fields map.
func Field(doc any, name string) (any, bool) {
	f, err := structField(doc, FieldsName)
	if err != nil || f.IsNil() {
		return nil, false
	}
	v := f.MapIndex(reflect.ValueOf(name))
	if !v.IsValid() {
		return nil, false
	}
	return v.Interface(), true
}

func structField(doc any, name string) (reflect.Value, error) {
	v := reflect.ValueOf(doc)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("document must be a non-nil struct pointer, got %T", doc)
	}
	f := v.Elem().FieldByName(name)
	if !f.IsValid() {
		return reflect.Value{}, fmt.Errorf("%s has no field %q", v.Elem().Type(), name)
	}
	return f, nil
}
