package schema

import (
	"fmt"
	"reflect"
	"strconv"
)

// IDOf reads the document id. Integer ids are rendered in base 10.
func (d *DocumentType) IDOf(doc any) (string, error) {
	f, err := d.field(doc, d.IDField)
	if err != nil {
		return "", err
	}
	return fieldString(f), nil
}

// SetID assigns id to a string id field. Integer id fields are parsed.
func (d *DocumentType) SetID(doc any, id string) error {
	f, err := d.field(doc, d.IDField)
	if err != nil {
		return err
	}
	switch f.Kind() {
	case reflect.String:
		f.SetString(id)
	case reflect.Int, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return fmt.Errorf("set id on %s: %w", d.Name, err)
		}
		f.SetInt(n)
	default:
		return fmt.Errorf("set id on %s: unsupported id kind %s", d.Name, f.Kind())
	}
	return nil
}

// ForeignKeyValue returns the referenced id held in fk.Field, or nil when the
// field is zero so the column stores NULL.
func (d *DocumentType) ForeignKeyValue(doc any, fk ForeignKey) (any, error) {
	v := reflect.ValueOf(doc)
	if v.Kind() == reflect.Pointer && !v.IsNil() && v.Elem().Kind() == reflect.Struct {
		// Subtype foreign keys live in the shared table; other types leave them NULL.
		if !v.Elem().FieldByName(fk.Field).IsValid() {
			return nil, nil
		}
	}
	f, err := d.field(doc, fk.Field)
	if err != nil {
		return nil, err
	}
	for f.Kind() == reflect.Pointer {
		if f.IsNil() {
			return nil, nil
		}
		f = f.Elem()
	}
	if f.IsZero() {
		return nil, nil
	}
	return fieldString(f), nil
}

func (d *DocumentType) field(doc any, name string) (reflect.Value, error) {
	v := reflect.ValueOf(doc)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return reflect.Value{}, fmt.Errorf("%s document must be a non-nil pointer, got %T", d.Name, doc)
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("%s document must point to a struct, got %T", d.Name, doc)
	}
	f := v.FieldByName(name)
	if !f.IsValid() {
		return reflect.Value{}, fmt.Errorf("%s has no field %q", v.Type(), name)
	}
	return f, nil
}

func fieldString(f reflect.Value) string {
	switch f.Kind() {
	case reflect.String:
		return f.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if f.Int() == 0 {
			return ""
		}
		return strconv.FormatInt(f.Int(), 10)
	default:
		return fmt.Sprint(f.Interface())
	}
}
