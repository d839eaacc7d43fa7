// Package schema describes the document types a store knows about.
//
// A DocumentType maps a Go struct to a table, names its id field, declares
// foreign keys to other document types and, optionally, a parent type. Types
// with a parent share the root type's table and are distinguished by a
// doc_type column.
//
// Mappings are registered from Go code with Registry.Register and Bind, or
// compiled from CUE with CompileDocument.
package schema
