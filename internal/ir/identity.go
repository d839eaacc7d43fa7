package ir

import "reflect"

// SameInstance reports whether a and b are the same document instance.
//
// Only pointers can be the same instance; value equality is never used, so
// two distinct pointers to equal structs are different instances.
func SameInstance(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Kind() != reflect.Pointer || vb.Kind() != reflect.Pointer {
		return false
	}
	return va.Type() == vb.Type() && va.UnsafePointer() == vb.UnsafePointer()
}
