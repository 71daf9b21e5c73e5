package projection

import "reflect"

// sameCallable reports whether a and b refer to the same handler/filter,
// treating function values (which Go forbids comparing with ==) as equal
// when they share the same underlying code pointer, and falling back to
// ordinary equality for comparable concrete types (e.g. pointer-backed
// handler structs).
func sameCallable(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Kind() == reflect.Func || vb.Kind() == reflect.Func {
		if va.Kind() != vb.Kind() {
			return false
		}
		return va.Pointer() == vb.Pointer()
	}
	if !va.Comparable() || !vb.Comparable() {
		return false
	}
	return a == b
}
