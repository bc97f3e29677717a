// Package kv defines the native key-value store boundary that kvbridge adapts:
// the record model, operation policies, result values, native errors, and the
// callback-based AsyncClient every store backend implements.
//
// The model is record oriented: a Key addresses a record inside a namespace
// and set, a record holds named bins, and every write bumps the record
// generation. Reading a missing record succeeds with a nil record; deleting a
// missing record succeeds with Existed=false.
package kv
