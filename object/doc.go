// Package object implements the tagged-union value model exchanged with the
// in-app WAF engine.
//
// An Object is one of: Invalid, Null, Bool, Signed (int64), Unsigned
// (uint64), Float (float64), String (byte sequence), Array, or Map. Map keys
// are byte sequences paired with values in insertion order; duplicate keys
// are legal and preserved, the engine does not deduplicate them.
//
// Objects handed to the engine boundary are treated as immutable. The
// constructors take ownership of the slices they are given; use Clone to copy
// engine-owned data into caller-owned memory before the producing call
// returns.
package object
