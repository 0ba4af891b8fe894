// Package encoder converts arbitrary Go values into the engine's object
// representation.
//
// Encoding is lossy but never fatal: depth, breadth and string-length limits
// are applied during the conversion and everything dropped is recorded in a
// Report. A container nested past MaxContainerDepth becomes an empty
// container of the same kind, oversized containers keep their first
// MaxContainerSize elements, and overlong strings are cut byte-wise. Cyclic
// inputs are detected on the active recursion path and cut with an invalid
// node, so Encode terminates on any input.
package encoder
