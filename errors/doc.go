// Package errors provides structured error types for the parapet library.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type includes rich context: field path, Go type name, input address,
// and cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseEncode, errors.KindTypeMismatch).
//		Path("headers", "cookie").
//		GoType("chan int").
//		Detail("cannot encode channel value").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.Lifecycle(errors.PhaseRun, "context already closed")
//	err := errors.InvalidArgument(errors.PhaseRun, "no input addresses")
//
// All errors implement the standard error interface and support errors.Is/As.
// Engine-reported failures match the ErrInternal, ErrInvalidObject and
// ErrInvalidArgument category values under errors.Is.
package errors
