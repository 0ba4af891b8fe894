package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseEncode Phase = "encode" // Go to engine objects
	PhaseDecode Phase = "decode" // engine objects to Go
	PhaseConfig Phase = "config" // configuration staging
	PhaseBuild  Phase = "build"  // handle construction
	PhaseRun    Phase = "run"    // rule evaluation
	PhaseLoad   Phase = "load"   // engine attachment
)

// Kind categorizes the error
type Kind string

const (
	KindTypeMismatch    Kind = "type_mismatch"
	KindInvalidData     Kind = "invalid_data"
	KindUnsupported     Kind = "unsupported"
	KindOverflow        Kind = "overflow"
	KindNilPointer      Kind = "nil_pointer"
	KindNotFound        Kind = "not_found"
	KindInvalidInput    Kind = "invalid_input"
	KindLifecycle       Kind = "lifecycle_violation"
	KindInternal        Kind = "internal_error"
	KindInvalidObject   Kind = "invalid_object"
	KindInvalidArgument Kind = "invalid_argument"
	KindABIMismatch     Kind = "abi_mismatch"
)

// Error is the structured error type used throughout the library
type Error struct {
	Value   any
	Cause   error
	Phase   Phase
	Kind    Kind
	GoType  string
	Address string
	Detail  string
	Path    []string
}

// Engine-reported error categories. Callers match them with errors.Is to
// distinguish a broken engine from bad input data.
var (
	ErrInternal        = &Error{Phase: PhaseRun, Kind: KindInternal}
	ErrInvalidObject   = &Error{Phase: PhaseRun, Kind: KindInvalidObject}
	ErrInvalidArgument = &Error{Phase: PhaseRun, Kind: KindInvalidArgument}
)

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.GoType != "" || e.Address != "" {
		b.WriteString(": ")
		if e.GoType != "" && e.Address != "" {
			b.WriteString("Go type ")
			b.WriteString(e.GoType)
			b.WriteString(", address ")
			b.WriteString(e.Address)
		} else if e.GoType != "" {
			b.WriteString("Go type ")
			b.WriteString(e.GoType)
		} else {
			b.WriteString("address ")
			b.WriteString(e.Address)
		}
	}

	if e.Detail != "" {
		if e.GoType != "" || e.Address != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the field path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// GoType sets the Go type name
func (b *Builder) GoType(t string) *Builder {
	b.err.GoType = t
	return b
}

// Address sets the input address the error relates to
func (b *Builder) Address(a string) *Builder {
	b.err.Address = a
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// TypeMismatch creates a type mismatch error
func TypeMismatch(phase Phase, path []string, goType, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindTypeMismatch,
		Path:   path,
		GoType: goType,
		Detail: detail,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// NilPointer creates a nil pointer error
func NilPointer(phase Phase, path []string, goType string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNilPointer,
		Path:   path,
		GoType: goType,
		Detail: "nil pointer",
	}
}

// Overflow creates an overflow error
func Overflow(phase Phase, path []string, value any, targetType string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOverflow,
		Detail: fmt.Sprintf("value %v overflows %s", value, targetType),
		Path:   path,
		Value:  value,
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, path []string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Path:   path,
		Detail: detail,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Lifecycle creates a lifecycle violation error, reported when an operation
// reaches a handle or context that has already been released
func Lifecycle(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindLifecycle,
		Detail: detail,
	}
}

// Internal creates an engine internal error
func Internal(phase Phase, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInternal,
		Detail: "engine reported an unrecoverable failure",
		Cause:  cause,
	}
}

// InvalidObject creates an error for malformed objects handed to the engine
func InvalidObject(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidObject,
		Detail: detail,
	}
}

// InvalidArgument creates an error for arguments the engine rejected
func InvalidArgument(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidArgument,
		Detail: detail,
	}
}

// ABIMismatch creates an error for an engine whose binary interface version
// does not match what this library speaks
func ABIMismatch(got, want uint32) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindABIMismatch,
		Detail: fmt.Sprintf("engine ABI version %d, need %d", got, want),
		Value:  got,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// Load creates an engine loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidData,
		Detail: detail,
		Cause:  cause,
	}
}
