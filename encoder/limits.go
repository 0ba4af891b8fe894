package encoder

// Limits bound how much of an input value is encoded. They must mirror the
// limits the engine itself was configured with, otherwise the caller and the
// engine disagree about what was inspected.
type Limits struct {
	// MaxContainerDepth is the deepest container nesting that is encoded.
	// Containers past it are replaced with an empty container of the same
	// kind.
	MaxContainerDepth int

	// MaxContainerSize caps the number of elements encoded per array or map.
	MaxContainerSize int

	// MaxStringLength caps string payloads, in bytes.
	MaxStringLength int
}

// Engine defaults, matching the limits compiled into the rule evaluator.
const (
	DefaultMaxContainerDepth = 20
	DefaultMaxContainerSize  = 256
	DefaultMaxStringLength   = 4096
)

// DefaultLimits returns the engine's compiled-in limits.
func DefaultLimits() Limits {
	return Limits{
		MaxContainerDepth: DefaultMaxContainerDepth,
		MaxContainerSize:  DefaultMaxContainerSize,
		MaxStringLength:   DefaultMaxStringLength,
	}
}

// Normalized replaces non-positive fields with the engine defaults.
func (l Limits) Normalized() Limits {
	if l.MaxContainerDepth <= 0 {
		l.MaxContainerDepth = DefaultMaxContainerDepth
	}
	if l.MaxContainerSize <= 0 {
		l.MaxContainerSize = DefaultMaxContainerSize
	}
	if l.MaxStringLength <= 0 {
		l.MaxStringLength = DefaultMaxStringLength
	}
	return l
}
