package encoder

import "fmt"

// Reason is a flag naming why part of an input was not encoded in full.
type Reason uint8

const (
	// StringTooLong indicates a string exceeded MaxStringLength. The report
	// values are the original byte lengths of truncated strings.
	StringTooLong Reason = 1 << iota
	// ContainerTooLarge indicates an array or map exceeded MaxContainerSize.
	// The report values are the numbers of dropped elements.
	ContainerTooLarge
	// ObjectTooDeep indicates a container past MaxContainerDepth was replaced
	// with an empty container of the same kind. One report value per
	// replacement.
	ObjectTooDeep
	// KeyNotConvertible indicates a map entry was dropped because its key
	// could not be converted to a string. One report value per dropped entry.
	KeyNotConvertible
	// UnsupportedValue indicates a value of a kind the object model cannot
	// express, such as a function or a channel. One report value per
	// occurrence.
	UnsupportedValue
	// CycleCut indicates a value already present on the active recursion path
	// was replaced with an invalid node. One report value per cut.
	CycleCut
)

func (r Reason) String() string {
	switch r {
	case StringTooLong:
		return "string_length"
	case ContainerTooLarge:
		return "container_size"
	case ObjectTooDeep:
		return "container_depth"
	case KeyNotConvertible:
		return "invalid_map_key"
	case UnsupportedValue:
		return "unsupported_value"
	case CycleCut:
		return "cycle"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// Report accumulates per-reason truncation records for one Encode call.
// A nil Report means nothing was truncated.
type Report map[Reason][]int

// Has reports whether any truncation of the given reason was recorded.
func (r Report) Has(reason Reason) bool {
	return len(r[reason]) > 0
}

// Empty reports whether the input was encoded in full.
func (r Report) Empty() bool {
	return len(r) == 0
}

func (r *Report) add(reason Reason, size int) {
	if *r == nil {
		*r = make(Report, 3)
	}
	(*r)[reason] = append((*r)[reason], size)
}

func (r *Report) merge(other Report) {
	for reason, sizes := range other {
		for _, size := range sizes {
			r.add(reason, size)
		}
	}
}
