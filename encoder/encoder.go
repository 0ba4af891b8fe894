package encoder

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/parapet-dev/parapet/errors"
	"github.com/parapet-dev/parapet/object"
)

// Struct field tag controlling encoding. A field tagged `waf:"ignore"` is
// never encoded.
const (
	FieldTag            = "waf"
	FieldTagValueIgnore = "ignore"
)

// Encodable is implemented by values that know how to encode themselves. The
// implementation must honor the limits and report its own truncations.
type Encodable interface {
	EncodeObject(limits Limits, depth int) (object.Object, Report, error)
}

// Encoder converts Go values into engine object trees under a fixed set of
// limits. It is not safe for concurrent use; build one per goroutine or use
// the package-level Encode.
type Encoder struct {
	limits      Limits
	truncations Report
	// identities of containers on the active recursion path, for cycle cuts
	path map[identity]struct{}
}

type identity struct {
	ptr uintptr
	typ reflect.Type
}

// New returns an encoder for the given limits. Non-positive limit fields fall
// back to the engine defaults.
func New(limits Limits) *Encoder {
	return &Encoder{limits: limits.Normalized()}
}

// Limits returns the normalized limits the encoder applies.
func (e *Encoder) Limits() Limits { return e.limits }

// Truncations returns every truncation recorded over the encoder's lifetime.
func (e *Encoder) Truncations() Report { return e.truncations }

// Encode converts value into an object tree. Truncation is never an error:
// the returned report says what was dropped and the tree is always usable.
// The only error case is a root value the object model cannot express at all.
// The input is not mutated.
func Encode(value any, limits Limits) (object.Object, Report, error) {
	return New(limits).Encode(value)
}

// Encode converts value under the encoder's limits. The returned report
// covers this call only; Truncations accumulates across calls.
func (e *Encoder) Encode(value any) (object.Object, Report, error) {
	var report Report
	if e.path == nil {
		e.path = make(map[identity]struct{})
	}
	obj, err := e.encode(reflect.ValueOf(value), e.limits.MaxContainerDepth, &report)
	e.truncations.merge(report)
	if err != nil {
		return object.Invalid(), report, err
	}
	return obj, report, nil
}

var (
	encodableType  = reflect.TypeOf((*Encodable)(nil)).Elem()
	jsonNumberType = reflect.TypeOf((*json.Number)(nil)).Elem()
	stringerType   = reflect.TypeOf((*fmt.Stringer)(nil)).Elem()
	byteSliceType  = reflect.TypeOf((*[]byte)(nil)).Elem()
)

func (e *Encoder) encode(value reflect.Value, depth int, report *Report) (object.Object, error) {
	if value.IsValid() && value.CanInterface() && value.Type().Implements(encodableType) {
		obj, sub, err := value.Interface().(Encodable).EncodeObject(e.limits, depth)
		report.merge(sub)
		return obj, err
	}

	if value.Kind() == reflect.Pointer && !value.IsNil() {
		id := identity{ptr: value.Pointer(), typ: value.Type()}
		if _, onPath := e.path[id]; onPath {
			report.add(CycleCut, 1)
			return object.Invalid(), nil
		}
		e.path[id] = struct{}{}
		defer delete(e.path, id)
	}

	value, kind := resolvePointer(value)

	switch {
	case !value.IsValid() || kind == reflect.Invalid:
		return object.Invalid(), errors.Unsupported(errors.PhaseEncode, "untyped nil value")

	case isValueNil(value):
		return object.Null(), nil

	case kind == reflect.Interface || kind == reflect.Pointer:
		// resolvePointer gave up: too many levels of indirection.
		return object.Invalid(), errors.New(errors.PhaseEncode, errors.KindUnsupported).
			GoType(value.Type().String()).
			Detail("too many levels of indirection").
			Build()

	case kind == reflect.Bool:
		return object.Bool(value.Bool()), nil

	case value.CanInt():
		return object.Signed(value.Int()), nil

	case value.CanUint():
		return object.Unsigned(value.Uint()), nil

	case value.CanFloat():
		return object.Float(value.Float()), nil

	case value.Type() == jsonNumberType:
		return e.encodeNumber(value.Interface().(json.Number), report), nil

	case kind == reflect.String:
		return e.encodeString(value.String(), report), nil

	case kind == reflect.Slice && value.Type().Elem().Kind() == reflect.Uint8:
		return e.encodeString(string(value.Bytes()), report), nil

	case kind == reflect.Array && value.Type().Elem().Kind() == reflect.Uint8:
		bs := make([]byte, value.Len())
		reflect.Copy(reflect.ValueOf(bs), value)
		return e.encodeString(string(bs), report), nil

	case kind == reflect.Slice || kind == reflect.Array:
		if depth <= 0 {
			report.add(ObjectTooDeep, 1)
			return object.Array(), nil
		}
		return e.encodeArray(value, depth-1, report)

	case kind == reflect.Map:
		if depth <= 0 {
			report.add(ObjectTooDeep, 1)
			return object.Map(), nil
		}
		return e.encodeMap(value, depth-1, report)

	case kind == reflect.Struct:
		if depth <= 0 {
			report.add(ObjectTooDeep, 1)
			return object.Map(), nil
		}
		return e.encodeStruct(value, depth-1, report)

	default:
		return object.Invalid(), errors.New(errors.PhaseEncode, errors.KindUnsupported).
			GoType(value.Type().String()).
			Detail("kind %s has no object representation", kind).
			Build()
	}
}

func (e *Encoder) encodeNumber(num json.Number, report *Report) object.Object {
	// int64 first: it is lossless where float64 may not be.
	if i, err := num.Int64(); err == nil {
		return object.Signed(i)
	}
	if u, err := strconv.ParseUint(num.String(), 10, 64); err == nil {
		return object.Unsigned(u)
	}
	if f, err := num.Float64(); err == nil {
		return object.Float(f)
	}
	return e.encodeString(num.String(), report)
}

func (e *Encoder) encodeString(s string, report *Report) object.Object {
	if size := len(s); size > e.limits.MaxStringLength {
		report.add(StringTooLong, size)
		s = s[:e.limits.MaxStringLength]
	}
	return object.String(s)
}

func (e *Encoder) encodeArray(value reflect.Value, depth int, report *Report) (object.Object, error) {
	id, tracked := containerIdentity(value)
	if tracked {
		if _, onPath := e.path[id]; onPath {
			report.add(CycleCut, 1)
			return object.Invalid(), nil
		}
		e.path[id] = struct{}{}
		defer delete(e.path, id)
	}

	length := value.Len()
	capacity := length
	if capacity > e.limits.MaxContainerSize {
		capacity = e.limits.MaxContainerSize
		report.add(ContainerTooLarge, length-capacity)
	}

	items := make([]object.Object, 0, capacity)
	for i := 0; i < length && len(items) < capacity; i++ {
		item, err := e.encode(value.Index(i), depth, report)
		if err != nil {
			// Unencodable elements are dropped, not fatal.
			report.add(UnsupportedValue, 1)
			continue
		}
		items = append(items, item)
	}
	return object.Array(items...), nil
}

func (e *Encoder) encodeMap(value reflect.Value, depth int, report *Report) (object.Object, error) {
	id, tracked := containerIdentity(value)
	if tracked {
		if _, onPath := e.path[id]; onPath {
			report.add(CycleCut, 1)
			return object.Invalid(), nil
		}
		e.path[id] = struct{}{}
		defer delete(e.path, id)
	}

	length := value.Len()
	capacity := length
	if capacity > e.limits.MaxContainerSize {
		capacity = e.limits.MaxContainerSize
		report.add(ContainerTooLarge, length-capacity)
	}

	entries := make([]object.Entry, 0, capacity)
	for iter := value.MapRange(); iter.Next() && len(entries) < capacity; {
		key, ok := e.encodeMapKey(iter.Key(), report)
		if !ok {
			report.add(KeyNotConvertible, 1)
			continue
		}
		val, err := e.encode(iter.Value(), depth, report)
		if err != nil {
			// The key still matters to the rules, keep it over an invalid value.
			report.add(UnsupportedValue, 1)
			val = object.Invalid()
		}
		entries = append(entries, object.Pair(key, val))
	}
	return object.Map(entries...), nil
}

func (e *Encoder) encodeStruct(value reflect.Value, depth int, report *Report) (object.Object, error) {
	typ := value.Type()
	nbFields := typ.NumField()

	capacity := nbFields
	if capacity > e.limits.MaxContainerSize {
		capacity = e.limits.MaxContainerSize
	}

	entries := make([]object.Entry, 0, capacity)
	dropped := 0
	for i := 0; i < nbFields; i++ {
		fieldType := typ.Field(i)
		name, usable := fieldName(fieldType)
		if tag, ok := fieldType.Tag.Lookup(FieldTag); !usable || ok && tag == FieldTagValueIgnore {
			continue
		}

		if len(entries) == capacity {
			dropped++
			continue
		}

		key, _ := e.truncateKey(name, report)
		val, err := e.encode(value.Field(i), depth, report)
		if err != nil {
			report.add(UnsupportedValue, 1)
			val = object.Invalid()
		}
		entries = append(entries, object.Pair(key, val))
	}
	if dropped > 0 {
		report.add(ContainerTooLarge, dropped)
	}
	return object.Map(entries...), nil
}

func (e *Encoder) encodeMapKey(value reflect.Value, report *Report) (string, bool) {
	value, kind := resolvePointer(value)

	var key string
	switch {
	case kind == reflect.Invalid:
		return "", false
	case kind == reflect.String:
		key = value.String()
	case value.Type() == byteSliceType:
		key = string(value.Bytes())
	case value.CanInt():
		key = strconv.FormatInt(value.Int(), 10)
	case value.CanUint():
		key = strconv.FormatUint(value.Uint(), 10)
	case value.CanInterface() && value.Type().Implements(stringerType):
		key = value.Interface().(fmt.Stringer).String()
	default:
		return "", false
	}

	return e.truncateKey(key, report)
}

func (e *Encoder) truncateKey(key string, report *Report) (string, bool) {
	if size := len(key); size > e.limits.MaxStringLength {
		report.add(StringTooLong, size)
		key = key[:e.limits.MaxStringLength]
	}
	return key, true
}

// fieldName resolves what a struct field is called in the encoded map,
// honoring json tags the way encoding/json does.
func fieldName(field reflect.StructField) (string, bool) {
	name := field.Name
	if len(name) < 1 || unicode.IsLower(rune(name[0])) {
		return "", false
	}
	if tag, ok := field.Tag.Lookup("json"); ok {
		if i := strings.IndexByte(tag, ','); i >= 0 {
			tag = tag[:i]
		}
		if tag == "-" {
			return "", false
		}
		if len(tag) > 0 {
			name = tag
		}
	}
	return name, true
}

// containerIdentity returns a comparable identity for values that can form
// reference cycles.
func containerIdentity(value reflect.Value) (identity, bool) {
	switch value.Kind() {
	case reflect.Map, reflect.Slice:
		if value.IsNil() || value.Len() == 0 {
			return identity{}, false
		}
		return identity{ptr: value.Pointer(), typ: value.Type()}, true
	default:
		return identity{}, false
	}
}

var nullableKinds = map[reflect.Kind]struct{}{
	reflect.Interface:     {},
	reflect.Pointer:       {},
	reflect.UnsafePointer: {},
	reflect.Map:           {},
	reflect.Slice:         {},
	reflect.Func:          {},
	reflect.Chan:          {},
}

// isValueNil checks nullability first because IsNil panics on value kinds.
func isValueNil(value reflect.Value) bool {
	_, nullable := nullableKinds[value.Kind()]
	return nullable && value.IsNil()
}

// resolvePointer dereferences pointers and interfaces with a bounded number
// of steps, so self-referencing pointers cannot loop forever.
func resolvePointer(value reflect.Value) (reflect.Value, reflect.Kind) {
	kind := value.Kind()
	for limit := 8; limit > 0 && (kind == reflect.Pointer || kind == reflect.Interface); limit-- {
		if value.IsNil() {
			return value, kind
		}
		value = value.Elem()
		kind = value.Kind()
	}
	return value, kind
}
