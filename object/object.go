package object

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies the type of value stored in an Object.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindNull
	KindBool
	KindSigned
	KindUnsigned
	KindFloat
	KindString
	KindArray
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindSigned:
		return "signed"
	case KindUnsigned:
		return "unsigned"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Object is a single node of the engine's object representation. The zero
// value is the Invalid object.
type Object struct {
	str     []byte
	items   []Object
	entries []Entry
	i       int64
	u       uint64
	f       float64
	b       bool
	kind    Kind
}

// Entry is one key/value pair of a Map object. Keys are raw bytes: the engine
// does not require them to be UTF-8 nor unique.
type Entry struct {
	Key   []byte
	Value Object
}

// Pair builds a string-keyed map entry.
func Pair(key string, value Object) Entry {
	return Entry{Key: []byte(key), Value: value}
}

// Invalid returns the invalid object. It carries no value and is what the
// encoder substitutes for data it had to drop.
func Invalid() Object { return Object{kind: KindInvalid} }

// Null returns the null object.
func Null() Object { return Object{kind: KindNull} }

// Bool builds a boolean object.
func Bool(v bool) Object { return Object{kind: KindBool, b: v} }

// Signed builds a 64-bit signed integer object.
func Signed(v int64) Object { return Object{kind: KindSigned, i: v} }

// Unsigned builds a 64-bit unsigned integer object.
func Unsigned(v uint64) Object { return Object{kind: KindUnsigned, u: v} }

// Float builds a 64-bit float object.
func Float(v float64) Object { return Object{kind: KindFloat, f: v} }

// String builds a string object from s.
func String(s string) Object { return Object{kind: KindString, str: []byte(s)} }

// Bytes builds a string object that takes ownership of b.
func Bytes(b []byte) Object { return Object{kind: KindString, str: b} }

// Array builds an array object that takes ownership of items.
func Array(items ...Object) Object { return Object{kind: KindArray, items: items} }

// Map builds a map object that takes ownership of entries.
func Map(entries ...Entry) Object { return Object{kind: KindMap, entries: entries} }

// Kind returns the kind of the stored value.
func (o Object) Kind() Kind { return o.kind }

// IsValid reports whether the object is anything other than Invalid.
func (o Object) IsValid() bool { return o.kind != KindInvalid }

// Bool returns the boolean value, and whether the object is a Bool.
func (o Object) Bool() (bool, bool) { return o.b, o.kind == KindBool }

// Int64 returns the value as an int64. Unsigned values convert when they fit.
func (o Object) Int64() (int64, bool) {
	switch o.kind {
	case KindSigned:
		return o.i, true
	case KindUnsigned:
		if o.u <= 1<<63-1 {
			return int64(o.u), true
		}
	}
	return 0, false
}

// Uint64 returns the value as a uint64. Signed values convert when
// non-negative.
func (o Object) Uint64() (uint64, bool) {
	switch o.kind {
	case KindUnsigned:
		return o.u, true
	case KindSigned:
		if o.i >= 0 {
			return uint64(o.i), true
		}
	}
	return 0, false
}

// Float64 returns the float value, and whether the object is a Float.
func (o Object) Float64() (float64, bool) { return o.f, o.kind == KindFloat }

// StringValue returns the string payload, and whether the object is a String.
func (o Object) StringValue() (string, bool) {
	if o.kind != KindString {
		return "", false
	}
	return string(o.str), true
}

// BytesValue returns the raw string payload without copying. The caller must
// not mutate it.
func (o Object) BytesValue() ([]byte, bool) {
	if o.kind != KindString {
		return nil, false
	}
	return o.str, true
}

// Len returns the number of elements of an Array or Map, the byte length of a
// String, and 0 otherwise.
func (o Object) Len() int {
	switch o.kind {
	case KindArray:
		return len(o.items)
	case KindMap:
		return len(o.entries)
	case KindString:
		return len(o.str)
	default:
		return 0
	}
}

// Index returns the i-th element of an Array. It returns Invalid when out of
// range or when the object is not an Array.
func (o Object) Index(i int) Object {
	if o.kind != KindArray || i < 0 || i >= len(o.items) {
		return Invalid()
	}
	return o.items[i]
}

// Items returns the backing slice of an Array. The caller must not mutate it.
func (o Object) Items() []Object {
	if o.kind != KindArray {
		return nil
	}
	return o.items
}

// Entries returns the backing entries of a Map in insertion order. The caller
// must not mutate them.
func (o Object) Entries() []Entry {
	if o.kind != KindMap {
		return nil
	}
	return o.entries
}

// Get returns the value of the first entry whose key equals key.
func (o Object) Get(key []byte) (Object, bool) {
	if o.kind != KindMap {
		return Invalid(), false
	}
	for _, e := range o.entries {
		if string(e.Key) == string(key) {
			return e.Value, true
		}
	}
	return Invalid(), false
}

// GetString is Get with a string key.
func (o Object) GetString(key string) (Object, bool) {
	if o.kind != KindMap {
		return Invalid(), false
	}
	for _, e := range o.entries {
		if string(e.Key) == key {
			return e.Value, true
		}
	}
	return Invalid(), false
}

// Clone returns a deep copy with no memory shared with the receiver. It is
// how engine-owned trees are copied into caller-owned memory.
func (o Object) Clone() Object {
	out := o
	if o.str != nil {
		out.str = append([]byte(nil), o.str...)
	}
	if o.items != nil {
		out.items = make([]Object, len(o.items))
		for i, it := range o.items {
			out.items[i] = it.Clone()
		}
	}
	if o.entries != nil {
		out.entries = make([]Entry, len(o.entries))
		for i, e := range o.entries {
			out.entries[i] = Entry{
				Key:   append([]byte(nil), e.Key...),
				Value: e.Value.Clone(),
			}
		}
	}
	return out
}

// String renders a compact debug representation, e.g.
// Map{"a"=Unsigned(42), "b"=Array[Null]}.
func (o Object) String() string {
	var b strings.Builder
	o.write(&b)
	return b.String()
}

func (o Object) write(b *strings.Builder) {
	switch o.kind {
	case KindInvalid:
		b.WriteString("Invalid")
	case KindNull:
		b.WriteString("Null")
	case KindBool:
		fmt.Fprintf(b, "Bool(%t)", o.b)
	case KindSigned:
		fmt.Fprintf(b, "Signed(%d)", o.i)
	case KindUnsigned:
		fmt.Fprintf(b, "Unsigned(%d)", o.u)
	case KindFloat:
		fmt.Fprintf(b, "Float(%v)", o.f)
	case KindString:
		fmt.Fprintf(b, "String(%q)", o.str)
	case KindArray:
		b.WriteString("Array[")
		for i, it := range o.items {
			if i > 0 {
				b.WriteString(", ")
			}
			it.write(b)
		}
		b.WriteByte(']')
	case KindMap:
		b.WriteString("Map{")
		for i, e := range o.entries {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(b, "%q=", e.Key)
			e.Value.write(b)
		}
		b.WriteByte('}')
	}
}

// GoValue converts the object into plain Go values: nil, bool, int64,
// uint64, float64, string, []any and map[string]any. Duplicate map keys
// collapse to the first occurrence; Invalid converts to nil. Intended for
// debugging and display, not for the engine boundary.
func (o Object) GoValue() any {
	switch o.kind {
	case KindBool:
		return o.b
	case KindSigned:
		return o.i
	case KindUnsigned:
		return o.u
	case KindFloat:
		return o.f
	case KindString:
		return string(o.str)
	case KindArray:
		out := make([]any, len(o.items))
		for i, item := range o.items {
			out[i] = item.GoValue()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(o.entries))
		for _, e := range o.entries {
			key := string(e.Key)
			if _, ok := out[key]; !ok {
				out[key] = e.Value.GoValue()
			}
		}
		return out
	default:
		return nil
	}
}
