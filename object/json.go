package object

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// MarshalJSON renders the object as JSON. Map entries are emitted in
// insertion order, duplicate keys included. Invalid objects and non-finite
// floats render as null, matching how the engine serializes them.
func (o Object) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	if err := o.encodeJSON(&b); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (o Object) encodeJSON(b *bytes.Buffer) error {
	switch o.kind {
	case KindInvalid, KindNull:
		b.WriteString("null")
	case KindBool:
		b.WriteString(strconv.FormatBool(o.b))
	case KindSigned:
		b.WriteString(strconv.FormatInt(o.i, 10))
	case KindUnsigned:
		b.WriteString(strconv.FormatUint(o.u, 10))
	case KindFloat:
		if math.IsNaN(o.f) || math.IsInf(o.f, 0) {
			b.WriteString("null")
			break
		}
		b.WriteString(strconv.FormatFloat(o.f, 'g', -1, 64))
	case KindString:
		enc, err := json.Marshal(string(o.str))
		if err != nil {
			return err
		}
		b.Write(enc)
	case KindArray:
		b.WriteByte('[')
		for i, it := range o.items {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := it.encodeJSON(b); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case KindMap:
		b.WriteByte('{')
		for i, e := range o.entries {
			if i > 0 {
				b.WriteByte(',')
			}
			key, err := json.Marshal(string(e.Key))
			if err != nil {
				return err
			}
			b.Write(key)
			b.WriteByte(':')
			if err := e.Value.encodeJSON(b); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	default:
		return fmt.Errorf("object: cannot marshal kind %s", o.kind)
	}
	return nil
}

// UnmarshalJSON parses JSON into the object, keeping map entries in document
// order and preserving duplicate keys. Integers that fit int64 decode as
// Signed, larger positive integers as Unsigned, everything else as Float.
func (o *Object) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	parsed, err := decodeJSON(dec)
	if err != nil {
		return err
	}
	if tok, err := dec.Token(); err == nil {
		return fmt.Errorf("object: trailing data after JSON value: %v", tok)
	}
	*o = parsed
	return nil
}

// FromJSON parses a JSON document into an object tree.
func FromJSON(data []byte) (Object, error) {
	var o Object
	if err := o.UnmarshalJSON(data); err != nil {
		return Invalid(), err
	}
	return o, nil
}

func decodeJSON(dec *json.Decoder) (Object, error) {
	tok, err := dec.Token()
	if err != nil {
		return Invalid(), err
	}
	return decodeJSONToken(dec, tok)
}

func decodeJSONToken(dec *json.Decoder, tok json.Token) (Object, error) {
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		return numberObject(t), nil
	case json.Delim:
		switch t {
		case '[':
			var items []Object
			for dec.More() {
				it, err := decodeJSON(dec)
				if err != nil {
					return Invalid(), err
				}
				items = append(items, it)
			}
			if _, err := dec.Token(); err != nil {
				return Invalid(), err
			}
			return Array(items...), nil
		case '{':
			var entries []Entry
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Invalid(), err
				}
				key, ok := keyTok.(string)
				if !ok {
					return Invalid(), fmt.Errorf("object: non-string map key %v", keyTok)
				}
				val, err := decodeJSON(dec)
				if err != nil {
					return Invalid(), err
				}
				entries = append(entries, Pair(key, val))
			}
			if _, err := dec.Token(); err != nil {
				return Invalid(), err
			}
			return Map(entries...), nil
		}
	}
	return Invalid(), fmt.Errorf("object: unexpected JSON token %v", tok)
}

func numberObject(n json.Number) Object {
	if i, err := n.Int64(); err == nil {
		return Signed(i)
	}
	if u, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
		return Unsigned(u)
	}
	f, err := n.Float64()
	if err != nil {
		return Invalid()
	}
	return Float(f)
}
