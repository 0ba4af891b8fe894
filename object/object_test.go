package object

import (
	"testing"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindInvalid, "invalid"},
		{KindNull, "null"},
		{KindBool, "bool"},
		{KindSigned, "signed"},
		{KindUnsigned, "unsigned"},
		{KindFloat, "float"},
		{KindString, "string"},
		{KindArray, "array"},
		{KindMap, "map"},
		{Kind(42), "Kind(42)"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestConstructorsAndAccessors(t *testing.T) {
	if Invalid().IsValid() {
		t.Error("Invalid() should not be valid")
	}
	if !Null().IsValid() {
		t.Error("Null() should be valid")
	}
	var zero Object
	if zero.Kind() != KindInvalid {
		t.Errorf("zero value kind = %s, want invalid", zero.Kind())
	}

	if v, ok := Bool(true).Bool(); !ok || !v {
		t.Errorf("Bool(true) = (%t, %t)", v, ok)
	}
	if v, ok := Signed(-7).Int64(); !ok || v != -7 {
		t.Errorf("Signed(-7).Int64() = (%d, %t)", v, ok)
	}
	if v, ok := Unsigned(7).Uint64(); !ok || v != 7 {
		t.Errorf("Unsigned(7).Uint64() = (%d, %t)", v, ok)
	}
	if v, ok := Float(1.5).Float64(); !ok || v != 1.5 {
		t.Errorf("Float(1.5).Float64() = (%v, %t)", v, ok)
	}
	if v, ok := String("hi").StringValue(); !ok || v != "hi" {
		t.Errorf(`String("hi").StringValue() = (%q, %t)`, v, ok)
	}
	if v, ok := Bytes([]byte{0xff, 0x00}).BytesValue(); !ok || len(v) != 2 {
		t.Errorf("Bytes().BytesValue() = (%v, %t)", v, ok)
	}
}

func TestNumericCrossConversion(t *testing.T) {
	if v, ok := Unsigned(42).Int64(); !ok || v != 42 {
		t.Errorf("Unsigned(42).Int64() = (%d, %t)", v, ok)
	}
	if _, ok := Unsigned(1 << 63).Int64(); ok {
		t.Error("Unsigned(1<<63).Int64() should not convert")
	}
	if v, ok := Signed(42).Uint64(); !ok || v != 42 {
		t.Errorf("Signed(42).Uint64() = (%d, %t)", v, ok)
	}
	if _, ok := Signed(-1).Uint64(); ok {
		t.Error("Signed(-1).Uint64() should not convert")
	}
}

func TestMapAccess(t *testing.T) {
	m := Map(
		Pair("a", Unsigned(1)),
		Pair("b", String("x")),
		Pair("a", Unsigned(2)),
	)

	if m.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", m.Len())
	}

	// Duplicate keys survive; lookup returns the first entry.
	v, ok := m.GetString("a")
	if !ok {
		t.Fatal("GetString(a) not found")
	}
	if got, _ := v.Uint64(); got != 1 {
		t.Errorf("GetString(a) = %d, want first entry 1", got)
	}

	if _, ok := m.GetString("missing"); ok {
		t.Error("GetString(missing) should not be found")
	}
	if v, ok := m.Get([]byte("b")); !ok {
		t.Error("Get(b) not found")
	} else if s, _ := v.StringValue(); s != "x" {
		t.Errorf("Get(b) = %q, want x", s)
	}
}

func TestArrayAccess(t *testing.T) {
	a := Array(Signed(1), Signed(2), Signed(3))
	if a.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", a.Len())
	}
	if v, _ := a.Index(1).Int64(); v != 2 {
		t.Errorf("Index(1) = %d, want 2", v)
	}
	if a.Index(-1).IsValid() || a.Index(3).IsValid() {
		t.Error("out-of-range Index should return Invalid")
	}
	if String("x").Index(0).IsValid() {
		t.Error("Index on non-array should return Invalid")
	}
}

func TestClone(t *testing.T) {
	orig := Map(
		Pair("s", Bytes([]byte("data"))),
		Pair("arr", Array(Signed(1), String("two"))),
		Pair("nested", Map(Pair("k", Null()))),
	)
	clone := orig.Clone()

	if orig.String() != clone.String() {
		t.Fatalf("clone differs: %s vs %s", orig, clone)
	}

	// Mutating the original's backing memory must not affect the clone.
	origBytes, _ := orig.entries[0].Value.BytesValue()
	origBytes[0] = 'X'
	cloneBytes, _ := clone.entries[0].Value.BytesValue()
	if cloneBytes[0] != 'd' {
		t.Error("clone shares string memory with original")
	}

	orig.entries[0].Key[0] = 'Z'
	if string(clone.entries[0].Key) != "s" {
		t.Error("clone shares key memory with original")
	}
}

func TestDebugString(t *testing.T) {
	tests := []struct {
		name string
		obj  Object
		want string
	}{
		{"invalid", Invalid(), "Invalid"},
		{"null", Null(), "Null"},
		{"bool", Bool(false), "Bool(false)"},
		{"signed", Signed(-3), "Signed(-3)"},
		{"unsigned", Unsigned(42), "Unsigned(42)"},
		{"string", String("v"), `String("v")`},
		{"array", Array(Null(), Signed(1)), "Array[Null, Signed(1)]"},
		{"map", Map(Pair("k", String("v"))), `Map{"k"=String("v")}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.obj.String(); got != tt.want {
				t.Errorf("String() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestGoValue(t *testing.T) {
	obj := Map(
		Pair("flag", Bool(true)),
		Pair("count", Signed(-3)),
		Pair("total", Unsigned(9)),
		Pair("ratio", Float(0.5)),
		Pair("name", String("x")),
		Pair("list", Array(Signed(1), Null())),
		Pair("name", String("shadowed")),
		Pair("bad", Invalid()),
	)

	got, ok := obj.GoValue().(map[string]any)
	if !ok {
		t.Fatalf("GoValue() = %T", obj.GoValue())
	}
	if got["flag"] != true || got["count"] != int64(-3) || got["total"] != uint64(9) {
		t.Fatalf("scalars = %v", got)
	}
	if got["ratio"] != 0.5 || got["name"] != "x" {
		t.Fatalf("first duplicate should win: %v", got)
	}
	list, ok := got["list"].([]any)
	if !ok || len(list) != 2 || list[0] != int64(1) || list[1] != nil {
		t.Fatalf("list = %v", got["list"])
	}
	if got["bad"] != nil {
		t.Fatalf("invalid should convert to nil, got %v", got["bad"])
	}
}
