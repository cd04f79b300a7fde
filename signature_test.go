package dasbus

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/godbus/dbus/v5"
)

type recursiveSlice struct {
	Next []recursiveSlice
}

type recursivePtr struct {
	A    int32
	Next *recursivePtr
}

type withUnexported struct {
	A int16
	b bool
	C string
}

func TestSignatureOf(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{uint8(0), "y"},
		{false, "b"},
		{int16(0), "n"},
		{uint16(0), "q"},
		{int32(0), "i"},
		{int(0), "i"},
		{uint32(0), "u"},
		{int64(0), "x"},
		{uint64(0), "t"},
		{float64(0), "d"},
		{"", "s"},
		{ObjectPath("/"), "o"},
		{Signature{}, "g"},
		{UnixFD(0), "h"},
		{Variant{}, "v"},
		{new(int32), "i"},

		{[]string{}, "as"},
		{[2]byte{}, "ay"},
		{[][]byte{}, "aay"},
		{map[string]int64{}, "a{sx}"},
		{map[string]any{}, "a{sv}"},
		{map[ObjectPath]map[string]Variant{}, "a{oa{sv}}"},
		{struct {
			A int16
			B bool
		}{}, "(nb)"},
		{withUnexported{}, "(ns)"},
		{struct {
			A []struct {
				B string
				C map[uint32]float64
			}
		}{}, "(a(sa{ud}))"},

		{nil, ""},
		{float32(0), ""},
		{complex128(0), ""},
		{func() {}, ""},
		{make(chan int), ""},
		{struct{}{}, ""},
		{struct{ a int }{}, ""},
		{map[[2]int]string{}, ""},
		{map[Variant]string{}, ""},
		{recursiveSlice{}, ""},
		{recursivePtr{}, ""},
	}

	for _, tc := range tests {
		got, err := SignatureOf(tc.in)
		if err != nil {
			if testing.Verbose() {
				t.Logf("SignatureOf(%T) err: %v", tc.in, err)
			}
			if tc.want != "" {
				t.Errorf("SignatureOf(%T) got err %v, want %q", tc.in, err, tc.want)
			}
			if !errors.As(err, new(TypeError)) {
				t.Errorf("SignatureOf(%T) got err %v, want a TypeError", tc.in, err)
			}
			continue
		}
		if tc.want == "" {
			t.Errorf("SignatureOf(%T) = %q, want error", tc.in, got)
			continue
		}
		if got.String() != tc.want {
			t.Errorf("SignatureOf(%T) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSignatureFor(t *testing.T) {
	got, err := SignatureFor[map[string]any]()
	if err != nil {
		t.Fatalf("SignatureFor(map[string]any) failed: %v", err)
	}
	if got.String() != "a{sv}" {
		t.Errorf("SignatureFor(map[string]any) = %q, want %q", got, "a{sv}")
	}

	if _, err := SignatureFor[error](); err == nil {
		t.Error("SignatureFor(error) succeeded, want error")
	}
}

func TestParseSignature(t *testing.T) {
	valid := []string{
		"y",
		"b",
		"h",
		"v",
		"as",
		"aay",
		"a{sv}",
		"a{oa{sa{sv}}}",
		"(i)",
		"(ia{s(bv)})",
		"a(ii)",
		"((((i))))",
	}
	for _, s := range valid {
		got, err := ParseSignature(s)
		if err != nil {
			t.Errorf("ParseSignature(%q) failed: %v", s, err)
			continue
		}
		if got.String() != s {
			t.Errorf("ParseSignature(%q).String() = %q", s, got)
		}
		if got.Type().String() != s {
			t.Errorf("ParseSignature(%q).Type().String() = %q", s, got.Type())
		}
		if _, err := dbus.ParseSignature(s); err != nil {
			t.Errorf("godbus rejects %q, which ParseSignature accepts: %v", s, err)
		}
	}

	deepest := strings.Repeat("a", 32) + "i"
	if _, err := ParseSignature(deepest); err != nil {
		t.Errorf("ParseSignature of 32 nested arrays failed: %v", err)
	}

	invalid := []string{
		"",
		"a",
		"(",
		"()",
		"(i",
		"i)",
		"ii",
		"z",
		"{sv}",
		"a{s}",
		"a{sss}",
		"a{vs}",
		"a{(i)s}",
		"a{asi}",
		"a{sv",
		strings.Repeat("a", 33) + "i",
		strings.Repeat("(", 33) + "i" + strings.Repeat(")", 33),
	}
	for _, s := range invalid {
		got, err := ParseSignature(s)
		if err == nil {
			t.Errorf("ParseSignature(%q) = %q, want error", s, got)
			continue
		}
		if testing.Verbose() {
			t.Logf("ParseSignature(%q) err: %v", s, err)
		}
		// Errors are cached too, make sure the second lookup agrees.
		if _, err2 := ParseSignature(s); err2 == nil || err2.Error() != err.Error() {
			t.Errorf("second ParseSignature(%q) got err %v, want %v", s, err2, err)
		}
	}
}

func TestSignatureTree(t *testing.T) {
	got := MustParseSignature("(ia{s(bv)}as)").Type()
	want := StructType{[]Type{
		TypeInt32,
		DictType{TypeString, StructType{[]Type{TypeBool, VariantType{}}}},
		ArrayType{TypeString},
	}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("wrong type tree:\n got: %#v\nwant: %#v", got, want)
	}
}

func TestSignatureComparable(t *testing.T) {
	a := MustParseSignature("(ia{s(bv)}as)")
	b := TupleOf(
		MustParseSignature("i"),
		MustParseSignature("a{s(bv)}"),
		MustParseSignature("as"),
	)
	if a != b {
		t.Errorf("parsed %q != built %q", a, b)
	}
	if a == MustParseSignature("(ia{s(bv)}ai)") {
		t.Error("different signatures compare equal")
	}

	seen := map[Signature]int{a: 1}
	seen[b]++
	if len(seen) != 1 || seen[a] != 2 {
		t.Errorf("signatures as map keys: %v", seen)
	}
	if !reflect.DeepEqual(b.Type(), a.Type()) {
		t.Errorf("built signature has tree %#v, want %#v", b.Type(), a.Type())
	}
}

func TestTupleOf(t *testing.T) {
	if got := TupleOf(); !got.IsZero() {
		t.Errorf("TupleOf() = %q, want zero Signature", got)
	}
	if got := TupleOf().BodyString(); got != "" {
		t.Errorf("TupleOf().BodyString() = %q, want empty", got)
	}

	one := TupleOf(MustParseSignature("s"))
	if one.String() != "(s)" || !one.IsTupleOfOne() {
		t.Errorf("TupleOf(s) = %q, IsTupleOfOne=%v, want (s) and true", one, one.IsTupleOfOne())
	}

	two := TupleOf(MustParseSignature("s"), MustParseSignature("a{sv}"))
	if two.String() != "(sa{sv})" || two.IsTupleOfOne() {
		t.Errorf("TupleOf(s, a{sv}) = %q, IsTupleOfOne=%v, want (sa{sv}) and false", two, two.IsTupleOfOne())
	}
	if got := two.BodyString(); got != "sa{sv}" {
		t.Errorf("BodyString() = %q, want %q", got, "sa{sv}")
	}
	fields := two.Fields()
	if len(fields) != 2 || fields[0].String() != "s" || fields[1].String() != "a{sv}" {
		t.Errorf("Fields() = %v, want [s a{sv}]", fields)
	}
	if got := MustParseSignature("as").Fields(); got != nil {
		t.Errorf("Fields() of non-struct = %v, want nil", got)
	}
}

func TestParseBodySignature(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"s", "(s)"},
		{"sa{sv}as", "(sa{sv}as)"},
		{"(ii)", "((ii))"},
	}
	for _, tc := range tests {
		got, err := ParseBodySignature(tc.in)
		if err != nil {
			t.Errorf("ParseBodySignature(%q) failed: %v", tc.in, err)
			continue
		}
		if got.String() != tc.want {
			t.Errorf("ParseBodySignature(%q) = %q, want %q", tc.in, got, tc.want)
		}
		if got.BodyString() != tc.in {
			t.Errorf("ParseBodySignature(%q).BodyString() = %q", tc.in, got.BodyString())
		}
	}

	for _, bad := range []string{"a", "s)", "a{vs}"} {
		if got, err := ParseBodySignature(bad); err == nil {
			t.Errorf("ParseBodySignature(%q) = %q, want error", bad, got)
		}
	}
}

func TestMakeVariantType(t *testing.T) {
	tests := []struct {
		hint any
		want string
	}{
		{MustParseSignature("a{sv}"), "a{sv}"},
		{"(sx)", "(sx)"},
		{reflect.TypeFor[[]ObjectPath](), "ao"},

		{Signature{}, ""},
		{"", ""},
		{"a{", ""},
		{nil, ""},
		{42, ""},
		{reflect.TypeFor[chan int](), ""},
	}
	for _, tc := range tests {
		got, err := MakeVariantType(tc.hint)
		if tc.want == "" {
			if err == nil {
				t.Errorf("MakeVariantType(%#v) = %q, want error", tc.hint, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("MakeVariantType(%#v) failed: %v", tc.hint, err)
			continue
		}
		if got.String() != tc.want {
			t.Errorf("MakeVariantType(%#v) = %q, want %q", tc.hint, got, tc.want)
		}
	}
}

func TestIsTupleOfOne(t *testing.T) {
	tests := []struct {
		hint any
		want bool
	}{
		{"(s)", true},
		{"((ii))", true},
		{"(ii)", false},
		{"s", false},
		{"a(s)", false},
		{reflect.TypeFor[struct{ A string }](), true},
	}
	for _, tc := range tests {
		got, err := IsTupleOfOne(tc.hint)
		if err != nil {
			t.Errorf("IsTupleOfOne(%v) failed: %v", tc.hint, err)
			continue
		}
		if got != tc.want {
			t.Errorf("IsTupleOfOne(%v) = %v, want %v", tc.hint, got, tc.want)
		}
	}
	if _, err := IsTupleOfOne("(s"); err == nil {
		t.Error("IsTupleOfOne of an invalid signature succeeded")
	}
}

func TestObjectPath(t *testing.T) {
	tests := []struct {
		p     ObjectPath
		valid bool
	}{
		{"/", true},
		{"/org/freedesktop/DBus", true},
		{"/a_b/C9", true},
		{"", false},
		{"org", false},
		{"/org/", false},
		{"//org", false},
		{"/org//DBus", false},
		{"/org/free-desktop", false},
		{"/org.freedesktop", false},
	}
	for _, tc := range tests {
		if got := tc.p.Valid(); got != tc.valid {
			t.Errorf("ObjectPath(%q).Valid() = %v, want %v", tc.p, got, tc.valid)
		}
	}

	descendants := []struct {
		p, root ObjectPath
		want    bool
	}{
		{"/org/example", "/", true},
		{"/", "/", false},
		{"/org/example", "/org", true},
		{"/org", "/org", false},
		{"/orgx", "/org", false},
		{"/org/example/child", "/org/example", true},
	}
	for _, tc := range descendants {
		if got := tc.p.IsDescendantOf(tc.root); got != tc.want {
			t.Errorf("%q.IsDescendantOf(%q) = %v, want %v", tc.p, tc.root, got, tc.want)
		}
	}
}
