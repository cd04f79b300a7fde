package dasbus

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
)

// A Type is one node of a parsed [Signature].
//
// The concrete type of a Type is always one of [BasicType],
// [VariantType], [StructType], [ArrayType] or [DictType].
type Type interface {
	// String returns the type's signature string.
	String() string
	isType()
}

// A BasicType is a DBus basic type, identified by its single
// character type code.
type BasicType byte

func (t BasicType) String() string { return string(t) }
func (BasicType) isType()          {}

// VariantType is the DBus variant type.
type VariantType struct{}

func (VariantType) String() string { return "v" }
func (VariantType) isType()        {}

// StructType is a DBus struct.
type StructType struct {
	Fields []Type
}

func (t StructType) String() string {
	var b strings.Builder
	b.WriteByte('(')
	for _, f := range t.Fields {
		b.WriteString(f.String())
	}
	b.WriteByte(')')
	return b.String()
}
func (StructType) isType() {}

// ArrayType is a DBus array of a single element type.
type ArrayType struct {
	Elem Type
}

func (t ArrayType) String() string { return "a" + t.Elem.String() }
func (ArrayType) isType()          {}

// DictType is a DBus dictionary, an array of key/value entries.
type DictType struct {
	Key   BasicType
	Value Type
}

func (t DictType) String() string { return "a{" + t.Key.String() + t.Value.String() + "}" }
func (DictType) isType()          {}

// A Signature describes the type of a DBus value.
//
// The zero Signature describes the absence of a value, for example
// the arguments of a method that takes none.
//
// Signatures are comparable, and equal when their string encodings
// are equal. They can be used as map keys.
type Signature struct {
	str string
}

// trees holds the parsed type tree of every Signature ever built,
// keyed by its string encoding. Type trees contain slices, so they
// live here rather than in Signature itself.
var trees sync.Map // string -> Type

func (s Signature) typ() Type {
	if s.str == "" {
		return nil
	}
	t, _ := trees.Load(s.str)
	return t.(Type)
}

// String returns the string encoding of the Signature, as described
// in the DBus specification.
func (s Signature) String() string {
	return s.str
}

// IsZero reports whether the signature is the zero value.
func (s Signature) IsZero() bool {
	return s.str == ""
}

// Type returns the root of the signature's type tree.
//
// If [Signature.IsZero] is true, Type returns nil.
func (s Signature) Type() Type {
	return s.typ()
}

// Fields returns the signatures of a struct signature's fields, or nil
// if s is not a struct.
func (s Signature) Fields() []Signature {
	st, ok := s.typ().(StructType)
	if !ok {
		return nil
	}
	ret := make([]Signature, len(st.Fields))
	for i, f := range st.Fields {
		ret[i] = signatureOfType(f)
	}
	return ret
}

// IsTupleOfOne reports whether s is a struct with exactly one field.
func (s Signature) IsTupleOfOne() bool {
	st, ok := s.typ().(StructType)
	return ok && len(st.Fields) == 1
}

// hasHandles reports whether values of this signature can contain
// UnixFDs, either directly or inside a nested variant.
func (s Signature) hasHandles() bool {
	return strings.ContainsAny(s.str, "hv")
}

func signatureOfType(t Type) Signature {
	str := t.String()
	trees.LoadOrStore(str, t)
	return Signature{str}
}

// TupleOf returns the struct signature with the given fields. With no
// fields, TupleOf returns the zero Signature.
func TupleOf(fields ...Signature) Signature {
	if len(fields) == 0 {
		return Signature{}
	}
	ts := make([]Type, len(fields))
	for i, f := range fields {
		ts[i] = f.typ()
	}
	return signatureOfType(StructType{ts})
}

var (
	strToSignature  cache[string, Signature]
	typeToSignature cache[reflect.Type, Signature]
)

const maxNesting = 32

// ParseSignature parses a DBus type signature string holding exactly
// one complete type.
func ParseSignature(sig string) (Signature, error) {
	if ent, ok := strToSignature.Get(sig); ok {
		return ent.val, ent.err
	}

	if sig == "" {
		err := errors.New("invalid type signature: empty signature")
		strToSignature.SetErr(sig, err)
		return Signature{}, err
	}

	typ, rest, err := parseOne(sig, 0, 0)
	if err == nil && rest != "" {
		err = fmt.Errorf("trailing data %q after complete type", rest)
	}
	if err != nil {
		err = fmt.Errorf("invalid type signature %q: %w", sig, err)
		strToSignature.SetErr(sig, err)
		return Signature{}, err
	}

	trees.LoadOrStore(sig, typ)
	ret := Signature{sig}
	strToSignature.Set(sig, ret)
	return ret, nil
}

// MustParseSignature is like [ParseSignature], but panics if sig is
// invalid.
func MustParseSignature(sig string) Signature {
	ret, err := ParseSignature(sig)
	if err != nil {
		panic(err)
	}
	return ret
}

// parseOne consumes the first complete type from the front of sig,
// and returns it along with the remainder of the type string.
func parseOne(sig string, arrays, structs int) (t Type, rest string, err error) {
	if sig == "" {
		return nil, "", errors.New("incomplete type")
	}
	if arrays > maxNesting || structs > maxNesting {
		return nil, "", errors.New("type nesting too deep")
	}

	code := sig[0]
	if basicCodes.Has(BasicType(code)) {
		return BasicType(code), sig[1:], nil
	}

	switch code {
	case 'v':
		return VariantType{}, sig[1:], nil
	case 'a':
		if len(sig) > 1 && sig[1] == '{' {
			return parseDictEntry(sig[2:], arrays+1, structs)
		}
		elem, rest, err := parseOne(sig[1:], arrays+1, structs)
		if err != nil {
			return nil, "", err
		}
		return ArrayType{elem}, rest, nil
	case '(':
		var (
			fields []Type
			field  Type
			rest   = sig[1:]
		)
		for rest != "" && rest[0] != ')' {
			field, rest, err = parseOne(rest, arrays, structs+1)
			if err != nil {
				return nil, "", err
			}
			fields = append(fields, field)
		}
		if rest == "" {
			return nil, "", errors.New("missing closing ) in struct definition")
		}
		if len(fields) == 0 {
			return nil, "", errors.New("empty struct")
		}
		return StructType{fields}, rest[1:], nil
	case '{':
		return nil, "", errors.New("dict entry type found outside array")
	default:
		return nil, "", fmt.Errorf("unknown type specifier %q", code)
	}
}

// parseDictEntry parses the inside of a dict entry, after the
// leading "a{".
func parseDictEntry(sig string, arrays, structs int) (Type, string, error) {
	key, rest, err := parseOne(sig, arrays, structs+1)
	if err != nil {
		return nil, "", err
	}
	bk, ok := key.(BasicType)
	if !ok {
		return nil, "", fmt.Errorf("invalid dict entry key type %s, must be a dbus basic type", key)
	}
	val, rest, err := parseOne(rest, arrays, structs+1)
	if err != nil {
		return nil, "", err
	}
	if rest == "" || rest[0] != '}' {
		return nil, "", errors.New("missing closing } in dict entry definition")
	}
	return DictType{bk, val}, rest[1:], nil
}

// SignatureFor returns the Signature for the given type.
func SignatureFor[T any]() (Signature, error) {
	return signatureFor(reflect.TypeFor[T](), nil)
}

// SignatureOf returns the Signature of the given value.
func SignatureOf(v any) (Signature, error) {
	if v == nil {
		return Signature{}, typeErr(nil, "nil interface")
	}
	return signatureFor(reflect.TypeOf(v), nil)
}

func signatureFor(t reflect.Type, stack []reflect.Type) (sig Signature, err error) {
	if t == nil {
		return Signature{}, typeErr(t, "nil interface")
	}
	if ent, ok := typeToSignature.Get(t); ok {
		return ent.val, ent.err
	}

	if slices.Contains(stack, t) {
		return Signature{}, typeErr(t, "recursive type")
	}
	stack = append(stack, t)

	typ, err := typeFor(t, stack)
	if err != nil {
		typeToSignature.SetErr(t, err)
		return Signature{}, err
	}
	sig = signatureOfType(typ)
	typeToSignature.Set(t, sig)
	return sig, nil
}

func typeFor(t reflect.Type, stack []reflect.Type) (Type, error) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	if ret, ok := specialTypes[t]; ok {
		return ret, nil
	}
	if ret, ok := kindToType[t.Kind()]; ok {
		return ret, nil
	}

	switch t.Kind() {
	case reflect.Slice, reflect.Array:
		es, err := signatureFor(t.Elem(), stack)
		if err != nil {
			return nil, err
		}
		return ArrayType{es.typ()}, nil
	case reflect.Map:
		ks, err := signatureFor(t.Key(), stack)
		if err != nil {
			return nil, err
		}
		kt, ok := ks.typ().(BasicType)
		if !ok {
			return nil, typeErr(t, "map key type %s is not a dbus basic type", t.Key())
		}
		vs, err := signatureFor(t.Elem(), stack)
		if err != nil {
			return nil, err
		}
		return DictType{kt, vs.typ()}, nil
	case reflect.Struct:
		var fields []Type
		for i := range t.NumField() {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			fs, err := signatureFor(f.Type, stack)
			if err != nil {
				return nil, err
			}
			fields = append(fields, fs.typ())
		}
		if len(fields) == 0 {
			return nil, typeErr(t, "struct has no exported fields")
		}
		return StructType{fields}, nil
	}

	return nil, typeErr(t, "no mapping available")
}

// IsTupleOfOne reports whether hint describes a struct with exactly
// one field. hint is interpreted as described in [MakeVariantType].
//
// A method that returns exactly one value has a one field struct as
// its output signature, which is distinct from a method returning
// nothing.
func IsTupleOfOne(hint any) (bool, error) {
	sig, err := MakeVariantType(hint)
	if err != nil {
		return false, err
	}
	return sig.IsTupleOfOne(), nil
}

// MakeVariantType returns the Signature described by hint, which may
// be a [Signature], a signature string or a [reflect.Type].
func MakeVariantType(hint any) (Signature, error) {
	switch h := hint.(type) {
	case Signature:
		if h.IsZero() {
			return Signature{}, errors.New("zero signature does not describe a value")
		}
		return h, nil
	case string:
		return ParseSignature(h)
	case reflect.Type:
		return signatureFor(h, nil)
	case nil:
		return Signature{}, typeErr(nil, "nil type hint")
	default:
		return Signature{}, fmt.Errorf("unsupported type hint %T, must be a Signature, string or reflect.Type", hint)
	}
}

// BodyString returns the signature as it appears in a message header:
// the concatenated field types of a struct signature, or "" for the
// zero Signature.
//
// Non-struct signatures are returned unchanged.
func (s Signature) BodyString() string {
	if _, ok := s.typ().(StructType); ok {
		return s.str[1 : len(s.str)-1]
	}
	return s.str
}

// ParseBodySignature parses a message body signature, a sequence of
// zero or more complete types, into the equivalent struct signature.
// An empty body signature parses to the zero Signature.
func ParseBodySignature(sig string) (Signature, error) {
	if sig == "" {
		return Signature{}, nil
	}
	if ent, ok := strToSignature.Get("(" + sig + ")"); ok {
		return ent.val, ent.err
	}
	var fields []Signature
	for rest := sig; rest != ""; {
		var (
			t   Type
			err error
		)
		t, rest, err = parseOne(rest, 0, 1)
		if err != nil {
			return Signature{}, fmt.Errorf("invalid body signature %q: %w", sig, err)
		}
		fields = append(fields, signatureOfType(t))
	}
	ret := TupleOf(fields...)
	strToSignature.Set(ret.str, ret)
	return ret, nil
}
