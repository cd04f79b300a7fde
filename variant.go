package dasbus

import (
	"cmp"
	"fmt"
	"math"
	"os"
	"reflect"
	"slices"
	"strings"
)

// A Variant is a DBus value along with its type signature.
//
// Variants are immutable. The zero Variant holds no value, and stands
// for the absence of a value, for example the body of a message with
// no arguments.
type Variant struct {
	sig Signature
	val any
}

// A DictEntry is one key/value pair of a DBus dictionary.
//
// MakeVariant accepts a []DictEntry for a dictionary signature, when
// the caller needs control over the order of the entries on the wire.
type DictEntry struct {
	Key   any
	Value any
}

// MakeVariant returns a Variant holding value, with the signature
// described by hint. hint is a [Signature], a signature string, or a
// [reflect.Type] whose signature is computed with [SignatureFor]'s
// rules.
//
// value must fit the signature:
//
//   - integer signatures accept any Go integer that fits in the
//     target size.
//   - 'd' accepts any Go float or integer.
//   - 'o' and 'g' accept [ObjectPath] and [Signature] respectively, or
//     a valid string.
//   - 'h' accepts a [UnixFD], an integer or an *os.File.
//   - structs accept a Go struct with the right exported fields, or a
//     []any of the right length.
//   - arrays accept slices and arrays.
//   - dictionaries accept maps, or a []DictEntry.
//   - 'v' accepts a Variant, or any other value, which is boxed in a
//     Variant with the signature given by [SignatureOf].
//
// A nil value, at the top level or nested anywhere inside value,
// results in a [ValueError] wrapping [ErrNilValue]. A value that does
// not fit the signature results in a [TypeError].
func MakeVariant(hint any, value any) (Variant, error) {
	sig, err := MakeVariantType(hint)
	if err != nil {
		return Variant{}, err
	}
	val, err := normalize(sig.typ(), value)
	if err != nil {
		return Variant{}, err
	}
	return Variant{sig, val}, nil
}

// MustVariant is like [MakeVariant], but panics on error.
func MustVariant(hint any, value any) Variant {
	ret, err := MakeVariant(hint, value)
	if err != nil {
		panic(err)
	}
	return ret
}

// VariantOf returns a Variant holding v, with the signature of T.
func VariantOf[T any](v T) (Variant, error) {
	sig, err := SignatureFor[T]()
	if err != nil {
		return Variant{}, err
	}
	return MakeVariant(sig, v)
}

// Signature returns the variant's signature.
func (v Variant) Signature() Signature { return v.sig }

// IsZero reports whether v is the zero Variant.
func (v Variant) IsZero() bool { return v.sig.IsZero() }

// Value returns the variant's value, unwrapped as described in
// [Unwrap].
func (v Variant) Value() any { return Unwrap(v) }

// Fields returns the fields of a struct Variant as separate Variants,
// or nil if v is not a struct.
func (v Variant) Fields() []Variant {
	st, ok := v.sig.typ().(StructType)
	if !ok {
		return nil
	}
	vals := v.val.([]any)
	ret := make([]Variant, len(vals))
	for i, f := range vals {
		ret[i] = Variant{signatureOfType(st.Fields[i]), f}
	}
	return ret
}

// Equal reports whether v and o have the same signature and value.
func (v Variant) Equal(o Variant) bool {
	return v.sig.str == o.sig.str && reflect.DeepEqual(v.val, o.val)
}

func (v Variant) String() string {
	if v.IsZero() {
		return "<>"
	}
	return fmt.Sprintf("<%s %v>", v.sig, UnpackDeep(v))
}

// Unwrap returns the value of v as plain Go values, opening one
// level of variant.
//
// Basic values are returned as their Go type: uint8, bool, int16,
// uint16, int32, uint32, int64, uint64, float64, string, [ObjectPath],
// [Signature] or [UnixFD]. Structs and arrays are returned as []any,
// and dictionaries as map[any]any, with their contents unwrapped
// recursively. Variants nested inside v are returned as Variant
// values, unopened.
func Unwrap(v Variant) any {
	if v.IsZero() {
		return nil
	}
	return unwrapValue(v.sig.typ(), v.val, false)
}

// UnpackDeep is like [Unwrap], but also unwraps every nested variant,
// returning a tree of plain Go values.
func UnpackDeep(v Variant) any {
	if v.IsZero() {
		return nil
	}
	return unwrapValue(v.sig.typ(), v.val, true)
}

func unwrapValue(t Type, val any, deep bool) any {
	switch t := t.(type) {
	case StructType:
		vals := val.([]any)
		ret := make([]any, len(vals))
		for i, f := range vals {
			ret[i] = unwrapValue(t.Fields[i], f, deep)
		}
		return ret
	case ArrayType:
		vals := val.([]any)
		ret := make([]any, len(vals))
		for i, e := range vals {
			ret[i] = unwrapValue(t.Elem, e, deep)
		}
		return ret
	case DictType:
		ents := val.([]DictEntry)
		ret := make(map[any]any, len(ents))
		for _, e := range ents {
			ret[e.Key] = unwrapValue(t.Value, e.Value, deep)
		}
		return ret
	case VariantType:
		if deep {
			return UnpackDeep(val.(Variant))
		}
		return val
	default:
		return val
	}
}

// normalize converts v into the value tree representation for t.
func normalize(t Type, v any) (any, error) {
	if v == nil {
		return nil, ValueError{t.String(), ErrNilValue}
	}

	switch t := t.(type) {
	case BasicType:
		return normalizeBasic(t, v)
	case VariantType:
		if vv, ok := v.(Variant); ok {
			if vv.IsZero() {
				return nil, ValueError{"v", ErrNilValue}
			}
			return vv, nil
		}
		sig, err := SignatureOf(v)
		if err != nil {
			return nil, err
		}
		inner, err := normalize(sig.typ(), v)
		if err != nil {
			return nil, err
		}
		return Variant{sig, inner}, nil
	}

	rv, err := deref(t, reflect.ValueOf(v))
	if err != nil {
		return nil, err
	}

	switch t := t.(type) {
	case StructType:
		return normalizeStruct(t, rv)
	case ArrayType:
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil, typeErr(rv.Type(), "cannot use as %s", t)
		}
		ret := make([]any, rv.Len())
		for i := range rv.Len() {
			e, err := normalize(t.Elem, elemInterface(rv.Index(i)))
			if err != nil {
				return nil, err
			}
			ret[i] = e
		}
		return ret, nil
	case DictType:
		return normalizeDict(t, rv)
	}
	panic(fmt.Sprintf("unknown signature node %T", t))
}

// deref follows pointers from rv, failing on nil pointers.
func deref(t Type, rv reflect.Value) (reflect.Value, error) {
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return reflect.Value{}, ValueError{t.String(), ErrNilValue}
		}
		rv = rv.Elem()
	}
	return rv, nil
}

// elemInterface returns the Go value held in a container element,
// looking through interface elements so that nil elements of a []any
// are reported as nil.
func elemInterface(rv reflect.Value) any {
	if rv.Kind() == reflect.Interface && rv.IsNil() {
		return nil
	}
	return rv.Interface()
}

func normalizeStruct(t StructType, rv reflect.Value) (any, error) {
	var fields []reflect.Value
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := range rv.Len() {
			fields = append(fields, rv.Index(i))
		}
	case reflect.Struct:
		for i := range rv.NumField() {
			if rv.Type().Field(i).IsExported() {
				fields = append(fields, rv.Field(i))
			}
		}
	default:
		return nil, typeErr(rv.Type(), "cannot use as %s", t)
	}
	if len(fields) != len(t.Fields) {
		return nil, typeErr(rv.Type(), "has %d fields, %s needs %d", len(fields), t, len(t.Fields))
	}
	ret := make([]any, len(fields))
	for i, f := range fields {
		fv, err := normalize(t.Fields[i], elemInterface(f))
		if err != nil {
			return nil, err
		}
		ret[i] = fv
	}
	return ret, nil
}

func normalizeDict(t DictType, rv reflect.Value) (any, error) {
	if ents, ok := rv.Interface().([]DictEntry); ok {
		ret := make([]DictEntry, len(ents))
		for i, e := range ents {
			k, err := normalize(t.Key, e.Key)
			if err != nil {
				return nil, err
			}
			v, err := normalize(t.Value, e.Value)
			if err != nil {
				return nil, err
			}
			ret[i] = DictEntry{k, v}
		}
		return ret, nil
	}

	if rv.Kind() != reflect.Map {
		return nil, typeErr(rv.Type(), "cannot use as %s", t)
	}
	ret := make([]DictEntry, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		k, err := normalize(t.Key, elemInterface(iter.Key()))
		if err != nil {
			return nil, err
		}
		v, err := normalize(t.Value, elemInterface(iter.Value()))
		if err != nil {
			return nil, err
		}
		ret = append(ret, DictEntry{k, v})
	}
	slices.SortFunc(ret, func(a, b DictEntry) int {
		return compareBasic(a.Key, b.Key)
	})
	return ret, nil
}

// compareBasic orders two normalized values of the same basic type.
func compareBasic(a, b any) int {
	switch a := a.(type) {
	case bool:
		switch {
		case a == b.(bool):
			return 0
		case !a:
			return -1
		default:
			return 1
		}
	case uint8:
		return cmp.Compare(a, b.(uint8))
	case int16:
		return cmp.Compare(a, b.(int16))
	case uint16:
		return cmp.Compare(a, b.(uint16))
	case int32:
		return cmp.Compare(a, b.(int32))
	case uint32:
		return cmp.Compare(a, b.(uint32))
	case int64:
		return cmp.Compare(a, b.(int64))
	case uint64:
		return cmp.Compare(a, b.(uint64))
	case float64:
		return cmp.Compare(a, b.(float64))
	case UnixFD:
		return cmp.Compare(a, b.(UnixFD))
	case string:
		return strings.Compare(a, b.(string))
	case ObjectPath:
		return strings.Compare(string(a), string(b.(ObjectPath)))
	case Signature:
		return strings.Compare(a.str, b.(Signature).str)
	}
	return 0
}

func normalizeBasic(t BasicType, v any) (any, error) {
	if f, ok := v.(*os.File); ok && t == TypeUnixFD {
		if f == nil {
			return nil, ValueError{t.String(), ErrNilValue}
		}
		return UnixFD(f.Fd()), nil
	}
	if s, ok := v.(Signature); ok && t == TypeSignature {
		return s, nil
	}

	rv, err := deref(t, reflect.ValueOf(v))
	if err != nil {
		return nil, err
	}

	switch t {
	case TypeBool:
		if rv.Kind() == reflect.Bool {
			return rv.Bool(), nil
		}
	case TypeString:
		if rv.Kind() == reflect.String {
			return rv.String(), nil
		}
	case TypeObjectPath:
		if rv.Kind() == reflect.String {
			p := ObjectPath(rv.String())
			if err := p.validate(); err != nil {
				return nil, ValueError{t.String(), err}
			}
			return p, nil
		}
	case TypeSignature:
		if rv.Kind() == reflect.String {
			if rv.String() == "" {
				return Signature{}, nil
			}
			sig, err := ParseSignature(rv.String())
			if err != nil {
				return nil, ValueError{t.String(), err}
			}
			return sig, nil
		}
	case TypeDouble:
		switch {
		case rv.CanFloat():
			return rv.Float(), nil
		case rv.CanInt():
			return float64(rv.Int()), nil
		case rv.CanUint():
			return float64(rv.Uint()), nil
		}
	default:
		switch {
		case rv.CanInt():
			return fitInt(t, rv.Type(), rv.Int())
		case rv.CanUint():
			if rv.Uint() > math.MaxInt64 {
				if t == TypeUint64 {
					return rv.Uint(), nil
				}
				return nil, typeErr(rv.Type(), "value %d overflows %s", rv.Uint(), t)
			}
			return fitInt(t, rv.Type(), int64(rv.Uint()))
		}
	}
	return nil, typeErr(rv.Type(), "cannot use as %s", t)
}

// fitInt converts i to the Go type of the integer type code t,
// failing if it does not fit.
func fitInt(t BasicType, src reflect.Type, i int64) (any, error) {
	var lo, hi int64
	switch t {
	case TypeByte:
		lo, hi = 0, math.MaxUint8
	case TypeInt16:
		lo, hi = math.MinInt16, math.MaxInt16
	case TypeUint16:
		lo, hi = 0, math.MaxUint16
	case TypeInt32, TypeUnixFD:
		lo, hi = math.MinInt32, math.MaxInt32
	case TypeUint32:
		lo, hi = 0, math.MaxUint32
	case TypeInt64:
		lo, hi = math.MinInt64, math.MaxInt64
	case TypeUint64:
		lo, hi = 0, math.MaxInt64
	default:
		return nil, typeErr(src, "cannot use as %s", t)
	}
	if i < lo || i > hi {
		return nil, typeErr(src, "value %d overflows %s", i, t)
	}
	return reflect.ValueOf(i).Convert(basicGoTypes[t]).Interface(), nil
}
