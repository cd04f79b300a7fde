package dasbus

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	variantType   = reflect.TypeFor[Variant]()
	signatureType = reflect.TypeFor[Signature]()
)

// Store copies v's value into dst, which must be a non-nil pointer.
//
// The destination may be any Go type that [SignatureFor] maps to v's
// signature, or a loosely compatible one: integers convert to any
// integer or float type that can hold the value, structs decode into
// Go structs or slices, and nested variants are opened as needed to
// fill typed destinations. A destination of type any receives the
// value as returned by [Unwrap], and a destination of type Variant
// receives the value boxed with its signature.
func (v Variant) Store(dst any) error {
	if v.IsZero() {
		return errors.New("cannot store zero Variant")
	}
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return typeErr(reflect.TypeOf(dst), "Store destination must be a non-nil pointer")
	}
	return storeValue(v.sig.typ(), v.val, rv.Elem())
}

func storeValue(t Type, val any, dst reflect.Value) error {
	switch {
	case dst.Type() == variantType:
		if _, ok := t.(VariantType); ok {
			dst.Set(reflect.ValueOf(val))
		} else {
			dst.Set(reflect.ValueOf(Variant{signatureOfType(t), val}))
		}
		return nil
	case dst.Kind() == reflect.Interface:
		uv := unwrapValue(t, val, false)
		if !reflect.TypeOf(uv).AssignableTo(dst.Type()) {
			return typeErr(dst.Type(), "cannot store %s value", t)
		}
		dst.Set(reflect.ValueOf(uv))
		return nil
	case dst.Kind() == reflect.Pointer:
		if dst.IsNil() {
			dst.Set(reflect.New(dst.Type().Elem()))
		}
		return storeValue(t, val, dst.Elem())
	}

	switch t := t.(type) {
	case BasicType:
		return storeBasic(t, val, dst)
	case VariantType:
		inner := val.(Variant)
		return storeValue(inner.sig.typ(), inner.val, dst)
	case StructType:
		return storeStruct(t, val.([]any), dst)
	case ArrayType:
		return storeSequence(t, val.([]any), dst)
	case DictType:
		if dst.Kind() != reflect.Map {
			return typeErr(dst.Type(), "cannot store %s value", t)
		}
		ents := val.([]DictEntry)
		m := reflect.MakeMapWithSize(dst.Type(), len(ents))
		for _, ent := range ents {
			k := reflect.New(dst.Type().Key()).Elem()
			if err := storeValue(t.Key, ent.Key, k); err != nil {
				return err
			}
			e := reflect.New(dst.Type().Elem()).Elem()
			if err := storeValue(t.Value, ent.Value, e); err != nil {
				return err
			}
			m.SetMapIndex(k, e)
		}
		dst.Set(m)
		return nil
	}
	return fmt.Errorf("unknown signature node %T", t)
}

func storeStruct(t StructType, fields []any, dst reflect.Value) error {
	if dst.Kind() == reflect.Slice || dst.Kind() == reflect.Array {
		if dst.Kind() == reflect.Slice {
			dst.Set(reflect.MakeSlice(dst.Type(), len(fields), len(fields)))
		} else if dst.Len() != len(fields) {
			return typeErr(dst.Type(), "cannot store %d fields", len(fields))
		}
		for i, f := range fields {
			if err := storeValue(t.Fields[i], f, dst.Index(i)); err != nil {
				return err
			}
		}
		return nil
	}
	if dst.Kind() != reflect.Struct {
		return typeErr(dst.Type(), "cannot store %s value", t)
	}
	var idx []int
	for i := range dst.NumField() {
		if dst.Type().Field(i).IsExported() {
			idx = append(idx, i)
		}
	}
	if len(idx) != len(fields) {
		return typeErr(dst.Type(), "has %d fields, %s has %d", len(idx), t, len(fields))
	}
	for i, f := range fields {
		if err := storeValue(t.Fields[i], f, dst.Field(idx[i])); err != nil {
			return err
		}
	}
	return nil
}

func storeSequence(t ArrayType, vals []any, dst reflect.Value) error {
	switch dst.Kind() {
	case reflect.Slice:
		dst.Set(reflect.MakeSlice(dst.Type(), len(vals), len(vals)))
	case reflect.Array:
		if dst.Len() != len(vals) {
			return typeErr(dst.Type(), "cannot store %d elements", len(vals))
		}
	default:
		return typeErr(dst.Type(), "cannot store %s value", t)
	}
	for i, v := range vals {
		if err := storeValue(t.Elem, v, dst.Index(i)); err != nil {
			return err
		}
	}
	return nil
}

func storeBasic(t BasicType, val any, dst reflect.Value) error {
	if s, ok := val.(Signature); ok {
		switch {
		case dst.Type() == signatureType:
			dst.Set(reflect.ValueOf(s))
		case dst.Kind() == reflect.String:
			dst.SetString(s.str)
		default:
			return typeErr(dst.Type(), "cannot store %s value", t)
		}
		return nil
	}

	rv := reflect.ValueOf(val)
	switch {
	case rv.Kind() == reflect.Bool && dst.Kind() == reflect.Bool:
		dst.SetBool(rv.Bool())
	case rv.Kind() == reflect.String && dst.Kind() == reflect.String:
		dst.SetString(rv.String())
	case rv.CanInt() && dst.CanInt():
		if dst.OverflowInt(rv.Int()) {
			return typeErr(dst.Type(), "value %d overflows", rv.Int())
		}
		dst.SetInt(rv.Int())
	case rv.CanInt() && dst.CanUint():
		if rv.Int() < 0 || dst.OverflowUint(uint64(rv.Int())) {
			return typeErr(dst.Type(), "value %d overflows", rv.Int())
		}
		dst.SetUint(uint64(rv.Int()))
	case rv.CanUint() && dst.CanUint():
		if dst.OverflowUint(rv.Uint()) {
			return typeErr(dst.Type(), "value %d overflows", rv.Uint())
		}
		dst.SetUint(rv.Uint())
	case rv.CanUint() && dst.CanInt():
		if rv.Uint() > 1<<63-1 || dst.OverflowInt(int64(rv.Uint())) {
			return typeErr(dst.Type(), "value %d overflows", rv.Uint())
		}
		dst.SetInt(int64(rv.Uint()))
	case rv.CanFloat() && dst.CanFloat():
		dst.SetFloat(rv.Float())
	case (rv.CanInt() || rv.CanUint()) && dst.CanFloat():
		dst.Set(rv.Convert(dst.Type()))
	default:
		return typeErr(dst.Type(), "cannot store %s value", t)
	}
	return nil
}
