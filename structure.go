package dasbus

import (
	"fmt"
	"reflect"
	"strings"
	"unicode"
)

// Structure is a set of named, individually typed values, carried on
// the bus as an a{sv} dictionary.
//
// [ToStructure] and [FromStructure] convert between Structures and Go
// structs. Each exported field of the struct is one entry of the
// dictionary. The entry's key is the field name in kebab case
// ("BoolList" becomes "bool-list"), and its value is the field's
// value in a Variant with the signature given by [SignatureFor].
//
// The "dbus" struct tag adjusts the conversion:
//
//   - `dbus:"-"` skips the field.
//   - `dbus:"key=name"` sets the entry's key. `dbus:"key=@"` uses the
//     Go field name unchanged.
//   - `dbus:"structure"` converts a struct field to a nested a{sv}, or
//     a slice of structs to aa{sv}, instead of DBus structs.
//
// Options are comma separated, as in `dbus:"key=Items,structure"`.
type Structure = map[string]Variant

// StructureError is the error returned for a Go type or a Structure
// that cannot be converted.
type StructureError struct {
	// Type is the Go struct type being converted.
	Type reflect.Type
	// Field is the Go field name or the Structure key at fault, if the
	// error is about a single field.
	Field string
	// Reason describes the problem.
	Reason string
	// Err is the underlying error, if any.
	Err error
}

func (e *StructureError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "structure %s", e.Type)
	if e.Field != "" {
		fmt.Fprintf(&b, " field %q", e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *StructureError) Unwrap() error { return e.Err }

// structureField is one exported field of a struct converted by
// ToStructure and FromStructure.
type structureField struct {
	name   string
	index  int
	key    string
	sig    Signature
	nested bool
}

var structureFields cache[reflect.Type, []structureField]

var (
	structureSig     = MustParseSignature("a{sv}")
	structureListSig = MustParseSignature("aa{sv}")
)

func structureFieldsOf(t reflect.Type) ([]structureField, error) {
	if ent, ok := structureFields.Get(t); ok {
		return ent.val, ent.err
	}
	ret, err := buildStructureFields(t)
	if err != nil {
		structureFields.SetErr(t, err)
		return nil, err
	}
	structureFields.Set(t, ret)
	return ret, nil
}

func buildStructureFields(t reflect.Type) ([]structureField, error) {
	var ret []structureField
	keys := map[string]string{}
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		key, nested, skip := parseStructureTag(f)
		if skip {
			continue
		}
		sf := structureField{
			name:   f.Name,
			index:  i,
			key:    key,
			nested: nested,
		}
		if nested {
			switch ft := derefType(f.Type); {
			case ft.Kind() == reflect.Struct:
				sf.sig = structureSig
			case (ft.Kind() == reflect.Slice || ft.Kind() == reflect.Array) && derefType(ft.Elem()).Kind() == reflect.Struct:
				sf.sig = structureListSig
			default:
				return nil, &StructureError{Type: t, Field: f.Name, Reason: "structure option needs a struct or a slice of structs"}
			}
		} else {
			sig, err := signatureFor(f.Type, nil)
			if err != nil {
				return nil, &StructureError{Type: t, Field: f.Name, Reason: "unknown type", Err: err}
			}
			sf.sig = sig
		}
		if prev, ok := keys[key]; ok {
			return nil, &StructureError{Type: t, Field: f.Name, Reason: fmt.Sprintf("key %q already used by field %s", key, prev)}
		}
		keys[key] = f.Name
		ret = append(ret, sf)
	}
	if len(ret) == 0 {
		return nil, &StructureError{Type: t, Reason: "no fields found"}
	}
	return ret, nil
}

// parseStructureTag returns the information in field's "dbus" struct
// tag.
func parseStructureTag(field reflect.StructField) (key string, nested, skip bool) {
	key = kebabCase(field.Name)
	tag := field.Tag.Get("dbus")
	if tag == "-" {
		return "", false, true
	}
	for _, f := range strings.Split(tag, ",") {
		if f == "structure" {
			nested = true
		} else if val, ok := strings.CutPrefix(f, "key="); ok {
			if val == "@" {
				key = field.Name
			} else {
				key = val
			}
		}
	}
	return key, nested, false
}

// kebabCase returns s, a Go identifier, in lower case with words
// separated by dashes. Runs of capitals are one word, so "BusID"
// becomes "bus-id" and "HTTPServer" becomes "http-server".
func kebabCase(s string) string {
	rs := []rune(s)
	var b strings.Builder
	for i, r := range rs {
		if i > 0 && unicode.IsUpper(r) {
			prev := rs[i-1]
			nextLower := i+1 < len(rs) && unicode.IsLower(rs[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				b.WriteByte('-')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

func derefType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// structValue returns the struct that v is or points to.
func structValue(v reflect.Value) (reflect.Value, error) {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Value{}, ValueError{structureSig.String(), ErrNilValue}
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, typeErr(v.Type(), "not a struct")
	}
	return v, nil
}

// ToStructure returns the Structure for v, which must be a struct or
// a pointer to one. Fields holding nil pointers are left out.
func ToStructure(v any) (Structure, error) {
	if v == nil {
		return nil, ValueError{structureSig.String(), ErrNilValue}
	}
	rv, err := structValue(reflect.ValueOf(v))
	if err != nil {
		return nil, err
	}
	return toStructure(rv)
}

func toStructure(rv reflect.Value) (Structure, error) {
	fields, err := structureFieldsOf(rv.Type())
	if err != nil {
		return nil, err
	}
	ret := make(Structure, len(fields))
	for _, f := range fields {
		fv := rv.Field(f.index)
		if fv.Kind() == reflect.Pointer && fv.IsNil() {
			continue
		}
		var val any
		if f.nested {
			val, err = nestedToStructure(fv)
			if err != nil {
				return nil, &StructureError{Type: rv.Type(), Field: f.name, Reason: "converting nested structure", Err: err}
			}
		} else {
			val = fv.Interface()
		}
		v, err := MakeVariant(f.sig, val)
		if err != nil {
			return nil, &StructureError{Type: rv.Type(), Field: f.name, Reason: "invalid value", Err: err}
		}
		ret[f.key] = v
	}
	return ret, nil
}

// nestedToStructure converts a field tagged with the structure option.
func nestedToStructure(fv reflect.Value) (any, error) {
	for fv.Kind() == reflect.Pointer {
		fv = fv.Elem()
	}
	if fv.Kind() == reflect.Struct {
		return toStructure(fv)
	}
	ret := make([]Structure, fv.Len())
	for i := range fv.Len() {
		ev, err := structValue(fv.Index(i))
		if err != nil {
			return nil, err
		}
		s, err := toStructure(ev)
		if err != nil {
			return nil, err
		}
		ret[i] = s
	}
	return ret, nil
}

// FromStructure sets the fields of the struct that dst points to from
// s. Fields without an entry in s are left unchanged. An entry with
// no matching field is an error.
func FromStructure(s Structure, dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return typeErr(reflect.TypeOf(dst), "FromStructure destination must be a non-nil pointer to a struct")
	}
	return fromStructure(s, rv.Elem())
}

func fromStructure(s Structure, rv reflect.Value) error {
	fields, err := structureFieldsOf(rv.Type())
	if err != nil {
		return err
	}
	byKey := make(map[string]*structureField, len(fields))
	for i := range fields {
		byKey[fields[i].key] = &fields[i]
	}
	for key, v := range s {
		f := byKey[key]
		if f == nil {
			return &StructureError{Type: rv.Type(), Field: key, Reason: "field doesn't exist"}
		}
		fv := rv.Field(f.index)
		if f.nested {
			err = nestedFromStructure(v, fv)
		} else {
			err = v.Store(fv.Addr().Interface())
		}
		if err != nil {
			return &StructureError{Type: rv.Type(), Field: key, Reason: "invalid value", Err: err}
		}
	}
	return nil
}

// nestedFromStructure sets a field tagged with the structure option.
func nestedFromStructure(v Variant, fv reflect.Value) error {
	for fv.Kind() == reflect.Pointer {
		if fv.IsNil() {
			fv.Set(reflect.New(fv.Type().Elem()))
		}
		fv = fv.Elem()
	}
	if fv.Kind() == reflect.Struct {
		var s Structure
		if err := v.Store(&s); err != nil {
			return err
		}
		return fromStructure(s, fv)
	}

	var ss []Structure
	if err := v.Store(&ss); err != nil {
		return err
	}
	if fv.Kind() == reflect.Slice {
		fv.Set(reflect.MakeSlice(fv.Type(), len(ss), len(ss)))
	} else if fv.Len() != len(ss) {
		return fmt.Errorf("got %d structures for array of %d", len(ss), fv.Len())
	}
	for i, s := range ss {
		ev := fv.Index(i)
		for ev.Kind() == reflect.Pointer {
			if ev.IsNil() {
				ev.Set(reflect.New(ev.Type().Elem()))
			}
			ev = ev.Elem()
		}
		if err := fromStructure(s, ev); err != nil {
			return err
		}
	}
	return nil
}

// ToStructureList returns the Structures for vs, in order.
func ToStructureList[T any](vs []T) ([]Structure, error) {
	ret := make([]Structure, len(vs))
	for i, v := range vs {
		s, err := ToStructure(v)
		if err != nil {
			return nil, err
		}
		ret[i] = s
	}
	return ret, nil
}

// FromStructureList returns a T for each of ss, in order. T must be a
// struct type.
func FromStructureList[T any](ss []Structure) ([]T, error) {
	ret := make([]T, len(ss))
	for i, s := range ss {
		if err := FromStructure(s, &ret[i]); err != nil {
			return nil, err
		}
	}
	return ret, nil
}
