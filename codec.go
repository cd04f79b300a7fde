package dasbus

import (
	"errors"
	"fmt"
	"math"

	"github.com/dasbus-project/dasbus/fragments"
)

// maxVariantDepth bounds how deeply variants may nest inside each
// other in received data. Signatures already bound the nesting of
// other containers.
const maxVariantDepth = 64

// alignOf returns the wire alignment of values of type t.
func alignOf(t Type) int {
	switch t := t.(type) {
	case BasicType:
		switch t {
		case TypeByte, TypeSignature:
			return 1
		case TypeInt16, TypeUint16:
			return 2
		case TypeInt64, TypeUint64, TypeDouble:
			return 8
		default:
			return 4
		}
	case VariantType:
		return 1
	case ArrayType, DictType:
		return 4
	default:
		return 8
	}
}

// MarshalDBus writes v's value to e, in the wire format for v's
// signature. The signature itself is not written.
//
// The zero Variant writes nothing.
func (v Variant) MarshalDBus(e *fragments.Encoder) error {
	if v.IsZero() {
		return nil
	}
	return encodeValue(e, v.sig.typ(), v.val)
}

func encodeValue(e *fragments.Encoder, t Type, val any) (err error) {
	switch t := t.(type) {
	case BasicType:
		return encodeBasic(e, t, val)
	case VariantType:
		inner := val.(Variant)
		e.Signature(inner.sig.str)
		return encodeValue(e, inner.sig.typ(), inner.val)
	case StructType:
		e.Struct(func() {
			for i, f := range val.([]any) {
				if err = encodeValue(e, t.Fields[i], f); err != nil {
					return
				}
			}
		})
		return err
	case ArrayType:
		e.Array(alignOf(t.Elem) == 8, func() {
			for _, elem := range val.([]any) {
				if err = encodeValue(e, t.Elem, elem); err != nil {
					return
				}
			}
		})
		return err
	case DictType:
		e.Array(true, func() {
			for _, ent := range val.([]DictEntry) {
				e.Struct(func() {
					if err = encodeBasic(e, t.Key, ent.Key); err != nil {
						return
					}
					err = encodeValue(e, t.Value, ent.Value)
				})
				if err != nil {
					return
				}
			}
		})
		return err
	}
	return fmt.Errorf("unknown signature node %T", t)
}

func encodeBasic(e *fragments.Encoder, t BasicType, val any) error {
	switch t {
	case TypeByte:
		e.Uint8(val.(uint8))
	case TypeBool:
		if val.(bool) {
			e.Uint32(1)
		} else {
			e.Uint32(0)
		}
	case TypeInt16:
		e.Uint16(uint16(val.(int16)))
	case TypeUint16:
		e.Uint16(val.(uint16))
	case TypeInt32:
		e.Uint32(uint32(val.(int32)))
	case TypeUint32:
		e.Uint32(val.(uint32))
	case TypeInt64:
		e.Uint64(uint64(val.(int64)))
	case TypeUint64:
		e.Uint64(val.(uint64))
	case TypeDouble:
		e.Uint64(math.Float64bits(val.(float64)))
	case TypeUnixFD:
		e.Uint32(uint32(val.(UnixFD)))
	case TypeString:
		e.String(val.(string))
	case TypeObjectPath:
		e.String(string(val.(ObjectPath)))
	case TypeSignature:
		e.Signature(val.(Signature).str)
	default:
		return fmt.Errorf("unknown basic type %q", byte(t))
	}
	return nil
}

// UnmarshalVariant reads a value with the given signature from d.
//
// Reading the zero Signature consumes nothing and returns the zero
// Variant.
func UnmarshalVariant(d *fragments.Decoder, sig Signature) (Variant, error) {
	if sig.IsZero() {
		return Variant{}, nil
	}
	val, err := decodeValue(d, sig.typ(), 0)
	if err != nil {
		return Variant{}, err
	}
	return Variant{sig, val}, nil
}

func decodeValue(d *fragments.Decoder, t Type, depth int) (any, error) {
	switch t := t.(type) {
	case BasicType:
		return decodeBasic(d, t)
	case VariantType:
		if depth >= maxVariantDepth {
			return nil, errors.New("variants nested too deeply")
		}
		s, err := d.Signature()
		if err != nil {
			return nil, err
		}
		sig, err := ParseSignature(s)
		if err != nil {
			return nil, err
		}
		val, err := decodeValue(d, sig.typ(), depth+1)
		if err != nil {
			return nil, err
		}
		return Variant{sig, val}, nil
	case StructType:
		if err := d.Struct(); err != nil {
			return nil, err
		}
		ret := make([]any, len(t.Fields))
		for i, f := range t.Fields {
			v, err := decodeValue(d, f, depth)
			if err != nil {
				return nil, err
			}
			ret[i] = v
		}
		return ret, nil
	case ArrayType:
		end, err := d.Array(alignOf(t.Elem) == 8)
		if err != nil {
			return nil, err
		}
		ret := []any{}
		for d.Offset() < end {
			v, err := decodeValue(d, t.Elem, depth)
			if err != nil {
				return nil, err
			}
			ret = append(ret, v)
		}
		if d.Offset() != end {
			return nil, errors.New("array contents overrun array length")
		}
		return ret, nil
	case DictType:
		end, err := d.Array(true)
		if err != nil {
			return nil, err
		}
		ret := []DictEntry{}
		for d.Offset() < end {
			if err := d.Struct(); err != nil {
				return nil, err
			}
			k, err := decodeBasic(d, t.Key)
			if err != nil {
				return nil, err
			}
			v, err := decodeValue(d, t.Value, depth)
			if err != nil {
				return nil, err
			}
			ret = append(ret, DictEntry{k, v})
		}
		if d.Offset() != end {
			return nil, errors.New("dict contents overrun array length")
		}
		return ret, nil
	}
	return nil, fmt.Errorf("unknown signature node %T", t)
}

func decodeBasic(d *fragments.Decoder, t BasicType) (any, error) {
	switch t {
	case TypeByte:
		return d.Uint8()
	case TypeBool:
		u, err := d.Uint32()
		if err != nil {
			return nil, err
		}
		switch u {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
		return nil, fmt.Errorf("invalid boolean value %d", u)
	case TypeInt16:
		u, err := d.Uint16()
		return int16(u), err
	case TypeUint16:
		return d.Uint16()
	case TypeInt32:
		u, err := d.Uint32()
		return int32(u), err
	case TypeUint32:
		return d.Uint32()
	case TypeInt64:
		u, err := d.Uint64()
		return int64(u), err
	case TypeUint64:
		return d.Uint64()
	case TypeDouble:
		u, err := d.Uint64()
		return math.Float64frombits(u), err
	case TypeUnixFD:
		u, err := d.Uint32()
		return UnixFD(int32(u)), err
	case TypeString:
		return d.String()
	case TypeObjectPath:
		s, err := d.String()
		if err != nil {
			return nil, err
		}
		p := ObjectPath(s)
		if err := p.validate(); err != nil {
			return nil, err
		}
		return p, nil
	case TypeSignature:
		s, err := d.Signature()
		if err != nil {
			return nil, err
		}
		if s == "" {
			return Signature{}, nil
		}
		return ParseSignature(s)
	}
	return nil, fmt.Errorf("unknown basic type %q", byte(t))
}
