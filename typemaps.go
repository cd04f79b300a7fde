package dasbus

import (
	"os"
	"reflect"

	"github.com/creachadair/mds/mapset"
)

// Basic type codes.
const (
	TypeByte       BasicType = 'y'
	TypeBool       BasicType = 'b'
	TypeInt16      BasicType = 'n'
	TypeUint16     BasicType = 'q'
	TypeInt32      BasicType = 'i'
	TypeUint32     BasicType = 'u'
	TypeInt64      BasicType = 'x'
	TypeUint64     BasicType = 't'
	TypeDouble     BasicType = 'd'
	TypeUnixFD     BasicType = 'h'
	TypeString     BasicType = 's'
	TypeObjectPath BasicType = 'o'
	TypeSignature  BasicType = 'g'
)

var (
	// basicCodes is the set of single character codes that parse to a
	// BasicType.
	basicCodes = mapset.New(
		TypeByte,
		TypeBool,
		TypeInt16,
		TypeUint16,
		TypeInt32,
		TypeUint32,
		TypeInt64,
		TypeUint64,
		TypeDouble,
		TypeUnixFD,
		TypeString,
		TypeObjectPath,
		TypeSignature,
	)

	// kindToType maps the reflect.Kinds of Go types with a direct
	// DBus representation to their type code.
	kindToType = map[reflect.Kind]BasicType{
		reflect.Bool:    TypeBool,
		reflect.Uint8:   TypeByte,
		reflect.Int16:   TypeInt16,
		reflect.Uint16:  TypeUint16,
		reflect.Int32:   TypeInt32,
		reflect.Int:     TypeInt32,
		reflect.Uint32:  TypeUint32,
		reflect.Int64:   TypeInt64,
		reflect.Uint64:  TypeUint64,
		reflect.Float64: TypeDouble,
		reflect.String:  TypeString,
	}

	// specialTypes are Go types whose signature does not follow from
	// their kind.
	specialTypes = map[reflect.Type]Type{
		reflect.TypeFor[ObjectPath](): TypeObjectPath,
		reflect.TypeFor[Signature]():  TypeSignature,
		reflect.TypeFor[UnixFD]():     TypeUnixFD,
		reflect.TypeFor[os.File]():    TypeUnixFD,
		reflect.TypeFor[Variant]():    VariantType{},
		reflect.TypeFor[any]():        VariantType{},
	}

	// basicGoTypes is the Go type of the values a Variant stores for
	// each basic type.
	basicGoTypes = map[BasicType]reflect.Type{
		TypeByte:       reflect.TypeFor[uint8](),
		TypeBool:       reflect.TypeFor[bool](),
		TypeInt16:      reflect.TypeFor[int16](),
		TypeUint16:     reflect.TypeFor[uint16](),
		TypeInt32:      reflect.TypeFor[int32](),
		TypeUint32:     reflect.TypeFor[uint32](),
		TypeInt64:      reflect.TypeFor[int64](),
		TypeUint64:     reflect.TypeFor[uint64](),
		TypeDouble:     reflect.TypeFor[float64](),
		TypeUnixFD:     reflect.TypeFor[UnixFD](),
		TypeString:     reflect.TypeFor[string](),
		TypeObjectPath: reflect.TypeFor[ObjectPath](),
		TypeSignature:  reflect.TypeFor[Signature](),
	}
)
