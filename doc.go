// Package dasbus is a client and server binding layer for DBus.
//
// The package itself holds the parts that client and server share:
// the type system, the [Variant] value container, handle
// transposition, the [Signal] observer, the error mapping registry
// and member specifications. The client and server subpackages build
// proxies and object handlers on top of these, and talk to the bus
// through the [Bus] interface. The bus subpackage provides a real
// connection, and dbustest an in-memory one.
//
// # Type system
//
// Every DBus value has a type, described by a [Signature]. Go types
// map to signatures as follows:
//
// uint8, bool, int16, uint16, int32, uint32, int64, uint64, float64
// and string map to the corresponding DBus basic types. int maps to
// int32, DBus's default integer type.
//
// [ObjectPath], [Signature] and [UnixFD] map to the DBus object path,
// signature and file descriptor types.
//
// [Variant] and any map to DBus variants.
//
// Slices and arrays map to DBus arrays. Maps map to DBus dictionaries,
// whose keys must be one of the basic types above. Structs map to DBus
// structs of their exported fields, in declaration order. Pointers map
// to the type pointed to.
//
// Defined types map according to their underlying kind, so
//
//	type Celsius int32
//
// has the same signature as int32.
//
// int8, uint, uintptr, float32, complex, channel, function and
// interface types other than any cannot be represented. Neither can
// empty structs or recursive types. [SignatureFor] and [SignatureOf]
// return a [TypeError] for such types.
//
// # Variants
//
// A [Variant] is an immutable pair of a [Signature] and a value. The
// value is held in a normalized form that mirrors the signature, see
// [Unwrap]. Variants are the unit of transfer for method arguments,
// return values, property values and signal payloads.
//
// # Handles
//
// File descriptors cannot travel inline in a DBus message. Before a
// message is sent, [AcquireHandles] moves every [UnixFD] in a variant
// into a side list and replaces it with its index in the list. On
// receipt, [RestoreHandles] does the reverse.
package dasbus
