package fragments

// Encoder appends DBus wire format values to Out.
//
// Every method except [Encoder.Write] first pads Out to the
// alignment of the value it writes. Alignment is relative to the
// start of Out, so an Encoder must start at the beginning of a
// message.
type Encoder struct {
	Order ByteOrder
	Out   []byte
}

// zeros is enough padding for the largest alignment, 8.
var zeros [8]byte

// Pad appends zero bytes until len(Out) is a multiple of align.
func (e *Encoder) Pad(align int) {
	if rem := len(e.Out) % align; rem != 0 {
		e.Out = append(e.Out, zeros[:align-rem]...)
	}
}

// Write appends bs unchanged, with no padding.
func (e *Encoder) Write(bs []byte) {
	e.Out = append(e.Out, bs...)
}

// Bytes appends bs as an ay array: a uint32 length, then the bytes.
func (e *Encoder) Bytes(bs []byte) {
	e.Uint32(uint32(len(bs)))
	e.Out = append(e.Out, bs...)
}

// String appends s as a DBus string or object path: a uint32 length,
// the bytes, and a NUL.
func (e *Encoder) String(s string) {
	e.Uint32(uint32(len(s)))
	e.text(s)
}

// Signature appends s as a DBus signature, which differs from a
// string in having a one byte length and no alignment.
func (e *Encoder) Signature(s string) {
	e.Uint8(uint8(len(s)))
	e.text(s)
}

func (e *Encoder) text(s string) {
	e.Out = append(e.Out, s...)
	e.Out = append(e.Out, 0)
}

func (e *Encoder) Uint8(v uint8) {
	e.Out = append(e.Out, v)
}

func (e *Encoder) Uint16(v uint16) {
	e.Pad(2)
	e.Out = e.Order.AppendUint16(e.Out, v)
}

func (e *Encoder) Uint32(v uint32) {
	e.Pad(4)
	e.Out = e.Order.AppendUint32(e.Out, v)
}

func (e *Encoder) Uint64(v uint64) {
	e.Pad(8)
	e.Out = e.Order.AppendUint64(e.Out, v)
}

// Array appends an array whose elements are written by elements. The
// array's byte length is filled in once elements returns.
//
// The length excludes the padding between the length and the first
// element, which is present when alignElems is set. Arrays of structs
// and dict entries need it, since those align to 8.
func (e *Encoder) Array(alignElems bool, elements func()) {
	e.Uint32(0)
	lenAt := len(e.Out) - 4
	if alignElems {
		e.Pad(8)
	}
	start := len(e.Out)
	elements()
	e.Order.PutUint32(e.Out[lenAt:], uint32(len(e.Out)-start))
}

// Struct aligns the output for a struct or dict entry, then calls
// fields to write its members.
func (e *Encoder) Struct(fields func()) {
	e.Pad(8)
	fields()
}

// ByteOrderFlag appends the header flag for e.Order.
func (e *Encoder) ByteOrderFlag() {
	e.Uint8(e.Order.Flag())
}
