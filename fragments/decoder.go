package fragments

import (
	"errors"
	"fmt"
	"io"
)

// ErrShortRead is returned when the decoder runs out of input.
var ErrShortRead = fmt.Errorf("short read: %w", io.ErrUnexpectedEOF)

// A Decoder provides utilities to read a DBus wire format message
// from a byte slice.
//
// Methods advance the read cursor as needed to account for the
// padding required by DBus alignment rules, except for [Decoder.Read]
// which reads bytes verbatim.
type Decoder struct {
	// Order is the byte order to use when reading multi-byte values.
	Order ByteOrder
	// In is the input to read.
	In []byte

	// offset is the number of bytes consumed off the front of In so
	// far. Alignment is relative to the start of In.
	offset int
}

// Offset returns the number of bytes consumed so far.
func (d *Decoder) Offset() int { return d.offset }

// Remaining returns the number of bytes left to read.
func (d *Decoder) Remaining() int { return len(d.In) - d.offset }

// Pad consumes padding bytes as needed to make the next read happen
// at a multiple of align bytes. If the decoder is already correctly
// aligned, no bytes are consumed.
func (d *Decoder) Pad(align int) error {
	extra := d.offset % align
	if extra == 0 {
		return nil
	}
	skip := align - extra
	if d.Remaining() < skip {
		return ErrShortRead
	}
	for _, b := range d.In[d.offset : d.offset+skip] {
		if b != 0 {
			return errors.New("non-zero padding byte")
		}
	}
	d.offset += skip
	return nil
}

// Read reads n bytes, with no framing or padding.
func (d *Decoder) Read(n int) ([]byte, error) {
	if n < 0 || d.Remaining() < n {
		return nil, ErrShortRead
	}
	ret := d.In[d.offset : d.offset+n]
	d.offset += n
	return ret, nil
}

// Bytes reads a DBus byte array.
func (d *Decoder) Bytes() ([]byte, error) {
	ln, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	bs, err := d.Read(int(ln))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), bs...), nil
}

// String reads a DBus string.
func (d *Decoder) String() (string, error) {
	ln, err := d.Uint32()
	if err != nil {
		return "", err
	}
	return d.terminated(int(ln))
}

// Signature reads a DBus signature.
func (d *Decoder) Signature() (string, error) {
	ln, err := d.Uint8()
	if err != nil {
		return "", err
	}
	return d.terminated(int(ln))
}

func (d *Decoder) terminated(n int) (string, error) {
	bs, err := d.Read(n + 1)
	if err != nil {
		return "", err
	}
	if bs[n] != 0 {
		return "", errors.New("string is missing its nul terminator")
	}
	return string(bs[:n]), nil
}

// Uint8 reads a uint8.
func (d *Decoder) Uint8() (uint8, error) {
	bs, err := d.Read(1)
	if err != nil {
		return 0, err
	}
	return bs[0], nil
}

// Uint16 reads a uint16.
func (d *Decoder) Uint16() (uint16, error) {
	if err := d.Pad(2); err != nil {
		return 0, err
	}
	bs, err := d.Read(2)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint16(bs), nil
}

// Uint32 reads a uint32.
func (d *Decoder) Uint32() (uint32, error) {
	if err := d.Pad(4); err != nil {
		return 0, err
	}
	bs, err := d.Read(4)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint32(bs), nil
}

// Uint64 reads a uint64.
func (d *Decoder) Uint64() (uint64, error) {
	if err := d.Pad(8); err != nil {
		return 0, err
	}
	bs, err := d.Read(8)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint64(bs), nil
}

// Array reads an array header, and returns the offset at which the
// array's data ends. The caller must read elements while
// [Decoder.Offset] is less than the returned end offset.
//
// containsStructs indicates whether the array's elements are structs
// or dict entries, so that the decoder consumes array header padding
// appropriately even if the array contains no elements.
func (d *Decoder) Array(containsStructs bool) (end int, err error) {
	ln, err := d.Uint32()
	if err != nil {
		return 0, err
	}
	if ln > 1<<26 {
		return 0, fmt.Errorf("array length %d exceeds protocol maximum", ln)
	}
	if containsStructs {
		if err := d.Pad(8); err != nil {
			return 0, err
		}
	}
	end = d.offset + int(ln)
	if end > len(d.In) {
		return 0, ErrShortRead
	}
	return end, nil
}

// Struct aligns the decoder for reading a struct.
func (d *Decoder) Struct() error {
	return d.Pad(8)
}

// ByteOrderFlag reads a DBus byte order flag byte, and sets
// [Decoder.Order] to match it.
func (d *Decoder) ByteOrderFlag() error {
	v, err := d.Uint8()
	if err != nil {
		return err
	}
	switch v {
	case 'B':
		d.Order = BigEndian
	case 'l':
		d.Order = LittleEndian
	default:
		return fmt.Errorf("unknown byte order flag %q", v)
	}
	return nil
}
