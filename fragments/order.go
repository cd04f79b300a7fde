package fragments

import (
	"encoding/binary"

	"golang.org/x/sys/cpu"
)

// ByteOrder is the byte order of a message's multi-byte values, along
// with the flag byte that announces it in the message header.
type ByteOrder struct {
	order
	flag byte
}

type order interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

var (
	BigEndian    = ByteOrder{binary.BigEndian, 'B'}
	LittleEndian = ByteOrder{binary.LittleEndian, 'l'}

	// NativeEndian is the one of BigEndian and LittleEndian that the
	// host uses.
	NativeEndian = hostOrder()
)

func hostOrder() ByteOrder {
	if cpu.IsBigEndian {
		return BigEndian
	}
	return LittleEndian
}

// Flag returns the header byte for o, 'B' or 'l'.
func (o ByteOrder) Flag() byte { return o.flag }
