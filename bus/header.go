package bus

import (
	"errors"
	"fmt"

	"github.com/dasbus-project/dasbus"
	"github.com/dasbus-project/dasbus/fragments"
)

// msgType is the type of a DBus message.
type msgType byte

const (
	msgTypeCall msgType = iota + 1
	msgTypeReturn
	msgTypeError
	msgTypeSignal
)

func (t msgType) String() string {
	switch t {
	case msgTypeCall:
		return "call"
	case msgTypeReturn:
		return "return"
	case msgTypeError:
		return "error"
	case msgTypeSignal:
		return "signal"
	default:
		return fmt.Sprintf("msgType(%d)", byte(t))
	}
}

// Message flags.
const (
	flagNoReplyExpected = 0x1
	flagNoAutoStart     = 0x2
)

// Header field codes.
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrName     = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
	fieldNumFDs      = 9
)

// fieldSignatures is the value signature of each known header field.
var fieldSignatures = map[byte]string{
	fieldPath:        "o",
	fieldInterface:   "s",
	fieldMember:      "s",
	fieldErrName:     "s",
	fieldReplySerial: "u",
	fieldDestination: "s",
	fieldSender:      "s",
	fieldSignature:   "g",
	fieldNumFDs:      "u",
}

const (
	// fixedHeaderLen is the length of the header up to and including
	// the length of the header field array.
	fixedHeaderLen = 16
	// maxMessageLen is the protocol's maximum message size.
	maxMessageLen = 1 << 27
)

// header is a DBus message header
type header struct {
	// Order is the message's byte order.
	Order fragments.ByteOrder
	// Type is the message's type.
	Type msgType
	// Flags is the message's flag byte.
	Flags byte
	// Version is the DBus protocol version
	Version uint8
	// Length is the length of the message body, not including the
	// header or padding between header and body.
	Length uint32
	// Serial is the serial for this message. It must be non-zero.
	Serial uint32

	// Path is the target object for a call, or the source object
	// for a signal. Required for msgTypeCall and msgTypeSignal.
	Path dasbus.ObjectPath
	// Interface is the interface to target for a call, or the
	// source interface for a signal. Required for msgTypeSignal.
	Interface string
	// Member is the method name for a call, or signal name for a
	// signal. Required for msgTypeCall and msgTypeSignal.
	Member string
	// ErrName is the name of the error that occurred. Required
	// for msgTypeError.
	ErrName string
	// ReplySerial is the message serial to which this message is
	// replying. Required for msgTypeReturn and msgTypeError.
	ReplySerial uint32
	// Destination is the target for a message. Optional for signals,
	// required for everything else.
	Destination string
	// Sender is the client ID of the message sender. The message
	// bus populates this value itself, any sent value is ignored
	// and removed.
	Sender string
	// Signature is the type signature of the message body, in
	// message header form. Required if a message body is present.
	Signature string
	// NumFDs is the number of file descriptors attached to this
	// message. Required if file descriptors are attached to the
	// message.
	NumFDs uint32
}

// Valid checks that the message header is valid for its message type.
func (h *header) Valid() error {
	if h.Serial == 0 {
		return errors.New("invalid message with zero Serial")
	}
	switch h.Type {
	case 0:
		return errors.New("invalid message with Type 0")
	case msgTypeCall:
		if h.Path == "" {
			return errors.New("missing required header field Path")
		}
		if h.Member == "" {
			return errors.New("missing required header field Member")
		}
	case msgTypeReturn:
		if h.ReplySerial == 0 {
			return errors.New("missing required header field ReplySerial")
		}
	case msgTypeError:
		if h.ReplySerial == 0 {
			return errors.New("missing required header field ReplySerial")
		}
		if h.ErrName == "" {
			return errors.New("missing required header field ErrName")
		}
	case msgTypeSignal:
		if h.Path == "" {
			return errors.New("missing required header field Path")
		}
		if h.Interface == "" {
			return errors.New("missing required header field Interface")
		}
		if h.Member == "" {
			return errors.New("missing required header field Member")
		}
	default:
		// Unknown message types are suspect, but the DBus specification
		// requires us to gracefully allow them.
	}
	return nil
}

// WantReply reports whether this message requires a response.
func (h *header) WantReply() bool {
	return h.Type == msgTypeCall && h.Flags&flagNoReplyExpected == 0
}

// MarshalDBus writes the header, including the padding that precedes
// the message body.
func (h *header) MarshalDBus(e *fragments.Encoder) {
	e.ByteOrderFlag()
	e.Uint8(uint8(h.Type))
	e.Uint8(h.Flags)
	e.Uint8(1)
	e.Uint32(h.Length)
	e.Uint32(h.Serial)

	str := func(code byte, sig string, v string) {
		if v == "" {
			return
		}
		e.Struct(func() {
			e.Uint8(code)
			e.Signature(sig)
			if sig == "g" {
				e.Signature(v)
			} else {
				e.String(v)
			}
		})
	}
	u32 := func(code byte, v uint32) {
		if v == 0 {
			return
		}
		e.Struct(func() {
			e.Uint8(code)
			e.Signature("u")
			e.Uint32(v)
		})
	}
	e.Array(true, func() {
		str(fieldPath, "o", string(h.Path))
		str(fieldInterface, "s", h.Interface)
		str(fieldMember, "s", h.Member)
		str(fieldErrName, "s", h.ErrName)
		u32(fieldReplySerial, h.ReplySerial)
		str(fieldDestination, "s", h.Destination)
		str(fieldSender, "s", h.Sender)
		str(fieldSignature, "g", h.Signature)
		u32(fieldNumFDs, h.NumFDs)
	})
	e.Pad(8)
}

// messageLen returns the total length of the message whose first
// fixedHeaderLen bytes are prefix.
func messageLen(prefix []byte) (int, error) {
	d := fragments.Decoder{In: prefix}
	if err := d.ByteOrderFlag(); err != nil {
		return 0, err
	}
	if _, err := d.Read(3); err != nil {
		return 0, err
	}
	bodyLen, err := d.Uint32()
	if err != nil {
		return 0, err
	}
	if _, err := d.Uint32(); err != nil {
		return 0, err
	}
	fieldsLen, err := d.Uint32()
	if err != nil {
		return 0, err
	}
	hdrLen := fixedHeaderLen + int(fieldsLen)
	if pad := hdrLen % 8; pad != 0 {
		hdrLen += 8 - pad
	}
	total := hdrLen + int(bodyLen)
	if fieldsLen > maxMessageLen || bodyLen > maxMessageLen || total > maxMessageLen {
		return 0, fmt.Errorf("message length %d exceeds protocol maximum", total)
	}
	return total, nil
}

// UnmarshalDBus reads a header, including the padding that precedes
// the message body. Unknown header fields are skipped.
func (h *header) UnmarshalDBus(d *fragments.Decoder) error {
	if err := d.ByteOrderFlag(); err != nil {
		return err
	}
	h.Order = d.Order
	t, err := d.Uint8()
	if err != nil {
		return err
	}
	h.Type = msgType(t)
	if h.Flags, err = d.Uint8(); err != nil {
		return err
	}
	if h.Version, err = d.Uint8(); err != nil {
		return err
	}
	if h.Version != 1 {
		return fmt.Errorf("unsupported protocol version %d", h.Version)
	}
	if h.Length, err = d.Uint32(); err != nil {
		return err
	}
	if h.Serial, err = d.Uint32(); err != nil {
		return err
	}

	end, err := d.Array(true)
	if err != nil {
		return err
	}
	for d.Offset() < end {
		if err := d.Struct(); err != nil {
			return err
		}
		code, err := d.Uint8()
		if err != nil {
			return err
		}
		sig, err := d.Signature()
		if err != nil {
			return err
		}
		if err := h.readField(d, code, sig); err != nil {
			return fmt.Errorf("reading header field %d: %w", code, err)
		}
	}
	return d.Pad(8)
}

func (h *header) readField(d *fragments.Decoder, code byte, sig string) error {
	want := fieldSignatures[code]
	if want == "" {
		// Unknown fields must be ignored.
		s, err := dasbus.ParseSignature(sig)
		if err != nil {
			return err
		}
		_, err = dasbus.UnmarshalVariant(d, s)
		return err
	}
	if sig != want {
		return fmt.Errorf("field has signature %q, want %q", sig, want)
	}

	var err error
	switch code {
	case fieldPath:
		var s string
		s, err = d.String()
		h.Path = dasbus.ObjectPath(s)
	case fieldInterface:
		h.Interface, err = d.String()
	case fieldMember:
		h.Member, err = d.String()
	case fieldErrName:
		h.ErrName, err = d.String()
	case fieldReplySerial:
		h.ReplySerial, err = d.Uint32()
	case fieldDestination:
		h.Destination, err = d.String()
	case fieldSender:
		h.Sender, err = d.String()
	case fieldSignature:
		h.Signature, err = d.Signature()
	case fieldNumFDs:
		h.NumFDs, err = d.Uint32()
	}
	return err
}
