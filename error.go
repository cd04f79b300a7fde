package dasbus

import (
	"errors"
	"fmt"
	"reflect"
)

// TypeError is the error returned when a type or value cannot be
// represented in the DBus wire format.
type TypeError struct {
	// Type is the name of the type that caused the error.
	Type string
	// Reason is an explanation of why the type isn't representable by
	// DBus.
	Reason error
}

func (e TypeError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("dbus cannot represent value: %s", e.Reason)
	}
	return fmt.Sprintf("dbus cannot represent %s: %s", e.Type, e.Reason)
}

func (e TypeError) Unwrap() error {
	return e.Reason
}

func typeErr(t reflect.Type, reason string, args ...any) error {
	ts := ""
	if t != nil {
		ts = t.String()
	}
	return TypeError{ts, fmt.Errorf(reason, args...)}
}

// ErrNilValue is the reason carried by a [ValueError] when a nil value
// is given where a DBus value is required.
var ErrNilValue = errors.New("invalid DBus value nil")

// ValueError is the error returned when a value cannot be placed in a
// [Variant].
type ValueError struct {
	// Signature is the signature the value was meant to have.
	Signature string
	// Reason is why the value was rejected.
	Reason error
}

func (e ValueError) Error() string {
	return fmt.Sprintf("invalid value for signature %q: %s", e.Signature, e.Reason)
}

func (e ValueError) Unwrap() error {
	return e.Reason
}

// SpecificationError is the error returned for a malformed, duplicate
// or unknown interface member.
type SpecificationError struct {
	// Interface and Member identify the member at fault. Either may be
	// empty if the error is not about a single member.
	Interface string
	Member    string
	// Reason describes the problem.
	Reason string
}

func (e SpecificationError) Error() string {
	switch {
	case e.Interface == "" && e.Member == "":
		return e.Reason
	case e.Member == "":
		return fmt.Sprintf("%s: %s", e.Interface, e.Reason)
	default:
		return fmt.Sprintf("%s.%s: %s", e.Interface, e.Member, e.Reason)
	}
}

func specErr(iface, member, reason string, args ...any) error {
	return SpecificationError{iface, member, fmt.Sprintf(reason, args...)}
}

// AccessError is the error returned when reading an unreadable
// property or writing an unwritable one.
type AccessError struct {
	Message string
}

func (e AccessError) Error() string { return e.Message }

// Property access errors.
var (
	ErrNotReadable = AccessError{"Can't read DBus property."}
	ErrNotWritable = AccessError{"Can't set DBus property."}
)

// LookupError is the error returned when an [ErrorMapper] has no
// rule for an error or an error name.
type LookupError struct {
	// Key is the error name, or the Go type of the error, that had no
	// rule.
	Key string
}

func (e LookupError) Error() string {
	return fmt.Sprintf("no error rule for %s", e.Key)
}

// CallError is a DBus error: a failed method call, reported by a
// remote peer or produced by a local handler.
//
// Error types that want to carry a specific DBus error name embed
// CallError, and register with [NewErrorRule]:
//
//	type NotFound struct{ dasbus.CallError }
//
//	mapper.AddRule(dasbus.NewErrorRule[*NotFound]("org.example.NotFound"))
type CallError struct {
	// Name is the DBus error name.
	Name string
	// Message is the human-readable explanation of what went wrong.
	Message string
}

func (e CallError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("call error %s", e.Name)
	}
	return fmt.Sprintf("call error %s: %s", e.Name, e.Message)
}

// DBusError returns the error's DBus name and message.
func (e CallError) DBusError() (name, message string) {
	return e.Name, e.Message
}

// namedError is implemented by errors that carry a DBus error name,
// usually by embedding CallError.
type namedError interface {
	error
	DBusError() (name, message string)
}

// ErrorNameOf returns the DBus error name carried by err or any error
// it wraps, if any.
func ErrorNameOf(err error) (string, bool) {
	var ne namedError
	if !errors.As(err, &ne) {
		return "", false
	}
	name, _ := ne.DBusError()
	return name, name != ""
}

// ErrorMessageOf returns the message to send on the wire for err. If
// err carries a DBus message, that message is used, otherwise the
// error's text is.
func ErrorMessageOf(err error) string {
	var ne namedError
	if errors.As(err, &ne) {
		if _, msg := ne.DBusError(); msg != "" {
			return msg
		}
	}
	return err.Error()
}
