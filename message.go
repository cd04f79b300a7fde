package dasbus

import (
	"context"
	"fmt"
)

// A Message is a method call, method return or signal, as exchanged
// with a [Bus].
type Message struct {
	// Sender is the unique bus name of the sending connection. The bus
	// sets it on received messages.
	Sender string
	// Destination is the bus name the message is addressed to. It is
	// empty for broadcast signals.
	Destination string
	// Path is the object being called, or the object emitting a
	// signal.
	Path ObjectPath
	// Interface and Member name the method or signal.
	Interface string
	Member    string
	// Body holds the message arguments as a struct Variant, or the zero
	// Variant if the message has no arguments.
	Body Variant
	// Files is the list of file descriptors carried alongside Body.
	// UnixFD values in Body are indices into Files.
	Files []int
	// NoReply, on a method call, asks the receiver not to reply.
	NoReply bool
}

func (m *Message) String() string {
	return fmt.Sprintf("%s %s %s.%s%v", m.Destination, m.Path, m.Interface, m.Member, m.Body)
}

// A Handler answers method calls for an exported object.
//
// A Handler returns the reply body, or an error. Errors that carry a
// DBus name, see [ErrorNameOf], are sent to the caller with that name.
type Handler func(ctx context.Context, call *Message) (reply *Message, err error)

// A SignalMatch selects the signals delivered to a subscription. Empty
// fields match anything.
type SignalMatch struct {
	Sender    string
	Path      ObjectPath
	Interface string
	Member    string
}

// Matches reports whether msg satisfies the match.
func (m SignalMatch) Matches(msg *Message) bool {
	return (m.Sender == "" || m.Sender == msg.Sender) &&
		(m.Path == "" || m.Path == msg.Path) &&
		(m.Interface == "" || m.Interface == msg.Interface) &&
		(m.Member == "" || m.Member == msg.Member)
}

// A Bus is a connection to a message bus.
//
// Implementations must be safe for concurrent use. Async reply
// callbacks and signal callbacks are invoked on a single goroutine per
// Bus, in the order the corresponding messages were received.
type Bus interface {
	// LocalName returns the unique bus name of the connection.
	LocalName() string

	// Call sends a method call and waits for its reply.
	//
	// Error replies are returned as [CallError]. Other failures,
	// including the expiry of ctx, are returned unchanged.
	Call(ctx context.Context, call *Message) (*Message, error)
	// CallAsync sends a method call and returns once it is sent. done
	// is called with the reply, or the error that ended the call.
	CallAsync(ctx context.Context, call *Message, done func(*Message, error)) error

	// Emit broadcasts a signal.
	Emit(ctx context.Context, signal *Message) error
	// Subscribe calls fn for every received signal that matches m,
	// until the returned cancel function is called.
	Subscribe(ctx context.Context, m SignalMatch, fn func(*Message)) (cancel func(), err error)

	// Export routes method calls for iface on the object at path to h,
	// until the returned cancel function is called.
	Export(path ObjectPath, iface string, h Handler) (cancel func(), err error)
}

// NameOwner is implemented by Buses that can own well-known bus
// names.
type NameOwner interface {
	// RequestName asks the bus for ownership of name, and reports
	// whether the connection became its primary owner.
	RequestName(ctx context.Context, name string) (isPrimaryOwner bool, err error)
	// ReleaseName gives up ownership of name.
	ReleaseName(ctx context.Context, name string) error
}

// NameWatcher is implemented by buses that can report changes of bus
// name ownership.
type NameWatcher interface {
	// WatchNameOwner calls fn with the unique name of name's owner,
	// once with the current owner and then on every change, until
	// cancel is called. An empty owner means the name has none.
	WatchNameOwner(ctx context.Context, name string, fn func(owner string)) (cancel func(), err error)
}

// Standard error names.
const (
	ErrorFailed           = "org.freedesktop.DBus.Error.Failed"
	ErrorUnknownMethod    = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrorUnknownObject    = "org.freedesktop.DBus.Error.UnknownObject"
	ErrorUnknownInterface = "org.freedesktop.DBus.Error.UnknownInterface"
	ErrorInvalidArgs      = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrorNoReply          = "org.freedesktop.DBus.Error.NoReply"
)

// ReplyError returns the wire name and message for an error returned
// by a [Handler].
func ReplyError(err error) (name, message string) {
	name, ok := ErrorNameOf(err)
	if !ok {
		name = ErrorFailed
	}
	return name, ErrorMessageOf(err)
}
