// Package client calls methods, reads and writes properties, and
// receives signals of objects published on a [dasbus.Bus].
//
// An [ObjectHandler] stands for one remote object. It fetches the
// object's introspection data once, and hands out proxies for its
// members:
//
//	h := client.NewObjectHandler(conn, "org.example.Hello", "/org/example/Hello")
//	m, err := h.Method(ctx, "org.example.Hello", "Hello")
//	if err != nil {
//		return err
//	}
//	greeting, err := m.Call(ctx, "World")
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dasbus-project/dasbus"
	"github.com/samber/lo"
)

// ObjectHandler is the client side of one object published on a bus.
//
// An ObjectHandler is safe for concurrent use.
type ObjectHandler struct {
	bus     dasbus.Bus
	service string
	path    dasbus.ObjectPath
	mapper  *dasbus.ErrorMapper
	timeout time.Duration

	specMu sync.Mutex
	spec   *dasbus.Specification

	mu          sync.Mutex
	signals     []*SignalProxy
	onSubscribe func(*ObjectHandler)
}

// Option configures an ObjectHandler.
type Option func(*ObjectHandler)

// WithErrorMapper sets the mapper that converts error replies into Go
// errors. The default is a mapper built by [dasbus.NewErrorMapper].
func WithErrorMapper(m *dasbus.ErrorMapper) Option {
	return func(h *ObjectHandler) { h.mapper = m }
}

// WithTimeout bounds every call made through the handler. Calls
// without a timeout wait until their context ends.
func WithTimeout(d time.Duration) Option {
	return func(h *ObjectHandler) { h.timeout = d }
}

// OnSubscribe sets a function to call when the handler subscribes to
// its first signal, after being created or disconnected.
func OnSubscribe(fn func(*ObjectHandler)) Option {
	return func(h *ObjectHandler) { h.onSubscribe = fn }
}

// NewObjectHandler returns a handler for the object at path, owned by
// the bus name service.
func NewObjectHandler(bus dasbus.Bus, service string, path dasbus.ObjectPath, opts ...Option) *ObjectHandler {
	ret := &ObjectHandler{
		bus:     bus,
		service: service,
		path:    path,
	}
	for _, o := range opts {
		o(ret)
	}
	if ret.mapper == nil {
		ret.mapper = dasbus.NewErrorMapper()
	}
	return ret
}

// Service returns the bus name of the object's owner.
func (h *ObjectHandler) Service() string { return h.service }

// Path returns the object's path.
func (h *ObjectHandler) Path() dasbus.ObjectPath { return h.path }

func (h *ObjectHandler) String() string {
	return fmt.Sprintf("%s:%s", h.service, h.path)
}

// Specification returns the members of the remote object, as reported
// by its Introspect method.
//
// The specification is fetched on first use, and reused after
// that. A failed fetch is retried by the next call.
func (h *ObjectHandler) Specification(ctx context.Context) (*dasbus.Specification, error) {
	h.specMu.Lock()
	defer h.specMu.Unlock()
	if h.spec != nil {
		return h.spec, nil
	}

	xml, err := h.Introspect(ctx)
	if err != nil {
		return nil, err
	}
	spec, err := dasbus.ParseIntrospection(xml)
	if err != nil {
		return nil, fmt.Errorf("introspecting %s: %w", h, err)
	}
	h.spec = spec
	return spec, nil
}

// Introspect returns the remote object's introspection XML. Unlike
// [ObjectHandler.Specification], the result is never cached.
func (h *ObjectHandler) Introspect(ctx context.Context) (string, error) {
	resp, err := h.call(ctx, &dasbus.Message{
		Interface: dasbus.IntrospectableInterface,
		Member:    "Introspect",
	})
	if err != nil {
		return "", fmt.Errorf("introspecting %s: %w", h, err)
	}
	var xml string
	if err := firstArg(resp.Body, &xml); err != nil {
		return "", fmt.Errorf("introspecting %s: %w", h, err)
	}
	return xml, nil
}

// CreateMember returns a proxy for the member name of iface: a
// [*MethodProxy], [*PropertyProxy] or [*SignalProxy].
func (h *ObjectHandler) CreateMember(ctx context.Context, iface, name string) (any, error) {
	spec, err := h.Specification(ctx)
	if err != nil {
		return nil, err
	}
	m, err := spec.Member(iface, name)
	if err != nil {
		return nil, err
	}
	switch m := m.(type) {
	case *dasbus.MethodDescription:
		return &MethodProxy{h: h, desc: m}, nil
	case *dasbus.PropertyDescription:
		return &PropertyProxy{h: h, desc: m}, nil
	case *dasbus.SignalDescription:
		return h.newSignalProxy(ctx, m)
	default:
		return nil, fmt.Errorf("unknown member type %T", m)
	}
}

// Method returns a proxy for the method name of iface.
func (h *ObjectHandler) Method(ctx context.Context, iface, name string) (*MethodProxy, error) {
	return createAs[*MethodProxy](ctx, h, iface, name, "method")
}

// Property returns a proxy for the property name of iface.
func (h *ObjectHandler) Property(ctx context.Context, iface, name string) (*PropertyProxy, error) {
	return createAs[*PropertyProxy](ctx, h, iface, name, "property")
}

// Signal returns a proxy for the signal name of iface. The proxy
// receives signals until it, or the handler, is disconnected.
func (h *ObjectHandler) Signal(ctx context.Context, iface, name string) (*SignalProxy, error) {
	return createAs[*SignalProxy](ctx, h, iface, name, "signal")
}

func createAs[T any](ctx context.Context, h *ObjectHandler, iface, name, kind string) (T, error) {
	var zero T
	spec, err := h.Specification(ctx)
	if err != nil {
		return zero, err
	}
	m, err := spec.Member(iface, name)
	if err != nil {
		return zero, err
	}
	// Checked before creation, so that asking for the wrong kind of
	// signal member doesn't leave a subscription behind.
	if memberKind(m) != kind {
		return zero, dasbus.SpecificationError{Interface: iface, Member: name, Reason: "member is not a " + kind}
	}
	p, err := h.CreateMember(ctx, iface, name)
	if err != nil {
		return zero, err
	}
	return p.(T), nil
}

func memberKind(m dasbus.Member) string {
	switch m.(type) {
	case *dasbus.MethodDescription:
		return "method"
	case *dasbus.PropertyDescription:
		return "property"
	case *dasbus.SignalDescription:
		return "signal"
	}
	return ""
}

// Disconnect unsubscribes every signal proxy created by the handler,
// most recent first, and disconnects their callbacks.
func (h *ObjectHandler) Disconnect() {
	h.mu.Lock()
	sigs := h.signals
	h.signals = nil
	h.mu.Unlock()

	for _, s := range lo.Reverse(sigs) {
		s.DisconnectAll()
	}
}

// call sends msg to the object, and returns its reply. Error replies
// are converted by the handler's error mapper.
func (h *ObjectHandler) call(ctx context.Context, msg *dasbus.Message) (*dasbus.Message, error) {
	msg.Destination = h.service
	msg.Path = h.path
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	resp, err := h.bus.Call(ctx, msg)
	if err != nil {
		return nil, h.mapError(err)
	}
	if resp == nil {
		resp = &dasbus.Message{}
	}
	return resp, nil
}

// callAsync is like call, but delivers the reply to done.
func (h *ObjectHandler) callAsync(ctx context.Context, msg *dasbus.Message, done func(*dasbus.Message, error)) error {
	msg.Destination = h.service
	msg.Path = h.path
	cancel := func() {}
	if h.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
	}
	err := h.bus.CallAsync(ctx, msg, func(resp *dasbus.Message, err error) {
		cancel()
		if err != nil {
			done(nil, h.mapError(err))
			return
		}
		if resp == nil {
			resp = &dasbus.Message{}
		}
		done(resp, nil)
	})
	if err != nil {
		cancel()
	}
	return err
}

// mapError converts an error reply into the Go error registered for
// its name. Other errors, such as transport failures and timeouts,
// are returned unchanged.
func (h *ObjectHandler) mapError(err error) error {
	var ce dasbus.CallError
	if !errors.As(err, &ce) {
		return err
	}
	ret, lookupErr := h.mapper.NewError(ce.Name, stripErrorPrefix(ce.Name, ce.Message))
	if lookupErr != nil {
		return errors.Join(lookupErr, err)
	}
	return ret
}

// stripErrorPrefix removes the "GDBus.Error:<name>: " prefix that
// GDBus adds to the message of errors it relays, if the prefix names
// the error being reported.
func stripErrorPrefix(name, message string) string {
	prefix := "GDBus.Error:" + name + ": "
	return strings.TrimPrefix(message, prefix)
}

// firstArg stores the single value of a reply body into dst.
func firstArg(body dasbus.Variant, dst any) error {
	fields := body.Fields()
	if len(fields) != 1 {
		return fmt.Errorf("reply has signature %q, want one value", body.Signature().BodyString())
	}
	return fields[0].Store(dst)
}
