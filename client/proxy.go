package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/dasbus-project/dasbus"
)

// MethodProxy calls one method of a remote object.
type MethodProxy struct {
	h    *ObjectHandler
	desc *dasbus.MethodDescription
}

// Description returns the method's description.
func (m *MethodProxy) Description() *dasbus.MethodDescription { return m.desc }

func (m *MethodProxy) String() string {
	return fmt.Sprintf("%s:%s", m.h, m.desc.Key())
}

// Call calls the method with args, and returns its result: nil if the
// method returns nothing, the value itself if it returns one value,
// and a []any of the values otherwise.
//
// Returned values are unwrapped as described in [dasbus.Unwrap].
func (m *MethodProxy) Call(ctx context.Context, args ...any) (any, error) {
	ret, err := m.CallVariant(ctx, args...)
	if err != nil {
		return nil, err
	}
	return unpackResult(ret), nil
}

// CallVariant is like Call, but returns the reply body as a struct
// Variant, or the zero Variant if the method returns nothing.
//
// File descriptors in the reply are returned as file descriptors, not
// indices.
func (m *MethodProxy) CallVariant(ctx context.Context, args ...any) (dasbus.Variant, error) {
	msg, err := m.message(args)
	if err != nil {
		return dasbus.Variant{}, err
	}
	resp, err := m.h.call(ctx, msg)
	if err != nil {
		return dasbus.Variant{}, err
	}
	return dasbus.RestoreHandles(resp.Body, resp.Files), nil
}

// AsyncCallback receives the outcome of [MethodProxy.CallAsync].
//
// result returns the method's result, or the error that ended the
// call, in the same form as [MethodProxy.Call]. cbArgs are the extra
// arguments given to CallAsync.
type AsyncCallback func(result func() (any, error), cbArgs ...any)

// CallAsync calls the method with args, and returns once the call is
// sent. cb is called with the outcome on the bus's callback
// goroutine.
//
// An error is returned directly only if the call could not be sent.
func (m *MethodProxy) CallAsync(ctx context.Context, args []any, cb AsyncCallback, cbArgs ...any) error {
	msg, err := m.message(args)
	if err != nil {
		return err
	}
	return m.h.callAsync(ctx, msg, func(resp *dasbus.Message, err error) {
		result := func() (any, error) {
			if err != nil {
				return nil, err
			}
			return unpackResult(dasbus.RestoreHandles(resp.Body, resp.Files)), nil
		}
		cb(result, cbArgs...)
	})
}

// message builds the method call message for args.
func (m *MethodProxy) message(args []any) (*dasbus.Message, error) {
	ret := &dasbus.Message{
		Interface: m.desc.Interface,
		Member:    m.desc.Name,
	}
	in := m.desc.InSignature()
	if in.IsZero() {
		if len(args) != 0 {
			return nil, dasbus.SpecificationError{Interface: m.desc.Interface, Member: m.desc.Name, Reason: fmt.Sprintf("method takes no arguments, got %d", len(args))}
		}
		return ret, nil
	}
	body, err := dasbus.MakeVariant(in, args)
	if err != nil {
		return nil, fmt.Errorf("arguments of %s: %w", m.desc.Key(), err)
	}
	ret.Body, ret.Files = dasbus.AcquireHandles(body)
	return ret, nil
}

// unpackArgs returns the fields of a message body, unwrapped.
func unpackArgs(body dasbus.Variant) []any {
	args, _ := dasbus.Unwrap(body).([]any)
	return args
}

func unpackResult(body dasbus.Variant) any {
	args := unpackArgs(body)
	switch len(args) {
	case 0:
		return nil
	case 1:
		return args[0]
	default:
		return args
	}
}

// PropertyProxy reads and writes one property of a remote object.
type PropertyProxy struct {
	h    *ObjectHandler
	desc *dasbus.PropertyDescription
}

// Description returns the property's description.
func (p *PropertyProxy) Description() *dasbus.PropertyDescription { return p.desc }

func (p *PropertyProxy) String() string {
	return fmt.Sprintf("%s:%s", p.h, p.desc.Key())
}

// Get returns the property's value, unwrapped as described in
// [dasbus.Unwrap].
//
// Get returns [dasbus.ErrNotReadable] without calling the remote
// object if the property is not readable.
func (p *PropertyProxy) Get(ctx context.Context) (any, error) {
	v, err := p.GetVariant(ctx)
	if err != nil {
		return nil, err
	}
	return dasbus.Unwrap(v), nil
}

// GetVariant is like Get, but returns the value as a Variant.
func (p *PropertyProxy) GetVariant(ctx context.Context) (dasbus.Variant, error) {
	if !p.desc.Readable {
		return dasbus.Variant{}, dasbus.ErrNotReadable
	}
	resp, err := p.h.call(ctx, &dasbus.Message{
		Interface: dasbus.PropertiesInterface,
		Member:    "Get",
		Body:      dasbus.MustVariant("(ss)", []any{p.desc.Interface, p.desc.Name}),
	})
	if err != nil {
		return dasbus.Variant{}, err
	}
	var ret dasbus.Variant
	if err := firstArg(dasbus.RestoreHandles(resp.Body, resp.Files), &ret); err != nil {
		return dasbus.Variant{}, fmt.Errorf("reading %s: %w", p, err)
	}
	return ret, nil
}

// Set sets the property to value, which must fit the property's
// type.
//
// Set returns [dasbus.ErrNotWritable] without calling the remote
// object if the property is not writable.
func (p *PropertyProxy) Set(ctx context.Context, value any) error {
	if !p.desc.Writable {
		return dasbus.ErrNotWritable
	}
	v, err := dasbus.MakeVariant(p.desc.Type, value)
	if err != nil {
		return fmt.Errorf("setting %s: %w", p, err)
	}
	body, err := dasbus.MakeVariant("(ssv)", []any{p.desc.Interface, p.desc.Name, v})
	if err != nil {
		return err
	}
	msg := &dasbus.Message{
		Interface: dasbus.PropertiesInterface,
		Member:    "Set",
	}
	msg.Body, msg.Files = dasbus.AcquireHandles(body)
	_, err = p.h.call(ctx, msg)
	return err
}

// SignalProxy is a [dasbus.Signal] that is emitted whenever the
// remote object emits the corresponding bus signal. Callbacks receive
// the signal's arguments, unwrapped as described in [dasbus.Unwrap].
type SignalProxy struct {
	*dasbus.Signal
	h    *ObjectHandler
	desc *dasbus.SignalDescription

	mu     sync.Mutex
	cancel func()
}

func (h *ObjectHandler) newSignalProxy(ctx context.Context, desc *dasbus.SignalDescription) (*SignalProxy, error) {
	ret := &SignalProxy{
		Signal: &dasbus.Signal{},
		h:      h,
		desc:   desc,
	}
	cancel, err := h.bus.Subscribe(ctx, dasbus.SignalMatch{
		Sender:    h.service,
		Path:      h.path,
		Interface: desc.Interface,
		Member:    desc.Name,
	}, ret.deliver)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", desc.Key(), err)
	}
	ret.cancel = cancel

	h.mu.Lock()
	first := len(h.signals) == 0
	h.signals = append(h.signals, ret)
	h.mu.Unlock()
	if first && h.onSubscribe != nil {
		h.onSubscribe(h)
	}
	return ret, nil
}

func (s *SignalProxy) deliver(msg *dasbus.Message) {
	s.Emit(unpackArgs(dasbus.RestoreHandles(msg.Body, msg.Files))...)
}

// Description returns the signal's description.
func (s *SignalProxy) Description() *dasbus.SignalDescription { return s.desc }

func (s *SignalProxy) String() string {
	return fmt.Sprintf("%s:%s", s.h, s.desc.Key())
}

// DisconnectAll stops receiving the signal from the bus, and
// disconnects all callbacks. It is safe to call more than once.
func (s *SignalProxy) DisconnectAll() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.Signal.DisconnectAll()
}

// ConnectAs connects fn to s, with the signal's arguments stored into
// a T as by [dasbus.Variant.Store]. T is usually a struct with one
// exported field per signal argument. Emissions whose arguments do
// not fit T are dropped.
func ConnectAs[T any](s *SignalProxy, fn func(T)) dasbus.SignalConn {
	sig := s.desc.Signature()
	return s.Connect(func(args ...any) {
		var ret T
		if !sig.IsZero() {
			v, err := dasbus.MakeVariant(sig, args)
			if err != nil {
				return
			}
			if err := v.Store(&ret); err != nil {
				return
			}
		}
		fn(ret)
	})
}
