package client

import (
	"context"
	"fmt"

	"github.com/dasbus-project/dasbus"
)

// InterfaceProxy binds one interface of a remote object, and calls its
// members by name.
type InterfaceProxy struct {
	h     *ObjectHandler
	iface string
}

// NewInterfaceProxy returns a proxy for iface on the object at path,
// owned by the bus name service.
func NewInterfaceProxy(bus dasbus.Bus, service string, path dasbus.ObjectPath, iface string, opts ...Option) *InterfaceProxy {
	return NewObjectHandler(bus, service, path, opts...).Interface(iface)
}

// Interface returns a proxy for the object's interface iface.
func (h *ObjectHandler) Interface(iface string) *InterfaceProxy {
	return &InterfaceProxy{h, iface}
}

// Name returns the name of the interface.
func (p *InterfaceProxy) Name() string { return p.iface }

// Handler returns the handler of the object that offers the
// interface.
func (p *InterfaceProxy) Handler() *ObjectHandler { return p.h }

func (p *InterfaceProxy) String() string {
	return fmt.Sprintf("%s:%s", p.h, p.iface)
}

// Call calls method with args. See [MethodProxy.Call].
func (p *InterfaceProxy) Call(ctx context.Context, method string, args ...any) (any, error) {
	m, err := p.h.Method(ctx, p.iface, method)
	if err != nil {
		return nil, err
	}
	return m.Call(ctx, args...)
}

// CallVariant calls method with args. See [MethodProxy.CallVariant].
func (p *InterfaceProxy) CallVariant(ctx context.Context, method string, args ...any) (dasbus.Variant, error) {
	m, err := p.h.Method(ctx, p.iface, method)
	if err != nil {
		return dasbus.Variant{}, err
	}
	return m.CallVariant(ctx, args...)
}

// CallAsync calls method with args, and returns once the call is
// sent. See [MethodProxy.CallAsync].
func (p *InterfaceProxy) CallAsync(ctx context.Context, method string, args []any, cb AsyncCallback, cbArgs ...any) error {
	m, err := p.h.Method(ctx, p.iface, method)
	if err != nil {
		return err
	}
	return m.CallAsync(ctx, args, cb, cbArgs...)
}

// Get returns the value of the property name.
func (p *InterfaceProxy) Get(ctx context.Context, name string) (any, error) {
	prop, err := p.h.Property(ctx, p.iface, name)
	if err != nil {
		return nil, err
	}
	return prop.Get(ctx)
}

// GetVariant returns the value of the property name as a Variant.
func (p *InterfaceProxy) GetVariant(ctx context.Context, name string) (dasbus.Variant, error) {
	prop, err := p.h.Property(ctx, p.iface, name)
	if err != nil {
		return dasbus.Variant{}, err
	}
	return prop.GetVariant(ctx)
}

// Set sets the property name to value.
func (p *InterfaceProxy) Set(ctx context.Context, name string, value any) error {
	prop, err := p.h.Property(ctx, p.iface, name)
	if err != nil {
		return err
	}
	return prop.Set(ctx, value)
}

// GetAll returns the values of all readable properties of the
// interface.
func (p *InterfaceProxy) GetAll(ctx context.Context) (map[string]any, error) {
	resp, err := p.h.call(ctx, &dasbus.Message{
		Interface: dasbus.PropertiesInterface,
		Member:    "GetAll",
		Body:      dasbus.MustVariant("(s)", []any{p.iface}),
	})
	if err != nil {
		return nil, err
	}
	var vals map[string]dasbus.Variant
	if err := firstArg(dasbus.RestoreHandles(resp.Body, resp.Files), &vals); err != nil {
		return nil, fmt.Errorf("reading properties of %s: %w", p, err)
	}
	ret := make(map[string]any, len(vals))
	for k, v := range vals {
		ret[k] = dasbus.Unwrap(v)
	}
	return ret, nil
}

// Signal returns a proxy for the signal name. See
// [ObjectHandler.Signal].
func (p *InterfaceProxy) Signal(ctx context.Context, name string) (*SignalProxy, error) {
	return p.h.Signal(ctx, p.iface, name)
}

// Disconnect disconnects every signal proxy of the underlying object
// handler.
func (p *InterfaceProxy) Disconnect() {
	p.h.Disconnect()
}
