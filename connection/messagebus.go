// Package connection manages the proxies, service names and published
// objects of one bus connection, and tears them down together.
package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/dasbus-project/dasbus"
	"github.com/dasbus-project/dasbus/bus"
	"github.com/dasbus-project/dasbus/client"
	"github.com/dasbus-project/dasbus/server"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

// ErrNotPrimaryOwner is returned by RegisterService when another
// connection owns the requested name.
var ErrNotPrimaryOwner = errors.New("connection is not the primary owner of the name")

// MessageBus is a bus connection, along with the names it owns, the
// objects it publishes and the proxies it created.
//
// Lifecycle methods (RegisterService, PublishObject, Disconnect and
// their inverses) must not be called concurrently with each other.
type MessageBus struct {
	bus    dasbus.Bus
	closer io.Closer
	mapper *dasbus.ErrorMapper
	log    log.FieldLogger

	mu          sync.Mutex
	names       []string
	objects     map[dasbus.ObjectPath]*server.ObjectHandler
	objectOrder []dasbus.ObjectPath
	proxies     []*client.ObjectHandler
	observers   []*client.Observer
}

var _ server.Publisher = (*MessageBus)(nil)

// Option configures a MessageBus.
type Option func(*MessageBus)

// WithErrorMapper sets the error mapper used by proxies and published
// objects.
func WithErrorMapper(m *dasbus.ErrorMapper) Option {
	return func(mb *MessageBus) { mb.mapper = m }
}

// WithLogger sets the logger for the bus and its published objects.
// The default is the logrus standard logger.
func WithLogger(l log.FieldLogger) Option {
	return func(mb *MessageBus) { mb.log = l }
}

// New returns a MessageBus that uses b.
//
// If b implements [io.Closer], Disconnect closes it after tearing
// down everything else.
func New(b dasbus.Bus, opts ...Option) *MessageBus {
	ret := &MessageBus{
		bus:     b,
		objects: map[dasbus.ObjectPath]*server.ObjectHandler{},
	}
	if c, ok := b.(io.Closer); ok {
		ret.closer = c
	}
	for _, o := range opts {
		o(ret)
	}
	if ret.mapper == nil {
		ret.mapper = dasbus.NewErrorMapper()
	}
	if ret.log == nil {
		ret.log = log.StandardLogger()
	}
	return ret
}

// SessionBus connects to the current user's session bus.
func SessionBus(ctx context.Context, opts ...Option) (*MessageBus, error) {
	return dial(ctx, "session", bus.SessionBus, opts)
}

// SystemBus connects to the system bus.
func SystemBus(ctx context.Context, opts ...Option) (*MessageBus, error) {
	return dial(ctx, "system", bus.SystemBus, opts)
}

// Dial connects to the bus at addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*MessageBus, error) {
	return dial(ctx, addr, func(ctx context.Context, bopts ...bus.Option) (*bus.Conn, error) {
		return bus.Dial(ctx, addr, bopts...)
	}, opts)
}

func dial(ctx context.Context, which string, dialFn func(context.Context, ...bus.Option) (*bus.Conn, error), opts []Option) (*MessageBus, error) {
	// Options are applied twice, once to find the logger for the
	// connection itself.
	pre := &MessageBus{}
	for _, o := range opts {
		o(pre)
	}
	var bopts []bus.Option
	if pre.log != nil {
		bopts = append(bopts, bus.WithLogger(pre.log))
	}
	conn, err := dialFn(ctx, bopts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s bus: %w", which, err)
	}
	ret := New(conn, opts...)
	ret.log.WithFields(log.Fields{"bus": which, "name": conn.LocalName()}).Info("connected to bus")
	return ret, nil
}

// Bus returns the underlying bus connection.
func (m *MessageBus) Bus() dasbus.Bus { return m.bus }

// Proxy returns a client for the object at path, owned by service.
// Its signal subscriptions are cancelled by Disconnect.
func (m *MessageBus) Proxy(service string, path dasbus.ObjectPath, opts ...client.Option) *client.ObjectHandler {
	opts = append([]client.Option{client.WithErrorMapper(m.mapper)}, opts...)
	opts = append(opts, client.OnSubscribe(m.trackProxy))
	return client.NewObjectHandler(m.bus, service, path, opts...)
}

// trackProxy records h for Disconnect. Only proxies with signal
// subscriptions are tracked, the others hold nothing to release.
func (m *MessageBus) trackProxy(h *client.ObjectHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.proxies, h) {
		m.proxies = append(m.proxies, h)
	}
}

// Observer returns an observer of service. It is disconnected by
// Disconnect.
func (m *MessageBus) Observer(service string) *client.Observer {
	ret := client.NewObserver(m.bus, service)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, ret)
	return ret
}

// InterfaceProxy returns a client for iface on the object at path,
// owned by service.
func (m *MessageBus) InterfaceProxy(service string, path dasbus.ObjectPath, iface string, opts ...client.Option) *client.InterfaceProxy {
	return m.Proxy(service, path, opts...).Interface(iface)
}

func (m *MessageBus) nameOwner() (dasbus.NameOwner, error) {
	no, ok := m.bus.(dasbus.NameOwner)
	if !ok {
		return nil, fmt.Errorf("bus %T cannot own names", m.bus)
	}
	return no, nil
}

// RegisterService requests ownership of the bus name. It returns
// [ErrNotPrimaryOwner] if the connection did not become the name's
// primary owner.
func (m *MessageBus) RegisterService(ctx context.Context, name string) error {
	no, err := m.nameOwner()
	if err != nil {
		return err
	}
	primary, err := no.RequestName(ctx, name)
	if err != nil {
		return fmt.Errorf("requesting name %s: %w", name, err)
	}
	if !primary {
		return fmt.Errorf("requesting name %s: %w", name, ErrNotPrimaryOwner)
	}
	m.mu.Lock()
	m.names = append(m.names, name)
	m.mu.Unlock()
	m.log.WithField("name", name).Debug("registered service")
	return nil
}

// UnregisterService releases the bus name, if the MessageBus owns it.
func (m *MessageBus) UnregisterService(ctx context.Context, name string) error {
	m.mu.Lock()
	idx := slices.Index(m.names, name)
	if idx < 0 {
		m.mu.Unlock()
		return fmt.Errorf("service %s is not registered", name)
	}
	m.names = slices.Delete(m.names, idx, idx+1)
	m.mu.Unlock()
	return m.releaseName(ctx, name)
}

func (m *MessageBus) releaseName(ctx context.Context, name string) error {
	no, err := m.nameOwner()
	if err != nil {
		return err
	}
	if err := no.ReleaseName(ctx, name); err != nil {
		return fmt.Errorf("releasing name %s: %w", name, err)
	}
	m.log.WithField("name", name).Debug("unregistered service")
	return nil
}

// PublishObject publishes obj at path.
func (m *MessageBus) PublishObject(path dasbus.ObjectPath, obj *server.Object) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[path]; ok {
		return fmt.Errorf("an object is already published at %s", path)
	}
	h := server.NewObjectHandler(m.bus, path, obj, server.WithErrorMapper(m.mapper), server.WithLogger(m.log))
	if err := h.Connect(); err != nil {
		return err
	}
	m.objects[path] = h
	m.objectOrder = append(m.objectOrder, path)
	m.log.WithField("path", path).Debug("published object")
	return nil
}

// UnpublishObject unpublishes the object at path.
func (m *MessageBus) UnpublishObject(path dasbus.ObjectPath) error {
	m.mu.Lock()
	h, ok := m.objects[path]
	if ok {
		delete(m.objects, path)
		m.objectOrder = slices.DeleteFunc(m.objectOrder, func(p dasbus.ObjectPath) bool { return p == path })
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no object published at %s", path)
	}
	h.Disconnect()
	m.log.WithField("path", path).Debug("unpublished object")
	return nil
}

// Disconnect unpublishes every object and releases every name, most
// recent first, then disconnects proxies and observers, and closes the
// bus connection. It is safe to call Disconnect more than once.
func (m *MessageBus) Disconnect() error {
	m.mu.Lock()
	objects := lo.Map(m.objectOrder, func(p dasbus.ObjectPath, _ int) *server.ObjectHandler { return m.objects[p] })
	names := m.names
	proxies := m.proxies
	observers := m.observers
	closer := m.closer
	m.objects = map[dasbus.ObjectPath]*server.ObjectHandler{}
	m.objectOrder, m.names, m.proxies, m.observers, m.closer = nil, nil, nil, nil, nil
	m.mu.Unlock()

	for _, h := range lo.Reverse(objects) {
		h.Disconnect()
		m.log.WithField("path", h.Path()).Debug("unpublished object")
	}
	var errs []error
	for _, name := range lo.Reverse(names) {
		if err := m.releaseName(context.Background(), name); err != nil {
			errs = append(errs, err)
		}
	}
	for _, p := range lo.Reverse(proxies) {
		p.Disconnect()
	}
	for _, o := range lo.Reverse(observers) {
		o.Disconnect()
	}
	if closer != nil {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
