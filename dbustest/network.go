package dbustest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/dasbus-project/dasbus"
	"github.com/dasbus-project/dasbus/fragments"
	"github.com/dasbus-project/dasbus/internal/pump"
)

// Error names returned by a Network for undeliverable calls.
const (
	ErrorServiceUnknown = "org.freedesktop.DBus.Error.ServiceUnknown"
	ErrorNameHasNoOwner = "org.freedesktop.DBus.Error.NameHasNoOwner"
)

// Network is an in-memory message bus, for tests that don't need a
// real bus daemon.
//
// Connections to a Network behave like bus connections: method calls
// are routed by destination name, signals are broadcast to matching
// subscriptions, and message bodies go through the wire encoding so
// that values which could not be sent on a real bus fail the same
// way.
type Network struct {
	mu       sync.Mutex
	serial   int
	conns    map[string]*Conn
	names    map[string]*Conn
	watchers map[string]mapset.Set[*ownerWatch]
}

type ownerWatch struct {
	conn *Conn
	fn   func(string)
}

// NewNetwork returns an empty Network.
func NewNetwork() *Network {
	return &Network{
		conns:    map[string]*Conn{},
		names:    map[string]*Conn{},
		watchers: map[string]mapset.Set[*ownerWatch]{},
	}
}

// Conn returns a new connection to the network.
func (n *Network) Conn() *Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.serial++
	ret := &Conn{
		net:     n,
		name:    fmt.Sprintf(":1.%d", n.serial),
		pump:    pump.New(),
		exports: map[dasbus.ObjectPath]map[string]dasbus.Handler{},
		subs:    mapset.New[*subscription](),
	}
	n.conns[ret.name] = ret
	return ret
}

// resolve returns the connection that owns name.
func (n *Network) resolve(name string) (*Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if strings.HasPrefix(name, ":") {
		if c := n.conns[name]; c != nil {
			return c, nil
		}
		return nil, dasbus.CallError{Name: ErrorNameHasNoOwner, Message: fmt.Sprintf("no connection named %s", name)}
	}
	if c := n.names[name]; c != nil {
		return c, nil
	}
	return nil, dasbus.CallError{Name: ErrorServiceUnknown, Message: fmt.Sprintf("name %s is not owned", name)}
}

// owner returns the unique name of the owner of name, or name if it
// has no owner.
func (n *Network) owner(name string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c := n.names[name]; c != nil {
		return c.name
	}
	return name
}

// ownerChangedLocked queues a notification of name's current owner
// to name's watchers. n.mu must be held.
func (n *Network) ownerChangedLocked(name string) {
	owner := ""
	if c := n.names[name]; c != nil {
		owner = c.name
	}
	for w := range n.watchers[name] {
		w.conn.pump.Add(func() { w.fn(owner) })
	}
}

func (n *Network) peers() []*Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	ret := make([]*Conn, 0, len(n.conns))
	for _, c := range n.conns {
		ret = append(ret, c)
	}
	return ret
}

// Conn is a connection to a [Network]. It implements [dasbus.Bus],
// [dasbus.NameOwner] and [dasbus.NameWatcher].
type Conn struct {
	net  *Network
	name string
	pump *pump.Pump

	mu      sync.Mutex
	closed  bool
	exports map[dasbus.ObjectPath]map[string]dasbus.Handler
	subs    mapset.Set[*subscription]
}

type subscription struct {
	match dasbus.SignalMatch
	fn    func(*dasbus.Message)
}

// Close disconnects from the network, releasing all names owned by
// the connection. Pending async callbacks run before Close returns.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.exports = nil
	c.subs = nil
	c.mu.Unlock()

	c.net.mu.Lock()
	delete(c.net.conns, c.name)
	for name, owner := range c.net.names {
		if owner == c {
			delete(c.net.names, name)
			c.net.ownerChangedLocked(name)
		}
	}
	for name, ws := range c.net.watchers {
		for w := range ws {
			if w.conn == c {
				delete(ws, w)
			}
		}
		if len(ws) == 0 {
			delete(c.net.watchers, name)
		}
	}
	c.net.mu.Unlock()

	c.pump.Close()
	return nil
}

// LocalName returns the connection's unique name.
func (c *Conn) LocalName() string { return c.name }

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// wire returns v after a trip through the wire encoding.
func wire(v dasbus.Variant) (dasbus.Variant, error) {
	if v.IsZero() {
		return v, nil
	}
	e := fragments.Encoder{Order: fragments.NativeEndian}
	if err := v.MarshalDBus(&e); err != nil {
		return dasbus.Variant{}, err
	}
	d := fragments.Decoder{Order: fragments.NativeEndian, In: e.Out}
	ret, err := dasbus.UnmarshalVariant(&d, v.Signature())
	if err != nil {
		return dasbus.Variant{}, err
	}
	if d.Remaining() != 0 {
		return dasbus.Variant{}, fmt.Errorf("%d bytes left over after decoding %s", d.Remaining(), v.Signature())
	}
	return ret, nil
}

// deliverable returns a copy of msg as received from c.
func (c *Conn) deliverable(msg *dasbus.Message) (*dasbus.Message, error) {
	body, err := wire(msg.Body)
	if err != nil {
		return nil, err
	}
	ret := *msg
	ret.Sender = c.name
	ret.Body = body
	return &ret, nil
}

// Call sends a method call to the connection that owns
// msg.Destination, and waits for its reply.
func (c *Conn) Call(ctx context.Context, msg *dasbus.Message) (*dasbus.Message, error) {
	if c.isClosed() {
		return nil, net.ErrClosed
	}
	target, err := c.net.resolve(msg.Destination)
	if err != nil {
		return nil, err
	}
	call, err := c.deliverable(msg)
	if err != nil {
		return nil, err
	}

	type result struct {
		resp *dasbus.Message
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := target.handleCall(call)
		done <- result{resp, err}
	}()
	if msg.NoReply {
		return nil, nil
	}

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CallAsync is like Call, but delivers the outcome to done on the
// connection's callback goroutine.
func (c *Conn) CallAsync(ctx context.Context, msg *dasbus.Message, done func(*dasbus.Message, error)) error {
	if c.isClosed() {
		return net.ErrClosed
	}
	go func() {
		resp, err := c.Call(ctx, msg)
		c.pump.Add(func() { done(resp, err) })
	}()
	return nil
}

// handleCall answers a call received by c.
func (c *Conn) handleCall(call *dasbus.Message) (*dasbus.Message, error) {
	resp, err := c.lookupHandler(call)(context.Background(), call)
	if err != nil {
		name, message := dasbus.ReplyError(err)
		return nil, dasbus.CallError{Name: name, Message: message}
	}
	if resp == nil {
		return &dasbus.Message{}, nil
	}
	body, err := wire(resp.Body)
	if err != nil {
		return nil, dasbus.CallError{Name: dasbus.ErrorFailed, Message: err.Error()}
	}
	return &dasbus.Message{
		Sender:      c.name,
		Destination: call.Sender,
		Body:        body,
		Files:       resp.Files,
	}, nil
}

func (c *Conn) lookupHandler(msg *dasbus.Message) dasbus.Handler {
	if msg.Interface == dasbus.PeerInterface && msg.Member == "Ping" {
		return func(context.Context, *dasbus.Message) (*dasbus.Message, error) {
			return &dasbus.Message{}, nil
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ifaces := c.exports[msg.Path]
	if ifaces == nil {
		return fail(dasbus.ErrorUnknownObject, "no object at path %s", msg.Path)
	}
	if msg.Interface == "" && len(ifaces) == 1 {
		for _, h := range ifaces {
			return h
		}
	}
	h := ifaces[msg.Interface]
	if h == nil {
		return fail(dasbus.ErrorUnknownInterface, "no interface %s at path %s", msg.Interface, msg.Path)
	}
	return h
}

func fail(name, format string, args ...any) dasbus.Handler {
	err := dasbus.CallError{Name: name, Message: fmt.Sprintf(format, args...)}
	return func(context.Context, *dasbus.Message) (*dasbus.Message, error) {
		return nil, err
	}
}

// Emit sends a signal to every connection with a matching
// subscription, or only to msg.Destination if set.
func (c *Conn) Emit(ctx context.Context, msg *dasbus.Message) error {
	if c.isClosed() {
		return net.ErrClosed
	}
	sig, err := c.deliverable(msg)
	if err != nil {
		return err
	}
	for _, peer := range c.net.peers() {
		if msg.Destination != "" && peer.name != c.net.owner(msg.Destination) {
			continue
		}
		peer.deliverSignal(sig)
	}
	return nil
}

func (c *Conn) deliverSignal(msg *dasbus.Message) {
	var fns []func(*dasbus.Message)
	c.mu.Lock()
	for s := range c.subs {
		m := s.match
		m.Sender = c.net.owner(m.Sender)
		if m.Matches(msg) {
			fns = append(fns, s.fn)
		}
	}
	c.mu.Unlock()

	if len(fns) == 0 {
		return
	}
	c.pump.Add(func() {
		for _, fn := range fns {
			fn(msg)
		}
	})
}

// Subscribe calls fn on the connection's callback goroutine for every
// signal that matches m.
func (c *Conn) Subscribe(ctx context.Context, m dasbus.SignalMatch, fn func(*dasbus.Message)) (cancel func(), err error) {
	sub := &subscription{m, fn}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, net.ErrClosed
	}
	c.subs.Add(sub)
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.subs != nil {
				delete(c.subs, sub)
			}
		})
	}, nil
}

// Export routes calls for iface on the object at path to h.
func (c *Conn) Export(path dasbus.ObjectPath, iface string, h dasbus.Handler) (cancel func(), err error) {
	if !path.Valid() {
		return nil, fmt.Errorf("invalid object path %q", path)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, net.ErrClosed
	}
	ifaces := c.exports[path]
	if ifaces == nil {
		ifaces = map[string]dasbus.Handler{}
		c.exports[path] = ifaces
	}
	if _, ok := ifaces[iface]; ok {
		return nil, fmt.Errorf("interface %s already exported at %s", iface, path)
	}
	ifaces[iface] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if ifaces := c.exports[path]; ifaces != nil {
				delete(ifaces, iface)
				if len(ifaces) == 0 {
					delete(c.exports, path)
				}
			}
		})
	}, nil
}

// Exported reports whether iface is exported at path.
func (c *Conn) Exported(path dasbus.ObjectPath, iface string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.exports[path][iface]
	return ok
}

// RequestName makes c the owner of name, unless another connection
// already owns it.
func (c *Conn) RequestName(ctx context.Context, name string) (bool, error) {
	if name == "" || strings.HasPrefix(name, ":") {
		return false, fmt.Errorf("invalid bus name %q", name)
	}
	if c.isClosed() {
		return false, net.ErrClosed
	}
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	switch owner := c.net.names[name]; owner {
	case nil:
		c.net.names[name] = c
		c.net.ownerChangedLocked(name)
		return true, nil
	case c:
		return true, nil
	default:
		return false, nil
	}
}

// ReleaseName gives up c's ownership of name.
func (c *Conn) ReleaseName(ctx context.Context, name string) error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.net.names[name] != c {
		return errors.New("name not owned by connection")
	}
	delete(c.net.names, name)
	c.net.ownerChangedLocked(name)
	return nil
}

// WatchNameOwner calls fn on the connection's callback goroutine with
// the unique name of name's owner, once with the current owner and
// then every time it changes.
func (c *Conn) WatchNameOwner(ctx context.Context, name string, fn func(owner string)) (cancel func(), err error) {
	if c.isClosed() {
		return nil, net.ErrClosed
	}
	w := &ownerWatch{c, fn}
	c.net.mu.Lock()
	ws := c.net.watchers[name]
	if ws == nil {
		ws = mapset.New[*ownerWatch]()
		c.net.watchers[name] = ws
	}
	ws.Add(w)
	owner := ""
	if o := c.net.names[name]; o != nil {
		owner = o.name
	}
	c.pump.Add(func() { fn(owner) })
	c.net.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.net.mu.Lock()
			defer c.net.mu.Unlock()
			if ws := c.net.watchers[name]; ws != nil {
				delete(ws, w)
				if len(ws) == 0 {
					delete(c.net.watchers, name)
				}
			}
		})
	}, nil
}

// Owner returns the unique name of the connection that owns name, or
// "" if it is not owned.
func (n *Network) Owner(name string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c := n.names[name]; c != nil {
		return c.name
	}
	return ""
}

var (
	_ dasbus.Bus         = (*Conn)(nil)
	_ dasbus.NameOwner   = (*Conn)(nil)
	_ dasbus.NameWatcher = (*Conn)(nil)
)
