// Package bus implements [dasbus.Bus] over a DBus unix socket.
package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/creachadair/mds/mapset"
	"github.com/dasbus-project/dasbus"
	"github.com/dasbus-project/dasbus/fragments"
	"github.com/dasbus-project/dasbus/internal/pump"
	"github.com/dasbus-project/dasbus/transport"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	busName  = "org.freedesktop.DBus"
	busPath  = dasbus.ObjectPath("/org/freedesktop/DBus")
	busIface = "org.freedesktop.DBus"

	defaultSystemBus = "unix:path=/run/dbus/system_bus_socket"
)

// An Option configures a [Conn].
type Option func(*Conn)

// WithLogger sets the logger a Conn reports protocol problems and
// undeliverable messages to. The default is the logrus standard
// logger.
func WithLogger(l log.FieldLogger) Option {
	return func(c *Conn) { c.log = l }
}

// SystemBus connects to the system bus, at the address given by
// DBUS_SYSTEM_BUS_ADDRESS or the standard system bus socket.
func SystemBus(ctx context.Context, opts ...Option) (*Conn, error) {
	addr := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS")
	if addr == "" {
		addr = defaultSystemBus
	}
	return Dial(ctx, addr, opts...)
}

// SessionBus connects to the current user's session bus.
func SessionBus(ctx context.Context, opts ...Option) (*Conn, error) {
	addr := os.Getenv("DBUS_SESSION_BUS_ADDRESS")
	if addr == "" {
		return nil, errors.New("session bus not available")
	}
	return Dial(ctx, addr, opts...)
}

// Dial connects to the bus at addr, a DBus server address such as
// "unix:path=/run/dbus/system_bus_socket".
func Dial(ctx context.Context, addr string, opts ...Option) (*Conn, error) {
	path, err := transport.ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	t, err := transport.DialUnix(ctx, path)
	if err != nil {
		return nil, err
	}
	return newConn(ctx, t, opts...)
}

func newConn(ctx context.Context, t transport.Transport, opts ...Option) (*Conn, error) {
	ret := &Conn{
		t:         t,
		log:       log.StandardLogger(),
		pump:      pump.New(),
		calls:     map[uint32]*pendingCall{},
		exports:   map[dasbus.ObjectPath]map[string]dasbus.Handler{},
		subs:      mapset.New[*subscription](),
		matchRefs: map[string]int{},
		machineID: sync.OnceValues(readMachineID),
	}
	for _, o := range opts {
		o(ret)
	}

	go ret.readLoop()

	resp, err := ret.Call(ctx, &dasbus.Message{
		Destination: busName,
		Path:        busPath,
		Interface:   busIface,
		Member:      "Hello",
	})
	if err != nil {
		ret.Close()
		return nil, fmt.Errorf("getting DBus client ID: %w", err)
	}
	var hello struct{ Name string }
	if err := resp.Body.Store(&hello); err != nil {
		ret.Close()
		return nil, fmt.Errorf("decoding DBus client ID: %w", err)
	}
	ret.clientID = hello.Name

	return ret, nil
}

// Conn is a DBus connection.
//
// Conn implements [dasbus.Bus], [dasbus.NameOwner] and
// [dasbus.NameWatcher].
type Conn struct {
	t        transport.Transport
	log      log.FieldLogger
	clientID string
	pump     *pump.Pump

	writeMu sync.Mutex
	enc     fragments.Encoder

	mu         sync.Mutex
	closed     bool
	calls      map[uint32]*pendingCall
	lastSerial uint32
	exports    map[dasbus.ObjectPath]map[string]dasbus.Handler
	subs       mapset.Set[*subscription]
	matchRefs  map[string]int

	machineID func() (string, error)
}

var (
	_ dasbus.Bus         = (*Conn)(nil)
	_ dasbus.NameOwner   = (*Conn)(nil)
	_ dasbus.NameWatcher = (*Conn)(nil)
)

// pendingCall is a method call awaiting its reply. Exactly one of
// notify and done is set.
type pendingCall struct {
	notify chan struct{}
	done   func(*dasbus.Message, error)

	resp *dasbus.Message
	err  error
}

type subscription struct {
	rule *matchRule
	fn   func(*dasbus.Message)
}

// Close closes the DBus connection.
//
// Calls in flight fail with [net.ErrClosed]. Async completions that
// were already queued are still delivered before Close returns, so
// Close must not be called from a signal or async call callback.
func (c *Conn) Close() error {
	var pend map[uint32]*pendingCall
	{
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil
		}
		c.closed = true
		pend, c.calls = c.calls, nil
		c.exports = nil
		c.subs = nil
		c.mu.Unlock()
	}
	for _, p := range pend {
		c.complete(p, nil, net.ErrClosed)
	}
	err := c.t.Close()
	c.pump.Close()
	return err
}

// LocalName returns the connection's unique bus name.
func (c *Conn) LocalName() string {
	return c.clientID
}

func (c *Conn) nextSerial() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, false
	}
	c.lastSerial++
	return c.lastSerial, true
}

func (c *Conn) writeMsg(hdr *header, body dasbus.Variant, fds []int) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.enc.Order = fragments.NativeEndian
	c.enc.Out = c.enc.Out[:0]
	if err := body.MarshalDBus(&c.enc); err != nil {
		return err
	}
	bodyBs := append([]byte(nil), c.enc.Out...)

	hdr.Length = uint32(len(bodyBs))
	hdr.Signature = body.Signature().BodyString()
	hdr.NumFDs = uint32(len(fds))
	if err := hdr.Valid(); err != nil {
		return err
	}

	c.enc.Out = c.enc.Out[:0]
	hdr.MarshalDBus(&c.enc)
	c.enc.Out = append(c.enc.Out, bodyBs...)
	if len(c.enc.Out) > maxMessageLen {
		return fmt.Errorf("message length %d exceeds protocol maximum", len(c.enc.Out))
	}

	_, err := c.t.WriteWithFDs(c.enc.Out, fds)
	return err
}

func (c *Conn) readLoop() {
	for {
		if err := c.dispatchMsg(); errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			// Conn was shut down.
			c.Close()
			return
		} else if err != nil {
			// Errors that bubble out here represent a failure to
			// conform to the DBus protocol, and are fatal to the
			// Conn.
			c.log.WithError(err).Error("dbus protocol error, closing connection")
			c.Close()
			return
		}
	}
}

// readMsg reads one complete DBus message from c.t. Must not be
// called concurrently (Conn.dispatchMsg ensures this).
func (c *Conn) readMsg() (*header, *dasbus.Message, error) {
	prefix := make([]byte, fixedHeaderLen)
	if _, err := io.ReadFull(c.t, prefix); err != nil {
		return nil, nil, err
	}
	total, err := messageLen(prefix)
	if err != nil {
		return nil, nil, err
	}
	buf := make([]byte, total)
	copy(buf, prefix)
	if _, err := io.ReadFull(c.t, buf[fixedHeaderLen:]); err != nil {
		return nil, nil, err
	}

	var hdr header
	d := fragments.Decoder{In: buf}
	if err := hdr.UnmarshalDBus(&d); err != nil {
		return nil, nil, fmt.Errorf("decoding header: %w", err)
	}
	if err := hdr.Valid(); err != nil {
		return nil, nil, fmt.Errorf("received invalid header: %w", err)
	}

	fds, err := c.t.GetFDs(int(hdr.NumFDs))
	if err != nil {
		return nil, nil, err
	}

	msg := &dasbus.Message{
		Sender:      hdr.Sender,
		Destination: hdr.Destination,
		Path:        hdr.Path,
		Interface:   hdr.Interface,
		Member:      hdr.Member,
		Files:       fds,
		NoReply:     hdr.Flags&flagNoReplyExpected != 0,
	}
	sig, err := dasbus.ParseBodySignature(hdr.Signature)
	if err == nil {
		bd := fragments.Decoder{Order: hdr.Order, In: buf[d.Offset():]}
		msg.Body, err = dasbus.UnmarshalVariant(&bd, sig)
		if err == nil && bd.Remaining() != 0 {
			err = fmt.Errorf("%d trailing bytes after message body", bd.Remaining())
		}
	}
	if err != nil {
		// The framing is intact, so a bad body is the sender's
		// problem, not the connection's.
		c.log.WithFields(log.Fields{
			"type":   hdr.Type,
			"serial": hdr.Serial,
			"sender": hdr.Sender,
		}).WithError(err).Warn("dropping message with invalid body")
		closeFDs(fds)
		return &hdr, nil, nil
	}
	return &hdr, msg, nil
}

func (c *Conn) dispatchMsg() error {
	hdr, msg, err := c.readMsg()
	if err != nil {
		return err
	}
	if msg == nil {
		if hdr.Type == msgTypeReturn || hdr.Type == msgTypeError {
			c.finishCall(hdr.ReplySerial, nil, errors.New("received reply with invalid body"))
		}
		return nil
	}

	switch hdr.Type {
	case msgTypeCall:
		go c.dispatchCall(hdr, msg)
	case msgTypeReturn:
		c.finishCall(hdr.ReplySerial, msg, nil)
	case msgTypeError:
		c.finishCall(hdr.ReplySerial, nil, callError(hdr, msg))
	case msgTypeSignal:
		c.dispatchSignal(msg)
	}
	return nil
}

func callError(hdr *header, msg *dasbus.Message) error {
	ret := dasbus.CallError{Name: hdr.ErrName}
	if args, ok := dasbus.Unwrap(msg.Body).([]any); ok && len(args) > 0 {
		ret.Message, _ = args[0].(string)
	}
	return ret
}

func (c *Conn) dispatchCall(hdr *header, msg *dasbus.Message) {
	handler := c.lookupHandler(msg)

	resp, err := handler(context.Background(), msg)
	if !hdr.WantReply() {
		return
	}
	serial, ok := c.nextSerial()
	if !ok {
		return
	}
	respHdr := &header{
		Type:        msgTypeReturn,
		Version:     1,
		Serial:      serial,
		Destination: msg.Sender,
		ReplySerial: hdr.Serial,
	}
	if err != nil {
		name, message := dasbus.ReplyError(err)
		respHdr.Type = msgTypeError
		respHdr.ErrName = name
		body := dasbus.MustVariant("(s)", []any{message})
		if werr := c.writeMsg(respHdr, body, nil); werr != nil {
			c.log.WithFields(callFields(msg)).WithError(werr).Warn("sending error reply failed")
		}
		return
	}
	var (
		body dasbus.Variant
		fds  []int
	)
	if resp != nil {
		body, fds = resp.Body, resp.Files
	}
	if werr := c.writeMsg(respHdr, body, fds); werr != nil {
		c.log.WithFields(callFields(msg)).WithError(werr).Warn("sending reply failed")
	}
}

func callFields(msg *dasbus.Message) log.Fields {
	return log.Fields{
		"sender":    msg.Sender,
		"path":      msg.Path,
		"interface": msg.Interface,
		"member":    msg.Member,
	}
}

// lookupHandler returns the handler for an incoming method call.
func (c *Conn) lookupHandler(msg *dasbus.Message) dasbus.Handler {
	if msg.Interface == dasbus.PeerInterface {
		return c.handlePeer
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ifaces, ok := c.exports[msg.Path]
	if !ok {
		return replyErr(dasbus.ErrorUnknownObject, fmt.Sprintf("no object at path %s", msg.Path))
	}
	if msg.Interface == "" {
		// Calls without an interface go to the only interface that
		// could plausibly handle them.
		if len(ifaces) == 1 {
			for _, h := range ifaces {
				return h
			}
		}
		return replyErr(dasbus.ErrorUnknownMethod, fmt.Sprintf("no interface given for method %s", msg.Member))
	}
	h, ok := ifaces[msg.Interface]
	if !ok {
		return replyErr(dasbus.ErrorUnknownInterface, fmt.Sprintf("no interface %s at path %s", msg.Interface, msg.Path))
	}
	return h
}

func replyErr(name, message string) dasbus.Handler {
	return func(context.Context, *dasbus.Message) (*dasbus.Message, error) {
		return nil, dasbus.CallError{Name: name, Message: message}
	}
}

// handlePeer implements the Peer interface, on all objects.
func (c *Conn) handlePeer(ctx context.Context, msg *dasbus.Message) (*dasbus.Message, error) {
	switch msg.Member {
	case "Ping":
		return &dasbus.Message{}, nil
	case "GetMachineId":
		id, err := c.machineID()
		if err != nil {
			return nil, dasbus.CallError{Name: dasbus.ErrorFailed, Message: err.Error()}
		}
		return &dasbus.Message{Body: dasbus.MustVariant("(s)", []any{id})}, nil
	default:
		return nil, dasbus.CallError{Name: dasbus.ErrorUnknownMethod, Message: fmt.Sprintf("unknown method %s.%s", msg.Interface, msg.Member)}
	}
}

func readMachineID() (string, error) {
	bs, err := os.ReadFile("/etc/machine-id")
	if errors.Is(err, fs.ErrNotExist) {
		bs, err = os.ReadFile("/var/lib/dbus/machine-id")
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(bs)), nil
}

// finishCall completes the pending call with the given serial, if it
// is still waiting.
func (c *Conn) finishCall(serial uint32, resp *dasbus.Message, err error) {
	pending := func() *pendingCall {
		c.mu.Lock()
		defer c.mu.Unlock()
		ret := c.calls[serial]
		delete(c.calls, serial)
		return ret
	}()

	if pending == nil {
		// Response to a canceled call
		if resp != nil {
			closeFDs(resp.Files)
		}
		return
	}
	c.complete(pending, resp, err)
}

// complete delivers the outcome of a call that has been removed from
// c.calls.
func (c *Conn) complete(p *pendingCall, resp *dasbus.Message, err error) {
	if p.done == nil {
		p.resp, p.err = resp, err
		close(p.notify)
		return
	}
	if !c.pump.Add(func() { p.done(resp, err) }) {
		// The pump only refuses work once Close has finished with
		// it, and Close drains pending calls before that.
		c.log.WithError(err).Warn("dropping async call completion after close")
	}
}

func (c *Conn) dispatchSignal(msg *dasbus.Message) {
	if len(msg.Files) > 0 {
		// Signals are broadcast, so there is no single receiver to
		// hand ownership of the files to.
		c.log.WithFields(log.Fields{
			"sender":    msg.Sender,
			"interface": msg.Interface,
			"member":    msg.Member,
			"fds":       len(msg.Files),
		}).Warn("dropping file descriptors sent with signal")
		closeFDs(msg.Files)
		msg.Files = []int{}
	}
	// Matching runs on the pump, after the owner updates of earlier
	// NameOwnerChanged signals have been applied.
	c.pump.Add(func() {
		for _, fn := range c.matchingSubs(msg) {
			fn(msg)
		}
	})
}

// matchingSubs returns the callbacks of the subscriptions that match
// msg.
func (c *Conn) matchingSubs(msg *dasbus.Message) []func(*dasbus.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var fns []func(*dasbus.Message)
	for s := range c.subs {
		if s.rule.matches(msg) {
			fns = append(fns, s.fn)
		}
	}
	return fns
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

// startCall registers a pending call and sends it.
func (c *Conn) startCall(msg *dasbus.Message, pend *pendingCall) (uint32, error) {
	serial, err := func() (uint32, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return 0, net.ErrClosed
		}
		c.lastSerial++
		if pend != nil {
			c.calls[c.lastSerial] = pend
		}
		return c.lastSerial, nil
	}()
	if err != nil {
		return 0, err
	}

	hdr := header{
		Type:        msgTypeCall,
		Version:     1,
		Serial:      serial,
		Destination: msg.Destination,
		Path:        msg.Path,
		Interface:   msg.Interface,
		Member:      msg.Member,
	}
	if pend == nil {
		hdr.Flags |= flagNoReplyExpected
	}
	if err := c.writeMsg(&hdr, msg.Body, msg.Files); err != nil {
		c.forget(serial)
		return 0, err
	}
	return serial, nil
}

// forget drops the pending call for serial, and reports whether it
// was still pending.
func (c *Conn) forget(serial uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.calls[serial]; !ok {
		return false
	}
	delete(c.calls, serial)
	return true
}

// Call calls a remote method over the bus and returns its reply.
//
// If msg.NoReply is set, Call returns a nil reply as soon as the call
// is sent.
func (c *Conn) Call(ctx context.Context, msg *dasbus.Message) (*dasbus.Message, error) {
	if msg.NoReply {
		_, err := c.startCall(msg, nil)
		return nil, err
	}

	pending := &pendingCall{notify: make(chan struct{})}
	serial, err := c.startCall(msg, pending)
	if err != nil {
		return nil, err
	}

	select {
	case <-pending.notify:
		return pending.resp, pending.err
	case <-ctx.Done():
		if !c.forget(serial) {
			// Lost the race with the reply.
			<-pending.notify
			return pending.resp, pending.err
		}
		return nil, ctx.Err()
	}
}

// CallAsync sends a method call, and arranges for done to be called
// on the connection's callback goroutine with the reply.
//
// If ctx ends before the reply arrives, done receives ctx's error.
func (c *Conn) CallAsync(ctx context.Context, msg *dasbus.Message, done func(*dasbus.Message, error)) error {
	if msg.NoReply {
		_, err := c.startCall(msg, nil)
		if err == nil {
			c.pump.Add(func() { done(nil, nil) })
		}
		return err
	}

	var stop atomic.Pointer[func() bool]
	pending := &pendingCall{done: func(resp *dasbus.Message, err error) {
		if s := stop.Load(); s != nil {
			(*s)()
		}
		done(resp, err)
	}}
	serial, err := c.startCall(msg, pending)
	if err != nil {
		return err
	}
	if ctx.Done() != nil {
		s := context.AfterFunc(ctx, func() {
			if c.forget(serial) {
				c.complete(pending, nil, ctx.Err())
			}
		})
		stop.Store(&s)
	}
	return nil
}

// Emit broadcasts a signal.
func (c *Conn) Emit(ctx context.Context, msg *dasbus.Message) error {
	serial, ok := c.nextSerial()
	if !ok {
		return net.ErrClosed
	}
	hdr := header{
		Type:        msgTypeSignal,
		Version:     1,
		Serial:      serial,
		Destination: msg.Destination,
		Path:        msg.Path,
		Interface:   msg.Interface,
		Member:      msg.Member,
	}
	return c.writeMsg(&hdr, msg.Body, msg.Files)
}

// Subscribe calls fn on the connection's callback goroutine for every
// signal that matches m, until cancel is called.
func (c *Conn) Subscribe(ctx context.Context, m dasbus.SignalMatch, fn func(*dasbus.Message)) (cancel func(), err error) {
	return c.subscribe(ctx, newMatchRule(m), fn)
}

func (c *Conn) subscribe(ctx context.Context, rule *matchRule, fn func(*dasbus.Message)) (cancel func(), err error) {
	sub := &subscription{
		rule: rule,
		fn:   fn,
	}
	untrack := func() {}
	if name, ok := rule.trackedSender(); ok {
		// Signals carry the sender's unique name, so a well-known
		// sender only matches through its current owner.
		untrack, err = c.trackOwner(ctx, name, rule)
		if err != nil {
			return nil, err
		}
	}
	if err := c.addMatch(ctx, sub.rule); err != nil {
		untrack()
		return nil, err
	}

	c.mu.Lock()
	closed := c.closed
	if !closed {
		c.subs.Add(sub)
	}
	c.mu.Unlock()
	if closed {
		c.removeMatch(context.Background(), sub.rule)
		untrack()
		return nil, net.ErrClosed
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if c.subs != nil {
				delete(c.subs, sub)
			}
			c.mu.Unlock()
			c.removeMatch(context.Background(), sub.rule)
			untrack()
		})
	}, nil
}

func (c *Conn) addMatch(ctx context.Context, m *matchRule) error {
	rule := m.filterString()
	c.mu.Lock()
	c.matchRefs[rule]++
	first := c.matchRefs[rule] == 1
	c.mu.Unlock()
	if !first {
		return nil
	}
	_, err := c.Call(ctx, &dasbus.Message{
		Destination: busName,
		Path:        busPath,
		Interface:   busIface,
		Member:      "AddMatch",
		Body:        dasbus.MustVariant("(s)", []any{rule}),
	})
	if err != nil {
		c.mu.Lock()
		c.matchRefs[rule]--
		c.mu.Unlock()
	}
	return err
}

func (c *Conn) removeMatch(ctx context.Context, m *matchRule) {
	rule := m.filterString()
	c.mu.Lock()
	c.matchRefs[rule]--
	last := c.matchRefs[rule] == 0
	if last {
		delete(c.matchRefs, rule)
	}
	closed := c.closed
	c.mu.Unlock()
	if !last || closed {
		return
	}
	_, err := c.Call(ctx, &dasbus.Message{
		Destination: busName,
		Path:        busPath,
		Interface:   busIface,
		Member:      "RemoveMatch",
		Body:        dasbus.MustVariant("(s)", []any{rule}),
	})
	if err != nil {
		c.log.WithError(err).WithField("rule", rule).Warn("removing match rule failed")
	}
}

// Export routes incoming method calls for iface on the object at path
// to h, until cancel is called.
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
	c.log.WithFields(log.Fields{"path": path, "interface": iface}).Debug("exported interface")

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
			c.log.WithFields(log.Fields{"path": path, "interface": iface}).Debug("unexported interface")
		})
	}, nil
}
