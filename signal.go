package dasbus

import "sync"

// A Signal is a list of callbacks that can be invoked together.
//
// Signals are the local half of DBus signals: a server publishes a
// Signal and the framework forwards each Emit to the bus, and a
// client's signal proxy is a Signal that the framework emits when a
// matching bus signal arrives. A Signal is also useful on its own as
// a plain observer.
//
// The zero Signal is ready to use. Signals are safe for concurrent
// use, and a callback may connect or disconnect callbacks, including
// itself, while an emission is in progress.
type Signal struct {
	mu    sync.Mutex
	next  SignalConn
	conns []signalCallback
}

// A SignalConn identifies one callback connected to a [Signal].
type SignalConn uint64

type signalCallback struct {
	id SignalConn
	fn func(args ...any)
}

// Connect adds fn to the callbacks invoked by Emit, and returns a
// token that disconnects it.
func (s *Signal) Connect(fn func(args ...any)) SignalConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.conns = append(s.conns, signalCallback{s.next, fn})
	return s.next
}

// Emit calls every connected callback with args, in the order they
// were connected.
//
// The set of callbacks invoked is the set connected when Emit is
// called. Callbacks connected or disconnected during the emission do
// not affect it.
func (s *Signal) Emit(args ...any) {
	s.mu.Lock()
	conns := make([]signalCallback, len(s.conns))
	copy(conns, s.conns)
	s.mu.Unlock()

	for _, c := range conns {
		c.fn(args...)
	}
}

// Disconnect removes the callback identified by c. It does nothing if
// c is not connected.
func (s *Signal) Disconnect(c SignalConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cb := range s.conns {
		if cb.id == c {
			s.conns = append(s.conns[:i:i], s.conns[i+1:]...)
			return
		}
	}
}

// DisconnectAll removes every callback.
func (s *Signal) DisconnectAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns = nil
}

// Len returns the number of connected callbacks.
func (s *Signal) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
