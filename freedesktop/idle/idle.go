// Package idle provides an interface to the Freedesktop session
// idleness management and locking DBus API.
//
// For historical reasons the interface is called
// org.freedesktop.ScreenSaver, although it is mostly about locking
// idle sessions. It also lets applications inhibit idle locking, for
// example during movie playback.
package idle

import (
	"context"
	"fmt"
	"time"

	"github.com/dasbus-project/dasbus"
	"github.com/dasbus-project/dasbus/client"
)

const (
	Service                         = "org.freedesktop.ScreenSaver"
	Path          dasbus.ObjectPath = "/org/freedesktop/ScreenSaver"
	InterfaceName                   = "org.freedesktop.ScreenSaver"
)

type Idle struct{ proxy *client.InterfaceProxy }

// New returns an interface to the session locking management service.
func New(bus dasbus.Bus, opts ...client.Option) Idle {
	return Idle{client.NewInterfaceProxy(bus, Service, Path, InterfaceName, opts...)}
}

// Locked reports whether the session is currently locked.
func (iface Idle) Locked(ctx context.Context) (bool, error) {
	var ret bool
	err := iface.call(ctx, "GetActive", &ret)
	return ret, err
}

// LockedTime reports how long the session has been locked, or 0 if
// it is not locked.
func (iface Idle) LockedTime(ctx context.Context) (time.Duration, error) {
	var seconds uint32
	if err := iface.call(ctx, "GetActiveTime", &seconds); err != nil {
		return 0, err
	}
	return time.Duration(seconds) * time.Second, nil
}

// IdleTime reports how long the session has been idle, which usually
// means without keyboard or mouse input. An idle session need not be
// locked.
func (iface Idle) IdleTime(ctx context.Context) (time.Duration, error) {
	var seconds uint32
	if err := iface.call(ctx, "GetSessionIdleTime", &seconds); err != nil {
		return 0, err
	}
	return time.Duration(seconds) * time.Second, nil
}

// Inhibit prevents the session from locking due to being idle, until
// the returned cancel function is called.
//
// application and reason are human-readable strings that explain
// what is preventing the lock, and why.
func (iface Idle) Inhibit(ctx context.Context, application string, reason string) (cancel func(context.Context) error, err error) {
	var cookie uint32
	if err := iface.call(ctx, "Inhibit", &cookie, application, reason); err != nil {
		return nil, err
	}
	cancel = func(ctx context.Context) error {
		return iface.call(ctx, "UnInhibit", nil, cookie)
	}
	return cancel, nil
}

// Lock asks the session to lock immediately.
func (iface Idle) Lock(ctx context.Context) error {
	return iface.call(ctx, "Lock", nil)
}

// SessionStateChanged is the org.freedesktop.ScreenSaver.ActiveChanged
// signal.
type SessionStateChanged struct {
	Locked bool
}

// OnSessionStateChanged calls fn whenever the session is locked or
// unlocked, until cancel is called.
func (iface Idle) OnSessionStateChanged(ctx context.Context, fn func(SessionStateChanged)) (cancel func(), err error) {
	sig, err := iface.proxy.Signal(ctx, "ActiveChanged")
	if err != nil {
		return nil, err
	}
	conn := client.ConnectAs(sig, fn)
	return func() { sig.Disconnect(conn) }, nil
}

// call calls method with args, and stores its single result in ret
// unless ret is nil.
func (iface Idle) call(ctx context.Context, method string, ret any, args ...any) error {
	body, err := iface.proxy.CallVariant(ctx, method, args...)
	if err != nil || ret == nil {
		return err
	}
	fields := body.Fields()
	if len(fields) != 1 {
		return fmt.Errorf("%s returned %d values, want 1", method, len(fields))
	}
	return fields[0].Store(ret)
}
