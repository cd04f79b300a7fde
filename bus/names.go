package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dasbus-project/dasbus"
	log "github.com/sirupsen/logrus"
)

// NameRequestFlags are the options of a bus name request.
type NameRequestFlags byte

const (
	NameRequestAllowReplacement NameRequestFlags = 1 << iota
	NameRequestReplace
	NameRequestNoQueue
)

// ErrNameTaken is returned by RequestName when the name has another
// owner and the request asked not to queue for it.
var ErrNameTaken = errors.New("requested name not available")

// callBus calls a method of the message bus itself, and stores its
// single return value in ret if ret is non-nil.
func (c *Conn) callBus(ctx context.Context, method string, ret any, args ...any) error {
	msg := &dasbus.Message{
		Destination: busName,
		Path:        busPath,
		Interface:   busIface,
		Member:      method,
	}
	if len(args) > 0 {
		sigs := make([]dasbus.Signature, len(args))
		for i, a := range args {
			sig, err := dasbus.SignatureOf(a)
			if err != nil {
				return err
			}
			sigs[i] = sig
		}
		body, err := dasbus.MakeVariant(dasbus.TupleOf(sigs...), args)
		if err != nil {
			return err
		}
		msg.Body = body
	}
	resp, err := c.Call(ctx, msg)
	if err != nil {
		return err
	}
	if ret == nil {
		return nil
	}
	fields := resp.Body.Fields()
	if len(fields) != 1 {
		return fmt.Errorf("%s returned %d values, want 1", method, len(fields))
	}
	return fields[0].Store(ret)
}

// RequestNameFlags asks the bus to assign name to this connection,
// and reports whether the connection is now the name's primary owner.
func (c *Conn) RequestNameFlags(ctx context.Context, name string, flags NameRequestFlags) (isPrimaryOwner bool, err error) {
	var resp uint32
	if err := c.callBus(ctx, "RequestName", &resp, name, uint32(flags)); err != nil {
		return false, err
	}
	c.log.WithFields(log.Fields{"name": name, "result": resp}).Debug("requested bus name")
	switch resp {
	case 1:
		// Became primary owner.
		return true, nil
	case 2:
		// Placed in queue, but not primary.
		return false, nil
	case 3:
		// Couldn't become primary owner, and request flags asked to
		// not queue.
		return false, ErrNameTaken
	case 4:
		// Already the primary owner.
		return true, nil
	default:
		return false, fmt.Errorf("unknown response code %d to RequestName", resp)
	}
}

// RequestName asks the bus to assign name to this connection, without
// queueing if the name has another owner.
func (c *Conn) RequestName(ctx context.Context, name string) (isPrimaryOwner bool, err error) {
	return c.RequestNameFlags(ctx, name, NameRequestNoQueue)
}

// ReleaseName gives up this connection's claim to name.
func (c *Conn) ReleaseName(ctx context.Context, name string) error {
	var ignore uint32
	if err := c.callBus(ctx, "ReleaseName", &ignore, name); err != nil {
		return err
	}
	c.log.WithField("name", name).Debug("released bus name")
	return nil
}

// ListNames returns the names currently owned on the bus.
func (c *Conn) ListNames(ctx context.Context) ([]string, error) {
	var ret []string
	err := c.callBus(ctx, "ListNames", &ret)
	return ret, err
}

// NameHasOwner reports whether name currently has an owner.
func (c *Conn) NameHasOwner(ctx context.Context, name string) (bool, error) {
	var ret bool
	err := c.callBus(ctx, "NameHasOwner", &ret, name)
	return ret, err
}

// GetNameOwner returns the unique name of name's current owner.
func (c *Conn) GetNameOwner(ctx context.Context, name string) (string, error) {
	var ret string
	err := c.callBus(ctx, "GetNameOwner", &ret, name)
	return ret, err
}

// GetBusID returns the bus's unique ID.
func (c *Conn) GetBusID(ctx context.Context) (string, error) {
	var ret string
	err := c.callBus(ctx, "GetId", &ret)
	return ret, err
}

// errNameHasNoOwner is the error the bus returns from GetNameOwner
// for names without an owner.
const errNameHasNoOwner = "org.freedesktop.DBus.Error.NameHasNoOwner"

// WatchNameOwner calls fn with the unique name of name's owner, once
// with the current owner and then every time it changes, until cancel
// is called. An empty owner means the name currently has none.
//
// fn runs on the connection's callback goroutine.
func (c *Conn) WatchNameOwner(ctx context.Context, name string, fn func(owner string)) (cancel func(), err error) {
	var (
		mu      sync.Mutex
		changed bool
	)
	owner, cancel, err := c.watchOwner(ctx, name, func(owner string) {
		mu.Lock()
		changed = true
		mu.Unlock()
		fn(owner)
	})
	if err != nil {
		return nil, err
	}
	c.pump.Add(func() {
		mu.Lock()
		stale := changed
		changed = true
		mu.Unlock()
		if !stale {
			fn(owner)
		}
	})
	return cancel, nil
}

// trackOwner keeps rule's record of the owner of name current, until
// the returned function is called.
func (c *Conn) trackOwner(ctx context.Context, name string, rule *matchRule) (stop func(), err error) {
	owner, stop, err := c.watchOwner(ctx, name, func(owner string) { rule.setOwner(owner, false) })
	if err != nil {
		return nil, err
	}
	rule.setOwner(owner, true)
	return stop, nil
}

// watchOwner subscribes fn to changes of name's owner, then returns
// the owner as of subscription. Changes that race with the lookup may
// be reported to fn before watchOwner returns.
func (c *Conn) watchOwner(ctx context.Context, name string, fn func(owner string)) (owner string, cancel func(), err error) {
	rule := newMatchRule(dasbus.SignalMatch{
		Sender:    busName,
		Path:      busPath,
		Interface: busIface,
		Member:    "NameOwnerChanged",
	})
	rule.arg0 = maybe(name)
	cancel, err = c.subscribe(ctx, rule, func(msg *dasbus.Message) {
		var change struct{ Name, Old, New string }
		if err := msg.Body.Store(&change); err != nil {
			c.log.WithError(err).Warn("invalid NameOwnerChanged signal")
			return
		}
		fn(change.New)
	})
	if err != nil {
		return "", nil, err
	}

	owner, err = c.GetNameOwner(ctx, name)
	var ce dasbus.CallError
	if errors.As(err, &ce) && ce.Name == errNameHasNoOwner {
		owner, err = "", nil
	}
	if err != nil {
		cancel()
		return "", nil, fmt.Errorf("looking up owner of %s: %w", name, err)
	}
	return owner, cancel, nil
}
