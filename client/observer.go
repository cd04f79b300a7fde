package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dasbus-project/dasbus"
)

// Observer watches whether a service is available on the bus, that
// is whether its bus name has an owner.
//
// ServiceAvailable and ServiceUnavailable are emitted with the
// Observer as their only argument. A change of owner is reported as
// the service becoming unavailable, then available again.
type Observer struct {
	ServiceAvailable   dasbus.Signal
	ServiceUnavailable dasbus.Signal

	bus     dasbus.Bus
	service string

	mu     sync.Mutex
	gen    int
	cancel func()
	owner  string
}

// NewObserver returns an observer of service on bus. It does nothing
// until [Observer.Connect] is called.
func NewObserver(bus dasbus.Bus, service string) *Observer {
	return &Observer{
		bus:     bus,
		service: service,
	}
}

// Service returns the observed bus name.
func (o *Observer) Service() string { return o.service }

func (o *Observer) String() string {
	return fmt.Sprintf("observer of %s", o.service)
}

// IsAvailable reports whether the service is available.
func (o *Observer) IsAvailable() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.owner != ""
}

// Owner returns the unique name of the service's current owner, or ""
// if the service is not available.
func (o *Observer) Owner() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.owner
}

// Connect starts watching the service. If the service is already
// available, ServiceAvailable is emitted shortly after Connect
// returns.
//
// The observer's bus must implement [dasbus.NameWatcher].
func (o *Observer) Connect(ctx context.Context) error {
	w, ok := o.bus.(dasbus.NameWatcher)
	if !ok {
		return fmt.Errorf("bus %T cannot watch names", o.bus)
	}

	o.mu.Lock()
	if o.cancel != nil {
		o.mu.Unlock()
		return errors.New("observer already connected")
	}
	o.gen++
	gen := o.gen
	// Placeholder until the watch is set up, so that concurrent
	// Connects fail.
	o.cancel = func() {}
	o.mu.Unlock()

	cancel, err := w.WatchNameOwner(ctx, o.service, func(owner string) { o.ownerChanged(gen, owner) })

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.cancel = nil
		return fmt.Errorf("watching %s: %w", o.service, err)
	}
	if o.gen != gen {
		// Disconnected while setting up.
		cancel()
		return nil
	}
	o.cancel = cancel
	return nil
}

func (o *Observer) ownerChanged(gen int, owner string) {
	o.mu.Lock()
	if gen != o.gen || owner == o.owner {
		o.mu.Unlock()
		return
	}
	prev := o.owner
	o.owner = owner
	o.mu.Unlock()

	if prev != "" {
		o.ServiceUnavailable.Emit(o)
	}
	if owner != "" {
		o.ServiceAvailable.Emit(o)
	}
}

// Disconnect stops watching the service. If the service was
// available, ServiceUnavailable is emitted before Disconnect returns.
func (o *Observer) Disconnect() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.gen++
	wasAvailable := o.owner != ""
	o.owner = ""
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wasAvailable {
		o.ServiceUnavailable.Emit(o)
	}
}

// Proxy returns a handler for the object at path, owned by the
// observed service.
func (o *Observer) Proxy(path dasbus.ObjectPath, opts ...Option) *ObjectHandler {
	return NewObjectHandler(o.bus, o.service, path, opts...)
}
