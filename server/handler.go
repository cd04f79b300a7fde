package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dasbus-project/dasbus"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

// CallInfo describes the caller of a method.
type CallInfo struct {
	// Sender is the unique bus name of the caller.
	Sender string
}

type callInfoKey struct{}

// CallInfoFrom returns the CallInfo of the method call that ctx
// belongs to. It is only available to methods defined with
// WithCallInfo.
func CallInfoFrom(ctx context.Context) (CallInfo, bool) {
	ret, ok := ctx.Value(callInfoKey{}).(CallInfo)
	return ret, ok
}

// ObjectHandler publishes an [Object] on a bus.
type ObjectHandler struct {
	bus    dasbus.Bus
	path   dasbus.ObjectPath
	obj    *Object
	mapper *dasbus.ErrorMapper
	log    log.FieldLogger

	mu   sync.Mutex
	undo []func()
}

// Option configures an ObjectHandler.
type Option func(*ObjectHandler)

// WithErrorMapper sets the mapper that names the errors returned by
// the object's methods and properties. The default is a mapper built
// by [dasbus.NewErrorMapper].
func WithErrorMapper(m *dasbus.ErrorMapper) Option {
	return func(h *ObjectHandler) { h.mapper = m }
}

// WithLogger sets the logger that records failed calls. The default
// is the logrus standard logger.
func WithLogger(l log.FieldLogger) Option {
	return func(h *ObjectHandler) { h.log = l }
}

// NewObjectHandler returns a handler that publishes obj at path on
// bus. The object is not published until Connect is called.
func NewObjectHandler(bus dasbus.Bus, path dasbus.ObjectPath, obj *Object, opts ...Option) *ObjectHandler {
	ret := &ObjectHandler{
		bus:  bus,
		path: path,
		obj:  obj,
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
	ret.log = ret.log.WithField("path", path)
	return ret
}

// Path returns the path the object is published at.
func (h *ObjectHandler) Path() dasbus.ObjectPath { return h.path }

// Object returns the published object.
func (h *ObjectHandler) Object() *Object { return h.obj }

// Connect publishes the object: it routes calls to the object's
// interfaces and to the standard Properties and Introspectable
// interfaces to the object, and forwards every emission of the
// object's signals to the bus.
//
// Connect does nothing if the object is already connected.
func (h *ObjectHandler) Connect() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.undo != nil {
		return nil
	}

	undo := []func(){}
	unwind := func() {
		for _, fn := range lo.Reverse(undo) {
			fn()
		}
	}
	ifaces := append(h.obj.Interfaces(), dasbus.PropertiesInterface, dasbus.IntrospectableInterface)
	for _, iface := range ifaces {
		cancel, err := h.bus.Export(h.path, iface, h.handleCall)
		if err != nil {
			unwind()
			return fmt.Errorf("exporting %s at %s: %w", iface, h.path, err)
		}
		undo = append(undo, cancel)
	}
	for _, s := range h.obj.signals {
		undo = append(undo, h.forward(s.desc, s.sig))
	}
	undo = append(undo, h.forward(propertiesChanged, h.obj.propsChanged))

	h.undo = undo
	return nil
}

// Disconnect unpublishes the object, undoing Connect in reverse
// order. It is safe to call Disconnect on an object that isn't
// connected.
func (h *ObjectHandler) Disconnect() {
	h.mu.Lock()
	undo := h.undo
	h.undo = nil
	h.mu.Unlock()

	for _, fn := range lo.Reverse(undo) {
		fn()
	}
}

// forward connects sig to a callback that emits the bus signal
// described by desc, and returns a function that disconnects it.
func (h *ObjectHandler) forward(desc *dasbus.SignalDescription, sig *dasbus.Signal) func() {
	c := sig.Connect(func(args ...any) {
		if err := h.emit(desc, args); err != nil {
			h.log.WithFields(log.Fields{
				"interface": desc.Interface,
				"member":    desc.Name,
			}).WithError(err).Warn("emitting signal failed")
		}
	})
	return func() { sig.Disconnect(c) }
}

func (h *ObjectHandler) emit(desc *dasbus.SignalDescription, args []any) error {
	msg := &dasbus.Message{
		Path:      h.path,
		Interface: desc.Interface,
		Member:    desc.Name,
	}
	if sig := desc.Signature(); !sig.IsZero() {
		body, err := dasbus.MakeVariant(sig, args)
		if err != nil {
			return err
		}
		if _, fds := dasbus.AcquireHandles(body); fds != nil {
			return fmt.Errorf("signal %s cannot carry file descriptors, got %d", desc.Key(), len(fds))
		}
		msg.Body = body
	} else if len(args) != 0 {
		return fmt.Errorf("signal takes no arguments, got %d", len(args))
	}
	return h.bus.Emit(context.Background(), msg)
}

// handleCall answers a method call for the object. Failures are
// logged, and returned to the caller with their mapped error name
// and message only.
func (h *ObjectHandler) handleCall(ctx context.Context, msg *dasbus.Message) (*dasbus.Message, error) {
	resp, err := h.dispatch(ctx, msg)
	if err == nil {
		return resp, nil
	}
	name, lookupErr := h.mapper.ErrorName(err)
	if lookupErr != nil {
		name = dasbus.ErrorFailed
	}
	h.log.WithFields(log.Fields{
		"interface":  msg.Interface,
		"member":     msg.Member,
		"sender":     msg.Sender,
		"error_name": name,
	}).WithError(err).Warn("method call failed")
	return nil, dasbus.CallError{Name: name, Message: dasbus.ErrorMessageOf(err)}
}

func (h *ObjectHandler) dispatch(ctx context.Context, msg *dasbus.Message) (*dasbus.Message, error) {
	args := unpackArgs(dasbus.RestoreHandles(msg.Body, msg.Files))
	key := dasbus.MemberKey{Interface: msg.Interface, Name: msg.Member}
	if key.Interface == "" {
		key.Interface = h.resolveInterface(msg.Member)
	}

	switch m := h.obj.table[key].(type) {
	case *method:
		return h.callMethod(ctx, m, msg, args)
	case nil:
	default:
		return nil, unknownMethod(key)
	}

	switch key.Interface {
	case dasbus.PropertiesInterface:
		return h.callProperties(ctx, msg, key.Name, args)
	case dasbus.IntrospectableInterface:
		if key.Name == "Introspect" {
			xml, err := h.obj.spec.XML()
			if err != nil {
				return nil, err
			}
			return reply("(s)", xml)
		}
	}
	return nil, unknownMethod(key)
}

// unknownMethod is the error returned for calls to a member that is
// not a method of the object.
func unknownMethod(key dasbus.MemberKey) error {
	return dasbus.CallError{
		Name:    dasbus.ErrorUnknownMethod,
		Message: fmt.Sprintf("no method %s.%s", key.Interface, key.Name),
	}
}

// resolveInterface returns the interface of the object's only method
// called name, for calls that don't name an interface.
func (h *ObjectHandler) resolveInterface(name string) string {
	var found []string
	for k, m := range h.obj.table {
		if _, ok := m.(*method); ok && k.Name == name {
			found = append(found, k.Interface)
		}
	}
	if len(found) != 1 {
		return ""
	}
	return found[0]
}

func (h *ObjectHandler) callMethod(ctx context.Context, m *method, msg *dasbus.Message, args []any) (*dasbus.Message, error) {
	in := m.desc.InSignature()
	if got, want := msg.Body.Signature().String(), in.String(); got != want {
		return nil, dasbus.CallError{
			Name:    dasbus.ErrorInvalidArgs,
			Message: fmt.Sprintf("method %s takes arguments %q, got %q", m.desc.Key(), in.BodyString(), msg.Body.Signature().BodyString()),
		}
	}
	if m.impl.WithCallInfo {
		ctx = context.WithValue(ctx, callInfoKey{}, CallInfo{Sender: msg.Sender})
	}
	ret, err := m.impl.Func(ctx, args)
	if err != nil {
		return nil, err
	}

	out := m.desc.OutSignature()
	if out.IsZero() {
		return &dasbus.Message{}, nil
	}
	vals, ok := ret.([]any)
	if out.IsTupleOfOne() {
		vals = []any{ret}
	} else if !ok {
		return nil, fmt.Errorf("method %s returned %T, want []any of %d values", m.desc.Key(), ret, len(out.Fields()))
	}
	body, err := dasbus.MakeVariant(out, vals)
	if err != nil {
		return nil, fmt.Errorf("return values of %s: %w", m.desc.Key(), err)
	}
	resp := &dasbus.Message{}
	resp.Body, resp.Files = dasbus.AcquireHandles(body)
	return resp, nil
}

func (h *ObjectHandler) callProperties(ctx context.Context, msg *dasbus.Message, member string, args []any) (*dasbus.Message, error) {
	invalid := func(want string) error {
		return dasbus.CallError{
			Name:    dasbus.ErrorInvalidArgs,
			Message: fmt.Sprintf("%s.%s takes arguments %q, got %q", dasbus.PropertiesInterface, member, want, msg.Body.Signature().BodyString()),
		}
	}
	sig := msg.Body.Signature().BodyString()

	switch member {
	case "Get":
		if sig != "ss" {
			return nil, invalid("ss")
		}
		v, err := h.obj.Get(ctx, args[0].(string), args[1].(string))
		if err != nil {
			return nil, propertyErr(err)
		}
		return withHandles(reply("(v)", v))
	case "Set":
		if sig != "ssv" {
			return nil, invalid("ssv")
		}
		v := args[2].(dasbus.Variant)
		if err := h.obj.Set(ctx, args[0].(string), args[1].(string), v); err != nil {
			return nil, propertyErr(err)
		}
		return &dasbus.Message{}, nil
	case "GetAll":
		if sig != "s" {
			return nil, invalid("s")
		}
		vals, err := h.obj.GetAll(ctx, args[0].(string))
		if err != nil {
			return nil, propertyErr(err)
		}
		return withHandles(reply("(a{sv})", vals))
	}
	return nil, unknownMethod(dasbus.MemberKey{Interface: dasbus.PropertiesInterface, Name: member})
}

// propertyErr reports unknown properties and interfaces as invalid
// arguments, the way other DBus implementations do.
func propertyErr(err error) error {
	var se dasbus.SpecificationError
	if errors.As(err, &se) {
		return dasbus.CallError{Name: dasbus.ErrorInvalidArgs, Message: se.Error()}
	}
	return err
}

// reply returns a reply message whose body has signature sig and
// holds vals.
func reply(sig string, vals ...any) (*dasbus.Message, error) {
	body, err := dasbus.MakeVariant(sig, vals)
	if err != nil {
		return nil, err
	}
	return &dasbus.Message{Body: body}, nil
}

func withHandles(msg *dasbus.Message, err error) (*dasbus.Message, error) {
	if err != nil {
		return nil, err
	}
	msg.Body, msg.Files = dasbus.AcquireHandles(msg.Body)
	return msg, nil
}

// unpackArgs returns the fields of a message body, unwrapped.
func unpackArgs(body dasbus.Variant) []any {
	args, _ := dasbus.Unwrap(body).([]any)
	return args
}
