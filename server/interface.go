// Package server publishes Go functions, values and signals as DBus
// objects on a [dasbus.Bus].
//
// An object is described with one [Interface] builder per DBus
// interface, and assembled with [NewObject]:
//
//	iface := server.NewInterface("org.example.Hello").
//		Method("Hello", server.Method{
//			In:  []dasbus.ArgumentDescription{dasbus.MustArg("name", "s")},
//			Out: []dasbus.ArgumentDescription{dasbus.MustArg("greeting", "s")},
//			Func: func(ctx context.Context, args []any) (any, error) {
//				return fmt.Sprintf("Hello, %s!", args[0]), nil
//			},
//		})
//	obj, err := server.NewObject([]*server.Interface{iface})
//
// An [ObjectHandler] then routes method calls from the bus to the
// object, and forwards the object's signals to the bus.
package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/dasbus-project/dasbus"
)

// MethodFunc implements a DBus method.
//
// args are the method's arguments, unwrapped as described in
// [dasbus.Unwrap]. The returned value is nil for a method without
// return values, the value itself for a method with one return value,
// and a []any of the values otherwise.
type MethodFunc func(ctx context.Context, args []any) (any, error)

// Method describes a method of an [Interface].
type Method struct {
	// In and Out are the method's arguments and return values.
	In, Out []dasbus.ArgumentDescription
	// Func implements the method.
	Func MethodFunc
	// WithCallInfo, if set, makes the caller's [CallInfo] available
	// to Func through [CallInfoFrom].
	WithCallInfo bool
	// Deprecated and NoReply set the corresponding introspection
	// annotations.
	Deprecated bool
	NoReply    bool
}

// GetterFunc returns the value of a property.
type GetterFunc func(ctx context.Context) (any, error)

// SetterFunc sets the value of a property. value is unwrapped as
// described in [dasbus.Unwrap], and has the property's type.
type SetterFunc func(ctx context.Context, value any) error

// Property describes a property of an [Interface].
//
// A property is readable if Get is set, and writable if Set is set.
type Property struct {
	// Type is the property's signature.
	Type string
	Get  GetterFunc
	Set  SetterFunc
	// EmitsChanged, if set, makes a successful Set emit
	// PropertiesChanged with the property's new value.
	EmitsChanged bool
	Deprecated   bool
}

// Interface builds the description and implementation of one DBus
// interface.
//
// Builder methods record problems with the interface, and
// [NewObject] reports them.
type Interface struct {
	name    string
	members []dasbus.Member
	methods map[string]Method
	props   map[string]Property
	signals map[string]*dasbus.Signal
	errs    []error
}

// NewInterface returns an empty interface builder for the interface
// name.
func NewInterface(name string) *Interface {
	return &Interface{
		name:    name,
		methods: map[string]Method{},
		props:   map[string]Property{},
		signals: map[string]*dasbus.Signal{},
	}
}

// Name returns the interface's name.
func (i *Interface) Name() string { return i.name }

func (i *Interface) fail(member, reason string, args ...any) {
	i.errs = append(i.errs, dasbus.SpecificationError{
		Interface: i.name,
		Member:    member,
		Reason:    fmt.Sprintf(reason, args...),
	})
}

func (i *Interface) checkArgs(member string, args []dasbus.ArgumentDescription) bool {
	for n, a := range args {
		if a.Type.IsZero() {
			i.fail(member, "argument %d (%q) has no type", n, a.Name)
			return false
		}
	}
	return true
}

// Method adds the method name to the interface.
func (i *Interface) Method(name string, m Method) *Interface {
	if m.Func == nil {
		i.fail(name, "method has no implementation")
		return i
	}
	if !i.checkArgs(name, m.In) || !i.checkArgs(name, m.Out) {
		return i
	}
	i.methods[name] = m
	i.members = append(i.members, &dasbus.MethodDescription{
		Interface:  i.name,
		Name:       name,
		In:         m.In,
		Out:        m.Out,
		Deprecated: m.Deprecated,
		NoReply:    m.NoReply,
	})
	return i
}

// Property adds the property name to the interface.
func (i *Interface) Property(name string, p Property) *Interface {
	sig, err := dasbus.ParseSignature(p.Type)
	if err != nil {
		i.fail(name, "invalid property type: %v", err)
		return i
	}
	if p.Get == nil && p.Set == nil {
		i.fail(name, "property has neither getter nor setter")
		return i
	}
	i.props[name] = p
	i.members = append(i.members, &dasbus.PropertyDescription{
		Interface:           i.name,
		Name:                name,
		Type:                sig,
		Readable:            p.Get != nil,
		Writable:            p.Set != nil,
		EmitsSignal:         true,
		SignalIncludesValue: true,
		Deprecated:          p.Deprecated,
	})
	return i
}

// Signal adds the signal name to the interface. Emitting sig with
// arguments matching args emits the signal on the bus, while the
// object is connected.
func (i *Interface) Signal(name string, sig *dasbus.Signal, args ...dasbus.ArgumentDescription) *Interface {
	if sig == nil {
		i.fail(name, "nil signal")
		return i
	}
	if !i.checkArgs(name, args) {
		return i
	}
	i.signals[name] = sig
	i.members = append(i.members, &dasbus.SignalDescription{
		Interface: i.name,
		Name:      name,
		Args:      args,
	})
	return i
}

func (i *Interface) err() error {
	if i.name == "" {
		return dasbus.SpecificationError{Reason: "interface has no name"}
	}
	if dasbus.IsStandardInterface(i.name) {
		return dasbus.SpecificationError{Interface: i.name, Reason: "cannot redefine a standard interface"}
	}
	return errors.Join(i.errs...)
}
