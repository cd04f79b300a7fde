package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/dasbus-project/dasbus"
	"github.com/samber/lo"
)

// member is one entry of an object's dispatch table: a *method, a
// *property or a *signal.
type member interface {
	isMember()
}

type method struct {
	desc *dasbus.MethodDescription
	impl Method
}

type property struct {
	desc *dasbus.PropertyDescription
	impl Property
}

type signal struct {
	desc *dasbus.SignalDescription
	sig  *dasbus.Signal
}

func (*method) isMember()   {}
func (*property) isMember() {}
func (*signal) isMember()   {}

// propertiesChanged describes the PropertiesChanged signal of the
// standard Properties interface.
var propertiesChanged = &dasbus.SignalDescription{
	Interface: dasbus.PropertiesInterface,
	Name:      "PropertiesChanged",
	Args: []dasbus.ArgumentDescription{
		dasbus.MustArg("interface_name", "s"),
		dasbus.MustArg("changed_properties", "a{sv}"),
		dasbus.MustArg("invalidated_properties", "as"),
	},
}

// Object is the implementation of a DBus object: a set of interfaces,
// with the methods, properties and signals that implement them.
//
// An Object is safe for concurrent use.
type Object struct {
	spec    *dasbus.Specification
	ifaces  []string
	table   map[dasbus.MemberKey]member
	signals []*signal

	propsChanged *dasbus.Signal

	mu           sync.Mutex
	changed      map[string]mapset.Set[string]
	changedOrder []string
}

// ObjectOption configures an Object.
type ObjectOption func(*Object)

// WithPropertiesChanged makes the object use sig as its
// PropertiesChanged signal, instead of a signal of its own.
func WithPropertiesChanged(sig *dasbus.Signal) ObjectOption {
	return func(o *Object) { o.propsChanged = sig }
}

// NewObject returns an object that implements ifaces.
//
// NewObject returns a [dasbus.SpecificationError] if an interface was
// built with errors, if members are defined more than once, or if a
// signal carries file descriptors.
func NewObject(ifaces []*Interface, opts ...ObjectOption) (*Object, error) {
	ret := &Object{
		table:   map[dasbus.MemberKey]member{},
		changed: map[string]mapset.Set[string]{},
	}
	for _, o := range opts {
		o(ret)
	}
	if ret.propsChanged == nil {
		ret.propsChanged = &dasbus.Signal{}
	}

	var (
		members []dasbus.Member
		errs    []error
	)
	seen := mapset.New[string]()
	for _, iface := range ifaces {
		if err := iface.err(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen.Has(iface.name) {
			errs = append(errs, dasbus.SpecificationError{Interface: iface.name, Reason: "duplicate interface"})
			continue
		}
		seen.Add(iface.name)
		ret.ifaces = append(ret.ifaces, iface.name)
		members = append(members, iface.members...)
		for _, m := range iface.members {
			switch m := m.(type) {
			case *dasbus.MethodDescription:
				ret.table[m.Key()] = &method{m, iface.methods[m.Name]}
			case *dasbus.PropertyDescription:
				ret.table[m.Key()] = &property{m, iface.props[m.Name]}
			case *dasbus.SignalDescription:
				if strings.ContainsRune(m.Signature().String(), 'h') {
					// Buses don't carry file descriptors with
					// broadcast signals.
					errs = append(errs, dasbus.SpecificationError{Interface: m.Interface, Member: m.Name, Reason: "signal arguments cannot contain file descriptors"})
					continue
				}
				s := &signal{m, iface.signals[m.Name]}
				ret.table[m.Key()] = s
				ret.signals = append(ret.signals, s)
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	spec, err := dasbus.NewSpecification(members...)
	if err != nil {
		return nil, err
	}
	ret.spec = spec
	return ret, nil
}

// Specification returns the object's members, including those of the
// standard interfaces.
func (o *Object) Specification() *dasbus.Specification { return o.spec }

// Interfaces returns the names of the object's own interfaces.
func (o *Object) Interfaces() []string { return slices.Clone(o.ifaces) }

// PropertiesChanged returns the object's PropertiesChanged signal.
// Emitting it with an interface name, a map[string]dasbus.Variant of
// changed values and a []string of invalidated names emits
// PropertiesChanged on the bus while the object is connected.
func (o *Object) PropertiesChanged() *dasbus.Signal { return o.propsChanged }

func (o *Object) property(iface, name string) (*property, error) {
	p, ok := o.table[dasbus.MemberKey{Interface: iface, Name: name}].(*property)
	if !ok {
		return nil, dasbus.SpecificationError{Interface: iface, Member: name, Reason: "unknown property"}
	}
	return p, nil
}

// Get returns the value of the property name of iface.
//
// Get returns [dasbus.ErrNotReadable] if the property is not
// readable.
func (o *Object) Get(ctx context.Context, iface, name string) (dasbus.Variant, error) {
	p, err := o.property(iface, name)
	if err != nil {
		return dasbus.Variant{}, err
	}
	return p.get(ctx)
}

func (p *property) get(ctx context.Context) (dasbus.Variant, error) {
	if p.impl.Get == nil {
		return dasbus.Variant{}, dasbus.ErrNotReadable
	}
	val, err := p.impl.Get(ctx)
	if err != nil {
		return dasbus.Variant{}, err
	}
	ret, err := dasbus.MakeVariant(p.desc.Type, val)
	if err != nil {
		return dasbus.Variant{}, fmt.Errorf("value of property %s: %w", p.desc.Key(), err)
	}
	return ret, nil
}

// Set sets the property name of iface to value.
//
// Set returns [dasbus.ErrNotWritable] if the property is not
// writable. If the property was defined with EmitsChanged, a
// successful Set emits PropertiesChanged with the new value.
func (o *Object) Set(ctx context.Context, iface, name string, value dasbus.Variant) error {
	p, err := o.property(iface, name)
	if err != nil {
		return err
	}
	if p.impl.Set == nil {
		return dasbus.ErrNotWritable
	}
	if got, want := value.Signature().String(), p.desc.Type.String(); got != want {
		return dasbus.CallError{
			Name:    dasbus.ErrorInvalidArgs,
			Message: fmt.Sprintf("property %s has type %q, got value of type %q", p.desc.Key(), want, got),
		}
	}
	if err := p.impl.Set(ctx, dasbus.Unwrap(value)); err != nil {
		return err
	}
	if p.impl.EmitsChanged {
		o.propsChanged.Emit(iface, map[string]dasbus.Variant{name: value}, []string{})
	}
	return nil
}

// GetAll returns the values of all readable properties of iface.
func (o *Object) GetAll(ctx context.Context, iface string) (map[string]dasbus.Variant, error) {
	ret := map[string]dasbus.Variant{}
	if dasbus.IsStandardInterface(iface) {
		return ret, nil
	}
	if !slices.Contains(o.ifaces, iface) {
		return nil, dasbus.SpecificationError{Interface: iface, Reason: "unknown interface"}
	}
	for _, pd := range o.spec.Properties(iface) {
		if !pd.Readable {
			continue
		}
		p, err := o.property(iface, pd.Name)
		if err != nil {
			return nil, err
		}
		v, err := p.get(ctx)
		if err != nil {
			return nil, err
		}
		ret[pd.Name] = v
	}
	return ret, nil
}

// ReportChanged records that the property name of iface has
// changed. The change is announced by the next call to FlushChanges.
func (o *Object) ReportChanged(iface, name string) error {
	if _, err := o.property(iface, name); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	set, ok := o.changed[iface]
	if !ok {
		set = mapset.New[string]()
		o.changed[iface] = set
		o.changedOrder = append(o.changedOrder, iface)
	}
	set.Add(name)
	return nil
}

// FlushChanges emits one PropertiesChanged signal per interface with
// properties reported by ReportChanged since the last flush. Readable
// properties are sent with their current value, others are listed as
// invalidated.
func (o *Object) FlushChanges(ctx context.Context) error {
	o.mu.Lock()
	changed, order := o.changed, o.changedOrder
	o.changed, o.changedOrder = map[string]mapset.Set[string]{}, nil
	o.mu.Unlock()

	var errs []error
	for _, iface := range order {
		vals := map[string]dasbus.Variant{}
		invalidated := []string{}
		names := lo.Keys(changed[iface])
		slices.Sort(names)
		for _, name := range names {
			p, err := o.property(iface, name)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if p.impl.Get == nil {
				invalidated = append(invalidated, name)
				continue
			}
			v, err := p.get(ctx)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			vals[name] = v
		}
		o.propsChanged.Emit(iface, vals, invalidated)
	}
	return errors.Join(errs...)
}
