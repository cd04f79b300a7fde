package dasbus

import (
	"fmt"
	"slices"

	"github.com/samber/lo"
)

// Standard interface names.
const (
	IntrospectableInterface = "org.freedesktop.DBus.Introspectable"
	PeerInterface           = "org.freedesktop.DBus.Peer"
	PropertiesInterface     = "org.freedesktop.DBus.Properties"
)

// A MemberKey identifies an interface member.
type MemberKey struct {
	Interface string
	Name      string
}

func (k MemberKey) String() string { return k.Interface + "." + k.Name }

// A Member is one of [*MethodDescription], [*PropertyDescription] or
// [*SignalDescription].
type Member interface {
	Key() MemberKey
	isMember()
}

// Key returns the method's interface and name.
func (m *MethodDescription) Key() MemberKey { return MemberKey{m.Interface, m.Name} }
func (*MethodDescription) isMember()        {}

// InSignature returns the struct signature of the method's input
// arguments, or the zero Signature if it takes none.
func (m *MethodDescription) InSignature() Signature { return argsSignature(m.In) }

// OutSignature returns the struct signature of the method's return
// values, or the zero Signature if it returns none. A method that
// returns a single value has a one field struct signature.
func (m *MethodDescription) OutSignature() Signature { return argsSignature(m.Out) }

// Key returns the property's interface and name.
func (p *PropertyDescription) Key() MemberKey { return MemberKey{p.Interface, p.Name} }
func (*PropertyDescription) isMember()        {}

// Key returns the signal's interface and name.
func (s *SignalDescription) Key() MemberKey { return MemberKey{s.Interface, s.Name} }
func (*SignalDescription) isMember()        {}

// Signature returns the struct signature of the signal's arguments,
// or the zero Signature if it has none.
func (s *SignalDescription) Signature() Signature { return argsSignature(s.Args) }

func argsSignature(args []ArgumentDescription) Signature {
	return TupleOf(lo.Map(args, func(a ArgumentDescription, _ int) Signature { return a.Type })...)
}

// MustArg returns an ArgumentDescription with the given name and
// signature. It panics if sig is not a valid single complete type.
func MustArg(name, sig string) ArgumentDescription {
	return ArgumentDescription{name, MustParseSignature(sig)}
}

// A Specification is the set of members of the interfaces of one
// object. Members are unique by interface and name.
//
// A Specification is immutable once built, and always includes the
// standard Introspectable, Peer and Properties interfaces.
type Specification struct {
	members map[MemberKey]Member
	order   []Member
}

// NewSpecification returns a Specification holding members, plus the
// members of the standard interfaces.
//
// It returns a [SpecificationError] if a member is incomplete or
// appears twice.
func NewSpecification(members ...Member) (*Specification, error) {
	ret := &Specification{
		members: map[MemberKey]Member{},
	}
	for _, m := range members {
		if err := ret.add(m, false); err != nil {
			return nil, err
		}
	}
	for _, m := range standardMembers() {
		if err := ret.add(m, true); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

func (s *Specification) add(m Member, standard bool) error {
	k := m.Key()
	if k.Interface == "" || k.Name == "" {
		return specErr(k.Interface, k.Name, "member has no interface or name")
	}
	if _, ok := s.members[k]; ok {
		if standard {
			// Objects may describe the standard interfaces
			// themselves.
			return nil
		}
		return specErr(k.Interface, k.Name, "duplicate member")
	}
	if p, ok := m.(*PropertyDescription); ok {
		if p.Type.IsZero() {
			return specErr(k.Interface, k.Name, "property has no type")
		}
		if !p.Readable && !p.Writable {
			return specErr(k.Interface, k.Name, "property is neither readable nor writable")
		}
	}
	s.members[k] = m
	s.order = append(s.order, m)
	return nil
}

// Member returns the member with the given interface and name.
func (s *Specification) Member(iface, name string) (Member, error) {
	if m, ok := s.members[MemberKey{iface, name}]; ok {
		return m, nil
	}
	return nil, specErr(iface, name, "unknown member")
}

// Method returns the method with the given interface and name.
func (s *Specification) Method(iface, name string) (*MethodDescription, error) {
	return memberAs[*MethodDescription](s, iface, name, "method")
}

// Property returns the property with the given interface and name.
func (s *Specification) Property(iface, name string) (*PropertyDescription, error) {
	return memberAs[*PropertyDescription](s, iface, name, "property")
}

// Signal returns the signal with the given interface and name.
func (s *Specification) Signal(iface, name string) (*SignalDescription, error) {
	return memberAs[*SignalDescription](s, iface, name, "signal")
}

func memberAs[T Member](s *Specification, iface, name, kind string) (T, error) {
	var zero T
	m, err := s.Member(iface, name)
	if err != nil {
		return zero, err
	}
	ret, ok := m.(T)
	if !ok {
		return zero, specErr(iface, name, "member is not a %s", kind)
	}
	return ret, nil
}

// Members returns all members, in the order they were added.
func (s *Specification) Members() []Member {
	return slices.Clone(s.order)
}

// Interfaces returns the names of the specification's interfaces, in
// the order they first appear.
func (s *Specification) Interfaces() []string {
	return lo.Uniq(lo.Map(s.order, func(m Member, _ int) string { return m.Key().Interface }))
}

// Properties returns the properties of iface.
func (s *Specification) Properties(iface string) []*PropertyDescription {
	var ret []*PropertyDescription
	for _, m := range s.order {
		if p, ok := m.(*PropertyDescription); ok && p.Interface == iface {
			ret = append(ret, p)
		}
	}
	return ret
}

func (s *Specification) String() string {
	return fmt.Sprintf("Specification%v", s.Interfaces())
}

// standardMembers returns the members of the interfaces every object
// implements.
func standardMembers() []Member {
	return []Member{
		&MethodDescription{
			Interface: IntrospectableInterface,
			Name:      "Introspect",
			Out:       []ArgumentDescription{MustArg("xml_data", "s")},
		},
		&MethodDescription{
			Interface: PeerInterface,
			Name:      "Ping",
		},
		&MethodDescription{
			Interface: PeerInterface,
			Name:      "GetMachineId",
			Out:       []ArgumentDescription{MustArg("machine_uuid", "s")},
		},
		&MethodDescription{
			Interface: PropertiesInterface,
			Name:      "Get",
			In:        []ArgumentDescription{MustArg("interface_name", "s"), MustArg("property_name", "s")},
			Out:       []ArgumentDescription{MustArg("value", "v")},
		},
		&MethodDescription{
			Interface: PropertiesInterface,
			Name:      "GetAll",
			In:        []ArgumentDescription{MustArg("interface_name", "s")},
			Out:       []ArgumentDescription{MustArg("properties", "a{sv}")},
		},
		&MethodDescription{
			Interface: PropertiesInterface,
			Name:      "Set",
			In:        []ArgumentDescription{MustArg("interface_name", "s"), MustArg("property_name", "s"), MustArg("value", "v")},
		},
		&SignalDescription{
			Interface: PropertiesInterface,
			Name:      "PropertiesChanged",
			Args: []ArgumentDescription{
				MustArg("interface_name", "s"),
				MustArg("changed_properties", "a{sv}"),
				MustArg("invalidated_properties", "as"),
			},
		},
	}
}

// IsStandardInterface reports whether iface is one of the interfaces
// every object implements.
func IsStandardInterface(iface string) bool {
	switch iface {
	case IntrospectableInterface, PeerInterface, PropertiesInterface:
		return true
	}
	return false
}
