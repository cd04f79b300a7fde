package dasbus

import (
	"cmp"
	"encoding/xml"
	"fmt"
	"slices"
	"strings"

	"github.com/godbus/dbus/v5/introspect"
)

// ObjectDescription describes a DBus object's exported interfaces and
// child objects, as listed by its introspection data.
type ObjectDescription struct {
	// Interfaces are the object's interfaces, in document order.
	Interfaces []*InterfaceDescription
	// Children is the relative paths to child objects under this
	// object. The relative paths may contain multiple path
	// components.
	Children []string
}

func (o *ObjectDescription) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var raw struct {
		Interfaces []*InterfaceDescription `xml:"interface"`
		Children   []struct {
			Name string `xml:"name,attr"`
		} `xml:"node"`
	}
	if err := d.DecodeElement(&raw, &start); err != nil {
		return err
	}
	o.Interfaces = raw.Interfaces
	o.Children = make([]string, 0, len(raw.Children))
	for _, v := range raw.Children {
		o.Children = append(o.Children, v.Name)
	}
	return nil
}

// Interface returns the description of the named interface, or nil.
func (o *ObjectDescription) Interface(name string) *InterfaceDescription {
	for _, iface := range o.Interfaces {
		if iface.Name == name {
			return iface
		}
	}
	return nil
}

// Specification returns the Specification of the object's members.
func (o *ObjectDescription) Specification() (*Specification, error) {
	var members []Member
	for _, iface := range o.Interfaces {
		for _, m := range iface.Methods {
			members = append(members, m)
		}
		for _, p := range iface.Properties {
			members = append(members, p)
		}
		for _, s := range iface.Signals {
			members = append(members, s)
		}
	}
	return NewSpecification(members...)
}

// ParseIntrospection parses DBus introspection XML into a
// Specification.
func ParseIntrospection(data string) (*Specification, error) {
	desc, err := ParseObjectDescription(data)
	if err != nil {
		return nil, err
	}
	return desc.Specification()
}

// ParseObjectDescription parses DBus introspection XML.
func ParseObjectDescription(data string) (*ObjectDescription, error) {
	var desc ObjectDescription
	if err := xml.Unmarshal([]byte(data), &desc); err != nil {
		return nil, SpecificationError{Reason: fmt.Sprintf("parsing introspection data: %v", err)}
	}
	return &desc, nil
}

// InterfaceDescription describes a DBus interface.
type InterfaceDescription struct {
	Name       string                 `xml:"name,attr"`
	Methods    []*MethodDescription   `xml:"method"`
	Signals    []*SignalDescription   `xml:"signal"`
	Properties []*PropertyDescription `xml:"property"`
}

func (d *InterfaceDescription) UnmarshalXML(dec *xml.Decoder, start xml.StartElement) error {
	// The alias drops this method, so that decoding the element's
	// contents uses the default rules.
	type plain InterfaceDescription
	if err := dec.DecodeElement((*plain)(d), &start); err != nil {
		return err
	}
	for _, m := range d.Methods {
		m.Interface = d.Name
	}
	for _, s := range d.Signals {
		s.Interface = d.Name
	}
	for _, p := range d.Properties {
		p.Interface = d.Name
	}
	return nil
}

func (d InterfaceDescription) String() string {
	var ret strings.Builder
	fmt.Fprintf(&ret, "interface %s {\n", d.Name)

	methods := slices.SortedFunc(slices.Values(d.Methods), func(a, b *MethodDescription) int {
		return cmp.Compare(a.Name, b.Name)
	})
	for _, m := range methods {
		fmt.Fprintf(&ret, "  %s\n", m)
	}

	signals := slices.SortedFunc(slices.Values(d.Signals), func(a, b *SignalDescription) int {
		return cmp.Compare(a.Name, b.Name)
	})
	for _, s := range signals {
		fmt.Fprintf(&ret, "  %s\n", s)
	}

	props := slices.SortedFunc(slices.Values(d.Properties), func(a, b *PropertyDescription) int {
		return cmp.Compare(a.Name, b.Name)
	})
	for _, s := range props {
		fmt.Fprintf(&ret, "  %s\n", s)
	}
	ret.WriteString("}")
	return ret.String()
}

type rawAnnotation struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// MethodDescription describes a DBus method.
type MethodDescription struct {
	Interface string
	Name      string
	In        []ArgumentDescription
	Out       []ArgumentDescription
	// Deprecated, if true, indicates that the method should be
	// avoided in new code.
	Deprecated bool
	// NoReply, if true, indicates that the method does not send a
	// reply, and callers should not wait for one.
	NoReply bool
}

func (m MethodDescription) String() string {
	var ret strings.Builder
	ret.WriteString("func ")
	ret.WriteString(m.Name)
	ret.WriteByte('(')
	writeArgs(&ret, m.In)
	ret.WriteByte(')')

	if len(m.Out) > 0 {
		ret.WriteString(" (")
		writeArgs(&ret, m.Out)
		ret.WriteByte(')')
	}
	switch {
	case m.Deprecated && m.NoReply:
		ret.WriteString(" [deprecated,noreply]")
	case m.Deprecated:
		ret.WriteString(" [deprecated]")
	case m.NoReply:
		ret.WriteString(" [noreply]")
	}
	return ret.String()
}

func writeArgs(b *strings.Builder, args []ArgumentDescription) {
	for i, arg := range args {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(arg.String())
	}
}

func (m *MethodDescription) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var raw struct {
		Name string `xml:"name,attr"`
		Args []struct {
			Name      string `xml:"name,attr"`
			Type      string `xml:"type,attr"`
			Direction string `xml:"direction,attr"`
		} `xml:"arg"`
		Meta []rawAnnotation `xml:"annotation"`
	}
	if err := d.DecodeElement(&raw, &start); err != nil {
		return err
	}
	m.Name = raw.Name
	m.In, m.Out = nil, nil
	m.Deprecated, m.NoReply = false, false
	for _, arg := range raw.Args {
		sig, err := ParseSignature(arg.Type)
		if err != nil {
			return fmt.Errorf("invalid signature %q for arg %s of method %s: %w", arg.Type, arg.Name, raw.Name, err)
		}
		ad := ArgumentDescription{
			Name: arg.Name,
			Type: sig,
		}
		switch arg.Direction {
		case "", "in":
			m.In = append(m.In, ad)
		case "out":
			m.Out = append(m.Out, ad)
		default:
			return fmt.Errorf("unknown direction %q for arg %s of method %s", arg.Direction, arg.Name, raw.Name)
		}
	}
	for _, attr := range raw.Meta {
		switch attr.Name {
		case "org.freedesktop.DBus.Deprecated":
			m.Deprecated = attr.Value == "true"
		case "org.freedesktop.DBus.Method.NoReply":
			m.NoReply = attr.Value == "true"
		}
	}

	return nil
}

// SignalDescription describes a DBus signal.
type SignalDescription struct {
	Interface string
	Name      string
	Args      []ArgumentDescription
	// Deprecated, if true, indicates that the signal should be
	// avoided in new code.
	Deprecated bool
}

func (s SignalDescription) String() string {
	var ret strings.Builder
	ret.WriteString("signal ")
	ret.WriteString(s.Name)
	ret.WriteByte('(')
	writeArgs(&ret, s.Args)
	ret.WriteByte(')')
	if s.Deprecated {
		ret.WriteString(" [deprecated]")
	}
	return ret.String()
}

func (s *SignalDescription) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var raw struct {
		Name string `xml:"name,attr"`
		Args []struct {
			Name string `xml:"name,attr"`
			Type string `xml:"type,attr"`
		} `xml:"arg"`
		Meta []rawAnnotation `xml:"annotation"`
	}
	if err := d.DecodeElement(&raw, &start); err != nil {
		return err
	}
	s.Name = raw.Name
	s.Args = nil
	s.Deprecated = false
	for _, arg := range raw.Args {
		sig, err := ParseSignature(arg.Type)
		if err != nil {
			return fmt.Errorf("invalid signature %q for arg %s of signal %s: %w", arg.Type, arg.Name, raw.Name, err)
		}
		s.Args = append(s.Args, ArgumentDescription{
			Name: arg.Name,
			Type: sig,
		})
	}
	for _, attr := range raw.Meta {
		if attr.Name == "org.freedesktop.DBus.Deprecated" && attr.Value == "true" {
			s.Deprecated = true
		}
	}
	return nil
}

// PropertyDescription describes a DBus property.
type PropertyDescription struct {
	Interface string
	Name      string
	Type      Signature

	// Readable is whether the property value can be read.
	Readable bool
	// Writable is whether the property value can be set.
	Writable bool

	// If true, Constant indicates that the property's value never
	// changes, and thus can safely be cached locally.
	Constant bool
	// EmitsSignal is whether the property emits a PropertiesChanged
	// signal when updated.
	EmitsSignal bool
	// SignalIncludesValue is whether the PropertiesChanged signal
	// emitted when this property changes includes the new value. If
	// false, the signal merely reports that the property's value has
	// been invalidated.
	SignalIncludesValue bool

	// Deprecated, if true, indicates that the property should be
	// avoided in new code.
	Deprecated bool
}

func (p PropertyDescription) String() string {
	var ret strings.Builder
	fmt.Fprintf(&ret, "property %s %s [", p.Name, p.Type)

	switch {
	case p.Readable && !p.Writable && p.Constant:
		ret.WriteString("const")
	case p.Readable && p.Writable:
		ret.WriteString("readwrite")
	case p.Readable:
		ret.WriteString("readonly")
	case p.Writable:
		ret.WriteString("writeonly")
	}
	if p.Deprecated {
		ret.WriteString(",deprecated")
	}

	if p.EmitsSignal && p.SignalIncludesValue {
		ret.WriteString(",signals")
	} else if p.EmitsSignal {
		ret.WriteString(",invalidates")
	}
	ret.WriteByte(']')
	return ret.String()
}

// access returns the introspection access attribute for p.
func (p PropertyDescription) access() string {
	switch {
	case p.Readable && p.Writable:
		return "readwrite"
	case p.Writable:
		return "write"
	default:
		return "read"
	}
}

func (p *PropertyDescription) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var raw struct {
		Name   string          `xml:"name,attr"`
		Type   string          `xml:"type,attr"`
		Access string          `xml:"access,attr"`
		Meta   []rawAnnotation `xml:"annotation"`
	}
	if err := d.DecodeElement(&raw, &start); err != nil {
		return err
	}
	p.Name = raw.Name
	sig, err := ParseSignature(raw.Type)
	if err != nil {
		return fmt.Errorf("invalid signature %q for property %s: %w", raw.Type, raw.Name, err)
	}
	p.Type = sig
	p.Constant, p.EmitsSignal, p.SignalIncludesValue, p.Deprecated = false, true, true, false
	switch raw.Access {
	case "read":
		p.Readable, p.Writable = true, false
	case "write":
		p.Readable, p.Writable = false, true
	case "readwrite":
		p.Readable, p.Writable = true, true
	default:
		return fmt.Errorf("unknown property access value %q", raw.Access)
	}
	for _, attr := range raw.Meta {
		switch attr.Name {
		case "org.freedesktop.DBus.Deprecated":
			p.Deprecated = attr.Value == "true"
		case "org.freedesktop.DBus.Property.EmitsChangedSignal":
			switch attr.Value {
			case "false":
				p.EmitsSignal = false
				p.SignalIncludesValue = false
			case "invalidates":
				p.SignalIncludesValue = false
			case "const":
				p.Constant = true
				p.EmitsSignal = false
				p.SignalIncludesValue = false
			}
		}
	}
	return nil
}

// ArgumentDescription describes a DBus method's input or output, or a
// signal's argument.
type ArgumentDescription struct {
	Name string // optional
	Type Signature
}

func (a ArgumentDescription) String() string {
	if a.Name != "" {
		// Older DBus interfaces used arg-name style naming. Argument
		// names aren't load-bearing, so normalize them for
		// readability.
		n := strings.Replace(a.Name, "-", "_", -1)
		return fmt.Sprintf("%s %s", n, a.Type)
	}
	return a.Type.String()
}

var (
	deprecated = introspect.Annotation{Name: "org.freedesktop.DBus.Deprecated", Value: "true"}
	noReply    = introspect.Annotation{Name: "org.freedesktop.DBus.Method.NoReply", Value: "true"}
)

// Node returns the introspection document for s, listing children as
// child nodes.
func (s *Specification) Node(children ...string) introspect.Node {
	ret := introspect.Node{}
	ifaces := map[string]*introspect.Interface{}
	for _, name := range s.Interfaces() {
		ret.Interfaces = append(ret.Interfaces, introspect.Interface{Name: name})
		ifaces[name] = &ret.Interfaces[len(ret.Interfaces)-1]
	}
	for _, m := range s.order {
		iface := ifaces[m.Key().Interface]
		switch m := m.(type) {
		case *MethodDescription:
			im := introspect.Method{Name: m.Name}
			for _, a := range m.In {
				im.Args = append(im.Args, introspect.Arg{Name: a.Name, Type: a.Type.String(), Direction: "in"})
			}
			for _, a := range m.Out {
				im.Args = append(im.Args, introspect.Arg{Name: a.Name, Type: a.Type.String(), Direction: "out"})
			}
			if m.Deprecated {
				im.Annotations = append(im.Annotations, deprecated)
			}
			if m.NoReply {
				im.Annotations = append(im.Annotations, noReply)
			}
			iface.Methods = append(iface.Methods, im)
		case *SignalDescription:
			is := introspect.Signal{Name: m.Name}
			for _, a := range m.Args {
				is.Args = append(is.Args, introspect.Arg{Name: a.Name, Type: a.Type.String()})
			}
			if m.Deprecated {
				is.Annotations = append(is.Annotations, deprecated)
			}
			iface.Signals = append(iface.Signals, is)
		case *PropertyDescription:
			ip := introspect.Property{Name: m.Name, Type: m.Type.String(), Access: m.access()}
			if m.Deprecated {
				ip.Annotations = append(ip.Annotations, deprecated)
			}
			if v := emitsChangedValue(m); v != "" {
				ip.Annotations = append(ip.Annotations, introspect.Annotation{
					Name:  "org.freedesktop.DBus.Property.EmitsChangedSignal",
					Value: v,
				})
			}
			iface.Properties = append(iface.Properties, ip)
		}
	}
	for _, c := range children {
		ret.Children = append(ret.Children, introspect.Node{Name: c})
	}
	return ret
}

func emitsChangedValue(p *PropertyDescription) string {
	switch {
	case p.Constant:
		return "const"
	case !p.EmitsSignal:
		return "false"
	case !p.SignalIncludesValue:
		return "invalidates"
	default:
		return ""
	}
}

// XML returns the introspection XML document for s.
func (s *Specification) XML(children ...string) (string, error) {
	bs, err := xml.MarshalIndent(s.Node(children...), "", "  ")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(introspect.IntrospectDeclarationString) + "\n" + string(bs), nil
}
