// Package dbusgen generates typed Go clients for DBus interfaces.
package dbusgen

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"go/format"
	"slices"
	"strings"
	"unicode"

	"github.com/dasbus-project/dasbus"
)

type generator struct {
	out   bytes.Buffer
	iface *dasbus.InterfaceDescription
}

// File returns a Go source file for package pkg, containing a client
// for each of ifaces.
func File(pkg string, ifaces ...*dasbus.InterfaceDescription) (string, error) {
	var g generator
	g.f("// Code generated by dasbus gen. DO NOT EDIT.\n\npackage %s\n\n", pkg)
	g.s("import (\n")
	if slices.ContainsFunc(ifaces, hasMembers) {
		g.s("\"context\"\n\n")
	}
	g.s("\"github.com/dasbus-project/dasbus\"\n\"github.com/dasbus-project/dasbus/client\"\n)\n")
	for _, iface := range ifaces {
		if err := g.Interface(iface); err != nil {
			return "", err
		}
	}
	return g.format()
}

// Interface returns the Go declarations of a client for iface,
// without a package clause or imports.
func Interface(iface *dasbus.InterfaceDescription) (string, error) {
	var g generator
	if err := g.Interface(iface); err != nil {
		return "", err
	}
	return g.format()
}

func (g *generator) format() (string, error) {
	ret, err := format.Source(g.out.Bytes())
	if err != nil {
		return g.out.String(), err
	}
	return string(ret), nil
}

func (g *generator) s(s string) {
	g.out.WriteString(s)
}

func (g *generator) f(msg string, args ...any) {
	fmt.Fprintf(&g.out, msg, args...)
}

func hasMembers(iface *dasbus.InterfaceDescription) bool {
	return len(iface.Methods)+len(iface.Properties)+len(iface.Signals) > 0
}

func (g *generator) Interface(iface *dasbus.InterfaceDescription) error {
	if iface == nil {
		return errors.New("no interface provided")
	}
	if iface.Name == "" {
		return errors.New("interface has no name")
	}
	g.iface = iface
	g.f(`
// %[1]s is a client for the DBus interface %[2]s.
type %[1]s struct{ proxy *client.InterfaceProxy }

// New%[1]s returns a %[1]s for the object at path, owned by the bus
// name service.
func New%[1]s(bus dasbus.Bus, service string, path dasbus.ObjectPath, opts ...client.Option) %[1]s {
	return %[1]s{client.NewInterfaceProxy(bus, service, path, %[2]q, opts...)}
}

// Proxy returns the untyped proxy underlying iface.
func (iface %[1]s) Proxy() *client.InterfaceProxy { return iface.proxy }
`, g.typeName(), iface.Name)

	methods := slices.SortedFunc(slices.Values(iface.Methods), func(a, b *dasbus.MethodDescription) int {
		return cmp.Compare(a.Name, b.Name)
	})
	props := slices.SortedFunc(slices.Values(iface.Properties), func(a, b *dasbus.PropertyDescription) int {
		return cmp.Compare(a.Name, b.Name)
	})
	signals := slices.SortedFunc(slices.Values(iface.Signals), func(a, b *dasbus.SignalDescription) int {
		return cmp.Compare(a.Name, b.Name)
	})

	for _, m := range methods {
		if err := g.Method(m); err != nil {
			return fmt.Errorf("method %s: %w", m.Name, err)
		}
	}
	for _, p := range props {
		if err := g.Property(p); err != nil {
			return fmt.Errorf("property %s: %w", p.Name, err)
		}
	}
	for _, s := range signals {
		g.Signal(s)
	}
	return nil
}

func (g *generator) typeName() string {
	return publicIdentifier(g.iface.Name)
}

func (g *generator) deprecated(deprecated bool) {
	if deprecated {
		g.s("//\n// Deprecated: marked deprecated in the interface definition.\n")
	}
}

func (g *generator) Method(m *dasbus.MethodDescription) error {
	mname := publicIdentifier(m.Name)
	ai := argsIn{m.In}
	ao := argsOut{mname, m.Out}

	if err := ao.writeStruct(g); err != nil {
		return err
	}

	g.f("\n// %s calls the method %s.%s.\n", mname, g.iface.Name, m.Name)
	g.deprecated(m.Deprecated)
	g.f("func (iface %s) %s(", g.typeName(), mname)
	if err := ai.writeArgs(g); err != nil {
		return err
	}
	g.s(") (")
	if err := ao.writeArgs(g); err != nil {
		return err
	}
	g.s(") {\n")
	if ao.noRet() {
		g.f("_, err := iface.proxy.CallVariant(ctx, %q%s)\n", m.Name, ai.callArgs())
		g.s("return err\n}\n")
		return nil
	}
	g.f("body, err := iface.proxy.CallVariant(ctx, %q%s)\n", m.Name, ai.callArgs())
	return ao.writeRet(g)
}

func (g *generator) Property(prop *dasbus.PropertyDescription) error {
	typ, err := goType(prop.Type)
	if err != nil {
		return err
	}
	if prop.Constant || prop.Readable {
		g.f("\n// %s returns the value of the property %q.\n", publicIdentifier(prop.Name), prop.Name)
		g.deprecated(prop.Deprecated)
		g.f(`func (iface %[1]s) %[2]s(ctx context.Context) (%[3]s, error) {
	var ret %[3]s
	v, err := iface.proxy.GetVariant(ctx, %[4]q)
	if err != nil {
		return ret, err
	}
	err = v.Store(&ret)
	return ret, err
}
`, g.typeName(), publicIdentifier(prop.Name), typ, prop.Name)
	}

	if prop.Writable {
		g.f("\n// Set%s sets the value of property %q to val.\n", publicIdentifier(prop.Name), prop.Name)
		g.deprecated(prop.Deprecated)
		g.f(`func (iface %[1]s) Set%[2]s(ctx context.Context, val %[3]s) error {
	return iface.proxy.Set(ctx, %[4]q, val)
}
`, g.typeName(), publicIdentifier(prop.Name), typ, prop.Name)
	}
	return nil
}

func (g *generator) Signal(s *dasbus.SignalDescription) {
	g.f("\n// %sSignal returns the proxy of the signal %s.%s", publicIdentifier(s.Name), g.iface.Name, s.Name)
	if len(s.Args) > 0 {
		names := make([]string, len(s.Args))
		for i, a := range s.Args {
			names[i] = argName(i, a) + " " + a.Type.String()
		}
		g.f(".\n// Its callbacks receive (%s)", strings.Join(names, ", "))
	}
	g.s(".\n")
	g.deprecated(s.Deprecated)
	g.f(`func (iface %[1]s) %[2]sSignal(ctx context.Context) (*client.SignalProxy, error) {
	return iface.proxy.Signal(ctx, %[3]q)
}
`, g.typeName(), publicIdentifier(s.Name), s.Name)
}

// goType returns the Go type that holds values of signature sig.
func goType(sig dasbus.Signature) (string, error) {
	if sig.IsZero() {
		return "", errors.New("missing type signature")
	}
	return typeString(sig.Type()), nil
}

func typeString(t dasbus.Type) string {
	switch t := t.(type) {
	case dasbus.BasicType:
		switch t {
		case dasbus.TypeByte:
			return "byte"
		case dasbus.TypeBool:
			return "bool"
		case dasbus.TypeInt16:
			return "int16"
		case dasbus.TypeUint16:
			return "uint16"
		case dasbus.TypeInt32:
			return "int32"
		case dasbus.TypeUint32:
			return "uint32"
		case dasbus.TypeInt64:
			return "int64"
		case dasbus.TypeUint64:
			return "uint64"
		case dasbus.TypeDouble:
			return "float64"
		case dasbus.TypeUnixFD:
			return "dasbus.UnixFD"
		case dasbus.TypeString:
			return "string"
		case dasbus.TypeObjectPath:
			return "dasbus.ObjectPath"
		case dasbus.TypeSignature:
			return "dasbus.Signature"
		}
	case dasbus.VariantType:
		return "dasbus.Variant"
	case dasbus.ArrayType:
		return "[]" + typeString(t.Elem)
	case dasbus.DictType:
		return "map[" + typeString(t.Key) + "]" + typeString(t.Value)
	case dasbus.StructType:
		var ret strings.Builder
		ret.WriteString("struct {\n")
		for i, f := range t.Fields {
			fmt.Fprintf(&ret, "Field%d %s\n", i, typeString(f))
		}
		ret.WriteString("}")
		return ret.String()
	}
	panic(fmt.Sprintf("unknown signature node %T", t))
}

func argName(n int, arg dasbus.ArgumentDescription) string {
	name := identifier(arg.Name)
	if name == "" {
		name = fmt.Sprintf("arg%d", n)
	}
	switch name {
	case "type":
		name = "typ"
	case "ctx", "err", "body", "iface", "resp", "ret", "v", "val":
		name += "_"
	}
	return name
}

func identifier(s string) string {
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		s = s[i+1:]
	}
	fs := strings.FieldsFunc(s, func(r rune) bool { return r == '_' || r == '-' })
	for i := range fs {
		if i == 0 {
			fst := true
			fs[i] = strings.Map(func(r rune) rune {
				if fst {
					fst = false
					return unicode.ToLower(r)
				}
				return r
			}, fs[i])
		} else {
			switch fs[i] {
			case "id":
				fs[i] = "ID"
			case "fd":
				fs[i] = "FD"
			default:
				fs[i] = strings.Title(fs[i])
			}
		}
	}
	return strings.Join(fs, "")
}

func publicIdentifier(s string) string {
	return strings.Title(identifier(s))
}

type argsIn struct {
	args []dasbus.ArgumentDescription
}

func (a argsIn) writeArgs(g *generator) error {
	g.s("ctx context.Context")
	for i, arg := range a.args {
		typ, err := goType(arg.Type)
		if err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
		g.f(", %s %s", argName(i, arg), typ)
	}
	return nil
}

func (a argsIn) callArgs() string {
	var ret strings.Builder
	for i, arg := range a.args {
		ret.WriteString(", ")
		ret.WriteString(argName(i, arg))
	}
	return ret.String()
}

type argsOut struct {
	methodName string
	args       []dasbus.ArgumentDescription
}

func (a argsOut) noRet() bool {
	return len(a.args) == 0
}

// useStruct reports whether results are returned as a named
// struct, rather than as multiple return values.
func (a argsOut) useStruct() bool {
	return len(a.args) > 2
}

func (a argsOut) fields() (string, error) {
	var ret strings.Builder
	ret.WriteString("struct {\n")
	for i, arg := range a.args {
		typ, err := goType(arg.Type)
		if err != nil {
			return "", fmt.Errorf("result %d: %w", i, err)
		}
		fmt.Fprintf(&ret, "%s %s\n", publicIdentifier(argName(i, arg)), typ)
	}
	ret.WriteString("}")
	return ret.String(), nil
}

func (a argsOut) writeStruct(g *generator) error {
	if !a.useStruct() {
		return nil
	}
	st, err := a.fields()
	if err != nil {
		return err
	}
	g.f("\n// %[1]sResponse is the result of %[1]s.\ntype %[1]sResponse %[2]s\n", a.methodName, st)
	return nil
}

func (a argsOut) writeArgs(g *generator) error {
	switch {
	case a.noRet():
		g.s("error")
	case a.useStruct():
		g.f("resp %sResponse, err error", a.methodName)
	default:
		for i, arg := range a.args {
			typ, err := goType(arg.Type)
			if err != nil {
				return fmt.Errorf("result %d: %w", i, err)
			}
			g.f("%s %s, ", argName(i, arg), typ)
		}
		g.s("err error")
	}
	return nil
}

func (a argsOut) writeRet(g *generator) error {
	switch {
	case a.useStruct():
		g.s("if err != nil {\nreturn resp, err\n}\n")
		g.s("err = body.Store(&resp)\nreturn resp, err\n}\n")
	default:
		st, err := a.fields()
		if err != nil {
			return err
		}
		names := make([]string, len(a.args))
		fields := make([]string, len(a.args))
		for i, arg := range a.args {
			names[i] = argName(i, arg)
			fields[i] = "resp." + publicIdentifier(names[i])
		}
		g.f("if err != nil {\nreturn %s, err\n}\n", strings.Join(names, ", "))
		g.f("var resp %s\n", st)
		g.f("if err := body.Store(&resp); err != nil {\nreturn %s, err\n}\n", strings.Join(names, ", "))
		g.f("return %s, nil\n}\n", strings.Join(fields, ", "))
	}
	return nil
}
