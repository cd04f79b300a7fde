package main

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"io"
	"iter"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/creachadair/mds/heapq"
	"github.com/dasbus-project/dasbus"
	"github.com/dasbus-project/dasbus/client"
)

type indenter struct {
	prefix     string
	indentNext bool
}

func (i *indenter) v(v any) {
	fmt.Fprintf(i, "%v\n", v)
}

func (i *indenter) s(msg string) {
	io.WriteString(i, msg+"\n")
}

func (i *indenter) f(msg string, args ...any) {
	fmt.Fprintf(i, msg+"\n", args...)
}

func (i *indenter) Write(bs []byte) (int, error) {
	ret := 0
	for len(bs) > 0 {
		if i.indentNext {
			i.indentNext = false
			_, err := io.WriteString(os.Stdout, i.prefix)
			if err != nil {
				return ret, err
			}
		}

		wr := bs
		idx := bytes.IndexByte(bs, '\n')
		if idx >= 0 {
			i.indentNext = true
			wr, bs = bs[:idx+1], bs[idx+1:]
		} else {
			bs = nil
		}

		n, err := os.Stdout.Write(wr)
		ret += n
		if err != nil {
			return ret, err
		}
	}
	return ret, nil
}

func (i *indenter) indent(n int) {
	i.prefix = strings.Repeat("  ", n)
}

func listPeers(ctx context.Context, s *session, peerFilter string) iter.Seq2[string, error] {
	if peerFilter == "" {
		// Unique bus connections fail to handle introspection
		// gracefully more often than not.
		peerFilter = `^[^:].*`
	}
	return func(yield func(string, error) bool) {
		f, err := regexp.Compile(peerFilter)
		if err != nil {
			yield("", err)
			return
		}
		peers, err := s.conn.ListNames(ctx)
		if err != nil {
			yield("", err)
			return
		}
		slices.Sort(peers)
		for _, p := range peers {
			if !f.MatchString(p) {
				continue
			}
			if !yield(p, nil) {
				return
			}
		}
	}
}

// introspect returns the introspection data of the object at path,
// owned by peer.
func introspect(ctx context.Context, s *session, peer string, path dasbus.ObjectPath) (*dasbus.ObjectDescription, error) {
	xml, err := client.NewObjectHandler(s.Bus(), peer, path).Introspect(ctx)
	if err != nil {
		return nil, err
	}
	return dasbus.ParseObjectDescription(xml)
}

func childPath(parent dasbus.ObjectPath, child string) dasbus.ObjectPath {
	if parent == "/" {
		return dasbus.ObjectPath("/" + child)
	}
	return dasbus.ObjectPath(string(parent) + "/" + child)
}

type objectInterface struct {
	Peer        string
	Path        dasbus.ObjectPath
	Description *dasbus.InterfaceDescription
}

// walkObjects introspects every object of peer, in path order, and
// yields the ones whose path matches objectFilter.
func walkObjects(ctx context.Context, s *session, peer, objectFilter string) iter.Seq2[objectInterface, error] {
	return func(yield func(objectInterface, error) bool) {
		om, err := regexp.Compile(objectFilter)
		if err != nil {
			yield(objectInterface{}, err)
			return
		}
		objs := heapq.New(cmp.Compare[dasbus.ObjectPath])
		objs.Add("/")
		for !objs.IsEmpty() {
			path, _ := objs.Pop()
			desc, err := introspect(ctx, s, peer, path)
			if err != nil {
				if !yield(objectInterface{}, fmt.Errorf("introspecting %s%s: %w", peer, path, err)) {
					return
				}
				continue
			}
			for _, child := range desc.Children {
				objs.Add(childPath(path, child))
			}
			if !om.MatchString(string(path)) {
				continue
			}
			ifaces := slices.SortedFunc(slices.Values(desc.Interfaces), func(a, b *dasbus.InterfaceDescription) int {
				return cmp.Compare(a.Name, b.Name)
			})
			for _, iface := range ifaces {
				if !yield(objectInterface{peer, path, iface}, nil) {
					return
				}
			}
		}
	}
}

func listInterfaces(ctx context.Context, s *session, peer, objectFilter, interfaceFilter string) iter.Seq2[objectInterface, error] {
	return func(yield func(objectInterface, error) bool) {
		im, err := regexp.Compile(interfaceFilter)
		if err != nil {
			yield(objectInterface{}, err)
			return
		}
		for oi, err := range walkObjects(ctx, s, peer, objectFilter) {
			if err != nil {
				if !yield(oi, err) {
					return
				}
				continue
			}
			if interfaceFilter == "" && dasbus.IsStandardInterface(oi.Description.Name) {
				continue
			}
			if !im.MatchString(oi.Description.Name) {
				continue
			}
			if !yield(oi, nil) {
				return
			}
		}
	}
}

// splitMember splits "iface.Member" into its interface and member
// names.
func splitMember(s string) (iface, member string, err error) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return "", "", fmt.Errorf("%q is not of the form interface.Member", s)
	}
	return s[:i], s[i+1:], nil
}

// parseArg parses a command line argument as a value of type sig.
func parseArg(sig dasbus.Signature, s string) (any, error) {
	t, ok := sig.Type().(dasbus.BasicType)
	if !ok {
		if _, isVariant := sig.Type().(dasbus.VariantType); isVariant {
			return s, nil
		}
		return nil, fmt.Errorf("cannot parse %s values from the command line", sig)
	}
	var (
		ret any
		err error
	)
	switch t {
	case dasbus.TypeBool:
		ret, err = strconv.ParseBool(s)
	case dasbus.TypeByte, dasbus.TypeUint16, dasbus.TypeUint32, dasbus.TypeUint64, dasbus.TypeUnixFD:
		ret, err = strconv.ParseUint(s, 0, 64)
	case dasbus.TypeInt16, dasbus.TypeInt32, dasbus.TypeInt64:
		ret, err = strconv.ParseInt(s, 0, 64)
	case dasbus.TypeDouble:
		ret, err = strconv.ParseFloat(s, 64)
	default:
		ret = s
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %q as %s: %w", s, sig, err)
	}
	// Check the value fits, so that errors name the argument rather
	// than the whole call.
	if _, err := dasbus.MakeVariant(sig, ret); err != nil {
		return nil, fmt.Errorf("parsing %q as %s: %w", s, sig, err)
	}
	return ret, nil
}

func parseArgs(args []dasbus.ArgumentDescription, vals []string) ([]any, error) {
	if len(args) != len(vals) {
		return nil, fmt.Errorf("got %d arguments, want %d", len(vals), len(args))
	}
	ret := make([]any, len(vals))
	for i, v := range vals {
		p, err := parseArg(args[i].Type, v)
		if err != nil {
			return nil, fmt.Errorf("argument %d (%s): %w", i, args[i], err)
		}
		ret[i] = p
	}
	return ret, nil
}

func growTo(s []string, n int) []string {
	for len(s) < n {
		s = append(s, "")
	}
	return s
}
