package bus

import (
	"fmt"
	"strings"
	"sync"

	"github.com/creachadair/mds/value"
	"github.com/dasbus-project/dasbus"
)

// matchRule is a filter that matches DBus signals, in the form the
// bus's AddMatch and RemoveMatch methods understand.
type matchRule struct {
	sender value.Maybe[string]
	object value.Maybe[dasbus.ObjectPath]
	iface  value.Maybe[string]
	member value.Maybe[string]
	arg0   value.Maybe[string]

	// owner is the unique name of the current owner of a well-known
	// sender, absent until the owner is first looked up. An empty
	// owner means the name has none.
	mu    sync.Mutex
	owner value.Maybe[string]
}

func maybe[T comparable](v T) value.Maybe[T] {
	var zero T
	if v == zero {
		return value.Absent[T]()
	}
	return value.Just(v)
}

func newMatchRule(m dasbus.SignalMatch) *matchRule {
	return &matchRule{
		sender: maybe(m.Sender),
		object: maybe(m.Path),
		iface:  maybe(m.Interface),
		member: maybe(m.Member),
	}
}

// filterString returns the match in the string format that DBus wants
// for the AddMatch and RemoveMatch methods.
func (m *matchRule) filterString() string {
	ms := []string{"type='signal'"}
	kv := func(k string, v string) {
		ms = append(ms, fmt.Sprintf("%s=%s", k, escapeMatchArg(v)))
	}

	if s, ok := m.sender.GetOK(); ok {
		kv("sender", s)
	}
	if o, ok := m.object.GetOK(); ok {
		kv("path", string(o))
	}
	if i, ok := m.iface.GetOK(); ok {
		kv("interface", i)
	}
	if mem, ok := m.member.GetOK(); ok {
		kv("member", mem)
	}
	if a, ok := m.arg0.GetOK(); ok {
		kv("arg0", a)
	}
	return strings.Join(ms, ",")
}

// matches reports whether the given signal matches the filter, using
// the same match logic that the bus uses on the match's
// filterString().
//
// This is necessary because a DBus connection receives a single
// stream of signals. When multiple subscriptions are active, the
// received signals are the union of all their filters, and so each
// one needs to do additional filtering on received signals.
func (m *matchRule) matches(msg *dasbus.Message) bool {
	if s, ok := m.sender.GetOK(); ok && !m.senderMatches(s, msg.Sender) {
		return false
	}
	if o, ok := m.object.GetOK(); ok && msg.Path != o {
		return false
	}
	if i, ok := m.iface.GetOK(); ok && msg.Interface != i {
		return false
	}
	if mem, ok := m.member.GetOK(); ok && msg.Member != mem {
		return false
	}
	if a, ok := m.arg0.GetOK(); ok {
		args, _ := dasbus.Unwrap(msg.Body).([]any)
		if len(args) == 0 {
			return false
		}
		if s, isStr := args[0].(string); !isStr || s != a {
			return false
		}
	}
	return true
}

// trackedSender returns the rule's sender, if it is a well-known name
// whose owner must be tracked to match signals.
func (m *matchRule) trackedSender() (string, bool) {
	s, ok := m.sender.GetOK()
	if !ok || strings.HasPrefix(s, ":") || s == busName {
		// Unique names are what signals carry, and the bus sends its
		// own signals under its well-known name.
		return "", false
	}
	return s, true
}

func (m *matchRule) senderMatches(want, got string) bool {
	if _, tracked := m.trackedSender(); !tracked {
		return got == want
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.owner.GetOK()
	return ok && owner != "" && owner == got
}

// setOwner records the current owner of the rule's sender. An initial
// lookup doesn't override an owner already reported by a change
// notification.
func (m *matchRule) setOwner(owner string, initial bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, known := m.owner.GetOK(); known && initial {
		return
	}
	m.owner = value.Just(owner)
}

func escapeMatchArg(s string) string {
	s = strings.ReplaceAll(s, "'", "'\\''")
	return "'" + s + "'"
}
