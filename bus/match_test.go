package bus

import (
	"testing"

	"github.com/dasbus-project/dasbus"
)

func TestMatchFilterString(t *testing.T) {
	tests := []struct {
		in   dasbus.SignalMatch
		arg0 string
		want string
	}{
		{dasbus.SignalMatch{}, "", "type='signal'"},
		{
			dasbus.SignalMatch{Sender: ":1.2", Path: "/a/b", Interface: "org.test", Member: "Changed"},
			"",
			"type='signal',sender=':1.2',path='/a/b',interface='org.test',member='Changed'",
		},
		{
			dasbus.SignalMatch{Interface: "org.freedesktop.DBus", Member: "NameOwnerChanged"},
			"it's",
			`type='signal',interface='org.freedesktop.DBus',member='NameOwnerChanged',arg0='it'\''s'`,
		},
	}

	for _, tc := range tests {
		m := newMatchRule(tc.in)
		m.arg0 = maybe(tc.arg0)
		if got := m.filterString(); got != tc.want {
			t.Errorf("filterString(%+v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMatchMatches(t *testing.T) {
	msg := &dasbus.Message{
		Sender:    ":1.5",
		Path:      "/org/test",
		Interface: "org.test.Iface",
		Member:    "Ping",
		Body:      dasbus.MustVariant("(ss)", []any{"first", "second"}),
	}
	tests := []struct {
		m    dasbus.SignalMatch
		arg0 string
		want bool
	}{
		{dasbus.SignalMatch{}, "", true},
		{dasbus.SignalMatch{Sender: ":1.5"}, "", true},
		{dasbus.SignalMatch{Sender: ":1.6"}, "", false},
		{dasbus.SignalMatch{Sender: "org.test.Service"}, "", false},
		{dasbus.SignalMatch{Path: "/org/test"}, "", true},
		{dasbus.SignalMatch{Path: "/org"}, "", false},
		{dasbus.SignalMatch{Interface: "org.test.Iface", Member: "Ping"}, "", true},
		{dasbus.SignalMatch{Interface: "org.test.Iface", Member: "Pong"}, "", false},
		{dasbus.SignalMatch{}, "first", true},
		{dasbus.SignalMatch{}, "second", false},
	}
	for _, tc := range tests {
		m := newMatchRule(tc.m)
		m.arg0 = maybe(tc.arg0)
		if got := m.matches(msg); got != tc.want {
			t.Errorf("match %+v arg0=%q matches = %v, want %v", tc.m, tc.arg0, got, tc.want)
		}
	}
}

func TestMatchTrackedSender(t *testing.T) {
	tests := []struct {
		sender string
		want   bool
	}{
		{"", false},
		{":1.5", false},
		{"org.freedesktop.DBus", false},
		{"org.test.Service", true},
	}
	for _, tc := range tests {
		m := newMatchRule(dasbus.SignalMatch{Sender: tc.sender})
		if _, got := m.trackedSender(); got != tc.want {
			t.Errorf("trackedSender(%q) = %v, want %v", tc.sender, got, tc.want)
		}
	}
}

func TestMatchSenderOwner(t *testing.T) {
	signal := func(sender string) *dasbus.Message {
		return &dasbus.Message{Sender: sender, Interface: "org.test.Iface", Member: "Ping"}
	}
	m := newMatchRule(dasbus.SignalMatch{Sender: "org.test.Service"})

	// Until the owner is known, nothing matches.
	if m.matches(signal(":1.5")) {
		t.Error("signal matched before owner lookup")
	}

	m.setOwner(":1.5", true)
	if !m.matches(signal(":1.5")) {
		t.Error("signal from owner didn't match")
	}
	if m.matches(signal(":1.6")) {
		t.Error("signal from non-owner matched")
	}

	// A change notification replaces the owner.
	m.setOwner(":1.6", false)
	if m.matches(signal(":1.5")) {
		t.Error("signal from previous owner matched")
	}
	if !m.matches(signal(":1.6")) {
		t.Error("signal from new owner didn't match")
	}

	// A late initial lookup doesn't override the notification.
	m.setOwner(":1.5", true)
	if !m.matches(signal(":1.6")) {
		t.Error("initial lookup overrode owner change")
	}

	// The name lost its owner.
	m.setOwner("", false)
	if m.matches(signal("")) || m.matches(signal(":1.6")) {
		t.Error("signal matched while name has no owner")
	}
}
