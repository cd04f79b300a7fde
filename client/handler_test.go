package client

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/dasbus-project/dasbus"
)

func TestStripErrorPrefix(t *testing.T) {
	tests := []struct {
		name, message, want string
	}{
		{"org.test.Error", "plain message", "plain message"},
		{"org.test.Error", "GDBus.Error:org.test.Error: inner", "inner"},
		{"org.test.Error", "GDBus.Error:org.test.Other: inner", "GDBus.Error:org.test.Other: inner"},
		{"org.test.Error", "GDBus.Error:org.test.Error:no space", "GDBus.Error:org.test.Error:no space"},
		{"org.test.Error", "prefix GDBus.Error:org.test.Error: inner", "prefix GDBus.Error:org.test.Error: inner"},
	}
	for _, tc := range tests {
		if got := stripErrorPrefix(tc.name, tc.message); got != tc.want {
			t.Errorf("stripErrorPrefix(%q, %q) = %q, want %q", tc.name, tc.message, got, tc.want)
		}
	}
}

type Custom struct{ dasbus.CallError }

func TestMapError(t *testing.T) {
	mapper := dasbus.NewErrorMapper()
	mapper.AddRule(dasbus.NewErrorRule[*Custom]("org.test.Custom"))
	h := NewObjectHandler(nil, "org.test", "/", WithErrorMapper(mapper))

	err := h.mapError(dasbus.CallError{Name: "org.test.Custom", Message: "GDBus.Error:org.test.Custom: boom"})
	var c *Custom
	if !errors.As(err, &c) {
		t.Fatalf("mapped error is %T, want *Custom", err)
	}
	if c.Name != "org.test.Custom" || c.Message != "boom" {
		t.Errorf("mapped error = %#v, want name org.test.Custom, message boom", c.CallError)
	}

	err = h.mapError(dasbus.CallError{Name: "org.test.Unknown", Message: "m"})
	var ce dasbus.CallError
	if !errors.As(err, &ce) || ce.Name != "org.test.Unknown" {
		t.Errorf("unregistered name mapped to %v, want CallError", err)
	}

	for _, local := range []error{context.DeadlineExceeded, net.ErrClosed} {
		if got := h.mapError(local); got != local {
			t.Errorf("mapError(%v) = %v, want unchanged", local, got)
		}
	}
}

func TestUnpackResult(t *testing.T) {
	if got := unpackResult(dasbus.Variant{}); got != nil {
		t.Errorf("unpackResult(zero) = %v, want nil", got)
	}
	if got := unpackResult(dasbus.MustVariant("(s)", []any{"one"})); got != "one" {
		t.Errorf("unpackResult((s)) = %v, want \"one\"", got)
	}
	got, ok := unpackResult(dasbus.MustVariant("(si)", []any{"one", 2})).([]any)
	if !ok || len(got) != 2 || got[0] != "one" || got[1] != int32(2) {
		t.Errorf("unpackResult((si)) = %v, want [one 2]", got)
	}
}
