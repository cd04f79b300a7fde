package main

import (
	"testing"

	"github.com/dasbus-project/dasbus"
	"github.com/google/go-cmp/cmp"
)

func TestSplitMember(t *testing.T) {
	tests := []struct {
		in          string
		iface, name string
		wantErr     bool
	}{
		{"org.example.Hello.Hello", "org.example.Hello", "Hello", false},
		{"a.B", "a", "B", false},
		{"Hello", "", "", true},
		{".Hello", "", "", true},
		{"org.example.", "", "", true},
	}
	for _, tc := range tests {
		iface, name, err := splitMember(tc.in)
		if gotErr := err != nil; gotErr != tc.wantErr {
			t.Errorf("splitMember(%q) err=%v, want error %v", tc.in, err, tc.wantErr)
			continue
		}
		if iface != tc.iface || name != tc.name {
			t.Errorf("splitMember(%q) = (%q, %q), want (%q, %q)", tc.in, iface, name, tc.iface, tc.name)
		}
	}
}

func TestParseArgs(t *testing.T) {
	args := []dasbus.ArgumentDescription{
		dasbus.MustArg("s", "s"),
		dasbus.MustArg("i", "i"),
		dasbus.MustArg("u", "u"),
		dasbus.MustArg("b", "b"),
		dasbus.MustArg("d", "d"),
		dasbus.MustArg("o", "o"),
		dasbus.MustArg("v", "v"),
	}
	got, err := parseArgs(args, []string{"hi", "-3", "0x10", "true", "1.5", "/a/b", "boxed"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	want := []any{"hi", int64(-3), uint64(16), true, 1.5, "/a/b", "boxed"}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("parseArgs (-got+want):\n%s", diff)
	}

	bad := []struct {
		sig, val string
	}{
		{"i", "nope"},
		{"y", "300"},
		{"u", "-1"},
		{"o", "not/a/path"},
		{"as", "a,b"},
	}
	for _, tc := range bad {
		if _, err := parseArg(dasbus.MustParseSignature(tc.sig), tc.val); err == nil {
			t.Errorf("parseArg(%q, %q) succeeded, want error", tc.sig, tc.val)
		}
	}

	if _, err := parseArgs(args[:1], nil); err == nil {
		t.Error("parseArgs with missing arguments succeeded")
	}
}

func TestChildPath(t *testing.T) {
	if got := childPath("/", "org"); got != "/org" {
		t.Errorf(`childPath("/", "org") = %q, want "/org"`, got)
	}
	if got := childPath("/org", "example/Hello"); got != "/org/example/Hello" {
		t.Errorf(`childPath("/org", "example/Hello") = %q, want "/org/example/Hello"`, got)
	}
}
