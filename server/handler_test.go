package server_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/dasbus-project/dasbus"
	"github.com/dasbus-project/dasbus/dbustest"
	"github.com/dasbus-project/dasbus/server"
	"github.com/google/go-cmp/cmp"
	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

const (
	testPath  = dasbus.ObjectPath("/org/test/Thing")
	testIface = "org.test.Thing"
)

type NotFound struct{ dasbus.CallError }

// serve publishes a test object on a fresh network, and returns a
// second connection to call it with.
func serve(t *testing.T, opts ...server.Option) (srv, cli *dbustest.Conn, sent *dasbus.Signal) {
	t.Helper()
	sent = &dasbus.Signal{}
	iface := server.NewInterface(testIface).
		Method("Echo", server.Method{
			In:   []dasbus.ArgumentDescription{dasbus.MustArg("s", "s")},
			Out:  []dasbus.ArgumentDescription{dasbus.MustArg("s", "s")},
			Func: func(_ context.Context, args []any) (any, error) { return args[0], nil },
		}).
		Method("Lookup", server.Method{
			In: []dasbus.ArgumentDescription{dasbus.MustArg("key", "s")},
			Func: func(_ context.Context, args []any) (any, error) {
				return nil, fmt.Errorf("reading /var/lib/secret/%s: %w", args[0], &NotFound{dasbus.CallError{Message: "no such key"}})
			},
		}).
		Property("Name", server.Property{
			Type: "s",
			Get:  func(context.Context) (any, error) { return "thing", nil },
		}).
		Signal("Sent", sent, dasbus.MustArg("what", "v"))
	obj, err := server.NewObject([]*server.Interface{iface})
	if err != nil {
		t.Fatalf("NewObject: %v", err)
	}

	n := dbustest.NewNetwork()
	srv, cli = n.Conn(), n.Conn()
	t.Cleanup(func() {
		cli.Close()
		srv.Close()
	})
	h := server.NewObjectHandler(srv, testPath, obj, opts...)
	if err := h.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(h.Disconnect)
	return srv, cli, sent
}

func call(t *testing.T, cli, srv *dbustest.Conn, iface, member string, body dasbus.Variant) (*dasbus.Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return cli.Call(ctx, &dasbus.Message{
		Destination: srv.LocalName(),
		Path:        testPath,
		Interface:   iface,
		Member:      member,
		Body:        body,
	})
}

func TestCallErrors(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	srv, cli, _ := serve(t, server.WithLogger(logger))

	tests := []struct {
		name      string
		iface     string
		member    string
		body      dasbus.Variant
		wantError string
	}{
		{"unknown method", testIface, "Frob", dasbus.Variant{}, dasbus.ErrorUnknownMethod},
		{"property called as method", testIface, "Name", dasbus.Variant{}, dasbus.ErrorUnknownMethod},
		{"signal called as method", testIface, "Sent", dasbus.Variant{}, dasbus.ErrorUnknownMethod},
		{"unknown Properties method", dasbus.PropertiesInterface, "Frob", dasbus.Variant{}, dasbus.ErrorUnknownMethod},
		{"unknown property", dasbus.PropertiesInterface, "Get", dasbus.MustVariant("(ss)", []any{testIface, "Nope"}), dasbus.ErrorInvalidArgs},
		{"unknown interface", dasbus.PropertiesInterface, "GetAll", dasbus.MustVariant("(s)", []any{"org.test.Nope"}), dasbus.ErrorInvalidArgs},
		{"wrong arguments", testIface, "Echo", dasbus.MustVariant("(i)", []any{1}), dasbus.ErrorInvalidArgs},
		{
			"signature dict keys",
			testIface, "Echo",
			dasbus.MustVariant("(a{gs})", []any{[]dasbus.DictEntry{{Key: "(i)", Value: "x"}}}),
			dasbus.ErrorInvalidArgs,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := call(t, cli, srv, tc.iface, tc.member, tc.body)
			var ce dasbus.CallError
			if !errors.As(err, &ce) {
				t.Fatalf("call returned %v, want CallError", err)
			}
			if ce.Name != tc.wantError {
				t.Errorf("call failed with %q (%s), want %q", ce.Name, ce.Message, tc.wantError)
			}
			if testing.Verbose() {
				t.Logf("got expected error: %v", ce)
			}
		})
	}

	// The server still works.
	resp, err := call(t, cli, srv, testIface, "Echo", dasbus.MustVariant("(s)", []any{"hi"}))
	if err != nil {
		t.Fatalf("Echo after failures: %v", err)
	}
	if diff := cmp.Diff(dasbus.Unwrap(resp.Body), []any{"hi"}); diff != "" {
		t.Errorf("wrong Echo reply (-got+want):\n%s", diff)
	}
}

func TestFailedCallLogged(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	mapper := dasbus.NewErrorMapper()
	mapper.AddRule(dasbus.NewWrappedErrorRule[*NotFound]("org.test.NotFound"))
	srv, cli, _ := serve(t, server.WithLogger(logger), server.WithErrorMapper(mapper))

	_, err := call(t, cli, srv, testIface, "Lookup", dasbus.MustVariant("(s)", []any{"k"}))
	var ce dasbus.CallError
	if !errors.As(err, &ce) {
		t.Fatalf("Lookup returned %v, want CallError", err)
	}
	// Only the name and the error's own message go on the wire.
	want := dasbus.CallError{Name: "org.test.NotFound", Message: "no such key"}
	if ce != want {
		t.Errorf("Lookup failed with %#v, want %#v", ce, want)
	}
	if strings.Contains(ce.Message, "/var/lib") {
		t.Errorf("reply leaks the wrapping error: %q", ce.Message)
	}

	entries := hook.AllEntries()
	if len(entries) != 1 {
		t.Fatalf("got %d log entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Level != log.WarnLevel {
		t.Errorf("logged at %s, want warning", e.Level)
	}
	got := map[string]any{}
	for _, k := range []string{"interface", "member", "path", "sender", "error_name"} {
		got[k] = e.Data[k]
	}
	wantFields := map[string]any{
		"interface":  testIface,
		"member":     "Lookup",
		"path":       testPath,
		"sender":     cli.LocalName(),
		"error_name": "org.test.NotFound",
	}
	if diff := cmp.Diff(got, wantFields); diff != "" {
		t.Errorf("wrong log fields (-got+want):\n%s", diff)
	}
	logged, _ := e.Data[log.ErrorKey].(error)
	if logged == nil || !strings.Contains(logged.Error(), "/var/lib/secret/k") {
		t.Errorf("log entry has error %v, want the full wrapped error", e.Data[log.ErrorKey])
	}
}

func TestSignalRejectsHandles(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	srv, cli, sent := serve(t, server.WithLogger(logger))

	got := make(chan *dasbus.Message, 2)
	cancel, err := cli.Subscribe(context.Background(), dasbus.SignalMatch{Interface: testIface, Member: "Sent"}, func(m *dasbus.Message) {
		got <- m
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	sent.Emit(dasbus.MustVariant("h", 3))
	sent.Emit("fine")

	// Network delivers signals in order, so the first one received
	// shows whether the handle got through.
	select {
	case m := <-got:
		if diff := cmp.Diff(dasbus.UnpackDeep(m.Body), []any{"fine"}); diff != "" {
			t.Errorf("wrong first signal from %s (-got+want):\n%s", srv.LocalName(), diff)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("signal not delivered")
	}
	if e := hook.LastEntry(); e == nil || e.Level != log.WarnLevel {
		t.Errorf("rejected signal was not logged, last entry %v", e)
	}
}
