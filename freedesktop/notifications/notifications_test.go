package notifications_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dasbus-project/dasbus"
	"github.com/dasbus-project/dasbus/connection"
	"github.com/dasbus-project/dasbus/dbustest"
	"github.com/dasbus-project/dasbus/freedesktop/notifications"
	"github.com/dasbus-project/dasbus/server"
	"github.com/google/go-cmp/cmp"
)

type fakeServer struct {
	mu        sync.Mutex
	summaries []string
	closedIDs []uint32
	closed    dasbus.Signal
}

func (f *fakeServer) object(t *testing.T) *server.Object {
	t.Helper()
	arg := dasbus.MustArg
	iface := server.NewInterface(notifications.InterfaceName).
		Method("GetCapabilities", server.Method{
			Out: []dasbus.ArgumentDescription{arg("caps", "as")},
			Func: func(context.Context, []any) (any, error) {
				return []string{"actions", "body", "icon-multi", "x-new-thing"}, nil
			},
		}).
		Method("GetServerInformation", server.Method{
			Out: []dasbus.ArgumentDescription{arg("name", "s"), arg("vendor", "s"), arg("version", "s"), arg("spec_version", "s")},
			Func: func(context.Context, []any) (any, error) {
				return []any{"fake", "dasbus", "1.0", "1.2"}, nil
			},
		}).
		Method("Notify", server.Method{
			In: []dasbus.ArgumentDescription{
				arg("app_name", "s"),
				arg("replaces_id", "u"),
				arg("app_icon", "s"),
				arg("summary", "s"),
				arg("body", "s"),
				arg("actions", "as"),
				arg("hints", "a{sv}"),
				arg("expire_timeout", "i"),
			},
			Out: []dasbus.ArgumentDescription{arg("id", "u")},
			Func: func(ctx context.Context, args []any) (any, error) {
				f.mu.Lock()
				defer f.mu.Unlock()
				f.summaries = append(f.summaries, args[3].(string))
				return uint32(len(f.summaries)), nil
			},
		}).
		Method("CloseNotification", server.Method{
			In: []dasbus.ArgumentDescription{arg("id", "u")},
			Func: func(ctx context.Context, args []any) (any, error) {
				id := args[0].(uint32)
				f.mu.Lock()
				f.closedIDs = append(f.closedIDs, id)
				f.mu.Unlock()
				f.closed.Emit(id, uint32(notifications.ReasonClosed))
				return nil, nil
			},
		}).
		Property("Inhibited", server.Property{
			Type: "b",
			Get:  func(context.Context) (any, error) { return true, nil },
		}).
		Signal("NotificationClosed", &f.closed, arg("id", "u"), arg("reason", "u"))
	obj, err := server.NewObject([]*server.Interface{iface})
	if err != nil {
		t.Fatalf("NewObject: %v", err)
	}
	return obj
}

func setup(t *testing.T) (*fakeServer, notifications.Notifications) {
	t.Helper()
	network := dbustest.NewNetwork()

	srv := &fakeServer{}
	srvBus := connection.New(network.Conn())
	t.Cleanup(func() { srvBus.Disconnect() })
	if err := srvBus.PublishObject(notifications.Path, srv.object(t)); err != nil {
		t.Fatalf("PublishObject: %v", err)
	}
	if err := srvBus.RegisterService(context.Background(), notifications.Service); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}

	cliConn := network.Conn()
	t.Cleanup(func() { cliConn.Close() })
	cli := notifications.New(cliConn)
	t.Cleanup(cli.Disconnect)
	return srv, cli
}

func TestCapabilities(t *testing.T) {
	_, cli := setup(t)
	got, err := cli.Capabilities(context.Background())
	if err != nil {
		t.Fatalf("Capabilities: %v", err)
	}
	want := notifications.Capabilities{
		Actions:       true,
		Body:          true,
		Icon:          true,
		IconAnimation: true,
		Unknown:       []string{"x-new-thing"},
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("wrong capabilities (-got+want):\n%s", diff)
	}
}

func TestServerInformation(t *testing.T) {
	_, cli := setup(t)
	got, err := cli.ServerInformation(context.Background())
	if err != nil {
		t.Fatalf("ServerInformation: %v", err)
	}
	want := notifications.ServerInformation{
		Name:        "fake",
		Vendor:      "dasbus",
		Version:     "1.0",
		SpecVersion: "1.2",
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("wrong server information (-got+want):\n%s", diff)
	}
}

func TestNotifyAndClose(t *testing.T) {
	ctx := context.Background()
	srv, cli := setup(t)

	closed := make(chan notifications.NotificationClosed, 1)
	if err := cli.OnNotificationClosed(ctx, func(c notifications.NotificationClosed) {
		closed <- c
	}); err != nil {
		t.Fatalf("OnNotificationClosed: %v", err)
	}

	id, err := cli.Notify(ctx, notifications.Notification{
		AppName: "test",
		Summary: "Hello",
		Hints:   map[string]any{"urgency": byte(1)},
		Timeout: -1,
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if id != 1 {
		t.Errorf("Notify returned ID %d, want 1", id)
	}

	if err := cli.Close(ctx, id); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case got := <-closed:
		want := notifications.NotificationClosed{ID: 1, Reason: notifications.ReasonClosed}
		if got != want {
			t.Errorf("NotificationClosed = %+v, want %+v", got, want)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for NotificationClosed")
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if diff := cmp.Diff(srv.summaries, []string{"Hello"}); diff != "" {
		t.Errorf("server saw wrong notifications (-got+want):\n%s", diff)
	}
	if diff := cmp.Diff(srv.closedIDs, []uint32{1}); diff != "" {
		t.Errorf("server closed wrong notifications (-got+want):\n%s", diff)
	}
}

func TestInhibited(t *testing.T) {
	_, cli := setup(t)
	got, err := cli.Inhibited(context.Background())
	if err != nil {
		t.Fatalf("Inhibited: %v", err)
	}
	if !got {
		t.Error("Inhibited = false, want true")
	}
}

func TestUnknownMethod(t *testing.T) {
	_, cli := setup(t)
	// The fake doesn't implement the KDE inhibition extension.
	if _, err := cli.Inhibit(context.Background(), "test.desktop", "testing", nil); err == nil {
		t.Fatal("Inhibit succeeded on a server without it")
	}
}

func TestCloseReasonString(t *testing.T) {
	tests := []struct {
		r    notifications.CloseReason
		want string
	}{
		{notifications.ReasonExpired, "expired"},
		{notifications.ReasonDismissed, "dismissed"},
		{notifications.ReasonClosed, "closed"},
		{notifications.ReasonUndefined, "undefined"},
		{42, "CloseReason(42)"},
	}
	for _, tc := range tests {
		if got := tc.r.String(); got != tc.want {
			t.Errorf("CloseReason(%d).String() = %q, want %q", uint32(tc.r), got, tc.want)
		}
	}
}
