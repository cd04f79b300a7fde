package idle_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dasbus-project/dasbus"
	"github.com/dasbus-project/dasbus/connection"
	"github.com/dasbus-project/dasbus/dbustest"
	"github.com/dasbus-project/dasbus/freedesktop/idle"
	"github.com/dasbus-project/dasbus/server"
)

type screenSaver struct {
	mu        sync.Mutex
	inhibited map[uint32]string
	active    dasbus.Signal
}

func (s *screenSaver) object(t *testing.T) *server.Object {
	t.Helper()
	arg := dasbus.MustArg
	iface := server.NewInterface(idle.InterfaceName).
		Method("GetActive", server.Method{
			Out:  []dasbus.ArgumentDescription{arg("active", "b")},
			Func: func(context.Context, []any) (any, error) { return true, nil },
		}).
		Method("GetActiveTime", server.Method{
			Out:  []dasbus.ArgumentDescription{arg("seconds", "u")},
			Func: func(context.Context, []any) (any, error) { return uint32(90), nil },
		}).
		Method("GetSessionIdleTime", server.Method{
			Out:  []dasbus.ArgumentDescription{arg("seconds", "u")},
			Func: func(context.Context, []any) (any, error) { return uint32(120), nil },
		}).
		Method("Inhibit", server.Method{
			In:  []dasbus.ArgumentDescription{arg("application_name", "s"), arg("reason_for_inhibit", "s")},
			Out: []dasbus.ArgumentDescription{arg("cookie", "u")},
			Func: func(ctx context.Context, args []any) (any, error) {
				s.mu.Lock()
				defer s.mu.Unlock()
				cookie := uint32(len(s.inhibited) + 1)
				s.inhibited[cookie] = args[1].(string)
				return cookie, nil
			},
		}).
		Method("UnInhibit", server.Method{
			In: []dasbus.ArgumentDescription{arg("cookie", "u")},
			Func: func(ctx context.Context, args []any) (any, error) {
				s.mu.Lock()
				defer s.mu.Unlock()
				delete(s.inhibited, args[0].(uint32))
				return nil, nil
			},
		}).
		Method("Lock", server.Method{
			Func: func(context.Context, []any) (any, error) {
				s.active.Emit(true)
				return nil, nil
			},
		}).
		Signal("ActiveChanged", &s.active, arg("new_value", "b"))
	obj, err := server.NewObject([]*server.Interface{iface})
	if err != nil {
		t.Fatalf("NewObject: %v", err)
	}
	return obj
}

func setup(t *testing.T) (*screenSaver, idle.Idle) {
	t.Helper()
	network := dbustest.NewNetwork()
	srv := &screenSaver{inhibited: map[uint32]string{}}
	srvBus := connection.New(network.Conn())
	t.Cleanup(func() { srvBus.Disconnect() })
	if err := srvBus.PublishObject(idle.Path, srv.object(t)); err != nil {
		t.Fatalf("PublishObject: %v", err)
	}
	if err := srvBus.RegisterService(context.Background(), idle.Service); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}
	cli := network.Conn()
	t.Cleanup(func() { cli.Close() })
	return srv, idle.New(cli)
}

func TestQueries(t *testing.T) {
	ctx := context.Background()
	_, cli := setup(t)

	locked, err := cli.Locked(ctx)
	if err != nil {
		t.Fatalf("Locked: %v", err)
	}
	if !locked {
		t.Error("Locked = false, want true")
	}
	lt, err := cli.LockedTime(ctx)
	if err != nil {
		t.Fatalf("LockedTime: %v", err)
	}
	if lt != 90*time.Second {
		t.Errorf("LockedTime = %v, want 90s", lt)
	}
	it, err := cli.IdleTime(ctx)
	if err != nil {
		t.Fatalf("IdleTime: %v", err)
	}
	if it != 2*time.Minute {
		t.Errorf("IdleTime = %v, want 2m", it)
	}
}

func TestInhibit(t *testing.T) {
	ctx := context.Background()
	srv, cli := setup(t)

	cancel, err := cli.Inhibit(ctx, "test", "watching a movie")
	if err != nil {
		t.Fatalf("Inhibit: %v", err)
	}
	srv.mu.Lock()
	got := srv.inhibited[1]
	srv.mu.Unlock()
	if got != "watching a movie" {
		t.Errorf("server inhibition reason = %q, want %q", got, "watching a movie")
	}

	if err := cancel(ctx); err != nil {
		t.Fatalf("cancelling inhibition: %v", err)
	}
	srv.mu.Lock()
	n := len(srv.inhibited)
	srv.mu.Unlock()
	if n != 0 {
		t.Errorf("server has %d inhibitions after cancel, want 0", n)
	}
}

func TestLockSignal(t *testing.T) {
	ctx := context.Background()
	_, cli := setup(t)

	changes := make(chan idle.SessionStateChanged, 1)
	cancel, err := cli.OnSessionStateChanged(ctx, func(c idle.SessionStateChanged) {
		changes <- c
	})
	if err != nil {
		t.Fatalf("OnSessionStateChanged: %v", err)
	}
	defer cancel()

	if err := cli.Lock(ctx); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	select {
	case got := <-changes:
		if !got.Locked {
			t.Errorf("got %+v, want Locked", got)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for ActiveChanged")
	}
}
