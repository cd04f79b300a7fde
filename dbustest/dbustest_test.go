package dbustest_test

import (
	"context"
	"testing"
	"time"

	"github.com/dasbus-project/dasbus"
	"github.com/dasbus-project/dasbus/dbustest"
)

func ping(ctx context.Context, b dasbus.Bus, dest string) error {
	_, err := b.Call(ctx, &dasbus.Message{
		Destination: dest,
		Path:        "/org/freedesktop/DBus",
		Interface:   dasbus.PeerInterface,
		Member:      "Ping",
	})
	return err
}

func TestBus(t *testing.T) {
	b := dbustest.New(t, testing.Verbose())
	conn := b.MustConn(t)
	if err := ping(context.Background(), conn, "org.freedesktop.DBus"); err != nil {
		t.Fatalf("failed to ping test bus: %v", err)
	}
}

func TestNetworkPing(t *testing.T) {
	ctx := context.Background()
	n := dbustest.NewNetwork()
	a, b := n.Conn(), n.Conn()
	defer a.Close()
	defer b.Close()

	if a.LocalName() == b.LocalName() {
		t.Fatalf("connections share name %q", a.LocalName())
	}
	if err := ping(ctx, a, b.LocalName()); err != nil {
		t.Errorf("ping by unique name: %v", err)
	}
	if err := ping(ctx, a, "org.test.B"); err == nil {
		t.Error("ping of unowned name succeeded")
	}
	ok, err := b.RequestName(ctx, "org.test.B")
	if err != nil || !ok {
		t.Fatalf("RequestName = %v, %v, want true", ok, err)
	}
	if err := ping(ctx, a, "org.test.B"); err != nil {
		t.Errorf("ping by well-known name: %v", err)
	}
	if ok, _ := a.RequestName(ctx, "org.test.B"); ok {
		t.Error("second connection became owner of owned name")
	}
	if err := b.ReleaseName(ctx, "org.test.B"); err != nil {
		t.Errorf("ReleaseName: %v", err)
	}
	if got := n.Owner("org.test.B"); got != "" {
		t.Errorf("released name still owned by %q", got)
	}
}

func TestNetworkSignals(t *testing.T) {
	ctx := context.Background()
	n := dbustest.NewNetwork()
	src, dst := n.Conn(), n.Conn()
	defer src.Close()
	defer dst.Close()

	got := make(chan *dasbus.Message, 10)
	cancel, err := dst.Subscribe(ctx, dasbus.SignalMatch{Interface: "org.test", Member: "Sig"}, func(m *dasbus.Message) {
		got <- m
	})
	if err != nil {
		t.Fatal(err)
	}

	emit := func(member string) {
		t.Helper()
		err := src.Emit(ctx, &dasbus.Message{
			Path:      "/",
			Interface: "org.test",
			Member:    member,
			Body:      dasbus.MustVariant("(s)", []any{member}),
		})
		if err != nil {
			t.Fatalf("Emit(%s): %v", member, err)
		}
	}
	emit("Other")
	emit("Sig")
	m := <-got
	if m.Member != "Sig" || m.Sender != src.LocalName() {
		t.Errorf("received %v from %q, want Sig from %q", m, m.Sender, src.LocalName())
	}

	cancel()
	cancel()
	emit("Sig")
	// Signals are queued synchronously by Emit.
	select {
	case m := <-got:
		t.Errorf("received %v after cancel", m)
	default:
	}
}

func TestNetworkWatchNameOwner(t *testing.T) {
	ctx := context.Background()
	n := dbustest.NewNetwork()
	watcher, a, b := n.Conn(), n.Conn(), n.Conn()
	defer watcher.Close()
	defer b.Close()

	got := make(chan string, 10)
	cancel, err := watcher.WatchNameOwner(ctx, "org.test.Name", func(owner string) { got <- owner })
	if err != nil {
		t.Fatal(err)
	}
	next := func() string {
		t.Helper()
		select {
		case o := <-got:
			return o
		case <-time.After(5 * time.Second):
			t.Fatal("no owner notification")
			return ""
		}
	}

	if o := next(); o != "" {
		t.Errorf("initial owner %q, want none", o)
	}
	if _, err := a.RequestName(ctx, "org.test.Name"); err != nil {
		t.Fatal(err)
	}
	if o := next(); o != a.LocalName() {
		t.Errorf("owner %q after RequestName, want %q", o, a.LocalName())
	}
	a.Close()
	if o := next(); o != "" {
		t.Errorf("owner %q after owner closed, want none", o)
	}
	if _, err := b.RequestName(ctx, "org.test.Name"); err != nil {
		t.Fatal(err)
	}
	if o := next(); o != b.LocalName() {
		t.Errorf("owner %q after second RequestName, want %q", o, b.LocalName())
	}

	cancel()
	if err := b.ReleaseName(ctx, "org.test.Name"); err != nil {
		t.Fatal(err)
	}
	// Notifications are queued synchronously.
	watcher.Close()
	select {
	case o := <-got:
		t.Errorf("notified of owner %q after cancel", o)
	default:
	}
}
