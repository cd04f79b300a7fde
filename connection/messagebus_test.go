package connection_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/dasbus-project/dasbus"
	"github.com/dasbus-project/dasbus/client"
	"github.com/dasbus-project/dasbus/connection"
	"github.com/dasbus-project/dasbus/dbustest"
	"github.com/dasbus-project/dasbus/server"
	"github.com/google/go-cmp/cmp"
)

const (
	helloService = "org.example.HelloWorld"
	helloPath    = dasbus.ObjectPath("/org/example/HelloWorld")
	helloIface   = "org.example.HelloWorld"
)

type NotFound struct{ dasbus.CallError }

type helloServer struct {
	mu      sync.Mutex
	greeted []string
	callers []string
	changed dasbus.Signal
}

func (s *helloServer) object(t *testing.T) *server.Object {
	t.Helper()
	iface := server.NewInterface(helloIface).
		Method("Hello", server.Method{
			In:  []dasbus.ArgumentDescription{dasbus.MustArg("name", "s")},
			Out: []dasbus.ArgumentDescription{dasbus.MustArg("greeting", "s")},
			Func: func(ctx context.Context, args []any) (any, error) {
				name := args[0].(string)
				s.mu.Lock()
				defer s.mu.Unlock()
				s.greeted = append(s.greeted, name)
				return fmt.Sprintf("Hello, %s!", name), nil
			},
		}).
		Method("Whoami", server.Method{
			Out:          []dasbus.ArgumentDescription{dasbus.MustArg("sender", "s")},
			WithCallInfo: true,
			Func: func(ctx context.Context, args []any) (any, error) {
				info, ok := server.CallInfoFrom(ctx)
				if !ok {
					return nil, errors.New("no call info")
				}
				return info.Sender, nil
			},
		}).
		Method("NoInfo", server.Method{
			Func: func(ctx context.Context, args []any) (any, error) {
				if _, ok := server.CallInfoFrom(ctx); ok {
					return nil, errors.New("unexpected call info")
				}
				return nil, nil
			},
		}).
		Method("Split", server.Method{
			In:  []dasbus.ArgumentDescription{dasbus.MustArg("s", "s")},
			Out: []dasbus.ArgumentDescription{dasbus.MustArg("head", "s"), dasbus.MustArg("len", "u")},
			Func: func(ctx context.Context, args []any) (any, error) {
				s := args[0].(string)
				return []any{s[:1], len(s)}, nil
			},
		}).
		Method("Find", server.Method{
			In: []dasbus.ArgumentDescription{dasbus.MustArg("what", "s")},
			Func: func(ctx context.Context, args []any) (any, error) {
				return nil, &NotFound{dasbus.CallError{Name: "org.example.NotFound", Message: fmt.Sprintf("no %s here", args[0])}}
			},
		}).
		Method("Broken", server.Method{
			Func: func(ctx context.Context, args []any) (any, error) {
				return nil, errors.New("internal detail")
			},
		}).
		Property("Greeting", server.Property{
			Type: "s",
			Get:  func(context.Context) (any, error) { return "Hello", nil },
		}).
		Property("Secret", server.Property{
			Type: "s",
			Set:  func(context.Context, any) error { return nil },
		}).
		Signal("Greeted", &s.changed, dasbus.MustArg("name", "s"), dasbus.MustArg("count", "i"))
	obj, err := server.NewObject([]*server.Interface{iface})
	if err != nil {
		t.Fatalf("NewObject: %v", err)
	}
	return obj
}

func setup(t *testing.T) (srv *helloServer, cli *connection.MessageBus, mapper *dasbus.ErrorMapper) {
	t.Helper()
	network := dbustest.NewNetwork()

	srv = &helloServer{}
	srvBus := connection.New(network.Conn())
	t.Cleanup(func() { srvBus.Disconnect() })
	if err := srvBus.PublishObject(helloPath, srv.object(t)); err != nil {
		t.Fatalf("PublishObject: %v", err)
	}
	if err := srvBus.RegisterService(context.Background(), helloService); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}

	mapper = dasbus.NewErrorMapper()
	cli = connection.New(network.Conn(), connection.WithErrorMapper(mapper))
	t.Cleanup(func() { cli.Disconnect() })
	return srv, cli, mapper
}

func TestHelloSync(t *testing.T) {
	ctx := context.Background()
	_, cli, _ := setup(t)

	got, err := cli.InterfaceProxy(helloService, helloPath, helloIface).Call(ctx, "Hello", "World")
	if err != nil {
		t.Fatalf("Hello(World): %v", err)
	}
	if got != "Hello, World!" {
		t.Errorf("Hello(World) = %q, want %q", got, "Hello, World!")
	}
}

func TestHelloAsync(t *testing.T) {
	ctx := context.Background()
	_, cli, _ := setup(t)
	proxy := cli.Proxy(helloService, helloPath)
	m, err := proxy.Method(ctx, helloIface, "Hello")
	if err != nil {
		t.Fatalf("Method(Hello): %v", err)
	}

	type result struct {
		tag, greeting string
	}
	results := make(chan result, 2)
	cb := func(res func() (any, error), cbArgs ...any) {
		v, err := res()
		if err != nil {
			t.Errorf("async Hello failed: %v", err)
			return
		}
		results <- result{cbArgs[0].(string), v.(string)}
	}
	if err := m.CallAsync(ctx, []any{"Foo"}, cb, "foo"); err != nil {
		t.Fatalf("CallAsync(Foo): %v", err)
	}
	if err := m.CallAsync(ctx, []any{"Bar"}, cb, "bar"); err != nil {
		t.Fatalf("CallAsync(Bar): %v", err)
	}

	var got []result
	timeout := time.After(10 * time.Second)
	for len(got) < 2 {
		select {
		case r := <-results:
			got = append(got, r)
		case <-timeout:
			t.Fatalf("timed out waiting for async results, got %v", got)
		}
	}
	sort.Slice(got, func(i, j int) bool { return got[i].tag < got[j].tag })
	want := []result{
		{"bar", "Hello, Bar!"},
		{"foo", "Hello, Foo!"},
	}
	if diff := cmp.Diff(got, want, cmp.AllowUnexported(result{})); diff != "" {
		t.Errorf("async results (-got+want):\n%s", diff)
	}
}

func TestAsyncErrorIsDeferred(t *testing.T) {
	ctx := context.Background()
	_, cli, _ := setup(t)
	m, err := cli.Proxy(helloService, helloPath).Method(ctx, helloIface, "Broken")
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	err = m.CallAsync(ctx, nil, func(res func() (any, error), _ ...any) {
		_, err := res()
		done <- err
	})
	if err != nil {
		t.Fatalf("CallAsync returned error %v, want deferred error", err)
	}
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("result getter returned no error")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for callback")
	}
}

func TestResults(t *testing.T) {
	ctx := context.Background()
	_, cli, _ := setup(t)
	proxy := cli.InterfaceProxy(helloService, helloPath, helloIface)

	got, err := proxy.Call(ctx, "Split", "hello")
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if diff := cmp.Diff(got, []any{"h", uint32(5)}); diff != "" {
		t.Errorf("Split result (-got+want):\n%s", diff)
	}

	got, err = proxy.Call(ctx, "NoInfo")
	if err != nil {
		t.Fatalf("NoInfo: %v", err)
	}
	if got != nil {
		t.Errorf("NoInfo returned %v, want nil", got)
	}

	got, err = proxy.Call(ctx, "Whoami")
	if err != nil {
		t.Fatalf("Whoami: %v", err)
	}
	if want := cli.Bus().LocalName(); got != want {
		t.Errorf("Whoami = %v, want %q", got, want)
	}

	if _, err := proxy.Call(ctx, "Hello", 42); err == nil {
		t.Error("Hello with wrongly typed argument succeeded")
	}
	if _, err := proxy.Call(ctx, "NoInfo", "extra"); err == nil {
		t.Error("NoInfo with an argument succeeded")
	}
	if _, err := proxy.Call(ctx, "Missing"); err == nil {
		t.Error("call of unknown method succeeded")
	}
}

func TestErrors(t *testing.T) {
	ctx := context.Background()
	_, cli, mapper := setup(t)
	proxy := cli.InterfaceProxy(helloService, helloPath, helloIface)

	_, err := proxy.Call(ctx, "Find", "treasure")
	var ce dasbus.CallError
	if !errors.As(err, &ce) {
		t.Fatalf("Find error is %T (%v), want CallError", err, err)
	}
	if ce.Name != "org.example.NotFound" || ce.Message != "no treasure here" {
		t.Errorf("Find error = %#v, want org.example.NotFound with message", ce)
	}

	mapper.AddRule(dasbus.NewErrorRule[*NotFound]("org.example.NotFound"))
	_, err = proxy.Call(ctx, "Find", "treasure")
	var nf *NotFound
	if !errors.As(err, &nf) {
		t.Fatalf("Find error is %T (%v), want *NotFound", err, err)
	}
	if nf.Message != "no treasure here" {
		t.Errorf("NotFound message = %q, want %q", nf.Message, "no treasure here")
	}

	_, err = proxy.Call(ctx, "Broken")
	if !errors.As(err, &ce) {
		t.Fatalf("Broken error is %T (%v), want CallError", err, err)
	}
	if want := dasbus.DefaultErrorNamespace + ".Error"; ce.Name != want {
		t.Errorf("Broken error name = %q, want %q", ce.Name, want)
	}

	mapper.Clear()
	_, err = proxy.Call(ctx, "Broken")
	var le dasbus.LookupError
	if !errors.As(err, &le) {
		t.Errorf("Broken error with empty mapper is %T (%v), want LookupError", err, err)
	}
	if !errors.As(err, &ce) {
		t.Errorf("Broken error with empty mapper does not carry the CallError: %v", err)
	}
}

func TestTimeout(t *testing.T) {
	network := dbustest.NewNetwork()
	block := make(chan struct{})
	defer close(block)
	iface := server.NewInterface(helloIface).Method("Slow", server.Method{
		Func: func(ctx context.Context, args []any) (any, error) {
			<-block
			return nil, nil
		},
	})
	obj, err := server.NewObject([]*server.Interface{iface})
	if err != nil {
		t.Fatal(err)
	}
	srv := connection.New(network.Conn())
	defer srv.Disconnect()
	if err := srv.PublishObject(helloPath, obj); err != nil {
		t.Fatal(err)
	}
	if err := srv.RegisterService(context.Background(), helloService); err != nil {
		t.Fatal(err)
	}

	cli := connection.New(network.Conn())
	defer cli.Disconnect()
	proxy := cli.InterfaceProxy(helloService, helloPath, helloIface, client.WithTimeout(50*time.Millisecond))
	_, err = proxy.Call(context.Background(), "Slow")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Slow call error = %v, want context.DeadlineExceeded", err)
	}
	var ce dasbus.CallError
	if errors.As(err, &ce) {
		t.Errorf("timeout was reported as a remote error: %v", err)
	}
}

func TestProperties(t *testing.T) {
	ctx := context.Background()
	_, cli, _ := setup(t)
	proxy := cli.InterfaceProxy(helloService, helloPath, helloIface)

	got, err := proxy.Get(ctx, "Greeting")
	if err != nil {
		t.Fatalf("Get(Greeting): %v", err)
	}
	if got != "Hello" {
		t.Errorf("Get(Greeting) = %v, want %q", got, "Hello")
	}

	err = proxy.Set(ctx, "Greeting", "Bye")
	if err == nil || err.Error() != "Can't set DBus property." {
		t.Errorf("Set(Greeting) = %v, want \"Can't set DBus property.\"", err)
	}
	_, err = proxy.Get(ctx, "Secret")
	if err == nil || err.Error() != "Can't read DBus property." {
		t.Errorf("Get(Secret) = %v, want \"Can't read DBus property.\"", err)
	}
	if err := proxy.Set(ctx, "Secret", "s3cret"); err != nil {
		t.Errorf("Set(Secret): %v", err)
	}

	all, err := proxy.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if diff := cmp.Diff(all, map[string]any{"Greeting": "Hello"}); diff != "" {
		t.Errorf("GetAll (-got+want):\n%s", diff)
	}
}

func TestSignals(t *testing.T) {
	ctx := context.Background()
	srv, cli, _ := setup(t)
	proxy := cli.Proxy(helloService, helloPath)
	sig, err := proxy.Signal(ctx, helloIface, "Greeted")
	if err != nil {
		t.Fatalf("Signal(Greeted): %v", err)
	}

	got := make(chan []any, 10)
	sig.Connect(func(args ...any) { got <- args })

	srv.changed.Emit("World", 3)
	select {
	case args := <-got:
		if diff := cmp.Diff(args, []any{"World", int32(3)}); diff != "" {
			t.Errorf("signal args (-got+want):\n%s", diff)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for signal")
	}

	proxy.Disconnect()
	if n := sig.Len(); n != 0 {
		t.Errorf("signal has %d callbacks after Disconnect, want 0", n)
	}
	srv.changed.Emit("Again", 4)
	// Use a round trip to the server to flush any stray signal.
	if _, err := cli.InterfaceProxy(helloService, helloPath, helloIface).Call(ctx, "Hello", "flush"); err != nil {
		t.Fatal(err)
	}
	select {
	case args := <-got:
		t.Errorf("received signal %v after Disconnect", args)
	default:
	}
}

func TestSpecificationMemoized(t *testing.T) {
	ctx := context.Background()
	_, cli, _ := setup(t)
	proxy := cli.Proxy(helloService, helloPath)

	spec1, err := proxy.Specification(ctx)
	if err != nil {
		t.Fatalf("Specification: %v", err)
	}
	spec2, err := proxy.Specification(ctx)
	if err != nil {
		t.Fatalf("Specification: %v", err)
	}
	if spec1 != spec2 {
		t.Error("Specification fetched twice")
	}

	m, err := spec1.Method(helloIface, "Hello")
	if err != nil {
		t.Fatalf("introspected specification lacks Hello: %v", err)
	}
	if got := m.OutSignature().String(); got != "(s)" {
		t.Errorf("Hello out signature = %q, want \"(s)\"", got)
	}

	missing := cli.Proxy("org.example.Missing", helloPath)
	if _, err := missing.Specification(ctx); err == nil {
		t.Error("Specification of missing service succeeded")
	}
	if _, err := missing.CreateMember(ctx, helloIface, "Hello"); err == nil {
		t.Error("CreateMember on missing service succeeded")
	}
	if _, err := proxy.CreateMember(ctx, helloIface, "Nope"); err == nil {
		t.Error("CreateMember of unknown member succeeded")
	}
	if _, err := proxy.Property(ctx, helloIface, "Hello"); err == nil {
		t.Error("Property() of a method succeeded")
	}
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	network := dbustest.NewNetwork()
	srv := &helloServer{}
	conn := network.Conn()
	mb := connection.New(conn)

	if err := mb.PublishObject(helloPath, srv.object(t)); err != nil {
		t.Fatal(err)
	}
	if err := mb.PublishObject(helloPath, srv.object(t)); err == nil {
		t.Error("second PublishObject at the same path succeeded")
	}
	if err := mb.RegisterService(ctx, helloService); err != nil {
		t.Fatal(err)
	}
	other := connection.New(network.Conn())
	defer other.Disconnect()
	if err := other.RegisterService(ctx, helloService); !errors.Is(err, connection.ErrNotPrimaryOwner) {
		t.Errorf("RegisterService of owned name = %v, want ErrNotPrimaryOwner", err)
	}

	if !conn.Exported(helloPath, helloIface) {
		t.Error("object not exported after PublishObject")
	}
	if err := mb.UnpublishObject(helloPath); err != nil {
		t.Fatal(err)
	}
	if conn.Exported(helloPath, helloIface) || conn.Exported(helloPath, dasbus.PropertiesInterface) {
		t.Error("object still exported after UnpublishObject")
	}
	if err := mb.UnpublishObject(helloPath); err == nil {
		t.Error("second UnpublishObject succeeded")
	}

	if err := mb.PublishObject(helloPath, srv.object(t)); err != nil {
		t.Fatal(err)
	}
	if err := mb.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if owner := network.Owner(helloService); owner != "" {
		t.Errorf("name still owned by %q after Disconnect", owner)
	}
	if err := mb.Disconnect(); err != nil {
		t.Errorf("second Disconnect: %v", err)
	}
}

type task struct {
	name string
}

func (tk *task) ForPublication() (*server.Object, error) {
	iface := server.NewInterface("org.test.Task").
		Property("Name", server.Property{
			Type: "s",
			Get:  func(context.Context) (any, error) { return tk.name, nil },
		})
	return server.NewObject([]*server.Interface{iface})
}

func TestContainer(t *testing.T) {
	ctx := context.Background()
	network := dbustest.NewNetwork()
	srv := connection.New(network.Conn())
	defer srv.Disconnect()
	if err := srv.RegisterService(ctx, "org.test.Tasks"); err != nil {
		t.Fatal(err)
	}
	cli := connection.New(network.Conn())
	defer cli.Disconnect()

	tasks := server.NewContainer[*task](srv, []string{"org", "test"}, "Task")
	paths, err := tasks.ToObjectPathList([]*task{{"build"}, {"test"}})
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []string{"build", "test"} {
		got, err := cli.InterfaceProxy("org.test.Tasks", paths[i], "org.test.Task").Get(ctx, "Name")
		if err != nil {
			t.Fatalf("reading task at %s: %v", paths[i], err)
		}
		if got != want {
			t.Errorf("task at %s is %q, want %q", paths[i], got, want)
		}
	}
}
