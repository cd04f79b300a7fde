// Package dbustest provides message buses for tests: a [Network] that
// lives in memory, and a [Bus] that runs a private dbus-daemon.
package dbustest

import (
	"bufio"
	"context"
	_ "embed"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dasbus-project/dasbus/bus"
	log "github.com/sirupsen/logrus"
)

//go:embed dbus.config
var dbusConfig string

const (
	daemonBin  = "dbus-daemon"
	monitorBin = "dbus-monitor"
)

// Available reports whether dbus-daemon and dbus-monitor are
// installed, which [New] needs.
func Available() bool {
	for _, bin := range []string{daemonBin, monitorBin} {
		if _, err := exec.LookPath(bin); err != nil {
			return false
		}
	}
	return true
}

// Bus is a dbus-daemon private to one test.
type Bus struct {
	addr string
}

// New starts a dbus-daemon for t, and stops it when t ends. It skips
// t if [Available] is false.
//
// If logMonitor is true, every message that crosses the bus is
// logged with t.Log.
func New(t *testing.T, logMonitor bool) *Bus {
	if !Available() {
		t.Skipf("%s and %s not installed", daemonBin, monitorBin)
	}
	dir := t.TempDir()
	cfg := filepath.Join(dir, "bus.config")
	if err := os.WriteFile(cfg, []byte(dbusConfig), 0600); err != nil {
		t.Fatal(err)
	}
	sock := filepath.Join(dir, "bus.sock")
	ret := &Bus{addr: "unix:path=" + sock}

	start(t, exec.Command(daemonBin, "--config-file="+cfg, "--nofork", "--nopidfile", "--nosyslog", "--address="+ret.addr), os.Stderr)
	if err := waitForFile(sock, 10*time.Second); err != nil {
		t.Fatalf("%s did not start: %v", daemonBin, err)
	}

	if logMonitor {
		pr, pw := io.Pipe()
		started, logged := make(chan struct{}), make(chan struct{})
		go func() {
			defer close(logged)
			logMessages(t, pr, started)
		}()
		// Runs after the monitor is stopped, so that nothing is
		// logged once t is done.
		t.Cleanup(func() {
			select {
			case <-logged:
			case <-time.After(10 * time.Second):
			}
		})
		start(t, exec.Command(monitorBin, "--address", ret.addr), pw)
		select {
		case <-started:
		case <-time.After(10 * time.Second):
			t.Fatalf("%s did not start", monitorBin)
		}
	}
	return ret
}

// start runs cmd until t ends, with its output going to out. A
// process that exits on its own fails the test.
func start(t *testing.T, cmd *exec.Cmd, out io.Writer) {
	t.Helper()
	cmd.Stdout, cmd.Stderr = out, out
	if err := cmd.Start(); err != nil {
		t.Fatalf("starting %s: %v", cmd.Path, err)
	}

	var (
		mu       sync.Mutex
		stopping bool
	)
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		err := cmd.Wait()
		if c, ok := out.(io.Closer); ok {
			c.Close()
		}
		mu.Lock()
		defer mu.Unlock()
		if !stopping {
			t.Errorf("%s exited during test: %v", filepath.Base(cmd.Path), err)
		}
	}()
	t.Cleanup(func() {
		mu.Lock()
		stopping = true
		mu.Unlock()
		cmd.Process.Kill()
		select {
		case <-exited:
		case <-time.After(10 * time.Second):
			log.WithField("process", cmd.Path).Warn("timed out waiting for test process to exit")
		}
	})
}

func waitForFile(path string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		_, err := os.Stat(path)
		if err == nil {
			return nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		select {
		case <-tick.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// logMessages logs dbus-monitor's output to t, one message per log
// call, and closes started once the first line arrives.
func logMessages(t *testing.T, r io.Reader, started chan<- struct{}) {
	var (
		once  sync.Once
		block []string
	)
	flush := func() {
		if len(block) > 0 {
			t.Log(strings.Join(block, "\n"))
			block = block[:0]
		}
	}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		once.Do(func() { close(started) })
		line := sc.Text()
		if isMessageStart(line) {
			flush()
		}
		block = append(block, line)
	}
	flush()
}

func isMessageStart(line string) bool {
	for _, p := range []string{"method ", "signal ", "error "} {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

// Address returns the bus address, in the format of
// DBUS_SESSION_BUS_ADDRESS.
func (b *Bus) Address() string { return b.addr }

// MustConn connects to the bus, or fails t. The connection is closed
// when t ends.
func (b *Bus) MustConn(t *testing.T) *bus.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ret, err := bus.Dial(ctx, b.addr)
	if err != nil {
		t.Fatalf("connecting to test bus: %v", err)
	}
	t.Cleanup(func() { ret.Close() })
	return ret
}
