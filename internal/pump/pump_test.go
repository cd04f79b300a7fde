package pump

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPumpOrder(t *testing.T) {
	p := New()

	var (
		mu  sync.Mutex
		got []int
	)
	const n = 100
	for i := range n {
		if !p.Add(func() {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, i)
		}) {
			t.Fatalf("Add(%d) on open pump returned false", i)
		}
	}
	p.Close()

	want := make([]int, n)
	for i := range want {
		want[i] = i
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("pump ran functions out of order (-got+want):\n%s", diff)
	}
}

func TestPumpNested(t *testing.T) {
	p := New()
	done := make(chan struct{})
	p.Add(func() {
		p.Add(func() { close(done) })
	})
	<-done
	p.Close()
}

func TestPumpClosed(t *testing.T) {
	p := New()
	p.Close()
	p.Close()
	if p.Add(func() { t.Error("function ran on closed pump") }) {
		t.Error("Add on closed pump returned true")
	}
}
