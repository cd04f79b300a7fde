package dasbus

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAcquireHandles(t *testing.T) {
	orig := MustVariant("(hava{hh})", []any{
		UnixFD(10),
		[]any{MustVariant("h", 11), MustVariant("s", "x")},
		map[UnixFD]UnixFD{12: 13},
	})

	got, fds := AcquireHandles(orig)
	if diff := cmp.Diff(fds, []int{10, 11, 12, 13}); diff != "" {
		t.Errorf("wrong handle list (-got+want):\n%s", diff)
	}
	want := MustVariant("(hava{hh})", []any{
		UnixFD(0),
		[]any{MustVariant("h", 1), MustVariant("s", "x")},
		map[UnixFD]UnixFD{2: 3},
	})
	if !got.Equal(want) {
		t.Errorf("AcquireHandles = %s, want %s", got, want)
	}
	if first := orig.Fields()[0]; !first.Equal(MustVariant("h", 10)) {
		t.Errorf("AcquireHandles modified its input, first field is now %s", first)
	}

	restored := RestoreHandles(got, fds)
	if !restored.Equal(orig) {
		t.Errorf("RestoreHandles = %s, want %s", restored, orig)
	}
}

func TestHandlesNested(t *testing.T) {
	orig := MustVariant("v", MustVariant("v", MustVariant("a(sh)", []any{
		[]any{"a", UnixFD(5)},
		[]any{"b", UnixFD(6)},
	})))
	got, fds := AcquireHandles(orig)
	if diff := cmp.Diff(fds, []int{5, 6}); diff != "" {
		t.Errorf("wrong handle list (-got+want):\n%s", diff)
	}
	want := MustVariant("v", MustVariant("v", MustVariant("a(sh)", []any{
		[]any{"a", UnixFD(0)},
		[]any{"b", UnixFD(1)},
	})))
	if !got.Equal(want) {
		t.Errorf("AcquireHandles = %s, want %s", got, want)
	}
	if restored := RestoreHandles(got, fds); !restored.Equal(orig) {
		t.Errorf("RestoreHandles = %s, want %s", restored, orig)
	}
}

func TestHandlesInContainers(t *testing.T) {
	tests := []struct {
		name string
		sig  string
		// mk builds the value with handles fd(0), fd(1), ... in
		// marshaling order.
		mk func(fd func(int) UnixFD) any
	}{
		{
			"variant in array in dict",
			"a{sav}",
			func(fd func(int) UnixFD) any {
				return map[string][]any{
					"a": {MustVariant("h", fd(0)), MustVariant("s", "x")},
					"b": {MustVariant("(sh)", []any{"y", fd(1)}), MustVariant("h", fd(2))},
				}
			},
		},
		{
			"dict of arrays of dicts",
			"a{saa{hh}}",
			func(fd func(int) UnixFD) any {
				return map[string][]map[UnixFD]UnixFD{
					"a": {{fd(0): fd(1), fd(2): fd(3)}, {}},
					"b": {{fd(4): fd(5)}},
				}
			},
		},
		{
			"dict of variants of dicts",
			"a{sv}",
			func(fd func(int) UnixFD) any {
				return map[string]any{
					"k": MustVariant("a{sah}", map[string][]UnixFD{"x": {fd(0), fd(1)}}),
				}
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// Distinct fds, increasing so that dict keys sort the
			// same way before and after swapping.
			withFDs := func(base int) Variant {
				return MustVariant(tc.sig, tc.mk(func(i int) UnixFD { return UnixFD(base + i) }))
			}
			orig := withFDs(40)

			got, fds := AcquireHandles(orig)
			if !got.Equal(withFDs(0)) {
				t.Errorf("AcquireHandles = %s, want %s", got, withFDs(0))
			}
			want := make([]int, len(fds))
			for i := range want {
				want[i] = 40 + i
			}
			if diff := cmp.Diff(fds, want); diff != "" {
				t.Errorf("wrong handle list (-got+want):\n%s", diff)
			}

			// Each index must come back as the fd at that index.
			received := make([]int, len(fds))
			for i := range received {
				received[i] = 100 + i
			}
			if restored := RestoreHandles(got, received); !restored.Equal(withFDs(100)) {
				t.Errorf("RestoreHandles = %s, want %s", restored, withFDs(100))
			}
			if restored := RestoreHandles(got, fds); !restored.Equal(orig) {
				t.Errorf("round trip = %s, want %s", restored, orig)
			}
		})
	}
}

func TestHandlesWithoutFDs(t *testing.T) {
	tests := []Variant{
		{},
		MustVariant("s", "no handles"),
		MustVariant("a{sv}", map[string]any{"a": "b"}),
		MustVariant("ah", []UnixFD{}),
	}
	for _, v := range tests {
		got, fds := AcquireHandles(v)
		if fds != nil {
			t.Errorf("AcquireHandles(%s) returned handles %v", v, fds)
		}
		if !got.Equal(v) {
			t.Errorf("AcquireHandles(%s) = %s, want unchanged", v, got)
		}
		if restored := RestoreHandles(v, []int{1, 2}); !restored.Equal(v) {
			t.Errorf("RestoreHandles(%s) = %s, want unchanged", v, restored)
		}
	}
}

func TestRestoreHandlesOutOfRange(t *testing.T) {
	v := MustVariant("(hhh)", []any{0, 1, 7})

	if got := RestoreHandles(v, nil); !got.Equal(v) {
		t.Errorf("RestoreHandles with nil list = %s, want unchanged", got)
	}

	got := RestoreHandles(v, []int{20, 21})
	want := MustVariant("(hhh)", []any{20, 21, InvalidFD})
	if !got.Equal(want) {
		t.Errorf("RestoreHandles = %s, want %s", got, want)
	}
}
