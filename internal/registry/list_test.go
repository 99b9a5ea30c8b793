package registry_test

import (
	"slices"
	"testing"

	"github.com/nixpig/jobworker/internal/registry"
)

func values(l *registry.List[string]) []string {
	var got []string

	for _, v := range l.All() {
		got = append(got, v)
	}

	return got
}

func TestList(t *testing.T) {
	t.Parallel()

	t.Run("Test insertion order", func(t *testing.T) {
		t.Parallel()

		l := registry.New[string]()
		l.Append("a")
		l.Append("b")
		l.Append("c")

		if got := values(l); !slices.Equal(got, []string{"a", "b", "c"}) {
			t.Errorf("expected insertion order: got '%q'", got)
		}

		if l.Len() != 3 {
			t.Errorf("expected length: got '%d', want '3'", l.Len())
		}
	})

	t.Run("Test remove", func(t *testing.T) {
		t.Parallel()

		l := registry.New[string]()
		l.Append("a")
		hb := l.Append("b")
		l.Append("c")

		v, ok := l.Remove(hb)
		if !ok || v != "b" {
			t.Errorf("expected to remove 'b': got '%s' (%t)", v, ok)
		}

		if _, ok := l.Remove(hb); ok {
			t.Errorf("expected second remove to fail")
		}

		if _, ok := l.Get(hb); ok {
			t.Errorf("expected removed handle to be unknown")
		}

		if got := values(l); !slices.Equal(got, []string{"a", "c"}) {
			t.Errorf("expected remaining order: got '%q'", got)
		}
	})

	t.Run("Test handles not reused", func(t *testing.T) {
		t.Parallel()

		l := registry.New[string]()
		h1 := l.Append("a")
		l.Remove(h1)
		h2 := l.Append("b")

		if h1 == h2 {
			t.Errorf("expected distinct handles: got '%d' twice", h1)
		}
	})

	t.Run("Test remove current during iteration", func(t *testing.T) {
		t.Parallel()

		l := registry.New[string]()
		for _, v := range []string{"a", "b", "c", "d"} {
			l.Append(v)
		}

		var visited []string

		for h, v := range l.All() {
			visited = append(visited, v)

			if v == "b" || v == "c" {
				l.Remove(h)
			}
		}

		if !slices.Equal(visited, []string{"a", "b", "c", "d"}) {
			t.Errorf("expected every entry visited: got '%q'", visited)
		}

		if got := values(l); !slices.Equal(got, []string{"a", "d"}) {
			t.Errorf("expected remaining entries: got '%q'", got)
		}
	})

	t.Run("Test remove following entry during iteration", func(t *testing.T) {
		t.Parallel()

		l := registry.New[string]()
		l.Append("a")
		hb := l.Append("b")
		l.Append("c")

		var visited []string

		for _, v := range l.All() {
			visited = append(visited, v)

			if v == "a" {
				l.Remove(hb)
			}
		}

		if !slices.Equal(visited, []string{"a", "c"}) {
			t.Errorf("expected removed entry skipped: got '%q'", visited)
		}
	})

	t.Run("Test remove all during iteration", func(t *testing.T) {
		t.Parallel()

		l := registry.New[string]()
		l.Append("a")
		l.Append("b")

		for h := range l.All() {
			l.Remove(h)
		}

		if l.Len() != 0 {
			t.Errorf("expected empty list: got '%d'", l.Len())
		}
	})

	t.Run("Test find", func(t *testing.T) {
		t.Parallel()

		l := registry.New[string]()
		l.Append("a")
		hb := l.Append("b")

		h, v, ok := l.Find(func(s string) bool { return s == "b" })
		if !ok || h != hb || v != "b" {
			t.Errorf("expected to find 'b': got '%s' (%t)", v, ok)
		}

		if _, _, ok := l.Find(func(s string) bool { return s == "z" }); ok {
			t.Errorf("expected not to find 'z'")
		}
	})

	t.Run("Test clear", func(t *testing.T) {
		t.Parallel()

		l := registry.New[string]()
		l.Append("a")
		l.Append("b")
		l.Clear()

		if l.Len() != 0 || len(l.Values()) != 0 {
			t.Errorf("expected empty list after clear")
		}
	})
}
