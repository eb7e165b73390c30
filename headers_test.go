package pulse

import "testing"

func TestHeadersCaseInsensitiveLookup(t *testing.T) {
	h := NewHeaders(Field{Name: "Content-Type", Value: "text/html"})
	if got := h.Get("content-type"); got != "text/html" {
		t.Fatalf("Get = %q, want case-insensitive match", got)
	}
	if !h.Has("CONTENT-TYPE") {
		t.Fatal("Has = false, want true")
	}
}

func TestHeadersLastValueWins(t *testing.T) {
	h := NewHeaders(
		Field{Name: "X-Seen", Value: "one"},
		Field{Name: "x-seen", Value: "two"},
	)
	if got := h.Get("X-Seen"); got != "two" {
		t.Fatalf("Get = %q, want the last value", got)
	}
	if got := h.Values("X-Seen"); len(got) != 2 || got[0] != "one" {
		t.Fatalf("Values = %v, want both in order", got)
	}
}

func TestHeadersSetReplacesAll(t *testing.T) {
	h := NewHeaders(
		Field{Name: "X-Dup", Value: "a"},
		Field{Name: "x-dup", Value: "b"},
	)
	h.Set("X-Dup", "only")
	if got := h.Values("X-Dup"); len(got) != 1 || got[0] != "only" {
		t.Fatalf("Values after Set = %v, want single value", got)
	}
}

func TestHeadersDel(t *testing.T) {
	h := NewHeaders(
		Field{Name: "Keep", Value: "1"},
		Field{Name: "Drop", Value: "2"},
		Field{Name: "drop", Value: "3"},
	)
	h.Del("DROP")
	if h.Has("Drop") {
		t.Fatal("Del left a matching field behind")
	}
	if !h.Has("Keep") {
		t.Fatal("Del removed an unrelated field")
	}
}

func TestHeadersEmissionOrderAndCase(t *testing.T) {
	h := NewHeaders(
		Field{Name: "b-Header", Value: "2"},
		Field{Name: "A-Header", Value: "1"},
		Field{Name: "b-Header", Value: "3"},
	)
	fields := h.Fields()
	want := []Field{
		{Name: "b-Header", Value: "2"},
		{Name: "A-Header", Value: "1"},
		{Name: "b-Header", Value: "3"},
	}
	if len(fields) != len(want) {
		t.Fatalf("fields = %v", fields)
	}
	for i := range want {
		if fields[i] != want[i] {
			t.Fatalf("fields[%d] = %+v, want %+v (order and case preserved)", i, fields[i], want[i])
		}
	}
}

func TestHeadersMergeReplacesHostAndUserAgent(t *testing.T) {
	base := NewHeaders(
		Field{Name: "Host", Value: "example.com"},
		Field{Name: "User-Agent", Value: DefaultUserAgent},
		Field{Name: "Accept", Value: "*/*"},
	)
	base.merge(NewHeaders(
		Field{Name: "host", Value: "override.example"},
		Field{Name: "Accept", Value: "text/html"},
	))

	if got := base.Values("Host"); len(got) != 1 || got[0] != "override.example" {
		t.Fatalf("Host = %v, want single replaced value", got)
	}
	if got := base.Values("Accept"); len(got) != 2 {
		t.Fatalf("Accept = %v, want base plus duplicate", got)
	}
}

func TestHeadersClone(t *testing.T) {
	h := NewHeaders(Field{Name: "A", Value: "1"})
	c := h.Clone()
	c.Set("A", "2")
	if h.Get("A") != "1" {
		t.Fatal("Clone shares storage with the original")
	}
}
