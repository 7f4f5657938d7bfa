package router

import (
	"testing"

	"github.com/nullrunner/mcpmux/pkg/spec"
)

func TestResolveServerAndItem(t *testing.T) {
	server, item := ResolveServerAndItem("", "u__fetch")
	if server != "u" || item != "fetch" {
		t.Fatalf("got server=%q item=%q", server, item)
	}

	server, item = ResolveServerAndItem("v", "fetch")
	if server != "v" || item != "fetch" {
		t.Fatalf("got server=%q item=%q", server, item)
	}
}

func TestPaginate(t *testing.T) {
	entries := []ToolEntry{{Name: "a"}, {Name: "b"}, {Name: "c"}}
	page, cursor := Paginate(entries, "", 2)
	if len(page) != 2 || cursor == "" {
		t.Fatalf("expected first page of 2 with a cursor, got %v %q", page, cursor)
	}
	page2, cursor2 := Paginate(entries, cursor, 2)
	if len(page2) != 1 || cursor2 != "" {
		t.Fatalf("expected final page of 1 with no cursor, got %v %q", page2, cursor2)
	}
}

func TestSessionPrefixForStableWithinSession(t *testing.T) {
	s := NewSession("sess-1", nil, FilterNone, "", nil, false, nil)
	first := s.PrefixFor("u", "fetch", true)
	second := s.PrefixFor("u", "fetch", true)
	if first != second {
		t.Fatalf("expected stable prefix, got %q then %q", first, second)
	}
	if first != "u__fetch" {
		t.Fatalf("expected u__fetch, got %q", first)
	}
	if noCollision := s.PrefixFor("u", "solo", false); noCollision != "solo" {
		t.Fatalf("expected unprefixed name for non-colliding item, got %q", noCollision)
	}
}

func TestNewSessionSetsContextSessionID(t *testing.T) {
	s := NewSession("sess-2", nil, FilterNone, "", nil, false, nil)
	if s.Context["sessionId"] != "sess-2" {
		t.Fatalf("expected context.sessionId to equal sessionId, got %v", s.Context)
	}
}

type fakePresets struct {
	q *spec.TagQuery
}

func (f fakePresets) Resolve(name string) (*spec.TagQuery, bool) {
	if name == "known" {
		return f.q, true
	}
	return nil, false
}

func TestRouterResolveModes(t *testing.T) {
	r := New(nil, fakePresets{q: &spec.TagQuery{Tag: "x"}})

	s := NewSession("s", []string{"a", "b"}, FilterSimpleOr, "", nil, false, nil)
	r.Resolve(s)
	if s.ResolvedFilter() == nil {
		t.Fatal("expected simple-or filter to be synthesized")
	}

	p := NewSession("p", nil, FilterPreset, "known", nil, false, nil)
	r.Resolve(p)
	if p.ResolvedFilter() == nil || p.ResolvedFilter().Tag != "x" {
		t.Fatalf("expected preset resolution, got %v", p.ResolvedFilter())
	}

	none := NewSession("n", nil, FilterNone, "", nil, false, nil)
	r.Resolve(none)
	if none.ResolvedFilter() != nil {
		t.Fatal("expected no filter for empty session")
	}
}
