package template

import (
	"testing"

	"github.com/nullrunner/mcpmux/pkg/spec"
)

func TestRenderSubstitutesContextFields(t *testing.T) {
	def := spec.ServerSpec{
		Name:    "fetch",
		Kind:    spec.KindHTTPLike,
		URL:     "https://api.example.com/{{.region}}",
		Headers: map[string]string{"Authorization": "Bearer {{.apiKey}}"},
	}
	rendered, err := render(def, map[string]any{"region": "eu", "apiKey": "abc123"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if rendered.URL != "https://api.example.com/eu" {
		t.Fatalf("got url %q", rendered.URL)
	}
	if rendered.Headers["Authorization"] != "Bearer abc123" {
		t.Fatalf("got header %q", rendered.Headers["Authorization"])
	}
	// original definition must be untouched
	if def.URL != "https://api.example.com/{{.region}}" {
		t.Fatalf("render mutated the original definition: %q", def.URL)
	}
}

func TestRenderMissingKeyZerosOut(t *testing.T) {
	def := spec.ServerSpec{Name: "fetch", Kind: spec.KindStdio, Command: "{{.missing}}"}
	rendered, err := render(def, map[string]any{})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	switch rendered.Command {
	case "<no value>", "<nil>", "":
		// all acceptable renderings of a missing map key under missingkey=zero
	default:
		t.Fatalf("expected missing key to render to a zero value, got %q", rendered.Command)
	}
}

func TestRenderedHashStableAndContextSensitive(t *testing.T) {
	def := spec.ServerSpec{Name: "fetch", Kind: spec.KindHTTPLike, URL: "https://api.example.com/{{.region}}"}

	a, err := render(def, map[string]any{"region": "eu"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	b, err := render(def, map[string]any{"region": "eu"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	c, err := render(def, map[string]any{"region": "us"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	ha, err := renderedHash(a)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	hb, err := renderedHash(b)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	hc, err := renderedHash(c)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	if ha != hb {
		t.Fatalf("expected identical renders to hash identically, got %q vs %q", ha, hb)
	}
	if ha == hc {
		t.Fatal("expected different contexts to hash differently")
	}
}

func TestPoolNamesAndHas(t *testing.T) {
	p := New(0, nil, nil)
	p.SetDefinitions(map[string]Definition{
		"fetch": {Name: "fetch", Spec: spec.ServerSpec{Name: "fetch", Kind: spec.KindHTTPLike, URL: "https://x/{{.id}}"}},
	})
	if !p.Has("fetch") {
		t.Fatal("expected Has(fetch) to be true")
	}
	if p.Has("missing") {
		t.Fatal("expected Has(missing) to be false")
	}
	names := p.Names()
	if len(names) != 1 || names[0] != "fetch" {
		t.Fatalf("got names %v", names)
	}
}

func TestPoolBindUnknownTemplate(t *testing.T) {
	p := New(0, nil, nil)
	_, _, err := p.Bind(nil, "nope", nil) //nolint:staticcheck // nil ctx fine: unknown-name path returns before ctx use
	if err == nil {
		t.Fatal("expected error for unknown template")
	}
	if spec.KindOf(err) != spec.ErrNotFound {
		t.Fatalf("expected NotFound, got %v", spec.KindOf(err))
	}
}
