package preset

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writePresetFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "presets.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}

func TestFileStoreListAndGet(t *testing.T) {
	dir := t.TempDir()
	path := writePresetFile(t, dir, `
presets:
  - name: web
    strategy: or
    tagQuery:
      tag: web
  - name: data
    strategy: advanced
    tagQuery:
      "$and":
        - tag: data
        - tag: readonly
`)

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer store.Close()

	all, err := store.List()
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 presets, got %v err=%v", all, err)
	}

	p, ok, err := store.Get("data")
	if err != nil || !ok {
		t.Fatalf("expected to find preset 'data', ok=%v err=%v", ok, err)
	}
	if p.Strategy != StrategyAdvanced {
		t.Fatalf("expected advanced strategy, got %q", p.Strategy)
	}

	if _, ok, _ := store.Get("missing"); ok {
		t.Fatal("expected missing preset to be absent")
	}
}

func TestFileStoreReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writePresetFile(t, dir, `
presets:
  - name: web
    strategy: or
    tagQuery:
      tag: web
`)

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer store.Close()

	changed := make(chan string, 4)
	store.Subscribe(func(name string) { changed <- name })

	if err := os.WriteFile(path, []byte(`
presets:
  - name: web
    strategy: or
    tagQuery:
      tag: web
  - name: extra
    strategy: or
    tagQuery:
      tag: extra
`), 0o644); err != nil {
		t.Fatalf("rewriting fixture: %v", err)
	}

	select {
	case name := <-changed:
		if name != "extra" {
			t.Fatalf("expected change notification for 'extra', got %q", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for file watcher notification")
	}

	if _, ok, _ := store.Get("extra"); !ok {
		t.Fatal("expected 'extra' preset to be loaded after rewrite")
	}
}

func TestResolverResolveAndOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writePresetFile(t, dir, `
presets:
  - name: web
    strategy: or
    tagQuery:
      tag: web
`)

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer store.Close()

	r := New(store)
	defer r.Close()

	q, ok := r.Resolve("web")
	if !ok || q.Tag != "web" {
		t.Fatalf("expected to resolve 'web' preset, got %v ok=%v", q, ok)
	}

	if _, ok := r.Resolve("nope"); ok {
		t.Fatal("expected unknown preset to not resolve")
	}

	notified := make(chan string, 4)
	r.OnChange(func(name string) { notified <- name })

	if err := os.WriteFile(path, []byte(`
presets:
  - name: web
    strategy: and
    tagQuery:
      tag: web-v2
`), 0o644); err != nil {
		t.Fatalf("rewriting fixture: %v", err)
	}

	select {
	case name := <-notified:
		if name != "web" {
			t.Fatalf("expected change notification for 'web', got %q", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resolver change notification")
	}

	q, ok = r.Resolve("web")
	if !ok || q.Tag != "web-v2" {
		t.Fatalf("expected updated tagQuery after change, got %v", q)
	}
}
