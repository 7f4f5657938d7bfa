package preset

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/nullrunner/mcpmux/pkg/log"
)

// FileStore is the reference external preset store (§6): a single YAML
// document of presets, watched for changes the same way the teacher's own
// catalog tooling reads/writes YAML (see DESIGN.md).
type FileStore struct {
	path string

	mu       sync.RWMutex
	presets  map[string]Preset
	watchers []func(name string)

	watcher *fsnotify.Watcher
}

type fileDocument struct {
	Presets []Preset `yaml:"presets"`
}

// NewFileStore loads path (if it exists) and begins watching it.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path, presets: make(map[string]Preset)}
	if err := fs.load(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating preset file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		log.Logf("! preset file %s not yet present, will pick up on create: %v", path, err)
	}
	fs.watcher = w
	go fs.watchLoop()

	return fs, nil
}

func (fs *FileStore) load() error {
	data, err := os.ReadFile(fs.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading preset file %s: %w", fs.path, err)
	}

	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing preset file %s: %w", fs.path, err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.presets = make(map[string]Preset, len(doc.Presets))
	for _, p := range doc.Presets {
		fs.presets[p.Name] = p
	}
	return nil
}

func (fs *FileStore) watchLoop() {
	for {
		select {
		case ev, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			before := fs.snapshotNames()
			if err := fs.load(); err != nil {
				log.Logf("! failed to reload preset file: %v", err)
				continue
			}
			fs.notifyChanged(before)
		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
			log.Logf("! preset file watcher error: %v", err)
		}
	}
}

func (fs *FileStore) snapshotNames() map[string]struct{} {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	out := make(map[string]struct{}, len(fs.presets))
	for n := range fs.presets {
		out[n] = struct{}{}
	}
	return out
}

func (fs *FileStore) notifyChanged(before map[string]struct{}) {
	fs.mu.RLock()
	after := make(map[string]struct{}, len(fs.presets))
	for n := range fs.presets {
		after[n] = struct{}{}
	}
	handlers := append([]func(string){}, fs.watchers...)
	fs.mu.RUnlock()

	changed := make(map[string]struct{})
	for n := range before {
		changed[n] = struct{}{}
	}
	for n := range after {
		changed[n] = struct{}{}
	}
	for n := range changed {
		for _, h := range handlers {
			h(n)
		}
	}
}

func (fs *FileStore) List() ([]Preset, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	out := make([]Preset, 0, len(fs.presets))
	for _, p := range fs.presets {
		out = append(out, p)
	}
	return out, nil
}

func (fs *FileStore) Get(name string) (Preset, bool, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	p, ok := fs.presets[name]
	return p, ok, nil
}

func (fs *FileStore) Subscribe(onChange func(name string)) (unsubscribe func()) {
	fs.mu.Lock()
	fs.watchers = append(fs.watchers, onChange)
	idx := len(fs.watchers) - 1
	fs.mu.Unlock()

	return func() {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		if idx < len(fs.watchers) {
			fs.watchers[idx] = func(string) {}
		}
	}
}

// Close stops the underlying file watcher.
func (fs *FileStore) Close() error {
	if fs.watcher != nil {
		return fs.watcher.Close()
	}
	return nil
}
