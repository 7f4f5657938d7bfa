package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nullrunner/mcpmux/pkg/log"
)

// watch starts a debounced fsnotify watch on path's containing directory
// (watching the directory rather than the file survives editors that
// write via rename-into-place) and invokes onChange after window elapses
// with no further events, until ctx is canceled or the returned stop func
// runs. Errors setting up the watcher are returned immediately; errors
// encountered afterward are logged and the watch keeps running.
func watch(ctx context.Context, path string, window time.Duration, onChange func()) (func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}

	done := make(chan struct{})
	var closeOnce sync.Once
	closeWatcher := func() { closeOnce.Do(func() { _ = w.Close() }) }

	go func() {
		var timer *time.Timer
		var timerC <-chan time.Time

		resetTimer := func() {
			if timer == nil {
				timer = time.NewTimer(window)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(window)
			}
			timerC = timer.C
		}

		for {
			select {
			case <-ctx.Done():
				closeWatcher()
				close(done)
				return
			case ev, ok := <-w.Events:
				if !ok {
					close(done)
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				resetTimer()
			case err, ok := <-w.Errors:
				if !ok {
					close(done)
					return
				}
				log.Logf("! config watch error: %v", err)
			case <-timerC:
				onChange()
			}
		}
	}()

	stop := func() {
		closeWatcher()
		<-done
	}
	return stop, nil
}
