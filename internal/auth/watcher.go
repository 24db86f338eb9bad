package auth

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// CredentialsWatcher watches the data directory for changes to the
// credentials file. The sign-in flow runs outside this process; the watcher
// lets a running daemon notice a fresh sign-in (or a sign-out) without
// restarting.
type CredentialsWatcher struct {
	watcher *fsnotify.Watcher
	events  chan struct{}
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	target  string
}

// NewCredentialsWatcher creates a watcher for the credentials file under
// dir. Start it with Start() and drain Events().
func NewCredentialsWatcher(dir string) (*CredentialsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &CredentialsWatcher{
		watcher: w,
		events:  make(chan struct{}, 1),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		target:  filepath.Join(dir, CredentialsFile),
	}, nil
}

// Events delivers one signal per credentials-file change. The channel is
// coalescing: bursts collapse into a single pending signal.
func (w *CredentialsWatcher) Events() <-chan struct{} {
	return w.events
}

// Errors delivers watcher errors.
func (w *CredentialsWatcher) Errors() <-chan error {
	return w.errors
}

// Start begins watching. Returns an error if already running or the data
// directory cannot be watched.
func (w *CredentialsWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	if err := w.watcher.Add(filepath.Dir(w.target)); err != nil {
		return fmt.Errorf("failed to watch credentials directory: %w", err)
	}

	w.running = true
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop shuts the watcher down and waits for the event loop to exit.
func (w *CredentialsWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *CredentialsWatcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case w.events <- struct{}{}:
			default:
				// Signal already pending; coalesce.
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}
