package watcher

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/antoniostano/copd/internal/document"
)

var ErrClosed = errors.New("watcher is closed")

// skipDirs are never descended into.
var skipDirs = map[string]bool{
	".git":         true,
	".bundle":      true,
	"vendor":       true,
	"node_modules": true,
	"tmp":          true,
	"log":          true,
}

type Options struct {
	// Debounce collapses bursts of writes to the same file into one
	// callback. Editors often write a file several times per save.
	Debounce time.Duration
	Logger   *log.Logger
	OnChange func(path string)
	OnRemove func(path string)
}

// Watcher reports changes to Ruby files under the watched directories.
type Watcher struct {
	fs       *fsnotify.Watcher
	debounce time.Duration
	logger   *log.Logger
	onChange func(string)
	onRemove func(string)

	mu      sync.Mutex
	dirs    map[string]bool
	pending map[string]*time.Timer
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

func New(opts Options) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Debounce < 0 {
		opts.Debounce = 0
	}
	w := &Watcher{
		fs:       fsw,
		debounce: opts.Debounce,
		logger:   opts.Logger,
		onChange: opts.OnChange,
		onRemove: opts.OnRemove,
		dirs:     make(map[string]bool),
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// WatchRecursive watches root and every directory below it that is not
// skipped.
func (w *Watcher) WatchRecursive(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.add(filepath.Dir(abs))
	}
	return filepath.WalkDir(abs, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != abs && skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		if err := w.add(p); err != nil {
			if errors.Is(err, ErrClosed) {
				return err
			}
			w.logger.Printf("watcher: watch %s failed: %v", p, err)
		}
		return nil
	})
}

func (w *Watcher) add(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.dirs[dir] {
		return nil
	}
	if err := w.fs.Add(dir); err != nil {
		return err
	}
	w.dirs[dir] = true
	return nil
}

func (w *Watcher) WatchedDirs() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dirs)
}

func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
	close(w.done)
	w.mu.Unlock()

	w.wg.Wait()
	return w.fs.Close()
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Printf("watcher: %v", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !skipDirs[filepath.Base(ev.Name)] {
				if err := w.WatchRecursive(ev.Name); err != nil && !errors.Is(err, ErrClosed) {
					w.logger.Printf("watcher: watch %s failed: %v", ev.Name, err)
				}
			}
			return
		}
	}
	if !document.IsRubyPath(ev.Name) {
		return
	}

	switch {
	case ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create):
		w.schedule(ev.Name)
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		w.cancelPending(ev.Name)
		if w.onRemove != nil {
			w.onRemove(ev.Name)
		}
	}
}

func (w *Watcher) schedule(path string) {
	if w.onChange == nil {
		return
	}
	if w.debounce == 0 {
		w.onChange(path)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if timer, ok := w.pending[path]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		closed := w.closed
		w.mu.Unlock()
		if !closed {
			w.onChange(path)
		}
	})
}

func (w *Watcher) cancelPending(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[path]; ok {
		timer.Stop()
		delete(w.pending, path)
	}
}
