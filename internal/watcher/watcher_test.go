package watcher

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu      sync.Mutex
	changed []string
	removed []string
}

func (r *recorder) change(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changed = append(r.changed, path)
}

func (r *recorder) remove(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, path)
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changed), len(r.removed)
}

func (r *recorder) saw(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.changed {
		if p == path {
			return true
		}
	}
	return false
}

func newTestWatcher(t *testing.T, debounce time.Duration) (*Watcher, *recorder) {
	t.Helper()
	rec := &recorder{}
	w, err := New(Options{
		Debounce: debounce,
		Logger:   log.New(io.Discard, "", 0),
		OnChange: rec.change,
		OnRemove: rec.remove,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w, rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestWatcherReportsRubyWrites(t *testing.T) {
	root := t.TempDir()
	w, rec := newTestWatcher(t, 0)
	if err := w.WatchRecursive(root); err != nil {
		t.Fatalf("WatchRecursive() error = %v", err)
	}

	rb := filepath.Join(root, "a.rb")
	writeFile(t, filepath.Join(root, "notes.md"), "# notes")
	writeFile(t, rb, "puts 1\n")

	waitFor(t, "ruby change", func() bool { return rec.saw(rb) })
	if rec.saw(filepath.Join(root, "notes.md")) {
		t.Fatalf("non-Ruby file reported")
	}
}

func TestWatcherSkipsVendorAndWatchesNewDirs(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "vendor", "bundle"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "app"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	w, rec := newTestWatcher(t, 0)
	if err := w.WatchRecursive(root); err != nil {
		t.Fatalf("WatchRecursive() error = %v", err)
	}
	if got := w.WatchedDirs(); got != 2 {
		t.Fatalf("WatchedDirs() = %d, want 2 (root and app)", got)
	}

	lib := filepath.Join(root, "lib")
	if err := os.Mkdir(lib, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	waitFor(t, "new directory watched", func() bool { return w.WatchedDirs() == 3 })

	rb := filepath.Join(lib, "b.rb")
	writeFile(t, rb, "x = 1\n")
	waitFor(t, "change in new directory", func() bool { return rec.saw(rb) })

	writeFile(t, filepath.Join(root, "vendor", "bundle", "c.rb"), "y = 2\n")
	time.Sleep(100 * time.Millisecond)
	if rec.saw(filepath.Join(root, "vendor", "bundle", "c.rb")) {
		t.Fatalf("vendor change reported")
	}
}

func TestWatcherDebouncesBursts(t *testing.T) {
	root := t.TempDir()
	w, rec := newTestWatcher(t, 150*time.Millisecond)
	if err := w.WatchRecursive(root); err != nil {
		t.Fatalf("WatchRecursive() error = %v", err)
	}

	rb := filepath.Join(root, "a.rb")
	for i := 0; i < 5; i++ {
		writeFile(t, rb, "puts 1\n")
		time.Sleep(10 * time.Millisecond)
	}
	waitFor(t, "debounced change", func() bool { return rec.saw(rb) })
	time.Sleep(300 * time.Millisecond)
	if changed, _ := rec.counts(); changed != 1 {
		t.Fatalf("changes = %d, want 1 after debounce", changed)
	}
}

func TestWatcherReportsRemoval(t *testing.T) {
	root := t.TempDir()
	rb := filepath.Join(root, "a.rb")
	writeFile(t, rb, "puts 1\n")

	w, rec := newTestWatcher(t, 0)
	if err := w.WatchRecursive(root); err != nil {
		t.Fatalf("WatchRecursive() error = %v", err)
	}
	if err := os.Remove(rb); err != nil {
		t.Fatalf("remove: %v", err)
	}
	waitFor(t, "removal", func() bool {
		_, removed := rec.counts()
		return removed == 1
	})
}

func TestWatcherClose(t *testing.T) {
	w, _ := newTestWatcher(t, 0)
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if err := w.WatchRecursive(t.TempDir()); err == nil {
		t.Fatalf("WatchRecursive() after Close error = nil, want %v", ErrClosed)
	}
}
