package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/antoniostano/copd/internal/config"
	"github.com/antoniostano/copd/internal/document"
	"github.com/antoniostano/copd/internal/lintruntime"
	"github.com/antoniostano/copd/internal/observability"
)

func testConfig(t *testing.T, watch bool) config.Config {
	t.Helper()
	ws := t.TempDir()
	return config.Config{
		Workspace:         ws,
		SettingsFile:      filepath.Join(ws, config.DefaultSettingsFileName),
		Executor:          config.ExecutorMock,
		Watch:             watch,
		RunTimeout:        5 * time.Second,
		RunHistoryLimit:   10,
		LatencyWindowSize: 8,
	}
}

func testMetrics() *observability.Metrics {
	return observability.NewMetrics(fmt.Sprintf("copd_test_app_%d", time.Now().UnixNano()))
}

func TestBuildRejectsUnknownExecutor(t *testing.T) {
	cfg := testConfig(t, false)
	cfg.Executor = "docker"
	if _, err := Build(cfg, testMetrics()); err == nil {
		t.Fatalf("Build() error = nil, want invalid executor error")
	}
}

func TestBuildWatchLintsSavedFiles(t *testing.T) {
	cfg := testConfig(t, true)
	built, err := Build(cfg, testMetrics())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer built.Cleanup(context.Background())

	if built.Watcher == nil {
		t.Fatalf("Watcher = nil, want watcher when Watch is enabled")
	}
	if built.Executor.Mode != config.ExecutorMock {
		t.Fatalf("Executor.Mode = %q, want %q", built.Executor.Mode, config.ExecutorMock)
	}

	path := filepath.Join(cfg.Workspace, "app.rb")
	if err := os.WriteFile(path, []byte("x = 1\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	uri, _ := document.NormalizeURI(path)

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, ok := built.Store.Get(uri); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no diagnostics published for %s", uri)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	deadline = time.Now().Add(3 * time.Second)
	for {
		if _, ok := built.Store.Get(uri); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("diagnostics for %s not cleared after removal", uri)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestBuildWatchHonorsOnSave(t *testing.T) {
	cfg := testConfig(t, true)
	if err := os.WriteFile(cfg.SettingsFile, []byte("[rubocop]\non_save = false\n"), 0o644); err != nil {
		t.Fatalf("WriteFile(settings) error = %v", err)
	}
	built, err := Build(cfg, testMetrics())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer built.Cleanup(context.Background())

	if err := os.WriteFile(filepath.Join(cfg.Workspace, "app.rb"), []byte("x = 1\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	time.Sleep(watchDebounce + 300*time.Millisecond)
	if got := len(built.Runtime.Recent(10)); got != 0 {
		t.Fatalf("runs = %d, want 0 with on_save disabled", got)
	}
}

func TestCleanupClosesRuntime(t *testing.T) {
	built, err := Build(testConfig(t, false), testMetrics())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if built.Watcher != nil {
		t.Fatalf("Watcher != nil with Watch disabled")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := built.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if _, err := built.Runtime.Lint(context.Background(), "/tmp/a.rb"); !errors.Is(err, lintruntime.ErrClosed) {
		t.Fatalf("Lint() after Cleanup error = %v, want ErrClosed", err)
	}
}
