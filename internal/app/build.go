package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/antoniostano/copd/internal/config"
	"github.com/antoniostano/copd/internal/diagnostics"
	"github.com/antoniostano/copd/internal/document"
	"github.com/antoniostano/copd/internal/httpapi"
	"github.com/antoniostano/copd/internal/lintruntime"
	"github.com/antoniostano/copd/internal/observability"
	"github.com/antoniostano/copd/internal/watcher"
)

const watchDebounce = 150 * time.Millisecond

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Store    *diagnostics.Store
	Docs     *document.Registry
	Runtime  *lintruntime.Service
	Watcher  *watcher.Watcher
	Settings *config.FileSettings
	Metrics  *observability.Metrics
	Executor ExecutorInfo

	// Cleanup stops the watcher and drains the lint queue.
	Cleanup func(ctx context.Context) error
}

// Build wires every component of the daemon from cfg.
func Build(cfg config.Config, metrics *observability.Metrics) (*BuildResult, error) {
	if metrics == nil {
		metrics = observability.NewMetricsWithWindow(cfg.MetricsNamespace, cfg.LatencyWindowSize)
	}

	executor, execInfo, err := resolveExecutor(cfg)
	if err != nil {
		return nil, err
	}

	store := diagnostics.NewStore()
	docs := document.NewRegistry()
	settings := config.NewFileSettings(cfg.SettingsFile)

	runtime, err := lintruntime.New(lintruntime.Config{
		Executor:     executor,
		Sink:         store,
		Settings:     settings,
		Resolver:     config.NewResolver(cfg.Workspace),
		Metrics:      metrics,
		RunTimeout:   cfg.RunTimeout,
		HistoryLimit: cfg.RunHistoryLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("lint runtime init failed: %w", err)
	}

	var fsWatcher *watcher.Watcher
	if cfg.Watch {
		fsWatcher, err = startWatcher(cfg.Workspace, runtime)
		if err != nil {
			_ = runtime.Close(context.Background())
			return nil, err
		}
	}

	api := httpapi.New(cfg, docs, store, runtime, metrics)

	cleanup := func(ctx context.Context) error {
		var errs []string
		if fsWatcher != nil {
			if err := fsWatcher.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if err := runtime.Close(ctx); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Store:    store,
		Docs:     docs,
		Runtime:  runtime,
		Watcher:  fsWatcher,
		Settings: settings,
		Metrics:  metrics,
		Executor: execInfo,
		Cleanup:  cleanup,
	}, nil
}

// startWatcher relints Ruby files saved outside an editor session and
// drops diagnostics of deleted files.
func startWatcher(root string, runtime *lintruntime.Service) (*watcher.Watcher, error) {
	w, err := watcher.New(watcher.Options{
		Debounce: watchDebounce,
		OnChange: func(path string) {
			if _, _, err := runtime.LintOnSave(context.Background(), path); err != nil && !errors.Is(err, lintruntime.ErrClosed) {
				log.Printf("watch lint %s: %v", path, err)
			}
		},
		OnRemove: func(path string) {
			if _, _, err := runtime.Clear(path); err != nil && !errors.Is(err, lintruntime.ErrClosed) {
				log.Printf("watch clear %s: %v", path, err)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("watcher init failed: %w", err)
	}
	if err := w.WatchRecursive(root); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s failed: %w", root, err)
	}
	return w, nil
}
