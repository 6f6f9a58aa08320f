package lintruntime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/copd/internal/config"
	"github.com/antoniostano/copd/internal/diagnostics"
	"github.com/antoniostano/copd/internal/document"
	"github.com/antoniostano/copd/internal/observability"
	"github.com/antoniostano/copd/internal/rubocop"
	"github.com/antoniostano/copd/internal/taskqueue"
)

const runSubscriberBuffer = 128

var (
	ErrClosed   = errors.New("lint runtime is closed")
	ErrSettings = errors.New("settings unavailable")
)

// Sink receives diagnostics for a resource. diagnostics.Store satisfies it.
type Sink interface {
	Set(uri string, diags []diagnostics.Diagnostic)
	Delete(uri string) bool
}

// Resolver turns the current settings into a command line.
type Resolver interface {
	Resolve(settings config.Settings) rubocop.Invocation
}

type Config struct {
	Executor     rubocop.Executor
	Sink         Sink
	Settings     config.SettingsProvider
	Resolver     Resolver
	Metrics      *observability.Metrics
	Logger       *log.Logger
	RunTimeout   time.Duration
	HistoryLimit int
}

// Service schedules rubocop runs through a single-flight queue keyed by
// document URI and publishes their results to the sink.
type Service struct {
	queue        *taskqueue.Queue
	executor     rubocop.Executor
	sink         Sink
	settings     config.SettingsProvider
	resolver     Resolver
	metrics      *observability.Metrics
	logger       *log.Logger
	runTimeout   time.Duration
	historyLimit int

	mu          sync.Mutex
	history     []*RunRecord
	latest      map[string]string
	subscribers map[string]chan RunRecord
}

type run struct {
	record   *RunRecord
	path     string
	inv      rubocop.Invocation
	settings config.Settings
}

func New(cfg Config) (*Service, error) {
	if cfg.Executor == nil {
		return nil, errors.New("lintruntime: executor is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("lintruntime: sink is required")
	}
	if cfg.Settings == nil {
		cfg.Settings = config.StaticSettings(config.DefaultSettings())
	}
	if cfg.Resolver == nil {
		return nil, errors.New("lintruntime: resolver is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 2 * time.Minute
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 200
	}

	opts := []taskqueue.Option{taskqueue.WithLogger(cfg.Logger)}
	if cfg.Metrics != nil {
		opts = append(opts, taskqueue.WithMetrics(cfg.Metrics))
	}

	return &Service{
		queue:        taskqueue.New(opts...),
		executor:     cfg.Executor,
		sink:         cfg.Sink,
		settings:     cfg.Settings,
		resolver:     cfg.Resolver,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		runTimeout:   cfg.RunTimeout,
		historyLimit: cfg.HistoryLimit,
		latest:       make(map[string]string),
		subscribers:  make(map[string]chan RunRecord),
	}, nil
}

// Lint queues a diagnostics run for a document, superseding any queued or
// running work for the same document.
func (s *Service) Lint(ctx context.Context, pathOrURI string) (RunInfo, error) {
	return s.enqueue(ctx, pathOrURI, KindLint)
}

// AutoCorrect queues an autocorrect run. A successful run is followed by a
// regular lint of the same document.
func (s *Service) AutoCorrect(ctx context.Context, pathOrURI string) (RunInfo, error) {
	return s.enqueue(ctx, pathOrURI, KindAutoCorrect)
}

// LintOnSave lints a saved document when on_save is enabled and the file is
// Ruby. The bool reports whether a run was queued.
func (s *Service) LintOnSave(ctx context.Context, pathOrURI string) (RunInfo, bool, error) {
	enabled, err := s.OnSaveEnabled()
	if err != nil {
		return RunInfo{}, false, err
	}
	if !enabled {
		return RunInfo{}, false, nil
	}
	path, err := document.PathFromURI(pathOrURI)
	if err != nil {
		return RunInfo{}, false, err
	}
	if !document.IsRubyPath(path) {
		return RunInfo{}, false, nil
	}
	info, err := s.Lint(ctx, path)
	if err != nil {
		return RunInfo{}, false, err
	}
	return info, true, nil
}

func (s *Service) OnSaveEnabled() (bool, error) {
	settings, err := s.settings.Current()
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrSettings, err)
	}
	return settings.OnSave, nil
}

// Cancel cancels queued and running work for a document without touching
// its diagnostics.
func (s *Service) Cancel(pathOrURI string) (int, error) {
	uri, err := document.NormalizeURI(pathOrURI)
	if err != nil {
		return 0, err
	}
	return s.queue.Cancel(uri), nil
}

// Clear cancels work for a document and drops its diagnostics.
func (s *Service) Clear(pathOrURI string) (int, bool, error) {
	uri, err := document.NormalizeURI(pathOrURI)
	if err != nil {
		return 0, false, err
	}
	canceled := s.queue.Cancel(uri)

	s.mu.Lock()
	delete(s.latest, uri)
	deleted := s.sink.Delete(uri)
	s.mu.Unlock()
	return canceled, deleted, nil
}

func (s *Service) QueueLength() int {
	return s.queue.Len()
}

// Idle is closed once the queue has drained.
func (s *Service) Idle() <-chan struct{} {
	return s.queue.Idle()
}

// Recent returns up to limit run records, newest first.
func (s *Service) Recent(limit int) []RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]RunRecord, 0, limit)
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *s.history[i])
	}
	return out
}

func (s *Service) Run(id string) (RunRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.history {
		if rec.ID == id {
			return *rec, true
		}
	}
	return RunRecord{}, false
}

// SubscribeRuns streams every run record update. Slow subscribers miss
// updates.
func (s *Service) SubscribeRuns() (<-chan RunRecord, func()) {
	id := uuid.NewString()
	ch := make(chan RunRecord, runSubscriberBuffer)

	s.mu.Lock()
	s.subscribers[id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(c)
		}
	}
}

// Close cancels outstanding work and waits for the queue to drain.
func (s *Service) Close(ctx context.Context) error {
	return s.queue.Close(ctx)
}

func (s *Service) enqueue(ctx context.Context, pathOrURI string, kind Kind) (RunInfo, error) {
	if err := ctx.Err(); err != nil {
		return RunInfo{}, err
	}
	uri, err := document.NormalizeURI(pathOrURI)
	if err != nil {
		return RunInfo{}, err
	}
	path, err := document.PathFromURI(uri)
	if err != nil {
		return RunInfo{}, err
	}
	settings, err := s.settings.Current()
	if err != nil {
		return RunInfo{}, fmt.Errorf("%w: %w", ErrSettings, err)
	}
	inv := s.resolver.Resolve(settings)
	inv.AutoCorrect = kind == KindAutoCorrect

	r := &run{
		record: &RunRecord{
			ID:       uuid.NewString(),
			URI:      uri,
			Kind:     kind,
			Status:   StatusQueued,
			Command:  inv.CommandLine(path),
			QueuedAt: time.Now().UTC(),
		},
		path:     path,
		inv:      inv,
		settings: settings,
	}
	info := r.record.Info()
	task := taskqueue.NewTask(uri, s.body(r))

	s.mu.Lock()
	s.latest[uri] = r.record.ID
	s.mu.Unlock()
	s.track(r.record)

	if err := s.queue.Enqueue(task); err != nil {
		if errors.Is(err, taskqueue.ErrQueueClosed) {
			err = ErrClosed
		}
		s.update(r.record, func(rec *RunRecord) {
			rec.Status = StatusFailed
			rec.Detail = err.Error()
			now := time.Now().UTC()
			rec.EndedAt = &now
		})
		return RunInfo{}, err
	}
	go s.awaitCancel(task, r)

	return info, nil
}

func (s *Service) body(r *run) taskqueue.Body {
	return func(tok taskqueue.Token) (taskqueue.CancelFunc, error) {
		ctx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
		s.update(r.record, func(rec *RunRecord) {
			now := time.Now().UTC()
			rec.Status = StatusRunning
			rec.StartedAt = &now
		})

		go func() {
			res, err := s.executor.Execute(ctx, r.inv, r.path)
			relint := s.complete(r, tok, res, err)
			tok.Finished()
			cancel()
			if relint {
				if _, err := s.Lint(context.Background(), r.record.URI); err != nil && !errors.Is(err, ErrClosed) {
					s.logger.Printf("lintruntime: relint after autocorrect failed (uri: %s): %v", r.record.URI, err)
				}
			}
		}()
		return taskqueue.CancelFunc(cancel), nil
	}
}

// complete publishes the outcome of a run that was not canceled and reports
// whether a follow-up lint is needed.
func (s *Service) complete(r *run, tok taskqueue.Token, res rubocop.Result, runErr error) bool {
	if tok.Canceled() {
		return false
	}
	uri := r.record.URI

	if stderr := strings.TrimSpace(res.Stderr); stderr != "" && runErr == nil && !r.settings.SuppressRubocopWarnings {
		s.logger.Printf("lintruntime: rubocop warning (uri: %s): %s", uri, stderr)
	}
	if runErr != nil {
		s.fail(r, res, runErr)
		return false
	}
	out, err := rubocop.ParseOutput(res.Stdout)
	if err != nil {
		s.fail(r, res, err)
		return false
	}

	if r.record.Kind == KindAutoCorrect {
		corrected := 0
		for _, f := range out.Files {
			for _, o := range f.Offenses {
				if o.Corrected {
					corrected++
				}
			}
		}
		s.succeed(r, res, corrected, fmt.Sprintf("%d offenses corrected", corrected))
		return true
	}

	diags := out.Diagnostics()
	s.mu.Lock()
	current := s.latest[uri] == r.record.ID && !tok.Canceled()
	if current {
		s.sink.Set(uri, diags)
	}
	s.mu.Unlock()
	if !current {
		s.markCanceled(r)
		return false
	}

	if s.metrics != nil {
		for sev, n := range diagnostics.Counts(diags) {
			s.metrics.ObserveOffenses(string(sev), n)
		}
	}
	s.succeed(r, res, len(diags), "")
	return false
}

func (s *Service) succeed(r *run, res rubocop.Result, offenses int, detail string) {
	s.update(r.record, func(rec *RunRecord) {
		rec.Status = StatusSucceeded
		rec.Offenses = offenses
		rec.Detail = detail
		now := time.Now().UTC()
		rec.EndedAt = &now
	})
	if s.metrics != nil {
		s.metrics.ObserveLintRun(string(r.record.Kind), "ok", res.Duration)
	}
}

// fail records a failed run. Prior diagnostics for the document are kept.
func (s *Service) fail(r *run, res rubocop.Result, err error) {
	code := rubocop.Classify(err)
	s.logger.Printf("lintruntime: %s failed (uri: %s, code: %s): %v", r.record.Kind, r.record.URI, code, err)
	s.update(r.record, func(rec *RunRecord) {
		rec.Status = StatusFailed
		rec.Code = code
		rec.Detail = err.Error()
		now := time.Now().UTC()
		rec.EndedAt = &now
	})
	if s.metrics != nil {
		s.metrics.ObserveLintRun(string(r.record.Kind), code, res.Duration)
	}
}

// awaitCancel records runs that end canceled, including ones whose body
// never ran.
func (s *Service) awaitCancel(task *taskqueue.Task, r *run) {
	<-task.Done()
	if task.State() == taskqueue.StateCanceled {
		s.markCanceled(r)
	}
}

func (s *Service) markCanceled(r *run) {
	changed := s.update(r.record, func(rec *RunRecord) {
		rec.Status = StatusCanceled
		rec.Code = rubocop.CodeCanceled
		now := time.Now().UTC()
		rec.EndedAt = &now
	})
	if changed && s.metrics != nil {
		s.metrics.ObserveLintRun(string(r.record.Kind), rubocop.CodeCanceled, 0)
	}
}

func (s *Service) track(rec *RunRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, rec)
	if over := len(s.history) - s.historyLimit; over > 0 {
		s.history = append([]*RunRecord(nil), s.history[over:]...)
	}
	s.publishLocked(*rec)
}

// update applies fn unless the record is already terminal.
func (s *Service) update(rec *RunRecord, fn func(*RunRecord)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Status.Terminal() {
		return false
	}
	fn(rec)
	s.publishLocked(*rec)
	return true
}

func (s *Service) publishLocked(rec RunRecord) {
	for _, ch := range s.subscribers {
		select {
		case ch <- rec:
		default:
		}
	}
}
