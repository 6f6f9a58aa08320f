package lintruntime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antoniostano/copd/internal/config"
	"github.com/antoniostano/copd/internal/diagnostics"
	"github.com/antoniostano/copd/internal/document"
	"github.com/antoniostano/copd/internal/observability"
	"github.com/antoniostano/copd/internal/rubocop"
)

type staticResolver struct{}

func (staticResolver) Resolve(s config.Settings) rubocop.Invocation {
	return rubocop.Invocation{Command: []string{"rubocop"}, ForceExclusion: s.ForceExclusion}
}

// blockingExecutor holds every run until released or canceled.
type blockingExecutor struct {
	mock    *rubocop.MockExecutor
	started chan string
	release chan struct{}
	killed  atomic.Int32
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{
		mock:    rubocop.NewMockExecutor(),
		started: make(chan string, 16),
		release: make(chan struct{}, 16),
	}
}

func (b *blockingExecutor) Execute(ctx context.Context, inv rubocop.Invocation, path string) (rubocop.Result, error) {
	b.started <- path
	select {
	case <-ctx.Done():
		b.killed.Add(1)
		return rubocop.Result{}, ctx.Err()
	case <-b.release:
	}
	return b.mock.Execute(ctx, inv, path)
}

func (b *blockingExecutor) waitStarted(t *testing.T) string {
	t.Helper()
	select {
	case path := <-b.started:
		return path
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for rubocop to start")
		return ""
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestService(t *testing.T, exec rubocop.Executor, settings config.Settings, out io.Writer) (*Service, *diagnostics.Store) {
	t.Helper()
	if out == nil {
		out = io.Discard
	}
	store := diagnostics.NewStore()
	svc, err := New(Config{
		Executor: exec,
		Sink:     store,
		Settings: config.StaticSettings(settings),
		Resolver: staticResolver{},
		Metrics:  observability.NewMetrics(fmt.Sprintf("copd_test_runtime_%d", time.Now().UnixNano())),
		Logger:   log.New(out, "", 0),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return svc, store
}

func rubyFile(t *testing.T, name string) (string, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	uri, err := document.NormalizeURI(path)
	if err != nil {
		t.Fatalf("NormalizeURI() error = %v", err)
	}
	return path, uri
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitRun(t *testing.T, svc *Service, id string, want Status) RunRecord {
	t.Helper()
	var rec RunRecord
	waitFor(t, fmt.Sprintf("run %s to be %s", id, want), func() bool {
		var ok bool
		rec, ok = svc.Run(id)
		return ok && rec.Status == want
	})
	return rec
}

var sampleOffense = rubocop.Offense{
	Severity:    "convention",
	Message:     "Missing frozen string literal comment.",
	CopName:     "Style/FrozenStringLiteralComment",
	Correctable: true,
	Location:    rubocop.Location{Line: 1, Column: 1, Length: 1},
}

func TestLintPublishesDiagnostics(t *testing.T) {
	mock := rubocop.NewMockExecutor()
	mock.Offenses = []rubocop.Offense{sampleOffense}
	svc, store := newTestService(t, mock, config.DefaultSettings(), nil)
	path, uri := rubyFile(t, "a.rb")

	info, err := svc.Lint(context.Background(), path)
	if err != nil {
		t.Fatalf("Lint() error = %v", err)
	}
	if info.URI != uri || info.Kind != KindLint || info.ID == "" {
		t.Fatalf("RunInfo = %+v", info)
	}

	rec := waitRun(t, svc, info.ID, StatusSucceeded)
	if rec.Offenses != 1 {
		t.Fatalf("Offenses = %d, want 1", rec.Offenses)
	}
	if rec.StartedAt == nil || rec.EndedAt == nil {
		t.Fatalf("run timestamps missing: %+v", rec)
	}
	diags, ok := store.Get(uri)
	if !ok || len(diags) != 1 {
		t.Fatalf("store.Get() = %v, %v; want one diagnostic", diags, ok)
	}
	if diags[0].Code != "Style/FrozenStringLiteralComment" {
		t.Fatalf("Code = %q", diags[0].Code)
	}
}

func TestCleanRunPublishesEmptySet(t *testing.T) {
	svc, store := newTestService(t, rubocop.NewMockExecutor(), config.DefaultSettings(), nil)
	path, uri := rubyFile(t, "clean.rb")
	store.Set(uri, []diagnostics.Diagnostic{{Message: "stale"}})

	info, err := svc.Lint(context.Background(), path)
	if err != nil {
		t.Fatalf("Lint() error = %v", err)
	}
	waitRun(t, svc, info.ID, StatusSucceeded)
	diags, ok := store.Get(uri)
	if !ok || len(diags) != 0 {
		t.Fatalf("store.Get() = %v, %v; want empty set", diags, ok)
	}
}

func TestLintSupersedesRunningWork(t *testing.T) {
	exec := newBlockingExecutor()
	svc, store := newTestService(t, exec, config.DefaultSettings(), nil)
	path, uri := rubyFile(t, "a.rb")

	first, err := svc.Lint(context.Background(), path)
	if err != nil {
		t.Fatalf("Lint() error = %v", err)
	}
	exec.waitStarted(t)

	second, err := svc.Lint(context.Background(), path)
	if err != nil {
		t.Fatalf("Lint() error = %v", err)
	}
	waitRun(t, svc, first.ID, StatusCanceled)
	waitFor(t, "first process killed", func() bool { return exec.killed.Load() == 1 })

	exec.waitStarted(t)
	exec.release <- struct{}{}
	waitRun(t, svc, second.ID, StatusSucceeded)

	if _, ok := store.Get(uri); !ok {
		t.Fatalf("store has no diagnostics for %s", uri)
	}
	<-svc.Idle()
	if got := svc.QueueLength(); got != 0 {
		t.Fatalf("QueueLength() = %d, want 0", got)
	}
}

func TestDistinctDocumentsRunOneAtATime(t *testing.T) {
	exec := newBlockingExecutor()
	svc, _ := newTestService(t, exec, config.DefaultSettings(), nil)
	pathA, _ := rubyFile(t, "a.rb")
	pathB, _ := rubyFile(t, "b.rb")

	a, _ := svc.Lint(context.Background(), pathA)
	b, _ := svc.Lint(context.Background(), pathB)
	if got := exec.waitStarted(t); got != pathA {
		t.Fatalf("first started = %q, want %q", got, pathA)
	}
	if got := svc.QueueLength(); got != 2 {
		t.Fatalf("QueueLength() = %d, want 2", got)
	}
	select {
	case got := <-exec.started:
		t.Fatalf("second run %q started while first still running", got)
	case <-time.After(50 * time.Millisecond):
	}

	exec.release <- struct{}{}
	waitRun(t, svc, a.ID, StatusSucceeded)
	if got := exec.waitStarted(t); got != pathB {
		t.Fatalf("second started = %q, want %q", got, pathB)
	}
	exec.release <- struct{}{}
	waitRun(t, svc, b.ID, StatusSucceeded)
}

func TestFailureKeepsPriorDiagnostics(t *testing.T) {
	mock := rubocop.NewMockExecutor()
	mock.Err = &rubocop.ProcessError{ExitCode: rubocop.ExitError, Stderr: "Error: configuration for Foo/Bar cop found in .rubocop.yml"}
	logs := &syncBuffer{}
	svc, store := newTestService(t, mock, config.DefaultSettings(), logs)
	path, uri := rubyFile(t, "a.rb")
	prior := []diagnostics.Diagnostic{{Message: "prior", Severity: diagnostics.SeverityWarning}}
	store.Set(uri, prior)

	info, err := svc.Lint(context.Background(), path)
	if err != nil {
		t.Fatalf("Lint() error = %v", err)
	}
	rec := waitRun(t, svc, info.ID, StatusFailed)
	if rec.Code != rubocop.CodeConfigError {
		t.Fatalf("Code = %q, want %q", rec.Code, rubocop.CodeConfigError)
	}
	diags, _ := store.Get(uri)
	if len(diags) != 1 || diags[0].Message != "prior" {
		t.Fatalf("store.Get() = %v, want prior diagnostics kept", diags)
	}
	if !strings.Contains(logs.String(), "code: config_error") {
		t.Fatalf("logs = %q, want failure logged", logs.String())
	}
}

func TestMalformedOutputIsParseError(t *testing.T) {
	exec := &stdoutExecutor{stdout: "bundler: command not found: rubocop"}
	svc, _ := newTestService(t, exec, config.DefaultSettings(), nil)
	path, _ := rubyFile(t, "a.rb")

	info, err := svc.Lint(context.Background(), path)
	if err != nil {
		t.Fatalf("Lint() error = %v", err)
	}
	rec := waitRun(t, svc, info.ID, StatusFailed)
	if rec.Code != rubocop.CodeParseError {
		t.Fatalf("Code = %q, want %q", rec.Code, rubocop.CodeParseError)
	}
}

type stdoutExecutor struct {
	stdout string
	stderr string
}

func (e *stdoutExecutor) Execute(context.Context, rubocop.Invocation, string) (rubocop.Result, error) {
	return rubocop.Result{Stdout: []byte(e.stdout), Stderr: e.stderr}, nil
}

func TestStderrWarningsHonorSuppressSetting(t *testing.T) {
	const clean = `{"files":[{"path":"a.rb","offenses":[]}]}`
	for _, suppress := range []bool{false, true} {
		logs := &syncBuffer{}
		settings := config.DefaultSettings()
		settings.SuppressRubocopWarnings = suppress
		svc, _ := newTestService(t, &stdoutExecutor{stdout: clean, stderr: "Warning: obsolete parameter"}, settings, logs)
		path, _ := rubyFile(t, "a.rb")

		info, err := svc.Lint(context.Background(), path)
		if err != nil {
			t.Fatalf("Lint() error = %v", err)
		}
		waitRun(t, svc, info.ID, StatusSucceeded)
		logged := strings.Contains(logs.String(), "obsolete parameter")
		if logged == suppress {
			t.Fatalf("suppress=%v: warning logged = %v", suppress, logged)
		}
	}
}

func TestClearCancelsAndDeletes(t *testing.T) {
	exec := newBlockingExecutor()
	svc, store := newTestService(t, exec, config.DefaultSettings(), nil)
	path, uri := rubyFile(t, "a.rb")
	store.Set(uri, []diagnostics.Diagnostic{{Message: "old"}})

	info, _ := svc.Lint(context.Background(), path)
	exec.waitStarted(t)

	canceled, deleted, err := svc.Clear(path)
	if err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if canceled != 1 || !deleted {
		t.Fatalf("Clear() = %d, %v; want 1, true", canceled, deleted)
	}
	waitRun(t, svc, info.ID, StatusCanceled)
	if _, ok := store.Get(uri); ok {
		t.Fatalf("diagnostics still present after Clear")
	}
}

func TestCancelBeforeStartNeverRuns(t *testing.T) {
	exec := newBlockingExecutor()
	svc, _ := newTestService(t, exec, config.DefaultSettings(), nil)
	pathA, _ := rubyFile(t, "a.rb")
	pathB, _ := rubyFile(t, "b.rb")

	a, _ := svc.Lint(context.Background(), pathA)
	b, _ := svc.Lint(context.Background(), pathB)
	exec.waitStarted(t)

	n, err := svc.Cancel(pathB)
	if err != nil || n != 1 {
		t.Fatalf("Cancel() = %d, %v; want 1, nil", n, err)
	}
	rec := waitRun(t, svc, b.ID, StatusCanceled)
	if rec.StartedAt != nil {
		t.Fatalf("canceled run started at %v, want never started", rec.StartedAt)
	}

	exec.release <- struct{}{}
	waitRun(t, svc, a.ID, StatusSucceeded)
	<-svc.Idle()
	select {
	case got := <-exec.started:
		t.Fatalf("canceled run %q reached rubocop", got)
	default:
	}
}

func TestAutoCorrectRelints(t *testing.T) {
	mock := rubocop.NewMockExecutor()
	mock.Offenses = []rubocop.Offense{sampleOffense}
	svc, store := newTestService(t, mock, config.DefaultSettings(), nil)
	path, uri := rubyFile(t, "a.rb")

	info, err := svc.AutoCorrect(context.Background(), path)
	if err != nil {
		t.Fatalf("AutoCorrect() error = %v", err)
	}
	rec := waitRun(t, svc, info.ID, StatusSucceeded)
	if rec.Offenses != 1 {
		t.Fatalf("corrected = %d, want 1", rec.Offenses)
	}

	waitFor(t, "relint run", func() bool {
		for _, r := range svc.Recent(0) {
			if r.Kind == KindLint && r.Status == StatusSucceeded {
				return true
			}
		}
		return false
	})
	if got := mock.Calls(); got != 2 {
		t.Fatalf("executor calls = %d, want 2", got)
	}
	if _, ok := store.Get(uri); !ok {
		t.Fatalf("relint did not publish diagnostics")
	}
}

func TestLintOnSave(t *testing.T) {
	settings := config.DefaultSettings()
	settings.OnSave = false
	svc, _ := newTestService(t, rubocop.NewMockExecutor(), settings, nil)
	path, _ := rubyFile(t, "a.rb")

	if _, queued, err := svc.LintOnSave(context.Background(), path); err != nil || queued {
		t.Fatalf("LintOnSave() queued = %v, err = %v; want false, nil when disabled", queued, err)
	}

	svc, _ = newTestService(t, rubocop.NewMockExecutor(), config.DefaultSettings(), nil)
	if _, queued, _ := svc.LintOnSave(context.Background(), filepath.Join(t.TempDir(), "notes.md")); queued {
		t.Fatalf("LintOnSave() queued a non-Ruby file")
	}
	info, queued, err := svc.LintOnSave(context.Background(), path)
	if err != nil || !queued {
		t.Fatalf("LintOnSave() queued = %v, err = %v; want true, nil", queued, err)
	}
	waitRun(t, svc, info.ID, StatusSucceeded)
}

func TestRecentIsBoundedNewestFirst(t *testing.T) {
	store := diagnostics.NewStore()
	svc, err := New(Config{
		Executor:     rubocop.NewMockExecutor(),
		Sink:         store,
		Resolver:     staticResolver{},
		Logger:       log.New(io.Discard, "", 0),
		HistoryLimit: 2,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	var ids []string
	for _, name := range []string{"a.rb", "b.rb", "c.rb"} {
		path, _ := rubyFile(t, name)
		info, err := svc.Lint(context.Background(), path)
		if err != nil {
			t.Fatalf("Lint() error = %v", err)
		}
		ids = append(ids, info.ID)
	}
	<-svc.Idle()

	recent := svc.Recent(10)
	if len(recent) != 2 {
		t.Fatalf("len(Recent()) = %d, want 2", len(recent))
	}
	if recent[0].ID != ids[2] || recent[1].ID != ids[1] {
		t.Fatalf("Recent() order = [%s %s], want [%s %s]", recent[0].ID, recent[1].ID, ids[2], ids[1])
	}
}

func TestSubscribeRunsStreamsUpdates(t *testing.T) {
	svc, _ := newTestService(t, rubocop.NewMockExecutor(), config.DefaultSettings(), nil)
	updates, unsubscribe := svc.SubscribeRuns()
	defer unsubscribe()
	path, _ := rubyFile(t, "a.rb")

	info, err := svc.Lint(context.Background(), path)
	if err != nil {
		t.Fatalf("Lint() error = %v", err)
	}
	var seen []Status
	timeout := time.After(2 * time.Second)
	for {
		select {
		case rec := <-updates:
			if rec.ID != info.ID {
				continue
			}
			seen = append(seen, rec.Status)
			if rec.Status == StatusSucceeded {
				if seen[0] != StatusQueued {
					t.Fatalf("first update = %q, want %q", seen[0], StatusQueued)
				}
				return
			}
		case <-timeout:
			t.Fatalf("timed out; statuses seen = %v", seen)
		}
	}
}

func TestCloseRejectsNewRuns(t *testing.T) {
	svc, _ := newTestService(t, rubocop.NewMockExecutor(), config.DefaultSettings(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := svc.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	path, _ := rubyFile(t, "a.rb")
	if _, err := svc.Lint(context.Background(), path); !errors.Is(err, ErrClosed) {
		t.Fatalf("Lint() after Close error = %v, want %v", err, ErrClosed)
	}
}

func TestNewValidatesDependencies(t *testing.T) {
	if _, err := New(Config{Sink: diagnostics.NewStore(), Resolver: staticResolver{}}); err == nil {
		t.Fatalf("New() without executor error = nil")
	}
	if _, err := New(Config{Executor: rubocop.NewMockExecutor(), Resolver: staticResolver{}}); err == nil {
		t.Fatalf("New() without sink error = nil")
	}
}
