package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/copd/internal/diagnostics"
	"github.com/antoniostano/copd/internal/document"
	"github.com/antoniostano/copd/internal/protocol"
	"github.com/antoniostano/copd/internal/reliability"
)

const readyRetries = 8

type options struct {
	baseURL     string
	timeout     time.Duration
	autocorrect bool
	watch       bool
	files       []string
	verbose     bool
}

type runInfo struct {
	ID   string `json:"id"`
	URI  string `json:"uri"`
	Kind string `json:"kind"`
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// target tracks one requested file until its diagnostics are final.
type target struct {
	display   string
	uri       string
	runID     string
	awaitLint bool
	done      bool
	failed    string
}

func main() {
	cfg, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "copctl: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hasErrors, err := run(ctx, cfg, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "copctl: %v\n", err)
		os.Exit(1)
	}
	if hasErrors {
		os.Exit(1)
	}
}

func parseFlags(args []string, output io.Writer) (options, error) {
	var cfg options
	fs := flag.NewFlagSet("copctl", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:7878", "copd base URL")
	fs.DurationVar(&cfg.timeout, "timeout", 60*time.Second, "time to wait for all results")
	fs.BoolVar(&cfg.autocorrect, "autocorrect", false, "run rubocop with --auto-correct before linting")
	fs.BoolVar(&cfg.watch, "watch", false, "keep streaming diagnostics after the initial results")
	fs.BoolVar(&cfg.verbose, "verbose", false, "print run progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.timeout <= 0 {
		return options{}, fmt.Errorf("timeout must be > 0")
	}
	for _, f := range fs.Args() {
		if f = strings.TrimSpace(f); f != "" {
			cfg.files = append(cfg.files, f)
		}
	}
	if len(cfg.files) == 0 && !cfg.watch {
		return options{}, fmt.Errorf("at least one file is required")
	}
	return cfg, nil
}

// run lints every requested file and reports whether any error-level
// diagnostic was printed.
func run(ctx context.Context, cfg options, stdout, stderr io.Writer) (bool, error) {
	httpClient := &http.Client{Timeout: 15 * time.Second}

	initCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	if err := waitReady(initCtx, httpClient, cfg.baseURL); err != nil {
		return false, fmt.Errorf("daemon not ready: %w", err)
	}

	wsURL, err := wsURLFor(cfg.baseURL)
	if err != nil {
		return false, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(initCtx, wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stopped:
		}
	}()

	msgCh := make(chan any, 256)
	readErrCh := make(chan error, 1)
	go readLoop(conn, msgCh, readErrCh)

	targets := make(map[string]*target, len(cfg.files))
	byRun := make(map[string]*target, len(cfg.files))
	order := make([]*target, 0, len(cfg.files))
	for _, f := range cfg.files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return false, fmt.Errorf("resolve %s: %w", f, err)
		}
		info, err := requestLint(initCtx, httpClient, cfg.baseURL, abs, cfg.autocorrect)
		if err != nil {
			return false, fmt.Errorf("lint %s: %w", f, err)
		}
		if cfg.verbose {
			fmt.Fprintf(stderr, "copctl: queued %s run %s for %s\n", info.Kind, info.ID, f)
		}
		t, ok := targets[info.URI]
		if !ok {
			t = &target{display: f, uri: info.URI}
			targets[info.URI] = t
			order = append(order, t)
		}
		t.runID = info.ID
		t.done = false
		byRun[info.ID] = t
	}

	pending := len(order)
	for pending > 0 {
		select {
		case <-initCtx.Done():
			return false, fmt.Errorf("waiting for results: %w", initCtx.Err())
		case err := <-readErrCh:
			return false, fmt.Errorf("ws read: %w", err)
		case msg := <-msgCh:
			qs, ok := msg.(*protocol.QueueStatus)
			if !ok || qs.Run == nil || !terminal(qs.Run.Status) {
				continue
			}
			if cfg.verbose {
				fmt.Fprintf(stderr, "copctl: %s run %s %s\n", qs.Run.Kind, qs.Run.ID, qs.Run.Status)
			}
			if settle(qs.Run, targets, byRun) {
				pending--
			}
		}
	}

	hasErrors := false
	for _, t := range order {
		if t.failed != "" {
			fmt.Fprintf(stderr, "%s: rubocop %s\n", t.display, t.failed)
			hasErrors = true
			continue
		}
		diags, err := fetchDiagnostics(initCtx, httpClient, cfg.baseURL, t.uri)
		if err != nil {
			return false, fmt.Errorf("diagnostics for %s: %w", t.display, err)
		}
		if printDiagnostics(stdout, t.display, diags) {
			hasErrors = true
		}
	}

	if !cfg.watch {
		return hasErrors, nil
	}

	for {
		select {
		case <-ctx.Done():
			return hasErrors, nil
		case err := <-readErrCh:
			if ctx.Err() != nil {
				return hasErrors, nil
			}
			return hasErrors, fmt.Errorf("ws read: %w", err)
		case msg := <-msgCh:
			switch m := msg.(type) {
			case *protocol.DiagnosticsPublished:
				display := m.Path
				if display == "" {
					display = displayPath(m.URI)
				}
				if t, ok := targets[m.URI]; ok {
					display = t.display
				}
				if printDiagnostics(stdout, display, m.Diagnostics) {
					hasErrors = true
				}
			case *protocol.DiagnosticsCleared:
				if cfg.verbose {
					fmt.Fprintf(stderr, "copctl: cleared %s\n", m.Path)
				}
			}
		}
	}
}

// settle applies a terminal run update and reports whether a target just
// finished. Successful autocorrect runs wait for the lint that follows.
func settle(rs *protocol.RunStatus, targets map[string]*target, byRun map[string]*target) bool {
	if t, ok := byRun[rs.ID]; ok && !t.done && t.runID == rs.ID {
		if rs.Kind == "autocorrect" && rs.Status == "succeeded" {
			t.awaitLint = true
			return false
		}
		if rs.Status == "failed" {
			t.failed = failureText(rs)
		}
		t.done = true
		return true
	}
	t, ok := targets[rs.URI]
	if !ok || t.done || !t.awaitLint || rs.Kind != "lint" {
		return false
	}
	if rs.Status == "canceled" {
		return false
	}
	if rs.Status == "failed" {
		t.failed = failureText(rs)
	}
	t.done = true
	return true
}

func failureText(rs *protocol.RunStatus) string {
	text := "failed (" + rs.Code + ")"
	if rs.Detail != "" {
		text += ": " + rs.Detail
	}
	if rs.Retryable {
		text += " [retryable]"
	}
	return text
}

func terminal(status string) bool {
	switch status {
	case "succeeded", "failed", "canceled":
		return true
	default:
		return false
	}
}

// waitReady polls /readyz with exponential backoff until the daemon
// answers or the retries run out.
func waitReady(ctx context.Context, client *http.Client, baseURL string) error {
	return waitReadyWith(ctx, client, baseURL, backoff.NewExponentialBackOff())
}

func waitReadyWith(ctx context.Context, client *http.Client, baseURL string, b backoff.BackOff) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/readyz", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("readyz status %d", resp.StatusCode)
			if !reliability.IsRetryableHTTPStatus(resp.StatusCode) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, readyRetries), ctx))
}

func requestLint(ctx context.Context, client *http.Client, baseURL, path string, autocorrect bool) (runInfo, error) {
	endpoint := "/v1/lint"
	if autocorrect {
		endpoint = "/v1/autocorrect"
	}
	payload, err := json.Marshal(map[string]string{"path": path})
	if err != nil {
		return runInfo{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return runInfo{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return runInfo{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return runInfo{}, decodeAPIError(resp)
	}
	var info runInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return runInfo{}, err
	}
	if info.ID == "" || info.URI == "" {
		return runInfo{}, errors.New("response missing run id")
	}
	return info, nil
}

func fetchDiagnostics(ctx context.Context, client *http.Client, baseURL, uri string) ([]diagnostics.Diagnostic, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/diagnostics?uri="+url.QueryEscape(uri), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}
	var out struct {
		Diagnostics []diagnostics.Diagnostic `json:"diagnostics"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Diagnostics, nil
}

func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var e apiError
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return fmt.Errorf("status %d (%s): %s", resp.StatusCode, e.Code, e.Error)
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func wsURLFor(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/diagnostics/ws"
	u.RawQuery = ""
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, msgCh chan<- any, readErrCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErrCh <- err
			return
		}
		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			continue
		}
		msgCh <- msg
	}
}

// printDiagnostics writes one line per diagnostic in editor order and
// reports whether any of them is an error.
func printDiagnostics(w io.Writer, display string, diags []diagnostics.Diagnostic) bool {
	sorted := append([]diagnostics.Diagnostic(nil), diags...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].Range.Start, sorted[j].Range.Start
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.Character < b.Character
	})
	hasErrors := false
	for _, d := range sorted {
		fmt.Fprintln(w, formatDiagnostic(display, d))
		if d.Severity == diagnostics.SeverityError {
			hasErrors = true
		}
	}
	return hasErrors
}

func formatDiagnostic(display string, d diagnostics.Diagnostic) string {
	line := fmt.Sprintf("%s:%d:%d: %s: %s", display, d.Range.Start.Line+1, d.Range.Start.Character+1, d.Severity, d.Message)
	if d.Code != "" {
		line += " (" + d.Code + ")"
	}
	return line
}

// displayPath prefers the path the daemon reports for a URI.
func displayPath(uri string) string {
	if p, err := document.PathFromURI(uri); err == nil {
		return p
	}
	return uri
}
