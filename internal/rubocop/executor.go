package rubocop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
	"time"
)

var (
	ErrNoCommand = errors.New("rubocop command is empty")
	ErrNotFound  = errors.New("rubocop executable not found")
)

// Exit codes documented by rubocop.
const (
	ExitClean    = 0
	ExitOffenses = 1
	ExitError    = 2
)

// Invocation describes how rubocop is launched for a single file.
type Invocation struct {
	Command        []string
	Dir            string
	ConfigFile     string
	ForceExclusion bool
	AutoCorrect    bool
	ExtraArgs      []string
}

// Args composes everything after the executable.
func (inv Invocation) Args(path string) []string {
	args := make([]string, 0, len(inv.Command)+len(inv.ExtraArgs)+8)
	if len(inv.Command) > 1 {
		args = append(args, inv.Command[1:]...)
	}
	args = append(args, "--format", "json")
	if inv.ForceExclusion {
		args = append(args, "--force-exclusion")
	}
	if cfg := strings.TrimSpace(inv.ConfigFile); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if inv.AutoCorrect {
		args = append(args, "--auto-correct")
	}
	for _, a := range inv.ExtraArgs {
		if a = strings.TrimSpace(a); a != "" {
			args = append(args, a)
		}
	}
	return append(args, path)
}

// CommandLine renders the invocation for logs.
func (inv Invocation) CommandLine(path string) string {
	if len(inv.Command) == 0 {
		return ""
	}
	return strings.Join(append([]string{inv.Command[0]}, inv.Args(path)...), " ")
}

type Result struct {
	Stdout   []byte
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// ProcessError reports a rubocop run that failed rather than reporting
// offenses.
type ProcessError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("rubocop exited with code %d", e.ExitCode)
	if e.Err != nil && e.ExitCode < 0 {
		msg = "rubocop failed: " + e.Err.Error()
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + firstLine(s)
	}
	return msg
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

type Executor interface {
	Execute(ctx context.Context, inv Invocation, path string) (Result, error)
}

// ProcessExecutor runs rubocop as a child process. Cancelling ctx kills it.
type ProcessExecutor struct {
	// WaitDelay bounds how long pipes are drained after the process is
	// killed.
	WaitDelay time.Duration
}

func NewProcessExecutor() *ProcessExecutor {
	return &ProcessExecutor{WaitDelay: 2 * time.Second}
}

func (e *ProcessExecutor) Execute(ctx context.Context, inv Invocation, path string) (Result, error) {
	if len(inv.Command) == 0 || strings.TrimSpace(inv.Command[0]) == "" {
		return Result{}, ErrNoCommand
	}

	cmd := exec.CommandContext(ctx, inv.Command[0], inv.Args(path)...)
	cmd.Dir = inv.Dir
	cmd.WaitDelay = e.WaitDelay
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.String(),
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: time.Since(started),
	}
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		// exec.CommandContext may surface "signal: killed" instead of context cancellation.
		return res, ctx.Err()
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return res, fmt.Errorf("%w: %s", ErrNotFound, inv.Command[0])
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() == ExitOffenses {
			return res, nil
		}
		return res, &ProcessError{ExitCode: exitErr.ExitCode(), Stderr: res.Stderr, Err: err}
	}
	return res, &ProcessError{ExitCode: -1, Stderr: res.Stderr, Err: err}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
