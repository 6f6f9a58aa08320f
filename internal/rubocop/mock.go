package rubocop

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"
)

// MockExecutor returns a canned rubocop report without spawning a process.
type MockExecutor struct {
	Delay    time.Duration
	Offenses []Offense
	Stderr   string
	Err      error

	calls atomic.Int64
}

func NewMockExecutor() *MockExecutor { return &MockExecutor{} }

func (m *MockExecutor) Execute(ctx context.Context, inv Invocation, path string) (Result, error) {
	m.calls.Add(1)
	if m.Delay > 0 {
		timer := time.NewTimer(m.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-timer.C:
		}
	}
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}
	if m.Err != nil {
		return Result{Stderr: m.Stderr, ExitCode: ExitError}, m.Err
	}

	offenses := make([]Offense, len(m.Offenses))
	copy(offenses, m.Offenses)
	if inv.AutoCorrect {
		for i := range offenses {
			if offenses[i].Correctable {
				offenses[i].Corrected = true
			}
		}
	}
	out := Output{
		Metadata: Metadata{RubocopVersion: "mock"},
		Files:    []File{{Path: path, Offenses: offenses}},
		Summary:  Summary{OffenseCount: len(offenses), TargetFileCount: 1, InspectedFileCount: 1},
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return Result{}, err
	}
	code := ExitClean
	if len(offenses) > 0 {
		code = ExitOffenses
	}
	return Result{Stdout: raw, Stderr: m.Stderr, ExitCode: code, Duration: m.Delay}, nil
}

func (m *MockExecutor) Calls() int64 {
	return m.calls.Load()
}
