package lintruntime

import "time"

type Kind string

const (
	KindLint        Kind = "lint"
	KindAutoCorrect Kind = "autocorrect"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// RunInfo is returned to callers that request a run.
type RunInfo struct {
	ID       string    `json:"id"`
	URI      string    `json:"uri"`
	Kind     Kind      `json:"kind"`
	QueuedAt time.Time `json:"queued_at"`
}

// RunRecord tracks one requested run through the queue.
type RunRecord struct {
	ID        string     `json:"id"`
	URI       string     `json:"uri"`
	Kind      Kind       `json:"kind"`
	Status    Status     `json:"status"`
	Code      string     `json:"code,omitempty"`
	Detail    string     `json:"detail,omitempty"`
	Command   string     `json:"command,omitempty"`
	Offenses  int        `json:"offenses"`
	QueuedAt  time.Time  `json:"queued_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

func (r RunRecord) Info() RunInfo {
	return RunInfo{ID: r.ID, URI: r.URI, Kind: r.Kind, QueuedAt: r.QueuedAt}
}
