package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/antoniostano/copd/internal/diagnostics"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientLint           MessageType = "client_lint"
	TypeClientCancel         MessageType = "client_cancel"
	TypeDiagnosticsPublished MessageType = "diagnostics_published"
	TypeDiagnosticsCleared   MessageType = "diagnostics_cleared"
	TypeQueueStatus          MessageType = "queue_status"
	TypeSystemEvent          MessageType = "system_event"
	TypeErrorEvent           MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientLint struct {
	Type        MessageType `json:"type"`
	URI         string      `json:"uri,omitempty"`
	Path        string      `json:"path,omitempty"`
	AutoCorrect bool        `json:"autocorrect,omitempty"`
}

// Target returns the URI when set, otherwise the path.
func (m ClientLint) Target() string {
	return target(m.URI, m.Path)
}

type ClientCancel struct {
	Type MessageType `json:"type"`
	URI  string      `json:"uri,omitempty"`
	Path string      `json:"path,omitempty"`
}

func (m ClientCancel) Target() string {
	return target(m.URI, m.Path)
}

type DiagnosticsPublished struct {
	Type        MessageType              `json:"type"`
	URI         string                   `json:"uri"`
	Path        string                   `json:"path,omitempty"`
	Diagnostics []diagnostics.Diagnostic `json:"diagnostics"`
	Counts      map[string]int           `json:"counts,omitempty"`
	TSMs        int64                    `json:"ts_ms"`
}

type DiagnosticsCleared struct {
	Type MessageType `json:"type"`
	URI  string      `json:"uri"`
	Path string      `json:"path,omitempty"`
	TSMs int64       `json:"ts_ms"`
}

type RunStatus struct {
	ID        string `json:"id"`
	URI       string `json:"uri"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	Code      string `json:"code,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Offenses  int    `json:"offenses"`
	Retryable bool   `json:"retryable,omitempty"`
}

type QueueStatus struct {
	Type        MessageType `json:"type"`
	QueueLength int         `json:"queue_length"`
	Run         *RunStatus  `json:"run,omitempty"`
}

type SystemEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientLint:
		var msg ClientLint
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Target() == "" {
			return nil, errors.New("invalid client_lint: uri or path is required")
		}
		return msg, nil
	case TypeClientCancel:
		var msg ClientCancel
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Target() == "" {
			return nil, errors.New("invalid client_cancel: uri or path is required")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// ParseServerMessage decodes a message sent by the daemon. Clients use it
// to read the diagnostics stream.
func ParseServerMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	var msg any
	switch env.Type {
	case TypeDiagnosticsPublished:
		msg = &DiagnosticsPublished{}
	case TypeDiagnosticsCleared:
		msg = &DiagnosticsCleared{}
	case TypeQueueStatus:
		msg = &QueueStatus{}
	case TypeSystemEvent:
		msg = &SystemEvent{}
	case TypeErrorEvent:
		msg = &ErrorEvent{}
	default:
		return nil, ErrUnsupportedType
	}
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func target(uri, path string) string {
	if u := strings.TrimSpace(uri); u != "" {
		return u
	}
	return strings.TrimSpace(path)
}
