package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/copd/internal/diagnostics"
	"github.com/antoniostano/copd/internal/document"
	"github.com/antoniostano/copd/internal/lintruntime"
	"github.com/antoniostano/copd/internal/protocol"
	"github.com/antoniostano/copd/internal/reliability"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleDiagnosticsWS streams diagnostics and run updates. With
// ?snapshot=1 the current diagnostics are sent first.
func (s *Server) handleDiagnosticsWS(w http.ResponseWriter, r *http.Request) {
	snapshot, _ := strconv.ParseBool(r.URL.Query().Get("snapshot"))

	// Subscribed before Upgrade: updates racing the handshake are queued.
	changes, unsubscribeChanges := s.store.Subscribe()
	defer unsubscribeChanges()
	runs, unsubscribeRuns := s.runtime.SubscribeRuns()
	defer unsubscribeRuns()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 256)
	outbound <- protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: "connected"}
	if snapshot {
		for _, f := range s.store.All() {
			select {
			case outbound <- publishedMessage(diagnostics.Change{URI: f.URI, Diagnostics: f.Diagnostics, At: f.UpdatedAt}):
			default:
			}
		}
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()
		write := func(msg any) bool {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				cancel()
				return false
			}
			if t, ok := messageTypeOf(msg); ok {
				s.observeWS("outbound", t)
			}
			return true
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					cancel()
					return
				}
			case msg := <-outbound:
				if !write(msg) {
					return
				}
			case change, ok := <-changes:
				if !ok {
					return
				}
				if !write(changeMessage(change)) {
					return
				}
			case rec, ok := <-runs:
				if !ok {
					return
				}
				if !write(s.queueStatus(rec)) {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.enqueueOutbound(outbound, protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "invalid_client_message",
				Source: "gateway",
				Detail: err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.observeWS("inbound", t)
		}
		if errEvent, failed := s.dispatch(ctx, parsed); failed {
			s.enqueueOutbound(outbound, errEvent)
		}
	}

	cancel()
	<-writerDone
}

func (s *Server) dispatch(ctx context.Context, msg any) (protocol.ErrorEvent, bool) {
	var err error
	switch m := msg.(type) {
	case protocol.ClientLint:
		if m.AutoCorrect {
			_, err = s.runtime.AutoCorrect(ctx, m.Target())
		} else {
			_, err = s.runtime.Lint(ctx, m.Target())
		}
	case protocol.ClientCancel:
		_, err = s.runtime.Cancel(m.Target())
	}
	if err == nil {
		return protocol.ErrorEvent{}, false
	}
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		Code:      "request_failed",
		Source:    "runtime",
		Retryable: false,
		Detail:    err.Error(),
	}, true
}

// enqueueOutbound keeps websocket writes on the writer goroutine and drops
// the message when the connection is saturated.
func (s *Server) enqueueOutbound(outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	default:
	}
}

func (s *Server) queueStatus(rec lintruntime.RunRecord) protocol.QueueStatus {
	retryable := rec.Status == lintruntime.StatusFailed && reliability.IsRetryableRunCode(rec.Code)
	return protocol.QueueStatus{
		Type:        protocol.TypeQueueStatus,
		QueueLength: s.runtime.QueueLength(),
		Run: &protocol.RunStatus{
			ID:        rec.ID,
			URI:       rec.URI,
			Kind:      string(rec.Kind),
			Status:    string(rec.Status),
			Code:      rec.Code,
			Detail:    rec.Detail,
			Offenses:  rec.Offenses,
			Retryable: retryable,
		},
	}
}

func (s *Server) observeWS(direction string, t protocol.MessageType) {
	if s.metrics != nil {
		s.metrics.ObserveWSMessage(direction, string(t))
	}
}

func changeMessage(change diagnostics.Change) any {
	if change.Deleted {
		path, _ := document.PathFromURI(change.URI)
		return protocol.DiagnosticsCleared{
			Type: protocol.TypeDiagnosticsCleared,
			URI:  change.URI,
			Path: path,
			TSMs: change.At.UnixMilli(),
		}
	}
	return publishedMessage(change)
}

func publishedMessage(change diagnostics.Change) protocol.DiagnosticsPublished {
	path, _ := document.PathFromURI(change.URI)
	counts := make(map[string]int)
	for sev, n := range diagnostics.Counts(change.Diagnostics) {
		counts[string(sev)] = n
	}
	diags := change.Diagnostics
	if diags == nil {
		diags = []diagnostics.Diagnostic{}
	}
	return protocol.DiagnosticsPublished{
		Type:        protocol.TypeDiagnosticsPublished,
		URI:         change.URI,
		Path:        path,
		Diagnostics: diags,
		Counts:      counts,
		TSMs:        change.At.UnixMilli(),
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientLint:
		return m.Type, true
	case protocol.ClientCancel:
		return m.Type, true
	case protocol.DiagnosticsPublished:
		return m.Type, true
	case protocol.DiagnosticsCleared:
		return m.Type, true
	case protocol.QueueStatus:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
