package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/basket/go-hive/internal/bus"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// outcomeMessage is one frame on the outcome stream.
type outcomeMessage struct {
	Type       string `json:"type"`
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
	ReasonCode string `json:"reason_code"`
	Artifact   string `json:"artifact,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// handleOutcomes implements GET /v1/outcomes. It upgrades to a WebSocket and
// forwards terminal task outcomes as JSON. With ?task_id=X only that task's
// outcome is sent and the stream closes after it.
func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming not available: event bus not configured")
		return
	}
	taskID := r.URL.Query().Get("task_id")

	// Subscribe before the upgrade so an outcome racing the handshake is kept.
	sub := s.cfg.Bus.Subscribe(bus.TopicTaskOutcome)
	defer s.cfg.Bus.Unsubscribe(sub)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowOrigins})
	if err != nil {
		s.logger.Debug("ws: accept failed", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()
	s.logger.Info("ws: outcome subscriber connected", "source", SourceFromContext(r.Context()), "task_id", taskID)

	// CloseRead discards client frames and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("ws: outcome subscriber disconnected", "task_id", taskID)
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			o, ok := ev.Payload.(bus.TaskOutcomeEvent)
			if !ok || (taskID != "" && o.TaskID != taskID) {
				continue
			}
			msg := outcomeMessage{
				Type: "outcome", TaskID: o.TaskID, Status: o.Status, ReasonCode: o.ReasonCode,
				Artifact: o.Artifact, Detail: o.Detail,
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(wctx, conn, msg)
			cancel()
			if err != nil {
				s.logger.Debug("ws: write failed", "task_id", o.TaskID, "error", err)
				return
			}
			if taskID != "" {
				return
			}
		}
	}
}
