package gateway

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/kirayoXkaki/mgxEngine/internal/task"
)

// wsMessage is the envelope for every frame pushed to a WS client.
type wsMessage struct {
	Type   string      `json:"type"` // connected, state, event
	TaskID string      `json:"task_id,omitempty"`
	State  *task.State `json:"state,omitempty"`
	Event  *task.Event `json:"event,omitempty"`
}

// handleWS serves /ws/tasks/{id}. Connecting to a PENDING task starts it;
// the client then receives a connected frame, the current state, a short
// replay of recent events, and the live stream until the task reaches a
// terminal state or the connection idles out.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimPrefix(r.URL.Path, "/ws/tasks/")
	if taskID == "" || strings.Contains(taskID, "/") {
		writeBadRequest(w, "task_id required")
		return
	}
	state, err := s.cfg.Runner.State(taskID)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "unexpected exit")

	// Server-push only; CloseRead cancels the context when the client
	// disconnects.
	ctx := conn.CloseRead(r.Context())
	logger := s.logger.With("task_id", taskID)
	logger.Info("ws client connected")

	// Subscribe before replaying so no event falls between the two.
	sub := s.cfg.Bus.Subscribe(taskID)
	defer s.cfg.Bus.Unsubscribe(sub)

	if state.Status == task.StatusPending {
		if err := s.cfg.Runner.Start(taskID); err != nil && !errors.Is(err, task.ErrConflict) {
			logger.Error("ws auto-start failed", "error", err)
			conn.Close(websocket.StatusInternalError, "start failed")
			return
		}
		state, err = s.cfg.Runner.State(taskID)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "state lookup failed")
			return
		}
	}

	if err := wsjson.Write(ctx, conn, wsMessage{Type: "connected", TaskID: taskID}); err != nil {
		return
	}
	if err := wsjson.Write(ctx, conn, wsMessage{Type: "state", TaskID: taskID, State: &state}); err != nil {
		return
	}

	var lastSent int64
	for _, ev := range s.cfg.Bus.Tail(taskID, s.cfg.ReplayEventCount) {
		ev := ev
		if err := wsjson.Write(ctx, conn, wsMessage{Type: "event", TaskID: taskID, Event: &ev}); err != nil {
			return
		}
		lastSent = ev.EventID
	}
	if state.Status.Terminal() {
		logger.Info("ws closing, task already terminal", "status", state.Status)
		conn.Close(websocket.StatusNormalClosure, "task finished")
		return
	}

	lastState := state
	idle := time.NewTimer(s.cfg.WSIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("ws client disconnected")
			return
		case <-idle.C:
			logger.Info("ws idle timeout")
			conn.Close(websocket.StatusNormalClosure, "idle timeout")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "stream closed")
				return
			}
			if ev.EventID <= lastSent {
				continue
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.cfg.WSIdleTimeout)

			if err := wsjson.Write(ctx, conn, wsMessage{Type: "event", TaskID: taskID, Event: &ev}); err != nil {
				return
			}
			lastSent = ev.EventID

			cur, err := s.cfg.Runner.State(taskID)
			if err != nil {
				conn.Close(websocket.StatusNormalClosure, "task evicted")
				return
			}
			if stateChanged(lastState, cur) {
				if err := wsjson.Write(ctx, conn, wsMessage{Type: "state", TaskID: taskID, State: &cur}); err != nil {
					return
				}
				lastState = cur
			}
			if cur.Status.Terminal() {
				logger.Info("ws closing, task finished", "status", cur.Status)
				conn.Close(websocket.StatusNormalClosure, "task finished")
				return
			}
		}
	}
}

func stateChanged(prev, cur task.State) bool {
	return prev.Status != cur.Status ||
		prev.Progress != cur.Progress ||
		prev.CurrentAgent != cur.CurrentAgent ||
		prev.LastMessage != cur.LastMessage
}
