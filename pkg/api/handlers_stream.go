package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/odvcencio/threadline/pkg/bus"
	apperrors "github.com/odvcencio/threadline/pkg/errors"
	"github.com/odvcencio/threadline/pkg/logging"
)

const heartbeatInterval = 30 * time.Second

// StreamEvent is the frame sent to SSE and WebSocket clients.
type StreamEvent struct {
	Type      string         `json:"type"`
	ThreadID  string         `json:"thread_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Event     *bus.Event     `json:"event,omitempty"`
	Thread    *threadView    `json:"thread,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// eventPattern builds the bus pattern from the thread and kind query
// parameters.
func eventPattern(r *http.Request) string {
	q := r.URL.Query()
	id := strings.TrimSpace(q.Get("thread"))
	kind := bus.EventKind(strings.TrimSpace(q.Get("kind")))
	switch {
	case id != "" && kind != "":
		return bus.ThreadSubject(id, kind)
	case id != "":
		return bus.ThreadSubject(id, ">")
	case kind != "":
		return bus.KindSubject(kind)
	default:
		return bus.ThreadEvents
	}
}

// subscribe forwards matching bus events into a buffered channel, dropping
// events when the client falls behind. The thread state attached to each
// frame is read from the store when the frame is built.
func (s *Server) subscribe(ctx context.Context, pattern string, withState bool) (<-chan StreamEvent, bus.Subscription, error) {
	events := make(chan StreamEvent, 128)
	sub, err := bus.SubscribeEvents(ctx, s.bus, pattern, func(ev bus.Event) {
		frame := StreamEvent{
			Type:      string(ev.Kind),
			ThreadID:  ev.ThreadID,
			Timestamp: ev.Time,
			Event:     &ev,
		}
		if withState && ev.Kind != bus.EventEvict {
			if st, ok := s.orch.Store().Get(ev.ThreadID); ok {
				v := s.view(st)
				frame.Thread = &v
			}
		}
		select {
		case events <- frame:
		default:
			s.logger.Debug(logging.CategoryAPI, "stream_drop", "client buffer full", map[string]any{
				"thread_id": ev.ThreadID,
				"kind":      ev.Kind,
			})
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return events, sub, nil
}

// handleEvents streams thread events as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		respondJSON(w, http.StatusServiceUnavailable, errorBody{
			Error: "event bus not configured", Status: http.StatusServiceUnavailable,
		})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, apperrors.New(apperrors.ErrCodeInternal, "streaming not supported"))
		return
	}

	ctx := r.Context()
	pattern := eventPattern(r)
	events, sub, err := s.subscribe(ctx, pattern, r.URL.Query().Get("state") != "false")
	if err != nil {
		respondError(w, apperrors.Wrap(err, apperrors.ErrCodeInternal, "subscribing to events"))
		return
	}
	defer func() { _ = sub.Unsubscribe() }()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	write := func(ev StreamEvent) bool {
		data, err := json.Marshal(ev)
		if err != nil {
			return true
		}
		if _, err := w.Write([]byte("event: " + ev.Type + "\ndata: " + string(data) + "\n\n")); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !write(StreamEvent{Type: "connected", Timestamp: time.Now().UTC(), Data: map[string]any{"pattern": pattern}}) {
		return
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !write(StreamEvent{Type: "heartbeat", Timestamp: time.Now().UTC()}) {
				return
			}
		case ev := <-events:
			if !write(ev) {
				return
			}
		}
	}
}

// ClientMessage is a command sent by a WebSocket client.
type ClientMessage struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id,omitempty"`
	Content  string `json:"content,omitempty"`
}

// handleWebSocket streams thread events and accepts submit and abort
// commands over one connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		respondJSON(w, http.StatusServiceUnavailable, errorBody{
			Error: "event bus not configured", Status: http.StatusServiceUnavailable,
		})
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns(),
	})
	if err != nil {
		s.logger.Warn(logging.CategoryAPI, "ws_upgrade_failed", err.Error(), nil)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	pattern := eventPattern(r)
	events, sub, err := s.subscribe(ctx, pattern, r.URL.Query().Get("state") != "false")
	if err != nil {
		conn.Close(websocket.StatusInternalError, "subscription failed")
		return
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := wsjson.Write(ctx, conn, StreamEvent{
		Type:      "connected",
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"pattern": pattern, "protocol": "websocket"},
	}); err != nil {
		return
	}

	go func() {
		defer cancel()
		for {
			var msg ClientMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				return
			}
			reply := s.handleClientMessage(ctx, msg)
			if err := wsjson.Write(ctx, conn, reply); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wsjson.Write(ctx, conn, StreamEvent{Type: "heartbeat", Timestamp: time.Now().UTC()}); err != nil {
				return
			}
		case ev := <-events:
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleClientMessage(ctx context.Context, msg ClientMessage) StreamEvent {
	reply := StreamEvent{Type: msg.Type + "_ok", ThreadID: msg.ThreadID, Timestamp: time.Now().UTC()}
	var err error
	switch msg.Type {
	case "ping":
		reply.Type = "pong"
		return reply
	case "abort":
		reply.Data = map[string]any{"aborted": s.orch.Abort(msg.ThreadID)}
		return reply
	case "submit":
		if strings.TrimSpace(msg.Content) == "" {
			err = apperrors.New(apperrors.ErrCodeInvalidInput, "content is required")
			break
		}
		err = s.orch.Submit(ctx, msg.ThreadID, msg.Content)
	case "enable_send":
		err = s.orch.EnableSend(msg.ThreadID)
	default:
		err = apperrors.Newf(apperrors.ErrCodeInvalidInput, "unknown message type %q", msg.Type)
	}
	if err != nil {
		reply.Type = "error"
		reply.Data = map[string]any{
			"error": apperrors.UserMessage(err),
			"code":  string(apperrors.GetCode(err)),
		}
	}
	return reply
}
