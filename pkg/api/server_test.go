package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/odvcencio/threadline/pkg/bus"
	"github.com/odvcencio/threadline/pkg/chat"
	"github.com/odvcencio/threadline/pkg/conversation"
	apperrors "github.com/odvcencio/threadline/pkg/errors"
	"github.com/odvcencio/threadline/pkg/history"
	"github.com/odvcencio/threadline/pkg/model"
	"github.com/odvcencio/threadline/pkg/storage"
	"github.com/odvcencio/threadline/pkg/thread"
	"github.com/odvcencio/threadline/pkg/tool"
)

// fakeService answers every chat request with a fixed reply.
type fakeService struct {
	reply string
}

func (f *fakeService) AvailableTools(context.Context) ([]model.Tool, error) {
	return nil, nil
}

func (f *fakeService) SendChat(context.Context, model.ChatRequest) (io.ReadCloser, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", f.reply)
	b.WriteString("data: [DONE]\n\n")
	return io.NopCloser(strings.NewReader(b.String())), nil
}

func (f *fakeService) GenerateChatTitle(context.Context, model.TitleRequest) (string, error) {
	return "A title", nil
}

func (f *fakeService) CheckToolConfirmation(context.Context, model.ConfirmationRequest) (model.ConfirmationResponse, error) {
	return model.ConfirmationResponse{}, nil
}

type testEnv struct {
	server *Server
	orch   *chat.Orchestrator
	repo   *history.Repository
	bus    *bus.MemoryBus
}

func newTestEnv(t *testing.T, withHistory bool) *testEnv {
	t.Helper()
	b := bus.NewMemoryBus()
	t.Cleanup(func() { _ = b.Close() })

	store := thread.NewStore(thread.Options{Model: "test-model", ToolUse: tool.ModeQuick, Bus: b})
	orch := chat.New(chat.Options{Service: &fakeService{reply: "hello there"}, Store: store, TitleTimeout: time.Second})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Close(ctx)
	})

	env := &testEnv{orch: orch, bus: b}
	deps := Deps{Orchestrator: orch, Bus: b}
	if withHistory {
		kv, err := storage.New(filepath.Join(t.TempDir(), "api.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = kv.Close() })
		env.repo = history.NewRepository(kv)
		deps.History = env.repo
	}
	env.server = NewServer(Config{Version: "test", AllowedOrigins: []string{"https://app.example.com"}}, deps)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type viewBody struct {
	Thread struct {
		ID       string            `json:"id"`
		Title    string            `json:"title"`
		Messages []json.RawMessage `json:"messages"`
	} `json:"thread"`
	Phase       string `json:"phase"`
	Active      bool   `json:"active"`
	PreventSend bool   `json:"prevent_send"`
}

func (e *testEnv) wait(t *testing.T, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.orch.Wait(ctx, id))
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestMetricsWithoutGatherer(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionAndNewThread(t *testing.T) {
	env := newTestEnv(t, false)
	firstID := env.orch.Store().ActiveID()

	rec := env.do(t, http.MethodPost, "/api/v1/threads/", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[viewBody](t, rec)
	assert.True(t, created.Active)
	assert.Equal(t, "idle", created.Phase)
	assert.NotEqual(t, firstID, created.Thread.ID)

	rec = env.do(t, http.MethodGet, "/api/v1/session", "")
	require.Equal(t, http.StatusOK, rec.Code)
	session := decode[thread.Session](t, rec)
	assert.Equal(t, created.Thread.ID, session.Active.Thread.ID)
	assert.Equal(t, tool.ModeQuick, session.ToolUse)
}

func TestUpdateSettings(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodPut, "/api/v1/settings", `{"tool_use":"explore","model":" other-model "}`)
	require.Equal(t, http.StatusOK, rec.Code)
	session := decode[thread.Session](t, rec)
	assert.Equal(t, tool.ModeExplore, session.ToolUse)
	assert.Equal(t, "other-model", session.Model)

	rec = env.do(t, http.MethodPut, "/api/v1/settings", `{"tool_use":"everything"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(apperrors.ErrCodeInvalidInput), decode[errorBody](t, rec).Code)
}

func TestGetUnknownThread(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodGet, "/api/v1/threads/missing/", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, string(apperrors.ErrCodeThreadNotFound), body.Code)
	assert.Equal(t, "missing", body.Context["thread_id"])
}

func TestSubmitStreamsReply(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.orch.Store().ActiveID()

	rec := env.do(t, http.MethodPost, "/api/v1/threads/"+id+"/messages", `{"content":"hi"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, id, decode[viewBody](t, rec).Thread.ID)

	env.wait(t, id)
	rec = env.do(t, http.MethodGet, "/api/v1/threads/"+id+"/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[viewBody](t, rec)
	assert.Equal(t, "idle", got.Phase)
	require.Len(t, got.Thread.Messages, 2)
	assert.Contains(t, string(got.Thread.Messages[1]), "hello there")
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.orch.Store().ActiveID()

	tests := []struct {
		name string
		body string
	}{
		{name: "empty content", body: `{"content":"  "}`},
		{name: "unknown field", body: `{"content":"hi","extra":true}`},
		{name: "malformed", body: `{"content":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/threads/"+id+"/messages", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSendMessagesRequiresMessages(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.orch.Store().ActiveID()

	rec := env.do(t, http.MethodPost, "/api/v1/threads/"+id+"/send", `{"messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/threads/"+id+"/send",
		`{"messages":[{"role":"user","content":"from the client"}]}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	env.wait(t, id)
}

func TestAbortIdleThread(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.orch.Store().ActiveID()

	rec := env.do(t, http.MethodPost, "/api/v1/threads/"+id+"/abort", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]bool{"aborted": false}, decode[map[string]bool](t, rec))

	rec = env.do(t, http.MethodPost, "/api/v1/threads/nope/abort", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPauseEndpointsWithoutPause(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.orch.Store().ActiveID()

	rec := env.do(t, http.MethodGet, "/api/v1/threads/"+id+"/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[pauseView](t, rec).CanConfirm)

	rec = env.do(t, http.MethodPost, "/api/v1/threads/"+id+"/confirm", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(apperrors.ErrCodeNoPause), decode[errorBody](t, rec).Code)

	rec = env.do(t, http.MethodPost, "/api/v1/threads/"+id+"/patch", `{"choice":"sometimes"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvictActiveThreadConflicts(t *testing.T) {
	env := newTestEnv(t, false)
	first := env.orch.Store().ActiveID()

	rec := env.do(t, http.MethodDelete, "/api/v1/threads/"+first+"/", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	env.orch.NewChat()
	rec = env.do(t, http.MethodDelete, "/api/v1/threads/"+first+"/", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, ok := env.orch.Store().Get(first)
	assert.False(t, ok)
}

func TestExportThread(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.orch.Store().ActiveID()
	require.NoError(t, env.orch.Submit(context.Background(), id, "hi"))
	env.wait(t, id)

	rec := env.do(t, http.MethodGet, "/api/v1/threads/"+id+"/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/markdown")
	assert.Contains(t, rec.Body.String(), "hello there")

	rec = env.do(t, http.MethodGet, "/api/v1/threads/"+id+"/export?format=json", "")
	require.Equal(t, http.StatusOK, rec.Code)
	th, err := conversation.ImportJSON(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, id, th.ID)

	rec = env.do(t, http.MethodGet, "/api/v1/threads/"+id+"/export?format=pdf", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryUnavailable(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodGet, "/api/v1/history/", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHistoryImportRestoreDelete(t *testing.T) {
	env := newTestEnv(t, true)

	th := conversation.NewThread("test-model", tool.ModeAgent)
	th.Title = "Imported"
	th.Messages = conversation.Messages{
		conversation.UserMessage{Content: "question"},
		conversation.AssistantMessage{Content: model.StringPtr("answer")},
	}
	data, err := conversation.Export(th, conversation.ExportOptions{Format: conversation.ExportJSON})
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/v1/history/import", string(data))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/history/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Threads []conversation.Summary `json:"threads"`
	}](t, rec)
	require.Len(t, list.Threads, 1)
	assert.Equal(t, th.ID, list.Threads[0].ID)

	rec = env.do(t, http.MethodPost, "/api/v1/history/"+th.ID+"/restore", "")
	require.Equal(t, http.StatusOK, rec.Code)
	restored := decode[viewBody](t, rec)
	assert.True(t, restored.Active)
	assert.Equal(t, "Imported", restored.Thread.Title)
	assert.Equal(t, th.ID, env.orch.Store().ActiveID())

	rec = env.do(t, http.MethodGet, "/api/v1/history/"+th.ID+"?format=markdown", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "answer")

	rec = env.do(t, http.MethodDelete, "/api/v1/history/"+th.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/v1/history/"+th.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistoryRollback(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()

	th := conversation.NewThread("test-model", tool.ModeQuick)
	th.Messages = conversation.Messages{
		conversation.UserMessage{Content: "question"},
		conversation.AssistantMessage{Content: model.StringPtr("half an ans")},
	}
	require.NoError(t, env.repo.Save(ctx, th))

	rec := env.do(t, http.MethodPost, "/api/v1/history/"+th.ID+"/rollback", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "no backup yet")

	require.NoError(t, env.repo.SaveBackup(ctx, th.ID, th.Messages[:1]))
	rec = env.do(t, http.MethodPost, "/api/v1/history/"+th.ID+"/rollback", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[conversation.Thread](t, rec)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, conversation.UserMessage{Content: "question"}, got.Messages[0])
}

func TestHistoryImportRejectsGarbage(t *testing.T) {
	env := newTestEnv(t, true)
	rec := env.do(t, http.MethodPost, "/api/v1/history/import", `{"messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, false)

	tests := []struct {
		name   string
		origin string
		want   string
	}{
		{name: "configured origin", origin: "https://app.example.com", want: "https://app.example.com"},
		{name: "same host", origin: "http://example.com", want: "http://example.com"},
		{name: "foreign origin", origin: "https://evil.example.net", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, "/api/v1/session", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			env.server.Handler().ServeHTTP(rec, req)
			assert.Equal(t, http.StatusNoContent, rec.Code)
			assert.Equal(t, tt.want, rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code apperrors.ErrorCode
		want int
	}{
		{apperrors.ErrCodeThreadNotFound, http.StatusNotFound},
		{apperrors.ErrCodeInvalidInput, http.StatusBadRequest},
		{apperrors.ErrCodeBusy, http.StatusConflict},
		{apperrors.ErrCodeSendBlocked, http.StatusConflict},
		{apperrors.ErrCodeRateLimit, http.StatusTooManyRequests},
		{apperrors.ErrCodeTransport, http.StatusBadGateway},
		{apperrors.ErrCodeStorageWrite, http.StatusServiceUnavailable},
		{apperrors.ErrCodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.code), tt.code)
	}
}

func TestEventPattern(t *testing.T) {
	tests := []struct {
		query string
		want  string
	}{
		{"", bus.ThreadEvents},
		{"?thread=t1", "threadline.thread.t1.>"},
		{"?kind=done", "threadline.thread.*.done"},
		{"?thread=t1&kind=chunk", "threadline.thread.t1.chunk"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/events"+tt.query, nil)
		assert.Equal(t, tt.want, eventPattern(req), tt.query)
	}
}

func TestEventsStreamRound(t *testing.T) {
	env := newTestEnv(t, false)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()
	id := env.orch.Store().ActiveID()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events?thread="+id, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	require.True(t, scanner.Scan())
	assert.Equal(t, "event: connected", scanner.Text())

	post, err := http.Post(ts.URL+"/api/v1/threads/"+id+"/messages", "application/json",
		bytes.NewBufferString(`{"content":"hi"}`))
	require.NoError(t, err)
	post.Body.Close()
	require.Equal(t, http.StatusAccepted, post.StatusCode)

	var kinds []string
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame StreamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame))
		if frame.Type == "connected" || frame.Type == "heartbeat" {
			continue
		}
		assert.Equal(t, id, frame.ThreadID)
		kinds = append(kinds, frame.Type)
		if frame.Type == string(bus.EventDone) {
			require.NotNil(t, frame.Thread)
			break
		}
	}
	assert.Equal(t, string(bus.EventAsk), kinds[0])
	assert.Contains(t, kinds, string(bus.EventChunk))
	assert.Equal(t, string(bus.EventDone), kinds[len(kinds)-1])
}

func TestWebSocketCommands(t *testing.T) {
	env := newTestEnv(t, false)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()
	id := env.orch.Store().ActiveID()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/api/v1/ws?thread="+id+"&state=false", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var frame StreamEvent
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	assert.Equal(t, "connected", frame.Type)

	require.NoError(t, wsjson.Write(ctx, conn, ClientMessage{Type: "ping"}))
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	assert.Equal(t, "pong", frame.Type)

	require.NoError(t, wsjson.Write(ctx, conn, ClientMessage{Type: "bogus"}))
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	assert.Equal(t, "error", frame.Type)
	assert.Equal(t, string(apperrors.ErrCodeInvalidInput), frame.Data["code"])

	require.NoError(t, wsjson.Write(ctx, conn, ClientMessage{Type: "submit", ThreadID: id, Content: "hi"}))
	sawDone := false
	for !sawDone {
		frame = StreamEvent{}
		require.NoError(t, wsjson.Read(ctx, conn, &frame))
		assert.Nil(t, frame.Thread)
		sawDone = frame.Type == string(bus.EventDone)
	}
	env.wait(t, id)
}
