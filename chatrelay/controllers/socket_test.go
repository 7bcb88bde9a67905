package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatrelay/chatrelay/services/llm"
	"chatrelay/chatrelay/sources/psql/models"
	"chatrelay/chatrelay/utils/logging"
	"chatrelay/chatrelay/utils/types"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type rawReply struct {
	Event string          `json:"event"`
	ID    *int64          `json:"id"`
	Data  json.RawMessage `json:"data"`
}

func startSocketServer(t *testing.T, ctrl *SocketController) *websocket.Conn {
	t.Helper()
	conn, _ := startSocketServerDone(t, ctrl)
	return conn
}

// startSocketServerDone also reports when Serve has returned.
func startSocketServerDone(t *testing.T, ctrl *SocketController) (*websocket.Conn, <-chan struct{}) {
	t.Helper()
	served := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctrl.Serve(r.Context(), conn)
		close(served)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn, served
}

func send(t *testing.T, conn *websocket.Conn, event string, id int64, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, SocketFrame{Event: event, ID: &id, Data: raw}))
}

func next(t *testing.T, conn *websocket.Conn) rawReply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var r rawReply
	require.NoError(t, wsjson.Read(ctx, conn, &r))
	return r
}

// readStream collects stream frames up to and including streamEnd.
func readStream(t *testing.T, conn *websocket.Conn) []rawReply {
	t.Helper()
	var out []rawReply
	for {
		r := next(t, conn)
		out = append(out, r)
		if r.Event == EventStreamEnd {
			return out
		}
	}
}

func TestSocketSendMessageStreams(t *testing.T) {
	store := newTestDAO(t)
	chat := NewChatController(store, &stubStreamer{chunks: []string{"Hel", "lo"}}, "test-model", nil)
	conn := startSocketServer(t, NewSocketController(chat, 100, 10))

	send(t, conn, EventSendMessage, 1, types.ChatRequest{ConversationID: "c1", Message: "hi"})
	frames := readStream(t, conn)
	require.Len(t, frames, 3)

	var ev types.StreamEvent
	require.Equal(t, EventChatChunk, frames[0].Event)
	require.NoError(t, json.Unmarshal(frames[0].Data, &ev))
	require.Equal(t, "c1", ev.ConversationID)
	require.Equal(t, "Hel", ev.Data)
	require.Equal(t, EventChatChunk, frames[1].Event)

	require.NoError(t, json.Unmarshal(frames[2].Data, &ev))
	require.Equal(t, types.EventEnd, ev.Type)
	require.Equal(t, "Operation finished", ev.Data)

	send(t, conn, EventGetHistory, 2, "c1")
	ack := next(t, conn)
	require.Equal(t, EventAck, ack.Event)
	require.NotNil(t, ack.ID)
	require.EqualValues(t, 2, *ack.ID)

	var history []types.HistoryMessage
	require.NoError(t, json.Unmarshal(ack.Data, &history))
	require.Len(t, history, 2)
	require.Equal(t, models.RoleUser, history[0].Role)
	require.Equal(t, "hi", history[0].Parts[0].Text)
	require.Equal(t, models.RoleModel, history[1].Role)
	require.Equal(t, "Hello", history[1].Parts[0].Text)
}

func TestSocketStreamErrorFrame(t *testing.T) {
	store := newTestDAO(t)
	chat := NewChatController(store, &stubStreamer{chunks: []string{"part"}, err: context.DeadlineExceeded}, "m", nil)
	conn := startSocketServer(t, NewSocketController(chat, 100, 10))

	send(t, conn, EventSendMessage, 1, types.ChatRequest{ConversationID: "c", Message: "q"})
	frames := readStream(t, conn)
	events := make([]string, 0, len(frames))
	for _, f := range frames {
		events = append(events, f.Event)
	}
	require.Equal(t, []string{EventChatChunk, EventStreamError, EventStreamEnd}, events)

	var ev types.StreamEvent
	require.NoError(t, json.Unmarshal(frames[1].Data, &ev))
	require.True(t, strings.HasPrefix(ev.Data, "Stream Error: "), ev.Data)
}

func TestSocketClearConversation(t *testing.T) {
	store := newTestDAO(t)
	ctx := context.Background()
	_, err := store.SaveMessage(ctx, "gone", models.RoleUser, "x")
	require.NoError(t, err)

	chat := NewChatController(store, &stubStreamer{}, "m", nil)
	conn := startSocketServer(t, NewSocketController(chat, 100, 10))

	send(t, conn, EventClearConversation, 7, "gone")
	ack := next(t, conn)
	require.Equal(t, EventAck, ack.Event)
	var res types.ClearResult
	require.NoError(t, json.Unmarshal(ack.Data, &res))
	require.True(t, res.Success)

	history, err := store.GetHistory(ctx, "gone")
	require.NoError(t, err)
	require.Empty(t, history)

	send(t, conn, EventClearConversation, 8, "")
	ack = next(t, conn)
	require.NoError(t, json.Unmarshal(ack.Data, &res))
	require.False(t, res.Success)
	require.NotEmpty(t, res.Error)
}

func TestSocketRejectsBadFrames(t *testing.T) {
	chat := NewChatController(newTestDAO(t), &stubStreamer{}, "m", nil)
	conn := startSocketServer(t, NewSocketController(chat, 100, 10))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{not json")))
	r := next(t, conn)
	require.Equal(t, EventError, r.Event)
	require.JSONEq(t, `"invalid json"`, string(r.Data))

	require.NoError(t, conn.Write(ctx, websocket.MessageBinary, []byte{0x01}))
	r = next(t, conn)
	require.Equal(t, EventError, r.Event)
	require.JSONEq(t, `"unsupported data"`, string(r.Data))

	send(t, conn, "dance", 3, nil)
	r = next(t, conn)
	require.Equal(t, EventError, r.Event)
	require.EqualValues(t, 3, *r.ID)

	send(t, conn, EventGetHistory, 4, 42)
	r = next(t, conn)
	require.Equal(t, EventError, r.Event)
}

func TestSocketRateLimit(t *testing.T) {
	store := newTestDAO(t)
	chat := NewChatController(store, &stubStreamer{chunks: []string{"ok"}}, "m", nil)
	conn := startSocketServer(t, NewSocketController(chat, 0.001, 1))

	send(t, conn, EventSendMessage, 1, types.ChatRequest{ConversationID: "r", Message: "first"})
	first := readStream(t, conn)
	require.Equal(t, EventChatChunk, first[0].Event)

	send(t, conn, EventSendMessage, 2, types.ChatRequest{ConversationID: "r", Message: "second"})
	second := readStream(t, conn)
	require.Len(t, second, 2)
	require.Equal(t, EventStreamError, second[0].Event)
	var ev types.StreamEvent
	require.NoError(t, json.Unmarshal(second[0].Data, &ev))
	require.Equal(t, "rate limit exceeded", ev.Data)

	history, err := store.GetHistory(context.Background(), "r")
	require.NoError(t, err)
	require.Len(t, history, 2, "rate limited message must not be stored")
}

func TestRejectRateLimitedLogsWriteErrors(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	prev := logging.ErrorLogger
	logging.ErrorLogger = zap.New(core)
	t.Cleanup(func() { logging.ErrorLogger = prev })

	sink := &recordingSink{}
	rejectRateLimited(context.Background(), sink, "c")
	require.Equal(t, []string{types.EventError, types.EventEnd}, sink.kinds())
	require.Zero(t, logs.Len())

	rejectRateLimited(context.Background(), &recordingSink{failAt: 1}, "c")
	require.Equal(t, 1, logs.FilterMessage("websocket write error").Len())
}

// echoStreamer replies "re: <last message>" in two chunks.
type echoStreamer struct{}

func (echoStreamer) RunStream(_ context.Context, req llm.ChatRequest) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk, 2)
	ch <- llm.Chunk{Text: "re: "}
	ch <- llm.Chunk{Text: req.Messages[len(req.Messages)-1].Content}
	close(ch)
	return ch, nil
}

func TestSocketConcurrentSendMessages(t *testing.T) {
	store := newTestDAO(t)
	chat := NewChatController(store, echoStreamer{}, "m", nil)
	conn := startSocketServer(t, NewSocketController(chat, 100, 10))

	send(t, conn, EventSendMessage, 1, types.ChatRequest{ConversationID: "a", Message: "first"})
	send(t, conn, EventSendMessage, 2, types.ChatRequest{ConversationID: "b", Message: "second"})

	replies := map[string]string{}
	ends := 0
	for ends < 2 {
		r := next(t, conn)
		var ev types.StreamEvent
		require.NoError(t, json.Unmarshal(r.Data, &ev))
		switch r.Event {
		case EventChatChunk:
			replies[ev.ConversationID] += ev.Data
		case EventStreamEnd:
			ends++
		default:
			t.Fatalf("unexpected frame %s: %s", r.Event, ev.Data)
		}
	}
	require.Equal(t, map[string]string{"a": "re: first", "b": "re: second"}, replies)

	for conv, want := range replies {
		history, err := store.GetHistory(context.Background(), conv)
		require.NoError(t, err)
		require.Len(t, history, 2)
		require.Equal(t, want, history[1].Content)
	}
}

// gatedStreamer sends its first chunk, then waits for release before the rest.
type gatedStreamer struct {
	chunks  []string
	release chan struct{}
}

func (s gatedStreamer) RunStream(ctx context.Context, _ llm.ChatRequest) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for i, c := range s.chunks {
			if i == 1 {
				select {
				case <-s.release:
				case <-ctx.Done():
					ch <- llm.Chunk{Err: ctx.Err()}
					return
				}
			}
			select {
			case ch <- llm.Chunk{Text: c}:
			case <-ctx.Done():
				ch <- llm.Chunk{Err: ctx.Err()}
				return
			}
		}
	}()
	return ch, nil
}

func TestSocketDisconnectMidStreamStoresFullReply(t *testing.T) {
	store := newTestDAO(t)
	release := make(chan struct{})
	streamer := gatedStreamer{chunks: []string{"one ", "two ", "three ", "four"}, release: release}
	chat := NewChatController(store, streamer, "m", nil)
	conn, served := startSocketServerDone(t, NewSocketController(chat, 100, 10))

	send(t, conn, EventSendMessage, 1, types.ChatRequest{ConversationID: "d", Message: "hi"})
	first := next(t, conn)
	require.Equal(t, EventChatChunk, first.Event)
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))

	select {
	case <-served:
		t.Fatal("connection finished before the in-flight turn")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)

	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight turn was not joined")
	}

	history, err := store.GetHistory(context.Background(), "d")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "one two three four", history[1].Content)
}
