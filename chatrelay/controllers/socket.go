// chatrelay/controllers/socket.go
package controllers

import (
	"chatrelay/chatrelay/utils/logging"
	"chatrelay/chatrelay/utils/types"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Client -> server events.
const (
	EventSendMessage       = "sendMessage"
	EventGetHistory        = "getHistory"
	EventClearConversation = "clearRemoteConversation"
)

// Server -> client events.
const (
	EventChatChunk   = "chatChunk"
	EventStreamError = "streamError"
	EventStreamEnd   = "streamEnd"
	EventAck         = "ack"
	EventError       = "error"
)

const socketReadLimit = 1 << 20

type SocketFrame struct {
	Event string          `json:"event"`
	ID    *int64          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type SocketReply struct {
	Event string `json:"event"`
	ID    *int64 `json:"id,omitempty"`
	Data  any    `json:"data"`
}

type SocketController struct {
	chat  *ChatController
	limit rate.Limit
	burst int
}

func NewSocketController(chat *ChatController, perSecond float64, burst int) *SocketController {
	return &SocketController{chat: chat, limit: rate.Limit(perSecond), burst: burst}
}

// socketSink turns relay events into chatChunk/streamError/streamEnd frames.
type socketSink struct {
	conn *websocket.Conn
}

func (s socketSink) Emit(ctx context.Context, ev types.StreamEvent) error {
	name := EventChatChunk
	switch ev.Type {
	case types.EventError:
		name = EventStreamError
	case types.EventEnd:
		name = EventStreamEnd
	}
	return wsjson.Write(ctx, s.conn, SocketReply{Event: name, Data: ev})
}

// Serve runs one client connection until it closes. In-flight sendMessage
// calls are cancelled and joined before Serve returns.
func (s *SocketController) Serve(ctx context.Context, conn *websocket.Conn) {
	connID := uuid.NewString()
	ctx = context.WithValue(ctx, logging.ConnIDKey, connID)
	log := logging.AppLogger.With(zap.String("conn_id", connID))
	log.Info("client connected")

	conn.SetReadLimit(socketReadLimit)
	limiter := rate.NewLimiter(s.limit, s.burst)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			typ, data, err := conn.Read(gctx)
			if err != nil {
				return err
			}
			if typ != websocket.MessageText {
				s.reply(gctx, conn, SocketReply{Event: EventError, Data: "unsupported data"})
				continue
			}
			var frame SocketFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				s.reply(gctx, conn, SocketReply{Event: EventError, Data: "invalid json"})
				continue
			}
			s.dispatch(gctx, g, conn, limiter, frame)
		}
	})

	err := g.Wait()
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		log.Info("client disconnected")
		conn.Close(websocket.StatusNormalClosure, "")
	default:
		if errors.Is(err, context.Canceled) {
			log.Info("client disconnected", zap.String("reason", "context cancelled"))
		} else {
			logging.ErrorLogger.Error("websocket read error", zap.String("conn_id", connID), zap.Error(err))
		}
		conn.Close(websocket.StatusInternalError, "internal error")
	}
}

func (s *SocketController) dispatch(ctx context.Context, g *errgroup.Group, conn *websocket.Conn, limiter *rate.Limiter, frame SocketFrame) {
	switch frame.Event {
	case EventSendMessage:
		var req types.ChatRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			s.reply(ctx, conn, SocketReply{Event: EventError, ID: frame.ID, Data: "invalid sendMessage payload"})
			return
		}
		sink := socketSink{conn: conn}
		if !limiter.Allow() {
			rejectRateLimited(ctx, sink, req.ConversationID)
			return
		}
		g.Go(func() error {
			s.chat.SendMessage(ctx, req, sink)
			return nil
		})

	case EventGetHistory:
		var convID string
		if err := json.Unmarshal(frame.Data, &convID); err != nil {
			s.reply(ctx, conn, SocketReply{Event: EventError, ID: frame.ID, Data: "getHistory expects a conversation id"})
			return
		}
		// errors are logged by the controller; the client gets an empty list
		history, _ := s.chat.GetHistory(ctx, convID)
		s.reply(ctx, conn, SocketReply{Event: EventAck, ID: frame.ID, Data: history})

	case EventClearConversation:
		var convID string
		if err := json.Unmarshal(frame.Data, &convID); err != nil {
			s.reply(ctx, conn, SocketReply{Event: EventError, ID: frame.ID, Data: "clearRemoteConversation expects a conversation id"})
			return
		}
		res := types.ClearResult{Success: true}
		if err := s.chat.ClearConversation(ctx, convID); err != nil {
			res = types.ClearResult{Success: false, Error: err.Error()}
		}
		s.reply(ctx, conn, SocketReply{Event: EventAck, ID: frame.ID, Data: res})

	default:
		s.reply(ctx, conn, SocketReply{Event: EventError, ID: frame.ID, Data: fmt.Sprintf("unknown event %q", frame.Event)})
	}
}

// rejectRateLimited answers a throttled sendMessage with streamError then streamEnd.
func rejectRateLimited(ctx context.Context, sink EventSink, convID string) {
	logging.AppLogger.Info("sendMessage rate limited", zap.String("conversation_id", convID))
	for _, ev := range []types.StreamEvent{
		{ConversationID: convID, Type: types.EventError, Data: "rate limit exceeded"},
		{ConversationID: convID, Type: types.EventEnd, Data: "Operation finished"},
	} {
		if err := sink.Emit(ctx, ev); err != nil {
			logging.ErrorLogger.Error("websocket write error",
				zap.String("event", ev.Type), zap.String("conversation_id", convID), zap.Error(err))
			return
		}
	}
}

func (s *SocketController) reply(ctx context.Context, conn *websocket.Conn, r SocketReply) {
	if err := wsjson.Write(ctx, conn, r); err != nil {
		logging.ErrorLogger.Error("websocket write error", zap.String("event", r.Event), zap.Error(err))
	}
}
