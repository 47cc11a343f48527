package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/broker"
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/signaling"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamFrame is one multiplexed request on the socket. The id is echoed on
// the matching response so a client can pipeline operations (in particular,
// keep a blocking receive in flight while sending).
type streamFrame struct {
	ID      string          `json:"id"`
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// streamReply mirrors the HTTP envelope, plus the originating frame id.
type streamReply struct {
	ID            string      `json:"id,omitempty"`
	Status        string      `json:"status"`
	Data          interface{} `json:"data,omitempty"`
	StatusMessage string      `json:"statusMessage,omitempty"`
}

// streamConn is one upgraded socket. Frames are dispatched concurrently and
// replies serialized through the send channel.
type streamConn struct {
	conn    *websocket.Conn
	send    chan streamReply
	closeWS sync.Once
	cancel  context.CancelFunc
	h       *Handlers
	logger  *logrus.Logger
}

// HandleStream serves GET /v1/stream: the parallel streaming transport.
// Frames carry send, receive, disconnect, list-agents, list-system-agents,
// status and ping; connect, delete-channel and the offsets probe are served
// over HTTP only. Long-poll
// receives block server-side exactly as they do over HTTP, without holding
// the socket (other frames keep flowing).
func (h *Handlers) HandleStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("stream: websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sc := &streamConn{
		conn:   conn,
		send:   make(chan streamReply, 64),
		cancel: cancel,
		h:      h,
		logger: h.logger,
	}
	go sc.writePump()
	sc.readPump(ctx)
}

func (sc *streamConn) close() {
	sc.closeWS.Do(func() {
		sc.cancel()
		close(sc.send)
		sc.conn.Close()
	})
}

// readPump decodes frames until the socket errors or closes. Each frame is
// handled on its own goroutine so a blocking receive never stalls sends
// arriving on the same socket; closing the socket cancels ctx. The durable
// log checks ctx only between condition waits, so an in-flight long-poll
// returns when its current wait ends (a new event or its wait budget), not
// at the moment of cancellation.
func (sc *streamConn) readPump(ctx context.Context) {
	defer sc.close()
	sc.conn.SetReadLimit(maxMessageSize)
	sc.conn.SetReadDeadline(time.Now().Add(pongWait))
	sc.conn.SetPongHandler(func(string) error {
		sc.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var frame streamFrame
		if err := sc.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				sc.logger.WithError(err).Debug("stream: socket closed unexpectedly")
			}
			return
		}
		go sc.dispatch(ctx, frame)
	}
}

func (sc *streamConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sc.conn.Close()
	}()

	for {
		select {
		case reply, ok := <-sc.send:
			sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				sc.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sc.conn.WriteJSON(reply); err != nil {
				return
			}
		case <-ticker.C:
			sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (sc *streamConn) reply(id string, data interface{}, err error) {
	var out streamReply
	if err != nil {
		message := err.Error()
		if broker.KindOf(err) == broker.ErrSessionNotFound {
			message = broker.SessionNotFoundMessage
		}
		out = streamReply{ID: id, Status: "error", StatusMessage: message}
	} else {
		out = streamReply{ID: id, Status: "success", Data: data}
	}

	defer func() {
		// send may already be closed if the socket died mid-dispatch.
		recover()
	}()
	select {
	case sc.send <- out:
	default:
		sc.logger.Warn("stream: slow consumer, dropping connection")
		sc.close()
	}
}

// dispatch routes one frame onto the same service methods the HTTP
// handlers call.
func (sc *streamConn) dispatch(ctx context.Context, frame streamFrame) {
	svc := sc.h.svc
	switch frame.Op {
	case "send":
		var req sendRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			sc.reply(frame.ID, nil, broker.NewError(broker.ErrBadRequest, "malformed send payload: %v", err))
			return
		}
		msg := eventFromWire(req.Event, signaling.DefaultEphemeral)
		if err := signaling.Validate(msg); err != nil {
			sc.reply(frame.ID, nil, err)
			return
		}
		state, err := svc.Send(ctx, req.SessionID, msg)
		sc.reply(frame.ID, state, err)

	case "receive":
		var req receiveRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			sc.reply(frame.ID, nil, broker.NewError(broker.ErrBadRequest, "malformed receive payload: %v", err))
			return
		}
		result, err := svc.Receive(ctx, req.SessionID, req.toConfig())
		if err != nil {
			sc.reply(frame.ID, nil, err)
			return
		}
		sc.reply(frame.ID, receiveResponse{
			Events:           eventsToWire(result.Events),
			EphemeralEvents:  eventsToWire(result.EphemeralEvents),
			NextGlobalOffset: result.NextGlobalOffset,
			NextLocalOffset:  result.NextLocalOffset,
		}, nil)

	case "disconnect":
		var req disconnectRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			sc.reply(frame.ID, nil, broker.NewError(broker.ErrBadRequest, "malformed disconnect payload: %v", err))
			return
		}
		if req.AsyncDisconnect {
			// Answer first, tear down in the background, same contract as
			// the HTTP handler.
			sc.reply(frame.ID, nil, nil)
			go func() {
				if err := svc.Disconnect(context.WithoutCancel(ctx), req.SessionID); err != nil {
					sc.logger.WithError(err).Warn("stream: async disconnect failed")
				}
			}()
			return
		}
		sc.reply(frame.ID, nil, svc.Disconnect(ctx, req.SessionID))

	case "list-agents":
		sc.rosterReply(ctx, frame, svc.ListAgents)

	case "list-system-agents":
		sc.rosterReply(ctx, frame, svc.ListSystemAgents)

	case "status":
		var req struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			sc.reply(frame.ID, nil, broker.NewError(broker.ErrBadRequest, "malformed status payload: %v", err))
			return
		}
		status, err := svc.Status(ctx, req.SessionID)
		sc.reply(frame.ID, status, err)

	case "ping":
		sc.reply(frame.ID, "pong", nil)

	default:
		sc.reply(frame.ID, nil, broker.NewError(broker.ErrBadRequest, "unknown op %q", frame.Op))
	}
}

func (sc *streamConn) rosterReply(ctx context.Context, frame streamFrame, list func(context.Context, string) ([]broker.AgentInfo, error)) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		sc.reply(frame.ID, nil, broker.NewError(broker.ErrBadRequest, "malformed payload: %v", err))
		return
	}
	agents, err := list(ctx, req.SessionID)
	sc.reply(frame.ID, agents, err)
}
