package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/craftastic/craftastic/internal/common/errors"
	"github.com/craftastic/craftastic/internal/store"
	"github.com/craftastic/craftastic/internal/terminal"
	v1 "github.com/craftastic/craftastic/pkg/api/v1"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1MB
	outputBufSize  = 4096
)

// StreamBroker opens attachable PTY streams. Satisfied by the terminal
// broker.
type StreamBroker interface {
	Open(ctx context.Context, sess *store.Session, sandboxID string, cols, rows uint) (*terminal.Stream, error)
}

// ControlMessage is the JSON control protocol multiplexed over the
// websocket transport.
type ControlMessage struct {
	Type string `json:"type"` // input, output, resize, request-resize
	Data string `json:"data,omitempty"`
	Cols uint   `json:"cols,omitempty"`
	Rows uint   `json:"rows,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Any origin is accepted; the upgrade request still passes the identity
	// middleware. The UI is served from a different origin in development.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// TerminalWS attaches a websocket client to a session's multiplexer
// session. Closing the socket detaches; the multiplexer session survives.
// GET /api/terminal/ws/:sessionId
func (h *Handler) TerminalWS(c *gin.Context) {
	sess, err := h.svc.GetSession(c.Request.Context(), callerID(c), c.Param("sessionId"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if sess.Status == v1.SessionStatusDead {
		respondError(c, h.logger, apperrors.State(apperrors.CodeDeadSession, "session is dead"))
		return
	}

	env, err := h.svc.GetEnvironment(c.Request.Context(), callerID(c), sess.EnvironmentID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	// The stream outlives the HTTP request context.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := h.broker.Open(ctx, sess, env.SandboxID, 80, 24)
	if err != nil {
		h.logger.Error("failed to open terminal stream",
			zap.String("session_id", sess.ID),
			zap.Error(err),
		)
		h.closeWithError(conn, err)
		return
	}
	defer stream.Close()

	h.svc.TouchSession(ctx, sess, v1.SessionStatusActive)
	defer h.svc.TouchSession(context.Background(), sess, v1.SessionStatusInactive)

	client := &wsClient{
		conn:   conn,
		stream: stream,
		logger: h.logger.WithFields(zap.String("session_id", sess.ID)),
		done:   make(chan struct{}),
	}

	// Ask the client for its real size before any output renders.
	client.send(&ControlMessage{Type: "request-resize"})

	go client.writePump()
	client.readPump()
	// Detach: closing the stream unblocks the PTY reader; the multiplexer
	// session itself survives.
	stream.Close()
	<-client.done
}

func (h *Handler) closeWithError(conn *websocket.Conn, err error) {
	msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error())
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	conn.Close()
}

// wsClient pumps bytes between one websocket attacher and the PTY stream.
type wsClient struct {
	conn   *websocket.Conn
	stream *terminal.Stream
	logger interface {
		Warn(msg string, fields ...zap.Field)
		Debug(msg string, fields ...zap.Field)
	}

	writeMu sync.Mutex
	done    chan struct{}
}

func (c *wsClient) send(msg *ControlMessage) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg) == nil
}

// readPump translates client control frames into PTY writes and resizes.
func (c *wsClient) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg ControlMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case "input":
			if _, err := c.stream.Write([]byte(msg.Data)); err != nil {
				c.logger.Warn("failed to write to terminal", zap.Error(err))
				return
			}
		case "resize":
			if msg.Cols > 0 && msg.Rows > 0 {
				c.stream.Resize(msg.Cols, msg.Rows)
			}
		default:
			c.logger.Debug("unknown control message", zap.String("type", msg.Type))
		}
	}
}

// writePump forwards PTY output to the client and keeps the connection
// alive with pings.
func (c *wsClient) writePump() {
	defer close(c.done)

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	output := make(chan []byte, 32)
	go func() {
		defer close(output)
		buf := make([]byte, outputBufSize)
		for {
			n, err := c.stream.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case output <- chunk:
				case <-c.done:
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case chunk, ok := <-output:
			if !ok {
				c.writeMu.Lock()
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				c.writeMu.Unlock()
				return
			}
			if !c.send(&ControlMessage{Type: "output", Data: string(chunk)}) {
				return
			}
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
