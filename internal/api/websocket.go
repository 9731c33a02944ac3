package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ismaiel54/limit-order-pipeline/internal/broadcast"
	"github.com/ismaiel54/limit-order-pipeline/internal/order"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 512
	sendBufferSize = 64
)

var errSendBufferFull = errors.New("websocket send buffer full")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsConn adapts a websocket to broadcast.Conn. Sends never block: events
// are queued for the write pump and a full queue is reported as an error.
type wsConn struct {
	conn    *websocket.Conn
	orderID string
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	logger  *zap.Logger
}

func newWSConn(conn *websocket.Conn, orderID string, logger *zap.Logger) *wsConn {
	return &wsConn{
		conn:    conn,
		orderID: orderID,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
		logger:  logger,
	}
}

func (c *wsConn) Send(ev order.StatusEvent) error {
	if !c.IsOpen() {
		return broadcast.ErrConnClosed
	}

	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	select {
	case c.send <- b:
		return nil
	default:
		return errSendBufferFull
	}
}

// Close asks the write pump to flush and close the socket
func (c *wsConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *wsConn) IsOpen() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// readPump discards client messages and keeps the read deadline alive.
// It unsubscribes once the client goes away.
func (c *wsConn) readPump(hub Hub) {
	defer func() {
		hub.Unsubscribe(c.orderID, c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump is the only writer on the socket
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			// flush what was queued before the close
			for {
				select {
				case message := <-c.send:
					if err := c.write(websocket.TextMessage, message); err != nil {
						return
					}
				default:
					c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (c *wsConn) write(messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	orderID := r.URL.Query().Get("orderId")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	if orderID == "" {
		s.logger.Warn("websocket connection without orderId, closing")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Missing orderId parameter"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	logger := s.logger.With(zap.String("order_id", orderID))
	c := newWSConn(conn, orderID, logger)
	go c.writePump()

	if err := s.hub.Subscribe(r.Context(), orderID, c); err != nil {
		logger.Warn("websocket subscribe failed", zap.Error(err))
		c.Close()
		return
	}

	logger.Info("websocket connection established")
	go c.readPump(s.hub)
}
