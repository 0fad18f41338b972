package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	apperrors "github.com/diffdeck/diffdeck/internal/errors"
)

// inboundEnvelope mirrors Message for decoding: the payload stays raw
// until the type is known.
type inboundEnvelope struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Client represents a single WebSocket connection. Each client has its
// own goroutine for writing messages, which prevents a slow viewer from
// blocking the broadcaster or a bridge push.
type Client struct {
	// id identifies the connection in logs.
	id string

	// conn is the underlying WebSocket connection.
	conn *websocket.Conn

	// send is a buffered channel for outgoing messages, drained by the
	// single writePump goroutine.
	send chan Message

	// done is closed to signal the client should shut down.
	done chan struct{}

	// sendOnce ensures done is only closed once. Both Stop() and
	// readPump() may race to close it.
	sendOnce sync.Once

	// server is a reference back to the parent server.
	server *Server

	// refLimiter bounds diff:change_ref messages, each of which costs a
	// git invocation on the next tick.
	refLimiter *rate.Limiter

	// mu guards sessionID.
	mu sync.Mutex

	// sessionID is the session this client is bound to, or empty.
	sessionID string
}

// boundSession returns the session the client currently views.
func (c *Client) boundSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) setBoundSession(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// closeSend safely signals the client to shut down exactly once.
// This is safe to call multiple times from different goroutines.
func (c *Client) closeSend() {
	c.sendOnce.Do(func() {
		close(c.done)
	})
}

// enqueue queues a message without blocking. Messages for a shutting-down
// or hopelessly slow client are dropped; a viewer that falls behind can
// recover from the next full model push.
func (c *Client) enqueue(msg Message) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		log.Printf("client %s: send buffer full, dropping %s", c.id, msg.Type)
	}
}

// writePump continuously sends messages from the send channel to the
// WebSocket. It also sends periodic pings to keep the connection alive.
func (c *Client) writePump() {
	// Pings every 30 seconds detect dead connections and keep
	// NAT/firewalls happy.
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			// Shutdown signaled; send close frame and exit.
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case msg, ok := <-c.send:
			// Write deadline prevents hanging on a stalled connection.
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))

			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("client %s: failed to marshal %s: %v", c.id, msg.Type, err)
				continue
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("client %s: write error: %v", c.id, err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads messages from the WebSocket and dispatches them. It is
// also how disconnects are detected: when the read fails, the client is
// unregistered and its bridge, if any, starts the reconnect grace timer.
func (c *Client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.closeSend()
		log.Printf("client %s disconnected (%d remaining)", c.id, c.server.ClientCount())
	}()

	c.conn.SetReadLimit(512 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

	// A pong in response to our ping proves the client is alive.
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				log.Printf("client %s: read error: %v", c.id, err)
			}
			return
		}

		var env inboundEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			// Malformed messages are discarded; the channel stays open.
			c.enqueue(NewErrorMessage("", apperrors.CodeServerInvalidMessage, "malformed message"))
			continue
		}

		c.dispatch(env)
	}
}

// dispatch routes one inbound message. Rejections are reported with an
// error notice carrying the inbound id; they never close the connection.
func (c *Client) dispatch(env inboundEnvelope) {
	switch env.Type {
	case MessageTypeReviewSubmit:
		var p ReviewSubmitPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.reject(env.ID, apperrors.InvalidMessage("invalid review:submit payload"))
			return
		}
		if p.SessionID == "" {
			p.SessionID = c.boundSession()
		}
		if err := c.server.SubmitVerdict(p); err != nil {
			c.reject(env.ID, err)
		}

	case MessageTypeDiffChangeRef:
		if !c.refLimiter.Allow() {
			c.reject(env.ID, apperrors.New(apperrors.CodeServerRateLimited, "too many ref changes"))
			return
		}
		var p DiffChangeRefPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.reject(env.ID, apperrors.InvalidMessage("invalid diff:change_ref payload"))
			return
		}
		if p.SessionID == "" {
			p.SessionID = c.boundSession()
		}
		if err := c.server.ChangeRef(p.SessionID, p.Ref); err != nil {
			c.reject(env.ID, err)
		}

	case MessageTypeSessionSelect:
		var p SessionSelectPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.reject(env.ID, apperrors.InvalidMessage("invalid session:select payload"))
			return
		}
		if err := c.server.selectSession(c, p.SessionID); err != nil {
			c.reject(env.ID, err)
		}

	case MessageTypeSessionClose:
		var p SessionClosePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.reject(env.ID, apperrors.InvalidMessage("invalid session:close payload"))
			return
		}
		id := p.SessionID
		if id == "" {
			id = c.boundSession()
		}
		if err := c.server.CloseSession(id); err != nil {
			c.reject(env.ID, err)
		}

	default:
		c.reject(env.ID, apperrors.InvalidMessage("unsupported message type: "+string(env.Type)))
	}
}

func (c *Client) reject(inboundID string, err error) {
	code, message := apperrors.ToCodeAndMessage(err)
	c.enqueue(NewErrorMessage(inboundID, code, message))
}
