package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"homecloud/pkg/types"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxMessageSize    = 64 * 1024
	writeTimeout      = 10 * time.Second
	sendBufferSize    = 64
	closeFlushTimeout = 2 * time.Second
)

var errConnectionClosed = errors.New("connection closed")

// frame is the wire unit of the transport: a named event, an optional
// correlation id and an opaque JSON body.
type frame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	frame frame
	close bool
}

// Connection is one accepted transport connection and its authentication
// state machine: Connected(unauthenticated) -> Authenticated -> Disconnected.
// It is owned exclusively by the gateway process that accepted it.
type Connection struct {
	id        string
	ws        *websocket.Conn
	registry  *Registry
	logger    *zap.Logger
	createdAt time.Time

	send      chan outbound
	done      chan struct{}
	closeOnce sync.Once

	graceTimer *clock.Timer

	mu            sync.RWMutex
	authenticated bool
	subject       types.Subject
	accountID     types.AccountID
	deviceID      string
	channels      []types.ChannelID
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) Subject() types.Subject {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subject
}

func (c *Connection) AccountID() types.AccountID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accountID
}

func (c *Connection) DeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceID
}

func (c *Connection) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// markAuthenticated flips the state machine exactly once; a second attempt
// reports failure to the caller.
func (c *Connection) markAuthenticated(subject types.Subject, accountID types.AccountID, deviceID string, channels []types.ChannelID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authenticated {
		return false
	}
	c.authenticated = true
	c.subject = subject
	c.accountID = accountID
	c.deviceID = deviceID
	c.channels = channels
	if c.graceTimer != nil {
		c.graceTimer.Stop()
	}
	return true
}

// Deliver implements relay.Conn: it pushes a relayed envelope to the client,
// enriching the payload with the resolved sender identity so the receiving
// side can trust the origin without re-deriving it.
func (c *Connection) Deliver(env *types.Envelope) error {
	event := env.Event
	if event == "" {
		event = "message"
	}
	return c.enqueue(frame{Event: event, ID: env.CorrelationID, Data: enrichPayload(env)})
}

func enrichPayload(env *types.Envelope) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(env.Payload, &obj); err != nil {
		obj = map[string]json.RawMessage{"data": env.Payload}
	}
	if obj == nil {
		obj = make(map[string]json.RawMessage)
	}
	obj["sender_id"], _ = json.Marshal(env.SenderID)
	obj["local_user_id"], _ = json.Marshal(env.LocalUserID)
	merged, err := json.Marshal(obj)
	if err != nil {
		return env.Payload
	}
	return merged
}

func (c *Connection) enqueue(f frame) error {
	select {
	case c.send <- outbound{frame: f}:
		return nil
	case <-c.done:
		return errConnectionClosed
	default:
		// The writer cannot keep up; a wedged connection must not stall
		// the rest of the process.
		c.logger.Warn("Send buffer full, closing connection",
			zap.String("connection_id", c.id))
		c.Close()
		return errConnectionClosed
	}
}

// closeWithReason delivers a structured disconnect event before closing, so
// forced disconnections are observable by the client.
func (c *Connection) closeWithReason(reason string) {
	data, _ := json.Marshal(map[string]string{"reason": reason})
	c.closeAfter(frame{Event: "disconnect", Data: data})
}

// closeAfter queues a final frame and then a close marker; the write pump
// flushes the frame before tearing the connection down. Under backpressure it
// waits for buffer space up to closeFlushTimeout so the structured reason is
// not lost, then gives up and closes hard.
func (c *Connection) closeAfter(f frame) {
	deadline := time.NewTimer(closeFlushTimeout)
	defer deadline.Stop()

	select {
	case c.send <- outbound{frame: f}:
	case <-c.done:
		return
	case <-deadline.C:
		c.Close()
		return
	}
	select {
	case c.send <- outbound{close: true}:
	case <-c.done:
	case <-deadline.C:
		c.Close()
	}
}

func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		if c.graceTimer != nil {
			c.graceTimer.Stop()
		}
		c.registry.remove(c)
		close(c.done)
		c.ws.Close()
	})
}

// writePump is the sole writer on the websocket; frames queue through the
// send channel, which preserves per-connection FIFO order.
func (c *Connection) writePump() {
	for {
		select {
		case out := <-c.send:
			if out.close {
				c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				c.Close()
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(out.frame); err != nil {
				c.logger.Debug("Write failed",
					zap.String("connection_id", c.id),
					zap.Error(err))
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Connection) readPump(g *Gateway) {
	defer c.Close()
	c.ws.SetReadLimit(maxMessageSize)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			// A malformed frame is isolated to this connection.
			c.logger.Warn("Dropping malformed frame",
				zap.String("connection_id", c.id),
				zap.Error(err))
			continue
		}
		g.dispatch(c, f)
	}
}
