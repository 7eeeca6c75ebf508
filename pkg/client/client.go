// Package client is a Go client for the gateway transport, used by the CLI
// and the integration tests. Instances use it to serve relayed requests;
// dashboards use it to send them.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"homecloud/pkg/relay"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const dialTimeout = 10 * time.Second

var ErrClosed = errors.New("client closed")

// Frame mirrors the gateway's wire unit.
type Frame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// MessageHandler serves an incoming relayed message and returns the reply
// that resolves the remote sender's call.
type MessageHandler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

type Client struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Frame
	handler MessageHandler

	authCh    chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to a gateway websocket endpoint, e.g. "ws://host:8300/ws".
func Dial(ctx context.Context, url string) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gateway: %w", err)
	}

	c := &Client{
		ws:      ws,
		pending: make(map[string]chan Frame),
		authCh:  make(chan Frame, 4),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// OnMessage installs the handler for relayed messages. Set it before
// authenticating, or concurrent deliveries may be dropped.
func (c *Client) OnMessage(h MessageHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
	return nil
}

// AuthenticateUser binds the connection to the user identity carried by the
// access token.
func (c *Client) AuthenticateUser(ctx context.Context, accessToken string) error {
	return c.authenticate(ctx, "user", accessToken)
}

// AuthenticateInstance binds the connection to an instance identity.
func (c *Client) AuthenticateInstance(ctx context.Context, accessToken string) error {
	return c.authenticate(ctx, "instance", accessToken)
}

func (c *Client) authenticate(ctx context.Context, kind, accessToken string) error {
	data, _ := json.Marshal(map[string]string{"access_token": accessToken})
	if err := c.writeFrame(Frame{Event: kind + "-authentication", Data: data}); err != nil {
		return err
	}

	select {
	case f := <-c.authCh:
		if f.Event == kind+"-authenticated" {
			return nil
		}
		var body struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(f.Data, &body)
		return fmt.Errorf("authentication failed: %s", body.Reason)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Send relays a payload and waits for the remote side's reply. Relay
// failures come back as the relay package's sentinel errors.
func (c *Client) Send(ctx context.Context, payload interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	id := uuid.NewString()
	ch := c.register(id)
	defer c.unregister(id)

	if err := c.writeFrame(Frame{Event: "message", ID: id, Data: data}); err != nil {
		return nil, err
	}

	select {
	case f := <-ch:
		if f.Event == "error" {
			var body struct {
				Error string `json:"error"`
			}
			_ = json.Unmarshal(f.Data, &body)
			return nil, relay.ErrorFromCode(body.Error)
		}
		return f.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// Latency measures a transport round trip via the gateway's echo event.
func (c *Client) Latency(ctx context.Context) (time.Duration, error) {
	id := uuid.NewString()
	ch := c.register(id)
	defer c.unregister(id)

	start := time.Now()
	data, _ := json.Marshal(map[string]int64{"timestamp": start.UnixNano()})
	if err := c.writeFrame(Frame{Event: "latency", ID: id, Data: data}); err != nil {
		return 0, err
	}

	select {
	case <-ch:
		return time.Since(start), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-c.done:
		return 0, ErrClosed
	}
}

func (c *Client) register(id string) chan Frame {
	ch := make(chan Frame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *Client) unregister(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) writeFrame(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.ws.WriteJSON(f)
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			return
		}
		switch {
		case f.Event == "message":
			go c.handleIncoming(f)
		case strings.HasSuffix(f.Event, "-authenticated") || strings.HasSuffix(f.Event, "-authentication-failed"):
			select {
			case c.authCh <- f:
			default:
			}
		case f.Event == "disconnect":
			// The gateway is about to close the socket; the read error
			// will end the loop.
		case f.ID != "":
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- f:
				default:
				}
			}
		}
	}
}

func (c *Client) handleIncoming(f Frame) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		// No handler: the sender's call will time out, which is the
		// honest outcome.
		return
	}

	reply, err := handler(context.Background(), f.Data)
	if err != nil {
		reply, _ = json.Marshal(map[string]string{"error": err.Error()})
	}
	c.writeFrame(Frame{Event: "response", ID: f.ID, Data: reply})
}
