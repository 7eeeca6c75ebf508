// Package gateway accepts persistent full-duplex connections, authenticates
// them against the token service and live directory state, and binds each to
// its identity-scoped channels. Everything here is per-process; cross-process
// delivery belongs to the relay router.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"homecloud/pkg/config"
	"homecloud/pkg/directory"
	"homecloud/pkg/relay"
	"homecloud/pkg/token"
	"homecloud/pkg/types"
	"homecloud/pkg/watcher"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client-visible event names.
const (
	eventUserAuth       = "user-authentication"
	eventInstanceAuth   = "instance-authentication"
	eventMessage        = "message"
	eventLatency        = "latency"
	eventResponse       = "response"
	eventResult         = "result"
	eventError          = "error"
	suffixAuthenticated = "-authenticated"
	suffixAuthFailed    = "-authentication-failed"
)

type Gateway struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *Registry
	router   *relay.Router
	watcher  *watcher.Watcher
	tokens   *token.Service
	dir      directory.Directory
	clk      clock.Clock

	upgrader websocket.Upgrader
	server   *http.Server
	started  time.Time
}

func New(cfg *config.Config, registry *Registry, router *relay.Router, w *watcher.Watcher, tokens *token.Service, dir directory.Directory, clk clock.Clock, logger *zap.Logger) *Gateway {
	return &Gateway{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		router:   router,
		watcher:  w,
		tokens:   tokens,
		dir:      dir,
		clk:      clk,
		upgrader: newUpgrader(cfg.AllowedOrigins),
		started:  clk.Now(),
	}
}

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		originSet[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Instances and CLI clients send no Origin header.
				return true
			}
			return originSet[origin]
		},
	}
}

// Handler exposes the transport and admin surfaces on one mux.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.serveWS)
	mux.HandleFunc("/admin/status", g.handleStatus)
	mux.HandleFunc("/admin/disconnect", g.handleDisconnect)
	return mux
}

func (g *Gateway) Start() error {
	g.server = &http.Server{Addr: g.cfg.Address, Handler: g.Handler()}
	g.logger.Info("Gateway starting",
		zap.String("gateway_id", g.cfg.GatewayID),
		zap.String("address", g.cfg.Address))
	if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server failed: %w", err)
	}
	return nil
}

func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	return g.server.Shutdown(ctx)
}

func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	c := &Connection{
		id:        uuid.NewString(),
		ws:        ws,
		registry:  g.registry,
		logger:    g.logger,
		createdAt: g.clk.Now(),
		send:      make(chan outbound, sendBufferSize),
		done:      make(chan struct{}),
	}
	g.registry.add(c)

	// Unauthenticated connections are tolerated only for the grace window.
	c.graceTimer = g.clk.AfterFunc(g.cfg.GraceWindow.Std(), func() {
		if !c.Authenticated() {
			g.logger.Info("Closing unauthenticated connection after grace window",
				zap.String("connection_id", c.id))
			c.Close()
		}
	})

	go c.writePump()

	g.logger.Debug("Connection accepted", zap.String("connection_id", c.id))

	// Immediate-authentication path: credentials supplied at connection
	// establishment time instead of as a first event.
	q := r.URL.Query()
	if authType := q.Get("auth_type"); authType != "" {
		kind := types.SubjectKind(authType)
		if kind.Valid() {
			g.authenticate(c, kind, q.Get("access_token"))
		}
	}

	c.readPump(g)
}

func (g *Gateway) dispatch(c *Connection, f frame) {
	switch f.Event {
	case eventUserAuth, eventInstanceAuth:
		var body struct {
			AccessToken string `json:"access_token"`
		}
		if err := json.Unmarshal(f.Data, &body); err != nil {
			g.authFailed(c, kindForEvent(f.Event), "malformed authentication payload")
			return
		}
		g.authenticate(c, kindForEvent(f.Event), body.AccessToken)
	case eventLatency:
		if !c.Authenticated() {
			return
		}
		c.enqueue(frame{Event: eventLatency, ID: f.ID, Data: f.Data})
	case eventMessage:
		if !c.Authenticated() {
			return
		}
		go g.handleMessage(c, f)
	case eventResponse:
		if !c.Authenticated() {
			return
		}
		g.router.HandleResponse(c.ID(), f.ID, f.Data)
	default:
		g.logger.Debug("Ignoring unknown event",
			zap.String("connection_id", c.id),
			zap.String("event", f.Event))
	}
}

func kindForEvent(event string) types.SubjectKind {
	if event == eventInstanceAuth {
		return types.KindInstance
	}
	return types.KindUser
}

// authenticate runs the single authentication transition of the connection
// state machine. On failure the connection receives a structured reason over
// the transport and is then force-closed; it is never left half-authenticated.
func (g *Gateway) authenticate(c *Connection, kind types.SubjectKind, accessToken string) {
	if c.Authenticated() {
		g.authFailed(c, kind, "already authenticated")
		return
	}

	tokenKind := token.KindAccess
	if kind == types.KindInstance {
		tokenKind = token.KindInstanceAccess
	}

	claims, err := g.tokens.Verify(accessToken, tokenKind)
	if err != nil {
		g.authFailed(c, kind, verifyFailureReason(err))
		return
	}
	if claims.Kind != kind {
		g.authFailed(c, kind, "token subject kind mismatch")
		return
	}

	// The token's subject must resolve to live, non-revoked state now, not
	// just at issuance time.
	subject := types.Subject{ID: claims.Subject, Kind: kind}
	var (
		accountID types.AccountID
		channels  []types.ChannelID
	)
	switch kind {
	case types.KindUser:
		user, err := g.dir.LookupUser(context.Background(), types.UserID(claims.Subject))
		if err != nil {
			g.authFailed(c, kind, "unknown user")
			return
		}
		if user.Revoked {
			g.authFailed(c, kind, "user revoked")
			return
		}
		if claims.DeviceID != "" {
			device, ok := user.Devices[types.DeviceID(claims.DeviceID)]
			if !ok || device.Revoked {
				g.authFailed(c, kind, "device revoked")
				return
			}
		}
		if !claims.HasScope(token.ScopeDashboardRead) {
			g.authFailed(c, kind, "missing dashboard capability")
			return
		}
		accountID = user.AccountID
		channels = []types.ChannelID{
			types.UserChannel(user.ID),
			types.AccountUsersChannel(user.AccountID),
		}
	case types.KindInstance:
		inst, err := g.dir.LookupInstance(context.Background(), types.InstanceID(claims.Subject))
		if err != nil {
			g.authFailed(c, kind, "unknown instance")
			return
		}
		if inst.Revoked {
			g.authFailed(c, kind, "instance revoked")
			return
		}
		accountID = inst.AccountID
		channels = []types.ChannelID{
			types.InstanceChannel(inst.ID),
			types.AccountInstancesChannel(inst.AccountID),
		}
	}

	if !c.markAuthenticated(subject, accountID, claims.DeviceID, channels) {
		g.authFailed(c, kind, "already authenticated")
		return
	}
	g.registry.bind(c, channels)

	g.logger.Info("Connection authenticated",
		zap.String("connection_id", c.id),
		zap.String("subject", subject.String()))

	// Direct reply to the authenticating connection, not a broadcast.
	data, _ := json.Marshal(map[string]bool{"authenticated": true})
	c.enqueue(frame{Event: string(kind) + suffixAuthenticated, Data: data})
}

func verifyFailureReason(err error) string {
	switch {
	case errors.Is(err, token.ErrExpiredToken):
		return "token expired"
	case errors.Is(err, token.ErrAudienceMismatch):
		return "token audience mismatch"
	default:
		return "invalid token"
	}
}

func (g *Gateway) authFailed(c *Connection, kind types.SubjectKind, reason string) {
	g.logger.Info("Authentication failed",
		zap.String("connection_id", c.id),
		zap.String("kind", string(kind)),
		zap.String("reason", reason))

	data, _ := json.Marshal(map[string]interface{}{
		"authenticated": false,
		"reason":        reason,
	})
	c.closeAfter(frame{Event: string(kind) + suffixAuthFailed, Data: data})
}

// handleMessage resolves the destination channel for a message event and
// relays it, returning the remote side's callback (or the failure) as a
// direct reply correlated by the client's frame id.
func (g *Gateway) handleMessage(c *Connection, f frame) {
	var meta struct {
		InstanceID string `json:"instance_id"`
	}
	// A non-object payload simply has no addressing metadata.
	_ = json.Unmarshal(f.Data, &meta)

	subject := c.Subject()
	accountID := c.AccountID()

	var target relay.Target
	if subject.Kind == types.KindUser {
		if meta.InstanceID != "" {
			target = relay.Target{InstanceID: types.InstanceID(meta.InstanceID)}
		} else {
			// No explicit instance: address the account's instances.
			target = relay.Target{Channel: types.AccountInstancesChannel(accountID)}
		}
	} else {
		target = relay.Target{Channel: types.AccountUsersChannel(accountID)}
	}

	reply, err := g.router.Send(context.Background(), subject, accountID, target, f.Data)
	if err != nil {
		data, _ := json.Marshal(map[string]string{"error": relay.ErrorCode(err)})
		c.enqueue(frame{Event: eventError, ID: f.ID, Data: data})
		return
	}
	c.enqueue(frame{Event: eventResult, ID: f.ID, Data: reply})
}
