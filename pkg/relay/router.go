// Package relay delivers messages between identity-scoped channels. A send is
// resolved locally when this process owns a connection bound to the target
// channel, and otherwise round-trips through the shared backplane so that
// whichever gateway process holds the destination delivers it. Both paths
// have identical caller-visible semantics.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"homecloud/pkg/backplane"
	"homecloud/pkg/config"
	"homecloud/pkg/directory"
	"homecloud/pkg/types"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Conn is a live connection owned by the local gateway process.
type Conn interface {
	ID() string
	Subject() types.Subject

	// Deliver pushes an envelope to the connection. Responses come back
	// asynchronously through Router.HandleResponse.
	Deliver(env *types.Envelope) error
}

// Registry is the per-process channel membership table, owned by the
// connection gateway and shared with the router by reference.
type Registry interface {
	Lookup(channel types.ChannelID) []Conn
}

// Target describes a send destination before channel resolution.
type Target struct {
	// InstanceID addresses a specific instance; the sender's account must
	// own it.
	InstanceID types.InstanceID

	// Channel addresses a channel directly (e.g. the account-wide channel).
	Channel types.ChannelID
}

type callResult struct {
	payload json.RawMessage
	err     error
}

// pendingCall tracks one in-flight correlation id. Claimed is closed when
// some gateway process announces it holds the destination. Responder is the
// id of the local connection the envelope was delivered to, empty when the
// result is expected from the backplane instead; only that source may
// resolve the call.
type pendingCall struct {
	claimed   chan struct{}
	claimOnce sync.Once
	result    chan callResult
	responder string
}

// reply is the backplane record resolving (or claiming) a correlation id.
type reply struct {
	CorrelationID string          `json:"correlation_id"`
	Claimed       bool            `json:"claimed,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         string          `json:"error,omitempty"`
	Origin        string          `json:"origin"`
}

type Router struct {
	gatewayID string
	registry  Registry
	bp        backplane.Backplane
	dir       directory.Directory
	clk       clock.Clock
	logger    *zap.Logger

	callbackTimeout config.Duration
	claimWindow     config.Duration

	mu      sync.Mutex
	pending map[string]*pendingCall
}

func New(gatewayID string, registry Registry, bp backplane.Backplane, dir directory.Directory, clk clock.Clock, cfg *config.RelayConfig, logger *zap.Logger) *Router {
	return &Router{
		gatewayID:       gatewayID,
		registry:        registry,
		bp:              bp,
		dir:             dir,
		clk:             clk,
		logger:          logger,
		callbackTimeout: cfg.CallbackTimeout,
		claimWindow:     cfg.ClaimWindow,
		pending:         make(map[string]*pendingCall),
	}
}

// Run consumes relay envelopes and replies from the backplane until the
// context is cancelled.
func (r *Router) Run(ctx context.Context) error {
	sub, err := r.bp.Subscribe(ctx, backplane.TopicRelay, backplane.TopicReplies)
	if err != nil {
		return fmt.Errorf("failed to subscribe to backplane: %w", err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			r.handleBackplane(ctx, msg)
		}
	}
}

// Send relays a payload to the target and waits for the remote side's reply.
// It fails with ErrDestinationUnavailable when no process holds a connection
// for the resolved channel, and with ErrTimeout when the destination never
// calls back within the configured bound.
func (r *Router) Send(ctx context.Context, sender types.Subject, senderAccount types.AccountID, target Target, payload json.RawMessage) (json.RawMessage, error) {
	channel, err := r.resolveTarget(ctx, senderAccount, target)
	if err != nil {
		return nil, err
	}

	env := &types.Envelope{
		CorrelationID: uuid.NewString(),
		To:            channel,
		SenderID:      sender.ID,
		SenderKind:    sender.Kind,
		Payload:       payload,
		Origin:        r.gatewayID,
	}

	if conns := r.registry.Lookup(channel); len(conns) > 0 {
		return r.deliverAndAwait(ctx, conns[0], env)
	}
	return r.sendRemote(ctx, env)
}

// Notify fans an event out to every connection bound to the channel, local
// and cross-process, with no callback. Backplane publish failure is surfaced
// immediately rather than retried.
func (r *Router) Notify(ctx context.Context, sender types.Subject, channel types.ChannelID, event string, payload json.RawMessage) error {
	env := &types.Envelope{
		To:         channel,
		SenderID:   sender.ID,
		SenderKind: sender.Kind,
		Payload:    payload,
		Event:      event,
		Origin:     r.gatewayID,
	}
	r.fanout(env)

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := r.bp.Publish(ctx, backplane.TopicRelay, data); err != nil {
		return fmt.Errorf("%w: %v", ErrDestinationUnavailable, err)
	}
	return nil
}

// HandleResponse resolves a pending send with a callback payload from the
// destination connection. Only the connection the envelope was delivered to
// may resolve it; late, unmatched or foreign responses are dropped.
func (r *Router) HandleResponse(connID, correlationID string, payload json.RawMessage) {
	r.mu.Lock()
	p, ok := r.pending[correlationID]
	r.mu.Unlock()
	if !ok || p.responder == "" || p.responder != connID {
		return
	}
	r.resolve(correlationID, callResult{payload: payload})
}

func (r *Router) resolveTarget(ctx context.Context, senderAccount types.AccountID, target Target) (types.ChannelID, error) {
	if target.InstanceID != "" {
		inst, err := r.dir.LookupInstance(ctx, target.InstanceID)
		if err != nil {
			if errors.Is(err, directory.ErrNotFound) {
				return "", ErrNotFound
			}
			return "", err
		}
		if inst.Revoked {
			return "", ErrForbidden
		}
		if inst.AccountID != senderAccount {
			// "Own instance" scoping: senders reach only instances on
			// their own account.
			return "", ErrForbidden
		}
		return types.InstanceChannel(inst.ID), nil
	}
	if target.Channel != "" {
		return target.Channel, nil
	}
	return "", ErrNotFound
}

// deliverAndAwait pushes an envelope into a local connection and blocks until
// its response, the timeout, or context cancellation.
func (r *Router) deliverAndAwait(ctx context.Context, conn Conn, env *types.Envelope) (json.RawMessage, error) {
	p := r.addPending(env.CorrelationID, conn.ID())
	defer r.removePending(env.CorrelationID)

	if err := conn.Deliver(env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDestinationUnavailable, err)
	}

	timer := r.clk.Timer(r.callbackTimeout.Std())
	defer timer.Stop()

	select {
	case res := <-p.result:
		return res.payload, res.err
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Router) sendRemote(ctx context.Context, env *types.Envelope) (json.RawMessage, error) {
	p := r.addPending(env.CorrelationID, "")
	defer r.removePending(env.CorrelationID)

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	// Fail fast on publish failure; the caller can re-send.
	if err := r.bp.Publish(ctx, backplane.TopicRelay, data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDestinationUnavailable, err)
	}

	// Phase one: wait for some process to claim the destination.
	claimTimer := r.clk.Timer(r.claimWindow.Std())
	defer claimTimer.Stop()

	select {
	case <-p.claimed:
	case res := <-p.result:
		// The claim and the result can race; a result settles it either way.
		return res.payload, res.err
	case <-claimTimer.C:
		return nil, ErrDestinationUnavailable
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Phase two: the destination is live somewhere; wait for its callback.
	timer := r.clk.Timer(r.callbackTimeout.Std())
	defer timer.Stop()

	select {
	case res := <-p.result:
		return res.payload, res.err
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Router) handleBackplane(ctx context.Context, msg backplane.Message) {
	switch msg.Topic {
	case backplane.TopicRelay:
		var env types.Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			r.logger.Warn("Dropping malformed relay envelope", zap.Error(err))
			return
		}
		if env.Origin == r.gatewayID {
			return
		}
		if env.Event != "" {
			r.fanout(&env)
			return
		}
		r.deliverRemote(ctx, &env)
	case backplane.TopicReplies:
		var rep reply
		if err := json.Unmarshal(msg.Payload, &rep); err != nil {
			r.logger.Warn("Dropping malformed relay reply", zap.Error(err))
			return
		}
		if rep.Origin == r.gatewayID {
			return
		}
		if rep.Claimed {
			r.claim(rep.CorrelationID)
			return
		}
		r.resolve(rep.CorrelationID, callResult{payload: rep.Payload, err: ErrorFromCode(rep.Error)})
	}
}

// deliverRemote handles an envelope published by another gateway process. If
// this process holds the destination it claims the correlation id, delivers,
// and publishes the callback result back.
func (r *Router) deliverRemote(ctx context.Context, env *types.Envelope) {
	conns := r.registry.Lookup(env.To)
	if len(conns) == 0 {
		// Not ours; some other process may claim it.
		return
	}

	r.publishReply(ctx, &reply{CorrelationID: env.CorrelationID, Claimed: true, Origin: r.gatewayID})

	go func() {
		payload, err := r.deliverAndAwait(ctx, conns[0], env)
		r.publishReply(ctx, &reply{
			CorrelationID: env.CorrelationID,
			Payload:       payload,
			Error:         ErrorCode(err),
			Origin:        r.gatewayID,
		})
	}()
}

func (r *Router) fanout(env *types.Envelope) {
	for _, conn := range r.registry.Lookup(env.To) {
		if err := conn.Deliver(env); err != nil {
			r.logger.Debug("Notify delivery failed",
				zap.String("connection_id", conn.ID()),
				zap.Error(err))
		}
	}
}

func (r *Router) publishReply(ctx context.Context, rep *reply) {
	data, err := json.Marshal(rep)
	if err != nil {
		return
	}
	if err := r.bp.Publish(ctx, backplane.TopicReplies, data); err != nil {
		r.logger.Warn("Failed to publish relay reply",
			zap.String("correlation_id", rep.CorrelationID),
			zap.Error(err))
	}
}

func (r *Router) addPending(correlationID, responder string) *pendingCall {
	p := &pendingCall{
		claimed:   make(chan struct{}),
		result:    make(chan callResult, 1),
		responder: responder,
	}
	r.mu.Lock()
	r.pending[correlationID] = p
	r.mu.Unlock()
	return p
}

func (r *Router) removePending(correlationID string) {
	r.mu.Lock()
	delete(r.pending, correlationID)
	r.mu.Unlock()
}

func (r *Router) claim(correlationID string) {
	r.mu.Lock()
	p, ok := r.pending[correlationID]
	r.mu.Unlock()
	if ok {
		p.claimOnce.Do(func() { close(p.claimed) })
	}
}

func (r *Router) resolve(correlationID string, res callResult) {
	r.mu.Lock()
	p, ok := r.pending[correlationID]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case p.result <- res:
	default:
		// Already resolved; drop the duplicate.
	}
}
