// Package watcher enforces presence and revocation: when a user, device or
// instance is revoked, any live connection bound to it is force-closed on
// every gateway process within one backplane round trip. Revocation is an
// explicit published signal, not a polling loop.
package watcher

import (
	"context"
	"encoding/json"
	"fmt"

	"homecloud/pkg/backplane"
	"homecloud/pkg/types"

	"go.uber.org/zap"
)

// ConnectionCloser is the slice of the gateway registry the watcher needs.
type ConnectionCloser interface {
	CloseSubject(kind types.SubjectKind, id string, reason string) int
	CloseDevice(userID types.UserID, deviceID types.DeviceID, reason string) int
}

// revocation is the backplane record announcing that a subject (or one of a
// user's devices) must lose its connections.
type revocation struct {
	SubjectKind types.SubjectKind `json:"subject_kind"`
	SubjectID   string            `json:"subject_id"`
	DeviceID    types.DeviceID    `json:"device_id,omitempty"`
	Origin      string            `json:"origin"`
}

type Watcher struct {
	gatewayID string
	closer    ConnectionCloser
	bp        backplane.Backplane
	logger    *zap.Logger
}

func New(gatewayID string, closer ConnectionCloser, bp backplane.Backplane, logger *zap.Logger) *Watcher {
	return &Watcher{
		gatewayID: gatewayID,
		closer:    closer,
		bp:        bp,
		logger:    logger,
	}
}

// Run reacts to revocation notices published by other processes until the
// context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	sub, err := w.bp.Subscribe(ctx, backplane.TopicRevocations)
	if err != nil {
		return fmt.Errorf("failed to subscribe to revocations: %w", err)
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
			var rev revocation
			if err := json.Unmarshal(msg.Payload, &rev); err != nil {
				w.logger.Warn("Dropping malformed revocation notice", zap.Error(err))
				continue
			}
			if rev.Origin == w.gatewayID {
				// Local connections were already closed before publishing.
				continue
			}
			w.apply(&rev)
		}
	}
}

func (w *Watcher) apply(rev *revocation) {
	var closed int
	if rev.DeviceID != "" {
		closed = w.closer.CloseDevice(types.UserID(rev.SubjectID), rev.DeviceID, "revoked")
	} else {
		closed = w.closer.CloseSubject(rev.SubjectKind, rev.SubjectID, "revoked")
	}
	if closed > 0 {
		w.logger.Info("Revocation closed connections",
			zap.String("subject_kind", string(rev.SubjectKind)),
			zap.String("subject_id", rev.SubjectID),
			zap.Int("closed", closed))
	}
}

// DisconnectSubject terminates the subject's connections locally and
// publishes the revocation so every other gateway process does the same.
// Used synchronously by the account-management boundary.
func (w *Watcher) DisconnectSubject(ctx context.Context, kind types.SubjectKind, id string) (int, error) {
	closed := w.closer.CloseSubject(kind, id, "revoked")
	if err := w.publish(ctx, &revocation{SubjectKind: kind, SubjectID: id, Origin: w.gatewayID}); err != nil {
		return closed, err
	}
	return closed, nil
}

// DisconnectDevice terminates connections that authenticated with the given
// device without touching the user's other sessions.
func (w *Watcher) DisconnectDevice(ctx context.Context, userID types.UserID, deviceID types.DeviceID) (int, error) {
	closed := w.closer.CloseDevice(userID, deviceID, "revoked")
	rev := &revocation{
		SubjectKind: types.KindUser,
		SubjectID:   string(userID),
		DeviceID:    deviceID,
		Origin:      w.gatewayID,
	}
	if err := w.publish(ctx, rev); err != nil {
		return closed, err
	}
	return closed, nil
}

func (w *Watcher) publish(ctx context.Context, rev *revocation) error {
	data, err := json.Marshal(rev)
	if err != nil {
		return err
	}
	if err := w.bp.Publish(ctx, backplane.TopicRevocations, data); err != nil {
		return fmt.Errorf("failed to publish revocation: %w", err)
	}
	return nil
}
