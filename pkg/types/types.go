package types

import (
	"encoding/json"
	"fmt"
)

// SubjectKind identifies the class of identity that owns a connection.
type SubjectKind string

const (
	KindUser     SubjectKind = "user"
	KindInstance SubjectKind = "instance"
)

// Valid reports whether the kind is one of the known subject kinds.
func (k SubjectKind) Valid() bool {
	return k == KindUser || k == KindInstance
}

type UserID string
type InstanceID string
type AccountID string
type DeviceID string

// ChannelID is a derived routing key. It is never stored; it is recomputed
// from subject identity on every (re)connect.
type ChannelID string

func UserChannel(id UserID) ChannelID {
	return ChannelID("user:" + string(id))
}

func AccountUsersChannel(id AccountID) ChannelID {
	return ChannelID("account:users:" + string(id))
}

func InstanceChannel(id InstanceID) ChannelID {
	return ChannelID("instance:" + string(id))
}

func AccountInstancesChannel(id AccountID) ChannelID {
	return ChannelID("account:instances:" + string(id))
}

// Subject is a user or instance identity.
type Subject struct {
	ID   string      `json:"id"`
	Kind SubjectKind `json:"kind"`
}

// Channel returns the subject's own identity channel.
func (s Subject) Channel() ChannelID {
	if s.Kind == KindInstance {
		return InstanceChannel(InstanceID(s.ID))
	}
	return UserChannel(UserID(s.ID))
}

func (s Subject) String() string {
	return fmt.Sprintf("%s:%s", s.Kind, s.ID)
}

// Envelope is a single in-flight relayed message plus its correlation
// metadata. It lives only for the duration of delivery and the wait for the
// callback, and is discarded afterwards.
type Envelope struct {
	CorrelationID string      `json:"correlation_id,omitempty"`
	To            ChannelID   `json:"to"`
	SenderID      string      `json:"sender_id"`
	SenderKind    SubjectKind `json:"sender_kind"`

	// LocalUserID carries the instance-side local user mapping when one
	// exists. Cloud-originated sends have none, which receivers observe as
	// an explicit null.
	LocalUserID *string `json:"local_user_id"`

	// Payload is opaque to the relay; it is passed through untouched apart
	// from sender enrichment at delivery time.
	Payload json.RawMessage `json:"payload"`

	// Event is set for fire-and-forget fanout notifications. Envelopes with
	// an Event carry no correlation id and expect no callback.
	Event string `json:"event,omitempty"`

	// Origin is the id of the gateway process that published the envelope.
	Origin string `json:"origin,omitempty"`
}
