// Package directory resolves subjects to their live account state. It is the
// boundary to the account-management world: the relay core only ever asks
// "who is this, which account owns it, and is it revoked". The in-memory
// implementation stands in for the external account store.
package directory

import (
	"context"
	"errors"

	"homecloud/pkg/types"
)

var ErrNotFound = errors.New("subject not found")

// Device is a user-owned browser/app session that can hold tokens.
type Device struct {
	ID      types.DeviceID `json:"id"`
	Name    string         `json:"name,omitempty"`
	Revoked bool           `json:"revoked,omitempty"`
}

// User carries the login verifier material alongside account state. The
// plaintext password never appears here; only the salt and the verifier
// derived from it at signup time.
type User struct {
	ID          types.UserID               `json:"id"`
	AccountID   types.AccountID            `json:"account_id"`
	Email       string                     `json:"email"`
	Salt        []byte                     `json:"salt,omitempty"`
	Verifier    []byte                     `json:"verifier,omitempty"`
	Scopes      []string                   `json:"scopes,omitempty"`
	TOTPEnabled bool                       `json:"totp_enabled,omitempty"`
	Revoked     bool                       `json:"revoked,omitempty"`
	Devices     map[types.DeviceID]*Device `json:"devices,omitempty"`
}

type Instance struct {
	ID        types.InstanceID `json:"id"`
	AccountID types.AccountID  `json:"account_id"`
	Revoked   bool             `json:"revoked,omitempty"`
}

// Directory is consulted at connect time and again on watch signals, so
// revocation takes effect against live state rather than being baked into
// issued tokens.
type Directory interface {
	LookupUser(ctx context.Context, id types.UserID) (*User, error)
	LookupUserByEmail(ctx context.Context, email string) (*User, error)
	LookupInstance(ctx context.Context, id types.InstanceID) (*Instance, error)
}
