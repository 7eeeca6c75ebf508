// Package token issues and verifies the signed, time-limited credentials that
// bind transport connections to identities. The service is stateless: tokens
// are never persisted and no revocation list is consulted here. Revocation is
// enforced by the connection gateway against live subject state.
package token

import (
	"errors"
	"fmt"
	"time"

	"homecloud/pkg/config"
	"homecloud/pkg/types"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrExpiredToken     = errors.New("expired token")
	ErrBadSignature     = errors.New("bad token signature")
	ErrAudienceMismatch = errors.New("token audience mismatch")
	ErrInvalidSubject   = errors.New("invalid token subject")
)

// Capabilities carried in token scopes. A user connection needs at least
// dashboard read capability to authenticate.
const (
	ScopeDashboardRead  = "dashboard:read"
	ScopeDashboardWrite = "dashboard:write"
)

// Kind selects the credential namespace and its expiry.
type Kind string

const (
	KindAccess           Kind = "access"
	KindRefresh          Kind = "refresh"
	KindTwoFactorPending Kind = "two-factor-pending"
	KindInstanceAccess   Kind = "instance-access"
)

// Audience returns the audience string that namespaces this kind. A token is
// only accepted by a verifier expecting the same audience, so an instance
// token can never authenticate a user connection and a two-factor-pending
// token can never pass for a full access token.
func (k Kind) Audience() string {
	switch k {
	case KindAccess:
		return "homecloud:access"
	case KindRefresh:
		return "homecloud:refresh"
	case KindTwoFactorPending:
		return "homecloud:2fa"
	case KindInstanceAccess:
		return "homecloud:instance"
	}
	return ""
}

// Claims are the verified contents of a credential token.
type Claims struct {
	Kind     types.SubjectKind `json:"kind"`
	Scope    []string          `json:"scope"`
	DeviceID string            `json:"device_id,omitempty"`
	jwt.RegisteredClaims
}

// HasScope reports whether the token carries the given capability.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scope {
		if s == scope {
			return true
		}
	}
	return false
}

// Service signs and verifies credential tokens.
type Service struct {
	signingKey []byte
	issuer     string
	ttls       map[Kind]time.Duration
	clk        clock.Clock
}

func NewService(cfg *config.TokenConfig, clk clock.Clock) *Service {
	return &Service{
		signingKey: []byte(cfg.SigningKey),
		issuer:     cfg.Issuer,
		ttls: map[Kind]time.Duration{
			KindAccess:           cfg.AccessTTL.Std(),
			KindRefresh:          cfg.RefreshTTL.Std(),
			KindTwoFactorPending: cfg.TwoFactorTTL.Std(),
			KindInstanceAccess:   cfg.InstanceTTL.Std(),
		},
		clk: clk,
	}
}

// Issue creates a signed token for the subject. The device id is optional and
// only meaningful for user tokens.
func (s *Service) Issue(subject types.Subject, scope []string, kind Kind, deviceID string) (string, error) {
	if subject.ID == "" || !subject.Kind.Valid() {
		return "", fmt.Errorf("%w: %q (%s)", ErrInvalidSubject, subject.ID, subject.Kind)
	}
	ttl, ok := s.ttls[kind]
	if !ok {
		return "", fmt.Errorf("%w: unknown token kind %q", ErrInvalidSubject, kind)
	}
	if scope == nil {
		scope = []string{}
	}

	now := s.clk.Now()
	claims := &Claims{
		Kind:     subject.Kind,
		Scope:    scope,
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.ID,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{kind.Audience()},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, expiry, issuer and audience. It never rejects a
// well-formed, correctly signed token for authorization reasons; callers
// decide authorization from the returned claims.
func (s *Service) Verify(tokenString string, expected Kind) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) { return s.signingKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(expected.Audience()),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.clk.Now),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpiredToken
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			return nil, ErrAudienceMismatch
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrBadSignature
		default:
			return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
	}
	return claims, nil
}
