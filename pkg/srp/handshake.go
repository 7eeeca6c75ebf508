package srp

import (
	"context"
	"crypto/hmac"
	"errors"
	"math/big"
	"time"

	"homecloud/pkg/directory"
	"homecloud/pkg/token"
	"homecloud/pkg/types"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

var (
	ErrNotFound           = errors.New("login session not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrForbidden          = errors.New("subject is revoked")
)

// loginSession holds the server side of one in-flight exchange. It exists
// only between BeginLogin and FinalizeLogin (or the store TTL) and is
// consumed on first Finalize access, so a replayed finalize always misses.
type loginSession struct {
	userID   types.UserID
	identity string
	salt     []byte
	verifier *big.Int
	b        *big.Int
	serverB  *big.Int
	clientA  *big.Int
}

// Handshake runs the server half of the login exchange and issues the
// resulting credential token.
type Handshake struct {
	dir      directory.Directory
	tokens   *token.Service
	sessions *expirable.LRU[string, *loginSession]
	logger   *zap.Logger
}

func NewHandshake(dir directory.Directory, tokens *token.Service, maxSessions int, ttl time.Duration, logger *zap.Logger) *Handshake {
	if maxSessions <= 0 {
		maxSessions = 4096
	}
	return &Handshake{
		dir:      dir,
		tokens:   tokens,
		sessions: expirable.NewLRU[string, *loginSession](maxSessions, nil, ttl),
		logger:   logger,
	}
}

// LoginChallenge is the server's answer to BeginLogin. The session key is the
// only handle to the in-flight session and is therefore generated randomly.
type LoginChallenge struct {
	SessionKey   string
	Salt         []byte
	ServerPublic []byte
}

type LoginResult struct {
	ServerProof       []byte
	AccessToken       string
	TwoFactorRequired bool
}

// BeginLogin looks up the account's stored salt/verifier, generates a fresh
// server ephemeral and parks the session under an unguessable key.
func (h *Handshake) BeginLogin(ctx context.Context, email string, clientPublic []byte) (*LoginChallenge, error) {
	user, err := h.dir.LookupUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	A := new(big.Int).SetBytes(clientPublic)
	if new(big.Int).Mod(A, groupN).Sign() == 0 {
		return nil, ErrInvalidCredentials
	}

	v := new(big.Int).SetBytes(user.Verifier)
	b, B, err := newServerEphemeral(v)
	if err != nil {
		return nil, err
	}

	key := uuid.NewString()
	h.sessions.Add(key, &loginSession{
		userID:   user.ID,
		identity: email,
		salt:     user.Salt,
		verifier: v,
		b:        b,
		serverB:  B,
		clientA:  A,
	})

	h.logger.Debug("login exchange started",
		zap.String("user_id", string(user.ID)))

	return &LoginChallenge{
		SessionKey:   key,
		Salt:         user.Salt,
		ServerPublic: pad(B),
	}, nil
}

// FinalizeLogin verifies the client's proof against the parked session. The
// session is single use: it is removed before the proof is checked, so both
// replay after success and retry after failure miss with ErrNotFound.
func (h *Handshake) FinalizeLogin(ctx context.Context, sessionKey string, clientProofM1 []byte) (*LoginResult, error) {
	sess, ok := h.sessions.Get(sessionKey)
	if !ok {
		return nil, ErrNotFound
	}
	// Remove reports whether this call actually evicted the key, so exactly
	// one of any concurrent finalizes for the same session proceeds.
	if !h.sessions.Remove(sessionKey) {
		return nil, ErrNotFound
	}

	key, err := serverSharedKey(sess.clientA, sess.b, sess.serverB, sess.verifier)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	expected := clientProof(sess.identity, sess.salt, sess.clientA, sess.serverB, key)
	if !hmac.Equal(expected, clientProofM1) {
		h.logger.Warn("login proof mismatch", zap.String("user_id", string(sess.userID)))
		return nil, ErrInvalidCredentials
	}

	// Re-resolve the user: revocation between begin and finalize must win.
	user, err := h.dir.LookupUser(ctx, sess.userID)
	if err != nil {
		return nil, ErrNotFound
	}
	if user.Revoked {
		return nil, ErrForbidden
	}

	kind := token.KindAccess
	if user.TOTPEnabled {
		kind = token.KindTwoFactorPending
	}
	accessToken, err := h.tokens.Issue(types.Subject{ID: string(user.ID), Kind: types.KindUser}, user.Scopes, kind, "")
	if err != nil {
		return nil, err
	}

	h.logger.Info("login exchange completed",
		zap.String("user_id", string(user.ID)),
		zap.Bool("two_factor_required", user.TOTPEnabled))

	return &LoginResult{
		ServerProof:       serverProof(sess.clientA, clientProofM1, key),
		AccessToken:       accessToken,
		TwoFactorRequired: user.TOTPEnabled,
	}, nil
}
