package srp

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"homecloud/pkg/config"
	"homecloud/pkg/directory"
	"homecloud/pkg/token"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestHandshake(t *testing.T) (*Handshake, *directory.Memory, *token.Service) {
	t.Helper()
	dir := directory.NewMemory()
	tokens := token.NewService(&config.TokenConfig{
		SigningKey:   "test-key",
		Issuer:       "homecloud",
		AccessTTL:    config.Duration(time.Hour),
		TwoFactorTTL: config.Duration(5 * time.Minute),
	}, clock.New())
	h := NewHandshake(dir, tokens, 16, time.Minute, zap.NewNop())
	return h, dir, tokens
}

func enrollUser(t *testing.T, dir *directory.Memory, email, password string, totp bool) {
	t.Helper()
	salt, verifier, err := Enroll(email, password)
	require.NoError(t, err)
	dir.AddUser(&directory.User{
		ID:          "user-1",
		AccountID:   "acct-1",
		Email:       email,
		Salt:        salt,
		Verifier:    verifier,
		Scopes:      []string{"dashboard:read", "dashboard:write"},
		TOTPEnabled: totp,
	})
}

func TestFullHandshake(t *testing.T) {
	h, dir, tokens := newTestHandshake(t)
	enrollUser(t, dir, "owner@example.com", "hunter2", false)
	ctx := context.Background()

	client, err := NewClientSession("owner@example.com", "hunter2")
	require.NoError(t, err)

	challenge, err := h.BeginLogin(ctx, "owner@example.com", client.PublicKey())
	require.NoError(t, err)
	require.NotEmpty(t, challenge.SessionKey)

	m1, err := client.ProveIdentity(challenge.Salt, challenge.ServerPublic)
	require.NoError(t, err)

	result, err := h.FinalizeLogin(ctx, challenge.SessionKey, m1)
	require.NoError(t, err)
	assert.False(t, result.TwoFactorRequired)

	// Both sides end with the same session key, and the server proved it
	// knew the verifier.
	assert.True(t, client.VerifyServerProof(result.ServerProof))

	claims, err := tokens.Verify(result.AccessToken, token.KindAccess)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.True(t, claims.HasScope("dashboard:read"))
}

func TestFinalizeReplayFails(t *testing.T) {
	h, dir, _ := newTestHandshake(t)
	enrollUser(t, dir, "owner@example.com", "hunter2", false)
	ctx := context.Background()

	client, err := NewClientSession("owner@example.com", "hunter2")
	require.NoError(t, err)

	challenge, err := h.BeginLogin(ctx, "owner@example.com", client.PublicKey())
	require.NoError(t, err)

	m1, err := client.ProveIdentity(challenge.Salt, challenge.ServerPublic)
	require.NoError(t, err)

	_, err = h.FinalizeLogin(ctx, challenge.SessionKey, m1)
	require.NoError(t, err)

	// Same key, same proof: the session was consumed.
	_, err = h.FinalizeLogin(ctx, challenge.SessionKey, m1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFinalizeConcurrentSingleUse(t *testing.T) {
	h, dir, _ := newTestHandshake(t)
	enrollUser(t, dir, "owner@example.com", "hunter2", false)
	ctx := context.Background()

	client, err := NewClientSession("owner@example.com", "hunter2")
	require.NoError(t, err)

	challenge, err := h.BeginLogin(ctx, "owner@example.com", client.PublicKey())
	require.NoError(t, err)

	m1, err := client.ProveIdentity(challenge.Salt, challenge.ServerPublic)
	require.NoError(t, err)

	// Racing finalizes on the same key: exactly one may win, the rest miss.
	const workers = 8
	var wg sync.WaitGroup
	var successes int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.FinalizeLogin(ctx, challenge.SessionKey, m1); err == nil {
				atomic.AddInt32(&successes, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes)
}

func TestWrongPassword(t *testing.T) {
	h, dir, _ := newTestHandshake(t)
	enrollUser(t, dir, "owner@example.com", "hunter2", false)
	ctx := context.Background()

	client, err := NewClientSession("owner@example.com", "wrong-password")
	require.NoError(t, err)

	challenge, err := h.BeginLogin(ctx, "owner@example.com", client.PublicKey())
	require.NoError(t, err)

	m1, err := client.ProveIdentity(challenge.Salt, challenge.ServerPublic)
	require.NoError(t, err)

	_, err = h.FinalizeLogin(ctx, challenge.SessionKey, m1)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// Failure also consumed the session.
	_, err = h.FinalizeLogin(ctx, challenge.SessionKey, m1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnknownEmail(t *testing.T) {
	h, _, _ := newTestHandshake(t)

	client, err := NewClientSession("nobody@example.com", "whatever")
	require.NoError(t, err)

	_, err = h.BeginLogin(context.Background(), "nobody@example.com", client.PublicKey())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnknownSessionKey(t *testing.T) {
	h, _, _ := newTestHandshake(t)

	_, err := h.FinalizeLogin(context.Background(), "no-such-session", []byte("proof"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTwoFactorPending(t *testing.T) {
	h, dir, tokens := newTestHandshake(t)
	enrollUser(t, dir, "owner@example.com", "hunter2", true)
	ctx := context.Background()

	client, err := NewClientSession("owner@example.com", "hunter2")
	require.NoError(t, err)

	challenge, err := h.BeginLogin(ctx, "owner@example.com", client.PublicKey())
	require.NoError(t, err)

	m1, err := client.ProveIdentity(challenge.Salt, challenge.ServerPublic)
	require.NoError(t, err)

	result, err := h.FinalizeLogin(ctx, challenge.SessionKey, m1)
	require.NoError(t, err)
	assert.True(t, result.TwoFactorRequired)

	// The pending token is not an access token.
	_, err = tokens.Verify(result.AccessToken, token.KindAccess)
	assert.ErrorIs(t, err, token.ErrAudienceMismatch)

	_, err = tokens.Verify(result.AccessToken, token.KindTwoFactorPending)
	assert.NoError(t, err)
}

func TestRevokedUserCannotFinalize(t *testing.T) {
	h, dir, _ := newTestHandshake(t)
	enrollUser(t, dir, "owner@example.com", "hunter2", false)
	ctx := context.Background()

	client, err := NewClientSession("owner@example.com", "hunter2")
	require.NoError(t, err)

	challenge, err := h.BeginLogin(ctx, "owner@example.com", client.PublicKey())
	require.NoError(t, err)

	m1, err := client.ProveIdentity(challenge.Salt, challenge.ServerPublic)
	require.NoError(t, err)

	// Revocation lands between begin and finalize.
	dir.RevokeUser("user-1")

	_, err = h.FinalizeLogin(ctx, challenge.SessionKey, m1)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestRejectsZeroPublicKey(t *testing.T) {
	h, dir, _ := newTestHandshake(t)
	enrollUser(t, dir, "owner@example.com", "hunter2", false)

	_, err := h.BeginLogin(context.Background(), "owner@example.com", []byte{0})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestEnrollDistinctSalts(t *testing.T) {
	s1, v1, err := Enroll("owner@example.com", "hunter2")
	require.NoError(t, err)
	s2, v2, err := Enroll("owner@example.com", "hunter2")
	require.NoError(t, err)

	assert.NotEqual(t, s1, s2)
	assert.NotEqual(t, v1, v2)
}
