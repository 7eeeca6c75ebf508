package token

import (
	"errors"
	"testing"
	"time"

	"homecloud/pkg/config"
	"homecloud/pkg/types"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(clk clock.Clock) *Service {
	return NewService(&config.TokenConfig{
		SigningKey:   "test-signing-key",
		Issuer:       "homecloud",
		AccessTTL:    config.Duration(time.Hour),
		RefreshTTL:   config.Duration(30 * 24 * time.Hour),
		TwoFactorTTL: config.Duration(5 * time.Minute),
		InstanceTTL:  config.Duration(8 * time.Hour),
	}, clk)
}

func TestIssueAndVerify(t *testing.T) {
	svc := newTestService(clock.New())

	subject := types.Subject{ID: "user-1", Kind: types.KindUser}
	scope := []string{"dashboard:read", "dashboard:write"}

	tok, err := svc.Issue(subject, scope, KindAccess, "device-1")
	require.NoError(t, err)

	claims, err := svc.Verify(tok, KindAccess)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, types.KindUser, claims.Kind)
	assert.Equal(t, scope, claims.Scope)
	assert.Equal(t, "device-1", claims.DeviceID)
	assert.True(t, claims.HasScope("dashboard:read"))
	assert.False(t, claims.HasScope("admin"))
}

func TestVerifyEmptyScope(t *testing.T) {
	// A token with no scopes still verifies; authorization is the caller's
	// decision, made from claims.Scope.
	svc := newTestService(clock.New())

	tok, err := svc.Issue(types.Subject{ID: "user-1", Kind: types.KindUser}, nil, KindAccess, "")
	require.NoError(t, err)

	claims, err := svc.Verify(tok, KindAccess)
	require.NoError(t, err)
	assert.Empty(t, claims.Scope)
}

func TestVerifyExpired(t *testing.T) {
	clk := clock.NewMock()
	svc := newTestService(clk)

	tok, err := svc.Issue(types.Subject{ID: "user-1", Kind: types.KindUser}, nil, KindAccess, "")
	require.NoError(t, err)

	clk.Add(2 * time.Hour)

	_, err = svc.Verify(tok, KindAccess)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerifyKindTTLs(t *testing.T) {
	clk := clock.NewMock()
	svc := newTestService(clk)

	twoFactor, err := svc.Issue(types.Subject{ID: "user-1", Kind: types.KindUser}, nil, KindTwoFactorPending, "")
	require.NoError(t, err)
	refresh, err := svc.Issue(types.Subject{ID: "user-1", Kind: types.KindUser}, nil, KindRefresh, "")
	require.NoError(t, err)

	// The two-factor-pending token dies within minutes; the refresh token
	// survives far longer.
	clk.Add(10 * time.Minute)
	_, err = svc.Verify(twoFactor, KindTwoFactorPending)
	assert.ErrorIs(t, err, ErrExpiredToken)

	clk.Add(24 * time.Hour)
	_, err = svc.Verify(refresh, KindRefresh)
	assert.NoError(t, err)
}

func TestVerifyAudienceMismatch(t *testing.T) {
	svc := newTestService(clock.New())

	instanceTok, err := svc.Issue(types.Subject{ID: "inst-1", Kind: types.KindInstance}, nil, KindInstanceAccess, "")
	require.NoError(t, err)

	// An instance token must never pass as a user access token.
	_, err = svc.Verify(instanceTok, KindAccess)
	assert.ErrorIs(t, err, ErrAudienceMismatch)

	twoFactorTok, err := svc.Issue(types.Subject{ID: "user-1", Kind: types.KindUser}, nil, KindTwoFactorPending, "")
	require.NoError(t, err)

	_, err = svc.Verify(twoFactorTok, KindAccess)
	assert.ErrorIs(t, err, ErrAudienceMismatch)
}

func TestVerifyBadSignature(t *testing.T) {
	svc := newTestService(clock.New())
	other := NewService(&config.TokenConfig{
		SigningKey: "some-other-key",
		Issuer:     "homecloud",
		AccessTTL:  config.Duration(time.Hour),
	}, clock.New())

	tok, err := other.Issue(types.Subject{ID: "user-1", Kind: types.KindUser}, nil, KindAccess, "")
	require.NoError(t, err)

	_, err = svc.Verify(tok, KindAccess)
	assert.ErrorIs(t, err, ErrBadSignature)

	_, err = svc.Verify("not-a-token", KindAccess)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestIssueInvalidSubject(t *testing.T) {
	svc := newTestService(clock.New())

	_, err := svc.Issue(types.Subject{}, nil, KindAccess, "")
	assert.ErrorIs(t, err, ErrInvalidSubject)

	_, err = svc.Issue(types.Subject{ID: "user-1", Kind: "robot"}, nil, KindAccess, "")
	assert.ErrorIs(t, err, ErrInvalidSubject)

	_, err = svc.Issue(types.Subject{ID: "user-1", Kind: types.KindUser}, nil, Kind("bogus"), "")
	if !errors.Is(err, ErrInvalidSubject) {
		t.Errorf("expected ErrInvalidSubject for unknown kind, got %v", err)
	}
}
