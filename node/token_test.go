package node

import (
	stderrors "errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/capability"
	"github.com/weftworks/weft/errors"
	"github.com/weftworks/weft/vlan"
)

var (
	tokenLocal  = vlan.Identity{Node: 0, Instance: 2}
	tokenPeer   = vlan.Identity{Node: 0, Instance: 1}
	tokenSecret = []byte("fabric-shared-secret")
)

func newVerifier(t *testing.T, clock *testClock) *TokenVerifier {
	t.Helper()
	routes, err := vlan.NewRouteRegistry(tokenLocal)
	require.NoError(t, err)
	require.NoError(t, routes.AllowRoute(tokenPeer, tokenLocal))

	cfg := DefaultVerifierConfig()
	cfg.Now = clock.now
	v, err := NewTokenVerifier(tokenSecret, routes, cfg)
	require.NoError(t, err)
	return v
}

func signedToken(clock *testClock, seq uint32) *Token {
	tok := &Token{
		GrantID:     "grant-1",
		Permissions: capability.PermRead | capability.PermExecute,
		Scope:       capability.ScopeRemote,
		Sequence:    seq,
		Tag:         vlan.EncodeTag(tokenPeer, tokenLocal),
		CreatedAt:   clock.now(),
		ExpiresAt:   clock.now().Add(time.Minute),
	}
	tok.Sign(tokenSecret)
	return tok
}

func TestVerifyAcceptsValidToken(t *testing.T) {
	clock := newTestClock()
	v := newVerifier(t, clock)

	require.NoError(t, v.Verify(signedToken(clock, 1)))
	require.NoError(t, v.Verify(signedToken(clock, 2)))
}

func TestVerifyStructural(t *testing.T) {
	clock := newTestClock()
	v := newVerifier(t, clock)

	mutations := []struct {
		name   string
		mutate func(*Token)
	}{
		{"empty grant id", func(tok *Token) { tok.GrantID = "" }},
		{"empty permissions", func(tok *Token) { tok.Permissions = capability.PermNone }},
		{"missing created", func(tok *Token) { tok.CreatedAt = time.Time{} }},
		{"short signature", func(tok *Token) { tok.Signature = tok.Signature[:8] }},
	}
	for _, tt := range mutations {
		t.Run(tt.name, func(t *testing.T) {
			tok := signedToken(clock, 1)
			tt.mutate(tok)
			err := v.Verify(tok)
			require.Error(t, err)
			assert.True(t, stderrors.Is(err, errors.ErrTokenInvalid))
		})
	}

	err := v.Verify(nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrTokenInvalid))
}

func TestVerifyRejectsUnroutedTag(t *testing.T) {
	clock := newTestClock()
	v := newVerifier(t, clock)

	tok := signedToken(clock, 1)
	tok.Tag = vlan.EncodeTag(vlan.Identity{Node: 2, Instance: 9}, tokenLocal)
	tok.Sign(tokenSecret)

	err := v.Verify(tok)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrVLANMismatch))
}

func TestVerifyAcceptsExternalSource(t *testing.T) {
	clock := newTestClock()
	v := newVerifier(t, clock)

	// The external identity bypasses the allow-list.
	tok := signedToken(clock, 1)
	tok.Tag = vlan.EncodeTag(vlan.Identity{}, tokenLocal)
	tok.Sign(tokenSecret)

	require.NoError(t, v.Verify(tok))
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	clock := newTestClock()
	v := newVerifier(t, clock)

	// Wrong key.
	tok := signedToken(clock, 1)
	tok.Sign([]byte("wrong secret"))
	err := v.Verify(tok)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrSignatureInvalid))

	// Field tampered after signing.
	tok = signedToken(clock, 1)
	tok.Permissions = capability.PermAll
	err = v.Verify(tok)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrSignatureInvalid))
}

func TestVerifyRejectsFutureToken(t *testing.T) {
	clock := newTestClock()
	v := newVerifier(t, clock)

	tok := signedToken(clock, 1)
	tok.CreatedAt = clock.now().Add(5 * time.Minute)
	tok.ExpiresAt = tok.CreatedAt.Add(time.Minute)
	tok.Sign(tokenSecret)

	err := v.Verify(tok)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrTokenInvalid))
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	clock := newTestClock()
	v := newVerifier(t, clock)

	tok := signedToken(clock, 1)
	clock.advance(10 * time.Minute)

	err := v.Verify(tok)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrTokenExpired))
}

func TestVerifyClockSkewTolerance(t *testing.T) {
	clock := newTestClock()
	v := newVerifier(t, clock)

	// Slightly future tokens within the skew budget pass.
	tok := signedToken(clock, 1)
	tok.CreatedAt = clock.now().Add(10 * time.Second)
	tok.ExpiresAt = tok.CreatedAt.Add(time.Minute)
	tok.Sign(tokenSecret)
	require.NoError(t, v.Verify(tok))

	// Just past expiry but within the skew budget also passes.
	tok2 := signedToken(clock, 2)
	clock.advance(time.Minute + 10*time.Second)
	require.NoError(t, v.Verify(tok2))
}

func TestVerifySequenceReplay(t *testing.T) {
	clock := newTestClock()
	v := newVerifier(t, clock)

	require.NoError(t, v.Verify(signedToken(clock, 5)))

	// Replay of the same sequence is rejected.
	err := v.Verify(signedToken(clock, 5))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrSequenceError))

	// Regression is rejected.
	err = v.Verify(signedToken(clock, 3))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrSequenceError))
}

func TestVerifySequenceWindow(t *testing.T) {
	clock := newTestClock()
	v := newVerifier(t, clock)

	require.NoError(t, v.Verify(signedToken(clock, 1)))

	// A jump past the window is rejected.
	err := v.Verify(signedToken(clock, 1+1024+1))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrSequenceError))

	// A jump to the window edge is accepted.
	require.NoError(t, v.Verify(signedToken(clock, 1+1024)))
}

func TestVerifySequenceRollover(t *testing.T) {
	clock := newTestClock()
	v := newVerifier(t, clock)

	// Near the top of the counter, a wrap to a small value is rollover,
	// not replay.
	require.NoError(t, v.Verify(signedToken(clock, math.MaxUint32-10)))
	require.NoError(t, v.Verify(signedToken(clock, 3)))

	// Far from the top, small values stay rejected.
	v2 := newVerifier(t, clock)
	require.NoError(t, v2.Verify(signedToken(clock, 500000)))
	err := v2.Verify(signedToken(clock, 3))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrSequenceError))
}

func TestVerifyRejectedTokenDoesNotAdvanceState(t *testing.T) {
	clock := newTestClock()
	v := newVerifier(t, clock)

	require.NoError(t, v.Verify(signedToken(clock, 10)))

	// A rejected jump must not move the window.
	bad := signedToken(clock, 10+5000)
	require.Error(t, v.Verify(bad))

	// The next in-window token still verifies against seq 10.
	require.NoError(t, v.Verify(signedToken(clock, 11)))
}

func TestTokenMarshalRoundTrip(t *testing.T) {
	clock := newTestClock()
	tok := signedToken(clock, 42)

	data, err := tok.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalToken(data)
	require.NoError(t, err)
	assert.Equal(t, tok.GrantID, got.GrantID)
	assert.Equal(t, tok.Sequence, got.Sequence)
	assert.Equal(t, tok.Signature, got.Signature)
	assert.True(t, tok.verifySignature(tokenSecret))

	_, err = UnmarshalToken([]byte("not json"))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrTokenInvalid))
}
