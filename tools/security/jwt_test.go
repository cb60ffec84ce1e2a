package security

import (
	"context"
	"errors"
	"testing"
	"time"

	"PPRealtime/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("unit-test-secret")

func TestVerifyRoundTrip(t *testing.T) {
	opts := DefaultOptions(secret)
	tok, exp, err := Generate(opts, "alice", time.Now())
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	v, err := NewVerifier(opts)
	require.NoError(t, err)

	uid, err := v.Verify(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", uid)

	uid, err = v.Verify(context.Background(), "Bearer "+tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", uid)
}

func TestVerifyDistinguishesFailures(t *testing.T) {
	opts := DefaultOptions(secret)
	v, err := NewVerifier(opts)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), "  ")
	assert.True(t, errors.Is(err, errs.ErrTokenMissing))

	_, err = v.Verify(context.Background(), "not-a-jwt")
	assert.True(t, errors.Is(err, errs.ErrTokenInvalid))

	expired, _, err := Generate(opts, "bob", time.Now().Add(-3*time.Hour))
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), expired)
	assert.True(t, errors.Is(err, errs.ErrTokenExpired))

	other, _, err := Generate(DefaultOptions([]byte("other")), "bob", time.Now())
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), other)
	assert.Equal(t, 4002, errs.CloseCode(err))
}

func TestVerifierRejectsBadConfig(t *testing.T) {
	_, err := NewVerifier(Options{Alg: "RS256", Secret: secret})
	assert.Error(t, err)
	_, err = NewVerifier(Options{Alg: "HS256"})
	assert.Error(t, err)
}

func TestHashToken(t *testing.T) {
	assert.Equal(t, HashToken("a"), HashToken("a"))
	assert.NotEqual(t, HashToken("a"), HashToken("b"))
}
