package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func TestTokenRoundTrip(t *testing.T) {
	ws := uuid.New()
	token, err := GenerateToken(ws, "ingest-service", secret, time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken(token, secret)
	require.NoError(t, err)
	assert.Equal(t, ws, claims.WorkspaceID)
	assert.Equal(t, "ingest-service", claims.Subject)
	assert.Equal(t, issuer, claims.Issuer)
}

func TestParseTokenRejects(t *testing.T) {
	good, err := GenerateToken(uuid.New(), "u", secret, time.Hour)
	require.NoError(t, err)
	expired, err := GenerateToken(uuid.New(), "u", secret, -time.Minute)
	require.NoError(t, err)
	noWorkspace, err := GenerateToken(uuid.Nil, "u", secret, time.Hour)
	require.NoError(t, err)
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{WorkspaceID: uuid.New()}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	cases := map[string]struct {
		token, secret string
	}{
		"wrong secret": {good, "other"},
		"expired":      {expired, secret},
		"no workspace": {noWorkspace, secret},
		"alg none":     {unsigned, secret},
		"garbage":      {"not.a.token", secret},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseToken(tc.token, tc.secret)
			assert.Error(t, err)
		})
	}

	_, err = ParseToken(noWorkspace, secret)
	assert.ErrorIs(t, err, ErrNoWorkspace)
}
