package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "insightops"

// ErrNoWorkspace is returned for a valid token that names no workspace.
var ErrNoWorkspace = errors.New("token carries no workspace_id")

// Claims is the payload of every bearer token. Tokens are issued by the
// session service; this package only needs the workspace they are scoped to.
// Subject identifies the user or service the token was issued to.
type Claims struct {
	WorkspaceID uuid.UUID `json:"workspace_id"`
	jwt.RegisteredClaims
}

// GenerateToken signs an HS256 token scoped to one workspace. Used for
// service-to-service calls and tests.
//
// Why HS256?
//   - The session service and every API replica already share JWT_SECRET,
//     and all of them both issue and verify.
//   - If a party ever needs to verify without being able to issue, switch
//     to RS256 so only the issuer holds the private key.
func GenerateToken(workspaceID uuid.UUID, subject, secret string, ttl time.Duration) (string, error) {
	now := time.Now()

	claims := Claims{
		WorkspaceID: workspaceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	return signed, nil
}

// ParseToken verifies signature, expiry and signing method, and returns the
// claims. A token without a workspace is rejected.
//
// Why require an expiry?
//   - jwt/v5 accepts tokens without exp by default. A leaked token with no
//     exp would grant workspace access forever.
func ParseToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(token *jwt.Token) (any, error) {
			// Only HMAC is accepted, so the header's alg cannot pick
			// "none" or an asymmetric method for our shared secret.
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(secret), nil
		},
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.WorkspaceID == uuid.Nil {
		return nil, ErrNoWorkspace
	}

	return claims, nil
}
