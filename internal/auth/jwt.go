// Package auth verifies the bearer credentials presented to the API.
//
// Identity is delegated to a hosted auth provider: users arrive with an
// HS256 access token signed with the project's shared JWT secret. Pro and
// enterprise users may also mint API keys, and operators use a static
// admin key. In demo mode a request without credentials is served as a
// fixed demo user.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AudienceAuthenticated is the audience the provider puts on tokens of
// signed-in users.
const AudienceAuthenticated = "authenticated"

// UserMetadata is the provider's free-form profile block.
type UserMetadata struct {
	FullName string `json:"full_name,omitempty"`
}

// Claims are the provider's access token claims.
type Claims struct {
	jwt.RegisteredClaims
	Email        string       `json:"email,omitempty"`
	Role         string       `json:"role,omitempty"`
	UserMetadata UserMetadata `json:"user_metadata"`
}

// TokenVerifier validates provider access tokens using HS256.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier creates a verifier for the given shared secret.
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify parses and validates an access token, returning the identity it
// names. Returns an error if the token is invalid, expired, for another
// audience, or has no subject.
func (v *TokenVerifier) Verify(tokenStr string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithAudience(AudienceAuthenticated), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("auth: invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("auth: missing subject")
	}

	name := claims.UserMetadata.FullName
	if name == "" {
		name = claims.Email
	}
	return &Identity{
		UserID: claims.Subject,
		Email:  claims.Email,
		Name:   name,
		Method: MethodToken,
	}, nil
}

// IssueToken signs a provider-style access token. It exists for local
// development and tests; production tokens come from the provider.
func IssueToken(secret, userID, email, fullName string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Audience:  jwt.ClaimStrings{AudienceAuthenticated},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email:        email,
		Role:         AudienceAuthenticated,
		UserMetadata: UserMetadata{FullName: fullName},
	})
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return s, nil
}
