package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AudienceMedia marks tokens that grant read access to one stored file.
const AudienceMedia = "media"

// ErrInvalidMediaToken is returned for media tokens that are malformed,
// expired or signed with another secret.
var ErrInvalidMediaToken = errors.New("auth: invalid media token")

// IssueMediaToken signs a token that lets the holder fetch the storage
// object name until ttl passes. The detector gets these in place of user
// credentials.
func IssueMediaToken(secret, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &jwt.RegisteredClaims{
		Subject:   name,
		Audience:  jwt.ClaimStrings{AudienceMedia},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("auth: sign media token: %w", err)
	}
	return s, nil
}

// VerifyMediaToken returns the storage object name a media token grants.
func VerifyMediaToken(secret, tokenStr string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithAudience(AudienceMedia), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMediaToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidMediaToken)
	}
	return claims.Subject, nil
}
