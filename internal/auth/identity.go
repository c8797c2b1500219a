package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
)

// Method records how a request was authenticated.
type Method string

const (
	MethodToken  Method = "token"
	MethodAPIKey Method = "api_key"
	MethodAdmin  Method = "admin"
	MethodDemo   Method = "demo"
)

// ErrNoCredentials is returned when a request carries no bearer token
// and demo mode is off.
var ErrNoCredentials = errors.New("auth: credentials required")

// Identity is the authenticated caller.
type Identity struct {
	UserID string `json:"id"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`
	Method Method `json:"method"`

	// KeyPrefix is set for API key requests.
	KeyPrefix string `json:"-"`
}

// IsAdmin reports whether the caller used the admin key.
func (i *Identity) IsAdmin() bool {
	return i != nil && i.Method == MethodAdmin
}

// DemoUser is the identity served in demo mode.
var DemoUser = Identity{
	UserID: "user_123",
	Email:  "demo@example.com",
	Name:   "Demo User",
	Method: MethodDemo,
}

// KeyLookup resolves API key prefixes. KeyStore implements it.
type KeyLookup interface {
	Lookup(ctx context.Context, prefix string) (userID, hash string, err error)
}

// Authenticator resolves bearer tokens to identities.
type Authenticator struct {
	adminKey string
	tokens   *TokenVerifier
	keys     KeyLookup
	demo     bool
}

// NewAuthenticator creates an Authenticator. tokens and keys may be nil
// to disable that credential type.
func NewAuthenticator(adminKey string, tokens *TokenVerifier, keys KeyLookup, demo bool) *Authenticator {
	return &Authenticator{adminKey: adminKey, tokens: tokens, keys: keys, demo: demo}
}

// Authenticate checks the admin key first, then API keys, then provider
// tokens. An empty bearer yields DemoUser in demo mode and
// ErrNoCredentials otherwise.
func (a *Authenticator) Authenticate(ctx context.Context, bearer string) (*Identity, error) {
	if bearer == "" {
		if a.demo {
			id := DemoUser
			return &id, nil
		}
		return nil, ErrNoCredentials
	}

	if a.adminKey != "" && subtle.ConstantTimeCompare([]byte(bearer), []byte(a.adminKey)) == 1 {
		return &Identity{UserID: "admin", Name: "Administrator", Method: MethodAdmin}, nil
	}

	if prefix, ok := ParseKey(bearer); ok && a.keys != nil {
		userID, hash, err := a.keys.Lookup(ctx, prefix)
		if err != nil {
			return nil, err
		}
		if err := CheckKey(hash, bearer); err != nil {
			return nil, fmt.Errorf("auth: api key mismatch")
		}
		return &Identity{UserID: userID, Method: MethodAPIKey, KeyPrefix: prefix}, nil
	}

	if a.tokens == nil {
		return nil, fmt.Errorf("auth: token verification disabled")
	}
	return a.tokens.Verify(bearer)
}
