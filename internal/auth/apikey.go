package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/primal-host/vidscope/internal/database"
	"golang.org/x/crypto/bcrypt"
)

// KeyPrefix starts every API key: vs_<prefix>_<secret>.
const KeyPrefix = "vs_"

// ErrKeyNotFound is returned when no key matches the presented prefix.
var ErrKeyNotFound = errors.New("auth: api key not found")

// APIKey is the stored, non-secret part of a key.
type APIKey struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Prefix     string     `json:"prefix"`
	Calls      int64      `json:"calls"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// GenerateKey returns a new plaintext key and its lookup prefix.
func GenerateKey() (key, prefix string, err error) {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("auth: generate key: %w", err)
	}
	prefix = hex.EncodeToString(b[:4])
	return KeyPrefix + prefix + "_" + hex.EncodeToString(b[4:]), prefix, nil
}

// ParseKey extracts the lookup prefix from a plaintext key.
func ParseKey(key string) (prefix string, ok bool) {
	if !strings.HasPrefix(key, KeyPrefix) {
		return "", false
	}
	rest := key[len(KeyPrefix):]
	i := strings.IndexByte(rest, '_')
	if i <= 0 || i == len(rest)-1 {
		return "", false
	}
	return rest[:i], true
}

// HashKey hashes a plaintext key using bcrypt with the default cost.
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash key: %w", err)
	}
	return string(hash), nil
}

// CheckKey compares a plaintext key against a bcrypt hash.
// Returns nil on match.
func CheckKey(hash, key string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key))
}

// KeyStore persists API keys in Postgres.
type KeyStore struct {
	db *database.DB
}

// NewKeyStore creates a KeyStore.
func NewKeyStore(db *database.DB) *KeyStore {
	return &KeyStore{db: db}
}

// keyAttempts bounds the retries after a prefix collision.
const keyAttempts = 3

// Create mints a key for userID. The plaintext is returned once and
// never stored. A colliding prefix is retried with a fresh key.
func (s *KeyStore) Create(ctx context.Context, userID string) (string, *APIKey, error) {
	for attempt := 1; ; attempt++ {
		key, k, err := s.insert(ctx, userID)
		if err == nil {
			return key, k, nil
		}
		if !database.IsDuplicateKey(err) || attempt == keyAttempts {
			return "", nil, fmt.Errorf("auth: create key for %q: %w", userID, err)
		}
	}
}

func (s *KeyStore) insert(ctx context.Context, userID string) (string, *APIKey, error) {
	key, prefix, err := GenerateKey()
	if err != nil {
		return "", nil, err
	}
	hash, err := HashKey(key)
	if err != nil {
		return "", nil, err
	}

	k := APIKey{ID: uuid.NewString(), UserID: userID, Prefix: prefix}
	err = s.db.Pool.QueryRow(ctx,
		`INSERT INTO api_keys (id, user_id, prefix, key_hash)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at`,
		k.ID, userID, prefix, hash,
	).Scan(&k.CreatedAt)
	if err != nil {
		return "", nil, err
	}
	return key, &k, nil
}

// Lookup returns the owner and hash for a key prefix.
func (s *KeyStore) Lookup(ctx context.Context, prefix string) (userID, hash string, err error) {
	err = s.db.Pool.QueryRow(ctx,
		`SELECT user_id, key_hash FROM api_keys WHERE prefix = $1`, prefix,
	).Scan(&userID, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", fmt.Errorf("%w: %s", ErrKeyNotFound, prefix)
	}
	if err != nil {
		return "", "", fmt.Errorf("auth: lookup key: %w", err)
	}
	return userID, hash, nil
}

// Touch records one authenticated call on the key.
func (s *KeyStore) Touch(ctx context.Context, prefix string) error {
	_, err := s.db.Pool.Exec(ctx,
		`UPDATE api_keys SET calls = calls + 1, last_used_at = NOW() WHERE prefix = $1`, prefix)
	if err != nil {
		return fmt.Errorf("auth: touch key: %w", err)
	}
	return nil
}

// List returns a user's keys, newest first.
func (s *KeyStore) List(ctx context.Context, userID string) ([]APIKey, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT id::text, user_id, prefix, calls, created_at, last_used_at
		 FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("auth: list keys: %w", err)
	}
	defer rows.Close()

	keys := []APIKey{}
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Prefix, &k.Calls, &k.CreatedAt, &k.LastUsedAt); err != nil {
			return nil, fmt.Errorf("auth: list keys scan: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Revoke deletes a key owned by userID.
func (s *KeyStore) Revoke(ctx context.Context, userID, prefix string) error {
	res, err := s.db.Pool.Exec(ctx,
		`DELETE FROM api_keys WHERE user_id = $1 AND prefix = $2`, userID, prefix)
	if err != nil {
		return fmt.Errorf("auth: revoke key: %w", err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, prefix)
	}
	return nil
}
