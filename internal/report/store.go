package report

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/primal-host/vidscope/internal/database"
)

// Sentinel errors for share links.
var (
	ErrNotFound = errors.New("report: share link not found")
	ErrExpired  = errors.New("report: share link expired")
)

// Share is a public link to an analysis report.
type Share struct {
	ID         string     `json:"id"`
	AnalysisID string     `json:"analysisId"`
	Title      string     `json:"title"`
	Token      string     `json:"token"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Store provides share link operations backed by PostgreSQL.
type Store struct {
	db  *database.DB
	now func() time.Time
}

// NewStore creates a report Store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// NewToken returns a random 32 character share token.
func NewToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// tokenAttempts bounds the retries after a share token collision.
const tokenAttempts = 3

// Share creates a public link to the report of analysisID. A ttl of zero
// creates a link that never expires.
func (s *Store) Share(ctx context.Context, analysisID, title string, ttl time.Duration) (*Share, error) {
	var expiresAt *time.Time
	if ttl > 0 {
		exp := s.now().Add(ttl)
		expiresAt = &exp
	}
	for attempt := 1; ; attempt++ {
		sh, err := s.insertShare(ctx, analysisID, title, expiresAt)
		if err == nil {
			return sh, nil
		}
		if !database.IsDuplicateKey(err) || attempt == tokenAttempts {
			return nil, fmt.Errorf("report: share %s: %w", analysisID, err)
		}
	}
}

func (s *Store) insertShare(ctx context.Context, analysisID, title string, expiresAt *time.Time) (*Share, error) {
	token, err := NewToken()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	sh := Share{
		ID:         uuid.NewString(),
		AnalysisID: analysisID,
		Title:      title,
		Token:      token,
		ExpiresAt:  expiresAt,
	}
	err = s.db.Pool.QueryRow(ctx,
		`INSERT INTO analysis_reports (id, analysis_id, title, share_token, is_public, expires_at)
		 VALUES ($1, $2, $3, $4, TRUE, $5)
		 RETURNING created_at`,
		sh.ID, analysisID, title, token, expiresAt,
	).Scan(&sh.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &sh, nil
}

// Resolve returns the analysis ID a share token points to.
func (s *Store) Resolve(ctx context.Context, token string) (string, error) {
	var (
		analysisID string
		public     bool
		expiresAt  *time.Time
	)
	err := s.db.Pool.QueryRow(ctx,
		`SELECT analysis_id::text, is_public, expires_at
		 FROM analysis_reports WHERE share_token = $1`,
		token,
	).Scan(&analysisID, &public, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, token)
	}
	if err != nil {
		return "", fmt.Errorf("report: resolve: %w", err)
	}
	if err := usable(public, expiresAt, s.now()); err != nil {
		return "", err
	}
	return analysisID, nil
}

// usable reports whether a link with the given state may be followed at now.
// Private links look the same as missing ones.
func usable(public bool, expiresAt *time.Time, now time.Time) error {
	if !public {
		return ErrNotFound
	}
	if expiresAt != nil && !now.Before(*expiresAt) {
		return ErrExpired
	}
	return nil
}
