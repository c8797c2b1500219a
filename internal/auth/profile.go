package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/primal-host/vidscope/internal/database"
)

// ProfileStore mirrors signed-in users into custom_users so that admin
// user counts include people who have not uploaded anything yet.
type ProfileStore struct {
	db   *database.DB
	seen *cache.Cache
}

// NewProfileStore creates a ProfileStore. A profile that was written is
// not written again for an hour unless its email or name changes.
func NewProfileStore(db *database.DB) *ProfileStore {
	return &ProfileStore{db: db, seen: cache.New(time.Hour, 10*time.Minute)}
}

// Ensure upserts the profile of id. Only provider tokens and the demo
// user carry a profile; API key and admin callers are ignored.
func (s *ProfileStore) Ensure(ctx context.Context, id *Identity) error {
	if id == nil || id.Email == "" || (id.Method != MethodToken && id.Method != MethodDemo) {
		return nil
	}
	name := id.Name
	if name == "" {
		name = id.Email
	}
	key := id.UserID + "\x00" + id.Email + "\x00" + name
	if _, ok := s.seen.Get(key); ok {
		return nil
	}

	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO custom_users (id, email, name)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE
		 SET email = EXCLUDED.email, name = EXCLUDED.name, updated_at = NOW()`,
		id.UserID, id.Email, name)
	if err != nil {
		return fmt.Errorf("auth: save profile of %q: %w", id.UserID, err)
	}
	s.seen.SetDefault(key, struct{}{})
	return nil
}
