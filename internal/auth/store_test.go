package auth

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/primal-host/vidscope/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*database.DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return &database.DB{Pool: mock}, mock
}

var insertKeySQL = regexp.QuoteMeta("INSERT INTO api_keys (id, user_id, prefix, key_hash)")

func TestKeyStoreCreate(t *testing.T) {
	db, mock := newMockDB(t)
	created := time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(insertKeySQL).
		WithArgs(pgxmock.AnyArg(), "u1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(created))

	key, k, err := NewKeyStore(db).Create(context.Background(), "u1")
	require.NoError(t, err)
	prefix, ok := ParseKey(key)
	require.True(t, ok)
	assert.Equal(t, prefix, k.Prefix)
	assert.Equal(t, created, k.CreatedAt)
}

func TestKeyStoreCreateRetriesPrefixCollision(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(insertKeySQL).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "api_keys_prefix_key"})
	mock.ExpectQuery(insertKeySQL).
		WithArgs(pgxmock.AnyArg(), "u1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(time.Now()))

	key, k, err := NewKeyStore(db).Create(context.Background(), "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, key)
	assert.Equal(t, "u1", k.UserID)
}

func TestKeyStoreCreateOtherErrorIsNotRetried(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(insertKeySQL).WillReturnError(&pgconn.PgError{Code: "53300", Message: "too many connections"})

	_, _, err := NewKeyStore(db).Create(context.Background(), "u1")
	require.Error(t, err)
}

func TestKeyStoreLookup(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM api_keys WHERE prefix = $1")).
		WithArgs("abcd1234").
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "key_hash"}).AddRow("u1", "hash"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM api_keys WHERE prefix = $1")).
		WithArgs("ffff0000").
		WillReturnError(pgx.ErrNoRows)

	ks := NewKeyStore(db)
	user, hash, err := ks.Lookup(context.Background(), "abcd1234")
	require.NoError(t, err)
	assert.Equal(t, "u1", user)
	assert.Equal(t, "hash", hash)

	_, _, err = ks.Lookup(context.Background(), "ffff0000")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestKeyStoreTouchCountsCall(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec(regexp.QuoteMeta("SET calls = calls + 1")).
		WithArgs("abcd1234").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, NewKeyStore(db).Touch(context.Background(), "abcd1234"))
}

func TestKeyStoreList(t *testing.T) {
	db, mock := newMockDB(t)
	created := time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)
	used := created.Add(time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta("FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC")).
		WithArgs("u1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "user_id", "prefix", "calls", "created_at", "last_used_at"}).
			AddRow("k2", "u1", "bbbb", int64(7), created, &used).
			AddRow("k1", "u1", "aaaa", int64(0), created, nil))

	keys, err := NewKeyStore(db).List(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, int64(7), keys[0].Calls)
	require.NotNil(t, keys[0].LastUsedAt)
	assert.Nil(t, keys[1].LastUsedAt)
}

func TestKeyStoreRevoke(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM api_keys WHERE user_id = $1 AND prefix = $2")).
		WithArgs("u1", "aaaa").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM api_keys")).
		WithArgs("u2", "aaaa").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	ks := NewKeyStore(db)
	require.NoError(t, ks.Revoke(context.Background(), "u1", "aaaa"))
	assert.ErrorIs(t, ks.Revoke(context.Background(), "u2", "aaaa"), ErrKeyNotFound)
}

func TestProfileStoreEnsure(t *testing.T) {
	db, mock := newMockDB(t)
	upsert := regexp.QuoteMeta("INSERT INTO custom_users (id, email, name)")
	mock.ExpectExec(upsert).
		WithArgs("u1", "ana@example.com", "Ana").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(upsert).
		WithArgs("u1", "ana@example.com", "Ana B").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ps := NewProfileStore(db)
	ctx := context.Background()
	id := &Identity{UserID: "u1", Email: "ana@example.com", Name: "Ana", Method: MethodToken}
	require.NoError(t, ps.Ensure(ctx, id))
	// Unchanged profiles are not written twice.
	require.NoError(t, ps.Ensure(ctx, id))

	renamed := *id
	renamed.Name = "Ana B"
	require.NoError(t, ps.Ensure(ctx, &renamed))

	// Callers without a provider profile are skipped.
	require.NoError(t, ps.Ensure(ctx, &Identity{UserID: "u2", Method: MethodAPIKey, KeyPrefix: "aaaa"}))
	require.NoError(t, ps.Ensure(ctx, &Identity{UserID: "admin", Method: MethodAdmin}))
	require.NoError(t, ps.Ensure(ctx, nil))
}

func TestProfileStoreEnsureError(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO custom_users")).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "custom_users_email_key"})

	err := NewProfileStore(db).Ensure(context.Background(), &Identity{UserID: "u3", Email: "x@example.com", Method: MethodToken})
	assert.True(t, database.IsDuplicateKey(err))
}
