package video

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

const videoID = "0b7d3f62-1c2e-4d8a-9f3b-6e5a4c2d1e0f"

var videoColumns = []string{"id", "user_id", "title", "description", "file_path", "file_size_bytes",
	"duration_seconds", "mime_type", "thumbnail_path", "status", "created_at", "updated_at",
	"analysis_id", "analysis_status"}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return NewStore(&database.DB{Pool: mock}), mock
}

func TestStoreGet(t *testing.T) {
	s, mock := newMockStore(t)
	created := time.Date(2024, time.May, 1, 10, 0, 0, 0, time.UTC)
	dur := 42.0

	mock.ExpectQuery(regexp.QuoteMeta("WHERE v.id = $1")).
		WithArgs(videoID).
		WillReturnRows(pgxmock.NewRows(videoColumns).
			AddRow(videoID, "u1", "Beach", "", "videos/u1/beach.mp4", int64(2048),
				&dur, "video/mp4", "", StatusCompleted, created, created,
				"a1", "completed"))

	v, err := s.Get(context.Background(), videoID)
	require.NoError(t, err)
	assert.Equal(t, "Beach", v.Title)
	assert.Equal(t, int64(2048), v.FileSizeBytes)
	require.NotNil(t, v.DurationSeconds)
	assert.Equal(t, 42.0, *v.DurationSeconds)
	assert.Equal(t, "a1", v.AnalysisID)
}

func TestStoreGetMalformedID(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE v.id = $1")).
		WithArgs("../etc").
		WillReturnError(&pgconn.PgError{Code: "22P02", Message: "invalid input syntax for type uuid"})

	_, err := s.Get(context.Background(), "../etc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreGetPropagatesOtherErrors(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE v.id = $1")).
		WithArgs(videoID).
		WillReturnError(&pgconn.PgError{Code: "57P01", Message: "terminating connection"})

	_, err := s.Get(context.Background(), videoID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestStoreDeleteScopedToOwner(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("DELETE FROM videos WHERE id = $1 AND ($2::text = '' OR user_id = $2)")).
		WithArgs(videoID, "u2").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("DELETE FROM videos")).
		WithArgs(videoID, "u1").
		WillReturnRows(pgxmock.NewRows([]string{"file_path"}).AddRow("videos/u1/beach.mp4"))

	_, err := s.Delete(context.Background(), videoID, "u2")
	assert.ErrorIs(t, err, ErrNotFound)

	path, err := s.Delete(context.Background(), videoID, "u1")
	require.NoError(t, err)
	assert.Equal(t, "videos/u1/beach.mp4", path)
}

func TestStoreListPassesFilterArgs(t *testing.T) {
	s, mock := newMockStore(t)
	created := time.Date(2024, time.May, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("v.status = ANY($2) ORDER BY v.created_at DESC LIMIT $3 OFFSET $4")).
		WithArgs("u1", []string{StatusCompleted}, 5, 10).
		WillReturnRows(pgxmock.NewRows(videoColumns).
			AddRow(videoID, "u1", "Beach", "", "videos/u1/beach.mp4", int64(10),
				nil, "", "", StatusCompleted, created, created, "", ""))

	out, err := s.List(context.Background(), "u1", Filter{Statuses: []string{StatusCompleted}, Limit: 5, Offset: 10})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Nil(t, out[0].DurationSeconds)
}

func TestStoreListRejectsBadFilter(t *testing.T) {
	s, _ := newMockStore(t)
	_, err := s.List(context.Background(), "u1", Filter{Statuses: []string{"deleted"}})
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestStoreTotals(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("COALESCE(SUM(file_size_bytes), 0)::bigint")).
		WithArgs("").
		WillReturnRows(pgxmock.NewRows([]string{"count", "bytes"}).AddRow(3, int64(4096)))

	n, b, err := s.Totals(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int64(4096), b)
}
