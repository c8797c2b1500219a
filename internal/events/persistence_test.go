package events

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPersister(t *testing.T) (*Persister, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return NewPersister(mock), mock
}

func TestPersist(t *testing.T) {
	p, mock := newMockPersister(t)
	at := time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO activity_events")).
		WithArgs(TypeVideoUploaded, "u1", "v1", "Beach", at).
		WillReturnRows(pgxmock.NewRows([]string{"seq"}).AddRow(int64(41)))

	seq, err := p.Persist(context.Background(), Event{Type: TypeVideoUploaded, UserID: "u1", SubjectID: "v1", Message: "Beach", Time: at})
	require.NoError(t, err)
	assert.Equal(t, int64(41), seq)
}

func TestPersistedRecentDefaultsLimit(t *testing.T) {
	p, mock := newMockPersister(t)
	at := time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("FROM activity_events")).
		WithArgs("", 20).
		WillReturnRows(pgxmock.NewRows([]string{"seq", "event_type", "user_id", "subject_id", "message", "created_at"}).
			AddRow(int64(2), TypeVideoUploaded, "u2", "v2", "Dock", at).
			AddRow(int64(1), TypeVideoUploaded, "u1", "v1", "Beach", at))

	evs, err := p.Recent(context.Background(), "", 0)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, int64(2), evs[0].Seq)
	assert.Equal(t, "u1", evs[1].UserID)
}
