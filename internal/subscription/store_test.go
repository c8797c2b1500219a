package subscription

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/primal-host/vidscope/internal/database"
	"github.com/primal-host/vidscope/internal/tier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	activeQuery = regexp.QuoteMeta("WHERE us.user_id = $1 AND us.status = 'active'")
	freeQuery   = regexp.QuoteMeta("FROM subscription_plans WHERE id = 'free'")
	activeCols  = []string{"id", "name", "max_size", "max_duration", "status", "billing_cycle", "current_period_end"}
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return NewStore(&database.DB{Pool: mock}, logs.NewTestingLog(t)), mock
}

func TestGetForUserActiveIsCached(t *testing.T) {
	s, mock := newMockStore(t)
	end := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(activeQuery).
		WithArgs("u1").
		WillReturnRows(pgxmock.NewRows(activeCols).
			AddRow("pro", "Professional", 1000, 30, StatusActive, Yearly, end))

	for range 2 {
		sub, err := s.GetForUser(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, tier.Pro, sub.Tier)
		assert.Equal(t, Yearly, sub.BillingCycle)
		require.NotNil(t, sub.CurrentPeriodEnd)
		assert.Equal(t, end, *sub.CurrentPeriodEnd)
	}
}

func TestGetForUserWithoutSubscriptionUsesFreeRow(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(activeQuery).WithArgs("u1").WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(freeQuery).
		WillReturnRows(pgxmock.NewRows([]string{"name", "max_size", "max_duration"}).AddRow("Free", 60, 3))

	sub, err := s.GetForUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, tier.Free, sub.Tier)
	assert.Equal(t, 60, sub.MaxSize)
	assert.Nil(t, sub.CurrentPeriodEnd)
}

func TestGetForUserFallsBackOnQueryError(t *testing.T) {
	s, mock := newMockStore(t)
	// Not cached, so each call goes to the database.
	for range 2 {
		mock.ExpectQuery(activeQuery).WithArgs("u1").WillReturnError(errors.New("connection refused"))
	}

	for range 2 {
		sub, err := s.GetForUser(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, BuiltinFree(), sub)
	}
}

func TestGetForUserFallsBackWhenFreeRowMissing(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(activeQuery).WithArgs("u1").WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(freeQuery).WillReturnError(pgx.ErrNoRows)

	sub, err := s.GetForUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, BuiltinFree(), sub)
}

func TestChangePlan(t *testing.T) {
	s, mock := newMockStore(t)

	// Seed the cache with the free plan.
	mock.ExpectQuery(activeQuery).WithArgs("u1").WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(freeQuery).
		WillReturnRows(pgxmock.NewRows([]string{"name", "max_size", "max_duration"}).AddRow("Free", 50, 2))
	_, err := s.GetForUser(context.Background(), "u1")
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM subscription_plans WHERE id = $1")).
		WithArgs("basic").
		WillReturnRows(pgxmock.NewRows([]string{"name", "max_size", "max_duration"}).AddRow("Basic", 200, 10))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE user_subscriptions SET status = 'cancelled'")).
		WithArgs("u1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO user_subscriptions")).
		WithArgs(pgxmock.AnyArg(), "u1", "basic", "yearly", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	sub, err := s.ChangePlan(context.Background(), "u1", "Basic", Yearly)
	require.NoError(t, err)
	assert.Equal(t, tier.Basic, sub.Tier)
	assert.Equal(t, 200, sub.MaxSize)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.WithinDuration(t, time.Now().AddDate(1, 0, 0), *sub.CurrentPeriodEnd, time.Minute)

	// The cached free plan is gone.
	end := *sub.CurrentPeriodEnd
	mock.ExpectQuery(activeQuery).
		WithArgs("u1").
		WillReturnRows(pgxmock.NewRows(activeCols).
			AddRow("basic", "Basic", 200, 10, StatusActive, Yearly, end))
	got, err := s.GetForUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, tier.Basic, got.Tier)
}

func TestChangePlanMissingRowRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM subscription_plans WHERE id = $1")).
		WithArgs("pro").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.ChangePlan(context.Background(), "u1", "pro", Monthly)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChangePlanRejectsWithoutDatabase(t *testing.T) {
	s, _ := newMockStore(t)
	_, err := s.ChangePlan(context.Background(), "u1", "enterprise", Monthly)
	assert.ErrorIs(t, err, ErrContactSales)
	_, err = s.ChangePlan(context.Background(), "u1", "gold", Monthly)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.ChangePlan(context.Background(), "u1", "pro", Cycle("weekly"))
	assert.ErrorIs(t, err, ErrInvalidCycle)
}

func TestMonthlyRevenue(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("THEN p.price_yearly / 12")).
		WillReturnRows(pgxmock.NewRows([]string{"revenue"}).AddRow(42.5))

	rev, err := s.MonthlyRevenue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42.5, rev)
}
