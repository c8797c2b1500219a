// Package subscription stores subscription plans and the plan each user
// is on. A user with no active subscription is on the free plan.
//
// Plan changes are recorded only. No payment provider is contacted; the
// payment_provider columns stay empty.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/patrickmn/go-cache"
	"github.com/primal-host/vidscope/internal/database"
	"github.com/primal-host/vidscope/internal/tier"
)

// Sentinel errors for subscription operations.
var (
	ErrNotFound     = errors.New("subscription: plan not found")
	ErrContactSales = errors.New("subscription: enterprise plans are arranged through sales")
	ErrInvalidCycle = errors.New("subscription: billing cycle must be monthly or yearly")
)

// Valid statuses.
const (
	StatusActive    = "active"
	StatusCancelled = "cancelled"
)

// Cycle is a billing period length.
type Cycle string

const (
	Monthly Cycle = "monthly"
	Yearly  Cycle = "yearly"
)

// ParseCycle accepts "monthly" or "yearly". Empty means monthly.
func ParseCycle(s string) (Cycle, error) {
	switch Cycle(s) {
	case "", Monthly:
		return Monthly, nil
	case Yearly:
		return Yearly, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCycle, s)
}

// PeriodEnd returns the end of a billing period starting at start.
func PeriodEnd(start time.Time, c Cycle) time.Time {
	if c == Yearly {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

// Plan is a row of subscription_plans.
type Plan struct {
	ID                      string   `json:"id"`
	Name                    string   `json:"name"`
	MaxVideoSizeMB          int      `json:"maxVideoSizeMb"`
	MaxVideoDurationMinutes int      `json:"maxVideoDurationMinutes"`
	PriceMonthly            float64  `json:"priceMonthly"`
	PriceYearly             float64  `json:"priceYearly"`
	Features                []string `json:"features"`
}

// Subscription is the effective plan of one user.
type Subscription struct {
	Tier             tier.Tier  `json:"tier"`
	MaxSize          int        `json:"maxSize"`
	MaxDuration      int        `json:"maxDuration"`
	Status           string     `json:"status"`
	PlanName         string     `json:"planName"`
	BillingCycle     Cycle      `json:"billingCycle,omitempty"`
	CurrentPeriodEnd *time.Time `json:"currentPeriodEnd,omitempty"`
}

// Limits returns the tier table row for the subscription with the size
// and duration limits taken from the plan row.
func (s *Subscription) Limits() tier.Limits {
	l := s.Tier.Limits()
	if s.MaxSize > 0 {
		l.MaxSizeMB = s.MaxSize
	}
	if s.MaxDuration > 0 {
		l.MaxDurationMinutes = s.MaxDuration
	}
	return l
}

// BuiltinFree is the free plan from the static tier table, used when the
// plans table cannot be read.
func BuiltinFree() *Subscription {
	l := tier.Free.Limits()
	return &Subscription{
		Tier:        tier.Free,
		MaxSize:     l.MaxSizeMB,
		MaxDuration: l.MaxDurationMinutes,
		Status:      StatusActive,
		PlanName:    l.Name,
	}
}

// Record is a subscription row as listed for admins.
type Record struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	PlanID           string    `json:"planId"`
	PlanName         string    `json:"planName"`
	Status           string    `json:"status"`
	BillingCycle     Cycle     `json:"billingCycle"`
	CurrentPeriodEnd time.Time `json:"currentPeriodEnd"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Store provides plan and subscription operations backed by PostgreSQL.
// Effective subscriptions are cached per user for one minute.
type Store struct {
	db    *database.DB
	log   logs.Log
	cache *cache.Cache
}

// NewStore creates a subscription Store.
func NewStore(db *database.DB, log logs.Log) *Store {
	return &Store{
		db:    db,
		log:   log,
		cache: cache.New(time.Minute, 5*time.Minute),
	}
}

// GetForUser returns the newest active subscription of userID. Users
// without one get the free plan row. When the database cannot answer,
// the user gets BuiltinFree, which is not cached.
func (s *Store) GetForUser(ctx context.Context, userID string) (*Subscription, error) {
	if v, ok := s.cache.Get(userID); ok {
		sub := v.(Subscription)
		return &sub, nil
	}

	var sub Subscription
	var planID string
	var end time.Time
	err := s.db.Pool.QueryRow(ctx,
		`SELECT p.id, p.name, p.max_video_size_mb, p.max_video_duration_minutes,
		        us.status, us.billing_cycle, us.current_period_end
		 FROM user_subscriptions us
		 JOIN subscription_plans p ON p.id = us.plan_id
		 WHERE us.user_id = $1 AND us.status = 'active'
		 ORDER BY us.created_at DESC
		 LIMIT 1`,
		userID,
	).Scan(&planID, &sub.PlanName, &sub.MaxSize, &sub.MaxDuration, &sub.Status, &sub.BillingCycle, &end)
	switch {
	case err == nil:
		sub.Tier = tier.Tier(planID)
		sub.CurrentPeriodEnd = &end
	case errors.Is(err, pgx.ErrNoRows):
		free, err := s.freePlan(ctx)
		if err != nil {
			s.log.Warnf("Free plan row unavailable, using built-in limits: %v", err)
			return BuiltinFree(), nil
		}
		sub = *free
	default:
		s.log.Warnf("Loading subscription of %s, using built-in free limits: %v", userID, err)
		return BuiltinFree(), nil
	}

	s.cache.SetDefault(userID, sub)
	return &sub, nil
}

func (s *Store) freePlan(ctx context.Context) (*Subscription, error) {
	sub := Subscription{Tier: tier.Free, Status: StatusActive}
	err := s.db.Pool.QueryRow(ctx,
		`SELECT name, max_video_size_mb, max_video_duration_minutes
		 FROM subscription_plans WHERE id = 'free'`,
	).Scan(&sub.PlanName, &sub.MaxSize, &sub.MaxDuration)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// Invalidate drops the cached subscription of userID.
func (s *Store) Invalidate(userID string) {
	s.cache.Delete(userID)
}

// ListPlans returns every plan ordered by monthly price.
func (s *Store) ListPlans(ctx context.Context) ([]Plan, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT id, name, max_video_size_mb, max_video_duration_minutes, price_monthly, price_yearly, features
		 FROM subscription_plans ORDER BY price_monthly`)
	if err != nil {
		return nil, fmt.Errorf("subscription: list plans: %w", err)
	}
	defer rows.Close()

	plans := []Plan{}
	for rows.Next() {
		var p Plan
		if err := rows.Scan(&p.ID, &p.Name, &p.MaxVideoSizeMB, &p.MaxVideoDurationMinutes, &p.PriceMonthly, &p.PriceYearly, &p.Features); err != nil {
			return nil, fmt.Errorf("subscription: list plans scan: %w", err)
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// ChangePlan moves userID onto planID. The previous active subscription
// is cancelled and a new one starts now. Enterprise returns
// ErrContactSales.
func (s *Store) ChangePlan(ctx context.Context, userID, planID string, cycle Cycle) (*Subscription, error) {
	t, err := tier.Parse(planID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, planID)
	}
	if t == tier.Enterprise {
		return nil, ErrContactSales
	}
	if cycle != Monthly && cycle != Yearly {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCycle, cycle)
	}

	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscription: change plan: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	sub := Subscription{Tier: t, Status: StatusActive, BillingCycle: cycle}
	err = tx.QueryRow(ctx,
		`SELECT name, max_video_size_mb, max_video_duration_minutes
		 FROM subscription_plans WHERE id = $1`,
		string(t),
	).Scan(&sub.PlanName, &sub.MaxSize, &sub.MaxDuration)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, t)
	}
	if err != nil {
		return nil, fmt.Errorf("subscription: change plan: get plan: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE user_subscriptions SET status = 'cancelled', updated_at = NOW()
		 WHERE user_id = $1 AND status = 'active'`,
		userID,
	); err != nil {
		return nil, fmt.Errorf("subscription: change plan: cancel previous: %w", err)
	}

	start := time.Now().UTC()
	end := PeriodEnd(start, cycle)
	if _, err := tx.Exec(ctx,
		`INSERT INTO user_subscriptions (id, user_id, plan_id, status, billing_cycle, current_period_start, current_period_end)
		 VALUES ($1, $2, $3, 'active', $4, $5, $6)`,
		uuid.NewString(), userID, string(t), string(cycle), start, end,
	); err != nil {
		return nil, fmt.Errorf("subscription: change plan: insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("subscription: change plan: commit: %w", err)
	}
	s.Invalidate(userID)

	sub.CurrentPeriodEnd = &end
	s.log.Infof("User %s moved to plan %s (%s)", userID, t, cycle)
	return &sub, nil
}

// ListRecent returns the newest subscription rows across all users.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Pool.Query(ctx,
		`SELECT us.id::text, us.user_id, us.plan_id, p.name, us.status, us.billing_cycle,
		        us.current_period_end, us.created_at
		 FROM user_subscriptions us
		 JOIN subscription_plans p ON p.id = us.plan_id
		 ORDER BY us.created_at DESC
		 LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("subscription: list recent: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.UserID, &r.PlanID, &r.PlanName, &r.Status, &r.BillingCycle, &r.CurrentPeriodEnd, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("subscription: list recent scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountActiveByPlan returns the number of active subscriptions per plan
// ID. Plans with no subscribers are present with a zero count.
func (s *Store) CountActiveByPlan(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT p.id, COUNT(us.id)
		 FROM subscription_plans p
		 LEFT JOIN user_subscriptions us ON us.plan_id = p.id AND us.status = 'active'
		 GROUP BY p.id`)
	if err != nil {
		return nil, fmt.Errorf("subscription: count active: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("subscription: count active scan: %w", err)
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// MonthlyRevenue sums active subscriptions normalised to one month.
// Yearly subscriptions contribute a twelfth of their yearly price.
func (s *Store) MonthlyRevenue(ctx context.Context) (float64, error) {
	var revenue float64
	err := s.db.Pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(CASE WHEN us.billing_cycle = 'yearly'
		                          THEN p.price_yearly / 12
		                          ELSE p.price_monthly END), 0)::float8
		 FROM user_subscriptions us
		 JOIN subscription_plans p ON p.id = us.plan_id
		 WHERE us.status = 'active'`,
	).Scan(&revenue)
	if err != nil {
		return 0, fmt.Errorf("subscription: monthly revenue: %w", err)
	}
	return revenue, nil
}
