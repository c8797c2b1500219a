package usage

import (
	"context"
	"fmt"

	"github.com/primal-host/vidscope/internal/database"
	"github.com/primal-host/vidscope/internal/events"
	"github.com/primal-host/vidscope/internal/subscription"
)

// ActivityLimit is the number of recent events on the dashboard.
const ActivityLimit = 10

// Plans reports subscription figures.
type Plans interface {
	CountActiveByPlan(ctx context.Context) (map[string]int, error)
	MonthlyRevenue(ctx context.Context) (float64, error)
}

// Analyses counts analyses by status.
type Analyses interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// Activity lists recent events.
type Activity interface {
	Recent(ctx context.Context, userID string, limit int) ([]events.Event, error)
}

// Dashboard holds the platform-wide admin figures.
type Dashboard struct {
	TotalUsers        int            `json:"totalUsers"`
	MonthlyRevenue    float64        `json:"monthlyRevenue"`
	TotalVideos       int            `json:"totalVideos"`
	TotalStorageBytes int64          `json:"totalStorageBytes"`
	Analyses          map[string]int `json:"analyses"`
	ActivePlans       map[string]int `json:"activePlans"`
	RecentActivity    []events.Event `json:"recentActivity"`
}

// Service computes usage and dashboard figures.
type Service struct {
	db       *database.DB
	plans    Plans
	analyses Analyses
	activity Activity
}

// NewService creates a usage Service.
func NewService(db *database.DB, plans Plans, analyses Analyses, activity Activity) *Service {
	return &Service{db: db, plans: plans, analyses: analyses, activity: activity}
}

// ForUser returns the usage of userID on sub.
func (s *Service) ForUser(ctx context.Context, userID string, sub *subscription.Subscription) (*Usage, error) {
	var c Counts
	err := s.db.Pool.QueryRow(ctx,
		`SELECT
		     (SELECT COALESCE(SUM(file_size_bytes), 0)::bigint FROM videos WHERE user_id = $1),
		     (SELECT COUNT(*) FROM videos WHERE user_id = $1),
		     (SELECT COALESCE(SUM(calls), 0)::bigint FROM api_keys WHERE user_id = $1)`,
		userID,
	).Scan(&c.StorageBytes, &c.Videos, &c.APICalls)
	if err != nil {
		return nil, fmt.Errorf("usage: counts for %s: %w", userID, err)
	}
	u := Build(sub.Limits(), c, sub.CurrentPeriodEnd)
	if sub.PlanName != "" {
		u.PlanName = sub.PlanName
	}
	return u, nil
}

// Dashboard collects the admin dashboard figures.
func (s *Service) Dashboard(ctx context.Context) (*Dashboard, error) {
	d := &Dashboard{}
	err := s.db.Pool.QueryRow(ctx,
		`SELECT
		     (SELECT COUNT(*) FROM (
		         SELECT user_id FROM videos
		         UNION SELECT user_id FROM user_subscriptions
		         UNION SELECT id FROM custom_users
		     ) u),
		     (SELECT COUNT(*) FROM videos),
		     (SELECT COALESCE(SUM(file_size_bytes), 0)::bigint FROM videos)`,
	).Scan(&d.TotalUsers, &d.TotalVideos, &d.TotalStorageBytes)
	if err != nil {
		return nil, fmt.Errorf("usage: totals: %w", err)
	}

	if d.MonthlyRevenue, err = s.plans.MonthlyRevenue(ctx); err != nil {
		return nil, fmt.Errorf("usage: revenue: %w", err)
	}
	if d.ActivePlans, err = s.plans.CountActiveByPlan(ctx); err != nil {
		return nil, fmt.Errorf("usage: active plans: %w", err)
	}
	if d.Analyses, err = s.analyses.CountByStatus(ctx); err != nil {
		return nil, fmt.Errorf("usage: analyses: %w", err)
	}
	if d.RecentActivity, err = s.activity.Recent(ctx, "", ActivityLimit); err != nil {
		return nil, fmt.Errorf("usage: activity: %w", err)
	}
	return d, nil
}
