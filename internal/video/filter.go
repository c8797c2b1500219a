package video

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidFilter is returned for filters with unknown values.
var ErrInvalidFilter = errors.New("video: invalid filter")

// Date ranges accepted by Filter.DateRange.
const (
	RangeAll   = "all"
	RangeToday = "today"
	RangeWeek  = "week"
	RangeMonth = "month"
	RangeYear  = "year"
)

const (
	defaultLimit = 20
	maxLimit     = 100
)

// Filter narrows a video listing. Zero values match everything.
type Filter struct {
	Statuses   []string
	MinMinutes float64
	MaxMinutes float64 // 0 means no upper bound
	DateRange  string
	Classes    []string // object classes detected in the latest analyses
	Search     string   // case-insensitive match on title or description
	Limit      int
	Offset     int
}

// Validate rejects unknown statuses, date ranges and inverted bounds.
func (f Filter) Validate() error {
	for _, st := range f.Statuses {
		switch st {
		case StatusUploaded, StatusProcessing, StatusCompleted, StatusFailed:
		default:
			return fmt.Errorf("%w: status %q", ErrInvalidFilter, st)
		}
	}
	switch f.DateRange {
	case "", RangeAll, RangeToday, RangeWeek, RangeMonth, RangeYear:
	default:
		return fmt.Errorf("%w: date range %q", ErrInvalidFilter, f.DateRange)
	}
	if f.MinMinutes < 0 || (f.MaxMinutes > 0 && f.MaxMinutes < f.MinMinutes) {
		return fmt.Errorf("%w: duration %v-%v", ErrInvalidFilter, f.MinMinutes, f.MaxMinutes)
	}
	return nil
}

// Since returns the start of dateRange relative to now. ok is false for
// "all" and the empty range.
func Since(dateRange string, now time.Time) (start time.Time, ok bool) {
	switch dateRange {
	case RangeToday:
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, now.Location()), true
	case RangeWeek:
		return now.AddDate(0, 0, -7), true
	case RangeMonth:
		return now.AddDate(0, -1, 0), true
	case RangeYear:
		return now.AddDate(-1, 0, 0), true
	}
	return time.Time{}, false
}

// where builds the WHERE clause and its positional arguments.
func (f Filter) where(userID string, now time.Time) (string, []any) {
	args := []any{userID}
	conds := []string{"v.user_id = $1"}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.Statuses) > 0 {
		conds = append(conds, "v.status = ANY("+arg(f.Statuses)+")")
	}
	if f.MinMinutes > 0 {
		conds = append(conds, "COALESCE(v.duration_seconds, 0) >= "+arg(f.MinMinutes*60))
	}
	if f.MaxMinutes > 0 {
		conds = append(conds, "COALESCE(v.duration_seconds, 0) <= "+arg(f.MaxMinutes*60))
	}
	if start, ok := Since(f.DateRange, now); ok {
		conds = append(conds, "v.created_at >= "+arg(start))
	}
	if len(f.Classes) > 0 {
		conds = append(conds, `EXISTS (
        SELECT 1 FROM detection_objects d
        WHERE d.analysis_id = a.id AND d.object_class = ANY(`+arg(f.Classes)+`))`)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		p := arg("%" + escapeLike(s) + "%")
		conds = append(conds, "(v.title ILIKE "+p+" OR v.description ILIKE "+p+")")
	}
	return strings.Join(conds, " AND "), args
}

func (f Filter) page() (limit, offset int) {
	limit = f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	offset = f.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
