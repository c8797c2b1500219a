// Package events handles the activity log and live fan-out of upload,
// processing and subscription events to stream subscribers.
package events

import (
	"context"
	"fmt"

	"github.com/primal-host/vidscope/internal/database"
)

// Persister stores events in the activity_events table.
type Persister struct {
	pool database.Pool
}

// NewPersister creates a Persister backed by the given pool.
func NewPersister(pool database.Pool) *Persister {
	return &Persister{pool: pool}
}

// Persist inserts ev and returns the assigned sequence number. The
// BIGSERIAL column provides monotonic ordering.
func (p *Persister) Persist(ctx context.Context, ev Event) (int64, error) {
	var seq int64
	err := p.pool.QueryRow(ctx,
		`INSERT INTO activity_events (event_type, user_id, subject_id, message, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING seq`,
		ev.Type, ev.UserID, ev.SubjectID, ev.Message, ev.Time,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("persist: insert event: %w", err)
	}
	return seq, nil
}

// Recent returns up to limit events, newest first. An empty userID
// returns events for all users.
func (p *Persister) Recent(ctx context.Context, userID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := p.pool.Query(ctx,
		`SELECT seq, event_type, user_id, subject_id, message, created_at
		 FROM activity_events
		 WHERE $1::text = '' OR user_id = $1
		 ORDER BY seq DESC
		 LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("persist: recent: %w", err)
	}
	defer rows.Close()

	out := []Event{}
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.Seq, &ev.Type, &ev.UserID, &ev.SubjectID, &ev.Message, &ev.Time); err != nil {
			return nil, fmt.Errorf("persist: recent scan: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
