package events

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Event types.
const (
	TypeVideoUploaded = "video.uploaded"
	TypeVideoDeleted  = "video.deleted"
	TypeJobQueued     = "job.queued"
	TypeJobProgress   = "job.progress"
	TypeJobPaused     = "job.paused"
	TypeJobResumed    = "job.resumed"
	TypeJobCancelled  = "job.cancelled"
	TypeJobCompleted  = "job.completed"
	TypeJobFailed     = "job.failed"
	TypePlanChanged   = "subscription.changed"
	TypeReportShared  = "report.shared"
)

// Event is one user-visible state change. Seq is set only for persisted
// events.
type Event struct {
	Seq       int64     `json:"seq,omitempty"`
	Type      string    `json:"type"`
	UserID    string    `json:"userId"`
	SubjectID string    `json:"subjectId,omitempty"`
	Message   string    `json:"message,omitempty"`
	Progress  float64   `json:"progress,omitempty"`
	ETA       string    `json:"estimatedTimeRemaining,omitempty"`
	Time      time.Time `json:"time"`
}

// subscriber represents a connected stream consumer. An empty userID
// receives every event.
type subscriber struct {
	userID string
	ch     chan Event
}

// Manager handles event persistence and fan-out to subscribers.
type Manager struct {
	persister *Persister

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewManager creates a Manager. persister may be nil, in which case
// Record only broadcasts.
func NewManager(persister *Persister) *Manager {
	return &Manager{
		persister: persister,
		subs:      make(map[*subscriber]struct{}),
	}
}

// Publish broadcasts ev without persisting it. Used for high-rate
// progress ticks.
func (m *Manager) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	m.broadcast(ev)
}

// Record persists ev to the activity log and then broadcasts it.
// Returns error only if persistence fails; the event is still broadcast.
func (m *Manager) Record(ctx context.Context, ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	var err error
	if m.persister != nil {
		var seq int64
		seq, err = m.persister.Persist(ctx, ev)
		if err != nil {
			err = fmt.Errorf("events: persist: %w", err)
		} else {
			ev.Seq = seq
		}
	}
	m.broadcast(ev)
	return err
}

// Recent returns the latest persisted events, newest first. An empty
// userID returns events for all users.
func (m *Manager) Recent(ctx context.Context, userID string, limit int) ([]Event, error) {
	if m.persister == nil {
		return []Event{}, nil
	}
	return m.persister.Recent(ctx, userID, limit)
}

// Subscribe returns a channel of events for userID (all users when
// empty). The returned cancel function must be called when the
// subscriber is done. The channel is closed on cancel, on Shutdown, or
// when the subscriber falls behind.
func (m *Manager) Subscribe(userID string) (<-chan Event, func()) {
	sub := &subscriber{
		userID: userID,
		ch:     make(chan Event, 64),
	}

	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			if _, ok := m.subs[sub]; ok {
				delete(m.subs, sub)
				close(sub.ch)
			}
			m.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Subscribers returns the number of connected subscribers.
func (m *Manager) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// Shutdown closes all subscriber channels.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sub := range m.subs {
		close(sub.ch)
		delete(m.subs, sub)
	}
}

// broadcast sends ev to every interested subscriber. Slow consumers whose
// buffers are full get their channel closed (they should reconnect).
func (m *Manager) broadcast(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for sub := range m.subs {
		if sub.userID != "" && sub.userID != ev.UserID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			close(sub.ch)
			delete(m.subs, sub)
		}
	}
}
