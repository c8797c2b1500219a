// Package processing runs queued analyses. Each job advances by a random
// amount on every tick; when it reaches 100% the detector runs and the
// result is stored.
package processing

import (
	"errors"
	"time"
)

// Sentinel errors for queue operations.
var (
	ErrNotFound   = errors.New("processing: job not found")
	ErrFinalizing = errors.New("processing: job is finalizing")
	ErrStopped    = errors.New("processing: queue is not running")
	ErrStarting   = errors.New("processing: job is being queued")
)

// Job states.
const (
	StateProcessing = "processing"
	StatePaused     = "paused"
	StateFinalizing = "finalizing"
)

// ETA labels.
const (
	ETAComplete          = "Complete"
	ETALessThanMinute    = "Less than a minute"
	ETAOneMinute         = "1 minute"
	ETAThreeMinutes      = "3 minutes"
	ETAFiveMinutesOrMore = "5+ minutes"
)

// MaxStep is the largest progress increment of one tick.
const MaxStep = 5.0

// ETA returns the remaining time label for a progress percentage.
func ETA(progress float64) string {
	switch {
	case progress >= 100:
		return ETAComplete
	case progress > 90:
		return ETALessThanMinute
	case progress > 70:
		return ETAOneMinute
	case progress > 40:
		return ETAThreeMinutes
	default:
		return ETAFiveMinutesOrMore
	}
}

// Advance adds r*MaxStep to progress, capped at 100. r is in [0, 1).
func Advance(progress, r float64) float64 {
	p := progress + r*MaxStep
	if p > 100 {
		p = 100
	}
	return p
}

// Job is one analysis in the queue.
type Job struct {
	ID         string    `json:"id"`
	AnalysisID string    `json:"analysisId"`
	VideoID    string    `json:"videoId"`
	UserID     string    `json:"-"`
	Title      string    `json:"title"`
	Priority   bool      `json:"priority"`
	Progress   float64   `json:"progress"`
	Paused     bool      `json:"isPaused"`
	State      string    `json:"status"`
	ETA        string    `json:"estimatedTimeRemaining"`
	StartedAt  time.Time `json:"startedAt"`

	videoURL string
	duration float64
	seq      int64
	launched bool
}

// Params describes an analysis to enqueue.
type Params struct {
	AnalysisID      string
	VideoID         string
	UserID          string
	Title           string
	VideoURL        string
	DurationSeconds float64
	Priority        bool
}
