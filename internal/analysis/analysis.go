// Package analysis stores object detection runs over videos and the
// objects they found. Each video gets one analysis when it is uploaded;
// its status moves queued -> processing -> completed or failed, or to
// cancelled if the job is stopped.
package analysis

import (
	"errors"
	"sort"
	"time"

	"github.com/primal-host/vidscope/internal/detector"
)

// ErrNotFound is returned when no analysis matches.
var ErrNotFound = errors.New("analysis: not found")

// Valid statuses.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// PlaceholderThumbnail is served for videos without a thumbnail.
const PlaceholderThumbnail = "/placeholder.svg?height=180&width=320"

// RecentLimit is the default size of the recent analyses list.
const RecentLimit = 6

// Analysis is a row of video_analyses.
type Analysis struct {
	ID           string    `json:"id"`
	VideoID      string    `json:"videoId"`
	Status       string    `json:"status"`
	ModelVersion string    `json:"modelVersion"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Ref is the minimum needed to act on an analysis: who owns it and which
// video it covers.
type Ref struct {
	ID              string
	VideoID         string
	UserID          string
	Title           string
	Status          string
	VideoPath       string
	DurationSeconds *float64
}

// ClassDetections groups the appearances of every object of one class.
type ClassDetections struct {
	ObjectClass string                `json:"objectClass"`
	Count       int                   `json:"count"`
	Appearances []detector.Appearance `json:"appearances"`
}

// Detail is an analysis with its video and grouped detections.
type Detail struct {
	ID                  string            `json:"id"`
	VideoID             string            `json:"videoId"`
	UserID              string            `json:"-"`
	Title               string            `json:"title"`
	Status              string            `json:"status"`
	ModelVersion        string            `json:"modelVersion"`
	CreatedAt           time.Time         `json:"createdAt"`
	VideoPath           string            `json:"-"`
	VideoURL            string            `json:"videoUrl"`
	Duration            *float64          `json:"duration"`
	ProcessingTime      *float64          `json:"processingTime"`
	ErrorMessage        string            `json:"errorMessage,omitempty"`
	ObjectCount         int               `json:"objectCount"`
	UniqueObjectClasses int               `json:"uniqueObjectClasses"`
	Detections          []ClassDetections `json:"detections"`
}

// Summary is one entry of the recent analyses list.
type Summary struct {
	ID          string    `json:"id"`
	VideoID     string    `json:"videoId"`
	Title       string    `json:"title"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	ObjectCount int       `json:"objectCount"`
	Thumbnail   string    `json:"thumbnail"`
}

// GroupByClass groups tracked objects by class. Classes are ordered by
// object count, then name; appearances by start time.
func GroupByClass(dets []detector.Detection) []ClassDetections {
	idx := map[string]int{}
	groups := []ClassDetections{}
	for _, d := range dets {
		i, ok := idx[d.ObjectClass]
		if !ok {
			i = len(groups)
			idx[d.ObjectClass] = i
			groups = append(groups, ClassDetections{ObjectClass: d.ObjectClass, Appearances: []detector.Appearance{}})
		}
		groups[i].Count++
		groups[i].Appearances = append(groups[i].Appearances, d.Appearances...)
	}

	for _, g := range groups {
		sort.SliceStable(g.Appearances, func(a, b int) bool {
			return g.Appearances[a].StartTime < g.Appearances[b].StartTime
		})
	}
	sort.SliceStable(groups, func(a, b int) bool {
		if groups[a].Count != groups[b].Count {
			return groups[a].Count > groups[b].Count
		}
		return groups[a].ObjectClass < groups[b].ObjectClass
	})
	return groups
}

// SetDetections fills the detection fields of d from dets.
func (d *Detail) SetDetections(dets []detector.Detection) {
	d.Detections = GroupByClass(dets)
	d.ObjectCount = len(dets)
	d.UniqueObjectClasses = len(d.Detections)
}
