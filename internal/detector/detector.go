// Package detector runs object detection over a stored video. Inference
// happens in an external service reached over HTTP; Simulated stands in
// for it when no service is configured.
package detector

import (
	"context"
	"errors"
)

// DefaultModel is the model version recorded on new analyses.
const DefaultModel = "yolov8n"

// ErrNoVideoURL is returned when a request has no video to analyse.
var ErrNoVideoURL = errors.New("detector: video url required")

// Request identifies the video to analyse.
type Request struct {
	AnalysisID      string  `json:"analysisId"`
	VideoURL        string  `json:"videoUrl"`
	ModelVersion    string  `json:"modelVersion"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
}

// Appearance is a continuous interval during which an object is visible.
type Appearance struct {
	StartTime  float64 `json:"startTime"`
	EndTime    float64 `json:"endTime"`
	Confidence float64 `json:"confidence"`
}

// BBox is a bounding box in pixels.
type BBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Frame is a single-frame detection of an object.
type Frame struct {
	FrameNumber int     `json:"frameNumber"`
	Time        float64 `json:"time"`
	Confidence  float64 `json:"confidence"`
	BBox        BBox    `json:"bbox"`
}

// Detection is one tracked object.
type Detection struct {
	ObjectClass string       `json:"objectClass"`
	TrackID     int          `json:"trackId"`
	Appearances []Appearance `json:"appearances"`
	Frames      []Frame      `json:"frames,omitempty"`
}

// Result is the outcome of a detection run.
type Result struct {
	ModelVersion string      `json:"modelVersion"`
	Detections   []Detection `json:"detections"`
}

// Detector runs object detection.
type Detector interface {
	Detect(ctx context.Context, req Request) (*Result, error)
}
