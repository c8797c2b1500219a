package report

import (
	"strings"
	"testing"
	"time"

	"github.com/primal-host/vidscope/internal/analysis"
	"github.com/primal-host/vidscope/internal/detector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilename(t *testing.T) {
	assert.Equal(t, "analysis-report-abc.txt", Filename("abc"))
}

func TestRender(t *testing.T) {
	pt := 45.2
	d := &analysis.Detail{ID: "a1", Title: "Beach", Status: analysis.StatusCompleted, ProcessingTime: &pt}
	d.SetDetections([]detector.Detection{
		{ObjectClass: "car", Appearances: []detector.Appearance{{StartTime: 65.5, EndTime: 70, Confidence: 0.91}}},
		{ObjectClass: "car", Appearances: []detector.Appearance{{StartTime: 1, EndTime: 2, Confidence: 0.5}}},
		{ObjectClass: "dog", Appearances: []detector.Appearance{{StartTime: 3, EndTime: 4, Confidence: 0.8}}},
	})
	now := time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)

	out := string(Render(d, now))
	lines := strings.Split(out, "\n")
	require.GreaterOrEqual(t, len(lines), 8)
	assert.Equal(t, "Analysis Report ID: a1", lines[0])
	assert.Contains(t, out, "Generated: 2024-05-01T12:00:00Z\n")
	assert.Contains(t, out, "Objects Detected: 3\n")
	assert.Contains(t, out, "Object Classes: 2\n")
	assert.Contains(t, out, "Processing Time: 45.2s\n")
	assert.Contains(t, out, "car (2)\n  0:01.0 - 0:02.0  confidence 50%\n  1:05.5 - 1:10.0  confidence 91%\n")
	assert.Contains(t, out, "dog (1)\n")
	assert.Less(t, strings.Index(out, "car (2)"), strings.Index(out, "dog (1)"))
}

func TestRenderWithoutResults(t *testing.T) {
	d := &analysis.Detail{ID: "a2", Status: analysis.StatusFailed, ErrorMessage: "detection failed: timeout"}
	out := string(Render(d, time.Now()))
	assert.Contains(t, out, "Processing Time: n/a\n")
	assert.Contains(t, out, "Error: detection failed: timeout\n")
	assert.NotContains(t, out, "Video:")
}

func TestNewToken(t *testing.T) {
	a, err := NewToken()
	require.NoError(t, err)
	b, err := NewToken()
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

func TestUsable(t *testing.T) {
	now := time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Hour)
	earlier := now.Add(-time.Hour)

	assert.NoError(t, usable(true, nil, now))
	assert.NoError(t, usable(true, &later, now))
	assert.ErrorIs(t, usable(true, &earlier, now), ErrExpired)
	assert.ErrorIs(t, usable(true, &now, now), ErrExpired)
	assert.ErrorIs(t, usable(false, nil, now), ErrNotFound)
}
