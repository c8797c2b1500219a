package detector

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEndpoint = "http://detector.test/v1/detect"

func newMockedClient(t *testing.T) (*HTTPClient, *httpmock.MockTransport) {
	t.Helper()
	transport := httpmock.NewMockTransport()
	c := NewHTTPClient(testEndpoint, time.Second)
	c.client.Transport = transport
	return c, transport
}

func TestHTTPClientDetect(t *testing.T) {
	c, transport := newMockedClient(t)

	var got Request
	transport.RegisterResponder(http.MethodPost, testEndpoint,
		func(req *http.Request) (*http.Response, error) {
			if err := json.NewDecoder(req.Body).Decode(&got); err != nil {
				return httpmock.NewStringResponse(http.StatusBadRequest, err.Error()), nil
			}
			return httpmock.NewJsonResponse(http.StatusOK, map[string]any{
				"detections": []map[string]any{{
					"objectClass": "car",
					"trackId":     7,
					"appearances": []map[string]any{{"startTime": 1.5, "endTime": 4.25, "confidence": 0.91}},
				}},
			})
		})

	res, err := c.Detect(context.Background(), Request{AnalysisID: "a1", VideoURL: "https://cdn.test/v.mp4"})
	require.NoError(t, err)

	assert.Equal(t, "a1", got.AnalysisID)
	assert.Equal(t, "https://cdn.test/v.mp4", got.VideoURL)
	assert.Equal(t, DefaultModel, got.ModelVersion)

	assert.Equal(t, DefaultModel, res.ModelVersion)
	require.Len(t, res.Detections, 1)
	assert.Equal(t, "car", res.Detections[0].ObjectClass)
	assert.Equal(t, 7, res.Detections[0].TrackID)
	assert.InDelta(t, 4.25, res.Detections[0].Appearances[0].EndTime, 0.001)
	assert.Equal(t, 1, transport.GetTotalCallCount())
}

func TestHTTPClientErrorStatus(t *testing.T) {
	c, transport := newMockedClient(t)
	transport.RegisterResponder(http.MethodPost, testEndpoint,
		httpmock.NewStringResponder(http.StatusServiceUnavailable, "model loading"))

	_, err := c.Detect(context.Background(), Request{AnalysisID: "a1", VideoURL: "https://cdn.test/v.mp4"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "model loading")
}

func TestHTTPClientEmptyDetections(t *testing.T) {
	c, transport := newMockedClient(t)
	transport.RegisterResponder(http.MethodPost, testEndpoint,
		httpmock.NewStringResponder(http.StatusOK, `{"modelVersion":"yolov8s"}`))

	res, err := c.Detect(context.Background(), Request{VideoURL: "https://cdn.test/v.mp4"})
	require.NoError(t, err)
	assert.Equal(t, "yolov8s", res.ModelVersion)
	assert.NotNil(t, res.Detections)
	assert.Empty(t, res.Detections)
}

func TestHTTPClientRequiresVideoURL(t *testing.T) {
	c, transport := newMockedClient(t)
	_, err := c.Detect(context.Background(), Request{AnalysisID: "a1"})
	assert.ErrorIs(t, err, ErrNoVideoURL)
	assert.Zero(t, transport.GetTotalCallCount())
}

func TestSimulatedIsDeterministic(t *testing.T) {
	req := Request{AnalysisID: "0b6f7c1e-4a55-4c49-9a7e-2f4d8c1b9e10", DurationSeconds: 90}
	a, err := Simulated{}.Detect(context.Background(), req)
	require.NoError(t, err)
	b, err := Simulated{}.Detect(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other, err := Simulated{}.Detect(context.Background(), Request{AnalysisID: "another", DurationSeconds: 90})
	require.NoError(t, err)
	assert.NotEqual(t, a, other)
}

func TestSimulatedBounds(t *testing.T) {
	res, err := Simulated{}.Detect(context.Background(), Request{AnalysisID: "bounds", DurationSeconds: 20})
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, res.ModelVersion)
	assert.GreaterOrEqual(t, len(res.Detections), 3)
	assert.LessOrEqual(t, len(res.Detections), 8)

	for i, d := range res.Detections {
		assert.Contains(t, Classes, d.ObjectClass)
		assert.Equal(t, i+1, d.TrackID)
		require.NotEmpty(t, d.Appearances)
		assert.Len(t, d.Frames, 2*len(d.Appearances))
		for _, ap := range d.Appearances {
			assert.GreaterOrEqual(t, ap.StartTime, 0.0)
			assert.LessOrEqual(t, ap.EndTime, 20.0)
			assert.LessOrEqual(t, ap.StartTime, ap.EndTime)
			assert.GreaterOrEqual(t, ap.Confidence, 0.6)
			assert.LessOrEqual(t, ap.Confidence, 0.98)
		}
	}
}

func TestSimulatedHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Simulated{}.Detect(ctx, Request{AnalysisID: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}
