package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient calls an external detection service. The service receives
// the Request as JSON and answers with a Result.
type HTTPClient struct {
	endpoint string
	client   *http.Client
}

// NewHTTPClient creates a client for endpoint. A zero timeout means 30s.
func NewHTTPClient(endpoint string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Detect posts req to the service.
func (c *HTTPClient) Detect(ctx context.Context, req Request) (*Result, error) {
	if req.VideoURL == "" {
		return nil, ErrNoVideoURL
	}
	if req.ModelVersion == "" {
		req.ModelVersion = DefaultModel
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("detector: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("detector: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("detector: POST %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("detector: %s returned %d: %s", c.endpoint, resp.StatusCode, string(respBody))
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("detector: decode response: %w", err)
	}
	if res.ModelVersion == "" {
		res.ModelVersion = req.ModelVersion
	}
	if res.Detections == nil {
		res.Detections = []Detection{}
	}
	return &res, nil
}
