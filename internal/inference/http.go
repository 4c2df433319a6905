package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/avianet/overlay-server/pkg/types"
)

const defaultTimeout = 10 * time.Second

// HTTPClient talks to the platform backend's /api/inference endpoint.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient creates a client for the given backend base URL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// wireResponse is the backend's response envelope.
type wireResponse struct {
	Status     string               `json:"status"`
	Message    string               `json:"message,omitempty"`
	Detections []types.RawDetection `json:"detections"`
	// The backend has reported inference time under both keys over time.
	InferenceTime   *float64 `json:"inferenceTime,omitempty"`
	InferenceTimeMs *float64 `json:"inferenceTimeMs,omitempty"`
	ProcessedAt     string   `json:"processedAt"`
}

// Perform sends one inference request and decodes the detection set.
func (c *HTTPClient) Perform(ctx context.Context, req Request) (*types.InferenceResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode inference request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/inference", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("inference request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inference request: unexpected status %d", resp.StatusCode)
	}

	var out wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode inference response: %w", err)
	}
	if out.Status != "" && out.Status != "success" {
		return nil, fmt.Errorf("inference failed: %s", out.Message)
	}

	result := &types.InferenceResult{
		Detections:  out.Detections,
		ProcessedAt: types.ProcessingLocation(out.ProcessedAt),
	}
	if result.ProcessedAt == "" {
		result.ProcessedAt = types.ProcessedAtEdge
	}
	switch {
	case out.InferenceTimeMs != nil:
		result.InferenceTimeMs = *out.InferenceTimeMs
	case out.InferenceTime != nil:
		result.InferenceTimeMs = *out.InferenceTime
	}
	return result, nil
}
