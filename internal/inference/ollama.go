package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/avianet/overlay-server/pkg/types"
)

// locatorPrompt asks the vision model for a single normalized subject box.
const locatorPrompt = `You are an object locator for a surveillance feed.

Return JSON only:
{"label": "string", "confidence": 0.0, "bbox": [0.0, 0.0, 0.0, 0.0]}

HARD RULES
- bbox is [x1, y1, x2, y2], normalized to [0,1] (NOT pixels), x1<x2 and y1<y2.
- The box should tightly include the visually dominant subject (prefer people/vehicles/animals).
- If no subject is found, return {"label":"none","confidence":0.0,"bbox":[0,0,0,0]}.
- JSON only. No markdown, no code fences, no comments.`

// OllamaClient runs inference through a local Ollama vision model. It exists
// for deployments with no platform backend; results always carry the edge
// processing location since the model runs on this host.
type OllamaClient struct {
	client *api.Client
}

// NewOllamaClient creates a client for the given Ollama URL.
func NewOllamaClient(ollamaURL string) (*OllamaClient, error) {
	parsed, err := url.Parse(ollamaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama URL: %w", err)
	}
	base := &url.URL{Scheme: parsed.Scheme, Host: parsed.Host}
	return &OllamaClient{client: api.NewClient(base, http.DefaultClient)}, nil
}

type locatorReply struct {
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox"`
}

// Perform sends the frame to the vision model and maps its reply to a
// single-detection result.
func (c *OllamaClient) Perform(ctx context.Context, req Request) (*types.InferenceResult, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 60*time.Second)
		defer cancel()
	}

	start := time.Now()
	streamFalse := false
	chatReq := &api.ChatRequest{
		Model: req.ModelName,
		Messages: []api.Message{
			{
				Role:    "user",
				Content: locatorPrompt,
				Images:  []api.ImageData{api.ImageData(req.ImageData)},
			},
		},
		Stream: &streamFalse,
	}

	var content string
	err := c.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		content = resp.Message.Content
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama chat: %w", err)
	}

	reply, err := parseLocatorReply(content)
	if err != nil {
		return nil, err
	}

	result := &types.InferenceResult{
		Detections:      nil,
		ProcessedAt:     types.ProcessedAtEdge,
		InferenceTimeMs: float64(time.Since(start).Milliseconds()),
	}
	if reply.Label != "" && reply.Label != "none" && reply.Confidence >= req.ThresholdConfidence {
		result.Detections = []types.RawDetection{{
			Label:      reply.Label,
			Confidence: reply.Confidence,
			Model:      req.ModelName,
			BBox:       &types.BBoxField{Corners: reply.BBox},
		}}
	}
	return result, nil
}

// parseLocatorReply tolerates models that wrap JSON in code fences despite
// the prompt.
func parseLocatorReply(content string) (*locatorReply, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var reply locatorReply
	if err := json.Unmarshal([]byte(content), &reply); err != nil {
		return nil, fmt.Errorf("ollama reply is not locator JSON: %w", err)
	}
	return &reply, nil
}
