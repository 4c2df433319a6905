// Package inference defines the request/response contract with the
// object-detection service and the clients that speak it. The service is a
// black box to the pipeline; everything behind this interface is replaceable.
package inference

import (
	"context"

	"github.com/avianet/overlay-server/pkg/types"
)

// Request is one inference request for a single frame.
type Request struct {
	CameraID            string  `json:"cameraId"`
	ModelName           string  `json:"modelName"`
	ThresholdConfidence float64 `json:"thresholdConfidence"`
	ImageData           []byte  `json:"imageData"` // JPEG frame, base64 on the wire
}

// Client performs inference against a detection backend. Implementations
// must return an error on transport failure and never a malformed result
// shape.
type Client interface {
	Perform(ctx context.Context, req Request) (*types.InferenceResult, error)
}
