package types

// ProcessingLocation reports where an inference cycle was served.
type ProcessingLocation string

const (
	// ProcessedAtEdge means the local accelerator handled the request.
	ProcessedAtEdge ProcessingLocation = "edge"
	// ProcessedAtServer is the degraded fallback path.
	ProcessedAtServer ProcessingLocation = "server"
)

// CanonicalBox is the single internal bounding-box representation. All
// detection encodings are converted to it before anything downstream sees
// them. Coordinates are normalized corners in [0,1]; when Valid is true,
// X1 < X2 and Y1 < Y2 hold.
type CanonicalBox struct {
	X1, Y1, X2, Y2 float64
	Valid          bool
}

// Width returns the normalized width of the box.
func (b CanonicalBox) Width() float64 { return b.X2 - b.X1 }

// Height returns the normalized height of the box.
func (b CanonicalBox) Height() float64 { return b.Y2 - b.Y1 }

// InferenceResult is the outcome of one poll cycle. It is immutable and
// superseded wholesale by the next cycle.
type InferenceResult struct {
	Detections      []RawDetection     `json:"detections"`
	ProcessedAt     ProcessingLocation `json:"processedAt"`
	InferenceTimeMs float64            `json:"inferenceTime"`
}

// StreamState is the playback lifecycle state owned by the stream controller.
type StreamState int

const (
	StateIdle StreamState = iota
	StateResolving
	StateProcessing
	StatePlaying
	StatePaused
	StateError
)

var stateNames = map[StreamState]string{
	StateIdle:       "idle",
	StateResolving:  "resolving",
	StateProcessing: "processing",
	StatePlaying:    "playing",
	StatePaused:     "paused",
	StateError:      "error",
}

func (s StreamState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Streaming reports whether the state is one of the two streaming substates.
func (s StreamState) Streaming() bool {
	return s == StatePlaying || s == StatePaused
}

// DisplaySize is the viewer-facing size the overlay canvas must match.
// It is the displayed size, not the source decode resolution.
type DisplaySize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Zero reports whether the size is unset or degenerate.
func (d DisplaySize) Zero() bool { return d.Width <= 0 || d.Height <= 0 }
