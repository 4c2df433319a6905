// Package view is the composition root of the overlay pipeline: it owns
// the renderer, palette, poller and stream controller, runs the render
// loop, and fans composed frames out to viewers.
package view

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"github.com/avianet/overlay-server/internal/catalog"
	"github.com/avianet/overlay-server/internal/convert"
	"github.com/avianet/overlay-server/internal/detection"
	"github.com/avianet/overlay-server/internal/inference"
	"github.com/avianet/overlay-server/internal/logger"
	"github.com/avianet/overlay-server/internal/metrics"
	"github.com/avianet/overlay-server/internal/overlay"
	"github.com/avianet/overlay-server/internal/poller"
	"github.com/avianet/overlay-server/internal/stream"
	"github.com/avianet/overlay-server/pkg/types"
)

const jpegQuality = 80

// Config controls the view's initial display and render options. The
// source hooks bracket the lifetime of the playing handle, for taps on
// the compressed stream (preview, recording); both may be nil.
type Config struct {
	Display types.DisplaySize
	Overlay overlay.Config
	Poll    poller.Config

	OnSourceOpened func(handle string)
	OnSourceClosed func()
}

// Status aggregates pipeline state for the status endpoints.
type Status struct {
	Stream      stream.Status            `json:"stream"`
	ProcessedAt types.ProcessingLocation `json:"processedAt"`
	Detections  int                      `json:"detections"`
	Viewers     int                      `json:"viewers"`
	Display     types.DisplaySize        `json:"display"`
}

// View composites the latest decoded frame with the latest detection set
// and broadcasts the result. The renderer and palette are confined to the
// render goroutine; everything crosses into it through channels.
type View struct {
	renderer    *overlay.Renderer
	palette     *overlay.Palette
	poller      *poller.Poller
	controller  *stream.Controller
	broadcaster *Broadcaster
	catalog     *catalog.Catalog
	metrics     *metrics.Metrics

	renderCh chan struct{}
	resizeCh chan types.DisplaySize
	stop     chan struct{}
	stopOnce sync.Once

	mu         sync.Mutex
	latestJPEG []byte
	display    types.DisplaySize
}

// New wires the pipeline together. The controller's lifecycle hooks drive
// the poller, and both the controller and the poller trigger render passes.
func New(cfg Config, client inference.Client, conv convert.Converter, player stream.Player,
	cat *catalog.Catalog, m *metrics.Metrics) *View {

	v := &View{
		renderer:    overlay.NewRenderer(cfg.Overlay),
		palette:     overlay.NewPalette(),
		broadcaster: NewBroadcaster(m),
		catalog:     cat,
		metrics:     m,
		renderCh:    make(chan struct{}, 1),
		resizeCh:    make(chan types.DisplaySize, 1),
		stop:        make(chan struct{}),
		display:     cfg.Display,
	}

	v.poller = poller.New(cfg.Poll, client, m, v.requestRender)
	v.controller = stream.NewController(player, conv, m, stream.Hooks{
		OnPlaying: v.startPolling,
		OnHalted:  v.poller.Stop,
		OnFrame:   v.requestRender,
		OnOpened:  cfg.OnSourceOpened,
		OnClosed:  cfg.OnSourceClosed,
	})
	return v
}

// Run starts the render loop. It returns when Close is called.
func (v *View) Run() {
	v.mu.Lock()
	initial := v.display
	v.mu.Unlock()
	if !initial.Zero() {
		v.renderer.SetDisplaySize(initial)
	}

	for {
		select {
		case <-v.stop:
			return
		case size := <-v.resizeCh:
			v.renderer.SetDisplaySize(size)
			v.renderPass()
		case <-v.renderCh:
			v.renderPass()
		}
	}
}

// Close stops the render loop, the stream and the poller.
func (v *View) Close() {
	v.stopOnce.Do(func() { close(v.stop) })
	v.controller.Stop()
	v.poller.Stop()
}

// Controller exposes the stream controller for the control endpoints.
func (v *View) Controller() *stream.Controller { return v.controller }

// Broadcaster exposes the frame fanout for the MJPEG endpoint.
func (v *View) Broadcaster() *Broadcaster { return v.broadcaster }

// SetDisplaySize requests a canvas resize. The resize is applied on the
// render goroutine before the next draw; frames are never drawn against a
// stale canvas size.
func (v *View) SetDisplaySize(size types.DisplaySize) error {
	if size.Zero() {
		return fmt.Errorf("invalid display size %dx%d", size.Width, size.Height)
	}

	v.mu.Lock()
	v.display = size
	v.mu.Unlock()

	// Coalesce: only the newest requested size matters.
	select {
	case v.resizeCh <- size:
	default:
		select {
		case <-v.resizeCh:
		default:
		}
		v.resizeCh <- size
	}
	return nil
}

// Snapshot returns the most recent composed frame as JPEG.
func (v *View) Snapshot() ([]byte, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.latestJPEG, v.latestJPEG != nil
}

// SnapshotImage returns the most recent composed frame as an image, for
// alternate encodings. It decodes the stored JPEG because the renderer's
// canvas buffer is reused by the next pass.
func (v *View) SnapshotImage() (image.Image, bool) {
	data, ok := v.Snapshot()
	if !ok {
		return nil, false
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, false
	}
	return img, true
}

// Status returns the aggregate pipeline status.
func (v *View) Status() Status {
	result, location := v.poller.Snapshot()
	detections := 0
	if result != nil {
		detections = len(result.Detections)
	}

	v.mu.Lock()
	display := v.display
	v.mu.Unlock()

	return Status{
		Stream:      v.controller.Status(),
		ProcessedAt: location,
		Detections:  detections,
		Viewers:     v.broadcaster.ClientCount(),
		Display:     display,
	}
}

// requestRender schedules a render pass, coalescing bursts.
func (v *View) requestRender() {
	select {
	case v.renderCh <- struct{}{}:
	default:
	}
}

// startPolling begins inference against the catalog's active models.
func (v *View) startPolling() {
	models, err := v.catalog.Active()
	if err != nil {
		logger.Warn("View", "Failed to load active models: %v", err)
	}
	v.poller.Start(v.controller.CurrentFrame, models)
}

// renderPass composites the latest frame with the latest detections and
// publishes the result.
func (v *View) renderPass() {
	if v.controller.State() != types.StatePlaying {
		return
	}

	frameData, ok := v.controller.CurrentFrame()
	if !ok {
		return
	}

	frame, err := jpeg.Decode(bytes.NewReader(frameData))
	if err != nil {
		v.metrics.RenderErrors.Add(1)
		logger.Warn("View", "Undecodable frame: %v", err)
		return
	}

	result, _ := v.poller.Snapshot()
	var boxes []detection.Placed
	if result != nil {
		var dropped int
		boxes, dropped = detection.NormalizeAll(result.Detections)
		if dropped > 0 {
			v.metrics.DetectionsDropped.Add(uint64(dropped))
		}
	}

	start := time.Now()
	composed, subPixel, err := v.renderer.Render(frame, boxes, v.palette)
	if err != nil {
		if err != overlay.ErrNotReady {
			v.metrics.RenderErrors.Add(1)
			logger.Warn("View", "Render failed: %v", err)
		}
		return
	}
	if subPixel > 0 {
		v.metrics.DetectionsDropped.Add(uint64(subPixel))
	}
	v.metrics.UpdateRenderLatency(time.Since(start))

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, composed, &jpeg.Options{Quality: jpegQuality}); err != nil {
		v.metrics.RenderErrors.Add(1)
		return
	}
	encoded := buf.Bytes()

	v.mu.Lock()
	v.latestJPEG = encoded
	v.mu.Unlock()

	v.metrics.FramesRendered.Add(1)
	v.broadcaster.Publish(encoded)
}
