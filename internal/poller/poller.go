// Package poller drives the fixed-cadence inference loop. It owns the
// current detection set and the processing-location status; everything else
// reads both through Snapshot.
package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avianet/overlay-server/internal/catalog"
	"github.com/avianet/overlay-server/internal/inference"
	"github.com/avianet/overlay-server/internal/logger"
	"github.com/avianet/overlay-server/internal/metrics"
	"github.com/avianet/overlay-server/pkg/types"
)

// FrameTap returns the most recent frame of the active stream, or false when
// no frame is available yet.
type FrameTap func() ([]byte, bool)

// Config controls the polling cadence and request parameters.
type Config struct {
	CameraID  string
	Interval  time.Duration
	Threshold float64
}

// DefaultConfig matches the reference cadence: one request every 3 seconds.
func DefaultConfig() Config {
	return Config{
		CameraID:  "local",
		Interval:  3 * time.Second,
		Threshold: 0.4,
	}
}

// Poller issues one inference request per interval against the configured
// client. Ticks that fire while a request is outstanding are skipped;
// backpressure works by skipping, never queuing. A generation counter guards
// every asynchronous application: results from a superseded cycle or a
// stopped poller are discarded, so stale boxes can never overwrite newer
// state.
type Poller struct {
	cfg     Config
	client  inference.Client
	metrics *metrics.Metrics

	generation atomic.Uint64
	inFlight   atomic.Bool

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	latest      *types.InferenceResult
	location    types.ProcessingLocation
	cycle       uint64
	lastApplied uint64
	onUpdate    func()
}

// New creates a stopped poller.
func New(cfg Config, client inference.Client, m *metrics.Metrics, onUpdate func()) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Poller{
		cfg:      cfg,
		client:   client,
		metrics:  m,
		location: types.ProcessedAtEdge,
		onUpdate: onUpdate,
	}
}

// Start begins polling with the given frame source and model set. Starting
// while running restarts with the new inputs. With no models configured the
// poller clears its detections and performs no network activity.
func (p *Poller) Start(tap FrameTap, models []catalog.Model) {
	p.Stop()

	gen := p.generation.Add(1)

	p.mu.Lock()
	p.running = true
	p.latest = nil
	p.location = types.ProcessedAtEdge
	p.mu.Unlock()
	p.notify()

	if len(models) == 0 {
		logger.Info("Poller", "no models configured, detection disabled")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	logger.Info("Poller", "polling %d model(s) every %s", len(models), p.cfg.Interval)
	go p.loop(ctx, gen, tap, models)
}

// Stop halts polling and clears the detection set. An empty overlay is
// preferred over a stale one. Any in-flight request keeps running but its
// result is discarded at the apply point.
func (p *Poller) Stop() {
	p.generation.Add(1)

	p.mu.Lock()
	wasRunning := p.running
	p.running = false
	p.latest = nil
	p.location = types.ProcessedAtEdge
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.mu.Unlock()

	if wasRunning {
		logger.Info("Poller", "stopped")
		p.notify()
	}
}

// Running reports whether the poller is started.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Snapshot returns the latest applied result (nil when the overlay should be
// empty) and the current processing location.
func (p *Poller) Snapshot() (*types.InferenceResult, types.ProcessingLocation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest, p.location
}

func (p *Poller) loop(ctx context.Context, gen uint64, tap FrameTap, models []catalog.Model) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx, gen, tap, models)
		}
	}
}

func (p *Poller) tick(ctx context.Context, gen uint64, tap FrameTap, models []catalog.Model) {
	if !p.inFlight.CompareAndSwap(false, true) {
		if p.metrics != nil {
			p.metrics.PollTicksSkipped.Add(1)
		}
		logger.Debug("Poller", "request still in flight, skipping tick")
		return
	}

	frame, ok := tap()
	if !ok {
		p.inFlight.Store(false)
		return
	}

	p.mu.Lock()
	p.cycle++
	cycle := p.cycle
	p.mu.Unlock()

	go func() {
		defer p.inFlight.Store(false)
		result, err := p.runCycle(ctx, frame, models)
		p.apply(gen, cycle, result, err)
	}()
}

// runCycle performs one request per configured model and merges the
// detection sets, tagging each with its source model for color assignment.
func (p *Poller) runCycle(ctx context.Context, frame []byte, models []catalog.Model) (*types.InferenceResult, error) {
	if p.metrics != nil {
		p.metrics.PollCycles.Add(1)
	}

	merged := &types.InferenceResult{ProcessedAt: types.ProcessedAtEdge}
	for _, model := range models {
		res, err := p.client.Perform(ctx, inference.Request{
			CameraID:            p.cfg.CameraID,
			ModelName:           model.Name,
			ThresholdConfidence: p.cfg.Threshold,
			ImageData:           frame,
		})
		if err != nil {
			return nil, err
		}
		for _, d := range res.Detections {
			if d.Model == "" {
				d.Model = model.Name
			}
			merged.Detections = append(merged.Detections, d)
		}
		if res.ProcessedAt == types.ProcessedAtServer {
			merged.ProcessedAt = types.ProcessedAtServer
		}
		if res.InferenceTimeMs > merged.InferenceTimeMs {
			merged.InferenceTimeMs = res.InferenceTimeMs
		}
	}
	return merged, nil
}

// apply installs a cycle's outcome unless it has been superseded, either by
// a newer generation (stop/restart) or by a later cycle that already landed.
func (p *Poller) apply(gen, cycle uint64, result *types.InferenceResult, err error) {
	if gen != p.generation.Load() {
		if p.metrics != nil {
			p.metrics.StaleResults.Add(1)
		}
		logger.Debug("Poller", "discarding result from superseded generation")
		return
	}

	p.mu.Lock()
	if cycle <= p.lastApplied || !p.running {
		p.mu.Unlock()
		if p.metrics != nil {
			p.metrics.StaleResults.Add(1)
		}
		return
	}
	p.lastApplied = cycle

	if err != nil {
		// Cycle-scoped failure: clear the overlay and surface the
		// degraded fallback location. The next tick retries.
		p.latest = nil
		p.location = types.ProcessedAtServer
		p.mu.Unlock()

		if p.metrics != nil {
			p.metrics.InferenceFailures.Add(1)
			p.metrics.DegradedLocation.Store(1)
		}
		logger.Warn("Poller", "inference failed, overlay cleared: %v", err)
		p.notify()
		return
	}

	p.latest = result
	p.location = result.ProcessedAt
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.DetectionsReceived.Add(uint64(len(result.Detections)))
		p.metrics.UpdateInferenceLatency(result.InferenceTimeMs)
		if result.ProcessedAt == types.ProcessedAtServer {
			p.metrics.DegradedLocation.Store(1)
		} else {
			p.metrics.DegradedLocation.Store(0)
		}
	}
	p.notify()
}

func (p *Poller) notify() {
	if p.onUpdate != nil {
		p.onUpdate()
	}
}
