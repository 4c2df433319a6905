// Package stream owns the playback lifecycle: resolving a source, falling
// back to conversion when direct playback fails, and feeding decoded frames
// to the overlay view.
package stream

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avianet/overlay-server/internal/convert"
	"github.com/avianet/overlay-server/internal/logger"
	"github.com/avianet/overlay-server/internal/metrics"
	"github.com/avianet/overlay-server/pkg/types"
)

// Hooks notify the owning view of lifecycle edges. OnPlaying fires when
// playback is confirmed (and on resume), OnHalted on pause, stop and error.
// OnFrame fires after each decoded frame. OnOpened and OnClosed bracket the
// lifetime of the playing handle, for side taps on the compressed stream;
// unlike OnPlaying/OnHalted they do not fire on pause/resume. All hooks may
// be nil.
type Hooks struct {
	OnPlaying func()
	OnHalted  func()
	OnFrame   func()
	OnOpened  func(handle string)
	OnClosed  func()
}

// Status is the externally visible controller state.
type Status struct {
	State       string `json:"state"`
	Reason      string `json:"reason,omitempty"`
	Source      string `json:"source,omitempty"`
	Proprietary bool   `json:"proprietary,omitempty"`
	Converted   bool   `json:"converted,omitempty"`
}

// Controller is the stream state machine. Transitions:
//
//	Idle -> Resolving -> Playing <-> Paused -> Idle
//
// with Processing between Resolving and Playing when a conversion fallback
// runs, and Error reachable from anywhere. Only a new Start leaves Error.
// A generation counter invalidates every asynchronous completion: open or
// conversion results landing after a newer Start/Stop are discarded and
// their handles released.
type Controller struct {
	player    Player
	converter convert.Converter
	metrics   *metrics.Metrics
	hooks     Hooks

	generation atomic.Uint64

	mu          sync.Mutex
	state       types.StreamState
	reason      string
	source      string
	proprietary bool
	handle      string // converted artifact, empty when playing direct
	upload      string // temp copy of an uploaded file
	frames      FrameSource
	cancel      context.CancelFunc
	latest      []byte
}

// NewController creates an idle controller.
func NewController(player Player, converter convert.Converter, m *metrics.Metrics, hooks Hooks) *Controller {
	return &Controller{
		player:    player,
		converter: converter,
		metrics:   m,
		hooks:     hooks,
		state:     types.StateIdle,
	}
}

// proprietaryExtensions are vendor NVR export containers. They route
// through the normal conversion path but carry distinct status messaging.
var proprietaryExtensions = map[string]bool{".dav": true}

// Start resolves and plays the given source (file path or URL). Starting
// the source that is already streaming is a no-op; a different source
// replaces the current one. Resolution runs asynchronously.
func (c *Controller) Start(source string) error {
	return c.start(source, "")
}

// StartUpload copies an uploaded file to a temp location and plays it.
// The copy is removed when the stream stops.
func (c *Controller) StartUpload(name string, r io.Reader) error {
	dir := filepath.Join(os.TempDir(), "avianet_uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create upload directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%d_%s", time.Now().UnixNano(), filepath.Base(name)))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create upload copy: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write upload copy: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("close upload copy: %w", err)
	}

	if err := c.start(path, path); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

func (c *Controller) start(source, upload string) error {
	c.mu.Lock()

	if c.source == source && c.state != types.StateIdle && c.state != types.StateError {
		c.mu.Unlock()
		logger.Debug("Stream", "Start ignored, %s already active", source)
		return nil
	}

	// Replace whatever was running.
	wasOpen := c.frames != nil
	c.releaseLocked()
	gen := c.generation.Add(1)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.source = source
	c.upload = upload
	c.proprietary = proprietaryExtensions[strings.ToLower(filepath.Ext(source))]
	c.setStateLocked(types.StateResolving, "")
	c.mu.Unlock()

	if wasOpen && c.hooks.OnClosed != nil {
		c.hooks.OnClosed()
	}
	logger.Info("Stream", "Resolving source: %s", source)
	go c.resolve(ctx, gen, source)
	return nil
}

// resolve attempts direct playback, then exactly one conversion fallback.
func (c *Controller) resolve(ctx context.Context, gen uint64, source string) {
	fs, err := c.player.Open(ctx, source)
	if err == nil {
		c.adopt(gen, fs, "")
		return
	}
	logger.Info("Stream", "Direct playback failed (%v), converting", err)

	reason := "converting to a playable format"
	if c.isProprietary() {
		reason = "proprietary NVR export, converting for playback"
	}
	if !c.transition(gen, types.StateProcessing, reason) {
		return
	}

	c.metrics.ConversionAttempts.Add(1)
	handle, cerr := c.converter.ConvertToPlayable(ctx, source)
	if cerr != nil {
		c.metrics.ConversionFailures.Add(1)
		c.fail(gen, fmt.Sprintf("conversion failed: %v", cerr))
		return
	}

	fs, err = c.player.Open(ctx, handle)
	if err != nil {
		c.converter.Release(handle)
		c.fail(gen, fmt.Sprintf("converted output not playable: %v", err))
		return
	}
	c.adopt(gen, fs, handle)
}

// adopt installs an opened frame source, unless a newer Start or Stop
// superseded this resolution in the meantime.
func (c *Controller) adopt(gen uint64, fs FrameSource, handle string) {
	c.mu.Lock()
	if c.generation.Load() != gen {
		c.mu.Unlock()
		fs.Close()
		if handle != "" {
			c.converter.Release(handle)
		}
		logger.Debug("Stream", "Discarding superseded playback handle")
		return
	}

	c.frames = fs
	c.handle = handle
	opened := handle
	if opened == "" {
		opened = c.source
	}
	c.setStateLocked(types.StatePlaying, "")
	c.mu.Unlock()

	logger.Info("Stream", "Playback started (converted=%v)", handle != "")
	if c.hooks.OnOpened != nil {
		c.hooks.OnOpened(opened)
	}
	if c.hooks.OnPlaying != nil {
		c.hooks.OnPlaying()
	}
	go c.readLoop(gen, fs)
}

func (c *Controller) readLoop(gen uint64, fs FrameSource) {
	for {
		frame, err := fs.ReadFrame()
		if err != nil {
			if c.generation.Load() != gen {
				return
			}
			if err == io.EOF {
				logger.Info("Stream", "Source ended")
				c.Stop()
				return
			}
			c.fail(gen, fmt.Sprintf("playback failed: %v", err))
			return
		}

		c.mu.Lock()
		if c.generation.Load() != gen {
			c.mu.Unlock()
			return
		}
		c.latest = frame
		c.mu.Unlock()

		if c.hooks.OnFrame != nil {
			c.hooks.OnFrame()
		}
	}
}

// Pause suspends overlay polling and broadcasting. Decoding continues so
// resume is immediate.
func (c *Controller) Pause() error {
	c.mu.Lock()
	if c.state != types.StatePlaying {
		c.mu.Unlock()
		return fmt.Errorf("cannot pause in state %s", c.state)
	}
	c.setStateLocked(types.StatePaused, "")
	c.mu.Unlock()

	if c.hooks.OnHalted != nil {
		c.hooks.OnHalted()
	}
	return nil
}

// Resume returns a paused stream to playing.
func (c *Controller) Resume() error {
	c.mu.Lock()
	if c.state != types.StatePaused {
		c.mu.Unlock()
		return fmt.Errorf("cannot resume in state %s", c.state)
	}
	c.setStateLocked(types.StatePlaying, "")
	c.mu.Unlock()

	if c.hooks.OnPlaying != nil {
		c.hooks.OnPlaying()
	}
	return nil
}

// Stop tears the stream down and releases every transient handle.
func (c *Controller) Stop() {
	c.generation.Add(1)

	c.mu.Lock()
	wasOpen := c.frames != nil
	c.releaseLocked()
	c.setStateLocked(types.StateIdle, "")
	c.mu.Unlock()

	if wasOpen && c.hooks.OnClosed != nil {
		c.hooks.OnClosed()
	}
	if c.hooks.OnHalted != nil {
		c.hooks.OnHalted()
	}
}

// fail moves to Error and releases handles, unless superseded.
func (c *Controller) fail(gen uint64, reason string) {
	c.mu.Lock()
	if c.generation.Load() != gen {
		c.mu.Unlock()
		return
	}
	wasOpen := c.frames != nil
	c.releaseLocked()
	c.setStateLocked(types.StateError, reason)
	c.mu.Unlock()

	c.metrics.StreamErrors.Add(1)
	logger.Error("Stream", "Stream error: %s", reason)
	if wasOpen && c.hooks.OnClosed != nil {
		c.hooks.OnClosed()
	}
	if c.hooks.OnHalted != nil {
		c.hooks.OnHalted()
	}
}

// releaseLocked drops every transient resource of the current playback.
// Callers hold c.mu.
func (c *Controller) releaseLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.frames != nil {
		c.frames.Close()
		c.frames = nil
	}
	if c.handle != "" {
		c.converter.Release(c.handle)
		c.handle = ""
	}
	if c.upload != "" {
		os.Remove(c.upload)
		c.upload = ""
	}
	c.latest = nil
	c.source = ""
	c.proprietary = false
}

func (c *Controller) setStateLocked(state types.StreamState, reason string) {
	c.state = state
	c.reason = reason
	c.metrics.StreamState.Store(uint64(state))
}

// transition moves to the given state if this resolution is still current.
func (c *Controller) transition(gen uint64, state types.StreamState, reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation.Load() != gen {
		return false
	}
	c.setStateLocked(state, reason)
	return true
}

func (c *Controller) isProprietary() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proprietary
}

// CurrentFrame returns the most recent decoded JPEG frame. The returned
// slice is replaced, never mutated, by the read loop.
func (c *Controller) CurrentFrame() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil || !c.state.Streaming() {
		return nil, false
	}
	return c.latest, true
}

// State returns the current lifecycle state.
func (c *Controller) State() types.StreamState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the externally visible status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:       c.state.String(),
		Reason:      c.reason,
		Source:      c.source,
		Proprietary: c.proprietary,
		Converted:   c.handle != "",
	}
}
