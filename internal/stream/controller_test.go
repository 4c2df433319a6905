package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/avianet/overlay-server/internal/metrics"
	"github.com/avianet/overlay-server/pkg/types"
)

type fakeSource struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		frames: make(chan []byte, 8),
		done:   make(chan struct{}),
	}
}

func (s *fakeSource) ReadFrame() ([]byte, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.done:
		return nil, io.EOF
	}
}

func (s *fakeSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// fakePlayer plays only handles listed in playable.
type fakePlayer struct {
	mu       sync.Mutex
	playable map[string]bool
	opens    []string
	sources  []*fakeSource
}

func (p *fakePlayer) Open(_ context.Context, handle string) (FrameSource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opens = append(p.opens, handle)
	if !p.playable[handle] {
		return nil, errors.New("unsupported container")
	}
	s := newFakeSource()
	p.sources = append(p.sources, s)
	return s, nil
}

func (p *fakePlayer) openCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.opens)
}

type fakeConverter struct {
	mu       sync.Mutex
	out      string
	err      error
	block    chan struct{} // if non-nil, ConvertToPlayable waits on it
	calls    int
	released []string
}

func (c *fakeConverter) ConvertToPlayable(ctx context.Context, path string) (string, error) {
	c.mu.Lock()
	c.calls++
	block := c.block
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if c.err != nil {
		return "", c.err
	}
	return c.out, nil
}

func (c *fakeConverter) Release(handle string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = append(c.released, handle)
}

func (c *fakeConverter) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *fakeConverter) releasedHandles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.released...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartDirectPlayback(t *testing.T) {
	player := &fakePlayer{playable: map[string]bool{"/video/a.mp4": true}}
	conv := &fakeConverter{}
	c := NewController(player, conv, metrics.New(), Hooks{})

	if err := c.Start("/video/a.mp4"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "playing state", func() bool { return c.State() == types.StatePlaying })

	if conv.callCount() != 0 {
		t.Errorf("converter invoked %d times for a playable source", conv.callCount())
	}

	player.sources[0].frames <- []byte{0xff, 0xd8}
	waitFor(t, "frame", func() bool { _, ok := c.CurrentFrame(); return ok })
}

func TestConversionFallbackThenPlay(t *testing.T) {
	player := &fakePlayer{playable: map[string]bool{"/tmp/out.mp4": true}}
	conv := &fakeConverter{out: "/tmp/out.mp4"}
	c := NewController(player, conv, metrics.New(), Hooks{})

	if err := c.Start("/export/cam1.dav"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "playing state", func() bool { return c.State() == types.StatePlaying })

	if got := conv.callCount(); got != 1 {
		t.Errorf("conversion attempts = %d, want 1", got)
	}
	status := c.Status()
	if !status.Converted {
		t.Error("status should report a converted stream")
	}
	if !status.Proprietary {
		t.Error(".dav source should be tagged proprietary")
	}
}

func TestConversionFailureIsTerminal(t *testing.T) {
	player := &fakePlayer{playable: map[string]bool{}}
	conv := &fakeConverter{err: errors.New("codec not supported")}
	c := NewController(player, conv, metrics.New(), Hooks{})

	if err := c.Start("/video/weird.bin"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "error state", func() bool { return c.State() == types.StateError })

	if got := conv.callCount(); got != 1 {
		t.Errorf("conversion attempts = %d, want exactly 1", got)
	}
	if reason := c.Status().Reason; reason == "" {
		t.Error("error state should carry a reason")
	}

	// No background retries.
	time.Sleep(50 * time.Millisecond)
	if got := conv.callCount(); got != 1 {
		t.Errorf("conversion retried in the background: %d attempts", got)
	}
}

func TestUnplayableConversionOutputReleasesHandle(t *testing.T) {
	// Conversion succeeds but its output still does not open.
	player := &fakePlayer{playable: map[string]bool{}}
	conv := &fakeConverter{out: "/tmp/broken.mp4"}
	c := NewController(player, conv, metrics.New(), Hooks{})

	c.Start("/video/a.avi")
	waitFor(t, "error state", func() bool { return c.State() == types.StateError })

	released := conv.releasedHandles()
	if len(released) != 1 || released[0] != "/tmp/broken.mp4" {
		t.Errorf("released = %v, want the conversion artifact", released)
	}
}

func TestStopReleasesConvertedHandle(t *testing.T) {
	player := &fakePlayer{playable: map[string]bool{"/tmp/out.mp4": true}}
	conv := &fakeConverter{out: "/tmp/out.mp4"}
	c := NewController(player, conv, metrics.New(), Hooks{})

	c.Start("/export/cam1.dav")
	waitFor(t, "playing state", func() bool { return c.State() == types.StatePlaying })

	c.Stop()
	if c.State() != types.StateIdle {
		t.Errorf("state after Stop = %s, want idle", c.State())
	}
	if released := conv.releasedHandles(); len(released) != 1 {
		t.Errorf("released = %v, want the conversion artifact", released)
	}
	if _, ok := c.CurrentFrame(); ok {
		t.Error("frame still available after Stop")
	}
}

func TestSupersededConversionDiscarded(t *testing.T) {
	block := make(chan struct{})
	player := &fakePlayer{playable: map[string]bool{"/tmp/late.mp4": true}}
	conv := &fakeConverter{out: "/tmp/late.mp4", block: block}
	c := NewController(player, conv, metrics.New(), Hooks{})

	c.Start("/video/slow.avi")
	waitFor(t, "conversion start", func() bool { return conv.callCount() == 1 })

	c.Stop()
	close(block)

	// The late handle must be released, not adopted.
	waitFor(t, "late handle release", func() bool {
		for _, h := range conv.releasedHandles() {
			if h == "/tmp/late.mp4" {
				return true
			}
		}
		return false
	})
	if c.State() != types.StateIdle {
		t.Errorf("state = %s, want idle after superseded conversion", c.State())
	}
}

func TestStartSameSourceIsNoOp(t *testing.T) {
	player := &fakePlayer{playable: map[string]bool{"/video/a.mp4": true}}
	c := NewController(player, &fakeConverter{}, metrics.New(), Hooks{})

	c.Start("/video/a.mp4")
	waitFor(t, "playing state", func() bool { return c.State() == types.StatePlaying })

	c.Start("/video/a.mp4")
	time.Sleep(20 * time.Millisecond)
	if got := player.openCount(); got != 1 {
		t.Errorf("Open called %d times, want 1", got)
	}
}

func TestPauseResumeDrivesHooks(t *testing.T) {
	var playing, halted int
	var mu sync.Mutex
	hooks := Hooks{
		OnPlaying: func() { mu.Lock(); playing++; mu.Unlock() },
		OnHalted:  func() { mu.Lock(); halted++; mu.Unlock() },
	}
	player := &fakePlayer{playable: map[string]bool{"/video/a.mp4": true}}
	c := NewController(player, &fakeConverter{}, metrics.New(), hooks)

	if err := c.Pause(); err == nil {
		t.Error("Pause should fail while idle")
	}

	c.Start("/video/a.mp4")
	waitFor(t, "playing state", func() bool { return c.State() == types.StatePlaying })

	if err := c.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if c.State() != types.StatePaused {
		t.Errorf("state = %s, want paused", c.State())
	}
	if err := c.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if c.State() != types.StatePlaying {
		t.Errorf("state = %s, want playing", c.State())
	}

	mu.Lock()
	defer mu.Unlock()
	if playing != 2 || halted != 1 {
		t.Errorf("hook counts playing=%d halted=%d, want 2 and 1", playing, halted)
	}
}

func TestSourceEOFReturnsToIdle(t *testing.T) {
	player := &fakePlayer{playable: map[string]bool{"/video/a.mp4": true}}
	c := NewController(player, &fakeConverter{}, metrics.New(), Hooks{})

	c.Start("/video/a.mp4")
	waitFor(t, "playing state", func() bool { return c.State() == types.StatePlaying })

	player.sources[0].Close()
	waitFor(t, "idle state", func() bool { return c.State() == types.StateIdle })
}
