package view

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"github.com/avianet/overlay-server/internal/catalog"
	"github.com/avianet/overlay-server/internal/metrics"
	"github.com/avianet/overlay-server/internal/overlay"
	"github.com/avianet/overlay-server/internal/poller"
	"github.com/avianet/overlay-server/internal/stream"
	"github.com/avianet/overlay-server/pkg/types"
)

func makeJPEG(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode test frame: %v", err)
	}
	return buf.Bytes()
}

type stubSource struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *stubSource) ReadFrame() ([]byte, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.done:
		return nil, errors.New("closed")
	}
}

func (s *stubSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

type stubPlayer struct {
	src *stubSource
}

func (p *stubPlayer) Open(context.Context, string) (stream.FrameSource, error) {
	return p.src, nil
}

type stubConverter struct{}

func (stubConverter) ConvertToPlayable(context.Context, string) (string, error) {
	return "", errors.New("not needed")
}
func (stubConverter) Release(string) {}

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

func newTestView(t *testing.T, src *stubSource) *View {
	t.Helper()
	cat, err := catalog.New(t.TempDir())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	v := New(Config{
		Display: types.DisplaySize{Width: 320, Height: 240},
		Overlay: overlay.Config{},
		Poll:    poller.Config{Interval: time.Hour},
	}, nil, stubConverter{}, &stubPlayer{src: src}, cat, metrics.New())

	go v.Run()
	t.Cleanup(v.Close)
	return v
}

func TestViewComposesAndBroadcasts(t *testing.T) {
	src := &stubSource{frames: make(chan []byte, 4), done: make(chan struct{})}
	v := newTestView(t, src)

	id, frames := v.Broadcaster().Subscribe()
	defer v.Broadcaster().Unsubscribe(id)

	if err := v.Controller().Start("/video/a.mp4"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	src.frames <- makeJPEG(t, 640, 480, color.RGBA{10, 20, 30, 255})

	select {
	case frame := <-frames:
		img, err := jpeg.Decode(bytes.NewReader(frame))
		if err != nil {
			t.Fatalf("broadcast frame not JPEG: %v", err)
		}
		bounds := img.Bounds()
		if bounds.Dx() != 320 || bounds.Dy() != 240 {
			t.Errorf("composed size = %dx%d, want display size 320x240", bounds.Dx(), bounds.Dy())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame broadcast")
	}

	if _, ok := v.Snapshot(); !ok {
		t.Error("snapshot unavailable after a rendered frame")
	}
	if img, ok := v.SnapshotImage(); !ok || img == nil {
		t.Error("snapshot image unavailable after a rendered frame")
	}
}

func TestViewResizeChangesComposedSize(t *testing.T) {
	src := &stubSource{frames: make(chan []byte, 4), done: make(chan struct{})}
	v := newTestView(t, src)

	v.Controller().Start("/video/a.mp4")
	src.frames <- makeJPEG(t, 640, 480, color.RGBA{10, 20, 30, 255})
	waitFor(t, "first snapshot", func() bool { _, ok := v.Snapshot(); return ok })

	if err := v.SetDisplaySize(types.DisplaySize{Width: 160, Height: 90}); err != nil {
		t.Fatalf("SetDisplaySize failed: %v", err)
	}
	src.frames <- makeJPEG(t, 640, 480, color.RGBA{10, 20, 30, 255})

	waitFor(t, "resized snapshot", func() bool {
		img, ok := v.SnapshotImage()
		return ok && img.Bounds().Dx() == 160 && img.Bounds().Dy() == 90
	})
}

func TestViewRejectsZeroDisplaySize(t *testing.T) {
	src := &stubSource{frames: make(chan []byte, 1), done: make(chan struct{})}
	v := newTestView(t, src)

	if err := v.SetDisplaySize(types.DisplaySize{}); err == nil {
		t.Error("zero display size accepted")
	}
}

func TestViewStatusReflectsStream(t *testing.T) {
	src := &stubSource{frames: make(chan []byte, 1), done: make(chan struct{})}
	v := newTestView(t, src)

	status := v.Status()
	if status.Stream.State != "idle" {
		t.Errorf("initial state = %s, want idle", status.Stream.State)
	}

	v.Controller().Start("/video/a.mp4")
	waitFor(t, "playing status", func() bool { return v.Status().Stream.State == "playing" })

	if got := v.Status().Display; got.Width != 320 || got.Height != 240 {
		t.Errorf("status display = %+v, want 320x240", got)
	}
}

func TestBroadcasterSlowViewerSkipsFrames(t *testing.T) {
	m := metrics.New()
	b := NewBroadcaster(m)

	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	// Fill the buffer and overflow it.
	for i := 0; i < 5; i++ {
		b.Publish([]byte{byte(i)})
	}
	if got := m.FramesDropped.Load(); got != 3 {
		t.Errorf("frames dropped = %d, want 3", got)
	}
	if got := len(ch); got != 2 {
		t.Errorf("buffered frames = %d, want 2", got)
	}
}

func TestBroadcasterViewerCounts(t *testing.T) {
	m := metrics.New()
	b := NewBroadcaster(m)

	a, _ := b.Subscribe()
	c, _ := b.Subscribe()
	if b.ClientCount() != 2 {
		t.Errorf("client count = %d, want 2", b.ClientCount())
	}
	if m.TotalViewers.Load() != 2 {
		t.Errorf("total viewers = %d, want 2", m.TotalViewers.Load())
	}

	b.Unsubscribe(a)
	b.Unsubscribe(c)
	b.Unsubscribe(c) // repeated unsubscribe is safe
	if b.ClientCount() != 0 {
		t.Errorf("client count = %d, want 0", b.ClientCount())
	}
	if m.ActiveViewers.Load() != 0 {
		t.Errorf("active viewers = %d, want 0", m.ActiveViewers.Load())
	}
}
