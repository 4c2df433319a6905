package stream

import (
	"context"
	"io"
	"sync"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/avianet/overlay-server/internal/h264"
	"github.com/avianet/overlay-server/internal/logger"
	"github.com/avianet/overlay-server/pkg/types"
)

// H264Tap runs a codec-copy ffmpeg process against the playing handle and
// splits the resulting Annex-B elementary stream into access units. Sources
// whose video is not H.264 simply produce no frames; the overlay path does
// not depend on the tap.
type H264Tap struct {
	processor *h264.Processor
	onFrame   func(*types.H264Frame)

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewH264Tap creates a stopped tap. onFrame receives every access unit,
// already processed for SPS/PPS and IDR flags.
func NewH264Tap(onFrame func(*types.H264Frame)) *H264Tap {
	return &H264Tap{
		processor: h264.NewProcessor(),
		onFrame:   onFrame,
	}
}

// Processor exposes the header cache for recorder wiring.
func (t *H264Tap) Processor() *h264.Processor { return t.processor }

// SetOnFrame replaces the frame callback. Call before Start.
func (t *H264Tap) SetOnFrame(fn func(*types.H264Frame)) {
	t.onFrame = fn
}

// Start begins tapping the given handle. A running tap is replaced.
func (t *H264Tap) Start(handle string) {
	t.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	pr, pw := io.Pipe()
	s := tapStream(ctx, handle, pw)

	go func() {
		if err := s.Run(); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(io.EOF)
	}()
	go t.readLoop(ctx, pr)

	logger.Info("Tap", "H.264 tap started on %s", handle)
}

// tapStream builds the codec-copy invocation. Context before WithOutput;
// the stdout writer lives inside the stream context.
func tapStream(ctx context.Context, handle string, out io.Writer) *ffmpeg.Stream {
	s := ffmpeg.Input(handle, ffmpeg.KwArgs{"re": ""}).
		Output("pipe:", ffmpeg.KwArgs{
			"f":     "h264",
			"c:v":   "copy",
			"bsf:v": "h264_mp4toannexb",
			"an":    "",
		})
	s.Context = ctx
	return s.WithOutput(out).Silent(true)
}

// Stop ends the tap. Safe to call when not running.
func (t *H264Tap) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

func (t *H264Tap) readLoop(ctx context.Context, pr *io.PipeReader) {
	defer pr.Close()

	reader := h264.NewStreamReader(pr)
	for {
		frame, err := reader.ReadAccessUnit()
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				logger.Debug("Tap", "Tap ended: %v", err)
			}
			return
		}
		if err := t.processor.Process(frame); err != nil {
			continue
		}
		if t.onFrame != nil {
			t.onFrame(frame)
		}
	}
}
