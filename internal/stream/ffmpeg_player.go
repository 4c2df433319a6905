package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

const (
	jpegSOI = 0xd8
	jpegEOI = 0xd9
)

// FFmpegPlayer decodes a handle to a JPEG frame pipe with ffmpeg.
type FFmpegPlayer struct {
	// Quality is the mjpeg q:v value, lower is better. Zero means 5.
	Quality int
}

// Open probes the handle and, if playable, starts an ffmpeg process
// emitting JPEG frames at the source's native rate.
func (p *FFmpegPlayer) Open(ctx context.Context, handle string) (FrameSource, error) {
	if _, err := ffmpeg.Probe(handle); err != nil {
		return nil, fmt.Errorf("source not directly playable: %w", err)
	}

	quality := p.Quality
	if quality <= 0 {
		quality = 5
	}

	pr, pw := io.Pipe()
	s := playbackStream(ctx, handle, quality, pw)

	go func() {
		if err := s.Run(); err != nil {
			pw.CloseWithError(fmt.Errorf("ffmpeg exited: %w", err))
			return
		}
		pw.CloseWithError(io.EOF)
	}()

	return &ffmpegSource{pr: pr, br: bufio.NewReaderSize(pr, 1<<20)}, nil
}

// playbackStream builds the JPEG-pipe invocation. The context must be set
// before WithOutput: ffmpeg-go stores the stdout writer inside the stream
// context, and a later assignment would disconnect the pipe.
func playbackStream(ctx context.Context, handle string, quality int, out io.Writer) *ffmpeg.Stream {
	s := ffmpeg.Input(handle, ffmpeg.KwArgs{"re": ""}).
		Output("pipe:", ffmpeg.KwArgs{
			"f":      "image2pipe",
			"vcodec": "mjpeg",
			"q:v":    fmt.Sprintf("%d", quality),
		})
	s.Context = ctx
	return s.WithOutput(out).Silent(true)
}

type ffmpegSource struct {
	pr  *io.PipeReader
	br  *bufio.Reader
	buf []byte
}

// ReadFrame scans the pipe for the next SOI..EOI JPEG image.
func (s *ffmpegSource) ReadFrame() ([]byte, error) {
	// Sync to the next start-of-image marker.
	for {
		b, err := s.br.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != 0xff {
			continue
		}
		next, err := s.br.ReadByte()
		if err != nil {
			return nil, err
		}
		if next == jpegSOI {
			break
		}
		if next == 0xff {
			// Could begin the real marker pair.
			s.br.UnreadByte()
		}
	}

	s.buf = append(s.buf[:0], 0xff, jpegSOI)
	for {
		b, err := s.br.ReadByte()
		if err != nil {
			return nil, err
		}
		s.buf = append(s.buf, b)
		if b == jpegEOI && len(s.buf) >= 4 && s.buf[len(s.buf)-2] == 0xff {
			frame := make([]byte, len(s.buf))
			copy(frame, s.buf)
			return frame, nil
		}
	}
}

func (s *ffmpegSource) Close() error {
	return s.pr.Close()
}
