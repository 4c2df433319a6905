package stream

import "context"

// FrameSource delivers decoded JPEG frames from an open source.
type FrameSource interface {
	// ReadFrame blocks until the next frame is available and returns it
	// as encoded JPEG. Returns io.EOF when the source ends.
	ReadFrame() ([]byte, error)
	Close() error
}

// Player opens a media handle (file path or URL) for decoding. Open
// fails fast when the container or codec cannot be played directly;
// the controller then falls back to conversion.
type Player interface {
	Open(ctx context.Context, handle string) (FrameSource, error)
}
