// Package convert re-encodes media the playback runtime cannot handle into a
// playable form. Transcoding internals stay inside ffmpeg; this package only
// builds the invocation and tracks the artifacts it produces.
package convert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/avianet/overlay-server/internal/logger"
)

// Converter produces a playable handle for an input the runtime rejected.
// Implementations must fail on unsupported input rather than returning a
// corrupt handle.
type Converter interface {
	ConvertToPlayable(ctx context.Context, inputPath string) (string, error)
	Release(handle string)
}

// ErrUnsupportedInput is returned for inputs no output profile can accept.
var ErrUnsupportedInput = errors.New("convert: unsupported input format")

// convertibleExtensions are containers worth handing to ffmpeg at all.
var convertibleExtensions = map[string]bool{
	".dav": true, ".avi": true, ".mkv": true, ".mov": true,
	".mp4": true, ".webm": true, ".flv": true, ".wmv": true,
	".ts": true, ".m4v": true, ".3gp": true, ".mpg": true, ".mpeg": true,
}

// outputProfiles holds the encoder argument set per target format.
var outputProfiles = map[string]ffmpeg.KwArgs{
	"mp4": {
		"c:v":      "libx264",
		"preset":   "fast",
		"c:a":      "aac",
		"movflags": "+faststart",
	},
	"webm": {
		"c:v": "libvpx",
		"crf": "10",
		"b:v": "1M",
		"c:a": "libvorbis",
	},
}

type job struct {
	id         string
	inputPath  string
	outputPath string
	createdAt  time.Time
}

// FFmpeg is the ffmpeg-backed Converter. Converted files land in a dedicated
// temp directory and are tracked per job so a stream stop can release them.
type FFmpeg struct {
	dir    string
	format string

	mu   sync.Mutex
	jobs map[string]job // keyed by output path
}

// NewFFmpeg creates a converter writing into dir with the given target
// format ("mp4" or "webm"; anything else falls back to mp4).
func NewFFmpeg(dir, format string) (*FFmpeg, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "avianet_transcoded")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcode directory: %w", err)
	}
	if _, ok := outputProfiles[format]; !ok {
		format = "mp4"
	}
	return &FFmpeg{dir: dir, format: format, jobs: make(map[string]job)}, nil
}

// ConvertToPlayable transcodes inputPath and returns the output path as the
// playable handle. The caller owns the handle until it calls Release.
func (f *FFmpeg) ConvertToPlayable(ctx context.Context, inputPath string) (string, error) {
	ext := strings.ToLower(filepath.Ext(inputPath))
	if !convertibleExtensions[ext] {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedInput, ext)
	}

	jobID := uuid.New().String()
	outputPath := filepath.Join(f.dir, fmt.Sprintf("output_%s.%s", jobID, f.format))

	logger.Info("Converter", "job %s: %s -> %s", jobID, filepath.Base(inputPath), filepath.Base(outputPath))

	if err := transcodeStream(ctx, inputPath, outputPath, outputProfiles[f.format]).Run(); err != nil {
		os.Remove(outputPath)
		return "", fmt.Errorf("transcode %s: %w", filepath.Base(inputPath), err)
	}

	f.mu.Lock()
	f.jobs[outputPath] = job{
		id:         jobID,
		inputPath:  inputPath,
		outputPath: outputPath,
		createdAt:  time.Now(),
	}
	f.mu.Unlock()

	return outputPath, nil
}

// transcodeStream builds the conversion invocation. The context is assigned
// before OverWriteOutput because ffmpeg-go records the overwrite flag inside
// the stream context; assigning afterwards would drop -y.
func transcodeStream(ctx context.Context, inputPath, outputPath string, profile ffmpeg.KwArgs) *ffmpeg.Stream {
	s := ffmpeg.Input(inputPath).Output(outputPath, profile)
	s.Context = ctx
	return s.OverWriteOutput().Silent(true)
}

// Release removes the artifact behind a handle. Unknown handles are ignored
// so release is safe on every exit path.
func (f *FFmpeg) Release(handle string) {
	f.mu.Lock()
	j, ok := f.jobs[handle]
	if ok {
		delete(f.jobs, handle)
	}
	f.mu.Unlock()

	if !ok {
		return
	}
	if err := os.Remove(j.outputPath); err != nil && !os.IsNotExist(err) {
		logger.Warn("Converter", "job %s: cleanup failed: %v", j.id, err)
	} else {
		logger.Debug("Converter", "job %s: released %s", j.id, filepath.Base(j.outputPath))
	}
}

// ActiveJobs returns the number of unreleased conversion artifacts.
func (f *FFmpeg) ActiveJobs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}
