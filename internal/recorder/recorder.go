// Package recorder captures the H.264 direct-playback tap to raw
// Annex-B clips on disk.
package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/avianet/overlay-server/internal/h264"
	"github.com/avianet/overlay-server/internal/logger"
	"github.com/avianet/overlay-server/pkg/types"
)

// Status describes an in-progress or just-finished clip.
type Status struct {
	Recording    bool      `json:"recording"`
	Filename     string    `json:"filename"`
	FrameCount   uint64    `json:"frameCount"`
	BytesWritten uint64    `json:"bytesWritten"`
	DurationMs   int64     `json:"durationMs"`
	StartTime    time.Time `json:"startTime"`
}

// Recorder writes access units from the preview tap to a clip file.
// Frames arriving before the first IDR are discarded so the clip
// always starts at a decodable point.
type Recorder struct {
	mu           sync.RWMutex
	file         *os.File
	filename     string
	dir          string
	recording    bool
	frameCount   uint64
	bytesWritten uint64
	startTime    time.Time
	frameChan    chan *types.H264Frame
	stopChan     chan struct{}
	wg           sync.WaitGroup

	headers *h264.Processor
	started bool // first IDR written
}

// NewRecorder creates a recorder writing clips under dir. headers is the
// tap's processor, consulted for SPS/PPS when a clip starts mid-stream;
// nil disables prefixing.
func NewRecorder(dir string, headers *h264.Processor) *Recorder {
	return &Recorder{
		dir:       dir,
		headers:   headers,
		frameChan: make(chan *types.H264Frame, 60), // two seconds at 30fps
	}
}

// Start opens a new timestamped clip file and begins consuming frames.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return fmt.Errorf("already recording")
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create clip directory: %w", err)
	}

	filename := fmt.Sprintf("clip_%s.h264", time.Now().Format("20060102_150405"))
	file, err := os.Create(filepath.Join(r.dir, filename))
	if err != nil {
		return fmt.Errorf("failed to create clip file: %w", err)
	}

	r.file = file
	r.filename = filename
	r.recording = true
	r.frameCount = 0
	r.bytesWritten = 0
	r.startTime = time.Now()
	r.started = false
	r.stopChan = make(chan struct{})

	r.wg.Add(1)
	go r.writeLoop(r.stopChan)

	logger.Info("Recorder", "Recording started: %s", filename)
	return nil
}

// Stop finishes the current clip and syncs it to disk.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return fmt.Errorf("not recording")
	}
	r.recording = false
	close(r.stopChan)
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		if err := r.file.Sync(); err != nil {
			r.file.Close()
			r.file = nil
			return fmt.Errorf("failed to sync clip: %w", err)
		}
		if err := r.file.Close(); err != nil {
			r.file = nil
			return fmt.Errorf("failed to close clip: %w", err)
		}
		r.file = nil
	}

	logger.Info("Recorder", "Recording stopped: %s (%d frames, %d bytes)",
		r.filename, r.frameCount, r.bytesWritten)
	return nil
}

// SendFrame offers a frame to the recorder without blocking the tap.
// Returns false if not recording or the buffer is full.
func (r *Recorder) SendFrame(frame *types.H264Frame) bool {
	r.mu.RLock()
	recording := r.recording
	r.mu.RUnlock()

	if !recording {
		return false
	}

	select {
	case r.frameChan <- frame:
		return true
	default:
		return false
	}
}

func (r *Recorder) writeLoop(stop <-chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case frame := <-r.frameChan:
			r.writeFrame(frame)
		case <-stop:
			// Drain whatever was buffered before the stop.
			for {
				select {
				case frame := <-r.frameChan:
					r.writeFrame(frame)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) writeFrame(frame *types.H264Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return
	}

	data := frame.Data
	if !r.started {
		if !frame.IsIDR {
			return
		}
		if r.headers != nil {
			data, _ = r.headers.PrependHeaders(frame.Data)
		}
		r.started = true
	}

	n, err := r.file.Write(data)
	if err != nil {
		logger.Warn("Recorder", "Write failed on %s: %v", r.filename, err)
		return
	}
	r.bytesWritten += uint64(n)
	r.frameCount++
}

// IsRecording reports whether a clip is in progress.
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// GetStatus returns the current recording status.
func (r *Recorder) GetStatus() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	if r.recording {
		duration = time.Since(r.startTime)
	}

	return Status{
		Recording:    r.recording,
		Filename:     r.filename,
		FrameCount:   r.frameCount,
		BytesWritten: r.bytesWritten,
		DurationMs:   duration.Milliseconds(),
		StartTime:    r.startTime,
	}
}

// Close stops any in-progress recording.
func (r *Recorder) Close() error {
	if r.IsRecording() {
		return r.Stop()
	}
	return nil
}
