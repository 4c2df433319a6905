package recorder

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/avianet/overlay-server/internal/h264"
	"github.com/avianet/overlay-server/pkg/types"
)

var (
	testSPS = []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0x00, 0x1e}
	testPPS = []byte{0x00, 0x00, 0x00, 0x01, 0x68, 0xce, 0x38, 0x80}
	testIDR = []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0xaa, 0xbb, 0xcc}
	testP   = []byte{0x00, 0x00, 0x00, 0x01, 0x41, 0x11, 0x22, 0x33}
)

func recordFrames(t *testing.T, r *Recorder, frames []*types.H264Frame) []byte {
	t.Helper()

	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	for _, f := range frames {
		if !r.SendFrame(f) {
			t.Fatalf("SendFrame dropped a frame")
		}
	}
	// Give the write loop a moment to consume
	time.Sleep(50 * time.Millisecond)

	status := r.GetStatus()
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(r.dir, status.Filename))
	if err != nil {
		t.Fatalf("read clip: %v", err)
	}
	return data
}

func TestRecorderDiscardsUntilIDR(t *testing.T) {
	r := NewRecorder(t.TempDir(), nil)

	data := recordFrames(t, r, []*types.H264Frame{
		{Data: testP, IsIDR: false},
		{Data: testP, IsIDR: false},
		{Data: testIDR, IsIDR: true},
		{Data: testP, IsIDR: false},
	})

	want := append(append([]byte{}, testIDR...), testP...)
	if !bytes.Equal(data, want) {
		t.Errorf("clip = % x, want IDR followed by P slice", data)
	}
}

func TestRecorderPrefixesCachedHeaders(t *testing.T) {
	proc := h264.NewProcessor()
	headerUnit := append(append([]byte{}, testSPS...), testPPS...)
	if err := proc.Process(&types.H264Frame{Data: headerUnit}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	r := NewRecorder(t.TempDir(), proc)

	data := recordFrames(t, r, []*types.H264Frame{
		{Data: testIDR, IsIDR: true},
	})

	if !bytes.HasPrefix(data, testSPS) {
		t.Errorf("clip missing SPS prefix: % x", data)
	}
	if !bytes.Contains(data, testPPS) {
		t.Errorf("clip missing PPS: % x", data)
	}
	if !bytes.HasSuffix(data, testIDR) {
		t.Errorf("clip missing IDR payload: % x", data)
	}
}

func TestRecorderLifecycle(t *testing.T) {
	r := NewRecorder(t.TempDir(), nil)

	if r.IsRecording() {
		t.Fatal("recording before Start")
	}
	if err := r.Stop(); err == nil {
		t.Error("Stop before Start should fail")
	}

	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := r.Start(); err == nil {
		t.Error("second Start should fail")
	}
	if !r.IsRecording() {
		t.Error("IsRecording false after Start")
	}

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if r.IsRecording() {
		t.Error("IsRecording true after Stop")
	}

	// A new clip can be started after stopping.
	if err := r.Start(); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("stop after restart failed: %v", err)
	}
}

func TestRecorderSendWhileStopped(t *testing.T) {
	r := NewRecorder(t.TempDir(), nil)
	if r.SendFrame(&types.H264Frame{Data: testIDR, IsIDR: true}) {
		t.Error("SendFrame accepted a frame while not recording")
	}
}
