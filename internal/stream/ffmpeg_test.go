package stream

import (
	"bytes"
	"context"
	"testing"
)

func hasArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

func TestPlaybackStreamCompilesWithConnectedPipe(t *testing.T) {
	var out bytes.Buffer
	cmd := playbackStream(context.Background(), "clip.mp4", 7, &out).Compile()

	if cmd.Stdout != &out {
		t.Fatal("stdout is not the frame pipe")
	}
	for _, want := range []string{"-re", "clip.mp4", "image2pipe", "mjpeg", "7", "pipe:"} {
		if !hasArg(cmd.Args, want) {
			t.Errorf("missing %q in compiled args %v", want, cmd.Args)
		}
	}
}

func TestTapStreamCompilesWithConnectedPipe(t *testing.T) {
	var out bytes.Buffer
	cmd := tapStream(context.Background(), "clip.mp4", &out).Compile()

	if cmd.Stdout != &out {
		t.Fatal("stdout is not the tap pipe")
	}
	for _, want := range []string{"-re", "copy", "h264_mp4toannexb", "-an", "pipe:"} {
		if !hasArg(cmd.Args, want) {
			t.Errorf("missing %q in compiled args %v", want, cmd.Args)
		}
	}
}
