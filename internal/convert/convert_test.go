package convert

import (
	"context"
	"errors"
	"testing"
)

func TestRejectsUnsupportedInput(t *testing.T) {
	f, err := NewFFmpeg(t.TempDir(), "mp4")
	if err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"weights.onnx", "notes.txt", "archive"} {
		if _, err := f.ConvertToPlayable(context.Background(), name); !errors.Is(err, ErrUnsupportedInput) {
			t.Fatalf("%s: expected ErrUnsupportedInput, got %v", name, err)
		}
	}
}

func TestUnknownFormatFallsBackToMP4(t *testing.T) {
	f, err := NewFFmpeg(t.TempDir(), "hls")
	if err != nil {
		t.Fatal(err)
	}
	if f.format != "mp4" {
		t.Fatalf("format = %q, want mp4 fallback", f.format)
	}
}

func TestReleaseUnknownHandleIsSafe(t *testing.T) {
	f, err := NewFFmpeg(t.TempDir(), "mp4")
	if err != nil {
		t.Fatal(err)
	}
	f.Release("/nonexistent/handle.mp4")
	if n := f.ActiveJobs(); n != 0 {
		t.Fatalf("active jobs = %d", n)
	}
}

func TestTranscodeStreamKeepsOverwriteFlag(t *testing.T) {
	cmd := transcodeStream(context.Background(), "in.avi", "out.mp4", outputProfiles["mp4"]).Compile()

	found := map[string]bool{}
	for _, a := range cmd.Args {
		found[a] = true
	}
	for _, want := range []string{"in.avi", "out.mp4", "libx264", "aac", "-y"} {
		if !found[want] {
			t.Errorf("missing %q in compiled args %v", want, cmd.Args)
		}
	}
}

func TestOutputProfilesComplete(t *testing.T) {
	for _, format := range []string{"mp4", "webm"} {
		if _, ok := outputProfiles[format]; !ok {
			t.Fatalf("missing output profile for %s", format)
		}
	}
	if outputProfiles["mp4"]["c:v"] != "libx264" {
		t.Fatal("mp4 profile must use libx264")
	}
}
