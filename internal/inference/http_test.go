package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/avianet/overlay-server/pkg/types"
)

func TestHTTPClientPerform(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/inference" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.ModelName != "yolo" || req.CameraID != "cam-1" {
			t.Errorf("request fields not carried: %+v", req)
		}
		if string(req.ImageData) != "jpegbytes" {
			t.Errorf("image data not carried: %q", req.ImageData)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"status": "success",
			"detections": [
				{"id":"det1","label":"Person","confidence":0.95,"bbox":{"x1":0.1,"y1":0.2,"x2":0.3,"y2":0.4}}
			],
			"inferenceTime": 120,
			"processedAt": "edge"
		}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	res, err := c.Perform(context.Background(), Request{
		CameraID:            "cam-1",
		ModelName:           "yolo",
		ThresholdConfidence: 0.4,
		ImageData:           []byte("jpegbytes"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ProcessedAt != types.ProcessedAtEdge {
		t.Fatalf("processedAt = %q", res.ProcessedAt)
	}
	if res.InferenceTimeMs != 120 {
		t.Fatalf("inferenceTime = %v", res.InferenceTimeMs)
	}
	if len(res.Detections) != 1 || res.Detections[0].Label != "Person" {
		t.Fatalf("detections = %+v", res.Detections)
	}
}

func TestHTTPClientErrorPaths(t *testing.T) {
	t.Run("http error status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer srv.Close()

		if _, err := NewHTTPClient(srv.URL).Perform(context.Background(), Request{}); err == nil {
			t.Fatal("expected error on 500")
		}
	})

	t.Run("error envelope", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"status":"error","message":"no model loaded"}`))
		}))
		defer srv.Close()

		if _, err := NewHTTPClient(srv.URL).Perform(context.Background(), Request{}); err == nil {
			t.Fatal("expected error on error envelope")
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		if _, err := NewHTTPClient("http://127.0.0.1:1").Perform(context.Background(), Request{}); err == nil {
			t.Fatal("expected transport error")
		}
	})
}

func TestParseLocatorReply(t *testing.T) {
	reply, err := parseLocatorReply("```json\n{\"label\":\"cat\",\"confidence\":0.8,\"bbox\":[0.1,0.1,0.5,0.5]}\n```")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Label != "cat" || len(reply.BBox) != 4 {
		t.Fatalf("reply = %+v", reply)
	}

	if _, err := parseLocatorReply("I see a cat in the image."); err == nil {
		t.Fatal("expected error for prose reply")
	}
}
