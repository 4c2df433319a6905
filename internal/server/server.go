// Package server exposes the pipeline over HTTP: the MJPEG stream, a
// snapshot endpoint, stream control, status (plain and SSE), the model
// catalog and WebRTC signaling.
package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chai2010/webp"
	"github.com/gorilla/mux"

	"github.com/avianet/overlay-server/internal/catalog"
	"github.com/avianet/overlay-server/internal/logger"
	"github.com/avianet/overlay-server/internal/metrics"
	"github.com/avianet/overlay-server/internal/recorder"
	"github.com/avianet/overlay-server/internal/view"
	"github.com/avianet/overlay-server/internal/webrtc"
	"github.com/avianet/overlay-server/pkg/types"
)

// Config holds the HTTP surface settings.
type Config struct {
	StatusInterval time.Duration
}

// DefaultConfig returns the default HTTP settings.
func DefaultConfig() Config {
	return Config{StatusInterval: 2 * time.Second}
}

// Server routes HTTP requests to the pipeline.
type Server struct {
	cfg      Config
	view     *view.View
	catalog  *catalog.Catalog
	recorder *recorder.Recorder
	preview  *webrtc.Server // nil disables the /api/offer endpoint
	metrics  *metrics.Metrics
}

// NewServer wires the HTTP surface. preview may be nil when no H.264 tap
// is available.
func NewServer(cfg Config, v *view.View, cat *catalog.Catalog, rec *recorder.Recorder,
	preview *webrtc.Server, m *metrics.Metrics) *Server {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = DefaultConfig().StatusInterval
	}
	return &Server{
		cfg:      cfg,
		view:     v,
		catalog:  cat,
		recorder: rec,
		preview:  preview,
		metrics:  m,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/stream.mjpeg", s.handleMJPEG).Methods(http.MethodGet)
	r.HandleFunc("/api/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/status/stream", s.handleStatusStream).Methods(http.MethodGet)
	r.HandleFunc("/api/models", s.handleModels).Methods(http.MethodGet)
	r.HandleFunc("/api/models/active", s.handleSetActiveModels).Methods(http.MethodPost)
	r.HandleFunc("/api/display", s.handleDisplay).Methods(http.MethodPost)
	r.HandleFunc("/api/stream/start", s.handleStreamStart).Methods(http.MethodPost)
	r.HandleFunc("/api/stream/upload", s.handleStreamUpload).Methods(http.MethodPost)
	r.HandleFunc("/api/stream/pause", s.handleStreamPause).Methods(http.MethodPost)
	r.HandleFunc("/api/stream/resume", s.handleStreamResume).Methods(http.MethodPost)
	r.HandleFunc("/api/stream/stop", s.handleStreamStop).Methods(http.MethodPost)
	r.HandleFunc("/api/recording/start", s.handleRecordingStart).Methods(http.MethodPost)
	r.HandleFunc("/api/recording/stop", s.handleRecordingStop).Methods(http.MethodPost)
	r.HandleFunc("/api/recording/status", s.handleRecordingStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/offer", s.handleOffer).Methods(http.MethodPost)

	r.Use(corsMiddleware)
	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok"})
}

func (s *Server) handleMJPEG(w http.ResponseWriter, r *http.Request) {
	id, frameCh := s.view.Broadcaster().Subscribe()
	defer s.view.Broadcaster().Unsubscribe(id)
	streamMJPEGFromChannel(w, frameCh, r.Context().Done())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "webp" {
		img, ok := s.view.SnapshotImage()
		if !ok {
			http.Error(w, "No frame available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/webp")
		if err := webp.Encode(w, img, &webp.Options{Quality: 80}); err != nil {
			logger.Warn("Server", "WebP encode failed: %v", err)
		}
		return
	}

	data, ok := s.view.Snapshot()
	if !ok {
		http.Error(w, "No frame available", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	_, _ = w.Write(data)
}

func (s *Server) statusPayload() map[string]any {
	return map[string]any{
		"pipeline":  s.view.Status(),
		"recording": s.recorder.GetStatus(),
		"timestamp": float64(time.Now().Unix()),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.statusPayload())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		if err := writeSSE(w, s.statusPayload()); err != nil {
			return
		}
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.catalog.List()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}
	active, err := s.catalog.Active()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"models": models, "active": active})
}

func (s *Server) handleSetActiveModels(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Models []catalog.Model `json:"models"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "invalid request body"}, http.StatusBadRequest)
		return
	}
	if err := s.catalog.SetActive(req.Models); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"active": req.Models})
}

func (s *Server) handleDisplay(w http.ResponseWriter, r *http.Request) {
	var size types.DisplaySize
	if err := json.NewDecoder(r.Body).Decode(&size); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "invalid request body"}, http.StatusBadRequest)
		return
	}
	if err := s.view.SetDisplaySize(size); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"display": size})
}

func (s *Server) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Source == "" {
		writeJSONWithStatus(w, map[string]any{"error": "missing source"}, http.StatusBadRequest)
		return
	}
	if err := s.view.Controller().Start(req.Source); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	writeJSON(w, s.view.Controller().Status())
}

func (s *Server) handleStreamUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "missing file field"}, http.StatusBadRequest)
		return
	}
	defer file.Close()

	if err := s.view.Controller().StartUpload(header.Filename, file); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	writeJSON(w, s.view.Controller().Status())
}

func (s *Server) handleStreamPause(w http.ResponseWriter, r *http.Request) {
	if err := s.view.Controller().Pause(); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusConflict)
		return
	}
	writeJSON(w, s.view.Controller().Status())
}

func (s *Server) handleStreamResume(w http.ResponseWriter, r *http.Request) {
	if err := s.view.Controller().Resume(); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusConflict)
		return
	}
	writeJSON(w, s.view.Controller().Status())
}

func (s *Server) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	s.view.Controller().Stop()
	writeJSON(w, s.view.Controller().Status())
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if err := s.recorder.Start(); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusConflict)
		return
	}
	writeJSON(w, s.recorder.GetStatus())
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	status := s.recorder.GetStatus()
	if err := s.recorder.Stop(); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusConflict)
		return
	}
	status.Recording = false
	writeJSON(w, status)
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.recorder.GetStatus())
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if s.preview == nil {
		writeJSONWithStatus(w, map[string]any{"error": "preview not available"}, http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "invalid offer data"}, http.StatusBadRequest)
		return
	}

	answer, err := s.preview.HandleOffer(body)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
