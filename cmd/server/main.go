package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/avianet/overlay-server/internal/catalog"
	"github.com/avianet/overlay-server/internal/convert"
	"github.com/avianet/overlay-server/internal/inference"
	"github.com/avianet/overlay-server/internal/logger"
	"github.com/avianet/overlay-server/internal/metrics"
	"github.com/avianet/overlay-server/internal/overlay"
	"github.com/avianet/overlay-server/internal/poller"
	"github.com/avianet/overlay-server/internal/recorder"
	"github.com/avianet/overlay-server/internal/server"
	"github.com/avianet/overlay-server/internal/stream"
	"github.com/avianet/overlay-server/internal/view"
	"github.com/avianet/overlay-server/internal/webrtc"
	"github.com/avianet/overlay-server/pkg/types"
)

var (
	// Command-line flags
	httpAddr      = flag.String("http", ":8080", "HTTP server address")
	metricsAddr   = flag.String("metrics", ":9090", "Metrics server address")
	pprofAddr     = flag.String("pprof", ":6060", "pprof server address")
	modelsDir     = flag.String("models-dir", "./models", "Detection model directory")
	recordPath    = flag.String("record-path", "./recordings", "Clip output path")
	transcodeDir  = flag.String("transcode-dir", "", "Transcode output directory (default: system temp)")
	outputFormat  = flag.String("output-format", "mp4", "Transcode output format (mp4, webm)")
	inferenceURL  = flag.String("inference-url", "", "Platform inference backend URL")
	ollamaURL     = flag.String("ollama-url", "http://localhost:11434", "Ollama URL (used when no inference backend is set)")
	cameraID      = flag.String("camera-id", "local", "Camera identifier sent with inference requests")
	pollInterval  = flag.Duration("poll-interval", 3*time.Second, "Inference polling interval")
	threshold     = flag.Float64("threshold", 0.4, "Detection confidence threshold")
	displayWidth  = flag.Int("display-width", 1280, "Initial overlay display width")
	displayHeight = flag.Int("display-height", 720, "Initial overlay display height")
	minimalBoxes  = flag.Bool("minimal", false, "Draw boxes without label chips")
	maxClients    = flag.Int("max-clients", 10, "Maximum WebRTC preview clients")
	stunServers   = flag.String("stun", "stun:stun.l.google.com:19302", "STUN server URLs (comma-separated)")
	logLevel      = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	logColor      = flag.Bool("log-color", true, "Enable colored log output")
)

func main() {
	flag.Parse()

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, *logColor)

	logger.Info("Main", "Overlay server starting...")
	logger.Info("Main", "Log level: %s", level)

	srv, err := buildServer()
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")
	if err := srv.Shutdown(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("Server stopped")
}

// Server bundles the pipeline components behind one lifecycle.
type Server struct {
	metrics    *metrics.Metrics
	view       *view.View
	tap        *stream.H264Tap
	webrtc     *webrtc.Server
	recorder   *recorder.Recorder
	httpServer *http.Server
}

func buildServer() (*Server, error) {
	m := metrics.New()

	cat, err := catalog.New(*modelsDir)
	if err != nil {
		return nil, err
	}

	converter, err := convert.NewFFmpeg(*transcodeDir, *outputFormat)
	if err != nil {
		return nil, err
	}

	var client inference.Client
	if *inferenceURL != "" {
		client = inference.NewHTTPClient(*inferenceURL)
		logger.Info("Main", "Using platform inference backend: %s", *inferenceURL)
	} else {
		client, err = inference.NewOllamaClient(*ollamaURL)
		if err != nil {
			return nil, err
		}
		logger.Info("Main", "Using Ollama vision locator: %s", *ollamaURL)
	}

	preview := webrtc.NewServer(strings.Split(*stunServers, ","), *maxClients)

	tap := stream.NewH264Tap(nil)
	rec := recorder.NewRecorder(*recordPath, tap.Processor())
	tap.SetOnFrame(func(frame *types.H264Frame) {
		preview.SendFrame(frame)
		rec.SendFrame(frame)
	})

	v := view.New(view.Config{
		Display: types.DisplaySize{Width: *displayWidth, Height: *displayHeight},
		Overlay: overlay.Config{Minimal: *minimalBoxes},
		Poll: poller.Config{
			CameraID:  *cameraID,
			Interval:  *pollInterval,
			Threshold: *threshold,
		},
		OnSourceOpened: tap.Start,
		OnSourceClosed: tap.Stop,
	}, client, converter, &stream.FFmpegPlayer{}, cat, m)

	api := server.NewServer(server.DefaultConfig(), v, cat, rec, preview, m)
	httpServer := &http.Server{
		Addr:    *httpAddr,
		Handler: api.Handler(),
	}

	return &Server{
		metrics:    m,
		view:       v,
		tap:        tap,
		webrtc:     preview,
		recorder:   rec,
		httpServer: httpServer,
	}, nil
}

// Start launches the side servers, the render loop and the HTTP surface.
func (s *Server) Start() error {
	log.Printf("Starting overlay server...")
	log.Printf("  HTTP server: %s", *httpAddr)
	log.Printf("  Metrics server: %s", *metricsAddr)
	log.Printf("  pprof server: %s", *pprofAddr)
	log.Printf("  Models: %s", *modelsDir)
	log.Printf("  Recordings: %s", *recordPath)

	go func() {
		log.Printf("Starting pprof server on %s", *pprofAddr)
		if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
			log.Printf("pprof server error: %v", err)
		}
	}()

	go func() {
		log.Printf("Starting metrics server on %s", *metricsAddr)
		if err := s.metrics.StartServer(*metricsAddr); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	go s.view.Run()

	go func() {
		log.Printf("Starting HTTP server on %s", *httpAddr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	log.Println("Server started successfully")
	return nil
}

// Shutdown stops the pipeline and the HTTP server.
func (s *Server) Shutdown() error {
	s.view.Close()
	s.tap.Stop()
	s.webrtc.Close()
	s.recorder.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
