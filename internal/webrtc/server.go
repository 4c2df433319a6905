// Package webrtc serves the direct-playback H.264 tap to low-latency
// preview clients.
package webrtc

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/avianet/overlay-server/internal/logger"
	"github.com/avianet/overlay-server/pkg/types"
)

const (
	h264ClockRate = 90000
	frameRate     = 30
)

// Client is one connected preview viewer.
type Client struct {
	id            string
	peerConn      *webrtc.PeerConnection
	videoTrack    *webrtc.TrackLocalStaticSample
	frameChan     chan *types.H264Frame
	closeChan     chan struct{}
	started       bool // waits for the first IDR before sending
	framesSent    uint64
	framesDropped uint64
}

// Server manages WebRTC preview connections.
type Server struct {
	clientsMu  sync.RWMutex
	clients    map[string]*Client
	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API
}

// NewServer creates a preview server using the given STUN servers.
func NewServer(stunServers []string, maxClients int) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(2 * time.Second)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		logger.Error("WebRTC", "Failed to register codecs: %v", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(settingsEngine),
		webrtc.WithMediaEngine(mediaEngine),
	)

	return &Server{
		clients:    make(map[string]*Client),
		config:     webrtc.Configuration{ICEServers: iceServers},
		maxClients: maxClients,
		api:        api,
	}
}

// HandleOffer answers a viewer's SDP offer and registers the client.
func (s *Server) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}

	s.clientsMu.RLock()
	numClients := len(s.clients)
	s.clientsMu.RUnlock()
	if numClients >= s.maxClients {
		return nil, fmt.Errorf("maximum preview clients reached (%d)", s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeH264,
			ClockRate: h264ClockRate,
		},
		"video",
		"overlay-preview",
	)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}

	rtpSender, err := peerConn.AddTrack(videoTrack)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to add track: %w", err)
	}

	// Drain RTCP quality feedback.
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, err := rtpSender.Read(rtcpBuf); err != nil {
				return
			}
		}
	}()

	client := &Client{
		id:         uuid.New().String(),
		peerConn:   peerConn,
		videoTrack: videoTrack,
		frameChan:  make(chan *types.H264Frame, frameRate), // one second of buffer
		closeChan:  make(chan struct{}),
	}

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Client %s connection state: %s", client.id, state.String())
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			s.RemoveClient(client.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	<-gatherComplete

	s.clientsMu.Lock()
	s.clients[client.id] = client
	s.clientsMu.Unlock()

	go s.sendFrames(client)
	logger.Info("WebRTC", "Preview client %s connected", client.id)

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		return nil, fmt.Errorf("no local description available")
	}
	return json.Marshal(localDesc)
}

// SendFrame fans an access unit out to all connected clients. Slow clients
// drop frames rather than backing up the tap.
func (s *Server) SendFrame(frame *types.H264Frame) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for _, client := range s.clients {
		select {
		case client.frameChan <- frame:
			client.framesSent++
		default:
			client.framesDropped++
		}
	}
}

func (s *Server) sendFrames(client *Client) {
	for {
		select {
		case <-client.closeChan:
			return
		case frame, ok := <-client.frameChan:
			if !ok {
				return
			}
			// A client joining mid-stream cannot decode until an IDR
			// (with prepended headers) arrives.
			if !client.started {
				if !frame.IsIDR {
					continue
				}
				client.started = true
			}

			if err := client.videoTrack.WriteSample(media.Sample{
				Data:     frame.Data,
				Duration: time.Second / frameRate,
			}); err != nil {
				if err != io.ErrClosedPipe {
					logger.Warn("WebRTC", "Error writing sample for client %s: %v", client.id, err)
				}
				return
			}
		}
	}
}

// RemoveClient removes a client by ID.
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
	}
	s.clientsMu.Unlock()

	if !exists {
		return
	}
	close(client.closeChan)
	client.peerConn.Close()
	logger.Info("WebRTC", "Client %s disconnected (sent: %d, dropped: %d)",
		clientID, client.framesSent, client.framesDropped)
}

// GetClientCount returns the number of connected clients.
func (s *Server) GetClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Close disconnects all clients.
func (s *Server) Close() error {
	s.clientsMu.Lock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.Unlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}
