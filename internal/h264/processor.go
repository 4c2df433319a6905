// Package h264 assembles the direct-playback tap's Annex-B byte stream into
// access units and tracks the stream headers needed to join it mid-stream.
package h264

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/avianet/overlay-server/pkg/types"
)

// NAL unit start codes
var (
	startCode3 = []byte{0x00, 0x00, 0x01}
	startCode4 = []byte{0x00, 0x00, 0x00, 0x01}
)

// Processor handles H.264 NAL unit processing for the preview tap.
type Processor struct {
	spsCache   []byte // Cached SPS NAL unit
	ppsCache   []byte // Cached PPS NAL unit
	hasHeaders bool   // True if SPS/PPS are cached
}

// NewProcessor creates a new H.264 processor
func NewProcessor() *Processor {
	return &Processor{}
}

// Process scans an access unit, caches SPS/PPS when present and flags IDR
// units. Only SPS/PPS are copied; slice data is left in place.
func (p *Processor) Process(frame *types.H264Frame) error {
	data := frame.Data
	offset := 0
	for offset < len(data) {
		startCodeLen := startCodeAt(data, offset)
		if startCodeLen == 0 {
			offset++
			continue
		}

		nalStart := offset
		nalHeaderOffset := offset + startCodeLen
		if nalHeaderOffset >= len(data) {
			break
		}

		nalType := data[nalHeaderOffset] & 0x1F

		nalEnd := findNextStartCode(data, nalHeaderOffset+1)
		if nalEnd == -1 {
			nalEnd = len(data)
		}

		switch nalType {
		case types.NALTypeSPS:
			p.spsCache = append([]byte(nil), data[nalStart:nalEnd]...)
		case types.NALTypePPS:
			p.ppsCache = append([]byte(nil), data[nalStart:nalEnd]...)
			if len(p.spsCache) > 0 {
				p.hasHeaders = true
			}
		case types.NALTypeIDR:
			frame.IsIDR = true
		}

		offset = nalEnd
	}
	return nil
}

// PrependHeaders prepends cached SPS/PPS to IDR access units so a recording
// or preview started mid-stream begins with a decodable unit.
func (p *Processor) PrependHeaders(data []byte) ([]byte, error) {
	if !p.hasHeaders {
		return data, nil
	}

	nalUnits, err := parseNALUnits(data)
	if err != nil {
		return data, nil
	}

	hasIDR := false
	for _, nal := range nalUnits {
		if (nal.Type & 0x1F) == types.NALTypeIDR {
			hasIDR = true
			break
		}
	}
	if !hasIDR {
		return data, nil
	}

	result := make([]byte, 0, len(p.spsCache)+len(p.ppsCache)+len(data))
	result = append(result, p.spsCache...)
	result = append(result, p.ppsCache...)
	result = append(result, data...)
	return result, nil
}

// HasHeaders returns true if SPS/PPS headers are cached
func (p *Processor) HasHeaders() bool {
	return p.hasHeaders
}

// GetSPS returns the cached SPS NAL unit
func (p *Processor) GetSPS() []byte {
	return p.spsCache
}

// GetPPS returns the cached PPS NAL unit
func (p *Processor) GetPPS() []byte {
	return p.ppsCache
}

// StreamReader splits a continuous Annex-B elementary stream into access
// units, one per VCL NAL, carrying any preceding non-VCL NALs (SPS, PPS,
// SEI) along with it.
type StreamReader struct {
	r        *bufio.Reader
	buf      []byte
	frameNum uint64
}

// NewStreamReader wraps an Annex-B byte stream.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{r: bufio.NewReaderSize(r, 1<<16)}
}

// ReadAccessUnit returns the next access unit. io.EOF signals end of stream.
func (sr *StreamReader) ReadAccessUnit() (*types.H264Frame, error) {
	for {
		// A complete access unit is available once the buffer holds a
		// VCL NAL followed by another start code.
		if au := sr.takeAccessUnit(); au != nil {
			sr.frameNum++
			frame := &types.H264Frame{
				Data:      au,
				Timestamp: time.Now(),
				FrameNum:  sr.frameNum,
			}
			return frame, nil
		}

		chunk := make([]byte, 4096)
		n, err := sr.r.Read(chunk)
		if n > 0 {
			sr.buf = append(sr.buf, chunk[:n]...)
			continue
		}
		if err != nil {
			// Flush whatever remains as the final unit.
			if len(sr.buf) > 0 && containsVCL(sr.buf) {
				au := sr.buf
				sr.buf = nil
				sr.frameNum++
				return &types.H264Frame{Data: au, Timestamp: time.Now(), FrameNum: sr.frameNum}, nil
			}
			return nil, err
		}
	}
}

// takeAccessUnit cuts a complete access unit off the front of the buffer,
// or returns nil when more data is needed.
func (sr *StreamReader) takeAccessUnit() []byte {
	offset := 0
	sawVCL := false
	for offset < len(sr.buf) {
		scLen := startCodeAt(sr.buf, offset)
		if scLen == 0 {
			offset++
			continue
		}
		headerAt := offset + scLen
		if headerAt >= len(sr.buf) {
			return nil
		}

		if sawVCL {
			// Next start code after a VCL NAL closes the unit.
			au := append([]byte(nil), sr.buf[:offset]...)
			sr.buf = sr.buf[offset:]
			return au
		}

		nalType := sr.buf[headerAt] & 0x1F
		if nalType == types.NALTypeSlice || nalType == types.NALTypeIDR {
			sawVCL = true
		}

		next := findNextStartCode(sr.buf, headerAt+1)
		if next == -1 {
			return nil
		}
		offset = next
	}
	return nil
}

func containsVCL(data []byte) bool {
	units, err := parseNALUnits(data)
	if err != nil {
		return false
	}
	for _, nal := range units {
		if nal.Type == types.NALTypeSlice || nal.Type == types.NALTypeIDR {
			return true
		}
	}
	return false
}

// parseNALUnits parses raw H.264 data into NAL units
func parseNALUnits(data []byte) ([]types.NALUnit, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty data")
	}

	nalUnits := make([]types.NALUnit, 0, 8)
	offset := 0

	for offset < len(data) {
		startCodeLen := startCodeAt(data, offset)
		if startCodeLen == 0 {
			offset++
			continue
		}

		nalStart := offset
		offset += startCodeLen
		if offset >= len(data) {
			break
		}

		nalType := data[offset] & 0x1F

		nalEnd := findNextStartCode(data, offset+1)
		if nalEnd == -1 {
			nalEnd = len(data)
		}

		nalData := make([]byte, nalEnd-nalStart)
		copy(nalData, data[nalStart:nalEnd])

		nalUnits = append(nalUnits, types.NALUnit{Type: nalType, Data: nalData})
		offset = nalEnd
	}

	return nalUnits, nil
}

// startCodeAt returns the start code length at offset (3, 4 or 0).
func startCodeAt(data []byte, offset int) int {
	if offset+4 <= len(data) && bytes.Equal(data[offset:offset+4], startCode4) {
		return 4
	}
	if offset+3 <= len(data) && bytes.Equal(data[offset:offset+3], startCode3) {
		return 3
	}
	return 0
}

// findNextStartCode finds the next start code position
func findNextStartCode(data []byte, offset int) int {
	for i := offset; i < len(data)-2; i++ {
		if data[i] == 0x00 && data[i+1] == 0x00 {
			if data[i+2] == 0x01 {
				return i
			}
			if i+3 < len(data) && data[i+2] == 0x00 && data[i+3] == 0x01 {
				return i
			}
		}
	}
	return -1
}

// ExtractNALType extracts the NAL unit type from raw data
func ExtractNALType(data []byte) uint8 {
	if len(data) >= 5 && bytes.Equal(data[0:4], startCode4) {
		return data[4] & 0x1F
	}
	if len(data) >= 4 && bytes.Equal(data[0:3], startCode3) {
		return data[3] & 0x1F
	}
	return 0
}
