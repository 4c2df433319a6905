package types

import "time"

// H264Frame represents a complete H.264 access unit from the direct tap.
type H264Frame struct {
	Data      []byte    // Raw H.264 data (NAL units, Annex-B)
	Timestamp time.Time // Tap read timestamp
	FrameNum  uint64    // Sequential access-unit number
	IsIDR     bool      // True if this unit contains an IDR slice
}

// NALUnit represents a single H.264 NAL unit.
type NALUnit struct {
	Type uint8  // NAL unit type (lower 5 bits)
	Data []byte // Complete NAL unit including header
}

// NALUnitType constants.
const (
	NALTypeSlice     uint8 = 1
	NALTypeIDR       uint8 = 5
	NALTypeSEI       uint8 = 6
	NALTypeSPS       uint8 = 7
	NALTypePPS       uint8 = 8
	NALTypeAUD       uint8 = 9
	NALTypeEndSeq    uint8 = 10
	NALTypeEndStream uint8 = 11
	NALTypeFiller    uint8 = 12
)
