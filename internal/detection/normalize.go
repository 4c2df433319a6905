// Package detection converts the inference service's polymorphic detection
// records into the canonical box representation everything downstream
// consumes.
package detection

import (
	"math"

	"github.com/avianet/overlay-server/pkg/types"
)

// Epsilon is the minimum normalized extent a box must have on each axis.
// Anything smaller would land under one display pixel at typical sizes and
// is dropped instead of being drawn as a degenerate sliver.
const Epsilon = 0.001

var invalid = types.CanonicalBox{}

// Normalize converts a raw detection into a canonical box.
//
// Encodings are tried in order: corner array, corner object, center-form.
// The function is total: a record with missing fields, non-finite values or
// degenerate geometry yields {Valid: false}. Malformed records from the
// service are a data-quality condition, not a programming error, so nothing
// here returns an error or panics.
func Normalize(d types.RawDetection) types.CanonicalBox {
	x1, y1, x2, y2, ok := corners(d)
	if !ok {
		return invalid
	}

	if !finite(x1, y1, x2, y2) {
		return invalid
	}

	x1, y1 = clampUnit(x1), clampUnit(y1)
	x2, y2 = clampUnit(x2), clampUnit(y2)

	if x2-x1 < Epsilon || y2-y1 < Epsilon {
		return invalid
	}

	return types.CanonicalBox{X1: x1, Y1: y1, X2: x2, Y2: y2, Valid: true}
}

func corners(d types.RawDetection) (x1, y1, x2, y2 float64, ok bool) {
	if d.BBox != nil {
		if len(d.BBox.Corners) == 4 {
			c := d.BBox.Corners
			return c[0], c[1], c[2], c[3], true
		}
		if d.BBox.Corners == nil &&
			d.BBox.X1 != nil && d.BBox.Y1 != nil && d.BBox.X2 != nil && d.BBox.Y2 != nil {
			return *d.BBox.X1, *d.BBox.Y1, *d.BBox.X2, *d.BBox.Y2, true
		}
		return 0, 0, 0, 0, false
	}

	// Center-form: x,y is the box center.
	if d.X != nil && d.Y != nil && d.Width != nil && d.Height != nil {
		cx, cy, w, h := *d.X, *d.Y, *d.Width, *d.Height
		return cx - w/2, cy - h/2, cx + w/2, cy + h/2, true
	}

	return 0, 0, 0, 0, false
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// NormalizeAll runs Normalize over a result's detections and pairs each
// valid box with its source record. Invalid records are counted, not kept.
func NormalizeAll(dets []types.RawDetection) (boxes []Placed, dropped int) {
	boxes = make([]Placed, 0, len(dets))
	for _, d := range dets {
		box := Normalize(d)
		if !box.Valid {
			dropped++
			continue
		}
		boxes = append(boxes, Placed{Box: box, Source: d})
	}
	return boxes, dropped
}

// Placed is a canonical box together with the record it came from.
type Placed struct {
	Box    types.CanonicalBox
	Source types.RawDetection
}
