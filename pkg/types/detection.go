package types

import "encoding/json"

// RawDetection is one detection record as emitted by an inference service.
// The platform has shipped three incompatible geometric encodings over time:
//
//	{x, y, width, height}        center-form, normalized
//	{bbox: [x1, y1, x2, y2]}     corner array, normalized
//	{bbox: {x1, y1, x2, y2}}     corner object, normalized
//
// All three decode into this struct; absent fields stay nil. Records are
// untrusted input, so decoding never fails on a malformed geometry; the
// normalizer marks such records invalid instead.
type RawDetection struct {
	ID         string    `json:"id,omitempty"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Model      string    `json:"model,omitempty"`
	X          *float64  `json:"x,omitempty"`
	Y          *float64  `json:"y,omitempty"`
	Width      *float64  `json:"width,omitempty"`
	Height     *float64  `json:"height,omitempty"`
	BBox       *BBoxField `json:"bbox,omitempty"`
}

// BBoxField holds whichever corner encoding the record carried. Exactly one
// of Corners or the named fields is populated; both stay empty when the
// payload was malformed.
type BBoxField struct {
	Corners        []float64
	X1, Y1, X2, Y2 *float64
}

type bboxObject struct {
	X1 *float64 `json:"x1"`
	Y1 *float64 `json:"y1"`
	X2 *float64 `json:"x2"`
	Y2 *float64 `json:"y2"`
}

// UnmarshalJSON accepts the corner-array and corner-object encodings.
// Anything else (wrong types, wrong arity) leaves the field empty rather
// than failing the whole response decode.
func (b *BBoxField) UnmarshalJSON(data []byte) error {
	var arr []float64
	if err := json.Unmarshal(data, &arr); err == nil {
		b.Corners = arr
		return nil
	}
	var obj bboxObject
	if err := json.Unmarshal(data, &obj); err == nil {
		b.X1, b.Y1, b.X2, b.Y2 = obj.X1, obj.Y1, obj.X2, obj.Y2
	}
	return nil
}

// MarshalJSON re-emits the encoding the record arrived with.
func (b BBoxField) MarshalJSON() ([]byte, error) {
	if b.Corners != nil {
		return json.Marshal(b.Corners)
	}
	return json.Marshal(bboxObject{X1: b.X1, Y1: b.Y1, X2: b.X2, Y2: b.Y2})
}

// DisplayName returns the name used for color assignment and the label chip:
// the source model when known, otherwise the class label.
func (d RawDetection) DisplayName() string {
	if d.Model != "" {
		return d.Model
	}
	return d.Label
}
