// Package overlay composites canonical detection boxes onto video frames
// sized to the viewer's display size.
package overlay

import (
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/avianet/overlay-server/internal/detection"
	"github.com/avianet/overlay-server/internal/logger"
	"github.com/avianet/overlay-server/pkg/types"
)

// ErrNotReady is returned when the canvas cannot be drawn to yet: no display
// size has been set, or the pending resize has not been applied.
var ErrNotReady = errors.New("overlay: canvas not ready")

var labelFont *truetype.Font

func init() {
	var err error
	labelFont, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

const (
	labelFontSize = 13.0
	labelPad      = 3.0
	boxLineWidth  = 2.0
)

// Config controls renderer behavior.
type Config struct {
	// Minimal suppresses label chips and draws box outlines only.
	Minimal bool
	// MinBoxClampPx, when positive, inflates boxes smaller than this many
	// pixels up to it instead of dropping them. Zero keeps the default
	// behavior of dropping sub-pixel boxes.
	MinBoxClampPx int
}

// Renderer draws canonical boxes over a frame on a canvas that always
// matches the displayed size, never the source decode resolution.
type Renderer struct {
	cfg     Config
	display types.DisplaySize
	ctx     *gg.Context
	face    font.Face
}

// NewRenderer creates a renderer with no display size; SetDisplaySize must
// be called before the first Render.
func NewRenderer(cfg Config) *Renderer {
	return &Renderer{
		cfg:  cfg,
		face: truetype.NewFace(labelFont, &truetype.Options{Size: labelFontSize}),
	}
}

// SetDisplaySize records the size the canvas must match. The canvas itself
// is rebuilt at the start of the next render pass; a draw can therefore
// never observe a canvas that disagrees with the most recent size.
func (r *Renderer) SetDisplaySize(size types.DisplaySize) {
	r.display = size
}

// DisplaySize returns the currently requested display size.
func (r *Renderer) DisplaySize() types.DisplaySize { return r.display }

// Render composites frame and boxes onto the canvas and returns the result.
// The canvas is cleared fully each pass; there is one draw per detection
// cycle, so correctness beats incremental diffing. The returned dropped
// count is the number of boxes skipped for sub-pixel geometry.
//
// A failure on one detection never aborts the rest of the frame.
func (r *Renderer) Render(frame image.Image, boxes []detection.Placed, palette *Palette) (image.Image, int, error) {
	if r.display.Zero() {
		return nil, 0, ErrNotReady
	}
	r.syncCanvas()

	w, h := r.display.Width, r.display.Height
	r.ctx.SetRGB(0, 0, 0)
	r.ctx.Clear()

	if frame != nil {
		scaled := imaging.Resize(frame, w, h, imaging.Linear)
		r.ctx.DrawImage(scaled, 0, 0)
	}

	dropped := 0
	for _, p := range boxes {
		if err := r.drawOne(p, palette); err != nil {
			if errors.Is(err, errSubPixel) {
				dropped++
				continue
			}
			logger.Warn("Renderer", "skipping detection %q: %v", p.Source.Label, err)
		}
	}

	return r.ctx.Image(), dropped, nil
}

// syncCanvas rebuilds the gg context whenever the requested display size
// changed. Draws happen strictly after this, which is what keeps canvas
// coordinates and displayed size in agreement.
func (r *Renderer) syncCanvas() {
	if r.ctx != nil && r.ctx.Width() == r.display.Width && r.ctx.Height() == r.display.Height {
		return
	}
	r.ctx = gg.NewContext(r.display.Width, r.display.Height)
	r.ctx.SetFontFace(r.face)
	logger.Debug("Renderer", "canvas resized to %dx%d", r.display.Width, r.display.Height)
}

var errSubPixel = errors.New("sub-pixel box")

func (r *Renderer) drawOne(p detection.Placed, palette *Palette) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("draw panic: %v", rec)
		}
	}()

	if !p.Box.Valid {
		return errSubPixel
	}

	w, h := float64(r.display.Width), float64(r.display.Height)
	x1, y1 := p.Box.X1*w, p.Box.Y1*h
	x2, y2 := p.Box.X2*w, p.Box.Y2*h
	bw, bh := x2-x1, y2-y1

	if bw < 1 || bh < 1 {
		if r.cfg.MinBoxClampPx <= 0 {
			return errSubPixel
		}
		min := float64(r.cfg.MinBoxClampPx)
		if bw < min {
			bw = min
		}
		if bh < min {
			bh = min
		}
	}

	col := palette.ColorFor(p.Source.DisplayName())
	r.ctx.SetColor(col)
	r.ctx.SetLineWidth(boxLineWidth)
	r.ctx.DrawRectangle(x1, y1, bw, bh)
	r.ctx.Stroke()

	if r.cfg.Minimal {
		return nil
	}

	label := fmt.Sprintf("%s (%.0f%%)", p.Source.Label, p.Source.Confidence*100)
	tw, th := r.ctx.MeasureString(label)

	// Chip anchored at the box top-left, flipped below the edge when it
	// would leave the canvas.
	chipY := y1 - th - 2*labelPad
	if chipY < 0 {
		chipY = y1
	}
	r.ctx.SetColor(col)
	r.ctx.DrawRectangle(x1, chipY, tw+2*labelPad, th+2*labelPad)
	r.ctx.Fill()

	r.ctx.SetRGB(0, 0, 0)
	r.ctx.DrawString(label, x1+labelPad, chipY+th+labelPad/2)

	return nil
}
