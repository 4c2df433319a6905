package overlay

import (
	"hash/fnv"
	"image/color"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// Palette assigns each model/label name a stable display color so
// simultaneously active models can be told apart without a server-provided
// color scheme. The first lookup for a name hashes it to a hue; later
// lookups return the cached color, so assignment is stable across frames and
// across reruns with the same input.
//
// Entries are append-only and live for the owning view's lifetime. The map is
// confined to the view's render goroutine, so it carries no lock.
type Palette struct {
	colors map[string]color.RGBA
}

// NewPalette creates an empty palette.
func NewPalette() *Palette {
	return &Palette{colors: make(map[string]color.RGBA)}
}

// ColorFor returns the color assigned to name, computing and caching it on
// first use.
func (p *Palette) ColorFor(name string) color.RGBA {
	if c, ok := p.colors[name]; ok {
		return c
	}
	c := hashColor(name)
	p.colors[name] = c
	return c
}

// Len returns the number of assigned colors.
func (p *Palette) Len() int { return len(p.colors) }

// hashColor maps the name's character codes to a hue with fixed high
// saturation and value.
func hashColor(name string) color.RGBA {
	h := fnv.New32a()
	h.Write([]byte(name))
	hue := float64(h.Sum32() % 360)

	r, g, b := colorful.Hsv(hue, 0.78, 0.95).RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}
}
