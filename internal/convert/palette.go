package convert

import (
	"fmt"
	"image/color"
)

// Color is a panel palette entry. Its numeric value is the hardware
// palette index of the seven-colour controller, which is also what the
// packed 4-bit format puts on the wire.
type Color uint8

const (
	Black Color = iota
	White
	Green
	Blue
	Red
	Yellow
	Orange
)

// rgb holds the reference colour each palette entry is matched against.
var rgb = [...]color.NRGBA{
	Black:  {0, 0, 0, 255},
	White:  {255, 255, 255, 255},
	Green:  {0, 255, 0, 255},
	Blue:   {0, 0, 255, 255},
	Red:    {255, 0, 0, 255},
	Yellow: {255, 255, 0, 255},
	Orange: {255, 128, 0, 255},
}

var names = [...]string{
	Black:  "black",
	White:  "white",
	Green:  "green",
	Blue:   "blue",
	Red:    "red",
	Yellow: "yellow",
	Orange: "orange",
}

func (c Color) String() string {
	if int(c) < len(names) {
		return names[c]
	}
	return fmt.Sprintf("Color(%d)", uint8(c))
}

// RGBA implements color.Color with the reference colour.
func (c Color) RGBA() (r, g, b, a uint32) {
	return c.NRGBA().RGBA()
}

// NRGBA returns the reference colour.
func (c Color) NRGBA() color.NRGBA {
	if int(c) < len(rgb) {
		return rgb[c]
	}
	return rgb[White]
}

// Palette is the ordered set of colours a panel can show.
type Palette []Color

var (
	// SevenColor is the full palette of ACeP panels.
	SevenColor = Palette{Black, White, Green, Blue, Red, Yellow, Orange}
	// BlackWhiteRed is the palette of tri-colour panels.
	BlackWhiteRed = Palette{Black, White, Red}
	// BlackWhite is the palette of monochrome panels.
	BlackWhite = Palette{Black, White}
)

// Contains reports whether c is part of the palette.
func (p Palette) Contains(c Color) bool {
	return p.Index(c) >= 0
}

// Index returns the position of c in p, or -1.
func (p Palette) Index(c Color) int {
	for i, x := range p {
		if x == c {
			return i
		}
	}
	return -1
}

// ColorPalette returns p as a color.Palette, for image.Paletted and draw.
func (p Palette) ColorPalette() color.Palette {
	out := make(color.Palette, len(p))
	for i, c := range p {
		out[i] = c.NRGBA()
	}
	return out
}

// Nearest maps c onto the palette.
//
// Pixels with alpha below 128 count as white (paper). Otherwise the entry
// with the smallest squared Euclidean distance in 8-bit RGB wins; ties go
// to the entry listed first. The result depends only on c, so identical
// images always quantize identically.
func (p Palette) Nearest(c color.NRGBA) Color {
	if c.A < 128 {
		return White
	}
	best := p[0]
	bestDist := int(^uint(0) >> 1)
	for _, e := range p {
		ref := e.NRGBA()
		dr := int(c.R) - int(ref.R)
		dg := int(c.G) - int(ref.G)
		db := int(c.B) - int(ref.B)
		d := dr*dr + dg*dg + db*db
		if d < bestDist {
			best, bestDist = e, d
		}
	}
	return best
}
