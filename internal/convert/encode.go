// Package convert turns an arbitrary bitmap into the byte planes an
// e-paper controller expects.
package convert

import (
	"errors"
	"fmt"
	"image"
	"image/draw"

	"github.com/MaxHalford/halfgone"
	"github.com/disintegration/imaging"

	"infocal/internal/log"
)

// Geometry is the panel resolution in pixels.
type Geometry struct {
	Width  int
	Height int
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%d", g.Width, g.Height)
}

// Bounds returns the rectangle of a frame of this size.
func (g Geometry) Bounds() image.Rectangle {
	return image.Rect(0, 0, g.Width, g.Height)
}

func (g Geometry) validate(f Format) error {
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("convert: invalid geometry %s", g)
	}
	switch f {
	case FormatPacked4:
		if g.Width%2 != 0 {
			return fmt.Errorf("convert: %s needs an even width, got %d", f, g.Width)
		}
	case FormatDualPlane, FormatMono:
		if g.Width%8 != 0 {
			return fmt.Errorf("convert: %s needs a width divisible by 8, got %d", f, g.Width)
		}
	default:
		return fmt.Errorf("convert: unsupported format %s", f)
	}
	return nil
}

// Encoding is how a panel wants its pixels.
type Encoding struct {
	Format  Format
	Palette Palette
	// Dither enables Floyd-Steinberg error diffusion before packing.
	Dither bool
}

func (e Encoding) validate() error {
	if len(e.Palette) == 0 {
		return errors.New("convert: empty palette")
	}
	if len(e.Palette) > 256 {
		return fmt.Errorf("convert: palette of %d colors is too large", len(e.Palette))
	}
	if !e.Palette.Contains(White) {
		return errors.New("convert: palette must contain white")
	}
	for _, c := range e.Palette {
		if int(c) >= len(rgb) {
			return fmt.Errorf("convert: unknown palette entry %s", c)
		}
		if e.Format == FormatMono && c != Black && c != White {
			return fmt.Errorf("convert: %s cannot show %s", e.Format, c)
		}
	}
	if e.Format != FormatPacked4 && !e.Palette.Contains(Black) {
		return fmt.Errorf("convert: %s palette must contain black", e.Format)
	}
	return nil
}

// Frame is an encoded frame buffer.
type Frame struct {
	// Planes holds one buffer per Format.Planes, in transmission order.
	Planes [][]byte
	// Preview is the quantized image, indexed into the encoding palette.
	Preview *image.Paletted
}

// Size returns the total number of bytes over all planes.
func (f *Frame) Size() int {
	n := 0
	for _, p := range f.Planes {
		n += len(p)
	}
	return n
}

// Encode fits img to g, quantizes it to e.Palette and packs it in e.Format.
//
// An image of a different size is resized with nearest-neighbour sampling;
// the aspect ratio is not preserved. Encoding the same image twice yields
// identical bytes.
func Encode(img image.Image, g Geometry, e Encoding) (*Frame, error) {
	if img == nil {
		return nil, errors.New("convert: nil image")
	}
	if err := g.validate(e.Format); err != nil {
		return nil, err
	}
	if err := e.validate(); err != nil {
		return nil, err
	}

	src := fit(img, g)
	flatten(src)

	var q *image.Paletted
	switch {
	case e.Dither && isBlackWhite(e.Palette):
		q = ditherGray(src, e.Palette)
	case e.Dither:
		q = image.NewPaletted(src.Rect, e.Palette.ColorPalette())
		draw.FloydSteinberg.Draw(q, q.Rect, src, image.Point{})
	default:
		q = quantize(src, e.Palette)
	}

	planes, err := pack(q, e.Palette, e.Format)
	if err != nil {
		return nil, err
	}
	return &Frame{Planes: planes, Preview: q}, nil
}

// Blank returns a frame of g in e where every pixel is white.
func Blank(g Geometry, e Encoding) (*Frame, error) {
	img := image.NewNRGBA(g.Bounds())
	for i := range img.Pix {
		img.Pix[i] = 0xFF
	}
	e.Dither = false
	return Encode(img, g, e)
}

// fit returns a copy of img with its origin at (0, 0) and size g.
func fit(img image.Image, g Geometry) *image.NRGBA {
	b := img.Bounds()
	if b.Dx() == g.Width && b.Dy() == g.Height {
		return imaging.Clone(img)
	}
	log.Warn("convert: resizing image to panel size", "from", fmt.Sprintf("%dx%d", b.Dx(), b.Dy()), "to", g.String())
	return imaging.Resize(img, g.Width, g.Height, imaging.NearestNeighbor)
}

// flatten makes every pixel opaque. Pixels with alpha below 128 are paper.
func flatten(img *image.NRGBA) {
	for i := 0; i+3 < len(img.Pix); i += 4 {
		if img.Pix[i+3] < 128 {
			img.Pix[i+0] = 0xFF
			img.Pix[i+1] = 0xFF
			img.Pix[i+2] = 0xFF
		}
		img.Pix[i+3] = 0xFF
	}
}

func quantize(src *image.NRGBA, pal Palette) *image.Paletted {
	dst := image.NewPaletted(src.Rect, pal.ColorPalette())
	w, h := src.Rect.Dx(), src.Rect.Dy()
	for y := 0; y < h; y++ {
		d := dst.Pix[y*dst.Stride : y*dst.Stride+w]
		for x := 0; x < w; x++ {
			d[x] = uint8(pal.Index(pal.Nearest(src.NRGBAAt(x, y))))
		}
	}
	return dst
}

func isBlackWhite(pal Palette) bool {
	return len(pal) == 2 && pal.Contains(Black) && pal.Contains(White)
}

// ditherGray diffuses luminance error and maps the result to black or
// white.
func ditherGray(src *image.NRGBA, pal Palette) *image.Paletted {
	gray := image.NewGray(src.Rect)
	draw.Draw(gray, gray.Rect, src, image.Point{}, draw.Src)
	out := halfgone.FloydSteinbergDitherer{}.Apply(gray)

	black, white := uint8(pal.Index(Black)), uint8(pal.Index(White))
	dst := image.NewPaletted(src.Rect, pal.ColorPalette())
	w, h := src.Rect.Dx(), src.Rect.Dy()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if out.GrayAt(x, y).Y < 128 {
				dst.Pix[y*dst.Stride+x] = black
			} else {
				dst.Pix[y*dst.Stride+x] = white
			}
		}
	}
	return dst
}
