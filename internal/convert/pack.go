package convert

import (
	"fmt"
	"image"
)

// Format is the wire layout of a frame buffer.
type Format int

const (
	// FormatPacked4 is one plane with two pixels per byte. The left pixel
	// goes into the high nibble; each nibble is the hardware palette index.
	FormatPacked4 Format = iota
	// FormatDualPlane is a black/white plane followed by a colour plane,
	// both 1bpp MSB-first.
	FormatDualPlane
	// FormatMono is one 1bpp MSB-first plane where a set bit is black.
	FormatMono
)

func (f Format) String() string {
	switch f {
	case FormatPacked4:
		return "packed4"
	case FormatDualPlane:
		return "dual-plane"
	case FormatMono:
		return "mono"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// Planes is the number of buffers a frame in this format is made of.
func (f Format) Planes() int {
	if f == FormatDualPlane {
		return 2
	}
	return 1
}

// ExpectedSize returns the total number of bytes over all planes of a frame
// of geometry g in format f, or 0 when g is not valid for f.
func ExpectedSize(g Geometry, f Format) int {
	if g.validate(f) != nil {
		return 0
	}
	switch f {
	case FormatPacked4:
		return g.Width * g.Height / 2
	case FormatDualPlane:
		return 2 * (g.Width / 8) * g.Height
	case FormatMono:
		return (g.Width / 8) * g.Height
	}
	return 0
}

// pack lays out a quantized image in format f.
//
// Packing rules:
//
//   - rows are y-major, pixels of a row left to right.
//   - packed4: byteIndex = (y*w + x) / 2, left pixel in bits 7..4.
//   - 1bpp planes: byteIndex = y*(w/8) + (x >> 3), mask = 0x80 >> (x & 7).
//   - dual plane: plane 0 starts all ones (white) and black pixels clear
//     their bit; plane 1 starts all zeros and every pixel that is neither
//     black nor white sets its bit.
//   - mono: the plane starts all zeros and black pixels set their bit.
func pack(img *image.Paletted, pal Palette, f Format) ([][]byte, error) {
	switch f {
	case FormatPacked4:
		return [][]byte{packNibbles(img, pal)}, nil
	case FormatDualPlane:
		bw, c := packPlanes(img, pal)
		return [][]byte{bw, c}, nil
	case FormatMono:
		return [][]byte{packMono(img, pal)}, nil
	default:
		return nil, fmt.Errorf("convert: unsupported format %s", f)
	}
}

func packNibbles(img *image.Paletted, pal Palette) []byte {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	out := make([]byte, w*h/2)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w]
		for x := 0; x < w; x += 2 {
			hi := byte(pal[row[x]]) & 0x0F
			lo := byte(pal[row[x+1]]) & 0x0F
			out[(y*w+x)/2] = hi<<4 | lo
		}
	}
	return out
}

func packPlanes(img *image.Paletted, pal Palette) (bw, colour []byte) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	stride := w / 8
	bw = make([]byte, stride*h)
	colour = make([]byte, stride*h)
	for i := range bw {
		bw[i] = 0xFF
	}
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w]
		for x := 0; x < w; x++ {
			i := y*stride + (x >> 3)
			mask := byte(0x80 >> (x & 7))
			switch pal[row[x]] {
			case White:
			case Black:
				bw[i] &^= mask
			default:
				colour[i] |= mask
			}
		}
	}
	return bw, colour
}

func packMono(img *image.Paletted, pal Palette) []byte {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	stride := w / 8
	out := make([]byte, stride*h)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w]
		for x := 0; x < w; x++ {
			if pal[row[x]] == Black {
				out[y*stride+(x>>3)] |= byte(0x80 >> (x & 7))
			}
		}
	}
	return out
}
