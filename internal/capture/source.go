// Package capture obtains the bitmap to show from the content renderer.
//
// The renderer is an external collaborator: it either writes an image file
// or serves a page that headless Chromium can screenshot.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"time"

	"github.com/disintegration/imaging"

	"infocal/internal/convert"
)

// Source produces one bitmap per display cycle.
type Source interface {
	Capture(ctx context.Context) (image.Image, error)
}

// File reads the image an external renderer wrote to Path. PNG, JPEG, GIF,
// BMP and TIFF are accepted.
type File struct {
	Path string
	// MaxAge, when set, rejects files older than this; a stale frame
	// means the renderer stopped.
	MaxAge time.Duration

	now func() time.Time
}

func (f *File) String() string {
	return "file:" + f.Path
}

// Capture decodes the file.
func (f *File) Capture(ctx context.Context) (image.Image, error) {
	if f.Path == "" {
		return nil, errors.New("capture: path is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st, err := os.Stat(f.Path)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	if f.MaxAge > 0 {
		now := time.Now
		if f.now != nil {
			now = f.now
		}
		if age := now().Sub(st.ModTime()); age > f.MaxAge {
			return nil, fmt.Errorf("capture: %s is stale (%s old)", f.Path, age.Round(time.Second))
		}
	}
	img, err := imaging.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	return img, nil
}

// Options selects and configures a Source.
type Options struct {
	// Kind is "file" or "chromium".
	Kind     string
	Path     string
	URL      string
	Timeout  time.Duration
	MaxAge   time.Duration
	Geometry convert.Geometry
}

// New builds the Source described by o.
func New(o Options) (Source, error) {
	switch o.Kind {
	case "", "file":
		if o.Path == "" {
			return nil, errors.New("capture: file source needs a path")
		}
		return &File{Path: o.Path, MaxAge: o.MaxAge}, nil
	case "chromium":
		if o.URL == "" {
			return nil, errors.New("capture: chromium source needs a url")
		}
		return &Chromium{
			URL:     o.URL,
			Width:   o.Geometry.Width,
			Height:  o.Geometry.Height,
			Timeout: o.Timeout,
		}, nil
	default:
		return nil, fmt.Errorf("capture: unknown source kind %q", o.Kind)
	}
}
