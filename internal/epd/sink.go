package epd

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
)

// Sink receives the image that was last shown on the panel.
type Sink interface {
	Save(img image.Image) error
}

// PNGFile writes each frame to one PNG file, replacing it atomically.
type PNGFile string

// Save encodes img next to the target and renames it into place.
func (p PNGFile) Save(img image.Image) error {
	path := string(p)
	if path == "" {
		return fmt.Errorf("epd: empty preview path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("epd: create preview dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".infocal-preview-*.png")
	if err != nil {
		return fmt.Errorf("epd: create temp preview: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := png.Encode(tmp, img); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("epd: encode preview: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("epd: chmod preview: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("epd: close temp preview: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("epd: rename preview: %w", err)
	}
	return nil
}
