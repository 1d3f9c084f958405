package capture

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"infocal/internal/convert"
)

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestFileCapture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.png")
	src := image.NewNRGBA(image.Rect(0, 0, 64, 40))
	src.SetNRGBA(3, 5, color.NRGBA{255, 0, 0, 255})
	writePNG(t, path, src)

	got, err := (&File{Path: path}).Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture() failed: %v", err)
	}
	if got.Bounds() != src.Bounds() {
		t.Errorf("bounds = %v, want %v", got.Bounds(), src.Bounds())
	}
	r, g, b, _ := got.At(3, 5).RGBA()
	if r>>8 != 255 || g != 0 || b != 0 {
		t.Errorf("pixel (3,5) = %v, want red", got.At(3, 5))
	}
}

func TestFileCaptureErrors(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.png")
	if err := os.WriteFile(garbage, []byte("not an image"), 0o644); err != nil {
		t.Fatal(err)
	}
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	for _, tc := range []struct {
		name string
		f    *File
		ctx  context.Context
	}{
		{"empty path", &File{}, context.Background()},
		{"missing", &File{Path: filepath.Join(dir, "missing.png")}, context.Background()},
		{"not an image", &File{Path: garbage}, context.Background()},
		{"canceled", &File{Path: garbage}, canceled},
	} {
		if _, err := tc.f.Capture(tc.ctx); err == nil {
			t.Errorf("%s: Capture() succeeded, want error", tc.name)
		}
	}
}

func TestFileCaptureMaxAge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.png")
	writePNG(t, path, image.NewGray(image.Rect(0, 0, 2, 2)))
	st, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	f := &File{Path: path, MaxAge: time.Minute}
	f.now = func() time.Time { return st.ModTime().Add(30 * time.Second) }
	if _, err := f.Capture(context.Background()); err != nil {
		t.Errorf("fresh file: Capture() = %v", err)
	}
	f.now = func() time.Time { return st.ModTime().Add(2 * time.Minute) }
	if _, err := f.Capture(context.Background()); err == nil {
		t.Error("stale file: Capture() succeeded, want error")
	}
}

func TestNew(t *testing.T) {
	g := convert.Geometry{Width: 640, Height: 400}

	s, err := New(Options{Path: "/tmp/frame.png"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*File); !ok {
		t.Errorf("New(default) = %T, want *File", s)
	}

	s, err = New(Options{Kind: "chromium", URL: "http://127.0.0.1:3000/", Geometry: g})
	if err != nil {
		t.Fatal(err)
	}
	c, ok := s.(*Chromium)
	if !ok {
		t.Fatalf("New(chromium) = %T, want *Chromium", s)
	}
	if c.Width != 640 || c.Height != 400 {
		t.Errorf("viewport = %dx%d, want 640x400", c.Width, c.Height)
	}

	for _, o := range []Options{
		{Kind: "file"},
		{Kind: "chromium", Geometry: g},
		{Kind: "ftp", Path: "x"},
	} {
		if _, err := New(o); err == nil {
			t.Errorf("New(%+v) succeeded, want error", o)
		}
	}
}

func TestChromiumValidation(t *testing.T) {
	for _, c := range []*Chromium{
		{Width: 640, Height: 400},
		{URL: "http://127.0.0.1/", Width: 0, Height: 400},
	} {
		if _, err := c.Capture(context.Background()); err == nil {
			t.Errorf("Capture(%+v) succeeded, want error", c)
		}
	}
}
