package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/disintegration/imaging"
)

// DefaultTimeout bounds one Chromium capture.
const DefaultTimeout = 30 * time.Second

// readySelector is what a page sets once it has finished rendering:
//
//	<div data-ready="true" ...>
const readySelector = `[data-ready="true"]`

// Chromium renders a URL in headless Chromium and screenshots it.
type Chromium struct {
	// URL to capture, e.g. "http://127.0.0.1:3000/panel".
	URL string

	// Width and Height are the viewport in pixels, normally the panel
	// geometry.
	Width  int
	Height int

	// Timeout bounds the entire capture. DefaultTimeout when zero.
	Timeout time.Duration
}

func (c *Chromium) String() string {
	return "chromium:" + c.URL
}

// Capture launches (or attaches to) a headless Chromium instance via
// chromedp, navigates to c.URL, waits until `[data-ready="true"]` is
// visible and returns a full-page screenshot.
func (c *Chromium) Capture(parent context.Context) (image.Image, error) {
	if c.URL == "" {
		return nil, errors.New("capture: URL is required")
	}
	if c.Width <= 0 || c.Height <= 0 {
		return nil, fmt.Errorf("capture: invalid viewport %dx%d", c.Width, c.Height)
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := chromedp.NewContext(parent)
	defer cancel()
	ctx, timeoutCancel := context.WithTimeout(ctx, timeout)
	defer timeoutCancel()

	var buf []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(c.Width), int64(c.Height)),
		chromedp.Navigate(c.URL),
		chromedp.WaitVisible(readySelector, chromedp.ByQuery),
		// Let the last paint land.
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.FullScreenshot(&buf, 100),
	}
	if err := chromedp.Run(ctx, tasks); err != nil {
		return nil, fmt.Errorf("capture: chromedp run failed: %w", err)
	}

	img, err := imaging.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("capture: decode screenshot: %w", err)
	}
	return img, nil
}
