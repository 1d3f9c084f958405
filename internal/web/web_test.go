package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"infocal/internal/battery"
	"infocal/internal/config"
	"infocal/internal/model"
)

// fakeCycler runs one cycle at a time; a cycle lasts until release is
// closed.
type fakeCycler struct {
	st      model.CycleStatus
	cycle   sync.Mutex
	release chan struct{}

	mu     sync.Mutex
	starts int
}

func (f *fakeCycler) Status() model.CycleStatus { return f.st }

func (f *fakeCycler) TryRunOnce(context.Context) bool {
	if !f.cycle.TryLock() {
		return false
	}
	f.mu.Lock()
	f.starts++
	f.mu.Unlock()
	go func() {
		defer f.cycle.Unlock()
		<-f.release
	}()
	return true
}

func newTestServer(t *testing.T, cfg *config.Config, c Cycler) http.Handler {
	t.Helper()
	return NewServer(context.Background(), cfg, c, nil).Handler()
}

func do(h http.Handler, method, path string, auth ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if len(auth) == 2 {
		req.SetBasicAuth(auth[0], auth[1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, config.DefaultConfig(), nil)
	rec := do(h, http.MethodGet, "/health")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("GET /health = %d %q, want 200 OK", rec.Code, rec.Body.String())
	}
}

func TestStatus(t *testing.T) {
	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := &fakeCycler{st: model.CycleStatus{
		Panel:       "epd4in01f",
		Source:      "file:/var/lib/infocal/frame.png",
		Cycles:      3,
		Failures:    1,
		LastStart:   last,
		LastSuccess: last,
	}}
	h := newTestServer(t, config.DefaultConfig(), c)

	rec := do(h, http.MethodGet, "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/status = %d", rec.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"panel":        "epd4in01f",
		"source":       "file:/var/lib/infocal/frame.png",
		"cycles":       float64(3),
		"failures":     float64(1),
		"last_start":   "2026-03-01T12:00:00Z",
		"last_success": "2026-03-01T12:00:00Z",
		"duration_ns":  float64(0),
		"render_only":  false,
		"next":         "0001-01-01T00:00:00Z",
		"ok":           true,
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("/api/status (-got +want):\n%s", diff)
	}

	if rec := do(h, http.MethodPost, "/api/status"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/status = %d, want 405", rec.Code)
	}
	if rec := do(newTestServer(t, config.DefaultConfig(), nil), http.MethodGet, "/api/status"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /api/status without loop = %d, want 503", rec.Code)
	}
}

func TestRefresh(t *testing.T) {
	c := &fakeCycler{release: make(chan struct{})}
	h := newTestServer(t, config.DefaultConfig(), c)

	if rec := do(h, http.MethodGet, "/api/refresh"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/refresh = %d, want 405", rec.Code)
	}
	rec := do(h, http.MethodPost, "/api/refresh")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /api/refresh = %d, want 202", rec.Code)
	}
	for i := 0; i < 9; i++ {
		rec := do(h, http.MethodPost, "/api/refresh")
		if rec.Code != http.StatusConflict {
			t.Errorf("POST /api/refresh during a cycle = %d, want 409", rec.Code)
		}
		if got := rec.Body.String(); got != "{\"status\":\"busy\"}\n" {
			t.Errorf("busy body = %q", got)
		}
	}
	close(c.release)
	c.cycle.Lock()
	c.cycle.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.starts != 1 {
		t.Errorf("%d cycles started by 10 requests, want 1", c.starts)
	}
}

func TestPreview(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.PreviewPath = filepath.Join(t.TempDir(), "latest.png")
	h := newTestServer(t, cfg, nil)

	if rec := do(h, http.MethodGet, "/preview.png"); rec.Code != http.StatusNotFound {
		t.Errorf("GET /preview.png before any frame = %d, want 404", rec.Code)
	}

	data := []byte("\x89PNG\r\n\x1a\nfake")
	if err := os.WriteFile(cfg.PreviewPath, data, 0o644); err != nil {
		t.Fatal(err)
	}
	rec := do(h, http.MethodGet, "/preview.png")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /preview.png = %d", rec.Code)
	}
	if rec.Body.String() != string(data) {
		t.Error("preview body differs from file")
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}

	cfg.PreviewPath = ""
	if rec := do(h, http.MethodGet, "/preview.png"); rec.Code != http.StatusNotFound {
		t.Errorf("GET /preview.png when disabled = %d, want 404", rec.Code)
	}
}

func TestBasicAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "pi", Password: "secret"}
	h := newTestServer(t, cfg, &fakeCycler{})

	if rec := do(h, http.MethodGet, "/health"); rec.Code != http.StatusOK {
		t.Errorf("GET /health = %d, want 200 without credentials", rec.Code)
	}
	rec := do(h, http.MethodGet, "/api/status")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("GET /api/status = %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate challenge")
	}
	if rec := do(h, http.MethodGet, "/api/status", "pi", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong password = %d, want 401", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/api/status", "pi", "secret"); rec.Code != http.StatusOK {
		t.Errorf("valid credentials = %d, want 200", rec.Code)
	}

	cfg.BasicAuth.Password = ""
	h = newTestServer(t, cfg, &fakeCycler{})
	if rec := do(h, http.MethodGet, "/api/status"); rec.Code != http.StatusOK {
		t.Errorf("empty password should disable auth, got %d", rec.Code)
	}
}

type countingBattery struct {
	reads int
	err   error
}

func (b *countingBattery) Read(context.Context) (battery.Status, error) {
	b.reads++
	return battery.Status{Percent: 64, VoltageMv: 3920}, b.err
}

func TestBattery(t *testing.T) {
	cfg := config.DefaultConfig()
	if rec := do(newTestServer(t, cfg, nil), http.MethodGet, "/api/battery"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /api/battery without UPS = %d, want 503", rec.Code)
	}

	b := &countingBattery{}
	h := NewServer(context.Background(), cfg, nil, b).Handler()
	for i := 0; i < 3; i++ {
		rec := do(h, http.MethodGet, "/api/battery")
		if rec.Code != http.StatusOK {
			t.Fatalf("GET /api/battery = %d", rec.Code)
		}
		var got map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatal(err)
		}
		want := map[string]any{"percent": float64(64), "voltage_mv": float64(3920)}
		if diff := cmp.Diff(got, want); diff != "" {
			t.Errorf("/api/battery (-got +want):\n%s", diff)
		}
	}
	if b.reads != 1 {
		t.Errorf("battery read %d times, want 1 (cached)", b.reads)
	}

	failing := &countingBattery{err: errors.New("i2c: no ack")}
	h = NewServer(context.Background(), cfg, nil, failing).Handler()
	if rec := do(h, http.MethodGet, "/api/battery"); rec.Code != http.StatusBadGateway {
		t.Errorf("GET /api/battery on read error = %d, want 502", rec.Code)
	}
	if rec := do(h, http.MethodPost, "/api/battery"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/battery = %d, want 405", rec.Code)
	}
}
