package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"infocal/internal/battery"
	"infocal/internal/config"
	appLog "infocal/internal/log"
	"infocal/internal/model"
)

// Cycler is the part of the update loop the server exposes.
type Cycler interface {
	Status() model.CycleStatus
	// TryRunOnce starts a cycle in the background and reports false when
	// one is already running.
	TryRunOnce(ctx context.Context) bool
}

// batteryCacheTTL bounds how often /api/battery touches the I2C bus.
const batteryCacheTTL = 30 * time.Second

// Server is the diagnostic HTTP server.
type Server struct {
	cfg     *config.Config
	cycler  Cycler
	battery battery.Reader
	mux     *http.ServeMux

	batteryMu    sync.RWMutex
	batteryCache *batteryCache

	// base outlives requests; cycles triggered over HTTP run on it.
	base context.Context
}

// NewServer constructs a new Server. cycler and bat may be nil, in which
// case the endpoints that need them report 503.
func NewServer(ctx context.Context, cfg *config.Config, cycler Cycler, bat battery.Reader) *Server {
	s := &Server{
		cfg:     cfg,
		cycler:  cycler,
		battery: bat,
		mux:     http.NewServeMux(),
		base:    ctx,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials disable auth rather than lock everyone out.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="infocal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// StartServer serves on cfg.Listen until ctx is done, then shuts down
// gracefully.
func StartServer(ctx context.Context, cfg *config.Config, cycler Cycler, bat battery.Reader) error {
	s := NewServer(ctx, cfg, cycler, bat)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/preview.png", s.handlePreview)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/refresh", s.handleRefresh)
	s.mux.HandleFunc("/api/battery", s.handleBattery)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handlePreview serves the last frame dumped by the panel session.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if s.cfg == nil || s.cfg.PreviewPath == "" {
		http.Error(w, "preview disabled", http.StatusNotFound)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.ServeFile(w, r, s.cfg.PreviewPath)
}

// statusResponse is the JSON response shape for /api/status.
type statusResponse struct {
	model.CycleStatus
	OK bool `json:"ok"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.cycler == nil {
		writeError(w, http.StatusServiceUnavailable, "update loop not running")
		return
	}
	st := s.cycler.Status()
	writeJSON(w, http.StatusOK, statusResponse{CycleStatus: st, OK: st.OK()})
}

// handleRefresh starts a cycle outside the schedule. Requests made while
// a cycle runs get 409 and are dropped.
//
// POST /api/refresh
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.cycler == nil {
		writeError(w, http.StatusServiceUnavailable, "update loop not running")
		return
	}
	if !s.cycler.TryRunOnce(s.base) {
		appLog.Info("refresh requested over HTTP while busy", "remote", r.RemoteAddr)
		writeJSON(w, http.StatusConflict, map[string]string{"status": "busy"})
		return
	}
	appLog.Info("refresh requested over HTTP", "remote", r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// batteryCache holds the last known battery status and its timestamp.
type batteryCache struct {
	status    battery.Status
	updatedAt time.Time
}

// handleBattery reports the UPS charge. Readings are cached for
// batteryCacheTTL.
//
// GET /api/battery
func (s *Server) handleBattery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.battery == nil {
		writeError(w, http.StatusServiceUnavailable, "battery monitoring disabled")
		return
	}

	s.batteryMu.RLock()
	bc := s.batteryCache
	s.batteryMu.RUnlock()
	if bc != nil && time.Since(bc.updatedAt) < batteryCacheTTL {
		writeJSON(w, http.StatusOK, bc.status)
		return
	}

	st, err := s.battery.Read(r.Context())
	if err != nil {
		appLog.Error("battery read failed", err)
		writeError(w, http.StatusBadGateway, "failed to read battery")
		return
	}

	s.batteryMu.Lock()
	s.batteryCache = &batteryCache{status: st, updatedAt: time.Now()}
	s.batteryMu.Unlock()

	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
