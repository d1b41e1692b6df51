package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"calalert/internal/config"
	appLog "calalert/internal/log"
	"calalert/internal/tracker"
)

const shutdownTimeout = 5 * time.Second

// Snapshotter exposes the pending occurrences. *tracker.EventStore
// implements it.
type Snapshotter interface {
	Snapshot() []tracker.EventState
}

// Server is the optional status surface: /health, /api/events and /metrics.
type Server struct {
	cfg     *config.Config
	store   Snapshotter
	metrics http.Handler
	loc     *time.Location
	now     func() time.Time
	mux     *http.ServeMux
}

// NewServer constructs a Server. metrics may be nil to leave /metrics out.
func NewServer(cfg *config.Config, store Snapshotter, metrics http.Handler, loc *time.Location) *Server {
	if loc == nil {
		loc = time.Local
	}
	s := &Server{
		cfg:     cfg,
		store:   store,
		metrics: metrics,
		loc:     loc,
		now:     time.Now,
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the routes, behind basic auth when configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty user or password counts as disabled.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
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
			w.Header().Set("WWW-Authenticate", `Basic realm="calalert", charset="UTF-8"`)
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

// Serve listens on cfg.Listen until ctx is cancelled, then shuts down
// gracefully. It has the shape of a tracker.Actor.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+ln.Addr().String(), "basic_auth", s.basicAuthEnabled())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("HTTP server shutdown failed", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type eventDTO struct {
	Title       string    `json:"title"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	LeadMinutes int       `json:"lead_minutes"`
	AlarmAt     time.Time `json:"alarm_at"`
	Alarmed     bool      `json:"alarmed"`
}

type eventsResponse struct {
	GeneratedAt     time.Time  `json:"generated_at"`
	DisplayTimeZone string     `json:"display_time_zone"`
	Pending         int        `json:"pending"`
	Events          []eventDTO `json:"events"`
}

// handleEvents lists pending occurrences ordered by start. ?limit=N caps
// the list.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 0)
	if limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must not be negative")
		return
	}

	states := s.store.Snapshot()
	resp := eventsResponse{
		GeneratedAt:     s.now().In(s.loc),
		DisplayTimeZone: s.loc.String(),
		Pending:         len(states),
		Events:          make([]eventDTO, 0, len(states)),
	}
	for _, st := range states {
		if limit > 0 && len(resp.Events) >= limit {
			break
		}
		ev := st.Event
		resp.Events = append(resp.Events, eventDTO{
			Title:       ev.Title,
			Location:    ev.Location,
			Start:       ev.Start.In(s.loc),
			End:         ev.End.In(s.loc),
			LeadMinutes: ev.LeadMinutes,
			AlarmAt:     ev.AlarmAt().In(s.loc),
			Alarmed:     st.Alarmed,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
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
