package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/groupwatch/backend/internal/config"
	"github.com/groupwatch/backend/internal/feed"
	"github.com/groupwatch/backend/internal/heartbeat"
	"github.com/groupwatch/backend/internal/monitor"
	"github.com/groupwatch/backend/internal/session"
	"github.com/groupwatch/backend/internal/storage/sqlite"
)

const maxStatsIDs = 1000

// Sessions is the session query surface used by the API.
type Sessions interface {
	ListSessions(groupFilter string) ([]session.Summary, error)
	SessionEvents(filename string) ([]session.Event, error)
	ClearSessions() (int, error)
	CurrentGroupID() string
	Current() (session.Metadata, bool)
	WorldName() string
}

// Stats is the counter query surface used by the API.
type Stats interface {
	PlayerStats(ctx context.Context, userID string) (sqlite.PlayerStats, bool, error)
	BulkFriendStats(ctx context.Context, userIDs []string) (map[string]heartbeat.FriendStats, error)
	UpdateFriendSince(ctx context.Context, userID, displayName string, since time.Time) (bool, error)
}

type Feed interface {
	RecentEntries(limit int) ([]feed.Entry, error)
}

type Health interface {
	Health() []monitor.SourceHealth
}

// Backends wires the API to the tracking core. Nil members make their
// endpoints answer 503.
type Backends struct {
	Sessions Sessions
	Stats    Stats
	Feed     Feed
	Health   Health
}

type Server struct {
	backends       Backends
	broadcaster    *Broadcaster
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
}

func NewServer(cfg config.ServerConfig, broadcaster *Broadcaster, backends Backends) *Server {
	s := &Server{
		backends:       backends,
		broadcaster:    broadcaster,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      cfg.AuthToken,
	}

	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("GET /api/sessions", s.authorized(s.handleSessions))
	mux.HandleFunc("DELETE /api/sessions", s.authorized(s.handleClearSessions))
	mux.HandleFunc("GET /api/sessions/{file}/events", s.authorized(s.handleSessionEvents))
	mux.HandleFunc("GET /api/group", s.authorized(s.handleGroup))
	mux.HandleFunc("GET /api/stats", s.authorized(s.handleBulkStats))
	mux.HandleFunc("GET /api/stats/{id}", s.authorized(s.handlePlayerStats))
	mux.HandleFunc("PUT /api/stats/{id}/friend-since", s.authorized(s.handleFriendSince))
	mux.HandleFunc("GET /api/feed", s.authorized(s.handleFeed))
	mux.HandleFunc("GET /api/health", s.authorized(s.handleHealth))
}

// Handler returns the routed API wrapped in the security headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(mux)
}

func (s *Server) authorized(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade error: %v", err)
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		log.Printf("ws: rejecting %s: %v", r.RemoteAddr, err)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}
	log.Printf("ws: client connected: %s", r.RemoteAddr)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			log.Printf("ws: client disconnected: %s", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.backends.Sessions == nil {
		unavailable(w, "sessions")
		return
	}
	sessions, err := s.backends.Sessions.ListSessions(r.URL.Query().Get("group"))
	if err != nil {
		internalError(w, "list sessions", err)
		return
	}
	if sessions == nil {
		sessions = []session.Summary{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if s.backends.Sessions == nil {
		unavailable(w, "sessions")
		return
	}
	events, err := s.backends.Sessions.SessionEvents(r.PathValue("file"))
	switch {
	case errors.Is(err, session.ErrInvalidFilename):
		http.Error(w, "invalid session file", http.StatusBadRequest)
		return
	case errors.Is(err, fs.ErrNotExist):
		http.Error(w, "session not found", http.StatusNotFound)
		return
	case err != nil:
		internalError(w, "read session", err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleClearSessions(w http.ResponseWriter, r *http.Request) {
	if s.backends.Sessions == nil {
		unavailable(w, "sessions")
		return
	}
	n, err := s.backends.Sessions.ClearSessions()
	if err != nil {
		internalError(w, "clear sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

type groupResponse struct {
	GroupID   string            `json:"groupId"`
	WorldName string            `json:"worldName,omitempty"`
	Session   *session.Metadata `json:"session,omitempty"`
}

func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	if s.backends.Sessions == nil {
		unavailable(w, "sessions")
		return
	}
	resp := groupResponse{
		GroupID:   s.backends.Sessions.CurrentGroupID(),
		WorldName: s.backends.Sessions.WorldName(),
	}
	if md, ok := s.backends.Sessions.Current(); ok {
		resp.Session = &md
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBulkStats(w http.ResponseWriter, r *http.Request) {
	if s.backends.Stats == nil {
		unavailable(w, "stats")
		return
	}
	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		http.Error(w, "ids is required", http.StatusBadRequest)
		return
	}
	if len(ids) > maxStatsIDs {
		http.Error(w, fmt.Sprintf("at most %d ids", maxStatsIDs), http.StatusBadRequest)
		return
	}
	stats, err := s.backends.Stats.BulkFriendStats(r.Context(), ids)
	if err != nil {
		internalError(w, "bulk stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePlayerStats(w http.ResponseWriter, r *http.Request) {
	if s.backends.Stats == nil {
		unavailable(w, "stats")
		return
	}
	st, ok, err := s.backends.Stats.PlayerStats(r.Context(), r.PathValue("id"))
	if err != nil {
		internalError(w, "player stats", err)
		return
	}
	if !ok {
		http.Error(w, "player not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type friendSinceRequest struct {
	DisplayName string    `json:"displayName"`
	Since       time.Time `json:"since"`
}

func (s *Server) handleFriendSince(w http.ResponseWriter, r *http.Request) {
	if s.backends.Stats == nil {
		unavailable(w, "stats")
		return
	}
	var req friendSinceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.Since.IsZero() {
		http.Error(w, "since is required", http.StatusBadRequest)
		return
	}
	changed, err := s.backends.Stats.UpdateFriendSince(r.Context(), r.PathValue("id"), req.DisplayName, req.Since)
	if err != nil {
		internalError(w, "friend since", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if s.backends.Feed == nil {
		unavailable(w, "feed")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := s.backends.Feed.RecentEntries(limit)
	if err != nil {
		if errors.Is(err, feed.ErrNotInitialized) {
			unavailable(w, "feed")
			return
		}
		internalError(w, "recent feed", err)
		return
	}
	if entries == nil {
		entries = []feed.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.backends.Health == nil {
		writeJSON(w, http.StatusOK, []monitor.SourceHealth{})
		return
	}
	writeJSON(w, http.StatusOK, s.backends.Health.Health())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("ws: encode response: %v", err)
	}
}

func unavailable(w http.ResponseWriter, what string) {
	http.Error(w, what+" not available", http.StatusServiceUnavailable)
}

func internalError(w http.ResponseWriter, op string, err error) {
	log.Printf("ws: %s: %v", op, err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Groupwatch-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves handler until ctx is cancelled, then shuts down
// gracefully.
func ListenAndServe(ctx context.Context, host string, port int, handler http.Handler) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("ws: listening on %s", addr)
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
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
