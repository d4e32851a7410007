// Package opsapi is the operator HTTP surface: health, prometheus metrics
// and read-only views of state, peers and counters.
package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"meshterm/internal/discovery"
	"meshterm/internal/gossip"
	"meshterm/internal/metrics"
	"meshterm/internal/node"
	"meshterm/internal/sshgw"
	"meshterm/internal/syncengine"
)

// State is the read side of the sync engine.
type State interface {
	Query(ctx context.Context, key string) (syncengine.Value, bool, error)
	Scan(ctx context.Context, prefix string) ([]syncengine.Value, error)
	Stats(ctx context.Context) (syncengine.Stats, error)
	Summary(ctx context.Context) (map[node.PeerID]uint64, error)
}

type Peers interface {
	Peers() []gossip.PeerInfo
}

type Directory interface {
	Snapshot(ctx context.Context) ([]discovery.Entry, error)
}

type Sessions interface {
	Sessions() []sshgw.SessionInfo
	Stats() sshgw.Stats
}

// Deps are the components the API reads. Directory and Sessions may be nil.
type Deps struct {
	Self      *node.Node
	State     State
	Peers     Peers
	Directory Directory
	Sessions  Sessions
	Metrics   *metrics.Metrics
}

type Config struct {
	ListenAddr string
	// Profiling mounts net/http/pprof under /debug. It is refused on a
	// non-loopback listen address.
	Profiling bool
}

type Server struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
}

func NewServer(cfg Config, deps Deps, logger zerolog.Logger) (*Server, error) {
	if cfg.Profiling && !isLoopbackBind(cfg.ListenAddr) {
		return nil, fmt.Errorf("ops profiling needs a loopback listen address, got %q", cfg.ListenAddr)
	}
	return &Server{cfg: cfg, deps: deps, log: logger}, nil
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Get("/state", s.listState)
		r.Get("/state/*", s.getState)
		r.Get("/peers", s.listPeers)
		r.Get("/stats", s.stats)
	})
	if s.cfg.Profiling {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("ops listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln
	s.log.Info().Str("addr", ln.Addr().String()).Msg("ops api listening")
	return nil
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.ListenAddr
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	srv := &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("ops api: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"ok": true}
	if s.deps.Self != nil {
		out["node_id"] = s.deps.Self.ID.String()
		out["name"] = s.deps.Self.Name
	}
	if _, err := s.deps.State.Stats(r.Context()); err != nil {
		out["ok"] = false
		out["error"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, out)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

type stateValue struct {
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	Author     string          `json:"author"`
	Seq        uint64          `json:"seq"`
	Hash       string          `json:"hash"`
	Concurrent int             `json:"concurrent"`
}

func toStateValue(v syncengine.Value) stateValue {
	return stateValue{
		Key:        v.Key,
		Value:      v.Data,
		Author:     v.Author.String(),
		Seq:        v.Seq,
		Hash:       v.Hash.String(),
		Concurrent: v.Concurrent,
	}
}

func (s *Server) listState(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	values, err := s.deps.State.Scan(r.Context(), prefix)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
		return
	}
	out := make([]stateValue, 0, len(values))
	for _, v := range values {
		out = append(out, toStateValue(v))
	}
	respondJSON(w, http.StatusOK, map[string]any{"prefix": prefix, "values": out})
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if strings.TrimSpace(key) == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "key is required")
		return
	}
	v, ok, err := s.deps.State.Query(r.Context(), key)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "key not found")
		return
	}
	respondJSON(w, http.StatusOK, toStateValue(v))
}

type peerView struct {
	gossip.PeerInfo
	ID string `json:"id"`
}

type knownView struct {
	discovery.Entry
	ID    string `json:"id,omitempty"`
	State string `json:"state"`
}

func (s *Server) listPeers(w http.ResponseWriter, r *http.Request) {
	connected := []peerView{}
	for _, p := range s.deps.Peers.Peers() {
		connected = append(connected, peerView{PeerInfo: p, ID: p.ID.String()})
	}
	out := map[string]any{"connected": connected}
	if s.deps.Directory != nil {
		entries, err := s.deps.Directory.Snapshot(r.Context())
		if err == nil {
			known := make([]knownView, 0, len(entries))
			for _, e := range entries {
				kv := knownView{Entry: e, State: e.State.String()}
				if !e.ID.IsZero() {
					kv.ID = e.ID.String()
				}
				known = append(known, kv)
			}
			out["known"] = known
		}
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.State.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
		return
	}
	frontier, err := s.deps.State.Summary(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
		return
	}
	authors := make(map[string]uint64, len(frontier))
	for id, seq := range frontier {
		authors[id.String()] = seq
	}
	out := map[string]any{
		"engine":   st,
		"frontier": authors,
		"metrics":  s.deps.Metrics.Snapshot(),
	}
	if s.deps.Sessions != nil {
		out["ssh"] = s.deps.Sessions.Stats()
		out["sessions"] = s.deps.Sessions.Sessions()
	}
	respondJSON(w, http.StatusOK, out)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]any{
		"error":   code,
		"message": message,
	})
}
