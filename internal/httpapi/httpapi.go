// Package httpapi implements the HTTP Demo Transport (spec.md §4.9): a
// JSON stand-in for the out-of-scope SOAP bindings that exercises the
// same Staged Sync State Machine. Grounded on the chi router,
// middleware stack, and graceful-shutdown-aware readiness probe in
// lake/api/main.go.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Snshadow/update-server-server-sync/internal/metrics"
	"github.com/Snshadow/update-server-server-sync/pkg/cookie"
	"github.com/Snshadow/update-server-server-sync/pkg/identity"
	"github.com/Snshadow/update-server-server-sync/pkg/model"
	"github.com/Snshadow/update-server-server-sync/pkg/store"
	"github.com/Snshadow/update-server-server-sync/pkg/sync"
)

const cookieHeader = "X-Update-Cookie"

// Config configures the transport.
type Config struct {
	Machine *sync.Machine
	Backend store.Backend
	Clock   clockwork.Clock
	Binder  cookie.Binder
}

// Server wires the chi router for POST /sync, GET /config, GET
// /healthz, GET /readyz, and GET /metrics.
type Server struct {
	cfg Config

	shuttingDown atomic.Bool
	router       chi.Router
}

// New builds a Server. cfg.Clock defaults to the real clock; cfg.Binder
// defaults to cookie.NoopBinder.
func New(cfg Config) *Server {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Binder == nil {
		cfg.Binder = cookie.NoopBinder{}
	}
	s := &Server{cfg: cfg}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/config", s.handleConfig)
	r.Post("/sync", s.handleSync)
	s.router = r
	return s
}

// ServeHTTP lets Server act as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Shutdown marks the server as shutting down; subsequent /readyz probes
// return 503, letting a load balancer drain inflight requests before
// the process exits (spec.md §4.9, mirroring lake/api/main.go's
// shuttingDown flag).
func (s *Server) Shutdown() {
	s.shuttingDown.Store(true)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// configResponse is the static GET /config wire shape: the
// CookieExpiration and MaxUpdatesInResponse constants clients need to
// interpret sync responses (spec.md §6).
type configResponse struct {
	MaxUpdatesInResponse int    `json:"maxUpdatesInResponse"`
	CookieExpirySeconds  int64  `json:"cookieExpirySeconds"`
	ProtocolVersion      string `json:"protocolVersion"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, configResponse{
		MaxUpdatesInResponse: sync.MaxUpdatesInResponse,
		CookieExpirySeconds:  int64(cookie.Expiration.Seconds()),
		ProtocolVersion:      "1.0",
	})
}

// syncRequestBody is the JSON mirror of syncUpdates' parameters
// (spec.md §6).
type syncRequestBody struct {
	ComputerID              string   `json:"computerId"`
	InstalledNonLeafIndexes []uint32 `json:"installedNonLeafIndexes"`
	OtherCachedIndexes      []uint32 `json:"otherCachedIndexes"`
	FilterCategoryIndexes   []uint32 `json:"filterCategoryIndexes"`
	SkipSoftwareSync        bool     `json:"skipSoftwareSync"`
	HardwareIDs             []string `json:"hardwareIds"`
	ComputerHardwareIDs     []string `json:"computerHardwareIds"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var body syncRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	computerID := body.ComputerID
	if c := r.Header.Get(cookieHeader); c != "" {
		decoded, err := cookie.Decode([]byte(c), s.cfg.Binder)
		if err == nil && !decoded.Expired(s.cfg.Clock.Now()) {
			computerID = decoded.ComputerID
		}
	}
	if computerID == "" {
		http.Error(w, "computerId is required", http.StatusBadRequest)
		return
	}

	req := sync.Request{
		InstalledNonLeafIndexes: toIndexes(body.InstalledNonLeafIndexes),
		OtherCachedIndexes:      toIndexes(body.OtherCachedIndexes),
		FilterCategoryIndexes:   toIndexes(body.FilterCategoryIndexes),
		SkipSoftwareSync:        body.SkipSoftwareSync,
		HardwareIDs:             body.HardwareIDs,
		ComputerHardwareIDs:     body.ComputerHardwareIDs,
	}

	info, err := s.cfg.Machine.Sync(r.Context(), computerID, req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set(cookieHeader, string(cookie.Issue(computerID, s.cfg.Clock, s.cfg.Binder)))
	writeJSON(w, http.StatusOK, info)
}

func toIndexes(in []uint32) []identity.Index {
	out := make([]identity.Index, len(in))
	for i, v := range in {
		out[i] = identity.Index(v)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ObserveStoreSize polls backend.Enumerate on interval until ctx is
// cancelled, keeping metrics.StorePackagesTotal current for the
// /metrics endpoint.
func ObserveStoreSize(ctx context.Context, clock clockwork.Clock, backend store.Backend, interval time.Duration) {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			metrics.StorePackagesTotal.Set(countPackages(ctx, backend))
		}
	}
}

func countPackages(ctx context.Context, backend store.Backend) float64 {
	var count float64
	_ = backend.Enumerate(ctx, func(pkg *model.Package) error {
		count++
		return nil
	})
	return count
}
