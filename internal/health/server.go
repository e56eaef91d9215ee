// Package health exposes liveness, endpoint health, and Prometheus
// metrics over HTTP.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stablr/paycore/internal/core/domain"
	"github.com/stablr/paycore/internal/infra/rpc/provider"
	"github.com/stablr/paycore/internal/infra/rpc/routing"
)

// Pinger reports storage connectivity.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Server provides HTTP endpoints for health monitoring.
type Server struct {
	pool   *routing.Pool
	db     Pinger
	server *http.Server
}

// NewServer creates a new health server. db may be nil in memory mode.
func NewServer(pool *routing.Pool, db Pinger, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		pool: pool,
		db:   db,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/detailed", s.handleDetailed)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type chainHealth struct {
	Available bool                             `json:"available"`
	Endpoints map[string]provider.HealthStatus `json:"endpoints"`
}

func (s *Server) snapshot() (bool, map[domain.ChainID]chainHealth) {
	healthy := true
	chains := make(map[domain.ChainID]chainHealth)
	for _, chain := range s.pool.Chains() {
		endpoints := s.pool.Health(chain)
		available := false
		for _, h := range endpoints {
			if h.Available {
				available = true
				break
			}
		}
		if !available {
			healthy = false
		}
		chains[chain] = chainHealth{Available: available, Endpoints: endpoints}
	}
	return healthy, chains
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy, _ := s.snapshot()

	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			healthy = false
		}
	}

	status := "healthy"
	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		status = "unhealthy"
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	_, chains := s.snapshot()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(chains)
}
