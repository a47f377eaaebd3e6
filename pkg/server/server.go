// Package server exposes the connection pool's introspection endpoint
// and Prometheus metrics over HTTP, and drives an optional periodic
// stats log independent of the pool's own lazy keep-alive sweep.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"connpool/pkg/helper/log"
	"connpool/pkg/metrics"
	"connpool/pkg/poolconfig"
)

// PoolIntrospector is the subset of *pool.Pool (or *poolproxy.Pool)
// the server needs: GetConnectionInfo for the debug endpoint.
type PoolIntrospector interface {
	GetConnectionInfo() map[string][]string
}

// Server serves /metrics and a pool introspection endpoint, and
// optionally logs pool stats on a cron schedule.
type Server struct {
	ctx        context.Context
	cancel     context.CancelFunc
	logger     log.Logger
	cfg        *poolconfig.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	pool       PoolIntrospector
	registry   *metrics.Registry
	cron       *cron.Cron
}

// New constructs a Server bound to pool and registry.
func New(ctx context.Context, cfg *poolconfig.ServerConfig, logger log.Logger, pooled PoolIntrospector, registry *metrics.Registry) *Server {
	serverCtx, cancel := context.WithCancel(ctx)
	router := mux.NewRouter()

	s := &Server{
		ctx:      serverCtx,
		cancel:   cancel,
		logger:   logger,
		cfg:      cfg,
		router:   router,
		pool:     pooled,
		registry: registry,
		cron:     cron.New(),
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	s.registerEndpoints()
	return s
}

// registerEndpoints wires /metrics and the pool introspection path.
func (s *Server) registerEndpoints() {
	s.router.Handle(s.cfg.MetricsPath, promhttp.HandlerFor(s.registry.Registerer(), promhttp.HandlerOpts{})).Methods("GET")
	s.router.HandleFunc(s.cfg.InfoPath, s.poolInfoHandler).Methods("GET")
	s.router.HandleFunc("/healthz", s.healthCheckHandler).Methods("GET")
}

func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}

func (s *Server) poolInfoHandler(w http.ResponseWriter, r *http.Request) {
	info := s.pool.GetConnectionInfo()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(info); err != nil {
		s.logger.WithError(err).Error("failed to encode pool info response")
	}
}

// Start runs the cron-scheduled stats logger (if configured) and the
// HTTP server, blocking until the context is canceled or a termination
// signal arrives, then shuts both down gracefully.
func (s *Server) Start() error {
	if s.cfg.StatsCron != "" {
		if _, err := s.cron.AddFunc(s.cfg.StatsCron, s.logStats); err != nil {
			s.logger.WithError(err).Warn("invalid stats cron schedule, periodic stats logging disabled")
		} else {
			s.cron.Start()
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		s.logger.WithField("address", s.httpServer.Addr).Info("starting pool introspection server")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("introspection server error")
			select {
			case <-s.ctx.Done():
			default:
				s.cancel()
			}
		}
	}()

	select {
	case <-s.ctx.Done():
	case sig := <-sigChan:
		s.logger.WithField("signal", sig.String()).Info("received signal, shutting down")
		s.cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer shutdownCancel()

	s.cron.Stop()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.WithError(err).Error("introspection server shutdown error")
		return err
	}
	return nil
}

func (s *Server) logStats() {
	info := s.pool.GetConnectionInfo()
	total := 0
	for _, conns := range info {
		total += len(conns)
	}
	s.logger.WithField("origins", len(info)).WithField("connections", total).Info("pool stats")
}
