// Package api exposes the process's operational surface: an HTTP listener
// with a liveness probe, Prometheus metrics and a Server-Sent Events feed of
// lot updates, and a gRPC listener carrying the standard health service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"lotkeeper/internal/config"
	"lotkeeper/internal/metrics"
	"lotkeeper/internal/notify"
)

// ServiceName is the gRPC health service name reported alongside the
// overall ("") status.
const ServiceName = "lotkeeper"

// eventBuffer is the per-subscriber channel size of the event feed.
const eventBuffer = 64

// Server hosts the HTTP and gRPC endpoints.
type Server struct {
	httpAddr string
	grpcAddr string
	hub      *notify.Hub
	metrics  *metrics.Metrics
	log      *slog.Logger

	ready  atomic.Bool
	health *health.Server

	httpSrv *http.Server
	grpcSrv *grpc.Server

	// baseCtx parents every HTTP request so open event streams end on Shutdown.
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer creates a Server listening on the addresses in cfg. A zero port
// disables that listener. Both health endpoints report not-ready until
// SetReady is called.
func NewServer(cfg config.Server, hub *notify.Hub, m *metrics.Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		httpAddr: cfg.HTTPAddr(),
		grpcAddr: cfg.GRPCAddr(),
		hub:      hub,
		metrics:  m,
		log:      log.With("component", "api"),
		health:   health.NewServer(),
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	s.grpcSrv = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpcSrv, s.health)

	s.httpSrv = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}
	return s
}

// SetReady flips both health endpoints to serving. It is called once the
// startup reconciliation pass has completed.
func (s *Server) SetReady() {
	if s.ready.Swap(true) {
		return
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	s.log.Info("ready")
}

// Ready reports whether SetReady has been called.
func (s *Server) Ready() bool {
	return s.ready.Load()
}

// Handler returns an http.Handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /events", s.handleEvents)
	return corsMiddleware(mux)
}

// ListenAndServe starts the HTTP and gRPC listeners and blocks until the
// context is cancelled or a listener fails. On return both servers have
// been shut down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 2)

	if s.grpcAddr != "" {
		lis, err := net.Listen("tcp", s.grpcAddr)
		if err != nil {
			return fmt.Errorf("grpc listen %s: %w", s.grpcAddr, err)
		}
		s.log.Info("gRPC server starting", "addr", s.grpcAddr)
		go func() {
			if err := s.grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
	}

	if s.httpAddr != "" {
		lis, err := net.Listen("tcp", s.httpAddr)
		if err != nil {
			s.grpcSrv.Stop()
			return fmt.Errorf("http listen %s: %w", s.httpAddr, err)
		}
		s.log.Info("HTTP server starting", "addr", s.httpAddr)
		go func() {
			if err := s.httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http serve: %w", err)
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		s.log.Error("shutdown", "error", err)
	}
	return serveErr
}

// Shutdown performs a graceful shutdown of the HTTP and gRPC servers. Open
// event streams are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Shutdown()
	s.cancelBase()

	stopped := make(chan struct{})
	go func() {
		s.grpcSrv.GracefulStop()
		close(stopped)
	}()

	err := s.httpSrv.Shutdown(ctx)

	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcSrv.Stop()
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		writeJSON(w, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleEvents streams lot updates as Server-Sent Events until the client
// goes away or the server shuts down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok || s.hub == nil {
		http.Error(w, "event feed unavailable", http.StatusServiceUnavailable)
		return
	}

	id, ch := s.hub.Subscribe(eventBuffer)
	defer s.hub.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := s.log.With("subscriber", id)
	log.Debug("event feed opened", "remote", r.RemoteAddr)
	defer log.Debug("event feed closed")

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				log.Error("encoding event", "lot", e.Lot.ID, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writing JSON response", "error", err)
	}
}
