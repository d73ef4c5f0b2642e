package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// MetricsServer serves Prometheus metrics and health endpoints over HTTP.
// /ready answers 503 until SetReady(true) is called.
type MetricsServer struct {
	addr   string
	logger *zap.Logger
	server *http.Server
	ready  atomic.Bool

	mu       sync.Mutex
	listener net.Listener
}

// NewMetricsServer creates a new metrics server
func NewMetricsServer(addr string, logger *zap.Logger) *MetricsServer {
	ms := &MetricsServer{
		addr:   addr,
		logger: logger.Named("metrics"),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", ms.readyHandler)

	ms.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return ms
}

// SetReady flips the readiness endpoint.
func (ms *MetricsServer) SetReady(ready bool) {
	ms.ready.Store(ready)
}

// Addr returns the bound address once Run is listening, else the configured one.
func (ms *MetricsServer) Addr() string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.listener != nil {
		return ms.listener.Addr().String()
	}
	return ms.addr
}

// Run serves until ctx is done, then shuts down gracefully. Bind failures
// are returned immediately.
func (ms *MetricsServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", ms.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", ms.addr, err)
	}
	ms.mu.Lock()
	ms.listener = ln
	ms.mu.Unlock()

	ms.logger.Info("Starting metrics server", zap.String("address", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := ms.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("metrics server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	ms.logger.Info("Stopping metrics server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := ms.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown metrics server: %w", err)
	}
	return nil
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// readyHandler reports whether the engine connection has been established
func (ms *MetricsServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if !ms.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}
