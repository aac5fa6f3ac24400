package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/convertwatch/internal/metrics"
)

const metricsShutdownTimeout = 5 * time.Second

type metricsServer struct {
	srv    *http.Server
	ln     net.Listener
	logger *zap.Logger
}

func newMetricsRouter(extra ...prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler(extra...))
	return r
}

// startMetricsServer binds addr and serves in the background. An empty addr
// disables the server and returns nil.
func startMetricsServer(addr string, logger *zap.Logger, extra ...prometheus.Gatherer) (*metricsServer, error) {
	if addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen metrics %s: %w", addr, err)
	}
	ms := &metricsServer{
		srv: &http.Server{
			Handler:           newMetricsRouter(extra...),
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln:     ln,
		logger: logger,
	}
	go func() {
		logger.Info("metrics server started", zap.String("addr", ln.Addr().String()))
		if err := ms.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	return ms, nil
}

func (m *metricsServer) Addr() string {
	return m.ln.Addr().String()
}

func (m *metricsServer) Shutdown() {
	if m == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
	defer cancel()
	if err := m.srv.Shutdown(ctx); err != nil {
		m.logger.Error("metrics server shutdown error", zap.Error(err))
	}
}
