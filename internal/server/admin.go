package server

import (
	"context"
	"net/http"
	"time"

	"github.com/fcoury/oxidedb/internal/logging"
	"github.com/fcoury/oxidedb/internal/metrics"
	"github.com/fcoury/oxidedb/internal/shadow"
)

// AdminServer wraps the /healthz, /metrics, and /shadow HTTP routes in an
// *http.Server, started alongside the TCP listener per the teacher's
// bundoc-server/main.go (an http.Server and a TCPServer running in their
// own goroutines, both torn down from the same graceful-shutdown sequence).
type AdminServer struct {
	httpServer *http.Server
}

// NewAdminServer builds the admin HTTP surface bound to addr.
func NewAdminServer(addr string, startedAt time.Time, shadowCmp *shadow.Comparator) *AdminServer {
	router := metrics.NewRouter(startedAt, shadowCmp)
	return &AdminServer{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start begins serving in the background. ListenAndServe's error is logged,
// not returned, since it always returns non-nil on a normal Shutdown.
func (a *AdminServer) Start() {
	logging.Get().Info("admin HTTP listener started", "addr", a.httpServer.Addr)
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Get().Error("admin HTTP server error", "error", err)
		}
	}()
}

// Shutdown gracefully drains in-flight requests, bounded by ctx.
func (a *AdminServer) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}
