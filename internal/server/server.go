// Package server runs the HTTP API until its context is cancelled.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/maneesh/hookvault/internal/app"
	"github.com/maneesh/hookvault/internal/handlers"
)

// ShutdownTimeout bounds how long in-flight requests get after cancellation.
const ShutdownTimeout = 10 * time.Second

// NewRouter builds the API router with /metrics mounted.
func NewRouter(a *app.App) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	handlers.Register(router, a.Service, a.Logger.Named("http"))
	return router
}

// Run listens on addr (":<server.port>" when empty) and serves until ctx is
// done, then shuts down gracefully.
func Run(ctx context.Context, a *app.App, addr string) error {
	cfg := a.Config.Config()
	if addr == "" {
		addr = ":" + cfg.Server.Port
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return serve(ctx, a, ln)
}

func serve(ctx context.Context, a *app.App, ln net.Listener) error {
	logger := a.Logger

	// transfers can take minutes, so there is no write timeout
	srv := &http.Server{
		Handler:           NewRouter(a),
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced to shutdown", zap.Error(err))
		return err
	}
	logger.Info("server exited")
	return nil
}
