// Package handlers serves the service over HTTP.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/maneesh/hookvault/internal/catalog"
	"github.com/maneesh/hookvault/internal/errs"
	"github.com/maneesh/hookvault/internal/service"
)

var tracer = otel.Tracer("hookvault-handlers")

// Register mounts every API route on router. Each route gets its own
// otelhttp server span.
func Register(router *mux.Router, svc *service.Service, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	wh := NewWriteHandler(svc, logger)
	rh := NewReadHandler(svc, logger)

	route := func(method, path string, h http.HandlerFunc) {
		router.Handle(path, otelhttp.NewHandler(h, method+" "+path)).Methods(method)
	}

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	route(http.MethodGet, "/files", rh.List)
	route(http.MethodPut, "/files", wh.ServeHTTP)
	route(http.MethodGet, "/files/{id}", rh.Get)
	route(http.MethodGet, "/files/{id}/content", rh.ServeHTTP)
	route(http.MethodDelete, "/files/{id}", wh.Delete)

	route(http.MethodGet, "/catalog/export", rh.Export)
	route(http.MethodPost, "/catalog/import", wh.Import)
	route(http.MethodPost, "/catalog/share", wh.Share)

	route(http.MethodGet, "/endpoints", rh.Endpoints)
	route(http.MethodPost, "/endpoints", wh.AddEndpoint)
	route(http.MethodPut, "/settings/{key}", wh.UpdateSetting)
	route(http.MethodGet, "/transfers", rh.Transfers)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		upErr   *errs.UploadError
		downErr *errs.DownloadError
		tooBig  *http.MaxBytesError
	)
	switch {
	case errors.As(err, &tooBig), errors.Is(err, catalog.ErrSnapshotTooLarge):
		return http.StatusRequestEntityTooLarge
	case errs.IsNotFound(err):
		return http.StatusNotFound
	case errs.IsConfig(err):
		return http.StatusBadRequest
	case errs.IsIntegrity(err):
		return http.StatusInternalServerError
	case errors.As(err, &upErr), errors.As(err, &downErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	trace.SpanFromContext(r.Context()).RecordError(err)

	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
