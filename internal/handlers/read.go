package handlers

import (
	"mime"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/maneesh/hookvault/internal/catalog"
	"github.com/maneesh/hookvault/internal/errs"
	"github.com/maneesh/hookvault/internal/models"
	"github.com/maneesh/hookvault/internal/service"
)

// ReadHandler handles file download and listing requests
type ReadHandler struct {
	svc    *service.Service
	logger *zap.Logger
}

// NewReadHandler creates a new read handler
func NewReadHandler(svc *service.Service, logger *zap.Logger) *ReadHandler {
	return &ReadHandler{svc: svc, logger: logger}
}

// EndpointResponse is an endpoint with its token redacted.
type EndpointResponse struct {
	URL           string `json:"url"`
	MaxObjectSize int64  `json:"max_object_size"`
}

// ServeHTTP handles GET /files/{id}/content
func (rh *ReadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "read_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	fileID := mux.Vars(r)["id"]
	span.SetAttributes(attribute.String("file_id", fileID))

	rec, err := rh.svc.Get(fileID)
	if err != nil {
		writeError(w, r, rh.logger, err)
		return
	}
	span.SetAttributes(
		attribute.String("file_name", rec.Name),
		attribute.Int64("file_size", rec.Size),
		attribute.Int("chunk_count", len(rec.Chunks)),
	)

	aw := &attachmentWriter{w: w, rec: rec}
	if _, err := rh.svc.DownloadTo(ctx, fileID, aw); err != nil {
		span.RecordError(err)
		if !aw.started {
			writeError(w, r, rh.logger, err)
			return
		}
		// headers are gone; all that is left is to cut the response short
		rh.logger.Error("download aborted mid-stream", zap.String("file_id", fileID), zap.Error(err))
		return
	}
	aw.start()

	span.SetAttributes(attribute.Bool("read_success", true))
	rh.logger.Info("file read", zap.String("file_id", fileID), zap.Int64("size", rec.Size))
}

// attachmentWriter sends the response headers with the first byte, so a
// download that fails before producing output can still report an error.
type attachmentWriter struct {
	w       http.ResponseWriter
	rec     *models.FileRecord
	started bool
}

func (aw *attachmentWriter) start() {
	if aw.started {
		return
	}
	aw.started = true
	h := aw.w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": aw.rec.Name}))
	h.Set("Content-Length", strconv.FormatInt(aw.rec.Size, 10))
	aw.w.WriteHeader(http.StatusOK)
}

func (aw *attachmentWriter) Write(p []byte) (int, error) {
	aw.start()
	return aw.w.Write(p)
}

// List handles GET /files.
func (rh *ReadHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rh.svc.List())
}

// Get handles GET /files/{id}.
func (rh *ReadHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := rh.svc.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, rh.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Export handles GET /catalog/export. ?compress=zstd returns a zstd stream.
func (rh *ReadHandler) Export(w http.ResponseWriter, r *http.Request) {
	compress := r.URL.Query().Get("compress") == "zstd"
	if compress {
		w.Header().Set("Content-Type", "application/zstd")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	if err := catalog.EncodeSnapshot(w, rh.svc.Export(), compress); err != nil {
		rh.logger.Error("failed to write catalog export", zap.Error(err))
	}
}

// Endpoints handles GET /endpoints.
func (rh *ReadHandler) Endpoints(w http.ResponseWriter, r *http.Request) {
	eps := rh.svc.Endpoints()
	out := make([]EndpointResponse, 0, len(eps))
	for _, ep := range eps {
		out = append(out, EndpointResponse{URL: errs.Redact(ep.URL), MaxObjectSize: ep.MaxObjectSize})
	}
	writeJSON(w, http.StatusOK, out)
}

// Transfers handles GET /transfers.
func (rh *ReadHandler) Transfers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rh.svc.Transfers())
}
