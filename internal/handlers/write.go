package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/maneesh/hookvault/internal/catalog"
	"github.com/maneesh/hookvault/internal/errs"
	"github.com/maneesh/hookvault/internal/models"
	"github.com/maneesh/hookvault/internal/service"
)

// WriteHandler handles the requests that change the catalog or the config.
type WriteHandler struct {
	svc    *service.Service
	logger *zap.Logger
}

// NewWriteHandler creates a new write handler
func NewWriteHandler(svc *service.Service, logger *zap.Logger) *WriteHandler {
	return &WriteHandler{svc: svc, logger: logger}
}

// WriteResponse represents the response for a write operation
type WriteResponse struct {
	FileID     string `json:"file_id"`
	FileName   string `json:"file_name"`
	FileSize   int64  `json:"file_size"`
	ChunkCount int    `json:"chunk_count"`
	Message    string `json:"message"`
}

// maxImportBytes caps the body of POST /catalog/import.
var maxImportBytes = catalog.MaxSnapshotBytes

// ImportResponse lists the records an import added.
type ImportResponse struct {
	Imported int                  `json:"imported"`
	Files    []*models.FileRecord `json:"files"`
}

// ServeHTTP handles PUT /files?name=filename with the file as the body.
func (wh *WriteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "write_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()
	defer r.Body.Close()

	filename := r.URL.Query().Get("name")
	if filename == "" {
		writeError(w, r, wh.logger, errs.NewConfigError("name", "missing 'name' query parameter"))
		return
	}
	span.SetAttributes(attribute.String("file_name", filename))

	rec, err := wh.svc.UploadReader(ctx, filename, r.Body)
	if err != nil {
		span.RecordError(err)
		writeError(w, r, wh.logger, err)
		return
	}

	span.SetAttributes(
		attribute.String("file_id", rec.ID),
		attribute.Int64("file_size", rec.Size),
		attribute.Int("chunk_count", len(rec.Chunks)),
	)
	wh.logger.Info("file uploaded", zap.String("file_id", rec.ID), zap.String("name", rec.Name), zap.Int64("size", rec.Size))

	writeJSON(w, http.StatusCreated, WriteResponse{
		FileID:     rec.ID,
		FileName:   rec.Name,
		FileSize:   rec.Size,
		ChunkCount: len(rec.Chunks),
		Message:    "File uploaded successfully",
	})
}

// Delete handles DELETE /files/{id}.
func (wh *WriteHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := wh.svc.Delete(r.Context(), id); err != nil {
		writeError(w, r, wh.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Import handles POST /catalog/import. With ?key= the snapshot is fetched from
// the shared store; otherwise the body holds a snapshot (json, zstd or a
// legacy cache file).
func (wh *WriteHandler) Import(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "import_catalog")
	defer span.End()
	defer r.Body.Close()

	var (
		added []*models.FileRecord
		err   error
	)
	if key := r.URL.Query().Get("key"); key != "" {
		span.SetAttributes(attribute.String("share_key", key))
		added, err = wh.svc.ShareImport(ctx, key)
	} else {
		var snap catalog.Snapshot
		snap, err = catalog.DecodeSnapshot(http.MaxBytesReader(w, r.Body, maxImportBytes))
		if err != nil {
			err = &errs.ConfigError{Field: "body", Message: "invalid snapshot", Err: err}
		} else {
			added, err = wh.svc.Import(ctx, snap)
		}
	}
	if err != nil {
		writeError(w, r, wh.logger, err)
		return
	}

	span.SetAttributes(attribute.Int("imported", len(added)))
	writeJSON(w, http.StatusOK, ImportResponse{Imported: len(added), Files: added})
}

// Share handles POST /catalog/share?key= by publishing the catalog.
func (wh *WriteHandler) Share(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, r, wh.logger, errs.NewConfigError("key", "missing 'key' query parameter"))
		return
	}
	n, err := wh.svc.ShareExport(r.Context(), key)
	if err != nil {
		writeError(w, r, wh.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"key": key, "files": n})
}

type endpointRequest struct {
	URL string `json:"url"`
}

// AddEndpoint handles POST /endpoints with {"url": "..."}.
func (wh *WriteHandler) AddEndpoint(w http.ResponseWriter, r *http.Request) {
	var req endpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, wh.logger, &errs.ConfigError{Field: "body", Message: "invalid JSON", Err: err})
		return
	}
	if err := wh.svc.AddEndpoint(req.URL); err != nil {
		writeError(w, r, wh.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"endpoints": len(wh.svc.Endpoints())})
}

type settingRequest struct {
	Value json.RawMessage `json:"value"`
}

// UpdateSetting handles PUT /settings/{key} with {"value": ...}. The value
// may be a JSON string or a bare number/bool.
func (wh *WriteHandler) UpdateSetting(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	var req settingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Value) == 0 {
		writeError(w, r, wh.logger, errs.NewConfigError(key, "body must be {\"value\": ...}"))
		return
	}
	value, err := settingValue(req.Value)
	if err != nil {
		writeError(w, r, wh.logger, errs.NewConfigError(key, "%v", err))
		return
	}

	if err := wh.svc.UpdateSetting(key, value); err != nil {
		writeError(w, r, wh.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func settingValue(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	switch v.(type) {
	case float64, bool:
		return string(raw), nil
	default:
		return "", fmt.Errorf("value must be a string, number or bool")
	}
}
