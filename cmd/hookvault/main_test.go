package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/maneesh/hookvault/internal/app"
	"github.com/maneesh/hookvault/internal/models"
	"github.com/maneesh/hookvault/internal/transfer"
)

// webhookServer answers execute-webhook posts and serves the stored
// attachments back.
type webhookServer struct {
	mu      sync.Mutex
	objects map[string][]byte
	seq     int
	srv     *httptest.Server
}

func newWebhookServer(t *testing.T) *webhookServer {
	ws := &webhookServer{objects: map[string][]byte{}}
	router := mux.NewRouter()
	router.HandleFunc("/api/webhooks/{id}/{token}", ws.execute).Methods(http.MethodPost)
	router.HandleFunc("/attachments/{n}/{name}", ws.attachment).Methods(http.MethodGet)
	ws.srv = httptest.NewServer(router)
	t.Cleanup(ws.srv.Close)
	return ws
}

func (ws *webhookServer) url(id string) string {
	return ws.srv.URL + "/api/webhooks/" + id + "/token-" + id
}

func (ws *webhookServer) execute(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("files[0]")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, _ := io.ReadAll(file)

	ws.mu.Lock()
	ws.seq++
	path := fmt.Sprintf("/attachments/%d/%s", ws.seq, header.Filename)
	ws.objects[path] = data
	ws.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":          "1",
		"attachments": []map[string]interface{}{
			{"id": "1", "filename": header.Filename, "size": len(data), "url": ws.srv.URL + path},
		},
	})
}

func (ws *webhookServer) attachment(w http.ResponseWriter, r *http.Request) {
	ws.mu.Lock()
	data, ok := ws.objects[r.URL.Path]
	ws.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write(data)
}

type env struct {
	dir        string
	configPath string
}

func newEnv(t *testing.T, webhooks ...string) *env {
	t.Helper()
	dir := t.TempDir()
	settings := map[string]interface{}{
		"chunk_size":   "16",
		"download_dir": filepath.Join(dir, "downloads"),
		"catalog":      map[string]interface{}{"path": filepath.Join(dir, "files_cache.json")},
	}
	if len(webhooks) > 0 {
		settings["webhooks"] = webhooks
	}
	raw, err := json.Marshal(settings)
	require.NoError(t, err)
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return &env{dir: dir, configPath: path}
}

func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out,
		app.WithLogger(zap.NewNop()),
		app.WithMetrics(transfer.MustNewMetrics(prometheus.NewRegistry())),
	)
	cmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (e *env) list(t *testing.T) []models.FileRecord {
	t.Helper()
	out, err := e.run(t, "list", "--json")
	require.NoError(t, err)
	var recs []models.FileRecord
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	return recs
}

func (e *env) writeFile(t *testing.T, rel, content string) string {
	t.Helper()
	path := filepath.Join(e.dir, "src", rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestUploadListDownloadDelete(t *testing.T) {
	ws := newWebhookServer(t)
	e := newEnv(t, ws.url("1"), ws.url("2"))
	content := strings.Repeat("hookvault ", 10)
	src := e.writeFile(t, "notes.txt", content)

	out, err := e.run(t, "upload", src)
	require.NoError(t, err)
	assert.Contains(t, out, "uploaded notes.txt")
	assert.Contains(t, out, "notes.txt 100B / 100B\n")

	recs := e.list(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "notes.txt", recs[0].Name)
	assert.Len(t, recs[0].Chunks, 7)

	out, err = e.run(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, recs[0].ID)

	out, err = e.run(t, "download", recs[0].ID)
	require.NoError(t, err)
	assert.Contains(t, out, "downloaded")
	assert.Contains(t, out, "notes.txt 100B / 100B\n")
	got, err := os.ReadFile(filepath.Join(e.dir, "downloads", "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, string(got))

	// a second download never replaces the first
	dest := t.TempDir()
	_, err = e.run(t, "download", recs[0].ID, "--dir", dest)
	require.NoError(t, err)
	out, err = e.run(t, "download", recs[0].ID, "--dir", dest, "--quiet")
	require.NoError(t, err)
	assert.NotContains(t, out, "/ 100B")
	assert.FileExists(t, filepath.Join(dest, "notes.txt"))
	assert.FileExists(t, filepath.Join(dest, "notes (1).txt"))

	out, err = e.run(t, "delete", recs[0].ID)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted")
	assert.Empty(t, e.list(t))

	_, err = e.run(t, "download", recs[0].ID)
	assert.Error(t, err)
}

func TestUploadGlob(t *testing.T) {
	ws := newWebhookServer(t)
	e := newEnv(t, ws.url("1"))
	e.writeFile(t, "a.log", "first")
	e.writeFile(t, "nested/b.log", "second")
	e.writeFile(t, "nested/c.txt", "ignored")

	_, err := e.run(t, "upload", filepath.Join(e.dir, "src", "**", "*.log"))
	require.NoError(t, err)

	var names []string
	for _, rec := range e.list(t) {
		names = append(names, rec.Name)
	}
	assert.ElementsMatch(t, []string{"a.log", "b.log"}, names)

	_, err = e.run(t, "upload", filepath.Join(e.dir, "src", "*.bin"))
	assert.Error(t, err)
}

func TestExportImport(t *testing.T) {
	ws := newWebhookServer(t)
	src := newEnv(t, ws.url("1"))
	_, err := src.run(t, "upload", src.writeFile(t, "a.txt", "shared between catalogs"))
	require.NoError(t, err)

	snapshot := filepath.Join(t.TempDir(), "catalog.json.zst")
	out, err := src.run(t, "export", snapshot)
	require.NoError(t, err)
	assert.Contains(t, out, "exported 1 files")

	dst := newEnv(t, ws.url("1"))
	_, err = dst.run(t, "upload", dst.writeFile(t, "a.txt", "local file with the same name"))
	require.NoError(t, err)

	out, err = dst.run(t, "import", snapshot)
	require.NoError(t, err)
	assert.Contains(t, out, "imported 1 files")
	assert.Contains(t, out, "a (1).txt")

	recs := dst.list(t)
	require.Len(t, recs, 2)
	_, err = dst.run(t, "download", recs[1].ID)
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(dst.dir, "downloads", "a (1).txt"))
	require.NoError(t, err)
	assert.Equal(t, "shared between catalogs", string(got))

	_, err = dst.run(t, "import")
	assert.Error(t, err, "a file or --redis key is required")
	_, err = dst.run(t, "export", "x.json", "--redis", "team")
	assert.Error(t, err)
	_, err = dst.run(t, "export", "--redis", "team")
	assert.Error(t, err, "redis is not configured")
}

func TestEndpointAndConfig(t *testing.T) {
	ws := newWebhookServer(t)
	e := newEnv(t)

	out, err := e.run(t, "endpoint", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "no endpoints configured")

	_, err = e.run(t, "upload", e.writeFile(t, "x.txt", "x"))
	assert.Error(t, err, "uploads need an endpoint")

	out, err = e.run(t, "endpoint", "add", ws.url("7"))
	require.NoError(t, err)
	assert.Contains(t, out, "1 endpoints")
	assert.NotContains(t, out, "token-7")

	out, err = e.run(t, "endpoint", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "/api/webhooks/7/***")

	_, err = e.run(t, "config", "set", "chunk_size", "4")
	require.NoError(t, err)
	_, err = e.run(t, "upload", e.writeFile(t, "y.txt", "12345678"))
	require.NoError(t, err)
	recs := e.list(t)
	require.Len(t, recs, 1)
	assert.Len(t, recs[0].Chunks, 2)

	_, err = e.run(t, "config", "set", "no_such_key", "1")
	assert.Error(t, err)

	out, err = e.run(t, "config", "keys")
	require.NoError(t, err)
	assert.Contains(t, out, "chunk_size")
}
