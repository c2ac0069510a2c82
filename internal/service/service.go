// Package service exposes the user-level operations (upload, download, list,
// delete, catalog import/export, endpoint and setting changes) on top of the
// transfer engine and the catalog.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
	"go.uber.org/zap"

	"github.com/maneesh/hookvault/internal/catalog"
	"github.com/maneesh/hookvault/internal/config"
	"github.com/maneesh/hookvault/internal/endpoint"
	"github.com/maneesh/hookvault/internal/errs"
	"github.com/maneesh/hookvault/internal/models"
	"github.com/maneesh/hookvault/internal/transfer"
)

// Share moves catalog snapshots between instances.
type Share interface {
	Publish(ctx context.Context, key string, snap catalog.Snapshot) error
	Fetch(ctx context.Context, key string) (catalog.Snapshot, error)
}

// Deps are the collaborators of a Service. Share may be nil.
type Deps struct {
	Config *config.Manager
	Pool   *endpoint.Pool
	Engine *transfer.Engine
	Index  *catalog.Index
	Share  Share
	Logger *zap.Logger
}

// ProgressFunc receives the bytes transferred so far for the named file.
// total is -1 when the size of an upload is not known in advance.
type ProgressFunc func(name string, done, total int64)

// Service is safe for concurrent use.
type Service struct {
	config   *config.Manager
	pool     *endpoint.Pool
	engine   *transfer.Engine
	index    *catalog.Index
	share    Share
	logger   *zap.Logger
	progress ProgressFunc
}

// New creates a service.
func New(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		config: d.Config,
		pool:   d.Pool,
		engine: d.Engine,
		index:  d.Index,
		share:  d.Share,
		logger: logger,
	}
}

// WithProgress returns a service that reports per-chunk progress of its
// uploads and downloads to fn. Calls are serialized.
func (s *Service) WithProgress(fn ProgressFunc) *Service {
	c := *s
	c.progress = fn
	return &c
}

// tracker turns chunk callbacks into running totals for one transfer.
func (s *Service) tracker(name string, total int64) func(models.ChunkRef) {
	if s.progress == nil {
		return nil
	}
	var (
		mu   sync.Mutex
		done int64
	)
	return func(ref models.ChunkRef) {
		mu.Lock()
		defer mu.Unlock()
		done += ref.Size
		s.progress(name, done, total)
	}
}

// List returns every catalog record in insertion order.
func (s *Service) List() []*models.FileRecord {
	return s.index.List()
}

// Get returns one record.
func (s *Service) Get(id string) (*models.FileRecord, error) {
	return s.index.Get(id)
}

// Upload stores the file at path under its base name.
func (s *Service) Upload(ctx context.Context, path string) (*models.FileRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	s.logger.Info("uploading file",
		zap.String("path", path),
		zap.String("size", units.HumanSizeWithPrecision(float64(info.Size()), 3)),
	)
	return s.upload(ctx, filepath.Base(path), f, info.Size())
}

// UploadReader stores everything read from r as a file called name. The
// catalog record is created only after every chunk is stored.
func (s *Service) UploadReader(ctx context.Context, name string, r io.Reader) (*models.FileRecord, error) {
	return s.upload(ctx, name, r, -1)
}

func (s *Service) upload(ctx context.Context, name string, r io.Reader, size int64) (*models.FileRecord, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errs.NewConfigError("name", "must not be empty")
	}
	cfg := s.config.Config()

	id := catalog.NewID()
	result, err := s.engine.Upload(ctx, r, id, transfer.Options{
		ChunkSize:   cfg.ChunkSize,
		Concurrency: cfg.Concurrency,
		OnChunk:     s.tracker(name, size),
	})
	if err != nil {
		return nil, err
	}

	return s.index.CreateWithID(ctx, id, name, result.Chunks, result.Size, cfg.ChunkSize)
}

// UploadGlob uploads every regular file matching pattern, which may use **.
// A path without wildcards is uploaded as is. Uploading stops at the first
// failure; the records created before it are returned with the error.
func (s *Service) UploadGlob(ctx context.Context, pattern string) ([]*models.FileRecord, error) {
	paths, err := expandPattern(pattern)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, &errs.NotFoundError{ID: pattern}
	}

	var recs []*models.FileRecord
	for _, p := range paths {
		rec, err := s.Upload(ctx, p)
		if err != nil {
			return recs, fmt.Errorf("failed to upload %s: %w", p, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func expandPattern(pattern string) ([]string, error) {
	if !strings.ContainsAny(pattern, "*?[{") {
		return []string{pattern}, nil
	}

	base, glob := doublestar.SplitPattern(filepath.ToSlash(pattern))
	matches, err := doublestar.Glob(os.DirFS(base), glob)
	if err != nil {
		return nil, errs.NewConfigError("pattern", "invalid pattern %q: %v", pattern, err)
	}

	var paths []string
	for _, m := range matches {
		p := filepath.Join(base, filepath.FromSlash(m))
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// Download writes the file to dir (the configured download directory when
// empty) and returns its path. The output appears only once it is complete;
// an existing local file is never replaced.
func (s *Service) Download(ctx context.Context, id, dir string) (string, error) {
	rec, err := s.index.Get(id)
	if err != nil {
		return "", err
	}
	cfg := s.config.Config()
	if dir == "" {
		dir = cfg.DownloadDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".hookvault-*.part")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := s.engine.Download(ctx, rec, tmp, s.downloadOptions(rec)); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	target, err := linkUnique(tmp.Name(), dir, localName(rec), func(name string) bool {
		_, err := os.Lstat(filepath.Join(dir, name))
		return !errors.Is(err, fs.ErrNotExist)
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("file downloaded", zap.String("file_id", id), zap.String("path", target))
	return target, nil
}

// DownloadTo streams the file to w. Nothing is written unless every chunk
// was fetched and verified.
func (s *Service) DownloadTo(ctx context.Context, id string, w io.Writer) (*models.FileRecord, error) {
	rec, err := s.index.Get(id)
	if err != nil {
		return nil, err
	}
	if _, err := s.engine.Download(ctx, rec, w, s.downloadOptions(rec)); err != nil {
		return rec, err
	}
	return rec, nil
}

func (s *Service) downloadOptions(rec *models.FileRecord) transfer.Options {
	return transfer.Options{
		Concurrency: s.config.Config().Concurrency,
		OnChunk:     s.tracker(rec.Name, rec.Size),
	}
}

// linkUnique hard-links src into dir under name, or under the first " (n)"
// variant of it that is free. The link fails instead of replacing a file
// that appeared after exists was consulted.
func linkUnique(src, dir, name string, exists func(string) bool) (string, error) {
	lost := map[string]bool{}
	taken := func(n string) bool { return lost[n] || exists(n) }
	for {
		candidate := catalog.UniqueName(name, taken)
		target := filepath.Join(dir, candidate)
		err := os.Link(src, target)
		if err == nil {
			return target, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("failed to move download into place: %w", err)
		}
		lost[candidate] = true
	}
}

// localName strips directories from a catalog name so a download stays
// inside its directory.
func localName(rec *models.FileRecord) string {
	name := filepath.Base(filepath.FromSlash(rec.Name))
	if name == "." || name == string(filepath.Separator) || name == ".." {
		return rec.ID
	}
	return name
}

// Delete removes a record from the catalog. Remote chunks are not deleted.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.index.Delete(ctx, id)
}

// Export returns a snapshot of the catalog.
func (s *Service) Export() catalog.Snapshot {
	return s.index.Export()
}

// ExportFile writes the catalog to path (zstd when it ends in .zst).
func (s *Service) ExportFile(path string) (int, error) {
	snap := s.index.Export()
	if err := catalog.WriteSnapshotFile(path, snap); err != nil {
		return 0, err
	}
	return len(snap.Files), nil
}

// Import merges a snapshot into the catalog.
func (s *Service) Import(ctx context.Context, snap catalog.Snapshot) ([]*models.FileRecord, error) {
	return s.index.Import(ctx, snap)
}

// ImportFile merges a snapshot file, or a legacy cache file, into the catalog.
func (s *Service) ImportFile(ctx context.Context, path string) ([]*models.FileRecord, error) {
	snap, err := catalog.ReadSnapshotFile(path)
	if err != nil {
		return nil, err
	}
	return s.index.Import(ctx, snap)
}

// ShareExport publishes the catalog under key.
func (s *Service) ShareExport(ctx context.Context, key string) (int, error) {
	if s.share == nil {
		return 0, errs.NewConfigError("redis.addr", "catalog sharing is not configured")
	}
	snap := s.index.Export()
	if err := s.share.Publish(ctx, key, snap); err != nil {
		return 0, err
	}
	return len(snap.Files), nil
}

// ShareImport merges the catalog published under key.
func (s *Service) ShareImport(ctx context.Context, key string) ([]*models.FileRecord, error) {
	if s.share == nil {
		return nil, errs.NewConfigError("redis.addr", "catalog sharing is not configured")
	}
	snap, err := s.share.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.index.Import(ctx, snap)
}

// Endpoints returns the configured endpoints.
func (s *Service) Endpoints() []endpoint.Endpoint {
	return s.pool.Endpoints()
}

// AddEndpoint makes a new endpoint available to new transfers immediately
// and saves it to the config file. If the save fails the pool is restored.
func (s *Service) AddEndpoint(rawURL string) error {
	rawURL = strings.TrimSpace(rawURL)
	if err := s.pool.AddWithLimit(rawURL, s.config.Config().EndpointLimit); err != nil {
		return err
	}
	if err := s.config.AddWebhook(rawURL); err != nil {
		s.pool.Remove(rawURL)
		return err
	}
	s.logger.Info("endpoint added", zap.Int("endpoints", s.pool.Len()))
	return nil
}

// UpdateSetting changes one configuration key. chunk_size, concurrency and
// download_dir apply to the next operation; other keys on restart.
func (s *Service) UpdateSetting(key, value string) error {
	if strings.EqualFold(strings.TrimSpace(key), "webhooks") {
		return errs.NewConfigError("webhooks", "use AddEndpoint to add endpoints")
	}
	if err := s.config.Set(key, value); err != nil {
		return err
	}

	// a chunk size above the smallest endpoint limit would fail every upload
	cfg := s.config.Config()
	if min := s.pool.MinLimit(); min > 0 && cfg.ChunkSize > min {
		s.logger.Warn("chunk size exceeds an endpoint limit",
			zap.Int64("chunk_size", cfg.ChunkSize),
			zap.Int64("endpoint_limit", min),
		)
	}
	s.logger.Info("setting updated", zap.String("key", key))
	return nil
}

// Transfers returns recent upload and download operations.
func (s *Service) Transfers() []transfer.OperationStatus {
	return s.engine.Transfers()
}
