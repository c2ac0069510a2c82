// Package transfer drives concurrent chunk uploads and downloads across the
// endpoint pool.
package transfer

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/maneesh/hookvault/internal/chunker"
	"github.com/maneesh/hookvault/internal/endpoint"
	"github.com/maneesh/hookvault/internal/errs"
	"github.com/maneesh/hookvault/internal/models"
	"github.com/maneesh/hookvault/internal/transport"
)

var tracer = otel.Tracer("hookvault-transfer")

// DefaultConcurrency is the number of chunk transfers in flight when the
// caller does not choose one.
const DefaultConcurrency = 5

// Config holds the retry policy for a single chunk.
type Config struct {
	// MaxAttempts per chunk, including the first one.
	MaxAttempts int
	// BaseDelay is the first backoff interval; it grows exponentially.
	BaseDelay time.Duration
	// MaxDelay caps a single backoff interval.
	MaxDelay time.Duration
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

// Options are per-operation transfer settings. ChunkSize applies to uploads
// only.
type Options struct {
	ChunkSize   int64
	Concurrency int
	// OnChunk is called from worker goroutines after each chunk is stored
	// or fetched.
	OnChunk func(ref models.ChunkRef)
}

// UploadResult is the ordered chunk list of a fully uploaded stream.
type UploadResult struct {
	Chunks []models.ChunkRef
	Size   int64
}

// Engine uploads and downloads chunked files.
type Engine struct {
	pool      *endpoint.Pool
	transport transport.Transport
	config    Config
	logger    *zap.Logger
	metrics   *Metrics
	tracker   *Tracker
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics enables prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracker replaces the default operation tracker.
func WithTracker(t *Tracker) Option {
	return func(e *Engine) { e.tracker = t }
}

// NewEngine creates a transfer engine.
func NewEngine(pool *endpoint.Pool, tr transport.Transport, config Config, opts ...Option) *Engine {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	e := &Engine{
		pool:      pool,
		transport: tr,
		config:    config,
		logger:    zap.NewNop(),
		tracker:   NewTracker(DefaultTrackerLimit),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Transfers returns the state of recent operations, oldest first.
func (e *Engine) Transfers() []OperationStatus {
	return e.tracker.List()
}

// ChunkName is the remote object name of a chunk.
func ChunkName(fileID string, index int) string {
	return fmt.Sprintf("%s.%d", fileID, index)
}

// Upload splits r into chunks and stores them concurrently. The returned
// chunk list is sorted by index. On failure the chunks already stored are
// abandoned and nothing is returned.
func (e *Engine) Upload(ctx context.Context, r io.Reader, fileID string, opts Options) (*UploadResult, error) {
	op := e.tracker.Begin(KindUpload, fileID)

	ctx, span := tracer.Start(ctx, "upload_file",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
			attribute.Int64("chunk_size", opts.ChunkSize),
		),
	)
	defer span.End()

	result, err := e.upload(ctx, op, r, fileID, opts)
	if err != nil {
		span.RecordError(err)
		op.fail(err)
		e.logger.Error("upload failed", zap.String("file_id", fileID), zap.Error(err))
		return nil, err
	}

	op.complete()
	span.SetAttributes(
		attribute.Int64("file_size", result.Size),
		attribute.Int("chunk_count", len(result.Chunks)),
	)
	e.logger.Info("upload completed",
		zap.String("file_id", fileID),
		zap.Int64("size", result.Size),
		zap.Int("chunks", len(result.Chunks)),
	)
	return result, nil
}

func (e *Engine) upload(ctx context.Context, op *Operation, r io.Reader, fileID string, opts Options) (*UploadResult, error) {
	if e.pool.Len() == 0 {
		return nil, errs.NewConfigError("webhooks", "no endpoints configured")
	}
	c, err := chunker.NewChunker(opts.ChunkSize)
	if err != nil {
		return nil, err
	}
	if limit := e.pool.MinLimit(); opts.ChunkSize > limit {
		return nil, errs.NewConfigError("chunk_size", "%d exceeds the smallest endpoint limit %d", opts.ChunkSize, limit)
	}

	op.start()
	e.metrics.operationStarted()
	defer e.metrics.operationFinished()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency(opts.Concurrency))

	// workers finish out of order; refs are gathered here and sorted once
	results := make(chan models.ChunkRef)
	collected := make(chan []models.ChunkRef, 1)
	go func() {
		var refs []models.ChunkRef
		for ref := range results {
			refs = append(refs, ref)
		}
		collected <- refs
	}()

	splitter := c.Split(r)
	for gctx.Err() == nil && splitter.Next() {
		chunk := splitter.Chunk()
		g.Go(func() error {
			ref, err := e.uploadChunk(gctx, fileID, chunk)
			if err != nil {
				return err
			}
			op.chunkDone(ref.Size)
			results <- ref
			if opts.OnChunk != nil {
				opts.OnChunk(ref)
			}
			return nil
		})
	}

	waitErr := g.Wait()
	close(results)
	refs := <-collected

	if waitErr != nil {
		return nil, waitErr
	}
	if err := splitter.Err(); err != nil {
		return nil, &errs.UploadError{Index: -1, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, &errs.UploadError{Index: -1, Err: err}
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].Index < refs[j].Index })

	check := models.FileRecord{ID: fileID, Size: splitter.Total(), ChunkSize: opts.ChunkSize, Chunks: refs}
	if err := check.Validate(); err != nil {
		return nil, err
	}
	if len(refs) != splitter.Count() {
		return nil, errs.NewIntegrityError(-1, "stored %d chunks, produced %d", len(refs), splitter.Count())
	}

	return &UploadResult{Chunks: refs, Size: splitter.Total()}, nil
}

func (e *Engine) uploadChunk(ctx context.Context, fileID string, chunk *models.ChunkData) (models.ChunkRef, error) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("upload_chunk_%d", chunk.Index),
		trace.WithAttributes(
			attribute.Int("chunk_index", chunk.Index),
			attribute.Int64("chunk_size", chunk.Size()),
		),
	)
	defer span.End()

	name := ChunkName(fileID, chunk.Index)
	start := time.Now()
	attempts := 0

	ref, err := backoff.RetryNotifyWithData(func() (models.ChunkRef, error) {
		attempts++
		if err := ctx.Err(); err != nil {
			return models.ChunkRef{}, backoff.Permanent(err)
		}

		// each attempt takes the next endpoint, so one failing endpoint
		// does not pin the chunk
		ep, err := e.pool.Acquire()
		if err != nil {
			return models.ChunkRef{}, backoff.Permanent(err)
		}

		receipt, err := e.transport.Upload(ctx, ep.URL, name, chunk.Data)
		if err != nil {
			return models.ChunkRef{}, retryable(err)
		}
		if receipt.Size != chunk.Size() {
			return models.ChunkRef{}, &errs.TransportError{
				Op: "upload", URL: ep.URL, Transient: true,
				Err: fmt.Errorf("endpoint stored %d bytes, sent %d", receipt.Size, chunk.Size()),
			}
		}

		return models.ChunkRef{
			Index:   chunk.Index,
			Locator: receipt.Locator,
			Size:    chunk.Size(),
			Hash:    chunk.Hash,
		}, nil
	}, e.newBackOff(ctx), func(err error, wait time.Duration) {
		e.metrics.retried(directionUpload)
		e.logger.Warn("chunk upload failed, retrying",
			zap.Int("chunk", chunk.Index),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	})

	if err != nil {
		span.RecordError(err)
		e.metrics.observeChunk(directionUpload, statusFailed, 0, time.Since(start))
		return models.ChunkRef{}, &errs.UploadError{Index: chunk.Index, Attempts: attempts, Err: err}
	}

	e.metrics.observeChunk(directionUpload, statusOK, ref.Size, time.Since(start))
	span.SetAttributes(attribute.Bool("upload_success", true))
	return ref, nil
}

// Download fetches every chunk of rec concurrently and writes the reassembled
// file to w. Nothing is written unless every chunk was fetched and verified.
func (e *Engine) Download(ctx context.Context, rec *models.FileRecord, w io.Writer, opts Options) (int64, error) {
	op := e.tracker.Begin(KindDownload, rec.ID)

	ctx, span := tracer.Start(ctx, "download_file",
		trace.WithAttributes(
			attribute.String("file_id", rec.ID),
			attribute.Int64("file_size", rec.Size),
			attribute.Int("chunk_count", len(rec.Chunks)),
		),
	)
	defer span.End()

	n, err := e.download(ctx, op, rec, w, opts)
	if err != nil {
		span.RecordError(err)
		op.fail(err)
		e.logger.Error("download failed", zap.String("file_id", rec.ID), zap.Error(err))
		return n, err
	}

	op.complete()
	e.logger.Info("download completed", zap.String("file_id", rec.ID), zap.Int64("size", n))
	return n, nil
}

func (e *Engine) download(ctx context.Context, op *Operation, rec *models.FileRecord, w io.Writer, opts Options) (int64, error) {
	if err := rec.Validate(); err != nil {
		return 0, err
	}

	op.start()
	e.metrics.operationStarted()
	defer e.metrics.operationFinished()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency(opts.Concurrency))

	results := make(chan chunker.Part, len(rec.Chunks))
	for _, ref := range rec.Chunks {
		if gctx.Err() != nil {
			break
		}
		ref := ref
		g.Go(func() error {
			data, err := e.downloadChunk(gctx, ref)
			if err != nil {
				return err
			}
			op.chunkDone(int64(len(data)))
			results <- chunker.Part{Index: ref.Index, Data: data}
			if opts.OnChunk != nil {
				opts.OnChunk(ref)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}
	close(results)
	if err := ctx.Err(); err != nil {
		return 0, &errs.DownloadError{Index: -1, Err: err}
	}

	parts := make([]chunker.Part, 0, len(rec.Chunks))
	for p := range results {
		parts = append(parts, p)
	}

	n, err := chunker.Reassemble(w, rec.Chunks, parts)
	if err != nil {
		return n, err
	}
	if n != rec.Size {
		return n, errs.NewIntegrityError(-1, "reassembled %d bytes, expected %d", n, rec.Size)
	}
	return n, nil
}

func (e *Engine) downloadChunk(ctx context.Context, ref models.ChunkRef) ([]byte, error) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("download_chunk_%d", ref.Index),
		trace.WithAttributes(
			attribute.Int("chunk_index", ref.Index),
			attribute.Int64("chunk_size", ref.Size),
		),
	)
	defer span.End()

	start := time.Now()
	attempts := 0

	data, err := backoff.RetryNotifyWithData(func() ([]byte, error) {
		attempts++
		if err := ctx.Err(); err != nil {
			return nil, backoff.Permanent(err)
		}
		data, err := e.transport.Download(ctx, ref.Locator)
		if err != nil {
			return nil, retryable(err)
		}
		return data, nil
	}, e.newBackOff(ctx), func(err error, wait time.Duration) {
		e.metrics.retried(directionDownload)
		e.logger.Warn("chunk download failed, retrying",
			zap.Int("chunk", ref.Index),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	})

	if err != nil {
		span.RecordError(err)
		e.metrics.observeChunk(directionDownload, statusFailed, 0, time.Since(start))
		return nil, &errs.DownloadError{Index: ref.Index, Locator: ref.Locator, Attempts: attempts, Err: err}
	}

	e.metrics.observeChunk(directionDownload, statusOK, int64(len(data)), time.Since(start))
	span.SetAttributes(attribute.Bool("download_success", true))
	return data, nil
}

func (e *Engine) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.config.BaseDelay
	if e.config.MaxDelay > 0 {
		b.MaxInterval = e.config.MaxDelay
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.config.MaxAttempts-1)), ctx)
}

// retryable marks everything except transient transport errors as permanent.
func retryable(err error) error {
	if errs.IsTransient(err) {
		return err
	}
	return backoff.Permanent(err)
}

func concurrency(n int) int {
	if n <= 0 {
		return DefaultConcurrency
	}
	return n
}
