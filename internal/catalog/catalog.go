// Package catalog is the file index: it maps file ids and display names to
// chunk lists and keeps them persisted through a Store.
package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maneesh/hookvault/internal/errs"
	"github.com/maneesh/hookvault/internal/models"
)

// Store persists catalog records. Put must be durable when it returns.
type Store interface {
	Load(ctx context.Context) ([]models.FileRecord, error)
	Put(ctx context.Context, rec *models.FileRecord) error
	Delete(ctx context.Context, id string) error
}

// Index is safe for concurrent use. Lookups by id and name checks are O(1);
// List preserves insertion order.
type Index struct {
	mu      sync.RWMutex
	records map[string]*models.FileRecord
	names   map[string]string
	order   []string

	store     Store
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the index logger.
func WithLogger(logger *zap.Logger) Option {
	return func(ix *Index) { ix.logger = logger }
}

// WithPublisher emits catalog events after each committed change.
func WithPublisher(p Publisher) Option {
	return func(ix *Index) { ix.publisher = p }
}

// NewIndex creates an empty index backed by store. Call Load to read the
// persisted records.
func NewIndex(store Store, opts ...Option) *Index {
	ix := &Index{
		records:   make(map[string]*models.FileRecord),
		names:     make(map[string]string),
		store:     store,
		publisher: NopPublisher{},
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// NewID returns a fresh file id.
func NewID() string {
	return uuid.NewString()
}

// Load replaces the in-memory index with the store's records. Invalid
// records are skipped. Duplicate names are suffixed and the renamed records
// written back, so a name stays stable across restarts.
func (ix *Index) Load(ctx context.Context) error {
	recs, err := ix.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.records = make(map[string]*models.FileRecord, len(recs))
	ix.names = make(map[string]string, len(recs))
	ix.order = ix.order[:0]

	var changed []*models.FileRecord
	for i := range recs {
		rec := recs[i].Clone()
		if err := rec.Validate(); err != nil {
			ix.logger.Warn("skipping invalid catalog record", zap.String("file_id", rec.ID), zap.Error(err))
			continue
		}
		if _, dup := ix.records[rec.ID]; dup {
			ix.logger.Warn("skipping duplicate catalog id", zap.String("file_id", rec.ID))
			continue
		}
		if _, taken := ix.names[rec.Name]; taken {
			rec.Name = UniqueName(rec.Name, ix.nameTaken)
		}
		ix.insert(rec)
		if !rec.Equal(&recs[i]) {
			changed = append(changed, rec)
		}
	}

	for _, rec := range changed {
		if err := ix.store.Put(ctx, rec); err != nil {
			// the in-memory name still holds for this run
			ix.logger.Warn("failed to persist renamed record", zap.String("file_id", rec.ID), zap.Error(err))
			continue
		}
		ix.logger.Info("renamed duplicate catalog name", zap.String("file_id", rec.ID), zap.String("name", rec.Name))
	}

	ix.logger.Info("catalog loaded", zap.Int("files", len(ix.order)))
	return nil
}

// Create registers a completed upload under a fresh id.
func (ix *Index) Create(ctx context.Context, name string, chunks []models.ChunkRef, size, chunkSize int64) (*models.FileRecord, error) {
	return ix.CreateWithID(ctx, NewID(), name, chunks, size, chunkSize)
}

// CreateWithID registers a completed upload under id, which must be unused.
// The display name is suffixed until unique. The record is persisted before
// it becomes visible; on store failure nothing changes.
func (ix *Index) CreateWithID(ctx context.Context, id, name string, chunks []models.ChunkRef, size, chunkSize int64) (*models.FileRecord, error) {
	if name == "" {
		return nil, errs.NewConfigError("name", "must not be empty")
	}

	rec := &models.FileRecord{
		ID:        id,
		Name:      name,
		Size:      size,
		ChunkSize: chunkSize,
		CreatedAt: ix.now().UTC(),
		Chunks:    append([]models.ChunkRef(nil), chunks...),
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	ix.mu.Lock()
	if _, exists := ix.records[id]; exists {
		ix.mu.Unlock()
		return nil, fmt.Errorf("file id %s already exists", id)
	}
	rec.Name = UniqueName(name, ix.nameTaken)

	if err := ix.store.Put(ctx, rec); err != nil {
		ix.mu.Unlock()
		return nil, fmt.Errorf("failed to persist file record: %w", err)
	}
	ix.insert(rec)
	ix.mu.Unlock()

	ix.logger.Info("file record created",
		zap.String("file_id", rec.ID),
		zap.String("name", rec.Name),
		zap.Int64("size", rec.Size),
		zap.Int("chunks", len(rec.Chunks)),
	)
	ix.publish(ctx, EventFileCreated, rec)
	return rec.Clone(), nil
}

// Get returns a copy of the record with the given id.
func (ix *Index) Get(id string) (*models.FileRecord, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	rec, ok := ix.records[id]
	if !ok {
		return nil, &errs.NotFoundError{ID: id}
	}
	return rec.Clone(), nil
}

// List returns copies of all records in insertion order.
func (ix *Index) List() []*models.FileRecord {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]*models.FileRecord, 0, len(ix.order))
	for _, id := range ix.order {
		out = append(out, ix.records[id].Clone())
	}
	return out
}

// Len returns the number of records.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.order)
}

// Delete removes a record from the catalog. Remote chunks are left alone.
func (ix *Index) Delete(ctx context.Context, id string) error {
	ix.mu.Lock()
	rec, ok := ix.records[id]
	if !ok {
		ix.mu.Unlock()
		return &errs.NotFoundError{ID: id}
	}
	if err := ix.store.Delete(ctx, id); err != nil {
		ix.mu.Unlock()
		return fmt.Errorf("failed to delete file record: %w", err)
	}

	delete(ix.records, id)
	delete(ix.names, rec.Name)
	for i, oid := range ix.order {
		if oid == id {
			ix.order = append(ix.order[:i], ix.order[i+1:]...)
			break
		}
	}
	ix.mu.Unlock()

	ix.logger.Info("file record deleted", zap.String("file_id", id), zap.String("name", rec.Name))
	ix.publish(ctx, EventFileDeleted, rec)
	return nil
}

// Export returns a snapshot of every record in insertion order.
func (ix *Index) Export() Snapshot {
	recs := ix.List()
	files := make([]models.FileRecord, len(recs))
	for i, rec := range recs {
		files[i] = *rec
	}
	return Snapshot{Version: SnapshotVersion, Files: files}
}

// Import merges a snapshot into the catalog and returns the records added.
// Records are committed one at a time; on a store failure the records added
// before it stay in the catalog.
func (ix *Index) Import(ctx context.Context, snap Snapshot) ([]*models.FileRecord, error) {
	ix.mu.Lock()

	existing := make([]models.FileRecord, 0, len(ix.order))
	for _, id := range ix.order {
		existing = append(existing, *ix.records[id])
	}
	result := Merge(existing, snap.Files)

	added := make([]*models.FileRecord, 0, len(result.Added))
	var importErr error
	for i := range result.Added {
		rec := result.Added[i].Clone()
		if err := ix.store.Put(ctx, rec); err != nil {
			importErr = fmt.Errorf("failed to persist imported record %s: %w", rec.ID, err)
			break
		}
		ix.insert(rec)
		added = append(added, rec.Clone())
	}
	ix.mu.Unlock()

	for _, r := range result.Rejected {
		ix.logger.Warn("rejected imported record", zap.String("file_id", r.ID), zap.Error(r.Err))
	}
	ix.logger.Info("catalog import finished",
		zap.Int("added", len(added)),
		zap.Int("skipped", len(result.Skipped)),
		zap.Int("renamed", len(result.Renamed)),
		zap.Int("rejected", len(result.Rejected)),
	)
	for _, rec := range added {
		ix.publish(ctx, EventFileImported, rec)
	}
	return added, importErr
}

func (ix *Index) insert(rec *models.FileRecord) {
	ix.records[rec.ID] = rec
	ix.names[rec.Name] = rec.ID
	ix.order = append(ix.order, rec.ID)
}

func (ix *Index) nameTaken(name string) bool {
	_, ok := ix.names[name]
	return ok
}

// publish is best effort: the change is already committed.
func (ix *Index) publish(ctx context.Context, typ EventType, rec *models.FileRecord) {
	ev := NewEvent(typ, rec, ix.now())
	if err := ix.publisher.Publish(ctx, ev); err != nil {
		ix.logger.Warn("failed to publish catalog event",
			zap.String("event", string(typ)),
			zap.String("file_id", rec.ID),
			zap.Error(err),
		)
	}
}
