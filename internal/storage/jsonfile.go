package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/maneesh/hookvault/internal/catalog"
	"github.com/maneesh/hookvault/internal/models"
)

// DefaultCatalogPath is the catalog file used when none is configured.
const DefaultCatalogPath = "files_cache.json"

// JSONStore keeps the catalog in one snapshot file that is rewritten
// atomically on every change. A legacy cache file at the same path is
// converted to the current format on Load.
type JSONStore struct {
	mu      sync.Mutex
	path    string
	records map[string]models.FileRecord
	order   []string
}

// NewJSONStore creates a store for path.
func NewJSONStore(path string) *JSONStore {
	if path == "" {
		path = DefaultCatalogPath
	}
	return &JSONStore{path: path, records: map[string]models.FileRecord{}}
}

// Path returns the catalog file path.
func (js *JSONStore) Path() string {
	return js.path
}

// Load implements catalog.Store. A missing file is an empty catalog.
func (js *JSONStore) Load(ctx context.Context) ([]models.FileRecord, error) {
	js.mu.Lock()
	defer js.mu.Unlock()

	snap, err := catalog.ReadSnapshotFile(js.path)
	if errors.Is(err, fs.ErrNotExist) {
		snap = catalog.Snapshot{Version: catalog.SnapshotVersion}
	} else if err != nil {
		return nil, err
	}

	js.records = make(map[string]models.FileRecord, len(snap.Files))
	js.order = js.order[:0]
	for _, rec := range snap.Files {
		if _, dup := js.records[rec.ID]; !dup {
			js.order = append(js.order, rec.ID)
		}
		js.records[rec.ID] = rec
	}

	// legacy records are stamped at decode time; pin them on first load
	if snap.Legacy && len(js.order) > 0 {
		if err := catalog.WriteSnapshotFile(js.path, js.snapshot()); err != nil {
			return nil, fmt.Errorf("failed to convert legacy catalog: %w", err)
		}
	}
	return js.snapshot().Files, nil
}

// Put implements catalog.Store
func (js *JSONStore) Put(ctx context.Context, rec *models.FileRecord) error {
	js.mu.Lock()
	defer js.mu.Unlock()

	_, exists := js.records[rec.ID]
	prev := js.records[rec.ID]

	js.records[rec.ID] = *rec.Clone()
	if !exists {
		js.order = append(js.order, rec.ID)
	}

	if err := catalog.WriteSnapshotFile(js.path, js.snapshot()); err != nil {
		if exists {
			js.records[rec.ID] = prev
		} else {
			delete(js.records, rec.ID)
			js.order = js.order[:len(js.order)-1]
		}
		return err
	}
	return nil
}

// Delete implements catalog.Store
func (js *JSONStore) Delete(ctx context.Context, id string) error {
	js.mu.Lock()
	defer js.mu.Unlock()

	prev, ok := js.records[id]
	if !ok {
		return nil
	}
	prevOrder := append([]string(nil), js.order...)

	delete(js.records, id)
	for i, oid := range js.order {
		if oid == id {
			js.order = append(js.order[:i], js.order[i+1:]...)
			break
		}
	}

	if err := catalog.WriteSnapshotFile(js.path, js.snapshot()); err != nil {
		js.records[id] = prev
		js.order = prevOrder
		return err
	}
	return nil
}

func (js *JSONStore) snapshot() catalog.Snapshot {
	files := make([]models.FileRecord, 0, len(js.order))
	for _, id := range js.order {
		files = append(files, js.records[id])
	}
	return catalog.Snapshot{Version: catalog.SnapshotVersion, Files: files}
}
