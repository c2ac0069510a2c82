package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maneesh/hookvault/internal/errs"
	"github.com/maneesh/hookvault/internal/models"
)

type memStore struct {
	mu      sync.Mutex
	recs    map[string]models.FileRecord
	order   []string
	failPut error
}

func newMemStore(recs ...models.FileRecord) *memStore {
	s := &memStore{recs: map[string]models.FileRecord{}}
	for _, r := range recs {
		s.recs[r.ID] = r
		s.order = append(s.order, r.ID)
	}
	return s
}

func (s *memStore) Load(ctx context.Context) ([]models.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.FileRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.recs[id])
	}
	return out, nil
}

func (s *memStore) Put(ctx context.Context, rec *models.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut != nil {
		return s.failPut
	}
	if _, ok := s.recs[rec.ID]; !ok {
		s.order = append(s.order, rec.ID)
	}
	s.recs[rec.ID] = *rec.Clone()
	return nil
}

func (s *memStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(ctx context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func refs(sizes ...int64) []models.ChunkRef {
	out := make([]models.ChunkRef, len(sizes))
	for i, s := range sizes {
		out[i] = models.ChunkRef{Index: i, Locator: "https://cdn.test/" + string(rune('a'+i)), Size: s}
	}
	return out
}

func TestCreateGetList(t *testing.T) {
	ix := NewIndex(newMemStore())
	ctx := context.Background()

	a, err := ix.Create(ctx, "a.txt", refs(10, 5), 15, 10)
	require.NoError(t, err)
	b, err := ix.Create(ctx, "b.txt", refs(3), 3, 10)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.CreatedAt.IsZero())

	got, err := ix.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", got.Name)
	assert.Equal(t, int64(15), got.Size)

	list := ix.List()
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)

	_, err = ix.Get("missing")
	assert.True(t, errs.IsNotFound(err))
}

func TestCreateResolvesNameCollisions(t *testing.T) {
	ix := NewIndex(newMemStore())
	ctx := context.Background()

	var names []string
	for i := 0; i < 3; i++ {
		rec, err := ix.Create(ctx, "a.txt", refs(1), 1, 10)
		require.NoError(t, err)
		names = append(names, rec.Name)
	}
	assert.Equal(t, []string{"a.txt", "a (1).txt", "a (2).txt"}, names)

	upper, err := ix.Create(ctx, "A.txt", refs(1), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, "A.txt", upper.Name)
}

func TestCreateRejectsInvalidRecord(t *testing.T) {
	ix := NewIndex(newMemStore())

	_, err := ix.Create(context.Background(), "a.txt", refs(10, 5), 16, 10)
	assert.True(t, errs.IsIntegrity(err))

	_, err = ix.Create(context.Background(), "", refs(1), 1, 10)
	assert.True(t, errs.IsConfig(err))
	assert.Equal(t, 0, ix.Len())
}

func TestCreateIsInvisibleWhenStoreFails(t *testing.T) {
	store := newMemStore()
	store.failPut = errors.New("disk full")
	ix := NewIndex(store)

	_, err := ix.Create(context.Background(), "a.txt", refs(1), 1, 10)
	require.Error(t, err)
	assert.Equal(t, 0, ix.Len())

	store.failPut = nil
	rec, err := ix.Create(context.Background(), "a.txt", refs(1), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", rec.Name, "failed create must not reserve the name")
}

func TestCreateWithIDRejectsDuplicateID(t *testing.T) {
	ix := NewIndex(newMemStore())
	_, err := ix.CreateWithID(context.Background(), "id-1", "a", refs(1), 1, 10)
	require.NoError(t, err)
	_, err = ix.CreateWithID(context.Background(), "id-1", "b", refs(1), 1, 10)
	assert.Error(t, err)
}

func TestDelete(t *testing.T) {
	store := newMemStore()
	pub := &recordingPublisher{}
	ix := NewIndex(store, WithPublisher(pub))
	ctx := context.Background()

	rec, err := ix.Create(ctx, "a.txt", refs(1), 1, 10)
	require.NoError(t, err)
	require.NoError(t, ix.Delete(ctx, rec.ID))

	_, err = ix.Get(rec.ID)
	assert.True(t, errs.IsNotFound(err))
	assert.True(t, errs.IsNotFound(ix.Delete(ctx, rec.ID)))
	assert.Empty(t, store.recs)

	again, err := ix.Create(ctx, "a.txt", refs(1), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", again.Name)

	require.Len(t, pub.events, 3)
	assert.Equal(t, EventFileCreated, pub.events[0].Type)
	assert.Equal(t, EventFileDeleted, pub.events[1].Type)
	assert.Equal(t, rec.ID, pub.events[1].FileID)
}

func TestLoadSkipsInvalidRecords(t *testing.T) {
	good := models.FileRecord{ID: "1", Name: "a", Size: 1, ChunkSize: 10, Chunks: refs(1)}
	bad := models.FileRecord{ID: "2", Name: "b", Size: 99, ChunkSize: 10, Chunks: refs(1)}
	dupName := models.FileRecord{ID: "3", Name: "a", Size: 1, ChunkSize: 10, Chunks: refs(1)}

	ix := NewIndex(newMemStore(good, bad, dupName))
	require.NoError(t, ix.Load(context.Background()))

	list := ix.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name)
	assert.Equal(t, "a (1)", list[1].Name)
}

func TestLoadPersistsRenamedDuplicates(t *testing.T) {
	first := models.FileRecord{ID: "1", Name: "a", Size: 1, ChunkSize: 10, Chunks: refs(1)}
	second := models.FileRecord{ID: "2", Name: "a", Size: 1, ChunkSize: 10, Chunks: refs(1)}
	store := newMemStore(first, second)

	require.NoError(t, NewIndex(store).Load(context.Background()))
	stored, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "a", stored[0].Name)
	assert.Equal(t, "a (1)", stored[1].Name, "renamed record written back in place")

	// a restart sees the same names and writes nothing
	store.failPut = errors.New("read only")
	reloaded := NewIndex(store)
	require.NoError(t, reloaded.Load(context.Background()))
	got, err := reloaded.Get("2")
	require.NoError(t, err)
	assert.Equal(t, "a (1)", got.Name)
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := NewIndex(newMemStore())
	_, err := src.Create(ctx, "a.txt", refs(10, 2), 12, 10)
	require.NoError(t, err)
	_, err = src.Create(ctx, "b.txt", refs(0), 0, 10)
	require.NoError(t, err)

	pub := &recordingPublisher{}
	dst := NewIndex(newMemStore(), WithPublisher(pub))
	added, err := dst.Import(ctx, src.Export())
	require.NoError(t, err)
	require.Len(t, added, 2)

	for i, rec := range src.List() {
		assert.True(t, rec.Equal(dst.List()[i]))
	}
	assert.Len(t, pub.events, 2)
	assert.Equal(t, EventFileImported, pub.events[0].Type)

	// re-importing the same snapshot is a no-op
	added, err = dst.Import(ctx, src.Export())
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Equal(t, 2, dst.Len())
}

func TestImportNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	ix := NewIndex(newMemStore())
	mine, err := ix.CreateWithID(ctx, "shared-id", "report.pdf", refs(4), 4, 10)
	require.NoError(t, err)

	theirs := models.FileRecord{ID: "shared-id", Name: "report.pdf", Size: 7, ChunkSize: 10, Chunks: refs(7)}
	added, err := ix.Import(ctx, Snapshot{Version: SnapshotVersion, Files: []models.FileRecord{theirs}})
	require.NoError(t, err)
	require.Len(t, added, 1)

	assert.NotEqual(t, "shared-id", added[0].ID)
	assert.Equal(t, "report (1).pdf", added[0].Name)

	kept, err := ix.Get("shared-id")
	require.NoError(t, err)
	assert.True(t, mine.Equal(kept))
}

func TestImportStopsAtStoreFailure(t *testing.T) {
	store := newMemStore()
	ix := NewIndex(store)
	store.failPut = errors.New("unavailable")

	snap := Snapshot{Version: SnapshotVersion, Files: []models.FileRecord{
		{ID: "1", Name: "a", Size: 1, ChunkSize: 10, Chunks: refs(1)},
	}}
	added, err := ix.Import(context.Background(), snap)
	require.Error(t, err)
	assert.Empty(t, added)
	assert.Equal(t, 0, ix.Len())
}
