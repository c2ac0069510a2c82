package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	mrand "math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maneesh/hookvault/internal/endpoint"
	"github.com/maneesh/hookvault/internal/errs"
	"github.com/maneesh/hookvault/internal/models"
	"github.com/maneesh/hookvault/internal/transport"
)

// memTransport stores chunks in memory and records which endpoint took each
// upload attempt.
type memTransport struct {
	mu          sync.Mutex
	objects     map[string][]byte
	perEndpoint map[string]int
	attempts    map[string]int
	jitter      bool

	// failUpload may return an error for a given attempt (1-based).
	failUpload   func(endpointURL, name string, attempt int) error
	failDownload func(locator string) error
	blockUpload  chan struct{}
}

func newMemTransport() *memTransport {
	return &memTransport{
		objects:     map[string][]byte{},
		perEndpoint: map[string]int{},
		attempts:    map[string]int{},
	}
}

func (m *memTransport) Upload(ctx context.Context, endpointURL, name string, payload []byte) (transport.Receipt, error) {
	m.mu.Lock()
	m.perEndpoint[endpointURL]++
	m.attempts[name]++
	attempt := m.attempts[name]
	m.mu.Unlock()

	if m.blockUpload != nil {
		select {
		case m.blockUpload <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return transport.Receipt{}, ctx.Err()
	}
	m.sleep()

	if m.failUpload != nil {
		if err := m.failUpload(endpointURL, name, attempt); err != nil {
			return transport.Receipt{}, err
		}
	}

	locator := endpointURL + "/attachments/" + name
	m.mu.Lock()
	m.objects[locator] = append([]byte(nil), payload...)
	m.mu.Unlock()
	return transport.Receipt{Locator: locator, Size: int64(len(payload))}, nil
}

func (m *memTransport) Download(ctx context.Context, locator string) ([]byte, error) {
	m.sleep()
	if m.failDownload != nil {
		if err := m.failDownload(locator); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[locator]
	if !ok {
		return nil, &errs.TransportError{Op: "download", URL: locator, StatusCode: 404, Err: errors.New("gone")}
	}
	return append([]byte(nil), data...), nil
}

func (m *memTransport) sleep() {
	if m.jitter {
		time.Sleep(time.Duration(mrand.Intn(5)) * time.Millisecond)
	}
}

func newTestPool(t *testing.T, n int) *endpoint.Pool {
	t.Helper()
	urls := make([]string, n)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://hooks.test/api/webhooks/%d/token", i)
	}
	pool, err := endpoint.NewPool(0, urls...)
	require.NoError(t, err)
	return pool
}

func testConfig() Config {
	return Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	mt := newMemTransport()
	mt.jitter = true
	engine := NewEngine(newTestPool(t, 3), mt, testConfig())

	data := randomBytes(t, 2500)
	result, err := engine.Upload(context.Background(), bytes.NewReader(data), "f1", Options{ChunkSize: 1000})
	require.NoError(t, err)

	assert.Equal(t, int64(2500), result.Size)
	require.Len(t, result.Chunks, 3)
	for i, c := range result.Chunks {
		assert.Equal(t, i, c.Index)
		assert.NotEmpty(t, c.Hash)
	}
	assert.Equal(t, int64(500), result.Chunks[2].Size)

	rec := recordFrom("f1", 1000, result)
	var out bytes.Buffer
	n, err := engine.Download(context.Background(), rec, &out, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(2500), n)
	assert.Equal(t, data, out.Bytes())
}

func TestUploadSixtyMegabytesInThreeChunks(t *testing.T) {
	mt := newMemTransport()
	engine := NewEngine(newTestPool(t, 2), mt, testConfig())

	data := make([]byte, 60_000_000)
	result, err := engine.Upload(context.Background(), bytes.NewReader(data), "big", Options{ChunkSize: 24_000_000})
	require.NoError(t, err)

	require.Len(t, result.Chunks, 3)
	assert.Equal(t, int64(24_000_000), result.Chunks[0].Size)
	assert.Equal(t, int64(24_000_000), result.Chunks[1].Size)
	assert.Equal(t, int64(12_000_000), result.Chunks[2].Size)
}

func TestUploadEmptyStream(t *testing.T) {
	mt := newMemTransport()
	engine := NewEngine(newTestPool(t, 1), mt, testConfig())

	result, err := engine.Upload(context.Background(), bytes.NewReader(nil), "empty", Options{ChunkSize: 1000})
	require.NoError(t, err)
	require.Len(t, result.Chunks, 1)
	assert.Equal(t, int64(0), result.Size)
	assert.Equal(t, int64(0), result.Chunks[0].Size)

	var out bytes.Buffer
	n, err := engine.Download(context.Background(), recordFrom("empty", 1000, result), &out, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.Empty(t, out.Bytes())
}

func TestUploadSpreadsChunksRoundRobin(t *testing.T) {
	mt := newMemTransport()
	mt.jitter = true
	engine := NewEngine(newTestPool(t, 4), mt, testConfig())

	_, err := engine.Upload(context.Background(), bytes.NewReader(randomBytes(t, 40*100)), "rr", Options{ChunkSize: 100, Concurrency: 8})
	require.NoError(t, err)

	require.Len(t, mt.perEndpoint, 4)
	for ep, n := range mt.perEndpoint {
		assert.Equal(t, 10, n, ep)
	}
}

func TestUploadRetriesOnNextEndpoint(t *testing.T) {
	mt := newMemTransport()
	mt.failUpload = func(endpointURL, name string, attempt int) error {
		if attempt == 1 {
			return &errs.TransportError{Op: "upload", URL: endpointURL, StatusCode: 503, Transient: true, Err: errors.New("unavailable")}
		}
		return nil
	}
	reg := prometheus.NewRegistry()
	metrics := MustNewMetrics(reg)
	engine := NewEngine(newTestPool(t, 2), mt, testConfig(), WithMetrics(metrics))

	result, err := engine.Upload(context.Background(), strings.NewReader("payload"), "retry", Options{ChunkSize: 1000, Concurrency: 1})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(result.Chunks[0].Locator, "https://hooks.test/api/webhooks/1/"))
	assert.Equal(t, 1, mt.perEndpoint["https://hooks.test/api/webhooks/0/token"])
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.retries.WithLabelValues(directionUpload)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.chunks.WithLabelValues(directionUpload, statusOK)))
}

func TestUploadPermanentErrorFailsImmediately(t *testing.T) {
	mt := newMemTransport()
	mt.failUpload = func(endpointURL, name string, attempt int) error {
		if name == "perm.1" {
			return &errs.TransportError{Op: "upload", URL: endpointURL, StatusCode: 413, Err: errors.New("too large")}
		}
		return nil
	}
	engine := NewEngine(newTestPool(t, 2), mt, testConfig())

	result, err := engine.Upload(context.Background(), bytes.NewReader(randomBytes(t, 300)), "perm", Options{ChunkSize: 100, Concurrency: 1})
	require.Error(t, err)
	assert.Nil(t, result)

	var ue *errs.UploadError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, 1, ue.Index)
	assert.Equal(t, 1, ue.Attempts)
	assert.False(t, errs.IsTransient(err))
}

func TestUploadGivesUpAfterMaxAttempts(t *testing.T) {
	mt := newMemTransport()
	mt.failUpload = func(endpointURL, name string, attempt int) error {
		return &errs.TransportError{Op: "upload", URL: endpointURL, StatusCode: 429, Transient: true, Err: errors.New("rate limited")}
	}
	engine := NewEngine(newTestPool(t, 3), mt, testConfig())

	_, err := engine.Upload(context.Background(), strings.NewReader("x"), "flaky", Options{ChunkSize: 10})
	var ue *errs.UploadError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, 0, ue.Index)
	assert.Equal(t, 3, ue.Attempts)
	assert.Equal(t, 3, mt.attempts["flaky.0"])
}

func TestUploadRejectsBadConfiguration(t *testing.T) {
	mt := newMemTransport()

	empty, err := endpoint.NewPool(0)
	require.NoError(t, err)
	_, err = NewEngine(empty, mt, testConfig()).Upload(context.Background(), strings.NewReader("x"), "a", Options{ChunkSize: 10})
	assert.True(t, errs.IsConfig(err))

	engine := NewEngine(newTestPool(t, 1), mt, testConfig())
	_, err = engine.Upload(context.Background(), strings.NewReader("x"), "b", Options{ChunkSize: 0})
	assert.True(t, errs.IsConfig(err))

	_, err = engine.Upload(context.Background(), strings.NewReader("x"), "c", Options{ChunkSize: endpoint.DefaultMaxObjectSize + 1})
	assert.True(t, errs.IsConfig(err))

	assert.Empty(t, mt.perEndpoint)
}

func TestUploadReportsChunksAsTheyFinish(t *testing.T) {
	mt := newMemTransport()
	engine := NewEngine(newTestPool(t, 2), mt, testConfig())

	var mu sync.Mutex
	seen := map[int]bool{}
	_, err := engine.Upload(context.Background(), bytes.NewReader(randomBytes(t, 450)), "cb", Options{
		ChunkSize: 100,
		OnChunk: func(ref models.ChunkRef) {
			mu.Lock()
			seen[ref.Index] = true
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	assert.Len(t, seen, 5)
}

func TestUploadCancellation(t *testing.T) {
	mt := newMemTransport()
	mt.blockUpload = make(chan struct{}, 1)
	engine := NewEngine(newTestPool(t, 2), mt, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-mt.blockUpload
		cancel()
	}()

	_, err := engine.Upload(ctx, bytes.NewReader(randomBytes(t, 1000)), "cancel", Options{ChunkSize: 100, Concurrency: 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// dispatch stopped well before all ten chunks were attempted
	mt.mu.Lock()
	defer mt.mu.Unlock()
	assert.Less(t, len(mt.attempts), 10)
}

// gaugeTransport tracks how many transfers are inside the transport at once.
type gaugeTransport struct {
	*memTransport
	hold     time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
	failName string
}

func (g *gaugeTransport) enter() {
	n := g.inFlight.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (g *gaugeTransport) Upload(ctx context.Context, endpointURL, name string, payload []byte) (transport.Receipt, error) {
	g.enter()
	defer g.inFlight.Add(-1)
	// ignores ctx so a cancelled upload still takes its full time
	time.Sleep(g.hold)
	if name == g.failName {
		return transport.Receipt{}, &errs.TransportError{Op: "upload", URL: endpointURL, StatusCode: 400, Err: errors.New("rejected")}
	}
	return g.memTransport.Upload(ctx, endpointURL, name, payload)
}

func (g *gaugeTransport) Download(ctx context.Context, locator string) ([]byte, error) {
	g.enter()
	defer g.inFlight.Add(-1)
	time.Sleep(g.hold)
	return g.memTransport.Download(ctx, locator)
}

func TestConcurrencyIsBounded(t *testing.T) {
	gt := &gaugeTransport{memTransport: newMemTransport(), hold: 2 * time.Millisecond}
	engine := NewEngine(newTestPool(t, 3), gt, testConfig())
	data := randomBytes(t, 50*16)

	result, err := engine.Upload(context.Background(), bytes.NewReader(data), "bounded", Options{ChunkSize: 16, Concurrency: 4})
	require.NoError(t, err)
	require.Len(t, result.Chunks, 50)
	assert.LessOrEqual(t, gt.peak.Load(), int32(4))
	assert.Greater(t, gt.peak.Load(), int32(1), "chunks should overlap")
	assert.Zero(t, gt.inFlight.Load())

	gt.peak.Store(0)
	var out bytes.Buffer
	_, err = engine.Download(context.Background(), recordFrom("bounded", 16, result), &out, Options{Concurrency: 3})
	require.NoError(t, err)
	assert.Equal(t, data, out.Bytes())
	assert.LessOrEqual(t, gt.peak.Load(), int32(3))
	assert.Zero(t, gt.inFlight.Load())
}

func TestUploadDrainsInFlightChunks(t *testing.T) {
	t.Run("failure", func(t *testing.T) {
		gt := &gaugeTransport{memTransport: newMemTransport(), hold: 5 * time.Millisecond, failName: "drain.2"}
		engine := NewEngine(newTestPool(t, 2), gt, testConfig())

		_, err := engine.Upload(context.Background(), bytes.NewReader(randomBytes(t, 400)), "drain", Options{ChunkSize: 10, Concurrency: 4})
		var ue *errs.UploadError
		require.ErrorAs(t, err, &ue)
		assert.Equal(t, 2, ue.Index)
		assert.Zero(t, gt.inFlight.Load(), "no chunk transfer outlives Upload")
	})

	t.Run("cancellation", func(t *testing.T) {
		gt := &gaugeTransport{memTransport: newMemTransport(), hold: 5 * time.Millisecond}
		engine := NewEngine(newTestPool(t, 2), gt, testConfig())

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(7*time.Millisecond, cancel)

		_, err := engine.Upload(ctx, bytes.NewReader(randomBytes(t, 4000)), "drain", Options{ChunkSize: 10, Concurrency: 4})
		require.Error(t, err)
		assert.Zero(t, gt.inFlight.Load(), "no chunk transfer outlives Upload")
		assert.Less(t, len(gt.objects), 400)
	})
}

func TestDownloadReportsChunksAsTheyFinish(t *testing.T) {
	mt := newMemTransport()
	engine := NewEngine(newTestPool(t, 2), mt, testConfig())

	result, err := engine.Upload(context.Background(), bytes.NewReader(randomBytes(t, 450)), "dlcb", Options{ChunkSize: 100})
	require.NoError(t, err)

	var fetched atomic.Int64
	var calls atomic.Int32
	_, err = engine.Download(context.Background(), recordFrom("dlcb", 100, result), &bytes.Buffer{}, Options{
		OnChunk: func(ref models.ChunkRef) {
			calls.Add(1)
			fetched.Add(ref.Size)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(5), calls.Load())
	assert.Equal(t, int64(450), fetched.Load())
}

func TestDownloadExpiredLocator(t *testing.T) {
	mt := newMemTransport()
	engine := NewEngine(newTestPool(t, 2), mt, testConfig())

	result, err := engine.Upload(context.Background(), bytes.NewReader(randomBytes(t, 300)), "exp", Options{ChunkSize: 100})
	require.NoError(t, err)

	expired := result.Chunks[1].Locator
	mt.mu.Lock()
	delete(mt.objects, expired)
	mt.mu.Unlock()

	var out bytes.Buffer
	_, err = engine.Download(context.Background(), recordFrom("exp", 100, result), &out, Options{})
	var de *errs.DownloadError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 1, de.Index)
	assert.Equal(t, expired, de.Locator)
	assert.Equal(t, 1, de.Attempts)
	assert.Empty(t, out.Bytes())
}

func TestDownloadRetriesTransientErrors(t *testing.T) {
	mt := newMemTransport()
	engine := NewEngine(newTestPool(t, 1), mt, testConfig())

	result, err := engine.Upload(context.Background(), strings.NewReader("retry me"), "dl", Options{ChunkSize: 4})
	require.NoError(t, err)

	var mu sync.Mutex
	failed := map[string]bool{}
	mt.failDownload = func(locator string) error {
		mu.Lock()
		defer mu.Unlock()
		if !failed[locator] {
			failed[locator] = true
			return &errs.TransportError{Op: "download", URL: locator, StatusCode: 502, Transient: true, Err: errors.New("bad gateway")}
		}
		return nil
	}

	var out bytes.Buffer
	_, err = engine.Download(context.Background(), recordFrom("dl", 4, result), &out, Options{})
	require.NoError(t, err)
	assert.Equal(t, "retry me", out.String())
}

func TestDownloadOutOfOrderCompletion(t *testing.T) {
	mt := newMemTransport()
	engine := NewEngine(newTestPool(t, 3), mt, testConfig())

	data := randomBytes(t, 64*50)
	result, err := engine.Upload(context.Background(), bytes.NewReader(data), "ooo", Options{ChunkSize: 64})
	require.NoError(t, err)

	mt.jitter = true
	var out bytes.Buffer
	_, err = engine.Download(context.Background(), recordFrom("ooo", 64, result), &out, Options{Concurrency: 16})
	require.NoError(t, err)
	assert.Equal(t, data, out.Bytes())
}

func TestDownloadDetectsCorruption(t *testing.T) {
	mt := newMemTransport()
	engine := NewEngine(newTestPool(t, 1), mt, testConfig())

	result, err := engine.Upload(context.Background(), strings.NewReader("abcdefgh"), "bad", Options{ChunkSize: 4})
	require.NoError(t, err)

	mt.mu.Lock()
	mt.objects[result.Chunks[0].Locator] = []byte("abcX")
	mt.mu.Unlock()

	var out bytes.Buffer
	_, err = engine.Download(context.Background(), recordFrom("bad", 4, result), &out, Options{})
	assert.True(t, errs.IsIntegrity(err))
	assert.Empty(t, out.Bytes())
}

func TestDownloadRejectsInvalidRecord(t *testing.T) {
	engine := NewEngine(newTestPool(t, 1), newMemTransport(), testConfig())
	rec := &models.FileRecord{ID: "x", Size: 10, ChunkSize: 4}

	_, err := engine.Download(context.Background(), rec, &bytes.Buffer{}, Options{})
	assert.True(t, errs.IsIntegrity(err))
}

func TestTransfersTrackOutcome(t *testing.T) {
	mt := newMemTransport()
	engine := NewEngine(newTestPool(t, 1), mt, testConfig())

	_, err := engine.Upload(context.Background(), strings.NewReader("ok"), "good", Options{ChunkSize: 10})
	require.NoError(t, err)
	_, err = engine.Upload(context.Background(), strings.NewReader("ok"), "bad", Options{ChunkSize: 0})
	require.Error(t, err)

	ops := engine.Transfers()
	require.Len(t, ops, 2)
	assert.Equal(t, "completed", ops[0].State)
	assert.Equal(t, 1, ops[0].ChunksDone)
	assert.Equal(t, "failed", ops[1].State)
	assert.NotEmpty(t, ops[1].Error)
}

func recordFrom(id string, chunkSize int64, result *UploadResult) *models.FileRecord {
	return &models.FileRecord{
		ID:        id,
		Name:      id,
		Size:      result.Size,
		ChunkSize: chunkSize,
		CreatedAt: time.Now(),
		Chunks:    result.Chunks,
	}
}
