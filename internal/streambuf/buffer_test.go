package streambuf

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/model"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/store"
)

var t0 = time.Date(2026, 4, 2, 6, 30, 0, 0, time.UTC)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "buf.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seconds(n int, value func(i int) float64) []model.Sample {
	out := make([]model.Sample, n)
	for i := range out {
		out[i] = model.Sample{Time: t0.Add(time.Duration(i) * time.Second), Value: value(i)}
	}
	return out
}

// memStore is an in-memory ChunkStore with failure injection.
type memStore struct {
	mu      sync.Mutex
	chunks  map[string][]store.ChunkRecord
	failErr error
	block   chan struct{}
	writes  int
}

func newMemStore() *memStore {
	return &memStore{chunks: make(map[string][]store.ChunkRecord)}
}

func (m *memStore) WriteChunk(ctx context.Context, rec store.ChunkRecord) error {
	m.mu.Lock()
	block := m.block
	m.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.failErr != nil {
		return m.failErr
	}
	m.chunks[rec.SessionID] = append(m.chunks[rec.SessionID], rec)
	return nil
}

func (m *memStore) ReadChunks(_ context.Context, sessionID string) ([]store.ChunkRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.ChunkRecord(nil), m.chunks[sessionID]...), nil
}

func (m *memStore) DeleteChunks(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, sessionID)
	return nil
}

func (m *memStore) count(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chunks[sessionID])
}

func TestBuffer_AppendCloseAggregate(t *testing.T) {
	s := openStore(t)
	buf := New("sess-1", s, Config{ChunkSize: 100, FlushInterval: time.Hour}, testLogger())

	hr := seconds(600, func(i int) float64 { return 140 + float64(i%21) })
	power := seconds(600, func(int) float64 { return 200 })
	for i := 0; i < 600; i++ {
		require.NoError(t, buf.Append(model.MetricHeartRate, hr[i]))
		require.NoError(t, buf.Append(model.MetricPower, power[i]))
	}
	require.NoError(t, buf.Close(context.Background()))
	assert.ErrorIs(t, buf.Append(model.MetricPower, power[0]), ErrClosed)

	stats := buf.Stats()
	assert.Equal(t, 12, stats.Written)
	assert.Zero(t, stats.Pending)
	assert.Zero(t, stats.Queued)

	agg, err := buf.AggregateAllChunks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, agg.Corrupt)
	assert.Equal(t, []model.Metric{model.MetricHeartRate, model.MetricPower}, agg.Metrics())

	hrStream := agg.Streams[model.MetricHeartRate]
	assert.Equal(t, 600, hrStream.Count)
	assert.Equal(t, 6, hrStream.Chunks)
	assert.Equal(t, 140.0, hrStream.Min)
	assert.Equal(t, 160.0, hrStream.Max)
	if diff := cmp.Diff(hr, hrStream.Samples); diff != "" {
		t.Errorf("heart rate samples mismatch (-want +got):\n%s", diff)
	}
	assert.InDelta(t, 200.0, agg.Streams[model.MetricPower].Avg, 1e-9)
}

func TestBuffer_ChunksConcatenateMonotonically(t *testing.T) {
	s := openStore(t)
	buf := New("sess-order", s, Config{ChunkSize: 7, FlushInterval: time.Hour}, testLogger())

	samples := seconds(100, func(i int) float64 { return float64(i) })
	// feed in uneven batches, including repeated timestamps
	samples[50].Time = samples[49].Time
	for start := 0; start < len(samples); start += 13 {
		end := start + 13
		if end > len(samples) {
			end = len(samples)
		}
		require.NoError(t, buf.Append(model.MetricCadence, samples[start:end]...))
	}
	require.NoError(t, buf.Close(context.Background()))

	agg, err := buf.AggregateAllChunks(context.Background())
	require.NoError(t, err)
	stream := agg.Streams[model.MetricCadence]
	require.Len(t, stream.Samples, 100)
	for i := 1; i < len(stream.Samples); i++ {
		assert.False(t, stream.Samples[i].Time.Before(stream.Samples[i-1].Time), "sample %d out of order", i)
	}
}

func TestBuffer_AggregationIsIdempotent(t *testing.T) {
	s := openStore(t)
	buf := New("sess-idem", s, Config{ChunkSize: 50}, testLogger())
	require.NoError(t, buf.Append(model.MetricSpeed, seconds(175, func(i int) float64 { return 5 + float64(i)/100 })...))
	require.NoError(t, buf.Close(context.Background()))

	first, err := buf.AggregateAllChunks(context.Background())
	require.NoError(t, err)
	second, err := buf.AggregateAllChunks(context.Background())
	require.NoError(t, err)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("aggregation not idempotent (-first +second):\n%s", diff)
	}
}

func TestBuffer_CrashRecoverySkipsCorruptChunk(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	buf := New("sess-crash", s, Config{ChunkSize: 10, FlushInterval: time.Hour}, testLogger())
	require.NoError(t, buf.Append(model.MetricHeartRate, seconds(30, func(int) float64 { return 150 })...))
	require.NoError(t, buf.Close(ctx))

	recs, err := s.ReadChunks(ctx, "sess-crash")
	require.NoError(t, err)
	require.Len(t, recs, 3)

	// simulate a torn write of the middle chunk
	torn := recs[1]
	torn.Payload = torn.Payload[:len(torn.Payload)/2]
	require.NoError(t, s.WriteChunk(ctx, torn))

	// a fresh process has no Buffer, only the store
	var agg *Aggregation
	require.NotPanics(t, func() {
		agg, err = Aggregate(ctx, s, "sess-crash")
	})
	require.NoError(t, err)
	require.Len(t, agg.Corrupt, 1)
	assert.Equal(t, 1, agg.Corrupt[0].Index)
	assert.Equal(t, model.MetricHeartRate, agg.Corrupt[0].Metric)

	stream := agg.Streams[model.MetricHeartRate]
	assert.Equal(t, 2, stream.Chunks)
	assert.Equal(t, 20, stream.Count)
	assert.Equal(t, 150.0, stream.Avg)
}

func TestBuffer_OutOfOrderRejected(t *testing.T) {
	ms := newMemStore()
	buf := New("sess-ooo", ms, Config{ChunkSize: 100}, testLogger())
	defer buf.Close(context.Background())

	samples := seconds(3, func(i int) float64 { return float64(i) })
	require.NoError(t, buf.Append(model.MetricPower, samples[2]))
	err := buf.Append(model.MetricPower, samples[0], samples[2])
	assert.ErrorIs(t, err, ErrOutOfOrder)
	// other metrics are ordered independently
	assert.NoError(t, buf.Append(model.MetricHeartRate, samples[0]))
	assert.Equal(t, 3, buf.Stats().Pending)
}

func TestBuffer_WriteFailureIsNonFatal(t *testing.T) {
	ms := newMemStore()
	ms.failErr = errors.New("disk full")
	buf := New("sess-fail", ms, Config{ChunkSize: 5, MaxWriteRetries: 2, RetryInterval: time.Millisecond}, testLogger())

	var mu sync.Mutex
	var warnings []Warning
	sub := buf.ListenWarnings(func(w Warning) {
		mu.Lock()
		warnings = append(warnings, w)
		mu.Unlock()
	})
	defer sub.Unsubscribe()

	require.NoError(t, buf.Append(model.MetricPower, seconds(5, func(int) float64 { return 100 })...))
	require.NoError(t, buf.Flush(context.Background()))

	mu.Lock()
	require.Len(t, warnings, 1)
	assert.Equal(t, WarningWriteFailed, warnings[0].Kind)
	assert.Equal(t, 0, warnings[0].ChunkIndex)
	mu.Unlock()

	ms.mu.Lock()
	assert.Equal(t, 3, ms.writes, "initial attempt plus two retries")
	ms.failErr = nil
	ms.mu.Unlock()

	// recording continues and later chunks persist
	more := seconds(10, func(int) float64 { return 100 })[5:]
	require.NoError(t, buf.Append(model.MetricPower, more...))
	require.NoError(t, buf.Close(context.Background()))
	assert.Equal(t, 1, ms.count("sess-fail"))
	assert.Equal(t, 1, buf.Stats().Failed)
}

func TestBuffer_QueueOverflowDropsOldest(t *testing.T) {
	ms := newMemStore()
	release := make(chan struct{})
	ms.block = release
	buf := New("sess-overflow", ms, Config{ChunkSize: 1, MaxQueuedChunks: 2}, testLogger())

	var mu sync.Mutex
	var dropped []int
	buf.ListenWarnings(func(w Warning) {
		if w.Kind == WarningQueueOverflow {
			mu.Lock()
			dropped = append(dropped, w.ChunkIndex)
			mu.Unlock()
		}
	})

	for _, s := range seconds(6, func(i int) float64 { return float64(i) }) {
		require.NoError(t, buf.Append(model.MetricHeartRate, s))
	}
	stats := buf.Stats()
	assert.LessOrEqual(t, stats.Queued, 2)
	assert.GreaterOrEqual(t, stats.Dropped, 3)

	mu.Lock()
	assert.Len(t, dropped, stats.Dropped)
	for i := 1; i < len(dropped); i++ {
		assert.Less(t, dropped[i-1], dropped[i], "oldest chunks are dropped first")
	}
	mu.Unlock()

	close(release)
	require.NoError(t, buf.Close(context.Background()))
	assert.Equal(t, 6-stats.Dropped, ms.count("sess-overflow"))
}

func TestBuffer_FlushIntervalSealsPartialChunks(t *testing.T) {
	ms := newMemStore()
	buf := New("sess-tick", ms, Config{ChunkSize: 1000, FlushInterval: 20 * time.Millisecond}, testLogger())
	defer buf.Close(context.Background())

	require.NoError(t, buf.Append(model.MetricHeartRate, seconds(3, func(int) float64 { return 120 })...))
	require.Eventually(t, func() bool { return ms.count("sess-tick") == 1 }, time.Second, 5*time.Millisecond)
}

func TestBuffer_CleanupOnlyAfterClose(t *testing.T) {
	ms := newMemStore()
	buf := New("sess-clean", ms, Config{ChunkSize: 2}, testLogger())
	require.NoError(t, buf.Append(model.MetricPower, seconds(4, func(int) float64 { return 1 })...))

	assert.ErrorIs(t, buf.Cleanup(context.Background()), ErrActive)
	require.NoError(t, buf.Close(context.Background()))
	assert.Equal(t, 2, ms.count("sess-clean"))

	require.NoError(t, buf.Cleanup(context.Background()))
	assert.Equal(t, 0, ms.count("sess-clean"))

	agg, err := buf.AggregateAllChunks(context.Background())
	require.NoError(t, err)
	assert.True(t, agg.Empty())
}
