// Package streambuf buffers incoming samples per metric and persists them as
// immutable chunks so a recording survives a crash.
package streambuf

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/codec"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/events"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/model"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/store"
)

var (
	ErrClosed     = errors.New("streambuf: buffer closed")
	ErrOutOfOrder = errors.New("streambuf: sample older than the last appended sample")
	ErrActive     = errors.New("streambuf: buffer still accepting samples")
)

// ChunkStore is the durable storage behind a Buffer.
type ChunkStore interface {
	WriteChunk(ctx context.Context, rec store.ChunkRecord) error
	ReadChunks(ctx context.Context, sessionID string) ([]store.ChunkRecord, error)
	DeleteChunks(ctx context.Context, sessionID string) error
}

// Config tunes chunking and write behaviour.
type Config struct {
	ChunkSize       int           `mapstructure:"chunk_size"`
	FlushInterval   time.Duration `mapstructure:"flush_interval"`
	MaxQueuedChunks int           `mapstructure:"max_queued_chunks"`
	MaxWriteRetries uint64        `mapstructure:"max_write_retries"`
	RetryInterval   time.Duration `mapstructure:"retry_interval"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		ChunkSize:       300,
		FlushInterval:   10 * time.Second,
		MaxQueuedChunks: 64,
		MaxWriteRetries: 5,
		RetryInterval:   200 * time.Millisecond,
		WriteTimeout:    5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.MaxQueuedChunks <= 0 {
		c.MaxQueuedChunks = d.MaxQueuedChunks
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}

// WarningKind classifies a non-fatal buffer problem.
type WarningKind string

const (
	WarningWriteFailed   WarningKind = "write_failed"
	WarningQueueOverflow WarningKind = "queue_overflow"
)

// Warning reports data lost to a single chunk. Recording continues.
type Warning struct {
	Kind       WarningKind
	SessionID  string
	Metric     model.Metric
	ChunkIndex int
	Samples    int
	Err        error
}

func (w Warning) String() string {
	if w.Err != nil {
		return fmt.Sprintf("%s: %s chunk %d (%d samples): %v", w.Kind, w.Metric, w.ChunkIndex, w.Samples, w.Err)
	}
	return fmt.Sprintf("%s: %s chunk %d (%d samples)", w.Kind, w.Metric, w.ChunkIndex, w.Samples)
}

// Stats are buffer counters for display and tests.
type Stats struct {
	Pending int // samples not yet sealed into a chunk
	Queued  int // sealed chunks waiting to be written
	Written int
	Failed  int
	Dropped int
}

// Buffer is the per-session stream buffer. Append never blocks on storage:
// sealed chunks wait in a bounded queue drained by a single writer goroutine.
type Buffer struct {
	sessionID string
	store     ChunkStore
	cfg       Config
	logger    *log.Logger

	mu         sync.Mutex
	pending    map[model.Metric][]model.Sample
	lastTime   map[model.Metric]time.Time
	nextIndex  map[model.Metric]int
	queue      []*model.SampleChunk
	inflight   int
	idle       chan struct{} // closed while nothing is queued or in flight
	idleClosed bool
	closed     bool
	stats      Stats

	wake     chan struct{}
	stop     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closeErr error
	once     sync.Once

	warnings *events.CallbackEvent[Warning]
}

// New creates a Buffer for sessionID and starts its writer and flush loops.
func New(sessionID string, chunkStore ChunkStore, cfg Config, logger *log.Logger) *Buffer {
	if chunkStore == nil {
		panic("Buffer: store cannot be nil")
	}
	if logger == nil {
		panic("Buffer: logger cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	b := &Buffer{
		sessionID:  sessionID,
		store:      chunkStore,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		pending:    make(map[model.Metric][]model.Sample),
		lastTime:   make(map[model.Metric]time.Time),
		nextIndex:  make(map[model.Metric]int),
		idle:       idle,
		idleClosed: true,
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		warnings:   events.NewCallbackEvent[Warning](false),
	}
	go_func_utils.Go(logger, &b.wg, b.writeLoop)
	go_func_utils.Go(logger, &b.wg, b.flushLoop)
	return b
}

// SessionID returns the session the buffer belongs to.
func (b *Buffer) SessionID() string {
	return b.sessionID
}

// ListenWarnings registers a callback for non-fatal warnings.
func (b *Buffer) ListenWarnings(fn func(Warning)) *events.Subscription {
	return b.warnings.Listen(fn)
}

// Append buffers samples for metric. Samples older than the last one appended
// for the same metric are dropped and reported with ErrOutOfOrder; the rest
// are kept.
func (b *Buffer) Append(metric model.Metric, samples ...model.Sample) error {
	var warnings []Warning
	rejected := 0

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	for _, s := range samples {
		if last, ok := b.lastTime[metric]; ok && s.Time.Before(last) {
			rejected++
			continue
		}
		b.lastTime[metric] = s.Time
		b.pending[metric] = append(b.pending[metric], s)
		b.stats.Pending++
		if len(b.pending[metric]) >= b.cfg.ChunkSize {
			warnings = append(warnings, b.sealLocked(metric)...)
		}
	}
	b.mu.Unlock()

	b.emit(warnings)
	if rejected > 0 {
		return fmt.Errorf("%w: %d %s sample(s) dropped", ErrOutOfOrder, rejected, metric)
	}
	return nil
}

// sealLocked turns the pending samples of metric into a chunk and queues it.
// It returns any overflow warnings to be emitted after unlocking.
func (b *Buffer) sealLocked(metric model.Metric) []Warning {
	samples := b.pending[metric]
	if len(samples) == 0 {
		return nil
	}
	chunk := &model.SampleChunk{
		SessionID: b.sessionID,
		Metric:    metric,
		Index:     b.nextIndex[metric],
		Samples:   samples,
	}
	b.nextIndex[metric]++
	b.pending[metric] = make([]model.Sample, 0, b.cfg.ChunkSize)
	b.stats.Pending -= len(samples)

	var warnings []Warning
	if len(b.queue) >= b.cfg.MaxQueuedChunks {
		oldest := b.queue[0]
		b.queue = b.queue[1:]
		b.stats.Dropped++
		warnings = append(warnings, Warning{
			Kind:       WarningQueueOverflow,
			SessionID:  b.sessionID,
			Metric:     oldest.Metric,
			ChunkIndex: oldest.Index,
			Samples:    len(oldest.Samples),
		})
	}
	b.queue = append(b.queue, chunk)
	if b.idleClosed {
		b.idle = make(chan struct{})
		b.idleClosed = false
	}
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return warnings
}

func (b *Buffer) sealAllLocked() []Warning {
	var warnings []Warning
	for metric := range b.pending {
		warnings = append(warnings, b.sealLocked(metric)...)
	}
	return warnings
}

func (b *Buffer) emit(warnings []Warning) {
	for _, w := range warnings {
		b.logger.Printf("Buffer: WARNING session %s %s", b.sessionID, w)
		b.warnings.Notify(w)
	}
}

// Flush seals all partially filled chunks and waits until every queued chunk
// has been written or given up on.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	warnings := b.sealAllLocked()
	b.mu.Unlock()
	b.emit(warnings)
	return b.waitIdle(ctx)
}

func (b *Buffer) waitIdle(ctx context.Context) error {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 && b.inflight == 0 {
			b.mu.Unlock()
			return nil
		}
		idle := b.idle
		b.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return fmt.Errorf("flush session %s: %w", b.sessionID, ctx.Err())
		}
	}
}

// Close stops accepting samples, flushes and stops the background loops.
// Safe to call more than once.
func (b *Buffer) Close(ctx context.Context) error {
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		b.closeErr = b.Flush(ctx)
		if b.closeErr != nil {
			// abandon in-flight retries
			b.cancel()
		}
		close(b.stop)
		b.wg.Wait()
		b.cancel()

		stats := b.Stats()
		if stats.Queued > 0 {
			b.logger.Printf("Buffer: session %s closed with %d unwritten chunk(s)", b.sessionID, stats.Queued)
		}
		b.logger.Printf("Buffer: session %s closed (%d chunks written, %d failed, %d dropped)",
			b.sessionID, stats.Written, stats.Failed, stats.Dropped)
	})
	return b.closeErr
}

// Stats returns a snapshot of the buffer counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Queued = len(b.queue)
	return s
}

// AggregateAllChunks rebuilds every metric stream of the session from storage.
func (b *Buffer) AggregateAllChunks(ctx context.Context) (*Aggregation, error) {
	return Aggregate(ctx, b.store, b.sessionID)
}

// Cleanup deletes the session's chunks. The buffer must be closed first.
func (b *Buffer) Cleanup(ctx context.Context) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if !closed {
		return ErrActive
	}
	if err := b.store.DeleteChunks(ctx, b.sessionID); err != nil {
		return err
	}
	b.logger.Printf("Buffer: removed chunks of session %s", b.sessionID)
	return nil
}

func (b *Buffer) flushLoop() {
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.mu.Lock()
			warnings := b.sealAllLocked()
			b.mu.Unlock()
			b.emit(warnings)
		}
	}
}

func (b *Buffer) writeLoop() {
	for {
		chunk := b.nextChunk()
		if chunk == nil {
			select {
			case <-b.wake:
				continue
			case <-b.stop:
				return
			}
		}
		err := b.persist(chunk)
		if err != nil {
			b.emit([]Warning{{
				Kind:       WarningWriteFailed,
				SessionID:  b.sessionID,
				Metric:     chunk.Metric,
				ChunkIndex: chunk.Index,
				Samples:    len(chunk.Samples),
				Err:        err,
			}})
		}
		// after emit, so Flush returns only once warnings are delivered
		b.finishChunk(err)
	}
}

func (b *Buffer) nextChunk() *model.SampleChunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil
	}
	chunk := b.queue[0]
	b.queue = b.queue[1:]
	b.inflight++
	return chunk
}

func (b *Buffer) finishChunk(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inflight--
	if err != nil {
		b.stats.Failed++
	} else {
		b.stats.Written++
	}
	if len(b.queue) == 0 && b.inflight == 0 && !b.idleClosed {
		close(b.idle)
		b.idleClosed = true
	}
}

// persist writes chunk, retrying with bounded exponential backoff.
func (b *Buffer) persist(chunk *model.SampleChunk) error {
	payload := codec.EncodeSamples(chunk.Samples)
	rec := store.ChunkRecord{
		SessionID:   chunk.SessionID,
		Metric:      chunk.Metric,
		Index:       chunk.Index,
		StartMs:     chunk.Start().UnixMilli(),
		EndMs:       chunk.End().UnixMilli(),
		SampleCount: len(chunk.Samples),
		Checksum:    codec.Checksum(payload),
		Payload:     payload,
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = b.cfg.RetryInterval
	exp.MaxInterval = 20 * b.cfg.RetryInterval
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, b.cfg.MaxWriteRetries), b.ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		ctx, cancel := context.WithTimeout(b.ctx, b.cfg.WriteTimeout)
		defer cancel()
		return b.store.WriteChunk(ctx, rec)
	}, policy, func(err error, next time.Duration) {
		b.logger.Printf("Buffer: write of %s chunk %d failed (attempt %d), retrying in %v: %v",
			chunk.Metric, chunk.Index, attempt, next, err)
	})
}
