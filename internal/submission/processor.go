// Package submission turns a finished recording into a FinishedActivity and
// hands it to the upload boundary.
package submission

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/analysis"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/codec"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/events"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/model"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/session"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/streambuf"
)

var (
	ErrNotFinished   = errors.New("session is not finished")
	ErrNoStreamData  = errors.New("no stream data recorded")
	ErrNotProcessed  = errors.New("session has not been processed")
	ErrInProgress    = errors.New("submission already in progress")
	ErrNoSessionData = errors.New("session has no buffer")
)

// Recording is the read side of a session the processor needs.
type Recording interface {
	ID() string
	State() session.State
	Selection() session.Selection
	PlanName() string
	Profile() model.Profile
	StartedAt() time.Time
	EndedAt() time.Time
	Pauses() []analysis.Interval
	Buffer() *streambuf.Buffer
	Subscribe(func(session.Event)) *events.Subscription
}

// Uploader sends an activity across the remote boundary.
type Uploader interface {
	Upload(ctx context.Context, activity *model.FinishedActivity) (string, error)
}

// SessionStore removes the persisted session row after a successful upload.
type SessionStore interface {
	DeleteSession(ctx context.Context, id string) error
}

type Config struct {
	UploadTimeout time.Duration `mapstructure:"upload_timeout"`
	FlushTimeout  time.Duration `mapstructure:"flush_timeout"`
}

func DefaultConfig() Config {
	return Config{UploadTimeout: 30 * time.Second, FlushTimeout: 5 * time.Second}
}

// Stage names where a Result came from.
type Stage string

const (
	StageProcess Stage = "process"
	StageUpload  Stage = "upload"
)

// Result reports the outcome of processing or uploading one session.
type Result struct {
	SessionID  string
	Stage      Stage
	ActivityID string
	Activity   *model.FinishedActivity
	Corrupt    []streambuf.CorruptChunk
	Err        error
}

type pending struct {
	activity *model.FinishedActivity
	buffer   *streambuf.Buffer
	corrupt  []streambuf.CorruptChunk
}

// Processor computes and submits finished activities. Activities whose upload
// failed stay cached so Submit can be retried without recomputation.
type Processor struct {
	uploader Uploader
	store    SessionStore
	cfg      Config
	logger   *log.Logger
	results  *events.CallbackEvent[Result]

	mu       sync.Mutex
	cache    map[string]*pending
	inflight map[string]bool
	// empty holds sessions without stream data until the user acknowledges them.
	empty map[string]Recording
	wg    sync.WaitGroup
}

func NewProcessor(uploader Uploader, store SessionStore, cfg Config, logger *log.Logger) *Processor {
	if uploader == nil {
		panic("Processor: uploader cannot be nil")
	}
	if store == nil {
		panic("Processor: store cannot be nil")
	}
	if logger == nil {
		panic("Processor: logger cannot be nil")
	}
	def := DefaultConfig()
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = def.UploadTimeout
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}
	return &Processor{
		uploader: uploader,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		results:  events.NewCallbackEvent[Result](false),
		cache:    make(map[string]*pending),
		inflight: make(map[string]bool),
		empty:    make(map[string]Recording),
	}
}

// Listen registers for processing and upload results.
func (p *Processor) Listen(fn func(Result)) *events.Subscription {
	return p.results.Listen(fn)
}

// Attach processes and submits rec in the background once it completes.
func (p *Processor) Attach(rec Recording) *events.Subscription {
	return rec.Subscribe(func(ev session.Event) {
		if ev.Kind != session.EventRecordingComplete {
			return
		}
		go_func_utils.Go(p.logger, &p.wg, func() { p.run(rec) })
	})
}

// SubmitRecovered processes and submits a session rebuilt at startup.
func (p *Processor) SubmitRecovered(rec Recording) {
	go_func_utils.Go(p.logger, &p.wg, func() { p.run(rec) })
}

// Wait blocks until background processing started by Attach has finished.
func (p *Processor) Wait() {
	p.wg.Wait()
}

func (p *Processor) run(rec Recording) {
	ctx := context.Background()
	activity, err := p.ProcessRecording(ctx, rec)
	res := Result{SessionID: rec.ID(), Stage: StageProcess, Activity: activity, Err: err}
	if err == nil {
		res.Corrupt = p.corrupt(rec.ID())
	}
	if errors.Is(err, ErrNoStreamData) || errors.Is(err, ErrNoSessionData) {
		p.mu.Lock()
		p.empty[rec.ID()] = rec
		p.mu.Unlock()
	}
	p.results.Notify(res)
	if err != nil {
		p.logger.Printf("Processor: session %s: %v", rec.ID(), err)
		return
	}

	id, err := p.Submit(ctx, rec.ID())
	p.results.Notify(Result{SessionID: rec.ID(), Stage: StageUpload, ActivityID: id, Activity: activity, Err: err})
}

func (p *Processor) corrupt(sessionID string) []streambuf.CorruptChunk {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.cache[sessionID]; ok {
		return e.corrupt
	}
	return nil
}

// ProcessRecording builds the FinishedActivity of a finished session. It
// flushes and closes the session's buffer, rebuilds every stream from
// storage, computes the summary and compresses each stream. The result is
// cached for Submit.
func (p *Processor) ProcessRecording(ctx context.Context, rec Recording) (*model.FinishedActivity, error) {
	if st := rec.State(); st != session.StateFinished {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotFinished, rec.ID(), st)
	}
	p.mu.Lock()
	if e, ok := p.cache[rec.ID()]; ok {
		p.mu.Unlock()
		return e.activity, nil
	}
	p.mu.Unlock()

	buf := rec.Buffer()
	if buf == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSessionData, rec.ID())
	}
	flushCtx, cancel := context.WithTimeout(ctx, p.cfg.FlushTimeout)
	if err := buf.Close(flushCtx); err != nil {
		// persisted chunks are still usable
		p.logger.Printf("Processor: session %s: flush: %v", rec.ID(), err)
	}
	cancel()

	agg, err := buf.AggregateAllChunks(ctx)
	if err != nil {
		return nil, fmt.Errorf("aggregate session %s: %w", rec.ID(), err)
	}
	for _, c := range agg.Corrupt {
		p.logger.Printf("Processor: session %s: skipped %s", rec.ID(), c)
	}
	if agg.Empty() {
		return nil, fmt.Errorf("%w: %s", ErrNoStreamData, rec.ID())
	}

	metrics := agg.Metrics()
	streams := make([]model.AggregatedStream, 0, len(metrics))
	for _, m := range metrics {
		streams = append(streams, *agg.Streams[m])
	}

	sel := rec.Selection()
	summary := analysis.Compute(analysis.Input{
		Streams:   streams,
		Profile:   rec.Profile(),
		Category:  sel.Category,
		StartedAt: rec.StartedAt(),
		EndedAt:   rec.EndedAt(),
		Paused:    rec.Pauses(),
	})

	activity := &model.FinishedActivity{
		SessionID: rec.ID(),
		Category:  sel.Category,
		Location:  sel.Location,
		StartedAt: rec.StartedAt(),
		EndedAt:   rec.EndedAt(),
		PlanName:  rec.PlanName(),
		Summary:   summary,
	}
	for i := range streams {
		cs, err := codec.CompressStream(&streams[i])
		if err != nil {
			return nil, fmt.Errorf("compress %s: %w", streams[i].Metric, err)
		}
		activity.Streams = append(activity.Streams, cs)
	}

	p.mu.Lock()
	p.cache[rec.ID()] = &pending{activity: activity, buffer: buf, corrupt: agg.Corrupt}
	p.mu.Unlock()

	p.logger.Printf("Processor: session %s processed (%d streams, moving %s, %d corrupt chunk(s))",
		rec.ID(), len(activity.Streams), summary.MovingTime, len(agg.Corrupt))
	return activity, nil
}

// Submit uploads a processed activity. On success the session's chunks and
// row are removed; on failure the activity stays cached for another attempt.
func (p *Processor) Submit(ctx context.Context, sessionID string) (string, error) {
	p.mu.Lock()
	e, ok := p.cache[sessionID]
	if !ok {
		p.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNotProcessed, sessionID)
	}
	if p.inflight[sessionID] {
		p.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrInProgress, sessionID)
	}
	p.inflight[sessionID] = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.inflight, sessionID)
		p.mu.Unlock()
	}()

	uploadCtx, cancel := context.WithTimeout(ctx, p.cfg.UploadTimeout)
	id, err := p.uploader.Upload(uploadCtx, e.activity)
	cancel()
	if err != nil {
		p.logger.Printf("Processor: upload of session %s failed, kept for retry: %v", sessionID, err)
		return "", fmt.Errorf("upload session %s: %w", sessionID, err)
	}

	if err := e.buffer.Cleanup(ctx); err != nil {
		p.logger.Printf("Processor: session %s: cleanup: %v", sessionID, err)
	}
	if err := p.store.DeleteSession(ctx, sessionID); err != nil {
		p.logger.Printf("Processor: session %s: delete: %v", sessionID, err)
	}

	p.mu.Lock()
	delete(p.cache, sessionID)
	p.mu.Unlock()

	p.logger.Printf("Processor: session %s uploaded as %s", sessionID, id)
	return id, nil
}

// Discard drops a session that cannot be submitted, such as one with no
// stream data, after the user acknowledged it.
func (p *Processor) Discard(ctx context.Context, rec Recording) error {
	if st := rec.State(); st != session.StateFinished {
		return fmt.Errorf("%w: %s is %s", ErrNotFinished, rec.ID(), st)
	}
	if buf := rec.Buffer(); buf != nil {
		closeCtx, cancel := context.WithTimeout(ctx, p.cfg.FlushTimeout)
		_ = buf.Close(closeCtx)
		cancel()
		if err := buf.Cleanup(ctx); err != nil {
			return fmt.Errorf("discard session %s: %w", rec.ID(), err)
		}
	}
	if err := p.store.DeleteSession(ctx, rec.ID()); err != nil {
		return fmt.Errorf("discard session %s: %w", rec.ID(), err)
	}
	p.mu.Lock()
	delete(p.cache, rec.ID())
	delete(p.empty, rec.ID())
	p.mu.Unlock()
	p.logger.Printf("Processor: session %s discarded", rec.ID())
	return nil
}

// Pending returns the ids of processed sessions awaiting upload.
func (p *Processor) Pending() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.cache))
	for id := range p.cache {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Unacknowledged returns the ids of sessions that recorded no data and wait
// for the user to acknowledge them.
func (p *Processor) Unacknowledged() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.empty))
	for id := range p.empty {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Acknowledge discards a session that recorded no data. Without it the
// session row survives and the session is recovered again on the next start.
func (p *Processor) Acknowledge(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	rec, ok := p.empty[sessionID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s has nothing to acknowledge", ErrNotProcessed, sessionID)
	}
	return p.Discard(ctx, rec)
}
