// Package session owns the lifecycle of a recording: activity selection,
// start, pause, resume and finish, and the wiring of samples into the stream
// buffer, the live aggregator and the plan engine.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/analysis"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/events"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/live"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/model"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/plan"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/sensors"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/store"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/streambuf"
)

// Sensors is the part of the sensor manager a session uses.
type Sensors interface {
	sensors.SampleSource
	plan.TrainerLocator
	StopReconnecting()
}

// Store persists session rows and chunks.
type Store interface {
	streambuf.ChunkStore
	SaveSession(ctx context.Context, rec store.SessionRecord) error
	ListSessions(ctx context.Context) ([]store.SessionRecord, error)
	LastSampleTime(ctx context.Context, id string) (time.Time, error)
	DeleteSession(ctx context.Context, id string) error
}

// Deps are the collaborators of a session. Only Store and Profile are
// required.
type Deps struct {
	Store       Store
	Sensors     Sensors
	Location    sensors.LocationProvider
	Permissions PermissionChecker
	Live        *live.Aggregator
	// Profile is read once, at Start.
	Profile func() model.Profile
}

// Config tunes a session.
type Config struct {
	TickInterval time.Duration    `mapstructure:"tick_interval"`
	SaveTimeout  time.Duration    `mapstructure:"save_timeout"`
	Buffer       streambuf.Config `mapstructure:"buffer"`
	// Clock replaces time.Now in tests.
	Clock func() time.Time `mapstructure:"-"`
}

// DefaultConfig ticks the plan once per second.
func DefaultConfig() Config {
	return Config{
		TickInterval: time.Second,
		SaveTimeout:  2 * time.Second,
		Buffer:       streambuf.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = d.SaveTimeout
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Selection is the activity chosen before Start.
type Selection struct {
	Category model.Category
	Location model.Location
	Plan     *plan.Plan
}

// Session is one recording attempt. All transitions are serialized by a
// single mutex; collaborators are called and listeners notified outside it.
type Session struct {
	id     string
	deps   Deps
	cfg    Config
	logger *log.Logger

	mu        sync.Mutex
	state     State
	selection Selection
	planName  string
	profile   model.Profile
	startedAt time.Time
	endedAt   time.Time
	pauses    []analysis.Interval
	buffer    *streambuf.Buffer
	engine    *plan.Engine
	subs      []*events.Subscription
	odo       odometer
	lastHR    float64
	stopTick  chan struct{}
	starting  bool
	recovered bool

	wg    sync.WaitGroup
	event *events.CallbackEvent[Event]
}

func newSession(id string, deps Deps, cfg Config, logger *log.Logger) *Session {
	if deps.Store == nil {
		panic("Session: store cannot be nil")
	}
	if logger == nil {
		panic("Session: logger cannot be nil")
	}
	if deps.Permissions == nil {
		deps.Permissions = GrantAll{}
	}
	if deps.Profile == nil {
		deps.Profile = func() model.Profile { return model.Profile{} }
	}
	return &Session{
		id:     id,
		deps:   deps,
		cfg:    cfg.withDefaults(),
		logger: logger,
		state:  StateNotStarted,
		event:  events.NewCallbackEvent[Event](false),
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Selection returns the selected activity.
func (s *Session) Selection() Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selection
}

// PlanName returns the name of the attached plan, if any.
func (s *Session) PlanName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.planName
}

// Profile returns the profile snapshot taken at Start.
func (s *Session) Profile() model.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// StartedAt and EndedAt are zero until reached.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

func (s *Session) EndedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}

// Pauses returns the paused intervals. An ongoing pause has a zero End.
func (s *Session) Pauses() []analysis.Interval {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]analysis.Interval(nil), s.pauses...)
}

// Recovered reports whether the session was rebuilt after a crash.
func (s *Session) Recovered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recovered
}

// Buffer returns the stream buffer, or nil before Start.
func (s *Session) Buffer() *streambuf.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer
}

// Engine returns the plan engine, or nil when no plan is attached.
func (s *Session) Engine() *plan.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

// Elapsed returns wall time since Start and the moving time, which excludes
// paused intervals.
func (s *Session) Elapsed() (elapsed, moving time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsedLocked(s.cfg.Clock())
}

func (s *Session) elapsedLocked(now time.Time) (time.Duration, time.Duration) {
	if s.startedAt.IsZero() {
		return 0, 0
	}
	end := now
	if !s.endedAt.IsZero() {
		end = s.endedAt
	}
	return end.Sub(s.startedAt), analysis.MovingTime(s.startedAt, end, s.pauses)
}

// Subscribe registers callback for session events. The caller owns the
// returned handle and must Unsubscribe on teardown.
func (s *Session) Subscribe(callback func(Event)) *events.Subscription {
	return s.event.Listen(callback)
}

// SelectActivity sets the activity for the session. It is valid until Start
// and returns which profile values the plan's targets are missing.
func (s *Session) SelectActivity(sel Selection) (plan.Requirements, error) {
	s.mu.Lock()
	if (s.state != StateNotStarted && s.state != StateArmed) || s.starting {
		err := &TransitionError{Op: "select activity", From: s.state}
		s.mu.Unlock()
		return plan.Requirements{}, err
	}
	if sel.Category == "" {
		sel.Category = model.CategoryBike
	}
	if sel.Location == "" {
		sel.Location = model.LocationIndoor
	}
	s.selection = sel
	s.planName = ""
	if sel.Plan != nil {
		s.planName = sel.Plan.Name
	}
	s.state = StateArmed
	s.mu.Unlock()

	s.logger.Printf("Session: %s armed (%s, %s)", s.id, sel.Category, sel.Location)
	s.notifyState(StateArmed)
	if sel.Plan == nil {
		return plan.Requirements{}, nil
	}
	return plan.ValidateRequirements(sel.Plan, s.snapshotProfile(s.cfg.Clock())), nil
}

// snapshotProfile reads the profile source, filling in the effective max HR.
func (s *Session) snapshotProfile(now time.Time) model.Profile {
	profile := s.deps.Profile()
	if profile.MaxHR <= 0 {
		profile.MaxHR = profile.EffectiveMaxHR(now)
	}
	return profile
}

func requiredPermissions(loc model.Location) []Permission {
	if loc == model.LocationIndoor {
		return []Permission{PermissionBluetooth}
	}
	return []Permission{PermissionLocation, PermissionBackgroundLocation, PermissionBluetooth}
}

func (s *Session) checkPermissions(loc model.Location) error {
	var missing []MissingPermission
	for _, p := range requiredPermissions(loc) {
		switch s.deps.Permissions.Check(p) {
		case PermissionGranted:
		case PermissionDenied:
			missing = append(missing, MissingPermission{Permission: p, CanAskAgain: true})
		default:
			missing = append(missing, MissingPermission{Permission: p})
		}
	}
	if len(missing) > 0 {
		return &PermissionsError{Missing: missing}
	}
	return nil
}

// Start begins recording. It is valid only from armed; on any error the
// session stays armed. The session row is written and sample sources are
// subscribed without holding the session lock, so a source may deliver
// samples from within ListenSamples or Start.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	rec, err := s.beginStartLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	saveCtx, cancel := context.WithTimeout(ctx, s.cfg.SaveTimeout)
	err = s.deps.Store.SaveSession(saveCtx, rec)
	cancel()
	if err != nil {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
		return fmt.Errorf("start session %s: %w", s.id, err)
	}

	s.mu.Lock()
	engine := s.commitStartLocked(rec)
	s.mu.Unlock()

	if s.deps.Live != nil {
		s.deps.Live.Reset()
	}
	if engine != nil {
		engine.Start(plan.Progress{})
	}
	s.subscribeSources()

	s.logger.Printf("Session: %s recording", s.id)
	s.notifyState(StateRecording)
	return nil
}

// beginStartLocked validates the transition and reserves it; other
// transitions see the session as armed until commitStartLocked.
func (s *Session) beginStartLocked() (store.SessionRecord, error) {
	if s.state != StateArmed || s.starting {
		return store.SessionRecord{}, &TransitionError{Op: "start", From: s.state}
	}
	if err := s.checkPermissions(s.selection.Location); err != nil {
		s.logger.Printf("Session: %s start refused: %v", s.id, err)
		return store.SessionRecord{}, err
	}
	now := s.cfg.Clock()
	s.starting = true
	return store.SessionRecord{
		ID:        s.id,
		Category:  s.selection.Category,
		Location:  s.selection.Location,
		State:     string(StateRecording),
		StartedAt: now,
		PlanName:  s.planName,
		Profile:   s.snapshotProfile(now),
	}, nil
}

func (s *Session) commitStartLocked(rec store.SessionRecord) *plan.Engine {
	s.starting = false
	s.profile = rec.Profile
	s.startedAt = rec.StartedAt
	s.buffer = streambuf.New(s.id, s.deps.Store, s.cfg.Buffer, s.logger)
	s.subs = append(s.subs, s.buffer.ListenWarnings(s.onWarning))
	if s.selection.Plan != nil {
		var trainers plan.TrainerLocator
		if s.deps.Sensors != nil {
			trainers = s.deps.Sensors
		}
		s.engine = plan.NewEngine(s.selection.Plan, rec.Profile, trainers, s.logger)
		s.subs = append(s.subs, s.engine.Listen(s.onPlanEvent))
	}

	s.state = StateRecording
	s.stopTick = make(chan struct{})
	stop := s.stopTick
	go_func_utils.Go(s.logger, &s.wg, func() { s.tickLoop(stop) })
	return s.engine
}

// subscribeSources attaches the sensor and location streams. A session that
// finished in the meantime drops the new subscriptions again.
func (s *Session) subscribeSources() {
	var subs []*events.Subscription
	if s.deps.Sensors != nil {
		subs = append(subs, s.deps.Sensors.ListenSamples(s.ingest))
	}
	outdoor := s.Selection().Location == model.LocationOutdoor
	if s.deps.Location != nil && outdoor {
		subs = append(subs, s.deps.Location.ListenSamples(s.ingest))
		if err := s.deps.Location.Start(context.Background()); err != nil {
			s.logger.Printf("Session: %s location provider failed to start, recording without GPS: %v", s.id, err)
		}
	}

	s.mu.Lock()
	live := s.state == StateRecording || s.state == StatePaused
	if live {
		s.subs = append(s.subs, subs...)
	}
	s.mu.Unlock()
	if live {
		return
	}
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if s.deps.Location != nil && outdoor {
		s.deps.Location.Stop()
	}
}

// Pause stops ingestion into the stream buffer. Sensors stay connected and
// live values keep updating.
func (s *Session) Pause() error {
	s.mu.Lock()
	if s.state != StateRecording {
		err := &TransitionError{Op: "pause", From: s.state}
		s.mu.Unlock()
		return err
	}
	s.state = StatePaused
	s.pauses = append(s.pauses, analysis.Interval{Start: s.cfg.Clock()})
	s.odo.pause()
	rec := s.recordLocked()
	s.mu.Unlock()

	if s.deps.Live != nil {
		s.deps.Live.SetCounting(false)
	}
	s.save(rec)
	s.logger.Printf("Session: %s paused", s.id)
	s.notifyState(StatePaused)
	return nil
}

// Resume continues a paused recording.
func (s *Session) Resume() error {
	s.mu.Lock()
	if s.state != StatePaused {
		err := &TransitionError{Op: "resume", From: s.state}
		s.mu.Unlock()
		return err
	}
	s.state = StateRecording
	s.pauses[len(s.pauses)-1].End = s.cfg.Clock()
	rec := s.recordLocked()
	s.mu.Unlock()

	if s.deps.Live != nil {
		s.deps.Live.SetCounting(true)
	}
	s.save(rec)
	s.logger.Printf("Session: %s resumed", s.id)
	s.notifyState(StateRecording)
	return nil
}

// Finish ends the recording and returns without waiting for metric
// computation, which listeners start on EventRecordingComplete.
func (s *Session) Finish() error {
	s.mu.Lock()
	if s.state != StateRecording && s.state != StatePaused {
		err := &TransitionError{Op: "finish", From: s.state}
		s.mu.Unlock()
		return err
	}
	now := s.cfg.Clock()
	if n := len(s.pauses); n > 0 && s.pauses[n-1].End.IsZero() {
		s.pauses[n-1].End = now
	}
	s.endedAt = now
	s.state = StateFinished
	subs := s.subs
	s.subs = nil
	close(s.stopTick)
	rec := s.recordLocked()
	outdoor := s.selection.Location == model.LocationOutdoor
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if s.deps.Location != nil && outdoor {
		s.deps.Location.Stop()
	}
	if s.deps.Sensors != nil {
		s.deps.Sensors.StopReconnecting()
	}
	s.wg.Wait()
	s.save(rec)

	s.logger.Printf("Session: %s finished", s.id)
	s.notifyState(StateFinished)
	s.event.Notify(Event{Kind: EventRecordingComplete, SessionID: s.id, State: StateFinished})
	return nil
}

// Advance moves the plan to its next step.
func (s *Session) Advance() error {
	s.mu.Lock()
	if s.state != StateRecording && s.state != StatePaused {
		err := &TransitionError{Op: "advance", From: s.state}
		s.mu.Unlock()
		return err
	}
	engine := s.engine
	s.mu.Unlock()

	if engine == nil {
		return ErrNoPlan
	}
	return engine.Advance()
}

// ingest routes one sample. Live values always update; the buffer and the
// plan only see samples while recording.
func (s *Session) ingest(ms model.MetricSample) {
	if s.deps.Live != nil {
		s.deps.Live.Observe(ms)
	}

	s.mu.Lock()
	if s.state != StateRecording {
		s.mu.Unlock()
		return
	}
	buf := s.buffer
	s.odo.observe(ms)
	if ms.Metric == model.MetricHeartRate {
		s.lastHR = ms.Sample.Value
	}
	s.mu.Unlock()

	if err := buf.Append(ms.Metric, ms.Sample); err != nil {
		if errors.Is(err, streambuf.ErrOutOfOrder) || errors.Is(err, streambuf.ErrClosed) {
			return
		}
		s.logger.Printf("Session: %s append %s: %v", s.id, ms.Metric, err)
	}
}

func (s *Session) tickLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Session) tick() {
	s.mu.Lock()
	state := s.state
	elapsed, moving := s.elapsedLocked(s.cfg.Clock())
	progress := plan.Progress{Elapsed: moving, Distance: s.odo.metres(), HeartRate: s.lastHR}
	engine := s.engine
	s.mu.Unlock()

	if state == StateRecording && engine != nil {
		engine.Tick(progress)
	}
	s.event.Notify(Event{Kind: EventTick, SessionID: s.id, State: state, Elapsed: elapsed, Moving: moving})
}

func (s *Session) onPlanEvent(ev plan.Event) {
	s.event.Notify(Event{Kind: EventPlan, SessionID: s.id, State: s.State(), Plan: &ev})
}

func (s *Session) onWarning(w streambuf.Warning) {
	s.event.Notify(Event{Kind: EventWarning, SessionID: s.id, State: s.State(), Warning: &w})
}

func (s *Session) notifyState(state State) {
	s.event.Notify(Event{Kind: EventStateChanged, SessionID: s.id, State: state})
}

func (s *Session) recordLocked() store.SessionRecord {
	rec := store.SessionRecord{
		ID:        s.id,
		Category:  s.selection.Category,
		Location:  s.selection.Location,
		State:     string(s.state),
		StartedAt: s.startedAt,
		EndedAt:   s.endedAt,
		PlanName:  s.planName,
		Profile:   s.profile,
	}
	end := s.endedAt
	if end.IsZero() {
		end = s.cfg.Clock()
	}
	var paused time.Duration
	for _, p := range s.pauses {
		pe := p.End
		if pe.IsZero() {
			pe = end
		}
		paused += pe.Sub(p.Start)
	}
	rec.Paused = paused
	return rec
}

// save persists the session row. Failures are logged; the row only matters
// for crash recovery.
func (s *Session) save(rec store.SessionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SaveTimeout)
	defer cancel()
	if err := s.deps.Store.SaveSession(ctx, rec); err != nil {
		s.logger.Printf("Session: %s failed to save state %s: %v", s.id, rec.State, err)
	}
}
