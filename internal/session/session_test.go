package session

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/events"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/live"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/model"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/plan"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/sensors"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/store"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/streambuf"
)

var t0 = time.Date(2026, 5, 9, 17, 0, 0, 0, time.UTC)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSensors struct {
	event *events.CallbackEvent[model.MetricSample]

	mu          sync.Mutex
	stopCalls   int
	hasTrainer  bool
	powerWrites []int
}

func newFakeSensors() *fakeSensors {
	return &fakeSensors{event: events.NewCallbackEvent[model.MetricSample](false)}
}

func (f *fakeSensors) ListenSamples(cb func(model.MetricSample)) *events.Subscription {
	return f.event.Listen(cb)
}

func (f *fakeSensors) GetControllableTrainer() (sensors.Trainer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasTrainer {
		return nil, false
	}
	return f, true
}

func (f *fakeSensors) StopReconnecting() {
	f.mu.Lock()
	f.stopCalls++
	f.mu.Unlock()
}

func (f *fakeSensors) ID() string { return "trainer" }

func (f *fakeSensors) SetTargetPower(w int) error {
	f.mu.Lock()
	f.powerWrites = append(f.powerWrites, w)
	f.mu.Unlock()
	return nil
}

func (f *fakeSensors) SetTargetGrade(float64) error { return nil }

func (f *fakeSensors) emit(metric model.Metric, at time.Time, v float64) {
	f.event.Notify(model.MetricSample{Metric: metric, Sample: model.Sample{Time: at, Value: v}, Source: "dev"})
}

type permissions map[Permission]PermissionStatus

func (p permissions) Check(perm Permission) PermissionStatus {
	return p[perm]
}

type rig struct {
	store   *store.Store
	sensors *fakeSensors
	clock   *fakeClock
	live    *live.Aggregator
	deps    Deps
	cfg     Config
	manager *Manager
}

func newRig(t *testing.T) *rig {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "recorder.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	r := &rig{
		store:   st,
		sensors: newFakeSensors(),
		clock:   &fakeClock{now: t0},
		live:    live.NewAggregator(live.DefaultConfig(), testLogger()),
	}
	r.deps = Deps{
		Store:   st,
		Sensors: r.sensors,
		Live:    r.live,
		Profile: func() model.Profile { return model.Profile{FTP: 250, ThresholdHR: 165} },
	}
	r.cfg = Config{
		TickInterval: 10 * time.Millisecond,
		Buffer:       streambuf.Config{ChunkSize: 2, FlushInterval: 50 * time.Millisecond},
		Clock:        r.clock.Now,
	}
	r.manager = NewManager(r.deps, r.cfg, testLogger())
	return r
}

func (r *rig) started(t *testing.T, sel Selection) *Session {
	t.Helper()
	s, err := r.manager.NewSession()
	require.NoError(t, err)
	_, err = s.SelectActivity(sel)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		if st := s.State(); st == StateRecording || st == StatePaused {
			_ = s.Finish()
		}
	})
	return s
}

func aggregate(t *testing.T, s *Session) *streambuf.Aggregation {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Buffer().Close(ctx))
	agg, err := s.Buffer().AggregateAllChunks(ctx)
	require.NoError(t, err)
	return agg
}

func TestInvalidTransitions(t *testing.T) {
	r := newRig(t)
	s, err := r.manager.NewSession()
	require.NoError(t, err)
	assert.Equal(t, StateNotStarted, s.State())

	err = s.Pause()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "pause", te.Op)
	assert.Equal(t, StateNotStarted, te.From)
	assert.Equal(t, StateNotStarted, s.State())

	assert.ErrorIs(t, s.Start(context.Background()), ErrInvalidTransition)
	assert.ErrorIs(t, s.Resume(), ErrInvalidTransition)
	assert.ErrorIs(t, s.Finish(), ErrInvalidTransition)
	assert.ErrorIs(t, s.Advance(), ErrInvalidTransition)

	_, err = s.SelectActivity(Selection{Category: model.CategoryRun})
	require.NoError(t, err)
	assert.Equal(t, StateArmed, s.State())
	assert.ErrorIs(t, s.Pause(), ErrInvalidTransition)

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Resume(), ErrInvalidTransition)
	_, err = s.SelectActivity(Selection{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, s.Advance(), ErrNoPlan)

	require.NoError(t, s.Finish())
	assert.ErrorIs(t, s.Finish(), ErrInvalidTransition)
	assert.ErrorIs(t, s.Pause(), ErrInvalidTransition)
	assert.Equal(t, StateFinished, s.State())
}

func TestStartRequiresPermissions(t *testing.T) {
	r := newRig(t)
	r.deps.Permissions = permissions{
		PermissionLocation:           PermissionDenied,
		PermissionBackgroundLocation: PermissionDeniedPermanently,
		PermissionBluetooth:          PermissionGranted,
	}
	m := NewManager(r.deps, r.cfg, testLogger())

	s, err := m.NewSession()
	require.NoError(t, err)
	_, err = s.SelectActivity(Selection{Location: model.LocationOutdoor})
	require.NoError(t, err)

	err = s.Start(context.Background())
	assert.ErrorIs(t, err, ErrPermissionsRequired)
	var pe *PermissionsError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, []MissingPermission{
		{Permission: PermissionLocation, CanAskAgain: true},
		{Permission: PermissionBackgroundLocation, CanAskAgain: false},
	}, pe.Missing)
	assert.Equal(t, StateArmed, s.State())
	assert.Nil(t, s.Buffer())

	// indoor rides only need bluetooth
	_, err = s.SelectActivity(Selection{Location: model.LocationIndoor})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Finish())
}

func TestPauseExcludedFromMovingTime(t *testing.T) {
	for _, pause := range []time.Duration{0, time.Second, 5 * time.Minute} {
		t.Run(pause.String(), func(t *testing.T) {
			r := newRig(t)
			s := r.started(t, Selection{})

			r.clock.Advance(time.Minute)
			require.NoError(t, s.Pause())
			r.clock.Advance(pause)
			require.NoError(t, s.Resume())
			r.clock.Advance(30 * time.Second)
			require.NoError(t, s.Finish())

			elapsed, moving := s.Elapsed()
			assert.Equal(t, 90*time.Second+pause, elapsed)
			assert.Equal(t, elapsed-pause, moving)
			require.Len(t, s.Pauses(), 1)
		})
	}
}

// eagerLocation delivers a fix from inside Start.
type eagerLocation struct {
	event   *events.CallbackEvent[model.MetricSample]
	at      time.Time
	stopped int
}

func (l *eagerLocation) ListenSamples(cb func(model.MetricSample)) *events.Subscription {
	return l.event.Listen(cb)
}

func (l *eagerLocation) Start(context.Context) error {
	l.event.Notify(model.MetricSample{Metric: model.MetricLatitude, Sample: model.Sample{Time: l.at, Value: 51.5}, Source: sensors.LocationSource})
	return nil
}

func (l *eagerLocation) Stop() { l.stopped++ }

func TestStartWithSynchronousLocationFix(t *testing.T) {
	r := newRig(t)
	loc := &eagerLocation{event: events.NewCallbackEvent[model.MetricSample](false), at: t0}
	r.deps.Location = loc
	m := NewManager(r.deps, r.cfg, testLogger())

	s, err := m.NewSession()
	require.NoError(t, err)
	_, err = s.SelectActivity(Selection{Location: model.LocationOutdoor})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return while the location provider delivered a fix")
	}
	assert.Equal(t, StateRecording, s.State())

	require.NoError(t, s.Finish())
	assert.Equal(t, 1, loc.stopped)
	assert.Zero(t, loc.event.ListenerCount())

	agg := aggregate(t, s)
	lat := agg.Streams[model.MetricLatitude]
	require.NotNil(t, lat)
	assert.Equal(t, []float64{51.5}, lat.Values())
}

func TestPausedSamplesAreNotBuffered(t *testing.T) {
	r := newRig(t)
	s := r.started(t, Selection{})

	r.sensors.emit(model.MetricHeartRate, t0.Add(time.Second), 120)
	require.NoError(t, s.Pause())
	r.sensors.emit(model.MetricHeartRate, t0.Add(2*time.Second), 180)

	st, ok := r.live.Snapshot().Get(model.MetricHeartRate)
	require.True(t, ok)
	assert.Equal(t, 180.0, st.Current)
	assert.Equal(t, 1, st.Count)

	require.NoError(t, s.Resume())
	r.sensors.emit(model.MetricHeartRate, t0.Add(3*time.Second), 130)
	// older than the last one appended, dropped
	r.sensors.emit(model.MetricHeartRate, t0.Add(500*time.Millisecond), 99)
	require.NoError(t, s.Finish())

	agg := aggregate(t, s)
	hr := agg.Streams[model.MetricHeartRate]
	require.NotNil(t, hr)
	assert.Equal(t, []float64{120, 130}, hr.Values())
}

func TestFinishEmitsRecordingComplete(t *testing.T) {
	r := newRig(t)
	s := r.started(t, Selection{})

	var mu sync.Mutex
	var kinds []EventKind
	var states []State
	sub := s.Subscribe(func(ev Event) {
		if ev.Kind == EventTick {
			return
		}
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		states = append(states, ev.State)
		mu.Unlock()
	})
	defer sub.Unsubscribe()

	require.NoError(t, s.Pause())
	r.clock.Advance(10 * time.Second)
	require.NoError(t, s.Finish())

	mu.Lock()
	assert.Equal(t, []EventKind{EventStateChanged, EventStateChanged, EventRecordingComplete}, kinds)
	assert.Equal(t, []State{StatePaused, StateFinished, StateFinished}, states)
	mu.Unlock()

	assert.Equal(t, 1, r.sensors.stopCalls)
	assert.Equal(t, t0.Add(10*time.Second), s.EndedAt())
	assert.Zero(t, r.sensors.event.ListenerCount())

	rec, err := r.store.LoadSession(context.Background(), s.ID())
	require.NoError(t, err)
	assert.Equal(t, string(StateFinished), rec.State)
	assert.Equal(t, 10*time.Second, rec.Paused)
}

func TestTickEvents(t *testing.T) {
	r := newRig(t)
	s := r.started(t, Selection{})

	ticks := make(chan Event, 16)
	sub := s.Subscribe(func(ev Event) {
		if ev.Kind == EventTick {
			select {
			case ticks <- ev:
			default:
			}
		}
	})
	defer sub.Unsubscribe()

	r.clock.Advance(42 * time.Second)
	require.Eventually(t, func() bool {
		select {
		case ev := <-ticks:
			return ev.Moving == 42*time.Second
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPlanDrivesTrainer(t *testing.T) {
	r := newRig(t)
	r.sensors.hasTrainer = true
	p, err := plan.Parse([]byte(`{"name": "ERG", "structure": [
		{"name": "A", "duration": {"type": "time", "seconds": 60}, "targets": [{"type": "%FTP", "intensity": 80}]},
		{"name": "B", "duration": {"type": "time", "seconds": 60}, "targets": [{"type": "%FTP", "intensity": 100}]}
	]}`))
	require.NoError(t, err)

	s, err := r.manager.NewSession()
	require.NoError(t, err)
	req, err := s.SelectActivity(Selection{Plan: p})
	require.NoError(t, err)
	assert.True(t, req.OK())
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, "ERG", s.PlanName())

	r.sensors.mu.Lock()
	assert.Equal(t, []int{200}, r.sensors.powerWrites)
	r.sensors.mu.Unlock()

	// the tick loop completes step A once a minute of moving time has passed
	r.clock.Advance(61 * time.Second)
	require.Eventually(t, func() bool {
		r.sensors.mu.Lock()
		defer r.sensors.mu.Unlock()
		return len(r.sensors.powerWrites) == 2
	}, 2*time.Second, 5*time.Millisecond)

	r.sensors.mu.Lock()
	assert.Equal(t, []int{200, 250}, r.sensors.powerWrites)
	r.sensors.mu.Unlock()
	_, step, ok := s.Engine().Current()
	require.True(t, ok)
	assert.Equal(t, "B", step.Name)
	assert.ErrorIs(t, s.Advance(), plan.ErrCannotAdvance)
	require.NoError(t, s.Finish())
}

func TestSelectActivityReportsMissingProfileValues(t *testing.T) {
	r := newRig(t)
	r.deps.Profile = func() model.Profile { return model.Profile{} }
	m := NewManager(r.deps, r.cfg, testLogger())
	p, err := plan.Parse([]byte(`{"structure": [{"duration": {"type": "until_finished"}, "targets": [{"type": "%FTP", "intensity": 90}]}]}`))
	require.NoError(t, err)

	s, err := m.NewSession()
	require.NoError(t, err)
	req, err := s.SelectActivity(Selection{Plan: p})
	require.NoError(t, err)
	require.Len(t, req.Missing, 1)
	assert.Equal(t, plan.FieldFTP, req.Missing[0].Field)
	// a start is still allowed
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Finish())
}

func TestManagerSingleActiveSession(t *testing.T) {
	r := newRig(t)
	first, err := r.manager.NewSession()
	require.NoError(t, err)

	_, err = r.manager.NewSession()
	assert.ErrorIs(t, err, ErrSessionActive)

	active, ok := r.manager.Active()
	require.True(t, ok)
	assert.Same(t, first, active)

	_, err = first.SelectActivity(Selection{})
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))
	var te *TransitionError
	assert.ErrorAs(t, r.manager.Release(first.ID()), &te)
	assert.ErrorIs(t, r.manager.Release("other"), ErrUnknownSession)

	require.NoError(t, first.Finish())
	second, err := r.manager.NewSession()
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())

	require.NoError(t, r.manager.Release(second.ID()))
	_, ok = r.manager.Active()
	assert.False(t, ok)
}

func TestRecoverInterruptedSession(t *testing.T) {
	r := newRig(t)
	s := r.started(t, Selection{Category: model.CategoryBike})
	for i := 1; i <= 5; i++ {
		r.sensors.emit(model.MetricPower, t0.Add(time.Duration(i)*time.Second), float64(200+i))
	}
	r.clock.Advance(30 * time.Second)
	require.NoError(t, s.Pause())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Buffer().Flush(ctx))

	// a new process finds the row left behind
	m := NewManager(r.deps, r.cfg, testLogger())
	recovered, err := m.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, recovered, 1)

	got := recovered[0]
	assert.Equal(t, s.ID(), got.ID())
	assert.True(t, got.Recovered())
	assert.Equal(t, StateFinished, got.State())
	assert.Equal(t, t0.Add(5*time.Second), got.EndedAt())
	assert.Equal(t, 250.0, got.Profile().FTP)

	agg, err := got.Buffer().AggregateAllChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, agg.Streams[model.MetricPower].Count)

	rec, err := r.store.LoadSession(ctx, s.ID())
	require.NoError(t, err)
	assert.Equal(t, string(StateFinished), rec.State)

	// the active session of this manager is never recovered
	active, err := r.manager.Recover(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}
