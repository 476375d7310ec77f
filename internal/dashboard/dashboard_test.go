package dashboard

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/events"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/live"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/model"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/sensors"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/session"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/store"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/submission"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/upload"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type fakeSensors struct {
	mu           sync.Mutex
	found        []sensors.Discovered
	connected    []sensors.SensorConnection
	connectErr   error
	disconnected []string
	stopScans    int
}

func (f *fakeSensors) Scan(ctx context.Context) <-chan sensors.Discovered {
	ch := make(chan sensors.Discovered, len(f.found))
	for _, d := range f.found {
		ch <- d
	}
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

func (f *fakeSensors) StopScan() {
	f.mu.Lock()
	f.stopScans++
	f.mu.Unlock()
}

func (f *fakeSensors) Connect(_ context.Context, id string) (sensors.SensorConnection, error) {
	if f.connectErr != nil {
		return sensors.SensorConnection{}, f.connectErr
	}
	conn := sensors.SensorConnection{ID: id, Name: "KICKR " + id, State: sensors.StateConnected, Battery: -1}
	f.mu.Lock()
	f.connected = append(f.connected, conn)
	f.mu.Unlock()
	return conn, nil
}

func (f *fakeSensors) Disconnect(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, id)
	return nil
}

func (f *fakeSensors) Connections() []sensors.SensorConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sensors.SensorConnection(nil), f.connected...)
}

type fakeSubmitter struct {
	results *events.CallbackEvent[submission.Result]

	mu       sync.Mutex
	attached []string
	pending  []string
	uploads  []string
	empty    []string
	acked    []string
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{results: events.NewCallbackEvent[submission.Result](false)}
}

func (f *fakeSubmitter) Attach(rec submission.Recording) *events.Subscription {
	f.mu.Lock()
	f.attached = append(f.attached, rec.ID())
	f.mu.Unlock()
	return nil
}

func (f *fakeSubmitter) Listen(fn func(submission.Result)) *events.Subscription {
	return f.results.Listen(fn)
}

func (f *fakeSubmitter) Pending() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pending...)
}

func (f *fakeSubmitter) Submit(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, id)
	f.pending = nil
	return "act-" + id, nil
}

func (f *fakeSubmitter) Unacknowledged() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.empty...)
}

func (f *fakeSubmitter) Acknowledge(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, id)
	f.empty = nil
	return nil
}

type staticLive struct {
	snap live.Snapshot
}

func (s staticLive) Snapshot() live.Snapshot { return s.snap }

type fixture struct {
	sensors   *fakeSensors
	submitter *fakeSubmitter
	manager   *session.Manager
	ctrl      *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "recorder.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		sensors:   &fakeSensors{},
		submitter: newFakeSubmitter(),
		manager:   session.NewManager(session.Deps{Store: st}, session.DefaultConfig(), testLogger()),
	}
	sel := session.Selection{Category: model.CategoryBike, Location: model.LocationIndoor}
	f.ctrl = NewController(f.sensors, f.manager, f.submitter, staticLive{}, sel, testLogger())
	t.Cleanup(func() {
		if s, ok := f.manager.Active(); ok {
			_ = s.Finish()
		}
		f.ctrl.Close()
	})
	return f
}

func TestFormatClock(t *testing.T) {
	assert.Equal(t, "0:00:00", formatClock(-time.Second))
	assert.Equal(t, "0:01:05", formatClock(65*time.Second+400*time.Millisecond))
	assert.Equal(t, "2:03:04", formatClock(2*time.Hour+3*time.Minute+4*time.Second))
}

func TestRenderMetrics(t *testing.T) {
	snap := live.Snapshot{
		Counting: false,
		Metrics: map[model.Metric]live.MetricStats{
			model.MetricPower: {Current: 250, Smooth: 248, Avg: 231, Max: 402},
			model.MetricSpeed: {Smooth: 10, Avg: 9, Max: 12.5},
		},
	}
	out := renderMetrics(snap)
	assert.Contains(t, out, " 248 W")
	assert.Contains(t, out, " 402 W")
	assert.Contains(t, out, " 36.0 km/h")
	assert.Contains(t, out, " 45.0 km/h")
	assert.Contains(t, out, "averages paused")
}

func TestDiscoveredItemsAreSortedByRSSI(t *testing.T) {
	f := newFixture(t)
	f.sensors.found = []sensors.Discovered{
		{ID: "AA", Name: "HRM", RSSI: -80},
		{ID: "BB", Name: "", RSSI: -40},
	}

	f.ctrl.ToggleScan()
	require.Eventually(t, func() bool { return len(f.ctrl.View().Discovered) == 2 }, time.Second, 5*time.Millisecond)

	v := f.ctrl.View()
	assert.True(t, v.Scanning)
	assert.Equal(t, []string{"Unknown (BB) [RSSI: -40]", "HRM (AA) [RSSI: -80]"}, discoveredItems(v.Discovered))

	f.ctrl.ToggleScan()
	assert.False(t, f.ctrl.View().Scanning)
	assert.Equal(t, 1, f.sensors.stopScans)
}

func TestConnectAndDisconnect(t *testing.T) {
	f := newFixture(t)
	f.sensors.found = []sensors.Discovered{{ID: "AA", Name: "KICKR", RSSI: -50}}
	f.ctrl.ToggleScan()
	require.Eventually(t, func() bool { return len(f.ctrl.View().Discovered) == 1 }, time.Second, 5*time.Millisecond)

	f.ctrl.ConnectDiscovered(1)
	f.ctrl.ConnectDiscovered(0)
	require.Eventually(t, func() bool { return len(f.ctrl.View().Connections) == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, renderSensors(f.ctrl.View()), "KICKR AA")

	f.ctrl.DisconnectConnected(0)
	assert.Equal(t, []string{"AA"}, f.sensors.disconnected)
}

func TestConnectFailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.sensors.connectErr = &sensors.ConnectError{ID: "AA", Kind: sensors.ConnectTimeout, Err: errors.New("no response")}
	f.sensors.found = []sensors.Discovered{{ID: "AA", RSSI: -50}}
	f.ctrl.ToggleScan()
	require.Eventually(t, func() bool { return len(f.ctrl.View().Discovered) == 1 }, time.Second, 5*time.Millisecond)

	f.ctrl.ConnectDiscovered(0)
	require.Eventually(t, func() bool {
		return containsText(f.ctrl.View().Notices, "connect AA failed")
	}, time.Second, 5*time.Millisecond)
}

func containsText(lines []string, text string) bool {
	for _, l := range lines {
		if strings.Contains(l, text) {
			return true
		}
	}
	return false
}

func TestToggleRecordingLifecycle(t *testing.T) {
	f := newFixture(t)

	v := f.ctrl.View()
	assert.Equal(t, session.StateNotStarted, v.State)
	assert.Contains(t, renderPlan(v), "free ride")

	f.ctrl.ToggleRecording()
	v = f.ctrl.View()
	require.Equal(t, session.StateRecording, v.State)
	first := v.SessionID
	assert.Equal(t, []string{first}, f.submitter.attached)
	assert.Contains(t, renderSession(v), "RECORDING")

	f.ctrl.ToggleRecording()
	assert.Equal(t, session.StatePaused, f.ctrl.View().State)
	f.ctrl.ToggleRecording()
	assert.Equal(t, session.StateRecording, f.ctrl.View().State)

	f.ctrl.Finish()
	assert.Equal(t, session.StateFinished, f.ctrl.View().State)

	f.ctrl.ToggleRecording()
	v = f.ctrl.View()
	assert.Equal(t, session.StateRecording, v.State)
	assert.NotEqual(t, first, v.SessionID)
}

func TestQuitFinishesActiveRecording(t *testing.T) {
	f := newFixture(t)
	quits := 0
	f.ctrl.ListenQuit(func(struct{}) { quits++ })

	f.ctrl.ToggleRecording()
	f.ctrl.Quit()

	assert.Equal(t, 1, quits)
	assert.Equal(t, session.StateFinished, f.ctrl.View().State)
}

func TestRetryUploads(t *testing.T) {
	f := newFixture(t)
	f.ctrl.RetryUploads()
	assert.True(t, containsText(f.ctrl.View().Notices, "nothing to upload"))

	f.submitter.pending = []string{"s1"}
	assert.Contains(t, renderSession(f.ctrl.View()), "1 upload(s) pending")
	f.ctrl.RetryUploads()
	require.Eventually(t, func() bool { return containsText(f.ctrl.View().Notices, "uploaded s1") }, time.Second, 5*time.Millisecond)
}

func TestResultsBecomeNotices(t *testing.T) {
	f := newFixture(t)
	f.submitter.results.Notify(submission.Result{SessionID: "s1", Stage: submission.StageProcess, Err: submission.ErrNoStreamData})
	f.submitter.results.Notify(submission.Result{SessionID: "s2", Stage: submission.StageUpload, ActivityID: "act-9"})

	notices := f.ctrl.View().Notices
	assert.True(t, containsText(notices, "session s1 recorded no data"))
	assert.True(t, containsText(notices, "session s2 uploaded as act-9"))
}

func TestDiscardEmptySessions(t *testing.T) {
	f := newFixture(t)
	f.ctrl.DiscardEmpty()
	assert.True(t, containsText(f.ctrl.View().Notices, "nothing to discard"))

	f.submitter.empty = []string{"s1", "s2"}
	assert.Contains(t, renderSession(f.ctrl.View()), "2 empty session(s)")
	f.ctrl.DiscardEmpty()

	assert.Equal(t, []string{"s1", "s2"}, f.submitter.acked)
	notices := f.ctrl.View().Notices
	assert.True(t, containsText(notices, "discarded s1"))
	assert.True(t, containsText(notices, "discarded s2"))
	assert.Empty(t, f.ctrl.View().Empty)
}

func TestEmptyRecordingIsRemovedAfterDiscard(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "recorder.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	manager := session.NewManager(session.Deps{Store: st}, session.DefaultConfig(), testLogger())
	processor := submission.NewProcessor(upload.Unconfigured{}, st, submission.DefaultConfig(), testLogger())
	sel := session.Selection{Category: model.CategoryBike, Location: model.LocationIndoor}
	ctrl := NewController(&fakeSensors{}, manager, processor, staticLive{}, sel, testLogger())
	t.Cleanup(ctrl.Close)

	ctrl.ToggleRecording()
	id := ctrl.View().SessionID
	require.NotEmpty(t, id)
	ctrl.Finish()
	processor.Wait()

	require.Equal(t, []string{id}, ctrl.View().Empty)
	assert.True(t, containsText(ctrl.View().Notices, "session "+id+" recorded no data"))
	recs, err := st.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)

	ctrl.DiscardEmpty()
	recs, err = st.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Empty(t, ctrl.View().Empty)
}
