package sensors

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/bt"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/model"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/store"
)

const (
	hrAddr      = "AA:00:00:00:00:01"
	trainerAddr = "AA:00:00:00:00:02"
	pmAddr      = "AA:00:00:00:00:03"
	batteryAddr = "AA:00:00:00:00:04"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testConfig() Config {
	return Config{
		ConnectTimeout:   200 * time.Millisecond,
		ReconnectInitial: 5 * time.Millisecond,
		ReconnectMax:     20 * time.Millisecond,
		ReconnectGiveUp:  0,
	}
}

func newTestRig(t *testing.T, cfg Config) (*Manager, *MockBTManager) {
	t.Helper()
	logger := testLogger()
	btm := NewMockBTManager(logger,
		NewMockBTDevice(logger, MockBTDeviceConfig{Address: hrAddr, LocalName: "HR", ServiceUUIDs: []string{ServiceUUIDHeartRate, ServiceUUIDBattery}}),
		NewMockBTDevice(logger, MockBTDeviceConfig{Address: trainerAddr, LocalName: "Trainer", ServiceUUIDs: []string{ServiceUUIDFTMS}}),
		NewMockBTDevice(logger, MockBTDeviceConfig{Address: pmAddr, LocalName: "PM", ServiceUUIDs: []string{ServiceUUIDCyclingPower}}),
		NewMockBTDevice(logger, MockBTDeviceConfig{Address: batteryAddr, LocalName: "Tag", ServiceUUIDs: []string{ServiceUUIDBattery}}),
	)
	m := NewManager(btm, cfg, nil, logger)
	t.Cleanup(func() {
		m.Shutdown()
		btm.Shutdown()
	})
	return m, btm
}

type sampleSink struct {
	mu      sync.Mutex
	samples []model.MetricSample
}

func (s *sampleSink) add(ms model.MetricSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, ms)
}

func (s *sampleSink) of(metric model.Metric) []model.MetricSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.MetricSample
	for _, ms := range s.samples {
		if ms.Metric == metric {
			out = append(out, ms)
		}
	}
	return out
}

func TestScanSuppressesDuplicates(t *testing.T) {
	m, _ := newTestRig(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()

	seen := make(map[string]int)
	for d := range m.Scan(ctx) {
		seen[d.ID]++
	}
	// the battery-only tag exposes nothing we can record
	assert.Equal(t, map[string]int{hrAddr: 1, trainerAddr: 1, pmAddr: 1}, seen)
}

func TestScanStopDoesNotAffectConnections(t *testing.T) {
	m, btm := newTestRig(t, testConfig())
	_, err := m.Connect(context.Background(), hrAddr)
	require.NoError(t, err)

	results := m.Scan(context.Background())
	<-results
	m.StopScan()
	for range results {
	}

	assert.False(t, btm.IsScanning())
	require.Len(t, m.Connections(), 1)
	assert.Equal(t, StateConnected, m.Connections()[0].State)
}

func TestConnectSubscribesAndEmitsSamples(t *testing.T) {
	m, btm := newTestRig(t, testConfig())
	sink := &sampleSink{}
	sub := m.ListenSamples(sink.add)
	defer sub.Unsubscribe()

	conn, err := m.Connect(context.Background(), hrAddr)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, conn.State)
	assert.Equal(t, 87, conn.Battery)
	assert.True(t, conn.Has(CapabilityHeartRate))

	btm.Device(hrAddr).SetValues(152, 0, 0, 0)
	btm.Device(hrAddr).TriggerAllNotifications()

	hr := sink.of(model.MetricHeartRate)
	require.Len(t, hr, 1)
	assert.Equal(t, 152.0, hr[0].Sample.Value)
	assert.Equal(t, hrAddr, hr[0].Source)

	// connecting again is a no-op
	again, err := m.Connect(context.Background(), hrAddr)
	require.NoError(t, err)
	assert.Equal(t, conn, again)
	assert.Len(t, m.Connections(), 1)
}

func TestConnectErrorClassification(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		cfg := testConfig()
		cfg.ConnectTimeout = 30 * time.Millisecond
		m, btm := newTestRig(t, cfg)
		btm.SetConnectDelay(time.Second)

		_, err := m.Connect(context.Background(), hrAddr)
		var ce *ConnectError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, ConnectTimeout, ce.Kind)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Empty(t, m.Connections())
	})

	t.Run("rejected", func(t *testing.T) {
		m, btm := newTestRig(t, testConfig())
		refused := errors.New("refused by peer")
		btm.FailConnects(1, refused)

		_, err := m.Connect(context.Background(), hrAddr)
		var ce *ConnectError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, ConnectRejected, ce.Kind)
		assert.ErrorIs(t, err, refused)
	})

	t.Run("unsupported", func(t *testing.T) {
		m, _ := newTestRig(t, testConfig())
		_, err := m.Connect(context.Background(), batteryAddr)
		var ce *ConnectError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, ConnectUnsupported, ce.Kind)
		assert.ErrorIs(t, err, ErrNoSupportedStream)
	})

	t.Run("unknown device", func(t *testing.T) {
		m, _ := newTestRig(t, testConfig())
		_, err := m.Connect(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrUnknownDevice)
	})
}

func TestReconnectionKeepsIdentity(t *testing.T) {
	m, btm := newTestRig(t, testConfig())
	sink := &sampleSink{}
	defer m.ListenSamples(sink.add).Unsubscribe()

	_, err := m.Connect(context.Background(), hrAddr)
	require.NoError(t, err)
	m.mu.Lock()
	before := m.conns[hrAddr]
	m.mu.Unlock()

	btm.FailConnects(3, errors.New("out of range"))
	btm.DropLink(hrAddr)

	conns := m.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, hrAddr, conns[0].ID)

	require.Eventually(t, func() bool {
		c := m.Connections()
		return len(c) == 1 && c[0].State == StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	conns = m.Connections()
	assert.False(t, conns[0].Reconnecting)
	m.mu.Lock()
	after := m.conns[hrAddr]
	m.mu.Unlock()
	assert.Same(t, before, after)

	btm.Device(hrAddr).TriggerAllNotifications()
	assert.Len(t, sink.of(model.MetricHeartRate), 1)
}

func TestReconnectionShowsReconnectingState(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectInitial = time.Hour
	cfg.ReconnectMax = time.Hour
	m, btm := newTestRig(t, cfg)

	_, err := m.Connect(context.Background(), hrAddr)
	require.NoError(t, err)
	btm.FailConnects(1, errors.New("out of range"))
	btm.DropLink(hrAddr)

	require.Eventually(t, func() bool {
		return btm.Device(hrAddr).GetState() == bt.Disconnected && len(m.Connections()) == 1
	}, time.Second, 5*time.Millisecond)
	c := m.Connections()[0]
	assert.Equal(t, StateDisconnected, c.State)
	assert.True(t, c.Reconnecting)

	m.StopReconnecting()
	require.Eventually(t, func() bool {
		return !m.Connections()[0].Reconnecting
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateDisconnected, m.Connections()[0].State)
}

func TestReconnectionGivesUp(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectGiveUp = 60 * time.Millisecond
	m, btm := newTestRig(t, cfg)

	_, err := m.Connect(context.Background(), hrAddr)
	require.NoError(t, err)
	btm.FailConnects(1000, errors.New("gone"))
	btm.DropLink(hrAddr)

	require.Eventually(t, func() bool {
		c := m.Connections()
		return len(c) == 1 && !c[0].Reconnecting
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateDisconnected, m.Connections()[0].State)
}

func TestUserDisconnectIsNotRetried(t *testing.T) {
	m, btm := newTestRig(t, testConfig())
	_, err := m.Connect(context.Background(), hrAddr)
	require.NoError(t, err)

	require.NoError(t, m.Disconnect(hrAddr))
	assert.Empty(t, m.Connections())
	assert.False(t, btm.Device(hrAddr).IsConnected())

	time.Sleep(50 * time.Millisecond)
	assert.False(t, btm.Device(hrAddr).IsConnected())
	assert.ErrorIs(t, m.Disconnect(hrAddr), ErrNotConnected)
}

func TestControllableTrainer(t *testing.T) {
	m, btm := newTestRig(t, testConfig())
	_, ok := m.GetControllableTrainer()
	assert.False(t, ok)

	_, err := m.Connect(context.Background(), hrAddr)
	require.NoError(t, err)
	_, ok = m.GetControllableTrainer()
	assert.False(t, ok, "a heart rate strap is not a trainer")

	_, err = m.Connect(context.Background(), trainerAddr)
	require.NoError(t, err)
	trainer, ok := m.GetControllableTrainer()
	require.True(t, ok)
	assert.Equal(t, trainerAddr, trainer.ID())

	require.NoError(t, trainer.SetTargetPower(5000))
	assert.Equal(t, int16(MaxTargetPowerWatts), btm.Device(trainerAddr).TargetPower())
	require.NoError(t, trainer.SetTargetPower(190))
	assert.Equal(t, int16(190), btm.Device(trainerAddr).TargetPower())
	require.NoError(t, trainer.SetTargetGrade(4.5))

	var descriptions []string
	for _, w := range btm.Device(trainerAddr).WrittenValues() {
		descriptions = append(descriptions, w.Description)
	}
	assert.Equal(t, []string{
		"Request Control",
		"Start/Resume",
		"Set Target Power: 2000W",
		"Set Target Power: 190W",
		"Set Grade: 4.50%",
	}, descriptions)

	btm.FailConnects(1000, errors.New("gone"))
	btm.DropLink(trainerAddr)
	_, ok = m.GetControllableTrainer()
	assert.False(t, ok, "trainer control is lost with the link")
}

func TestSingleSourcePerMetric(t *testing.T) {
	m, btm := newTestRig(t, testConfig())
	sink := &sampleSink{}
	defer m.ListenSamples(sink.add).Unsubscribe()

	_, err := m.Connect(context.Background(), trainerAddr)
	require.NoError(t, err)
	_, err = m.Connect(context.Background(), pmAddr)
	require.NoError(t, err)

	btm.Device(trainerAddr).TriggerAllNotifications()
	btm.Device(pmAddr).TriggerAllNotifications()
	for _, s := range sink.of(model.MetricPower) {
		assert.Equal(t, trainerAddr, s.Source)
	}

	require.NoError(t, m.Disconnect(trainerAddr))
	btm.Device(pmAddr).TriggerAllNotifications()
	power := sink.of(model.MetricPower)
	assert.Equal(t, pmAddr, power[len(power)-1].Source)
}

func TestListenConnectionsReplaysLatest(t *testing.T) {
	m, _ := newTestRig(t, testConfig())
	_, err := m.Connect(context.Background(), hrAddr)
	require.NoError(t, err)

	ch := make(chan []SensorConnection, 1)
	sub := m.ListenConnections(ch)
	defer sub.Unsubscribe()

	got := <-ch
	require.Len(t, got, 1)
	assert.Equal(t, StateConnected, got[0].State)
}

type memoryStore struct {
	mu    sync.Mutex
	saved map[string]store.KnownSensor
}

func (s *memoryStore) SaveKnownSensor(ctx context.Context, k store.KnownSensor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[k.ID] = k
	return nil
}

func (s *memoryStore) KnownSensors(ctx context.Context) ([]store.KnownSensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.KnownSensor
	for _, k := range s.saved {
		out = append(out, k)
	}
	return out, nil
}

func TestKnownSensorsAreRememberedAndReconnected(t *testing.T) {
	mem := &memoryStore{saved: make(map[string]store.KnownSensor)}
	logger := testLogger()
	btm := NewMockBTManager(logger,
		NewMockBTDevice(logger, MockBTDeviceConfig{Address: hrAddr, LocalName: "HR", ServiceUUIDs: []string{ServiceUUIDHeartRate}}),
		NewMockBTDevice(logger, MockBTDeviceConfig{Address: pmAddr, LocalName: "PM", ServiceUUIDs: []string{ServiceUUIDCyclingPower}}),
	)
	defer btm.Shutdown()

	first := NewManager(btm, testConfig(), mem, logger)
	_, err := first.Connect(context.Background(), hrAddr)
	require.NoError(t, err)
	first.Shutdown()

	require.Contains(t, mem.saved, hrAddr)
	assert.Equal(t, []string{string(CapabilityHeartRate)}, mem.saved[hrAddr].Capabilities)

	second := NewManager(btm, testConfig(), mem, logger)
	defer second.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ids, err := second.ConnectKnown(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{hrAddr}, ids)
	require.Len(t, second.Connections(), 1)
	assert.Equal(t, hrAddr, second.Connections()[0].ID)
}
