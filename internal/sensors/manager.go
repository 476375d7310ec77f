// Package sensors discovers, connects and monitors BLE fitness sensors and
// turns their notifications into metric samples.
package sensors

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/bt"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/events"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/model"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/store"
)

// State is the connection state of a sensor.
type State string

const (
	StateDiscovered   State = "discovered"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// SensorConnection is a snapshot of one sensor in the connected set. The same
// ID survives link loss and reconnection.
type SensorConnection struct {
	ID           string
	Name         string
	Capabilities []Capability
	State        State
	Reconnecting bool
	// Battery is the last read battery level in percent, or -1 if unknown.
	Battery int
}

// Has reports whether the sensor provides c.
func (s SensorConnection) Has(c Capability) bool {
	return hasCapability(s.Capabilities, c)
}

// Discovered is one scan result.
type Discovered struct {
	ID           string
	Name         string
	RSSI         int16
	Capabilities []Capability
}

var (
	ErrUnknownDevice     = errors.New("sensors: device not found")
	ErrNoSupportedStream = errors.New("sensors: device exposes no supported service")
	ErrConnectInProgress = errors.New("sensors: connection already in progress")
	ErrNotConnected      = errors.New("sensors: sensor not in connected set")
	ErrDisconnected      = errors.New("sensors: disconnected while connecting")
)

// ConnectErrorKind classifies connection failures.
type ConnectErrorKind string

const (
	ConnectTimeout     ConnectErrorKind = "timeout"
	ConnectRejected    ConnectErrorKind = "rejected"
	ConnectUnsupported ConnectErrorKind = "unsupported"
)

// ConnectError is returned by Connect.
type ConnectError struct {
	ID   string
	Kind ConnectErrorKind
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %s: %v", e.ID, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func classifyConnectError(id string, err error) *ConnectError {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce
	}
	kind := ConnectRejected
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ConnectTimeout
	}
	return &ConnectError{ID: id, Kind: kind, Err: err}
}

// Config holds the sensor manager settings.
type Config struct {
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	ReconnectInitial time.Duration `mapstructure:"reconnect_initial"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max"`
	// ReconnectGiveUp bounds background reconnection after link loss.
	// Zero keeps trying until StopReconnecting is called.
	ReconnectGiveUp     time.Duration `mapstructure:"reconnect_give_up"`
	WheelCircumferenceM float64       `mapstructure:"wheel_circumference_m"`
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:      10 * time.Second,
		ReconnectInitial:    time.Second,
		ReconnectMax:        30 * time.Second,
		ReconnectGiveUp:     10 * time.Minute,
		WheelCircumferenceM: 2.105,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = d.ReconnectInitial
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = d.ReconnectMax
	}
	if c.ReconnectGiveUp < 0 {
		c.ReconnectGiveUp = 0
	}
	if c.WheelCircumferenceM <= 0 {
		c.WheelCircumferenceM = d.WheelCircumferenceM
	}
	return c
}

// KnownSensorStore remembers sensors across runs.
type KnownSensorStore interface {
	SaveKnownSensor(ctx context.Context, k store.KnownSensor) error
	KnownSensors(ctx context.Context) ([]store.KnownSensor, error)
}

type connection struct {
	id             string
	name           string
	caps           []Capability
	state          State
	reconnecting   bool
	battery        int
	device         bt.BTDevice
	trainer        *ftmsTrainer
	userDisconnect bool
	stopReconnect  context.CancelFunc
}

func (c *connection) snapshot() SensorConnection {
	return SensorConnection{
		ID:           c.id,
		Name:         c.name,
		Capabilities: append([]Capability(nil), c.caps...),
		State:        c.state,
		Reconnecting: c.reconnecting,
		Battery:      c.battery,
	}
}

// Manager owns every sensor connection. Connection state changes only here.
type Manager struct {
	bt     bt.BTManagerInterface
	cfg    Config
	logger *log.Logger
	memory KnownSensorStore
	now    func() time.Time

	mu         sync.Mutex
	conns      map[string]*connection
	owners     map[model.Metric]string
	scanCancel context.CancelFunc
	scanGen    uint64

	samplesEvent     *events.CallbackEvent[model.MetricSample]
	connectionsEvent *events.ChannelEvent[[]SensorConnection]
	linkSub          *events.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager wires a manager to a BLE manager. memory may be nil.
func NewManager(btManager bt.BTManagerInterface, cfg Config, memory KnownSensorStore, logger *log.Logger) *Manager {
	if btManager == nil {
		panic("Sensors: btManager cannot be nil")
	}
	if logger == nil {
		panic("Sensors: logger cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		bt:               btManager,
		cfg:              cfg.withDefaults(),
		logger:           logger,
		memory:           memory,
		now:              time.Now,
		conns:            make(map[string]*connection),
		owners:           make(map[model.Metric]string),
		samplesEvent:     events.NewCallbackEvent[model.MetricSample](false),
		connectionsEvent: events.NewChannelEvent[[]SensorConnection](true),
		ctx:              ctx,
		cancel:           cancel,
	}
	m.linkSub = btManager.ListenToConnectionChanges(m.onConnectionChange)
	return m
}

// Scan starts discovery and returns a stream of devices, each reported once.
// Calling Scan again replaces the running scan. The channel closes when ctx
// ends or StopScan is called; connected devices are not affected.
func (m *Manager) Scan(ctx context.Context) <-chan Discovered {
	out := make(chan Discovered, 16)

	m.mu.Lock()
	if m.scanCancel != nil {
		m.scanCancel()
	}
	scanCtx, cancel := context.WithCancel(ctx)
	m.scanGen++
	gen := m.scanGen
	m.scanCancel = cancel
	m.mu.Unlock()

	listCh := make(chan []bt.BTDevice, 4)
	sub := m.bt.ListenToDeviceList(listCh)
	m.bt.StartScan(ScanServiceUUIDs())
	m.logger.Printf("Sensors: scan %d started", gen)

	go_func_utils.Go(m.logger, &m.wg, func() {
		defer close(out)
		defer cancel()
		defer m.endScan(gen)
		defer sub.Unsubscribe()

		seen := make(map[string]bool)
		for {
			select {
			case <-scanCtx.Done():
				return
			case <-m.ctx.Done():
				return
			case devices := <-listCh:
				for _, d := range devices {
					id := d.GetAddressString()
					if seen[id] {
						continue
					}
					caps := capabilitiesOf(d.HasServiceUUID)
					if len(caps) == 0 {
						continue
					}
					seen[id] = true
					rssi, _ := d.GetScanRSSI()
					select {
					case out <- Discovered{ID: id, Name: d.GetLocalName(), RSSI: rssi, Capabilities: caps}:
					case <-scanCtx.Done():
						return
					}
				}
			}
		}
	})
	return out
}

// StopScan ends the running scan, if any.
func (m *Manager) StopScan() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scanCancel != nil {
		m.scanCancel()
	}
}

func (m *Manager) endScan(gen uint64) {
	m.mu.Lock()
	current := gen == m.scanGen
	if current {
		m.scanCancel = nil
	}
	m.mu.Unlock()
	if !current {
		return
	}
	if err := m.bt.StopScan(); err != nil {
		m.logger.Printf("Sensors: error stopping scan: %v", err)
	}
	m.logger.Printf("Sensors: scan %d stopped", gen)
}

// Connect connects to a discovered device, bounded by the configured timeout,
// and subscribes to every supported notification stream. Failures are
// *ConnectError values.
func (m *Manager) Connect(ctx context.Context, id string) (SensorConnection, error) {
	dev := m.bt.GetBTDeviceByAddressString(id)
	if dev == nil {
		return SensorConnection{}, &ConnectError{ID: id, Kind: ConnectRejected, Err: ErrUnknownDevice}
	}
	caps := capabilitiesOf(dev.HasServiceUUID)
	if len(caps) == 0 {
		return SensorConnection{}, &ConnectError{ID: id, Kind: ConnectUnsupported, Err: ErrNoSupportedStream}
	}

	m.mu.Lock()
	c, existed := m.conns[id]
	switch {
	case existed && c.state == StateConnected:
		snap := c.snapshot()
		m.mu.Unlock()
		return snap, nil
	case existed && c.state == StateConnecting:
		m.mu.Unlock()
		return SensorConnection{}, &ConnectError{ID: id, Kind: ConnectRejected, Err: ErrConnectInProgress}
	case existed:
		// a manual connect takes over from background reconnection
		if c.stopReconnect != nil {
			c.stopReconnect()
			c.stopReconnect = nil
		}
	default:
		c = &connection{id: id, battery: -1}
		m.conns[id] = c
	}
	c.name = dev.GetLocalName()
	c.caps = caps
	c.state = StateConnecting
	c.reconnecting = false
	c.userDisconnect = false
	m.mu.Unlock()
	m.emitConnections()

	if err := m.establish(ctx, c, dev); err != nil {
		m.mu.Lock()
		if m.conns[id] == c {
			if existed {
				c.state = StateDisconnected
			} else {
				delete(m.conns, id)
			}
		}
		m.mu.Unlock()
		m.emitConnections()
		m.logger.Printf("Sensors: connect %s failed: %v", id, err)
		return SensorConnection{}, classifyConnectError(id, err)
	}

	m.remember(c)
	m.mu.Lock()
	snap := c.snapshot()
	m.mu.Unlock()
	return snap, nil
}

// establish brings the link up and wires notifications. It is shared by
// Connect and background reconnection so both end in the same state.
func (m *Manager) establish(ctx context.Context, c *connection, dev bt.BTDevice) error {
	connectCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	if err := m.bt.Connect(connectCtx, dev); err != nil {
		return err
	}

	subscribed := 0
	for _, stream := range supportedStreams(dev.HasServiceUUID) {
		decode, err := newDecoder(stream.ID, m.cfg.WheelCircumferenceM)
		if err != nil {
			return err
		}
		if err := dev.EnableNotifications(stream.ServiceUUID, stream.CharacteristicUUID, m.notificationHandler(c.id, stream.ID, decode)); err != nil {
			m.logger.Printf("Sensors: failed to enable %s on %s: %v", stream.ID, c.id, err)
			continue
		}
		subscribed++
	}
	if subscribed == 0 {
		m.disconnectDevice(dev)
		return &ConnectError{ID: c.id, Kind: ConnectUnsupported, Err: ErrNoSupportedStream}
	}

	battery := m.readBattery(dev)

	var trainer *ftmsTrainer
	if dev.HasServiceUUID(ServiceUUIDFTMS) {
		t := newFTMSTrainer(dev, m.logger)
		if err := t.requestControl(); err != nil {
			// the sensor still records; control can be retried by reconnecting
			m.logger.Printf("Sensors: %v", err)
		} else {
			trainer = t
		}
	}

	m.mu.Lock()
	if c.userDisconnect || m.conns[c.id] != c {
		m.mu.Unlock()
		m.disconnectDevice(dev)
		return ErrDisconnected
	}
	c.device = dev
	c.state = StateConnected
	c.reconnecting = false
	c.battery = battery
	c.trainer = trainer
	c.stopReconnect = nil
	m.mu.Unlock()

	m.logger.Printf("Sensors: connected %s (%s) streams=%d battery=%d", c.name, c.id, subscribed, battery)
	m.emitConnections()
	return nil
}

func (m *Manager) readBattery(dev bt.BTDevice) int {
	if !dev.HasServiceUUID(ServiceUUIDBattery) {
		return -1
	}
	buf, err := dev.ReadCharacteristic(ServiceUUIDBattery, CharUUIDBatteryLevel)
	if err != nil || len(buf) < 1 {
		m.logger.Printf("Sensors: battery read failed on %s: %v", dev.GetAddressString(), err)
		return -1
	}
	return int(buf[0])
}

func (m *Manager) remember(c *connection) {
	if m.memory == nil {
		return
	}
	m.mu.Lock()
	k := store.KnownSensor{ID: c.id, Name: c.name, LastConnected: m.now().UTC()}
	for _, capability := range c.caps {
		k.Capabilities = append(k.Capabilities, string(capability))
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, 2*time.Second)
	defer cancel()
	if err := m.memory.SaveKnownSensor(ctx, k); err != nil {
		m.logger.Printf("Sensors: could not remember %s: %v", c.id, err)
	}
}

// ConnectKnown scans until ctx ends and connects every previously paired
// sensor that shows up. It returns the ids it connected.
func (m *Manager) ConnectKnown(ctx context.Context) ([]string, error) {
	if m.memory == nil {
		return nil, nil
	}
	known, err := m.memory.KnownSensors(ctx)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(known))
	for _, k := range known {
		wanted[k.ID] = true
	}
	if len(wanted) == 0 {
		return nil, nil
	}

	var connected []string
	for d := range m.Scan(ctx) {
		if !wanted[d.ID] {
			continue
		}
		if _, err := m.Connect(ctx, d.ID); err != nil {
			m.logger.Printf("Sensors: known sensor %s: %v", d.ID, err)
			continue
		}
		connected = append(connected, d.ID)
		delete(wanted, d.ID)
		if len(wanted) == 0 {
			m.StopScan()
		}
	}
	return connected, nil
}

// Disconnect tears a sensor down at the user's request and removes it from
// the connected set. It is never retried.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotConnected
	}
	c.userDisconnect = true
	if c.stopReconnect != nil {
		c.stopReconnect()
		c.stopReconnect = nil
	}
	delete(m.conns, id)
	m.releaseOwnershipLocked(id)
	dev := c.device
	m.mu.Unlock()

	if dev == nil {
		dev = m.bt.GetBTDeviceByAddressString(id)
	}
	var err error
	if dev != nil && dev.IsConnected() {
		if err = m.bt.Disconnect(dev); err != nil {
			err = fmt.Errorf("failed to disconnect %s: %w", id, err)
		}
	}
	m.logger.Printf("Sensors: disconnected %s", id)
	m.emitConnections()
	return err
}

func (m *Manager) disconnectDevice(dev bt.BTDevice) {
	if err := m.bt.Disconnect(dev); err != nil {
		m.logger.Printf("Sensors: error disconnecting %s: %v", dev.GetAddressString(), err)
	}
}

// onConnectionChange handles link events from the adapter. Only an
// unexpected drop of a connected sensor starts background reconnection.
func (m *Manager) onConnectionChange(change bt.ConnectionChange) {
	if change.Connected {
		return
	}
	m.mu.Lock()
	c, ok := m.conns[change.Address]
	if !ok || c.state != StateConnected || c.userDisconnect {
		m.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.reconnecting = true
	c.trainer = nil
	m.releaseOwnershipLocked(c.id)
	reconnectCtx, stop := context.WithCancel(m.ctx)
	c.stopReconnect = stop
	m.mu.Unlock()

	m.logger.Printf("Sensors: link lost to %s, reconnecting", c.id)
	m.emitConnections()
	go_func_utils.Go(m.logger, &m.wg, func() {
		m.reconnect(reconnectCtx, c)
	})
}

func (m *Manager) reconnect(ctx context.Context, c *connection) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.ReconnectInitial
	b.MaxInterval = m.cfg.ReconnectMax
	b.MaxElapsedTime = m.cfg.ReconnectGiveUp

	attempts := 0
	op := func() error {
		attempts++
		if ctx.Err() != nil {
			return ctx.Err()
		}
		dev := m.bt.GetBTDeviceByAddressString(c.id)
		if dev == nil {
			return fmt.Errorf("%s not in range", c.id)
		}
		return m.establish(ctx, c, dev)
	}
	notify := func(err error, next time.Duration) {
		m.logger.Printf("Sensors: reconnect %s attempt %d failed: %v (next in %v)", c.id, attempts, err, next)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)

	m.mu.Lock()
	if err != nil && m.conns[c.id] == c && c.state != StateConnected {
		c.reconnecting = false
		c.stopReconnect = nil
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Printf("Sensors: gave up reconnecting %s after %d attempts: %v", c.id, attempts, err)
	} else {
		m.logger.Printf("Sensors: reconnected %s after %d attempts", c.id, attempts)
	}
	m.emitConnections()
}

// StopReconnecting cancels every background reconnection. Sensors that are
// still down stay in the set as disconnected.
func (m *Manager) StopReconnecting() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		if c.stopReconnect != nil {
			c.stopReconnect()
			c.stopReconnect = nil
		}
	}
}

func (m *Manager) notificationHandler(id string, stream StreamID, decode decodeFunc) func(buf []byte) {
	return func(buf []byte) {
		readings, err := decode(buf)
		if err != nil {
			m.logger.Printf("Sensors: [%s/%s] parse error: %v (raw: %v)", id, stream, err, buf)
			return
		}
		now := m.now()
		for _, r := range readings {
			if !m.claim(r.Metric, id) {
				continue
			}
			m.samplesEvent.Notify(model.MetricSample{
				Metric: r.Metric,
				Sample: model.Sample{Time: now, Value: r.Value},
				Source: id,
			})
		}
	}
}

// claim makes id the source of metric unless another connected sensor
// already provides it, so one stream never interleaves two devices.
func (m *Manager) claim(metric model.Metric, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok || c.state != StateConnected {
		return false
	}
	owner, owned := m.owners[metric]
	if owned && owner != id {
		if oc, ok := m.conns[owner]; ok && oc.state == StateConnected {
			return false
		}
	}
	m.owners[metric] = id
	return true
}

func (m *Manager) releaseOwnershipLocked(id string) {
	for metric, owner := range m.owners {
		if owner == id {
			delete(m.owners, metric)
		}
	}
}

// GetControllableTrainer returns a connected sensor accepting trainer control.
func (m *Manager) GetControllableTrainer() (Trainer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.sortedLocked() {
		if c.state == StateConnected && c.trainer != nil {
			return c.trainer, true
		}
	}
	return nil, false
}

// Connections returns the connected set ordered by id.
func (m *Manager) Connections() []SensorConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) sortedLocked() []*connection {
	out := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (m *Manager) snapshotLocked() []SensorConnection {
	sorted := m.sortedLocked()
	out := make([]SensorConnection, 0, len(sorted))
	for _, c := range sorted {
		out = append(out, c.snapshot())
	}
	return out
}

func (m *Manager) emitConnections() {
	m.connectionsEvent.Notify(m.Connections())
}

// ListenSamples delivers every metric sample from every connected sensor.
func (m *Manager) ListenSamples(callback func(model.MetricSample)) *events.Subscription {
	return m.samplesEvent.Listen(callback)
}

// ListenConnections delivers the connected set whenever it changes.
func (m *Manager) ListenConnections(ch chan<- []SensorConnection) *events.Subscription {
	return m.connectionsEvent.Listen(ch)
}

// Shutdown stops scans and reconnection and disconnects every sensor.
func (m *Manager) Shutdown() {
	m.logger.Println("Sensors: shutting down")
	m.cancel()
	m.linkSub.Unsubscribe()
	for _, c := range m.Connections() {
		if err := m.Disconnect(c.ID); err != nil {
			m.logger.Printf("Sensors: %v", err)
		}
	}
	m.wg.Wait()
	m.logger.Println("Sensors: shutdown complete")
}
