package sensors

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/bt"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/events"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/go_func_utils"
)

// MockBTDevice implements bt.BTDevice without Bluetooth hardware.
type MockBTDevice struct {
	logger       *log.Logger
	address      string
	localName    string
	serviceUUIDs []string

	mu          sync.RWMutex
	state       bt.BTDeviceState
	callbacks   map[string]func([]byte)
	heartRate   uint8
	power       int16
	cadenceRpm  float64
	speedKmh    float64
	battery     uint8
	targetPower int16 // 0 when not in ERG mode

	// CSC cumulative values
	crankRevolutions uint16
	crankEventTime   uint16
	crankRemainder   float64
	lastCrankUpdate  time.Time

	writesMu      sync.Mutex
	writtenValues []WrittenValue
}

var _ bt.BTDevice = (*MockBTDevice)(nil)

// WrittenValue records a value written to a characteristic
type WrittenValue struct {
	Timestamp          time.Time
	ServiceUUID        string
	CharacteristicUUID string
	DataHex            string
	Description        string
}

// MockBTDeviceConfig holds configuration for creating a mock device
type MockBTDeviceConfig struct {
	Address      string
	LocalName    string
	ServiceUUIDs []string
}

// NewMockBTDevice creates a mock device with resting values.
func NewMockBTDevice(logger *log.Logger, config MockBTDeviceConfig) *MockBTDevice {
	if logger == nil {
		panic("MockBTDevice: logger cannot be nil")
	}
	return &MockBTDevice{
		logger:       logger,
		address:      config.Address,
		localName:    config.LocalName,
		serviceUUIDs: config.ServiceUUIDs,
		state:        bt.Disconnected,
		callbacks:    make(map[string]func([]byte)),
		heartRate:    70,
		power:        100,
		cadenceRpm:   80,
		speedKmh:     25,
		battery:      87,
	}
}

// SetValues sets the values sent by the next notifications.
func (m *MockBTDevice) SetValues(heartRate uint8, power int16, cadenceRpm, speedKmh float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartRate = heartRate
	m.power = power
	m.cadenceRpm = cadenceRpm
	m.speedKmh = speedKmh
}

// TargetPower returns the last ERG target written, or 0.
func (m *MockBTDevice) TargetPower() int16 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.targetPower
}

// WrittenValues returns every control write received.
func (m *MockBTDevice) WrittenValues() []WrittenValue {
	m.writesMu.Lock()
	defer m.writesMu.Unlock()
	return append([]WrittenValue(nil), m.writtenValues...)
}

func (m *MockBTDevice) setConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if connected {
		m.state = bt.Connected
		m.lastCrankUpdate = time.Now()
		return
	}
	m.state = bt.Disconnected
	m.callbacks = make(map[string]func([]byte))
}

// --- bt.BTDevice ---

func (m *MockBTDevice) GetAddressString() string { return m.address }

func (m *MockBTDevice) GetLocalName() string { return m.localName }

func (m *MockBTDevice) GetScanRSSI() (int16, error) { return -50, nil }

func (m *MockBTDevice) IsConnected() bool { return m.GetState() == bt.Connected }

func (m *MockBTDevice) GetState() bt.BTDeviceState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *MockBTDevice) WaitForConnection(ctx context.Context) error {
	if m.IsConnected() {
		return nil
	}
	return fmt.Errorf("mock device %s not connected", m.address)
}

func (m *MockBTDevice) GetServiceUUIDs() []string {
	return append([]string(nil), m.serviceUUIDs...)
}

func (m *MockBTDevice) HasServiceUUID(uuid string) bool {
	for _, u := range m.serviceUUIDs {
		if u == uuid {
			return true
		}
	}
	return false
}

func (m *MockBTDevice) EnableNotifications(serviceUuid, characteristicUuid string, callbackFunc func(buf []byte)) error {
	if !m.HasServiceUUID(serviceUuid) {
		return fmt.Errorf("service not supported by this device: %s", serviceUuid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != bt.Connected {
		return bt.ErrNotConnected
	}
	m.callbacks[serviceUuid+"_"+characteristicUuid] = callbackFunc
	return nil
}

func (m *MockBTDevice) DisableNotifications(serviceUuid, characteristicUuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.callbacks, serviceUuid+"_"+characteristicUuid)
	return nil
}

func (m *MockBTDevice) ReadCharacteristic(serviceUuid, characteristicUuid string) ([]byte, error) {
	if !m.HasServiceUUID(serviceUuid) {
		return nil, fmt.Errorf("service not supported by this device: %s", serviceUuid)
	}
	switch {
	case serviceUuid == ServiceUUIDBattery && characteristicUuid == CharUUIDBatteryLevel:
		m.mu.RLock()
		defer m.mu.RUnlock()
		return []byte{m.battery}, nil
	case serviceUuid == ServiceUUIDFTMS && characteristicUuid == CharUUIDSupportedPowerRange:
		// min 25W, max 2000W, step 1W
		return []byte{0x19, 0x00, 0xD0, 0x07, 0x01, 0x00}, nil
	default:
		return nil, fmt.Errorf("unknown service/characteristic: %s/%s", serviceUuid, characteristicUuid)
	}
}

func (m *MockBTDevice) WriteCharacteristic(serviceUuid, characteristicUuid string, data []byte) error {
	return m.write(serviceUuid, characteristicUuid, data)
}

func (m *MockBTDevice) WriteCharacteristicWithoutResponse(serviceUuid, characteristicUuid string, data []byte) error {
	return m.write(serviceUuid, characteristicUuid, data)
}

func (m *MockBTDevice) write(serviceUuid, characteristicUuid string, data []byte) error {
	if !m.IsConnected() {
		return bt.ErrNotConnected
	}
	isControl := serviceUuid == ServiceUUIDFTMS && characteristicUuid == CharUUIDFTMSControlPoint
	description := ""
	if isControl {
		description = describeControlPoint(data)
	}

	m.writesMu.Lock()
	m.writtenValues = append(m.writtenValues, WrittenValue{
		Timestamp:          time.Now(),
		ServiceUUID:        serviceUuid,
		CharacteristicUUID: characteristicUuid,
		DataHex:            hex.EncodeToString(data),
		Description:        description,
	})
	// Keep only last 100 writes
	if len(m.writtenValues) > 100 {
		m.writtenValues = m.writtenValues[len(m.writtenValues)-100:]
	}
	m.writesMu.Unlock()

	if isControl && len(data) > 0 {
		m.mu.Lock()
		switch data[0] {
		case FTMSOpCodeSetTargetPower:
			if len(data) >= 3 {
				m.targetPower = int16(binary.LittleEndian.Uint16(data[1:]))
			}
		case FTMSOpCodeSetIndoorBikeSimulation, FTMSOpCodeReset:
			m.targetPower = 0
		}
		m.mu.Unlock()
	}
	return nil
}

// --- Notification triggering ---

func (m *MockBTDevice) callback(service, char string) func([]byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callbacks[service+"_"+char]
}

// TriggerAllNotifications sends one notification on every enabled stream.
func (m *MockBTDevice) TriggerAllNotifications() {
	m.mu.Lock()
	hr, power, cadence, speed := m.heartRate, m.power, m.cadenceRpm, m.speedKmh
	now := time.Now()
	elapsed := now.Sub(m.lastCrankUpdate).Seconds()
	if cadence > 0 && elapsed > 0 {
		revs := cadence/60*elapsed + m.crankRemainder
		whole := math.Floor(revs)
		m.crankRemainder = revs - whole
		m.crankRevolutions += uint16(whole)
		m.crankEventTime += uint16(elapsed * 1024)
	}
	m.lastCrankUpdate = now
	crankRevs, crankTime := m.crankRevolutions, m.crankEventTime
	m.mu.Unlock()

	if cb := m.callback(ServiceUUIDHeartRate, CharUUIDHeartRateMeasurement); cb != nil {
		cb([]byte{0x00, hr})
	}
	if cb := m.callback(ServiceUUIDCyclingPower, CharUUIDCyclingPowerMeasurement); cb != nil {
		data := make([]byte, 4)
		binary.LittleEndian.PutUint16(data[2:], uint16(power))
		cb(data)
	}
	if cb := m.callback(ServiceUUIDCyclingSpeedCadence, CharUUIDCSCMeasurement); cb != nil {
		data := make([]byte, 5)
		data[0] = 0x02 // crank revolution data present
		binary.LittleEndian.PutUint16(data[1:], crankRevs)
		binary.LittleEndian.PutUint16(data[3:], crankTime)
		cb(data)
	}
	if cb := m.callback(ServiceUUIDFTMS, CharUUIDIndoorBikeData); cb != nil {
		// speed (bit 0 clear), cadence and power present
		data := make([]byte, 8)
		binary.LittleEndian.PutUint16(data[0:], 0x0044)
		binary.LittleEndian.PutUint16(data[2:], uint16(math.Round(speed*100)))
		binary.LittleEndian.PutUint16(data[4:], uint16(math.Round(cadence*2)))
		binary.LittleEndian.PutUint16(data[6:], uint16(power))
		cb(data)
	}
}

// simulateRider nudges values the way a rider on an ERG trainer behaves.
func (m *MockBTDevice) simulateRider() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.targetPower > 0 {
		m.power += (m.targetPower - m.power) / 2
	}
	m.power += int16(rand.IntN(7) - 3)
	if m.power < 0 {
		m.power = 0
	}
	wantHR := 90 + 0.3*float64(m.power)
	switch {
	case float64(m.heartRate) < wantHR-1:
		m.heartRate++
	case float64(m.heartRate) > wantHR+1:
		m.heartRate--
	}
	m.cadenceRpm = 85 + float64(rand.IntN(5)-2)
	m.speedKmh = 10 + math.Sqrt(math.Max(float64(m.power), 0))*1.3
}

// --- MockBTManager ---

// MockBTManager implements bt.BTManagerInterface over mock devices.
type MockBTManager struct {
	logger              *log.Logger
	devices             []*MockBTDevice
	scanDeviceListEvent *events.ChannelEvent[[]bt.BTDevice]
	connectionEvent     *events.CallbackEvent[bt.ConnectionChange]

	mu           sync.RWMutex
	scanning     bool
	scanCancel   context.CancelFunc
	connectDelay time.Duration
	failConnects int
	failErr      error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ bt.BTManagerInterface = (*MockBTManager)(nil)

// NewMockBTManager creates a manager over the given devices.
func NewMockBTManager(logger *log.Logger, devices ...*MockBTDevice) *MockBTManager {
	if logger == nil {
		panic("MockBTManager: logger cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MockBTManager{
		logger:              logger,
		devices:             devices,
		scanDeviceListEvent: events.NewChannelEvent[[]bt.BTDevice](false),
		connectionEvent:     events.NewCallbackEvent[bt.ConnectionChange](false),
		ctx:                 ctx,
		cancel:              cancel,
	}
}

// NewSimulatedBTManager returns a heart rate strap, a smart trainer and a
// cadence sensor that send notifications every second while connected.
func NewSimulatedBTManager(logger *log.Logger) *MockBTManager {
	m := NewMockBTManager(logger,
		NewMockBTDevice(logger, MockBTDeviceConfig{
			Address:      "00:11:22:33:44:01",
			LocalName:    "Mock HR Strap",
			ServiceUUIDs: []string{ServiceUUIDHeartRate, ServiceUUIDBattery},
		}),
		NewMockBTDevice(logger, MockBTDeviceConfig{
			Address:      "00:11:22:33:44:02",
			LocalName:    "Mock Smart Trainer",
			ServiceUUIDs: []string{ServiceUUIDFTMS, ServiceUUIDCyclingPower},
		}),
		NewMockBTDevice(logger, MockBTDeviceConfig{
			Address:      "00:11:22:33:44:03",
			LocalName:    "Mock Cadence Sensor",
			ServiceUUIDs: []string{ServiceUUIDCyclingSpeedCadence, ServiceUUIDBattery},
		}),
	)
	m.startNotifications(time.Second, true)
	return m
}

// Device returns the mock device with the given address.
func (m *MockBTManager) Device(address string) *MockBTDevice {
	for _, d := range m.devices {
		if d.address == address {
			return d
		}
	}
	return nil
}

// SetConnectDelay makes Connect take d before succeeding.
func (m *MockBTManager) SetConnectDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectDelay = d
}

// FailConnects makes the next n Connect calls fail with err.
func (m *MockBTManager) FailConnects(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failConnects = n
	m.failErr = err
}

// DropLink simulates the device going out of range.
func (m *MockBTManager) DropLink(address string) {
	d := m.Device(address)
	if d == nil || !d.IsConnected() {
		return
	}
	m.logger.Printf("MockBTManager: dropping link to %s", address)
	d.setConnected(false)
	m.connectionEvent.Notify(bt.ConnectionChange{Address: address, Connected: false})
}

func (m *MockBTManager) Enable() error {
	m.logger.Println("MockBTManager: enabled")
	return nil
}

func (m *MockBTManager) GetBTDeviceByAddressString(addressString string) bt.BTDevice {
	if d := m.Device(addressString); d != nil {
		return d
	}
	return nil
}

func (m *MockBTManager) StartScan(serviceUuidFilter []string) {
	m.mu.Lock()
	if m.scanCancel != nil {
		m.scanCancel()
	}
	scanCtx, cancel := context.WithCancel(m.ctx)
	m.scanCancel = cancel
	m.scanning = true
	m.mu.Unlock()

	go_func_utils.Go(m.logger, &m.wg, func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			m.scanDeviceListEvent.Notify(m.GetScanDevices())
			select {
			case <-scanCtx.Done():
				return
			case <-ticker.C:
			}
		}
	})
}

func (m *MockBTManager) StopScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanning = false
	if m.scanCancel != nil {
		m.scanCancel()
		m.scanCancel = nil
	}
	return nil
}

func (m *MockBTManager) IsScanning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanning
}

func (m *MockBTManager) Connect(ctx context.Context, device bt.BTDevice) error {
	d := m.Device(device.GetAddressString())
	if d == nil {
		return fmt.Errorf("unknown device: %s", device.GetAddressString())
	}

	m.mu.Lock()
	delay := m.connectDelay
	var failErr error
	if m.failConnects > 0 {
		m.failConnects--
		failErr = m.failErr
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("connecting to %s: %w", d.address, ctx.Err())
		}
	}
	if failErr != nil {
		return failErr
	}
	d.setConnected(true)
	m.connectionEvent.Notify(bt.ConnectionChange{Address: d.address, Connected: true})
	return nil
}

func (m *MockBTManager) Disconnect(device bt.BTDevice) error {
	d := m.Device(device.GetAddressString())
	if d == nil || !d.IsConnected() {
		return nil
	}
	d.setConnected(false)
	m.connectionEvent.Notify(bt.ConnectionChange{Address: d.address, Connected: false})
	return nil
}

func (m *MockBTManager) GetConnectedDevices() []bt.BTDevice {
	var out []bt.BTDevice
	for _, d := range m.devices {
		if d.IsConnected() {
			out = append(out, d)
		}
	}
	return out
}

func (m *MockBTManager) GetScanDevices() []bt.BTDevice {
	if !m.IsScanning() {
		return []bt.BTDevice{}
	}
	out := make([]bt.BTDevice, len(m.devices))
	for i, d := range m.devices {
		out[i] = d
	}
	return out
}

func (m *MockBTManager) ListenToDeviceList(ch chan<- []bt.BTDevice) *events.Subscription {
	return m.scanDeviceListEvent.Listen(ch)
}

func (m *MockBTManager) ListenToConnectionChanges(callback func(bt.ConnectionChange)) *events.Subscription {
	return m.connectionEvent.Listen(callback)
}

// startNotifications sends notifications from connected devices every period.
func (m *MockBTManager) startNotifications(period time.Duration, simulateRider bool) {
	go_func_utils.Go(m.logger, &m.wg, func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				for _, d := range m.devices {
					if !d.IsConnected() {
						continue
					}
					if simulateRider {
						d.simulateRider()
					}
					d.TriggerAllNotifications()
				}
			}
		}
	})
}

func (m *MockBTManager) Shutdown() {
	m.logger.Println("MockBTManager: shutting down")
	m.cancel()
	m.wg.Wait()
	for _, d := range m.devices {
		d.setConnected(false)
	}
	m.logger.Println("MockBTManager: shutdown complete")
}
