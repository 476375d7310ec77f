package bt

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/events"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/go_func_utils"

	"tinygo.org/x/bluetooth"
)

// ConnectionChange reports a link coming up or going down for one device.
type ConnectionChange struct {
	Address   string
	Connected bool
}

// BTManagerInterface defines the interface for Bluetooth manager implementations
type BTManagerInterface interface {
	Enable() error
	GetBTDeviceByAddressString(addressString string) BTDevice
	StartScan(serviceUuidFilter []string)
	StopScan() error
	IsScanning() bool
	// Connect initiates a connection and waits for it until ctx ends.
	Connect(ctx context.Context, device BTDevice) error
	Disconnect(device BTDevice) error
	GetConnectedDevices() []BTDevice
	GetScanDevices() []BTDevice
	ListenToDeviceList(ch chan<- []BTDevice) *events.Subscription
	ListenToConnectionChanges(callback func(ConnectionChange)) *events.Subscription
	Shutdown()
}

// Verify BTManager implements BTManagerInterface
var _ BTManagerInterface = (*BTManager)(nil)

type BTManager struct {
	adapter             *bluetooth.Adapter
	devicesByAddress    map[string]*btDeviceImpl
	mu                  sync.RWMutex
	scanning            bool
	scanTimeout         time.Duration
	scanDeviceListEvent *events.ChannelEvent[[]BTDevice]
	scanContextCancel   context.CancelFunc
	connectionEvent     *events.CallbackEvent[ConnectionChange]
	ctx                 context.Context
	cancel              context.CancelFunc
	wg                  sync.WaitGroup
	logger              *log.Logger
}

func NewBTManager(adapter *bluetooth.Adapter, logger *log.Logger, scanTimeout time.Duration) *BTManager {
	if logger == nil {
		panic("BTManager: logger cannot be nil")
	}
	if scanTimeout <= 0 {
		scanTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BTManager{
		adapter:             adapter,
		devicesByAddress:    make(map[string]*btDeviceImpl),
		scanTimeout:         scanTimeout,
		scanDeviceListEvent: events.NewChannelEvent[[]BTDevice](true),
		connectionEvent:     events.NewCallbackEvent[ConnectionChange](false),
		ctx:                 ctx,
		cancel:              cancel,
		logger:              logger,
	}
}

// GetBTDeviceByAddressString returns a BTDevice by its address string, or nil if not found
func (m *BTManager) GetBTDeviceByAddressString(addressString string) BTDevice {
	if d := m.lookup(addressString); d != nil {
		return d
	}
	return nil
}

func (m *BTManager) lookup(addressString string) *btDeviceImpl {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.devicesByAddress[addressString]
}

func (m *BTManager) getOrCreate(address bluetooth.Address) (*btDeviceImpl, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addressStr := address.String()
	if d, ok := m.devicesByAddress[addressStr]; ok {
		return d, false
	}
	d := newBtDeviceImpl(m.logger, address, m.scanTimeout)
	m.devicesByAddress[addressStr] = d
	return d, true
}

func (m *BTManager) Enable() error {
	m.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addressStr := device.Address.String()
		d, _ := m.getOrCreate(device.Address)
		if connected {
			if d.IsConnected() {
				return
			}
			m.logger.Printf("BTManager: device connected: %s", addressStr)
			d.setLink(&device)
		} else {
			m.logger.Printf("BTManager: device disconnected: %s", addressStr)
			d.setLink(nil)
		}
		m.connectionEvent.Notify(ConnectionChange{Address: addressStr, Connected: connected})
	})

	return m.adapter.Enable()
}

// StartScan restarts scanning. Devices advertising none of the filter
// services are ignored; a nil filter accepts everything.
func (m *BTManager) StartScan(serviceUuidFilter []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var filterSet map[string]struct{}
	if serviceUuidFilter != nil {
		filterSet = make(map[string]struct{}, len(serviceUuidFilter))
		for _, filter := range serviceUuidFilter {
			filterSet[filter] = struct{}{}
		}
	}
	m.logger.Printf("BTManager: starting scan, filter %v", serviceUuidFilter)

	if m.scanning && m.scanContextCancel != nil {
		m.logger.Printf("BTManager: replacing running scan")
		m.scanContextCancel()
		if err := m.adapter.StopScan(); err != nil {
			m.logger.Printf("BTManager: stopping previous scan: %v", err)
		}
	}

	m.scanning = true
	scanCtx, cancel := context.WithCancel(m.ctx)
	m.scanContextCancel = cancel

	go_func_utils.Go(m.logger, &m.wg, func() {
		m.cleanupStaleDevices(scanCtx)
	})

	go_func_utils.Go(m.logger, &m.wg, func() {
		err := m.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if scanCtx.Err() != nil {
				return
			}
			if filterSet != nil && !matchesFilter(result.ServiceUUIDs(), filterSet) {
				return
			}
			m.handleScanResult(result)
		})
		if err != nil {
			m.logger.Printf("BTManager: scan error: %v", err)
		}
	})

	// Emit current scan results every second
	go_func_utils.Go(m.logger, &m.wg, func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-scanCtx.Done():
				return
			case <-ticker.C:
				m.scanDeviceListEvent.Notify(m.GetScanDevices())
			}
		}
	})
}

func matchesFilter(uuids []bluetooth.UUID, filterSet map[string]struct{}) bool {
	for _, uuid := range uuids {
		if _, ok := filterSet[uuid.String()]; ok {
			return true
		}
	}
	return false
}

func (m *BTManager) handleScanResult(result bluetooth.ScanResult) {
	d, isNew := m.getOrCreate(result.Address)
	d.setScanResult(&result, time.Now())
	if uuids := result.ServiceUUIDs(); len(uuids) > 0 || isNew {
		d.setServiceUUIDs(uuids)
	}
	if isNew {
		m.logger.Printf("BTManager: found device %s (%s) [RSSI: %d]", d.GetLocalName(), d.GetAddressString(), result.RSSI)
	}
}

// Shutdown stops all goroutines and waits for them to finish
func (m *BTManager) Shutdown() {
	m.logger.Println("BTManager: shutting down")
	for _, dev := range m.GetConnectedDevices() {
		if err := m.Disconnect(dev); err != nil {
			m.logger.Printf("BTManager: error disconnecting from %v: %v", dev.GetAddressString(), err)
		}
	}
	if err := m.StopScan(); err != nil {
		m.logger.Printf("BTManager: error stopping scan: %v", err)
	}
	m.cancel()
	m.wg.Wait()
	m.logger.Println("BTManager: shutdown complete")
}

func (m *BTManager) cleanupStaleDevices(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			var removed []string
			m.mu.Lock()
			for mac, d := range m.devicesByAddress {
				// connected devices stop advertising but stay known
				if d.GetState() != Disconnected {
					continue
				}
				if now.Sub(d.lastSeen()) > m.scanTimeout {
					delete(m.devicesByAddress, mac)
					removed = append(removed, mac)
				}
			}
			m.mu.Unlock()

			for _, mac := range removed {
				m.logger.Printf("BTManager: device timeout %s (not seen for %v)", mac, m.scanTimeout)
			}
		}
	}
}

func (m *BTManager) StopScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.scanning {
		return nil
	}
	m.scanning = false
	if m.scanContextCancel != nil {
		m.scanContextCancel()
		m.scanContextCancel = nil
	}
	return m.adapter.StopScan()
}

// IsScanning returns whether the BTManager is currently scanning
func (m *BTManager) IsScanning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanning
}

// Connect connects to a device previously seen by a scan. The adapter
// timeout is taken from the ctx deadline when one is set.
func (m *BTManager) Connect(ctx context.Context, device BTDevice) error {
	addressStr := device.GetAddressString()
	d := m.lookup(addressStr)
	if d == nil {
		return fmt.Errorf("BTManager: unknown device %s", addressStr)
	}
	if d.IsConnected() {
		return nil
	}
	m.logger.Printf("BTManager: connecting to %s", addressStr)

	params := bluetooth.ConnectionParams{}
	if deadline, ok := ctx.Deadline(); ok {
		params.ConnectionTimeout = bluetooth.NewDuration(time.Until(deadline))
	}

	d.setConnecting()
	connected, err := m.adapter.Connect(d.address, params)
	if err != nil {
		d.setLink(nil)
		return fmt.Errorf("connecting to %s: %w", addressStr, err)
	}
	if !d.IsConnected() {
		d.setLink(&connected)
		m.connectionEvent.Notify(ConnectionChange{Address: addressStr, Connected: true})
	}
	return d.WaitForConnection(ctx)
}

func (m *BTManager) Disconnect(device BTDevice) error {
	addressStr := device.GetAddressString()
	d := m.lookup(addressStr)
	if d == nil {
		return fmt.Errorf("BTManager: unknown device %s", addressStr)
	}
	inner := d.getConnectedDevice()
	if inner == nil {
		return nil
	}
	m.logger.Printf("BTManager: disconnecting from %s", addressStr)
	return inner.Disconnect()
}

// GetConnectedDevices returns all currently connected devices
func (m *BTManager) GetConnectedDevices() []BTDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]BTDevice, 0)
	for _, d := range m.devicesByAddress {
		if d.IsConnected() {
			result = append(result, d)
		}
	}
	return result
}

func (m *BTManager) GetScanDevices() []BTDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	result := make([]BTDevice, 0)
	for _, d := range m.devicesByAddress {
		if d.isRecentlyScanned(now) {
			result = append(result, d)
		}
	}
	return result
}

// ListenToDeviceList registers a channel to receive the scan list, at most
// once per second.
func (m *BTManager) ListenToDeviceList(ch chan<- []BTDevice) *events.Subscription {
	return m.scanDeviceListEvent.Listen(ch)
}

// ListenToConnectionChanges reports every link up or down event.
func (m *BTManager) ListenToConnectionChanges(callback func(ConnectionChange)) *events.Subscription {
	return m.connectionEvent.Listen(callback)
}
