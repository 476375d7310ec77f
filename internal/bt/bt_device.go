package bt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/safe_map"
	"tinygo.org/x/bluetooth"
)

type BTDeviceState int

const (
	Disconnected BTDeviceState = iota
	Connecting
	Connected
)

func (s BTDeviceState) String() string {
	switch s {
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	default:
		return "Unknown"
	}
}

// ErrNotConnected is returned by GATT operations on a device without a link.
var ErrNotConnected = errors.New("bt: device not connected")

// BTDevice is one peripheral seen by a scan or connected to.
type BTDevice interface {
	GetAddressString() string
	GetLocalName() string
	GetScanRSSI() (int16, error)
	IsConnected() bool
	GetState() BTDeviceState
	// WaitForConnection blocks until the link is up or ctx ends.
	WaitForConnection(ctx context.Context) error
	EnableNotifications(serviceUuid string, characteristicUuid string, callbackFunc func(buf []byte)) error
	DisableNotifications(serviceUuid string, characteristicUuid string) error
	ReadCharacteristic(serviceUuid string, characteristicUuid string) ([]byte, error)
	WriteCharacteristic(serviceUuid string, characteristicUuid string, data []byte) error
	WriteCharacteristicWithoutResponse(serviceUuid string, characteristicUuid string, data []byte) error
	GetServiceUUIDs() []string
	HasServiceUUID(uuid string) bool
}

type btDeviceImpl struct {
	address         bluetooth.Address
	logger          *log.Logger
	scanTimeout     time.Duration
	mu              sync.RWMutex
	bleMu           sync.Mutex // serializes GATT operations
	scanLastSeen    time.Time
	scanResult      *bluetooth.ScanResult
	connectedDevice *bluetooth.Device // nil when not connected
	state           BTDeviceState
	serviceUuidStrs []string

	serviceByUuid          *safe_map.SafeMap[string, *bluetooth.DeviceService]
	characteristicByUuid   *safe_map.SafeMap[string, *bluetooth.DeviceCharacteristic]
	serviceCharsDiscovered *safe_map.SafeMap[string, bool]
	allServicesDiscovered  bool
}

func newBtDeviceImpl(logger *log.Logger, address bluetooth.Address, scanTimeout time.Duration) *btDeviceImpl {
	if logger == nil {
		panic("logger must be non nil")
	}
	if scanTimeout <= 0 {
		panic("scanTimeout must be > 0")
	}
	return &btDeviceImpl{
		logger:                 logger,
		address:                address,
		scanTimeout:            scanTimeout,
		scanLastSeen:           time.Unix(0, 0),
		state:                  Disconnected,
		serviceByUuid:          safe_map.NewSafeMap[string, *bluetooth.DeviceService](),
		characteristicByUuid:   safe_map.NewSafeMap[string, *bluetooth.DeviceCharacteristic](),
		serviceCharsDiscovered: safe_map.NewSafeMap[string, bool](),
	}
}

func (b *btDeviceImpl) GetAddressString() string {
	return b.address.String()
}

func (b *btDeviceImpl) GetServiceUUIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.serviceUuidStrs...)
}

func (b *btDeviceImpl) HasServiceUUID(uuid string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, u := range b.serviceUuidStrs {
		if u == uuid {
			return true
		}
	}
	return false
}

func (b *btDeviceImpl) setServiceUUIDs(uuids []bluetooth.UUID) {
	strs := make([]string, 0, len(uuids))
	for _, uuid := range uuids {
		strs = append(strs, uuid.String())
	}
	b.mu.Lock()
	b.serviceUuidStrs = strs
	b.mu.Unlock()
}

func (b *btDeviceImpl) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if b.IsConnected() {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("waiting for connection to %s: %w", b.GetAddressString(), ctx.Err())
		}
	}
}

func (b *btDeviceImpl) EnableNotifications(serviceUuidStr, characteristicUuidStr string, callbackFunc func(buf []byte)) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	characteristic, err := b.lookupCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}
	if err := characteristic.EnableNotifications(callbackFunc); err != nil {
		return fmt.Errorf("failed to enable notifications on %s: %w", characteristicUuidStr, err)
	}
	b.logger.Printf("BTDevice: notifications enabled for %s on %s", characteristicUuidStr, b.GetAddressString())
	return nil
}

func (b *btDeviceImpl) DisableNotifications(serviceUuidStr, characteristicUuidStr string) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	characteristic, err := b.lookupCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}
	// a nil callback unsubscribes
	if err := characteristic.EnableNotifications(nil); err != nil {
		return fmt.Errorf("failed to disable notifications on %s: %w", characteristicUuidStr, err)
	}
	return nil
}

func (b *btDeviceImpl) ReadCharacteristic(serviceUuidStr, characteristicUuidStr string) ([]byte, error) {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	characteristic, err := b.lookupCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 512)
	n, err := characteristic.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to read characteristic %s: %w", characteristicUuidStr, err)
	}
	return buf[:n], nil
}

func (b *btDeviceImpl) WriteCharacteristic(serviceUuidStr, characteristicUuidStr string, data []byte) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()
	return b.writeCharacteristic(serviceUuidStr, characteristicUuidStr, data, true)
}

func (b *btDeviceImpl) WriteCharacteristicWithoutResponse(serviceUuidStr, characteristicUuidStr string, data []byte) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()
	return b.writeCharacteristic(serviceUuidStr, characteristicUuidStr, data, false)
}

func (b *btDeviceImpl) writeCharacteristic(serviceUuidStr, characteristicUuidStr string, data []byte, waitForResponse bool) error {
	characteristic, err := b.lookupCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}
	if waitForResponse {
		_, err = characteristic.Write(data)
	} else {
		_, err = characteristic.WriteWithoutResponse(data)
	}
	if err != nil {
		return fmt.Errorf("failed to write characteristic %s: %w", characteristicUuidStr, err)
	}
	return nil
}

func (b *btDeviceImpl) GetScanRSSI() (int16, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.scanResult == nil {
		return 0, errors.New("no rssi available")
	}
	return b.scanResult.RSSI, nil
}

func (b *btDeviceImpl) GetState() BTDeviceState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *btDeviceImpl) GetLocalName() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.scanResult != nil {
		if name := b.scanResult.LocalName(); name != "" {
			return name
		}
	}
	return "Unknown"
}

func (b *btDeviceImpl) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connectedDevice != nil
}

func (b *btDeviceImpl) isRecentlyScanned(now time.Time) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scanResult != nil && now.Sub(b.scanLastSeen) <= b.scanTimeout
}

func (b *btDeviceImpl) setScanResult(scanResult *bluetooth.ScanResult, seen time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scanResult = scanResult
	b.scanLastSeen = seen
}

func (b *btDeviceImpl) lastSeen() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scanLastSeen
}

// setLink records a connect or disconnect reported by the adapter. A new link
// invalidates every cached service and characteristic handle.
func (b *btDeviceImpl) setLink(device *bluetooth.Device) {
	b.mu.Lock()
	b.connectedDevice = device
	if device != nil {
		b.state = Connected
	} else {
		b.state = Disconnected
	}
	b.mu.Unlock()

	b.bleMu.Lock()
	b.serviceByUuid.Clear()
	b.characteristicByUuid.Clear()
	b.serviceCharsDiscovered.Clear()
	b.allServicesDiscovered = false
	b.bleMu.Unlock()
}

func (b *btDeviceImpl) setConnecting() {
	b.mu.Lock()
	b.state = Connecting
	b.mu.Unlock()
}

func (b *btDeviceImpl) getConnectedDevice() *bluetooth.Device {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connectedDevice
}

// lookupCharacteristic must be called with bleMu held.
func (b *btDeviceImpl) lookupCharacteristic(serviceUuidStr, characteristicUuidStr string) (*bluetooth.DeviceCharacteristic, error) {
	serviceUuid, err := bluetooth.ParseUUID(serviceUuidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", serviceUuidStr, err)
	}
	characteristicUuid, err := bluetooth.ParseUUID(characteristicUuidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", characteristicUuidStr, err)
	}
	return b.getDeviceCharacteristic(serviceUuid, characteristicUuid)
}

func (b *btDeviceImpl) getDeviceService(serviceUuid bluetooth.UUID) (*bluetooth.DeviceService, error) {
	connectedDevice := b.getConnectedDevice()
	if connectedDevice == nil {
		return nil, ErrNotConnected
	}
	serviceUuidStr := serviceUuid.String()
	if service, ok := b.serviceByUuid.Load(serviceUuidStr); ok {
		return service, nil
	}

	// Discover everything once: discovering single services repeatedly
	// interrupts services already in use on some stacks.
	if !b.allServicesDiscovered {
		deviceServices, err := connectedDevice.DiscoverServices(nil)
		if err != nil {
			return nil, fmt.Errorf("error discovering services: %w", err)
		}
		for i := range deviceServices {
			svc := &deviceServices[i]
			b.serviceByUuid.Store(svc.UUID().String(), svc)
		}
		b.allServicesDiscovered = true
	}

	service, ok := b.serviceByUuid.Load(serviceUuidStr)
	if !ok {
		return nil, fmt.Errorf("service %v not found on device", serviceUuidStr)
	}
	return service, nil
}

func (b *btDeviceImpl) getDeviceCharacteristic(serviceUuid, charUuid bluetooth.UUID) (*bluetooth.DeviceCharacteristic, error) {
	serviceUuidStr := serviceUuid.String()
	comboKey := serviceUuidStr + "_" + charUuid.String()
	if characteristic, ok := b.characteristicByUuid.Load(comboKey); ok {
		return characteristic, nil
	}

	if discovered, _ := b.serviceCharsDiscovered.Load(serviceUuidStr); !discovered {
		service, err := b.getDeviceService(serviceUuid)
		if err != nil {
			return nil, err
		}
		chars, err := service.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("could not discover characteristics for service %v: %w", serviceUuidStr, err)
		}
		for i := range chars {
			char := &chars[i]
			b.characteristicByUuid.Store(serviceUuidStr+"_"+char.UUID().String(), char)
		}
		b.serviceCharsDiscovered.Store(serviceUuidStr, true)
	}

	characteristic, ok := b.characteristicByUuid.Load(comboKey)
	if !ok {
		return nil, fmt.Errorf("characteristic %v not found in service %v", charUuid.String(), serviceUuidStr)
	}
	return characteristic, nil
}
