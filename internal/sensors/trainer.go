package sensors

import (
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/bt"
)

// FTMS Control Point Op Codes (Fitness Machine Service 1.0)
// See: https://www.bluetooth.com/specifications/specs/fitness-machine-service-1-0/
const (
	FTMSOpCodeRequestControl          byte = 0x00
	FTMSOpCodeReset                   byte = 0x01
	FTMSOpCodeSetTargetResistance     byte = 0x04
	FTMSOpCodeSetTargetPower          byte = 0x05
	FTMSOpCodeStartOrResume           byte = 0x07
	FTMSOpCodeStopOrPause             byte = 0x08
	FTMSOpCodeSetIndoorBikeSimulation byte = 0x11
	FTMSOpCodeResponseCode            byte = 0x80
)

// FTMS Control Point Result Codes
const (
	FTMSResultSuccess             byte = 0x01
	FTMSResultOpCodeNotSupported  byte = 0x02
	FTMSResultInvalidParameter    byte = 0x03
	FTMSResultOperationFailed     byte = 0x04
	FTMSResultControlNotPermitted byte = 0x05
)

// Power limits
const (
	MinTargetPowerWatts = 25
	MaxTargetPowerWatts = 2000
)

// Grade limits in percent.
const (
	MinTargetGradePct = -20.0
	MaxTargetGradePct = 20.0
)

// Trainer is a connected device that accepts resistance targets.
type Trainer interface {
	ID() string
	// SetTargetPower switches the trainer to ERG mode at the given watts.
	SetTargetPower(watts int) error
	// SetTargetGrade switches the trainer to simulation mode at the given
	// gradient in percent.
	SetTargetGrade(pct float64) error
}

// ftmsTrainer drives the FTMS control point of one device.
type ftmsTrainer struct {
	device bt.BTDevice
	logger *log.Logger

	mu          sync.Mutex
	lastPower   int
	lastGrade   float64
	controlHeld bool
}

var _ Trainer = (*ftmsTrainer)(nil)

func newFTMSTrainer(device bt.BTDevice, logger *log.Logger) *ftmsTrainer {
	return &ftmsTrainer{device: device, logger: logger, lastPower: -1, lastGrade: math.NaN()}
}

func (t *ftmsTrainer) ID() string { return t.device.GetAddressString() }

// requestControl sends Request Control followed by Start. Some trainers do
// not need Start, so only the first write is fatal.
func (t *ftmsTrainer) requestControl() error {
	if err := t.write([]byte{FTMSOpCodeRequestControl}); err != nil {
		return fmt.Errorf("failed to request FTMS control: %w", err)
	}
	if err := t.write([]byte{FTMSOpCodeStartOrResume}); err != nil {
		t.logger.Printf("Trainer: start command failed (may not be required): %v", err)
	}
	t.mu.Lock()
	t.controlHeld = true
	t.mu.Unlock()
	t.logger.Printf("Trainer: control acquired on %s", t.ID())
	return nil
}

func (t *ftmsTrainer) SetTargetPower(watts int) error {
	if watts < MinTargetPowerWatts {
		watts = MinTargetPowerWatts
	}
	if watts > MaxTargetPowerWatts {
		watts = MaxTargetPowerWatts
	}
	t.mu.Lock()
	unchanged := watts == t.lastPower
	t.mu.Unlock()
	if unchanged {
		return nil
	}

	data := make([]byte, 3)
	data[0] = FTMSOpCodeSetTargetPower
	binary.LittleEndian.PutUint16(data[1:], uint16(int16(watts)))
	t.logger.Printf("Trainer: setting target power to %d W on %s", watts, t.ID())
	if err := t.write(data); err != nil {
		return fmt.Errorf("failed to set target power: %w", err)
	}

	t.mu.Lock()
	t.lastPower = watts
	t.lastGrade = math.NaN()
	t.mu.Unlock()
	return nil
}

// SetTargetGrade writes Set Indoor Bike Simulation Parameters with no wind,
// the given grade, and typical rolling resistance and drag values.
func (t *ftmsTrainer) SetTargetGrade(pct float64) error {
	pct = math.Max(MinTargetGradePct, math.Min(MaxTargetGradePct, pct))
	t.mu.Lock()
	unchanged := pct == t.lastGrade
	t.mu.Unlock()
	if unchanged {
		return nil
	}

	data := make([]byte, 7)
	data[0] = FTMSOpCodeSetIndoorBikeSimulation
	binary.LittleEndian.PutUint16(data[1:], 0)                                  // wind speed, 0.001 m/s
	binary.LittleEndian.PutUint16(data[3:], uint16(int16(math.Round(pct*100)))) // grade, 0.01 %
	data[5] = 40                                                                // crr, 0.0001
	data[6] = 51                                                                // cw, 0.01 kg/m
	t.logger.Printf("Trainer: setting grade to %.1f%% on %s", pct, t.ID())
	if err := t.write(data); err != nil {
		return fmt.Errorf("failed to set target grade: %w", err)
	}

	t.mu.Lock()
	t.lastGrade = pct
	t.lastPower = -1
	t.mu.Unlock()
	return nil
}

func (t *ftmsTrainer) write(data []byte) error {
	if !t.device.IsConnected() {
		return bt.ErrNotConnected
	}
	return t.device.WriteCharacteristic(ServiceUUIDFTMS, CharUUIDFTMSControlPoint, data)
}

// describeControlPoint renders a control point write for logs and the mock.
func describeControlPoint(data []byte) string {
	if len(data) == 0 {
		return "empty"
	}
	switch data[0] {
	case FTMSOpCodeRequestControl:
		return "Request Control"
	case FTMSOpCodeReset:
		return "Reset"
	case FTMSOpCodeSetTargetPower:
		if len(data) >= 3 {
			return fmt.Sprintf("Set Target Power: %dW", int16(binary.LittleEndian.Uint16(data[1:])))
		}
		return "Set Target Power (malformed)"
	case FTMSOpCodeSetIndoorBikeSimulation:
		if len(data) >= 5 {
			return fmt.Sprintf("Set Grade: %.2f%%", float64(int16(binary.LittleEndian.Uint16(data[3:])))/100)
		}
		return "Set Grade (malformed)"
	case FTMSOpCodeStartOrResume:
		return "Start/Resume"
	case FTMSOpCodeStopOrPause:
		return "Stop/Pause"
	default:
		return fmt.Sprintf("Unknown opcode: 0x%02X", data[0])
	}
}
