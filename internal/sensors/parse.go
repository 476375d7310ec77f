package sensors

import (
	"encoding/binary"
	"fmt"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/model"
)

// Reading is one decoded value from a notification.
type Reading struct {
	Metric model.Metric
	Value  float64
}

// decodeFunc turns one raw notification into readings. A nil result with a
// nil error means the notification carried nothing usable yet.
type decodeFunc func(buf []byte) ([]Reading, error)

// newDecoder returns a decoder for a stream. CSC and cycling power decoders
// keep state across notifications, so each connection needs its own.
func newDecoder(id StreamID, wheelCircumferenceM float64) (decodeFunc, error) {
	switch id {
	case StreamHeartRate:
		return parseHeartRate, nil
	case StreamCSC:
		d := &cscDecoder{wheelCircumferenceM: wheelCircumferenceM}
		return d.decode, nil
	case StreamCyclingPower:
		d := &powerDecoder{}
		return d.decode, nil
	case StreamIndoorBikeData:
		return parseIndoorBikeData, nil
	default:
		return nil, fmt.Errorf("unknown stream type: %s", id)
	}
}

// parseHeartRate decodes the Heart Rate Measurement characteristic.
// See: https://www.bluetooth.com/specifications/specs/heart-rate-service-1-0/
func parseHeartRate(buf []byte) ([]Reading, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("heart rate data too short: %d bytes", len(buf))
	}
	// Bit 0: 0 = UINT8, 1 = UINT16
	var hr uint16
	if buf[0]&0x01 != 0 {
		if len(buf) < 3 {
			return nil, fmt.Errorf("heart rate UINT16 data too short: %d bytes", len(buf))
		}
		hr = binary.LittleEndian.Uint16(buf[1:])
	} else {
		hr = uint16(buf[1])
	}
	if hr == 0 {
		// strap not in contact
		return nil, nil
	}
	return []Reading{{Metric: model.MetricHeartRate, Value: float64(hr)}}, nil
}

// crankState derives cadence from cumulative crank revolutions and the last
// crank event time (1/1024 s). UINT16 rollover is handled by the subtraction.
type crankState struct {
	revs    uint16
	time    uint16
	primed  bool
	lastRPM float64
}

func (c *crankState) update(revs, eventTime uint16) (float64, bool) {
	if !c.primed {
		c.revs, c.time, c.primed = revs, eventTime, true
		return 0, false
	}
	revDiff := revs - c.revs
	timeDiff := eventTime - c.time
	c.revs, c.time = revs, eventTime

	if timeDiff == 0 {
		// no new crank event: coasting if revolutions also stood still
		if revDiff == 0 {
			return 0, true
		}
		return c.lastRPM, true
	}
	rpm := float64(revDiff) * 60.0 * 1024.0 / float64(timeDiff)
	if rpm > 300 {
		return 0, false
	}
	c.lastRPM = rpm
	return rpm, true
}

// cscDecoder decodes the CSC Measurement characteristic.
// See: https://www.bluetooth.com/specifications/specs/cycling-speed-and-cadence-service-1-0/
type cscDecoder struct {
	wheelCircumferenceM float64

	crank       crankState
	wheelRevs   uint32
	wheelTime   uint16
	wheelPrimed bool
}

func (d *cscDecoder) decode(buf []byte) ([]Reading, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("CSC data too short: %d bytes", len(buf))
	}
	flags := buf[0]
	hasWheel := flags&0x01 != 0
	hasCrank := flags&0x02 != 0
	offset := 1

	var out []Reading
	if hasWheel {
		if offset+6 > len(buf) {
			return nil, fmt.Errorf("CSC data too short for wheel data at offset %d", offset)
		}
		revs := binary.LittleEndian.Uint32(buf[offset:])
		eventTime := binary.LittleEndian.Uint16(buf[offset+4:])
		offset += 6
		if speed, ok := d.wheelSpeed(revs, eventTime); ok {
			out = append(out, Reading{Metric: model.MetricSpeed, Value: speed})
		}
	}
	if hasCrank {
		if offset+4 > len(buf) {
			return nil, fmt.Errorf("CSC data too short for crank data at offset %d", offset)
		}
		revs := binary.LittleEndian.Uint16(buf[offset:])
		eventTime := binary.LittleEndian.Uint16(buf[offset+2:])
		if rpm, ok := d.crank.update(revs, eventTime); ok {
			out = append(out, Reading{Metric: model.MetricCadence, Value: rpm})
		}
	}
	return out, nil
}

// wheelSpeed returns metres per second.
func (d *cscDecoder) wheelSpeed(revs uint32, eventTime uint16) (float64, bool) {
	if !d.wheelPrimed || d.wheelCircumferenceM <= 0 {
		d.wheelRevs, d.wheelTime, d.wheelPrimed = revs, eventTime, true
		return 0, false
	}
	revDiff := revs - d.wheelRevs
	timeDiff := eventTime - d.wheelTime
	d.wheelRevs, d.wheelTime = revs, eventTime
	if timeDiff == 0 {
		return 0, revDiff == 0
	}
	return float64(revDiff) * d.wheelCircumferenceM * 1024.0 / float64(timeDiff), true
}

// Cycling Power Measurement flag bits that move the crank data offset.
const (
	cpsFlagPedalBalance = 1 << 0
	cpsFlagTorque       = 1 << 2
	cpsFlagWheelRevs    = 1 << 4
	cpsFlagCrankRevs    = 1 << 5
)

// powerDecoder decodes the Cycling Power Measurement characteristic,
// including crank data when a power meter reports it.
// See: https://www.bluetooth.com/specifications/specs/cycling-power-service-1-1/
type powerDecoder struct {
	crank crankState
}

func (d *powerDecoder) decode(buf []byte) ([]Reading, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("cycling power data too short: %d bytes", len(buf))
	}
	flags := binary.LittleEndian.Uint16(buf)
	power := int16(binary.LittleEndian.Uint16(buf[2:]))
	out := []Reading{{Metric: model.MetricPower, Value: float64(power)}}

	if flags&cpsFlagCrankRevs == 0 {
		return out, nil
	}
	offset := 4
	if flags&cpsFlagPedalBalance != 0 {
		offset++
	}
	if flags&cpsFlagTorque != 0 {
		offset += 2
	}
	if flags&cpsFlagWheelRevs != 0 {
		offset += 6
	}
	if offset+4 > len(buf) {
		return nil, fmt.Errorf("cycling power data too short for crank data at offset %d", offset)
	}
	revs := binary.LittleEndian.Uint16(buf[offset:])
	eventTime := binary.LittleEndian.Uint16(buf[offset+2:])
	if rpm, ok := d.crank.update(revs, eventTime); ok {
		out = append(out, Reading{Metric: model.MetricCadence, Value: rpm})
	}
	return out, nil
}

// IndoorBikeData holds the FTMS Indoor Bike Data fields we record.
type IndoorBikeData struct {
	HasInstantaneousSpeed   bool
	HasInstantaneousCadence bool
	HasTotalDistance        bool
	HasInstantaneousPower   bool
	HasHeartRate            bool

	InstantaneousSpeedKmh   float64
	InstantaneousCadenceRpm float64
	TotalDistanceMeters     uint32
	InstantaneousPowerWatts int16
	HeartRateBpm            uint8
}

// Indoor Bike Data flag bit positions (FTMS 1.0)
const (
	ibdFlagMoreData             = 1 << 0 // 0 = Instantaneous Speed present
	ibdFlagAverageSpeed         = 1 << 1
	ibdFlagInstantaneousCadence = 1 << 2
	ibdFlagAverageCadence       = 1 << 3
	ibdFlagTotalDistance        = 1 << 4
	ibdFlagResistanceLevel      = 1 << 5
	ibdFlagInstantaneousPower   = 1 << 6
	ibdFlagAveragePower         = 1 << 7
	ibdFlagExpendedEnergy       = 1 << 8
	ibdFlagHeartRate            = 1 << 9
)

// ParseIndoorBikeData decodes the FTMS Indoor Bike Data characteristic up to
// the heart rate field; later fields are not recorded.
// See: https://www.bluetooth.com/specifications/specs/fitness-machine-service-1-0/
func ParseIndoorBikeData(buf []byte) (*IndoorBikeData, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("indoor bike data too short: %d bytes", len(buf))
	}
	flags := binary.LittleEndian.Uint16(buf)
	r := &fieldReader{buf: buf, offset: 2}
	data := &IndoorBikeData{}

	if flags&ibdFlagMoreData == 0 {
		data.HasInstantaneousSpeed = true
		data.InstantaneousSpeedKmh = float64(r.uint16("instantaneous speed")) * 0.01
	}
	if flags&ibdFlagAverageSpeed != 0 {
		r.skip(2, "average speed")
	}
	if flags&ibdFlagInstantaneousCadence != 0 {
		data.HasInstantaneousCadence = true
		data.InstantaneousCadenceRpm = float64(r.uint16("instantaneous cadence")) * 0.5
	}
	if flags&ibdFlagAverageCadence != 0 {
		r.skip(2, "average cadence")
	}
	if flags&ibdFlagTotalDistance != 0 {
		data.HasTotalDistance = true
		data.TotalDistanceMeters = r.uint24("total distance")
	}
	if flags&ibdFlagResistanceLevel != 0 {
		r.skip(2, "resistance level")
	}
	if flags&ibdFlagInstantaneousPower != 0 {
		data.HasInstantaneousPower = true
		data.InstantaneousPowerWatts = int16(r.uint16("instantaneous power"))
	}
	if flags&ibdFlagAveragePower != 0 {
		r.skip(2, "average power")
	}
	if flags&ibdFlagExpendedEnergy != 0 {
		r.skip(5, "expended energy")
	}
	if flags&ibdFlagHeartRate != 0 {
		data.HasHeartRate = true
		data.HeartRateBpm = r.uint8("heart rate")
	}
	if r.err != nil {
		return nil, r.err
	}
	return data, nil
}

func parseIndoorBikeData(buf []byte) ([]Reading, error) {
	data, err := ParseIndoorBikeData(buf)
	if err != nil {
		return nil, err
	}
	var out []Reading
	if data.HasInstantaneousSpeed {
		out = append(out, Reading{Metric: model.MetricSpeed, Value: data.InstantaneousSpeedKmh / 3.6})
	}
	if data.HasInstantaneousCadence {
		out = append(out, Reading{Metric: model.MetricCadence, Value: data.InstantaneousCadenceRpm})
	}
	if data.HasTotalDistance {
		out = append(out, Reading{Metric: model.MetricDistance, Value: float64(data.TotalDistanceMeters)})
	}
	if data.HasInstantaneousPower {
		out = append(out, Reading{Metric: model.MetricPower, Value: float64(data.InstantaneousPowerWatts)})
	}
	if data.HasHeartRate && data.HeartRateBpm > 0 {
		out = append(out, Reading{Metric: model.MetricHeartRate, Value: float64(data.HeartRateBpm)})
	}
	return out, nil
}

// fieldReader reads little-endian fields and remembers the first overrun.
type fieldReader struct {
	buf    []byte
	offset int
	err    error
}

func (r *fieldReader) take(n int, field string) []byte {
	if r.err != nil {
		return nil
	}
	if r.offset+n > len(r.buf) {
		r.err = fmt.Errorf("buffer too short for %s at offset %d", field, r.offset)
		return nil
	}
	b := r.buf[r.offset : r.offset+n]
	r.offset += n
	return b
}

func (r *fieldReader) skip(n int, field string) { r.take(n, field) }

func (r *fieldReader) uint8(field string) uint8 {
	if b := r.take(1, field); b != nil {
		return b[0]
	}
	return 0
}

func (r *fieldReader) uint16(field string) uint16 {
	if b := r.take(2, field); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *fieldReader) uint24(field string) uint32 {
	if b := r.take(3, field); b != nil {
		return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
	}
	return 0
}
