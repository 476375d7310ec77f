package sensors

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/model"
)

func TestParseHeartRate(t *testing.T) {
	readings, err := parseHeartRate([]byte{0x00, 142})
	require.NoError(t, err)
	assert.Equal(t, []Reading{{Metric: model.MetricHeartRate, Value: 142}}, readings)

	readings, err = parseHeartRate([]byte{0x01, 0x2C, 0x01})
	require.NoError(t, err)
	assert.Equal(t, 300.0, readings[0].Value)

	readings, err = parseHeartRate([]byte{0x00, 0})
	require.NoError(t, err)
	assert.Empty(t, readings, "zero means no skin contact")

	_, err = parseHeartRate([]byte{0x01, 0x2C})
	assert.Error(t, err)
}

func cscCrank(revs, eventTime uint16) []byte {
	buf := make([]byte, 5)
	buf[0] = 0x02
	binary.LittleEndian.PutUint16(buf[1:], revs)
	binary.LittleEndian.PutUint16(buf[3:], eventTime)
	return buf
}

func TestCSCCadence(t *testing.T) {
	d := &cscDecoder{wheelCircumferenceM: 2.1}

	readings, err := d.decode(cscCrank(10, 1000))
	require.NoError(t, err)
	assert.Empty(t, readings, "first reading only primes the state")

	// two revolutions in one second
	readings, err = d.decode(cscCrank(12, 2024))
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, model.MetricCadence, readings[0].Metric)
	assert.InDelta(t, 120.0, readings[0].Value, 0.001)

	// crank counter rollover
	d2 := &cscDecoder{}
	_, _ = d2.decode(cscCrank(65535, 65000))
	readings, err = d2.decode(cscCrank(0, 65000+512))
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.InDelta(t, 120.0, readings[0].Value, 0.001)
}

func TestCSCWheelSpeed(t *testing.T) {
	d := &cscDecoder{wheelCircumferenceM: 2.0}
	wheel := func(revs uint32, eventTime uint16) []byte {
		buf := make([]byte, 7)
		buf[0] = 0x01
		binary.LittleEndian.PutUint32(buf[1:], revs)
		binary.LittleEndian.PutUint16(buf[5:], eventTime)
		return buf
	}
	_, err := d.decode(wheel(100, 0))
	require.NoError(t, err)

	readings, err := d.decode(wheel(105, 1024))
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, model.MetricSpeed, readings[0].Metric)
	assert.InDelta(t, 10.0, readings[0].Value, 0.001)

	_, err = d.decode([]byte{0x01, 0x00})
	assert.Error(t, err)
}

func TestCyclingPowerWithCrankData(t *testing.T) {
	d := &powerDecoder{}
	packet := func(power int16, revs, eventTime uint16) []byte {
		buf := make([]byte, 9)
		// pedal balance present, crank data present
		binary.LittleEndian.PutUint16(buf, cpsFlagPedalBalance|cpsFlagCrankRevs)
		binary.LittleEndian.PutUint16(buf[2:], uint16(power))
		buf[4] = 100
		binary.LittleEndian.PutUint16(buf[5:], revs)
		binary.LittleEndian.PutUint16(buf[7:], eventTime)
		return buf
	}

	readings, err := d.decode(packet(250, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, []Reading{{Metric: model.MetricPower, Value: 250}}, readings)

	readings, err = d.decode(packet(260, 2, 768))
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, 260.0, readings[0].Value)
	assert.InDelta(t, 80.0, readings[1].Value, 0.001)

	_, err = d.decode([]byte{0x20, 0x00, 0x10, 0x00})
	assert.Error(t, err, "crank flag without crank data")
}

func TestParseIndoorBikeData(t *testing.T) {
	buf := make([]byte, 0, 16)
	flags := uint16(ibdFlagInstantaneousCadence | ibdFlagTotalDistance | ibdFlagInstantaneousPower | ibdFlagHeartRate)
	buf = binary.LittleEndian.AppendUint16(buf, flags)
	buf = binary.LittleEndian.AppendUint16(buf, 3600) // 36.00 km/h
	buf = binary.LittleEndian.AppendUint16(buf, 180)  // 90 rpm
	buf = append(buf, 0x10, 0x27, 0x00)               // 10000 m
	buf = binary.LittleEndian.AppendUint16(buf, 215)
	buf = append(buf, 151)

	readings, err := parseIndoorBikeData(buf)
	require.NoError(t, err)

	got := make(map[model.Metric]float64)
	for _, r := range readings {
		got[r.Metric] = r.Value
	}
	assert.InDelta(t, 10.0, got[model.MetricSpeed], 0.0001)
	assert.Equal(t, 90.0, got[model.MetricCadence])
	assert.Equal(t, 10000.0, got[model.MetricDistance])
	assert.Equal(t, 215.0, got[model.MetricPower])
	assert.Equal(t, 151.0, got[model.MetricHeartRate])

	_, err = parseIndoorBikeData(buf[:9])
	assert.Error(t, err)
}

func TestNewDecoderUnknownStream(t *testing.T) {
	_, err := newDecoder("bogus", 2.1)
	assert.Error(t, err)
}

func TestCapabilitiesOf(t *testing.T) {
	trainer := NewMockBTDevice(testLogger(), MockBTDeviceConfig{
		ServiceUUIDs: []string{ServiceUUIDFTMS, ServiceUUIDCyclingPower},
	})
	caps := capabilitiesOf(trainer.HasServiceUUID)
	assert.ElementsMatch(t, []Capability{CapabilityPower, CapabilityCadence, CapabilitySpeed, CapabilityTrainer}, caps)

	battery := NewMockBTDevice(testLogger(), MockBTDeviceConfig{ServiceUUIDs: []string{ServiceUUIDBattery}})
	assert.Empty(t, capabilitiesOf(battery.HasServiceUUID))
}

func TestDescribeControlPoint(t *testing.T) {
	assert.Equal(t, "Set Target Power: 200W", describeControlPoint([]byte{0x05, 0xC8, 0x00}))
	assert.Equal(t, "Set Grade: -2.50%", describeControlPoint([]byte{0x11, 0, 0, 0x06, 0xFF, 40, 51}))
	assert.Equal(t, "empty", describeControlPoint(nil))
}
