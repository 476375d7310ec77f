package codec

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/model"
)

func testSamples(n int) []model.Sample {
	t0 := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	out := make([]model.Sample, n)
	for i := range out {
		out[i] = model.Sample{Time: t0.Add(time.Duration(i) * time.Second), Value: 200 + float64(i%7)}
	}
	return out
}

func TestEncodeDecodeSamples(t *testing.T) {
	samples := testSamples(120)
	// equal timestamps are allowed
	samples[5].Time = samples[4].Time

	decoded, err := DecodeSamples(EncodeSamples(samples))
	require.NoError(t, err)
	if diff := cmp.Diff(samples, decoded); diff != "" {
		t.Errorf("decoded samples mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeSamples_Empty(t *testing.T) {
	decoded, err := DecodeSamples(EncodeSamples(nil))
	require.NoError(t, err)
	assert.Empty(t, decoded)
}

func TestDecodeSamples_Corrupt(t *testing.T) {
	payload := EncodeSamples(testSamples(10))

	_, err := DecodeSamples(payload[:len(payload)-3])
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = DecodeSamples(append(payload, 0x01))
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = DecodeSamples([]byte{0xff, 0xff, 0xff, 0x01})
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestChecksumDetectsFlip(t *testing.T) {
	payload := EncodeSamples(testSamples(10))
	sum := Checksum(payload)
	payload[3] ^= 0x40
	assert.NotEqual(t, sum, Checksum(payload))
}

func TestCompressStream_HeaderReadableWithoutDecompressing(t *testing.T) {
	samples := testSamples(600)
	stream := &model.AggregatedStream{
		Metric:  model.MetricPower,
		Samples: samples,
		Count:   len(samples),
		Min:     200,
		Max:     206,
	}

	cs, err := CompressStream(stream)
	require.NoError(t, err)
	assert.Equal(t, EncodingZstd, cs.Encoding)
	assert.Equal(t, 600, cs.SampleCount)
	assert.Less(t, len(cs.Data), len(EncodeSamples(samples)))

	h, offset, err := ReadHeader(cs.Data)
	require.NoError(t, err)
	assert.Positive(t, offset)
	assert.Equal(t, model.MetricPower, h.Metric)
	assert.Equal(t, 600, h.SampleCount)
	assert.Equal(t, 200.0, h.Min)
	assert.Equal(t, 206.0, h.Max)
	assert.Equal(t, samples[0].Time, h.Start)
	assert.Equal(t, samples[599].Time, h.End)

	_, decoded, err := DecompressStream(cs.Data)
	require.NoError(t, err)
	if diff := cmp.Diff(samples, decoded); diff != "" {
		t.Errorf("decompressed samples mismatch (-want +got):\n%s", diff)
	}
}

func TestReadHeader_Rejects(t *testing.T) {
	_, _, err := ReadHeader([]byte("nope"))
	assert.ErrorIs(t, err, ErrCorrupt)

	cs, err := CompressStream(&model.AggregatedStream{Metric: model.MetricHeartRate})
	require.NoError(t, err)
	_, _, err = ReadHeader(cs.Data[:6])
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = CompressStream(nil)
	assert.Error(t, err)
}

func TestDecompressStream_CorruptBody(t *testing.T) {
	cs, err := CompressStream(&model.AggregatedStream{Metric: model.MetricCadence, Samples: testSamples(50)})
	require.NoError(t, err)

	data := append([]byte(nil), cs.Data...)
	data[len(data)-2] ^= 0xff
	_, _, err = DecompressStream(data)
	assert.ErrorIs(t, err, ErrCorrupt)
}
