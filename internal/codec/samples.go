// Package codec holds the binary encodings used for buffered chunks and for
// uploaded streams.
package codec

import (
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/model"
)

// ErrCorrupt is returned when an encoded payload cannot be decoded.
var ErrCorrupt = errors.New("codec: corrupt payload")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// minSampleSize is one delta varint byte plus the fixed64 value.
const minSampleSize = 1 + 8

// EncodeSamples encodes samples as a count followed by, per sample, the
// zig-zag varint millisecond delta from the previous timestamp and the
// fixed64 IEEE-754 value.
func EncodeSamples(samples []model.Sample) []byte {
	b := make([]byte, 0, 2+len(samples)*(minSampleSize+2))
	b = protowire.AppendVarint(b, uint64(len(samples)))
	var prev int64
	for _, s := range samples {
		ms := s.Time.UnixMilli()
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(ms-prev))
		b = protowire.AppendFixed64(b, math.Float64bits(s.Value))
		prev = ms
	}
	return b
}

// DecodeSamples reverses EncodeSamples. Timestamps are returned in UTC.
func DecodeSamples(b []byte) ([]model.Sample, error) {
	count, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, fmt.Errorf("%w: sample count: %v", ErrCorrupt, protowire.ParseError(n))
	}
	b = b[n:]
	if count > uint64(len(b)/minSampleSize) {
		return nil, fmt.Errorf("%w: %d samples cannot fit in %d bytes", ErrCorrupt, count, len(b))
	}

	samples := make([]model.Sample, 0, count)
	var prev int64
	for i := uint64(0); i < count; i++ {
		delta, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: sample %d timestamp: %v", ErrCorrupt, i, protowire.ParseError(n))
		}
		b = b[n:]
		bits, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: sample %d value: %v", ErrCorrupt, i, protowire.ParseError(n))
		}
		b = b[n:]
		prev += protowire.DecodeZigZag(delta)
		samples = append(samples, model.Sample{
			Time:  time.UnixMilli(prev).UTC(),
			Value: math.Float64frombits(bits),
		})
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(b))
	}
	return samples, nil
}

// Checksum returns the CRC-32C of payload.
func Checksum(payload []byte) uint32 {
	return crc32.Checksum(payload, castagnoli)
}
