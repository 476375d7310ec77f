package codec

import (
	"bytes"
	"fmt"
	"math"
	"time"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/model"
)

// EncodingZstd names the stream layout produced by CompressStream.
const EncodingZstd = "ars1+zstd"

var streamMagic = []byte("ARS1")

const (
	fieldMetric protowire.Number = iota + 1
	fieldCount
	fieldMin
	fieldMax
	fieldStart
	fieldEnd
)

// maxDecodedStream bounds decompression of untrusted input.
const maxDecodedStream = 64 << 20

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedStream))
)

// StreamHeader is the uncompressed prefix of a compressed stream.
type StreamHeader struct {
	Metric      model.Metric
	SampleCount int
	Min         float64
	Max         float64
	Start       time.Time
	End         time.Time
}

// CompressStream encodes the stream's samples and compresses them behind a
// clear-text header: magic, varint header length, header fields, zstd body.
func CompressStream(stream *model.AggregatedStream) (model.CompressedStream, error) {
	if stream == nil {
		return model.CompressedStream{}, fmt.Errorf("codec: nil stream")
	}
	h := StreamHeader{
		Metric:      stream.Metric,
		SampleCount: len(stream.Samples),
		Min:         stream.Min,
		Max:         stream.Max,
	}
	if len(stream.Samples) > 0 {
		h.Start = stream.Samples[0].Time.UTC()
		h.End = stream.Samples[len(stream.Samples)-1].Time.UTC()
	}

	header := appendHeader(nil, h)
	out := make([]byte, 0, len(streamMagic)+len(header)+64)
	out = append(out, streamMagic...)
	out = protowire.AppendBytes(out, header)
	out = encoder.EncodeAll(EncodeSamples(stream.Samples), out)

	return model.CompressedStream{
		Metric:      h.Metric,
		SampleCount: h.SampleCount,
		Min:         h.Min,
		Max:         h.Max,
		Start:       h.Start,
		End:         h.End,
		Encoding:    EncodingZstd,
		Data:        out,
	}, nil
}

func appendHeader(b []byte, h StreamHeader) []byte {
	b = protowire.AppendTag(b, fieldMetric, protowire.BytesType)
	b = protowire.AppendString(b, string(h.Metric))
	b = protowire.AppendTag(b, fieldCount, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.SampleCount))
	b = protowire.AppendTag(b, fieldMin, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(h.Min))
	b = protowire.AppendTag(b, fieldMax, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(h.Max))
	if !h.Start.IsZero() {
		b = protowire.AppendTag(b, fieldStart, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(h.Start.UnixMilli()))
		b = protowire.AppendTag(b, fieldEnd, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(h.End.UnixMilli()))
	}
	return b
}

// ReadHeader parses the clear-text header of a compressed stream without
// touching the compressed body. It returns the header and the body offset.
func ReadHeader(data []byte) (StreamHeader, int, error) {
	var h StreamHeader
	if !bytes.HasPrefix(data, streamMagic) {
		return h, 0, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	header, n := protowire.ConsumeBytes(data[len(streamMagic):])
	if n < 0 {
		return h, 0, fmt.Errorf("%w: header: %v", ErrCorrupt, protowire.ParseError(n))
	}
	offset := len(streamMagic) + n

	for len(header) > 0 {
		num, typ, n := protowire.ConsumeTag(header)
		if n < 0 {
			return h, 0, fmt.Errorf("%w: header tag: %v", ErrCorrupt, protowire.ParseError(n))
		}
		header = header[n:]
		switch {
		case num == fieldMetric && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(header)
			if n < 0 {
				return h, 0, fmt.Errorf("%w: metric: %v", ErrCorrupt, protowire.ParseError(n))
			}
			metric, err := model.ParseMetric(v)
			if err != nil {
				return h, 0, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			h.Metric = metric
			header = header[n:]
		case num == fieldCount && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(header)
			if n < 0 {
				return h, 0, fmt.Errorf("%w: count: %v", ErrCorrupt, protowire.ParseError(n))
			}
			h.SampleCount = int(v)
			header = header[n:]
		case (num == fieldMin || num == fieldMax) && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(header)
			if n < 0 {
				return h, 0, fmt.Errorf("%w: range: %v", ErrCorrupt, protowire.ParseError(n))
			}
			if num == fieldMin {
				h.Min = math.Float64frombits(v)
			} else {
				h.Max = math.Float64frombits(v)
			}
			header = header[n:]
		case (num == fieldStart || num == fieldEnd) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(header)
			if n < 0 {
				return h, 0, fmt.Errorf("%w: time: %v", ErrCorrupt, protowire.ParseError(n))
			}
			ts := time.UnixMilli(protowire.DecodeZigZag(v)).UTC()
			if num == fieldStart {
				h.Start = ts
			} else {
				h.End = ts
			}
			header = header[n:]
		default:
			// Skip fields added by newer writers.
			n := protowire.ConsumeFieldValue(num, typ, header)
			if n < 0 {
				return h, 0, fmt.Errorf("%w: field %d: %v", ErrCorrupt, num, protowire.ParseError(n))
			}
			header = header[n:]
		}
	}
	if h.Metric == "" {
		return h, 0, fmt.Errorf("%w: header missing metric", ErrCorrupt)
	}
	return h, offset, nil
}

// DecompressStream decodes a stream produced by CompressStream and checks the
// body against its header.
func DecompressStream(data []byte) (StreamHeader, []model.Sample, error) {
	h, offset, err := ReadHeader(data)
	if err != nil {
		return h, nil, err
	}
	raw, err := decoder.DecodeAll(data[offset:], nil)
	if err != nil {
		return h, nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
	}
	samples, err := DecodeSamples(raw)
	if err != nil {
		return h, nil, err
	}
	if len(samples) != h.SampleCount {
		return h, nil, fmt.Errorf("%w: header says %d samples, body has %d", ErrCorrupt, h.SampleCount, len(samples))
	}
	return h, samples, nil
}
