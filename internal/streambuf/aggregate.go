package streambuf

import (
	"context"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/codec"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/model"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/store"
)

// ChunkReader is the read side of a ChunkStore.
type ChunkReader interface {
	ReadChunks(ctx context.Context, sessionID string) ([]store.ChunkRecord, error)
}

// CorruptChunk describes a persisted chunk that was skipped.
type CorruptChunk struct {
	Metric model.Metric
	Index  int
	Err    error
}

func (c CorruptChunk) String() string {
	return fmt.Sprintf("%s chunk %d: %v", c.Metric, c.Index, c.Err)
}

// Aggregation is the result of rebuilding a session from its chunks.
type Aggregation struct {
	Streams map[model.Metric]*model.AggregatedStream
	Corrupt []CorruptChunk
}

// Metrics returns the aggregated metrics in display order.
func (a *Aggregation) Metrics() []model.Metric {
	var out []model.Metric
	for _, m := range model.AllMetrics {
		if _, ok := a.Streams[m]; ok {
			out = append(out, m)
		}
	}
	return out
}

// Empty reports whether no metric produced any sample.
func (a *Aggregation) Empty() bool {
	return len(a.Streams) == 0
}

// Aggregate reads every chunk of sessionID and rebuilds one stream per metric.
// Chunks that fail checksum or decoding, or that would break timestamp order,
// are skipped and listed in Corrupt. Only a failure to read storage at all is
// returned as an error.
func Aggregate(ctx context.Context, r ChunkReader, sessionID string) (*Aggregation, error) {
	recs, err := r.ReadChunks(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("aggregate session %s: %w", sessionID, err)
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Metric != recs[j].Metric {
			return recs[i].Metric < recs[j].Metric
		}
		return recs[i].Index < recs[j].Index
	})

	agg := &Aggregation{Streams: make(map[model.Metric]*model.AggregatedStream)}
	for _, rec := range recs {
		samples, err := decodeChunk(rec)
		if err == nil {
			err = checkOrder(agg.Streams[rec.Metric], samples)
		}
		if err != nil {
			agg.Corrupt = append(agg.Corrupt, CorruptChunk{Metric: rec.Metric, Index: rec.Index, Err: err})
			continue
		}
		stream, ok := agg.Streams[rec.Metric]
		if !ok {
			stream = &model.AggregatedStream{Metric: rec.Metric}
			agg.Streams[rec.Metric] = stream
		}
		stream.Samples = append(stream.Samples, samples...)
		stream.Chunks++
	}

	for metric, stream := range agg.Streams {
		if len(stream.Samples) == 0 {
			delete(agg.Streams, metric)
			continue
		}
		values := stream.Values()
		stream.Count = len(values)
		stream.Min = floats.Min(values)
		stream.Max = floats.Max(values)
		stream.Avg = stat.Mean(values, nil)
	}
	return agg, nil
}

func decodeChunk(rec store.ChunkRecord) ([]model.Sample, error) {
	if _, err := model.ParseMetric(string(rec.Metric)); err != nil {
		return nil, err
	}
	if sum := codec.Checksum(rec.Payload); sum != rec.Checksum {
		return nil, fmt.Errorf("checksum mismatch: stored %08x, computed %08x", rec.Checksum, sum)
	}
	samples, err := codec.DecodeSamples(rec.Payload)
	if err != nil {
		return nil, err
	}
	if len(samples) != rec.SampleCount {
		return nil, fmt.Errorf("sample count mismatch: stored %d, decoded %d", rec.SampleCount, len(samples))
	}
	return samples, nil
}

func checkOrder(prev *model.AggregatedStream, samples []model.Sample) error {
	for i := 1; i < len(samples); i++ {
		if samples[i].Time.Before(samples[i-1].Time) {
			return fmt.Errorf("timestamps decrease at sample %d", i)
		}
	}
	if prev != nil && len(prev.Samples) > 0 && len(samples) > 0 &&
		samples[0].Time.Before(prev.Samples[len(prev.Samples)-1].Time) {
		return fmt.Errorf("chunk starts before the previous chunk ends")
	}
	return nil
}

// Cleanup deletes all chunks of sessionID. Used for sessions recovered
// without a live Buffer.
func Cleanup(ctx context.Context, s ChunkStore, sessionID string) error {
	return s.DeleteChunks(ctx, sessionID)
}
