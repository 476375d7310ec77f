package model

import "time"

// Sample is one timestamped reading.
type Sample struct {
	Time  time.Time
	Value float64
}

// MetricSample is a Sample tagged with its metric and the id of the source that
// produced it (a sensor address or "gps").
type MetricSample struct {
	Metric Metric
	Sample Sample
	Source string
}

// SampleChunk is an immutable batch of samples for one metric. Timestamps are
// non-decreasing.
type SampleChunk struct {
	SessionID string
	Metric    Metric
	Index     int
	Samples   []Sample
}

// Start returns the first timestamp of the chunk.
func (c *SampleChunk) Start() time.Time {
	if len(c.Samples) == 0 {
		return time.Time{}
	}
	return c.Samples[0].Time
}

// End returns the last timestamp of the chunk.
func (c *SampleChunk) End() time.Time {
	if len(c.Samples) == 0 {
		return time.Time{}
	}
	return c.Samples[len(c.Samples)-1].Time
}

// AggregatedStream is the full series of one metric rebuilt from its chunks.
type AggregatedStream struct {
	Metric  Metric
	Samples []Sample
	Count   int
	Min     float64
	Max     float64
	Avg     float64
	Chunks  int
}

// Values returns just the sample values.
func (s *AggregatedStream) Values() []float64 {
	out := make([]float64, len(s.Samples))
	for i, sample := range s.Samples {
		out[i] = sample.Value
	}
	return out
}

// Duration returns the time between the first and last samples.
func (s *AggregatedStream) Duration() time.Duration {
	if len(s.Samples) < 2 {
		return 0
	}
	return s.Samples[len(s.Samples)-1].Time.Sub(s.Samples[0].Time)
}
