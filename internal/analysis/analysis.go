// Package analysis computes the summary metrics of a finished activity. Every
// function is pure: the same streams and profile always give the same result.
package analysis

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/model"
)

// maxSampleGap caps the time a single sample is held for when integrating.
// Longer gaps are sensor dropouts or pauses.
const maxSampleGap = 5 * time.Second

// Interval is a closed-open time range.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Input is everything Compute needs.
type Input struct {
	Streams   []model.AggregatedStream
	Profile   model.Profile
	Category  model.Category
	StartedAt time.Time
	EndedAt   time.Time
	Paused    []Interval
}

func (in *Input) stream(m model.Metric) *model.AggregatedStream {
	for i := range in.Streams {
		if in.Streams[i].Metric == m && len(in.Streams[i].Samples) > 0 {
			return &in.Streams[i]
		}
	}
	return nil
}

// Compute derives the activity summary.
func Compute(in Input) model.ActivitySummary {
	var s model.ActivitySummary

	s.ElapsedTime = in.EndedAt.Sub(in.StartedAt)
	if s.ElapsedTime < 0 {
		s.ElapsedTime = 0
	}
	s.MovingTime = MovingTime(in.StartedAt, in.EndedAt, in.Paused)
	moving := s.MovingTime.Seconds()

	power := in.stream(model.MetricPower)
	hr := in.stream(model.MetricHeartRate)
	maxHR := in.Profile.EffectiveMaxHR(in.StartedAt)

	if power != nil {
		values := power.Values()
		s.AvgPower = stat.Mean(values, nil)
		s.MaxPower = floats.Max(values)
		s.NormalizedPower = NormalizedPower(values)
		if in.Profile.FTP > 0 {
			s.IntensityFactor = s.NormalizedPower / in.Profile.FTP
			s.TSS = TrainingStress(moving, s.NormalizedPower, in.Profile.FTP)
			s.PowerZones = TimeInZones(power.Samples, PowerZoneBounds(in.Profile.FTP))
		}
		if s.AvgPower > 0 {
			s.VariabilityIndex = s.NormalizedPower / s.AvgPower
		}
		s.WorkKJ = s.AvgPower * moving / 1000
	}

	if hr != nil {
		values := hr.Values()
		s.AvgHeartRate = stat.Mean(values, nil)
		s.MaxHeartRate = floats.Max(values)
		if bounds := HeartRateZoneBounds(in.Profile.ThresholdHR, maxHR); bounds != nil {
			s.HeartRateZones = TimeInZones(hr.Samples, bounds)
		}
		s.TRIMP = TRIMP(hr.Samples, in.Profile.RestingHR, maxHR, in.Profile.Gender)
	}

	if power != nil && hr != nil && s.AvgHeartRate > 0 {
		s.EfficiencyFactor = s.NormalizedPower / s.AvgHeartRate
		s.Decoupling = Decoupling(power.Samples, hr.Samples)
	}

	if cadence := in.stream(model.MetricCadence); cadence != nil {
		s.AvgCadence = nonZeroMean(cadence.Values())
	}

	s.DistanceMeters = Distance(in.stream(model.MetricDistance), in.stream(model.MetricLatitude), in.stream(model.MetricLongitude), in.stream(model.MetricSpeed))
	if speed := in.stream(model.MetricSpeed); speed != nil {
		s.AvgSpeed = nonZeroMean(speed.Values())
		s.MaxSpeed = floats.Max(speed.Values())
	} else if moving > 0 && s.DistanceMeters > 0 {
		s.AvgSpeed = s.DistanceMeters / moving
	}

	if elev := in.stream(model.MetricElevation); elev != nil {
		s.ElevationGain, s.ElevationLoss = Elevation(elev.Values(), ElevationThreshold)
	}
	s.AvgGrade, s.MaxGrade = Grade(in.stream(model.MetricGradient), in.stream(model.MetricElevation), in.stream(model.MetricDistance))

	s.Calories = Calories(s.WorkKJ, s.AvgHeartRate, s.MovingTime, in.Profile, in.StartedAt)
	return s
}

// MovingTime is the time between start and end minus the paused intervals,
// clipped to the session.
func MovingTime(start, end time.Time, paused []Interval) time.Duration {
	if !end.After(start) {
		return 0
	}
	sorted := append([]Interval(nil), paused...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	total := end.Sub(start)
	cursor := start
	for _, p := range sorted {
		from, to := p.Start, p.End
		if to.IsZero() || to.After(end) {
			to = end
		}
		if from.Before(cursor) {
			from = cursor
		}
		if !to.After(from) {
			continue
		}
		total -= to.Sub(from)
		cursor = to
	}
	return total
}

// holdDurations returns how long each sample is held: the gap to the next
// sample capped at maxSampleGap. The last sample is held for the previous
// gap, or one second when it is alone.
func holdDurations(samples []model.Sample) []float64 {
	out := make([]float64, len(samples))
	for i := range samples {
		var d time.Duration
		switch {
		case i+1 < len(samples):
			d = samples[i+1].Time.Sub(samples[i].Time)
		case i > 0:
			d = samples[i].Time.Sub(samples[i-1].Time)
		default:
			d = time.Second
		}
		if d > maxSampleGap {
			d = maxSampleGap
		}
		if d < 0 {
			d = 0
		}
		out[i] = d.Seconds()
	}
	return out
}

func nonZeroMean(values []float64) float64 {
	var sum float64
	var n int
	for _, v := range values {
		if v > 0 {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
