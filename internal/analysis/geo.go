package analysis

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/model"
)

const earthRadiusM = 6371000.0

// ElevationThreshold is the climb or drop in metres that must accumulate
// before it counts, filtering altimeter noise.
const ElevationThreshold = 2.0

// minGradeRun is the horizontal distance a derived grade is measured over.
const minGradeRun = 20.0

// haversine returns the great-circle distance in metres.
func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := math.Pi / 180
	dLat := (lat2 - lat1) * toRad
	dLon := (lon2 - lon1) * toRad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*toRad)*math.Cos(lat2*toRad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Distance picks the best available source: the cumulative distance stream,
// then the GPS track, then integrated speed.
func Distance(distance, lat, lng, speed *model.AggregatedStream) float64 {
	if distance != nil && len(distance.Samples) > 0 {
		return math.Max(floats.Max(distance.Values())-distance.Samples[0].Value, 0)
	}
	if lat != nil && lng != nil && len(lat.Samples) > 1 && len(lat.Samples) == len(lng.Samples) {
		var total float64
		for i := 1; i < len(lat.Samples); i++ {
			total += haversine(lat.Samples[i-1].Value, lng.Samples[i-1].Value, lat.Samples[i].Value, lng.Samples[i].Value)
		}
		return total
	}
	if speed != nil {
		holds := holdDurations(speed.Samples)
		return floats.Dot(speed.Values(), holds)
	}
	return 0
}

// Elevation sums climbs and drops, counting a change only once it exceeds
// threshold from the last counted point.
func Elevation(elevation []float64, threshold float64) (gain, loss float64) {
	if len(elevation) == 0 {
		return 0, 0
	}
	ref := elevation[0]
	for _, e := range elevation[1:] {
		d := e - ref
		switch {
		case d >= threshold:
			gain += d
			ref = e
		case -d >= threshold:
			loss -= d
			ref = e
		}
	}
	return gain, loss
}

// Grade returns the average and maximum gradient in percent, from the
// gradient stream when recorded, otherwise derived from elevation over
// distance.
func Grade(gradient, elevation, distance *model.AggregatedStream) (avg, peak float64) {
	if gradient != nil && len(gradient.Samples) > 0 {
		values := gradient.Values()
		return stat.Mean(values, nil), floats.Max(values)
	}
	if elevation == nil || distance == nil || len(elevation.Samples) < 2 || len(distance.Samples) < 2 {
		return 0, 0
	}

	var grades, weights []float64
	startDist := valueAt(distance.Samples, elevation.Samples[0].Time)
	startElev := elevation.Samples[0].Value
	for _, s := range elevation.Samples[1:] {
		d := valueAt(distance.Samples, s.Time)
		run := d - startDist
		if run < minGradeRun {
			continue
		}
		grades = append(grades, (s.Value-startElev)/run*100)
		weights = append(weights, run)
		startDist, startElev = d, s.Value
	}
	if len(grades) == 0 {
		return 0, 0
	}
	return stat.Mean(grades, weights), floats.Max(grades)
}

// valueAt linearly interpolates a series at t, clamping outside its range.
func valueAt(samples []model.Sample, t time.Time) float64 {
	i := sort.Search(len(samples), func(i int) bool { return !samples[i].Time.Before(t) })
	switch {
	case i == 0:
		return samples[0].Value
	case i == len(samples):
		return samples[len(samples)-1].Value
	}
	a, b := samples[i-1], samples[i]
	span := b.Time.Sub(a.Time)
	if span <= 0 {
		return b.Value
	}
	frac := float64(t.Sub(a.Time)) / float64(span)
	return a.Value + (b.Value-a.Value)*frac
}
