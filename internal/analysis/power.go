package analysis

import (
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/model"
)

// npWindow is the rolling window of normalized power, in samples at 1 Hz.
const npWindow = 30

// NormalizedPower is the fourth root of the mean fourth power of the 30 s
// rolling average. Series shorter than the window use a single window.
func NormalizedPower(power []float64) float64 {
	if len(power) == 0 {
		return 0
	}
	window := npWindow
	if len(power) < window {
		window = len(power)
	}

	rolling := make([]float64, 0, len(power)-window+1)
	sum := floats.Sum(power[:window])
	rolling = append(rolling, sum/float64(window))
	for i := window; i < len(power); i++ {
		sum += power[i] - power[i-window]
		rolling = append(rolling, sum/float64(window))
	}

	for i, v := range rolling {
		rolling[i] = math.Pow(v, 4)
	}
	return math.Pow(stat.Mean(rolling, nil), 0.25)
}

// TrainingStress returns TSS for seconds of riding at normalized power np.
func TrainingStress(seconds, np, ftp float64) float64 {
	if ftp <= 0 || seconds <= 0 {
		return 0
	}
	intensity := np / ftp
	return seconds * np * intensity / (ftp * 3600) * 100
}

// Decoupling compares power per heartbeat in the first and second halves of
// the ride, in percent. Positive values mean the heart rate drifted up.
func Decoupling(power, hr []model.Sample) float64 {
	if len(power) < 2 || len(hr) < 2 {
		return 0
	}
	start := power[0].Time
	if hr[0].Time.Before(start) {
		start = hr[0].Time
	}
	end := power[len(power)-1].Time
	if hr[len(hr)-1].Time.After(end) {
		end = hr[len(hr)-1].Time
	}
	mid := start.Add(end.Sub(start) / 2)

	p1, p2 := splitMean(power, mid)
	h1, h2 := splitMean(hr, mid)
	if p2 == 0 || h1 == 0 || h2 == 0 {
		return 0
	}
	first := p1 / h1
	second := p2 / h2
	return (first/second - 1) * 100
}

func splitMean(samples []model.Sample, mid time.Time) (float64, float64) {
	var a, b []float64
	for _, s := range samples {
		if s.Time.Before(mid) {
			a = append(a, s.Value)
		} else {
			b = append(b, s.Value)
		}
	}
	if len(a) == 0 || len(b) == 0 {
		return 0, 0
	}
	return stat.Mean(a, nil), stat.Mean(b, nil)
}
