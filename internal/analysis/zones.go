package analysis

import (
	"math"
	"strings"
	"time"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/model"
)

// Coggan power zones as fractions of FTP.
var powerZoneFractions = []float64{0.55, 0.75, 0.90, 1.05, 1.20, 1.50}

// Heart-rate zones as fractions of threshold HR, or of max HR when only that
// is known.
var (
	thresholdHRFractions = []float64{0.81, 0.90, 0.94, 1.00}
	maxHRFractions       = []float64{0.60, 0.70, 0.80, 0.90}
)

// PowerZoneBounds returns the lower bounds of zones 2..7 in watts.
func PowerZoneBounds(ftp float64) []float64 {
	return scale(powerZoneFractions, ftp)
}

// HeartRateZoneBounds returns the lower bounds of zones 2..5 in bpm, or nil
// when neither threshold nor max HR is known.
func HeartRateZoneBounds(thresholdHR, maxHR float64) []float64 {
	switch {
	case thresholdHR > 0:
		return scale(thresholdHRFractions, thresholdHR)
	case maxHR > 0:
		return scale(maxHRFractions, maxHR)
	}
	return nil
}

func scale(fractions []float64, base float64) []float64 {
	out := make([]float64, len(fractions))
	for i, f := range fractions {
		out[i] = math.Round(f * base)
	}
	return out
}

// TimeInZones buckets the time each sample is held into len(bounds)+1 zones.
// bounds are ascending lower bounds of zones 2 and up.
func TimeInZones(samples []model.Sample, bounds []float64) []model.ZoneTime {
	zones := make([]model.ZoneTime, len(bounds)+1)
	for i := range zones {
		zones[i].Zone = i + 1
		if i > 0 {
			zones[i].Lower = bounds[i-1]
		}
		if i < len(bounds) {
			zones[i].Upper = bounds[i]
		}
	}

	holds := holdDurations(samples)
	for i, s := range samples {
		z := 0
		for z < len(bounds) && s.Value >= bounds[z] {
			z++
		}
		zones[z].Seconds += holds[i]
	}
	return zones
}

// TRIMP is Banister's training impulse over the heart-rate series. It needs
// resting and max HR.
func TRIMP(hr []model.Sample, restingHR, maxHR float64, gender string) float64 {
	if restingHR <= 0 || maxHR <= restingHR {
		return 0
	}
	a, b := 0.64, 1.92
	if isFemale(gender) {
		a, b = 0.86, 1.67
	}

	holds := holdDurations(hr)
	var total float64
	for i, s := range hr {
		reserve := (s.Value - restingHR) / (maxHR - restingHR)
		if reserve <= 0 {
			continue
		}
		if reserve > 1 {
			reserve = 1
		}
		total += holds[i] / 60 * reserve * a * math.Exp(b*reserve)
	}
	return total
}

func isFemale(gender string) bool {
	g := strings.ToLower(gender)
	return g == "f" || g == "female"
}

// mechanicalEfficiency converts work at the pedals to energy burned.
const mechanicalEfficiency = 0.24

const kJPerKcal = 4.184

// Calories estimates energy burned. Power data wins; otherwise the Keytel
// heart-rate equation is used, which needs weight and age.
func Calories(workKJ, avgHR float64, moving time.Duration, p model.Profile, at time.Time) float64 {
	if workKJ > 0 {
		return workKJ / (kJPerKcal * mechanicalEfficiency)
	}
	age := float64(p.Age(at))
	if avgHR <= 0 || p.WeightKg <= 0 || age <= 0 {
		return 0
	}
	minutes := moving.Minutes()
	var perMinute float64
	if isFemale(p.Gender) {
		perMinute = (-20.4022 + 0.4472*avgHR - 0.1263*p.WeightKg + 0.074*age) / kJPerKcal
	} else {
		perMinute = (-55.0969 + 0.6309*avgHR + 0.1988*p.WeightKg + 0.2017*age) / kJPerKcal
	}
	return math.Max(perMinute*minutes, 0)
}
