package model

import "fmt"

// Metric identifies one recorded time series.
type Metric string

const (
	MetricHeartRate Metric = "heart_rate"
	MetricPower     Metric = "power"
	MetricCadence   Metric = "cadence"
	MetricSpeed     Metric = "speed"     // m/s
	MetricDistance  Metric = "distance"  // cumulative metres
	MetricElevation Metric = "elevation" // metres
	MetricGradient  Metric = "gradient"  // percent
	MetricLatitude  Metric = "latitude"
	MetricLongitude Metric = "longitude"
)

// AllMetrics lists every metric in display order.
var AllMetrics = []Metric{
	MetricHeartRate,
	MetricPower,
	MetricCadence,
	MetricSpeed,
	MetricDistance,
	MetricElevation,
	MetricGradient,
	MetricLatitude,
	MetricLongitude,
}

// ParseMetric converts a stored metric name back into a Metric.
func ParseMetric(s string) (Metric, error) {
	for _, m := range AllMetrics {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown metric %q", s)
}

// Unit returns the display unit of the metric.
func (m Metric) Unit() string {
	switch m {
	case MetricHeartRate:
		return "bpm"
	case MetricPower:
		return "W"
	case MetricCadence:
		return "rpm"
	case MetricSpeed:
		return "m/s"
	case MetricDistance, MetricElevation:
		return "m"
	case MetricGradient:
		return "%"
	case MetricLatitude, MetricLongitude:
		return "deg"
	default:
		return ""
	}
}
