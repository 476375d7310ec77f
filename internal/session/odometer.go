package session

import (
	"math"
	"time"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/model"
)

// maxSpeedGap caps how long a speed sample is integrated for.
const maxSpeedGap = 5 * time.Second

// odometer tracks distance covered while recording. A cumulative distance
// stream is preferred; speed is integrated until one shows up.
type odometer struct {
	haveDistance bool
	firstDist    float64
	fromDistance float64
	fromSpeed    float64
	lastSpeed    model.Sample
	haveSpeed    bool
}

func (o *odometer) observe(ms model.MetricSample) {
	switch ms.Metric {
	case model.MetricDistance:
		if !o.haveDistance {
			o.haveDistance = true
			o.firstDist = ms.Sample.Value
		}
		o.fromDistance = math.Max(o.fromDistance, ms.Sample.Value-o.firstDist)
	case model.MetricSpeed:
		if o.haveSpeed {
			dt := ms.Sample.Time.Sub(o.lastSpeed.Time)
			if dt > maxSpeedGap {
				dt = maxSpeedGap
			}
			if dt > 0 {
				o.fromSpeed += o.lastSpeed.Value * dt.Seconds()
			}
		}
		o.lastSpeed = ms.Sample
		o.haveSpeed = true
	}
}

// pause stops speed integration across the paused gap.
func (o *odometer) pause() {
	o.haveSpeed = false
}

func (o *odometer) metres() float64 {
	if o.haveDistance {
		return o.fromDistance
	}
	return o.fromSpeed
}
