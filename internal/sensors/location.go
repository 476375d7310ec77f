package sensors

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/events"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/model"
)

// LocationSource is the Source of samples produced by a LocationProvider.
const LocationSource = "gps"

// SampleSource is anything delivering metric samples.
type SampleSource interface {
	ListenSamples(callback func(model.MetricSample)) *events.Subscription
}

// LocationProvider delivers position fixes as latitude, longitude, elevation
// and speed samples. Filtering and smoothing are up to the implementation.
type LocationProvider interface {
	SampleSource
	Start(ctx context.Context) error
	Stop()
}

// SimulatedLocationConfig describes a synthetic out-and-back ride.
type SimulatedLocationConfig struct {
	StartLat   float64       `mapstructure:"start_lat"`
	StartLng   float64       `mapstructure:"start_lng"`
	SpeedMps   float64       `mapstructure:"speed_mps"`
	HeadingDeg float64       `mapstructure:"heading_deg"`
	BaseElevM  float64       `mapstructure:"base_elevation_m"`
	HillHeight float64       `mapstructure:"hill_height_m"`
	HillLength float64       `mapstructure:"hill_length_m"`
	Interval   time.Duration `mapstructure:"interval"`
}

// DefaultSimulatedLocationConfig starts in Richmond Park at 8 m/s over 10 m
// hills every 2 km.
func DefaultSimulatedLocationConfig() SimulatedLocationConfig {
	return SimulatedLocationConfig{
		StartLat:   51.4425,
		StartLng:   -0.2750,
		SpeedMps:   8,
		HeadingDeg: 45,
		BaseElevM:  30,
		HillHeight: 10,
		HillLength: 2000,
		Interval:   time.Second,
	}
}

// SimulatedLocation moves along a straight heading at constant speed over
// rolling sinusoidal hills.
type SimulatedLocation struct {
	cfg    SimulatedLocationConfig
	logger *log.Logger
	event  *events.CallbackEvent[model.MetricSample]

	mu        sync.Mutex
	travelled float64
	last      time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

var _ LocationProvider = (*SimulatedLocation)(nil)

func NewSimulatedLocation(cfg SimulatedLocationConfig, logger *log.Logger) *SimulatedLocation {
	if logger == nil {
		panic("SimulatedLocation: logger cannot be nil")
	}
	def := DefaultSimulatedLocationConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.SpeedMps <= 0 {
		cfg.SpeedMps = def.SpeedMps
	}
	if cfg.HillLength <= 0 {
		cfg.HillLength = def.HillLength
	}
	return &SimulatedLocation{
		cfg:    cfg,
		logger: logger,
		event:  events.NewCallbackEvent[model.MetricSample](false),
	}
}

func (s *SimulatedLocation) ListenSamples(callback func(model.MetricSample)) *events.Subscription {
	return s.event.Listen(callback)
}

// Start emits a fix every Interval until ctx ends or Stop is called.
func (s *SimulatedLocation) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Printf("SimulatedLocation: starting at %.5f,%.5f", s.cfg.StartLat, s.cfg.StartLng)
	go_func_utils.Go(s.logger, &s.wg, func() {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case now := <-ticker.C:
				s.emitFix(now)
			}
		}
	})
	return nil
}

func (s *SimulatedLocation) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *SimulatedLocation) emitFix(now time.Time) {
	s.mu.Lock()
	if !s.last.IsZero() {
		s.travelled += s.cfg.SpeedMps * now.Sub(s.last).Seconds()
	}
	s.last = now
	d := s.travelled
	s.mu.Unlock()

	lat, lng := destination(s.cfg.StartLat, s.cfg.StartLng, s.cfg.HeadingDeg, d)
	elev := s.cfg.BaseElevM + s.cfg.HillHeight/2*(1-math.Cos(2*math.Pi*d/s.cfg.HillLength))

	for _, r := range []Reading{
		{Metric: model.MetricLatitude, Value: lat},
		{Metric: model.MetricLongitude, Value: lng},
		{Metric: model.MetricElevation, Value: elev},
		{Metric: model.MetricSpeed, Value: s.cfg.SpeedMps},
	} {
		s.event.Notify(model.MetricSample{
			Metric: r.Metric,
			Sample: model.Sample{Time: now, Value: r.Value},
			Source: LocationSource,
		})
	}
}

const earthRadiusM = 6371000.0

// destination returns the point d metres from (lat, lng) along heading.
func destination(lat, lng, headingDeg, d float64) (float64, float64) {
	lat1 := lat * math.Pi / 180
	lng1 := lng * math.Pi / 180
	heading := headingDeg * math.Pi / 180
	angular := d / earthRadiusM

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(angular) + math.Cos(lat1)*math.Sin(angular)*math.Cos(heading))
	lng2 := lng1 + math.Atan2(math.Sin(heading)*math.Sin(angular)*math.Cos(lat1), math.Cos(angular)-math.Sin(lat1)*math.Sin(lat2))
	return lat2 * 180 / math.Pi, lng2 * 180 / math.Pi
}
