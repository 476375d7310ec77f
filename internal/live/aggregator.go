// Package live keeps rolling statistics of incoming samples for display. It is
// never the source of truth for a finished activity.
package live

import (
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/events"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/model"
)

// Config controls the short smoothing windows.
type Config struct {
	// Windows maps a metric to its smoothing window. Metrics not listed use
	// DefaultWindow.
	Windows       map[model.Metric]time.Duration `mapstructure:"windows"`
	DefaultWindow time.Duration                  `mapstructure:"default_window"`
	// RingSize bounds the samples kept per window.
	RingSize int `mapstructure:"ring_size"`
}

// DefaultConfig smooths power over 3 s and everything else over 5 s.
func DefaultConfig() Config {
	return Config{
		Windows:       map[model.Metric]time.Duration{model.MetricPower: 3 * time.Second},
		DefaultWindow: 5 * time.Second,
		RingSize:      64,
	}
}

// MetricStats is the rolling state of one metric.
type MetricStats struct {
	Current float64   `json:"current"`
	Avg     float64   `json:"avg"`
	Max     float64   `json:"max"`
	Count   int       `json:"count"`
	Smooth  float64   `json:"smooth"`
	At      time.Time `json:"at"`
}

// Snapshot is a copy of every metric's rolling state.
type Snapshot struct {
	Metrics  map[model.Metric]MetricStats `json:"metrics"`
	Counting bool                         `json:"counting"`
}

// Get returns the stats of one metric.
func (s Snapshot) Get(m model.Metric) (MetricStats, bool) {
	st, ok := s.Metrics[m]
	return st, ok
}

type metricState struct {
	current float64
	at      time.Time
	sum     float64
	count   int
	max     float64
	window  *ring
}

// Aggregator consumes metric samples. Each Observe is O(1) amortized.
type Aggregator struct {
	cfg    Config
	logger *log.Logger

	mu       sync.Mutex
	metrics  map[model.Metric]*metricState
	counting bool

	event *events.ChannelEvent[Snapshot]
}

func NewAggregator(cfg Config, logger *log.Logger) *Aggregator {
	if logger == nil {
		panic("Aggregator: logger cannot be nil")
	}
	d := DefaultConfig()
	if cfg.DefaultWindow <= 0 {
		cfg.DefaultWindow = d.DefaultWindow
	}
	if cfg.RingSize <= 0 {
		cfg.RingSize = d.RingSize
	}
	if cfg.Windows == nil {
		cfg.Windows = d.Windows
	}
	return &Aggregator{
		cfg:      cfg,
		logger:   logger,
		metrics:  make(map[model.Metric]*metricState),
		counting: true,
		event:    events.NewChannelEvent[Snapshot](true),
	}
}

func (a *Aggregator) windowFor(m model.Metric) time.Duration {
	if w, ok := a.cfg.Windows[m]; ok && w > 0 {
		return w
	}
	return a.cfg.DefaultWindow
}

// Observe folds one sample into the rolling state and notifies listeners.
// While not counting only the current value moves.
func (a *Aggregator) Observe(ms model.MetricSample) {
	a.mu.Lock()
	st, ok := a.metrics[ms.Metric]
	if !ok {
		st = &metricState{window: newRing(a.cfg.RingSize, a.windowFor(ms.Metric))}
		a.metrics[ms.Metric] = st
	}
	v := ms.Sample.Value
	st.current = v
	st.at = ms.Sample.Time
	if a.counting {
		if st.count == 0 || v > st.max {
			st.max = v
		}
		st.sum += v
		st.count++
		st.window.push(ms.Sample)
	}
	snap := a.snapshotLocked()
	a.mu.Unlock()

	a.event.Notify(snap)
}

// SetCounting switches accumulation on or off (recording vs paused).
func (a *Aggregator) SetCounting(counting bool) {
	a.mu.Lock()
	a.counting = counting
	snap := a.snapshotLocked()
	a.mu.Unlock()
	a.event.Notify(snap)
}

// Reset drops all state, ready for a new session.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.metrics = make(map[model.Metric]*metricState)
	a.counting = true
	snap := a.snapshotLocked()
	a.mu.Unlock()
	a.event.Notify(snap)
}

// Snapshot returns the current state synchronously.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Aggregator) snapshotLocked() Snapshot {
	out := Snapshot{
		Metrics:  make(map[model.Metric]MetricStats, len(a.metrics)),
		Counting: a.counting,
	}
	for m, st := range a.metrics {
		stats := MetricStats{Current: st.current, Max: st.max, Count: st.count, At: st.at}
		if st.count > 0 {
			stats.Avg = st.sum / float64(st.count)
		}
		if smooth, ok := st.window.mean(); ok {
			stats.Smooth = smooth
		} else {
			stats.Smooth = st.current
		}
		out.Metrics[m] = stats
	}
	return out
}

// Listen delivers a snapshot after every update. Slow listeners miss
// intermediate snapshots rather than blocking ingestion.
func (a *Aggregator) Listen(ch chan<- Snapshot) *events.Subscription {
	return a.event.Listen(ch)
}

// ring is a fixed-capacity FIFO of samples with a running sum, trimmed to
// a time window on every push.
type ring struct {
	buf    []model.Sample
	head   int
	size   int
	sum    float64
	window time.Duration
}

func newRing(capacity int, window time.Duration) *ring {
	return &ring{buf: make([]model.Sample, capacity), window: window}
}

func (r *ring) push(s model.Sample) {
	if r.size == len(r.buf) {
		r.popOldest()
	}
	r.buf[(r.head+r.size)%len(r.buf)] = s
	r.size++
	r.sum += s.Value

	cutoff := s.Time.Add(-r.window)
	for r.size > 1 && !r.buf[r.head].Time.After(cutoff) {
		r.popOldest()
	}
}

func (r *ring) popOldest() {
	r.sum -= r.buf[r.head].Value
	r.head = (r.head + 1) % len(r.buf)
	r.size--
}

func (r *ring) mean() (float64, bool) {
	if r.size == 0 {
		return 0, false
	}
	return r.sum / float64(r.size), true
}
