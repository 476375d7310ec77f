package model

import "time"

// Category is the kind of activity being recorded.
type Category string

const (
	CategoryBike  Category = "bike"
	CategoryRun   Category = "run"
	CategorySwim  Category = "swim"
	CategoryOther Category = "other"
)

// Location distinguishes indoor (trainer, treadmill) from outdoor activities.
type Location string

const (
	LocationIndoor  Location = "indoor"
	LocationOutdoor Location = "outdoor"
)

// ZoneTime is the time spent in one zone.
type ZoneTime struct {
	Zone    int     `json:"zone"`
	Lower   float64 `json:"lower"`
	Upper   float64 `json:"upper"` // 0 means unbounded
	Seconds float64 `json:"seconds"`
}

// ActivitySummary holds the derived metrics of a finished activity. Fields that
// could not be computed from the available streams are zero.
type ActivitySummary struct {
	DistanceMeters   float64       `json:"distance_m"`
	ElapsedTime      time.Duration `json:"elapsed_time"`
	MovingTime       time.Duration `json:"moving_time"`
	AvgHeartRate     float64       `json:"avg_heart_rate"`
	MaxHeartRate     float64       `json:"max_heart_rate"`
	AvgPower         float64       `json:"avg_power"`
	MaxPower         float64       `json:"max_power"`
	NormalizedPower  float64       `json:"normalized_power"`
	IntensityFactor  float64       `json:"intensity_factor"`
	TSS              float64       `json:"tss"`
	VariabilityIndex float64       `json:"variability_index"`
	WorkKJ           float64       `json:"work_kj"`
	Calories         float64       `json:"calories"`
	AvgCadence       float64       `json:"avg_cadence"`
	AvgSpeed         float64       `json:"avg_speed"`
	MaxSpeed         float64       `json:"max_speed"`
	ElevationGain    float64       `json:"elevation_gain"`
	ElevationLoss    float64       `json:"elevation_loss"`
	AvgGrade         float64       `json:"avg_grade"`
	MaxGrade         float64       `json:"max_grade"`
	EfficiencyFactor float64       `json:"efficiency_factor"`
	Decoupling       float64       `json:"decoupling"`
	TRIMP            float64       `json:"trimp"`
	PowerZones       []ZoneTime    `json:"power_zones,omitempty"`
	HeartRateZones   []ZoneTime    `json:"heart_rate_zones,omitempty"`
}

// CompressedStream is one encoded and compressed metric series together with
// the header fields the receiver can validate without decompressing.
type CompressedStream struct {
	Metric      Metric    `json:"metric"`
	SampleCount int       `json:"sample_count"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Encoding    string    `json:"encoding"`
	Data        []byte    `json:"data"`
}

// FinishedActivity is the payload handed to the upload boundary.
type FinishedActivity struct {
	SessionID string             `json:"session_id"`
	Category  Category           `json:"category"`
	Location  Location           `json:"location"`
	StartedAt time.Time          `json:"started_at"`
	EndedAt   time.Time          `json:"ended_at"`
	PlanName  string             `json:"plan_name,omitempty"`
	Summary   ActivitySummary    `json:"summary"`
	Streams   []CompressedStream `json:"streams"`
}
