package model

import "time"

// Profile is the athlete data captured when a session starts. It is never
// re-read mid-session.
type Profile struct {
	WeightKg    float64   `json:"weight_kg" mapstructure:"weight_kg"`
	FTP         float64   `json:"ftp" mapstructure:"ftp"`
	ThresholdHR float64   `json:"threshold_hr" mapstructure:"threshold_hr"`
	MaxHR       float64   `json:"max_hr" mapstructure:"max_hr"`
	RestingHR   float64   `json:"resting_hr" mapstructure:"resting_hr"`
	DOB         time.Time `json:"dob" mapstructure:"dob"`
	Gender      string    `json:"gender" mapstructure:"gender"`
}

// Age returns the athlete's age in whole years at t, or 0 when DOB is unknown.
func (p Profile) Age(t time.Time) int {
	if p.DOB.IsZero() || t.Before(p.DOB) {
		return 0
	}
	years := t.Year() - p.DOB.Year()
	if t.YearDay() < p.DOB.YearDay() {
		years--
	}
	return years
}

// EffectiveMaxHR returns MaxHR, falling back to 220-age when only DOB is known.
func (p Profile) EffectiveMaxHR(t time.Time) float64 {
	if p.MaxHR > 0 {
		return p.MaxHR
	}
	if age := p.Age(t); age > 0 {
		return float64(220 - age)
	}
	return 0
}
