package plan

import (
	"math"
	"sort"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/model"
)

// Resolved is a target converted to an absolute value.
type Resolved struct {
	Type   TargetType
	Metric model.Metric // empty for RPE
	Value  float64
	Unit   string
}

// ResolveTarget converts t into an absolute value using the profile snapshot.
// It returns false for unknown target types and when the profile lacks the
// value the target is relative to. MaxHR is used as-is; callers snapshot the
// effective max HR into the profile at session start.
func ResolveTarget(t Target, p model.Profile) (Resolved, bool) {
	r := Resolved{Type: t.Type}
	switch t.Type {
	case TargetPercentFTP:
		if p.FTP <= 0 {
			return Resolved{}, false
		}
		r.Metric, r.Value = model.MetricPower, roundTo(t.Intensity/100*p.FTP, 1)
	case TargetWatts:
		r.Metric, r.Value = model.MetricPower, t.Intensity
	case TargetWattsPerKg:
		if p.WeightKg <= 0 {
			return Resolved{}, false
		}
		r.Metric, r.Value = model.MetricPower, roundTo(t.Intensity*p.WeightKg, 1)
	case TargetBPM:
		r.Metric, r.Value = model.MetricHeartRate, t.Intensity
	case TargetPercentThresholdHR:
		if p.ThresholdHR <= 0 {
			return Resolved{}, false
		}
		r.Metric, r.Value = model.MetricHeartRate, roundTo(t.Intensity/100*p.ThresholdHR, 1)
	case TargetPercentMaxHR:
		if p.MaxHR <= 0 {
			return Resolved{}, false
		}
		r.Metric, r.Value = model.MetricHeartRate, roundTo(t.Intensity/100*p.MaxHR, 1)
	case TargetRPE:
		r.Value, r.Unit = t.Intensity, "rpe"
		return r, true
	case TargetCadence:
		r.Metric, r.Value = model.MetricCadence, t.Intensity
	case TargetSpeed:
		r.Metric, r.Value = model.MetricSpeed, t.Intensity
	case TargetGrade:
		r.Metric, r.Value = model.MetricGradient, t.Intensity
	default:
		return Resolved{}, false
	}
	r.Unit = r.Metric.Unit()
	return r, true
}

func roundTo(v float64, decimals int) float64 {
	scale := math.Pow(10, float64(decimals))
	return math.Round(v*scale) / scale
}

// ProfileField names a profile value a target can depend on.
type ProfileField string

const (
	FieldFTP         ProfileField = "ftp"
	FieldWeight      ProfileField = "weight_kg"
	FieldThresholdHR ProfileField = "threshold_hr"
	FieldMaxHR       ProfileField = "max_hr"
)

// Missing describes one profile value the plan needs but the profile lacks.
type Missing struct {
	Field   ProfileField
	Target  TargetType
	Metrics []model.Metric
	// Steps lists the names of the steps that use the target.
	Steps []string
}

// Requirements is the result of ValidateRequirements. It never blocks a
// start; the rider may continue with unresolved targets.
type Requirements struct {
	Missing []Missing
}

// OK reports whether every target of the plan can be resolved.
func (r Requirements) OK() bool {
	return len(r.Missing) == 0
}

func requiredField(t TargetType) (ProfileField, bool) {
	switch t {
	case TargetPercentFTP:
		return FieldFTP, true
	case TargetWattsPerKg:
		return FieldWeight, true
	case TargetPercentThresholdHR:
		return FieldThresholdHR, true
	case TargetPercentMaxHR:
		return FieldMaxHR, true
	}
	return "", false
}

func hasField(p model.Profile, f ProfileField) bool {
	switch f {
	case FieldFTP:
		return p.FTP > 0
	case FieldWeight:
		return p.WeightKg > 0
	case FieldThresholdHR:
		return p.ThresholdHR > 0
	case FieldMaxHR:
		return p.MaxHR > 0
	}
	return true
}

// ValidateRequirements lists the profile values the plan's targets depend on
// that the profile does not have.
func ValidateRequirements(p *Plan, profile model.Profile) Requirements {
	if p == nil {
		return Requirements{}
	}
	byField := make(map[ProfileField]*Missing)
	p.Steps(func(s Step) {
		for _, t := range s.Targets {
			field, ok := requiredField(t.Type)
			if !ok || hasField(profile, field) {
				continue
			}
			m, seen := byField[field]
			if !seen {
				m = &Missing{Field: field, Target: t.Type}
				if r, ok := ResolveTarget(t, fullProfile()); ok {
					m.Metrics = []model.Metric{r.Metric}
				}
				byField[field] = m
			}
			if name := s.Name; name != "" && !containsString(m.Steps, name) {
				m.Steps = append(m.Steps, name)
			}
		}
	})

	out := Requirements{}
	for _, m := range byField {
		out.Missing = append(out.Missing, *m)
	}
	sort.Slice(out.Missing, func(i, j int) bool { return out.Missing[i].Field < out.Missing[j].Field })
	return out
}

// fullProfile has every field set so a target's metric can be looked up.
func fullProfile() model.Profile {
	return model.Profile{FTP: 1, WeightKg: 1, ThresholdHR: 1, MaxHR: 1}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
