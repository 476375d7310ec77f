// Package plan holds structured workout plans and the engine that walks
// through them during a recording.
package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// MaxTargets is the number of intensity targets a step may carry.
const MaxTargets = 3

// DurationKind is the closed set of ways a step can end.
type DurationKind string

const (
	DurationTime          DurationKind = "time"
	DurationDistance      DurationKind = "distance"
	DurationRepetitions   DurationKind = "repetitions"
	DurationUntilFinished DurationKind = "until_finished"
)

// Duration says when a step is complete. Only the field matching Kind is set.
type Duration struct {
	Kind    DurationKind
	Seconds float64
	Meters  float64
	Count   int
}

// TargetType names what a target's intensity is measured in.
type TargetType string

const (
	TargetPercentFTP         TargetType = "%FTP"
	TargetWatts              TargetType = "watts"
	TargetWattsPerKg         TargetType = "W/kg"
	TargetBPM                TargetType = "bpm"
	TargetPercentThresholdHR TargetType = "%ThresholdHR"
	TargetPercentMaxHR       TargetType = "%MaxHR"
	TargetRPE                TargetType = "RPE"
	TargetCadence            TargetType = "cadence"
	TargetSpeed              TargetType = "speed"
	TargetGrade              TargetType = "grade"
)

var knownTargets = map[TargetType]bool{
	TargetPercentFTP:         true,
	TargetWatts:              true,
	TargetWattsPerKg:         true,
	TargetBPM:                true,
	TargetPercentThresholdHR: true,
	TargetPercentMaxHR:       true,
	TargetRPE:                true,
	TargetCadence:            true,
	TargetSpeed:              true,
	TargetGrade:              true,
}

// Known reports whether the engine knows how to resolve t.
func (t TargetType) Known() bool {
	return knownTargets[t]
}

// Target is one intensity goal of a step.
type Target struct {
	Type      TargetType
	Intensity float64
}

// Step is a leaf of the plan.
type Step struct {
	Name     string
	Duration Duration
	Targets  []Target
}

// Repetition repeats its steps Count times.
type Repetition struct {
	Count int
	Steps []Step
}

// Node is either a Step or a Repetition. Exactly one field is set.
type Node struct {
	Step       *Step
	Repetition *Repetition
}

// Plan is a verified workout structure. The engine never mutates it.
type Plan struct {
	Name  string
	Nodes []Node
}

// ErrInvalidPlan is wrapped by every validation failure.
var ErrInvalidPlan = errors.New("invalid plan")

type rawDuration struct {
	Type    string  `json:"type"`
	Seconds float64 `json:"seconds,omitempty"`
	Meters  float64 `json:"meters,omitempty"`
	Count   int     `json:"count,omitempty"`
}

type rawTarget struct {
	Type      string  `json:"type"`
	Intensity float64 `json:"intensity"`
}

type rawNode struct {
	Type     string       `json:"type"`
	Name     string       `json:"name,omitempty"`
	Duration *rawDuration `json:"duration,omitempty"`
	Targets  []rawTarget  `json:"targets,omitempty"`
	Count    int          `json:"count,omitempty"`
	Steps    []rawNode    `json:"steps,omitempty"`
}

type rawPlan struct {
	Name      string    `json:"name"`
	Structure []rawNode `json:"structure"`
}

// LoadFile reads and verifies a JSON plan from disk.
func LoadFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a JSON plan and verifies its shape. A Plan returned without
// error is safe to hand to an Engine.
func Parse(data []byte) (*Plan, error) {
	var raw rawPlan
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if len(raw.Structure) == 0 {
		return nil, fmt.Errorf("%w: plan has no steps", ErrInvalidPlan)
	}

	p := &Plan{Name: raw.Name, Nodes: make([]Node, 0, len(raw.Structure))}
	for i, rn := range raw.Structure {
		node, err := convertNode(rn, fmt.Sprintf("structure[%d]", i), true)
		if err != nil {
			return nil, err
		}
		p.Nodes = append(p.Nodes, node)
	}
	return p, nil
}

func convertNode(rn rawNode, path string, topLevel bool) (Node, error) {
	switch strings.ToLower(rn.Type) {
	case "step", "":
		step, err := convertStep(rn, path)
		if err != nil {
			return Node{}, err
		}
		return Node{Step: &step}, nil

	case "repetition":
		if !topLevel {
			return Node{}, fmt.Errorf("%w: %s: repetitions cannot be nested", ErrInvalidPlan, path)
		}
		if rn.Count < 1 {
			return Node{}, fmt.Errorf("%w: %s: repetition count must be at least 1, got %d", ErrInvalidPlan, path, rn.Count)
		}
		if len(rn.Steps) == 0 {
			return Node{}, fmt.Errorf("%w: %s: repetition has no steps", ErrInvalidPlan, path)
		}
		rep := &Repetition{Count: rn.Count, Steps: make([]Step, 0, len(rn.Steps))}
		for j, child := range rn.Steps {
			childPath := fmt.Sprintf("%s.steps[%d]", path, j)
			n, err := convertNode(child, childPath, false)
			if err != nil {
				return Node{}, err
			}
			rep.Steps = append(rep.Steps, *n.Step)
		}
		return Node{Repetition: rep}, nil

	default:
		return Node{}, fmt.Errorf("%w: %s: unknown node type %q", ErrInvalidPlan, path, rn.Type)
	}
}

func convertStep(rn rawNode, path string) (Step, error) {
	if len(rn.Steps) > 0 || rn.Count != 0 {
		return Step{}, fmt.Errorf("%w: %s: step cannot carry repetition fields", ErrInvalidPlan, path)
	}
	if rn.Duration == nil {
		return Step{}, fmt.Errorf("%w: %s: missing duration", ErrInvalidPlan, path)
	}
	d, err := convertDuration(*rn.Duration)
	if err != nil {
		return Step{}, fmt.Errorf("%w: %s: %v", ErrInvalidPlan, path, err)
	}
	if len(rn.Targets) > MaxTargets {
		return Step{}, fmt.Errorf("%w: %s: %d targets, at most %d allowed", ErrInvalidPlan, path, len(rn.Targets), MaxTargets)
	}

	step := Step{Name: rn.Name, Duration: d}
	for _, rt := range rn.Targets {
		if rt.Type == "" {
			return Step{}, fmt.Errorf("%w: %s: target without type", ErrInvalidPlan, path)
		}
		if rt.Intensity < 0 && TargetType(rt.Type) != TargetGrade {
			return Step{}, fmt.Errorf("%w: %s: negative %s intensity", ErrInvalidPlan, path, rt.Type)
		}
		// Target types this build cannot resolve are kept; they resolve to
		// nothing at run time.
		step.Targets = append(step.Targets, Target{Type: TargetType(rt.Type), Intensity: rt.Intensity})
	}
	return step, nil
}

func convertDuration(rd rawDuration) (Duration, error) {
	switch DurationKind(rd.Type) {
	case DurationTime:
		if rd.Seconds <= 0 {
			return Duration{}, fmt.Errorf("time duration must be positive")
		}
		return Duration{Kind: DurationTime, Seconds: rd.Seconds}, nil
	case DurationDistance:
		if rd.Meters <= 0 {
			return Duration{}, fmt.Errorf("distance duration must be positive")
		}
		return Duration{Kind: DurationDistance, Meters: rd.Meters}, nil
	case DurationRepetitions:
		if rd.Count < 1 {
			return Duration{}, fmt.Errorf("repetitions duration must be at least 1")
		}
		return Duration{Kind: DurationRepetitions, Count: rd.Count}, nil
	case DurationUntilFinished:
		return Duration{Kind: DurationUntilFinished}, nil
	default:
		return Duration{}, fmt.Errorf("unknown duration type %q", rd.Type)
	}
}

// StepCount returns the number of steps the plan expands to.
func (p *Plan) StepCount() int {
	n := 0
	for _, node := range p.Nodes {
		if node.Step != nil {
			n++
		} else {
			n += node.Repetition.Count * len(node.Repetition.Steps)
		}
	}
	return n
}

// Steps calls fn for every distinct step definition in the plan.
func (p *Plan) Steps(fn func(Step)) {
	for _, node := range p.Nodes {
		if node.Step != nil {
			fn(*node.Step)
			continue
		}
		for _, s := range node.Repetition.Steps {
			fn(s)
		}
	}
}
