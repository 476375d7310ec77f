package plan

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/events"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/model"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/sensors"
)

// StepStatus is the progress state of one expanded step.
type StepStatus string

const (
	StatusPending   StepStatus = "pending"
	StatusActive    StepStatus = "active"
	StatusCompleted StepStatus = "completed"
)

// Cursor locates a step in the plan. For a plain step node Iteration and
// Child are zero.
type Cursor struct {
	Node      int
	Iteration int
	Child     int
}

func (c Cursor) String() string {
	return fmt.Sprintf("%d.%d.%d", c.Node, c.Iteration, c.Child)
}

// Progress is the recording state the engine uses to complete steps.
// Elapsed is moving time, so paused intervals never count toward a step.
type Progress struct {
	Elapsed   time.Duration
	Distance  float64
	HeartRate float64
}

// EventKind identifies an engine event.
type EventKind int

const (
	EventStepStarted EventKind = iota
	EventStepCompleted
	EventPlanCompleted
	// EventNotice reports a non-blocking problem such as a failed trainer write.
	EventNotice
)

func (k EventKind) String() string {
	switch k {
	case EventStepStarted:
		return "step_started"
	case EventStepCompleted:
		return "step_completed"
	case EventPlanCompleted:
		return "plan_completed"
	case EventNotice:
		return "notice"
	default:
		return "unknown"
	}
}

// Event is emitted on step transitions and notices.
type Event struct {
	Kind    EventKind
	Cursor  Cursor
	Step    Step
	Message string
}

// StepState is one row of the expanded plan.
type StepState struct {
	Cursor Cursor
	Step   Step
	Status StepStatus
}

// TrainerLocator finds the controllable trainer, if one is connected.
type TrainerLocator interface {
	GetControllableTrainer() (sensors.Trainer, bool)
}

var (
	ErrNotStarted    = errors.New("plan not started")
	ErrCannotAdvance = errors.New("cannot advance past the terminal step")
)

type position struct {
	cursor Cursor
	step   *Step
}

// trainerCommand is a trainer write computed under the lock and issued after.
type trainerCommand struct {
	power *int
	grade *float64
}

// Engine walks a verified plan. All methods are safe for concurrent use;
// trainer writes and listener callbacks run outside the lock.
type Engine struct {
	plan     *Plan
	profile  model.Profile
	trainers TrainerLocator
	logger   *log.Logger

	mu        sync.Mutex
	positions []position
	status    []StepStatus
	index     int
	started   bool
	completed bool
	stepStart Progress
	last      Progress
	hrPID     hrController

	event *events.CallbackEvent[Event]
}

// NewEngine creates an engine for p. trainers may be nil when no trainer
// control is wanted.
func NewEngine(p *Plan, profile model.Profile, trainers TrainerLocator, logger *log.Logger) *Engine {
	if p == nil {
		panic("Engine: plan cannot be nil")
	}
	if logger == nil {
		panic("Engine: logger cannot be nil")
	}

	e := &Engine{
		plan:     p,
		profile:  profile,
		trainers: trainers,
		logger:   logger,
		event:    events.NewCallbackEvent[Event](false),
	}
	for n, node := range p.Nodes {
		if node.Step != nil {
			e.positions = append(e.positions, position{cursor: Cursor{Node: n}, step: node.Step})
			continue
		}
		for it := 0; it < node.Repetition.Count; it++ {
			for c := range node.Repetition.Steps {
				e.positions = append(e.positions, position{
					cursor: Cursor{Node: n, Iteration: it, Child: c},
					step:   &node.Repetition.Steps[c],
				})
			}
		}
	}
	e.status = make([]StepStatus, len(e.positions))
	for i := range e.status {
		e.status[i] = StatusPending
	}
	return e
}

// Plan returns the plan being executed.
func (e *Engine) Plan() *Plan {
	return e.plan
}

// Listen registers a callback for engine events.
func (e *Engine) Listen(callback func(Event)) *events.Subscription {
	return e.event.Listen(callback)
}

// Start activates the first step. Calling it again is a no-op.
func (e *Engine) Start(p Progress) {
	e.mu.Lock()
	if e.started || len(e.positions) == 0 {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.last = p
	evs, cmd := e.activateLocked(0, p)
	e.mu.Unlock()

	e.logger.Printf("Engine: plan '%s' started (%d steps)", e.plan.Name, len(e.positions))
	e.dispatch(evs, cmd)
}

// Tick completes time and distance steps whose condition is met and runs the
// heart-rate controller for the active step.
func (e *Engine) Tick(p Progress) {
	e.mu.Lock()
	if !e.started || e.completed {
		e.mu.Unlock()
		return
	}
	e.last = p

	var evs []Event
	var cmd trainerCommand
	for !e.completed && e.stepDoneLocked(p) {
		stepEvs, stepCmd := e.completeCurrentLocked(p)
		evs = append(evs, stepEvs...)
		cmd = mergeCommands(cmd, stepCmd)
	}
	if !e.completed {
		if pidCmd, ok := e.hrControlLocked(p); ok {
			cmd = mergeCommands(cmd, pidCmd)
		}
	}
	e.mu.Unlock()

	e.dispatch(evs, cmd)
}

// CanAdvance reports whether a manual advance is allowed. It is false once
// the plan is complete, and on a terminal step that ends by time or distance.
// A terminal step that only ends manually is completed by Advance, which
// completes the plan.
func (e *Engine) CanAdvance() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canAdvanceLocked()
}

func (e *Engine) canAdvanceLocked() bool {
	if !e.started || e.completed {
		return false
	}
	if e.index < len(e.positions)-1 {
		return true
	}
	switch e.positions[e.index].step.Duration.Kind {
	case DurationTime, DurationDistance:
		return false
	default:
		return true
	}
}

// Advance completes the active step and activates the next one, or completes
// the plan when the active step is the manual-only terminal step.
func (e *Engine) Advance() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return ErrNotStarted
	}
	if !e.canAdvanceLocked() {
		e.mu.Unlock()
		return ErrCannotAdvance
	}
	evs, cmd := e.completeCurrentLocked(e.last)
	e.mu.Unlock()

	e.logger.Printf("Engine: manual advance")
	e.dispatch(evs, cmd)
	return nil
}

// Current returns the active step. ok is false before Start and after the
// plan is complete.
func (e *Engine) Current() (Cursor, Step, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.completed {
		return Cursor{}, Step{}, false
	}
	pos := e.positions[e.index]
	return pos.cursor, *pos.step, true
}

// StepRemaining returns how much of the active step's time or distance is
// left. Both are zero for steps that only end manually.
func (e *Engine) StepRemaining() (time.Duration, float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.completed {
		return 0, 0
	}
	d := e.positions[e.index].step.Duration
	switch d.Kind {
	case DurationTime:
		left := time.Duration(d.Seconds*float64(time.Second)) - (e.last.Elapsed - e.stepStart.Elapsed)
		return max(left, 0), 0
	case DurationDistance:
		return 0, math.Max(d.Meters-(e.last.Distance-e.stepStart.Distance), 0)
	}
	return 0, 0
}

// Completed reports whether the terminal step has completed.
func (e *Engine) Completed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.completed
}

// Steps returns the expanded plan with each step's status.
func (e *Engine) Steps() []StepState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]StepState, len(e.positions))
	for i, pos := range e.positions {
		out[i] = StepState{Cursor: pos.cursor, Step: *pos.step, Status: e.status[i]}
	}
	return out
}

// --- locked helpers ---

func (e *Engine) stepDoneLocked(p Progress) bool {
	d := e.positions[e.index].step.Duration
	switch d.Kind {
	case DurationTime:
		return (p.Elapsed - e.stepStart.Elapsed).Seconds() >= d.Seconds
	case DurationDistance:
		return p.Distance-e.stepStart.Distance >= d.Meters
	default:
		return false
	}
}

func (e *Engine) completeCurrentLocked(p Progress) ([]Event, trainerCommand) {
	pos := e.positions[e.index]
	e.status[e.index] = StatusCompleted
	evs := []Event{{Kind: EventStepCompleted, Cursor: pos.cursor, Step: *pos.step}}

	if e.index == len(e.positions)-1 {
		e.completed = true
		e.logger.Printf("Engine: plan '%s' complete", e.plan.Name)
		return append(evs, Event{Kind: EventPlanCompleted, Cursor: pos.cursor, Step: *pos.step}), trainerCommand{}
	}

	next, cmd := e.activateLocked(e.index+1, p)
	return append(evs, next...), cmd
}

func (e *Engine) activateLocked(i int, p Progress) ([]Event, trainerCommand) {
	e.index = i
	e.status[i] = StatusActive
	e.stepStart = p
	e.hrPID.reset()

	pos := e.positions[i]
	e.logger.Printf("Engine: step %s '%s' active", pos.cursor, pos.step.Name)
	return []Event{{Kind: EventStepStarted, Cursor: pos.cursor, Step: *pos.step}}, e.targetCommand(*pos.step)
}

// targetCommand picks the trainer write for a newly active step. Power wins
// over grade when a step has both.
func (e *Engine) targetCommand(s Step) trainerCommand {
	var cmd trainerCommand
	for _, t := range s.Targets {
		r, ok := ResolveTarget(t, e.profile)
		if !ok {
			continue
		}
		switch r.Metric {
		case model.MetricPower:
			if cmd.power == nil {
				w := int(math.Round(r.Value))
				cmd.power = &w
			}
		case model.MetricGradient:
			if cmd.grade == nil {
				g := r.Value
				cmd.grade = &g
			}
		}
	}
	if cmd.power != nil {
		cmd.grade = nil
	}
	return cmd
}

func (e *Engine) hrTargetLocked() (float64, bool) {
	for _, t := range e.positions[e.index].step.Targets {
		if r, ok := ResolveTarget(t, e.profile); ok && r.Metric == model.MetricHeartRate {
			return r.Value, true
		}
	}
	return 0, false
}

// hrControlLocked runs one controller update when the active step targets
// heart rate and has no power target.
func (e *Engine) hrControlLocked(p Progress) (trainerCommand, bool) {
	if e.trainers == nil || p.HeartRate <= 0 {
		return trainerCommand{}, false
	}
	if e.targetCommand(*e.positions[e.index].step).power != nil {
		return trainerCommand{}, false
	}
	target, ok := e.hrTargetLocked()
	if !ok {
		return trainerCommand{}, false
	}
	ftp := e.profile.FTP
	if ftp <= 0 {
		ftp = fallbackFTP
	}
	out := e.hrPID.update(target, p.HeartRate, hrPidMaxFTPMult*ftp)
	w := int(math.Round(out))
	return trainerCommand{power: &w}, true
}

func mergeCommands(a, b trainerCommand) trainerCommand {
	if b.power != nil || b.grade != nil {
		return b
	}
	return a
}

// dispatch issues the trainer write and then notifies listeners. Trainer
// failures become notices and never undo a transition.
func (e *Engine) dispatch(evs []Event, cmd trainerCommand) {
	if notice, failed := e.push(cmd); failed {
		evs = append(evs, notice)
	}
	for _, ev := range evs {
		e.event.Notify(ev)
	}
}

func (e *Engine) push(cmd trainerCommand) (Event, bool) {
	if cmd.power == nil && cmd.grade == nil {
		return Event{}, false
	}
	if e.trainers == nil {
		return Event{}, false
	}
	trainer, ok := e.trainers.GetControllableTrainer()
	if !ok {
		return Event{}, false
	}

	var err error
	var what string
	if cmd.power != nil {
		what = fmt.Sprintf("%d W", *cmd.power)
		err = trainer.SetTargetPower(*cmd.power)
	} else {
		what = fmt.Sprintf("%.1f%%", *cmd.grade)
		err = trainer.SetTargetGrade(*cmd.grade)
	}
	if err != nil {
		e.logger.Printf("Engine: failed to set trainer %s target %s: %v", trainer.ID(), what, err)
		return Event{Kind: EventNotice, Message: fmt.Sprintf("trainer target %s not applied: %v", what, err)}, true
	}
	return Event{}, false
}
