package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/plan"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/streambuf"
)

// State is the lifecycle state of a recording session.
type State string

const (
	StateNotStarted State = "not_started"
	StateArmed      State = "armed"
	StateRecording  State = "recording"
	StatePaused     State = "paused"
	StateFinished   State = "finished"
)

var (
	// ErrInvalidTransition is matched by every *TransitionError.
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrPermissionsRequired = errors.New("permissions required")
	ErrSessionActive       = errors.New("a recording session is already active")
	ErrNoPlan              = errors.New("no plan attached to the session")
	ErrUnknownSession      = errors.New("unknown session")
)

// TransitionError reports an operation attempted from a state that does not
// allow it. The session state is left unchanged.
type TransitionError struct {
	Op   string
	From State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot %s from state %s", ErrInvalidTransition, e.Op, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Permission is a platform permission the recorder may need.
type Permission string

const (
	PermissionLocation           Permission = "location"
	PermissionBackgroundLocation Permission = "background_location"
	PermissionBluetooth          Permission = "bluetooth"
)

// PermissionStatus is the answer of a PermissionChecker.
type PermissionStatus int

const (
	PermissionGranted PermissionStatus = iota
	// PermissionDenied may still be asked for again.
	PermissionDenied
	PermissionDeniedPermanently
)

// PermissionChecker exposes the granted state of platform permissions. It
// never prompts.
type PermissionChecker interface {
	Check(p Permission) PermissionStatus
}

// GrantAll is a PermissionChecker for platforms without permission prompts.
type GrantAll struct{}

func (GrantAll) Check(Permission) PermissionStatus { return PermissionGranted }

// MissingPermission is one permission blocking Start.
type MissingPermission struct {
	Permission  Permission
	CanAskAgain bool
}

// PermissionsError lists every permission that blocked Start.
type PermissionsError struct {
	Missing []MissingPermission
}

func (e *PermissionsError) Error() string {
	parts := make([]string, len(e.Missing))
	for i, m := range e.Missing {
		if m.CanAskAgain {
			parts[i] = string(m.Permission)
		} else {
			parts[i] = string(m.Permission) + " (permanently denied)"
		}
	}
	return fmt.Sprintf("%s: %s", ErrPermissionsRequired, strings.Join(parts, ", "))
}

func (e *PermissionsError) Is(target error) bool {
	return target == ErrPermissionsRequired
}

// EventKind identifies a session event.
type EventKind int

const (
	EventStateChanged EventKind = iota
	// EventRecordingComplete fires once, right after the session finishes.
	EventRecordingComplete
	EventTick
	EventPlan
	EventWarning
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventRecordingComplete:
		return "recording_complete"
	case EventTick:
		return "tick"
	case EventPlan:
		return "plan"
	case EventWarning:
		return "warning"
	default:
		return "unknown"
	}
}

// Event is delivered to Subscribe callbacks.
type Event struct {
	Kind      EventKind
	SessionID string
	State     State
	Elapsed   time.Duration
	Moving    time.Duration
	Plan      *plan.Event
	Warning   *streambuf.Warning
}
