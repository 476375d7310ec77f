// Package dashboard is the terminal front end of the recorder: sensor pairing,
// live metrics, plan progress and session controls.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/events"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/live"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/plan"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/sensors"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/session"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/submission"
)

const (
	maxNotices     = 200
	connectTimeout = 15 * time.Second
)

// SensorControl is the part of the sensor manager the dashboard drives.
type SensorControl interface {
	Scan(ctx context.Context) <-chan sensors.Discovered
	StopScan()
	Connect(ctx context.Context, id string) (sensors.SensorConnection, error)
	Disconnect(id string) error
	Connections() []sensors.SensorConnection
}

// Sessions hands out recording sessions.
type Sessions interface {
	NewSession() (*session.Session, error)
	Active() (*session.Session, bool)
	Release(id string) error
}

// Submitter processes and uploads finished sessions.
type Submitter interface {
	Attach(rec submission.Recording) *events.Subscription
	Listen(fn func(submission.Result)) *events.Subscription
	Pending() []string
	Submit(ctx context.Context, sessionID string) (string, error)
	Unacknowledged() []string
	Acknowledge(ctx context.Context, sessionID string) error
}

// LiveSource provides the rolling metrics.
type LiveSource interface {
	Snapshot() live.Snapshot
}

// View is everything the screen shows.
type View struct {
	Scanning    bool
	Discovered  []sensors.Discovered
	Connections []sensors.SensorConnection

	SessionID string
	State     session.State
	Elapsed   time.Duration
	Moving    time.Duration
	Selection session.Selection
	PlanName  string

	Live live.Snapshot

	Steps           []plan.StepState
	RemainingTime   time.Duration
	RemainingMeters float64

	Pending []string
	Empty   []string
	Notices []string
}

// Controller turns key presses into recorder operations and collects what
// the view renders.
type Controller struct {
	sensors   SensorControl
	sessions  Sessions
	submitter Submitter
	live      LiveSource
	selection session.Selection
	logger    *log.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	scanCancel context.CancelFunc
	discovered map[string]sensors.Discovered
	notices    []string
	sessSubs   []*events.Subscription
	resultSub  *events.Subscription
	quit       *events.CallbackEvent[struct{}]
}

func NewController(sc SensorControl, sessions Sessions, submitter Submitter, liveSrc LiveSource, sel session.Selection, logger *log.Logger) *Controller {
	if sc == nil {
		panic("Controller: sensors cannot be nil")
	}
	if sessions == nil {
		panic("Controller: sessions cannot be nil")
	}
	if submitter == nil {
		panic("Controller: submitter cannot be nil")
	}
	if liveSrc == nil {
		panic("Controller: live source cannot be nil")
	}
	if logger == nil {
		panic("Controller: logger cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		sensors:    sc,
		sessions:   sessions,
		submitter:  submitter,
		live:       liveSrc,
		selection:  sel,
		logger:     logger,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		discovered: make(map[string]sensors.Discovered),
		quit:       events.NewCallbackEvent[struct{}](true),
	}
	c.resultSub = submitter.Listen(c.onResult)
	return c
}

// Close stops background work started by the controller.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.scanCancel != nil {
		c.scanCancel()
		c.scanCancel = nil
	}
	subs := c.sessSubs
	c.sessSubs = nil
	c.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	c.resultSub.Unsubscribe()
	c.cancel()
	c.wg.Wait()
}

// ListenQuit registers for quit requests.
func (c *Controller) ListenQuit(fn func(struct{})) *events.Subscription {
	return c.quit.Listen(fn)
}

func (c *Controller) notice(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.logger.Printf("Dashboard: %s", msg)
	line := fmt.Sprintf("%s %s", c.now().Format("15:04:05"), msg)
	c.mu.Lock()
	c.notices = append(c.notices, line)
	if len(c.notices) > maxNotices {
		c.notices = c.notices[len(c.notices)-maxNotices:]
	}
	c.mu.Unlock()
}

// ToggleScan starts or stops sensor discovery.
func (c *Controller) ToggleScan() {
	c.mu.Lock()
	if c.scanCancel != nil {
		cancel := c.scanCancel
		c.scanCancel = nil
		c.mu.Unlock()
		cancel()
		c.sensors.StopScan()
		c.notice("scan stopped")
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.scanCancel = cancel
	c.discovered = make(map[string]sensors.Discovered)
	c.mu.Unlock()

	found := c.sensors.Scan(ctx)
	c.notice("scanning for sensors")
	go_func_utils.Go(c.logger, &c.wg, func() {
		for d := range found {
			c.mu.Lock()
			c.discovered[d.ID] = d
			c.mu.Unlock()
		}
		c.mu.Lock()
		if c.scanCancel != nil && ctx.Err() == nil {
			// scan ended on its own
			c.scanCancel = nil
		}
		c.mu.Unlock()
	})
}

func (c *Controller) discoveredLocked() []sensors.Discovered {
	out := make([]sensors.Discovered, 0, len(c.discovered))
	for _, d := range c.discovered {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ConnectDiscovered connects the index-th discovered sensor in view order.
func (c *Controller) ConnectDiscovered(index int) {
	c.mu.Lock()
	list := c.discoveredLocked()
	c.mu.Unlock()
	if index < 0 || index >= len(list) {
		return
	}
	d := list[index]
	c.notice("connecting %s (%s)", d.Name, d.ID)
	go_func_utils.Go(c.logger, &c.wg, func() {
		ctx, cancel := context.WithTimeout(c.ctx, connectTimeout)
		defer cancel()
		conn, err := c.sensors.Connect(ctx, d.ID)
		if err != nil {
			c.notice("connect %s failed: %v", d.ID, err)
			return
		}
		c.notice("connected %s", conn.Name)
	})
}

// DisconnectConnected disconnects the index-th connected sensor.
func (c *Controller) DisconnectConnected(index int) {
	conns := c.sensors.Connections()
	if index < 0 || index >= len(conns) {
		return
	}
	if err := c.sensors.Disconnect(conns[index].ID); err != nil {
		c.notice("disconnect %s failed: %v", conns[index].ID, err)
		return
	}
	c.notice("disconnected %s", conns[index].Name)
}

// ToggleRecording starts a new session, or pauses and resumes the active one.
func (c *Controller) ToggleRecording() {
	s, ok := c.sessions.Active()
	if ok {
		switch s.State() {
		case session.StateRecording:
			c.report("pause", s.Pause())
			return
		case session.StatePaused:
			c.report("resume", s.Resume())
			return
		case session.StateFinished:
			if err := c.sessions.Release(s.ID()); err != nil {
				c.notice("release: %v", err)
				return
			}
		}
	}
	c.startSession()
}

func (c *Controller) startSession() {
	s, err := c.sessions.NewSession()
	if err != nil {
		c.notice("new session: %v", err)
		return
	}
	req, err := s.SelectActivity(c.selection)
	if err != nil {
		c.notice("select activity: %v", err)
		return
	}
	for _, m := range req.Missing {
		c.notice("profile %s missing: %s targets in %v cannot be resolved", m.Field, m.Target, m.Steps)
	}

	subs := []*events.Subscription{
		c.submitter.Attach(s),
		s.Subscribe(c.onSessionEvent),
	}
	c.mu.Lock()
	old := c.sessSubs
	c.sessSubs = subs
	c.mu.Unlock()
	for _, sub := range old {
		sub.Unsubscribe()
	}

	if err := s.Start(c.ctx); err != nil {
		var perr *session.PermissionsError
		if errors.As(err, &perr) {
			for _, m := range perr.Missing {
				c.notice("permission %s denied (can ask again: %t)", m.Permission, m.CanAskAgain)
			}
		}
		c.notice("start: %v", err)
		return
	}
	c.notice("recording %s %s", s.Selection().Location, s.Selection().Category)
}

// Finish ends the active session.
func (c *Controller) Finish() {
	if s, ok := c.sessions.Active(); ok {
		c.report("finish", s.Finish())
	}
}

// Advance skips to the next plan step.
func (c *Controller) Advance() {
	if s, ok := c.sessions.Active(); ok {
		c.report("advance", s.Advance())
	}
}

// RetryUploads submits every processed session whose upload failed.
func (c *Controller) RetryUploads() {
	pending := c.submitter.Pending()
	if len(pending) == 0 {
		c.notice("nothing to upload")
		return
	}
	go_func_utils.Go(c.logger, &c.wg, func() {
		for _, id := range pending {
			if _, err := c.submitter.Submit(c.ctx, id); err != nil {
				c.notice("upload %s: %v", id, err)
				continue
			}
			c.notice("uploaded %s", id)
		}
	})
}

// DiscardEmpty acknowledges every session that recorded no data, removing it
// from the store.
func (c *Controller) DiscardEmpty() {
	empty := c.submitter.Unacknowledged()
	if len(empty) == 0 {
		c.notice("nothing to discard")
		return
	}
	for _, id := range empty {
		if err := c.submitter.Acknowledge(c.ctx, id); err != nil {
			c.notice("discard %s: %v", id, err)
			continue
		}
		c.notice("discarded %s", id)
	}
}

// Quit asks the application to exit. An active recording is finished first.
func (c *Controller) Quit() {
	if s, ok := c.sessions.Active(); ok {
		if st := s.State(); st == session.StateRecording || st == session.StatePaused {
			c.report("finish", s.Finish())
		}
	}
	c.quit.Notify(struct{}{})
}

func (c *Controller) report(op string, err error) {
	if err != nil {
		c.notice("%s: %v", op, err)
	}
}

func (c *Controller) onSessionEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventStateChanged:
		c.notice("session %s", ev.State)
	case session.EventPlan:
		if ev.Plan == nil {
			return
		}
		switch ev.Plan.Kind {
		case plan.EventStepStarted:
			c.notice("step %s: %s", ev.Plan.Cursor, ev.Plan.Step.Name)
		case plan.EventPlanCompleted:
			c.notice("plan complete")
		case plan.EventNotice:
			c.notice("plan: %s", ev.Plan.Message)
		}
	case session.EventWarning:
		if ev.Warning != nil {
			c.notice("buffer: %s", ev.Warning)
		}
	}
}

func (c *Controller) onResult(r submission.Result) {
	switch {
	case r.Err != nil && errors.Is(r.Err, submission.ErrNoStreamData):
		c.notice("session %s recorded no data (a to discard)", r.SessionID)
	case r.Err != nil:
		c.notice("%s %s: %v", r.Stage, r.SessionID, r.Err)
	case r.Stage == submission.StageProcess:
		c.notice("session %s: moving %s, avg %.0f W, TSS %.0f",
			r.SessionID, r.Activity.Summary.MovingTime.Truncate(time.Second),
			r.Activity.Summary.AvgPower, r.Activity.Summary.TSS)
		for _, cc := range r.Corrupt {
			c.notice("skipped %s", cc)
		}
	case r.Stage == submission.StageUpload:
		c.notice("session %s uploaded as %s", r.SessionID, r.ActivityID)
	}
}

// View collects the current screen state.
func (c *Controller) View() View {
	c.mu.Lock()
	v := View{
		Scanning:   c.scanCancel != nil,
		Discovered: c.discoveredLocked(),
		Notices:    append([]string(nil), c.notices...),
	}
	c.mu.Unlock()

	v.Connections = c.sensors.Connections()
	v.Live = c.live.Snapshot()
	v.Pending = c.submitter.Pending()
	v.Empty = c.submitter.Unacknowledged()

	if s, ok := c.sessions.Active(); ok {
		v.SessionID = s.ID()
		v.State = s.State()
		v.Elapsed, v.Moving = s.Elapsed()
		v.Selection = s.Selection()
		v.PlanName = s.PlanName()
		if e := s.Engine(); e != nil {
			v.Steps = e.Steps()
			v.RemainingTime, v.RemainingMeters = e.StepRemaining()
		}
	} else {
		v.State = session.StateNotStarted
		v.Selection = c.selection
		if c.selection.Plan != nil {
			v.PlanName = c.selection.Plan.Name
		}
	}
	return v
}
