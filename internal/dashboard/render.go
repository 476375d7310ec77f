package dashboard

import (
	"fmt"
	"strings"
	"time"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/live"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/model"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/plan"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/sensors"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/session"
)

type metricRow struct {
	metric model.Metric
	label  string
	format string
}

var metricRows = []metricRow{
	{model.MetricPower, "Power", "%4.0f W"},
	{model.MetricHeartRate, "Heart rate", "%4.0f bpm"},
	{model.MetricCadence, "Cadence", "%4.0f rpm"},
	{model.MetricSpeed, "Speed", "%5.1f km/h"},
	{model.MetricGradient, "Grade", "%5.1f %%"},
	{model.MetricElevation, "Elevation", "%5.0f m"},
}

// formatClock formats a duration as h:mm:ss.
func formatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Truncate(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}

func stateColor(st session.State) string {
	switch st {
	case session.StateRecording:
		return "green"
	case session.StatePaused:
		return "yellow"
	case session.StateFinished:
		return "gray"
	default:
		return "white"
	}
}

func renderSession(v View) string {
	var b strings.Builder
	fmt.Fprintf(&b, " [%s]%s[white]", stateColor(v.State), strings.ToUpper(string(v.State)))
	if v.SessionID != "" {
		fmt.Fprintf(&b, "  [gray]%s[white]", v.SessionID)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, " %s %s", v.Selection.Location, v.Selection.Category)
	if v.PlanName != "" {
		fmt.Fprintf(&b, "  [gray]plan:[white] %s", v.PlanName)
	}
	b.WriteString("\n\n")
	fmt.Fprintf(&b, " [gray]Elapsed[white] %s   [gray]Moving[white] %s\n", formatClock(v.Elapsed), formatClock(v.Moving))
	if len(v.Pending) > 0 {
		fmt.Fprintf(&b, "\n [yellow]%d upload(s) pending[white] (u to retry)\n", len(v.Pending))
	}
	if len(v.Empty) > 0 {
		fmt.Fprintf(&b, " [yellow]%d empty session(s)[white] (a to discard)\n", len(v.Empty))
	}
	return b.String()
}

func renderMetrics(snap live.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, " %-11s %12s %12s %12s\n", "", "now", "avg", "max")
	for _, row := range metricRows {
		st, ok := snap.Get(row.metric)
		if !ok {
			fmt.Fprintf(&b, " [gray]%-11s %12s[white]\n", row.label, "--")
			continue
		}
		cur, avg, peak := st.Smooth, st.Avg, st.Max
		if row.metric == model.MetricSpeed {
			cur, avg, peak = cur*3.6, avg*3.6, peak*3.6
		}
		fmt.Fprintf(&b, " %-11s %12s %12s %12s\n", row.label,
			fmt.Sprintf(row.format, cur), fmt.Sprintf(row.format, avg), fmt.Sprintf(row.format, peak))
	}
	if !snap.Counting {
		b.WriteString("\n [yellow]averages paused[white]\n")
	}
	return b.String()
}

func renderTargets(targets []plan.Target) string {
	parts := make([]string, 0, len(targets))
	for _, t := range targets {
		parts = append(parts, fmt.Sprintf("%g %s", t.Intensity, t.Type))
	}
	return strings.Join(parts, ", ")
}

func renderDuration(d plan.Duration) string {
	switch d.Kind {
	case plan.DurationTime:
		return formatClock(time.Duration(d.Seconds * float64(time.Second)))
	case plan.DurationDistance:
		return fmt.Sprintf("%.0f m", d.Meters)
	case plan.DurationRepetitions:
		return fmt.Sprintf("%d reps", d.Count)
	default:
		return "until done"
	}
}

func renderPlan(v View) string {
	if len(v.Steps) == 0 {
		if v.PlanName != "" {
			return fmt.Sprintf(" %s\n [gray]starts with the recording[white]\n", v.PlanName)
		}
		return " [gray]free ride[white]\n"
	}
	var b strings.Builder
	for _, st := range v.Steps {
		marker, colour := " ", "gray"
		switch st.Status {
		case plan.StatusActive:
			marker, colour = ">", "green"
		case plan.StatusCompleted:
			marker, colour = "x", "white"
		}
		fmt.Fprintf(&b, " [%s]%s %-6s %-16s %10s  %s[white]\n", colour, marker, st.Cursor, st.Step.Name,
			renderDuration(st.Step.Duration), renderTargets(st.Step.Targets))
	}
	switch {
	case v.RemainingTime > 0:
		fmt.Fprintf(&b, "\n step remaining %s (n to skip)\n", formatClock(v.RemainingTime))
	case v.RemainingMeters > 0:
		fmt.Fprintf(&b, "\n step remaining %.0f m (n to skip)\n", v.RemainingMeters)
	}
	return b.String()
}

func renderSensors(v View) string {
	var b strings.Builder
	if len(v.Connections) == 0 {
		b.WriteString(" [gray]no sensors connected[white]\n")
	}
	for _, c := range v.Connections {
		colour := "green"
		status := string(c.State)
		if c.Reconnecting {
			colour, status = "yellow", "reconnecting"
		} else if c.State != sensors.StateConnected {
			colour = "red"
		}
		caps := make([]string, 0, len(c.Capabilities))
		for _, cp := range c.Capabilities {
			caps = append(caps, string(cp))
		}
		battery := ""
		if c.Battery >= 0 {
			battery = fmt.Sprintf(" %d%%", c.Battery)
		}
		fmt.Fprintf(&b, " [%s]●[white] %s [gray]%s%s[white] %s\n", colour, c.Name, status, battery, strings.Join(caps, ","))
	}
	return b.String()
}

func discoveredItems(list []sensors.Discovered) []string {
	out := make([]string, 0, len(list))
	for _, d := range list {
		name := d.Name
		if name == "" {
			name = "Unknown"
		}
		out = append(out, fmt.Sprintf("%s (%s) [RSSI: %d]", name, d.ID, d.RSSI))
	}
	return out
}
