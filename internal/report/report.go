// Package report draws charts of a finished activity.
package report

import (
	"fmt"
	"image/color"
	"log"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/codec"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/model"
)

var metricColors = map[model.Metric]color.Color{
	model.MetricHeartRate: color.RGBA{R: 214, G: 39, B: 40, A: 255},
	model.MetricPower:     color.RGBA{R: 31, G: 119, B: 180, A: 255},
	model.MetricCadence:   color.RGBA{R: 44, G: 160, B: 44, A: 255},
	model.MetricSpeed:     color.RGBA{R: 255, G: 127, B: 14, A: 255},
	model.MetricElevation: color.RGBA{R: 140, G: 86, B: 75, A: 255},
	model.MetricGradient:  color.RGBA{R: 148, G: 103, B: 189, A: 255},
	model.MetricDistance:  color.RGBA{R: 127, G: 127, B: 127, A: 255},
}

var metricUnits = map[model.Metric]string{
	model.MetricHeartRate: "bpm",
	model.MetricPower:     "W",
	model.MetricCadence:   "rpm",
	model.MetricSpeed:     "m/s",
	model.MetricElevation: "m",
	model.MetricGradient:  "%",
	model.MetricDistance:  "m",
}

// Writer renders activity charts into a directory.
type Writer struct {
	dir    string
	logger *log.Logger
}

func NewWriter(dir string, logger *log.Logger) *Writer {
	if logger == nil {
		panic("Writer: logger cannot be nil")
	}
	return &Writer{dir: dir, logger: logger}
}

// Write renders one time series chart per scalar metric, the route when
// position was recorded, and the time in power and heart rate zones. It
// returns the files written.
func (w *Writer) Write(a *model.FinishedActivity) ([]string, error) {
	outDir := filepath.Join(w.dir, a.SessionID)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	decoded := make(map[model.Metric][]model.Sample, len(a.Streams))
	for _, cs := range a.Streams {
		_, samples, err := codec.DecompressStream(cs.Data)
		if err != nil {
			w.logger.Printf("Report: session %s: skipping %s: %v", a.SessionID, cs.Metric, err)
			continue
		}
		decoded[cs.Metric] = samples
	}

	var files []string
	for _, m := range model.AllMetrics {
		samples, ok := decoded[m]
		if !ok || m == model.MetricLatitude || m == model.MetricLongitude {
			continue
		}
		file := filepath.Join(outDir, fmt.Sprintf("%s.png", m))
		if err := timeSeries(a, m, samples, file); err != nil {
			return files, err
		}
		files = append(files, file)
	}

	if lat, lng := decoded[model.MetricLatitude], decoded[model.MetricLongitude]; len(lat) > 1 && len(lng) > 1 {
		file := filepath.Join(outDir, "route.png")
		if err := route(a, lat, lng, file); err != nil {
			return files, err
		}
		files = append(files, file)
	}

	for _, zc := range []struct {
		name  string
		zones []model.ZoneTime
	}{
		{"power_zones", a.Summary.PowerZones},
		{"heart_rate_zones", a.Summary.HeartRateZones},
	} {
		if len(zc.zones) == 0 {
			continue
		}
		file := filepath.Join(outDir, zc.name+".png")
		if err := zoneChart(zc.name, zc.zones, file); err != nil {
			return files, err
		}
		files = append(files, file)
	}

	w.logger.Printf("Report: session %s: wrote %d chart(s) to %s", a.SessionID, len(files), outDir)
	return files, nil
}

func timeSeries(a *model.FinishedActivity, m model.Metric, samples []model.Sample, file string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s - %s", a.StartedAt.Format("2006-01-02 15:04"), m)
	p.X.Label.Text = "minutes"
	p.Y.Label.Text = metricUnits[m]

	pts := make(plotter.XYs, 0, len(samples))
	for _, s := range samples {
		pts = append(pts, plotter.XY{X: s.Time.Sub(a.StartedAt).Minutes(), Y: s.Value})
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("plot %s: %w", m, err)
	}
	if c, ok := metricColors[m]; ok {
		line.Color = c
	}
	line.Width = vg.Points(1)
	p.Add(line, plotter.NewGrid())

	if err := p.Save(14*vg.Inch, 6*vg.Inch, file); err != nil {
		return fmt.Errorf("save %s: %w", file, err)
	}
	return nil
}

// route pairs latitude and longitude fixes by index; both come from the
// same location callback.
func route(a *model.FinishedActivity, lat, lng []model.Sample, file string) error {
	n := min(len(lat), len(lng))
	pts := make(plotter.XYs, 0, n)
	for i := 0; i < n; i++ {
		pts = append(pts, plotter.XY{X: lng[i].Value, Y: lat[i].Value})
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s - route (%.1f km)", a.StartedAt.Format("2006-01-02 15:04"), a.Summary.DistanceMeters/1000)
	p.X.Label.Text = "longitude"
	p.Y.Label.Text = "latitude"

	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("plot route: %w", err)
	}
	line.Width = vg.Points(2)
	p.Add(line)

	if err := p.Save(8*vg.Inch, 8*vg.Inch, file); err != nil {
		return fmt.Errorf("save %s: %w", file, err)
	}
	return nil
}

func zoneChart(name string, zones []model.ZoneTime, file string) error {
	values := make(plotter.Values, len(zones))
	labels := make([]string, len(zones))
	for i, z := range zones {
		values[i] = z.Seconds / 60
		labels[i] = fmt.Sprintf("Z%d", z.Zone)
	}

	p := plot.New()
	p.Title.Text = name
	p.Y.Label.Text = "minutes"

	bars, err := plotter.NewBarChart(values, vg.Points(30))
	if err != nil {
		return fmt.Errorf("plot %s: %w", name, err)
	}
	bars.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	p.Add(bars)
	p.NominalX(labels...)

	if err := p.Save(6*vg.Inch, 4*vg.Inch, file); err != nil {
		return fmt.Errorf("save %s: %w", file, err)
	}
	return nil
}
