// Package config loads recorder settings from recorder.yaml, RECORDER_*
// environment variables and command line flags, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/live"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/model"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/sensors"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/session"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/streambuf"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/submission"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/upload"
)

const (
	envPrefix  = "RECORDER"
	configName = "recorder"
	appDir     = ".activity-recorder"
)

// LogConfig controls the rotating log file.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// SessionConfig is the configurable part of session.Config.
type SessionConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	SaveTimeout  time.Duration `mapstructure:"save_timeout"`
}

// Config is the full recorder configuration.
type Config struct {
	DataDir   string `mapstructure:"data_dir"`
	Simulate  bool   `mapstructure:"simulate"`
	Dashboard bool   `mapstructure:"dashboard"`
	ReportDir string `mapstructure:"report_dir"`

	// Activity preselected at startup.
	Category string `mapstructure:"category"`
	Location string `mapstructure:"location"`
	PlanFile string `mapstructure:"plan"`

	Profile           model.Profile                   `mapstructure:"profile"`
	Log               LogConfig                       `mapstructure:"log"`
	Session           SessionConfig                   `mapstructure:"session"`
	Buffer            streambuf.Config                `mapstructure:"buffer"`
	Sensors           sensors.Config                  `mapstructure:"sensors"`
	SimulatedLocation sensors.SimulatedLocationConfig `mapstructure:"simulated_location"`
	Live              live.Config                     `mapstructure:"live"`
	MQTT              live.PublisherConfig            `mapstructure:"mqtt"`
	Upload            upload.Config                   `mapstructure:"upload"`
	Submission        submission.Config               `mapstructure:"submission"`
}

// DBPath is the sqlite file holding chunks and session rows.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "recorder.db")
}

// SessionSettings builds the session settings.
func (c *Config) SessionSettings() session.Config {
	return session.Config{
		TickInterval: c.Session.TickInterval,
		SaveTimeout:  c.Session.SaveTimeout,
		Buffer:       c.Buffer,
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	switch model.Category(c.Category) {
	case model.CategoryBike, model.CategoryRun, model.CategorySwim, model.CategoryOther:
	default:
		errs = append(errs, fmt.Errorf("category %q is not one of bike, run, swim, other", c.Category))
	}
	switch model.Location(c.Location) {
	case model.LocationIndoor, model.LocationOutdoor:
	default:
		errs = append(errs, fmt.Errorf("location %q is not indoor or outdoor", c.Location))
	}

	p := c.Profile
	for name, v := range map[string]float64{
		"profile.weight_kg":    p.WeightKg,
		"profile.ftp":          p.FTP,
		"profile.threshold_hr": p.ThresholdHR,
		"profile.max_hr":       p.MaxHR,
		"profile.resting_hr":   p.RestingHR,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if p.MaxHR > 0 && p.RestingHR >= p.MaxHR {
		errs = append(errs, errors.New("profile.resting_hr must be below profile.max_hr"))
	}
	switch strings.ToLower(p.Gender) {
	case "", "male", "female":
	default:
		errs = append(errs, fmt.Errorf("profile.gender %q is not male or female", p.Gender))
	}

	if c.Buffer.ChunkSize < 0 {
		errs = append(errs, errors.New("buffer.chunk_size must not be negative"))
	}
	if c.Session.TickInterval < 0 {
		errs = append(errs, errors.New("session.tick_interval must not be negative"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d is not 0, 1 or 2", c.MQTT.QoS))
	}
	if c.Sensors.ReconnectGiveUp < 0 {
		errs = append(errs, errors.New("sensors.reconnect_give_up must not be negative"))
	}
	return errors.Join(errs...)
}

// NewFlagSet declares the command line flags understood by Load.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "path to recorder.yaml")
	fs.String("data-dir", "", "directory for the session database and logs")
	fs.Bool("simulate", false, "use simulated sensors and GPS")
	fs.Bool("no-dashboard", false, "run without the terminal dashboard")
	fs.String("report-dir", "", "write a chart of each finished activity here")
	fs.String("category", "", "activity category: bike, run, swim, other")
	fs.String("location", "", "indoor or outdoor")
	fs.String("plan", "", "structured workout plan (JSON)")
	fs.Float64("ftp", 0, "functional threshold power in watts")
	fs.Float64("weight", 0, "body weight in kg")
	fs.String("upload-target", "", "activity service address")
	fs.String("mqtt-broker", "", "broker for live metrics, empty to disable")
	return fs
}

var flagKeys = map[string]string{
	"data-dir":      "data_dir",
	"simulate":      "simulate",
	"report-dir":    "report_dir",
	"category":      "category",
	"location":      "location",
	"plan":          "plan",
	"ftp":           "profile.ftp",
	"weight":        "profile.weight_kg",
	"upload-target": "upload.target",
	"mqtt-broker":   "mqtt.broker",
}

func setDefaults(v *viper.Viper) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dataDir := filepath.Join(home, appDir)

	v.SetDefault("data_dir", dataDir)
	v.SetDefault("simulate", false)
	v.SetDefault("dashboard", true)
	v.SetDefault("report_dir", "")
	v.SetDefault("category", string(model.CategoryBike))
	v.SetDefault("location", string(model.LocationIndoor))
	v.SetDefault("plan", "")

	v.SetDefault("profile.weight_kg", 0)
	v.SetDefault("profile.ftp", 0)
	v.SetDefault("profile.threshold_hr", 0)
	v.SetDefault("profile.max_hr", 0)
	v.SetDefault("profile.resting_hr", 0)
	v.SetDefault("profile.gender", "")

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)

	sc := session.DefaultConfig()
	v.SetDefault("session.tick_interval", sc.TickInterval)
	v.SetDefault("session.save_timeout", sc.SaveTimeout)

	bc := streambuf.DefaultConfig()
	v.SetDefault("buffer.chunk_size", bc.ChunkSize)
	v.SetDefault("buffer.flush_interval", bc.FlushInterval)
	v.SetDefault("buffer.max_queued_chunks", bc.MaxQueuedChunks)
	v.SetDefault("buffer.max_write_retries", bc.MaxWriteRetries)
	v.SetDefault("buffer.retry_interval", bc.RetryInterval)
	v.SetDefault("buffer.write_timeout", bc.WriteTimeout)

	snc := sensors.DefaultConfig()
	v.SetDefault("sensors.connect_timeout", snc.ConnectTimeout)
	v.SetDefault("sensors.reconnect_initial", snc.ReconnectInitial)
	v.SetDefault("sensors.reconnect_max", snc.ReconnectMax)
	v.SetDefault("sensors.reconnect_give_up", snc.ReconnectGiveUp)
	v.SetDefault("sensors.wheel_circumference_m", snc.WheelCircumferenceM)

	lc := sensors.DefaultSimulatedLocationConfig()
	v.SetDefault("simulated_location.start_lat", lc.StartLat)
	v.SetDefault("simulated_location.start_lng", lc.StartLng)
	v.SetDefault("simulated_location.speed_mps", lc.SpeedMps)
	v.SetDefault("simulated_location.heading_deg", lc.HeadingDeg)
	v.SetDefault("simulated_location.base_elevation_m", lc.BaseElevM)
	v.SetDefault("simulated_location.hill_height_m", lc.HillHeight)
	v.SetDefault("simulated_location.hill_length_m", lc.HillLength)
	v.SetDefault("simulated_location.interval", lc.Interval)

	livec := live.DefaultConfig()
	v.SetDefault("live.default_window", livec.DefaultWindow)
	v.SetDefault("live.ring_size", livec.RingSize)
	windows := make(map[string]any, len(livec.Windows))
	for m, d := range livec.Windows {
		windows[string(m)] = d.String()
	}
	v.SetDefault("live.windows", windows)

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "activity-recorder")
	v.SetDefault("mqtt.topic", "recorder/live")
	v.SetDefault("mqtt.interval", time.Second)
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.retained", false)
	v.SetDefault("mqtt.timeout", 2*time.Second)

	v.SetDefault("upload.target", "")
	v.SetDefault("upload.insecure", false)
	v.SetDefault("upload.timeout", 30*time.Second)
	v.SetDefault("upload.access_token", "")

	subc := submission.DefaultConfig()
	v.SetDefault("submission.upload_timeout", subc.UploadTimeout)
	v.SetDefault("submission.flush_timeout", subc.FlushTimeout)
}

func decodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToTimeHookFunc(time.DateOnly),
		mapstructure.StringToSliceHookFunc(","),
	))
}

// Load parses args into fs and returns the merged configuration together
// with the viper instance, which Watch uses to follow file edits.
func Load(fs *pflag.FlagSet, args []string) (*Config, *viper.Viper, error) {
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, appDir))
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, nil, fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, decodeHook()); err != nil {
		return nil, nil, fmt.Errorf("decode config: %w", err)
	}
	if noDash, _ := fs.GetBool("no-dashboard"); noDash {
		cfg.Dashboard = false
	}
	if cfg.Log.File == "" {
		cfg.Log.File = filepath.Join(cfg.DataDir, "recorder.log")
	}
	return cfg, v, nil
}
