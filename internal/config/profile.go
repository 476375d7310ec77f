package config

import (
	"log"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/events"
	"github.com/lowaak/smart-trainer/activity-recorder/internal/model"
)

// ProfileSource holds the athlete profile. Sessions snapshot it when an
// activity is selected, so edits only affect later sessions.
type ProfileSource struct {
	mu      sync.RWMutex
	profile model.Profile
	changed *events.CallbackEvent[model.Profile]
	logger  *log.Logger
}

func NewProfileSource(p model.Profile, logger *log.Logger) *ProfileSource {
	if logger == nil {
		panic("ProfileSource: logger cannot be nil")
	}
	return &ProfileSource{
		profile: p,
		changed: events.NewCallbackEvent[model.Profile](true),
		logger:  logger,
	}
}

// Profile returns the current profile.
func (s *ProfileSource) Profile() model.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile
}

// Set replaces the profile and notifies listeners when it changed.
func (s *ProfileSource) Set(p model.Profile) {
	s.mu.Lock()
	if s.profile == p {
		s.mu.Unlock()
		return
	}
	s.profile = p
	s.mu.Unlock()
	s.logger.Printf("ProfileSource: profile updated (ftp %.0f, threshold hr %.0f, weight %.1f)",
		p.FTP, p.ThresholdHR, p.WeightKg)
	s.changed.Notify(p)
}

// Listen registers for profile changes.
func (s *ProfileSource) Listen(fn func(model.Profile)) *events.Subscription {
	return s.changed.Listen(fn)
}

// Watch reloads the profile section whenever the config file changes.
func (s *ProfileSource) Watch(v *viper.Viper) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		s.reload(v, e.Name)
	})
	v.WatchConfig()
}

func (s *ProfileSource) reload(v *viper.Viper, name string) {
	var p model.Profile
	if err := v.UnmarshalKey("profile", &p, decodeHook()); err != nil {
		s.logger.Printf("ProfileSource: ignoring %s: %v", name, err)
		return
	}
	s.Set(p)
}
