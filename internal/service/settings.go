package service

import (
	"context"
	"encoding/json"
	"runtime"
	"strings"

	"lossly-go/internal/models"
	"lossly-go/internal/task"
)

// Setting keys.
const (
	keyApp         = "app"
	keyCompression = "compression"
)

// AppSettings are the application preferences. Worker sizing changes apply
// on the next start.
type AppSettings struct {
	Theme                  string  `json:"theme"`
	Language               string  `json:"language"`
	AutoStart              bool    `json:"autoStart"`
	MinimizeToTray         bool    `json:"minimizeToTray"`
	ShowNotifications      bool    `json:"showNotifications"`
	WorkerThreads          int     `json:"workerThreads"`
	MemoryLimit            int     `json:"memoryLimit"`
	HardwareAcceleration   bool    `json:"hardwareAcceleration"`
	TempDirectory          *string `json:"tempDirectory"`
	DefaultOutputDirectory *string `json:"defaultOutputDirectory"`
	KeepOriginals          bool    `json:"keepOriginals"`
	HistoryLimit           int     `json:"historyLimit"`
}

// DefaultAppSettings returns the preferences used before anything is saved.
func DefaultAppSettings() AppSettings {
	return AppSettings{
		Theme:                "dark",
		Language:             "en",
		MinimizeToTray:       true,
		ShowNotifications:    true,
		WorkerThreads:        max(1, runtime.NumCPU()-1),
		MemoryLimit:          512,
		HardwareAcceleration: true,
		KeepOriginals:        true,
		HistoryLimit:         30,
	}
}

// DefaultCompressionSettings returns the compression defaults.
func DefaultCompressionSettings() task.Settings {
	progressive := true
	return task.Settings{
		Format:  task.FormatSame,
		Quality: 85,
		Resize:  &task.Resize{MaintainAspectRatio: true},
		Advanced: &task.Advanced{
			Progressive:       &progressive,
			StripMetadata:     true,
			OptimizationLevel: 3,
		},
	}
}

// Settings is the full settings document.
type Settings struct {
	App         AppSettings     `json:"app"`
	Compression task.Settings   `json:"compression"`
	Presets     []models.Preset `json:"presets"`
}

// SettingsUpdate carries the sections to change. Nil sections are left untouched;
// a non-nil Presets slice replaces every stored preset.
type SettingsUpdate struct {
	App         *AppSettings    `json:"app"`
	Compression *task.Settings  `json:"compression"`
	Presets     []models.Preset `json:"presets"`
}

// GetSettings returns the stored settings with defaults for unset sections.
func (s *Service) GetSettings(ctx context.Context) (*Settings, error) {
	out := &Settings{
		App:         DefaultAppSettings(),
		Compression: DefaultCompressionSettings(),
	}
	if _, err := s.store.GetSetting(ctx, keyApp, &out.App); err != nil {
		return nil, err
	}
	if _, err := s.store.GetSetting(ctx, keyCompression, &out.Compression); err != nil {
		return nil, err
	}
	presets, err := s.store.ListPresets(ctx)
	if err != nil {
		return nil, err
	}
	out.Presets = presets
	return out, nil
}

// UpdateSettings validates and stores the given sections.
func (s *Service) UpdateSettings(ctx context.Context, u SettingsUpdate) error {
	if u.App == nil && u.Compression == nil && u.Presets == nil {
		return task.Invalid("no settings provided")
	}
	if u.Compression != nil {
		if err := u.Compression.Validate(); err != nil {
			return err
		}
	}
	for _, p := range u.Presets {
		if err := validatePreset(p); err != nil {
			return err
		}
	}

	if u.App != nil {
		if err := s.store.SetSetting(ctx, keyApp, u.App); err != nil {
			return err
		}
	}
	if u.Compression != nil {
		if err := s.store.SetSetting(ctx, keyCompression, u.Compression); err != nil {
			return err
		}
	}
	if u.Presets != nil {
		if err := s.store.ReplacePresets(ctx, u.Presets); err != nil {
			return err
		}
	}
	s.log.WithField("operation", "update_settings").Info("Settings saved")
	return nil
}

// ResetSettings restores the default app and compression settings.
func (s *Service) ResetSettings(ctx context.Context) (*Settings, error) {
	app := DefaultAppSettings()
	compression := DefaultCompressionSettings()
	if err := s.store.SetSetting(ctx, keyApp, app); err != nil {
		return nil, err
	}
	if err := s.store.SetSetting(ctx, keyCompression, compression); err != nil {
		return nil, err
	}
	return s.GetSettings(ctx)
}

// AddPreset stores a new preset.
func (s *Service) AddPreset(ctx context.Context, p models.Preset) (*models.Preset, error) {
	if err := validatePreset(p); err != nil {
		return nil, err
	}
	if err := s.store.AddPreset(ctx, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DeletePreset removes a preset.
func (s *Service) DeletePreset(ctx context.Context, id string) error {
	return s.store.DeletePreset(ctx, id)
}

func validatePreset(p models.Preset) error {
	if strings.TrimSpace(p.Name) == "" || p.Settings == "" {
		return task.Invalid("preset name and settings are required")
	}
	var settings task.Settings
	if err := json.Unmarshal([]byte(p.Settings), &settings); err != nil {
		return task.Invalid("preset settings are not valid: %v", err)
	}
	return settings.Validate()
}
