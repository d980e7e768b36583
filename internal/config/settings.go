package config

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"
)

// Gateway selection values accepted in Settings.ini.
const (
	GatewayADB     = "adb"
	GatewayDesktop = "desktop"
)

// Settings holds the application-level configuration loaded from
// Settings.ini. Run parameters live in the config store, not here.
type Settings struct {
	// Gateway picks the capture/input backend, "adb" or "desktop".
	Gateway string

	// ADB settings, used when Gateway is "adb".
	ADBPath string
	ADBPort int

	// DisplayIndex picks the monitor for the desktop gateway.
	DisplayIndex int

	// DataDir holds the config database and stored template images.
	DataDir string

	// TemplatesDir holds YAML template definition files.
	TemplatesDir string

	// LogLevel is one of DEBUG, INFO, WARN, ERROR.
	LogLevel string

	// Loop back-off delays. The defaults match the automation loop's
	// own constants and rarely need changing.
	NotFoundDelay   time.Duration
	ErrorRetryDelay time.Duration
}

// Defaults returns the settings used when no Settings.ini exists.
func Defaults() Settings {
	return Settings{
		Gateway:         GatewayADB,
		ADBPath:         "adb",
		ADBPort:         5555,
		DisplayIndex:    0,
		DataDir:         "data",
		TemplatesDir:    "templates",
		LogLevel:        "INFO",
		NotFoundDelay:   500 * time.Millisecond,
		ErrorRetryDelay: 1000 * time.Millisecond,
	}
}

// LoadFromINI loads settings from a Settings.ini file, falling back to
// defaults for missing keys.
func LoadFromINI(path string) (Settings, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to load settings file: %w", err)
	}

	def := Defaults()
	section := cfg.Section("UserSettings")

	s := Settings{
		Gateway:      section.Key("gateway").MustString(def.Gateway),
		ADBPath:      section.Key("adbPath").MustString(def.ADBPath),
		ADBPort:      section.Key("adbPort").MustInt(def.ADBPort),
		DisplayIndex: section.Key("displayIndex").MustInt(def.DisplayIndex),
		DataDir:      section.Key("dataDir").MustString(def.DataDir),
		TemplatesDir: section.Key("templatesDir").MustString(def.TemplatesDir),
		LogLevel:     section.Key("logLevel").MustString(def.LogLevel),
	}

	notFoundMs := section.Key("notFoundDelayMs").MustInt(int(def.NotFoundDelay.Milliseconds()))
	retryMs := section.Key("errorRetryDelayMs").MustInt(int(def.ErrorRetryDelay.Milliseconds()))
	s.NotFoundDelay = time.Duration(notFoundMs) * time.Millisecond
	s.ErrorRetryDelay = time.Duration(retryMs) * time.Millisecond

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks settings values that would break startup.
func (s Settings) Validate() error {
	if s.Gateway != GatewayADB && s.Gateway != GatewayDesktop {
		return fmt.Errorf("unknown gateway %q (want %q or %q)", s.Gateway, GatewayADB, GatewayDesktop)
	}
	if s.ADBPort <= 0 || s.ADBPort > 65535 {
		return fmt.Errorf("adb port %d out of range", s.ADBPort)
	}
	if s.DisplayIndex < 0 {
		return fmt.Errorf("display index must not be negative, got %d", s.DisplayIndex)
	}
	if s.NotFoundDelay <= 0 || s.ErrorRetryDelay <= 0 {
		return fmt.Errorf("back-off delays must be positive")
	}
	return nil
}
