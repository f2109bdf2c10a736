package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/FrameMirror/internal/logger"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration
type Config struct {
	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogPretty bool   `json:"log_pretty" yaml:"log_pretty"`

	Capture      CaptureConfig      `json:"capture" yaml:"capture"`
	Bridge       BridgeConfig       `json:"bridge" yaml:"bridge"`
	Presentation PresentationConfig `json:"presentation" yaml:"presentation"`
	Recovery     RecoveryConfig     `json:"recovery" yaml:"recovery"`
	API          APIConfig          `json:"api" yaml:"api"`
	Preview      PreviewConfig      `json:"preview" yaml:"preview"`
}

// CaptureConfig selects the frame source and the initial target
type CaptureConfig struct {
	Source string `json:"source" yaml:"source"`

	// Target is "monitor:<n>" or "window:<id>"; empty waits for a start request
	Target      string `json:"target" yaml:"target"`
	ShowCursor  bool   `json:"show_cursor" yaml:"show_cursor"`
	BufferCount int    `json:"buffer_count" yaml:"buffer_count"`

	// Display is the X display to capture from; empty uses $DISPLAY
	Display string `json:"display" yaml:"display"`

	// PollFPS is the grab rate of sources without change notifications
	PollFPS int `json:"poll_fps" yaml:"poll_fps"`

	Synthetic SyntheticConfig `json:"synthetic" yaml:"synthetic"`
}

// SyntheticConfig sizes the test-pattern source
type SyntheticConfig struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
	FPS    int `json:"fps" yaml:"fps"`
}

// BridgeConfig tunes the texture bridge
type BridgeConfig struct {
	MaxConsecutiveMapFailures int `json:"max_consecutive_map_failures" yaml:"max_consecutive_map_failures"`
}

// PresentationConfig describes the destination window and render loop
type PresentationConfig struct {
	FPS        int    `json:"fps" yaml:"fps"`
	Filter     string `json:"filter" yaml:"filter"`
	Fit        string `json:"fit" yaml:"fit"`
	ClearColor string `json:"clear_color" yaml:"clear_color"`
	Width      int    `json:"width" yaml:"width"`
	Height     int    `json:"height" yaml:"height"`
	Title      string `json:"title" yaml:"title"`

	// Headless presents into memory instead of an X11 window
	Headless bool `json:"headless" yaml:"headless"`
}

// RecoveryConfig controls what happens after device loss
type RecoveryConfig struct {
	AutoRestartOnDeviceLost bool          `json:"auto_restart_on_device_lost" yaml:"auto_restart_on_device_lost"`
	MaxRestarts             int           `json:"max_restarts" yaml:"max_restarts"`
	RestartBackoff          time.Duration `json:"restart_backoff" yaml:"restart_backoff"`
}

// APIConfig controls the local control server
type APIConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Port    int  `json:"port" yaml:"port"`
}

// PreviewConfig controls the MJPEG preview served by the control API
type PreviewConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	FPS     int  `json:"fps" yaml:"fps"`
	Quality int  `json:"quality" yaml:"quality"`
}

// Manager handles configuration
type Manager struct {
	configPath string
	config     *Config
	mu         sync.RWMutex
}

// DefaultPath returns $HOME/.config/framemirror/config.yaml
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "framemirror", "config.yaml"), nil
}

// NewManager loads configFile, or the default path when empty. A missing
// file is created with defaults.
func NewManager(configFile string) (*Manager, error) {
	actualConfigPath := configFile
	if actualConfigPath == "" {
		defaultPath, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		actualConfigPath = defaultPath
	}

	if err := os.MkdirAll(filepath.Dir(actualConfigPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	m := &Manager{
		configPath: actualConfigPath,
	}

	if err := m.load(); err != nil {
		if os.IsNotExist(err) {
			logger.WithComponent("config").Info().
				Str("path", m.configPath).
				Msg("Config file not found, creating new config")
			m.config = Defaults()
			if err := m.Save(); err != nil {
				return nil, fmt.Errorf("failed to create default config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Str("source", m.config.Capture.Source).
		Int("fps", m.config.Presentation.FPS).
		Msg("Config loaded")

	return m, nil
}

// Defaults returns the default configuration
func Defaults() *Config {
	return &Config{
		LogLevel:  "info",
		LogPretty: true,
		Capture: CaptureConfig{
			Source:      "auto",
			BufferCount: 2,
			PollFPS:     30,
			Synthetic: SyntheticConfig{
				Width:  1280,
				Height: 720,
				FPS:    30,
			},
		},
		Bridge: BridgeConfig{
			MaxConsecutiveMapFailures: 30,
		},
		Presentation: PresentationConfig{
			FPS:        60,
			Filter:     "linear",
			Fit:        "stretch",
			ClearColor: "#000000",
			Width:      1280,
			Height:     720,
			Title:      "FrameMirror",
		},
		Recovery: RecoveryConfig{
			AutoRestartOnDeviceLost: true,
			MaxRestarts:             5,
			RestartBackoff:          500 * time.Millisecond,
		},
		API: APIConfig{
			Enabled: true,
			Port:    8090,
		},
		Preview: PreviewConfig{
			Enabled: false,
			FPS:     10,
			Quality: 80,
		},
	}
}

// load reads the configuration from disk. Keys missing from the file keep
// their default values.
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	cfg, err := parse(data)
	if err != nil {
		return err
	}
	m.config = cfg
	return nil
}

func parse(data []byte) (*Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return Defaults()
	}
	cfg := *m.config
	return &cfg
}

// Save saves the current configuration to disk
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	if cfg == nil {
		cfg = Defaults()
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Saving config")

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("config_dir", configDir).
			Msg("Failed to create config directory")
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Msg("Failed to marshal config")
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Msg("Config saved successfully")
	return nil
}

// GetViper returns a viper instance holding the current configuration,
// addressed by dotted keys such as "presentation.fps"
func (m *Manager) GetViper() *viper.Viper {
	data, err := yaml.Marshal(m.Get())
	v := viper.New()
	v.SetConfigType("yaml")
	if err == nil {
		_ = v.ReadConfig(bytes.NewReader(data))
	}
	return v
}

// Set changes one dotted key in memory. The value is parsed as a bool or
// a number when it looks like one. Unknown keys and values that fail
// validation are rejected and leave the configuration unchanged.
func (m *Manager) Set(key string, value string) error {
	key = strings.ToLower(strings.TrimSpace(key))

	v := m.GetViper()
	if !v.IsSet(key) {
		return fmt.Errorf("configuration key not found: %s", key)
	}
	v.Set(key, scalar(value))

	data, err := yaml.Marshal(v.AllSettings())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// ApplyOverrides copies every key that is explicitly set in v (bound CLI
// flags, environment) into the configuration without saving
func (m *Manager) ApplyOverrides(v *viper.Viper, keys ...string) error {
	for _, key := range keys {
		if !v.IsSet(key) {
			continue
		}
		value := fmt.Sprint(v.Get(key))
		if value == "" || value == "0" {
			continue
		}
		if err := m.Set(key, value); err != nil {
			return err
		}
		logger.WithComponent("config").Debug().
			Str("key", key).
			Str("value", value).
			Msg("Config override applied")
	}
	return nil
}

// GetConfigPath returns the config file path
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

func scalar(value string) interface{} {
	if i, err := strconv.Atoi(value); err == nil {
		return i
	}
	switch strings.ToLower(value) {
	case "true":
		return true
	case "false":
		return false
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}
