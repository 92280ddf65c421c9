// Package config loads and validates the TOML configuration file.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Duration is a time.Duration decoded from strings like "2s" or "16ms"
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the root configuration structure
type Config struct {
	Server         ServerConfig         `toml:"server"`
	Logging        LoggingConfig        `toml:"logging"`
	Navigation     NavigationConfig     `toml:"navigation"`
	PositionSource PositionSourceConfig `toml:"position_source"`
	Animation      AnimationConfig      `toml:"animation"`
	Storage        StorageConfig        `toml:"storage"`
	Directions     DirectionsConfig     `toml:"directions"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	ListenAddr         string   `toml:"listen_addr" validate:"required,hostname_port"`
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`
	ShutdownTimeout    Duration `toml:"shutdown_timeout"`
}

// LoggingConfig contains logger configuration
type LoggingConfig struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=json console"`
}

// NavigationConfig tunes the navigation state machine
type NavigationConfig struct {
	OffRouteThresholdMeters float64   `toml:"off_route_threshold_m" validate:"gt=0"`
	DeviationMode           string    `toml:"deviation_mode" validate:"oneof=vertex segment"`
	ArrivalRadiusMeters     float64   `toml:"arrival_radius_m" validate:"gt=0"`
	AutoStopDelay           Duration  `toml:"auto_stop_delay"`
	WalkingSpeedKmh         float64   `toml:"walking_speed_kmh" validate:"gt=0"`
	StepThresholds          []float64 `toml:"step_thresholds" validate:"dive,gte=0,lte=100"`
	InboxSize               int       `toml:"inbox_size" validate:"gt=0"`
}

// PositionSourceConfig selects and tunes the position source
type PositionSourceConfig struct {
	Kind           string   `toml:"kind" validate:"oneof=push replay"`
	Timeout        Duration `toml:"timeout"`
	ReplayFile     string   `toml:"replay_file" validate:"required_if=Kind replay"`
	ReplayInterval Duration `toml:"replay_interval"`
}

// AnimationConfig tunes the marker animator
type AnimationConfig struct {
	Duration      Duration `toml:"duration"`
	FrameInterval Duration `toml:"frame_interval"`
}

// StorageConfig contains track storage configuration
type StorageConfig struct {
	SQLitePath string `toml:"sqlite_path" validate:"required"`
	QueueSize  int    `toml:"queue_size" validate:"gt=0"`
}

// DirectionsConfig points at the external directions endpoint
type DirectionsConfig struct {
	URL        string   `toml:"url" validate:"omitempty,url"`
	APIKey     string   `toml:"api_key"`
	Timeout    Duration `toml:"timeout"`
	MaxRetries int      `toml:"max_retries" validate:"gte=0"`
}

// Default returns the configuration used for keys missing from the file
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:      "127.0.0.1:8080",
			ShutdownTimeout: Duration{5 * time.Second},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Navigation: NavigationConfig{
			OffRouteThresholdMeters: 50,
			DeviationMode:           "vertex",
			ArrivalRadiusMeters:     20,
			AutoStopDelay:           Duration{2 * time.Second},
			WalkingSpeedKmh:         5,
			StepThresholds:          []float64{20, 40, 60, 80},
			InboxSize:               64,
		},
		PositionSource: PositionSourceConfig{
			Kind:           "push",
			Timeout:        Duration{10 * time.Second},
			ReplayInterval: Duration{time.Second},
		},
		Animation: AnimationConfig{
			Duration:      Duration{time.Second},
			FrameInterval: Duration{16 * time.Millisecond},
		},
		Storage: StorageConfig{
			SQLitePath: "safewalk.db",
			QueueSize:  256,
		},
		Directions: DirectionsConfig{
			Timeout:    Duration{10 * time.Second},
			MaxRetries: 3,
		},
	}
}

// Load reads the TOML file at path over the defaults and validates the result
func Load(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys: %v", undecoded)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and the cross-field rules tags cannot express
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	for i := 1; i < len(c.Navigation.StepThresholds); i++ {
		if c.Navigation.StepThresholds[i] <= c.Navigation.StepThresholds[i-1] {
			return fmt.Errorf("invalid config: step_thresholds must be strictly increasing")
		}
	}

	positive := map[string]time.Duration{
		"navigation.auto_stop_delay":      c.Navigation.AutoStopDelay.Duration,
		"animation.duration":              c.Animation.Duration.Duration,
		"animation.frame_interval":        c.Animation.FrameInterval.Duration,
		"position_source.replay_interval": c.PositionSource.ReplayInterval.Duration,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("invalid config: %s must be positive", key)
		}
	}
	return nil
}
