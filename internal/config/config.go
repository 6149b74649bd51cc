package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log    LogConfig    `yaml:"log"`
	Server ServerConfig `yaml:"server"`
	Player PlayerConfig `yaml:"player"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error
	Format string `yaml:"format"` // console or json
}

type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	DatabasePath string `yaml:"database_path"`
	// OperatorToken authorizes operator console connections. Empty means
	// operators connect without auth (development only).
	OperatorToken  string   `yaml:"operator_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// ConfigSettle is how long the hub waits after pushing config:update to a
	// freshly connected device before pushing the playlist resync. Applying
	// display config restarts the device's display.
	ConfigSettle time.Duration `yaml:"config_settle"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`
}

type PlayerConfig struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
	DeviceID  string `yaml:"device_id"`

	HealthInterval     time.Duration `yaml:"health_interval"`
	ScreenshotInterval time.Duration `yaml:"screenshot_interval"`
	FallbackRotation   time.Duration `yaml:"fallback_rotation"`
	NoEligibleRetry    time.Duration `yaml:"no_eligible_retry"`

	ReconnectBaseDelay  time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay   time.Duration `yaml:"reconnect_max_delay"`
	ReconnectMaxRetries int           `yaml:"reconnect_max_retries"`

	NavigateTimeout time.Duration `yaml:"navigate_timeout"`
	NavigateRetry   time.Duration `yaml:"navigate_retry"` // looser wait for the single retry

	WatchdogTick    time.Duration `yaml:"watchdog_tick"`
	FirstFrameGrace time.Duration `yaml:"first_frame_grace"`
	StallThreshold  time.Duration `yaml:"stall_threshold"`
}

func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8090,
			DatabasePath: "marquee.db",
			ConfigSettle: 3 * time.Second,
			WriteTimeout: 10 * time.Second,
			PingInterval: 30 * time.Second,
			PongTimeout:  60 * time.Second,
		},
		Player: PlayerConfig{
			ServerURL:           "ws://localhost:8090/ws/device",
			HealthInterval:      30 * time.Second,
			ScreenshotInterval:  60 * time.Second,
			FallbackRotation:    15 * time.Second,
			NoEligibleRetry:     60 * time.Second,
			ReconnectBaseDelay:  time.Second,
			ReconnectMaxDelay:   30 * time.Second,
			ReconnectMaxRetries: 0, // unlimited
			NavigateTimeout:     15 * time.Second,
			NavigateRetry:       45 * time.Second,
			WatchdogTick:        2 * time.Second,
			FirstFrameGrace:     10 * time.Second,
			StallThreshold:      10 * time.Second,
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
