package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNoConfig is returned when the configuration file does not exist.
var ErrNoConfig = errors.New("configuration file not found")

// Identity is the fixed device identity. It is read once at start-up and never mutated.
type Identity struct {
	Host      string `yaml:"host"`
	Product   string `yaml:"product"`
	ClientID  string `yaml:"client_id"`
	ProductID string `yaml:"product_id"`
	Key       string `yaml:"key"`
	WifiSSID  string `yaml:"wifi_ssid"`
	WifiPSK   string `yaml:"wifi_psk"`
}

// Config lists the identity plus the tunable parameters of the agent.
type Config struct {
	Identity Identity `yaml:",inline"`

	LogLevel    string `yaml:"log_level"`
	Mode        string `yaml:"mode"`
	HTTPPort    int    `yaml:"http_port"`
	JournalPath string `yaml:"journal_path"`
	MDNS        bool   `yaml:"mdns"`

	BrokerPort     int           `yaml:"broker_port"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	NetworkTimeout time.Duration `yaml:"network_timeout"`

	WifiDriver  string        `yaml:"wifi_driver"`
	NTPServer   string        `yaml:"ntp_server"`
	SyncTimeout time.Duration `yaml:"sync_timeout"`

	SensorDriver   string        `yaml:"sensor_driver"`
	I2CBus         string        `yaml:"i2c_bus"`
	SettleDelay    time.Duration `yaml:"settle_delay"`
	SampleInterval time.Duration `yaml:"sample_interval"`

	DisplayDriver   string        `yaml:"display_driver"`
	DisplayInterval time.Duration `yaml:"display_interval"`
}

// Run modes.
const (
	ModeTelemetry = "telemetry"
	ModeDisplay   = "display"
	ModeBoth      = "both"
)

const (
	defaultPath            = "cfg.yaml"
	defaultHost            = "localhost"
	defaultLogLevel        = "info"
	defaultMode            = ModeTelemetry
	defaultHTTPPort        = 8080
	defaultJournalPath     = "data/telemetry-agent.db"
	defaultBrokerPort      = 1883
	defaultKeepAlive       = 60 * time.Second
	defaultNetworkTimeout  = 10 * time.Second
	defaultWifiDriver      = "none"
	defaultSyncTimeout     = 2 * time.Minute
	defaultSensorDriver    = "sim"
	defaultSettleDelay     = 100 * time.Millisecond
	defaultSampleInterval  = 500 * time.Millisecond
	defaultDisplayDriver   = "none"
	defaultDisplayInterval = 500 * time.Millisecond
)

// Default returns a configuration populated with default values only.
func Default() Config {
	return Config{
		Identity:        Identity{Host: defaultHost},
		LogLevel:        defaultLogLevel,
		Mode:            defaultMode,
		HTTPPort:        defaultHTTPPort,
		JournalPath:     defaultJournalPath,
		BrokerPort:      defaultBrokerPort,
		KeepAlive:       defaultKeepAlive,
		NetworkTimeout:  defaultNetworkTimeout,
		WifiDriver:      defaultWifiDriver,
		SyncTimeout:     defaultSyncTimeout,
		SensorDriver:    defaultSensorDriver,
		SettleDelay:     defaultSettleDelay,
		SampleInterval:  defaultSampleInterval,
		DisplayDriver:   defaultDisplayDriver,
		DisplayInterval: defaultDisplayInterval,
	}
}

// Path resolves the configuration file location from the flag value and AGENT_CONFIG.
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv("AGENT_CONFIG"); v != "" {
		return v
	}
	return defaultPath
}

// Load reads the YAML file at path over the defaults, then applies AGENT_* environment
// overrides. A missing file is reported as ErrNoConfig.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("%w: %s", ErrNoConfig, path)
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a component.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeTelemetry, ModeDisplay, ModeBoth:
	default:
		return fmt.Errorf("invalid mode %q", c.Mode)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be between 0 and 65535")
	}
	if c.BrokerPort < 1 || c.BrokerPort > 65535 {
		return fmt.Errorf("broker_port must be between 1 and 65535")
	}
	if c.NetworkTimeout <= 0 {
		return fmt.Errorf("network_timeout must be positive")
	}
	if c.SampleInterval < 0 || c.SettleDelay < 0 || c.DisplayInterval < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if c.DisplayInterval <= 0 {
		return fmt.Errorf("display_interval must be positive")
	}
	return nil
}

// TelemetryEnabled reports whether the sampling loop runs in this mode.
func (c Config) TelemetryEnabled() bool {
	return c.Mode == ModeTelemetry || c.Mode == ModeBoth
}

// DisplayEnabled reports whether the display mirror runs in this mode.
func (c Config) DisplayEnabled() bool {
	return c.Mode == ModeDisplay || c.Mode == ModeBoth
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"AGENT_HOST":           &cfg.Identity.Host,
		"AGENT_PRODUCT":        &cfg.Identity.Product,
		"AGENT_CLIENT_ID":      &cfg.Identity.ClientID,
		"AGENT_PRODUCT_ID":     &cfg.Identity.ProductID,
		"AGENT_KEY":            &cfg.Identity.Key,
		"AGENT_WIFI_SSID":      &cfg.Identity.WifiSSID,
		"AGENT_WIFI_PSK":       &cfg.Identity.WifiPSK,
		"AGENT_LOG_LEVEL":      &cfg.LogLevel,
		"AGENT_MODE":           &cfg.Mode,
		"AGENT_JOURNAL_PATH":   &cfg.JournalPath,
		"AGENT_WIFI_DRIVER":    &cfg.WifiDriver,
		"AGENT_NTP_SERVER":     &cfg.NTPServer,
		"AGENT_SENSOR_DRIVER":  &cfg.SensorDriver,
		"AGENT_I2C_BUS":        &cfg.I2CBus,
		"AGENT_DISPLAY_DRIVER": &cfg.DisplayDriver,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"AGENT_HTTP_PORT":   &cfg.HTTPPort,
		"AGENT_BROKER_PORT": &cfg.BrokerPort,
	}
	for name, dst := range ints {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"AGENT_KEEP_ALIVE":       &cfg.KeepAlive,
		"AGENT_NETWORK_TIMEOUT":  &cfg.NetworkTimeout,
		"AGENT_SYNC_TIMEOUT":     &cfg.SyncTimeout,
		"AGENT_SETTLE_DELAY":     &cfg.SettleDelay,
		"AGENT_SAMPLE_INTERVAL":  &cfg.SampleInterval,
		"AGENT_DISPLAY_INTERVAL": &cfg.DisplayInterval,
	}
	for name, dst := range durations {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = d
		}
	}

	if v := os.Getenv("AGENT_MDNS"); v != "" {
		cfg.MDNS = parseBool(v)
	}

	return nil
}

func parseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
