package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix namespaces every environment variable, e.g. PICOPASS_SERVER_PORT.
const EnvPrefix = "PICOPASS"

// ConfigFileEnv names the optional YAML file layered under the environment.
const ConfigFileEnv = "PICOPASS_CONFIG"

// Backoff strategies accepted by RetryConfig.BackoffStrategy
const (
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Device    DeviceConfig    `yaml:"device" envconfig:"DEVICE"`
	License   LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
	Vault     VaultConfig     `yaml:"vault" envconfig:"VAULT"`
	Session   SessionConfig   `yaml:"session" envconfig:"SESSION"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// ServerConfig contains the local HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"BIND_HOST"`
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	AllowedOrigins  []string      `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	UnlockRPS       float64       `yaml:"unlock_rps" envconfig:"UNLOCK_RPS"`
	UnlockBurst     int           `yaml:"unlock_burst" envconfig:"UNLOCK_BURST"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// RetryConfig describes how one external channel is retried.
type RetryConfig struct {
	RetryCount      int           `yaml:"retry_count" envconfig:"RETRY_COUNT"`
	Timeout         time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	BackoffStrategy string        `yaml:"backoff_strategy" envconfig:"BACKOFF_STRATEGY"`
	BaseDelay       time.Duration `yaml:"base_delay" envconfig:"BASE_DELAY"`
	MaxDelay        time.Duration `yaml:"max_delay" envconfig:"MAX_DELAY"`
}

// DeviceConfig contains serial transport configuration
type DeviceConfig struct {
	// PortName pins the transport to one port; empty means auto-detect by USB id.
	PortName         string        `yaml:"port_name" envconfig:"PORT_NAME"`
	BaudRate         int           `yaml:"baud_rate" envconfig:"BAUD_RATE"`
	VendorIDs        []string      `yaml:"vendor_ids" envconfig:"VENDOR_IDS"`
	PollInterval     time.Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" envconfig:"HEARTBEAT_TIMEOUT"`
	Identify         RetryConfig   `yaml:"identify" envconfig:"IDENTIFY"`
}

// LicenseConfig selects and configures the license authority
type LicenseConfig struct {
	// Authority is "local" (license key + on-disk seat ledger) or "remote".
	Authority          string        `yaml:"authority" envconfig:"AUTHORITY"`
	Key                string        `yaml:"key" envconfig:"PRODUCT_KEY"`
	LedgerPath         string        `yaml:"ledger_path" envconfig:"LEDGER_PATH"`
	ServerURL          string        `yaml:"server_url" envconfig:"SERVER_URL"`
	SigningSecret      string        `yaml:"signing_secret" envconfig:"SIGNING_SECRET"`
	CacheTTL           time.Duration `yaml:"cache_ttl" envconfig:"CACHE_TTL"`
	RevalidateInterval time.Duration `yaml:"revalidate_interval" envconfig:"REVALIDATE_INTERVAL"`
	Retry              RetryConfig   `yaml:"retry" envconfig:"RETRY"`
}

// VaultConfig contains vault storage configuration
type VaultConfig struct {
	Path          string        `yaml:"path" envconfig:"FILE"`
	UnlockTimeout time.Duration `yaml:"unlock_timeout" envconfig:"UNLOCK_TIMEOUT"`
}

// SessionConfig tunes the coordinator
type SessionConfig struct {
	MaxUnlockAttempts int           `yaml:"max_unlock_attempts" envconfig:"MAX_UNLOCK_ATTEMPTS"`
	LockoutBase       time.Duration `yaml:"lockout_base" envconfig:"LOCKOUT_BASE"`
	LockoutMax        time.Duration `yaml:"lockout_max" envconfig:"LOCKOUT_MAX"`
	QueueSize         int           `yaml:"queue_size" envconfig:"QUEUE_SIZE"`
}

// TelemetryConfig toggles OpenTelemetry exporters
type TelemetryConfig struct {
	Environment   string  `yaml:"environment" envconfig:"ENVIRONMENT"`
	EnableMetrics bool    `yaml:"enable_metrics" envconfig:"ENABLE_METRICS"`
	EnableTracing bool    `yaml:"enable_tracing" envconfig:"ENABLE_TRACING"`
	TraceExporter string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER"`
	SampleRatio   float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO"`
}

// Load builds configuration from defaults, then the YAML file named by
// PICOPASS_CONFIG (if any), then PICOPASS_* environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(ConfigFileEnv); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays YAML values onto cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server timeouts must be positive")
	}

	switch c.License.Authority {
	case "local":
		if c.License.LedgerPath == "" {
			return fmt.Errorf("license ledger path is required for the local authority")
		}
	case "remote":
		if c.License.ServerURL == "" {
			return fmt.Errorf("license server url is required for the remote authority")
		}
		if c.License.SigningSecret == "" {
			return fmt.Errorf("license signing secret is required for the remote authority")
		}
	default:
		return fmt.Errorf("unknown license authority: %q", c.License.Authority)
	}

	if c.Vault.Path == "" {
		return fmt.Errorf("vault path is required")
	}

	for name, r := range map[string]RetryConfig{"device.identify": c.Device.Identify, "license.retry": c.License.Retry} {
		if err := r.validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	if c.Device.HeartbeatTimeout != 0 && c.Device.HeartbeatTimeout <= c.Device.PollInterval {
		return fmt.Errorf("heartbeat timeout (%s) must exceed poll interval (%s)", c.Device.HeartbeatTimeout, c.Device.PollInterval)
	}

	if c.Session.MaxUnlockAttempts < 0 {
		return fmt.Errorf("max unlock attempts cannot be negative")
	}

	switch strings.ToLower(c.Logging.Output) {
	case "stdout", "stderr", "file", "both":
	default:
		return fmt.Errorf("unknown logging output: %q", c.Logging.Output)
	}
	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/picopass.log"
	}

	return nil
}

func (r RetryConfig) validate() error {
	if r.RetryCount < 0 {
		return fmt.Errorf("retry count cannot be negative")
	}
	if r.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	switch strings.ToLower(r.BackoffStrategy) {
	case BackoffConstant, BackoffLinear, BackoffExponential:
	default:
		return fmt.Errorf("unknown backoff strategy: %q", r.BackoffStrategy)
	}
	if r.MaxDelay > 0 && r.MaxDelay < r.BaseDelay {
		return fmt.Errorf("max delay %s is below base delay %s", r.MaxDelay, r.BaseDelay)
	}
	return nil
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            7878,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"http://localhost:1420", "tauri://localhost"},
			UnlockRPS:       1,
			UnlockBurst:     3,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Output:   "both",
			FilePath: "logs/picopass.log",
		},
		Device: DeviceConfig{
			BaudRate:         115200,
			VendorIDs:        []string{"2E8A"},
			PollInterval:     time.Second,
			HeartbeatTimeout: 5 * time.Second,
			Identify: RetryConfig{
				RetryCount:      2,
				Timeout:         2 * time.Second,
				BackoffStrategy: BackoffLinear,
				BaseDelay:       250 * time.Millisecond,
				MaxDelay:        time.Second,
			},
		},
		License: LicenseConfig{
			Authority:          "local",
			LedgerPath:         "data/license.db",
			CacheTTL:           5 * time.Minute,
			RevalidateInterval: 15 * time.Minute,
			Retry: RetryConfig{
				RetryCount:      3,
				Timeout:         10 * time.Second,
				BackoffStrategy: BackoffExponential,
				BaseDelay:       500 * time.Millisecond,
				MaxDelay:        8 * time.Second,
			},
		},
		Vault: VaultConfig{
			Path:          "data/vault.json",
			UnlockTimeout: 30 * time.Second,
		},
		Session: SessionConfig{
			MaxUnlockAttempts: 3,
			LockoutBase:       2 * time.Second,
			LockoutMax:        5 * time.Minute,
			QueueSize:         64,
		},
		Telemetry: TelemetryConfig{
			Environment:   "development",
			EnableMetrics: true,
			EnableTracing: false,
			TraceExporter: "stdout",
			SampleRatio:   1.0,
		},
	}
}
