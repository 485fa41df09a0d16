package bulkmail

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/clock"

	"github.com/lattiq/bulkmail/internal/compose"
	"github.com/lattiq/bulkmail/internal/core"
)

// Config holds the complete bulkmail configuration.
type Config struct {
	// Provider contains transport configuration.
	Provider ProviderConfig `yaml:"provider"`

	// Sender contains the From identity written into every message.
	Sender SenderConfig `yaml:"sender"`

	// Pacing contains the mandatory delay between sends.
	Pacing PacingConfig `yaml:"pacing"`

	// Signature contains the signature block appended to every batch body.
	Signature SignatureConfig `yaml:"signature"`

	// InlineAsset contains the optional inline logo.
	InlineAsset InlineAssetConfig `yaml:"inline_asset"`

	// Server contains the HTTP dispatch surface configuration.
	Server ServerConfig `yaml:"server"`

	// Monitoring contains observability configuration.
	Monitoring MonitoringConfig `yaml:"monitoring"`

	// Runtime collaborators. Never loaded from files or the environment.
	Logger     *zap.Logger           `yaml:"-"`
	Clock      clock.Clock           `yaml:"-"`
	Boundary   compose.BoundaryFunc  `yaml:"-"`
	Registerer prometheus.Registerer `yaml:"-"`
	Transport  Transport             `yaml:"-"`
}

// ProviderConfig contains transport settings.
type ProviderConfig struct {
	// Type specifies the transport to use.
	Type ProviderType `yaml:"type"`

	// Settings holds the credentials and options of the transport. They are
	// read once when the transport is constructed.
	Settings ProviderSettings `yaml:"settings"`

	// Timeout bounds a single send.
	Timeout time.Duration `yaml:"timeout"`
}

// SenderConfig contains the From identity.
type SenderConfig struct {
	// Address is the sender email address. Gmail substitutes the authorized
	// account when empty.
	Address string `yaml:"address"`

	// Name is the display name.
	Name string `yaml:"name"`
}

// PacingConfig contains the inter-send wait.
type PacingConfig struct {
	// Interval is the wait between two consecutive sends.
	Interval time.Duration `yaml:"interval"`

	// Tick is how often the countdown is reported while waiting.
	Tick time.Duration `yaml:"tick"`
}

// InlineAssetConfig describes the inline logo resolved from disk.
type InlineAssetConfig struct {
	// Enabled indicates whether the asset is looked up at all.
	Enabled bool `yaml:"enabled"`

	// Dir is the directory holding the asset.
	Dir string `yaml:"dir"`

	// Name is the asset file name inside Dir.
	Name string `yaml:"name"`

	// Reference is the local path used in HTML bodies.
	Reference string `yaml:"reference"`

	// ContentID identifies the inline part.
	ContentID string `yaml:"content_id"`
}

// ServerConfig contains the HTTP surface configuration.
type ServerConfig struct {
	// Addr is the listen address.
	Addr string `yaml:"addr"`

	// MaxUploadBytes limits a multipart request body.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// DispatchRate limits single dispatch requests per second. Zero disables the limit.
	DispatchRate float64 `yaml:"dispatch_rate"`

	// DispatchBurst is the limiter burst.
	DispatchBurst int `yaml:"dispatch_burst"`

	// ReadHeaderTimeout bounds request header reads.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MonitoringConfig contains observability configuration.
type MonitoringConfig struct {
	// Tracing contains distributed tracing configuration.
	Tracing TracingConfig `yaml:"tracing"`

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig `yaml:"metrics"`

	// Logging contains logging configuration.
	Logging LoggingConfig `yaml:"logging"`
}

// TracingConfig contains distributed tracing configuration.
type TracingConfig struct {
	// Enabled indicates whether spans are recorded.
	Enabled bool `yaml:"enabled"`

	// ServiceName is the instrumentation scope name.
	ServiceName string `yaml:"service_name"`
}

// MetricsConfig contains metrics collection configuration.
type MetricsConfig struct {
	// Enabled indicates whether metrics collection is enabled.
	Enabled bool `yaml:"enabled"`

	// Namespace is the metrics namespace/prefix.
	Namespace string `yaml:"namespace"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `yaml:"level"`

	// Format is the log format (json, console).
	Format string `yaml:"format"`

	// Output is where to write logs (stdout, stderr, or file path).
	Output string `yaml:"output"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Provider: ProviderConfig{
			Type:     core.ProviderGmail,
			Settings: ProviderSettings{},
			Timeout:  30 * time.Second,
		},
		Pacing: PacingConfig{
			Interval: 60 * time.Second,
			Tick:     time.Second,
		},
		Signature: SignatureConfig{
			Enabled: true,
			Profile: SignatureProfile{
				LogoRef:    compose.DefaultAssetReference,
				LogoWidth:  95,
				LogoHeight: 96,
			},
		},
		InlineAsset: InlineAssetConfig{
			Enabled:   true,
			Dir:       "public",
			Name:      "logo.jpeg",
			Reference: compose.DefaultAssetReference,
			ContentID: compose.DefaultContentID,
		},
		Server: ServerConfig{
			Addr:              ":8080",
			MaxUploadBytes:    25 << 20,
			DispatchBurst:     1,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Monitoring: MonitoringConfig{
			Tracing: TracingConfig{
				Enabled:     true,
				ServiceName: "github.com/lattiq/bulkmail",
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "bulkmail",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stderr",
			},
		},
	}
}

// Validate checks if the configuration is valid and complete.
func (c *Config) Validate() error {
	if c.Transport == nil && !c.Provider.Type.Valid() {
		return &ValidationError{
			Field:   "provider.type",
			Message: "invalid or unsupported provider type: " + string(c.Provider.Type),
		}
	}

	if c.Provider.Timeout <= 0 {
		return &ValidationError{
			Field:   "provider.timeout",
			Message: "timeout must be greater than 0",
		}
	}

	if c.Pacing.Interval < 0 {
		return &ValidationError{
			Field:   "pacing.interval",
			Message: "interval must not be negative",
		}
	}

	if c.Pacing.Interval > 0 && c.Pacing.Tick <= 0 {
		return &ValidationError{
			Field:   "pacing.tick",
			Message: "tick must be greater than 0 when an interval is set",
		}
	}

	if c.InlineAsset.Enabled && (c.InlineAsset.Name == "" || !fs.ValidPath(c.InlineAsset.Name)) {
		return &ValidationError{
			Field:   "inline_asset.name",
			Message: "asset name must be a relative slash-separated path",
			Value:   c.InlineAsset.Name,
		}
	}

	if c.Server.MaxUploadBytes <= 0 {
		return &ValidationError{
			Field:   "server.max_upload_bytes",
			Message: "upload limit must be greater than 0",
		}
	}

	if c.Server.DispatchRate < 0 {
		return &ValidationError{
			Field:   "server.dispatch_rate",
			Message: "dispatch rate must not be negative",
		}
	}

	if _, err := zapcore.ParseLevel(c.Monitoring.Logging.Level); err != nil {
		return &ValidationError{
			Field:   "monitoring.logging.level",
			Message: "unknown log level",
			Value:   c.Monitoring.Logging.Level,
		}
	}

	return nil
}

// envConfig is the subset of configuration read from the environment.
type envConfig struct {
	Provider           string            `env:"MAIL_PROVIDER"`
	ProviderSettings   map[string]string `env:"MAIL_PROVIDER_SETTINGS"`
	GoogleClientID     string            `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string            `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRefreshToken string            `env:"GOOGLE_REFRESH_TOKEN"`
	SenderAddress      string            `env:"MAIL_FROM"`
	SenderName         string            `env:"MAIL_FROM_NAME"`
	PacingInterval     time.Duration     `env:"MAIL_PACING_INTERVAL"`
	SignatureFile      string            `env:"MAIL_SIGNATURE_FILE"`
	AssetDir           string            `env:"MAIL_ASSET_DIR"`
	ServerAddr         string            `env:"BULKMAIL_ADDR"`
	LogLevel           string            `env:"LOG_LEVEL"`
	LogFormat          string            `env:"LOG_FORMAT"`
}

// envFiles are loaded in order when present; existing variables win.
var envFiles = []string{".env.local", ".env"}

// LoadConfig builds a Config from defaults, an optional YAML file, dotenv
// files and the process environment, in that order of precedence.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("load %s: %w", file, err)
		}
	}

	var ec envConfig
	if err := env.Parse(&ec); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}
	ec.apply(&cfg)

	return cfg, cfg.Validate()
}

func (ec envConfig) apply(cfg *Config) {
	if ec.Provider != "" {
		cfg.Provider.Type = ProviderType(ec.Provider)
	}
	if cfg.Provider.Settings == nil {
		cfg.Provider.Settings = ProviderSettings{}
	}
	for k, v := range ec.ProviderSettings {
		cfg.Provider.Settings.Set(k, v)
	}
	if cfg.Provider.Type == core.ProviderGmail {
		setIfPresent(cfg.Provider.Settings, "client_id", ec.GoogleClientID)
		setIfPresent(cfg.Provider.Settings, "client_secret", ec.GoogleClientSecret)
		setIfPresent(cfg.Provider.Settings, "refresh_token", ec.GoogleRefreshToken)
	}
	if ec.SenderAddress != "" {
		cfg.Sender.Address = ec.SenderAddress
	}
	if ec.SenderName != "" {
		cfg.Sender.Name = ec.SenderName
	}
	if ec.PacingInterval > 0 {
		cfg.Pacing.Interval = ec.PacingInterval
	}
	if ec.SignatureFile != "" {
		cfg.Signature.File = ec.SignatureFile
	}
	if ec.AssetDir != "" {
		cfg.InlineAsset.Dir = ec.AssetDir
	}
	if ec.ServerAddr != "" {
		cfg.Server.Addr = ec.ServerAddr
	}
	if ec.LogLevel != "" {
		cfg.Monitoring.Logging.Level = ec.LogLevel
	}
	if ec.LogFormat != "" {
		cfg.Monitoring.Logging.Format = ec.LogFormat
	}
}

func setIfPresent(settings ProviderSettings, key, value string) {
	if value != "" {
		settings.Set(key, value)
	}
}
