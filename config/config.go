package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"merkledrop/core/epoch"
)

var classPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Duration wraps time.Duration so TOML and YAML files can use strings such as
// "15s".
type Duration struct {
	time.Duration
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// Config captures the runtime configuration of the merkledrop tool.
type Config struct {
	Environment string `toml:"Environment" yaml:"environment"`
	DataDir     string `toml:"DataDir" yaml:"data_dir"`
	ChainID     uint64 `toml:"ChainID" yaml:"chain_id"`
	// Concurrency bounds parallel per-class builds. Zero means one worker
	// per class.
	Concurrency int `toml:"Concurrency" yaml:"concurrency"`

	// TokenClasses maps a class name to the token it distributes. Classes
	// listed here are the ones built by default.
	TokenClasses map[string]string `toml:"TokenClasses" yaml:"token_classes"`

	Epoch     EpochConfig     `toml:"epoch" yaml:"epoch"`
	Snapshots SnapshotConfig  `toml:"snapshots" yaml:"snapshots"`
	Registry  RegistryConfig  `toml:"registry" yaml:"registry"`
	Publisher PublisherConfig `toml:"publisher" yaml:"publisher"`
	Webhook   WebhookConfig   `toml:"webhook" yaml:"webhook"`
	Logging   LoggingConfig   `toml:"logging" yaml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
	Metrics   MetricsConfig   `toml:"metrics" yaml:"metrics"`
}

// EpochConfig anchors window indices to calendar months.
type EpochConfig struct {
	Genesis       string `toml:"Genesis" yaml:"genesis"`
	GenesisWindow uint64 `toml:"GenesisWindow" yaml:"genesis_window"`
}

// SnapshotConfig selects the key-value backend holding cumulative snapshots.
type SnapshotConfig struct {
	Backend string `toml:"Backend" yaml:"backend"`
	Path    string `toml:"Path" yaml:"path"`
}

// RegistryConfig configures the publication registry database.
type RegistryConfig struct {
	DSN string `toml:"DSN" yaml:"dsn"`
}

// PublisherConfig configures uploads to an IPFS-compatible API.
type PublisherConfig struct {
	Enabled     bool     `toml:"Enabled" yaml:"enabled"`
	Endpoint    string   `toml:"Endpoint" yaml:"endpoint"`
	Token       string   `toml:"Token" yaml:"token"`
	TokenEnv    string   `toml:"TokenEnv" yaml:"token_env"`
	TokenFile   string   `toml:"TokenFile" yaml:"token_file"`
	MaxAttempts int      `toml:"MaxAttempts" yaml:"max_attempts"`
	Timeout     Duration `toml:"Timeout" yaml:"timeout"`
	// Confirm prompts on the terminal before uploading.
	Confirm bool `toml:"Confirm" yaml:"confirm"`
}

// WebhookConfig configures event notifications.
type WebhookConfig struct {
	Endpoint    string   `toml:"Endpoint" yaml:"endpoint"`
	Secret      string   `toml:"Secret" yaml:"secret"`
	SecretEnv   string   `toml:"SecretEnv" yaml:"secret_env"`
	SecretFile  string   `toml:"SecretFile" yaml:"secret_file"`
	MaxAttempts int      `toml:"MaxAttempts" yaml:"max_attempts"`
	MinBackoff  Duration `toml:"MinBackoff" yaml:"min_backoff"`
	MaxBackoff  Duration `toml:"MaxBackoff" yaml:"max_backoff"`
}

// Enabled reports whether webhook delivery is configured.
func (w WebhookConfig) Enabled() bool { return strings.TrimSpace(w.Endpoint) != "" }

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level      string `toml:"Level" yaml:"level"`
	File       string `toml:"File" yaml:"file"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"max_size_mb"`
	MaxBackups int    `toml:"MaxBackups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"MaxAgeDays" yaml:"max_age_days"`
}

// TelemetryConfig controls OTLP trace export.
type TelemetryConfig struct {
	Enabled  bool   `toml:"Enabled" yaml:"enabled"`
	Endpoint string `toml:"Endpoint" yaml:"endpoint"`
	Insecure bool   `toml:"Insecure" yaml:"insecure"`
	Headers  string `toml:"Headers" yaml:"headers"`
}

// MetricsConfig controls the Prometheus textfile dump.
type MetricsConfig struct {
	Textfile string `toml:"Textfile" yaml:"textfile"`
}

// Option adjusts a decoded configuration before defaults are applied.
type Option func(*Config)

// WithDataDir overrides the data directory. Paths left unset in the file are
// then derived from dir.
func WithDataDir(dir string) Option {
	return func(c *Config) {
		if dir = strings.TrimSpace(dir); dir != "" {
			c.DataDir = dir
		}
	}
}

// Default returns the configuration used when no file is supplied.
func Default(opts ...Option) *Config {
	cfg := &Config{}
	for _, opt := range opts {
		opt(cfg)
	}
	applyDefaults(cfg)
	return cfg
}

// Load reads configuration from path. Files ending in .yaml or .yml are
// parsed as YAML, everything else as TOML. Unknown keys are rejected.
func Load(path string, opts ...Option) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	default:
		meta, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, key := range undecoded {
				keys[i] = key.String()
			}
			return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
		}
	}
	for _, opt := range opts {
		opt(cfg)
	}
	applyDefaults(cfg)
	if err := cfg.Publisher.normalise(); err != nil {
		return nil, fmt.Errorf("publisher: %w", err)
	}
	if err := cfg.Webhook.normalise(); err != nil {
		return nil, fmt.Errorf("webhook: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "local"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./merkledrop-data"
	}
	if cfg.TokenClasses == nil {
		cfg.TokenClasses = map[string]string{}
	}
	if cfg.Snapshots.Backend == "" {
		cfg.Snapshots.Backend = "leveldb"
	}
	if cfg.Snapshots.Path == "" && cfg.Snapshots.Backend != "memory" {
		name := "snapshots"
		if cfg.Snapshots.Backend == "bolt" || cfg.Snapshots.Backend == "bbolt" {
			name = "snapshots.db"
		}
		cfg.Snapshots.Path = filepath.Join(cfg.DataDir, name)
	}
	if cfg.Registry.DSN == "" {
		cfg.Registry.DSN = filepath.Join(cfg.DataDir, "registry.sqlite")
	}
	if cfg.Publisher.MaxAttempts <= 0 {
		cfg.Publisher.MaxAttempts = 3
	}
	if cfg.Publisher.Timeout.Duration == 0 {
		cfg.Publisher.Timeout.Duration = 30 * time.Second
	}
	if cfg.Webhook.MaxAttempts <= 0 {
		cfg.Webhook.MaxAttempts = 5
	}
	if cfg.Webhook.MinBackoff.Duration == 0 {
		cfg.Webhook.MinBackoff.Duration = 2 * time.Second
	}
	if cfg.Webhook.MaxBackoff.Duration == 0 {
		cfg.Webhook.MaxBackoff.Duration = 30 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4318"
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative")
	}
	for _, class := range c.Classes() {
		if !classPattern.MatchString(class) {
			return fmt.Errorf("token class %q: use lowercase letters, digits, '-' or '_'", class)
		}
		if token := c.TokenClasses[class]; token != "" && !common.IsHexAddress(token) {
			return fmt.Errorf("token class %s: invalid token address %q", class, token)
		}
	}
	if err := c.EpochConfig().Validate(); err != nil {
		return err
	}
	switch c.Snapshots.Backend {
	case "memory", "leveldb", "bolt", "bbolt":
	default:
		return fmt.Errorf("snapshots: unknown backend %q", c.Snapshots.Backend)
	}
	if c.Publisher.Enabled && strings.TrimSpace(c.Publisher.Endpoint) == "" {
		return fmt.Errorf("publisher: endpoint must be configured when enabled")
	}
	if c.Webhook.Enabled() && c.Webhook.Secret == "" {
		return fmt.Errorf("webhook: secret must be configured with an endpoint")
	}
	if c.Webhook.MaxBackoff.Duration < c.Webhook.MinBackoff.Duration {
		return fmt.Errorf("webhook: max_backoff < min_backoff")
	}
	return nil
}

// Classes returns the configured token classes in sorted order.
func (c *Config) Classes() []string {
	out := make([]string, 0, len(c.TokenClasses))
	for class := range c.TokenClasses {
		out = append(out, class)
	}
	sort.Strings(out)
	return out
}

// EpochConfig converts the epoch section into its runtime form.
func (c *Config) EpochConfig() epoch.Config {
	return epoch.Config{Genesis: epoch.Key(strings.TrimSpace(c.Epoch.Genesis)), GenesisWindow: c.Epoch.GenesisWindow}
}

func (p *PublisherConfig) normalise() error {
	p.Endpoint = strings.TrimSpace(p.Endpoint)
	token, err := resolveSecret(p.Token, p.TokenEnv, p.TokenFile)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	p.Token = token
	return nil
}

func (w *WebhookConfig) normalise() error {
	w.Endpoint = strings.TrimSpace(w.Endpoint)
	secret, err := resolveSecret(w.Secret, w.SecretEnv, w.SecretFile)
	if err != nil {
		return fmt.Errorf("secret: %w", err)
	}
	w.Secret = secret
	return nil
}

// resolveSecret prefers an inline value, then an environment variable, then a
// file.
func resolveSecret(value, envName, file string) (string, error) {
	if value = strings.TrimSpace(value); value != "" {
		return value, nil
	}
	if envName = strings.TrimSpace(envName); envName != "" {
		resolved := strings.TrimSpace(os.Getenv(envName))
		if resolved == "" {
			return "", fmt.Errorf("environment variable %s is empty", envName)
		}
		return resolved, nil
	}
	if file = strings.TrimSpace(file); file != "" {
		contents, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", file, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	return "", nil
}
