package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joshp123/pecronhub/internal/pecron"
)

const (
	SchemaVersion          = 1
	DefaultPath            = "/etc/pecronhub/config.yaml"
	DefaultGRPCAddr        = "0.0.0.0:9000"
	DefaultHTTPAddr        = "0.0.0.0:8080"
	DefaultLogLevel        = "info"
	DefaultPollInterval    = 10 * time.Minute
	MinPollInterval        = time.Minute
	MaxPollInterval        = 60 * time.Minute
	DefaultSettleWindow    = 20 * time.Second
	DefaultFetchAttempts   = 3
	DefaultMaxConcurrent   = 4
	DefaultSchemaTTL       = 24 * time.Hour
	DefaultRatePerMinute   = 60
	DefaultRequestTimeout  = 15 * time.Second
	DefaultTopicPrefix     = "pecronhub"
	DefaultDiscoveryPrefix = "homeassistant"
)

var DefaultConfirmDelays = []time.Duration{5 * time.Second, 15 * time.Second}

var accountIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

type Config struct {
	SchemaVersion int             `yaml:"schema_version"`
	Core          CoreConfig      `yaml:"core"`
	Tuning        TuningConfig    `yaml:"tuning"`
	MQTT          *MQTTConfig     `yaml:"mqtt"`
	Accounts      []AccountConfig `yaml:"accounts"`
}

type CoreConfig struct {
	GRPCAddr      string `yaml:"grpc_addr"`
	HTTPAddr      string `yaml:"http_addr"`
	LogLevel      string `yaml:"log_level"`
	DashboardsDir string `yaml:"dashboards_dir"`
}

type TuningConfig struct {
	SettleWindow         time.Duration   `yaml:"settle_window"`
	ConfirmDelays        []time.Duration `yaml:"confirm_delays"`
	FetchAttempts        int             `yaml:"fetch_attempts"`
	MaxConcurrentFetches int             `yaml:"max_concurrent_fetches"`
	SchemaTTL            *time.Duration  `yaml:"schema_ttl"`
	RatePerMinute        *int            `yaml:"rate_per_minute"`
	RequestTimeout       time.Duration   `yaml:"request_timeout"`
}

type MQTTConfig struct {
	Broker          string `yaml:"broker"`
	ClientID        string `yaml:"client_id"`
	Username        string `yaml:"username"`
	PasswordFile    string `yaml:"password_file"`
	TopicPrefix     string `yaml:"topic_prefix"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

type AccountConfig struct {
	ID           string        `yaml:"id"`
	Email        string        `yaml:"email"`
	Password     string        `yaml:"password"`
	PasswordFile string        `yaml:"password_file"`
	Region       string        `yaml:"region"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BaseURL      string        `yaml:"base_url"`
}

// Load parses the YAML config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Core.GRPCAddr == "" {
		cfg.Core.GRPCAddr = DefaultGRPCAddr
	}
	if cfg.Core.HTTPAddr == "" {
		cfg.Core.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.Core.LogLevel == "" {
		cfg.Core.LogLevel = DefaultLogLevel
	}

	t := &cfg.Tuning
	if t.SettleWindow == 0 {
		t.SettleWindow = DefaultSettleWindow
	}
	if t.ConfirmDelays == nil {
		t.ConfirmDelays = append([]time.Duration(nil), DefaultConfirmDelays...)
	}
	if t.FetchAttempts == 0 {
		t.FetchAttempts = DefaultFetchAttempts
	}
	if t.MaxConcurrentFetches == 0 {
		t.MaxConcurrentFetches = DefaultMaxConcurrent
	}
	if t.SchemaTTL == nil {
		ttl := DefaultSchemaTTL
		t.SchemaTTL = &ttl
	}
	if t.RatePerMinute == nil {
		rate := DefaultRatePerMinute
		t.RatePerMinute = &rate
	}
	if t.RequestTimeout == 0 {
		t.RequestTimeout = DefaultRequestTimeout
	}

	if cfg.MQTT != nil {
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = "pecronhub"
		}
		if cfg.MQTT.TopicPrefix == "" {
			cfg.MQTT.TopicPrefix = DefaultTopicPrefix
		}
		if cfg.MQTT.DiscoveryPrefix == "" {
			cfg.MQTT.DiscoveryPrefix = DefaultDiscoveryPrefix
		}
	}

	for i := range cfg.Accounts {
		a := &cfg.Accounts[i]
		if a.Region == "" {
			a.Region = string(pecron.DefaultRegion)
		}
		a.Region = strings.ToUpper(a.Region)
		if a.PollInterval == 0 {
			a.PollInterval = DefaultPollInterval
		}
	}
}

// Validate enforces invariants the YAML types cannot express.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if cfg.SchemaVersion != SchemaVersion {
		return fmt.Errorf("schema_version must be %d", SchemaVersion)
	}
	if cfg.Core.GRPCAddr == "" {
		return fmt.Errorf("core.grpc_addr is required")
	}
	if cfg.Core.HTTPAddr == "" {
		return fmt.Errorf("core.http_addr is required")
	}

	t := cfg.Tuning
	if t.SettleWindow < 0 || t.SettleWindow > 5*time.Minute {
		return fmt.Errorf("tuning.settle_window must be between 0 and 5m")
	}
	for _, delay := range t.ConfirmDelays {
		if delay <= 0 || delay >= t.SettleWindow {
			return fmt.Errorf("tuning.confirm_delays must be positive and shorter than settle_window (%s)", t.SettleWindow)
		}
	}
	if t.FetchAttempts < 1 || t.FetchAttempts > 10 {
		return fmt.Errorf("tuning.fetch_attempts must be between 1 and 10")
	}
	if t.MaxConcurrentFetches < 1 {
		return fmt.Errorf("tuning.max_concurrent_fetches must be positive")
	}
	if *t.SchemaTTL < 0 {
		return fmt.Errorf("tuning.schema_ttl must not be negative")
	}
	if *t.RatePerMinute < 0 {
		return fmt.Errorf("tuning.rate_per_minute must not be negative")
	}

	if cfg.MQTT != nil && cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}

	if len(cfg.Accounts) == 0 {
		return fmt.Errorf("at least one account is required")
	}
	seen := make(map[string]bool)
	for _, a := range cfg.Accounts {
		if !accountIDPattern.MatchString(a.ID) {
			return fmt.Errorf("account id %q does not match %s", a.ID, accountIDPattern.String())
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate account id: %s", a.ID)
		}
		seen[a.ID] = true
		if a.Email == "" {
			return fmt.Errorf("accounts.%s.email is required", a.ID)
		}
		if (a.Password == "") == (a.PasswordFile == "") {
			return fmt.Errorf("accounts.%s: exactly one of password or password_file is required", a.ID)
		}
		if _, err := pecron.ParseRegion(a.Region); err != nil {
			return fmt.Errorf("accounts.%s: %w", a.ID, err)
		}
		if a.PollInterval < MinPollInterval || a.PollInterval > MaxPollInterval {
			return fmt.Errorf("accounts.%s.poll_interval must be between %s and %s", a.ID, MinPollInterval, MaxPollInterval)
		}
	}
	return nil
}

// ResolvePassword returns the inline password or the trimmed contents of
// password_file.
func (a AccountConfig) ResolvePassword() (string, error) {
	if a.Password != "" {
		return a.Password, nil
	}
	return readSecret(a.PasswordFile)
}

// ResolvePassword returns the broker password, empty when none is set.
func (m MQTTConfig) ResolvePassword() (string, error) {
	if m.PasswordFile == "" {
		return "", nil
	}
	return readSecret(m.PasswordFile)
}

func readSecret(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read secret file: %w", err)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", fmt.Errorf("secret file %s is empty", path)
	}
	return secret, nil
}
