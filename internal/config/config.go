// Package config loads the vaultwatch configuration from a YAML or TOML file,
// an optional .env file, VAULTWATCH_* environment variables and command-line
// flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. VAULTWATCH_RPC_URL.
const EnvPrefix = "VAULTWATCH"

// ReservedKeys are the console's control keys; key mappings may not use them.
const ReservedKeys = "qcpsf\\?"

// Config represents the complete application configuration
type Config struct {
	RPC       RPCConfig       `mapstructure:"rpc"`
	Contracts ContractsConfig `mapstructure:"contracts"`
	Urns      UrnsConfig      `mapstructure:"urns"`
	Ilks      IlksConfig      `mapstructure:"ilks"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// RPCConfig holds the chain endpoint and how hard vaultwatch may use it
type RPCConfig struct {
	URL             string        `mapstructure:"url" validate:"required,url"`
	CallTimeout     time.Duration `mapstructure:"call_timeout" validate:"gt=0"`
	RateLimit       float64       `mapstructure:"rate_limit" validate:"gte=0"`
	Burst           int           `mapstructure:"burst" validate:"gte=1"`
	EventsFromBlock uint64        `mapstructure:"events_from_block"`
}

// ContractsConfig holds protocol addresses. Vat and vox share the diamond.
type ContractsConfig struct {
	Diamond      string `mapstructure:"diamond" validate:"required,eth_addr"`
	Feedbase     string `mapstructure:"feedbase" validate:"required,eth_addr"`
	NFPM         string `mapstructure:"nfpm" validate:"required,eth_addr"`
	UniWrapper   string `mapstructure:"uniwrapper" validate:"required,eth_addr"`
	ReferenceSrc string `mapstructure:"reference_src" validate:"required,eth_addr"`
	ReferenceTag string `mapstructure:"reference_tag" validate:"required,max=32"`
}

// UrnsConfig names the monitored wallet and its vault classes
type UrnsConfig struct {
	Owner    string   `mapstructure:"owner" validate:"required,eth_addr"`
	Nickname string   `mapstructure:"nickname"`
	Ilks     []string `mapstructure:"ilks" validate:"min=1,dive,required,max=32"`
}

// KeyMapping binds a single console key to the class it toggles in the view.
// Bindings are a list so that keys keep their case through viper.
type KeyMapping struct {
	Key string `mapstructure:"key" validate:"required"`
	Ilk string `mapstructure:"ilk" validate:"required,max=32"`
}

// IlksConfig holds class selection key mappings
type IlksConfig struct {
	KeyMappings []KeyMapping `mapstructure:"key_mappings" validate:"dive"`
	PoolIlk     string       `mapstructure:"pool_ilk" validate:"required,max=32"`
}

// PipelineConfig holds polling behaviour
type PipelineConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	FailurePolicy  string        `mapstructure:"failure_policy" validate:"oneof=isolate abort"`
	MaxConcurrency int           `mapstructure:"max_concurrency" validate:"gte=1,lte=64"`
	MaxEvents      int           `mapstructure:"max_events" validate:"gte=1"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries" validate:"gte=0"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
	// SafetyAlert is the safety ratio under which an urn triggers an alert;
	// zero disables safety alerts.
	SafetyAlert float64 `mapstructure:"safety_alert" validate:"gte=0"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr"`
	Namespace string        `mapstructure:"namespace"`
	MaxAge    time.Duration `mapstructure:"max_age"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"rpc-url":        "rpc.url",
	"owner":          "urns.owner",
	"poll-interval":  "pipeline.poll_interval",
	"failure-policy": "pipeline.failure_policy",
	"log-level":      "logging.level",
	"log-file":       "logging.file",
	"metrics-addr":   "metrics.addr",
}

// Flags returns the command-line flags understood by LoadWithFlags.
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringP("config", "c", "configs/config.yaml", "Path to configuration file")
	fs.String("env-file", ".env", "Path to an optional .env file")
	fs.String("rpc-url", "", "Chain JSON-RPC endpoint")
	fs.String("owner", "", "Wallet whose urns are monitored")
	fs.Duration("poll-interval", 0, "Time between polling cycles")
	fs.String("failure-policy", "", "isolate or abort")
	fs.String("log-level", "", "debug, info, warn or error")
	fs.String("log-file", "", "Write logs to this file instead of stderr")
	fs.String("metrics-addr", "", "Listen address for /metrics and /healthz")
	fs.Bool("headless", false, "Poll without drawing the console")
	return fs
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	return load(path, "", nil)
}

// LoadWithFlags reads the file named by the config flag, the .env file named
// by env-file, the environment, and any flags that were set.
func LoadWithFlags(fs *pflag.FlagSet) (*Config, error) {
	path, err := fs.GetString("config")
	if err != nil {
		return nil, err
	}
	envFile, err := fs.GetString("env-file")
	if err != nil {
		return nil, err
	}
	return load(path, envFile, fs)
}

func load(path, envFile string, fs *pflag.FlagSet) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	v := viper.New()

	// Set config file
	v.SetConfigFile(path)

	// Set defaults
	setDefaults(v)

	// Enable environment variable override
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for flag, key := range flagKeys {
			f := fs.Lookup(flag)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", flag, err)
			}
		}
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// RPC defaults
	v.SetDefault("rpc.url", "")
	v.SetDefault("rpc.call_timeout", "10s")
	v.SetDefault("rpc.rate_limit", 20.0)
	v.SetDefault("rpc.burst", 10)
	v.SetDefault("rpc.events_from_block", 0)

	// Contract defaults
	v.SetDefault("contracts.reference_tag", "xau:usd")

	// Urn and ilk defaults
	v.SetDefault("urns.owner", "")
	v.SetDefault("urns.nickname", "")
	v.SetDefault("ilks.pool_ilk", ":uninft")

	// Pipeline defaults
	v.SetDefault("pipeline.poll_interval", "10s")
	v.SetDefault("pipeline.failure_policy", "isolate")
	v.SetDefault("pipeline.max_concurrency", 4)
	v.SetDefault("pipeline.max_events", 50)

	// Telegram defaults
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "2s")
	v.SetDefault("telegram.safety_alert", 0.0)

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", "127.0.0.1:9464")
	v.SetDefault("metrics.namespace", "vaultwatch")
	v.SetDefault("metrics.max_age", "5m")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 20)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 14)
}

var validate = newValidator()

// newValidator reports fields by their file keys rather than Go names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s failed %q validation (value %v)", fieldPath(fe.Namespace()), fe.Tag(), fe.Value())
		}
		return err
	}

	// Validate pipeline config
	if c.Pipeline.PollInterval < time.Second {
		return fmt.Errorf("pipeline.poll_interval must be at least 1 second")
	}
	if c.RPC.CallTimeout > c.Pipeline.PollInterval {
		return fmt.Errorf("rpc.call_timeout must not exceed pipeline.poll_interval")
	}

	// Validate key mappings
	bound := make(map[string]struct{}, len(c.Ilks.KeyMappings))
	for _, m := range c.Ilks.KeyMappings {
		if utf8.RuneCountInString(m.Key) != 1 {
			return fmt.Errorf("ilks.key_mappings key %q must be a single character", m.Key)
		}
		if strings.Contains(ReservedKeys, m.Key) {
			return fmt.Errorf("ilks.key_mappings key %q is reserved for console controls", m.Key)
		}
		if _, dup := bound[m.Key]; dup {
			return fmt.Errorf("ilks.key_mappings key %q is bound more than once", m.Key)
		}
		bound[m.Key] = struct{}{}
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Validate Metrics config
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// fieldPath turns a validator namespace such as Config.rpc.url into the
// dotted path used in the file.
func fieldPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	return strings.Join(parts, ".")
}

// Owner returns the monitored wallet address.
func (c *Config) Owner() common.Address {
	return common.HexToAddress(c.Urns.Owner)
}

// KnownIlks returns every class named by the configuration, sorted.
func (c *Config) KnownIlks() []string {
	seen := make(map[string]struct{})
	for _, ilk := range c.Urns.Ilks {
		seen[ilk] = struct{}{}
	}
	for _, m := range c.Ilks.KeyMappings {
		seen[m.Ilk] = struct{}{}
	}
	seen[c.Ilks.PoolIlk] = struct{}{}

	out := make([]string, 0, len(seen))
	for ilk := range seen {
		out = append(out, ilk)
	}
	sort.Strings(out)
	return out
}

// KeyBindings returns the console key bindings keyed by rune.
func (c *Config) KeyBindings() map[rune]string {
	out := make(map[rune]string, len(c.Ilks.KeyMappings))
	for _, m := range c.Ilks.KeyMappings {
		r, _ := utf8.DecodeRuneInString(m.Key)
		out[r] = m.Ilk
	}
	return out
}

// DisplayName returns the nickname of the monitored wallet, or its short
// address when none is set.
func (c *Config) DisplayName() string {
	if c.Urns.Nickname != "" {
		return c.Urns.Nickname
	}
	addr := c.Owner().Hex()
	return addr[:6] + "…" + addr[len(addr)-4:]
}
