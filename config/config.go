package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/samber/lo"
	"github.com/web3tea/dvm-relay/capture"
	"gopkg.in/yaml.v3"
)

type Config struct {
	AppName  string `json:"app_name" yaml:"app_name" toml:"app_name"`
	Version  string `json:"version" yaml:"version" toml:"version"`
	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`

	State    StateConfig    `json:"state" yaml:"state" toml:"state"`
	Platform PlatformConfig `json:"platform" yaml:"platform" toml:"platform"`
	Process  ProcessConfig  `json:"process" yaml:"process" toml:"process"`
	Relay    RelayConfig    `json:"relay" yaml:"relay" toml:"relay"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics" toml:"metrics"`
}

type StateConfig struct {
	Type string `json:"type" yaml:"type" toml:"type"` // file, postgres
	Path string `json:"path" yaml:"path" toml:"path"`
	DSN  string `json:"dsn" yaml:"dsn" toml:"dsn"`
	// Table and Key locate the state row in postgres
	Table string `json:"table" yaml:"table" toml:"table"`
	Key   string `json:"key" yaml:"key" toml:"key"`
}

type PlatformConfig struct {
	Type     string                 `json:"type" yaml:"type" toml:"type"` // console, discord, telegram
	Discord  DiscordPlatformConfig  `json:"discord" yaml:"discord" toml:"discord"`
	Telegram TelegramPlatformConfig `json:"telegram" yaml:"telegram" toml:"telegram"`
	Console  ConsolePlatformConfig  `json:"console" yaml:"console" toml:"console"`
}

type DiscordPlatformConfig struct {
	Token string `json:"token" yaml:"token" toml:"token"`
}

type TelegramPlatformConfig struct {
	Token string `json:"token" yaml:"token" toml:"token"`
	// Admins may always set up and remove chats
	Admins []int64 `json:"admins" yaml:"admins" toml:"admins"`
}

type ConsolePlatformConfig struct {
	MaxLength int  `json:"max_length" yaml:"max_length" toml:"max_length"`
	Color     bool `json:"color" yaml:"color" toml:"color"`
}

type ProcessConfig struct {
	Type   string               `json:"type" yaml:"type" toml:"type"` // docker, pty
	Docker capture.DockerConfig `json:"docker" yaml:"docker" toml:"docker"`
	PTY    capture.PTYConfig    `json:"pty" yaml:"pty" toml:"pty"`
}

type RelayConfig struct {
	Debounce        Duration `json:"debounce" yaml:"debounce" toml:"debounce"`
	MaxDelay        Duration `json:"max_delay" yaml:"max_delay" toml:"max_delay"`
	FlushTimeout    Duration `json:"flush_timeout" yaml:"flush_timeout" toml:"flush_timeout"`
	MaxFlushRetries int      `json:"max_flush_retries" yaml:"max_flush_retries" toml:"max_flush_retries"`
	ReadBufferSize  int      `json:"read_buffer_size" yaml:"read_buffer_size" toml:"read_buffer_size"`
	CommandPrefix   string   `json:"command_prefix" yaml:"command_prefix" toml:"command_prefix"`
	DeleteInput     bool     `json:"delete_input" yaml:"delete_input" toml:"delete_input"`
	AutoRegister    []string `json:"auto_register" yaml:"auto_register" toml:"auto_register"`
}

type MetricsConfig struct {
	// Address to serve /metrics on, e.g. ":9090". Empty disables it.
	Address string `json:"address" yaml:"address" toml:"address"`
}

// Duration is a time.Duration written as "500ms", "10s".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig

	switch {
	case strings.HasSuffix(path, ".json"):
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case strings.HasSuffix(path, ".toml"):
		if _, err := toml.Decode(string(data), &config); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", path)
	}

	config.applyEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Load reads path, or returns the defaults when path is empty.
func Load(path string) (*Config, error) {
	if path != "" {
		return LoadFromFile(path)
	}
	config := DefaultConfig
	config.applyEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyEnv() {
	if c.Platform.Discord.Token == "" {
		c.Platform.Discord.Token = os.Getenv("DISCORD_TOKEN")
	}
	if c.Platform.Telegram.Token == "" {
		c.Platform.Telegram.Token = os.Getenv("TELEGRAM_TOKEN")
	}
}

var (
	platformTypes = []string{"console", "discord", "telegram"}
	processTypes  = []string{"docker", "pty"}
	stateTypes    = []string{"file", "postgres"}
)

func (c *Config) Validate() error {
	var errs []error

	if !lo.Contains(platformTypes, c.Platform.Type) {
		errs = append(errs, fmt.Errorf("unsupported platform type: %q", c.Platform.Type))
	}
	switch c.Platform.Type {
	case "discord":
		if c.Platform.Discord.Token == "" {
			errs = append(errs, errors.New("discord token is required (platform.discord.token or DISCORD_TOKEN)"))
		}
	case "telegram":
		if c.Platform.Telegram.Token == "" {
			errs = append(errs, errors.New("telegram token is required (platform.telegram.token or TELEGRAM_TOKEN)"))
		}
	case "console":
		if c.Platform.Console.MaxLength <= 0 {
			errs = append(errs, errors.New("platform.console.max_length must be positive"))
		}
	}

	if !lo.Contains(processTypes, c.Process.Type) {
		errs = append(errs, fmt.Errorf("unsupported process type: %q", c.Process.Type))
	}

	if !lo.Contains(stateTypes, c.State.Type) {
		errs = append(errs, fmt.Errorf("unsupported state type: %q", c.State.Type))
	}
	if c.State.Type == "file" && c.State.Path == "" {
		errs = append(errs, errors.New("state.path is required for file state"))
	}
	if c.State.Type == "postgres" && c.State.DSN == "" {
		errs = append(errs, errors.New("state.dsn is required for postgres state"))
	}

	if c.Relay.Debounce <= 0 {
		errs = append(errs, errors.New("relay.debounce must be positive"))
	}
	if c.Relay.MaxDelay < 0 {
		errs = append(errs, errors.New("relay.max_delay must not be negative"))
	}
	if c.Relay.FlushTimeout <= 0 {
		errs = append(errs, errors.New("relay.flush_timeout must be positive"))
	}
	if c.Relay.MaxFlushRetries < 0 {
		errs = append(errs, errors.New("relay.max_flush_retries must not be negative"))
	}
	if c.Relay.ReadBufferSize < 4 {
		errs = append(errs, errors.New("relay.read_buffer_size must be at least 4"))
	}
	if c.Relay.CommandPrefix == "" {
		errs = append(errs, errors.New("relay.command_prefix must not be empty"))
	}

	return errors.Join(errs...)
}

var DefaultConfig = Config{
	AppName:  "dvm-relay",
	Version:  "0.1.0",
	LogLevel: "info",
	State: StateConfig{
		Type:  "file",
		Path:  "config.json",
		Table: "dvm_relay_state",
		Key:   "default",
	},
	Platform: PlatformConfig{
		Type: "discord",
		Console: ConsolePlatformConfig{
			MaxLength: 2000,
			Color:     true,
		},
	},
	Process: ProcessConfig{
		Type: "docker",
	},
	Relay: RelayConfig{
		Debounce:        Duration(500 * time.Millisecond),
		MaxDelay:        0,
		FlushTimeout:    Duration(10 * time.Second),
		MaxFlushRetries: 3,
		ReadBufferSize:  4096,
		CommandPrefix:   "!",
		DeleteInput:     true,
	},
}
