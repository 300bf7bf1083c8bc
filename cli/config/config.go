package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/pithecene-io/stepwise/world/sim"
)

// Config represents a stepwise.yaml configuration file.
// All values are optional and act as defaults for stepwise serve and
// stepwise world flags. CLI flags always override config values.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	World   WorldConfig   `yaml:"world"`
	Step    StepConfig    `yaml:"step"`
	Reclaim ReclaimConfig `yaml:"reclaim"`
	Script  ScriptConfig  `yaml:"script"`
	Adapter AdapterConfig `yaml:"adapter"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig holds control server defaults.
type ServerConfig struct {
	Listen    string `yaml:"listen"`
	BodyLimit int64  `yaml:"body_limit"`
}

// WorldConfig holds world connection defaults. Sim configures the
// in-process world used by stepwise world and stepwise serve --sim.
type WorldConfig struct {
	Host        string     `yaml:"host"`
	Port        int        `yaml:"port"`
	Username    string     `yaml:"username"`
	DialTimeout Duration   `yaml:"dial_timeout"`
	Sim         sim.Config `yaml:"sim"`
}

// StepConfig holds step execution defaults.
type StepConfig struct {
	WaitTicks  int         `yaml:"wait_ticks"`
	BufferSize int         `yaml:"buffer_size"`
	Stuck      StuckConfig `yaml:"stuck"`
}

// StuckConfig tunes stuck detection.
type StuckConfig struct {
	Threshold   int     `yaml:"threshold"`
	Distance    float64 `yaml:"distance"`
	HistorySize int     `yaml:"history_size"`
}

// ReclaimConfig holds end-of-step reclamation rules.
type ReclaimConfig struct {
	Fixtures      []string `yaml:"fixtures,omitempty"`
	StorageItem   string   `yaml:"storage_item"`
	HighWaterMark int      `yaml:"high_water_mark"`
	RetainItems   []string `yaml:"retain_items,omitempty"`
	SearchRadius  int      `yaml:"search_radius"`
}

// ScriptConfig tunes the step VM.
type ScriptConfig struct {
	// LibraryDir holds extra .lua files loaded after the bundled helpers,
	// in lexical order.
	LibraryDir    string `yaml:"library_dir"`
	CallStackSize int    `yaml:"call_stack_size"`
	RegistrySize  int    `yaml:"registry_size"`
}

// AdapterConfig holds adapter defaults from the config file.
type AdapterConfig struct {
	Type            string            `yaml:"type"`
	URL             string            `yaml:"url"`
	Channel         string            `yaml:"channel,omitempty"`
	SessionChannels bool              `yaml:"session_channels,omitempty"`
	Headers         map[string]string `yaml:"headers,omitempty"`
	Secret          string            `yaml:"secret,omitempty"`
	Timeout         Duration          `yaml:"timeout,omitempty"`
	Retries         *int              `yaml:"retries,omitempty"`
	// Backoff is the first retry delay. It doubles per retry.
	Backoff Duration `yaml:"backoff,omitempty"`
}

// LogConfig holds logging defaults.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Adapter types.
const (
	AdapterWebhook = "webhook"
	AdapterRedis   = "redis"
)

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Validate reports invalid values and combinations. All problems are
// returned joined.
func (c *Config) Validate() error {
	var errs []error
	if c.World.Port < 0 || c.World.Port > 65535 {
		errs = append(errs, fmt.Errorf("world.port out of range: %d", c.World.Port))
	}
	if c.World.DialTimeout.Duration < 0 {
		errs = append(errs, errors.New("world.dial_timeout must be >= 0"))
	}
	if c.Server.BodyLimit < 0 {
		errs = append(errs, errors.New("server.body_limit must be >= 0"))
	}
	if c.Step.WaitTicks < 0 {
		errs = append(errs, fmt.Errorf("step.wait_ticks must be >= 0, got %d", c.Step.WaitTicks))
	}
	if c.Step.BufferSize < 0 {
		errs = append(errs, fmt.Errorf("step.buffer_size must be >= 0, got %d", c.Step.BufferSize))
	}
	if c.Step.Stuck.Threshold < 0 || c.Step.Stuck.Distance < 0 {
		errs = append(errs, errors.New("step.stuck values must be >= 0"))
	}
	if c.Reclaim.HighWaterMark < 0 || c.Reclaim.SearchRadius < 0 {
		errs = append(errs, errors.New("reclaim values must be >= 0"))
	}

	switch c.Adapter.Type {
	case "":
		if c.Adapter.URL != "" {
			errs = append(errs, errors.New("adapter.url set without adapter.type"))
		}
	case AdapterWebhook, AdapterRedis:
		if c.Adapter.URL == "" {
			errs = append(errs, fmt.Errorf("adapter.url is required for %s adapter", c.Adapter.Type))
		}
		if c.Adapter.Type == AdapterWebhook && (c.Adapter.Channel != "" || c.Adapter.SessionChannels) {
			errs = append(errs, errors.New("adapter.channel and adapter.session_channels apply to the redis adapter only"))
		}
		if c.Adapter.Type == AdapterRedis && (len(c.Adapter.Headers) > 0 || c.Adapter.Secret != "") {
			errs = append(errs, errors.New("adapter.headers and adapter.secret apply to the webhook adapter only"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown adapter.type %q (want %s or %s)", c.Adapter.Type, AdapterWebhook, AdapterRedis))
	}
	if c.Adapter.Retries != nil && *c.Adapter.Retries < 0 {
		errs = append(errs, errors.New("adapter.retries must be >= 0"))
	}
	if c.Adapter.Timeout.Duration < 0 || c.Adapter.Backoff.Duration < 0 {
		errs = append(errs, errors.New("adapter.timeout and adapter.backoff must be >= 0"))
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log.level %q", c.Log.Level))
	}
	return errors.Join(errs...)
}
