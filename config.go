package evengine

import (
	"io"
	"os"
	"time"

	"github.com/joeycumines/logiface"
	"gopkg.in/yaml.v3"
)

// Config is the file form of the Source options.
type Config struct {
	Backend          BackendKind   `yaml:"backend"`
	LogLevel         string        `yaml:"log_level"`
	PollDelay        time.Duration `yaml:"poll_delay"`
	SpinDelay        time.Duration `yaml:"spin_delay"`
	ProcPollInterval time.Duration `yaml:"proc_poll_interval"`
	MaxEvents        int           `yaml:"max_events"`
	SoftwareTimers   bool          `yaml:"software_timers"`
	ConcurrentTimers bool          `yaml:"concurrent_timers"`
}

// DefaultConfig returns the configuration equivalent to no options.
func DefaultConfig() *Config {
	return &Config{
		Backend:          BackendAuto,
		LogLevel:         logiface.LevelDisabled.String(),
		PollDelay:        defaultPollDelay,
		SpinDelay:        defaultSpinDelay,
		ProcPollInterval: defaultProcPollInterval,
		MaxEvents:        defaultMaxEvents,
	}
}

// LoadConfig reads a YAML config file. Unset keys keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML config. Unset keys keep their defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Options converts the config to Source options. Logs are written as JSON
// to logOutput, unless the level is disabled or logOutput is nil.
func (c *Config) Options(logOutput io.Writer) ([]Option, error) {
	opts := []Option{
		WithBackend(c.Backend),
		WithSoftwareTimers(c.SoftwareTimers),
		WithConcurrentTimers(c.ConcurrentTimers),
	}
	if c.PollDelay != 0 {
		opts = append(opts, WithPollDelay(c.PollDelay))
	}
	if c.SpinDelay != 0 {
		opts = append(opts, WithSpinDelay(c.SpinDelay))
	}
	if c.ProcPollInterval != 0 {
		opts = append(opts, WithProcPollInterval(c.ProcPollInterval))
	}
	if c.MaxEvents != 0 {
		opts = append(opts, WithMaxEvents(c.MaxEvents))
	}
	if c.LogLevel != "" {
		level, err := ParseLogLevel(c.LogLevel)
		if err != nil {
			return nil, err
		}
		if level.Enabled() && logOutput != nil {
			opts = append(opts, WithLogger(NewJSONLogger(logOutput, level)))
		}
	}
	return opts, nil
}
