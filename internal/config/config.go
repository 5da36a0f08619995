// Package config loads the server's optional runtime tuning file:
// poller cadence, the operation-queue config-key allowlist, and
// concurrency caps. None of it is required — Load returns sensible
// defaults when path is empty or the file doesn't exist.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the tunables a deployment may want to override without
// recompiling. Load always returns one with defaults filled in.
type Config struct {
	Poller      PollerConfig `yaml:"poller"`
	Operations  OpConfig     `yaml:"operations"`
	Concurrency int          `yaml:"cat_concurrency"`
}

// PollerConfig controls §4.F's adaptive cadence.
type PollerConfig struct {
	FocusedInterval   Duration `yaml:"focused_interval"`
	VisibleInterval   Duration `yaml:"visible_interval"`
	HiddenInterval    Duration `yaml:"hidden_interval"`
	FocusSpamWindow   Duration `yaml:"focus_spam_window"`
	HoldOffRefresh    Duration `yaml:"hold_off_refresh"`
	IgnorePatternFile string   `yaml:"ignore_pattern_file"`
}

// OpConfig controls §4.E's arg-normalization allowlist.
type OpConfig struct {
	ConfigKeyAllowlist []string `yaml:"config_key_allowlist"`
	RejectedCommands   []string `yaml:"rejected_commands"`
}

// Duration wraps time.Duration for YAML unmarshaling from strings like
// "10s". Mirrors the teacher's settings.Duration idiom.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// defaultConfigKeyAllowlist covers the config keys §4.C's fetches and
// the operation queue's tokenized args are known to need.
var defaultConfigKeyAllowlist = []string{
	"paths.default",
	"ui.allowemptycommit",
	"experimental.graphstyle.grandparent",
	"templatealias.sl_smartlog",
}

var defaultRejectedCommands = []string{"debugsh", "debugpython", "serve"}

// Default returns the cadence/allowlist defaults described in spec.md
// §4.F and §4.E.
func Default() *Config {
	return &Config{
		Poller: PollerConfig{
			FocusedInterval: Duration(20 * time.Second),
			VisibleInterval: Duration(60 * time.Second),
			HiddenInterval:  Duration(10 * time.Minute),
			FocusSpamWindow: Duration(15 * time.Second),
			HoldOffRefresh:  Duration(10 * time.Second),
		},
		Operations: OpConfig{
			ConfigKeyAllowlist: append([]string(nil), defaultConfigKeyAllowlist...),
			RejectedCommands:   append([]string(nil), defaultRejectedCommands...),
		},
		Concurrency: 4,
	}
}

// Load reads a YAML tuning file at path, overlaying it on Default().
// An empty path or a missing file is not an error — it yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if len(cfg.Operations.ConfigKeyAllowlist) == 0 {
		cfg.Operations.ConfigKeyAllowlist = append([]string(nil), defaultConfigKeyAllowlist...)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return cfg, nil
}

// AllowsConfigKey reports whether key is on the operation queue's
// allowlist for config{key,value} tokens (§4.E).
func (c *Config) AllowsConfigKey(key string) bool {
	for _, k := range c.Operations.ConfigKeyAllowlist {
		if k == key {
			return true
		}
	}
	return false
}

// RejectsCommand reports whether name is a blanket-rejected command
// (e.g. "debugsh").
func (c *Config) RejectsCommand(name string) bool {
	for _, n := range c.Operations.RejectedCommands {
		if n == name {
			return true
		}
	}
	return false
}
