package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cyntrisec/confidential-ml-pipeline/pipeline/transport"
)

// Bundle holds runtime configuration loadable from a YAML file: lifecycle
// timeouts and the connect retry policy. Empty string fields mean "not set"
// and keep the built-in defaults.
type Bundle struct {
	Timeouts TimeoutConfig `yaml:"timeouts"`
	Retry    RetryConfig   `yaml:"retry"`
}

// TimeoutConfig names the per-operation deadlines as duration strings
// ("10s", "500ms").
type TimeoutConfig struct {
	Ready     string `yaml:"ready"`
	DataReady string `yaml:"data_ready"`
	Request   string `yaml:"request"`
	Health    string `yaml:"health"`
}

// RetryConfig shapes the deployment adapter's connect backoff.
type RetryConfig struct {
	BaseDelay    string  `yaml:"base_delay"`
	Multiplier   float64 `yaml:"multiplier"`
	Jitter       float64 `yaml:"jitter"`
	MaxAttempts  int     `yaml:"max_attempts"`
	MaxTotalWait string  `yaml:"max_total_wait"`
}

// LoadBundle reads and strictly parses a YAML configuration file.
func LoadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Errorf(KindConfig, "reading config: %v", err)
	}
	return ParseBundle(data)
}

// ParseBundle parses YAML configuration bytes. Unknown fields are rejected.
func ParseBundle(data []byte) (*Bundle, error) {
	var bundle Bundle
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&bundle); err != nil {
		return nil, Errorf(KindConfig, "parsing config: %v", err)
	}
	if err := bundle.Validate(); err != nil {
		return nil, err
	}
	return &bundle, nil
}

// Validate checks that all set durations parse and ranges are sane.
func (b *Bundle) Validate() error {
	for name, v := range map[string]string{
		"timeouts.ready":       b.Timeouts.Ready,
		"timeouts.data_ready":  b.Timeouts.DataReady,
		"timeouts.request":     b.Timeouts.Request,
		"timeouts.health":      b.Timeouts.Health,
		"retry.base_delay":     b.Retry.BaseDelay,
		"retry.max_total_wait": b.Retry.MaxTotalWait,
	} {
		if _, err := parseOptionalDuration(v); err != nil {
			return Errorf(KindConfig, "%s: %v", name, err)
		}
	}
	if b.Retry.Multiplier != 0 && b.Retry.Multiplier < 1.0 {
		return Errorf(KindConfig, "retry.multiplier must be >= 1.0, got %f", b.Retry.Multiplier)
	}
	if b.Retry.Jitter < 0 || b.Retry.Jitter >= 1 {
		return Errorf(KindConfig, "retry.jitter must be in [0, 1), got %f", b.Retry.Jitter)
	}
	if b.Retry.MaxAttempts < 0 {
		return Errorf(KindConfig, "retry.max_attempts must be non-negative, got %d", b.Retry.MaxAttempts)
	}
	return nil
}

// ApplyTimeouts overrides the set timeouts on an orchestrator config.
func (b *Bundle) ApplyTimeouts(cfg *OrchestratorConfig) {
	if d, _ := parseOptionalDuration(b.Timeouts.Ready); d > 0 {
		cfg.ReadyTimeout = d
	}
	if d, _ := parseOptionalDuration(b.Timeouts.DataReady); d > 0 {
		cfg.DataReadyTimeout = d
	}
	if d, _ := parseOptionalDuration(b.Timeouts.Request); d > 0 {
		cfg.RequestTimeout = d
	}
	if d, _ := parseOptionalDuration(b.Timeouts.Health); d > 0 {
		cfg.HealthTimeout = d
	}
}

// RetryPolicy materializes the configured connect policy over the defaults.
func (b *Bundle) RetryPolicy() transport.RetryPolicy {
	p := transport.DefaultRetryPolicy()
	if d, _ := parseOptionalDuration(b.Retry.BaseDelay); d > 0 {
		p.BaseDelay = d
	}
	if b.Retry.Multiplier != 0 {
		p.Multiplier = b.Retry.Multiplier
	}
	if b.Retry.Jitter != 0 {
		p.Jitter = b.Retry.Jitter
	}
	if b.Retry.MaxAttempts != 0 {
		p.MaxAttempts = b.Retry.MaxAttempts
	}
	if d, _ := parseOptionalDuration(b.Retry.MaxTotalWait); d > 0 {
		p.MaxTotalWait = d
	}
	return p
}

func parseOptionalDuration(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must be non-negative", v)
	}
	return d, nil
}
