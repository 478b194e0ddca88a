package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBundle_AppliesTimeouts(t *testing.T) {
	bundle, err := ParseBundle([]byte(`
timeouts:
  ready: 2s
  request: 90s
retry:
  base_delay: 50ms
  max_attempts: 3
`))
	require.NoError(t, err)

	var cfg OrchestratorConfig
	cfg.DefaultTimeouts()
	bundle.ApplyTimeouts(&cfg)
	assert.Equal(t, 2*time.Second, cfg.ReadyTimeout)
	assert.Equal(t, 90*time.Second, cfg.RequestTimeout)
	// Unset values keep the defaults.
	assert.Equal(t, 10*time.Second, cfg.HealthTimeout)

	policy := bundle.RetryPolicy()
	assert.Equal(t, 50*time.Millisecond, policy.BaseDelay)
	assert.Equal(t, 3, policy.MaxAttempts)
	assert.Equal(t, 2.0, policy.Multiplier)
}

func TestParseBundle_UnknownFieldRejected(t *testing.T) {
	_, err := ParseBundle([]byte("timeouts:\n  ready: 1s\nsurprise: true\n"))
	require.Error(t, err)
	assert.Equal(t, KindConfig, ErrKind(err))
}

func TestParseBundle_BadDuration(t *testing.T) {
	_, err := ParseBundle([]byte("timeouts:\n  ready: soon\n"))
	require.Error(t, err)
}

func TestParseBundle_BadJitter(t *testing.T) {
	_, err := ParseBundle([]byte("retry:\n  jitter: 1.5\n"))
	require.Error(t, err)
}

func TestBundle_EmptyKeepsDefaults(t *testing.T) {
	var bundle Bundle
	require.NoError(t, bundle.Validate())

	var cfg OrchestratorConfig
	cfg.DefaultTimeouts()
	bundle.ApplyTimeouts(&cfg)
	assert.Equal(t, 60*time.Second, cfg.RequestTimeout)

	policy := bundle.RetryPolicy()
	assert.Equal(t, 100*time.Millisecond, policy.BaseDelay)
	assert.Equal(t, 5, policy.MaxAttempts)
}
