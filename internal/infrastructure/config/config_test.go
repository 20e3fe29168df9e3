package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10, cfg.Publisher.BatchSize)
	assert.Equal(t, time.Second, cfg.Subscriber.PollInterval)
	assert.True(t, cfg.Subscriber.AckOnFailure)
	assert.Equal(t, 3, cfg.Subscriber.MaxAttempts)
	assert.True(t, cfg.SelfHealing.Enabled)
	assert.Equal(t, 2, cfg.SelfHealing.AutonomyLevel)
	assert.True(t, cfg.SelfHealing.StorySessionProtection)
	assert.Equal(t, TimeWindow{Start: 0, End: 24}, cfg.SelfHealing.AllowedTimeWindow)
	assert.Equal(t, 10, cfg.SelfHealing.MaxActionsPerHour)
	assert.Equal(t, 3, cfg.SelfHealing.LearningThreshold)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: production
log_level: warn
subscriber:
  ack_on_failure: false
  max_attempts: 5
self_healing:
  autonomy_level: 3
  allowed_time_window:
    start: 22
    end: 6
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.False(t, cfg.Subscriber.AckOnFailure)
	assert.Equal(t, 5, cfg.Subscriber.MaxAttempts)
	assert.Equal(t, 3, cfg.SelfHealing.AutonomyLevel)
	assert.Equal(t, TimeWindow{Start: 22, End: 6}, cfg.SelfHealing.AllowedTimeWindow)

	// Untouched keys keep their defaults
	assert.Equal(t, 10, cfg.Publisher.BatchSize)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("EB_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
}

func TestTimeWindowContains(t *testing.T) {
	tests := []struct {
		name   string
		window TimeWindow
		hour   int
		want   bool
	}{
		{"always open start", TimeWindow{0, 24}, 0, true},
		{"always open late", TimeWindow{0, 24}, 23, true},
		{"inside day window", TimeWindow{9, 17}, 12, true},
		{"start inclusive", TimeWindow{9, 17}, 9, true},
		{"end exclusive", TimeWindow{9, 17}, 17, false},
		{"before window", TimeWindow{9, 17}, 8, false},
		{"wraps midnight evening", TimeWindow{22, 6}, 23, true},
		{"wraps midnight morning", TimeWindow{22, 6}, 3, true},
		{"wraps midnight closed", TimeWindow{22, 6}, 12, false},
		{"wraps midnight end exclusive", TimeWindow{22, 6}, 6, false},
		{"empty window", TimeWindow{5, 5}, 5, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.window.Contains(tt.hour))
		})
	}
}
