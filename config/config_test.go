package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 30, cfg.Retention.Days)
	assert.Equal(t, "Europe/Rome", cfg.Location().String())
}

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
timezone: UTC
voice:
  confidence_threshold: 0.75
alerts:
  max_attempts: 5
  attempt_timeout: 2s
retention:
  days: 7
  schedule: "@daily"
store:
  driver: sqlite
  dsn: /var/lib/curd/curd.db
log:
  format: json
`))
	require.NoError(t, err)

	assert.Equal(t, 0.75, cfg.Voice.ConfidenceThreshold)
	assert.True(t, cfg.Voice.AutoAdvance)
	assert.Equal(t, 5, cfg.Alerts.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Alerts.AttemptTimeout)
	assert.Equal(t, 200*time.Millisecond, cfg.Alerts.BackoffBase)
	assert.Equal(t, 7, cfg.Retention.Days)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Timezone = "Mars/Olympus"
	cfg.Voice.ConfidenceThreshold = 1.5
	cfg.Alerts.MaxAttempts = 0
	cfg.Retention.Schedule = "every day"
	cfg.Store.Driver = "postgres"
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)

	var ge *errors.Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, ErrCodeInvalidConfig, ge.TextCode)
	assert.True(t, errors.IsValidation(err))

	fields := ge.ValidationMap()
	for _, key := range []string{
		"timezone",
		"voice.confidence_threshold",
		"alerts.max_attempts",
		"retention.schedule",
		"store.dsn",
		"log.level",
	} {
		assert.Contains(t, fields, key)
	}
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("alerts: [unterminated"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryBadInput))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "curd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: redis\n  dsn: localhost:6379\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Store.Driver)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
