package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	assert.NoError(t, err)
	assert.NotNil(t, cfg)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "8080", cfg.APIPort)
	assert.Equal(t, 10000, cfg.Engine.MaxSessions)
	assert.Equal(t, 5, cfg.Engine.TriggerMinEvents)
	assert.Equal(t, 3*time.Second, cfg.Engine.TriggerTimeout)
	assert.Equal(t, 0.7, cfg.Classifier.AnomalyThreshold)
	assert.Equal(t, 0.1, cfg.Policy.LearningRate)
	assert.Equal(t, 0.95, cfg.Policy.DiscountFactor)
	assert.False(t, cfg.Escalation.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	testConfigContent := `
log_level: debug
api_port: "9090"
engine:
  max_sessions: 500
  trigger_min_events: 3
  trigger_timeout: 10s
classifier:
  anomaly_threshold: 0.6
  model_path: /var/lib/decoygate/forest.json
policy:
  learning_rate: 0.2
  epsilon: 0.05
escalation:
  enabled: true
  borderline_band: 0.15
  timeout: 1s
`

	err := os.WriteFile("config.yaml", []byte(testConfigContent), 0644)
	assert.NoError(t, err)
	defer os.Remove("config.yaml")

	cfg, err := Load()
	assert.NoError(t, err)
	assert.NotNil(t, cfg)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "9090", cfg.APIPort)
	assert.Equal(t, 500, cfg.Engine.MaxSessions)
	assert.Equal(t, 3, cfg.Engine.TriggerMinEvents)
	assert.Equal(t, 10*time.Second, cfg.Engine.TriggerTimeout)
	assert.Equal(t, 0.6, cfg.Classifier.AnomalyThreshold)
	assert.Equal(t, "/var/lib/decoygate/forest.json", cfg.Classifier.ModelPath)
	assert.Equal(t, 0.2, cfg.Policy.LearningRate)
	assert.True(t, cfg.Escalation.Enabled)
	assert.Equal(t, 0.15, cfg.Escalation.BorderlineBand)

	// Defaults still fill in keys the file omits.
	assert.Equal(t, 0.95, cfg.Policy.DiscountFactor)
	assert.Equal(t, -2.0, cfg.Policy.Reward.BenignEngaged)
}

func TestLoadEnvOverride(t *testing.T) {
	os.Setenv("DECOYGATE_API_PORT", "9091")
	defer os.Unsetenv("DECOYGATE_API_PORT")

	cfg, err := Load()
	assert.NoError(t, err)
	assert.Equal(t, "9091", cfg.APIPort)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := Load()
	assert.NoError(t, err)

	cfg.Classifier.AnomalyThreshold = 1.5
	assert.Error(t, cfg.Validate())

	cfg.Classifier.AnomalyThreshold = 0.7
	cfg.Policy.LearningRate = 0
	assert.Error(t, cfg.Validate())

	cfg.Policy.LearningRate = 0.1
	cfg.Engine.MaxSessions = 0
	assert.Error(t, cfg.Validate())
}
