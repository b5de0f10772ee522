package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration struct for the application.
// Tags are used by Viper to map YAML keys to struct fields.
type Config struct {
	LogLevel   string           `mapstructure:"log_level"`
	APIPort    string           `mapstructure:"api_port"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	Store      StoreConfig      `mapstructure:"store"`
	Sysmon     SysmonConfig     `mapstructure:"sysmon"`
}

// EngineConfig holds the dispatcher and session registry settings.
type EngineConfig struct {
	// MaxSessions caps the registry; accepts beyond it are rejected.
	MaxSessions int `mapstructure:"max_sessions"`
	// TriggerMinEvents is the number of observed events after which a
	// session becomes eligible for classification.
	TriggerMinEvents int `mapstructure:"trigger_min_events"`
	// TriggerTimeout force-classifies an idle session on whatever
	// features exist once it elapses.
	TriggerTimeout time.Duration `mapstructure:"trigger_timeout"`
	// RepeatOffenderWindow is how long a peer stays marked as seen.
	RepeatOffenderWindow time.Duration `mapstructure:"repeat_offender_window"`
}

// ClassifierConfig selects and tunes the scoring strategy.
type ClassifierConfig struct {
	// AnomalyThreshold is the score above which a session is hostile.
	AnomalyThreshold float64 `mapstructure:"anomaly_threshold"`
	// ModelPath points at the trained ensemble model file. Empty means
	// run on the heuristic scorer only.
	ModelPath string `mapstructure:"model_path"`
	// WatchModel reloads the model file on change.
	WatchModel bool `mapstructure:"watch_model"`
}

// PolicyConfig holds the Q-learning parameters.
type PolicyConfig struct {
	LearningRate   float64 `mapstructure:"learning_rate"`
	DiscountFactor float64 `mapstructure:"discount_factor"`
	Epsilon        float64 `mapstructure:"epsilon"`
	EpsilonDecay   float64 `mapstructure:"epsilon_decay"`
	EpsilonMin     float64 `mapstructure:"epsilon_min"`
	// SnapshotPath is where the Q-table is persisted between runs.
	// Empty disables persistence.
	SnapshotPath string       `mapstructure:"snapshot_path"`
	Reward       RewardConfig `mapstructure:"reward"`
}

// RewardConfig weights the reward computed from session outcomes.
type RewardConfig struct {
	BenignPassed   float64 `mapstructure:"benign_passed"`
	BenignEngaged  float64 `mapstructure:"benign_engaged"`
	HostileIgnored float64 `mapstructure:"hostile_ignored"`
	HostileBlocked float64 `mapstructure:"hostile_blocked"`
	PerCredential  float64 `mapstructure:"per_credential"`
	PerCommand     float64 `mapstructure:"per_command"`
	EngagementCost float64 `mapstructure:"engagement_cost"`
}

// EscalationConfig tunes the optional secondary-opinion call for scores
// near the anomaly threshold.
type EscalationConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Endpoint is the HTTP URL of the secondary assessment service.
	Endpoint string `mapstructure:"endpoint"`
	// BorderlineBand is the half-width around the threshold within which
	// the dispatcher asks for a second opinion.
	BorderlineBand float64       `mapstructure:"borderline_band"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// StoreConfig holds the sqlite persistence settings.
type StoreConfig struct {
	// Path is the sqlite database file. Empty disables the store.
	Path string `mapstructure:"path"`
}

// SysmonConfig tunes the resource monitor.
type SysmonConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	// MemoryPressurePct rejects new sessions above this system memory
	// usage percentage. Zero disables the check.
	MemoryPressurePct float64 `mapstructure:"memory_pressure_pct"`
}

// Load reads the configuration from a YAML file (config.yaml) and
// environment variables. Defaults are applied for every key so the engine
// runs with no config file present.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/decoygate/")

	setDefaults(v)

	v.SetEnvPrefix("DECOYGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("api_port", "8080")

	v.SetDefault("engine.max_sessions", 10000)
	v.SetDefault("engine.trigger_min_events", 5)
	v.SetDefault("engine.trigger_timeout", "3s")
	v.SetDefault("engine.repeat_offender_window", "1h")

	v.SetDefault("classifier.anomaly_threshold", 0.7)
	v.SetDefault("classifier.model_path", "")
	v.SetDefault("classifier.watch_model", false)

	v.SetDefault("policy.learning_rate", 0.1)
	v.SetDefault("policy.discount_factor", 0.95)
	v.SetDefault("policy.epsilon", 0.1)
	v.SetDefault("policy.epsilon_decay", 0.995)
	v.SetDefault("policy.epsilon_min", 0.01)
	v.SetDefault("policy.snapshot_path", "")
	v.SetDefault("policy.reward.benign_passed", 1.0)
	v.SetDefault("policy.reward.benign_engaged", -2.0)
	v.SetDefault("policy.reward.hostile_ignored", -3.0)
	v.SetDefault("policy.reward.hostile_blocked", 1.0)
	v.SetDefault("policy.reward.per_credential", 2.0)
	v.SetDefault("policy.reward.per_command", 0.5)
	v.SetDefault("policy.reward.engagement_cost", 0.5)

	v.SetDefault("escalation.enabled", false)
	v.SetDefault("escalation.endpoint", "")
	v.SetDefault("escalation.borderline_band", 0.1)
	v.SetDefault("escalation.timeout", "2s")

	v.SetDefault("store.path", "")

	v.SetDefault("sysmon.enabled", true)
	v.SetDefault("sysmon.interval", "30s")
	v.SetDefault("sysmon.memory_pressure_pct", 90.0)
}

// Validate rejects configurations the engine cannot safely run with.
func (c *Config) Validate() error {
	if c.Classifier.AnomalyThreshold < 0 || c.Classifier.AnomalyThreshold > 1 {
		return fmt.Errorf("classifier.anomaly_threshold must be in [0,1], got %f", c.Classifier.AnomalyThreshold)
	}
	if c.Policy.LearningRate <= 0 || c.Policy.LearningRate > 1 {
		return fmt.Errorf("policy.learning_rate must be in (0,1], got %f", c.Policy.LearningRate)
	}
	if c.Policy.DiscountFactor < 0 || c.Policy.DiscountFactor > 1 {
		return fmt.Errorf("policy.discount_factor must be in [0,1], got %f", c.Policy.DiscountFactor)
	}
	if c.Policy.Epsilon < 0 || c.Policy.Epsilon > 1 {
		return fmt.Errorf("policy.epsilon must be in [0,1], got %f", c.Policy.Epsilon)
	}
	if c.Engine.MaxSessions <= 0 {
		return fmt.Errorf("engine.max_sessions must be positive, got %d", c.Engine.MaxSessions)
	}
	if c.Engine.TriggerMinEvents <= 0 {
		return fmt.Errorf("engine.trigger_min_events must be positive, got %d", c.Engine.TriggerMinEvents)
	}
	return nil
}
