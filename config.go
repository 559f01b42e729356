package invoiceflow

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the engine's tunable constants. It is loaded once at process
// start and passed by value; the engine never reads ambient global state.
type Config struct {
	// WorkflowName labels every run created by the engine.
	WorkflowName string `yaml:"workflow_name"`

	// MatchThreshold is the minimum match score for straight-through
	// processing. Scores below it pause the run for human review.
	MatchThreshold float64 `yaml:"match_threshold"`

	// TolerancePct is the allowed percentage discrepancy passed to the
	// matching ability.
	TolerancePct float64 `yaml:"tolerance_pct"`

	// ApprovalAmountThreshold is the auto-approve limit passed to the
	// approval ability.
	ApprovalAmountThreshold float64 `yaml:"approval_amount_threshold"`

	// CheckpointTTL bounds how long a checkpoint stays reviewable. Zero
	// means checkpoints never expire. In YAML it is a duration string such
	// as "48h" or "30m".
	CheckpointTTL time.Duration `yaml:"-"`
}

// DefaultConfig returns the standard pipeline configuration.
func DefaultConfig() Config {
	return Config{
		WorkflowName:            "InvoiceProcessing_v1",
		MatchThreshold:          0.90,
		TolerancePct:            5,
		ApprovalAmountThreshold: 10000,
		CheckpointTTL:           7 * 24 * time.Hour,
	}
}

// Validate checks the configuration for usable values.
func (c Config) Validate() error {
	if c.WorkflowName == "" {
		return fmt.Errorf("workflow name required")
	}
	if c.MatchThreshold <= 0 || c.MatchThreshold > 1 {
		return fmt.Errorf("match threshold must be in (0, 1], got %v", c.MatchThreshold)
	}
	if c.TolerancePct < 0 {
		return fmt.Errorf("tolerance pct must not be negative")
	}
	return nil
}

// LoadConfig loads configuration from a YAML file, filling unset fields from
// DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadConfigString(string(data))
}

// LoadConfigString loads configuration from a YAML string, filling unset
// fields from DefaultConfig.
func LoadConfigString(data string) (Config, error) {
	config := DefaultConfig()
	var raw struct {
		Config        `yaml:",inline"`
		CheckpointTTL string `yaml:"checkpoint_ttl"`
	}
	raw.Config = config
	if err := yaml.Unmarshal([]byte(data), &raw); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	config = raw.Config
	if raw.CheckpointTTL != "" {
		ttl, err := time.ParseDuration(raw.CheckpointTTL)
		if err != nil {
			return Config{}, fmt.Errorf("invalid checkpoint_ttl: %w", err)
		}
		config.CheckpointTTL = ttl
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}
