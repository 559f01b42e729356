package invoiceflow

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ToolProvider describes one provider in a capability pool.
type ToolProvider struct {
	Name     string `yaml:"name" json:"name"`
	Priority int    `yaml:"priority" json:"priority"`
	Cost     string `yaml:"cost,omitempty" json:"cost,omitempty"`
	Latency  string `yaml:"latency,omitempty" json:"latency,omitempty"`
	Accuracy string `yaml:"accuracy,omitempty" json:"accuracy,omitempty"`

	// Conditions restrict when a provider is eligible. Each condition is a
	// "key=value" pair matched against the selection context; a provider with
	// no conditions is always eligible.
	Conditions []string `yaml:"conditions,omitempty" json:"conditions,omitempty"`
}

// ToolPool is the set of providers able to serve one capability.
type ToolPool struct {
	Providers []ToolProvider `yaml:"providers" json:"providers"`
}

// ToolConfig is the immutable tool-pool configuration loaded once at process
// start. Provider selection is a pure function of capability and context; the
// engine never branches on which provider served a call.
type ToolConfig struct {
	Pools map[string]ToolPool `yaml:"tool_pools" json:"tool_pools"`
}

// ToolSelection is the result of resolving a capability to a provider.
type ToolSelection struct {
	Capability   string   `json:"capability"`
	Provider     string   `json:"provider"`
	Reason       string   `json:"reason"`
	Alternatives []string `json:"alternatives,omitempty"`
}

// DefaultToolConfig returns the built-in pools used when no configuration
// file is supplied.
func DefaultToolConfig() *ToolConfig {
	return &ToolConfig{
		Pools: map[string]ToolPool{
			"db": {Providers: []ToolProvider{
				{Name: "postgres", Priority: 1, Cost: "low", Latency: "fast"},
			}},
			"ocr": {Providers: []ToolProvider{
				{Name: "tesseract", Priority: 1, Cost: "low", Latency: "fast"},
			}},
			"enrichment": {Providers: []ToolProvider{
				{Name: "vendor_db", Priority: 1, Cost: "free", Latency: "fast"},
			}},
			"erp_connector": {Providers: []ToolProvider{
				{Name: "mock_erp", Priority: 1, Cost: "free", Latency: "fast"},
			}},
			"email": {Providers: []ToolProvider{
				{Name: "ses", Priority: 1, Cost: "low", Latency: "medium"},
			}},
		},
	}
}

// LoadToolConfig loads tool pools from a YAML file.
func LoadToolConfig(path string) (*ToolConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tool config file: %w", err)
	}
	return LoadToolConfigString(string(data))
}

// LoadToolConfigString loads tool pools from a YAML string.
func LoadToolConfigString(data string) (*ToolConfig, error) {
	var config ToolConfig
	if err := yaml.Unmarshal([]byte(data), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tool config: %w", err)
	}
	if len(config.Pools) == 0 {
		return nil, fmt.Errorf("tool config has no pools")
	}
	return &config, nil
}

// Select resolves a capability to a provider using rule-based priority:
// eligible providers (conditions satisfied by the context) are ordered by
// priority, lowest value first, and the first wins.
func (c *ToolConfig) Select(capability string, context map[string]any) (ToolSelection, error) {
	pool, ok := c.Pools[capability]
	if !ok || len(pool.Providers) == 0 {
		return ToolSelection{}, fmt.Errorf("no providers configured for capability %q", capability)
	}

	eligible := make([]ToolProvider, 0, len(pool.Providers))
	for _, provider := range pool.Providers {
		if conditionsMatch(provider.Conditions, context) {
			eligible = append(eligible, provider)
		}
	}
	if len(eligible) == 0 {
		// Fall back to the full pool rather than failing the stage.
		eligible = pool.Providers
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Priority < eligible[j].Priority
	})

	selection := ToolSelection{
		Capability: capability,
		Provider:   eligible[0].Name,
		Reason:     fmt.Sprintf("priority %d", eligible[0].Priority),
	}
	for _, provider := range eligible[1:] {
		selection.Alternatives = append(selection.Alternatives, provider.Name)
	}
	return selection, nil
}

func conditionsMatch(conditions []string, context map[string]any) bool {
	for _, condition := range conditions {
		key, want, ok := strings.Cut(condition, "=")
		if !ok {
			return false
		}
		got, present := context[key]
		if !present || fmt.Sprintf("%v", got) != want {
			return false
		}
	}
	return true
}
