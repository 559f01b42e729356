package invoiceflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.Validate())
	require.Equal(t, 0.90, config.MatchThreshold)
	require.Equal(t, 7*24*time.Hour, config.CheckpointTTL)
}

func TestLoadConfigString(t *testing.T) {
	t.Run("overrides merge with defaults", func(t *testing.T) {
		config, err := LoadConfigString(`
match_threshold: 0.85
checkpoint_ttl: 48h
`)
		require.NoError(t, err)
		require.Equal(t, 0.85, config.MatchThreshold)
		require.Equal(t, 48*time.Hour, config.CheckpointTTL)
		// Unset fields keep their defaults.
		require.Equal(t, "InvoiceProcessing_v1", config.WorkflowName)
		require.Equal(t, 5.0, config.TolerancePct)
	})

	t.Run("invalid threshold rejected", func(t *testing.T) {
		_, err := LoadConfigString("match_threshold: 1.5")
		require.Error(t, err)
		require.Contains(t, err.Error(), "match threshold")
	})

	t.Run("bad yaml rejected", func(t *testing.T) {
		_, err := LoadConfigString("match_threshold: [")
		require.Error(t, err)
	})
}

func TestConfigValidate(t *testing.T) {
	config := DefaultConfig()
	config.WorkflowName = ""
	require.Error(t, config.Validate())

	config = DefaultConfig()
	config.TolerancePct = -1
	require.Error(t, config.Validate())
}
