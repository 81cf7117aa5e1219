package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/workflow/retry"
)

func TestDefaultConfigIsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestValidateRejectsBadBudget(t *testing.T) {
	config := DefaultConfig()
	config.Retry.GlobalCap = 1

	err := config.Validate()
	assert.ErrorContains(t, err, "global_cap")
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	content := `retry:
  per_step_cap: 2
  global_cap: 4
nats:
  url: nats://example:4222
`
	path := filepath.Join(t.TempDir(), "semflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	config, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 2, config.Retry.PerStepCap)
	assert.Equal(t, 4, config.Retry.GlobalCap)
	assert.Equal(t, "nats://example:4222", config.NATS.URL)
	// Untouched fields keep their defaults.
	assert.Equal(t, 2.0, config.Retry.BackoffMultiplier)
}

func TestMergePrecedence(t *testing.T) {
	base := DefaultConfig()
	base.Merge(&Config{
		Retry: retry.Config{PerStepCap: 2, GlobalCap: 4},
		NATS:  NATSConfig{URL: "nats://remote:4222"},
	})

	assert.Equal(t, 2, base.Retry.PerStepCap)
	assert.Equal(t, 4, base.Retry.GlobalCap)
	assert.Equal(t, "nats://remote:4222", base.NATS.URL)
	assert.False(t, base.NATS.Embedded, "explicit URL disables embedded server")

	// Zero values never clobber.
	base.Merge(&Config{})
	assert.Equal(t, 2, base.Retry.PerStepCap)
}

func TestSaveAndReloadRoundTrip(t *testing.T) {
	config := DefaultConfig()
	config.Protocols.CatalogPath = "configs/protocols.yaml"
	path := filepath.Join(t.TempDir(), "nested", "semflow.yaml")

	require.NoError(t, config.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, config.Retry, loaded.Retry)
	assert.Equal(t, config.Protocols.CatalogPath, loaded.Protocols.CatalogPath)
}
