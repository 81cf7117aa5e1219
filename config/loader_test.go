package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderLayersProjectOverUser(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	userPath := filepath.Join(home, UserConfigDir, UserConfigFile)
	require.NoError(t, os.MkdirAll(filepath.Dir(userPath), 0o755))
	require.NoError(t, os.WriteFile(userPath, []byte("retry:\n  per_step_cap: 2\nnats:\n  url: nats://user:4222\n"), 0o644))

	project := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(project, ProjectConfigFile), []byte("nats:\n  url: nats://project:4222\n"), 0o644))

	// Discovery walks upward, so a nested working directory finds the
	// project file too.
	nested := filepath.Join(project, "internal", "orders")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	t.Chdir(nested)

	cfg, err := NewLoader(nil).Load()
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Retry.PerStepCap, "user layer applied")
	assert.Equal(t, "nats://project:4222", cfg.NATS.URL, "project layer wins over user")
	assert.False(t, cfg.NATS.Embedded)
}

func TestLoaderEnvironmentWinsOverFiles(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	project := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(project, ProjectConfigFile), []byte("nats:\n  url: nats://project:4222\n"), 0o644))
	t.Chdir(project)

	repo := t.TempDir()
	t.Setenv(EnvNATSURL, "nats://env:4222")
	t.Setenv(EnvRepoPath, repo)
	t.Setenv(EnvCatalogPath, filepath.Join(repo, "custom-protocols.yaml"))

	cfg, err := NewLoader(nil).Load()
	require.NoError(t, err)

	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
	assert.Equal(t, repo, cfg.Repo.Path)
	assert.Equal(t, filepath.Join(repo, "custom-protocols.yaml"), cfg.Protocols.CatalogPath)
}

func TestLoaderDiscoversProtocolCatalog(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	repo := t.TempDir()
	catalog := filepath.Join(repo, ".semflow", "protocols.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(catalog), 0o755))
	require.NoError(t, os.WriteFile(catalog, []byte("protocols: []\n"), 0o644))

	t.Chdir(repo)
	t.Setenv(EnvRepoPath, repo)

	cfg, err := NewLoader(nil).Load()
	require.NoError(t, err)
	assert.Equal(t, catalog, cfg.Protocols.CatalogPath)
}
