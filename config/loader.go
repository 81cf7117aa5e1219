package config

import (
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	// ProjectConfigFile is the project-level config file name, searched
	// upward from the working directory.
	ProjectConfigFile = "semflow.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/semflow"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"

	// EnvNATSURL points the CLI at an external NATS server.
	EnvNATSURL = "SEMFLOW_NATS_URL"
	// EnvRepoPath overrides repo root detection.
	EnvRepoPath = "SEMFLOW_REPO"
	// EnvCatalogPath overrides protocol catalog discovery.
	EnvCatalogPath = "SEMFLOW_PROTOCOLS"
)

// catalogCandidates are the repo-relative locations searched for a
// protocol catalog when none is configured.
var catalogCandidates = []string{
	"protocols.yaml",
	filepath.Join(".semflow", "protocols.yaml"),
}

// Loader resolves the effective configuration for one CLI invocation.
// Layers, lowest precedence first: defaults, user config, project config,
// environment variables.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load resolves the layered configuration, fills in the repo root and the
// protocol catalog path, and validates the result.
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	l.layer(config, l.userConfigPath(), "user")
	l.layer(config, l.findProjectConfig(), "project")
	l.applyEnv(config)

	if config.Repo.Path == "" {
		config.Repo.Path = l.detectRepoRoot()
	}
	if config.Protocols.CatalogPath == "" {
		config.Protocols.CatalogPath = l.findCatalog(config.Repo.Path)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// layer merges one config file into config. A missing file is fine; an
// unreadable one is logged and skipped.
func (l *Loader) layer(config *Config, path, source string) {
	if path == "" {
		return
	}
	loaded, err := LoadFromFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			l.logger.Warn("Skipping unreadable config",
				slog.String("source", source),
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
		return
	}
	l.logger.Debug("Loaded config layer", slog.String("source", source), slog.String("path", path))
	config.Merge(loaded)
}

// applyEnv overlays the environment variables. Highest precedence: a set
// variable wins over every file layer.
func (l *Loader) applyEnv(config *Config) {
	if url := os.Getenv(EnvNATSURL); url != "" {
		config.NATS.URL = url
		config.NATS.Embedded = false
	}
	if repo := os.Getenv(EnvRepoPath); repo != "" {
		config.Repo.Path = repo
	}
	if catalog := os.Getenv(EnvCatalogPath); catalog != "" {
		config.Protocols.CatalogPath = catalog
	}
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()
	if _, err := os.Stat(userConfigPath); err == nil {
		return nil
	}

	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for semflow.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for dir := cwd; ; dir = filepath.Dir(dir) {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		if filepath.Dir(dir) == dir {
			return ""
		}
	}
}

// findCatalog looks for a protocol catalog file at the known repo-relative
// locations. Empty when none exists; the registry then falls back to a
// directory scan.
func (l *Loader) findCatalog(repoPath string) string {
	if repoPath == "" {
		return ""
	}
	for _, candidate := range catalogCandidates {
		path := filepath.Join(repoPath, candidate)
		if _, err := os.Stat(path); err == nil {
			l.logger.Debug("Found protocol catalog", slog.String("path", path))
			return path
		}
	}
	return ""
}

// detectRepoRoot asks git for the repository root, falling back to the
// working directory outside a repo.
func (l *Loader) detectRepoRoot() string {
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	if output, err := cmd.Output(); err == nil {
		return strings.TrimSpace(string(output))
	}
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return cwd
}
