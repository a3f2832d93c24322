// Package config loads workspace settings for the language server.
// Settings come from .ruby-fast-lsp.yml in the workspace root, with a
// few environment variable overrides for deployment knobs.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is looked up in the workspace root.
const ConfigFileName = ".ruby-fast-lsp.yml"

const (
	EnvScanWorkers = "RUBY_FAST_LSP_SCAN_WORKERS"
	EnvRBSGemCap   = "RUBY_FAST_LSP_RBS_GEM_CAP"
)

// Config holds user-overridable server settings.
type Config struct {
	// RubyVersion selects the core type stub catalog, e.g. "3.3".
	// Empty means autodetect from .ruby-version, then newest available.
	RubyVersion string `yaml:"ruby_version"`

	// ScanWorkers bounds the parallelism of the initial workspace scan.
	// Default: GOMAXPROCS.
	ScanWorkers *int `yaml:"scan_workers"`

	// RBSGemCap limits how many gem stub catalogs are loaded.
	// Default: unlimited (-1).
	RBSGemCap *int `yaml:"rbs_gem_cap"`

	// IgnorePatterns are extra glob patterns excluded from scanning.
	IgnorePatterns []string `yaml:"ignore_patterns"`

	// UseGitignore honors the workspace .gitignore during scanning.
	// Default: true.
	UseGitignore *bool `yaml:"use_gitignore"`

	// Diagnostics toggles publishing parse and index diagnostics.
	// Default: true.
	Diagnostics *bool `yaml:"diagnostics"`

	// PersistIndex snapshots the index to SQLite on shutdown so the
	// next start can warm from it. Default: false.
	PersistIndex *bool `yaml:"persist_index"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{}
}

// Load reads the config file from dir and applies environment
// overrides. Returns defaults if the file is missing or invalid.
func Load(dir string) *Config {
	cfg := Default()

	path := filepath.Join(dir, ConfigFileName)
	data, err := os.ReadFile(path)
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			slog.Warn("config.invalid", "path", path, "err", yamlErr)
			cfg = Default()
		}
	}

	applyEnv(cfg)

	if cfg.RubyVersion == "" {
		cfg.RubyVersion = detectRubyVersion(dir)
	}
	return cfg
}

// applyEnv lets deploy-time environment variables win over the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvScanWorkers); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ScanWorkers = &n
		}
	}
	if v := os.Getenv(EnvRBSGemCap); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RBSGemCap = &n
		}
	}
}

// detectRubyVersion reads a .ruby-version file if present.
func detectRubyVersion(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, ".ruby-version"))
	if err != nil {
		return ""
	}
	v := string(data)
	for i := 0; i < len(v); i++ {
		if v[i] == '\n' || v[i] == '\r' {
			return v[:i]
		}
	}
	return v
}

// EffectiveScanWorkers returns the configured worker count, or
// GOMAXPROCS if not set.
func (c *Config) EffectiveScanWorkers() int {
	if c.ScanWorkers != nil && *c.ScanWorkers > 0 {
		return *c.ScanWorkers
	}
	return runtime.GOMAXPROCS(0)
}

// EffectiveRBSGemCap returns the gem stub cap, or -1 for unlimited.
func (c *Config) EffectiveRBSGemCap() int {
	if c.RBSGemCap != nil {
		return *c.RBSGemCap
	}
	return -1
}

// EffectiveUseGitignore returns the gitignore setting, default true.
func (c *Config) EffectiveUseGitignore() bool {
	if c.UseGitignore != nil {
		return *c.UseGitignore
	}
	return true
}

// EffectiveDiagnostics returns the diagnostics setting, default true.
func (c *Config) EffectiveDiagnostics() bool {
	if c.Diagnostics != nil {
		return *c.Diagnostics
	}
	return true
}

// EffectivePersistIndex returns the warm-persistence setting, default
// false.
func (c *Config) EffectivePersistIndex() bool {
	if c.PersistIndex != nil {
		return *c.PersistIndex
	}
	return false
}
