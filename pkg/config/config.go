// Package config loads the tool configuration from forgegraph.yml and
// applies defaults. Command line flags override anything loaded here.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the flat tool configuration. One struct, no nesting.
type Config struct {
	// Workspace is the root directory all relative paths resolve against
	WorkspaceDir string `yaml:"workspace_dir"`

	// Shared storage settings
	SharedStorageDir     string `yaml:"shared_storage_dir"`
	WriteToSharedStorage bool   `yaml:"write_to_shared_storage"`

	// Default properties supplied by the host environment probe. Branch and
	// Change name the shared storage partition for this job.
	Branch     string            `yaml:"branch"`
	Change     string            `yaml:"change"`
	Properties map[string]string `yaml:"properties"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// DefaultFileName is searched in the working directory when no explicit
// config path is given.
const DefaultFileName = "forgegraph.yml"

// GetDefaults returns a config with sensible defaults.
func GetDefaults() *Config {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	return &Config{
		WorkspaceDir: wd,
		Branch:       "Unknown",
		Change:       "0",
		Properties:   map[string]string{},
		LogLevel:     "INFO",
		LogFormat:    "text",
	}
}

// Load reads the config file at path, or the default file in the working
// directory when path is empty. A missing default file is not an error.
func Load(path string) (*Config, error) {
	cfg := GetDefaults()

	explicit := path != ""
	if path == "" {
		path = filepath.Join(cfg.WorkspaceDir, DefaultFileName)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if cfg.Properties == nil {
		cfg.Properties = map[string]string{}
	}
	return cfg, nil
}

// DefaultProperties returns the property bag seeded into every script read:
// the host-probed defaults plus Branch/Change/RootDir.
func (c *Config) DefaultProperties() map[string]string {
	props := make(map[string]string, len(c.Properties)+3)
	for k, v := range c.Properties {
		props[k] = v
	}
	props["Branch"] = c.Branch
	props["Change"] = c.Change
	props["RootDir"] = c.WorkspaceDir
	return props
}
