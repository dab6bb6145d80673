package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"encoding/json"

	"github.com/roelfdiedericks/qqclaw/internal/logging"
	"github.com/roelfdiedericks/qqclaw/internal/paths"
)

// Load reads the config file at path, or the first file found by
// paths.ConfigPath when path is empty. A missing config is valid and
// yields the defaults.
func Load(path string) (*Config, error) {
	var err error
	if path == "" {
		path, err = paths.ConfigPath()
		if err != nil {
			return nil, err
		}
	}

	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, err
		}
		logging.L_debug("config: loaded", "path", path)
	} else {
		logging.L_debug("config: no config file found, using defaults")
	}

	// Fill unset fields from the defaults
	if err := mergo.Merge(cfg, Defaults()); err != nil {
		return nil, fmt.Errorf("failed to merge defaults: %w", err)
	}

	if cfg.Media.Dir == "" {
		if dir, err := paths.MediaDir(); err == nil {
			cfg.Media.Dir = dir
		}
	}
	if cfg.Archive.Path == "" {
		if p, err := paths.ArchivePath(); err == nil {
			cfg.Archive.Path = p
		}
	}

	return cfg, nil
}

// decode picks the format from the file extension.
func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("invalid TOML in %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("invalid YAML in %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("invalid JSON in %s: %w", path, err)
		}
	}
	return nil
}

// Validate checks the parts required to run the gateway.
func (c *Config) Validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("no accounts configured")
	}
	for i, a := range c.Accounts {
		if a.AppID == "" {
			return fmt.Errorf("account %d: appId is required", i)
		}
		if a.ClientSecret == "" {
			return fmt.Errorf("account %d (%s): clientSecret is required", i, a.AppID)
		}
	}
	for i, an := range c.Announce {
		if an.Cron == "" {
			return fmt.Errorf("announce %d (%s): cron expression is required", i, an.Name)
		}
		if _, _, err := SplitTarget(an.Target); err != nil {
			return fmt.Errorf("announce %d (%s): %w", i, an.Name, err)
		}
	}
	return nil
}

// SplitTarget parses a "<kind>:<id>" announce/send target.
func SplitTarget(target string) (kind, id string, err error) {
	kind, id, ok := strings.Cut(target, ":")
	if !ok || kind == "" || id == "" {
		return "", "", fmt.Errorf("invalid target %q (want kind:id)", target)
	}
	switch kind {
	case "c2c", "group", "channel", "dm":
		return kind, id, nil
	}
	return "", "", fmt.Errorf("unknown target kind %q", kind)
}

// Save writes the config back to path as JSON, atomically.
func (c *Config) Save(path string) error {
	if path == "" {
		var err error
		path, err = paths.DefaultConfigPath()
		if err != nil {
			return err
		}
	}
	return AtomicWriteJSON(path, c, 0600)
}
