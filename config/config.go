package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default configuration constants. See [Config] for field descriptions.
const (
	// DefaultStorageType exports the backing directory as fixed
	// read-write media, which is what initiators expect from an
	// internal storage.
	DefaultStorageType = 0x0003 // fixed RAM

	// DefaultYieldInterval is how many directory entries the startup
	// enumeration processes between cooperative yields.
	DefaultYieldInterval = 16

	// PlaylistsDirName is the reserved playlist directory under the
	// storage root. Moving or renaming it is refused.
	PlaylistsDirName = "Playlists"

	// PersistDirName is the default persistent-state directory,
	// relative to the user's home.
	PersistDirName = ".local/mtp"
)

// Config contains runtime configuration for one filesystem storage.
type Config struct {
	StorageID     uint32   // Device-assigned storage id (non-zero)
	StorageType   uint16   // MTP storage type code (Default fixed RAM)
	RootPath      string   // Absolute path of the exported directory
	VolumeLabel   string   // StorageInfo volume label
	Description   string   // StorageInfo storage description
	ExcludePaths  []string // Paths relative to RootPath never exported
	PersistDir    string   // Persistent-state dir (Default ~/.local/mtp)
	YieldInterval int      // Enumeration yield interval (Default 16)
}

// ConfigOverride uses pointer fields to distinguish between unset and
// zero values when loading partial configuration. See [Config] for field
// descriptions.
type ConfigOverride struct {
	StorageID     *uint32  `yaml:"storage_id,omitempty" json:"storage_id,omitempty"`
	StorageType   *uint16  `yaml:"storage_type,omitempty" json:"storage_type,omitempty"`
	RootPath      *string  `yaml:"root_path,omitempty" json:"root_path,omitempty"`
	VolumeLabel   *string  `yaml:"volume_label,omitempty" json:"volume_label,omitempty"`
	Description   *string  `yaml:"description,omitempty" json:"description,omitempty"`
	ExcludePaths  []string `yaml:"exclude_paths,omitempty" json:"exclude_paths,omitempty"`
	PersistDir    *string  `yaml:"persist_dir,omitempty" json:"persist_dir,omitempty"`
	YieldInterval *int     `yaml:"yield_interval,omitempty" json:"yield_interval,omitempty"`
}

// NewDefaultConfig creates a new Config with all default values.
func NewDefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		StorageType:   DefaultStorageType,
		PersistDir:    filepath.Join(home, PersistDirName),
		YieldInterval: DefaultYieldInterval,
	}
}

// NewConfig creates a Config from the defaults with override applied.
// A nil override returns plain defaults.
func NewConfig(override *ConfigOverride) *Config {
	cfg := NewDefaultConfig()
	if override != nil {
		cfg.Merge(override)
	}
	return cfg
}

// Merge applies non-nil values from override onto this Config.
func (c *Config) Merge(override *ConfigOverride) {
	if override.StorageID != nil {
		c.StorageID = *override.StorageID
	}
	if override.StorageType != nil {
		c.StorageType = *override.StorageType
	}
	if override.RootPath != nil {
		c.RootPath = *override.RootPath
	}
	if override.VolumeLabel != nil {
		c.VolumeLabel = *override.VolumeLabel
	}
	if override.Description != nil {
		c.Description = *override.Description
	}
	if override.ExcludePaths != nil {
		c.ExcludePaths = override.ExcludePaths
	}
	if override.PersistDir != nil {
		c.PersistDir = *override.PersistDir
	}
	if override.YieldInterval != nil {
		c.YieldInterval = *override.YieldInterval
	}
}

// PlaylistPath returns the reserved playlist directory for this storage.
func (c *Config) PlaylistPath() string {
	return c.RootPath + "/" + PlaylistsDirName
}

// ExcludedAbsPaths resolves ExcludePaths against RootPath.
func (c *Config) ExcludedAbsPaths() []string {
	abs := make([]string, 0, len(c.ExcludePaths))
	for _, p := range c.ExcludePaths {
		abs = append(abs, c.RootPath+"/"+p)
	}
	return abs
}

// Validate reports configuration errors that would make the storage
// unusable.
func (c *Config) Validate() error {
	if c.RootPath == "" {
		return fmt.Errorf("root_path is required")
	}
	if !filepath.IsAbs(c.RootPath) {
		return fmt.Errorf("root_path must be absolute: %s", c.RootPath)
	}
	if c.YieldInterval <= 0 {
		return fmt.Errorf("yield_interval must be positive: %d", c.YieldInterval)
	}
	return nil
}

// LoadConfigOverrideFile loads configuration overrides from a file
// without merging. Supports both YAML (.yaml, .yml) and JSON (.json).
func LoadConfigOverrideFile(path string) (*ConfigOverride, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var override ConfigOverride

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown config file extension: %s", path)
	}

	return &override, nil
}

// NewConfigFromFile creates a new Config by merging file overrides with
// defaults.
func NewConfigFromFile(path string) (*Config, error) {
	override, err := LoadConfigOverrideFile(path)
	if err != nil {
		return nil, err
	}
	return NewConfig(override), nil
}
