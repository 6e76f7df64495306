package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"inkwell/internal/models"
)

// overridesFile is the optional operator-provided YAML tuning the trigger
// schedule without touching the environment. Changes take effect on restart;
// triggers are fixed for the process lifetime.
type overridesFile struct {
	Tiers    map[string]string `yaml:"tiers"`
	Cleanup  string            `yaml:"cleanup"`
	Stats    string            `yaml:"stats"`
	Timezone string            `yaml:"timezone"`
}

func (c *Config) applyOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read retention config: %w", err)
	}

	var overrides overridesFile
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("parse retention config: %w", err)
	}

	for name, expr := range overrides.Tiers {
		tier := models.RetentionTier(name)
		if !tier.Valid() || tier == models.TierManual {
			return fmt.Errorf("retention config: unknown tier %q", name)
		}
		c.TierCrons[tier] = expr
	}
	if overrides.Cleanup != "" {
		c.CleanupCron = overrides.Cleanup
	}
	if overrides.Stats != "" {
		c.StatsCron = overrides.Stats
	}
	if overrides.Timezone != "" {
		c.Timezone = overrides.Timezone
	}
	return nil
}
