package room

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// presetFile is the on-disk YAML shape of a room preset. Durations are
// strings so authors can write "30s" rather than nanosecond counts.
type presetFile struct {
	Name            string `yaml:"name"`
	Capacity        int    `yaml:"capacity"`
	MinPlayers      int    `yaml:"min_players"`
	AutoStartOnFull bool   `yaml:"auto_start_on_full"`
	TurnBased       bool   `yaml:"turn_based"`
	GracePeriod     string `yaml:"grace_period"`
	RatingStake     int    `yaml:"rating_stake"`
	InboxSize       int    `yaml:"inbox_size"`
}

// Validate checks a preset's rules for internal consistency.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("room preset: name must not be empty")
	}
	if c.Capacity < 1 {
		return fmt.Errorf("room preset %q: capacity must be >= 1", c.Name)
	}
	if c.MinPlayers < 1 {
		return fmt.Errorf("room preset %q: min_players must be >= 1", c.Name)
	}
	if c.MinPlayers > c.Capacity {
		return fmt.Errorf("room preset %q: min_players %d exceeds capacity %d",
			c.Name, c.MinPlayers, c.Capacity)
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("room preset %q: grace_period must not be negative", c.Name)
	}
	return nil
}

// LoadPresetFromBytes parses a single room preset from raw YAML bytes.
//
// Precondition: data must be valid YAML for a single Config.
// Postcondition: Returns a validated Config, or an error.
func LoadPresetFromBytes(data []byte) (Config, error) {
	var f presetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Config{}, fmt.Errorf("parsing preset YAML: %w", err)
	}
	cfg := Config{
		Name:            f.Name,
		Capacity:        f.Capacity,
		MinPlayers:      f.MinPlayers,
		AutoStartOnFull: f.AutoStartOnFull,
		TurnBased:       f.TurnBased,
		RatingStake:     f.RatingStake,
		InboxSize:       f.InboxSize,
	}
	if f.GracePeriod != "" {
		d, err := time.ParseDuration(f.GracePeriod)
		if err != nil {
			return Config{}, fmt.Errorf("preset %q: grace_period %q is not a valid duration: %w",
				f.Name, f.GracePeriod, err)
		}
		cfg.GracePeriod = d
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPresets reads all *.yaml files in dir and returns the parsed presets
// keyed by name.
//
// Precondition: dir must be a readable directory.
// Postcondition: Returns all presets or an error on the first parse,
// validate or duplicate-name failure; on error, the partial result is
// discarded.
func LoadPresets(dir string) (map[string]Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading presets dir %q: %w", dir, err)
	}

	presets := make(map[string]Config)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %q: %w", path, err)
		}

		cfg, err := LoadPresetFromBytes(data)
		if err != nil {
			return nil, fmt.Errorf("loading %q: %w", path, err)
		}
		if _, dup := presets[cfg.Name]; dup {
			return nil, fmt.Errorf("loading %q: duplicate preset name %q", path, cfg.Name)
		}
		presets[cfg.Name] = cfg
	}
	return presets, nil
}
