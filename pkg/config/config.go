// Package config loads the optional .undercity.yml tunables file: retry
// budgets, concurrency caps, the model-tier cost table, and verifier skip
// flags. Absent or malformed config degrades to defaults with a warning
// log rather than failing the raid.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/duskforge/undercity/pkg/constants"
	"github.com/duskforge/undercity/pkg/logger"
)

var log = logger.New("config:config")

// ErrInvalidConfig is returned by Validate when a loaded config fails
// basic sanity checks (zero/negative budgets, unknown tier names).
var ErrInvalidConfig = errors.New("invalid undercity config")

// TierConfig describes one entry of the configurable model-tier table.
type TierConfig struct {
	Name         string `yaml:"name"`
	RelativeCost int    `yaml:"relativeCost"`
}

// Config holds every raid/worker/scheduler tunable.
type Config struct {
	// MaxRetriesPerTier bounds retry attempts at any non-final tier
	// before escalation is considered.
	MaxRetriesPerTier int `yaml:"maxRetriesPerTier"`
	// MaxRetriesAtTopTier bounds retries once the Worker is already at
	// the most capable tier; exhausting it fails the task.
	MaxRetriesAtTopTier int `yaml:"maxRetriesAtTopTier"`
	// MaxWritesPerFile is the file-thrashing threshold: a single file
	// written this many times in one attempt triggers an immediate
	// fail-fast escalation.
	MaxWritesPerFile int `yaml:"maxWritesPerFile"`
	// MaxConcurrency caps the number of Workers the Scheduler runs at once.
	MaxConcurrency int `yaml:"maxConcurrency"`
	// AutoCommit, when true, lets a passing Worker attempt commit its own
	// worktree instead of leaving it staged for manual review.
	AutoCommit bool `yaml:"autoCommit"`
	// VerifierSkip names checks (typecheck, lint, test, build) the
	// Verifier should skip regardless of what a task requests.
	VerifierSkip []string `yaml:"verifierSkip"`
	// ReviewPassesPerTier and ReviewPassesTopTier bound the optional
	// review pass.
	ReviewPassesPerTier int `yaml:"reviewPassesPerTier"`
	ReviewPassesTopTier int `yaml:"reviewPassesTopTier"`
	// Tiers is the configurable model-tier table (name + relative cost)
	// consulted by the Capability Ledger's expected-value computation.
	// Overrides the built-in tier table when set; leaving it empty keeps
	// the defaults.
	Tiers []TierConfig `yaml:"tiers"`
}

// Default returns the configuration used when no .undercity.yml is
// present.
func Default() Config {
	return Config{
		MaxRetriesPerTier:   2,
		MaxRetriesAtTopTier: 1,
		MaxWritesPerFile:    8,
		MaxConcurrency:      4,
		AutoCommit:          true,
		VerifierSkip:        nil,
		ReviewPassesPerTier: 1,
		ReviewPassesTopTier: 2,
		Tiers: []TierConfig{
			{Name: string(constants.TierLow), RelativeCost: constants.TierCost[constants.TierLow]},
			{Name: string(constants.TierMiddle), RelativeCost: constants.TierCost[constants.TierMiddle]},
			{Name: string(constants.TierTop), RelativeCost: constants.TierCost[constants.TierTop]},
		},
	}
}

// Load reads path (conventionally constants.ConfigFileName at the repo
// root). A missing file returns Default() with no error. A malformed
// file logs a warning and also returns Default() — config is never the
// reason a raid fails to start.
func Load(path string) Config {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("failed to read config %s, using defaults: %v", path, err)
		}
		return Default()
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		log.Printf("failed to parse config %s, using defaults: %v", path, err)
		return Default()
	}

	if err := Validate(cfg); err != nil {
		log.Printf("config %s failed validation, using defaults: %v", path, err)
		return Default()
	}

	return cfg
}

// Validate rejects configs with non-positive budgets or an empty tier table.
func Validate(cfg Config) error {
	if cfg.MaxRetriesPerTier <= 0 {
		return fmt.Errorf("%w: maxRetriesPerTier must be > 0", ErrInvalidConfig)
	}
	if cfg.MaxRetriesAtTopTier <= 0 {
		return fmt.Errorf("%w: maxRetriesAtTopTier must be > 0", ErrInvalidConfig)
	}
	if cfg.MaxWritesPerFile <= 0 {
		return fmt.Errorf("%w: maxWritesPerFile must be > 0", ErrInvalidConfig)
	}
	if cfg.MaxConcurrency <= 0 {
		return fmt.Errorf("%w: maxConcurrency must be > 0", ErrInvalidConfig)
	}
	if len(cfg.Tiers) == 0 {
		return fmt.Errorf("%w: tiers must not be empty", ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(cfg.Tiers))
	for _, tier := range cfg.Tiers {
		if tier.Name == "" {
			return fmt.Errorf("%w: tier with empty name", ErrInvalidConfig)
		}
		if tier.RelativeCost <= 0 {
			return fmt.Errorf("%w: tier %q has non-positive relative cost", ErrInvalidConfig, tier.Name)
		}
		if seen[tier.Name] {
			return fmt.Errorf("%w: duplicate tier %q", ErrInvalidConfig, tier.Name)
		}
		seen[tier.Name] = true
	}
	return nil
}

// RelativeCost looks up a tier's configured relative cost, falling back
// to 1 (cheapest) when the tier is unknown.
func (c Config) RelativeCost(tier string) int {
	for _, t := range c.Tiers {
		if t.Name == tier {
			return t.RelativeCost
		}
	}
	return 1
}
