package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ihoward40/SintraPrime-sub012/pkg/tiers"
)

// PolicyFile is the YAML overlay named by SPEECH_POLICY_FILE. Only fields
// present in the file replace environment values.
type PolicyFile struct {
	Enabled               *bool          `yaml:"enabled,omitempty"`
	Categories            []string       `yaml:"categories,omitempty"`
	RedactAllowCategories []string       `yaml:"redact_allow_categories,omitempty"`
	VoiceBudget           *int64         `yaml:"voice_budget,omitempty"`
	MaxPerMinute          *int           `yaml:"max_per_minute,omitempty"`
	Delta                 *DeltaPolicy   `yaml:"delta,omitempty"`
	LowConfidence         *GatePolicy    `yaml:"low_confidence,omitempty"`
	Expr                  *string        `yaml:"expr,omitempty"`
	Sinks                 []string       `yaml:"sinks,omitempty"`
	Tiers                 []string       `yaml:"tiers,omitempty"`
	AutonomyMode          *string        `yaml:"autonomy_mode,omitempty"`
	FallbackTimeout       *time.Duration `yaml:"fallback_timeout,omitempty"`
}

// DeltaPolicy overlays the dedup settings.
type DeltaPolicy struct {
	Only    *bool          `yaml:"only,omitempty"`
	Persist *bool          `yaml:"persist,omitempty"`
	TTL     *time.Duration `yaml:"ttl,omitempty"`
}

// GatePolicy overlays the low-confidence thresholds.
type GatePolicy struct {
	Threshold   *float64       `yaml:"threshold,omitempty"`
	Strict      *float64       `yaml:"strict,omitempty"`
	CooldownMin *time.Duration `yaml:"cooldown_min,omitempty"`
	CooldownMax *time.Duration `yaml:"cooldown_max,omitempty"`
}

// LoadPolicyFile parses the YAML policy at path. Tier names are checked here
// so a typo fails at load rather than at first route.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy %q: %w", path, err)
	}

	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse policy %q: %w", path, err)
	}
	if _, err := tiers.Parse(pf.Tiers); err != nil {
		return nil, fmt.Errorf("parse policy %q: %w", path, err)
	}
	return &pf, nil
}

// Apply overlays the file onto cfg.
func (p *PolicyFile) Apply(cfg *Config) {
	if p.Enabled != nil {
		cfg.Enabled = *p.Enabled
	}
	if p.Categories != nil {
		cfg.Categories = p.Categories
	}
	if p.RedactAllowCategories != nil {
		cfg.RedactAllowCategories = p.RedactAllowCategories
	}
	if p.VoiceBudget != nil {
		cfg.VoiceBudget = *p.VoiceBudget
		if cfg.VoiceBudget < 0 {
			cfg.VoiceBudget = -1
		}
	}
	if p.MaxPerMinute != nil {
		cfg.MaxPerMinute = *p.MaxPerMinute
	}
	if d := p.Delta; d != nil {
		if d.Only != nil {
			cfg.DeltaOnly = *d.Only
		}
		if d.Persist != nil {
			cfg.DeltaPersist = *d.Persist
		}
		if d.TTL != nil {
			cfg.DeltaTTL = *d.TTL
		}
	}
	if g := p.LowConfidence; g != nil {
		if g.Threshold != nil {
			cfg.Gate.LowConfidenceThreshold = *g.Threshold
		}
		if g.Strict != nil {
			cfg.Gate.StrictConfidence = *g.Strict
		}
		if g.CooldownMin != nil {
			cfg.Gate.CooldownMin = *g.CooldownMin
		}
		if g.CooldownMax != nil {
			cfg.Gate.CooldownMax = *g.CooldownMax
		}
	}
	if p.Expr != nil {
		cfg.PolicyExpr = *p.Expr
	}
	if p.Sinks != nil {
		cfg.Sinks = p.Sinks
	}
	if p.Tiers != nil {
		// validated in LoadPolicyFile
		cfg.Tiers, _ = tiers.Parse(p.Tiers)
	}
	if p.AutonomyMode != nil {
		cfg.AutonomyMode = *p.AutonomyMode
	}
	if p.FallbackTimeout != nil {
		cfg.FallbackTimeout = *p.FallbackTimeout
	}
}
