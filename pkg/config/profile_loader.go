package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// EngineProfile tunes one run configuration. Profiles are named YAML
// files so operators can switch between, say, a fast smoke profile and
// the certification profile without rebuilding.
type EngineProfile struct {
	Name                     string       `yaml:"name" json:"name"`
	MinimumReplays           int          `yaml:"minimum_replays" json:"minimum_replays"`
	Workers                  int          `yaml:"workers" json:"workers"`
	InvocationTimeoutSeconds int          `yaml:"invocation_timeout_seconds" json:"invocation_timeout_seconds"`
	Retry                    RetryProfile `yaml:"retry" json:"retry"`
	RateLimit                RateProfile  `yaml:"rate_limit" json:"rate_limit"`
}

// RetryProfile configures the oracle invoker's retry policy.
type RetryProfile struct {
	MaxRetries  int    `yaml:"max_retries" json:"max_retries"`
	Strategy    string `yaml:"strategy" json:"strategy"` // "fixed" | "exponential"
	BaseDelayMs int    `yaml:"base_delay_ms" json:"base_delay_ms"`
	MaxDelayMs  int    `yaml:"max_delay_ms" json:"max_delay_ms"`
	MaxJitterMs int    `yaml:"max_jitter_ms" json:"max_jitter_ms"`
}

// RateProfile configures per-construct invocation throttling.
type RateProfile struct {
	RPS   float64 `yaml:"rps" json:"rps"`
	Burst int     `yaml:"burst" json:"burst"`
}

// DefaultProfile is used when no profile is configured.
func DefaultProfile() *EngineProfile {
	return &EngineProfile{
		Name:                     "default",
		MinimumReplays:           50,
		Workers:                  4,
		InvocationTimeoutSeconds: 30,
		Retry: RetryProfile{
			MaxRetries:  2,
			Strategy:    "exponential",
			BaseDelayMs: 250,
			MaxDelayMs:  5000,
			MaxJitterMs: 100,
		},
		RateLimit: RateProfile{RPS: 10, Burst: 20},
	}
}

// LoadProfile reads profile_<name>.yaml from the profiles directory.
// Zero-valued fields fall back to the default profile.
func LoadProfile(profilesDir, name string) (*EngineProfile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}

	profile := DefaultProfile()
	if err := yaml.Unmarshal(data, profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}
	if profile.Name == "" {
		profile.Name = name
	}
	applyDefaults(profile)
	return profile, nil
}

func applyDefaults(p *EngineProfile) {
	d := DefaultProfile()
	if p.MinimumReplays <= 0 {
		p.MinimumReplays = d.MinimumReplays
	}
	if p.Workers <= 0 {
		p.Workers = d.Workers
	}
	if p.InvocationTimeoutSeconds <= 0 {
		p.InvocationTimeoutSeconds = d.InvocationTimeoutSeconds
	}
	if p.Retry.Strategy == "" {
		p.Retry = d.Retry
	}
	if p.RateLimit.RPS <= 0 {
		p.RateLimit = d.RateLimit
	}
}
