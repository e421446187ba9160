package config

import (
	"fmt"
	"os"
	"path"
	"time"

	"gopkg.in/yaml.v2"
)

// ProfileSet holds per-resource overrides read from a YAML file.
//
//	circuits:
//	  - match: "smtp:*"
//	    failure_threshold: 2
//	    recovery_timeout: 10s
type ProfileSet struct {
	Circuits []CircuitProfile `yaml:"circuits" json:"circuits"`
}

// CircuitProfile overrides breaker settings for resource keys matching a glob.
// Zero fields fall back to the defaults.
type CircuitProfile struct {
	Match            string        `yaml:"match" json:"match"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
}

// LoadProfiles reads a profile file. Environment variables in the file are expanded.
func LoadProfiles(filename string) (*ProfileSet, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles file: %w", err)
	}
	return ParseProfiles(data)
}

// ParseProfiles decodes profile YAML.
func ParseProfiles(data []byte) (*ProfileSet, error) {
	var set ProfileSet
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &set); err != nil {
		return nil, fmt.Errorf("failed to parse profiles: %w", err)
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return &set, nil
}

// Validate checks every profile pattern and value.
func (p *ProfileSet) Validate() error {
	for i, profile := range p.Circuits {
		if profile.Match == "" {
			return fmt.Errorf("circuit profile %d: match pattern is required", i)
		}
		if _, err := path.Match(profile.Match, ""); err != nil {
			return fmt.Errorf("circuit profile %d: invalid match pattern %q: %w", i, profile.Match, err)
		}
		if profile.FailureThreshold < 0 {
			return fmt.Errorf("circuit profile %d: failure threshold must not be negative", i)
		}
		if profile.RecoveryTimeout < 0 {
			return fmt.Errorf("circuit profile %d: recovery timeout must not be negative", i)
		}
	}
	return nil
}

// CircuitFor applies the first profile matching key over defaults.
func (p *ProfileSet) CircuitFor(key string, defaults CircuitConfig) CircuitConfig {
	for _, profile := range p.Circuits {
		if ok, _ := path.Match(profile.Match, key); !ok {
			continue
		}
		if profile.FailureThreshold > 0 {
			defaults.FailureThreshold = profile.FailureThreshold
		}
		if profile.RecoveryTimeout > 0 {
			defaults.RecoveryTimeout = profile.RecoveryTimeout
		}
		break
	}
	return defaults
}
