package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// profileSchemaRange is the range of profile schema versions this build
// accepts. Profiles written for a newer major schema are rejected at load.
const profileSchemaRange = ">=1.0.0 <2.0.0"

// Profile is a named gate configuration: the confidence threshold, token
// lifetime, and the world probes the enforcement sweep evaluates.
type Profile struct {
	Name            string      `yaml:"name" json:"name"`
	SchemaVersion   string      `yaml:"schema_version" json:"schema_version"`
	MinConfidence   float64     `yaml:"min_confidence" json:"min_confidence"`
	TokenTTLSeconds int         `yaml:"token_ttl_seconds" json:"token_ttl_seconds"`
	Probes          []ProbeSpec `yaml:"probes,omitempty" json:"probes,omitempty"`
}

// ProbeSpec declares a single world probe as a CEL expression over the fact
// table. Critical probes trip the auto-freeze when they fail.
type ProbeSpec struct {
	Name     string `yaml:"name" json:"name"`
	Expr     string `yaml:"expr" json:"expr"`
	Critical bool   `yaml:"critical" json:"critical"`
}

// LoadGateProfile loads a gate profile YAML by name.
// It searches the profiles directory for profile_<name>.yaml.
func LoadGateProfile(profilesDir, name string) (*Profile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}
	if profile.Name == "" {
		profile.Name = name
	}
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("profile %q: %w", name, err)
	}

	return &profile, nil
}

// LoadAllGateProfiles loads every profile_*.yaml from the profiles directory.
// Invalid profiles fail the whole load; a partially usable profile set is
// worse than none.
func LoadAllGateProfiles(profilesDir string) (map[string]*Profile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*Profile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile Profile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.Name == "" {
			base := filepath.Base(path)
			profile.Name = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		if err := profile.Validate(); err != nil {
			return nil, fmt.Errorf("profile %s: %w", path, err)
		}

		profiles[profile.Name] = &profile
	}

	return profiles, nil
}

// Validate checks schema compatibility and value ranges.
func (p *Profile) Validate() error {
	if p.SchemaVersion == "" {
		return fmt.Errorf("schema_version is required")
	}
	v, err := semver.NewVersion(p.SchemaVersion)
	if err != nil {
		return fmt.Errorf("schema_version %q: %w", p.SchemaVersion, err)
	}
	constraint, err := semver.NewConstraint(profileSchemaRange)
	if err != nil {
		return fmt.Errorf("schema constraint: %w", err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("schema_version %s outside supported range %s", p.SchemaVersion, profileSchemaRange)
	}

	if p.MinConfidence < 0 || p.MinConfidence > 1 {
		return fmt.Errorf("min_confidence out of range [0,1]: %v", p.MinConfidence)
	}
	if p.TokenTTLSeconds < 0 {
		return fmt.Errorf("token_ttl_seconds must not be negative: %d", p.TokenTTLSeconds)
	}
	for i, probe := range p.Probes {
		if probe.Name == "" {
			return fmt.Errorf("probes[%d]: name is required", i)
		}
		if probe.Expr == "" {
			return fmt.Errorf("probes[%d] (%s): expr is required", i, probe.Name)
		}
	}
	return nil
}

// DefaultGateProfile returns the built-in profile used when no profile file
// is present: threshold 0.6, five minute tokens, no probes.
func DefaultGateProfile() *Profile {
	return &Profile{
		Name:            "default",
		SchemaVersion:   "1.0.0",
		MinConfidence:   0.6,
		TokenTTLSeconds: 300,
	}
}
