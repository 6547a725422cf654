// Package config loads and validates the declarative space descriptor.
//
// A space descriptor enumerates the participants of a space, the bearer
// tokens that authenticate them, and their baseline capabilities. The
// auto-start keys (command, args, env, output_log, fifo) are parsed and
// exposed for external process supervisors but never consumed by the
// gateway itself; the core only uses tokens and capabilities.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rjcorwin/mew-gateway/internal/capability"
)

// SpaceConfig is the root of one space descriptor document.
type SpaceConfig struct {
	Space        SpaceMeta                    `yaml:"space"`
	Participants map[string]ParticipantConfig `yaml:"participants"`
	Defaults     *Defaults                    `yaml:"defaults,omitempty"`

	// Additional protocol versions accepted at ingress besides the
	// current one.
	AcceptLegacy []string `yaml:"accept_legacy,omitempty"`
}

// SpaceMeta names the space.
type SpaceMeta struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name,omitempty"`
}

// ParticipantConfig declares one participant: its bearer tokens, baseline
// capabilities, and optional supervisor instructions.
type ParticipantConfig struct {
	Tokens       []string                `yaml:"tokens"`
	Capabilities []capability.Capability `yaml:"capabilities"`

	// Supervisor-only keys, not consumed by the gateway core.
	AutoStart bool              `yaml:"auto_start,omitempty"`
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	OutputLog string            `yaml:"output_log,omitempty"`
	FIFO      bool              `yaml:"fifo,omitempty"`
}

// Defaults holds the fallback capability set for tokens that match no
// declared participant. When the section is absent, unknown tokens are
// rejected.
type Defaults struct {
	Capabilities []capability.Capability `yaml:"capabilities"`
}

// Load reads and validates a space descriptor file.
func Load(filename string) (*SpaceConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read space descriptor: %w", err)
	}
	return Parse(data)
}

// Parse validates a descriptor document from memory.
func Parse(data []byte) (*SpaceConfig, error) {
	var cfg SpaceConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse space descriptor: %w", err)
	}

	if cfg.Space.ID == "" {
		return nil, fmt.Errorf("space.id is required")
	}
	if cfg.Space.Name == "" {
		cfg.Space.Name = cfg.Space.ID
	}

	// Validate capability patterns compile and tokens are unique.
	seen := make(map[string]string)
	for id, p := range cfg.Participants {
		for _, token := range p.Tokens {
			if token == "" {
				return nil, fmt.Errorf("participant %s: empty token", id)
			}
			if other, dup := seen[token]; dup {
				return nil, fmt.Errorf("token shared by participants %s and %s", other, id)
			}
			seen[token] = id
		}
		if _, err := capability.NewSet(p.Capabilities); err != nil {
			return nil, fmt.Errorf("participant %s: %w", id, err)
		}
	}
	if cfg.Defaults != nil {
		if _, err := capability.NewSet(cfg.Defaults.Capabilities); err != nil {
			return nil, fmt.Errorf("defaults: %w", err)
		}
	}

	return &cfg, nil
}

// Identity is the result of resolving a bearer token.
type Identity struct {
	ParticipantID string
	Capabilities  []capability.Capability
}

// Resolve maps a bearer token to a participant identity and its baseline
// capabilities. Unknown tokens fall back to defaults.capabilities when
// configured (the participant id is then derived from the token) and are
// rejected otherwise.
func (c *SpaceConfig) Resolve(token string) (*Identity, bool) {
	for id, p := range c.Participants {
		for _, t := range p.Tokens {
			if t == token {
				return &Identity{ParticipantID: id, Capabilities: p.Capabilities}, true
			}
		}
	}
	if c.Defaults != nil {
		return &Identity{
			ParticipantID: anonymousID(token),
			Capabilities:  c.Defaults.Capabilities,
		}, true
	}
	return nil, false
}

// anonymousID derives a stable participant id for default-capability
// tokens without echoing the secret back.
func anonymousID(token string) string {
	var sum uint32 = 2166136261
	for i := 0; i < len(token); i++ {
		sum ^= uint32(token[i])
		sum *= 16777619
	}
	return fmt.Sprintf("guest-%08x", sum)
}
