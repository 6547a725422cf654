// Package capability implements the admission model for MEW spaces.
//
// A capability is a declarative pattern authorizing a participant to emit
// envelopes of a given shape. Each capability compiles into a matcher
// triple (kind, to, payload); an outbound envelope is admitted iff at
// least one triple on the sender matches it.
//
// Key Features:
// - Left-anchored wildcard kind patterns ("mcp/*", "mcp/request:tools/*")
// - Recipient set restriction with wildcard entries
// - Shallow recursive payload matching (absent fields are wildcards)
// - Dynamic grant/revoke with coverage checks against the granter's set
//
// Called by: space router admission, proposal/grant engine, config loader
package capability

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Capability is the declarative wire/config form of one authorization
// pattern. Payload sub-patterns match on equality of the specified fields;
// fields absent from the pattern are wildcards.
type Capability struct {
	ID      string                 `json:"id,omitempty" yaml:"id,omitempty"`
	Kind    string                 `json:"kind" yaml:"kind"`
	To      StringOrList           `json:"to,omitempty" yaml:"to,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// StringOrList accepts either a single pattern or a list of patterns in
// JSON and YAML documents.
type StringOrList []string

// UnmarshalJSON accepts "x" and ["x","y"].
func (s *StringOrList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = StringOrList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected string or string list: %w", err)
	}
	*s = StringOrList(many)
	return nil
}

// UnmarshalYAML accepts the same two shapes from space descriptors.
func (s *StringOrList) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var one string
	if err := unmarshal(&one); err == nil {
		*s = StringOrList{one}
		return nil
	}
	var many []string
	if err := unmarshal(&many); err != nil {
		return fmt.Errorf("expected string or string list: %w", err)
	}
	*s = StringOrList(many)
	return nil
}

// pattern is one compiled string matcher. Tagged variant rather than a
// regexp so the admission path allocates nothing.
type pattern struct {
	variant patternVariant
	literal string // exact value, or prefix before the '*'
}

type patternVariant int

const (
	patternAny patternVariant = iota
	patternExact
	patternPrefix
)

// compilePattern turns a wildcard string into a tagged matcher. Only
// trailing '*' wildcards are supported; they are left-anchored, so
// "mcp/request:tools/*" matches "mcp/request:tools/call". A wildcard
// whose prefix ends at a segment separator also matches the bare stem:
// "capability/grant:*" matches "capability/grant" itself.
func compilePattern(p string) pattern {
	if p == "*" {
		return pattern{variant: patternAny}
	}
	if strings.HasSuffix(p, "*") {
		return pattern{variant: patternPrefix, literal: strings.TrimSuffix(p, "*")}
	}
	return pattern{variant: patternExact, literal: p}
}

// stem returns the prefix literal without its trailing segment separator,
// when it has one.
func (p pattern) stem() (string, bool) {
	if n := len(p.literal); n > 0 && (p.literal[n-1] == ':' || p.literal[n-1] == '/') {
		return p.literal[:n-1], true
	}
	return "", false
}

func (p pattern) matches(s string) bool {
	switch p.variant {
	case patternAny:
		return true
	case patternPrefix:
		if strings.HasPrefix(s, p.literal) {
			return true
		}
		stem, ok := p.stem()
		return ok && s == stem
	default:
		return s == p.literal
	}
}

// covers reports whether every string matched by other is also matched by
// p. Used for grant authorization: a granter may only hand out patterns
// its own capabilities cover.
func (p pattern) covers(other pattern) bool {
	switch p.variant {
	case patternAny:
		return true
	case patternPrefix:
		switch other.variant {
		case patternAny:
			return p.literal == ""
		default:
			// Exact and narrower prefixes are covered when their
			// literal extends ours; an exact bare stem is covered too.
			if strings.HasPrefix(other.literal, p.literal) {
				return true
			}
			stem, ok := p.stem()
			return ok && other.variant == patternExact && other.literal == stem
		}
	default:
		return other.variant == patternExact && other.literal == p.literal
	}
}

// Compiled is one capability with its matcher triple ready to run.
type Compiled struct {
	Source  Capability
	GrantID string // non-empty when the capability arrived via a grant

	kind    pattern
	to      []pattern // empty means any recipient set
	payload map[string]interface{}
}

// Compile builds the matcher triple for a capability. Capabilities without
// an explicit id are assigned one so denial diagnostics can reference them.
func Compile(c Capability) (*Compiled, error) {
	if c.Kind == "" {
		return nil, fmt.Errorf("capability kind pattern is required")
	}
	if c.ID == "" {
		c.ID = "cap-" + uuid.New().String()[:8]
	}

	compiled := &Compiled{
		Source:  c,
		kind:    compilePattern(c.Kind),
		payload: c.Payload,
	}
	for _, t := range c.To {
		compiled.to = append(compiled.to, compilePattern(t))
	}
	return compiled, nil
}

// MatchKind runs the kind matcher alone. The grant engine uses this to
// test whether a granter may issue grants at all.
func (c *Compiled) MatchKind(kind string) bool {
	return c.kind.matches(kind)
}

// Match runs the full triple against an outbound envelope's kind,
// recipient list, and payload.
func (c *Compiled) Match(kind string, to []string, payload json.RawMessage) bool {
	if !c.kind.matches(kind) {
		return false
	}

	// Recipient restriction: every addressed id must match at least one
	// of the capability's to-patterns.
	if len(c.to) > 0 {
		for _, recipient := range to {
			matched := false
			for _, p := range c.to {
				if p.matches(recipient) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		}
	}

	if c.payload != nil {
		if payload == nil {
			return false
		}
		var decoded interface{}
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return false
		}
		obj, ok := decoded.(map[string]interface{})
		if !ok {
			return false
		}
		if !matchPayload(c.payload, obj) {
			return false
		}
	}

	return true
}

// matchPayload is the recursive field match. Arrays compare element-wise
// only when the pattern side is an array; any type mismatch is no match.
func matchPayload(patternObj map[string]interface{}, value map[string]interface{}) bool {
	for key, pv := range patternObj {
		vv, ok := value[key]
		if !ok {
			return false
		}
		if !matchValue(pv, vv) {
			return false
		}
	}
	return true
}

func matchValue(pv, vv interface{}) bool {
	switch p := pv.(type) {
	case map[string]interface{}:
		obj, ok := vv.(map[string]interface{})
		if !ok {
			return false
		}
		return matchPayload(p, obj)
	case []interface{}:
		arr, ok := vv.([]interface{})
		if !ok || len(arr) != len(p) {
			return false
		}
		for i := range p {
			if !matchValue(p[i], arr[i]) {
				return false
			}
		}
		return true
	case string:
		s, ok := vv.(string)
		if !ok {
			return false
		}
		return compilePattern(p).matches(s)
	default:
		// Numbers, booleans, null: strict equality via normalized form.
		pb, err1 := json.Marshal(pv)
		vb, err2 := json.Marshal(vv)
		return err1 == nil && err2 == nil && string(pb) == string(vb)
	}
}

// Covers reports whether this capability authorizes at least everything
// the other one does: kind and recipient patterns must be covered and the
// payload pattern must not be narrower than the grant requests.
func (c *Compiled) Covers(other *Compiled) bool {
	if !c.kind.covers(other.kind) {
		return false
	}
	// An unrestricted recipient set covers anything; a restricted one
	// must cover every pattern of the other.
	if len(c.to) > 0 {
		if len(other.to) == 0 {
			return false
		}
		for _, op := range other.to {
			covered := false
			for _, p := range c.to {
				if p.covers(op) {
					covered = true
					break
				}
			}
			if !covered {
				return false
			}
		}
	}
	// A payload-restricted capability only covers grants carrying the
	// identical restriction; payload-free capabilities cover all.
	if c.payload != nil {
		if other.payload == nil {
			return false
		}
		cb, _ := json.Marshal(c.payload)
		ob, _ := json.Marshal(other.payload)
		if string(cb) != string(ob) {
			return false
		}
	}
	return true
}
