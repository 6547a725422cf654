package capability

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Decision is the outcome of one admission check. The router records every
// decision in the capability decision log, granted or denied.
type Decision struct {
	Allowed       bool
	CapabilityID  string // first matching capability (declaration order)
	Reason        string // "capability_violation" when denied
	AttemptedKind string
	EffectiveIDs  []string // sender's capability ids, for denial diagnostics
}

// ReasonViolation is the canonical denial reason.
const ReasonViolation = "capability_violation"

// Set holds one participant's compiled capabilities. The registry owns the
// set; admission checks read it under the set's own lock so grant/revoke
// from another sender takes effect before the next envelope is admitted.
type Set struct {
	mu   sync.RWMutex
	caps []*Compiled
}

// NewSet compiles the baseline capabilities from the space descriptor.
func NewSet(caps []Capability) (*Set, error) {
	s := &Set{}
	for i, c := range caps {
		compiled, err := Compile(c)
		if err != nil {
			return nil, fmt.Errorf("capability %d: %w", i, err)
		}
		s.caps = append(s.caps, compiled)
	}
	return s, nil
}

// Admit checks an outbound envelope shape against the set. First match
// wins; declaration order only influences which capability id appears in
// the decision record.
func (s *Set) Admit(kind string, to []string, payload json.RawMessage) Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.caps {
		if c.Match(kind, to, payload) {
			return Decision{
				Allowed:       true,
				CapabilityID:  c.Source.ID,
				AttemptedKind: kind,
			}
		}
	}

	ids := make([]string, 0, len(s.caps))
	for _, c := range s.caps {
		ids = append(ids, c.Source.ID)
	}
	return Decision{
		Allowed:       false,
		Reason:        ReasonViolation,
		AttemptedKind: kind,
		EffectiveIDs:  ids,
	}
}

// Grant appends compiled capabilities tagged with the grant id so a later
// revoke can remove exactly this grant.
func (s *Set) Grant(grantID string, caps []Capability) error {
	compiled := make([]*Compiled, 0, len(caps))
	for i, c := range caps {
		cc, err := Compile(c)
		if err != nil {
			return fmt.Errorf("granted capability %d: %w", i, err)
		}
		cc.GrantID = grantID
		compiled = append(compiled, cc)
	}

	s.mu.Lock()
	s.caps = append(s.caps, compiled...)
	s.mu.Unlock()
	return nil
}

// Revoke removes capabilities by grant id when one is given, otherwise by
// structural equality with the provided capability set. Returns the number
// of entries removed.
func (s *Set) Revoke(grantID string, caps []Capability) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	kept := s.caps[:0]
	for _, c := range s.caps {
		if shouldRevoke(c, grantID, caps) {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	s.caps = kept
	return removed
}

func shouldRevoke(c *Compiled, grantID string, caps []Capability) bool {
	if grantID != "" {
		return c.GrantID == grantID
	}
	for _, target := range caps {
		if sameShape(c.Source, target) {
			return true
		}
	}
	return false
}

// sameShape compares the declarative form of two capabilities, ignoring
// assigned ids.
func sameShape(a, b Capability) bool {
	if a.Kind != b.Kind || len(a.To) != len(b.To) {
		return false
	}
	for i := range a.To {
		if a.To[i] != b.To[i] {
			return false
		}
	}
	ab, _ := json.Marshal(a.Payload)
	bb, _ := json.Marshal(b.Payload)
	return string(ab) == string(bb)
}

// Covers reports whether this set covers every capability in the proposed
// grant. Grants exceeding the granter's own powers are rejected upstream
// with unauthorized_grant.
func (s *Set) Covers(caps []Capability) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range caps {
		target, err := Compile(c)
		if err != nil {
			return false
		}
		covered := false
		for _, own := range s.caps {
			if own.Covers(target) {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

// HoldsKind reports whether any capability's kind pattern matches the
// given kind. The grant engine uses it for the capability/grant
// meta-capability check.
func (s *Set) HoldsKind(kind string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.caps {
		if c.MatchKind(kind) {
			return true
		}
	}
	return false
}

// List returns the declarative form of the current capabilities, in
// declaration order. Used for welcome snapshots and status replies.
func (s *Set) List() []Capability {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Capability, 0, len(s.caps))
	for _, c := range s.caps {
		out = append(out, c.Source)
	}
	return out
}
