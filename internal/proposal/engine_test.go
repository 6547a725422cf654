package proposal

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rjcorwin/mew-gateway/internal/capability"
	"github.com/rjcorwin/mew-gateway/internal/envelope"
)

// fakeRegistry backs the engine with in-memory capability sets.
type fakeRegistry struct {
	sets map[string]*capability.Set
}

func (r *fakeRegistry) Capabilities(id string) (*capability.Set, bool) {
	s, ok := r.sets[id]
	return s, ok
}

func (r *fakeRegistry) Grant(id, grantID string, caps []capability.Capability) error {
	return r.sets[id].Grant(grantID, caps)
}

func (r *fakeRegistry) Revoke(id, grantID string, caps []capability.Capability) int {
	return r.sets[id].Revoke(grantID, caps)
}

type collector struct {
	mu   sync.Mutex
	envs []*envelope.Envelope
}

func (c *collector) emit(env *envelope.Envelope) {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
}

func (c *collector) byKind(kind string) []*envelope.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*envelope.Envelope
	for _, e := range c.envs {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func newTestEngine(t *testing.T, reg Registry) (*Engine, *collector) {
	t.Helper()
	c := &collector{}
	e := NewEngine(reg, 0, c.emit, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return e, c
}

func mustEnvelope(t *testing.T, from, kind string, payload interface{}) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(from, kind, payload)
	if err != nil {
		t.Fatalf("envelope.New failed: %v", err)
	}
	return env
}

func mustSet(t *testing.T, caps ...capability.Capability) *capability.Set {
	t.Helper()
	s, err := capability.NewSet(caps)
	if err != nil {
		t.Fatalf("NewSet failed: %v", err)
	}
	return s
}

func TestProposalLifecycleFirstFulfillmentWins(t *testing.T) {
	e, _ := newTestEngine(t, &fakeRegistry{sets: map[string]*capability.Set{}})

	prop := mustEnvelope(t, "agent", envelope.KindMCPProposal, map[string]string{"method": "tools/call"})
	e.Observe(prop, nil)

	p, ok := e.Get(prop.ID)
	if !ok || p.Status != StatusPending {
		t.Fatalf("expected pending proposal, got %+v", p)
	}

	fulfill := mustEnvelope(t, "alice", envelope.KindMCPRequest, nil)
	fulfill.CorrelationID = []string{prop.ID}
	e.Observe(fulfill, nil)

	p, _ = e.Get(prop.ID)
	if p.Status != StatusAccepted || p.AcceptedBy != "alice" {
		t.Fatalf("expected accepted by alice, got %+v", p)
	}

	// A second fulfillment attempt must not change the terminal state.
	dup := mustEnvelope(t, "bob", envelope.KindMCPRequest, nil)
	dup.CorrelationID = []string{prop.ID}
	e.Observe(dup, nil)

	p, _ = e.Get(prop.ID)
	if p.AcceptedBy != "alice" {
		t.Errorf("duplicate fulfillment must be ignored, accepted_by = %s", p.AcceptedBy)
	}
}

func TestResponseFansOutToProposer(t *testing.T) {
	e, _ := newTestEngine(t, &fakeRegistry{sets: map[string]*capability.Set{}})

	prop := mustEnvelope(t, "agent", envelope.KindMCPProposal, nil)
	e.Observe(prop, nil)

	fulfill := mustEnvelope(t, "alice", envelope.KindMCPRequest, nil)
	fulfill.CorrelationID = []string{prop.ID}
	e.Observe(fulfill, nil)

	resp := mustEnvelope(t, "toolsvc", envelope.KindMCPResponse, nil)
	resp.To = []string{"alice"}
	resp.CorrelationID = []string{fulfill.ID}
	v := e.Observe(resp, nil)

	if len(v.ExtraRecipients) != 1 || v.ExtraRecipients[0] != "agent" {
		t.Fatalf("response should fan out to the proposer, got %v", v.ExtraRecipients)
	}

	// Already-addressed proposer must not be duplicated.
	resp2 := mustEnvelope(t, "toolsvc", envelope.KindMCPResponse, nil)
	resp2.To = []string{"alice", "agent"}
	resp2.CorrelationID = []string{fulfill.ID}
	if v := e.Observe(resp2, nil); len(v.ExtraRecipients) != 0 {
		t.Errorf("proposer already addressed, got extras %v", v.ExtraRecipients)
	}
}

func TestWithdrawIsProposerOnly(t *testing.T) {
	e, _ := newTestEngine(t, &fakeRegistry{sets: map[string]*capability.Set{}})

	prop := mustEnvelope(t, "agent", envelope.KindMCPProposal, nil)
	e.Observe(prop, nil)

	intruder := mustEnvelope(t, "mallory", envelope.KindMCPWithdraw, nil)
	intruder.CorrelationID = []string{prop.ID}
	e.Observe(intruder, nil)
	if p, _ := e.Get(prop.ID); p.Status != StatusPending {
		t.Fatal("withdraw by a non-proposer must be ignored")
	}

	own := mustEnvelope(t, "agent", envelope.KindMCPWithdraw, nil)
	own.CorrelationID = []string{prop.ID}
	e.Observe(own, nil)
	if p, _ := e.Get(prop.ID); p.Status != StatusWithdrawn {
		t.Fatal("proposer withdraw should terminate the proposal")
	}
}

func TestRejectTerminates(t *testing.T) {
	e, _ := newTestEngine(t, &fakeRegistry{sets: map[string]*capability.Set{}})

	prop := mustEnvelope(t, "agent", envelope.KindMCPProposal, nil)
	e.Observe(prop, nil)

	reject := mustEnvelope(t, "alice", envelope.KindMCPReject, map[string]string{"reason": "too risky"})
	reject.CorrelationID = []string{prop.ID}
	e.Observe(reject, nil)

	p, _ := e.Get(prop.ID)
	if p.Status != StatusRejected {
		t.Fatalf("expected rejected, got %s", p.Status)
	}

	// Fulfillment after a terminal state must not flip it.
	late := mustEnvelope(t, "alice", envelope.KindMCPRequest, nil)
	late.CorrelationID = []string{prop.ID}
	e.Observe(late, nil)
	if p, _ := e.Get(prop.ID); p.Status != StatusRejected {
		t.Error("terminal state must be sticky")
	}
}

func TestSweepExpiresAndNotifies(t *testing.T) {
	e, c := newTestEngine(t, &fakeRegistry{sets: map[string]*capability.Set{}})

	prop := mustEnvelope(t, "agent", envelope.KindMCPProposal, nil)
	prop.TS = time.Now().Add(-2 * DefaultTTL)
	e.Observe(prop, nil)

	e.sweep(time.Now())

	p, _ := e.Get(prop.ID)
	if p.Status != StatusExpired {
		t.Fatalf("expected expired, got %s", p.Status)
	}

	notices := c.byKind(envelope.KindSystemError)
	if len(notices) != 1 {
		t.Fatalf("expected one expiry notice, got %d", len(notices))
	}
	n := notices[0]
	if len(n.To) != 1 || n.To[0] != "agent" {
		t.Errorf("notice should target the proposer, got %v", n.To)
	}
	if !n.CorrelatesTo(prop.ID) {
		t.Error("notice should correlate to the proposal")
	}
}

func TestGrantRequiresCoverage(t *testing.T) {
	reg := &fakeRegistry{sets: map[string]*capability.Set{
		"bob": mustSet(t, capability.Capability{Kind: "chat"}),
	}}
	e, c := newTestEngine(t, reg)

	granterCaps := mustSet(t,
		capability.Capability{Kind: "capability/*"},
		capability.Capability{Kind: "mcp/*"},
	)

	// Within coverage: allowed.
	grant := mustEnvelope(t, "alice", envelope.KindCapabilityGrant, map[string]interface{}{
		"recipient":    "bob",
		"capabilities": []capability.Capability{{Kind: "mcp/request"}},
	})
	if v := e.Observe(grant, granterCaps); v.Reject {
		t.Fatalf("covered grant should be applied, got reject %s", v.Reason)
	}
	if !reg.sets["bob"].Admit("mcp/request", nil, nil).Allowed {
		t.Fatal("recipient should hold the granted capability")
	}

	acks := c.byKind(envelope.KindCapabilityGrantAck)
	if len(acks) != 1 {
		t.Fatalf("expected one grant-ack, got %d", len(acks))
	}
	if len(acks[0].To) != 2 {
		t.Errorf("grant-ack should target granter and recipient, got %v", acks[0].To)
	}

	// Beyond coverage: refused.
	escalate := mustEnvelope(t, "alice", envelope.KindCapabilityGrant, map[string]interface{}{
		"recipient":    "bob",
		"capabilities": []capability.Capability{{Kind: "*"}},
	})
	v := e.Observe(escalate, granterCaps)
	if !v.Reject || v.Reason != ReasonUnauthorizedGrant {
		t.Fatalf("grant beyond the granter's powers must be refused, got %+v", v)
	}
	if reg.sets["bob"].Admit("participant/pause", nil, nil).Allowed {
		t.Error("refused grant must not change the recipient's set")
	}
}

func TestGrantToUnknownRecipient(t *testing.T) {
	e, _ := newTestEngine(t, &fakeRegistry{sets: map[string]*capability.Set{}})

	grant := mustEnvelope(t, "alice", envelope.KindCapabilityGrant, map[string]interface{}{
		"recipient":    "ghost",
		"capabilities": []capability.Capability{{Kind: "chat"}},
	})
	v := e.Observe(grant, mustSet(t, capability.Capability{Kind: "*"}))
	if !v.Reject || v.Reason != ReasonUnknownRecipient {
		t.Fatalf("expected unknown_recipient, got %+v", v)
	}
}

func TestRevokeByGrantID(t *testing.T) {
	reg := &fakeRegistry{sets: map[string]*capability.Set{
		"bob": mustSet(t, capability.Capability{Kind: "chat"}),
	}}
	e, _ := newTestEngine(t, reg)
	granterCaps := mustSet(t, capability.Capability{Kind: "*"})

	grant := mustEnvelope(t, "alice", envelope.KindCapabilityGrant, map[string]interface{}{
		"recipient":    "bob",
		"grant_id":     "grant-xyz",
		"capabilities": []capability.Capability{{Kind: "mcp/*"}},
	})
	e.Observe(grant, granterCaps)
	if !reg.sets["bob"].Admit("mcp/request", nil, nil).Allowed {
		t.Fatal("grant should apply")
	}

	revoke := mustEnvelope(t, "alice", envelope.KindCapabilityRevoke, map[string]interface{}{
		"recipient": "bob",
		"grant_id":  "grant-xyz",
	})
	if v := e.Observe(revoke, granterCaps); v.Reject {
		t.Fatalf("revoke should be applied, got %s", v.Reason)
	}
	if reg.sets["bob"].Admit("mcp/request", nil, nil).Allowed {
		t.Error("revoked capability should no longer admit")
	}
}
