// Package proposal implements the proposal lifecycle and dynamic
// capability grants.
//
// A participant lacking direct capability for an action broadcasts an
// mcp/proposal describing what it wants done. Any peer holding the
// corresponding capability may fulfill it by sending the real mcp/request
// correlated to the proposal id; the engine marks the proposal accepted on
// the first fulfillment and fans the eventual mcp/response out to both the
// fulfiller and the original proposer. Proposals reach exactly one
// terminal state: accepted, rejected, withdrawn, or expired.
//
// The same engine owns capability/grant and capability/revoke: a granter
// may only hand out capabilities its own set covers, otherwise the grant
// is refused with unauthorized_grant.
package proposal

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rjcorwin/mew-gateway/internal/capability"
	"github.com/rjcorwin/mew-gateway/internal/envelope"
)

// Status of a proposal. Exactly one terminal state is reached; later
// transitions are ignored.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusWithdrawn Status = "withdrawn"
	StatusExpired   Status = "expired"
)

// DefaultTTL bounds how long a proposal stays pending.
const DefaultTTL = 5 * time.Minute

// Refusal reasons surfaced to senders via system/error.
const (
	ReasonUnauthorizedGrant = "unauthorized_grant"
	ReasonUnknownRecipient  = "unknown_recipient"
)

// Proposal is one tracked proposal state machine.
type Proposal struct {
	ID         string          `json:"proposal_id"`
	Proposer   string          `json:"proposer"`
	Recipients []string        `json:"intended_recipients,omitempty"`
	Payload    json.RawMessage `json:"payload_template,omitempty"`
	Status     Status          `json:"status"`
	AcceptedBy string          `json:"accepted_by,omitempty"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// Registry is the slice of the participant registry the engine needs to
// apply grants. Implemented by the space.
type Registry interface {
	Capabilities(participantID string) (*capability.Set, bool)
	Grant(participantID, grantID string, caps []capability.Capability) error
	Revoke(participantID, grantID string, caps []capability.Capability) int
}

// Verdict is the engine's instruction back to the router for one observed
// envelope. A rejected envelope is not routed; the router surfaces the
// reason to the sender and records a dropped event.
type Verdict struct {
	Reject          bool
	Reason          string
	ExtraRecipients []string // appended to env.To before delivery
}

// grantPayload is the wire shape of capability/grant and capability/revoke.
type grantPayload struct {
	Recipient    string                  `json:"recipient"`
	Capabilities []capability.Capability `json:"capabilities"`
	GrantID      string                  `json:"grant_id,omitempty"`
	Reason       string                  `json:"reason,omitempty"`
}

// grantAck is the wire shape of capability/grant-ack.
type grantAck struct {
	GrantID      string                  `json:"grant_id"`
	Recipient    string                  `json:"recipient"`
	Capabilities []capability.Capability `json:"capabilities"`
	Status       string                  `json:"status"` // granted | revoked
}

// Engine tracks proposal state machines for one space and applies
// capability mutations.
type Engine struct {
	mu           sync.Mutex
	proposals    map[string]*Proposal
	fulfillments map[string]string // fulfillment request id -> proposal id

	ttl      time.Duration
	registry Registry
	emit     func(*envelope.Envelope)
	log      *slog.Logger
}

// NewEngine creates the engine. emit receives synthesized envelopes
// (grant-acks, expiry notices) and routes them like any other envelope.
func NewEngine(registry Registry, ttl time.Duration, emit func(*envelope.Envelope), logger *slog.Logger) *Engine {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		proposals:    make(map[string]*Proposal),
		fulfillments: make(map[string]string),
		ttl:          ttl,
		registry:     registry,
		emit:         emit,
		log:          logger,
	}
}

// Start runs the TTL sweeper until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.sweep(time.Now())
			}
		}
	}()
}

// Observe is the router's post-admission hook for the proposal, mcp, and
// capability kind families. senderCaps is the sender's capability set at
// the moment of admission.
func (e *Engine) Observe(env *envelope.Envelope, senderCaps *capability.Set) Verdict {
	switch env.Kind {
	case envelope.KindMCPProposal:
		e.create(env)
	case envelope.KindMCPReject:
		e.transition(env, StatusRejected)
	case envelope.KindMCPWithdraw:
		e.withdraw(env)
	case envelope.KindMCPRequest:
		e.fulfill(env)
	case envelope.KindMCPResponse:
		return e.fanOutResponse(env)
	case envelope.KindCapabilityGrant:
		return e.grant(env, senderCaps)
	case envelope.KindCapabilityRevoke:
		return e.revoke(env)
	}
	return Verdict{}
}

// create registers a new pending proposal keyed by the envelope id.
func (e *Engine) create(env *envelope.Envelope) {
	p := &Proposal{
		ID:         env.ID,
		Proposer:   env.From,
		Recipients: append([]string(nil), env.To...),
		Payload:    env.Payload,
		Status:     StatusPending,
		ExpiresAt:  env.TS.Add(e.ttl),
	}

	e.mu.Lock()
	e.proposals[p.ID] = p
	e.mu.Unlock()

	e.log.Info("proposal created", "proposal_id", p.ID, "proposer", p.Proposer)
}

// fulfill marks the first correlated mcp/request as the accepting
// fulfillment. Later fulfillment attempts leave the terminal state
// untouched and are logged as duplicates; the request itself still routes.
func (e *Engine) fulfill(env *envelope.Envelope) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, cid := range env.CorrelationID {
		p, ok := e.proposals[cid]
		if !ok {
			continue
		}
		if p.Status != StatusPending {
			e.log.Warn("duplicate_fulfillment",
				"proposal_id", p.ID, "status", p.Status, "from", env.From)
			continue
		}
		p.Status = StatusAccepted
		p.AcceptedBy = env.From
		e.fulfillments[env.ID] = p.ID
		e.log.Info("proposal accepted",
			"proposal_id", p.ID, "fulfiller", env.From, "request_id", env.ID)
	}
}

// fanOutResponse adds the original proposer to the recipient set of a
// response that answers a fulfillment request, so both the fulfiller and
// the proposer see the result.
func (e *Engine) fanOutResponse(env *envelope.Envelope) Verdict {
	e.mu.Lock()
	defer e.mu.Unlock()

	var extra []string
	for _, cid := range env.CorrelationID {
		pid, ok := e.fulfillments[cid]
		if !ok {
			continue
		}
		p, ok := e.proposals[pid]
		if !ok {
			continue
		}
		if len(env.To) == 0 {
			continue // broadcast reaches the proposer already
		}
		already := false
		for _, r := range append(env.To, extra...) {
			if r == p.Proposer {
				already = true
				break
			}
		}
		if !already {
			extra = append(extra, p.Proposer)
		}
	}
	return Verdict{ExtraRecipients: extra}
}

// transition applies a terminal state to every pending proposal the
// envelope correlates to.
func (e *Engine) transition(env *envelope.Envelope, to Status) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, cid := range env.CorrelationID {
		p, ok := e.proposals[cid]
		if !ok || p.Status != StatusPending {
			continue
		}
		p.Status = to
		e.log.Info("proposal terminated",
			"proposal_id", p.ID, "status", to, "by", env.From)
	}
}

// withdraw is a transition only the proposer itself may make.
func (e *Engine) withdraw(env *envelope.Envelope) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, cid := range env.CorrelationID {
		p, ok := e.proposals[cid]
		if !ok || p.Status != StatusPending {
			continue
		}
		if p.Proposer != env.From {
			e.log.Warn("withdraw from non-proposer ignored",
				"proposal_id", p.ID, "from", env.From)
			continue
		}
		p.Status = StatusWithdrawn
		e.log.Info("proposal withdrawn", "proposal_id", p.ID)
	}
}

// sweep expires pending proposals past their deadline and notifies the
// proposer.
func (e *Engine) sweep(now time.Time) {
	e.mu.Lock()
	var expired []*Proposal
	for _, p := range e.proposals {
		if p.Status == StatusPending && now.After(p.ExpiresAt) {
			p.Status = StatusExpired
			expired = append(expired, p)
		}
	}
	e.mu.Unlock()

	for _, p := range expired {
		e.log.Info("proposal expired", "proposal_id", p.ID, "proposer", p.Proposer)
		notice, err := envelope.New(envelope.SystemParticipant, envelope.KindSystemError, map[string]interface{}{
			"error":       "proposal_expired",
			"proposal_id": p.ID,
		})
		if err != nil {
			continue
		}
		notice.To = []string{p.Proposer}
		notice.CorrelationID = []string{p.ID}
		e.emit(notice)
	}
}

// Get returns a copy of one proposal's state.
func (e *Engine) Get(id string) (Proposal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.proposals[id]
	if !ok {
		return Proposal{}, false
	}
	return *p, true
}

// grant validates and applies a capability grant. Admission has already
// confirmed the sender may emit capability/grant at all; here the granted
// set must additionally be covered by the granter's own capabilities.
func (e *Engine) grant(env *envelope.Envelope, senderCaps *capability.Set) Verdict {
	var p grantPayload
	if err := env.UnmarshalPayload(&p); err != nil || p.Recipient == "" || len(p.Capabilities) == 0 {
		return Verdict{Reject: true, Reason: "malformed_grant"}
	}

	if _, ok := e.registry.Capabilities(p.Recipient); !ok {
		return Verdict{Reject: true, Reason: ReasonUnknownRecipient}
	}

	if senderCaps == nil || !senderCaps.HoldsKind(envelope.KindCapabilityGrant) {
		return Verdict{Reject: true, Reason: ReasonUnauthorizedGrant}
	}
	if !senderCaps.Covers(p.Capabilities) {
		e.log.Warn("grant exceeds granter powers",
			"granter", env.From, "recipient", p.Recipient)
		return Verdict{Reject: true, Reason: ReasonUnauthorizedGrant}
	}

	grantID := p.GrantID
	if grantID == "" {
		grantID = "grant-" + uuid.New().String()[:8]
	}
	if err := e.registry.Grant(p.Recipient, grantID, p.Capabilities); err != nil {
		e.log.Error("grant failed", "recipient", p.Recipient, "error", err)
		return Verdict{Reject: true, Reason: "grant_failed"}
	}

	e.log.Info("capabilities granted",
		"granter", env.From, "recipient", p.Recipient,
		"grant_id", grantID, "count", len(p.Capabilities))

	e.ack(env, grantAck{
		GrantID:      grantID,
		Recipient:    p.Recipient,
		Capabilities: p.Capabilities,
		Status:       "granted",
	})
	return Verdict{}
}

// revoke removes a prior grant, matching by grant_id when present and by
// the capability set otherwise.
func (e *Engine) revoke(env *envelope.Envelope) Verdict {
	var p grantPayload
	if err := env.UnmarshalPayload(&p); err != nil || p.Recipient == "" {
		return Verdict{Reject: true, Reason: "malformed_revoke"}
	}
	if _, ok := e.registry.Capabilities(p.Recipient); !ok {
		return Verdict{Reject: true, Reason: ReasonUnknownRecipient}
	}

	removed := e.registry.Revoke(p.Recipient, p.GrantID, p.Capabilities)
	e.log.Info("capabilities revoked",
		"by", env.From, "recipient", p.Recipient,
		"grant_id", p.GrantID, "removed", removed)

	e.ack(env, grantAck{
		GrantID:      p.GrantID,
		Recipient:    p.Recipient,
		Capabilities: p.Capabilities,
		Status:       "revoked",
	})
	return Verdict{}
}

// ack notifies both parties of an applied grant or revoke.
func (e *Engine) ack(cause *envelope.Envelope, body grantAck) {
	ack, err := envelope.New(envelope.SystemParticipant, envelope.KindCapabilityGrantAck, body)
	if err != nil {
		return
	}
	ack.To = []string{cause.From, body.Recipient}
	ack.CorrelationID = []string{cause.ID}
	e.emit(ack)
}
