// Package envelope provides the universal message structure for MEW spaces.
//
// Every message exchanged through the gateway — chat, tool invocations,
// proposals, capability grants, stream control, presence — travels inside an
// Envelope. The envelope carries addressing, correlation, and sub-conversation
// context; the payload stays opaque to the routing layer.
//
// Key Features:
// - Unique message identification (UUID) and list-valued correlation
// - Broadcast vs. directed addressing via the optional "to" list
// - Namespaced kinds (e.g. "mcp/request", "stream/open") for dispatch
// - Sub-conversation scoping through push/pop/resume context markers
// - Deterministic serialization for stable history diffs
//
// Called by: gateway ingress, space router, history logger, client runtime
// Calls: Standard JSON marshaling, UUID generation
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Protocol is the wire protocol version stamped on every envelope the
// gateway emits. Envelopes carrying an unknown version are rejected at
// ingress unless the space descriptor lists the version as legacy.
const Protocol = "mew/v0.4"

// Canonical envelope kinds. The gateway routes on these; payloads stay
// opaque except where a sub-engine owns the kind family.
const (
	KindSystemWelcome  = "system/welcome"
	KindSystemError    = "system/error"
	KindSystemPresence = "system/presence"

	KindChat            = "chat"
	KindChatAcknowledge = "chat/acknowledge"
	KindChatCancel      = "chat/cancel"

	KindMCPRequest      = "mcp/request"
	KindMCPResponse     = "mcp/response"
	KindMCPNotification = "mcp/notification"
	KindMCPProposal     = "mcp/proposal"
	KindMCPReject       = "mcp/reject"
	KindMCPWithdraw     = "mcp/withdraw"

	KindCapabilityGrant    = "capability/grant"
	KindCapabilityRevoke   = "capability/revoke"
	KindCapabilityGrantAck = "capability/grant-ack"

	KindStreamRequest = "stream/request"
	KindStreamOpen    = "stream/open"
	KindStreamClose   = "stream/close"

	KindReasoningStart      = "reasoning/start"
	KindReasoningThought    = "reasoning/thought"
	KindReasoningConclusion = "reasoning/conclusion"
	KindReasoningCancel     = "reasoning/cancel"

	KindParticipantPause         = "participant/pause"
	KindParticipantResume        = "participant/resume"
	KindParticipantStatus        = "participant/status"
	KindParticipantRequestStatus = "participant/request-status"
	KindParticipantForget        = "participant/forget"
	KindParticipantCompact       = "participant/compact"
	KindParticipantCompactDone   = "participant/compact-done"
	KindParticipantClear         = "participant/clear"
	KindParticipantRestart       = "participant/restart"
	KindParticipantShutdown      = "participant/shutdown"
)

// Context operations for sub-conversation scoping.
const (
	ContextPush   = "push"
	ContextPop    = "pop"
	ContextResume = "resume"
)

// SystemParticipant is the reserved sender id for envelopes the gateway
// synthesizes itself (welcome, presence, errors, stream announcements).
const SystemParticipant = "system:gateway"

// Envelope is the universal message unit. It is immutable once assembled;
// the gateway assigns the server-authoritative fields (id, ts, from) at
// ingress and never trusts client-supplied values for them.
type Envelope struct {
	// Protocol version tag, e.g. "mew/v0.4"
	Protocol string `json:"protocol"`

	// Core identification fields
	ID string    `json:"id"` // Unique envelope ID (UUID)
	TS time.Time `json:"ts"` // RFC-3339 UTC, assigned at ingress if absent

	// Addressing. From is server-assigned from the authenticated
	// connection. An empty To means broadcast to the whole space.
	From string   `json:"from"`
	To   []string `json:"to,omitempty"`

	// Namespaced kind identifying the envelope's meaning
	Kind string `json:"kind"`

	// Ids of prior envelopes this one responds to / fulfills / cancels
	CorrelationID []string `json:"correlation_id,omitempty"`

	// Optional sub-conversation context (plain topic string or
	// structured push/pop/resume marker)
	Context *Context `json:"context,omitempty"`

	// Kind-specific payload, opaque to the routing layer
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Context scopes an envelope to a sub-conversation. On the wire it is
// either a plain string (shorthand for the topic of the current context)
// or a structured {operation, topic, correlation_id} object.
type Context struct {
	Name          string // Set when the wire value was a plain string
	Operation     string // push | pop | resume
	Topic         string
	CorrelationID string
}

// contextWire is the structured wire form of Context.
type contextWire struct {
	Operation     string `json:"operation,omitempty"`
	Topic         string `json:"topic,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// MarshalJSON emits the compact string form when the context carries only
// a name, and the structured form otherwise.
func (c *Context) MarshalJSON() ([]byte, error) {
	if c.Name != "" && c.Operation == "" && c.Topic == "" && c.CorrelationID == "" {
		return json.Marshal(c.Name)
	}
	return json.Marshal(contextWire{
		Operation:     c.Operation,
		Topic:         c.Topic,
		CorrelationID: c.CorrelationID,
	})
}

// UnmarshalJSON accepts both the string and the structured wire form.
func (c *Context) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Name = s
		return nil
	}
	var w contextWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("context must be a string or object: %w", err)
	}
	c.Operation = w.Operation
	c.Topic = w.Topic
	c.CorrelationID = w.CorrelationID
	return nil
}

// New creates an envelope with identity fields populated.
//
// This is the primary constructor used by both the gateway (for system
// envelopes) and the client runtime (for outbound messages, where the
// gateway overwrites From at ingress regardless).
//
// Parameters:
//   - from: sender participant id
//   - kind: namespaced envelope kind (e.g. "chat", "mcp/request")
//   - payload: message data to be JSON-marshaled (may be nil)
//
// Returns:
//   - *Envelope: ready-to-send envelope with id and ts populated
//   - error: JSON marshaling error if payload is not serializable
func New(from, kind string, payload interface{}) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		raw = b
	}

	return &Envelope{
		Protocol: Protocol,
		ID:       uuid.New().String(),
		TS:       time.Now().UTC(),
		From:     from,
		Kind:     kind,
		Payload:  raw,
	}, nil
}

// NewReply creates an envelope correlated to a prior one and addressed back
// to its sender. Used for responses, acknowledgements, and error reports
// where the reply targets exactly the originator.
func NewReply(orig *Envelope, from, kind string, payload interface{}) (*Envelope, error) {
	reply, err := New(from, kind, payload)
	if err != nil {
		return nil, err
	}
	reply.To = []string{orig.From}
	reply.CorrelationID = []string{orig.ID}
	return reply, nil
}

// Stamp fills the server-authoritative fields at ingress. Any
// client-supplied from is overwritten; id and ts are assigned when absent
// so that every envelope leaving the gateway carries both.
func (e *Envelope) Stamp(from string) {
	e.From = from
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	if e.Protocol == "" {
		e.Protocol = Protocol
	}
}

// IsKind reports whether the envelope's kind equals the given kind or
// lives under it as a sub-kind (separated by '/').
func (e *Envelope) IsKind(kind string) bool {
	if e.Kind == kind {
		return true
	}
	return len(e.Kind) > len(kind) && e.Kind[:len(kind)] == kind && e.Kind[len(kind)] == '/'
}

// CorrelatesTo reports whether id appears in the correlation list.
func (e *Envelope) CorrelatesTo(id string) bool {
	for _, c := range e.CorrelationID {
		if c == id {
			return true
		}
	}
	return false
}

// UnmarshalPayload unmarshals the payload into the provided struct
func (e *Envelope) UnmarshalPayload(v interface{}) error {
	if e.Payload == nil {
		return fmt.Errorf("envelope has no payload")
	}
	return json.Unmarshal(e.Payload, v)
}

// Clone creates a deep copy of the envelope. The router clones before a
// sub-engine rewrites addressing so queued copies stay immutable.
func (e *Envelope) Clone() *Envelope {
	clone := *e

	if e.To != nil {
		clone.To = make([]string, len(e.To))
		copy(clone.To, e.To)
	}
	if e.CorrelationID != nil {
		clone.CorrelationID = make([]string, len(e.CorrelationID))
		copy(clone.CorrelationID, e.CorrelationID)
	}
	if e.Context != nil {
		ctx := *e.Context
		clone.Context = &ctx
	}
	if e.Payload != nil {
		clone.Payload = make(json.RawMessage, len(e.Payload))
		copy(clone.Payload, e.Payload)
	}

	return &clone
}

// Validate checks that the envelope has all required fields.
func (e *Envelope) Validate() error {
	if e.Protocol == "" {
		return &ValidationError{Field: "protocol", Message: "protocol version is required"}
	}
	if e.ID == "" {
		return &ValidationError{Field: "id", Message: "envelope ID is required"}
	}
	if e.From == "" {
		return &ValidationError{Field: "from", Message: "sender participant id is required"}
	}
	if e.Kind == "" {
		return &ValidationError{Field: "kind", Message: "kind is required"}
	}
	if e.TS.IsZero() {
		return &ValidationError{Field: "ts", Message: "timestamp is required"}
	}
	return nil
}

// ValidationError represents an envelope validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
