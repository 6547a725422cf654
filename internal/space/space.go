// Package space is the heart of the gateway: the participant registry and
// the envelope router for one named space.
//
// Every envelope entering a space flows through the same path regardless of
// transport: server-authoritative stamping, capability admission, the
// sub-engine hooks (streams, proposals, grants, control), recipient
// resolution, and finally per-recipient bounded queues. Every step leaves a
// record in the space's history log, which is the authoritative account of
// what happened.
//
// Key Features:
// - Capability admission with per-decision audit records
// - Broadcast (empty "to") and directed delivery with absent-recipient
//   failure records
// - Per-recipient drop-oldest queues preserving per-sender FIFO order
// - Disconnect grace window so a quick reconnect keeps queued envelopes
//   and granted capabilities
//
// Called by: gateway transport layer (websocket ingress, HTTP injection)
// Calls: capability, proposal, stream, control, history
package space

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rjcorwin/mew-gateway/internal/capability"
	"github.com/rjcorwin/mew-gateway/internal/control"
	"github.com/rjcorwin/mew-gateway/internal/envelope"
	"github.com/rjcorwin/mew-gateway/internal/history"
	"github.com/rjcorwin/mew-gateway/internal/proposal"
	"github.com/rjcorwin/mew-gateway/internal/stream"
)

// Options tunes one space. Zero values select the defaults.
type Options struct {
	QueueBound  int           // per-participant envelope bound, default 1024
	FrameBound  int           // per-participant stream frame bound, default 256
	EchoToSelf  bool          // include the sender in broadcast delivery
	GraceWindow time.Duration // disconnect grace before presence leave, default 30s
	ProposalTTL time.Duration // pending proposal lifetime, default 5m

	// CriticalKinds lists envelope kinds whose failed directed delivery is
	// reported back to the sender with a system/error. Everything else is
	// fire-and-forget: the failure is logged in history only. Nil selects
	// the default of mcp/request alone.
	CriticalKinds []string

	History history.Options
	Logger  *slog.Logger
}

// AdmissionError reports a capability denial at admission.
type AdmissionError struct {
	Decision capability.Decision
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("%s: kind %q not permitted", e.Decision.Reason, e.Decision.AttemptedKind)
}

// RejectionError reports a sub-engine refusal after admission, such as an
// unauthorized grant.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return e.Reason
}

// Participant is one registered member of a space. Caps and Queue survive a
// short disconnect so a reconnecting participant keeps its granted
// capabilities and buffered envelopes.
type Participant struct {
	ID       string
	Caps     *capability.Set
	Queue    *Queue
	JoinedAt time.Time

	attached bool
	grace    *time.Timer
}

// Space routes envelopes among its participants.
type Space struct {
	ID  string
	dir string

	mu           sync.Mutex
	participants map[string]*Participant
	ctxTopics    map[string]int    // open context pushes per topic
	ctxPushes    map[string]string // push envelope id -> topic

	critical  map[string]bool
	opts      Options
	hist      *history.Logger
	streams   *stream.Engine
	proposals *proposal.Engine
	control   *control.Plane
	log       *slog.Logger
}

// New creates a space with its history log rooted at dir.
func New(id, dir string, opts Options) (*Space, error) {
	if opts.QueueBound <= 0 {
		opts.QueueBound = 1024
	}
	if opts.FrameBound <= 0 {
		opts.FrameBound = 256
	}
	if opts.GraceWindow < 0 {
		opts.GraceWindow = 0
	} else if opts.GraceWindow == 0 {
		opts.GraceWindow = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("space", id)
	if opts.History.Logger == nil {
		opts.History.Logger = logger
	}

	hist, err := history.New(dir, opts.History)
	if err != nil {
		return nil, fmt.Errorf("space %s: %w", id, err)
	}

	if opts.CriticalKinds == nil {
		opts.CriticalKinds = []string{envelope.KindMCPRequest}
	}
	critical := make(map[string]bool, len(opts.CriticalKinds))
	for _, k := range opts.CriticalKinds {
		critical[k] = true
	}

	s := &Space{
		ID:           id,
		dir:          dir,
		participants: make(map[string]*Participant),
		ctxTopics:    make(map[string]int),
		ctxPushes:    make(map[string]string),
		critical:     critical,
		opts:         opts,
		hist:         hist,
		log:          logger,
	}
	s.streams = stream.NewEngine(s.emit, logger)
	s.proposals = proposal.NewEngine(s, opts.ProposalTTL, s.emit, logger)
	s.control = control.NewPlane(s, logger)
	return s, nil
}

// Start launches the background workers (proposal TTL sweeper). They stop
// when ctx is cancelled.
func (s *Space) Start(ctx context.Context) {
	s.proposals.Start(ctx)
}

// Close flushes and closes the history log and releases all queues.
func (s *Space) Close() error {
	s.mu.Lock()
	for _, p := range s.participants {
		if p.grace != nil {
			p.grace.Stop()
		}
		p.Queue.Close()
	}
	s.participants = make(map[string]*Participant)
	s.mu.Unlock()

	s.control.Stop()
	return s.hist.Close()
}

// Join registers a participant. A second connection for an attached id
// evicts the first (last writer wins); reconnecting within the grace window
// re-attaches to the existing state, keeping queued envelopes and granted
// capabilities, and emits no presence churn.
func (s *Space) Join(id string, baseline []capability.Capability) (*Participant, error) {
	s.mu.Lock()
	if existing, ok := s.participants[id]; ok {
		if !existing.attached {
			existing.attached = true
			if existing.grace != nil {
				existing.grace.Stop()
				existing.grace = nil
			}
			s.mu.Unlock()
			s.log.Info("participant re-attached within grace window", "participant", id)
			return existing, nil
		}
		// Last writer wins: the stale session's queue closes, which tears
		// down its connection.
		existing.Queue.Close()
		delete(s.participants, id)
		s.log.Info("evicted prior session for duplicate join", "participant", id)
	}
	s.mu.Unlock()

	caps, err := capability.NewSet(baseline)
	if err != nil {
		return nil, fmt.Errorf("participant %s: %w", id, err)
	}
	p := &Participant{
		ID:       id,
		Caps:     caps,
		Queue:    NewQueue(s.opts.QueueBound, s.opts.FrameBound),
		JoinedAt: time.Now().UTC(),
		attached: true,
	}

	s.mu.Lock()
	s.participants[id] = p
	s.mu.Unlock()

	s.log.Info("participant joined", "participant", id, "capabilities", len(baseline))
	s.presence("join", id, baseline)
	return p, nil
}

// Detach marks a session disconnected and starts the grace timer. If no
// reconnect arrives in time the participant leaves for real. Takes the
// session's own Participant so a connection evicted by a duplicate join
// cannot detach its replacement.
func (s *Space) Detach(p *Participant) {
	s.mu.Lock()
	cur, ok := s.participants[p.ID]
	if !ok || cur != p || !cur.attached {
		s.mu.Unlock()
		return
	}
	cur.attached = false
	grace := s.opts.GraceWindow
	cur.grace = time.AfterFunc(grace, func() { s.expire(p.ID) })
	s.mu.Unlock()

	s.log.Info("participant detached, grace window started",
		"participant", p.ID, "grace", grace)
}

// expire completes a detach whose grace window lapsed.
func (s *Space) expire(id string) {
	s.mu.Lock()
	p, ok := s.participants[id]
	if !ok || p.attached {
		s.mu.Unlock()
		return
	}
	delete(s.participants, id)
	s.mu.Unlock()

	p.Queue.Close()
	s.log.Info("participant left", "participant", id)
	s.presence("leave", id, nil)
}

// Deliver routes one envelope from an authenticated sender. The sender id
// comes from the connection, never from the envelope; client-supplied from,
// id, and ts are overwritten or filled at this point.
//
// Returns an AdmissionError or RejectionError when the envelope was refused;
// the transport surfaces the reason to the sender.
func (s *Space) Deliver(senderID string, env *envelope.Envelope) error {
	s.mu.Lock()
	sender, ok := s.participants[senderID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("sender %s is not a participant of space %s", senderID, s.ID)
	}
	return s.deliver(senderID, sender.Caps, env)
}

// Inject routes an envelope from a sender that need not hold a connection,
// such as the HTTP injection endpoint. The caller supplies the sender's
// capability set; admission and logging are identical to Deliver.
func (s *Space) Inject(senderID string, caps *capability.Set, env *envelope.Envelope) error {
	// A connected sender's live set takes precedence so grants apply.
	s.mu.Lock()
	if p, ok := s.participants[senderID]; ok {
		caps = p.Caps
	}
	s.mu.Unlock()
	return s.deliver(senderID, caps, env)
}

func (s *Space) deliver(senderID string, caps *capability.Set, env *envelope.Envelope) error {
	env.Stamp(senderID)

	decision := caps.Admit(env.Kind, env.To, env.Payload)
	s.hist.Decision(env, decision)
	if !decision.Allowed {
		s.hist.Append(history.EventDropped, env, decision.Reason)
		s.log.Warn("envelope refused at admission",
			"from", senderID, "kind", env.Kind, "envelope_id", env.ID)
		return &AdmissionError{Decision: decision}
	}

	if err := s.trackContext(env); err != nil {
		s.hist.Append(history.EventDropped, env, err.Reason)
		s.log.Warn("envelope refused for context violation",
			"from", senderID, "envelope_id", env.ID, "reason", err.Reason)
		return err
	}

	s.hist.Append(history.EventReceived, env, "")

	switch {
	case env.IsKind("stream"):
		s.streams.Observe(env)
	case env.IsKind("mcp") || env.IsKind("capability"):
		v := s.proposals.Observe(env, caps)
		if v.Reject {
			s.hist.Append(history.EventDropped, env, v.Reason)
			return &RejectionError{Reason: v.Reason}
		}
		env.To = append(env.To, v.ExtraRecipients...)
	case env.IsKind("participant"):
		s.control.Observe(env)
	}

	s.route(env)
	return nil
}

// trackContext keeps the sub-conversation chain honest: a context pop must
// reference an earlier push with a matching topic, named directly or via a
// correlation id pointing at the push envelope. Pushes are recorded here;
// resume markers pass through untracked.
func (s *Space) trackContext(env *envelope.Envelope) *RejectionError {
	if env.Context == nil {
		return nil
	}
	switch env.Context.Operation {
	case envelope.ContextPush:
		s.mu.Lock()
		s.ctxTopics[env.Context.Topic]++
		s.ctxPushes[env.ID] = env.Context.Topic
		s.mu.Unlock()
	case envelope.ContextPop:
		s.mu.Lock()
		defer s.mu.Unlock()
		topic := env.Context.Topic
		if topic == "" {
			ref := env.Context.CorrelationID
			if ref == "" && len(env.CorrelationID) > 0 {
				ref = env.CorrelationID[0]
			}
			topic = s.ctxPushes[ref]
		}
		if s.ctxTopics[topic] == 0 {
			return &RejectionError{Reason: "unmatched_context_pop"}
		}
		s.ctxTopics[topic]--
	}
	return nil
}

// emit is the sink for envelopes the space synthesizes itself (presence,
// stream announcements, grant acks, expiry notices). They bypass admission.
func (s *Space) emit(env *envelope.Envelope) {
	env.Stamp(envelope.SystemParticipant)
	s.hist.Append(history.EventReceived, env, "")
	s.route(env)
}

// route resolves recipients and enqueues. Broadcast excludes the sender
// unless echo is configured; directed delivery to an absent participant
// records a failed event and notifies the sender.
func (s *Space) route(env *envelope.Envelope) {
	var targets []*Participant
	var missing []string

	s.mu.Lock()
	if len(env.To) == 0 {
		for id, p := range s.participants {
			if id == env.From && !s.opts.EchoToSelf {
				continue
			}
			targets = append(targets, p)
		}
	} else {
		seen := make(map[string]bool, len(env.To))
		for _, id := range env.To {
			if seen[id] {
				continue
			}
			seen[id] = true
			if p, ok := s.participants[id]; ok {
				targets = append(targets, p)
			} else {
				missing = append(missing, id)
			}
		}
	}
	s.mu.Unlock()

	for _, p := range targets {
		if dropped := p.Queue.PushEnvelope(env); dropped != nil {
			clone := dropped.Clone()
			clone.To = []string{p.ID}
			s.hist.Append(history.EventDropped, clone, "queue_overflow")
			s.log.Warn("queue overflow dropped oldest envelope",
				"participant", p.ID, "envelope_id", dropped.ID)
		}
		s.hist.AppendDelivered(env, p.ID)
	}

	for _, id := range missing {
		clone := env.Clone()
		clone.To = []string{id}
		s.hist.Append(history.EventFailed, clone, "participant_not_found")
		s.log.Warn("delivery to absent participant failed",
			"recipient", id, "envelope_id", env.ID)
		// Fire-and-forget by default; only critical kinds report back.
		if s.critical[env.Kind] && env.From != envelope.SystemParticipant {
			s.notifyDeliveryFailure(env, id)
		}
	}
}

// notifyDeliveryFailure tells the sender a directed recipient was absent.
func (s *Space) notifyDeliveryFailure(cause *envelope.Envelope, recipient string) {
	notice, err := envelope.New(envelope.SystemParticipant, envelope.KindSystemError, map[string]interface{}{
		"error":       "delivery_failed",
		"participant": recipient,
	})
	if err != nil {
		return
	}
	notice.To = []string{cause.From}
	notice.CorrelationID = []string{cause.ID}
	s.hist.Append(history.EventReceived, notice, "")
	s.route(notice)
}

// DeliverFrame routes one stream frame from an authenticated writer. An
// overflowing recipient queue closes the whole stream with stream_overflow.
// Rejected frames leave a dropped record in history alongside the log line.
func (s *Space) DeliverFrame(senderID string, fr stream.Frame, text bool) error {
	if err := s.streams.AuthorizeFrame(senderID, fr.StreamID); err != nil {
		s.hist.AppendFrameDropped(fr.StreamID, senderID, err.Error())
		s.log.Warn("stream frame rejected",
			"stream_id", fr.StreamID, "from", senderID, "reason", err)
		return err
	}

	targets, broadcast, ok := s.streams.Recipients(fr.StreamID)
	if !ok {
		s.hist.AppendFrameDropped(fr.StreamID, senderID, stream.ErrUnknownStream.Error())
		return stream.ErrUnknownStream
	}

	var wire []byte
	if text {
		wire = stream.EncodeTextFrame(fr.StreamID, fr.Data)
	} else {
		var err error
		wire, err = stream.EncodeFrame(fr.StreamID, fr.Data)
		if err != nil {
			return err
		}
	}
	out := Outbound{Frame: wire, Text: text, StreamID: fr.StreamID}

	var recipients []*Participant
	s.mu.Lock()
	if broadcast {
		// Broadcast streams echo to every member, the writer included.
		for _, p := range s.participants {
			recipients = append(recipients, p)
		}
	} else {
		for _, id := range targets {
			if p, ok := s.participants[id]; ok {
				recipients = append(recipients, p)
			}
		}
	}
	s.mu.Unlock()

	for _, p := range recipients {
		if !p.Queue.PushFrame(out) {
			s.streams.CloseOverflowed(fr.StreamID)
			return stream.ErrStreamClosed
		}
	}
	return nil
}

// Capabilities implements proposal.Registry.
func (s *Space) Capabilities(participantID string) (*capability.Set, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[participantID]
	if !ok {
		return nil, false
	}
	return p.Caps, true
}

// Grant implements proposal.Registry.
func (s *Space) Grant(participantID, grantID string, caps []capability.Capability) error {
	set, ok := s.Capabilities(participantID)
	if !ok {
		return fmt.Errorf("participant %s not found", participantID)
	}
	return set.Grant(grantID, caps)
}

// Revoke implements proposal.Registry.
func (s *Space) Revoke(participantID, grantID string, caps []capability.Capability) int {
	set, ok := s.Capabilities(participantID)
	if !ok {
		return 0
	}
	return set.Revoke(grantID, caps)
}

// Pause implements control.Queues.
func (s *Space) Pause(participantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[participantID]
	if !ok {
		return false
	}
	p.Queue.Pause()
	return true
}

// Resume implements control.Queues.
func (s *Space) Resume(participantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[participantID]
	if !ok {
		return false
	}
	p.Queue.Resume()
	return true
}

// PeerInfo is the welcome snapshot entry for one participant.
type PeerInfo struct {
	ID           string                  `json:"id"`
	Capabilities []capability.Capability `json:"capabilities"`
	JoinedAt     time.Time               `json:"joined_at"`
}

// Peers returns the current membership snapshot.
func (s *Space) Peers() []PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PeerInfo, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, PeerInfo{
			ID:           p.ID,
			Capabilities: p.Caps.List(),
			JoinedAt:     p.JoinedAt,
		})
	}
	return out
}

// ActiveStreams returns the open streams for welcome snapshots.
func (s *Space) ActiveStreams() []stream.Stream {
	return s.streams.Active()
}

// Proposal returns one proposal's state, for status queries and tests.
func (s *Space) Proposal(id string) (proposal.Proposal, bool) {
	return s.proposals.Get(id)
}

// History exposes the space's history logger for flush and replay.
func (s *Space) History() *history.Logger {
	return s.hist
}

// HistoryDir returns the directory holding the space's history logs.
func (s *Space) HistoryDir() string {
	return s.dir
}

// ParticipantCount returns the number of registered participants, attached
// or in grace.
func (s *Space) ParticipantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants)
}

// presence broadcasts a join or leave event.
func (s *Space) presence(event, id string, caps []capability.Capability) {
	payload := map[string]interface{}{
		"event":       event,
		"participant": id,
	}
	if caps != nil {
		payload["capabilities"] = caps
	}
	env, err := envelope.New(envelope.SystemParticipant, envelope.KindSystemPresence, payload)
	if err != nil {
		return
	}
	s.emit(env)
}
