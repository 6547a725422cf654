// Package stream implements the auxiliary byte-stream sub-protocol.
//
// Streams carry framed opaque bytes out-of-band from normal envelopes but
// over the same connection. A participant requests a stream with
// stream/request; the engine assigns an unforgeable server-chosen id,
// derives the authorized writer set from the authenticated owner and the
// requested direction, and announces the stream with stream/open. Frames
// are then routed to the target set (or the whole space for broadcast
// streams) after a writer-authorization check.
//
// Security invariant: owner and authorized_writers are always derived
// server-side. Any fields with those names in a stream/request payload are
// never read.
package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rjcorwin/mew-gateway/internal/envelope"
)

// Direction of a stream relative to its owner.
type Direction string

const (
	Upload   Direction = "upload"   // owner writes, targets read
	Download Direction = "download" // targets write, owner reads
)

// Status of a stream's lifecycle.
type Status string

const (
	StatusOpening Status = "opening"
	StatusOpen    Status = "open"
	StatusClosed  Status = "closed"
)

// Frame-routing failure reasons, recorded in the history log.
var (
	ErrUnknownStream      = errors.New("unknown_stream")
	ErrStreamClosed       = errors.New("stream_closed")
	ErrUnauthorizedWriter = errors.New("unauthorized_writer")
)

// Stream is the server-side record of one stream. AuthorizedWriters and
// Target are server-determined and never taken from client payloads.
type Stream struct {
	ID                string    `json:"stream_id"`
	Owner             string    `json:"owner"`
	Direction         Direction `json:"direction"`
	Target            []string  `json:"target,omitempty"`
	AuthorizedWriters []string  `json:"authorized_writers"`
	Description       string    `json:"description,omitempty"`
	Encoding          string    `json:"encoding,omitempty"`
	Status            Status    `json:"status"`

	OpenedAt time.Time `json:"opened_at"`
}

// request is the client-supplied portion of a stream/request payload.
// Deliberately omits owner/writer fields so they cannot be injected.
type request struct {
	Direction   Direction `json:"direction"`
	Target      []string  `json:"target,omitempty"`
	Description string    `json:"description,omitempty"`
	Encoding    string    `json:"encoding,omitempty"`
}

type closePayload struct {
	StreamID string `json:"stream_id"`
	Reason   string `json:"reason,omitempty"`
}

// Engine manages stream state machines for one space.
type Engine struct {
	mu      sync.Mutex
	streams map[string]*Stream

	emit func(*envelope.Envelope) // synthesized envelope sink (space router)
	log  *slog.Logger
}

// NewEngine creates the stream engine for a space. emit receives the
// synthesized stream/open notices and routes them like any other envelope.
func NewEngine(emit func(*envelope.Envelope), logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		streams: make(map[string]*Stream),
		emit:    emit,
		log:     logger,
	}
}

// Observe is the router's post-admission hook for the stream kind family.
// It creates and closes stream state; the observed envelope itself is
// still routed normally afterwards.
func (e *Engine) Observe(env *envelope.Envelope) {
	switch env.Kind {
	case envelope.KindStreamRequest:
		e.handleRequest(env)
	case envelope.KindStreamClose:
		e.handleClose(env)
	}
}

// handleRequest assigns the server-chosen stream id, derives the writer
// set, and announces the stream. For upload streams only the owner may
// write; for download streams exactly the targets may.
func (e *Engine) handleRequest(env *envelope.Envelope) {
	var req request
	if env.Payload != nil {
		if err := env.UnmarshalPayload(&req); err != nil {
			e.log.Warn("ignoring unparseable stream request",
				"envelope_id", env.ID, "from", env.From, "error", err)
			return
		}
	}
	if req.Direction != Upload && req.Direction != Download {
		req.Direction = Upload
	}

	s := &Stream{
		ID:          uuid.New().String(),
		Owner:       env.From,
		Direction:   req.Direction,
		Target:      append([]string(nil), req.Target...),
		Description: req.Description,
		Encoding:    req.Encoding,
		Status:      StatusOpen,
		OpenedAt:    time.Now().UTC(),
	}
	switch req.Direction {
	case Download:
		s.AuthorizedWriters = append([]string(nil), req.Target...)
	default:
		s.AuthorizedWriters = []string{env.From}
	}

	e.mu.Lock()
	e.streams[s.ID] = s
	e.mu.Unlock()

	e.log.Info("stream opened",
		"stream_id", s.ID, "owner", s.Owner,
		"direction", s.Direction, "targets", len(s.Target))

	// Announce with full server-derived metadata. Targeted streams are
	// announced only to the owner and targets; broadcast streams to the
	// whole space.
	open, err := envelope.New(envelope.SystemParticipant, envelope.KindStreamOpen, s)
	if err != nil {
		e.log.Error("failed to build stream/open", "stream_id", s.ID, "error", err)
		return
	}
	open.CorrelationID = []string{env.ID}
	if len(s.Target) > 0 {
		open.To = append([]string{s.Owner}, s.Target...)
	}
	e.emit(open)
}

// handleClose terminates a stream. Only the owner may close; close
// envelopes from anyone else leave the stream untouched.
func (e *Engine) handleClose(env *envelope.Envelope) {
	var p closePayload
	if env.Payload != nil {
		if err := env.UnmarshalPayload(&p); err != nil {
			return
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.streams[p.StreamID]
	if !ok {
		return
	}
	if s.Owner != env.From {
		e.log.Warn("stream close from non-owner ignored",
			"stream_id", s.ID, "owner", s.Owner, "from", env.From)
		return
	}
	s.Status = StatusClosed
	e.log.Info("stream closed", "stream_id", s.ID, "reason", p.Reason)
}

// CloseOverflowed force-closes a stream whose frame queue overflowed and
// announces the closure to the stream's audience.
func (e *Engine) CloseOverflowed(streamID string) {
	e.mu.Lock()
	s, ok := e.streams[streamID]
	if ok {
		s.Status = StatusClosed
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	e.log.Warn("stream closed on frame overflow", "stream_id", streamID)
	closed, err := envelope.New(envelope.SystemParticipant, envelope.KindStreamClose, closePayload{
		StreamID: streamID,
		Reason:   "stream_overflow",
	})
	if err != nil {
		return
	}
	if len(s.Target) > 0 {
		closed.To = append([]string{s.Owner}, s.Target...)
	}
	e.emit(closed)
}

// AuthorizeFrame checks that from may write to the stream right now.
// Frames failing the check are dropped by the router and logged.
func (e *Engine) AuthorizeFrame(from, streamID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.streams[streamID]
	if !ok {
		return ErrUnknownStream
	}
	if s.Status == StatusClosed {
		return ErrStreamClosed
	}
	for _, w := range s.AuthorizedWriters {
		if w == from {
			return nil
		}
	}
	return ErrUnauthorizedWriter
}

// Recipients returns the delivery set for frames of a stream: the target
// list for targeted streams, or broadcast=true for space-wide streams
// (which echo to the owner as well).
func (e *Engine) Recipients(streamID string) (targets []string, broadcast bool, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, exists := e.streams[streamID]
	if !exists || s.Status == StatusClosed {
		return nil, false, false
	}
	if len(s.Target) > 0 {
		return append([]string(nil), s.Target...), false, true
	}
	return nil, true, true
}

// Active returns the streams that are currently open, for welcome
// snapshots sent to late joiners.
func (e *Engine) Active() []Stream {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Stream
	for _, s := range e.streams {
		if s.Status != StatusClosed {
			copy := *s
			out = append(out, copy)
		}
	}
	return out
}

// Get returns a copy of one stream record.
func (e *Engine) Get(streamID string) (Stream, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.streams[streamID]
	if !ok {
		return Stream{}, false
	}
	return *s, true
}

// String implements fmt.Stringer for debug logging.
func (s *Stream) String() string {
	return fmt.Sprintf("stream %s owner=%s dir=%s status=%s", s.ID, s.Owner, s.Direction, s.Status)
}
