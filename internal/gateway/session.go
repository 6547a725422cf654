package gateway

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rjcorwin/mew-gateway/internal/envelope"
	"github.com/rjcorwin/mew-gateway/internal/space"
	"github.com/rjcorwin/mew-gateway/internal/stream"
)

// maxMessageSize bounds one inbound websocket message.
const maxMessageSize = 1 << 20

// session is one live websocket connection for one participant.
//
// Three goroutines cooperate: the read loop (the handler's goroutine), the
// write pump draining the participant's queue, and the ping ticker. Writes
// are serialized with a mutex since gorilla/websocket allows one concurrent
// writer.
type session struct {
	server *Server
	conn   *websocket.Conn
	space  *space.Space
	p      *space.Participant

	writeMu sync.Mutex
}

// run services the connection until it drops, then detaches the
// participant (starting the grace window).
func (s *session) run() {
	defer func() {
		s.conn.Close()
		s.space.Detach(s.p)
	}()

	if err := s.sendWelcome(); err != nil {
		log.Printf("Session %s: welcome failed: %v", s.p.ID, err)
		return
	}

	gen := s.p.Queue.Subscribe()
	done := make(chan struct{})
	go s.writePump(gen)
	go s.pingLoop(done)
	defer close(done)

	s.readLoop()
}

// sendWelcome delivers the handshake snapshot before any queued traffic.
func (s *session) sendWelcome() error {
	welcome, err := envelope.New(envelope.SystemParticipant, envelope.KindSystemWelcome, map[string]interface{}{
		"protocol": envelope.Protocol,
		"you": map[string]interface{}{
			"id":           s.p.ID,
			"capabilities": s.p.Caps.List(),
		},
		"participants": s.space.Peers(),
		"streams":      s.space.ActiveStreams(),
	})
	if err != nil {
		return err
	}
	welcome.To = []string{s.p.ID}
	return s.writeEnvelope(welcome)
}

// readLoop consumes inbound messages: envelopes as text JSON, stream frames
// as binary (or text with the frame prefix).
func (s *session) readLoop() {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.server.opts.ReadIdle))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.server.opts.ReadIdle))
		return nil
	})

	codec := s.server.codec()

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("Session %s: connection lost: %v", s.p.ID, err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(s.server.opts.ReadIdle))

		switch {
		case mt == websocket.BinaryMessage:
			fr, err := stream.DecodeFrame(data)
			if err != nil {
				s.sendError(nil, "malformed_frame", err.Error())
				continue
			}
			if err := s.space.DeliverFrame(s.p.ID, fr, false); err != nil {
				s.sendError(nil, "frame_rejected", err.Error())
			}

		case stream.IsTextFrame(data):
			fr, err := stream.DecodeTextFrame(data)
			if err != nil {
				s.sendError(nil, "malformed_frame", err.Error())
				continue
			}
			if err := s.space.DeliverFrame(s.p.ID, fr, true); err != nil {
				s.sendError(nil, "frame_rejected", err.Error())
			}

		default:
			env, err := codec.Decode(data)
			if err != nil {
				var unsupported *envelope.UnsupportedProtocolError
				if errors.As(err, &unsupported) {
					s.closeWith(4400, "unsupported protocol "+unsupported.Version)
					return
				}
				s.sendError(nil, "malformed_envelope", err.Error())
				continue
			}
			if err := s.space.Deliver(s.p.ID, env); err != nil {
				s.reportDeliveryError(env, err)
			}
		}
	}
}

// writePump drains the participant's queue onto the wire. It exits when the
// queue closes, a reconnecting session takes over the queue, or a write
// fails.
func (s *session) writePump(gen int) {
	for {
		out, ok := s.p.Queue.Next(gen)
		if !ok {
			s.closeWith(websocket.CloseNormalClosure, "session closed")
			return
		}

		var err error
		if out.Env != nil {
			err = s.writeEnvelope(out.Env)
		} else if out.Text {
			err = s.write(websocket.TextMessage, out.Frame)
		} else {
			err = s.write(websocket.BinaryMessage, out.Frame)
		}
		if err != nil {
			s.conn.Close()
			return
		}
	}
}

// pingLoop keeps the connection alive until done closes.
func (s *session) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(s.server.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reportDeliveryError maps a routing refusal to a system/error reply.
func (s *session) reportDeliveryError(env *envelope.Envelope, err error) {
	var admission *space.AdmissionError
	if errors.As(err, &admission) {
		s.sendErrorPayload(env, map[string]interface{}{
			"error":             admission.Decision.Reason,
			"attempted_kind":    admission.Decision.AttemptedKind,
			"your_capabilities": admission.Decision.EffectiveIDs,
		})
		return
	}
	var rejection *space.RejectionError
	if errors.As(err, &rejection) {
		s.sendError(env, rejection.Reason, "")
		return
	}
	s.sendError(env, "delivery_error", err.Error())
}

// sendError writes a system/error directly to this connection, bypassing
// the queue so the sender hears about its own mistake even when paused.
func (s *session) sendError(cause *envelope.Envelope, code, detail string) {
	payload := map[string]interface{}{"error": code}
	if detail != "" {
		payload["detail"] = detail
	}
	s.sendErrorPayload(cause, payload)
}

func (s *session) sendErrorPayload(cause *envelope.Envelope, payload map[string]interface{}) {
	errEnv, err := envelope.New(envelope.SystemParticipant, envelope.KindSystemError, payload)
	if err != nil {
		return
	}
	errEnv.To = []string{s.p.ID}
	if cause != nil && cause.ID != "" {
		errEnv.CorrelationID = []string{cause.ID}
	}
	if err := s.writeEnvelope(errEnv); err != nil {
		log.Printf("Session %s: error reply failed: %v", s.p.ID, err)
	}
}

func (s *session) writeEnvelope(env *envelope.Envelope) error {
	data, err := s.server.codec().Encode(env)
	if err != nil {
		return err
	}
	return s.write(websocket.TextMessage, data)
}

// write serializes all writes on the connection and applies the write
// deadline.
func (s *session) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(s.server.opts.WriteTimeout))
	return s.conn.WriteMessage(messageType, data)
}

// closeWith sends a close frame with the given code before dropping the
// connection.
func (s *session) closeWith(code int, reason string) {
	s.writeMu.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	s.writeMu.Unlock()
	s.conn.Close()
}
