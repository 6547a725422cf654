// Package control implements the participant control plane.
//
// Control envelopes live under the participant/ kind family. Most of them
// (status, forget, compact, clear, restart, shutdown) are advisory: the
// gateway routes them like any other envelope and the receiving participant
// decides how to react. pause and resume are the exception: the gateway
// enforces them itself by gating the recipient's delivery queue, so a
// paused participant stops receiving envelopes even if its process ignores
// the request.
package control

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rjcorwin/mew-gateway/internal/envelope"
)

// Queues is the slice of the participant registry the control plane gates.
// Implemented by the space.
type Queues interface {
	Pause(participantID string) bool
	Resume(participantID string) bool
}

// pausePayload is the wire shape of participant/pause.
type pausePayload struct {
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Plane applies enforced control operations for one space.
type Plane struct {
	queues Queues
	log    *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer // auto-resume timers by participant id
}

// NewPlane creates the control plane over the space's queue registry.
func NewPlane(queues Queues, logger *slog.Logger) *Plane {
	if logger == nil {
		logger = slog.Default()
	}
	return &Plane{
		queues: queues,
		log:    logger,
		timers: make(map[string]*time.Timer),
	}
}

// Observe is the router's post-admission hook for the participant kind
// family. The envelope is still routed to its recipients afterwards so the
// target learns it was paused.
func (p *Plane) Observe(env *envelope.Envelope) {
	switch env.Kind {
	case envelope.KindParticipantPause:
		p.pause(env)
	case envelope.KindParticipantResume:
		p.resume(env)
	}
}

// pause gates every addressed recipient's queue. A broadcast pause is
// advisory only; gating the whole space would silence the controller too.
func (p *Plane) pause(env *envelope.Envelope) {
	if len(env.To) == 0 {
		p.log.Warn("broadcast pause treated as advisory", "from", env.From)
		return
	}

	var body pausePayload
	if env.Payload != nil {
		env.UnmarshalPayload(&body)
	}

	for _, id := range env.To {
		if !p.queues.Pause(id) {
			continue
		}
		p.log.Info("participant paused",
			"participant", id, "by", env.From,
			"timeout_seconds", body.TimeoutSeconds, "reason", body.Reason)
		if body.TimeoutSeconds > 0 {
			p.scheduleResume(id, time.Duration(body.TimeoutSeconds)*time.Second)
		}
	}
}

// resume reopens every addressed recipient's queue and cancels any pending
// auto-resume.
func (p *Plane) resume(env *envelope.Envelope) {
	for _, id := range env.To {
		p.cancelTimer(id)
		if p.queues.Resume(id) {
			p.log.Info("participant resumed", "participant", id, "by", env.From)
		}
	}
}

// scheduleResume arms (or re-arms) the auto-resume timer for one
// participant.
func (p *Plane) scheduleResume(id string, after time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.timers[id]; ok {
		t.Stop()
	}
	p.timers[id] = time.AfterFunc(after, func() {
		p.cancelTimer(id)
		if p.queues.Resume(id) {
			p.log.Info("participant auto-resumed after pause timeout", "participant", id)
		}
	})
}

func (p *Plane) cancelTimer(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.timers[id]; ok {
		t.Stop()
		delete(p.timers, id)
	}
}

// Stop cancels all outstanding auto-resume timers.
func (p *Plane) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
}
