package space

import (
	"sync"

	"github.com/rjcorwin/mew-gateway/internal/envelope"
)

// Outbound is one item awaiting delivery to a participant: either an
// envelope or a raw stream frame. Exactly one of Env and Frame is set.
type Outbound struct {
	Env *envelope.Envelope

	Frame    []byte // wire bytes, already encoded
	Text     bool   // send the frame as a text websocket message
	StreamID string // stream the frame belongs to
}

// Queue is one participant's bounded delivery queue. Envelopes and frames
// share FIFO order but are bounded separately: when the envelope bound is
// hit the oldest envelope is dropped (and reported so the router can record
// it), while a full frame bound rejects the new frame so the router can
// close the offending stream.
//
// Pause gates consumption, not admission: a paused participant keeps
// accumulating items until the bounds bite.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	items      []Outbound
	envCount   int
	frameCount int

	envBound   int
	frameBound int

	paused bool
	closed bool
	gen    int
}

// NewQueue creates a queue with the given per-class bounds.
func NewQueue(envBound, frameBound int) *Queue {
	q := &Queue{envBound: envBound, frameBound: frameBound}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// PushEnvelope enqueues an envelope, dropping the oldest queued envelope
// when the bound is reached. The dropped envelope (if any) is returned so
// the caller can record the drop.
func (q *Queue) PushEnvelope(env *envelope.Envelope) (dropped *envelope.Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}

	if q.envCount >= q.envBound {
		for i, it := range q.items {
			if it.Env != nil {
				dropped = it.Env
				q.items = append(q.items[:i], q.items[i+1:]...)
				q.envCount--
				break
			}
		}
	}

	q.items = append(q.items, Outbound{Env: env})
	q.envCount++
	q.cond.Signal()
	return dropped
}

// PushFrame enqueues a stream frame. Returns false when the frame bound is
// full or the queue is closed; the router then closes the stream.
func (q *Queue) PushFrame(out Outbound) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.frameCount >= q.frameBound {
		return false
	}
	q.items = append(q.items, out)
	q.frameCount++
	q.cond.Signal()
	return true
}

// Subscribe registers the caller as the queue's sole consumer and returns
// its generation token. A participant reconnecting within the grace window
// reuses the queue; subscribing bumps the generation so the previous
// session's blocked Next call returns and its pump exits without stealing
// items from the new session.
func (q *Queue) Subscribe() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.gen++
	q.cond.Broadcast()
	return q.gen
}

// Next blocks until an item is available and the queue is not paused, or
// until the queue closes or a newer consumer subscribes. The second return
// is false once this consumer should stop.
func (q *Queue) Next(gen int) (Outbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.gen != gen {
			return Outbound{}, false
		}
		if len(q.items) > 0 && !q.paused {
			out := q.items[0]
			q.items = q.items[1:]
			if out.Env != nil {
				q.envCount--
			} else {
				q.frameCount--
			}
			return out, true
		}
		if q.closed {
			return Outbound{}, false
		}
		q.cond.Wait()
	}
}

// Pause stops consumption. Items keep queueing up to the bounds.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume reopens consumption.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Paused reports the gate state.
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Close wakes any blocked consumer. Queued items remain readable until
// drained; a paused queue is implicitly resumed so close is observable.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.paused = false
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
