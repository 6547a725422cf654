package stream

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/rjcorwin/mew-gateway/internal/envelope"
)

// collector captures envelopes the engine synthesizes.
type collector struct {
	mu   sync.Mutex
	envs []*envelope.Envelope
}

func (c *collector) emit(env *envelope.Envelope) {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
}

func (c *collector) last(t *testing.T) *envelope.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.envs) == 0 {
		t.Fatal("no envelope emitted")
	}
	return c.envs[len(c.envs)-1]
}

func newTestEngine() (*Engine, *collector) {
	c := &collector{}
	return NewEngine(c.emit, slog.New(slog.NewTextHandler(io.Discard, nil))), c
}

func requestEnvelope(t *testing.T, from string, payload interface{}) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(from, envelope.KindStreamRequest, payload)
	if err != nil {
		t.Fatalf("envelope.New failed: %v", err)
	}
	return env
}

func TestUploadStreamWritersAreOwnerOnly(t *testing.T) {
	e, c := newTestEngine()

	req := requestEnvelope(t, "alice", map[string]interface{}{
		"direction": "upload",
		"target":    []string{"bob"},
	})
	e.Observe(req)

	open := c.last(t)
	if open.Kind != envelope.KindStreamOpen {
		t.Fatalf("expected stream/open, got %s", open.Kind)
	}
	if !open.CorrelatesTo(req.ID) {
		t.Error("stream/open should correlate to the request")
	}

	var s Stream
	if err := open.UnmarshalPayload(&s); err != nil {
		t.Fatalf("unparseable stream/open payload: %v", err)
	}
	if _, err := uuid.Parse(s.ID); err != nil {
		t.Errorf("stream id should be a server-assigned UUID, got %q", s.ID)
	}
	if s.Owner != "alice" {
		t.Errorf("owner should be the authenticated sender, got %s", s.Owner)
	}
	if len(s.AuthorizedWriters) != 1 || s.AuthorizedWriters[0] != "alice" {
		t.Errorf("upload writers should be [owner], got %v", s.AuthorizedWriters)
	}

	if err := e.AuthorizeFrame("alice", s.ID); err != nil {
		t.Errorf("owner should be authorized: %v", err)
	}
	if err := e.AuthorizeFrame("bob", s.ID); err != ErrUnauthorizedWriter {
		t.Errorf("target must not write to an upload stream, got %v", err)
	}
}

func TestDownloadStreamWritersAreTargets(t *testing.T) {
	e, _ := newTestEngine()

	req := requestEnvelope(t, "alice", map[string]interface{}{
		"direction": "download",
		"target":    []string{"bob", "carol"},
	})
	e.Observe(req)

	s := onlyStream(t, e)
	if len(s.AuthorizedWriters) != 2 {
		t.Fatalf("download writers should be the targets, got %v", s.AuthorizedWriters)
	}
	if err := e.AuthorizeFrame("bob", s.ID); err != nil {
		t.Errorf("target should write to a download stream: %v", err)
	}
	if err := e.AuthorizeFrame("alice", s.ID); err != ErrUnauthorizedWriter {
		t.Errorf("owner must not write to a download stream, got %v", err)
	}
}

func TestClientSuppliedOwnerIsIgnored(t *testing.T) {
	e, _ := newTestEngine()

	// A malicious request tries to smuggle ownership fields in the payload.
	req := requestEnvelope(t, "mallory", map[string]interface{}{
		"direction":          "upload",
		"owner":              "alice",
		"authorized_writers": []string{"mallory", "alice"},
		"stream_id":          "forged-id",
	})
	e.Observe(req)

	s := onlyStream(t, e)
	if s.Owner != "mallory" {
		t.Errorf("owner must come from the connection, got %s", s.Owner)
	}
	if s.ID == "forged-id" {
		t.Error("stream id must be server-assigned")
	}
	if len(s.AuthorizedWriters) != 1 || s.AuthorizedWriters[0] != "mallory" {
		t.Errorf("writers must be server-derived, got %v", s.AuthorizedWriters)
	}
}

func TestCloseIsOwnerOnly(t *testing.T) {
	e, _ := newTestEngine()
	e.Observe(requestEnvelope(t, "alice", map[string]interface{}{"direction": "upload"}))
	s := onlyStream(t, e)

	closeEnv, _ := envelope.New("bob", envelope.KindStreamClose, map[string]string{"stream_id": s.ID})
	e.Observe(closeEnv)
	if got, _ := e.Get(s.ID); got.Status == StatusClosed {
		t.Fatal("non-owner close must be ignored")
	}

	closeEnv, _ = envelope.New("alice", envelope.KindStreamClose, map[string]string{"stream_id": s.ID})
	e.Observe(closeEnv)
	if got, _ := e.Get(s.ID); got.Status != StatusClosed {
		t.Fatal("owner close should close the stream")
	}
	if err := e.AuthorizeFrame("alice", s.ID); err != ErrStreamClosed {
		t.Errorf("closed stream should refuse frames, got %v", err)
	}
}

func TestCloseOverflowedAnnounces(t *testing.T) {
	e, c := newTestEngine()
	e.Observe(requestEnvelope(t, "alice", map[string]interface{}{
		"direction": "upload",
		"target":    []string{"bob"},
	}))
	s := onlyStream(t, e)

	e.CloseOverflowed(s.ID)

	closed := c.last(t)
	if closed.Kind != envelope.KindStreamClose {
		t.Fatalf("expected stream/close, got %s", closed.Kind)
	}
	var p struct {
		StreamID string `json:"stream_id"`
		Reason   string `json:"reason"`
	}
	closed.UnmarshalPayload(&p)
	if p.Reason != "stream_overflow" {
		t.Errorf("expected stream_overflow reason, got %q", p.Reason)
	}
	if got, _ := e.Get(s.ID); got.Status != StatusClosed {
		t.Error("overflowed stream should be closed")
	}
}

func TestRecipients(t *testing.T) {
	e, _ := newTestEngine()

	e.Observe(requestEnvelope(t, "alice", map[string]interface{}{
		"direction": "upload",
		"target":    []string{"bob"},
	}))
	targeted := onlyStream(t, e)
	targets, broadcast, ok := e.Recipients(targeted.ID)
	if !ok || broadcast || len(targets) != 1 || targets[0] != "bob" {
		t.Errorf("targeted stream recipients wrong: %v broadcast=%v ok=%v", targets, broadcast, ok)
	}

	_, _, ok = e.Recipients("no-such-stream")
	if ok {
		t.Error("unknown stream should not resolve recipients")
	}
}

func onlyStream(t *testing.T, e *Engine) Stream {
	t.Helper()
	active := e.Active()
	if len(active) != 1 {
		t.Fatalf("expected exactly one active stream, got %d", len(active))
	}
	return active[0]
}
