package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rjcorwin/mew-gateway/internal/capability"
	"github.com/rjcorwin/mew-gateway/internal/config"
	"github.com/rjcorwin/mew-gateway/internal/envelope"
	"github.com/rjcorwin/mew-gateway/internal/gateway"
	"github.com/rjcorwin/mew-gateway/internal/stream"
)

const testDescriptor = `
space:
  id: dev
participants:
  alice:
    tokens: ["alice-token"]
    capabilities:
      - kind: "*"
  bob:
    tokens: ["bob-token"]
    capabilities:
      - kind: "*"
`

func newTestGateway(t *testing.T) *httptest.Server {
	t.Helper()
	cfg, err := config.Parse([]byte(testDescriptor))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	srv, err := gateway.NewServer(cfg, gateway.Options{
		DataDir:     t.TempDir(),
		GraceWindow: 50 * time.Millisecond,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Space().Close()
	})
	return ts
}

func dialClient(t *testing.T, ts *httptest.Server, token string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), Options{
		URL:            "ws" + strings.TrimPrefix(ts.URL, "http") + "/spaces/dev",
		Token:          token,
		RequestTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDialReceivesWelcome(t *testing.T) {
	ts := newTestGateway(t)
	alice := dialClient(t, ts, "alice-token")

	if alice.ID() != "alice" {
		t.Errorf("client should learn its id from the welcome, got %q", alice.ID())
	}
	w := alice.Welcome()
	if w.Protocol != envelope.Protocol {
		t.Errorf("welcome should carry the protocol version, got %s", w.Protocol)
	}
	if len(w.You.Capabilities) != 1 {
		t.Errorf("welcome should list baseline capabilities, got %v", w.You.Capabilities)
	}
}

func TestDialRejectsBadToken(t *testing.T) {
	ts := newTestGateway(t)
	_, err := Dial(context.Background(), Options{
		URL:          "ws" + strings.TrimPrefix(ts.URL, "http") + "/spaces/dev",
		Token:        "wrong",
		DialAttempts: 1,
	})
	if err == nil {
		t.Fatal("bad token should fail the dial")
	}
}

func TestChatReachesPeer(t *testing.T) {
	ts := newTestGateway(t)
	alice := dialClient(t, ts, "alice-token")
	bob := dialClient(t, ts, "bob-token")

	got := make(chan *envelope.Envelope, 1)
	bob.OnEnvelope(func(env *envelope.Envelope) {
		if env.Kind == envelope.KindChat {
			select {
			case got <- env:
			default:
			}
		}
	})

	if err := alice.Chat("hello from alice"); err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	select {
	case env := <-got:
		if env.From != "alice" {
			t.Errorf("chat should be stamped from alice, got %s", env.From)
		}
		var p struct {
			Text string `json:"text"`
		}
		env.UnmarshalPayload(&p)
		if p.Text != "hello from alice" {
			t.Errorf("payload mangled: %q", p.Text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("bob never received the chat")
	}
}

func TestToolCallRoundTrip(t *testing.T) {
	ts := newTestGateway(t)
	alice := dialClient(t, ts, "alice-token")
	bob := dialClient(t, ts, "bob-token")

	bob.RegisterTool("echo", func(args json.RawMessage) (interface{}, error) {
		var in map[string]string
		json.Unmarshal(args, &in)
		return map[string]string{"echo": in["text"]}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := alice.Request(ctx, "bob", "tools/call", map[string]interface{}{
		"name":      "echo",
		"arguments": map[string]string{"text": "ping"},
	})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	var out map[string]string
	if err := json.Unmarshal(result, &out); err != nil {
		t.Fatalf("unparseable result: %v", err)
	}
	if out["echo"] != "ping" {
		t.Errorf("expected echoed ping, got %v", out)
	}
}

func TestToolErrorSurfacesToCaller(t *testing.T) {
	ts := newTestGateway(t)
	alice := dialClient(t, ts, "alice-token")
	bob := dialClient(t, ts, "bob-token")

	bob.RegisterTool("fail", func(json.RawMessage) (interface{}, error) {
		return nil, &ResponseError{Message: "tool exploded"}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := alice.Request(ctx, "bob", "tools/call", map[string]interface{}{"name": "fail"})
	if err == nil || !strings.Contains(err.Error(), "tool exploded") {
		t.Fatalf("expected the tool's error, got %v", err)
	}
}

func TestStreamFrames(t *testing.T) {
	ts := newTestGateway(t)
	alice := dialClient(t, ts, "alice-token")
	bob := dialClient(t, ts, "bob-token")

	frames := make(chan []byte, 1)
	bob.OnFrame(func(streamID string, data []byte) {
		select {
		case frames <- data:
		default:
		}
	})

	s, err := alice.RequestStream(stream.Upload, "log tail", "bob")
	if err != nil {
		t.Fatalf("RequestStream failed: %v", err)
	}
	if s.Owner != "alice" || len(s.AuthorizedWriters) != 1 {
		t.Errorf("unexpected stream metadata: %+v", s)
	}

	if err := alice.SendFrame(s.ID, []byte("line 1\n")); err != nil {
		t.Fatalf("SendFrame failed: %v", err)
	}

	select {
	case data := <-frames:
		if string(data) != "line 1\n" {
			t.Errorf("frame mangled: %q", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("bob never received the frame")
	}

	if err := alice.CloseStream(s.ID, "done"); err != nil {
		t.Fatalf("CloseStream failed: %v", err)
	}
}

func TestProposalFlow(t *testing.T) {
	ts := newTestGateway(t)
	alice := dialClient(t, ts, "alice-token")
	bob := dialClient(t, ts, "bob-token")

	proposals := make(chan *envelope.Envelope, 1)
	bob.OnEnvelope(func(env *envelope.Envelope) {
		if env.Kind == envelope.KindMCPProposal {
			select {
			case proposals <- env:
			default:
			}
		}
	})
	responses := make(chan *envelope.Envelope, 1)
	alice.OnEnvelope(func(env *envelope.Envelope) {
		if env.Kind == envelope.KindMCPResponse {
			select {
			case responses <- env:
			default:
			}
		}
	})

	// Alice serves the tool bob's fulfillment will invoke.
	alice.RegisterTool("deploy", func(json.RawMessage) (interface{}, error) {
		return map[string]string{"status": "deployed"}, nil
	})

	propID, err := alice.Propose("tools/call", map[string]interface{}{
		"name": "deploy",
	})
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}

	var prop *envelope.Envelope
	select {
	case prop = <-proposals:
	case <-time.After(5 * time.Second):
		t.Fatal("bob never saw the proposal")
	}
	if prop.ID != propID {
		t.Errorf("proposal id mismatch: %s vs %s", prop.ID, propID)
	}

	if _, err := bob.Fulfill(prop, "alice"); err != nil {
		t.Fatalf("Fulfill failed: %v", err)
	}

	// The response to the fulfillment fans out to the proposer too.
	select {
	case <-responses:
	case <-time.After(5 * time.Second):
		t.Fatal("proposer never saw the fulfillment response")
	}
}

func TestGrantReturnsGrantID(t *testing.T) {
	ts := newTestGateway(t)
	alice := dialClient(t, ts, "alice-token")
	dialClient(t, ts, "bob-token")

	grantID, err := alice.GrantCapabilities("bob",
		[]capability.Capability{{Kind: "reasoning/*"}}, "debugging session")
	if err != nil {
		t.Fatalf("GrantCapabilities failed: %v", err)
	}
	if grantID == "" {
		t.Fatal("grant-ack should carry the assigned grant id")
	}

	if err := alice.RevokeCapabilities("bob", grantID); err != nil {
		t.Fatalf("RevokeCapabilities failed: %v", err)
	}
}
