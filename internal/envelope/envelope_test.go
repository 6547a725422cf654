package envelope

import (
	"encoding/json"
	"testing"
)

func TestNewPopulatesIdentity(t *testing.T) {
	env, err := New("alice", KindChat, map[string]string{"text": "hi"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if env.ID == "" {
		t.Error("expected non-empty id")
	}
	if env.TS.IsZero() {
		t.Error("expected timestamp")
	}
	if env.Protocol != Protocol {
		t.Errorf("expected protocol %s, got %s", Protocol, env.Protocol)
	}
	if err := env.Validate(); err != nil {
		t.Errorf("fresh envelope should validate: %v", err)
	}
}

func TestStampOverwritesSender(t *testing.T) {
	env := &Envelope{From: "mallory", Kind: KindChat}
	env.Stamp("alice")

	if env.From != "alice" {
		t.Errorf("expected stamped sender alice, got %s", env.From)
	}
	if env.ID == "" || env.TS.IsZero() || env.Protocol != Protocol {
		t.Error("Stamp should fill id, ts, and protocol")
	}

	// A client-chosen id survives so replies can correlate to it.
	env2 := &Envelope{ID: "client-chosen", Kind: KindChat}
	env2.Stamp("bob")
	if env2.ID != "client-chosen" {
		t.Errorf("client id should be preserved, got %s", env2.ID)
	}
}

func TestIsKind(t *testing.T) {
	tests := []struct {
		kind  string
		query string
		want  bool
	}{
		{"mcp/request", "mcp", true},
		{"mcp/request", "mcp/request", true},
		{"mcp/request", "mcp/req", false},
		{"mcpx", "mcp", false},
		{"chat", "chat", true},
		{"chat/acknowledge", "chat", true},
	}
	for _, tt := range tests {
		env := &Envelope{Kind: tt.kind}
		if got := env.IsKind(tt.query); got != tt.want {
			t.Errorf("IsKind(%q) on kind %q = %v, want %v", tt.query, tt.kind, got, tt.want)
		}
	}
}

func TestContextStringForm(t *testing.T) {
	data := []byte(`{"kind":"chat","context":"debugging-session"}`)
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if env.Context == nil || env.Context.Name != "debugging-session" {
		t.Fatalf("expected string context, got %+v", env.Context)
	}

	out, err := json.Marshal(&env)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var round map[string]interface{}
	json.Unmarshal(out, &round)
	if round["context"] != "debugging-session" {
		t.Errorf("string context should round-trip as a string, got %v", round["context"])
	}
}

func TestContextStructuredForm(t *testing.T) {
	data := []byte(`{"kind":"chat","context":{"operation":"push","topic":"review","correlation_id":"e-1"}}`)
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if env.Context.Operation != ContextPush || env.Context.Topic != "review" {
		t.Errorf("unexpected context: %+v", env.Context)
	}
}

func TestNewReplyTargetsOriginator(t *testing.T) {
	orig, _ := New("alice", KindMCPRequest, nil)
	reply, err := NewReply(orig, "bob", KindMCPResponse, map[string]string{"ok": "yes"})
	if err != nil {
		t.Fatalf("NewReply failed: %v", err)
	}
	if len(reply.To) != 1 || reply.To[0] != "alice" {
		t.Errorf("reply should target alice, got %v", reply.To)
	}
	if !reply.CorrelatesTo(orig.ID) {
		t.Error("reply should correlate to the original envelope")
	}
}

func TestCloneIsDeep(t *testing.T) {
	env, _ := New("alice", KindChat, map[string]string{"text": "hi"})
	env.To = []string{"bob"}
	clone := env.Clone()

	clone.To[0] = "carol"
	clone.Payload[2] = 'X'
	if env.To[0] != "bob" {
		t.Error("clone mutation leaked into the original recipient list")
	}
	if env.Payload[2] == 'X' {
		t.Error("clone mutation leaked into the original payload")
	}
}
