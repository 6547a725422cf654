package envelope

import (
	"bytes"
	"errors"
	"testing"
)

func TestDecodeRejectsMissingKind(t *testing.T) {
	codec := &Codec{}
	_, err := codec.Decode([]byte(`{"payload":{"text":"hi"}}`))
	var malformed *MalformedError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedError, got %v", err)
	}
}

func TestDecodeRejectsInvalidJSON(t *testing.T) {
	codec := &Codec{}
	if _, err := codec.Decode([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestDecodeStrictMode(t *testing.T) {
	doc := []byte(`{"kind":"chat","banana":true}`)

	lenient := &Codec{}
	if _, err := lenient.Decode(doc); err != nil {
		t.Errorf("lenient codec should accept unknown fields: %v", err)
	}

	strict := &Codec{Strict: true}
	if _, err := strict.Decode(doc); err == nil {
		t.Error("strict codec should reject unknown fields")
	}
}

func TestDecodeProtocolVersions(t *testing.T) {
	tests := []struct {
		name    string
		codec   Codec
		doc     string
		wantErr bool
	}{
		{"current version", Codec{}, `{"kind":"chat","protocol":"mew/v0.4"}`, false},
		{"absent version", Codec{}, `{"kind":"chat"}`, false},
		{"unknown version", Codec{}, `{"kind":"chat","protocol":"mew/v0.2"}`, true},
		{"legacy allowed", Codec{AcceptLegacy: []string{"mew/v0.3"}}, `{"kind":"chat","protocol":"mew/v0.3"}`, false},
	}
	for _, tt := range tests {
		_, err := tt.codec.Decode([]byte(tt.doc))
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if tt.wantErr {
			var unsupported *UnsupportedProtocolError
			if !errors.As(err, &unsupported) {
				t.Errorf("%s: expected UnsupportedProtocolError, got %T", tt.name, err)
			}
		}
	}
}

func TestCanonicalIsDeterministic(t *testing.T) {
	env, err := New("alice", KindChat, map[string]interface{}{
		"zebra": 1,
		"apple": map[string]interface{}{"z": true, "a": false},
		"count": 9007199254740993, // beyond float64 precision
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	a, err := Canonical(env)
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	b, _ := Canonical(env)
	if !bytes.Equal(a, b) {
		t.Error("canonical form should be byte-stable across calls")
	}
	if !bytes.Contains(a, []byte("9007199254740993")) {
		t.Error("large integers should survive canonicalization without float drift")
	}
	if bytes.Index(a, []byte(`"apple"`)) > bytes.Index(a, []byte(`"zebra"`)) {
		t.Error("payload keys should be sorted")
	}
}
