package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// knownFields is the set of recognized top-level envelope fields. In strict
// mode the codec rejects anything outside this set; otherwise unknown
// fields are accepted and dropped.
var knownFields = map[string]bool{
	"protocol":       true,
	"id":             true,
	"ts":             true,
	"from":           true,
	"to":             true,
	"kind":           true,
	"correlation_id": true,
	"context":        true,
	"payload":        true,
}

// Codec parses and serializes wire envelopes. A single codec instance is
// shared by the websocket ingress and the HTTP injection endpoint so both
// paths apply identical validation.
type Codec struct {
	// Strict rejects envelopes carrying unknown top-level fields.
	// Default is lenient: accept and ignore.
	Strict bool

	// AcceptLegacy lists additional protocol versions admitted at
	// ingress besides the current one.
	AcceptLegacy []string
}

// MalformedError reports a wire envelope the codec could not accept.
// The gateway surfaces it to the sender as a "malformed_envelope" error.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return "malformed_envelope: " + e.Reason
}

// UnsupportedProtocolError reports an envelope whose protocol tag is
// neither current nor listed as legacy. The connection is closed.
type UnsupportedProtocolError struct {
	Version string
}

func (e *UnsupportedProtocolError) Error() string {
	return "unsupported protocol version: " + e.Version
}

// Decode parses a wire envelope, validating field types and the protocol
// version. It does not stamp server fields; the caller does that after
// authentication so From is always the connection identity.
func (c *Codec) Decode(data []byte) (*Envelope, error) {
	// First pass: raw field map for strict-mode and type checks.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &MalformedError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}

	if c.Strict {
		for k := range fields {
			if !knownFields[k] {
				return nil, &MalformedError{Reason: "unknown field: " + k}
			}
		}
	}

	if _, ok := fields["kind"]; !ok {
		return nil, &MalformedError{Reason: "missing required field: kind"}
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &MalformedError{Reason: fmt.Sprintf("invalid field type: %v", err)}
	}

	if env.Kind == "" {
		return nil, &MalformedError{Reason: "kind must be a non-empty string"}
	}

	if env.Protocol != "" && !c.accepts(env.Protocol) {
		return nil, &UnsupportedProtocolError{Version: env.Protocol}
	}

	return &env, nil
}

// Encode serializes an envelope for wire delivery.
func (c *Codec) Encode(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (c *Codec) accepts(version string) bool {
	if version == Protocol {
		return true
	}
	for _, v := range c.AcceptLegacy {
		if v == version {
			return true
		}
	}
	return false
}

// Canonical serializes the envelope deterministically: object keys sorted
// at every nesting level, numbers preserved verbatim. Tests and external
// auditors use it to compare envelopes regardless of client key order.
func Canonical(env *Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeCanonical renders a decoded JSON value with sorted object keys.
// encoding/json already sorts map keys, but nested json.Number and array
// values need explicit handling to avoid re-encoding float drift.
func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []interface{}:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case json.Number:
		buf.WriteString(t.String())
		return nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}
