package stream

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// Frames travel as websocket binary messages whose first 16 bytes are the
// raw UUID of the stream, or as text messages using the reserved
// "#stream#<id>#" prefix for clients that cannot send binary frames.

// TextFramePrefix marks a text-encoded stream frame.
const TextFramePrefix = "#stream#"

// Frame is one decoded stream data frame.
type Frame struct {
	StreamID string
	Data     []byte
}

// EncodeFrame builds the binary wire form of a frame.
func EncodeFrame(streamID string, data []byte) ([]byte, error) {
	id, err := uuid.Parse(streamID)
	if err != nil {
		return nil, fmt.Errorf("invalid stream id: %w", err)
	}
	buf := make([]byte, 16+len(data))
	copy(buf, id[:])
	copy(buf[16:], data)
	return buf, nil
}

// DecodeFrame parses the binary wire form.
func DecodeFrame(msg []byte) (Frame, error) {
	if len(msg) < 16 {
		return Frame{}, fmt.Errorf("frame shorter than stream id prefix")
	}
	var id uuid.UUID
	copy(id[:], msg[:16])
	return Frame{StreamID: id.String(), Data: msg[16:]}, nil
}

// IsTextFrame reports whether a text websocket message carries a stream
// frame rather than an envelope.
func IsTextFrame(msg []byte) bool {
	return bytes.HasPrefix(msg, []byte(TextFramePrefix))
}

// DecodeTextFrame parses "#stream#<id>#<data>".
func DecodeTextFrame(msg []byte) (Frame, error) {
	rest := bytes.TrimPrefix(msg, []byte(TextFramePrefix))
	idx := bytes.IndexByte(rest, '#')
	if idx < 0 {
		return Frame{}, fmt.Errorf("text frame missing data separator")
	}
	id := string(rest[:idx])
	if _, err := uuid.Parse(id); err != nil {
		return Frame{}, fmt.Errorf("invalid stream id: %w", err)
	}
	return Frame{StreamID: id, Data: rest[idx+1:]}, nil
}

// EncodeTextFrame builds the text wire form.
func EncodeTextFrame(streamID string, data []byte) []byte {
	out := make([]byte, 0, len(TextFramePrefix)+len(streamID)+1+len(data))
	out = append(out, TextFramePrefix...)
	out = append(out, streamID...)
	out = append(out, '#')
	out = append(out, data...)
	return out
}
