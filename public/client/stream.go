package client

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rjcorwin/mew-gateway/internal/envelope"
	"github.com/rjcorwin/mew-gateway/internal/stream"
)

// RequestStream asks the gateway to open a byte stream and waits for the
// stream/open announcement carrying the server-assigned id. Targets may be
// empty for a space-wide stream.
func (c *Client) RequestStream(direction stream.Direction, description string, targets ...string) (stream.Stream, error) {
	env, err := envelope.New("", envelope.KindStreamRequest, map[string]interface{}{
		"direction":   direction,
		"target":      targets,
		"description": description,
	})
	if err != nil {
		return stream.Stream{}, err
	}

	ch := make(chan stream.Stream, 1)
	c.mu.Lock()
	c.streamWait[env.ID] = ch
	c.mu.Unlock()

	if err := c.Send(env); err != nil {
		c.mu.Lock()
		delete(c.streamWait, env.ID)
		c.mu.Unlock()
		return stream.Stream{}, err
	}

	select {
	case s, ok := <-ch:
		if !ok {
			return stream.Stream{}, fmt.Errorf("connection lost before stream/open")
		}
		return s, nil
	case <-time.After(c.opts.RequestTimeout):
		c.mu.Lock()
		delete(c.streamWait, env.ID)
		c.mu.Unlock()
		return stream.Stream{}, fmt.Errorf("no stream/open within %v", c.opts.RequestTimeout)
	case <-c.done:
		return stream.Stream{}, fmt.Errorf("client closed")
	}
}

// resolveStreamOpen completes a RequestStream waiting on the correlated
// stream/open.
func (c *Client) resolveStreamOpen(env *envelope.Envelope) {
	var s stream.Stream
	if err := env.UnmarshalPayload(&s); err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cid := range env.CorrelationID {
		if ch, ok := c.streamWait[cid]; ok {
			delete(c.streamWait, cid)
			ch <- s
		}
	}
}

// forgetStream drops any waiter whose stream closed before opening fully.
// Frame handlers learn about the closure through the envelope handlers.
func (c *Client) forgetStream(env *envelope.Envelope) {
	var p struct {
		StreamID string `json:"stream_id"`
	}
	if err := env.UnmarshalPayload(&p); err != nil {
		return
	}
	if c.opts.Debug {
		var reason struct {
			Reason string `json:"reason"`
		}
		env.UnmarshalPayload(&reason)
		fmt.Printf("stream %s closed (%s)\n", p.StreamID, reason.Reason)
	}
}

// SendFrame writes one binary frame to a stream this participant is an
// authorized writer of.
func (c *Client) SendFrame(streamID string, data []byte) error {
	wire, err := stream.EncodeFrame(streamID, data)
	if err != nil {
		return err
	}
	return c.writeMessage(websocket.BinaryMessage, wire)
}

// SendTextFrame writes one text-encoded frame, for transports that cannot
// carry binary messages end to end.
func (c *Client) SendTextFrame(streamID string, data []byte) error {
	return c.writeMessage(websocket.TextMessage, stream.EncodeTextFrame(streamID, data))
}

// CloseStream closes a stream this participant owns.
func (c *Client) CloseStream(streamID, reason string) error {
	env, err := envelope.New("", envelope.KindStreamClose, map[string]string{
		"stream_id": streamID,
		"reason":    reason,
	})
	if err != nil {
		return err
	}
	return c.Send(env)
}

// dispatchFrame hands inbound frame data to the registered handler.
func (c *Client) dispatchFrame(fr stream.Frame) {
	c.mu.Lock()
	h := c.onFrame
	c.mu.Unlock()
	if h != nil {
		h(fr.StreamID, fr.Data)
	}
}
