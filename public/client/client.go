// Package client is the participant runtime for MEW spaces.
//
// It maintains the websocket session with the gateway, completes the
// welcome handshake, correlates requests with responses, dispatches
// registered tools, and reconnects with backoff when the connection drops.
// Envelope construction and parsing live in internal/envelope; this package
// adds the conversational conveniences a participant process needs.
//
// Key Features:
// - Dial with retry/backoff and bearer-token authentication
// - Correlation table mapping request ids to waiting callers
// - Tool registration with automatic mcp/response replies
// - Stream open/close helpers and frame callbacks
//
// Called by: participant processes (agents, bridges, CLIs)
// Calls: gorilla/websocket, retry-go, internal/envelope
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gorilla/websocket"

	"github.com/rjcorwin/mew-gateway/internal/capability"
	"github.com/rjcorwin/mew-gateway/internal/envelope"
	"github.com/rjcorwin/mew-gateway/internal/stream"
)

// Options configures a client connection.
type Options struct {
	// URL of the space endpoint, e.g. "ws://localhost:8080/spaces/dev"
	URL string

	// Token is the bearer token identifying this participant.
	Token string

	// RequestTimeout bounds Request calls without an explicit context
	// deadline. Default 30s.
	RequestTimeout time.Duration

	// DialAttempts bounds connection retries. Default 5.
	DialAttempts uint

	// Reconnect re-dials automatically when the connection drops.
	Reconnect bool

	Debug bool
}

// Welcome is the parsed system/welcome handshake.
type Welcome struct {
	Protocol string `json:"protocol"`
	You      struct {
		ID           string                  `json:"id"`
		Capabilities []capability.Capability `json:"capabilities"`
	} `json:"you"`
	Participants []PeerInfo      `json:"participants"`
	Streams      []stream.Stream `json:"streams"`
}

// PeerInfo is one member of the space as reported by the gateway.
type PeerInfo struct {
	ID           string                  `json:"id"`
	Capabilities []capability.Capability `json:"capabilities"`
	JoinedAt     time.Time               `json:"joined_at"`
}

// Handler receives every inbound envelope after the client's own dispatch.
type Handler func(env *envelope.Envelope)

// FrameHandler receives stream frame data.
type FrameHandler func(streamID string, data []byte)

// Client is one participant's connection to a space.
type Client struct {
	opts Options

	connMu sync.Mutex // serializes writes
	conn   *websocket.Conn

	mu         sync.Mutex
	pending    map[string]chan *envelope.Envelope // request id -> response
	streamWait map[string]chan stream.Stream      // request id -> stream/open
	tools      map[string]ToolFunc
	handlers   []Handler
	onFrame    FrameHandler
	welcome    *Welcome
	closed     bool

	welcomed chan struct{}
	done     chan struct{}
}

// Dial connects, authenticates, and waits for the welcome handshake.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.DialAttempts == 0 {
		opts.DialAttempts = 5
	}

	c := &Client{
		opts:       opts,
		pending:    make(map[string]chan *envelope.Envelope),
		streamWait: make(map[string]chan stream.Stream),
		tools:      make(map[string]ToolFunc),
		welcomed:   make(chan struct{}),
		done:       make(chan struct{}),
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	select {
	case <-c.welcomed:
	case <-time.After(10 * time.Second):
		c.Close()
		return nil, fmt.Errorf("no welcome from gateway within 10s")
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
	return c, nil
}

// connect dials with backoff and starts the listener.
func (c *Client) connect(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.opts.Token)

	var conn *websocket.Conn
	err := retry.Do(
		func() error {
			dialed, resp, err := websocket.DefaultDialer.DialContext(ctx, c.opts.URL, header)
			if err != nil {
				if resp != nil {
					return fmt.Errorf("dial %s: %s: %w", c.opts.URL, resp.Status, err)
				}
				return fmt.Errorf("dial %s: %w", c.opts.URL, err)
			}
			conn = dialed
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.opts.DialAttempts),
		retry.Delay(250*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
	)
	if err != nil {
		return err
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	go c.listen(conn)
	return nil
}

// listen is the single reader goroutine for one connection. It dispatches
// frames and envelopes and drives reconnection on failure.
func (c *Client) listen(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			c.onDisconnect(err)
			return
		}

		switch {
		case mt == websocket.BinaryMessage:
			if fr, err := stream.DecodeFrame(data); err == nil {
				c.dispatchFrame(fr)
			}
		case stream.IsTextFrame(data):
			if fr, err := stream.DecodeTextFrame(data); err == nil {
				c.dispatchFrame(fr)
			}
		default:
			var env envelope.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				if c.opts.Debug {
					log.Printf("Client: dropping unparseable message: %v", err)
				}
				continue
			}
			c.dispatch(&env)
		}
	}
}

// dispatch routes one inbound envelope: handshake, correlation waiters,
// tool calls, then the user handlers.
func (c *Client) dispatch(env *envelope.Envelope) {
	switch env.Kind {
	case envelope.KindSystemWelcome:
		var w Welcome
		if err := env.UnmarshalPayload(&w); err == nil {
			c.mu.Lock()
			first := c.welcome == nil
			c.welcome = &w
			c.mu.Unlock()
			if first {
				close(c.welcomed)
			}
		}
	case envelope.KindMCPResponse, envelope.KindCapabilityGrantAck:
		c.resolvePending(env)
	case envelope.KindStreamOpen:
		c.resolveStreamOpen(env)
	case envelope.KindStreamClose:
		c.forgetStream(env)
	case envelope.KindMCPRequest:
		c.maybeServeTool(env)
	}

	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(env)
	}
}

// resolvePending completes a Request waiting on any correlated id.
func (c *Client) resolvePending(env *envelope.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cid := range env.CorrelationID {
		if ch, ok := c.pending[cid]; ok {
			delete(c.pending, cid)
			ch <- env
		}
	}
}

// onDisconnect fails in-flight requests and reconnects when configured.
// Queued envelopes the gateway held during the outage are redelivered by
// the gateway itself; the client never replays.
func (c *Client) onDisconnect(cause error) {
	c.mu.Lock()
	closed := c.closed
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	for id, ch := range c.streamWait {
		delete(c.streamWait, id)
		close(ch)
	}
	c.mu.Unlock()

	if closed || !c.opts.Reconnect {
		return
	}

	log.Printf("Client: connection lost (%v), reconnecting", cause)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := c.connect(ctx); err != nil {
		log.Printf("Client: reconnect failed: %v", err)
		c.Close()
	}
}

// ID returns this participant's id as assigned by the gateway.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.welcome == nil {
		return ""
	}
	return c.welcome.You.ID
}

// Welcome returns the handshake snapshot.
func (c *Client) Welcome() Welcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.welcome == nil {
		return Welcome{}
	}
	return *c.welcome
}

// OnEnvelope registers a handler for every inbound envelope.
func (c *Client) OnEnvelope(h Handler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

// OnFrame registers the stream frame callback.
func (c *Client) OnFrame(h FrameHandler) {
	c.mu.Lock()
	c.onFrame = h
	c.mu.Unlock()
}

// Send transmits one envelope. The gateway assigns from, and fills id and
// ts if absent; the id already set here lets the caller correlate replies.
func (c *Client) Send(env *envelope.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return c.writeMessage(websocket.TextMessage, data)
}

func (c *Client) writeMessage(messageType int, data []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(messageType, data)
}

// Chat broadcasts a chat message, or sends it to the given recipients.
func (c *Client) Chat(text string, to ...string) error {
	env, err := envelope.New("", envelope.KindChat, map[string]string{
		"text":   text,
		"format": "plain",
	})
	if err != nil {
		return err
	}
	env.To = to
	return c.Send(env)
}

// AcknowledgeChat confirms receipt of a chat message to its sender.
func (c *Client) AcknowledgeChat(chat *envelope.Envelope) error {
	env, err := envelope.NewReply(chat, "", envelope.KindChatAcknowledge, nil)
	if err != nil {
		return err
	}
	return c.Send(env)
}

// CancelChat retracts a previously sent chat message.
func (c *Client) CancelChat(chatID string, to ...string) error {
	env, err := envelope.New("", envelope.KindChatCancel, nil)
	if err != nil {
		return err
	}
	env.To = to
	env.CorrelationID = []string{chatID}
	return c.Send(env)
}

// StartReasoning opens a reasoning sequence and returns the envelope id
// that subsequent thoughts and the conclusion must correlate to.
func (c *Client) StartReasoning(message string) (string, error) {
	env, err := envelope.New("", envelope.KindReasoningStart, map[string]string{
		"message": message,
	})
	if err != nil {
		return "", err
	}
	return env.ID, c.Send(env)
}

// Thought emits one reasoning step within the sequence started by
// StartReasoning.
func (c *Client) Thought(reasoningID, message string) error {
	env, err := envelope.New("", envelope.KindReasoningThought, map[string]string{
		"message": message,
	})
	if err != nil {
		return err
	}
	env.CorrelationID = []string{reasoningID}
	return c.Send(env)
}

// ConcludeReasoning closes a reasoning sequence with its final message.
func (c *Client) ConcludeReasoning(reasoningID, message string) error {
	env, err := envelope.New("", envelope.KindReasoningConclusion, map[string]string{
		"message": message,
	})
	if err != nil {
		return err
	}
	env.CorrelationID = []string{reasoningID}
	return c.Send(env)
}

// CancelReasoning asks the participant running the sequence to stop.
func (c *Client) CancelReasoning(reasoningID string, to ...string) error {
	env, err := envelope.New("", envelope.KindReasoningCancel, nil)
	if err != nil {
		return err
	}
	env.To = to
	env.CorrelationID = []string{reasoningID}
	return c.Send(env)
}

// Close terminates the session without reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return nil
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	return c.conn.Close()
}
