package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/rjcorwin/mew-gateway/internal/capability"
	"github.com/rjcorwin/mew-gateway/internal/envelope"
)

// ToolFunc executes one registered tool call.
type ToolFunc func(args json.RawMessage) (interface{}, error)

// requestPayload is the MCP-shaped body of an mcp/request envelope.
type requestPayload struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// toolCallParams is the params body of a tools/call request.
type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// responsePayload is the body of an mcp/response envelope.
type responsePayload struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ResponseError  `json:"error,omitempty"`
}

// ResponseError is a structured failure inside an mcp/response.
type ResponseError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *ResponseError) Error() string {
	return e.Message
}

// Request sends an mcp/request to one participant and waits for the
// correlated mcp/response. A closed connection fails the call immediately;
// the gateway does not replay requests across reconnects.
func (c *Client) Request(ctx context.Context, to, method string, params interface{}) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		raw = b
	}

	env, err := envelope.New("", envelope.KindMCPRequest, requestPayload{Method: method, Params: raw})
	if err != nil {
		return nil, err
	}
	env.To = []string{to}

	ch := make(chan *envelope.Envelope, 1)
	c.mu.Lock()
	c.pending[env.ID] = ch
	c.mu.Unlock()

	if err := c.Send(env); err != nil {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
		return nil, err
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection lost before response")
		}
		var body responsePayload
		if err := resp.UnmarshalPayload(&body); err != nil {
			return nil, fmt.Errorf("unparseable response payload: %w", err)
		}
		if body.Error != nil {
			return nil, body.Error
		}
		return body.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Respond answers an inbound mcp/request. Exactly one of result and
// respErr should be set.
func (c *Client) Respond(req *envelope.Envelope, result interface{}, respErr *ResponseError) error {
	body := responsePayload{Error: respErr}
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		body.Result = b
	}

	env, err := envelope.NewReply(req, "", envelope.KindMCPResponse, body)
	if err != nil {
		return err
	}
	return c.Send(env)
}

// RegisterTool makes a tool callable by peers via tools/call requests.
func (c *Client) RegisterTool(name string, fn ToolFunc) {
	c.mu.Lock()
	c.tools[name] = fn
	c.mu.Unlock()
}

// maybeServeTool answers tools/call requests targeting a registered tool.
// Requests for other methods or unknown tools fall through to the user
// handlers untouched.
func (c *Client) maybeServeTool(req *envelope.Envelope) {
	var body requestPayload
	if err := req.UnmarshalPayload(&body); err != nil || body.Method != "tools/call" {
		return
	}
	var call toolCallParams
	if err := json.Unmarshal(body.Params, &call); err != nil {
		return
	}

	c.mu.Lock()
	fn, ok := c.tools[call.Name]
	c.mu.Unlock()
	if !ok {
		return
	}

	go func() {
		result, err := fn(call.Arguments)
		if err != nil {
			if sendErr := c.Respond(req, nil, &ResponseError{Message: err.Error()}); sendErr != nil {
				log.Printf("Client: tool error reply failed: %v", sendErr)
			}
			return
		}
		if err := c.Respond(req, result, nil); err != nil {
			log.Printf("Client: tool reply failed: %v", err)
		}
	}()
}

// Propose broadcasts an mcp/proposal describing an operation this
// participant lacks the capability to perform directly. Returns the
// proposal id peers correlate their fulfillment or rejection to.
func (c *Client) Propose(method string, params interface{}, to ...string) (string, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return "", fmt.Errorf("failed to marshal params: %w", err)
		}
		raw = b
	}

	env, err := envelope.New("", envelope.KindMCPProposal, requestPayload{Method: method, Params: raw})
	if err != nil {
		return "", err
	}
	env.To = to
	if err := c.Send(env); err != nil {
		return "", err
	}
	return env.ID, nil
}

// Fulfill executes a peer's proposal by sending the real mcp/request
// correlated to it. The eventual response reaches both this participant
// and the proposer.
func (c *Client) Fulfill(proposal *envelope.Envelope, to string) (string, error) {
	env, err := envelope.New("", envelope.KindMCPRequest, proposal.Payload)
	if err != nil {
		return "", err
	}
	env.To = []string{to}
	env.CorrelationID = []string{proposal.ID}
	if err := c.Send(env); err != nil {
		return "", err
	}
	return env.ID, nil
}

// RejectProposal declines a proposal with an optional reason.
func (c *Client) RejectProposal(proposalID, reason string) error {
	env, err := envelope.New("", envelope.KindMCPReject, map[string]string{"reason": reason})
	if err != nil {
		return err
	}
	env.CorrelationID = []string{proposalID}
	return c.Send(env)
}

// Withdraw retracts this participant's own pending proposal.
func (c *Client) Withdraw(proposalID string) error {
	env, err := envelope.New("", envelope.KindMCPWithdraw, nil)
	if err != nil {
		return err
	}
	env.CorrelationID = []string{proposalID}
	return c.Send(env)
}

// GrantCapabilities hands capabilities this participant holds to another.
// Returns the grant id usable for a later revoke.
func (c *Client) GrantCapabilities(recipient string, caps []capability.Capability, reason string) (string, error) {
	env, err := envelope.New("", envelope.KindCapabilityGrant, map[string]interface{}{
		"recipient":    recipient,
		"capabilities": caps,
		"reason":       reason,
	})
	if err != nil {
		return "", err
	}

	ch := make(chan *envelope.Envelope, 1)
	c.mu.Lock()
	c.pending[env.ID] = ch
	c.mu.Unlock()

	if err := c.Send(env); err != nil {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
		return "", err
	}

	select {
	case ack, ok := <-ch:
		if !ok {
			return "", fmt.Errorf("connection lost before grant-ack")
		}
		var body struct {
			GrantID string `json:"grant_id"`
		}
		if err := ack.UnmarshalPayload(&body); err != nil {
			return "", err
		}
		return body.GrantID, nil
	case <-time.After(c.opts.RequestTimeout):
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
		return "", fmt.Errorf("no grant-ack within %v", c.opts.RequestTimeout)
	case <-c.done:
		return "", fmt.Errorf("client closed")
	}
}

// RevokeCapabilities removes a prior grant by id.
func (c *Client) RevokeCapabilities(recipient, grantID string) error {
	env, err := envelope.New("", envelope.KindCapabilityRevoke, map[string]interface{}{
		"recipient": recipient,
		"grant_id":  grantID,
	})
	if err != nil {
		return err
	}
	return c.Send(env)
}
