// Package delivery posts queued events to the remote ledger and classifies
// each attempt.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cdcw/intake/internal/event"
)

// DefaultTimeout bounds a single attempt. An attempt that exceeds it is
// classified Unreachable.
const DefaultTimeout = 20 * time.Second

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 1 << 20

var (
	// ErrRejected is the error form of a Rejected outcome.
	ErrRejected = errors.New("ledger rejected request")
	// ErrUnreachable is the error form of an Unreachable outcome.
	ErrUnreachable = errors.New("ledger unreachable")
)

// Kind classifies a delivery attempt.
type Kind int

const (
	// Delivered means the ledger confirmed the event.
	Delivered Kind = iota
	// Rejected means the ledger answered but did not accept the event.
	Rejected
	// Unreachable means no usable answer arrived.
	Unreachable
)

func (k Kind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case Rejected:
		return "rejected"
	case Unreachable:
		return "unreachable"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the result of one delivery attempt.
type Outcome struct {
	Kind     Kind
	Message  string
	Response *Response
}

// Err returns nil for Delivered, otherwise an error wrapping ErrRejected or
// ErrUnreachable.
func (o Outcome) Err() error {
	switch o.Kind {
	case Delivered:
		return nil
	case Rejected:
		return fmt.Errorf("%w: %s", ErrRejected, o.Message)
	default:
		return fmt.Errorf("%w: %s", ErrUnreachable, o.Message)
	}
}

// Response is the ledger's JSON reply.
type Response struct {
	Status  string     `json:"status"`
	Message string     `json:"message,omitempty"`
	BuildID string     `json:"buildId,omitempty"`
	Budget  *int       `json:"budget,omitempty"`
	Log     *LogResult `json:"log,omitempty"`
}

// LogResult reports the ledger rows an append wrote.
type LogResult struct {
	Written int `json:"written"`
	Row     int `json:"row"`
}

// Client talks to the single ledger endpoint.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithToken sends "Authorization: Bearer <token>" with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// NewClient creates a Client for the ledger at endpoint.
func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Deliver sends item once and classifies the result.
func (c *Client) Deliver(ctx context.Context, item event.Item) Outcome {
	body, err := event.WireBody(item)
	if err != nil {
		// A stored item that no longer encodes will not succeed on retry
		// either, but dropping it would lose the event. Keep it at the head.
		return Outcome{Kind: Rejected, Message: err.Error()}
	}

	resp, outcome, ok := c.post(ctx, body)
	if !ok {
		return outcome
	}

	if resp.Status != "success" {
		msg := resp.Message
		if msg == "" {
			msg = fmt.Sprintf("ledger status %q", resp.Status)
		}
		return Outcome{Kind: Rejected, Message: msg, Response: resp}
	}

	if item.Action.RequiresWriteConfirmation() {
		written := 0
		if resp.Log != nil {
			written = resp.Log.Written
		}
		if written != 1 {
			return Outcome{
				Kind:     Rejected,
				Message:  fmt.Sprintf("%s append not confirmed (written=%d)", item.Action, written),
				Response: resp,
			}
		}
	}

	return Outcome{Kind: Delivered, Response: resp}
}

// FetchBudget reads a guest's current Felton Bucks balance directly from the
// ledger, bypassing the queue.
func (c *Client) FetchBudget(ctx context.Context, guestID string) (int, error) {
	body, err := event.BudgetRequestBody(guestID)
	if err != nil {
		return 0, err
	}

	resp, outcome, ok := c.post(ctx, body)
	if !ok {
		return 0, outcome.Err()
	}
	if resp.Status != "success" {
		msg := resp.Message
		if msg == "" {
			msg = fmt.Sprintf("ledger status %q", resp.Status)
		}
		return 0, fmt.Errorf("%w: %s", ErrRejected, msg)
	}
	if resp.Budget == nil {
		return 0, fmt.Errorf("%w: response has no budget", ErrRejected)
	}
	return *resp.Budget, nil
}

// post performs the HTTP exchange. When ok is false, outcome holds the
// Rejected or Unreachable classification.
func (c *Client) post(ctx context.Context, body []byte) (*Response, Outcome, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, Outcome{Kind: Unreachable, Message: err.Error()}, false
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, Outcome{Kind: Unreachable, Message: err.Error()}, false
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, Outcome{Kind: Unreachable, Message: fmt.Sprintf("read response: %v", err)}, false
	}

	var resp Response
	decodeErr := json.Unmarshal(raw, &resp)

	if httpResp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("HTTP %d", httpResp.StatusCode)
		if decodeErr == nil && resp.Message != "" {
			msg += ": " + resp.Message
		}
		return nil, Outcome{Kind: Rejected, Message: msg}, false
	}

	if decodeErr != nil {
		return nil, Outcome{Kind: Rejected, Message: "invalid JSON response: " + snippet(raw)}, false
	}

	return &resp, Outcome{}, true
}

// snippet shortens a body for error messages. HTML error pages are common.
func snippet(b []byte) string {
	const max = 100
	if len(b) > max {
		return string(b[:max])
	}
	return string(b)
}
