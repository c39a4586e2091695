package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"deopenchat/core/session"
	"deopenchat/core/wire"
)

// Client talks to a provider gateway over HTTP. It implements
// session.Transport for the client side of rounds.
type Client struct {
	httpClient *http.Client
	baseURL    string
	adminToken string
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// WithAdminToken authenticates admin calls with a bearer token.
func WithAdminToken(token string) ClientOption {
	return func(cl *Client) { cl.adminToken = strings.TrimSpace(token) }
}

// NewClient builds a client for the gateway at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("gateway: base url required")
	}
	c := &Client{httpClient: &http.Client{Timeout: 5 * time.Minute}, baseURL: baseURL}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Request sends a signed request envelope and returns the response envelope.
func (c *Client) Request(ctx context.Context, pk wire.PublicKey, req wire.Envelope) (wire.Envelope, error) {
	var out CompletionResponse
	if err := c.do(ctx, http.MethodPost, "/v1/completions", pk, CompletionRequest{ClientPK: pk, Request: req}, &out, false); err != nil {
		return wire.Envelope{}, err
	}
	return out.Response, nil
}

// Confirm delivers the client's confirmation of the outstanding round.
func (c *Client) Confirm(ctx context.Context, pk wire.PublicKey, conf wire.Confirmation) error {
	return c.do(ctx, http.MethodPost, "/v1/completions/confirm", pk, ConfirmRequest{ClientPK: pk, Confirmation: conf.Encode()}, nil, false)
}

// Seq returns the provider's view of the account.
func (c *Client) Seq(ctx context.Context, pk wire.PublicKey) (uint32, uint64, error) {
	var out SeqResponse
	if err := c.do(ctx, http.MethodGet, "/v1/completions/seq/"+pk.String(), pk, nil, &out, false); err != nil {
		return 0, 0, err
	}
	return out.Seq, out.RemainingTokens, nil
}

// Settle asks the gateway to settle immediately.
func (c *Client) Settle(ctx context.Context) (SettleResponse, error) {
	var out SettleResponse
	err := c.do(ctx, http.MethodPost, "/admin/settle", wire.PublicKey{}, nil, &out, true)
	return out, err
}

// Fund credits a client on a development chain.
func (c *Client) Fund(ctx context.Context, pk wire.PublicKey, ktokens uint32) error {
	return c.do(ctx, http.MethodPost, "/admin/dev/fund", pk, FundRequest{ClientPK: pk, KTokens: ktokens}, nil, true)
}

func (c *Client) do(ctx context.Context, method, path string, pk wire.PublicKey, body, out any, admin bool) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if !pk.IsZero() {
		req.Header.Set(HeaderClientKey, pk.String())
	}
	if admin && c.adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s %s: %v", wire.ErrTimeout, method, path, err)
		}
		return fmt.Errorf("gateway: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
	if err != nil {
		return fmt.Errorf("gateway: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, payload)
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", wire.ErrFormat, err)
	}
	return nil
}

// decodeError restores the wire sentinel of an error response so callers can
// match it with errors.Is.
func decodeError(status int, payload []byte) error {
	var body ErrorResponse
	if err := json.Unmarshal(payload, &body); err != nil || body.Error == "" {
		return fmt.Errorf("gateway: status %d: %s", status, strings.TrimSpace(string(payload)))
	}
	if sentinel := wire.ErrorForCode(wire.Code(body.Code)); sentinel != nil {
		return fmt.Errorf("%w: %s", sentinel, strings.TrimPrefix(body.Error, sentinel.Error()+": "))
	}
	return fmt.Errorf("gateway: status %d: %s", status, body.Error)
}

var _ session.Transport = (*Client)(nil)
