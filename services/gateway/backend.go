package gateway

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
)

// Backend runs inference for one round and reports what it consumed.
type Backend interface {
	Complete(ctx context.Context, content []byte, maxTokens uint32) ([]byte, session.Usage, error)
}

// HTTPBackend forwards round content to an OpenAI compatible completion
// endpoint. The content is the client's request body; max_tokens is forced
// to the round's bound.
type HTTPBackend struct {
	httpClient *http.Client
	url        string
	apiKey     string
}

// NewHTTPBackend builds a backend client from cfg.
func NewHTTPBackend(cfg BackendConfig) (*HTTPBackend, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("backend: url required")
	}
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPBackend{
		httpClient: &http.Client{Timeout: timeout},
		url:        url,
		apiKey:     strings.TrimSpace(cfg.APIKey),
	}, nil
}

type backendUsage struct {
	PromptTokens     uint32 `json:"prompt_tokens"`
	CompletionTokens uint32 `json:"completion_tokens"`
}

// Complete implements Backend.
func (b *HTTPBackend) Complete(ctx context.Context, content []byte, maxTokens uint32) ([]byte, session.Usage, error) {
	body := map[string]json.RawMessage{}
	if err := json.Unmarshal(content, &body); err != nil {
		return nil, session.Usage{}, fmt.Errorf("backend: request content is not a json object: %w", err)
	}
	body["max_tokens"] = json.RawMessage(fmt.Sprintf("%d", maxTokens))
	body["stream"] = json.RawMessage("false")
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, session.Usage{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(buf))
	if err != nil {
		return nil, session.Usage{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, session.Usage{}, fmt.Errorf("backend: %w", err)
	}
	defer resp.Body.Close()
	result, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, session.Usage{}, fmt.Errorf("backend: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, session.Usage{}, fmt.Errorf("backend: status %d: %s", resp.StatusCode, bytes.TrimSpace(result))
	}
	var decoded struct {
		Usage *backendUsage `json:"usage"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil || decoded.Usage == nil {
		return nil, session.Usage{}, fmt.Errorf("backend: response carries no usage")
	}
	return result, session.Usage{InputTokens: decoded.Usage.PromptTokens, OutputTokens: decoded.Usage.CompletionTokens}, nil
}

// EchoBackend answers with the request content and charges one token per
// whitespace separated word in each direction.
type EchoBackend struct{}

// Complete implements Backend.
func (EchoBackend) Complete(_ context.Context, content []byte, maxTokens uint32) ([]byte, session.Usage, error) {
	words := uint32(len(bytes.Fields(content)))
	if words == 0 {
		words = 1
	}
	usage := session.Usage{InputTokens: words, OutputTokens: words}
	if usage.Total() > uint64(maxTokens) {
		usage.OutputTokens = 0
		if words > maxTokens {
			usage.InputTokens = maxTokens
		}
	}
	return content, usage, nil
}

var (
	_ Backend = (*HTTPBackend)(nil)
	_ Backend = EchoBackend{}
)
