// Package bridge runs the client side of the protocol as a local HTTP proxy:
// applications post plain completion bodies and the bridge signs, confirms
// and accounts for every round against one provider.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"deopenchat/core/session"
	"deopenchat/core/wire"
	"deopenchat/observability"
	"deopenchat/services/gateway/api"
)

// Response headers describing the round that produced a completion.
const (
	HeaderSeq          = "X-Deopenchat-Seq"
	HeaderInputTokens  = "X-Deopenchat-Input-Tokens"
	HeaderOutputTokens = "X-Deopenchat-Output-Tokens"
	HeaderRemaining    = "X-Deopenchat-Remaining-Tokens"
)

// Options bundles the collaborators of a Bridge.
type Options struct {
	Provider         common.Address
	Client           *session.Client
	State            *StateStore
	History          *History
	DefaultMaxTokens uint32
	Metrics          *observability.BridgeMetrics
	Logger           *slog.Logger
}

// Bridge drives rounds for one client key and keeps the local account view
// durable across restarts.
type Bridge struct {
	provider   common.Address
	client     *session.Client
	state      *StateStore
	history    *History
	defaultMax uint32
	metrics    *observability.BridgeMetrics
	logger     *slog.Logger
	now        func() time.Time
}

// New constructs a bridge. Call Start before serving rounds.
func New(opts Options) (*Bridge, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("bridge: session client required")
	}
	b := &Bridge{
		provider:   opts.Provider,
		client:     opts.Client,
		state:      opts.State,
		history:    opts.History,
		defaultMax: opts.DefaultMaxTokens,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		now:        time.Now,
	}
	if b.defaultMax == 0 {
		b.defaultMax = 1024
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b, nil
}

// Start restores the last saved account view and then asks the provider for
// its current one. A provider that cannot be reached leaves the restored view
// in place.
func (b *Bridge) Start(ctx context.Context) error {
	pk := b.client.PublicKey()
	if b.state != nil {
		snap, ok, err := b.state.Load(b.provider, pk)
		if err != nil {
			return fmt.Errorf("bridge: load account snapshot: %w", err)
		}
		if ok {
			b.client.SetAccount(snap.Seq, snap.RemainingTokens)
			b.logger.Info("account restored", "client", pk.String(), "seq", snap.Seq,
				"remaining_tokens", snap.RemainingTokens, "saved_at", snap.UpdatedAt)
		}
	}
	if err := b.client.Sync(ctx); err != nil {
		b.logger.Warn("provider unreachable, using saved account", "error", err)
		return nil
	}
	b.persist()
	return nil
}

// Complete runs one round with content. A zero maxTokens uses the
// configured default.
func (b *Bridge) Complete(ctx context.Context, content []byte, maxTokens uint32) (session.Result, error) {
	if maxTokens == 0 {
		maxTokens = b.defaultMax
	}
	start := b.now()
	res, err := b.client.Do(ctx, content, maxTokens)
	_, remaining := b.client.Account()
	b.metrics.RecordRound(err, res.Response.TokensConsumed(), remaining, time.Since(start))
	// A failed round can still move the account when the client resynchronised.
	b.persist()
	if err != nil {
		return session.Result{}, err
	}
	if b.history != nil {
		if herr := b.history.Record(context.WithoutCancel(ctx), b.provider, res.Response, b.now()); herr != nil {
			b.logger.Warn("record round history", "seq", res.Seq, "error", herr)
		}
	}
	return res, nil
}

func (b *Bridge) persist() {
	if b.state == nil {
		return
	}
	seq, remaining := b.client.Account()
	snap := AccountSnapshot{
		Provider:        b.provider,
		Client:          b.client.PublicKey(),
		Seq:             seq,
		RemainingTokens: remaining,
		UpdatedAt:       b.now().UTC(),
	}
	if err := b.state.Save(snap); err != nil {
		b.logger.Warn("save account snapshot", "error", err)
	}
}

// StatusResponse is the local account view.
type StatusResponse struct {
	Provider        common.Address `json:"provider"`
	Client          wire.PublicKey `json:"client"`
	Seq             uint32         `json:"seq"`
	RemainingTokens uint64         `json:"remaining_tokens"`
	Usage           *Usage         `json:"usage,omitempty"`
}

// Status reports the local account view and, when history is kept, the
// usage recorded against the provider.
func (b *Bridge) Status(ctx context.Context) (StatusResponse, error) {
	seq, remaining := b.client.Account()
	out := StatusResponse{Provider: b.provider, Client: b.client.PublicKey(), Seq: seq, RemainingTokens: remaining}
	if b.history != nil {
		usage, err := b.history.Usage(ctx, b.provider, out.Client)
		if err != nil {
			return StatusResponse{}, err
		}
		out.Usage = &usage
	}
	return out, nil
}

// Handler returns the instrumented local API.
func (b *Bridge) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/v1/completions", b.handleCompletion)
	r.Get("/v1/status", b.handleStatus)
	r.Get("/v1/history", b.handleHistory)
	r.Get("/v1/stream", b.handleStream)
	return otelhttp.NewHandler(r, "deopenchat.bridge")
}

type maxTokensField struct {
	MaxTokens uint32 `json:"max_tokens"`
}

// handleCompletion forwards the body verbatim as round content. A JSON body
// may bound the round with a max_tokens field.
func (b *Bridge) handleCompletion(w http.ResponseWriter, r *http.Request) {
	content, err := io.ReadAll(http.MaxBytesReader(w, r.Body, wire.MaxPayloadSize))
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "read request body: "+err.Error(), string(wire.CodeFormat))
		return
	}
	if len(content) == 0 {
		writeJSONError(w, http.StatusBadRequest, "empty request body", string(wire.CodeFormat))
		return
	}
	maxTokens := b.defaultMax
	if q := r.URL.Query().Get("max_tokens"); q != "" {
		v, err := strconv.ParseUint(q, 10, 32)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid max_tokens", string(wire.CodeFormat))
			return
		}
		maxTokens = uint32(v)
	} else {
		var field maxTokensField
		if json.Unmarshal(content, &field) == nil && field.MaxTokens > 0 {
			maxTokens = field.MaxTokens
		}
	}

	res, err := b.Complete(r.Context(), content, maxTokens)
	if err != nil {
		status := wire.HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			b.logger.Error("round failed", "error", err)
		}
		writeJSONError(w, status, err.Error(), string(wire.CodeOf(err)))
		return
	}
	_, remaining := b.client.Account()
	h := w.Header()
	h.Set(HeaderSeq, strconv.FormatUint(uint64(res.Seq), 10))
	h.Set(HeaderInputTokens, strconv.FormatUint(uint64(res.Response.InputTokens), 10))
	h.Set(HeaderOutputTokens, strconv.FormatUint(uint64(res.Response.OutputTokens), 10))
	h.Set(HeaderRemaining, strconv.FormatUint(remaining, 10))
	if json.Valid(res.Response.Result) {
		h.Set("Content-Type", "application/json")
	} else {
		h.Set("Content-Type", "application/octet-stream")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Response.Result)
}

func (b *Bridge) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := b.Status(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error(), string(wire.CodeOf(err)))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (b *Bridge) handleHistory(w http.ResponseWriter, r *http.Request) {
	if b.history == nil {
		writeJSON(w, http.StatusOK, []RoundRecord{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := b.history.Recent(r.Context(), b.client.PublicKey(), limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error(), string(wire.CodeOf(err)))
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, api.ErrorResponse{Error: msg, Code: code})
}
