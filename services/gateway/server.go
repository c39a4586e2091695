package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"deopenchat/chain"
	"deopenchat/core/claims"
	"deopenchat/core/ledger"
	"deopenchat/core/session"
	"deopenchat/core/wire"
	"deopenchat/observability"
	"deopenchat/services/gateway/api"
)

// FaucetFunc credits a client account. Only development chains provide one.
type FaucetFunc func(ctx context.Context, client wire.PublicKey, ktokens uint32) (chain.Receipt, error)

// ServerConfig bundles the HTTP server's collaborators.
type ServerConfig struct {
	Provider  *session.Provider
	Ledger    *ledger.Ledger
	Chain     chain.Ledger
	Backend   Backend
	Committer *Committer
	Audit     *AuditStore
	Auth      *Authenticator
	Limiter   *RateLimiter
	Faucet    FaucetFunc
	HighWater uint64
	Metrics   *observability.GatewayMetrics
	Logger    *slog.Logger
}

// Server exposes the provider side of the protocol over HTTP.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger
}

// NewServer constructs the HTTP surface.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if s.cfg.Limiter != nil {
			r.Use(s.cfg.Limiter.Middleware)
		}
		r.Post("/v1/completions", s.handleCompletion)
		r.Post("/v1/completions/confirm", s.handleConfirm)
		r.Get("/v1/completions/seq/{pk}", s.handleSeq)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.cfg.Auth.Middleware(ScopeAdmin))
		if s.cfg.Audit != nil {
			r.With(WithIdempotency(s.cfg.Audit.DB())).Post("/settle", s.handleSettle)
		} else {
			r.Post("/settle", s.handleSettle)
		}
		r.Get("/status", s.handleStatus)
		r.Get("/settlements", s.handleSettlements)
		if s.cfg.Faucet != nil {
			r.Post("/dev/fund", s.handleFund)
		}
	})
	return otelhttp.NewHandler(r, "deopenchat.gateway")
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var body api.CompletionRequest
	if !decodeBody(w, r, &body) {
		return
	}
	req, err := wire.OpenRequest(body.Request)
	if err != nil {
		s.roundFailed(w, err, 0)
		return
	}
	if req.ClientPK != body.ClientPK {
		s.roundFailed(w, fmt.Errorf("%w: request signed for a different client", wire.ErrFormat), 0)
		return
	}
	round, err := s.cfg.Provider.BeginRound(r.Context(), req)
	if err != nil {
		s.roundFailed(w, err, 0)
		return
	}
	start := time.Now()
	result, usage, err := s.cfg.Backend.Complete(r.Context(), req.Content, req.MaxTokens)
	s.cfg.Metrics.ObserveBackend(time.Since(start))
	if err != nil {
		s.cfg.Provider.Abort(round, err)
		s.logger.Warn("backend failed", "client", req.ClientPK.String(), "seq", req.Seq, "error", err)
		s.roundFailed(w, err, http.StatusBadGateway)
		return
	}
	env, err := s.cfg.Provider.Respond(round, result, usage)
	if err != nil {
		s.roundFailed(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, api.CompletionResponse{Response: env})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var body api.ConfirmRequest
	if !decodeBody(w, r, &body) {
		return
	}
	conf, err := wire.DecodeConfirmation(body.Confirmation)
	if err != nil {
		s.fail(w, err, 0)
		return
	}
	if err := s.cfg.Provider.OnConfirmation(r.Context(), body.ClientPK, conf); err != nil {
		s.roundFailed(w, err, 0)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSeq(w http.ResponseWriter, r *http.Request) {
	pk, err := wire.ParsePublicKey(chi.URLParam(r, "pk"))
	if err != nil {
		s.fail(w, err, 0)
		return
	}
	if st, ok := s.cfg.Provider.Status(pk); ok {
		writeJSON(w, http.StatusOK, api.SeqResponse{Seq: st.LastSeq(), RemainingTokens: st.Available()})
		return
	}
	st, err := s.cfg.Chain.ViewStatus(r.Context(), s.cfg.Provider.Address(), pk)
	if err != nil {
		s.fail(w, err, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, api.SeqResponse{Seq: st.Seq, RemainingTokens: st.RemainingTokens})
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	out, err := s.cfg.Committer.Settle(r.Context())
	if errors.Is(err, claims.ErrNothingToSettle) {
		writeJSON(w, http.StatusOK, api.SettleResponse{Result: "nothing_to_settle"})
		return
	}
	if err != nil && out.BatchID == uuid.Nil {
		s.fail(w, err, 0)
		return
	}
	resp := api.SettleResponse{
		BatchID:  out.BatchID.String(),
		Result:   string(out.Result),
		Accepted: out.Accepted,
		Claims:   out.Claims,
		Tokens:   out.Tokens,
	}
	if out.Accepted {
		resp.TxHash = out.TxHash.Hex()
		resp.Payout = out.Payout.String()
	}
	switch {
	case out.Reason != nil:
		resp.Reason = out.Reason.Error()
	case err != nil:
		resp.Reason = err.Error()
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

type accountView struct {
	Client wire.PublicKey `json:"client"`
	ledger.Status
}

type statusResponse struct {
	Provider      string        `json:"provider"`
	PendingTokens uint64        `json:"pending_tokens"`
	HighWater     uint64        `json:"high_water_tokens"`
	Accounts      []accountView `json:"accounts"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	provider := s.cfg.Provider.Address()
	resp := statusResponse{
		Provider:  provider.Hex(),
		HighWater: s.cfg.HighWater,
		Accounts:  []accountView{},
	}
	for _, key := range s.cfg.Ledger.Keys(provider) {
		st, ok := s.cfg.Ledger.Status(key)
		if !ok {
			continue
		}
		resp.PendingTokens += st.PendingTokens
		resp.Accounts = append(resp.Accounts, accountView{Client: key.Client, Status: st})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSettlements(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Audit == nil {
		writeJSON(w, http.StatusOK, map[string]any{"settlements": []SettlementRecord{}})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.cfg.Audit.Settlements(r.Context(), limit)
	if err != nil {
		s.fail(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settlements": records})
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	var body api.FundRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.KTokens == 0 {
		writeJSONError(w, http.StatusBadRequest, "ktokens must be positive", string(wire.CodeFormat))
		return
	}
	receipt, err := s.cfg.Faucet(r.Context(), body.ClientPK, body.KTokens)
	if err != nil {
		s.fail(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tx_hash": receipt.TxHash.Hex(), "block": receipt.Block})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, api.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), string(wire.CodeFormat))
		return false
	}
	return true
}

// fail answers with the wire code of err. fallback replaces the status of
// errors outside the taxonomy.
func (s *Server) fail(w http.ResponseWriter, err error, fallback int) {
	status := wire.HTTPStatus(err)
	if status == http.StatusInternalServerError && fallback != 0 {
		status = fallback
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSONError(w, status, err.Error(), string(wire.CodeOf(err)))
}

func (s *Server) roundFailed(w http.ResponseWriter, err error, fallback int) {
	s.cfg.Metrics.RecordRound(err, 0)
	s.fail(w, err, fallback)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, api.ErrorResponse{Error: msg, Code: code})
}
