package zk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"deopenchat/core/claims"
	"deopenchat/core/ledger"
	"deopenchat/core/wire"
)

// RemoteConfig captures how to reach an external proving service.
type RemoteConfig struct {
	BaseURL   string
	ProvePath string
	Token     string
	Timeout   time.Duration
}

// RemoteProver asks an external proving service for a proof over the
// journal. Proving is slow, so the timeout defaults to ten minutes.
type RemoteProver struct {
	httpClient *http.Client
	baseURL    string
	provePath  string
	token      string
}

// NewRemoteProver builds a client for the proving service.
func NewRemoteProver(cfg RemoteConfig) (*RemoteProver, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("zk: prover base url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	provePath := strings.TrimSpace(cfg.ProvePath)
	if provePath == "" {
		provePath = "/prove"
	}
	return &RemoteProver{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		provePath:  provePath,
		token:      strings.TrimSpace(cfg.Token),
	}, nil
}

type proveBatch struct {
	Claim  wire.Claim     `json:"claim"`
	Rounds []ledger.Round `json:"rounds"`
}

type proveRequest struct {
	ImageID common.Hash   `json:"image_id"`
	Journal hexutil.Bytes `json:"journal"`
	Digest  hexutil.Bytes `json:"digest"`
	Batches []proveBatch  `json:"batches"`
}

type proveResponse struct {
	Seal    hexutil.Bytes `json:"seal"`
	Journal hexutil.Bytes `json:"journal"`
	Error   string        `json:"error,omitempty"`
}

// Prove posts the batch evidence and waits for the receipt.
func (p *RemoteProver) Prove(ctx context.Context, req claims.ProofRequest) (claims.Receipt, error) {
	payload := proveRequest{ImageID: req.ImageID, Journal: req.Journal, Digest: req.Digest[:]}
	for _, b := range req.Batches {
		payload.Batches = append(payload.Batches, proveBatch{Claim: b.Claim, Rounds: b.Rounds})
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return claims.Receipt{}, err
	}
	url := p.baseURL + path.Clean("/"+p.provePath)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return claims.Receipt{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return claims.Receipt{}, fmt.Errorf("zk: prove: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return claims.Receipt{}, fmt.Errorf("zk: read receipt: %w", err)
	}
	var decoded proveResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &decoded); err != nil && resp.StatusCode < 300 {
			return claims.Receipt{}, fmt.Errorf("%w: decode receipt: %v", wire.ErrFormat, err)
		}
	}
	if resp.StatusCode >= 300 {
		return claims.Receipt{}, fmt.Errorf("zk: prove failed: status=%d %s", resp.StatusCode, decoded.Error)
	}
	if len(decoded.Seal) == 0 {
		return claims.Receipt{}, fmt.Errorf("zk: empty seal")
	}
	return claims.Receipt{Seal: decoded.Seal, Journal: decoded.Journal}, nil
}
