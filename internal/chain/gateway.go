package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ErlanBelekov/escrow-orchestrator/internal/domain"
)

const maxResponseBytes = 1 << 20

// StatusError is a non-2xx gateway response the caller may retry.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: gateway returned %d: %s", e.Op, e.StatusCode, e.Body)
}

// Gateway implements Client over the signer gateway's JSON API. The gateway holds the
// keys and submits transactions; this process never signs anything itself.
type Gateway struct {
	baseURL string
	signer  string
	client  *http.Client
}

func NewGateway(baseURL, signerAddress string, timeout time.Duration) *Gateway {
	return &Gateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  signerAddress,
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *Gateway) CreateEscrow(ctx context.Context, req CreateEscrowRequest) (string, error) {
	var resp struct {
		EscrowAddress string `json:"escrow_address"`
	}
	if err := g.do(ctx, "create escrow", http.MethodPost, escrowsPath(req.ChainID, ""), req, &resp); err != nil {
		return "", err
	}
	if resp.EscrowAddress == "" {
		return "", errors.New("create escrow: gateway returned no address")
	}
	return resp.EscrowAddress, nil
}

func (g *Gateway) FundEscrow(ctx context.Context, req FundEscrowRequest) error {
	return g.do(ctx, "fund escrow", http.MethodPost, escrowsPath(req.ChainID, req.EscrowAddress)+"/fund", req, nil)
}

func (g *Gateway) SetupEscrow(ctx context.Context, req SetupEscrowRequest) error {
	return g.do(ctx, "setup escrow", http.MethodPost, escrowsPath(req.ChainID, req.EscrowAddress)+"/setup", req, nil)
}

func (g *Gateway) GetEscrowStatus(ctx context.Context, chainID int64, escrowAddress string) (EscrowStatus, error) {
	var resp struct {
		Status EscrowStatus `json:"status"`
	}
	if err := g.do(ctx, "get escrow status", http.MethodGet, escrowsPath(chainID, escrowAddress), nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

func (g *Gateway) CancelEscrow(ctx context.Context, chainID int64, escrowAddress string) error {
	return g.do(ctx, "cancel escrow", http.MethodPost, escrowsPath(chainID, escrowAddress)+"/cancel", struct{}{}, nil)
}

func (g *Gateway) FindOracles(ctx context.Context, chainID int64, reputationOracle string, role domain.OracleRole, jobType string) ([]string, error) {
	q := url.Values{}
	q.Set("reputation_oracle", reputationOracle)
	q.Set("role", string(role))
	q.Set("job_type", jobType)

	var resp struct {
		Addresses []string `json:"addresses"`
	}
	path := "/chains/" + strconv.FormatInt(chainID, 10) + "/oracles?" + q.Encode()
	if err := g.do(ctx, "find oracles", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Addresses, nil
}

func (g *Gateway) OracleWebhookURL(ctx context.Context, chainID int64, oracleAddress string) (string, error) {
	var resp struct {
		WebhookURL string `json:"webhook_url"`
	}
	path := "/chains/" + strconv.FormatInt(chainID, 10) + "/oracles/" + url.PathEscape(oracleAddress)
	if err := g.do(ctx, "get oracle", http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	if resp.WebhookURL == "" {
		return "", domain.NewValidationError("oracle "+oracleAddress, domain.ErrWebhookURLMissing)
	}
	return resp.WebhookURL, nil
}

func (g *Gateway) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.signer != "" {
		req.Header.Set("X-Signer-Address", g.signer)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		if rejected(resp.StatusCode) {
			return domain.NewValidationError(op+" rejected", statusErr)
		}
		return statusErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// rejected reports responses that retrying cannot change.
func rejected(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

func escrowsPath(chainID int64, escrowAddress string) string {
	p := "/chains/" + strconv.FormatInt(chainID, 10) + "/escrows"
	if escrowAddress != "" {
		p += "/" + url.PathEscape(escrowAddress)
	}
	return p
}
