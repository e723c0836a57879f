// Package router implements the path-based venue: the venue maintains its
// own routing table, so a fill needs only the asset pair and amount. The
// client quotes first, derives a minimum acceptable output from the
// configured slippage tolerance, and then executes with a short deadline.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/alanyoungcy/dcavault/internal/domain"
)

const bpsDenominator = 10_000

// Config holds router venue settings.
type Config struct {
	BaseURL string
	APIKey  string
	// WrappedNative is the wrapped form of the chain's native asset. Router
	// paths cannot start or end on the native asset directly, so native
	// endpoints are substituted with this address and the venue unwraps on
	// delivery.
	WrappedNative domain.Asset
	// SlippageBps is the tolerated drop from the quoted output, in basis
	// points. A fill whose realized output would fall below
	// quote*(10000-SlippageBps)/10000 is rejected by the venue.
	SlippageBps int64
	// Deadline bounds how long a submitted swap may stay pending before the
	// venue abandons it.
	Deadline time.Duration
}

// Client is the REST client for a router venue.
type Client struct {
	cfg        Config
	httpClient *http.Client
	now        func() time.Time
}

// New creates a router venue client.
func New(cfg Config) *Client {
	if cfg.Deadline <= 0 {
		cfg.Deadline = 2 * time.Minute
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		now: time.Now,
	}
}

// Name identifies this venue in events and logs.
func (c *Client) Name() string { return "router" }

type quoteRequest struct {
	SrcToken string `json:"srcToken"`
	DstToken string `json:"dstToken"`
	Amount   string `json:"amount"`
}

type quoteResponse struct {
	DstAmount string `json:"dstAmount"`
}

type executeRequest struct {
	SrcToken  string `json:"srcToken"`
	DstToken  string `json:"dstToken"`
	Amount    string `json:"amount"`
	MinReturn string `json:"minReturn"`
	Receiver  string `json:"receiver"`
	Deadline  int64  `json:"deadline"`
}

type executeResponse struct {
	Success      bool   `json:"success"`
	ReturnAmount string `json:"returnAmount"`
	ErrorMsg     string `json:"errorMsg"`
}

// Swap quotes the pair, applies the slippage tolerance, and executes. Native
// path endpoints are swapped for the wrapped asset before hitting the venue.
func (c *Client) Swap(ctx context.Context, req domain.SwapRequest) (*big.Int, error) {
	src := c.pathAsset(req.SrcAsset)
	dst := c.pathAsset(req.DstAsset)

	quote, err := c.quote(ctx, src, dst, req.Amount)
	if err != nil {
		return nil, fmt.Errorf("router: quote position %d: %w", req.PositionID, err)
	}
	if quote.Sign() <= 0 {
		return nil, fmt.Errorf("router: venue quoted zero output for position %d", req.PositionID)
	}

	minOut := new(big.Int).Mul(quote, big.NewInt(bpsDenominator-c.cfg.SlippageBps))
	minOut.Div(minOut, big.NewInt(bpsDenominator))

	out, err := c.execute(ctx, executeRequest{
		SrcToken:  src.String(),
		DstToken:  dst.String(),
		Amount:    req.Amount.String(),
		MinReturn: minOut.String(),
		Receiver:  req.Receiver,
		Deadline:  c.now().Add(c.cfg.Deadline).Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("router: execute position %d: %w", req.PositionID, err)
	}
	return out, nil
}

func (c *Client) pathAsset(asset domain.Asset) domain.Asset {
	if asset.IsNative() && c.cfg.WrappedNative != "" {
		return c.cfg.WrappedNative
	}
	return asset
}

func (c *Client) quote(ctx context.Context, src, dst domain.Asset, amount *big.Int) (*big.Int, error) {
	body, err := c.post(ctx, "/v1/quote", quoteRequest{
		SrcToken: src.String(),
		DstToken: dst.String(),
		Amount:   amount.String(),
	})
	if err != nil {
		return nil, err
	}

	var resp quoteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode quote response: %w", err)
	}
	out, ok := new(big.Int).SetString(resp.DstAmount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid quote amount %q", resp.DstAmount)
	}
	return out, nil
}

func (c *Client) execute(ctx context.Context, req executeRequest) (*big.Int, error) {
	body, err := c.post(ctx, "/v1/swap", req)
	if err != nil {
		return nil, err
	}

	var resp executeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode swap response: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("venue rejected swap: %s", resp.ErrorMsg)
	}
	out, ok := new(big.Int).SetString(resp.ReturnAmount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid return amount %q", resp.ReturnAmount)
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("X-API-Key", c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

var _ domain.Venue = (*Client)(nil)
