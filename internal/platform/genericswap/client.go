// Package genericswap implements the generic-call venue: the caller supplies
// the target contract, an opaque calldata payload, and a structured swap
// description, and the venue executes the call verbatim and reports the
// realized output. The engine validates the description against the position
// before the request ever reaches this client.
package genericswap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/dcavault/internal/domain"
)

// Client is the REST client for a generic-call swap venue.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a generic-call venue client. baseURL is the venue API root;
// apiKey may be empty when the venue is unauthenticated.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Name identifies this venue in events and logs.
func (c *Client) Name() string { return "generic" }

// swapDescription is the wire form of domain.SwapDescription.
type swapDescription struct {
	SrcToken  string `json:"srcToken"`
	DstToken  string `json:"dstToken"`
	Receiver  string `json:"dstReceiver"`
	Amount    string `json:"amount"`
	MinReturn string `json:"minReturnAmount"`
	Flags     uint64 `json:"flags"`
	Permit    string `json:"permit,omitempty"`
}

type swapRequest struct {
	Target         string          `json:"target"`
	ApprovalTarget string          `json:"approvalTarget,omitempty"`
	Payload        string          `json:"payload"`
	Desc           swapDescription `json:"desc"`
}

type swapResponse struct {
	Success      bool   `json:"success"`
	ReturnAmount string `json:"returnAmount"`
	ErrorMsg     string `json:"errorMsg"`
}

// Swap forwards the caller-supplied venue call and returns the realized
// output amount the venue reports. Any venue-side failure is terminal for
// this attempt; the client never retries.
func (c *Client) Swap(ctx context.Context, req domain.SwapRequest) (*big.Int, error) {
	if req.Generic == nil {
		return nil, fmt.Errorf("genericswap: missing call parameters")
	}
	p := req.Generic

	body := swapRequest{
		Target:         p.Target,
		ApprovalTarget: p.ApprovalTarget,
		Payload:        hexutil.Encode(p.Payload),
		Desc: swapDescription{
			SrcToken:  p.Desc.SrcAsset.String(),
			DstToken:  p.Desc.DstAsset.String(),
			Receiver:  p.Desc.Receiver,
			Amount:    p.Desc.Amount.String(),
			MinReturn: bigString(p.Desc.MinReturn),
			Flags:     p.Desc.Flags,
		},
	}
	if len(p.Desc.Permit) > 0 {
		body.Desc.Permit = hexutil.Encode(p.Desc.Permit)
	}

	respBody, err := c.post(ctx, "/v1/swap", body)
	if err != nil {
		return nil, fmt.Errorf("genericswap: swap position %d: %w", req.PositionID, err)
	}

	var result swapResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("genericswap: decode swap response: %w", err)
	}
	if !result.Success {
		return nil, fmt.Errorf("genericswap: venue rejected swap: %s", result.ErrorMsg)
	}

	out, ok := new(big.Int).SetString(result.ReturnAmount, 10)
	if !ok {
		return nil, fmt.Errorf("genericswap: invalid return amount %q", result.ReturnAmount)
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
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
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(respBody))
	}
	return respBody, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

var _ domain.Venue = (*Client)(nil)
