package router

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dcavault/internal/domain"
)

const (
	usdc  = domain.Asset("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	weth  = domain.Asset("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	owner = "0x1111111111111111111111111111111111111111"
)

func routerReq(src, dst domain.Asset) domain.SwapRequest {
	return domain.SwapRequest{
		PositionID: 3,
		SrcAsset:   src,
		DstAsset:   dst,
		Amount:     big.NewInt(100_000),
		Receiver:   owner,
	}
}

func TestSwapQuotesThenExecutesWithSlippageBound(t *testing.T) {
	var gotQuote quoteRequest
	var gotExec executeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/quote":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotQuote))
			json.NewEncoder(w).Encode(quoteResponse{DstAmount: "50000"})
		case "/v1/swap":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotExec))
			json.NewEncoder(w).Encode(executeResponse{Success: true, ReturnAmount: "49900"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL, SlippageBps: 50, Deadline: time.Minute})
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return fixed }

	out, err := client.Swap(context.Background(), routerReq(usdc, weth))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(49900), out)

	assert.Equal(t, usdc.String(), gotQuote.SrcToken)
	assert.Equal(t, "100000", gotQuote.Amount)
	// 0.5% below the 50000 quote.
	assert.Equal(t, "49750", gotExec.MinReturn)
	assert.Equal(t, owner, gotExec.Receiver)
	assert.Equal(t, fixed.Add(time.Minute).Unix(), gotExec.Deadline)
}

func TestSwapSubstitutesWrappedNative(t *testing.T) {
	var gotQuote quoteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/quote":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotQuote))
			json.NewEncoder(w).Encode(quoteResponse{DstAmount: "42"})
		case "/v1/swap":
			json.NewEncoder(w).Encode(executeResponse{Success: true, ReturnAmount: "42"})
		}
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL, WrappedNative: weth, SlippageBps: 100})
	_, err := client.Swap(context.Background(), routerReq(domain.NativeAsset, usdc))
	require.NoError(t, err)
	assert.Equal(t, weth.String(), gotQuote.SrcToken)
	assert.Equal(t, usdc.String(), gotQuote.DstToken)
}

func TestSwapRejectsZeroQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(quoteResponse{DstAmount: "0"})
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})
	_, err := client.Swap(context.Background(), routerReq(usdc, weth))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zero output")
}

func TestSwapExecuteRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/quote":
			json.NewEncoder(w).Encode(quoteResponse{DstAmount: "50000"})
		case "/v1/swap":
			json.NewEncoder(w).Encode(executeResponse{Success: false, ErrorMsg: "deadline expired"})
		}
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL, SlippageBps: 50})
	_, err := client.Swap(context.Background(), routerReq(usdc, weth))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deadline expired")
}
