package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/alanyoungcy/dcavault/internal/domain"
	"github.com/alanyoungcy/dcavault/internal/server/middleware"
)

// TreasuryService defines the methods the treasury handler requires.
type TreasuryService interface {
	Rate(ctx context.Context) (uint32, error)
	SetFeeRate(ctx context.Context, caller domain.Principal, bps uint32) error
	Accrued(ctx context.Context, asset domain.Asset) (*big.Int, error)
	Withdraw(ctx context.Context, caller domain.Principal, assets []domain.Asset) (map[domain.Asset]*big.Int, error)
	Rescue(ctx context.Context, caller domain.Principal, asset domain.Asset) (*big.Int, error)
}

// AuditReader lists audit log entries.
type AuditReader interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// TreasuryHandler serves fee administration endpoints.
type TreasuryHandler struct {
	treasury TreasuryService
	audit    AuditReader
	logger   *slog.Logger
}

// NewTreasuryHandler creates a TreasuryHandler.
func NewTreasuryHandler(treasury TreasuryService, audit AuditReader, logger *slog.Logger) *TreasuryHandler {
	return &TreasuryHandler{
		treasury: treasury,
		audit:    audit,
		logger:   logger,
	}
}

type setFeeRateRequest struct {
	RateBps uint32 `json:"rateBps"`
}

type withdrawRequest struct {
	Assets []string `json:"assets"`
}

type rescueRequest struct {
	Asset string `json:"asset"`
}

// GetFees returns the current fee rate and, when assets are given, the
// outstanding accrual per asset.
// GET /api/treasury/fees?assets=0x...,0x...
func (h *TreasuryHandler) GetFees(w http.ResponseWriter, r *http.Request) {
	rate, err := h.treasury.Rate(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	accrued := map[string]string{}
	for _, raw := range r.URL.Query()["assets"] {
		asset, err := domain.ParseAsset(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid asset "+raw)
			return
		}
		amount, err := h.treasury.Accrued(r.Context(), asset)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		accrued[asset.String()] = amountString(amount)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rateBps": rate,
		"accrued": accrued,
	})
}

// SetFeeRate updates the protocol fee rate. Admin only; existing positions
// keep the fee reserved at their creation.
// PUT /api/treasury/fee-rate
func (h *TreasuryHandler) SetFeeRate(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req setFeeRateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.treasury.SetFeeRate(r.Context(), caller, req.RateBps); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"rateBps": req.RateBps})
}

// Withdraw drains the accrued fees for the given assets to the caller.
// POST /api/treasury/withdraw
func (h *TreasuryHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	log := logHandler(h.logger, "treasury_withdraw")

	caller, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req withdrawRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Assets) == 0 {
		writeError(w, http.StatusBadRequest, "assets required")
		return
	}

	assets := make([]domain.Asset, 0, len(req.Assets))
	for _, raw := range req.Assets {
		asset, err := domain.ParseAsset(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid asset "+raw)
			return
		}
		assets = append(assets, asset)
	}

	drained, err := h.treasury.Withdraw(r.Context(), caller, assets)
	if err != nil {
		log.ErrorContext(r.Context(), "fee withdrawal failed",
			slog.String("caller", caller.Name),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	out := make(map[string]string, len(drained))
	for asset, amount := range drained {
		out[asset.String()] = amountString(amount)
	}
	writeJSON(w, http.StatusOK, map[string]any{"withdrawn": out})
}

// Rescue sweeps the pool wallet's entire balance of an asset to the caller.
// Emergency use; the sweep is audited.
// POST /api/treasury/rescue
func (h *TreasuryHandler) Rescue(w http.ResponseWriter, r *http.Request) {
	log := logHandler(h.logger, "treasury_rescue")

	caller, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req rescueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	asset, err := domain.ParseAsset(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid asset")
		return
	}

	swept, err := h.treasury.Rescue(r.Context(), caller, asset)
	if err != nil {
		log.ErrorContext(r.Context(), "rescue failed",
			slog.String("caller", caller.Name),
			slog.String("asset", asset.String()),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"asset": asset.String(),
		"swept": amountString(swept),
	})
}

// ListAudit returns recent audit log entries, newest first.
// GET /api/audit
func (h *TreasuryHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
