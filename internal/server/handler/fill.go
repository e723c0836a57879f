package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/dcavault/internal/domain"
	"github.com/alanyoungcy/dcavault/internal/server/middleware"
)

// FillService defines the engine methods the fill handler requires.
type FillService interface {
	Fill(ctx context.Context, caller domain.Principal, id int64, params *domain.GenericCallParams) (domain.Position, error)
	BulkFill(ctx context.Context, caller domain.Principal, ids []int64) ([]domain.Position, error)
}

// FillHandler serves the fill trigger endpoints used by automation callers.
type FillHandler struct {
	fills  FillService
	logger *slog.Logger
}

// NewFillHandler creates a FillHandler.
func NewFillHandler(fills FillService, logger *slog.Logger) *FillHandler {
	return &FillHandler{
		fills:  fills,
		logger: logger,
	}
}

// swapCallRequest is the optional caller-supplied venue call for a fill.
type swapCallRequest struct {
	Target         string `json:"target"`
	ApprovalTarget string `json:"approvalTarget,omitempty"`
	Payload        string `json:"payload"`
	SrcAsset       string `json:"srcAsset"`
	DstAsset       string `json:"dstAsset"`
	Amount         string `json:"amount"`
	MinReturn      string `json:"minReturn,omitempty"`
	Flags          uint64 `json:"flags,omitempty"`
	Permit         string `json:"permit,omitempty"`
}

type fillRequest struct {
	PositionID int64            `json:"positionId"`
	SwapCall   *swapCallRequest `json:"swapCall,omitempty"`
}

type bulkFillRequest struct {
	PositionIDs []int64 `json:"positionIds"`
}

type bulkFillResponse struct {
	Filled []positionResponse `json:"filled"`
}

// Fill triggers one installment conversion.
// POST /api/fills
func (h *FillHandler) Fill(w http.ResponseWriter, r *http.Request) {
	log := logHandler(h.logger, "fill")

	caller, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req fillRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	params, err := toCallParams(req.SwapCall)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pos, err := h.fills.Fill(r.Context(), caller, req.PositionID, params)
	if err != nil {
		log.WarnContext(r.Context(), "fill failed",
			slog.Int64("position_id", req.PositionID),
			slog.String("caller", caller.Name),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toPositionResponse(pos))
}

// BulkFill triggers one installment for each listed position. The whole batch
// is validated before any conversion runs; a rejected batch converts nothing.
// POST /api/fills/bulk
func (h *FillHandler) BulkFill(w http.ResponseWriter, r *http.Request) {
	log := logHandler(h.logger, "bulk_fill")

	caller, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req bulkFillRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.PositionIDs) == 0 {
		writeError(w, http.StatusBadRequest, "positionIds required")
		return
	}

	filled, err := h.fills.BulkFill(r.Context(), caller, req.PositionIDs)
	if err != nil {
		log.WarnContext(r.Context(), "bulk fill failed",
			slog.Int("requested", len(req.PositionIDs)),
			slog.Int("filled", len(filled)),
			slog.String("error", err.Error()),
		)
		// A venue failure mid-batch leaves the earlier fills committed;
		// report them alongside the error.
		writeJSON(w, errorStatus(err), map[string]any{
			"error":  err.Error(),
			"filled": toPositionResponses(filled),
		})
		return
	}

	writeJSON(w, http.StatusOK, bulkFillResponse{Filled: toPositionResponses(filled)})
}

func toCallParams(req *swapCallRequest) (*domain.GenericCallParams, error) {
	if req == nil {
		return nil, nil
	}

	payload, err := hexutil.Decode(req.Payload)
	if err != nil {
		return nil, errors.New("invalid swapCall payload hex")
	}
	srcAsset, err := domain.ParseAsset(req.SrcAsset)
	if err != nil {
		return nil, errors.New("invalid swapCall srcAsset")
	}
	dstAsset, err := domain.ParseAsset(req.DstAsset)
	if err != nil {
		return nil, errors.New("invalid swapCall dstAsset")
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return nil, errors.New("invalid swapCall amount")
	}

	desc := domain.SwapDescription{
		SrcAsset: srcAsset,
		DstAsset: dstAsset,
		Amount:   amount,
		Flags:    req.Flags,
	}
	if req.MinReturn != "" {
		minReturn, err := parseAmount(req.MinReturn)
		if err != nil {
			return nil, errors.New("invalid swapCall minReturn")
		}
		desc.MinReturn = minReturn
	}
	if req.Permit != "" {
		permit, err := hexutil.Decode(req.Permit)
		if err != nil {
			return nil, errors.New("invalid swapCall permit hex")
		}
		desc.Permit = permit
	}

	return &domain.GenericCallParams{
		Target:         req.Target,
		ApprovalTarget: req.ApprovalTarget,
		Payload:        payload,
		Desc:           desc,
	}, nil
}
