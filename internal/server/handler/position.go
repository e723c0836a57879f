package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/alanyoungcy/dcavault/internal/domain"
	"github.com/alanyoungcy/dcavault/internal/server/middleware"
	"github.com/alanyoungcy/dcavault/internal/service"
)

// PositionService defines the methods the position handler requires.
type PositionService interface {
	Create(ctx context.Context, p service.CreateParams) (domain.Position, error)
	Get(ctx context.Context, id int64) (domain.Position, error)
	ListByOwner(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Position, error)
}

// PositionCloser closes a position on behalf of its owner and refunds the
// unfilled remainder. Implemented by the fill engine.
type PositionCloser interface {
	Close(ctx context.Context, caller domain.Principal, id int64) (domain.Position, *big.Int, error)
}

// PositionHandler serves position lifecycle HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	closer    PositionCloser
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions PositionService, closer PositionCloser, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		closer:    closer,
		logger:    logger,
	}
}

type createPositionRequest struct {
	SrcAsset          string `json:"srcAsset"`
	DstAsset          string `json:"dstAsset"`
	InstallmentAmount string `json:"installmentAmount"`
	TotalInstallments int    `json:"totalInstallments"`
	Cadence           string `json:"cadence"`
	DepositTx         string `json:"depositTx,omitempty"`
}

type listPositionsResponse struct {
	Positions []positionResponse `json:"positions"`
}

type closePositionResponse struct {
	Position positionResponse `json:"position"`
	Refund   string           `json:"refund"`
}

// CreatePosition opens a new recurring-conversion position for the caller.
// POST /api/positions
func (h *PositionHandler) CreatePosition(w http.ResponseWriter, r *http.Request) {
	log := logHandler(h.logger, "create_position")

	caller, ok := middleware.PrincipalFrom(r.Context())
	if !ok || caller.Address == "" {
		writeError(w, http.StatusUnauthorized, "authenticated principal with an address required")
		return
	}

	var req createPositionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	srcAsset, err := domain.ParseAsset(req.SrcAsset)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid srcAsset")
		return
	}
	dstAsset, err := domain.ParseAsset(req.DstAsset)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid dstAsset")
		return
	}
	amount, err := parseAmount(req.InstallmentAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid installmentAmount")
		return
	}
	cadence, err := domain.ParseCadence(req.Cadence)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cadence")
		return
	}

	pos, err := h.positions.Create(r.Context(), service.CreateParams{
		Owner:             caller.Address,
		SrcAsset:          srcAsset,
		DstAsset:          dstAsset,
		InstallmentAmount: amount,
		TotalInstallments: req.TotalInstallments,
		Cadence:           cadence,
		DepositTx:         req.DepositTx,
	})
	if err != nil {
		log.ErrorContext(r.Context(), "create position failed",
			slog.String("owner", caller.Address),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toPositionResponse(pos))
}

// ListPositions returns all positions for an owner, closed ones included.
// GET /api/positions?owner=0x...
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner query parameter required")
		return
	}

	positions, err := h.positions.ListByOwner(r.Context(), owner, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("owner", owner),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: toPositionResponses(positions)})
}

// GetPosition returns a single position by id.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid position id")
		return
	}

	pos, err := h.positions.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toPositionResponse(pos))
}

// ClosePosition closes the caller's position and refunds the unfilled escrow.
// POST /api/positions/{id}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	log := logHandler(h.logger, "close_position")

	caller, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid position id")
		return
	}

	pos, refund, err := h.closer.Close(r.Context(), caller, id)
	if err != nil {
		log.WarnContext(r.Context(), "close position failed",
			slog.Int64("position_id", id),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, closePositionResponse{
		Position: toPositionResponse(pos),
		Refund:   amountString(refund),
	})
}
