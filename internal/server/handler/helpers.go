package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/dcavault/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// decodeJSON decodes the request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps domain sentinel errors to HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, errorStatus(err), err.Error())
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrInvalidCaller):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrPositionClosed),
		errors.Is(err, domain.ErrAlreadyClosed),
		errors.Is(err, domain.ErrAlreadyFullyFilled),
		errors.Is(err, domain.ErrDepositUsed),
		errors.Is(err, domain.ErrLockHeld):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidAsset),
		errors.Is(err, domain.ErrInvalidCadence),
		errors.Is(err, domain.ErrTokenMismatch),
		errors.Is(err, domain.ErrAmountMismatch):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// pathID extracts a numeric {id} path parameter.
func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

// parseAmount parses a decimal-string token amount.
func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, domain.ErrInvalidAmount
	}
	return v, nil
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}

// positionResponse is the JSON wire form of a position. Token amounts are
// decimal strings.
type positionResponse struct {
	ID                 int64      `json:"id"`
	Owner              string     `json:"owner"`
	SrcAsset           string     `json:"srcAsset"`
	DstAsset           string     `json:"dstAsset"`
	InstallmentAmount  string     `json:"installmentAmount"`
	TotalInstallments  int        `json:"totalInstallments"`
	FilledInstallments int        `json:"filledInstallments"`
	AccruedOutput      string     `json:"accruedOutput"`
	FeePaid            string     `json:"feePaid"`
	Cadence            string     `json:"cadence"`
	Status             string     `json:"status"`
	CreatedAt          time.Time  `json:"createdAt"`
	LastFillAt         *time.Time `json:"lastFillAt,omitempty"`
	NextFillAt         *time.Time `json:"nextFillAt,omitempty"`
	ClosedAt           *time.Time `json:"closedAt,omitempty"`
}

func toPositionResponse(p domain.Position) positionResponse {
	return positionResponse{
		ID:                 p.ID,
		Owner:              p.Owner,
		SrcAsset:           p.SrcAsset.String(),
		DstAsset:           p.DstAsset.String(),
		InstallmentAmount:  amountString(p.InstallmentAmount),
		TotalInstallments:  p.TotalInstallments,
		FilledInstallments: p.FilledInstallments,
		AccruedOutput:      amountString(p.AccruedOutput),
		FeePaid:            amountString(p.FeePaid),
		Cadence:            string(p.Cadence),
		Status:             string(p.Status),
		CreatedAt:          p.CreatedAt,
		LastFillAt:         p.LastFillAt,
		NextFillAt:         p.NextFillAt,
		ClosedAt:           p.ClosedAt,
	}
}

func toPositionResponses(positions []domain.Position) []positionResponse {
	out := make([]positionResponse, 0, len(positions))
	for _, p := range positions {
		out = append(out, toPositionResponse(p))
	}
	return out
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
