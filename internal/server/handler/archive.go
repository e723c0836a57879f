package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/dcavault/internal/domain"
	"github.com/alanyoungcy/dcavault/internal/server/middleware"
)

// ArchiveHandler triggers an on-demand cold-storage export, outside the
// periodic archival loop.
type ArchiveHandler struct {
	archiver  domain.Archiver
	roles     domain.RoleChecker
	retention time.Duration
	logger    *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler. retention is the default
// cutoff window when the request does not specify one.
func NewArchiveHandler(archiver domain.Archiver, roles domain.RoleChecker, retention time.Duration, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{
		archiver:  archiver,
		roles:     roles,
		retention: retention,
		logger:    logger,
	}
}

type archiveRequest struct {
	// RetentionDays overrides the configured retention window when positive.
	RetentionDays int `json:"retention_days"`
}

// TriggerArchive exports closed positions and audit entries older than the
// retention cutoff. Admin-gated.
// POST /api/admin/archive
func (h *ArchiveHandler) TriggerArchive(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	authorized, err := h.roles.HasRole(r.Context(), caller.Name, domain.RoleAdmin)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("role check: %s", err))
		return
	}
	if !authorized {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}

	var req archiveRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	retention := h.retention
	if req.RetentionDays > 0 {
		retention = time.Duration(req.RetentionDays) * 24 * time.Hour
	}
	cutoff := time.Now().UTC().Add(-retention)

	positions, err := h.archiver.ArchiveClosedPositions(r.Context(), cutoff)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "archive trigger: positions failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	entries, err := h.archiver.ArchiveAudit(r.Context(), cutoff)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "archive trigger: audit failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"cutoff":             cutoff.Format(time.RFC3339),
		"positions_archived": positions,
		"audit_archived":     entries,
	})
}
