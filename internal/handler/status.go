// Package handler contains HTTP handlers for the Bindery application.
//
// This file implements the user status endpoint the dashboard polls.
//
// Route:
//   - GET /api/user-status -> HandleUserStatus
package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bindery-app/bindery/internal/auth"
	"github.com/bindery-app/bindery/internal/domain"
	"github.com/bindery-app/bindery/internal/service"
)

// StatusHandler reports the authenticated user's usage and entitlement.
type StatusHandler struct {
	entitlement service.EntitlementService
	logger      *slog.Logger
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(entitlement service.EntitlementService, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		entitlement: entitlement,
		logger:      logger,
	}
}

// RegisterRoutes registers status routes on the provided mux.
func (h *StatusHandler) RegisterRoutes(mux *http.ServeMux, requireUser func(http.Handler) http.Handler) {
	mux.Handle("GET /api/user-status", requireUser(http.HandlerFunc(h.HandleUserStatus)))
}

// userStatusResponse is the JSON shape the dashboard consumes.
type userStatusResponse struct {
	UserID      string `json:"userId"`
	DailyMerges int64  `json:"dailyMerges"`
	TotalMerges int64  `json:"totalMerges"`
	Remaining   int64  `json:"remaining"`
	Limit       int64  `json:"limit"`
	CanMerge    bool   `json:"canMerge"`
	IsPro       bool   `json:"isPro"`
	ResetAt     string `json:"resetAt,omitempty"`
}

// HandleUserStatus returns current usage against the daily quota.
func (h *StatusHandler) HandleUserStatus(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		UnauthorizedResponse(w, r, h.logger)
		return
	}

	rec, decision, err := h.entitlement.Usage(r.Context(), userID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	resp := userStatusResponse{
		UserID:      userID,
		DailyMerges: decision.DailyUsed,
		TotalMerges: rec.TotalMerges,
		Remaining:   decision.Remaining,
		Limit:       domain.FreeDailyMergeLimit,
		CanMerge:    decision.Admitted,
		IsPro:       decision.Unlimited,
	}
	if !decision.Admitted {
		resp.ResetAt = decision.ResetAt.Format(time.RFC3339)
	}

	respondJSON(w, http.StatusOK, resp)
}
