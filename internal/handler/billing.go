// Package handler contains HTTP handlers for the Bindery application.
//
// This file implements the subscription endpoints.
//
// Routes:
//   - GET  /api/plans         -> HandleListPlans (public)
//   - GET  /api/subscriptions -> HandleGetSubscription
//   - POST /api/subscriptions -> HandleCreateOrLinkSubscription
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/bindery-app/bindery/internal/auth"
	"github.com/bindery-app/bindery/internal/billing"
	"github.com/bindery-app/bindery/internal/domain"
	"github.com/bindery-app/bindery/internal/service"
)

// BillingHandler handles plan listing and subscription lifecycle requests.
type BillingHandler struct {
	billing     billing.Service
	entitlement service.EntitlementService
	baseURL     string
	logger      *slog.Logger
}

// NewBillingHandler creates a new BillingHandler.
// baseURL is the externally visible origin used to build PayPal return urls.
func NewBillingHandler(billingSvc billing.Service, entitlement service.EntitlementService, baseURL string, logger *slog.Logger) *BillingHandler {
	return &BillingHandler{
		billing:     billingSvc,
		entitlement: entitlement,
		baseURL:     baseURL,
		logger:      logger,
	}
}

// RegisterRoutes registers billing routes on the provided mux.
func (h *BillingHandler) RegisterRoutes(mux *http.ServeMux, requireUser func(http.Handler) http.Handler) {
	mux.HandleFunc("GET /api/plans", h.HandleListPlans)
	mux.Handle("GET /api/subscriptions", requireUser(http.HandlerFunc(h.HandleGetSubscription)))
	mux.Handle("POST /api/subscriptions", requireUser(http.HandlerFunc(h.HandleCreateOrLinkSubscription)))
}

// HandleListPlans returns the configured paid tiers. Public, no auth.
func (h *BillingHandler) HandleListPlans(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"plans": h.billing.Plans(),
	})
}

// subscriptionResponse is the JSON shape for a user's subscription state.
type subscriptionResponse struct {
	Status          domain.SubscriptionStatus `json:"status"`
	PlanID          string                    `json:"planId,omitempty"`
	PlanKey         string                    `json:"planKey,omitempty"`
	SubscriptionID  string                    `json:"subscriptionId,omitempty"`
	NextBillingDate string                    `json:"nextBillingDate,omitempty"`
}

// HandleGetSubscription returns the authenticated user's subscription state.
func (h *BillingHandler) HandleGetSubscription(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		UnauthorizedResponse(w, r, h.logger)
		return
	}

	rec, _, err := h.entitlement.Usage(r.Context(), userID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	resp := subscriptionResponse{Status: domain.SubscriptionStatusFree}
	if sub := rec.Subscription; sub != nil {
		resp.Status = sub.Status
		resp.PlanID = sub.PlanID
		resp.SubscriptionID = sub.ExternalID
		if plan, ok := h.billing.PlanByID(sub.PlanID); ok {
			resp.PlanKey = plan.Key
		}
		if !sub.NextBillingDate.IsZero() {
			resp.NextBillingDate = sub.NextBillingDate.Format(time.RFC3339)
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// subscribeRequest is the body for POST /api/subscriptions. Exactly one of
// the two fields drives the request: planId starts a new subscription,
// subscriptionId links an approved one back to the user.
type subscribeRequest struct {
	PlanID         string `json:"planId"`
	SubscriptionID string `json:"subscriptionId"`
}

// HandleCreateOrLinkSubscription either starts a new PayPal subscription for
// a plan, or verifies and links an approved subscription to the user's record.
func (h *BillingHandler) HandleCreateOrLinkSubscription(w http.ResponseWriter, r *http.Request) {
	const op = "billing.subscribe"

	userID := auth.UserID(r.Context())
	if userID == "" {
		UnauthorizedResponse(w, r, h.logger)
		return
	}

	var req subscribeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "invalid request body"))
		return
	}

	switch {
	case req.SubscriptionID != "":
		h.linkSubscription(w, r, userID, req.SubscriptionID)
	case req.PlanID != "":
		h.createSubscription(w, r, userID, req.PlanID)
	default:
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "planId or subscriptionId is required"))
	}
}

// createSubscription starts the PayPal approval flow for a configured plan.
func (h *BillingHandler) createSubscription(w http.ResponseWriter, r *http.Request, userID, planID string) {
	const op = "billing.create_subscription"

	plan, ok := h.billing.PlanByID(planID)
	if !ok {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "unknown plan"))
		return
	}

	info, err := h.billing.CreateSubscription(r.Context(), plan.PayPalPlanID,
		h.baseURL+"/subscribe/success",
		h.baseURL+"/subscribe/cancelled",
	)
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Errorf(domain.EPAYMENT, op, "failed to create subscription"))
		h.logger.Error("paypal create subscription failed", "user_id", userID, "plan_id", planID, "error", err)
		return
	}

	h.logger.Info("subscription created, awaiting approval",
		"user_id", userID,
		"plan", plan.Key,
		"subscription_id", info.ID,
	)

	respondJSON(w, http.StatusCreated, map[string]string{
		"subscriptionId": info.ID,
		"approvalUrl":    info.ApprovalURL,
	})
}

// linkSubscription verifies an approved subscription with PayPal before
// attaching it to the user's record. The client claiming an id is never
// trusted on its own.
func (h *BillingHandler) linkSubscription(w http.ResponseWriter, r *http.Request, userID, subscriptionID string) {
	const op = "billing.link_subscription"

	info, err := h.billing.GetSubscription(r.Context(), subscriptionID)
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Errorf(domain.EPAYMENT, op, "subscription could not be verified"))
		h.logger.Error("paypal subscription lookup failed", "user_id", userID, "subscription_id", subscriptionID, "error", err)
		return
	}
	if info.Status != domain.SubscriptionStatusActive {
		ErrorResponse(w, r, h.logger, domain.Errorf(domain.EPAYMENT, op, "subscription is not active"))
		return
	}

	rec, err := h.entitlement.LinkSubscription(r.Context(), userID, domain.Subscription{
		Status:     domain.SubscriptionStatusActive,
		PlanID:     info.PlanID,
		ExternalID: info.ID,
	})
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	h.logger.Info("subscription linked",
		"user_id", userID,
		"subscription_id", info.ID,
		"plan_id", info.PlanID,
	)

	resp := subscriptionResponse{
		Status:         domain.SubscriptionStatusActive,
		PlanID:         info.PlanID,
		SubscriptionID: info.ID,
	}
	if plan, ok := h.billing.PlanByID(info.PlanID); ok {
		resp.PlanKey = plan.Key
	}
	if sub := rec.Subscription; sub != nil && !sub.NextBillingDate.IsZero() {
		resp.NextBillingDate = sub.NextBillingDate.Format(time.RFC3339)
	}
	respondJSON(w, http.StatusOK, resp)
}
