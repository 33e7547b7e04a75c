// Package handler contains HTTP handlers for the Bindery application.
//
// This file implements the PayPal webhook receiver.
//
// Route:
//   - POST /webhooks/paypal -> HandlePayPalWebhook
//
// Response codes follow PayPal's redelivery semantics: 2xx acknowledges the
// delivery, anything else schedules a retry. Events that can never succeed
// (bad signature, unparseable body, unmatched subscription) are logged and
// acknowledged so PayPal stops resending them; transient store failures
// return 500 so the event comes back.
package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/bindery-app/bindery/internal/billing"
	"github.com/bindery-app/bindery/internal/domain"
	"github.com/bindery-app/bindery/internal/metrics"
	"github.com/bindery-app/bindery/internal/service"
)

// webhookBodyLimit caps how much of a webhook delivery is read.
const webhookBodyLimit = 64 << 10

// WebhookHandler receives PayPal webhook deliveries.
type WebhookHandler struct {
	billing     billing.Service
	entitlement service.EntitlementService
	logger      *slog.Logger
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(billingSvc billing.Service, entitlement service.EntitlementService, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		billing:     billingSvc,
		entitlement: entitlement,
		logger:      logger,
	}
}

// RegisterRoutes registers webhook routes on the provided mux. The endpoint
// is authenticated by transmission signature, not by user identity.
func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/paypal", h.HandlePayPalWebhook)
}

// HandlePayPalWebhook verifies, normalizes, and applies one webhook delivery.
func (h *WebhookHandler) HandlePayPalWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, webhookBodyLimit))
	if err != nil {
		h.logger.Warn("failed to read webhook body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ok, err := h.billing.VerifyWebhookSignature(r.Context(), r, body)
	if err != nil {
		// Verification itself failed (PayPal API unreachable); retry later.
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "error").Inc()
		h.logger.Error("webhook signature verification errored", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !ok {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "invalid").Inc()
		h.logger.Warn("webhook signature verification failed",
			"transmission_id", r.Header.Get("Paypal-Transmission-Id"),
		)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	event, eventType, err := billing.NormalizeWebhookEvent(body)
	if err != nil {
		// Malformed payloads will never parse on redelivery either.
		metrics.WebhookEventsTotal.WithLabelValues(eventType, "invalid").Inc()
		h.logger.Warn("dropping malformed webhook event", "event_type", eventType, "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}
	if event == nil {
		// An event type this service does not act on.
		metrics.WebhookEventsTotal.WithLabelValues(eventType, "ignored").Inc()
		h.logger.Info("ignoring webhook event", "event_type", eventType)
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.entitlement.ApplySubscriptionEvent(r.Context(), *event); err != nil {
		switch domain.ErrorCode(err) {
		case domain.EUNMATCHED:
			// No record carries this subscription id. Usually an event racing
			// ahead of the link step or a subscription from another
			// environment; redelivery would not help.
			metrics.WebhookEventsTotal.WithLabelValues(eventType, "unmatched").Inc()
			h.logger.Warn("webhook event matched no user",
				"event_type", eventType,
				"subscription_id", event.ExternalSubscriptionID,
			)
			w.WriteHeader(http.StatusOK)
		case domain.EINVALID:
			metrics.WebhookEventsTotal.WithLabelValues(eventType, "invalid").Inc()
			h.logger.Warn("dropping invalid webhook event", "event_type", eventType, "error", err)
			w.WriteHeader(http.StatusOK)
		default:
			// Store trouble; ask PayPal to redeliver.
			metrics.WebhookEventsTotal.WithLabelValues(eventType, "error").Inc()
			h.logger.Error("failed to apply webhook event",
				"event_type", eventType,
				"subscription_id", event.ExternalSubscriptionID,
				"error", err,
			)
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}

	metrics.WebhookEventsTotal.WithLabelValues(eventType, "applied").Inc()
	w.WriteHeader(http.StatusOK)
}
