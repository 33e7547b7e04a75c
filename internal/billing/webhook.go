package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bindery-app/bindery/internal/domain"
)

// webhookPayload is the wire shape PayPal posts. Only the fields the
// entitlement tracker needs are decoded; everything else is ignored.
type webhookPayload struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		// Subscription id for BILLING.SUBSCRIPTION.* events.
		ID string `json:"id"`
		// Subscription id for PAYMENT.SALE.* events.
		BillingAgreementID string `json:"billing_agreement_id"`
		BillingInfo        struct {
			NextBillingTime string `json:"next_billing_time"`
		} `json:"billing_info"`
	} `json:"resource"`
}

// NormalizeWebhookEvent translates a raw PayPal webhook body into the
// tracker's normalized subscription event. The returned eventType is the raw
// PayPal type, for logging and metrics.
//
// Unknown event types return a nil event with no error; callers drop them
// with a warning and still acknowledge the delivery.
func NormalizeWebhookEvent(body []byte) (event *domain.SubscriptionEvent, eventType string, err error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, "", fmt.Errorf("parse webhook payload: %w", err)
	}

	var kind domain.SubscriptionEventKind
	externalID := payload.Resource.ID

	switch payload.EventType {
	case "BILLING.SUBSCRIPTION.ACTIVATED":
		kind = domain.EventActivated
	case "BILLING.SUBSCRIPTION.RENEWED":
		kind = domain.EventRenewed
	case "BILLING.SUBSCRIPTION.CANCELLED":
		kind = domain.EventCancelled
	case "BILLING.SUBSCRIPTION.SUSPENDED":
		kind = domain.EventSuspended
	case "BILLING.SUBSCRIPTION.PAYMENT.FAILED":
		kind = domain.EventPaymentFailed
	case "PAYMENT.SALE.COMPLETED":
		// A captured recurring payment; keeps the subscription current.
		kind = domain.EventRenewed
		externalID = payload.Resource.BillingAgreementID
	case "PAYMENT.SALE.DENIED", "PAYMENT.SALE.REFUNDED":
		kind = domain.EventPaymentFailed
		externalID = payload.Resource.BillingAgreementID
	default:
		return nil, payload.EventType, nil
	}

	if externalID == "" {
		return nil, payload.EventType, fmt.Errorf("webhook event %s missing subscription id", payload.EventType)
	}

	ev := &domain.SubscriptionEvent{
		Kind:                   kind,
		ExternalSubscriptionID: externalID,
	}
	if raw := payload.Resource.BillingInfo.NextBillingTime; raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			ev.NextBillingDate = t.UTC()
		}
	}
	return ev, payload.EventType, nil
}
