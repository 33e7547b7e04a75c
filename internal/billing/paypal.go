// Package billing provides PayPal billing integration for subscription
// management.
package billing

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/plutov/paypal/v4"

	"github.com/bindery-app/bindery/internal/domain"
)

// Plan describes a paid tier backed by a PayPal billing plan.
type Plan struct {
	Key          string   `json:"key"`
	Name         string   `json:"name"`
	Price        float64  `json:"price"`
	PayPalPlanID string   `json:"paypalPlanId"`
	Features     []string `json:"features"`
	IsPopular    bool     `json:"isPopular"`
}

// PlanConfig holds the PayPal plan ids for each paid tier.
type PlanConfig struct {
	ProPlanID        string
	EnterprisePlanID string
}

// SubscriptionInfo is the subset of a PayPal subscription this service needs.
type SubscriptionInfo struct {
	ID          string
	Status      domain.SubscriptionStatus
	PlanID      string
	ApprovalURL string // set on newly created subscriptions awaiting approval
}

// Service defines the interface for billing operations.
type Service interface {
	// VerifyWebhookSignature checks the PayPal transmission signature of an
	// incoming webhook request. body is the already-read request body.
	VerifyWebhookSignature(ctx context.Context, r *http.Request, body []byte) (bool, error)

	// GetSubscription retrieves a PayPal subscription by id.
	GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionInfo, error)

	// CreateSubscription creates a PayPal subscription for the given plan and
	// returns it along with the approval URL to redirect the user to.
	CreateSubscription(ctx context.Context, paypalPlanID, returnURL, cancelURL string) (*SubscriptionInfo, error)

	// Plans returns the configured paid tiers.
	Plans() []Plan

	// PlanByID returns the configured plan for a PayPal plan id.
	PlanByID(paypalPlanID string) (Plan, bool)
}

// paypalService is the concrete implementation of Service.
type paypalService struct {
	client    *paypal.Client
	webhookID string
	plans     []Plan
	plansByID map[string]Plan
}

// NewPayPalService creates a new PayPal billing service.
//
// The webhookID identifies the webhook registration whose transmission
// signatures are verified. live selects the production API base; otherwise
// the sandbox is used.
func NewPayPalService(ctx context.Context, clientID, secret, webhookID string, live bool, planCfg PlanConfig) (Service, error) {
	apiBase := paypal.APIBaseSandBox
	if live {
		apiBase = paypal.APIBaseLive
	}

	client, err := paypal.NewClient(clientID, secret, apiBase)
	if err != nil {
		return nil, fmt.Errorf("paypal client: %w", err)
	}
	if _, err := client.GetAccessToken(ctx); err != nil {
		return nil, fmt.Errorf("paypal access token: %w", err)
	}

	plans := configuredPlans(planCfg)
	plansByID := make(map[string]Plan, len(plans))
	for _, p := range plans {
		plansByID[p.PayPalPlanID] = p
	}

	return &paypalService{
		client:    client,
		webhookID: webhookID,
		plans:     plans,
		plansByID: plansByID,
	}, nil
}

func configuredPlans(cfg PlanConfig) []Plan {
	var plans []Plan
	if cfg.ProPlanID != "" {
		plans = append(plans, Plan{
			Key:          "PRO",
			Name:         "Pro",
			Price:        9,
			PayPalPlanID: cfg.ProPlanID,
			Features:     []string{"Unlimited merges", "No file size limits", "Priority support", "API access"},
			IsPopular:    true,
		})
	}
	if cfg.EnterprisePlanID != "" {
		plans = append(plans, Plan{
			Key:          "ENTERPRISE",
			Name:         "Enterprise",
			Price:        29,
			PayPalPlanID: cfg.EnterprisePlanID,
			Features:     []string{"Everything in Pro", "Team collaboration", "Advanced security", "Custom integrations"},
		})
	}
	return plans
}

func (s *paypalService) VerifyWebhookSignature(ctx context.Context, r *http.Request, body []byte) (bool, error) {
	// The SDK re-reads the request body, so restore it first.
	r.Body = io.NopCloser(bytes.NewReader(body))

	resp, err := s.client.VerifyWebhookSignature(ctx, r, s.webhookID)
	if err != nil {
		return false, fmt.Errorf("paypal verify webhook signature: %w", err)
	}
	return resp.VerificationStatus == "SUCCESS", nil
}

func (s *paypalService) GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionInfo, error) {
	sub, err := s.client.GetSubscriptionDetails(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("paypal get subscription: %w", err)
	}
	return &SubscriptionInfo{
		ID:     sub.ID,
		Status: statusFromPayPal(sub.SubscriptionStatus),
		PlanID: sub.PlanID,
	}, nil
}

func (s *paypalService) CreateSubscription(ctx context.Context, paypalPlanID, returnURL, cancelURL string) (*SubscriptionInfo, error) {
	sub, err := s.client.CreateSubscription(ctx, paypal.SubscriptionBase{
		PlanID: paypalPlanID,
		ApplicationContext: &paypal.ApplicationContext{
			BrandName: "Bindery",
			ReturnURL: returnURL,
			CancelURL: cancelURL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("paypal create subscription: %w", err)
	}

	info := &SubscriptionInfo{
		ID:     sub.ID,
		Status: statusFromPayPal(sub.SubscriptionStatus),
		PlanID: paypalPlanID,
	}
	for _, link := range sub.Links {
		if link.Rel == "approve" {
			info.ApprovalURL = link.Href
			break
		}
	}
	return info, nil
}

func (s *paypalService) Plans() []Plan {
	return s.plans
}

func (s *paypalService) PlanByID(paypalPlanID string) (Plan, bool) {
	p, ok := s.plansByID[paypalPlanID]
	return p, ok
}

// statusFromPayPal maps a PayPal subscription status onto the record states.
// Pending approval is not yet an entitlement, so it reads as free.
func statusFromPayPal(status paypal.SubscriptionStatus) domain.SubscriptionStatus {
	switch status {
	case paypal.SubscriptionStatusActive:
		return domain.SubscriptionStatusActive
	case paypal.SubscriptionStatusCancelled:
		return domain.SubscriptionStatusCancelled
	case paypal.SubscriptionStatusSuspended, paypal.SubscriptionStatusExpired:
		return domain.SubscriptionStatusExpired
	default:
		return domain.SubscriptionStatusFree
	}
}
