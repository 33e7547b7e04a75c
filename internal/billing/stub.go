package billing

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/bindery-app/bindery/internal/domain"
)

// stubService stands in for PayPal when no credentials are configured, which
// only happens in development. Plans still render; everything that would
// reach the PayPal API fails with a payment error, and webhook deliveries
// never verify.
type stubService struct {
	plans     []Plan
	plansByID map[string]Plan
	logger    *slog.Logger
}

// NewStubService creates a billing service that operates without PayPal
// credentials.
func NewStubService(planCfg PlanConfig, logger *slog.Logger) Service {
	plans := configuredPlans(planCfg)
	plansByID := make(map[string]Plan, len(plans))
	for _, p := range plans {
		plansByID[p.PayPalPlanID] = p
	}
	return &stubService{
		plans:     plans,
		plansByID: plansByID,
		logger:    logger,
	}
}

func (s *stubService) VerifyWebhookSignature(ctx context.Context, r *http.Request, body []byte) (bool, error) {
	s.logger.Warn("billing is not configured; rejecting webhook delivery")
	return false, nil
}

func (s *stubService) GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionInfo, error) {
	return nil, domain.Errorf(domain.EPAYMENT, "billing.stub", "billing is not configured")
}

func (s *stubService) CreateSubscription(ctx context.Context, paypalPlanID, returnURL, cancelURL string) (*SubscriptionInfo, error) {
	return nil, domain.Errorf(domain.EPAYMENT, "billing.stub", "billing is not configured")
}

func (s *stubService) Plans() []Plan {
	return s.plans
}

func (s *stubService) PlanByID(paypalPlanID string) (Plan, bool) {
	p, ok := s.plansByID[paypalPlanID]
	return p, ok
}
