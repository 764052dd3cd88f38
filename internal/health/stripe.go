package health

import (
	"context"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/balance"
)

// StripeChecker implements health checking for the Stripe API by retrieving
// the account balance, the cheapest authenticated read the API offers.
type StripeChecker struct {
	getBalance func(params *stripe.BalanceParams) (*stripe.Balance, error)
}

// NewStripeChecker creates a new Stripe health checker. The global Stripe key
// must already be configured.
func NewStripeChecker() *StripeChecker {
	return &StripeChecker{
		getBalance: balance.Get,
	}
}

// HealthCheck performs a health check against the Stripe API.
func (s *StripeChecker) HealthCheck(ctx context.Context) error {
	params := &stripe.BalanceParams{}
	params.Context = ctx
	_, err := s.getBalance(params)
	return err
}
