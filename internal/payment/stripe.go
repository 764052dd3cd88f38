package payment

import (
	"context"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/bankaccount"
	"github.com/stripe/stripe-go/v81/charge"
	"github.com/stripe/stripe-go/v81/customer"
	"github.com/stripe/stripe-go/v81/paymentintent"
	"github.com/stripe/stripe-go/v81/paymentmethod"
	"github.com/stripe/stripe-go/v81/price"
	"github.com/stripe/stripe-go/v81/setupintent"
	"github.com/stripe/stripe-go/v81/subscription"
	"github.com/stripe/stripe-go/v81/token"
)

// CustomerParams represents parameters for creating a Stripe customer.
type CustomerParams struct {
	Email  string
	Name   string
	UserID string // application user id, attached as metadata
}

// SetupIntentParams represents parameters for starting a bank-account
// collection flow.
type SetupIntentParams struct {
	CustomerID string
	UserID     string
}

// PaymentIntentParams represents parameters for creating a payment intent.
// Metadata carries the routing hints the webhook reconciler reads back.
type PaymentIntentParams struct {
	Amount          int64 // amount in cents
	Currency        string
	CustomerID      string
	PaymentMethodID string
	Confirm         bool
	Description     string
	Metadata        map[string]string
}

// PriceParams represents parameters for creating a recurring price.
type PriceParams struct {
	UnitAmount  int64
	Currency    string
	Interval    string // day, week, month, year
	ProductName string
}

// SubscriptionParams represents parameters for creating a subscription.
type SubscriptionParams struct {
	CustomerID      string
	PriceID         string
	PaymentMethodID string
	Metadata        map[string]string
}

// BankTokenParams represents parameters for creating a legacy bank token.
type BankTokenParams struct {
	Country       string
	Currency      string
	HolderName    string
	HolderType    string // individual or company
	RoutingNumber string
	AccountNumber string
}

// Client is an interface for Stripe operations to enable testing with mocks.
type Client interface {
	CreateCustomer(ctx context.Context, params *CustomerParams) (*stripe.Customer, error)
	CreateSetupIntent(ctx context.Context, params *SetupIntentParams) (*stripe.SetupIntent, error)
	GetSetupIntent(ctx context.Context, id string) (*stripe.SetupIntent, error)
	VerifyMicrodeposits(ctx context.Context, id string, amounts []int64) (*stripe.SetupIntent, error)
	GetPaymentMethod(ctx context.Context, id string) (*stripe.PaymentMethod, error)
	CreatePaymentIntent(ctx context.Context, params *PaymentIntentParams) (*stripe.PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error)
	ConfirmPaymentIntent(ctx context.Context, id, paymentMethodID string) (*stripe.PaymentIntent, error)
	CreatePrice(ctx context.Context, params *PriceParams) (*stripe.Price, error)
	CreateSubscription(ctx context.Context, params *SubscriptionParams) (*stripe.Subscription, error)
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	CancelSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	CreateBankToken(ctx context.Context, params *BankTokenParams) (*stripe.Token, error)
	GetBankAccount(ctx context.Context, customerID, bankAccountID string) (*stripe.BankAccount, error)
	GetCharge(ctx context.Context, id string) (*stripe.Charge, error)
}

// StripeClient implements the Client interface using the real Stripe SDK.
type StripeClient struct{}

// NewStripeClient creates a new Stripe client with the given API key.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// CreateCustomer creates a new Stripe customer.
func (c *StripeClient) CreateCustomer(ctx context.Context, params *CustomerParams) (*stripe.Customer, error) {
	customerParams := &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
		Email:  stripe.String(params.Email),
		Name:   stripe.String(params.Name),
	}
	if params.UserID != "" {
		customerParams.AddMetadata(MetaUserID, params.UserID)
	}

	return customer.New(customerParams)
}

// CreateSetupIntent starts a bank-account collection flow for a customer.
func (c *StripeClient) CreateSetupIntent(ctx context.Context, params *SetupIntentParams) (*stripe.SetupIntent, error) {
	setupParams := &stripe.SetupIntentParams{
		Params:             stripe.Params{Context: ctx},
		Customer:           stripe.String(params.CustomerID),
		PaymentMethodTypes: stripe.StringSlice([]string{"us_bank_account"}),
	}
	if params.UserID != "" {
		setupParams.AddMetadata(MetaUserID, params.UserID)
	}

	return setupintent.New(setupParams)
}

// GetSetupIntent retrieves a setup intent by id.
func (c *StripeClient) GetSetupIntent(ctx context.Context, id string) (*stripe.SetupIntent, error) {
	return setupintent.Get(id, &stripe.SetupIntentParams{
		Params: stripe.Params{Context: ctx},
	})
}

// VerifyMicrodeposits confirms the two micro-deposit amounts for a setup
// intent on an unverified bank account.
func (c *StripeClient) VerifyMicrodeposits(ctx context.Context, id string, amounts []int64) (*stripe.SetupIntent, error) {
	return setupintent.VerifyMicrodeposits(id, &stripe.SetupIntentVerifyMicrodepositsParams{
		Params:  stripe.Params{Context: ctx},
		Amounts: stripe.Int64Slice(amounts),
	})
}

// GetPaymentMethod retrieves a payment method by id.
func (c *StripeClient) GetPaymentMethod(ctx context.Context, id string) (*stripe.PaymentMethod, error) {
	return paymentmethod.Get(id, &stripe.PaymentMethodParams{
		Params: stripe.Params{Context: ctx},
	})
}

// CreatePaymentIntent creates a payment intent carrying the caller's routing
// metadata.
func (c *StripeClient) CreatePaymentIntent(ctx context.Context, params *PaymentIntentParams) (*stripe.PaymentIntent, error) {
	intentParams := &stripe.PaymentIntentParams{
		Params:             stripe.Params{Context: ctx},
		Amount:             stripe.Int64(params.Amount),
		Currency:           stripe.String(params.Currency),
		Customer:           stripe.String(params.CustomerID),
		PaymentMethodTypes: stripe.StringSlice([]string{"us_bank_account"}),
	}
	if params.PaymentMethodID != "" {
		intentParams.PaymentMethod = stripe.String(params.PaymentMethodID)
	}
	if params.Confirm {
		intentParams.Confirm = stripe.Bool(true)
	}
	if params.Description != "" {
		intentParams.Description = stripe.String(params.Description)
	}
	for key, value := range params.Metadata {
		intentParams.AddMetadata(key, value)
	}

	return paymentintent.New(intentParams)
}

// GetPaymentIntent retrieves a payment intent by id.
func (c *StripeClient) GetPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	return paymentintent.Get(id, &stripe.PaymentIntentParams{
		Params: stripe.Params{Context: ctx},
	})
}

// ConfirmPaymentIntent confirms a previously created payment intent.
func (c *StripeClient) ConfirmPaymentIntent(ctx context.Context, id, paymentMethodID string) (*stripe.PaymentIntent, error) {
	confirmParams := &stripe.PaymentIntentConfirmParams{
		Params: stripe.Params{Context: ctx},
	}
	if paymentMethodID != "" {
		confirmParams.PaymentMethod = stripe.String(paymentMethodID)
	}

	return paymentintent.Confirm(id, confirmParams)
}

// CreatePrice creates a recurring price with an inline product.
func (c *StripeClient) CreatePrice(ctx context.Context, params *PriceParams) (*stripe.Price, error) {
	priceParams := &stripe.PriceParams{
		Params:     stripe.Params{Context: ctx},
		UnitAmount: stripe.Int64(params.UnitAmount),
		Currency:   stripe.String(params.Currency),
		Recurring: &stripe.PriceRecurringParams{
			Interval: stripe.String(params.Interval),
		},
		ProductData: &stripe.PriceProductDataParams{
			Name: stripe.String(params.ProductName),
		},
	}

	return price.New(priceParams)
}

// CreateSubscription creates a subscription for a customer.
func (c *StripeClient) CreateSubscription(ctx context.Context, params *SubscriptionParams) (*stripe.Subscription, error) {
	subParams := &stripe.SubscriptionParams{
		Params:   stripe.Params{Context: ctx},
		Customer: stripe.String(params.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(params.PriceID)},
		},
	}
	if params.PaymentMethodID != "" {
		subParams.DefaultPaymentMethod = stripe.String(params.PaymentMethodID)
	}
	for key, value := range params.Metadata {
		subParams.AddMetadata(key, value)
	}

	return subscription.New(subParams)
}

// GetSubscription retrieves a subscription by id.
func (c *StripeClient) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	return subscription.Get(id, &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
	})
}

// CancelSubscription cancels a subscription immediately.
func (c *StripeClient) CancelSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	return subscription.Cancel(id, &stripe.SubscriptionCancelParams{
		Params: stripe.Params{Context: ctx},
	})
}

// CreateBankToken creates a legacy bank-account token from raw routing and
// account numbers.
func (c *StripeClient) CreateBankToken(ctx context.Context, params *BankTokenParams) (*stripe.Token, error) {
	tokenParams := &stripe.TokenParams{
		Params: stripe.Params{Context: ctx},
		BankAccount: &stripe.BankAccountParams{
			Country:           stripe.String(params.Country),
			Currency:          stripe.String(params.Currency),
			AccountHolderName: stripe.String(params.HolderName),
			AccountHolderType: stripe.String(params.HolderType),
			RoutingNumber:     stripe.String(params.RoutingNumber),
			AccountNumber:     stripe.String(params.AccountNumber),
		},
	}

	return token.New(tokenParams)
}

// GetBankAccount retrieves a legacy bank source attached to a customer.
func (c *StripeClient) GetBankAccount(ctx context.Context, customerID, bankAccountID string) (*stripe.BankAccount, error) {
	return bankaccount.Get(bankAccountID, &stripe.BankAccountParams{
		Params:   stripe.Params{Context: ctx},
		Customer: stripe.String(customerID),
	})
}

// GetCharge retrieves a charge with its balance transaction expanded, so the
// reconciler can capture the settlement reference for commission payouts.
func (c *StripeClient) GetCharge(ctx context.Context, id string) (*stripe.Charge, error) {
	chargeParams := &stripe.ChargeParams{
		Params: stripe.Params{Context: ctx},
	}
	chargeParams.AddExpand("balance_transaction")

	return charge.Get(id, chargeParams)
}
