package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/stripe/stripe-go/v81"

	"github.com/onnwee/payrelay/internal/middleware"
	"github.com/onnwee/payrelay/internal/payment"
	"github.com/onnwee/payrelay/internal/validate"
)

// PaymentHandlers holds dependencies for payment-related HTTP handlers.
// Every operation here is a parameter-shaping call into Stripe; the real
// state changes arrive later over the webhook path.
type PaymentHandlers struct {
	stripeClient payment.Client
}

// NewPaymentHandlers creates a new PaymentHandlers instance.
func NewPaymentHandlers(stripeClient payment.Client) *PaymentHandlers {
	return &PaymentHandlers{stripeClient: stripeClient}
}

// CreateCustomerRequest represents the request body for creating a customer.
type CreateCustomerRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// CustomerResponse represents a created customer.
type CustomerResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// CreateCustomer creates a Stripe customer for the authenticated user.
// POST /payments/customers
func (h *PaymentHandlers) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateCustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}

	email, err := validate.Email(req.Email)
	if err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	name, err := validate.HolderName(req.Name)
	if err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	cust, err := h.stripeClient.CreateCustomer(ctx, &payment.CustomerParams{
		Email:  email,
		Name:   name,
		UserID: middleware.GetUserID(ctx),
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create customer", "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeStripeFailure)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeStripeFailure, "failed to create customer")
		return
	}

	writeJSON(w, http.StatusCreated, CustomerResponse{
		ID:    cust.ID,
		Email: cust.Email,
		Name:  cust.Name,
	})
}

// CreateSetupIntentRequest represents the request body for starting
// bank-account collection.
type CreateSetupIntentRequest struct {
	CustomerID string `json:"customer_id"`
}

// SetupIntentResponse represents a setup intent.
type SetupIntentResponse struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	ClientSecret    string `json:"client_secret,omitempty"`
	PaymentMethodID string `json:"payment_method_id,omitempty"`
}

func setupIntentResponse(si *stripe.SetupIntent) SetupIntentResponse {
	resp := SetupIntentResponse{
		ID:           si.ID,
		Status:       string(si.Status),
		ClientSecret: si.ClientSecret,
	}
	if si.PaymentMethod != nil {
		resp.PaymentMethodID = si.PaymentMethod.ID
	}
	return resp
}

// CreateSetupIntent starts a bank-account collection flow.
// POST /payments/setup-intents
func (h *PaymentHandlers) CreateSetupIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateSetupIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	if req.CustomerID == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "customer_id is required")
		return
	}

	si, err := h.stripeClient.CreateSetupIntent(ctx, &payment.SetupIntentParams{
		CustomerID: req.CustomerID,
		UserID:     middleware.GetUserID(ctx),
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create setup intent", "customer_id", req.CustomerID, "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeStripeFailure)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeStripeFailure, "failed to create setup intent")
		return
	}

	writeJSON(w, http.StatusCreated, setupIntentResponse(si))
}

// GetSetupIntent retrieves a setup intent.
// GET /payments/setup-intents/{id}
func (h *PaymentHandlers) GetSetupIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	si, err := h.stripeClient.GetSetupIntent(ctx, r.PathValue("id"))
	if err != nil {
		slog.ErrorContext(ctx, "failed to get setup intent", "setup_intent", r.PathValue("id"), "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "setup intent not found")
		return
	}

	writeJSON(w, http.StatusOK, setupIntentResponse(si))
}

// VerifyMicrodepositsRequest represents the two micro-deposit amounts in
// cents, in the order they landed.
type VerifyMicrodepositsRequest struct {
	Amounts []int64 `json:"amounts"`
}

// VerifyMicrodeposits confirms micro-deposit amounts for a setup intent.
// POST /payments/setup-intents/{id}/verify
func (h *PaymentHandlers) VerifyMicrodeposits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req VerifyMicrodepositsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	if len(req.Amounts) != 2 {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "exactly two deposit amounts are required")
		return
	}

	si, err := h.stripeClient.VerifyMicrodeposits(ctx, r.PathValue("id"), req.Amounts)
	if err != nil {
		slog.ErrorContext(ctx, "failed to verify microdeposits", "setup_intent", r.PathValue("id"), "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeStripeFailure)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeStripeFailure, "failed to verify deposits")
		return
	}

	writeJSON(w, http.StatusOK, setupIntentResponse(si))
}

// PaymentMethodResponse represents a payment method.
type PaymentMethodResponse struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	BankName string `json:"bank_name,omitempty"`
	Last4    string `json:"last4,omitempty"`
}

// GetPaymentMethod retrieves a payment method.
// GET /payments/methods/{id}
func (h *PaymentHandlers) GetPaymentMethod(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	pm, err := h.stripeClient.GetPaymentMethod(ctx, r.PathValue("id"))
	if err != nil {
		slog.ErrorContext(ctx, "failed to get payment method", "payment_method", r.PathValue("id"), "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "payment method not found")
		return
	}

	resp := PaymentMethodResponse{ID: pm.ID, Type: string(pm.Type)}
	if pm.USBankAccount != nil {
		resp.BankName = pm.USBankAccount.BankName
		resp.Last4 = pm.USBankAccount.Last4
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreatePaymentIntentRequest represents the request body for creating a
// payment intent. Metadata carries the routing hints the webhook reconciler
// reads back when the payment resolves.
type CreatePaymentIntentRequest struct {
	Amount          int64             `json:"amount"`
	Currency        string            `json:"currency"`
	CustomerID      string            `json:"customer_id"`
	PaymentMethodID string            `json:"payment_method_id,omitempty"`
	Confirm         bool              `json:"confirm,omitempty"`
	Description     string            `json:"description,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// PaymentIntentResponse represents a payment intent.
type PaymentIntentResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	ClientSecret string `json:"client_secret,omitempty"`
}

func paymentIntentResponse(pi *stripe.PaymentIntent) PaymentIntentResponse {
	return PaymentIntentResponse{
		ID:           pi.ID,
		Status:       string(pi.Status),
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		ClientSecret: pi.ClientSecret,
	}
}

// CreatePaymentIntent creates a payment intent.
// POST /payments/intents
func (h *PaymentHandlers) CreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreatePaymentIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}

	if req.Amount <= 0 {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "amount must be positive")
		return
	}
	currency, err := validate.Currency(req.Currency)
	if err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	if req.CustomerID == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "customer_id is required")
		return
	}
	description := req.Description
	if description != "" {
		if description, err = validate.Description(description); err != nil {
			ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}
	}
	// Reject routing metadata the reconciler would refuse later; the caller
	// is in a position to fix it, the webhook path is not.
	if len(req.Metadata) > 0 {
		if _, err := payment.ParseRoute(req.Metadata); err != nil {
			ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}
	}

	pi, err := h.stripeClient.CreatePaymentIntent(ctx, &payment.PaymentIntentParams{
		Amount:          req.Amount,
		Currency:        currency,
		CustomerID:      req.CustomerID,
		PaymentMethodID: req.PaymentMethodID,
		Confirm:         req.Confirm,
		Description:     description,
		Metadata:        req.Metadata,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create payment intent", "customer_id", req.CustomerID, "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeStripeFailure)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeStripeFailure, "failed to create payment intent")
		return
	}

	writeJSON(w, http.StatusCreated, paymentIntentResponse(pi))
}

// GetPaymentIntent retrieves a payment intent.
// GET /payments/intents/{id}
func (h *PaymentHandlers) GetPaymentIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	pi, err := h.stripeClient.GetPaymentIntent(ctx, r.PathValue("id"))
	if err != nil {
		slog.ErrorContext(ctx, "failed to get payment intent", "payment_intent", r.PathValue("id"), "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "payment intent not found")
		return
	}

	writeJSON(w, http.StatusOK, paymentIntentResponse(pi))
}

// ConfirmPaymentIntentRequest represents the request body for confirming a
// payment intent.
type ConfirmPaymentIntentRequest struct {
	PaymentMethodID string `json:"payment_method_id,omitempty"`
}

// ConfirmPaymentIntent confirms a previously created payment intent.
// POST /payments/intents/{id}/confirm
func (h *PaymentHandlers) ConfirmPaymentIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ConfirmPaymentIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}

	pi, err := h.stripeClient.ConfirmPaymentIntent(ctx, r.PathValue("id"), req.PaymentMethodID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to confirm payment intent", "payment_intent", r.PathValue("id"), "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeStripeFailure)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeStripeFailure, "failed to confirm payment intent")
		return
	}

	writeJSON(w, http.StatusOK, paymentIntentResponse(pi))
}

// CreateSubscriptionRequest represents the request body for creating a
// subscription. A price is created inline when price_id is empty.
type CreateSubscriptionRequest struct {
	CustomerID      string            `json:"customer_id"`
	PriceID         string            `json:"price_id,omitempty"`
	UnitAmount      int64             `json:"unit_amount,omitempty"`
	Currency        string            `json:"currency,omitempty"`
	Interval        string            `json:"interval,omitempty"`
	ProductName     string            `json:"product_name,omitempty"`
	PaymentMethodID string            `json:"payment_method_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// SubscriptionResponse represents a subscription.
type SubscriptionResponse struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	CustomerID string `json:"customer_id,omitempty"`
}

func subscriptionResponse(sub *stripe.Subscription) SubscriptionResponse {
	resp := SubscriptionResponse{ID: sub.ID, Status: string(sub.Status)}
	if sub.Customer != nil {
		resp.CustomerID = sub.Customer.ID
	}
	return resp
}

// CreateSubscription creates a subscription, creating the recurring price
// first when the caller supplied inline price fields.
// POST /payments/subscriptions
func (h *PaymentHandlers) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	if req.CustomerID == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "customer_id is required")
		return
	}

	priceID := req.PriceID
	if priceID == "" {
		if req.UnitAmount <= 0 || req.Interval == "" || req.ProductName == "" {
			ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation,
				"price_id or unit_amount, currency, interval and product_name are required")
			return
		}
		currency, err := validate.Currency(req.Currency)
		if err != nil {
			ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}
		price, err := h.stripeClient.CreatePrice(ctx, &payment.PriceParams{
			UnitAmount:  req.UnitAmount,
			Currency:    currency,
			Interval:    req.Interval,
			ProductName: req.ProductName,
		})
		if err != nil {
			slog.ErrorContext(ctx, "failed to create price", "customer_id", req.CustomerID, "error", err)
			ctx = middleware.SetErrorCode(ctx, ErrCodeStripeFailure)
			WriteError(w, ctx, http.StatusInternalServerError, ErrCodeStripeFailure, "failed to create price")
			return
		}
		priceID = price.ID
	}

	sub, err := h.stripeClient.CreateSubscription(ctx, &payment.SubscriptionParams{
		CustomerID:      req.CustomerID,
		PriceID:         priceID,
		PaymentMethodID: req.PaymentMethodID,
		Metadata:        req.Metadata,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create subscription", "customer_id", req.CustomerID, "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeStripeFailure)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeStripeFailure, "failed to create subscription")
		return
	}

	writeJSON(w, http.StatusCreated, subscriptionResponse(sub))
}

// GetSubscription retrieves a subscription.
// GET /payments/subscriptions/{id}
func (h *PaymentHandlers) GetSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sub, err := h.stripeClient.GetSubscription(ctx, r.PathValue("id"))
	if err != nil {
		slog.ErrorContext(ctx, "failed to get subscription", "subscription", r.PathValue("id"), "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "subscription not found")
		return
	}

	writeJSON(w, http.StatusOK, subscriptionResponse(sub))
}

// CancelSubscription cancels a subscription immediately.
// DELETE /payments/subscriptions/{id}
func (h *PaymentHandlers) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sub, err := h.stripeClient.CancelSubscription(ctx, r.PathValue("id"))
	if err != nil {
		slog.ErrorContext(ctx, "failed to cancel subscription", "subscription", r.PathValue("id"), "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeStripeFailure)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeStripeFailure, "failed to cancel subscription")
		return
	}

	writeJSON(w, http.StatusOK, subscriptionResponse(sub))
}

// CreateBankTokenRequest represents the request body for creating a legacy
// bank token from raw account details.
type CreateBankTokenRequest struct {
	Country       string `json:"country"`
	Currency      string `json:"currency"`
	HolderName    string `json:"holder_name"`
	HolderType    string `json:"holder_type"`
	RoutingNumber string `json:"routing_number"`
	AccountNumber string `json:"account_number"`
}

// BankTokenResponse represents a created bank token.
type BankTokenResponse struct {
	TokenID       string `json:"token_id"`
	BankAccountID string `json:"bank_account_id,omitempty"`
	Last4         string `json:"last4,omitempty"`
	Status        string `json:"status,omitempty"`
}

// CreateBankToken creates a legacy bank-account token.
// POST /payments/bank-tokens
func (h *PaymentHandlers) CreateBankToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateBankTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}

	holderName, err := validate.HolderName(req.HolderName)
	if err == nil {
		_, err = validate.RoutingNumber(req.RoutingNumber)
	}
	if err == nil {
		_, err = validate.AccountNumber(req.AccountNumber)
	}
	currency := req.Currency
	if err == nil {
		currency, err = validate.Currency(currency)
	}
	if err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	if req.HolderType != "individual" && req.HolderType != "company" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "holder_type must be individual or company")
		return
	}

	tok, err := h.stripeClient.CreateBankToken(ctx, &payment.BankTokenParams{
		Country:       req.Country,
		Currency:      currency,
		HolderName:    holderName,
		HolderType:    req.HolderType,
		RoutingNumber: req.RoutingNumber,
		AccountNumber: req.AccountNumber,
	})
	if err != nil {
		// Never log the account details themselves.
		slog.ErrorContext(ctx, "failed to create bank token", "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeStripeFailure)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeStripeFailure, "failed to create bank token")
		return
	}

	resp := BankTokenResponse{TokenID: tok.ID}
	if tok.BankAccount != nil {
		resp.BankAccountID = tok.BankAccount.ID
		resp.Last4 = tok.BankAccount.Last4
		resp.Status = string(tok.BankAccount.Status)
	}
	writeJSON(w, http.StatusCreated, resp)
}

// BankAccountResponse represents a legacy bank source.
type BankAccountResponse struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	BankName string `json:"bank_name,omitempty"`
	Last4    string `json:"last4,omitempty"`
}

// GetBankAccount retrieves a legacy bank source attached to a customer.
// GET /payments/bank-accounts/{id}?customer_id=cus_xxx
func (h *PaymentHandlers) GetBankAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	customerID := r.URL.Query().Get("customer_id")
	if customerID == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "customer_id query parameter is required")
		return
	}

	ba, err := h.stripeClient.GetBankAccount(ctx, customerID, r.PathValue("id"))
	if err != nil {
		slog.ErrorContext(ctx, "failed to get bank account", "bank_account", r.PathValue("id"), "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "bank account not found")
		return
	}

	writeJSON(w, http.StatusOK, BankAccountResponse{
		ID:       ba.ID,
		Status:   string(ba.Status),
		BankName: ba.BankName,
		Last4:    ba.Last4,
	})
}
