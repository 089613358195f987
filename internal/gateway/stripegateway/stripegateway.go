// Package stripegateway adapts the Stripe API to the booking gateway
// boundary: stored authorizations are customer-attached payment methods,
// charges are off-session PaymentIntents confirmed synchronously with
// redirects disallowed.
package stripegateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/lessonpay/pkg/booking"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// Gateway implements booking.Gateway against an injected Stripe client.
type Gateway struct {
	api *client.API
}

// New wires a Gateway around a Stripe client.
func New(api *client.API) (*Gateway, error) {
	if api == nil {
		return nil, fmt.Errorf("%w: stripe client is nil", booking.ErrInvalidServiceConfig)
	}
	return &Gateway{api: api}, nil
}

// NewFromKey builds a Gateway with its own client for the given secret key.
func NewFromKey(secretKey string) (*Gateway, error) {
	if secretKey == "" {
		return nil, fmt.Errorf("%w: stripe secret key is empty", booking.ErrInvalidServiceConfig)
	}
	return New(client.New(secretKey, nil))
}

func (gateway *Gateway) CreateStoredAuthorization(ctx context.Context, methodRef, customerRef string) (string, error) {
	params := &stripe.SetupIntentParams{
		Customer:      stripe.String(customerRef),
		PaymentMethod: stripe.String(methodRef),
		Confirm:       stripe.Bool(true),
		Usage:         stripe.String(string(stripe.SetupIntentUsageOffSession)),
		AutomaticPaymentMethods: &stripe.SetupIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String(string(stripe.SetupIntentAutomaticPaymentMethodsAllowRedirectsNever)),
		},
	}
	params.Context = ctx
	intent, err := gateway.api.SetupIntents.New(params)
	if err != nil {
		return "", mapStripeError("setup_intent", err)
	}
	if intent.Status != stripe.SetupIntentStatusSucceeded {
		return "", booking.NewUpstreamError(string(intent.Status), false, fmt.Errorf("setup intent not succeeded"))
	}
	if intent.PaymentMethod == nil {
		return "", booking.NewUpstreamError("missing_payment_method", false, fmt.Errorf("setup intent carries no payment method"))
	}
	return intent.PaymentMethod.ID, nil
}

func (gateway *Gateway) ConfirmCharge(ctx context.Context, request booking.ChargeRequest) (booking.ChargeResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(request.AmountCents),
		Currency:      stripe.String(request.Currency),
		Customer:      stripe.String(request.CustomerRef),
		PaymentMethod: stripe.String(request.AuthorizationRef),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String(string(stripe.PaymentIntentAutomaticPaymentMethodsAllowRedirectsNever)),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(request.IdempotencyKey)
	intent, err := gateway.api.PaymentIntents.New(params)
	if err != nil {
		return booking.ChargeResult{}, mapStripeError("payment_intent", err)
	}
	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return booking.ChargeResult{}, booking.NewUpstreamError(string(intent.Status), false, fmt.Errorf("payment intent not succeeded"))
	}
	return booking.ChargeResult{ChargeRef: intent.ID, Status: string(intent.Status)}, nil
}

func (gateway *Gateway) CancelAuthorization(ctx context.Context, authorizationRef, customerRef string) error {
	params := &stripe.PaymentMethodDetachParams{}
	params.Context = ctx
	if _, err := gateway.api.PaymentMethods.Detach(authorizationRef, params); err != nil {
		return mapStripeError("payment_method_detach", err)
	}
	return nil
}

func (gateway *Gateway) CreateRefund(ctx context.Context, chargeRef string, amountCents int64, reason string) (booking.RefundResult, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(chargeRef),
		Amount:        stripe.Int64(amountCents),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.AddMetadata("reason_detail", reason)
	refund, err := gateway.api.Refunds.New(params)
	if err != nil {
		return booking.RefundResult{}, mapStripeError("refund", err)
	}
	return booking.RefundResult{RefundRef: refund.ID, Status: string(refund.Status)}, nil
}

func (gateway *Gateway) RetrieveCharge(ctx context.Context, chargeRef string) (booking.ChargeRecord, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")
	intent, err := gateway.api.PaymentIntents.Get(chargeRef, params)
	if err != nil {
		return booking.ChargeRecord{}, mapStripeError("payment_intent_get", err)
	}
	record := booking.ChargeRecord{
		AmountCents: intent.Amount,
		Status:      string(intent.Status),
	}
	if intent.LatestCharge != nil {
		record.RefundedAmountCents = intent.LatestCharge.AmountRefunded
	}
	return record, nil
}

// mapStripeError classifies card declines and malformed requests as terminal;
// everything else (network, rate limits, Stripe-side errors) stays transient
// so the deferred executor retries with the same idempotency key.
func mapStripeError(operation string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		terminal := stripeErr.Type == stripe.ErrorTypeCard || stripeErr.Type == stripe.ErrorTypeInvalidRequest
		code := string(stripeErr.Code)
		if code == "" {
			code = string(stripeErr.Type)
		}
		return booking.NewUpstreamError(code, !terminal, fmt.Errorf("%s: %w", operation, err))
	}
	return booking.NewUpstreamError("network", true, fmt.Errorf("%s: %w", operation, err))
}
