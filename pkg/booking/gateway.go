package booking

import "context"

// ChargeRequest is an off-session charge against a stored authorization.
// The idempotency key is deterministic per payment and attempt so a retried
// request cannot create a second charge for the same attempt.
type ChargeRequest struct {
	AuthorizationRef string
	CustomerRef      string
	AmountCents      int64
	Currency         string
	IdempotencyKey   string
}

// ChargeResult is the gateway's synchronous confirmation.
type ChargeResult struct {
	ChargeRef string
	Status    string
}

// RefundResult is the gateway's refund confirmation.
type RefundResult struct {
	RefundRef string
	Status    string
}

// ChargeRecord is the gateway's view of an executed charge. The gateway is
// the source of truth for the already-refunded amount.
type ChargeRecord struct {
	AmountCents         int64
	RefundedAmountCents int64
	Status              string
}

// Gateway abstracts the external payment provider. Implementations must
// report failures as UpstreamError so callers can split transient from
// terminal rejections.
type Gateway interface {
	// CreateStoredAuthorization registers a reusable payment method without
	// charging and returns the stored authorization reference.
	CreateStoredAuthorization(ctx context.Context, methodRef, customerRef string) (string, error)
	// ConfirmCharge issues an off-session, redirect-disallowed charge and
	// blocks until the gateway confirms or rejects it.
	ConfirmCharge(ctx context.Context, request ChargeRequest) (ChargeResult, error)
	// CancelAuthorization releases a stored authorization that will never be
	// charged.
	CancelAuthorization(ctx context.Context, authorizationRef, customerRef string) error
	// CreateRefund refunds part or all of an executed charge.
	CreateRefund(ctx context.Context, chargeRef string, amountCents int64, reason string) (RefundResult, error)
	// RetrieveCharge fetches the charged and already-refunded amounts.
	RetrieveCharge(ctx context.Context, chargeRef string) (ChargeRecord, error)
}

// Notifier dispatches fire-and-forget notifications to affected parties.
// Failures are logged and never roll back the triggering operation.
type Notifier interface {
	NotifyCancellation(ctx context.Context, notice CancellationNotice) error
}
