package booking

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the booking service.
var (
	ErrUnknownReservation       = errors.New("unknown reservation")
	ErrUnknownPayment           = errors.New("unknown payment")
	ErrUnknownSlot              = errors.New("unknown lesson slot")
	ErrInvalidTransition        = errors.New("transition not legal from current status")
	ErrSlotUnavailable          = errors.New("lesson slot unavailable")
	ErrSlotStarted              = errors.New("lesson slot already started")
	ErrNotSlotOwner             = errors.New("approver does not own the lesson slot")
	ErrActorNotPermitted        = errors.New("actor not permitted for this reservation")
	ErrReasonNotAllowed         = errors.New("cancel reason not allowed for role")
	ErrCancellationWindowClosed = errors.New("cancellation window closed")
	ErrChargeAlreadyExecuted    = errors.New("charge already executed")
	ErrPaymentNotChargeable     = errors.New("payment not chargeable")
	ErrPaymentNotRefundable     = errors.New("payment not refundable")
	ErrRefundAlreadyRecorded    = errors.New("refund already recorded")
	ErrNothingRefundable        = errors.New("no refundable balance remaining")
	ErrMissingPaymentMethod     = errors.New("payment missing stored method reference")
	ErrMissingChargeRef         = errors.New("payment missing external charge reference")
	ErrInvalidAmountCents       = errors.New("invalid amount cents")
	ErrInvalidCurrency          = errors.New("invalid currency")
	ErrInvalidReservationStatus = errors.New("invalid reservation status")
	ErrInvalidPaymentStatus     = errors.New("invalid payment status")
	ErrInvalidActorRole         = errors.New("invalid actor role")
	ErrInvalidCancelReason      = errors.New("invalid cancel reason")
	ErrInvalidBookingRequest    = errors.New("invalid booking request")
	ErrInvalidPolicyConfig      = errors.New("invalid policy config")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
	ErrLessonNotFinished        = errors.New("lesson not finished")
)

// ErrorClass buckets domain errors for transport mapping.
type ErrorClass string

const (
	ClassValidation      ErrorClass = "validation"
	ClassAuthorization   ErrorClass = "authorization"
	ClassNotFound        ErrorClass = "not_found"
	ClassStateConflict   ErrorClass = "state_conflict"
	ClassUpstreamPayment ErrorClass = "upstream_payment"
	ClassDataIntegrity   ErrorClass = "data_integrity"
	ClassInternal        ErrorClass = "internal"
)

// Classify maps an error to its taxonomy class.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownReservation), errors.Is(err, ErrUnknownPayment), errors.Is(err, ErrUnknownSlot):
		return ClassNotFound
	case errors.Is(err, ErrNotSlotOwner), errors.Is(err, ErrActorNotPermitted):
		return ClassAuthorization
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrSlotUnavailable),
		errors.Is(err, ErrChargeAlreadyExecuted),
		errors.Is(err, ErrPaymentNotChargeable),
		errors.Is(err, ErrPaymentNotRefundable),
		errors.Is(err, ErrRefundAlreadyRecorded),
		errors.Is(err, ErrLessonNotFinished):
		return ClassStateConflict
	case errors.Is(err, ErrMissingPaymentMethod), errors.Is(err, ErrMissingChargeRef):
		return ClassDataIntegrity
	case isUpstream(err):
		return ClassUpstreamPayment
	case errors.Is(err, ErrReasonNotAllowed),
		errors.Is(err, ErrCancellationWindowClosed),
		errors.Is(err, ErrNothingRefundable),
		errors.Is(err, ErrSlotStarted),
		errors.Is(err, ErrInvalidAmountCents),
		errors.Is(err, ErrInvalidCurrency),
		errors.Is(err, ErrInvalidReservationStatus),
		errors.Is(err, ErrInvalidPaymentStatus),
		errors.Is(err, ErrInvalidActorRole),
		errors.Is(err, ErrInvalidCancelReason),
		errors.Is(err, ErrInvalidBookingRequest),
		errors.Is(err, ErrInvalidPolicyConfig):
		return ClassValidation
	}
	return ClassInternal
}

// UpstreamError wraps a payment-gateway failure. Transient failures leave the
// payment eligible for retry; terminal ones (e.g. card declined) do not.
type UpstreamError struct {
	Code      string
	Transient bool
	err       error
}

// NewUpstreamError wraps a gateway failure.
func NewUpstreamError(code string, transient bool, err error) error {
	return &UpstreamError{Code: code, Transient: transient, err: err}
}

// Error returns the formatted message.
func (upstreamError *UpstreamError) Error() string {
	kind := "terminal"
	if upstreamError.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("gateway %s failure (%s): %v", kind, upstreamError.Code, upstreamError.err)
}

// Unwrap returns the underlying error.
func (upstreamError *UpstreamError) Unwrap() error {
	return upstreamError.err
}

// IsTransientUpstream reports whether err is a retryable gateway failure.
func IsTransientUpstream(err error) bool {
	var upstreamError *UpstreamError
	return errors.As(err, &upstreamError) && upstreamError.Transient
}

func isUpstream(err error) bool {
	var upstreamError *UpstreamError
	return errors.As(err, &upstreamError)
}

// CancellationRejectedError carries the computed policy so callers can show
// the fee and deadline even though the cancellation was refused.
type CancellationRejectedError struct {
	Result CancellationPolicyResult
}

// Error returns the formatted message.
func (rejection *CancellationRejectedError) Error() string {
	return fmt.Sprintf("%v: %s", ErrCancellationWindowClosed, rejection.Result.Reason)
}

// Unwrap returns the sentinel validation error.
func (rejection *CancellationRejectedError) Unwrap() error {
	return ErrCancellationWindowClosed
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
