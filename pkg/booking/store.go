package booking

import "context"

// Store is the persistence contract used by Service.
//
// MarkChargeExecuted and RecordRefund are conditional writes: the store must
// apply them only when the marker column is still unset and report
// ErrChargeAlreadyExecuted / ErrRefundAlreadyRecorded on zero rows affected,
// so that of two racing writers exactly one wins without an explicit lock.
// MarkChargeExecuted moves the payment to succeeded in the same write, keyed
// only on the null marker: a capture is recorded even when the payment's
// status moved on while the charge was in flight.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	CreateReservation(ctx context.Context, reservation Reservation) error
	GetReservation(ctx context.Context, reservationID string) (Reservation, error)
	UpdateReservationStatus(ctx context.Context, reservationID string, from, to ReservationStatus, change ReservationChange) error
	ListChargeCandidates(ctx context.Context, windowStartUnixUTC, windowEndUnixUTC, cutoverUnixUTC int64) ([]ChargeCandidate, error)
	ListUnresolvedCharges(ctx context.Context, limit int) ([]ChargeCandidate, error)

	CreatePayment(ctx context.Context, payment Payment) error
	GetPayment(ctx context.Context, paymentID string) (Payment, error)
	GetPaymentByReservation(ctx context.Context, reservationID string) (Payment, error)
	UpdatePaymentStatus(ctx context.Context, paymentID string, from, to PaymentStatus) error
	UpdatePaymentMetadata(ctx context.Context, paymentID string, metadata PaymentMetadata) error
	MarkChargeExecuted(ctx context.Context, paymentID string, chargeRef string, executedAtUnixUTC int64) error
	RecordRefund(ctx context.Context, paymentID string, amountCents int64, reason string, refundedAtUnixUTC int64) error

	GetSlot(ctx context.Context, slotID string) (LessonSlot, error)
	SetSlotAvailability(ctx context.Context, slotID string, available bool) error
}
