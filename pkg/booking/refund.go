package booking

import (
	"context"
	"errors"
	"fmt"
)

// Refund processes a one-shot refund against a succeeded charge.
//
// The gateway is treated as the source of truth for the already-refunded
// amount, and the refund executes at the gateway before anything is written
// locally: the store never records a refund that did not actually happen.
// The opposite failure mode (gateway refunded, local commit lost) is
// reported as an error for manual remediation.
func (service *Service) Refund(ctx context.Context, paymentID string, requestedAmountCents int64, reason string, actorID string) (RefundOutcome, error) {
	var outcome RefundOutcome
	operationError := func() error {
		if requestedAmountCents <= 0 {
			return fmt.Errorf("%w: requested refund must be positive", ErrInvalidAmountCents)
		}
		payment, err := service.store.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if payment.Status != PaymentStatusSucceeded {
			return fmt.Errorf("%w: %s is %s", ErrPaymentNotRefundable, paymentID, payment.Status)
		}
		if payment.RefundedAtUnixUTC != 0 {
			return ErrRefundAlreadyRecorded
		}
		if payment.ExternalChargeRef == "" {
			return fmt.Errorf("%w: payment %s", ErrMissingChargeRef, paymentID)
		}

		record, err := service.gateway.RetrieveCharge(ctx, payment.ExternalChargeRef)
		if err != nil {
			return err
		}
		remaining := record.AmountCents - record.RefundedAmountCents
		if remaining <= 0 {
			return ErrNothingRefundable
		}
		actualRefund := requestedAmountCents
		if actualRefund > remaining {
			actualRefund = remaining
		}

		result, err := service.gateway.CreateRefund(ctx, payment.ExternalChargeRef, actualRefund, reason)
		if err != nil {
			return err
		}

		commitErr := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			nowUnixUTC := service.nowFn()
			if err := txStore.RecordRefund(ctx, paymentID, actualRefund, reason, nowUnixUTC); err != nil {
				return err
			}
			reservation, err := txStore.GetReservation(ctx, payment.ReservationID)
			if err != nil {
				return err
			}
			if reservation.Status.Terminal() {
				return nil
			}
			change := ReservationChange{
				CanceledAtUnixUTC: nowUnixUTC,
				CanceledBy:        actorID,
				CancelReason:      reason,
			}
			if err := txStore.UpdateReservationStatus(ctx, reservation.ID, reservation.Status, ReservationStatusCanceled, change); err != nil {
				return err
			}
			return txStore.SetSlotAvailability(ctx, reservation.SlotID, true)
		})
		if commitErr != nil {
			// The gateway refund already happened; report the lost local
			// record for manual remediation instead of pretending it failed.
			return fmt.Errorf("refund executed at gateway but commit failed: %w", commitErr)
		}
		outcome = RefundOutcome{RefundRef: result.RefundRef, RefundedCents: actualRefund}
		return nil
	}()
	if operationError != nil && errors.Is(operationError, ErrRefundAlreadyRecorded) {
		// Duplicate attempts are rejected before any gateway call.
		service.logOperation(ctx, OperationLog{
			Operation: operationRefund,
			PaymentID: paymentID,
			ActorID:   actorID,
			Status:    operationStatusRecovered,
			Error:     operationError,
		})
		return RefundOutcome{}, operationError
	}
	service.logOperation(ctx, OperationLog{
		Operation:   operationRefund,
		PaymentID:   paymentID,
		ActorID:     actorID,
		AmountCents: outcome.RefundedCents,
		Error:       operationError,
	})
	return outcome, operationError
}
