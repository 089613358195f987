package booking

import (
	"context"
	"errors"
	"fmt"
)

// RegisterPaymentMethod stores a reusable authorization for a pending payment
// without charging. The gateway registration happens first; the payment only
// advances to setup_completed once the authorization reference is known.
func (service *Service) RegisterPaymentMethod(ctx context.Context, paymentID string, methodRef string, customerRef string) (Payment, error) {
	var registered Payment
	operationError := func() error {
		payment, err := service.store.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if payment.Status != PaymentStatusPending {
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, paymentID, payment.Status)
		}
		authorizationRef, err := service.gateway.CreateStoredAuthorization(ctx, methodRef, customerRef)
		if err != nil {
			return err
		}
		return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			current, err := txStore.GetPayment(ctx, paymentID)
			if err != nil {
				return err
			}
			current.Metadata.MethodRef = authorizationRef
			current.Metadata.CustomerRef = customerRef
			if err := txStore.UpdatePaymentMetadata(ctx, paymentID, current.Metadata); err != nil {
				return err
			}
			if err := txStore.UpdatePaymentStatus(ctx, paymentID, PaymentStatusPending, PaymentStatusSetupCompleted); err != nil {
				return err
			}
			current.Status = PaymentStatusSetupCompleted
			registered = current
			return nil
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationRegisterMethod,
		PaymentID: paymentID,
		Error:     operationError,
	})
	return registered, operationError
}

// ExecuteCharge drives the deferred off-session charge for a reservation.
//
// The precondition (setup complete, write-once marker still unset) is
// re-checked in a short transaction immediately before the gateway call, the
// gateway call runs outside any transaction, and the outcome is committed in
// a second short transaction through the conditional marker write. Of two
// racing callers (approval path and scheduled executor) exactly one wins;
// the loser observes ErrChargeAlreadyExecuted and must treat the charge as
// already handled.
func (service *Service) ExecuteCharge(ctx context.Context, reservationID string) error {
	operationError := service.executeCharge(ctx, reservationID)
	if operationError != nil && !errors.Is(operationError, ErrChargeAlreadyExecuted) {
		service.logOperation(ctx, OperationLog{
			Operation:     operationExecuteCharge,
			ReservationID: reservationID,
			Error:         operationError,
		})
	}
	return operationError
}

func (service *Service) executeCharge(ctx context.Context, reservationID string) error {
	var payment Payment
	var idempotencyKey string
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		current, err := txStore.GetPaymentByReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if current.ChargeExecuted() {
			return ErrChargeAlreadyExecuted
		}
		if current.Status != PaymentStatusSetupCompleted {
			return fmt.Errorf("%w: %s is %s", ErrPaymentNotChargeable, current.ID, current.Status)
		}
		if current.Metadata.MethodRef == "" {
			return fmt.Errorf("%w: payment %s", ErrMissingPaymentMethod, current.ID)
		}
		// A pending attempt keeps its key so a retried request after a
		// transient failure cannot mint a second charge.
		if !current.Metadata.AttemptPending {
			current.Metadata.ChargeAttempts++
			current.Metadata.AttemptPending = true
			if err := txStore.UpdatePaymentMetadata(ctx, current.ID, current.Metadata); err != nil {
				return err
			}
		}
		idempotencyKey = chargeIdempotencyKey(current.ID, current.Metadata.ChargeAttempts)
		payment = current
		return nil
	})
	if err != nil {
		return err
	}

	result, gatewayErr := service.gateway.ConfirmCharge(ctx, ChargeRequest{
		AuthorizationRef: payment.Metadata.MethodRef,
		CustomerRef:      payment.Metadata.CustomerRef,
		AmountCents:      payment.AmountCents.Int64(),
		Currency:         payment.Currency,
		IdempotencyKey:   idempotencyKey,
	})
	if gatewayErr != nil {
		return service.recordChargeFailure(ctx, payment, gatewayErr)
	}
	return service.commitChargeSuccess(ctx, reservationID, payment, result)
}

func (service *Service) commitChargeSuccess(ctx context.Context, reservationID string, payment Payment, result ChargeResult) error {
	var canceled Reservation
	var refundDueCents int64
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		// The marker write moves the payment to succeeded in the same
		// conditional update, keyed only on the null marker, so the capture
		// lands even when the payment's status changed since dispatch.
		if err := txStore.MarkChargeExecuted(ctx, payment.ID, result.ChargeRef, service.nowFn()); err != nil {
			return err
		}
		// Re-read: a cancellation racing this commit may have annotated the
		// metadata after the charge was dispatched.
		current, err := txStore.GetPayment(ctx, payment.ID)
		if err != nil {
			return err
		}
		current.Metadata.AttemptPending = false
		refundDueCents = current.Metadata.RefundOnExecuteCents
		if err := txStore.UpdatePaymentMetadata(ctx, current.ID, current.Metadata); err != nil {
			return err
		}
		transitionErr := txStore.UpdateReservationStatus(ctx, reservationID, ReservationStatusApproved, ReservationStatusConfirmed, ReservationChange{})
		if transitionErr == nil {
			return nil
		}
		if !errors.Is(transitionErr, ErrInvalidTransition) {
			return transitionErr
		}
		reservation, err := txStore.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if reservation.Status == ReservationStatusCanceled {
			canceled = reservation
		}
		return nil
	})
	if err != nil {
		return err
	}
	if canceled.ID != "" && refundDueCents > 0 {
		// The reservation was canceled while the charge was in flight: the
		// capture stands and the money settles through the refund recorded
		// at cancellation time.
		if _, refundErr := service.Refund(ctx, payment.ID, refundDueCents, canceled.CancelReason, canceled.CanceledBy); refundErr != nil {
			service.logOperation(ctx, OperationLog{
				Operation:     operationRefund,
				ReservationID: reservationID,
				PaymentID:     payment.ID,
				Status:        operationStatusRecovered,
				Error:         refundErr,
			})
		}
	}
	return nil
}

func (service *Service) recordChargeFailure(ctx context.Context, payment Payment, gatewayErr error) error {
	commitErr := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		current, err := txStore.GetPayment(ctx, payment.ID)
		if err != nil {
			return err
		}
		if current.ChargeExecuted() {
			// A racing writer already committed a success; keep it.
			return nil
		}
		current.Metadata.LastError = gatewayErr.Error()
		current.Metadata.LastErrorAtUnixUTC = service.nowFn()
		if !IsTransientUpstream(gatewayErr) {
			// Terminal rejection: the payment leaves the retry pool.
			current.Metadata.AttemptPending = false
			if err := txStore.UpdatePaymentStatus(ctx, current.ID, PaymentStatusSetupCompleted, PaymentStatusFailed); err != nil {
				return err
			}
		}
		return txStore.UpdatePaymentMetadata(ctx, current.ID, current.Metadata)
	})
	if commitErr != nil {
		return errors.Join(gatewayErr, commitErr)
	}
	return gatewayErr
}

// ReleaseAuthorization cancels the stored authorization of a payment that
// will never be charged.
func (service *Service) ReleaseAuthorization(ctx context.Context, paymentID string) error {
	operationError := func() error {
		payment, err := service.store.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if payment.ChargeExecuted() {
			return ErrChargeAlreadyExecuted
		}
		if payment.Metadata.MethodRef == "" {
			return nil
		}
		return service.gateway.CancelAuthorization(ctx, payment.Metadata.MethodRef, payment.Metadata.CustomerRef)
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationReleaseAuth,
		PaymentID: paymentID,
		Error:     operationError,
	})
	return operationError
}

func chargeIdempotencyKey(paymentID string, attempt int) string {
	return fmt.Sprintf("charge:%s:%d", paymentID, attempt)
}
