package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Service contains the reservation and payment domain logic over a Store and
// a payment Gateway. Gateway calls are always made outside any open store
// transaction; the resulting state is committed in a short transaction of its
// own so a crash mid-flight never leaves a transaction pinned on network I/O.
type Service struct {
	store    Store
	gateway  Gateway
	nowFn    func() int64
	newID    func() string
	policy   PolicyConfig
	window   ChargeWindowConfig
	logger   OperationLogger
	notifier Notifier
}

// NewService wires a Service.
func NewService(store Store, gateway Gateway, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if gateway == nil {
		return nil, fmt.Errorf("%w: gateway dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:   store,
		gateway: gateway,
		nowFn:   now,
		newID:   uuid.NewString,
		policy:  DefaultPolicyConfig(),
		window:  DefaultChargeWindowConfig(),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if err := service.policy.Validate(); err != nil {
		return nil, err
	}
	if err := service.window.Validate(); err != nil {
		return nil, err
	}
	return service, nil
}

// Book creates the reservation together with its pending payment and flips
// the slot unavailable, all in one transaction.
func (service *Service) Book(ctx context.Context, request BookingRequest) (Reservation, error) {
	var created Reservation
	operationError := func() error {
		if strings.TrimSpace(request.StudentID) == "" || strings.TrimSpace(request.SlotID) == "" {
			return fmt.Errorf("%w: student and slot are required", ErrInvalidBookingRequest)
		}
		if request.TotalAmountCents <= 0 {
			return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
		}
		if len(strings.TrimSpace(request.Currency)) != 3 {
			return fmt.Errorf("%w: expected three-letter code", ErrInvalidCurrency)
		}
		return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			slot, err := txStore.GetSlot(ctx, request.SlotID)
			if err != nil {
				return err
			}
			nowUnixUTC := service.nowFn()
			if slot.StartUnixUTC <= nowUnixUTC {
				return ErrSlotStarted
			}
			if !slot.IsAvailable {
				return ErrSlotUnavailable
			}
			reservation := Reservation{
				ID:                 service.newID(),
				StudentID:          request.StudentID,
				SlotID:             slot.ID,
				PaymentID:          service.newID(),
				Status:             ReservationStatusPendingApproval,
				BookedStartUnixUTC: slot.StartUnixUTC,
				BookedEndUnixUTC:   slot.EndUnixUTC,
				TotalAmountCents:   request.TotalAmountCents,
				Notes:              request.Notes,
				CreatedUnixUTC:     nowUnixUTC,
				UpdatedUnixUTC:     nowUnixUTC,
			}
			payment := Payment{
				ID:             reservation.PaymentID,
				ReservationID:  reservation.ID,
				AmountCents:    request.TotalAmountCents,
				Currency:       strings.ToLower(strings.TrimSpace(request.Currency)),
				Status:         PaymentStatusPending,
				CreatedUnixUTC: nowUnixUTC,
				UpdatedUnixUTC: nowUnixUTC,
			}
			if err := txStore.CreateReservation(ctx, reservation); err != nil {
				return err
			}
			if err := txStore.CreatePayment(ctx, payment); err != nil {
				return err
			}
			if err := txStore.SetSlotAvailability(ctx, slot.ID, false); err != nil {
				return err
			}
			created = reservation
			return nil
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation:     operationBook,
		ReservationID: created.ID,
		ActorID:       request.StudentID,
		AmountCents:   request.TotalAmountCents.Int64(),
		Error:         operationError,
	})
	return created, operationError
}

// Approve moves a pending reservation to approved and, when the payment setup
// is complete, attempts the charge synchronously. A charge failure is not
// fatal: the reservation stays approved for the deferred executor to retry.
func (service *Service) Approve(ctx context.Context, reservationID string, approverID string) (ApprovalResult, error) {
	var result ApprovalResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		reservation, err := txStore.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		slot, err := txStore.GetSlot(ctx, reservation.SlotID)
		if err != nil {
			return err
		}
		if slot.MentorID != approverID {
			return ErrNotSlotOwner
		}
		if reservation.Status != ReservationStatusPendingApproval {
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, reservationID, reservation.Status)
		}
		nowUnixUTC := service.nowFn()
		change := ReservationChange{ApprovedAtUnixUTC: nowUnixUTC, ApprovedBy: approverID}
		if err := txStore.UpdateReservationStatus(ctx, reservationID, ReservationStatusPendingApproval, ReservationStatusApproved, change); err != nil {
			return err
		}
		reservation.Status = ReservationStatusApproved
		reservation.ApprovedAtUnixUTC = nowUnixUTC
		reservation.ApprovedBy = approverID
		result.Reservation = reservation
		return nil
	})
	if operationError != nil {
		service.logOperation(ctx, OperationLog{
			Operation:     operationApprove,
			ReservationID: reservationID,
			ActorID:       approverID,
			Error:         operationError,
		})
		return ApprovalResult{}, operationError
	}

	// The approval transaction is already committed; the charge below is a
	// separate retryable step whose failure must not roll it back.
	payment, err := service.store.GetPaymentByReservation(ctx, reservationID)
	if err == nil && payment.Status == PaymentStatusSetupCompleted && !payment.ChargeExecuted() {
		result.ChargeAttempted = true
		chargeErr := service.ExecuteCharge(ctx, reservationID)
		switch {
		case chargeErr == nil, errors.Is(chargeErr, ErrChargeAlreadyExecuted):
			result.ChargeSucceeded = true
			if refreshed, refreshErr := service.store.GetReservation(ctx, reservationID); refreshErr == nil {
				result.Reservation = refreshed
			}
		default:
			result.ChargeError = chargeErr.Error()
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationApprove,
		ReservationID: reservationID,
		PaymentID:     result.Reservation.PaymentID,
		ActorID:       approverID,
	})
	return result, nil
}

// Reject declines a pending reservation and releases its slot. No money has
// moved yet, so the payment is simply canceled and the stored authorization
// released best-effort after commit.
func (service *Service) Reject(ctx context.Context, reservationID string, approverID string, reason string) (Reservation, error) {
	var rejected Reservation
	var payment Payment
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		reservation, err := txStore.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		slot, err := txStore.GetSlot(ctx, reservation.SlotID)
		if err != nil {
			return err
		}
		if slot.MentorID != approverID {
			return ErrNotSlotOwner
		}
		if reservation.Status != ReservationStatusPendingApproval {
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, reservationID, reservation.Status)
		}
		change := ReservationChange{Notes: reason}
		if err := txStore.UpdateReservationStatus(ctx, reservationID, ReservationStatusPendingApproval, ReservationStatusRejected, change); err != nil {
			return err
		}
		if err := txStore.SetSlotAvailability(ctx, reservation.SlotID, true); err != nil {
			return err
		}
		payment, err = txStore.GetPaymentByReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if err := txStore.UpdatePaymentStatus(ctx, payment.ID, payment.Status, PaymentStatusCanceled); err != nil {
			return err
		}
		reservation.Status = ReservationStatusRejected
		rejected = reservation
		return nil
	})
	if operationError == nil && payment.Metadata.MethodRef != "" {
		if releaseErr := service.ReleaseAuthorization(ctx, payment.ID); releaseErr != nil {
			service.logOperation(ctx, OperationLog{
				Operation:     operationReleaseAuth,
				ReservationID: reservationID,
				PaymentID:     payment.ID,
				Status:        operationStatusRecovered,
				Error:         releaseErr,
			})
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationReject,
		ReservationID: reservationID,
		ActorID:       approverID,
		Error:         operationError,
	})
	return rejected, operationError
}

// Cancel runs the cancellation policy, transitions the reservation, releases
// the slot, and refunds an already-captured charge per the computed amount.
// The returned CancelResult carries the policy outcome even on refusal.
func (service *Service) Cancel(ctx context.Context, reservationID string, actor Actor, reason CancelReason, notes string) (CancelResult, error) {
	var result CancelResult
	var payment Payment
	var slotMentorID string
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		reservation, err := txStore.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		slot, err := txStore.GetSlot(ctx, reservation.SlotID)
		if err != nil {
			return err
		}
		slotMentorID = slot.MentorID
		if err := authorizeCancel(actor, reservation, slot); err != nil {
			return err
		}
		switch reservation.Status {
		case ReservationStatusPendingApproval, ReservationStatusApproved, ReservationStatusConfirmed:
		default:
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, reservationID, reservation.Status)
		}
		nowUnixUTC := service.nowFn()
		result.Policy = EvaluateCancellation(actor.Role, reason, reservation.BookedStartUnixUTC, reservation.TotalAmountCents, nowUnixUTC, service.policy)
		if !result.Policy.CanCancel {
			if result.Policy.Reason == PolicyReasonReasonNotAllowed {
				return fmt.Errorf("%w: %s for role %s", ErrReasonNotAllowed, reason, actor.Role)
			}
			return &CancellationRejectedError{Result: result.Policy}
		}
		change := ReservationChange{
			CanceledAtUnixUTC: nowUnixUTC,
			CanceledBy:        actor.ID,
			CancelReason:      reason.String(),
			Notes:             notes,
		}
		if err := txStore.UpdateReservationStatus(ctx, reservationID, reservation.Status, ReservationStatusCanceled, change); err != nil {
			return err
		}
		if err := txStore.SetSlotAvailability(ctx, reservation.SlotID, true); err != nil {
			return err
		}
		payment, err = txStore.GetPaymentByReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		switch {
		case payment.ChargeExecuted() || payment.Status == PaymentStatusFailed:
		case payment.Metadata.AttemptPending:
			// A charge attempt is in flight; its outcome decides. Record the
			// refund due so a successful capture settles when it commits.
			payment.Metadata.RefundOnExecuteCents = result.Policy.RefundAmountCents
			if err := txStore.UpdatePaymentMetadata(ctx, payment.ID, payment.Metadata); err != nil {
				return err
			}
		default:
			if err := txStore.UpdatePaymentStatus(ctx, payment.ID, payment.Status, PaymentStatusCanceled); err != nil {
				return err
			}
		}
		reservation.Status = ReservationStatusCanceled
		reservation.CanceledAtUnixUTC = nowUnixUTC
		reservation.CanceledBy = actor.ID
		reservation.CancelReason = reason.String()
		result.Reservation = reservation
		return nil
	})
	if operationError != nil {
		service.logOperation(ctx, OperationLog{
			Operation:     operationCancel,
			ReservationID: reservationID,
			ActorID:       actor.ID,
			Error:         operationError,
		})
		return result, operationError
	}

	if payment.ChargeExecuted() && payment.Status == PaymentStatusSucceeded && result.Policy.RefundAmountCents > 0 {
		outcome, refundErr := service.Refund(ctx, payment.ID, result.Policy.RefundAmountCents, reason.String(), actor.ID)
		if refundErr != nil {
			// The cancellation is committed; a refund failure is recorded for
			// manual remediation rather than rolled back.
			result.RefundError = refundErr.Error()
		} else {
			result.RefundIssued = true
			result.RefundedCents = outcome.RefundedCents
		}
	} else if !payment.ChargeExecuted() && !payment.Metadata.AttemptPending && payment.Metadata.MethodRef != "" {
		if releaseErr := service.ReleaseAuthorization(ctx, payment.ID); releaseErr != nil {
			service.logOperation(ctx, OperationLog{
				Operation:     operationReleaseAuth,
				ReservationID: reservationID,
				PaymentID:     payment.ID,
				Status:        operationStatusRecovered,
				Error:         releaseErr,
			})
		}
	}

	service.dispatchCancellationNotice(ctx, CancellationNotice{
		ReservationID:     reservationID,
		StudentID:         result.Reservation.StudentID,
		MentorID:          slotMentorID,
		CanceledBy:        actor.ID,
		CancelReason:      reason.String(),
		RefundAmountCents: result.RefundedCents,
		CanceledAtUnixUTC: result.Reservation.CanceledAtUnixUTC,
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationCancel,
		ReservationID: reservationID,
		PaymentID:     payment.ID,
		ActorID:       actor.ID,
		AmountCents:   result.RefundedCents,
	})
	return result, nil
}

// Complete marks a confirmed reservation as held once the lesson has ended.
func (service *Service) Complete(ctx context.Context, reservationID string, actorID string) (Reservation, error) {
	var completed Reservation
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		reservation, err := txStore.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if reservation.Status != ReservationStatusConfirmed {
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, reservationID, reservation.Status)
		}
		if reservation.BookedEndUnixUTC > service.nowFn() {
			return ErrLessonNotFinished
		}
		if err := txStore.UpdateReservationStatus(ctx, reservationID, ReservationStatusConfirmed, ReservationStatusCompleted, ReservationChange{}); err != nil {
			return err
		}
		reservation.Status = ReservationStatusCompleted
		completed = reservation
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationComplete,
		ReservationID: reservationID,
		ActorID:       actorID,
		Error:         operationError,
	})
	return completed, operationError
}

// Get returns a reservation with its payment.
func (service *Service) Get(ctx context.Context, reservationID string) (Reservation, Payment, error) {
	reservation, err := service.store.GetReservation(ctx, reservationID)
	if err != nil {
		return Reservation{}, Payment{}, err
	}
	payment, err := service.store.GetPaymentByReservation(ctx, reservationID)
	if err != nil {
		return Reservation{}, Payment{}, err
	}
	return reservation, payment, nil
}

func authorizeCancel(actor Actor, reservation Reservation, slot LessonSlot) error {
	switch actor.Role {
	case RoleStudent:
		if actor.ID != reservation.StudentID {
			return ErrActorNotPermitted
		}
	case RoleMentor:
		if actor.ID != slot.MentorID {
			return ErrActorNotPermitted
		}
	case RoleAdmin:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidActorRole, actor.Role)
	}
	return nil
}

func (service *Service) dispatchCancellationNotice(ctx context.Context, notice CancellationNotice) {
	if service.notifier == nil {
		return
	}
	go func() {
		if err := service.notifier.NotifyCancellation(context.WithoutCancel(ctx), notice); err != nil {
			service.logOperation(ctx, OperationLog{
				Operation:     operationNotify,
				ReservationID: notice.ReservationID,
				Status:        operationStatusRecovered,
				Error:         err,
			})
		}
	}()
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
