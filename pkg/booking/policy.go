package booking

import "time"

// Policy result reason codes.
const (
	PolicyReasonFullRefund       = "full_refund"
	PolicyReasonPartialFee       = "partial_fee"
	PolicyReasonFullFee          = "full_fee"
	PolicyReasonWindowClosed     = "window_closed"
	PolicyReasonLessonStarted    = "lesson_started"
	PolicyReasonReasonNotAllowed = "reason_not_allowed"
	PolicyReasonActorCoversAll   = "initiator_bears_no_fee"
)

var permittedCancelReasons = map[ActorRole][]CancelReason{
	RoleStudent: {CancelReasonScheduleConflict, CancelReasonPersonal, CancelReasonMistakenBooking, CancelReasonOther},
	RoleMentor:  {CancelReasonMentorUnavailable, CancelReasonEmergency, CancelReasonOther},
	RoleAdmin: {
		CancelReasonScheduleConflict, CancelReasonPersonal, CancelReasonMistakenBooking,
		CancelReasonMentorUnavailable, CancelReasonEmergency, CancelReasonAdminAction, CancelReasonOther,
	},
}

// ReasonAllowed reports whether a cancel reason is permitted for a role.
func ReasonAllowed(role ActorRole, reason CancelReason) bool {
	for _, allowed := range permittedCancelReasons[role] {
		if allowed == reason {
			return true
		}
	}
	return false
}

// EvaluateCancellation computes fee and refund eligibility from role, timing,
// and reason. It is deterministic and free of side effects; callers recompute
// it on every attempt because the current time moves between calls.
//
// Mentor- and admin-initiated cancellations are fee-free and fully refundable
// regardless of timing: the student does not bear cost for a cancellation
// they did not cause. Student-initiated cancellations follow the time-banded
// schedule in config, and inside the final CancelDeadline window the
// cancellation itself is refused while the computed fee is still reported.
func EvaluateCancellation(role ActorRole, reason CancelReason, lessonStartUnixUTC int64, totalAmountCents AmountCents, nowUnixUTC int64, config PolicyConfig) CancellationPolicyResult {
	lead := time.Duration(lessonStartUnixUTC-nowUnixUTC) * time.Second
	untilDeadline := lead - config.CancelDeadline
	total := totalAmountCents.Int64()

	if !ReasonAllowed(role, reason) {
		return CancellationPolicyResult{
			CanCancel:         false,
			RefundAmountCents: 0,
			Reason:            PolicyReasonReasonNotAllowed,
			TimeUntilDeadline: untilDeadline,
		}
	}

	if role == RoleMentor || role == RoleAdmin {
		return CancellationPolicyResult{
			CanCancel:         true,
			RefundAmountCents: total,
			Reason:            PolicyReasonActorCoversAll,
			TimeUntilDeadline: untilDeadline,
		}
	}

	switch {
	case lead <= 0:
		return CancellationPolicyResult{
			CanCancel:            false,
			CancellationFeeCents: total,
			Reason:               PolicyReasonLessonStarted,
			TimeUntilDeadline:    untilDeadline,
		}
	case lead < config.CancelDeadline:
		return CancellationPolicyResult{
			CanCancel:            false,
			CancellationFeeCents: total,
			Reason:               PolicyReasonWindowClosed,
			TimeUntilDeadline:    untilDeadline,
		}
	case lead >= config.FullRefundLead:
		return CancellationPolicyResult{
			CanCancel:         true,
			RefundAmountCents: total,
			Reason:            PolicyReasonFullRefund,
			TimeUntilDeadline: untilDeadline,
		}
	case lead >= config.PartialRefundLead:
		fee := total * config.PartialFeePercent / 100
		return CancellationPolicyResult{
			CanCancel:            true,
			CancellationFeeCents: fee,
			RefundAmountCents:    total - fee,
			Reason:               PolicyReasonPartialFee,
			TimeUntilDeadline:    untilDeadline,
		}
	default:
		return CancellationPolicyResult{
			CanCancel:            true,
			CancellationFeeCents: total,
			RefundAmountCents:    0,
			Reason:               PolicyReasonFullFee,
			TimeUntilDeadline:    untilDeadline,
		}
	}
}

// ChargeDue is the authoritative per-item eligibility check used by the
// scheduled executor; the store query is only a coarse filter ahead of it.
func ChargeDue(reservation Reservation, payment Payment, nowUnixUTC int64, window ChargeWindowConfig) bool {
	if reservation.Status != ReservationStatusApproved {
		return false
	}
	if payment.Status != PaymentStatusSetupCompleted || payment.ChargeExecuted() {
		return false
	}
	if window.CutoverUnixUTC != 0 && reservation.CreatedUnixUTC < window.CutoverUnixUTC {
		return false
	}
	windowEnd := nowUnixUTC + int64(window.Lead/time.Second)
	return reservation.BookedStartUnixUTC >= nowUnixUTC && reservation.BookedStartUnixUTC <= windowEnd
}
