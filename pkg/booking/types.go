package booking

import (
	"fmt"
	"strings"
	"time"
)

// AmountCents is an integer currency amount in cents.
type AmountCents int64

// Int64 returns the raw cent value.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// NewAmountCents validates an amount and ensures it is strictly positive.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	return AmountCents(raw), nil
}

// ReservationStatus defines the reservation lifecycle.
type ReservationStatus string

const (
	ReservationStatusPendingApproval ReservationStatus = "pending_approval"
	ReservationStatusApproved        ReservationStatus = "approved"
	ReservationStatusConfirmed       ReservationStatus = "confirmed"
	ReservationStatusRejected        ReservationStatus = "rejected"
	ReservationStatusCanceled        ReservationStatus = "canceled"
	ReservationStatusCompleted       ReservationStatus = "completed"
)

// String returns the stored status value.
func (status ReservationStatus) String() string {
	return string(status)
}

// Terminal reports whether no further transition is legal from this status.
func (status ReservationStatus) Terminal() bool {
	switch status {
	case ReservationStatusRejected, ReservationStatusCanceled, ReservationStatusCompleted:
		return true
	}
	return false
}

// reservationTransitions is the valid transition graph keyed by current status.
var reservationTransitions = map[ReservationStatus][]ReservationStatus{
	ReservationStatusPendingApproval: {ReservationStatusApproved, ReservationStatusRejected, ReservationStatusCanceled},
	ReservationStatusApproved:        {ReservationStatusConfirmed, ReservationStatusCanceled},
	ReservationStatusConfirmed:       {ReservationStatusCompleted, ReservationStatusCanceled},
	ReservationStatusRejected:        {},
	ReservationStatusCanceled:        {},
	ReservationStatusCompleted:       {},
}

// CanTransitionTo reports whether the transition is legal.
func (status ReservationStatus) CanTransitionTo(target ReservationStatus) bool {
	for _, allowed := range reservationTransitions[status] {
		if allowed == target {
			return true
		}
	}
	return false
}

// ParseReservationStatus validates a stored status value.
func ParseReservationStatus(raw string) (ReservationStatus, error) {
	status := ReservationStatus(strings.TrimSpace(raw))
	if _, known := reservationTransitions[status]; !known {
		return "", fmt.Errorf("%w: %q", ErrInvalidReservationStatus, raw)
	}
	return status, nil
}

// PaymentStatus defines the payment lifecycle.
type PaymentStatus string

const (
	PaymentStatusPending        PaymentStatus = "pending"
	PaymentStatusSetupCompleted PaymentStatus = "setup_completed"
	PaymentStatusSucceeded      PaymentStatus = "succeeded"
	PaymentStatusFailed         PaymentStatus = "failed"
	PaymentStatusCanceled       PaymentStatus = "canceled"
)

// String returns the stored status value.
func (status PaymentStatus) String() string {
	return string(status)
}

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:        {PaymentStatusSetupCompleted, PaymentStatusCanceled},
	PaymentStatusSetupCompleted: {PaymentStatusSucceeded, PaymentStatusFailed, PaymentStatusCanceled},
	PaymentStatusSucceeded:      {},
	PaymentStatusFailed:         {},
	PaymentStatusCanceled:       {},
}

// CanTransitionTo reports whether the transition is legal.
func (status PaymentStatus) CanTransitionTo(target PaymentStatus) bool {
	for _, allowed := range paymentTransitions[status] {
		if allowed == target {
			return true
		}
	}
	return false
}

// ParsePaymentStatus validates a stored status value.
func ParsePaymentStatus(raw string) (PaymentStatus, error) {
	status := PaymentStatus(strings.TrimSpace(raw))
	if _, known := paymentTransitions[status]; !known {
		return "", fmt.Errorf("%w: %q", ErrInvalidPaymentStatus, raw)
	}
	return status, nil
}

// ActorRole identifies who is acting on a reservation.
type ActorRole string

const (
	RoleStudent ActorRole = "student"
	RoleMentor  ActorRole = "mentor"
	RoleAdmin   ActorRole = "admin"
)

// ParseActorRole validates a role value.
func ParseActorRole(raw string) (ActorRole, error) {
	role := ActorRole(strings.TrimSpace(raw))
	switch role {
	case RoleStudent, RoleMentor, RoleAdmin:
		return role, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidActorRole, raw)
}

// Actor is a request principal.
type Actor struct {
	ID   string
	Role ActorRole
}

// CancelReason enumerates accepted cancellation reasons.
type CancelReason string

const (
	CancelReasonScheduleConflict  CancelReason = "schedule_conflict"
	CancelReasonPersonal          CancelReason = "personal"
	CancelReasonMistakenBooking   CancelReason = "mistaken_booking"
	CancelReasonMentorUnavailable CancelReason = "mentor_unavailable"
	CancelReasonEmergency         CancelReason = "emergency"
	CancelReasonAdminAction       CancelReason = "admin_action"
	CancelReasonOther             CancelReason = "other"
)

// String returns the stored reason value.
func (reason CancelReason) String() string {
	return string(reason)
}

// Reservation is one booked lesson slot for one student.
type Reservation struct {
	ID                 string
	StudentID          string
	SlotID             string
	PaymentID          string
	Status             ReservationStatus
	BookedStartUnixUTC int64
	BookedEndUnixUTC   int64
	TotalAmountCents   AmountCents
	Notes              string
	ApprovedAtUnixUTC  int64
	ApprovedBy         string
	CanceledAtUnixUTC  int64
	CanceledBy         string
	CancelReason       string
	CreatedUnixUTC     int64
	UpdatedUnixUTC     int64
}

// PaymentMetadata is the audit blob stored alongside a payment.
// MethodRef and CustomerRef reference the gateway's stored authorization;
// AttemptPending marks an issued charge whose outcome is not yet committed,
// so a retry reuses the same idempotency key instead of minting a new charge.
// RefundOnExecuteCents is set by a cancellation that lands while an attempt
// is pending: the payment stays chargeable until the attempt's outcome is
// known, and a successful capture settles by refunding this amount.
type PaymentMetadata struct {
	MethodRef            string `json:"method_ref,omitempty"`
	CustomerRef          string `json:"customer_ref,omitempty"`
	ChargeAttempts       int    `json:"charge_attempts,omitempty"`
	AttemptPending       bool   `json:"attempt_pending,omitempty"`
	RefundOnExecuteCents int64  `json:"refund_on_execute_cents,omitempty"`
	LastError            string `json:"last_error,omitempty"`
	LastErrorAtUnixUTC   int64  `json:"last_error_at,omitempty"`
}

// Payment is the monetary counterpart of one reservation.
// ChargeExecutedAtUnixUTC is the write-once marker: zero means never charged,
// and a non-zero value is never cleared or reassigned.
type Payment struct {
	ID                      string
	ReservationID           string
	AmountCents             AmountCents
	Currency                string
	Status                  PaymentStatus
	ExternalChargeRef       string
	Metadata                PaymentMetadata
	ChargeExecutedAtUnixUTC int64
	RefundedAtUnixUTC       int64
	RefundAmountCents       int64
	RefundReason            string
	CreatedUnixUTC          int64
	UpdatedUnixUTC          int64
}

// ChargeExecuted reports whether the write-once marker is set.
func (payment Payment) ChargeExecuted() bool {
	return payment.ChargeExecutedAtUnixUTC != 0
}

// LessonSlot is a mentor-owned bookable time range.
type LessonSlot struct {
	ID           string
	MentorID     string
	StartUnixUTC int64
	EndUnixUTC   int64
	IsAvailable  bool
}

// ReservationChange carries the columns written together with a status
// transition. Zero values are left untouched.
type ReservationChange struct {
	ApprovedAtUnixUTC int64
	ApprovedBy        string
	CanceledAtUnixUTC int64
	CanceledBy        string
	CancelReason      string
	Notes             string
}

// CancellationPolicyResult is computed fresh on every cancellation attempt
// and never persisted.
type CancellationPolicyResult struct {
	CanCancel            bool
	CancellationFeeCents int64
	RefundAmountCents    int64
	Reason               string
	TimeUntilDeadline    time.Duration
}

// PolicyConfig is the time-banded cancellation fee schedule.
type PolicyConfig struct {
	FullRefundLead    time.Duration
	PartialRefundLead time.Duration
	PartialFeePercent int64
	CancelDeadline    time.Duration
}

// DefaultPolicyConfig returns the standing product policy.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		FullRefundLead:    48 * time.Hour,
		PartialRefundLead: 24 * time.Hour,
		PartialFeePercent: 50,
		CancelDeadline:    time.Hour,
	}
}

// Validate checks band ordering and fee bounds.
func (config PolicyConfig) Validate() error {
	if config.FullRefundLead <= 0 || config.PartialRefundLead <= 0 || config.CancelDeadline < 0 {
		return fmt.Errorf("%w: leads must be positive", ErrInvalidPolicyConfig)
	}
	if config.PartialRefundLead >= config.FullRefundLead {
		return fmt.Errorf("%w: partial band must end before the full-refund band", ErrInvalidPolicyConfig)
	}
	if config.CancelDeadline >= config.PartialRefundLead {
		return fmt.Errorf("%w: cancel deadline must sit inside the innermost band", ErrInvalidPolicyConfig)
	}
	if config.PartialFeePercent < 0 || config.PartialFeePercent > 100 {
		return fmt.Errorf("%w: partial fee percent out of range", ErrInvalidPolicyConfig)
	}
	return nil
}

// ChargeWindowConfig bounds the deferred-charge batch selection.
// CutoverUnixUTC guards against reprocessing bookings made under the previous
// immediate-charge policy; zero disables the guard.
type ChargeWindowConfig struct {
	Lead           time.Duration
	CutoverUnixUTC int64
}

// DefaultChargeWindowConfig returns the standing execution window.
func DefaultChargeWindowConfig() ChargeWindowConfig {
	return ChargeWindowConfig{Lead: 2 * time.Hour}
}

// Validate checks the window bounds.
func (config ChargeWindowConfig) Validate() error {
	if config.Lead <= 0 {
		return fmt.Errorf("%w: charge window lead must be positive", ErrInvalidServiceConfig)
	}
	if config.CutoverUnixUTC < 0 {
		return fmt.Errorf("%w: cutover must not be negative", ErrInvalidServiceConfig)
	}
	return nil
}

// ChargeCandidate pairs a reservation with its payment for batch charging.
type ChargeCandidate struct {
	Reservation Reservation
	Payment     Payment
}

// BookingRequest creates a reservation and its pending payment.
type BookingRequest struct {
	StudentID        string
	SlotID           string
	TotalAmountCents AmountCents
	Currency         string
	Notes            string
}

// ApprovalResult reports the approval outcome, including whether the
// synchronous charge attempt succeeded so the caller can plan follow-up.
type ApprovalResult struct {
	Reservation     Reservation
	ChargeAttempted bool
	ChargeSucceeded bool
	ChargeError     string
}

// CancelResult always carries the computed policy so the caller can display
// fee and refund amounts even when the cancellation was refused.
type CancelResult struct {
	Reservation   Reservation
	Policy        CancellationPolicyResult
	RefundIssued  bool
	RefundedCents int64
	RefundError   string
}

// RefundOutcome reports a processed refund.
type RefundOutcome struct {
	RefundRef     string
	RefundedCents int64
}

// RunSummary aggregates one batch run.
type RunSummary struct {
	Selected int
	Charged  int
	Skipped  int
	Failed   int
}

// CancellationNotice is dispatched fire-and-forget to affected parties.
type CancellationNotice struct {
	ReservationID     string `json:"reservation_id"`
	StudentID         string `json:"student_id"`
	MentorID          string `json:"mentor_id"`
	CanceledBy        string `json:"canceled_by"`
	CancelReason      string `json:"cancel_reason"`
	RefundAmountCents int64  `json:"refund_amount_cents"`
	CanceledAtUnixUTC int64  `json:"canceled_at"`
}
