package booking

import (
	"context"
	"errors"
	"testing"
	"time"
)

const testNowUnixUTC int64 = 1_700_000_000

func TestBookCreatesReservationAndPendingPayment(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedSlot(test, "slot-1", "mentor-1", testNowUnixUTC+int64(72*time.Hour/time.Second), true)
	service := mustNewService(test, store, newStubGateway())

	reservation, err := service.Book(context.Background(), BookingRequest{
		StudentID:        "student-1",
		SlotID:           "slot-1",
		TotalAmountCents: 5000,
		Currency:         "USD",
	})
	if err != nil {
		test.Fatalf("book: %v", err)
	}
	if reservation.Status != ReservationStatusPendingApproval {
		test.Fatalf("expected pending_approval, got %s", reservation.Status)
	}
	payment := store.mustPaymentByReservation(test, reservation.ID)
	if payment.Status != PaymentStatusPending {
		test.Fatalf("expected pending payment, got %s", payment.Status)
	}
	if payment.Currency != "usd" {
		test.Fatalf("expected normalized currency, got %q", payment.Currency)
	}
	if payment.AmountCents != reservation.TotalAmountCents {
		test.Fatalf("payment amount %d does not match reservation %d", payment.AmountCents, reservation.TotalAmountCents)
	}
	if store.mustSlot(test, "slot-1").IsAvailable {
		test.Fatalf("expected slot held after booking")
	}
}

func TestBookRejectsUnavailableSlot(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedSlot(test, "slot-1", "mentor-1", testNowUnixUTC+3600, false)
	service := mustNewService(test, store, newStubGateway())

	_, err := service.Book(context.Background(), BookingRequest{
		StudentID:        "student-1",
		SlotID:           "slot-1",
		TotalAmountCents: 5000,
		Currency:         "usd",
	})
	if !errors.Is(err, ErrSlotUnavailable) {
		test.Fatalf("expected ErrSlotUnavailable, got %v", err)
	}
}

func TestBookRejectsStartedSlot(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedSlot(test, "slot-1", "mentor-1", testNowUnixUTC-60, true)
	service := mustNewService(test, store, newStubGateway())

	_, err := service.Book(context.Background(), BookingRequest{
		StudentID:        "student-1",
		SlotID:           "slot-1",
		TotalAmountCents: 5000,
		Currency:         "usd",
	})
	if !errors.Is(err, ErrSlotStarted) {
		test.Fatalf("expected ErrSlotStarted, got %v", err)
	}
}

func TestBookValidatesRequest(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, newStubGateway())

	_, err := service.Book(context.Background(), BookingRequest{SlotID: "slot-1", TotalAmountCents: 100, Currency: "usd"})
	if !errors.Is(err, ErrInvalidBookingRequest) {
		test.Fatalf("expected ErrInvalidBookingRequest, got %v", err)
	}
	_, err = service.Book(context.Background(), BookingRequest{StudentID: "s", SlotID: "slot-1", TotalAmountCents: 0, Currency: "usd"})
	if !errors.Is(err, ErrInvalidAmountCents) {
		test.Fatalf("expected ErrInvalidAmountCents, got %v", err)
	}
	_, err = service.Book(context.Background(), BookingRequest{StudentID: "s", SlotID: "slot-1", TotalAmountCents: 100, Currency: "dollars"})
	if !errors.Is(err, ErrInvalidCurrency) {
		test.Fatalf("expected ErrInvalidCurrency, got %v", err)
	}
}

func TestApproveChargesAndConfirms(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	gateway := newStubGateway()
	service := mustNewService(test, store, gateway)
	reservationID := store.seedReservation(test, seedParams{
		slotID:        "slot-1",
		mentorID:      "mentor-1",
		startUnixUTC:  testNowUnixUTC + int64(72*time.Hour/time.Second),
		amountCents:   5000,
		status:        ReservationStatusPendingApproval,
		paymentStatus: PaymentStatusSetupCompleted,
		methodRef:     "pm_stored",
	})

	result, err := service.Approve(context.Background(), reservationID, "mentor-1")
	if err != nil {
		test.Fatalf("approve: %v", err)
	}
	if !result.ChargeAttempted || !result.ChargeSucceeded {
		test.Fatalf("expected a successful charge attempt, got %+v", result)
	}
	if result.Reservation.Status != ReservationStatusConfirmed {
		test.Fatalf("expected confirmed, got %s", result.Reservation.Status)
	}
	payment := store.mustPaymentByReservation(test, reservationID)
	if payment.Status != PaymentStatusSucceeded {
		test.Fatalf("expected succeeded payment, got %s", payment.Status)
	}
	if !payment.ChargeExecuted() {
		test.Fatalf("expected charge marker set")
	}
	if payment.ExternalChargeRef == "" {
		test.Fatalf("expected external charge reference recorded")
	}
	if got := len(gateway.confirmCalls); got != 1 {
		test.Fatalf("expected one gateway charge, got %d", got)
	}
}

func TestApproveTransientChargeFailureKeepsApproval(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	gateway := newStubGateway()
	gateway.confirmErr = NewUpstreamError("network", true, errors.New("gateway timeout"))
	service := mustNewService(test, store, gateway)
	reservationID := store.seedReservation(test, seedParams{
		slotID:        "slot-1",
		mentorID:      "mentor-1",
		startUnixUTC:  testNowUnixUTC + 7200,
		amountCents:   5000,
		status:        ReservationStatusPendingApproval,
		paymentStatus: PaymentStatusSetupCompleted,
		methodRef:     "pm_stored",
	})

	result, err := service.Approve(context.Background(), reservationID, "mentor-1")
	if err != nil {
		test.Fatalf("approve: %v", err)
	}
	if !result.ChargeAttempted || result.ChargeSucceeded {
		test.Fatalf("expected a failed charge attempt, got %+v", result)
	}
	if result.ChargeError == "" {
		test.Fatalf("expected charge error recorded")
	}
	if result.Reservation.Status != ReservationStatusApproved {
		test.Fatalf("approval must stand after a charge failure, got %s", result.Reservation.Status)
	}
	payment := store.mustPaymentByReservation(test, reservationID)
	if payment.Status != PaymentStatusSetupCompleted {
		test.Fatalf("transient failure must keep the payment chargeable, got %s", payment.Status)
	}
	if !payment.Metadata.AttemptPending {
		test.Fatalf("expected attempt left pending for retry")
	}
}

func TestApproveRequiresSlotOwner(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, newStubGateway())
	reservationID := store.seedReservation(test, seedParams{
		slotID:        "slot-1",
		mentorID:      "mentor-1",
		startUnixUTC:  testNowUnixUTC + 7200,
		amountCents:   5000,
		status:        ReservationStatusPendingApproval,
		paymentStatus: PaymentStatusPending,
	})

	_, err := service.Approve(context.Background(), reservationID, "mentor-2")
	if !errors.Is(err, ErrNotSlotOwner) {
		test.Fatalf("expected ErrNotSlotOwner, got %v", err)
	}
}

func TestApproveRejectsNonPendingReservation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, newStubGateway())
	reservationID := store.seedReservation(test, seedParams{
		slotID:        "slot-1",
		mentorID:      "mentor-1",
		startUnixUTC:  testNowUnixUTC + 7200,
		amountCents:   5000,
		status:        ReservationStatusApproved,
		paymentStatus: PaymentStatusSetupCompleted,
	})

	_, err := service.Approve(context.Background(), reservationID, "mentor-1")
	if !errors.Is(err, ErrInvalidTransition) {
		test.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestRejectReleasesSlotAndCancelsPayment(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	gateway := newStubGateway()
	service := mustNewService(test, store, gateway)
	reservationID := store.seedReservation(test, seedParams{
		slotID:        "slot-1",
		mentorID:      "mentor-1",
		startUnixUTC:  testNowUnixUTC + 7200,
		amountCents:   5000,
		status:        ReservationStatusPendingApproval,
		paymentStatus: PaymentStatusSetupCompleted,
		methodRef:     "pm_stored",
	})

	rejected, err := service.Reject(context.Background(), reservationID, "mentor-1", "schedule conflict")
	if err != nil {
		test.Fatalf("reject: %v", err)
	}
	if rejected.Status != ReservationStatusRejected {
		test.Fatalf("expected rejected, got %s", rejected.Status)
	}
	if !store.mustSlot(test, "slot-1").IsAvailable {
		test.Fatalf("expected slot released after rejection")
	}
	payment := store.mustPaymentByReservation(test, reservationID)
	if payment.Status != PaymentStatusCanceled {
		test.Fatalf("expected canceled payment, got %s", payment.Status)
	}
	if got := len(gateway.detached); got != 1 {
		test.Fatalf("expected stored authorization released, got %d detaches", got)
	}
}

func TestCancelChargedReservationRefundsPerPolicy(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	gateway := newStubGateway()
	gateway.record = ChargeRecord{AmountCents: 5000, RefundedAmountCents: 0}
	service := mustNewService(test, store, gateway)
	reservationID := store.seedReservation(test, seedParams{
		slotID:        "slot-1",
		mentorID:      "mentor-1",
		startUnixUTC:  testNowUnixUTC + int64(72*time.Hour/time.Second),
		amountCents:   5000,
		status:        ReservationStatusConfirmed,
		paymentStatus: PaymentStatusSucceeded,
		methodRef:     "pm_stored",
		charged:       true,
	})

	result, err := service.Cancel(context.Background(), reservationID, Actor{ID: "student-1", Role: RoleStudent}, CancelReasonPersonal, "")
	if err != nil {
		test.Fatalf("cancel: %v", err)
	}
	if result.Reservation.Status != ReservationStatusCanceled {
		test.Fatalf("expected canceled, got %s", result.Reservation.Status)
	}
	if !result.RefundIssued || result.RefundedCents != 5000 {
		test.Fatalf("expected full 5000 refund, got %+v", result)
	}
	if result.Policy.CancellationFeeCents != 0 {
		test.Fatalf("expected no fee outside the fee bands, got %d", result.Policy.CancellationFeeCents)
	}
	if !store.mustSlot(test, "slot-1").IsAvailable {
		test.Fatalf("expected slot released after cancellation")
	}
	payment := store.mustPaymentByReservation(test, reservationID)
	if payment.RefundAmountCents != 5000 {
		test.Fatalf("expected refund recorded, got %d", payment.RefundAmountCents)
	}
}

func TestCancelInsideDeadlineRefusedWithPolicy(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, newStubGateway())
	reservationID := store.seedReservation(test, seedParams{
		slotID:        "slot-1",
		mentorID:      "mentor-1",
		startUnixUTC:  testNowUnixUTC + 1800,
		amountCents:   5000,
		status:        ReservationStatusConfirmed,
		paymentStatus: PaymentStatusSucceeded,
		charged:       true,
	})

	_, err := service.Cancel(context.Background(), reservationID, Actor{ID: "student-1", Role: RoleStudent}, CancelReasonPersonal, "")
	var rejection *CancellationRejectedError
	if !errors.As(err, &rejection) {
		test.Fatalf("expected CancellationRejectedError, got %v", err)
	}
	if rejection.Result.Reason != PolicyReasonWindowClosed {
		test.Fatalf("expected window_closed, got %s", rejection.Result.Reason)
	}
	if rejection.Result.CancellationFeeCents != 5000 {
		test.Fatalf("expected full fee reported, got %d", rejection.Result.CancellationFeeCents)
	}
	reservation := store.mustReservation(test, reservationID)
	if reservation.Status != ReservationStatusConfirmed {
		test.Fatalf("refused cancellation must leave the reservation untouched, got %s", reservation.Status)
	}
}

func TestCancelUnchargedReleasesAuthorization(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	gateway := newStubGateway()
	service := mustNewService(test, store, gateway)
	reservationID := store.seedReservation(test, seedParams{
		slotID:        "slot-1",
		mentorID:      "mentor-1",
		startUnixUTC:  testNowUnixUTC + int64(72*time.Hour/time.Second),
		amountCents:   5000,
		status:        ReservationStatusApproved,
		paymentStatus: PaymentStatusSetupCompleted,
		methodRef:     "pm_stored",
	})

	result, err := service.Cancel(context.Background(), reservationID, Actor{ID: "student-1", Role: RoleStudent}, CancelReasonScheduleConflict, "")
	if err != nil {
		test.Fatalf("cancel: %v", err)
	}
	if result.RefundIssued {
		test.Fatalf("nothing was charged, nothing to refund")
	}
	payment := store.mustPaymentByReservation(test, reservationID)
	if payment.Status != PaymentStatusCanceled {
		test.Fatalf("expected canceled payment, got %s", payment.Status)
	}
	if got := len(gateway.detached); got != 1 {
		test.Fatalf("expected stored authorization released, got %d detaches", got)
	}
	if got := len(gateway.refundCalls); got != 0 {
		test.Fatalf("expected no refund calls, got %d", got)
	}
}

func TestCancelReasonNotAllowedForRole(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, newStubGateway())
	reservationID := store.seedReservation(test, seedParams{
		slotID:        "slot-1",
		mentorID:      "mentor-1",
		startUnixUTC:  testNowUnixUTC + 7200,
		amountCents:   5000,
		status:        ReservationStatusApproved,
		paymentStatus: PaymentStatusSetupCompleted,
	})

	_, err := service.Cancel(context.Background(), reservationID, Actor{ID: "mentor-1", Role: RoleMentor}, CancelReasonPersonal, "")
	if !errors.Is(err, ErrReasonNotAllowed) {
		test.Fatalf("expected ErrReasonNotAllowed, got %v", err)
	}
}

func TestCancelRefundFailureDoesNotRollBackCancellation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	gateway := newStubGateway()
	gateway.record = ChargeRecord{AmountCents: 5000}
	gateway.refundErr = NewUpstreamError("network", true, errors.New("gateway unreachable"))
	service := mustNewService(test, store, gateway)
	reservationID := store.seedReservation(test, seedParams{
		slotID:        "slot-1",
		mentorID:      "mentor-1",
		startUnixUTC:  testNowUnixUTC + int64(72*time.Hour/time.Second),
		amountCents:   5000,
		status:        ReservationStatusConfirmed,
		paymentStatus: PaymentStatusSucceeded,
		charged:       true,
	})

	result, err := service.Cancel(context.Background(), reservationID, Actor{ID: "student-1", Role: RoleStudent}, CancelReasonPersonal, "")
	if err != nil {
		test.Fatalf("cancel: %v", err)
	}
	if result.RefundIssued {
		test.Fatalf("refund must not be reported issued after a gateway failure")
	}
	if result.RefundError == "" {
		test.Fatalf("expected refund failure recorded for remediation")
	}
	if store.mustReservation(test, reservationID).Status != ReservationStatusCanceled {
		test.Fatalf("cancellation must stand after a refund failure")
	}
}

func TestCancelNotifiesAffectedParties(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	notifier := &stubNotifier{notices: make(chan CancellationNotice, 1)}
	service := mustNewService(test, store, newStubGateway(), WithNotifier(notifier))
	reservationID := store.seedReservation(test, seedParams{
		slotID:        "slot-1",
		mentorID:      "mentor-1",
		startUnixUTC:  testNowUnixUTC + int64(72*time.Hour/time.Second),
		amountCents:   5000,
		status:        ReservationStatusPendingApproval,
		paymentStatus: PaymentStatusPending,
	})

	if _, err := service.Cancel(context.Background(), reservationID, Actor{ID: "student-1", Role: RoleStudent}, CancelReasonPersonal, ""); err != nil {
		test.Fatalf("cancel: %v", err)
	}
	select {
	case notice := <-notifier.notices:
		if notice.ReservationID != reservationID || notice.MentorID != "mentor-1" {
			test.Fatalf("unexpected notice: %+v", notice)
		}
	case <-time.After(time.Second):
		test.Fatalf("expected cancellation notice dispatched")
	}
}

func TestCompleteRequiresLessonEnd(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, newStubGateway())
	reservationID := store.seedReservation(test, seedParams{
		slotID:        "slot-1",
		mentorID:      "mentor-1",
		startUnixUTC:  testNowUnixUTC + 3600,
		amountCents:   5000,
		status:        ReservationStatusConfirmed,
		paymentStatus: PaymentStatusSucceeded,
		charged:       true,
	})

	_, err := service.Complete(context.Background(), reservationID, "mentor-1")
	if !errors.Is(err, ErrLessonNotFinished) {
		test.Fatalf("expected ErrLessonNotFinished, got %v", err)
	}
}

func TestCompleteMarksFinishedLesson(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, newStubGateway())
	reservationID := store.seedReservation(test, seedParams{
		slotID:        "slot-1",
		mentorID:      "mentor-1",
		startUnixUTC:  testNowUnixUTC - 7200,
		amountCents:   5000,
		status:        ReservationStatusConfirmed,
		paymentStatus: PaymentStatusSucceeded,
		charged:       true,
	})

	completed, err := service.Complete(context.Background(), reservationID, "mentor-1")
	if err != nil {
		test.Fatalf("complete: %v", err)
	}
	if completed.Status != ReservationStatusCompleted {
		test.Fatalf("expected completed, got %s", completed.Status)
	}
}

func TestNewServiceRequiresDependencies(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	gateway := newStubGateway()
	now := func() int64 { return testNowUnixUTC }

	if _, err := NewService(nil, gateway, now); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config, got %v", err)
	}
	if _, err := NewService(store, nil, now); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config, got %v", err)
	}
	if _, err := NewService(store, gateway, nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config, got %v", err)
	}
	badPolicy := DefaultPolicyConfig()
	badPolicy.PartialRefundLead = badPolicy.FullRefundLead
	if _, err := NewService(store, gateway, now, WithPolicyConfig(badPolicy)); !errors.Is(err, ErrInvalidPolicyConfig) {
		test.Fatalf("expected invalid policy config, got %v", err)
	}
}

type stubStore struct {
	reservations map[string]Reservation
	payments     map[string]Payment
	slots        map[string]LessonSlot
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		reservations: make(map[string]Reservation),
		payments:     make(map[string]Payment),
		slots:        make(map[string]LessonSlot),
	}
}

type seedParams struct {
	slotID        string
	mentorID      string
	startUnixUTC  int64
	amountCents   AmountCents
	status        ReservationStatus
	paymentStatus PaymentStatus
	methodRef     string
	charged       bool
	attemptStale  bool
	createdAt     int64
}

func (store *stubStore) seedSlot(test *testing.T, slotID, mentorID string, startUnixUTC int64, available bool) {
	test.Helper()
	store.slots[slotID] = LessonSlot{
		ID:           slotID,
		MentorID:     mentorID,
		StartUnixUTC: startUnixUTC,
		EndUnixUTC:   startUnixUTC + 3600,
		IsAvailable:  available,
	}
}

func (store *stubStore) seedReservation(test *testing.T, params seedParams) string {
	test.Helper()
	reservationID := "res-" + params.slotID
	paymentID := "pay-" + params.slotID
	store.seedSlot(test, params.slotID, params.mentorID, params.startUnixUTC, false)
	createdAt := params.createdAt
	if createdAt == 0 {
		createdAt = testNowUnixUTC - 3600
	}
	store.reservations[reservationID] = Reservation{
		ID:                 reservationID,
		StudentID:          "student-1",
		SlotID:             params.slotID,
		PaymentID:          paymentID,
		Status:             params.status,
		BookedStartUnixUTC: params.startUnixUTC,
		BookedEndUnixUTC:   params.startUnixUTC + 3600,
		TotalAmountCents:   params.amountCents,
		CreatedUnixUTC:     createdAt,
		UpdatedUnixUTC:     createdAt,
	}
	payment := Payment{
		ID:            paymentID,
		ReservationID: reservationID,
		AmountCents:   params.amountCents,
		Currency:      "usd",
		Status:        params.paymentStatus,
		Metadata: PaymentMetadata{
			MethodRef:      params.methodRef,
			CustomerRef:    "cus_1",
			AttemptPending: params.attemptStale,
		},
		CreatedUnixUTC: createdAt,
		UpdatedUnixUTC: createdAt,
	}
	if params.attemptStale {
		payment.Metadata.ChargeAttempts = 1
	}
	if params.charged {
		payment.ChargeExecutedAtUnixUTC = createdAt + 60
		payment.ExternalChargeRef = "pi_" + paymentID
	}
	store.payments[paymentID] = payment
	return reservationID
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) CreateReservation(ctx context.Context, reservation Reservation) error {
	store.reservations[reservation.ID] = reservation
	return nil
}

func (store *stubStore) GetReservation(ctx context.Context, reservationID string) (Reservation, error) {
	reservation, ok := store.reservations[reservationID]
	if !ok {
		return Reservation{}, ErrUnknownReservation
	}
	return reservation, nil
}

func (store *stubStore) UpdateReservationStatus(ctx context.Context, reservationID string, from, to ReservationStatus, change ReservationChange) error {
	reservation, ok := store.reservations[reservationID]
	if !ok {
		return ErrUnknownReservation
	}
	if reservation.Status != from {
		return ErrInvalidTransition
	}
	reservation.Status = to
	if change.ApprovedAtUnixUTC != 0 {
		reservation.ApprovedAtUnixUTC = change.ApprovedAtUnixUTC
		reservation.ApprovedBy = change.ApprovedBy
	}
	if change.CanceledAtUnixUTC != 0 {
		reservation.CanceledAtUnixUTC = change.CanceledAtUnixUTC
		reservation.CanceledBy = change.CanceledBy
		reservation.CancelReason = change.CancelReason
	}
	if change.Notes != "" {
		reservation.Notes = change.Notes
	}
	store.reservations[reservationID] = reservation
	return nil
}

func (store *stubStore) ListChargeCandidates(ctx context.Context, windowStartUnixUTC, windowEndUnixUTC, cutoverUnixUTC int64) ([]ChargeCandidate, error) {
	// Coarse filter on reservation timing only; ChargeDue is the
	// authoritative check in the executor.
	var candidates []ChargeCandidate
	for _, reservation := range store.reservations {
		if reservation.Status != ReservationStatusApproved {
			continue
		}
		if reservation.BookedStartUnixUTC < windowStartUnixUTC || reservation.BookedStartUnixUTC > windowEndUnixUTC {
			continue
		}
		if cutoverUnixUTC != 0 && reservation.CreatedUnixUTC < cutoverUnixUTC {
			continue
		}
		payment, ok := store.payments[reservation.PaymentID]
		if !ok {
			return nil, ErrUnknownPayment
		}
		candidates = append(candidates, ChargeCandidate{Reservation: reservation, Payment: payment})
	}
	return candidates, nil
}

func (store *stubStore) ListUnresolvedCharges(ctx context.Context, limit int) ([]ChargeCandidate, error) {
	// Same filter as the production store: a pending attempt is only
	// re-drivable while the payment is still setup_completed.
	var candidates []ChargeCandidate
	for _, payment := range store.payments {
		if !payment.Metadata.AttemptPending || payment.ChargeExecuted() {
			continue
		}
		if payment.Status != PaymentStatusSetupCompleted {
			continue
		}
		reservation, ok := store.reservations[payment.ReservationID]
		if !ok {
			return nil, ErrUnknownReservation
		}
		candidates = append(candidates, ChargeCandidate{Reservation: reservation, Payment: payment})
		if len(candidates) == limit {
			break
		}
	}
	return candidates, nil
}

func (store *stubStore) CreatePayment(ctx context.Context, payment Payment) error {
	store.payments[payment.ID] = payment
	return nil
}

func (store *stubStore) GetPayment(ctx context.Context, paymentID string) (Payment, error) {
	payment, ok := store.payments[paymentID]
	if !ok {
		return Payment{}, ErrUnknownPayment
	}
	return payment, nil
}

func (store *stubStore) GetPaymentByReservation(ctx context.Context, reservationID string) (Payment, error) {
	for _, payment := range store.payments {
		if payment.ReservationID == reservationID {
			return payment, nil
		}
	}
	return Payment{}, ErrUnknownPayment
}

func (store *stubStore) UpdatePaymentStatus(ctx context.Context, paymentID string, from, to PaymentStatus) error {
	payment, ok := store.payments[paymentID]
	if !ok {
		return ErrUnknownPayment
	}
	if payment.Status != from {
		return ErrInvalidTransition
	}
	payment.Status = to
	store.payments[paymentID] = payment
	return nil
}

func (store *stubStore) UpdatePaymentMetadata(ctx context.Context, paymentID string, metadata PaymentMetadata) error {
	payment, ok := store.payments[paymentID]
	if !ok {
		return ErrUnknownPayment
	}
	payment.Metadata = metadata
	store.payments[paymentID] = payment
	return nil
}

func (store *stubStore) MarkChargeExecuted(ctx context.Context, paymentID string, chargeRef string, executedAtUnixUTC int64) error {
	payment, ok := store.payments[paymentID]
	if !ok {
		return ErrUnknownPayment
	}
	if payment.ChargeExecuted() {
		return ErrChargeAlreadyExecuted
	}
	payment.ChargeExecutedAtUnixUTC = executedAtUnixUTC
	payment.ExternalChargeRef = chargeRef
	payment.Status = PaymentStatusSucceeded
	store.payments[paymentID] = payment
	return nil
}

func (store *stubStore) RecordRefund(ctx context.Context, paymentID string, amountCents int64, reason string, refundedAtUnixUTC int64) error {
	payment, ok := store.payments[paymentID]
	if !ok {
		return ErrUnknownPayment
	}
	if payment.RefundedAtUnixUTC != 0 {
		return ErrRefundAlreadyRecorded
	}
	payment.RefundedAtUnixUTC = refundedAtUnixUTC
	payment.RefundAmountCents = amountCents
	payment.RefundReason = reason
	store.payments[paymentID] = payment
	return nil
}

func (store *stubStore) GetSlot(ctx context.Context, slotID string) (LessonSlot, error) {
	slot, ok := store.slots[slotID]
	if !ok {
		return LessonSlot{}, ErrUnknownSlot
	}
	return slot, nil
}

func (store *stubStore) SetSlotAvailability(ctx context.Context, slotID string, available bool) error {
	slot, ok := store.slots[slotID]
	if !ok {
		return ErrUnknownSlot
	}
	slot.IsAvailable = available
	store.slots[slotID] = slot
	return nil
}

func (store *stubStore) mustReservation(test *testing.T, reservationID string) Reservation {
	test.Helper()
	reservation, ok := store.reservations[reservationID]
	if !ok {
		test.Fatalf("reservation %s not found", reservationID)
	}
	return reservation
}

func (store *stubStore) mustPaymentByReservation(test *testing.T, reservationID string) Payment {
	test.Helper()
	for _, payment := range store.payments {
		if payment.ReservationID == reservationID {
			return payment
		}
	}
	test.Fatalf("payment for reservation %s not found", reservationID)
	return Payment{}
}

func (store *stubStore) mustSlot(test *testing.T, slotID string) LessonSlot {
	test.Helper()
	slot, ok := store.slots[slotID]
	if !ok {
		test.Fatalf("slot %s not found", slotID)
	}
	return slot
}

type stubGateway struct {
	authorizationRef string
	createAuthErr    error
	confirmErr       error
	confirmErrByRef  map[string]error
	confirmCalls     []ChargeRequest
	detached         []string
	refundErr        error
	refundCalls      []int64
	record           ChargeRecord
	retrieveErr      error
	retrieveCalls    int
}

func newStubGateway() *stubGateway {
	return &stubGateway{authorizationRef: "pm_stored"}
}

func (gateway *stubGateway) CreateStoredAuthorization(ctx context.Context, methodRef, customerRef string) (string, error) {
	if gateway.createAuthErr != nil {
		return "", gateway.createAuthErr
	}
	return gateway.authorizationRef, nil
}

func (gateway *stubGateway) ConfirmCharge(ctx context.Context, request ChargeRequest) (ChargeResult, error) {
	gateway.confirmCalls = append(gateway.confirmCalls, request)
	if err, found := gateway.confirmErrByRef[request.AuthorizationRef]; found {
		return ChargeResult{}, err
	}
	if gateway.confirmErr != nil {
		return ChargeResult{}, gateway.confirmErr
	}
	return ChargeResult{ChargeRef: "pi_" + request.IdempotencyKey, Status: "succeeded"}, nil
}

func (gateway *stubGateway) CancelAuthorization(ctx context.Context, authorizationRef, customerRef string) error {
	gateway.detached = append(gateway.detached, authorizationRef)
	return nil
}

func (gateway *stubGateway) CreateRefund(ctx context.Context, chargeRef string, amountCents int64, reason string) (RefundResult, error) {
	if gateway.refundErr != nil {
		return RefundResult{}, gateway.refundErr
	}
	gateway.refundCalls = append(gateway.refundCalls, amountCents)
	return RefundResult{RefundRef: "re_1", Status: "succeeded"}, nil
}

func (gateway *stubGateway) RetrieveCharge(ctx context.Context, chargeRef string) (ChargeRecord, error) {
	gateway.retrieveCalls++
	if gateway.retrieveErr != nil {
		return ChargeRecord{}, gateway.retrieveErr
	}
	return gateway.record, nil
}

type stubNotifier struct {
	notices chan CancellationNotice
}

func (notifier *stubNotifier) NotifyCancellation(ctx context.Context, notice CancellationNotice) error {
	notifier.notices <- notice
	return nil
}

func mustNewService(test *testing.T, store Store, gateway Gateway, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, gateway, func() int64 { return testNowUnixUTC }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}
