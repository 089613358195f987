package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/lessonpay/pkg/booking"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectRes       = "reservation"
	errorSubjectPayment   = "payment"
	errorSubjectSlot      = "slot"
	errorCodeCreate       = "create"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeMarkCharge   = "mark_charge"
	errorCodeRecordRefund = "record_refund"
	errorCodeUpdateMeta   = "update_metadata"
	errorCodeUpdateSlot   = "update_availability"
	errorCodeUpdateStatus = "update_status"
)

// Store implements booking.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore booking.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// rowLock adds SELECT ... FOR UPDATE on backends that support it. SQLite has
// no row locks; its single-writer model covers the same reads.
func (store *Store) rowLock(db *gorm.DB) *gorm.DB {
	if store.db.Dialector.Name() == "postgres" {
		return db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return db
}

func (store *Store) CreateReservation(ctx context.Context, reservation booking.Reservation) error {
	model := reservationModel(reservation)
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectRes, errorCodeDuplicate, booking.ErrSlotUnavailable)
	}
	if err != nil {
		return wrapStoreError(errorSubjectRes, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetReservation(ctx context.Context, reservationID string) (booking.Reservation, error) {
	var model Reservation
	err := store.rowLock(store.db.WithContext(ctx)).
		Where("reservation_id = ?", reservationID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.Reservation{}, wrapStoreError(errorSubjectRes, errorCodeGet, booking.ErrUnknownReservation)
		}
		return booking.Reservation{}, wrapStoreError(errorSubjectRes, errorCodeGet, err)
	}
	return mapReservation(model)
}

func (store *Store) UpdateReservationStatus(ctx context.Context, reservationID string, from, to booking.ReservationStatus, change booking.ReservationChange) error {
	updates := map[string]interface{}{
		"status":     to.String(),
		"updated_at": time.Now().UTC(),
	}
	if change.ApprovedAtUnixUTC != 0 {
		updates["approved_at"] = time.Unix(change.ApprovedAtUnixUTC, 0).UTC()
	}
	if change.ApprovedBy != "" {
		updates["approved_by"] = change.ApprovedBy
	}
	if change.CanceledAtUnixUTC != 0 {
		updates["canceled_at"] = time.Unix(change.CanceledAtUnixUTC, 0).UTC()
	}
	if change.CanceledBy != "" {
		updates["canceled_by"] = change.CanceledBy
	}
	if change.CancelReason != "" {
		updates["cancel_reason"] = change.CancelReason
	}
	if change.Notes != "" {
		updates["notes"] = change.Notes
	}
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("reservation_id = ? AND status = ?", reservationID, from.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectRes, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectRes, errorCodeUpdateStatus, booking.ErrInvalidTransition)
	}
	return nil
}

func (store *Store) ListChargeCandidates(ctx context.Context, windowStartUnixUTC, windowEndUnixUTC, cutoverUnixUTC int64) ([]booking.ChargeCandidate, error) {
	windowStart := time.Unix(windowStartUnixUTC, 0).UTC()
	windowEnd := time.Unix(windowEndUnixUTC, 0).UTC()
	query := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Select("reservations.*").
		Joins("JOIN payments ON payments.reservation_id = reservations.reservation_id").
		Where("reservations.status = ?", booking.ReservationStatusApproved.String()).
		Where("reservations.booked_start_time >= ? AND reservations.booked_start_time <= ?", windowStart, windowEnd).
		Where("payments.status = ?", booking.PaymentStatusSetupCompleted.String()).
		Where("payments.charge_executed_at IS NULL")
	if cutoverUnixUTC != 0 {
		query = query.Where("reservations.created_at >= ?", time.Unix(cutoverUnixUTC, 0).UTC())
	}
	var rows []Reservation
	if err := query.Order("reservations.booked_start_time ASC").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectRes, errorCodeList, err)
	}
	return store.pairWithPayments(ctx, rows)
}

func (store *Store) ListUnresolvedCharges(ctx context.Context, limit int) ([]booking.ChargeCandidate, error) {
	var rows []Reservation
	err := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Select("reservations.*").
		Joins("JOIN payments ON payments.reservation_id = reservations.reservation_id").
		Where("payments.status = ?", booking.PaymentStatusSetupCompleted.String()).
		Where("payments.charge_executed_at IS NULL").
		Where(datatypes.JSONQuery("payments.metadata").Equals(true, "attempt_pending")).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPayment, errorCodeList, err)
	}
	return store.pairWithPayments(ctx, rows)
}

func (store *Store) pairWithPayments(ctx context.Context, rows []Reservation) ([]booking.ChargeCandidate, error) {
	candidates := make([]booking.ChargeCandidate, 0, len(rows))
	for _, row := range rows {
		reservation, err := mapReservation(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectRes, errorCodeInvalid, err)
		}
		payment, err := store.GetPaymentByReservation(ctx, row.ReservationID)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, booking.ChargeCandidate{Reservation: reservation, Payment: payment})
	}
	return candidates, nil
}

func (store *Store) CreatePayment(ctx context.Context, payment booking.Payment) error {
	model, err := paymentModel(payment)
	if err != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
	}
	err = store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectPayment, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetPayment(ctx context.Context, paymentID string) (booking.Payment, error) {
	var model Payment
	err := store.rowLock(store.db.WithContext(ctx)).
		Where("payment_id = ?", paymentID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeGet, booking.ErrUnknownPayment)
		}
		return booking.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeGet, err)
	}
	return mapPayment(model)
}

func (store *Store) GetPaymentByReservation(ctx context.Context, reservationID string) (booking.Payment, error) {
	var model Payment
	err := store.rowLock(store.db.WithContext(ctx)).
		Where("reservation_id = ?", reservationID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeGet, booking.ErrUnknownPayment)
		}
		return booking.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeGet, err)
	}
	return mapPayment(model)
}

func (store *Store) UpdatePaymentStatus(ctx context.Context, paymentID string, from, to booking.PaymentStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Payment{}).
		Where("payment_id = ? AND status = ?", paymentID, from.String()).
		Updates(map[string]interface{}{
			"status":     to.String(),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPayment, errorCodeUpdateStatus, booking.ErrInvalidTransition)
	}
	return nil
}

func (store *Store) UpdatePaymentMetadata(ctx context.Context, paymentID string, metadata booking.PaymentMetadata) error {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
	}
	result := store.db.WithContext(ctx).
		Model(&Payment{}).
		Where("payment_id = ?", paymentID).
		Updates(map[string]interface{}{
			"metadata":   datatypes.JSON(raw),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeUpdateMeta, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPayment, errorCodeUpdateMeta, booking.ErrUnknownPayment)
	}
	return nil
}

// MarkChargeExecuted sets the write-once charge marker and the succeeded
// status in one update. The WHERE clause on the null marker makes the write
// conditional: of two racing writers only one row update succeeds, and the
// loser sees ErrChargeAlreadyExecuted. The status is not part of the guard,
// so a capture still lands on a payment whose status moved on while the
// charge was in flight.
func (store *Store) MarkChargeExecuted(ctx context.Context, paymentID string, chargeRef string, executedAtUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&Payment{}).
		Where("payment_id = ? AND charge_executed_at IS NULL", paymentID).
		Updates(map[string]interface{}{
			"charge_executed_at":  time.Unix(executedAtUnixUTC, 0).UTC(),
			"external_charge_ref": chargeRef,
			"status":              booking.PaymentStatusSucceeded.String(),
			"updated_at":          time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeMarkCharge, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPayment, errorCodeMarkCharge, booking.ErrChargeAlreadyExecuted)
	}
	return nil
}

// RecordRefund writes the one-shot refund columns, conditional on the refund
// marker still being unset.
func (store *Store) RecordRefund(ctx context.Context, paymentID string, amountCents int64, reason string, refundedAtUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&Payment{}).
		Where("payment_id = ? AND refunded_at IS NULL", paymentID).
		Updates(map[string]interface{}{
			"refunded_at":         time.Unix(refundedAtUnixUTC, 0).UTC(),
			"refund_amount_cents": amountCents,
			"refund_reason":       reason,
			"updated_at":          time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeRecordRefund, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPayment, errorCodeRecordRefund, booking.ErrRefundAlreadyRecorded)
	}
	return nil
}

func (store *Store) GetSlot(ctx context.Context, slotID string) (booking.LessonSlot, error) {
	var model LessonSlot
	err := store.rowLock(store.db.WithContext(ctx)).
		Where("slot_id = ?", slotID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.LessonSlot{}, wrapStoreError(errorSubjectSlot, errorCodeGet, booking.ErrUnknownSlot)
		}
		return booking.LessonSlot{}, wrapStoreError(errorSubjectSlot, errorCodeGet, err)
	}
	return booking.LessonSlot{
		ID:           model.SlotID,
		MentorID:     model.MentorID,
		StartUnixUTC: model.StartTime.Unix(),
		EndUnixUTC:   model.EndTime.Unix(),
		IsAvailable:  model.IsAvailable,
	}, nil
}

func (store *Store) SetSlotAvailability(ctx context.Context, slotID string, available bool) error {
	result := store.db.WithContext(ctx).
		Model(&LessonSlot{}).
		Where("slot_id = ?", slotID).
		Updates(map[string]interface{}{
			"is_available": available,
			"updated_at":   time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectSlot, errorCodeUpdateSlot, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectSlot, errorCodeUpdateSlot, booking.ErrUnknownSlot)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return booking.WrapError(errorOperationStore, subject, code, err)
}

func reservationModel(reservation booking.Reservation) Reservation {
	return Reservation{
		ReservationID:    reservation.ID,
		StudentID:        reservation.StudentID,
		SlotID:           reservation.SlotID,
		PaymentID:        reservation.PaymentID,
		Status:           reservation.Status.String(),
		BookedStartTime:  time.Unix(reservation.BookedStartUnixUTC, 0).UTC(),
		BookedEndTime:    time.Unix(reservation.BookedEndUnixUTC, 0).UTC(),
		TotalAmountCents: reservation.TotalAmountCents.Int64(),
		Notes:            reservation.Notes,
		ApprovedAt:       timeOrNil(reservation.ApprovedAtUnixUTC),
		ApprovedBy:       stringOrNil(reservation.ApprovedBy),
		CanceledAt:       timeOrNil(reservation.CanceledAtUnixUTC),
		CanceledBy:       stringOrNil(reservation.CanceledBy),
		CancelReason:     stringOrNil(reservation.CancelReason),
		CreatedAt:        time.Unix(reservation.CreatedUnixUTC, 0).UTC(),
		UpdatedAt:        time.Unix(reservation.UpdatedUnixUTC, 0).UTC(),
	}
}

func mapReservation(model Reservation) (booking.Reservation, error) {
	status, err := booking.ParseReservationStatus(model.Status)
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectRes, errorCodeInvalid, err)
	}
	amount, err := booking.NewAmountCents(model.TotalAmountCents)
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectRes, errorCodeInvalid, err)
	}
	return booking.Reservation{
		ID:                 model.ReservationID,
		StudentID:          model.StudentID,
		SlotID:             model.SlotID,
		PaymentID:          model.PaymentID,
		Status:             status,
		BookedStartUnixUTC: model.BookedStartTime.Unix(),
		BookedEndUnixUTC:   model.BookedEndTime.Unix(),
		TotalAmountCents:   amount,
		Notes:              model.Notes,
		ApprovedAtUnixUTC:  unixOrZero(model.ApprovedAt),
		ApprovedBy:         stringOrEmpty(model.ApprovedBy),
		CanceledAtUnixUTC:  unixOrZero(model.CanceledAt),
		CanceledBy:         stringOrEmpty(model.CanceledBy),
		CancelReason:       stringOrEmpty(model.CancelReason),
		CreatedUnixUTC:     model.CreatedAt.Unix(),
		UpdatedUnixUTC:     model.UpdatedAt.Unix(),
	}, nil
}

func paymentModel(payment booking.Payment) (Payment, error) {
	raw, err := json.Marshal(payment.Metadata)
	if err != nil {
		return Payment{}, err
	}
	if len(raw) == 0 {
		raw = []byte(defaultMetadataJSON)
	}
	return Payment{
		PaymentID:         payment.ID,
		ReservationID:     payment.ReservationID,
		AmountCents:       payment.AmountCents.Int64(),
		Currency:          payment.Currency,
		Status:            payment.Status.String(),
		ExternalChargeRef: stringOrNil(payment.ExternalChargeRef),
		Metadata:          datatypes.JSON(raw),
		ChargeExecutedAt:  timeOrNil(payment.ChargeExecutedAtUnixUTC),
		RefundedAt:        timeOrNil(payment.RefundedAtUnixUTC),
		RefundAmountCents: int64OrNil(payment.RefundAmountCents),
		RefundReason:      stringOrNil(payment.RefundReason),
		CreatedAt:         time.Unix(payment.CreatedUnixUTC, 0).UTC(),
		UpdatedAt:         time.Unix(payment.UpdatedUnixUTC, 0).UTC(),
	}, nil
}

func mapPayment(model Payment) (booking.Payment, error) {
	status, err := booking.ParsePaymentStatus(model.Status)
	if err != nil {
		return booking.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
	}
	amount, err := booking.NewAmountCents(model.AmountCents)
	if err != nil {
		return booking.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
	}
	var metadata booking.PaymentMetadata
	if len(model.Metadata) > 0 {
		if err := json.Unmarshal(model.Metadata, &metadata); err != nil {
			return booking.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
		}
	}
	var refundAmount int64
	if model.RefundAmountCents != nil {
		refundAmount = *model.RefundAmountCents
	}
	return booking.Payment{
		ID:                      model.PaymentID,
		ReservationID:           model.ReservationID,
		AmountCents:             amount,
		Currency:                model.Currency,
		Status:                  status,
		ExternalChargeRef:       stringOrEmpty(model.ExternalChargeRef),
		Metadata:                metadata,
		ChargeExecutedAtUnixUTC: unixOrZero(model.ChargeExecutedAt),
		RefundedAtUnixUTC:       unixOrZero(model.RefundedAt),
		RefundAmountCents:       refundAmount,
		RefundReason:            stringOrEmpty(model.RefundReason),
		CreatedUnixUTC:          model.CreatedAt.Unix(),
		UpdatedUnixUTC:          model.UpdatedAt.Unix(),
	}, nil
}

func timeOrNil(unixUTC int64) *time.Time {
	if unixUTC == 0 {
		return nil
	}
	value := time.Unix(unixUTC, 0).UTC()
	return &value
}

func unixOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func stringOrNil(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func int64OrNil(value int64) *int64 {
	if value == 0 {
		return nil
	}
	return &value
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
