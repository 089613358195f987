package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Reservation mirrors the reservations table.
type Reservation struct {
	ReservationID    string     `gorm:"type:uuid;primaryKey"`
	StudentID        string     `gorm:"not null;index:idx_reservations_student"`
	SlotID           string     `gorm:"type:uuid;not null;index:idx_reservations_slot"`
	PaymentID        string     `gorm:"type:uuid;not null;index:uniq_reservations_payment,unique"`
	Status           string     `gorm:"not null;index:idx_reservations_status_start,priority:1"`
	BookedStartTime  time.Time  `gorm:"not null;index:idx_reservations_status_start,priority:2"`
	BookedEndTime    time.Time  `gorm:"not null"`
	TotalAmountCents int64      `gorm:"not null"`
	Notes            string     `gorm:""`
	ApprovedAt       *time.Time `gorm:""`
	ApprovedBy       *string    `gorm:""`
	CanceledAt       *time.Time `gorm:""`
	CanceledBy       *string    `gorm:""`
	CancelReason     *string    `gorm:""`
	CreatedAt        time.Time  `gorm:"not null"`
	UpdatedAt        time.Time  `gorm:"not null"`
}

func (Reservation) TableName() string { return "reservations" }

func (reservation *Reservation) BeforeCreate(tx *gorm.DB) error {
	if reservation.ReservationID == "" {
		reservation.ReservationID = uuid.NewString()
	}
	return nil
}

// Payment mirrors the payments table. ChargeExecutedAt is the write-once
// marker; it is only ever set through the conditional update in
// MarkChargeExecuted.
type Payment struct {
	PaymentID         string         `gorm:"type:uuid;primaryKey"`
	ReservationID     string         `gorm:"type:uuid;not null;index:uniq_payments_reservation,unique"`
	AmountCents       int64          `gorm:"not null"`
	Currency          string         `gorm:"size:3;not null"`
	Status            string         `gorm:"not null;index:idx_payments_status"`
	ExternalChargeRef *string        `gorm:""`
	Metadata          datatypes.JSON `gorm:"type:jsonb;not null"`
	ChargeExecutedAt  *time.Time     `gorm:""`
	RefundedAt        *time.Time     `gorm:""`
	RefundAmountCents *int64         `gorm:""`
	RefundReason      *string        `gorm:""`
	CreatedAt         time.Time      `gorm:"not null"`
	UpdatedAt         time.Time      `gorm:"not null"`
}

func (Payment) TableName() string { return "payments" }

func (payment *Payment) BeforeCreate(tx *gorm.DB) error {
	if payment.PaymentID == "" {
		payment.PaymentID = uuid.NewString()
	}
	return nil
}

// LessonSlot mirrors the lesson_slots table.
type LessonSlot struct {
	SlotID      string    `gorm:"type:uuid;primaryKey"`
	MentorID    string    `gorm:"not null;index:idx_lesson_slots_mentor"`
	StartTime   time.Time `gorm:"not null"`
	EndTime     time.Time `gorm:"not null"`
	IsAvailable bool      `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (LessonSlot) TableName() string { return "lesson_slots" }

func (slot *LessonSlot) BeforeCreate(tx *gorm.DB) error {
	if slot.SlotID == "" {
		slot.SlotID = uuid.NewString()
	}
	return nil
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Reservation{}, &Payment{}, &LessonSlot{})
}
