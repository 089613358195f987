// Package oplog adapts the domain OperationLogger to zap.
package oplog

import (
	"context"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/lessonpay/pkg/booking"
)

// ZapLogger implements booking.OperationLogger on a zap logger.
type ZapLogger struct {
	logger *zap.Logger
}

// New wires a ZapLogger.
func New(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: logger}
}

// LogOperation records one domain operation.
func (zapLogger *ZapLogger) LogOperation(_ context.Context, entry booking.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.ReservationID != "" {
		fields = append(fields, zap.String("reservation_id", entry.ReservationID))
	}
	if entry.PaymentID != "" {
		fields = append(fields, zap.String("payment_id", entry.PaymentID))
	}
	if entry.ActorID != "" {
		fields = append(fields, zap.String("actor_id", entry.ActorID))
	}
	if entry.AmountCents != 0 {
		fields = append(fields, zap.Int64("amount_cents", entry.AmountCents))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		zapLogger.logger.Warn("booking operation", fields...)
		return
	}
	zapLogger.logger.Info("booking operation", fields...)
}
