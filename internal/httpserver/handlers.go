package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/lessonpay/pkg/booking"
)

type httpHandler struct {
	logger  *zap.Logger
	service BookingService
	cfg     Config
}

type bookRequest struct {
	StudentID        string `json:"student_id" binding:"required"`
	SlotID           string `json:"slot_id" binding:"required"`
	TotalAmountCents int64  `json:"total_amount_cents" binding:"required"`
	Currency         string `json:"currency" binding:"required"`
	Notes            string `json:"notes"`
}

type approveRequest struct {
	ApproverID string `json:"approver_id" binding:"required"`
}

type rejectRequest struct {
	ApproverID string `json:"approver_id" binding:"required"`
	Reason     string `json:"reason"`
}

type cancelRequest struct {
	ActorID   string `json:"actor_id" binding:"required"`
	ActorRole string `json:"actor_role" binding:"required"`
	Reason    string `json:"reason" binding:"required"`
	Notes     string `json:"notes"`
}

type completeRequest struct {
	ActorID string `json:"actor_id" binding:"required"`
}

type registerMethodRequest struct {
	MethodRef   string `json:"method_ref" binding:"required"`
	CustomerRef string `json:"customer_ref" binding:"required"`
}

type refundRequest struct {
	AmountCents int64  `json:"amount_cents" binding:"required"`
	Reason      string `json:"reason" binding:"required"`
	ActorID     string `json:"actor_id" binding:"required"`
}

func (handler *httpHandler) handleBook(ctx *gin.Context) {
	var request bookRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("bad_request", err.Error()))
		return
	}
	amount, err := booking.NewAmountCents(request.TotalAmountCents)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	reservation, err := handler.service.Book(requestCtx, booking.BookingRequest{
		StudentID:        request.StudentID,
		SlotID:           request.SlotID,
		TotalAmountCents: amount,
		Currency:         request.Currency,
		Notes:            request.Notes,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, reservationBody(reservation))
}

func (handler *httpHandler) handleGet(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	reservation, payment, err := handler.service.Get(requestCtx, ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"reservation": reservationBody(reservation),
		"payment":     paymentBody(payment),
	})
}

func (handler *httpHandler) handleApprove(ctx *gin.Context) {
	var request approveRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("bad_request", err.Error()))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.Approve(requestCtx, ctx.Param("id"), request.ApproverID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	// The caller needs to know whether the automatic charge went through so
	// it can plan manual payment follow-up.
	ctx.JSON(http.StatusOK, gin.H{
		"reservation":      reservationBody(result.Reservation),
		"charge_attempted": result.ChargeAttempted,
		"charge_succeeded": result.ChargeSucceeded,
		"charge_error":     result.ChargeError,
	})
}

func (handler *httpHandler) handleReject(ctx *gin.Context) {
	var request rejectRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("bad_request", err.Error()))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	reservation, err := handler.service.Reject(requestCtx, ctx.Param("id"), request.ApproverID, request.Reason)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, reservationBody(reservation))
}

func (handler *httpHandler) handleCancel(ctx *gin.Context) {
	var request cancelRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("bad_request", err.Error()))
		return
	}
	role, err := booking.ParseActorRole(request.ActorRole)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.Cancel(requestCtx, ctx.Param("id"), booking.Actor{ID: request.ActorID, Role: role}, booking.CancelReason(request.Reason), request.Notes)
	if err != nil {
		var rejection *booking.CancellationRejectedError
		if errors.As(err, &rejection) {
			// The fee and deadline are part of the refusal so the caller can
			// display them.
			ctx.JSON(http.StatusBadRequest, gin.H{
				"error":  gin.H{"code": "cancellation_window_closed", "message": err.Error()},
				"policy": policyBody(rejection.Result),
			})
			return
		}
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"reservation":    reservationBody(result.Reservation),
		"policy":         policyBody(result.Policy),
		"refund_issued":  result.RefundIssued,
		"refunded_cents": result.RefundedCents,
		"refund_error":   result.RefundError,
	})
}

func (handler *httpHandler) handleComplete(ctx *gin.Context) {
	var request completeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("bad_request", err.Error()))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	reservation, err := handler.service.Complete(requestCtx, ctx.Param("id"), request.ActorID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, reservationBody(reservation))
}

func (handler *httpHandler) handleRegisterMethod(ctx *gin.Context) {
	var request registerMethodRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("bad_request", err.Error()))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	payment, err := handler.service.RegisterPaymentMethod(requestCtx, ctx.Param("id"), request.MethodRef, request.CustomerRef)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, paymentBody(payment))
}

func (handler *httpHandler) handleRefund(ctx *gin.Context) {
	var request refundRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("bad_request", err.Error()))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	outcome, err := handler.service.Refund(requestCtx, ctx.Param("id"), request.AmountCents, request.Reason, request.ActorID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"refund_ref":     outcome.RefundRef,
		"refunded_cents": outcome.RefundedCents,
	})
}

func (handler *httpHandler) handleChargeRun(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	summary, err := handler.service.RunScheduledCharges(requestCtx)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, summaryBody(summary))
}

func (handler *httpHandler) handleReconcileRun(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	summary, err := handler.service.ReconcileUnresolvedCharges(requestCtx)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, summaryBody(summary))
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	class := booking.Classify(err)
	status := statusForClass(class)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
	}
	ctx.JSON(status, errorResponse(string(class), err.Error()))
}

func statusForClass(class booking.ErrorClass) int {
	switch class {
	case booking.ClassValidation:
		return http.StatusBadRequest
	case booking.ClassAuthorization:
		return http.StatusForbidden
	case booking.ClassNotFound:
		return http.StatusNotFound
	case booking.ClassStateConflict:
		return http.StatusConflict
	case booking.ClassUpstreamPayment:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func reservationBody(reservation booking.Reservation) gin.H {
	return gin.H{
		"id":                 reservation.ID,
		"student_id":         reservation.StudentID,
		"slot_id":            reservation.SlotID,
		"payment_id":         reservation.PaymentID,
		"status":             reservation.Status.String(),
		"booked_start":       unixBody(reservation.BookedStartUnixUTC),
		"booked_end":         unixBody(reservation.BookedEndUnixUTC),
		"total_amount_cents": reservation.TotalAmountCents.Int64(),
		"notes":              reservation.Notes,
		"approved_at":        unixBody(reservation.ApprovedAtUnixUTC),
		"approved_by":        reservation.ApprovedBy,
		"canceled_at":        unixBody(reservation.CanceledAtUnixUTC),
		"canceled_by":        reservation.CanceledBy,
		"cancel_reason":      reservation.CancelReason,
	}
}

func paymentBody(payment booking.Payment) gin.H {
	return gin.H{
		"id":                  payment.ID,
		"reservation_id":      payment.ReservationID,
		"amount_cents":        payment.AmountCents.Int64(),
		"currency":            payment.Currency,
		"status":              payment.Status.String(),
		"external_charge_ref": payment.ExternalChargeRef,
		"charge_executed_at":  unixBody(payment.ChargeExecutedAtUnixUTC),
		"refunded_at":         unixBody(payment.RefundedAtUnixUTC),
		"refund_amount_cents": payment.RefundAmountCents,
		"refund_reason":       payment.RefundReason,
	}
}

func policyBody(policy booking.CancellationPolicyResult) gin.H {
	return gin.H{
		"can_cancel":             policy.CanCancel,
		"cancellation_fee_cents": policy.CancellationFeeCents,
		"refund_amount_cents":    policy.RefundAmountCents,
		"reason":                 policy.Reason,
		"seconds_until_deadline": int64(policy.TimeUntilDeadline / time.Second),
	}
}

func summaryBody(summary booking.RunSummary) gin.H {
	return gin.H{
		"selected": summary.Selected,
		"charged":  summary.Charged,
		"skipped":  summary.Skipped,
		"failed":   summary.Failed,
	}
}

func unixBody(unixUTC int64) interface{} {
	if unixUTC == 0 {
		return nil
	}
	return unixUTC
}
