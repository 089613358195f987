package httpserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/lessonpay/pkg/booking"
)

// BookingService is the slice of the domain service the HTTP surface uses.
type BookingService interface {
	Book(ctx context.Context, request booking.BookingRequest) (booking.Reservation, error)
	Approve(ctx context.Context, reservationID string, approverID string) (booking.ApprovalResult, error)
	Reject(ctx context.Context, reservationID string, approverID string, reason string) (booking.Reservation, error)
	Cancel(ctx context.Context, reservationID string, actor booking.Actor, reason booking.CancelReason, notes string) (booking.CancelResult, error)
	Complete(ctx context.Context, reservationID string, actorID string) (booking.Reservation, error)
	Get(ctx context.Context, reservationID string) (booking.Reservation, booking.Payment, error)
	RegisterPaymentMethod(ctx context.Context, paymentID string, methodRef string, customerRef string) (booking.Payment, error)
	Refund(ctx context.Context, paymentID string, requestedAmountCents int64, reason string, actorID string) (booking.RefundOutcome, error)
	RunScheduledCharges(ctx context.Context) (booking.RunSummary, error)
	ReconcileUnresolvedCharges(ctx context.Context) (booking.RunSummary, error)
}

// Run boots the HTTP surface using the supplied configuration.
func Run(ctx context.Context, cfg Config, service BookingService, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	handler := &httpHandler{
		logger:  logger,
		service: service,
		cfg:     cfg,
	}
	router := setupRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("lessonpay api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "X-Actor-ID", "X-Actor-Role"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.POST("/reservations", handler.handleBook)
	api.GET("/reservations/:id", handler.handleGet)
	api.POST("/reservations/:id/approve", handler.handleApprove)
	api.POST("/reservations/:id/reject", handler.handleReject)
	api.POST("/reservations/:id/cancel", handler.handleCancel)
	api.POST("/reservations/:id/complete", handler.handleComplete)
	api.POST("/payments/:id/method", handler.handleRegisterMethod)

	internal := router.Group("/internal")
	internal.Use(sharedSecretMiddleware(cfg.TriggerSecret))
	internal.POST("/charge-run", handler.handleChargeRun)
	internal.POST("/reconcile-run", handler.handleReconcileRun)
	internal.POST("/payments/:id/refund", handler.handleRefund)

	return router
}

const triggerSecretHeader = "X-Trigger-Secret"

func sharedSecretMiddleware(secret string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		provided := ctx.GetHeader(triggerSecretHeader)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing or invalid trigger secret"))
			return
		}
		ctx.Next()
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": message}}
}
