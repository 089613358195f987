// Package notify dispatches fire-and-forget notifications to an external
// delivery service. A delivery failure never rolls back the operation that
// triggered it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/lessonpay/pkg/booking"
)

const defaultDispatchTimeout = 5 * time.Second

// WebhookNotifier posts cancellation notices to a configured endpoint.
type WebhookNotifier struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewWebhookNotifier wires a notifier for the given endpoint.
func NewWebhookNotifier(endpoint string, logger *zap.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: defaultDispatchTimeout},
		logger:     logger,
	}
}

// NotifyCancellation posts the notice as JSON.
func (notifier *WebhookNotifier) NotifyCancellation(ctx context.Context, notice booking.CancellationNotice) error {
	payload, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("encode notice: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, notifier.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build notice request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := notifier.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("dispatch notice: %w", err)
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("dispatch notice: status %d", response.StatusCode)
	}
	notifier.logger.Debug("cancellation notice dispatched",
		zap.String("reservation_id", notice.ReservationID),
		zap.String("canceled_by", notice.CanceledBy),
	)
	return nil
}
