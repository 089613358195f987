package booking

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing booking operation.
type OperationLog struct {
	Operation     string
	ReservationID string
	PaymentID     string
	ActorID       string
	AmountCents   int64
	Status        string
	Error         error
}

const (
	operationBook            = "book"
	operationApprove         = "approve"
	operationReject          = "reject"
	operationCancel          = "cancel"
	operationComplete        = "complete"
	operationRegisterMethod  = "register_payment_method"
	operationExecuteCharge   = "execute_charge"
	operationReleaseAuth     = "release_authorization"
	operationRefund          = "refund"
	operationChargeRun       = "charge_run"
	operationReconcileRun    = "reconcile_run"
	operationNotify          = "notify_cancellation"
	operationStatusOK        = "ok"
	operationStatusError     = "error"
	operationStatusRecovered = "recovered"
)

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithPolicyConfig overrides the default cancellation fee schedule.
func WithPolicyConfig(config PolicyConfig) ServiceOption {
	return func(service *Service) {
		service.policy = config
	}
}

// WithChargeWindow overrides the default deferred-charge execution window.
func WithChargeWindow(window ChargeWindowConfig) ServiceOption {
	return func(service *Service) {
		service.window = window
	}
}

// WithIDGenerator overrides identifier generation (tests use fixed ids).
func WithIDGenerator(newID func() string) ServiceOption {
	return func(service *Service) {
		service.newID = newID
	}
}

// WithNotifier wires the fire-and-forget cancellation notifier.
func WithNotifier(notifier Notifier) ServiceOption {
	return func(service *Service) {
		service.notifier = notifier
	}
}
