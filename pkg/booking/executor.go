package booking

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const reconcileBatchLimit = 100

// RunScheduledCharges executes one batch pass over reservations whose
// deferred charge is due. One item's failure is recorded and the run moves
// on; the summary reports counts instead of aborting early. Overlapping runs
// are tolerated: the conditional marker write makes each payment charge at
// most once, and a loser simply counts the item as skipped.
func (service *Service) RunScheduledCharges(ctx context.Context) (RunSummary, error) {
	nowUnixUTC := service.nowFn()
	windowEndUnixUTC := nowUnixUTC + int64(service.window.Lead/time.Second)
	candidates, err := service.store.ListChargeCandidates(ctx, nowUnixUTC, windowEndUnixUTC, service.window.CutoverUnixUTC)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationChargeRun, Error: err})
		return RunSummary{}, err
	}
	summary := service.driveCandidates(ctx, operationChargeRun, candidates, true)
	service.logOperation(ctx, OperationLog{Operation: operationChargeRun, Status: operationStatusOK})
	return summary, nil
}

// ReconcileUnresolvedCharges re-drives payments whose charge attempt was
// issued but whose outcome never got committed (crash between the gateway
// success and the local write). The attempt keeps its idempotency key, so
// the gateway deduplicates and the marker gets backfilled.
func (service *Service) ReconcileUnresolvedCharges(ctx context.Context) (RunSummary, error) {
	candidates, err := service.store.ListUnresolvedCharges(ctx, reconcileBatchLimit)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationReconcileRun, Error: err})
		return RunSummary{}, err
	}
	summary := service.driveCandidates(ctx, operationReconcileRun, candidates, false)
	service.logOperation(ctx, OperationLog{Operation: operationReconcileRun, Status: operationStatusOK})
	return summary, nil
}

func (service *Service) driveCandidates(ctx context.Context, operation string, candidates []ChargeCandidate, enforceWindow bool) RunSummary {
	summary := RunSummary{Selected: len(candidates)}
	nowUnixUTC := service.nowFn()
	for _, candidate := range candidates {
		// The query is a coarse filter; this check is the authoritative one.
		if enforceWindow && !ChargeDue(candidate.Reservation, candidate.Payment, nowUnixUTC, service.window) {
			summary.Skipped++
			continue
		}
		err := service.ExecuteCharge(ctx, candidate.Reservation.ID)
		switch {
		case err == nil:
			summary.Charged++
		case errors.Is(err, ErrChargeAlreadyExecuted):
			summary.Skipped++
		default:
			summary.Failed++
			service.logOperation(ctx, OperationLog{
				Operation:     operation,
				ReservationID: candidate.Reservation.ID,
				PaymentID:     candidate.Payment.ID,
				Error:         fmt.Errorf("charge candidate failed: %w", err),
			})
		}
	}
	return summary
}
