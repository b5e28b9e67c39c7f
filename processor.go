/*
Copyright 2024 Mextic Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package recargas

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mextic/recargas-sub003/internal/errclass"
	redlock "github.com/mextic/recargas-sub003/internal/lock"
	"github.com/mextic/recargas-sub003/internal/notification"
	"github.com/mextic/recargas-sub003/internal/retry"
	"github.com/mextic/recargas-sub003/model"
)

// CycleState names the phases of one processing cycle.
type CycleState string

const (
	StateIdle                CycleState = "IDLE"
	StateLockAcquiring       CycleState = "LOCK_ACQUIRING"
	StateDrainingQueue       CycleState = "DRAINING_QUEUE"
	StateSelectingCandidates CycleState = "SELECTING_CANDIDATES"
	StateCharging            CycleState = "CHARGING"
	StatePersisting          CycleState = "PERSISTING"
	StateLockReleasing       CycleState = "LOCK_RELEASING"
)

func lockKey(fleet model.FleetType) string {
	return fmt.Sprintf("recargas:lock:%s", fleet)
}

func serviceName(fleet model.FleetType) string {
	return fmt.Sprintf("recargas-%s", fleet)
}

// ProcessCycle runs one full cycle for the fleet: acquire the fleet lock,
// drain the auxiliary queue, select candidates, charge them, persist and
// confirm. Cycles for different fleets are independent; two cycles of the
// same fleet never overlap because the lock is held in the shared store.
func (r *Recargas) ProcessCycle(ctx context.Context, processor FleetProcessor) (*model.CycleSummary, error) {
	fleet := processor.FleetType()
	summary := &model.CycleSummary{Fleet: fleet, StartedAt: time.Now().UTC()}
	log := logrus.WithField("fleet", fleet)

	state := StateLockAcquiring
	log.Infof("cycle state %s", state)

	locker := redlock.NewLocker(r.redis, lockKey(fleet), model.GenerateUUIDWithSuffix("owner"))
	lockCtx, cancel := context.WithTimeout(ctx, r.conf.LockAcquireTimeout())
	granted, err := locker.TryLock(lockCtx, r.conf.LockTTL())
	cancel()
	if err != nil {
		// A lock store that cannot answer in time is treated as denial:
		// without the lock we cannot prove exclusivity for this fleet.
		log.Warnf("lock acquisition failed, treating as denial: %v", err)
		granted = false
	}
	if !granted {
		log.Info("cycle lock denied, another worker owns this fleet")
		summary.LockDenied = true
		summary.FinishedAt = time.Now().UTC()
		return summary, nil
	}

	// The release always runs, even on panic or error paths, so a fleet
	// is never left locked past the TTL by a live process.
	defer func() {
		log.Infof("cycle state %s", StateLockReleasing)
		released, unlockErr := locker.Unlock(ctx)
		if unlockErr != nil {
			log.Errorf("lock release failed, TTL will expire it: %v", unlockErr)
		} else if !released {
			log.Warn("lock already expired or taken over before release")
		}
		summary.FinishedAt = time.Now().UTC()
	}()

	state = StateDrainingQueue
	log.Infof("cycle state %s", state)
	summary.Recovered = r.drainQueue(ctx, fleet)

	state = StateSelectingCandidates
	log.Infof("cycle state %s", state)
	selectCtx, cancelSelect := context.WithTimeout(ctx, r.conf.QueryTimeout())
	candidates, err := processor.GetCandidates(selectCtx)
	cancelSelect()
	if err != nil {
		r.notifier.NotifyError(serviceName(fleet), errors.Wrap(err, "candidate selection failed"))
		return summary, errors.Wrap(err, "selecting candidates")
	}
	if len(candidates) == 0 {
		log.Info("no candidates to process, cycle complete")
		return summary, nil
	}
	log.Infof("selected %d candidates", len(candidates))

	state = StateCharging
	log.Infof("cycle state %s", state)
	charged := make([]*model.QueueItem, 0, len(candidates))
	for _, candidate := range candidates {
		// A large cycle (retries, failovers, backoff sleeps) can outlive
		// the lock TTL; renew per candidate so ownership holds for as
		// long as work is actually in flight.
		if extendErr := locker.ExtendLock(ctx, r.conf.LockTTL()); extendErr != nil {
			log.Errorf("lost fleet lock mid-cycle, stopping before the next charge: %v", extendErr)
			r.notifier.SendAlert(notification.Alert{
				Priority: notification.PriorityCritical,
				Title:    "Fleet lock lost during charging",
				Message:  extendErr.Error(),
				Service:  serviceName(fleet),
				Category: "lock",
			})
			break
		}

		summary.Processed++
		item, err := r.chargeCandidate(ctx, candidate)
		if err != nil {
			summary.Failed++
			if errclass.IsCode(err, errclass.ErrNoProviderAvailable) {
				// Fatal for the cycle: no provider can absorb any further
				// charge, so every remaining candidate fails too.
				remaining := len(candidates) - summary.Processed
				summary.Processed += remaining
				summary.Failed += remaining
				r.notifier.SendAlert(notification.Alert{
					Priority: notification.PriorityCritical,
					Title:    "No provider available",
					Message:  fmt.Sprintf("cycle aborted with %d candidates unserved", remaining+1),
					Service:  serviceName(fleet),
					Category: "provider",
				})
				break
			}
			continue
		}
		summary.Success++
		charged = append(charged, item)
	}

	state = StatePersisting
	log.Infof("cycle state %s", state)
	r.persistCharged(ctx, fleet, charged)

	log.WithFields(logrus.Fields{
		"processed": summary.Processed,
		"success":   summary.Success,
		"failed":    summary.Failed,
		"recovered": summary.Recovered,
	}).Info("cycle complete")
	return summary, nil
}

// chargeCandidate routes the candidate to the best-funded provider and
// charges it through the retry engine. The instant a charge succeeds the
// result is appended to the auxiliary queue, before anything else, so a
// crash after this point always leaves a recoverable trail.
func (r *Recargas) chargeCandidate(ctx context.Context, candidate model.RechargeCandidate) (*model.QueueItem, error) {
	// Fresh balances per routing decision: earlier charges in this same
	// cycle have changed them.
	ordered, err := r.router.OrderedByBalance(ctx)
	if err != nil {
		return nil, err
	}

	correlationID := fmt.Sprintf("%s:%s", candidate.Fleet, candidate.SIM)
	var lastErr error
	for _, pb := range ordered {
		client := r.router.ByName(pb.Name)
		if client == nil {
			continue
		}

		var txn *model.ProviderTransaction
		err := r.retrier.Execute(ctx, retry.Options{
			OperationName:     fmt.Sprintf("charge via %s", pb.Name),
			CorrelationID:     correlationID,
			MaxAttempts:       r.conf.Retry.MaxAttempts,
			BaseDelay:         r.conf.RetryBaseDelay(),
			BackoffMultiplier: r.conf.Retry.BackoffMultiplier,
		}, func(ctx context.Context) error {
			var chargeErr error
			txn, chargeErr = client.Charge(ctx, candidate)
			return chargeErr
		})
		if err != nil {
			lastErr = err
			if errclass.Classify(err) == errclass.Fatal {
				// Fatal at this provider is fatal for the candidate, not
				// for the cycle; the next candidate proceeds.
				break
			}
			// Retries exhausted at this provider, fail over to the next.
			continue
		}

		item := &model.QueueItem{
			SIM:         candidate.SIM,
			Fleet:       candidate.Fleet,
			Transaction: *txn,
			Provenance:  fmt.Sprintf("charged via %s for: %s", txn.Provider, candidate.Reason),
		}
		if appendErr := r.auxQueue.Append(ctx, item); appendErr != nil {
			// Money is spent but the recovery trail could not be written.
			// Try to land the row directly and page regardless: this is
			// the one window the design cannot close on its own.
			r.notifier.SendAlert(notification.Alert{
				Priority: notification.PriorityCritical,
				Title:    "Auxiliary queue append failed after successful charge",
				Message:  appendErr.Error(),
				Service:  serviceName(candidate.Fleet),
				Category: "queue",
				Metadata: map[string]interface{}{
					"sim":    candidate.SIM,
					"folio":  txn.Folio,
					"amount": txn.Amount.String(),
				},
			})
			insertCtx, cancelInsert := context.WithTimeout(ctx, r.conf.QueryTimeout())
			if insertErr := r.datasource.InsertRecharge(insertCtx, item); insertErr != nil {
				logrus.Errorf("direct insert fallback for folio %s also failed: %v", txn.Folio, insertErr)
			}
			cancelInsert()
		}
		return item, nil
	}

	r.notifier.SendAlert(notification.Alert{
		Priority: notification.PriorityHigh,
		Title:    "Charge failed after exhausting providers",
		Message:  fmt.Sprintf("candidate %s: %v", correlationID, lastErr),
		Service:  serviceName(candidate.Fleet),
		Category: "charge",
	})
	return nil, errors.Wrapf(lastErr, "charging candidate %s", correlationID)
}

// persistCharged batch-inserts this cycle's charges and removes each
// confirmed item from the auxiliary queue. Failures here are not cycle
// failures: unconfirmed items stay queued and the next cycle's drain
// completes them.
func (r *Recargas) persistCharged(ctx context.Context, fleet model.FleetType, charged []*model.QueueItem) {
	if len(charged) == 0 {
		return
	}
	log := logrus.WithField("fleet", fleet)

	insertCtx, cancelInsert := context.WithTimeout(ctx, r.conf.QueryTimeout())
	result, err := r.datasource.InsertBatchRecharges(insertCtx, fleet, charged)
	cancelInsert()
	if err != nil {
		log.Errorf("batch persistence aborted, %d items remain queued for recovery: %v",
			len(charged)-result.Success, err)
		r.notifier.NotifyError(serviceName(fleet), err)
	}

	for _, item := range charged {
		if itemErr, failed := result.Errors[item.Key()]; failed {
			log.Warnf("item %s not persisted, stays queued: %v", item.Key(), itemErr)
			continue
		}
		confirmCtx, cancelConfirm := context.WithTimeout(ctx, r.conf.QueryTimeout())
		if confirmErr := r.auxQueue.ConfirmAndRemove(confirmCtx, item); confirmErr != nil {
			// Never removed without confirmation; the drain will retry.
			log.Warnf("confirmation failed for %s, stays queued: %v", item.Key(), confirmErr)
		}
		cancelConfirm()
	}

	if result.Duplicates > 0 {
		log.Infof("%d duplicate folios tolerated during persistence", result.Duplicates)
	}
}
