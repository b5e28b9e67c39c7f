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

	"github.com/sirupsen/logrus"

	"github.com/mextic/recargas-sub003/internal/errclass"
	redlock "github.com/mextic/recargas-sub003/internal/lock"
	"github.com/mextic/recargas-sub003/internal/notification"
	"github.com/mextic/recargas-sub003/model"
)

// RecoverPending drains the auxiliary queue for one fleet without running
// a full cycle. It still takes the fleet lock so it never races a live
// cycle over the same items.
func (r *Recargas) RecoverPending(ctx context.Context, fleet model.FleetType) (int, error) {
	locker := redlock.NewLocker(r.redis, lockKey(fleet), model.GenerateUUIDWithSuffix("owner"))
	lockCtx, cancel := context.WithTimeout(ctx, r.conf.LockAcquireTimeout())
	granted, err := locker.TryLock(lockCtx, r.conf.LockTTL())
	cancel()
	if err != nil {
		return 0, fmt.Errorf("acquiring %s lock: %w", fleet, err)
	}
	if !granted {
		return 0, fmt.Errorf("fleet %s is locked by another worker", fleet)
	}
	defer func() {
		if _, unlockErr := locker.Unlock(ctx); unlockErr != nil {
			logrus.Errorf("lock release failed for %s, TTL will expire it: %v", fleet, unlockErr)
		}
	}()

	return r.drainQueue(ctx, fleet), nil
}

// drainQueue closes out previously-paid-but-unpersisted transactions at
// the start of a cycle, before any new candidate is touched, so recovery
// work is never starved by new work. Items are handled oldest first and
// independently: one stuck item never blocks draining the rest. Returns
// the number of items confirmed and removed.
func (r *Recargas) drainQueue(ctx context.Context, fleet model.FleetType) int {
	log := logrus.WithField("fleet", fleet)

	pending, err := r.auxQueue.Pending(ctx, fleet)
	if err != nil {
		log.Errorf("failed to read auxiliary queue, skipping drain: %v", err)
		return 0
	}
	if len(pending) == 0 {
		return 0
	}
	log.Infof("draining %d pending auxiliary queue items", len(pending))

	recovered := 0
	for _, item := range pending {
		if err := r.recoverItem(ctx, item); err != nil {
			log.Warnf("recovery of %s failed, item stays queued: %v", item.Key(), err)
			if errclass.IsCode(err, errclass.ErrPersistenceFatal) {
				// The connection is gone; every remaining item would fail
				// identically. They are safe where they are.
				log.Error("database connection lost during drain, aborting remaining recovery")
				break
			}
			continue
		}
		recovered++
	}

	if recovered > 0 {
		log.Infof("recovered %d of %d pending items", recovered, len(pending))
	}
	return recovered
}

// recoverItem lands one pending item in the database and removes it from
// the queue once the folio row is confirmed. A folio already present
// means a previous attempt got further than its confirmation: the insert
// path tolerates the duplicate and the confirm-and-remove closes it out.
func (r *Recargas) recoverItem(ctx context.Context, item *model.QueueItem) error {
	item.RecoveryAttempts++
	item.LastAttemptAt = time.Now().UTC()

	if item.RecoveryAttempts > r.conf.Queue.MaxRecoveryAttempts {
		// The attempt cap escalates, it never discards: the item
		// represents money already spent and stays queued for audit and
		// manual intervention.
		r.notifier.SendAlert(notification.Alert{
			Priority: notification.PriorityCritical,
			Title:    "Auxiliary queue item exceeded recovery attempts",
			Message:  fmt.Sprintf("item %s pending since %s, needs manual reconciliation", item.Key(), item.AddedAt.Format(time.RFC3339)),
			Service:  serviceName(item.Fleet),
			Category: "recovery",
			Metadata: map[string]interface{}{
				"sim":      item.SIM,
				"folio":    item.Transaction.Folio,
				"amount":   item.Transaction.Amount.String(),
				"attempts": item.RecoveryAttempts,
			},
		})
		if err := r.auxQueue.Update(ctx, item); err != nil {
			logrus.Errorf("failed to record recovery attempt on %s: %v", item.Key(), err)
		}
		return fmt.Errorf("item %s exceeded %d recovery attempts", item.Key(), r.conf.Queue.MaxRecoveryAttempts)
	}

	// The insert path tolerates a folio that already exists, so a replay
	// of a half-finished recovery converges instead of failing.
	insertCtx, cancelInsert := context.WithTimeout(ctx, r.conf.QueryTimeout())
	insertErr := r.datasource.InsertRecharge(insertCtx, item)
	cancelInsert()
	if insertErr != nil {
		if err := r.auxQueue.Update(ctx, item); err != nil {
			logrus.Errorf("failed to record recovery attempt on %s: %v", item.Key(), err)
		}
		return insertErr
	}

	confirmCtx, cancelConfirm := context.WithTimeout(ctx, r.conf.QueryTimeout())
	defer cancelConfirm()
	return r.auxQueue.ConfirmAndRemove(confirmCtx, item)
}
