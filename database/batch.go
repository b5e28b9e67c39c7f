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

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mextic/recargas-sub003/internal/errclass"
	"github.com/mextic/recargas-sub003/model"
)

func detailTable(fleet model.FleetType) string {
	return fmt.Sprintf("recharge_details_%s", fleet)
}

// InsertBatchRecharges writes one master batch row plus one detail row
// per item. The folio unique constraint detects re-delivered items: a
// duplicate counts as already-successful instead of erroring, which makes
// the whole insert path idempotent under retries and crash-recovery
// replays. A fatal persistence error (lost connection) aborts the
// remaining items; everything not yet written stays safe in the auxiliary
// queue.
func (d *Datasource) InsertBatchRecharges(ctx context.Context, fleet model.FleetType, items []*model.QueueItem) (*model.BatchResult, error) {
	result := &model.BatchResult{Errors: make(map[string]error)}
	if len(items) == 0 {
		return result, nil
	}

	batchID := model.GenerateUUIDWithSuffix("batch")
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Transaction.Amount)
	}

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO recharge_batches (batch_id, fleet_type, provider, total)
		VALUES ($1, $2, $3, $4)
	`, batchID, fleet, items[0].Transaction.Provider, total)
	if err != nil {
		return result, classifyPersistence("inserting batch row", err)
	}

	for _, item := range items {
		result.Processed++
		err := d.insertDetail(ctx, fleet, batchID, item)
		switch {
		case err == nil:
			result.Success++
		case errclass.IsCode(err, errclass.ErrPersistenceFatal):
			result.Failed++
			result.Errors[item.Key()] = err
			// A dead connection fails every remaining item the same way;
			// stop and let the auxiliary queue carry them to the next cycle.
			return result, err
		case isDuplicateFolio(err):
			logrus.Infof("folio %s already present in %s, counting as success", item.Transaction.Folio, detailTable(fleet))
			result.Duplicates++
			result.Success++
		default:
			result.Failed++
			result.Errors[item.Key()] = err
		}
	}
	return result, nil
}

// InsertRecharge is the one-at-a-time fallback with the same
// duplicate-tolerant semantics as the batch path.
func (d *Datasource) InsertRecharge(ctx context.Context, item *model.QueueItem) error {
	res, err := d.InsertBatchRecharges(ctx, item.Fleet, []*model.QueueItem{item})
	if err != nil {
		return err
	}
	if res.Failed > 0 {
		return res.Errors[item.Key()]
	}
	return nil
}

func (d *Datasource) insertDetail(ctx context.Context, fleet model.FleetType, batchID string, item *model.QueueItem) error {
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO `+detailTable(fleet)+` (batch_id, sim, amount, folio, provider, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, batchID, item.SIM, item.Transaction.Amount, item.Transaction.Folio, item.Transaction.Provider, string(model.StatusCompleted))
	if err != nil {
		return classifyPersistence(fmt.Sprintf("inserting detail row for folio %s", item.Transaction.Folio), err)
	}
	return nil
}

// FolioExists confirms a detail row for the folio is present in the
// fleet's detail table. This is the verification gate the auxiliary
// queue requires before it removes an item.
func (d *Datasource) FolioExists(ctx context.Context, fleet model.FleetType, folio string) (bool, error) {
	var exists bool
	err := d.Conn.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM `+detailTable(fleet)+` WHERE folio = $1)
	`, folio).Scan(&exists)
	if err != nil {
		return false, classifyPersistence(fmt.Sprintf("checking folio %s", folio), err)
	}
	return exists, nil
}

// classifyPersistence maps database errors to typed persistence
// categories at the call site.
func classifyPersistence(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Name() {
		case "unique_violation":
			return errclass.New(errclass.ErrProviderFatal, op+": duplicate folio", err)
		case "connection_exception", "connection_failure", "admin_shutdown", "crash_shutdown":
			return errclass.New(errclass.ErrPersistenceFatal, op+": database connection lost", err)
		default:
			return errclass.New(errclass.ErrPersistenceTransient, op, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return errclass.New(errclass.ErrPersistenceFatal, op+": connection closed", err)
	}
	return errclass.New(errclass.ErrPersistenceTransient, op, err)
}

// isDuplicateFolio reports whether the classified error came from the
// folio unique constraint.
func isDuplicateFolio(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation"
}
