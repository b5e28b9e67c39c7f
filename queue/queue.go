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

// Package queue implements the auxiliary persistence queue: a durable log
// of charges confirmed by a provider but not yet confirmed in the
// database. An entry is written the instant a provider call succeeds and
// removed only after the matching detail row is verified to exist. The
// queue is never wholesale-cleared; emptying happens one confirmed item
// at a time.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/mextic/recargas-sub003/model"
)

// Verifier checks, against the system of record, that a detail row with
// the given folio exists for the fleet.
type Verifier interface {
	FolioExists(ctx context.Context, fleet model.FleetType, folio string) (bool, error)
}

// AuxQueue stores items in one Redis hash per fleet plus a score-ordered
// set carrying insertion order, both mutated inside MULTI/EXEC so a
// concurrent reader never observes a half-written item.
type AuxQueue struct {
	client   redis.UniversalClient
	verifier Verifier
}

func NewAuxQueue(client redis.UniversalClient, verifier Verifier) *AuxQueue {
	return &AuxQueue{client: client, verifier: verifier}
}

func itemsKey(fleet model.FleetType) string {
	return fmt.Sprintf("recargas:auxqueue:%s", fleet)
}

func orderKey(fleet model.FleetType) string {
	return fmt.Sprintf("recargas:auxqueue:%s:order", fleet)
}

// Append persists a new pending item. Called synchronously right after a
// provider charge succeeds, before any other work, to keep the loss
// window as small as possible.
func (q *AuxQueue) Append(ctx context.Context, item *model.QueueItem) error {
	if item.ID == "" {
		item.ID = model.GenerateUUIDWithSuffix("aux")
	}
	if item.AddedAt.IsZero() {
		item.AddedAt = time.Now().UTC()
	}
	item.Status = model.StatusWebserviceSuccessPendingDB

	data, err := item.ToJSON()
	if err != nil {
		return fmt.Errorf("encoding queue item %s: %w", item.Key(), err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, itemsKey(item.Fleet), item.Key(), data)
	pipe.ZAdd(ctx, orderKey(item.Fleet), redis.Z{
		Score:  float64(item.AddedAt.UnixNano()),
		Member: item.Key(),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appending queue item %s: %w", item.Key(), err)
	}

	logrus.WithFields(logrus.Fields{
		"fleet": item.Fleet,
		"sim":   item.SIM,
		"folio": item.Transaction.Folio,
	}).Info("auxiliary queue item appended, awaiting database confirmation")
	return nil
}

// Pending returns all items awaiting database confirmation in insertion
// order, oldest first, so the longest-outstanding money is reconciled
// before fresher items.
func (q *AuxQueue) Pending(ctx context.Context, fleet model.FleetType) ([]*model.QueueItem, error) {
	keys, err := q.client.ZRange(ctx, orderKey(fleet), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	raw, err := q.client.HMGet(ctx, itemsKey(fleet), keys...).Result()
	if err != nil {
		return nil, err
	}

	items := make([]*model.QueueItem, 0, len(raw))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			// Order entry without a hash entry: repair the index, the
			// item itself was never half-written thanks to MULTI/EXEC.
			logrus.Warnf("auxiliary queue order entry %s has no item, dropping index entry", keys[i])
			q.client.ZRem(ctx, orderKey(fleet), keys[i])
			continue
		}
		item, err := model.QueueItemFromJSON([]byte(s))
		if err != nil {
			logrus.Errorf("auxiliary queue item %s is unreadable, leaving in place: %v", keys[i], err)
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Update rewrites an existing item's metadata (recovery attempts,
// provenance) without touching its position in the order index.
func (q *AuxQueue) Update(ctx context.Context, item *model.QueueItem) error {
	data, err := item.ToJSON()
	if err != nil {
		return err
	}
	return q.client.HSet(ctx, itemsKey(item.Fleet), item.Key(), data).Err()
}

// ConfirmAndRemove deletes the item only after the verifier confirms a
// detail row with the item's folio exists. On any verification failure
// the item remains untouched: an item in webservice_success_pending_db
// represents money already spent and is never cleared speculatively.
func (q *AuxQueue) ConfirmAndRemove(ctx context.Context, item *model.QueueItem) error {
	exists, err := q.verifier.FolioExists(ctx, item.Fleet, item.Transaction.Folio)
	if err != nil {
		return fmt.Errorf("verifying folio %s: %w", item.Transaction.Folio, err)
	}
	if !exists {
		return fmt.Errorf("folio %s not yet present in detail table, keeping queue item %s", item.Transaction.Folio, item.Key())
	}

	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, itemsKey(item.Fleet), item.Key())
	pipe.ZRem(ctx, orderKey(item.Fleet), item.Key())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("removing confirmed queue item %s: %w", item.Key(), err)
	}

	logrus.WithFields(logrus.Fields{
		"fleet": item.Fleet,
		"sim":   item.SIM,
		"folio": item.Transaction.Folio,
	}).Info("auxiliary queue item confirmed in database and removed")
	return nil
}

// Size reports the number of items pending confirmation for one fleet.
func (q *AuxQueue) Size(ctx context.Context, fleet model.FleetType) (int64, error) {
	return q.client.HLen(ctx, itemsKey(fleet)).Result()
}
