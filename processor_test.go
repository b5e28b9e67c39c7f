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
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mextic/recargas-sub003/config"
	"github.com/mextic/recargas-sub003/database"
	"github.com/mextic/recargas-sub003/internal/errclass"
	"github.com/mextic/recargas-sub003/internal/notification"
	"github.com/mextic/recargas-sub003/internal/retry"
	"github.com/mextic/recargas-sub003/model"
	"github.com/mextic/recargas-sub003/providers"
)

// stubDatasource is an in-memory stand-in for the relational store with
// the same duplicate-tolerant semantics as the real batch inserter.
type stubDatasource struct {
	mu         sync.Mutex
	candidates map[model.FleetType][]model.RechargeCandidate
	details    map[string]int // folio -> row count
	failInsert error          // forced error on every insert
}

func newStubDatasource() *stubDatasource {
	return &stubDatasource{
		candidates: make(map[model.FleetType][]model.RechargeCandidate),
		details:    make(map[string]int),
	}
}

func (s *stubDatasource) GetCandidatesToProcess(_ context.Context, fleet model.FleetType) ([]model.RechargeCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.candidates[fleet], nil
}

func (s *stubDatasource) InsertBatchRecharges(_ context.Context, _ model.FleetType, items []*model.QueueItem) (*model.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := &model.BatchResult{Errors: make(map[string]error)}
	for _, item := range items {
		result.Processed++
		if s.failInsert != nil {
			result.Failed++
			result.Errors[item.Key()] = s.failInsert
			if errclass.IsCode(s.failInsert, errclass.ErrPersistenceFatal) {
				return result, s.failInsert
			}
			continue
		}
		folio := item.Transaction.Folio
		if s.details[folio] > 0 {
			result.Duplicates++
			result.Success++
			continue
		}
		s.details[folio]++
		result.Success++
	}
	return result, nil
}

func (s *stubDatasource) InsertRecharge(ctx context.Context, item *model.QueueItem) error {
	res, err := s.InsertBatchRecharges(ctx, item.Fleet, []*model.QueueItem{item})
	if err != nil {
		return err
	}
	if res.Failed > 0 {
		return res.Errors[item.Key()]
	}
	return nil
}

func (s *stubDatasource) FolioExists(_ context.Context, _ model.FleetType, folio string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.details[folio] > 0, nil
}

func (s *stubDatasource) rowCount(folio string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.details[folio]
}

// countingProvider charges successfully after a configurable number of
// transient failures, assigning sequential folios.
type countingProvider struct {
	mu           sync.Mutex
	name         string
	balance      decimal.Decimal
	failuresLeft int
	failWith     error
	charges      int
}

func (p *countingProvider) Name() string { return p.name }

func (p *countingProvider) GetBalance(context.Context) (decimal.Decimal, error) {
	return p.balance, nil
}

func (p *countingProvider) Charge(_ context.Context, c model.RechargeCandidate) (*model.ProviderTransaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.charges++
	if p.failuresLeft > 0 {
		p.failuresLeft--
		if p.failWith != nil {
			return nil, p.failWith
		}
		return nil, errclass.New(errclass.ErrProviderTransient, "timeout", nil)
	}
	return &model.ProviderTransaction{
		Provider:      p.name,
		TransactionID: fmt.Sprintf("T-%s-%d", c.SIM, p.charges),
		Folio:         fmt.Sprintf("F-%s-%d", c.SIM, p.charges),
		Amount:        c.Amount,
		Timestamp:     time.Now().UTC(),
	}, nil
}

func testConfig() *config.Configuration {
	conf := &config.Configuration{
		ProjectName:         "recargas-test",
		MinBalanceThreshold: decimal.NewFromInt(100),
	}
	conf.DataSource.QueryTimeoutSec = 1
	conf.Retry.MaxAttempts = 3
	conf.Retry.BaseDelayMs = 10
	conf.Retry.BackoffMultiplier = 2
	conf.Lock.TTLSec = 60
	conf.Lock.AcquireTimeoutSec = 1
	conf.Queue.MaxRecoveryAttempts = 3
	conf.Notification.DedupWindowSec = 900
	return conf
}

func newTestEngine(t *testing.T, ds database.IDataSource, clients ...providers.Client) (*Recargas, redis.UniversalClient) {
	engine, client, _ := newTestEngineRedis(t, ds, clients...)
	return engine, client
}

func newTestEngineRedis(t *testing.T, ds database.IDataSource, clients ...providers.Client) (*Recargas, redis.UniversalClient, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	conf := testConfig()
	config.MockConfig(conf)

	retrier := retry.NewExecutorWithSleep(func(context.Context, time.Duration) error { return nil })
	router := providers.NewRouter(clients, conf.MinBalanceThreshold)
	engine := NewRecargasWithDeps(ds, client, router, retrier, notification.NewNotifier(nil), conf)
	return engine, client, mr
}

func TestProcessCycle_FullSuccess(t *testing.T) {
	ds := newStubDatasource()
	ds.candidates[model.FleetTracking] = []model.RechargeCandidate{
		{SIM: "5551234567", Fleet: model.FleetTracking, Amount: decimal.NewFromInt(50), Reason: "expiring tracking sim"},
		{SIM: "5559876543", Fleet: model.FleetTracking, Amount: decimal.NewFromInt(50), Reason: "expiring tracking sim"},
	}
	provider := &countingProvider{name: "taecel", balance: decimal.NewFromInt(1000)}
	engine, _ := newTestEngine(t, ds, provider)

	summary, err := engine.ProcessCycle(context.Background(), engine.ProcessorFor(model.FleetTracking))
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 2, summary.Success)
	assert.Equal(t, 0, summary.Failed)
	assert.False(t, summary.LockDenied)

	// Everything confirmed: no items left pending
	size, err := engine.auxQueue.Size(context.Background(), model.FleetTracking)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestProcessCycle_LockDenied(t *testing.T) {
	ds := newStubDatasource()
	ds.candidates[model.FleetTracking] = []model.RechargeCandidate{
		{SIM: "5551234567", Fleet: model.FleetTracking, Amount: decimal.NewFromInt(50)},
	}
	provider := &countingProvider{name: "taecel", balance: decimal.NewFromInt(1000)}
	engine, client := newTestEngine(t, ds, provider)

	// Another worker holds this fleet's lock
	require.NoError(t, client.Set(context.Background(), lockKey(model.FleetTracking), "other-worker", time.Minute).Err())

	summary, err := engine.ProcessCycle(context.Background(), engine.ProcessorFor(model.FleetTracking))
	require.NoError(t, err, "denial is a clean early end, not an error")

	assert.True(t, summary.LockDenied)
	assert.Zero(t, summary.Processed)
	assert.Zero(t, provider.charges, "no charge may happen without the lock")

	// The foreign lock is untouched
	val, err := client.Get(context.Background(), lockKey(model.FleetTracking)).Result()
	require.NoError(t, err)
	assert.Equal(t, "other-worker", val)
}

func TestProcessCycle_EmptyCandidates(t *testing.T) {
	ds := newStubDatasource()
	provider := &countingProvider{name: "taecel", balance: decimal.NewFromInt(1000)}
	engine, client := newTestEngine(t, ds, provider)

	summary, err := engine.ProcessCycle(context.Background(), engine.ProcessorFor(model.FleetVoice))
	require.NoError(t, err)
	assert.Zero(t, summary.Processed)

	// Lock released after the cycle
	exists, err := client.Exists(context.Background(), lockKey(model.FleetVoice)).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestProcessCycle_NoProviderAvailable(t *testing.T) {
	ds := newStubDatasource()
	ds.candidates[model.FleetTracking] = []model.RechargeCandidate{
		{SIM: "5551234567", Fleet: model.FleetTracking, Amount: decimal.NewFromInt(50)},
		{SIM: "5559876543", Fleet: model.FleetTracking, Amount: decimal.NewFromInt(50)},
		{SIM: "5550001111", Fleet: model.FleetTracking, Amount: decimal.NewFromInt(50)},
	}
	// Below the 100 threshold
	provider := &countingProvider{name: "taecel", balance: decimal.NewFromInt(20)}
	engine, _ := newTestEngine(t, ds, provider)

	summary, err := engine.ProcessCycle(context.Background(), engine.ProcessorFor(model.FleetTracking))
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Processed, "all candidates fail when no provider can absorb a charge")
	assert.Equal(t, 3, summary.Failed)
	assert.Zero(t, summary.Success)
	assert.Zero(t, provider.charges)
}

func TestProcessCycle_TransientFailuresRetried(t *testing.T) {
	ds := newStubDatasource()
	ds.candidates[model.FleetTracking] = []model.RechargeCandidate{
		{SIM: "5551234567", Fleet: model.FleetTracking, Amount: decimal.NewFromInt(50)},
	}
	provider := &countingProvider{name: "taecel", balance: decimal.NewFromInt(1000), failuresLeft: 2}
	engine, _ := newTestEngine(t, ds, provider)

	summary, err := engine.ProcessCycle(context.Background(), engine.ProcessorFor(model.FleetTracking))
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Success)
	assert.Equal(t, 3, provider.charges, "two transient failures then success")
}

func TestProcessCycle_FatalChargeFailsCandidateOnly(t *testing.T) {
	ds := newStubDatasource()
	ds.candidates[model.FleetTracking] = []model.RechargeCandidate{
		{SIM: "5551234567", Fleet: model.FleetTracking, Amount: decimal.NewFromInt(50)},
		{SIM: "5559876543", Fleet: model.FleetTracking, Amount: decimal.NewFromInt(50)},
	}
	provider := &countingProvider{
		name: "taecel", balance: decimal.NewFromInt(1000),
		failuresLeft: 1,
		failWith:     errclass.New(errclass.ErrProviderFatal, "invalid subscriber", nil),
	}
	engine, _ := newTestEngine(t, ds, provider)

	summary, err := engine.ProcessCycle(context.Background(), engine.ProcessorFor(model.FleetTracking))
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 1, summary.Failed, "first candidate fails fatally")
	assert.Equal(t, 1, summary.Success, "second candidate still processed")
	assert.Equal(t, 2, provider.charges, "no retry after a fatal error")
}

func TestProcessCycle_ProviderFailover(t *testing.T) {
	ds := newStubDatasource()
	ds.candidates[model.FleetTracking] = []model.RechargeCandidate{
		{SIM: "5551234567", Fleet: model.FleetTracking, Amount: decimal.NewFromInt(50)},
	}
	// Richest provider always times out; the engine must fail over.
	broken := &countingProvider{name: "mst", balance: decimal.NewFromInt(5000), failuresLeft: 99}
	healthy := &countingProvider{name: "taecel", balance: decimal.NewFromInt(1000)}
	engine, _ := newTestEngine(t, ds, broken, healthy)

	summary, err := engine.ProcessCycle(context.Background(), engine.ProcessorFor(model.FleetTracking))
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Success)
	assert.Equal(t, 3, broken.charges, "full retry budget at the richest provider first")
	assert.Equal(t, 1, healthy.charges)
}

func TestProcessCycle_PersistenceFatalKeepsItemsQueued(t *testing.T) {
	ds := newStubDatasource()
	ds.candidates[model.FleetTracking] = []model.RechargeCandidate{
		{SIM: "5551234567", Fleet: model.FleetTracking, Amount: decimal.NewFromInt(50)},
	}
	provider := &countingProvider{name: "taecel", balance: decimal.NewFromInt(1000)}
	engine, _ := newTestEngine(t, ds, provider)

	// Charges succeed but persistence is down for the whole cycle
	ds.mu.Lock()
	ds.failInsert = errclass.New(errclass.ErrPersistenceFatal, "connection lost", nil)
	ds.mu.Unlock()

	summary, err := engine.ProcessCycle(context.Background(), engine.ProcessorFor(model.FleetTracking))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Success, "the charge itself succeeded")

	size, err := engine.auxQueue.Size(context.Background(), model.FleetTracking)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size, "paid-but-unpersisted item must stay queued")
}

// hangingDatasource simulates a database that stops answering: queries
// block until the caller's deadline fires.
type hangingDatasource struct {
	*stubDatasource
}

func (h *hangingDatasource) GetCandidatesToProcess(ctx context.Context, _ model.FleetType) ([]model.RechargeCandidate, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestProcessCycle_DatabaseCallsCarryDeadline(t *testing.T) {
	ds := &hangingDatasource{newStubDatasource()}
	provider := &countingProvider{name: "taecel", balance: decimal.NewFromInt(1000)}
	engine, _ := newTestEngine(t, ds, provider)

	start := time.Now()
	_, err := engine.ProcessCycle(context.Background(), engine.ProcessorFor(model.FleetTracking))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second,
		"a hung query must hit the configured deadline, not block the cycle")
}

// slowCycleProvider advances the redis clock on every charge, simulating
// a cycle whose charging phase outlives the original lock TTL.
type slowCycleProvider struct {
	countingProvider
	mr      *miniredis.Miniredis
	advance time.Duration
	lockKey string
	lapsed  bool
}

func (p *slowCycleProvider) Charge(ctx context.Context, c model.RechargeCandidate) (*model.ProviderTransaction, error) {
	p.mr.FastForward(p.advance)
	if !p.mr.Exists(p.lockKey) {
		p.lapsed = true
	}
	return p.countingProvider.Charge(ctx, c)
}

func TestProcessCycle_LockRenewedAcrossLongCharging(t *testing.T) {
	ds := newStubDatasource()
	ds.candidates[model.FleetTracking] = []model.RechargeCandidate{
		{SIM: "5551234567", Fleet: model.FleetTracking, Amount: decimal.NewFromInt(50)},
		{SIM: "5559876543", Fleet: model.FleetTracking, Amount: decimal.NewFromInt(50)},
		{SIM: "5550001111", Fleet: model.FleetTracking, Amount: decimal.NewFromInt(50)},
	}
	// Each charge consumes 40s of a 60s TTL; three charges only survive
	// because the lock is renewed between candidates.
	provider := &slowCycleProvider{
		countingProvider: countingProvider{name: "taecel", balance: decimal.NewFromInt(1000)},
		advance:          40 * time.Second,
		lockKey:          lockKey(model.FleetTracking),
	}
	var engine *Recargas
	engine, _, provider.mr = newTestEngineRedis(t, ds, provider)

	summary, err := engine.ProcessCycle(context.Background(), engine.ProcessorFor(model.FleetTracking))
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Success)
	assert.False(t, provider.lapsed, "lock must stay owned throughout the charging phase")
}

func TestProcessCycle_StopsChargingWhenLockLost(t *testing.T) {
	ds := newStubDatasource()
	ds.candidates[model.FleetTracking] = []model.RechargeCandidate{
		{SIM: "5551234567", Fleet: model.FleetTracking, Amount: decimal.NewFromInt(50)},
		{SIM: "5559876543", Fleet: model.FleetTracking, Amount: decimal.NewFromInt(50)},
		{SIM: "5550001111", Fleet: model.FleetTracking, Amount: decimal.NewFromInt(50)},
	}
	// One charge blows straight past the TTL; renewal before the second
	// candidate must fail and stop the cycle instead of charging without
	// ownership.
	provider := &slowCycleProvider{
		countingProvider: countingProvider{name: "taecel", balance: decimal.NewFromInt(1000)},
		advance:          120 * time.Second,
		lockKey:          lockKey(model.FleetTracking),
	}
	var engine *Recargas
	engine, _, provider.mr = newTestEngineRedis(t, ds, provider)

	summary, err := engine.ProcessCycle(context.Background(), engine.ProcessorFor(model.FleetTracking))
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Processed, "no candidate is charged after ownership is gone")
	assert.Equal(t, 1, summary.Success, "the charge made while owned is still persisted")
	assert.Equal(t, 1, provider.charges)

	size, err := engine.auxQueue.Size(context.Background(), model.FleetTracking)
	require.NoError(t, err)
	assert.Zero(t, size, "the completed charge was confirmed before the cycle ended")
}

func TestProcessCycle_LockReleasedAfterError(t *testing.T) {
	ds := newStubDatasource()
	ds.candidates[model.FleetTracking] = []model.RechargeCandidate{
		{SIM: "5551234567", Fleet: model.FleetTracking, Amount: decimal.NewFromInt(50)},
	}
	provider := &countingProvider{name: "taecel", balance: decimal.NewFromInt(20)}
	engine, client := newTestEngine(t, ds, provider)

	_, err := engine.ProcessCycle(context.Background(), engine.ProcessorFor(model.FleetTracking))
	require.NoError(t, err)

	exists, err := client.Exists(context.Background(), lockKey(model.FleetTracking)).Result()
	require.NoError(t, err)
	assert.Zero(t, exists, "lock must be released on every path")
}
