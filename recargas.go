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
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mextic/recargas-sub003/config"
	"github.com/mextic/recargas-sub003/database"
	"github.com/mextic/recargas-sub003/internal/cache"
	"github.com/mextic/recargas-sub003/internal/notification"
	redis_db "github.com/mextic/recargas-sub003/internal/redis-db"
	"github.com/mextic/recargas-sub003/internal/retry"
	"github.com/mextic/recargas-sub003/providers"
	"github.com/mextic/recargas-sub003/queue"
)

// Recargas is the recharge processing engine. One instance serves all
// fleets; per-fleet isolation comes from the lock keys and queue
// namespaces, not from separate instances.
type Recargas struct {
	datasource database.IDataSource
	redis      redis.UniversalClient
	auxQueue   *queue.AuxQueue
	router     *providers.Router
	retrier    *retry.Executor
	notifier   *notification.Notifier
	conf       *config.Configuration
}

// NewRecargas initializes the engine with the provided datasource,
// wiring the Redis client shared by the lock manager, the auxiliary
// queue and the alert de-dup cache.
func NewRecargas(db database.IDataSource) (*Recargas, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient(fmt.Sprintf("redis://%s", configuration.Redis.Dns))
	if err != nil {
		return nil, err
	}

	clients := providers.FromConfig(configuration.Providers)
	router := providers.NewRouter(clients, configuration.MinBalanceThreshold)
	notifier := notification.NewNotifier(cache.NewCache(redisClient.Client()))

	return &Recargas{
		datasource: db,
		redis:      redisClient.Client(),
		auxQueue:   queue.NewAuxQueue(redisClient.Client(), db),
		router:     router,
		retrier:    retry.NewExecutor(),
		notifier:   notifier,
		conf:       configuration,
	}, nil
}
