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
	"github.com/redis/go-redis/v9"

	"github.com/mextic/recargas-sub003/config"
	"github.com/mextic/recargas-sub003/database"
	"github.com/mextic/recargas-sub003/internal/notification"
	"github.com/mextic/recargas-sub003/internal/retry"
	"github.com/mextic/recargas-sub003/providers"
	"github.com/mextic/recargas-sub003/queue"
)

// NewRecargasWithDeps wires an engine from externally constructed
// collaborators. Production uses NewRecargas; tests and embedders supply
// their own Redis client, provider set and retry executor here.
func NewRecargasWithDeps(
	db database.IDataSource,
	redisClient redis.UniversalClient,
	router *providers.Router,
	retrier *retry.Executor,
	notifier *notification.Notifier,
	conf *config.Configuration,
) *Recargas {
	return &Recargas{
		datasource: db,
		redis:      redisClient,
		auxQueue:   queue.NewAuxQueue(redisClient, db),
		router:     router,
		retrier:    retrier,
		notifier:   notifier,
		conf:       conf,
	}
}
