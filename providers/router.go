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

package providers

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mextic/recargas-sub003/internal/errclass"
	"github.com/mextic/recargas-sub003/model"
)

// Router picks the provider that should absorb the next charge. Balances
// are read fresh on every routing decision: a charge earlier in the same
// cycle changes them, so nothing is cached.
type Router struct {
	clients   []Client
	threshold decimal.Decimal
}

func NewRouter(clients []Client, minBalanceThreshold decimal.Decimal) *Router {
	return &Router{clients: clients, threshold: minBalanceThreshold}
}

// ByName returns the registered client with the given name, or nil.
func (r *Router) ByName(name string) Client {
	for _, c := range r.clients {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

// OrderedByBalance returns providers at or above the minimum balance
// threshold, sorted descending by balance. Providers whose balance query
// fails are skipped with a log line; they cannot safely absorb a charge.
// When the filtered list is empty the cycle cannot continue and the error
// is fatal, not retriable.
func (r *Router) OrderedByBalance(ctx context.Context) ([]model.ProviderBalance, error) {
	balances := make([]model.ProviderBalance, 0, len(r.clients))
	for _, client := range r.clients {
		balance, err := client.GetBalance(ctx)
		if err != nil {
			logrus.Warnf("skipping provider %s, balance query failed: %v", client.Name(), err)
			continue
		}
		if balance.LessThan(r.threshold) {
			logrus.Debugf("skipping provider %s, balance %s below threshold %s", client.Name(), balance, r.threshold)
			continue
		}
		balances = append(balances, model.ProviderBalance{Name: client.Name(), Balance: balance})
	}

	if len(balances) == 0 {
		return nil, errclass.New(errclass.ErrNoProviderAvailable,
			"no provider has sufficient balance to absorb a charge", nil)
	}

	// Stable sort keeps configuration order as the tie-break for equal
	// balances.
	sort.SliceStable(balances, func(i, j int) bool {
		return balances[i].Balance.GreaterThan(balances[j].Balance)
	})
	return balances, nil
}
