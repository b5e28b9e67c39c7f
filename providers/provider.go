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

	"github.com/shopspring/decimal"

	"github.com/mextic/recargas-sub003/config"
	"github.com/mextic/recargas-sub003/model"
)

// Client is one external recharge provider. Charge is a paid,
// non-idempotent side effect: a successful return means money has been
// spent and the caller owns the recovery trail from that instant.
type Client interface {
	Name() string
	GetBalance(ctx context.Context) (decimal.Decimal, error)
	Charge(ctx context.Context, candidate model.RechargeCandidate) (*model.ProviderTransaction, error)
}

// FromConfig builds one REST client per configured provider, preserving
// configuration order as the tie-break order for equal balances.
func FromConfig(cfgs []config.ProviderConfig) []Client {
	clients := make([]Client, 0, len(cfgs))
	for _, c := range cfgs {
		clients = append(clients, NewRESTClient(c))
	}
	return clients
}
