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
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mextic/recargas-sub003/config"
	"github.com/mextic/recargas-sub003/internal/errclass"
	"github.com/mextic/recargas-sub003/internal/request"
	"github.com/mextic/recargas-sub003/model"
)

// RESTClient talks to a recharge provider's HTTP API. Provider response
// codes are mapped to typed failure categories here, at the wire
// boundary, so nothing downstream ever inspects message text.
type RESTClient struct {
	name    string
	url     string
	key     string
	secret  string
	timeout time.Duration
}

func NewRESTClient(cfg config.ProviderConfig) *RESTClient {
	return &RESTClient{
		name:    cfg.Name,
		url:     cfg.URL,
		key:     cfg.Key,
		secret:  cfg.Secret,
		timeout: time.Duration(cfg.TimeoutSec) * time.Second,
	}
}

func (c *RESTClient) Name() string {
	return c.name
}

type balanceResponse struct {
	Success bool            `json:"success"`
	Balance decimal.Decimal `json:"saldo"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
}

type chargeResponse struct {
	Success       bool            `json:"success"`
	TransactionID string          `json:"transID"`
	Folio         string          `json:"folio"`
	Amount        decimal.Decimal `json:"monto"`
	Code          string          `json:"code"`
	Message       string          `json:"message"`
}

func (c *RESTClient) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.url+"/saldo", nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Authorization", "Basic "+request.BasicAuth(c.key, c.secret))

	var resp balanceResponse
	httpResp, err := request.Call(req, &resp, c.timeout)
	if err != nil {
		return decimal.Zero, errclass.New(errclass.ErrProviderTransient,
			fmt.Sprintf("balance query to %s failed", c.name), err)
	}
	if httpResp.StatusCode >= 500 {
		return decimal.Zero, errclass.New(errclass.ErrProviderTransient,
			fmt.Sprintf("balance query to %s returned %d", c.name, httpResp.StatusCode), nil)
	}
	if !resp.Success {
		return decimal.Zero, c.mapError("balance query", resp.Code, resp.Message)
	}
	return resp.Balance, nil
}

func (c *RESTClient) Charge(ctx context.Context, candidate model.RechargeCandidate) (*model.ProviderTransaction, error) {
	payload, err := request.ToJsonReq(map[string]interface{}{
		"telefono": candidate.SIM,
		"monto":    candidate.Amount,
	})
	if err != nil {
		return nil, errclass.New(errclass.ErrProviderFatal, "malformed charge request", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/recargas", payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Basic "+request.BasicAuth(c.key, c.secret))

	var resp chargeResponse
	httpResp, err := request.Call(req, &resp, c.timeout)
	if err != nil {
		// Timeouts and connection resets are retriable; the retry engine
		// owns the attempt budget.
		return nil, errclass.New(errclass.ErrProviderTransient,
			fmt.Sprintf("charge via %s failed", c.name), err)
	}
	if httpResp.StatusCode >= 500 {
		return nil, errclass.New(errclass.ErrProviderTransient,
			fmt.Sprintf("charge via %s returned %d", c.name, httpResp.StatusCode), nil)
	}
	if !resp.Success {
		return nil, c.mapError("charge", resp.Code, resp.Message)
	}
	if resp.Folio == "" {
		return nil, errclass.New(errclass.ErrProviderFatal,
			fmt.Sprintf("charge via %s returned no folio", c.name), nil)
	}

	raw, _ := json.Marshal(resp)
	return &model.ProviderTransaction{
		Provider:      c.name,
		TransactionID: resp.TransactionID,
		Folio:         resp.Folio,
		Amount:        resp.Amount,
		RawResponse:   raw,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// mapError is the provisional mapping from provider wire codes to typed
// failure categories, ported from the provider's API documentation.
func (c *RESTClient) mapError(op, code, message string) error {
	msg := fmt.Sprintf("%s via %s rejected (code %s): %s", op, c.name, code, message)
	switch code {
	case "01": // insufficient provider balance
		return errclass.New(errclass.ErrProviderTransient, msg, nil)
	case "02": // provider platform busy
		return errclass.New(errclass.ErrProviderTransient, msg, nil)
	case "05": // duplicate transaction
		return errclass.New(errclass.ErrProviderFatal, msg, nil)
	case "06": // invalid subscriber number
		return errclass.New(errclass.ErrProviderFatal, msg, nil)
	case "97": // authentication failure
		return errclass.New(errclass.ErrProviderFatal, msg, nil)
	}
	// Unknown codes stay retriable within the bounded attempt budget.
	return errclass.New(errclass.ErrProviderTransient, msg, nil)
}
