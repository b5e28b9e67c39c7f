package providers

import (
	"context"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mextic/recargas-sub003/config"
	"github.com/mextic/recargas-sub003/internal/errclass"
	"github.com/mextic/recargas-sub003/model"
)

func newTestClient() *RESTClient {
	return NewRESTClient(config.ProviderConfig{
		Name:       "taecel",
		URL:        "http://taecel.example/api",
		Key:        "key",
		Secret:     "secret",
		TimeoutSec: 5,
	})
}

func TestGetBalance(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", "http://taecel.example/api/saldo",
		httpmock.NewStringResponder(200, `{"success": true, "saldo": "1520.75"}`))

	balance, err := newTestClient().GetBalance(context.Background())
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("1520.75")))
}

func TestGetBalanceServerError(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", "http://taecel.example/api/saldo",
		httpmock.NewStringResponder(503, `{}`))

	_, err := newTestClient().GetBalance(context.Background())
	require.Error(t, err)
	assert.Equal(t, errclass.Retriable, errclass.Classify(err))
}

func TestChargeSuccess(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "http://taecel.example/api/recargas",
		httpmock.NewStringResponder(200,
			`{"success": true, "transID": "T-778", "folio": "ABC123", "monto": "50"}`))

	txn, err := newTestClient().Charge(context.Background(), model.RechargeCandidate{
		SIM:    "5551234567",
		Fleet:  model.FleetTracking,
		Amount: decimal.NewFromInt(50),
	})
	require.NoError(t, err)
	assert.Equal(t, "taecel", txn.Provider)
	assert.Equal(t, "ABC123", txn.Folio)
	assert.Equal(t, "T-778", txn.TransactionID)
	assert.True(t, txn.Amount.Equal(decimal.NewFromInt(50)))
	assert.NotEmpty(t, txn.RawResponse)
}

func TestChargeDuplicateIsFatal(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "http://taecel.example/api/recargas",
		httpmock.NewStringResponder(200,
			`{"success": false, "code": "05", "message": "transaccion duplicada"}`))

	_, err := newTestClient().Charge(context.Background(), model.RechargeCandidate{SIM: "5551234567"})
	require.Error(t, err)
	assert.True(t, errclass.IsCode(err, errclass.ErrProviderFatal))
	assert.Equal(t, errclass.Fatal, errclass.Classify(err))
}

func TestChargeInsufficientBalanceIsRetriable(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "http://taecel.example/api/recargas",
		httpmock.NewStringResponder(200,
			`{"success": false, "code": "01", "message": "saldo insuficiente"}`))

	_, err := newTestClient().Charge(context.Background(), model.RechargeCandidate{SIM: "5551234567"})
	require.Error(t, err)
	assert.True(t, errclass.IsCode(err, errclass.ErrProviderTransient))
	assert.Equal(t, errclass.Retriable, errclass.Classify(err))
}

func TestChargeMissingFolioIsFatal(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "http://taecel.example/api/recargas",
		httpmock.NewStringResponder(200, `{"success": true, "transID": "T-1"}`))

	_, err := newTestClient().Charge(context.Background(), model.RechargeCandidate{SIM: "5551234567"})
	require.Error(t, err)
	assert.True(t, errclass.IsCode(err, errclass.ErrProviderFatal))
}
