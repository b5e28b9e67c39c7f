package providers

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mextic/recargas-sub003/internal/errclass"
	"github.com/mextic/recargas-sub003/model"
)

type stubProvider struct {
	name       string
	balance    decimal.Decimal
	balanceErr error
	chargeFn   func(model.RechargeCandidate) (*model.ProviderTransaction, error)
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) GetBalance(context.Context) (decimal.Decimal, error) {
	return s.balance, s.balanceErr
}

func (s *stubProvider) Charge(_ context.Context, c model.RechargeCandidate) (*model.ProviderTransaction, error) {
	if s.chargeFn != nil {
		return s.chargeFn(c)
	}
	return nil, nil
}

func TestOrderedByBalance(t *testing.T) {
	router := NewRouter([]Client{
		&stubProvider{name: "taecel", balance: decimal.NewFromInt(500)},
		&stubProvider{name: "mst", balance: decimal.NewFromInt(2000)},
		&stubProvider{name: "fullcarga", balance: decimal.NewFromInt(900)},
	}, decimal.NewFromInt(100))

	ordered, err := router.OrderedByBalance(context.Background())
	require.NoError(t, err)
	require.Len(t, ordered, 3)
	assert.Equal(t, "mst", ordered[0].Name)
	assert.Equal(t, "fullcarga", ordered[1].Name)
	assert.Equal(t, "taecel", ordered[2].Name)
}

func TestOrderedByBalanceFiltersBelowThreshold(t *testing.T) {
	router := NewRouter([]Client{
		&stubProvider{name: "taecel", balance: decimal.NewFromInt(50)},
		&stubProvider{name: "mst", balance: decimal.NewFromInt(2000)},
	}, decimal.NewFromInt(100))

	ordered, err := router.OrderedByBalance(context.Background())
	require.NoError(t, err)
	require.Len(t, ordered, 1)
	assert.Equal(t, "mst", ordered[0].Name)
}

func TestOrderedByBalanceNoProviderAvailable(t *testing.T) {
	router := NewRouter([]Client{
		&stubProvider{name: "taecel", balance: decimal.NewFromInt(50)},
		&stubProvider{name: "mst", balance: decimal.NewFromInt(99)},
	}, decimal.NewFromInt(100))

	_, err := router.OrderedByBalance(context.Background())
	require.Error(t, err)
	assert.True(t, errclass.IsCode(err, errclass.ErrNoProviderAvailable))
	assert.Equal(t, errclass.Fatal, errclass.Classify(err))
}

func TestOrderedByBalanceSkipsFailingProvider(t *testing.T) {
	router := NewRouter([]Client{
		&stubProvider{name: "taecel", balanceErr: errclass.New(errclass.ErrProviderTransient, "timeout", nil)},
		&stubProvider{name: "mst", balance: decimal.NewFromInt(2000)},
	}, decimal.NewFromInt(100))

	ordered, err := router.OrderedByBalance(context.Background())
	require.NoError(t, err)
	require.Len(t, ordered, 1)
	assert.Equal(t, "mst", ordered[0].Name)
}

func TestByName(t *testing.T) {
	taecel := &stubProvider{name: "taecel"}
	router := NewRouter([]Client{taecel}, decimal.Zero)

	assert.Equal(t, Client(taecel), router.ByName("taecel"))
	assert.Nil(t, router.ByName("unknown"))
}

func TestOrderedByBalanceEqualBalancesKeepConfigOrder(t *testing.T) {
	router := NewRouter([]Client{
		&stubProvider{name: "first", balance: decimal.NewFromInt(300)},
		&stubProvider{name: "second", balance: decimal.NewFromInt(300)},
	}, decimal.NewFromInt(100))

	ordered, err := router.OrderedByBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", ordered[0].Name)
	assert.Equal(t, "second", ordered[1].Name)
}
