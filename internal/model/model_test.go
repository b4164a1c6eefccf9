package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMarketCanonicalOrder(t *testing.T) {
	a := NewMarket("ETH", "BTC")
	b := NewMarket("BTC", "ETH")
	assert.Equal(t, a, b)
	assert.Equal(t, "BTC", a.FirstCoin)
	assert.Equal(t, "ETH", a.SecondCoin)
}

func TestAggOrderCanonicalCoins(t *testing.T) {
	o := AggOrder{BuySymID: "ETH", SellSymID: "BTC", ExchangeID: 1, OrderType: Bid, Price: 2, Size: 5, LastUpdateID: 7, Timestamp: time.Now()}
	values := FieldMap(o, []string{"first_coin_id", "second_coin_id", "buy_sym_id", "sell_sym_id"})
	assert.Equal(t, "BTC", values["first_coin_id"])
	assert.Equal(t, "ETH", values["second_coin_id"])
	assert.Equal(t, "ETH", values["buy_sym_id"])
	assert.Equal(t, "BTC", values["sell_sym_id"])
}

func TestRowColumnsMatchValues(t *testing.T) {
	rows := []Row{
		Exchange{Name: "binance"},
		Coin{Symbol: "BTC"},
		NewMarket("BTC", "ETH"),
		ExchangeMarket{FirstCoin: "BTC", SecondCoin: "ETH", ExchangeID: 1},
		AggOrder{BuySymID: "BTC", SellSymID: "ETH"},
		Trade{ExchangeTradeID: "1"},
		Order{ExchangeOrderID: "a"},
		OrderSize{},
		MarketOrderFunds{},
		Event{},
		OrderBookSnapshot{},
	}
	for _, r := range rows {
		assert.Len(t, r.Values(), len(r.Columns()), "table %v", r.Table())
	}
}

func TestKeyColumnsSubsetOfColumns(t *testing.T) {
	keyed := []Keyed{
		Exchange{}, Coin{}, Market{}, ExchangeMarket{}, AggOrder{},
		Trade{}, Order{}, OrderBookSnapshot{},
	}
	for _, k := range keyed {
		all := make(map[string]bool)
		for _, c := range k.Columns() {
			all[c] = true
		}
		for _, c := range k.KeyColumns() {
			assert.True(t, all[c], "table %v key column %v", k.Table(), c)
		}
	}
}

func TestNullableFields(t *testing.T) {
	trade := Trade{ExchangeTradeID: "1", ExchangeID: 2}
	values := FieldMap(trade, []string{"maker", "trade_type"})
	assert.Nil(t, values["maker"])
	assert.Nil(t, values["trade_type"])

	order := Order{}
	values = FieldMap(order, []string{"filled_at", "cancelled_at"})
	assert.Nil(t, values["filled_at"])
	assert.Nil(t, values["cancelled_at"])

	now := time.Now()
	order = Order{FilledAt: now}
	values = FieldMap(order, []string{"filled_at"})
	require.NotNil(t, values["filled_at"])
	assert.Equal(t, now, values["filled_at"])
}
