package exchange

import (
	"context"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarbrain/coindepth/internal/action"
	"github.com/stellarbrain/coindepth/internal/config"
	"github.com/stellarbrain/coindepth/internal/model"
)

func newTestIdex() *idex {
	return newIdex(model.Exchange{ID: 4, Name: "idex"}, config.Exchange{Markets: []string{"ETH_AURA"}, APIKey: "key"}).(*idex)
}

// wrap double encodes a payload the way the datastream does.
func wrapIdex(t *testing.T, event string, payload interface{}) []byte {
	t.Helper()
	inner, err := jsoniter.Marshal(payload)
	require.NoError(t, err)
	frame, err := jsoniter.Marshal(map[string]interface{}{"event": event, "payload": string(inner)})
	require.NoError(t, err)
	return frame
}

func TestIdexParseOrders(t *testing.T) {
	i := newTestIdex()
	frame := wrapIdex(t, "market_orders", map[string]interface{}{
		"market": "ETH_AURA",
		"orders": []map[string]interface{}{{
			"hash":       "0xabc",
			"user":       "0xdef",
			"amountBuy":  "4",
			"amountSell": "2",
			"createdAt":  "2019-05-01T10:00:00.000Z",
		}},
	})
	actions, err := i.ParseMessage(frame)
	require.NoError(t, err)
	require.Len(t, actions, 2)

	orderInsert := actions[0].(*action.Insert)
	assert.True(t, orderInsert.CheckDuplicates)
	order := orderInsert.Rows[0].(model.Order)
	assert.Equal(t, "0xabc", order.ExchangeOrderID)
	assert.Equal(t, "0xdef", order.User)
	assert.Equal(t, "ETH", order.BuySymID)
	assert.Equal(t, "AURA", order.SellSymID)
	assert.Equal(t, 0.5, order.Price)

	size := actions[1].(*action.Insert).Rows[0].(model.OrderSize)
	assert.Equal(t, 4.0, size.Size)
}

func TestIdexParseCancels(t *testing.T) {
	i := newTestIdex()
	frame := wrapIdex(t, "market_cancels", map[string]interface{}{
		"market": "ETH_AURA",
		"cancels": []map[string]interface{}{
			{"orderHash": "0xabc", "createdAt": "2019-05-01T10:00:00.000Z"},
			{"orderHash": "0xddd", "createdAt": "2019-05-01T10:00:01.000Z"},
		},
	})
	actions, err := i.ParseMessage(frame)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	for _, a := range actions {
		update := a.(*action.Update)
		assert.Equal(t, "orders", update.Table)
		assert.Contains(t, update.Assign, "cancelled_at")
	}
}

func TestIdexParseTradesSwapsPair(t *testing.T) {
	i := newTestIdex()
	frame := wrapIdex(t, "market_trades", map[string]interface{}{
		"market": "ETH_AURA",
		"trades": []map[string]interface{}{{
			"tid":       1337,
			"type":      "buy",
			"orderHash": "0xabc",
			"maker":     "0x111",
			"taker":     "0x222",
			"price":     "0.001",
			"amount":    "100",
			"total":     "0.1",
			"gasFee":    "0.01",
			"buyerFee":  "0.2",
			"sellerFee": "0.1",
			"timestamp": 1556704800,
		}},
	})
	actions, err := i.ParseMessage(frame)
	require.NoError(t, err)
	require.Len(t, actions, 2)

	trade := actions[0].(*action.Insert).Rows[0].(model.Trade)
	// Prices are quoted in the first symbol of the pair spelling, so
	// the stored orientation is reversed.
	assert.Equal(t, "AURA", trade.BuySymID)
	assert.Equal(t, "ETH", trade.SellSymID)
	assert.Equal(t, "1337", trade.ExchangeTradeID)
	assert.Equal(t, 0.001, trade.Price)
	assert.Equal(t, 100.0, trade.Size)

	update := actions[1].(*action.Update)
	assert.Contains(t, update.Assign, "filled_at")
}

func TestIdexUnknownEventIgnored(t *testing.T) {
	i := newTestIdex()
	actions, err := i.ParseMessage([]byte(`{"event":"market_listing","payload":"{}"}`))
	require.NoError(t, err)
	assert.Empty(t, actions)
}

// scriptedConn replays canned reads and records writes.
type scriptedConn struct {
	writes  [][]byte
	replies [][]byte
}

func (c *scriptedConn) Write(data []byte) error {
	c.writes = append(c.writes, data)
	return nil
}

func (c *scriptedConn) Read() ([]byte, error) {
	reply := c.replies[0]
	c.replies = c.replies[1:]
	return reply, nil
}

func TestIdexSetupHandshake(t *testing.T) {
	i := newTestIdex()
	conn := &scriptedConn{replies: [][]byte{
		[]byte(`{"request":"handshake","sid":"sid-123","payload":"{}"}`),
		[]byte(`{"request":"subscribeToMarkets","sid":"sid-123","payload":"{}"}`),
	}}
	_, err := i.Setup(context.Background(), conn, nil)
	require.NoError(t, err)
	require.Len(t, conn.writes, 2)

	var sub struct {
		Request string `json:"request"`
		SID     string `json:"sid"`
		Payload string `json:"payload"`
	}
	require.NoError(t, jsoniter.Unmarshal(conn.writes[1], &sub))
	assert.Equal(t, "subscribeToMarkets", sub.Request)
	assert.Equal(t, "sid-123", sub.SID)
	assert.Contains(t, sub.Payload, "ETH_AURA")
}

func TestIdexSetupMissingSID(t *testing.T) {
	i := newTestIdex()
	conn := &scriptedConn{replies: [][]byte{[]byte(`{"request":"handshake","payload":"{}"}`)}}
	_, err := i.Setup(context.Background(), conn, nil)
	require.Error(t, err)
}
