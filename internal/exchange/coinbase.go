package exchange

import (
	"context"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/stellarbrain/coindepth/internal/action"
	"github.com/stellarbrain/coindepth/internal/config"
	"github.com/stellarbrain/coindepth/internal/connector"
	"github.com/stellarbrain/coindepth/internal/model"
)

func init() {
	register("coinbase", newCoinbase)
}

type coinbase struct {
	exchange model.Exchange
	markets  []string

	// The level2 channel carries no exchange sequence number, so the
	// adapter issues its own update ids. Seeding from the wall clock in
	// milliseconds keeps ids monotonic across restarts.
	lastUpdateID int64
}

func newCoinbase(exch model.Exchange, cfg config.Exchange) Adapter {
	return &coinbase{
		exchange:     exch,
		markets:      cfg.Markets,
		lastUpdateID: time.Now().UnixMilli(),
	}
}

func (c *coinbase) Exchange() model.Exchange { return c.exchange }

func (c *coinbase) WebsocketURL() string { return config.CoinbaseWebsocketURL }

func (c *coinbase) Topics() []Topic {
	topics := make([]Topic, 0, len(c.markets)*2)
	for _, market := range c.markets {
		topics = append(topics,
			Topic{Market: market, Collected: model.CollectedAll},
			Topic{Market: market, Collected: model.CollectedAggOrderBook},
		)
	}
	return topics
}

// PairSymbols splits the product id on its dash, "BTC-USD" style.
func (c *coinbase) PairSymbols(market string) (string, string, error) {
	return SplitPair(market, nil)
}

// nextUpdateID issues one update id per depth batch. All levels of one
// snapshot or l2update share it.
func (c *coinbase) nextUpdateID() int64 {
	c.lastUpdateID++
	return c.lastUpdateID
}

// Setup subscribes the configured products to the full and level2
// channels and waits for the subscription confirmation.
func (c *coinbase) Setup(_ context.Context, conn Conn, _ *connector.REST) ([]action.Action, error) {
	sub := struct {
		Type       string   `json:"type"`
		ProductIDs []string `json:"product_ids"`
		Channels   []string `json:"channels"`
	}{
		Type:       "subscribe",
		ProductIDs: c.markets,
		Channels:   []string{"full", "level2"},
	}
	frame, err := jsoniter.Marshal(sub)
	if err != nil {
		return nil, err
	}
	if err := conn.Write(frame); err != nil {
		return nil, err
	}
	reply, err := conn.Read()
	if err != nil {
		return nil, err
	}
	head := wsHeadCoinbase{}
	if err := jsoniter.Unmarshal(reply, &head); err != nil {
		return nil, err
	}
	if head.Type != "subscriptions" {
		return nil, errors.Errorf("coinbase subscribe failed, got message type %v", head.Type)
	}
	return nil, nil
}

type wsHeadCoinbase struct {
	Type string `json:"type"`
}

type wsReceivedCoinbase struct {
	OrderID   string    `json:"order_id"`
	OrderType string    `json:"order_type"`
	Side      string    `json:"side"`
	ProductID string    `json:"product_id"`
	Price     string    `json:"price"`
	Size      string    `json:"size"`
	Funds     string    `json:"funds"`
	Time      time.Time `json:"time"`
}

type wsOpenCoinbase struct {
	OrderID       string    `json:"order_id"`
	ProductID     string    `json:"product_id"`
	RemainingSize string    `json:"remaining_size"`
	Time          time.Time `json:"time"`
}

type wsDoneCoinbase struct {
	OrderID   string    `json:"order_id"`
	Reason    string    `json:"reason"`
	ProductID string    `json:"product_id"`
	Time      time.Time `json:"time"`
}

type wsMatchCoinbase struct {
	TradeID      uint64    `json:"trade_id"`
	MakerOrderID string    `json:"maker_order_id"`
	TakerOrderID string    `json:"taker_order_id"`
	Side         string    `json:"side"`
	ProductID    string    `json:"product_id"`
	Price        string    `json:"price"`
	Size         string    `json:"size"`
	Time         time.Time `json:"time"`
}

type wsChangeCoinbase struct {
	OrderID   string    `json:"order_id"`
	ProductID string    `json:"product_id"`
	NewSize   string    `json:"new_size"`
	NewFunds  string    `json:"new_funds"`
	Time      time.Time `json:"time"`
}

type wsBookSnapshotCoinbase struct {
	ProductID string      `json:"product_id"`
	Bids      [][2]string `json:"bids"`
	Asks      [][2]string `json:"asks"`
}

type wsL2UpdateCoinbase struct {
	ProductID string      `json:"product_id"`
	Changes   [][3]string `json:"changes"`
	Time      time.Time   `json:"time"`
}

func (c *coinbase) ParseMessage(frame []byte) ([]action.Action, error) {
	head := wsHeadCoinbase{}
	if err := jsoniter.Unmarshal(frame, &head); err != nil {
		return nil, err
	}
	switch head.Type {
	case "received":
		return c.parseReceived(frame)
	case "open":
		return c.parseOpen(frame)
	case "done":
		return c.parseDone(frame)
	case "match", "last_match":
		return c.parseMatch(frame)
	case "change":
		return c.parseChange(frame)
	case "snapshot":
		return c.parseBookSnapshot(frame)
	case "l2update":
		return c.parseL2Update(frame)
	case "heartbeat", "subscriptions":
		return nil, nil
	case "error":
		return nil, errors.Errorf("coinbase feed error message: %s", frame)
	default:
		log.Debug().Str("exchange", "coinbase").Str("type", head.Type).Msg("unknown message type, ignoring")
		return nil, nil
	}
}

func (c *coinbase) parseReceived(frame []byte) ([]action.Action, error) {
	wr := wsReceivedCoinbase{}
	if err := jsoniter.Unmarshal(frame, &wr); err != nil {
		return nil, err
	}
	buySym, sellSym, err := c.PairSymbols(wr.ProductID)
	if err != nil {
		return nil, err
	}
	order := model.Order{
		ExchangeID:      c.exchange.ID,
		ExchangeOrderID: wr.OrderID,
		BuySymID:        buySym,
		SellSymID:       sellSym,
		Side:            wr.Side,
		OrderType:       wr.OrderType,
		Timestamp:       wr.Time,
		LastUpdated:     wr.Time,
	}
	if wr.Price != "" {
		order.Price, err = strconv.ParseFloat(wr.Price, 64)
		if err != nil {
			return nil, err
		}
	}
	actions := []action.Action{
		&action.Insert{Rows: []model.Row{order}, CheckDuplicates: true},
	}
	if wr.Size != "" {
		size, err := strconv.ParseFloat(wr.Size, 64)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action.NewInsert(model.OrderSize{
			ExchangeID:      c.exchange.ID,
			ExchangeOrderID: wr.OrderID,
			Timestamp:       wr.Time,
			Size:            size,
		}))
	}
	// Market orders carry funds instead of a size.
	if wr.Funds != "" {
		funds, err := strconv.ParseFloat(wr.Funds, 64)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action.NewInsert(model.MarketOrderFunds{
			ExchangeID:      c.exchange.ID,
			ExchangeOrderID: wr.OrderID,
			Timestamp:       wr.Time,
			Funds:           funds,
		}))
	}
	return actions, nil
}

func (c *coinbase) parseOpen(frame []byte) ([]action.Action, error) {
	wr := wsOpenCoinbase{}
	if err := jsoniter.Unmarshal(frame, &wr); err != nil {
		return nil, err
	}
	size, err := strconv.ParseFloat(wr.RemainingSize, 64)
	if err != nil {
		return nil, err
	}
	return []action.Action{
		action.NewInsert(model.OrderSize{
			ExchangeID:      c.exchange.ID,
			ExchangeOrderID: wr.OrderID,
			Timestamp:       wr.Time,
			Size:            size,
		}),
		c.orderUpdate(wr.OrderID, map[string]interface{}{"last_updated": wr.Time}),
	}, nil
}

func (c *coinbase) parseDone(frame []byte) ([]action.Action, error) {
	wr := wsDoneCoinbase{}
	if err := jsoniter.Unmarshal(frame, &wr); err != nil {
		return nil, err
	}
	assign := map[string]interface{}{"last_updated": wr.Time}
	switch wr.Reason {
	case "filled":
		assign["filled_at"] = wr.Time
	case "canceled":
		assign["cancelled_at"] = wr.Time
	}
	return []action.Action{c.orderUpdate(wr.OrderID, assign)}, nil
}

// orderUpdate targets an order by its exchange identity. The order may
// predate this session and then the update matches zero rows, which is
// not an error.
func (c *coinbase) orderUpdate(orderID string, assign map[string]interface{}) action.Action {
	return &action.Update{
		Table: "orders",
		Filter: map[string]interface{}{
			"exchange_id":       c.exchange.ID,
			"exchange_order_id": orderID,
		},
		Assign: assign,
	}
}

func (c *coinbase) parseMatch(frame []byte) ([]action.Action, error) {
	wr := wsMatchCoinbase{}
	if err := jsoniter.Unmarshal(frame, &wr); err != nil {
		return nil, err
	}
	buySym, sellSym, err := c.PairSymbols(wr.ProductID)
	if err != nil {
		return nil, err
	}
	price, err := strconv.ParseFloat(wr.Price, 64)
	if err != nil {
		return nil, err
	}
	size, err := strconv.ParseFloat(wr.Size, 64)
	if err != nil {
		return nil, err
	}
	trade := model.Trade{
		ExchangeTradeID: strconv.FormatUint(wr.TradeID, 10),
		ExchangeID:      c.exchange.ID,
		BuySymID:        buySym,
		SellSymID:       sellSym,
		TradeType:       wr.Side,
		Price:           price,
		Size:            size,
		Total:           price * size,
		MakerOrderID:    wr.MakerOrderID,
		TakerOrderID:    wr.TakerOrderID,
		Timestamp:       wr.Time,
	}
	return []action.Action{&action.Insert{Rows: []model.Row{trade}, IgnoreConflicts: true}}, nil
}

func (c *coinbase) parseChange(frame []byte) ([]action.Action, error) {
	wr := wsChangeCoinbase{}
	if err := jsoniter.Unmarshal(frame, &wr); err != nil {
		return nil, err
	}
	var actions []action.Action
	if wr.NewSize != "" {
		size, err := strconv.ParseFloat(wr.NewSize, 64)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action.NewInsert(model.OrderSize{
			ExchangeID:      c.exchange.ID,
			ExchangeOrderID: wr.OrderID,
			Timestamp:       wr.Time,
			Size:            size,
		}))
	}
	if wr.NewFunds != "" {
		funds, err := strconv.ParseFloat(wr.NewFunds, 64)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action.NewInsert(model.MarketOrderFunds{
			ExchangeID:      c.exchange.ID,
			ExchangeOrderID: wr.OrderID,
			Timestamp:       wr.Time,
			Funds:           funds,
		}))
	}
	return actions, nil
}

func (c *coinbase) parseBookSnapshot(frame []byte) ([]action.Action, error) {
	wr := wsBookSnapshotCoinbase{}
	if err := jsoniter.Unmarshal(frame, &wr); err != nil {
		return nil, err
	}
	buySym, sellSym, err := c.PairSymbols(wr.ProductID)
	if err != nil {
		return nil, err
	}
	lastUpdateID := c.nextUpdateID()
	timestamp := time.Now().UTC()
	rows := make([]model.Row, 0, len(wr.Bids)+len(wr.Asks))
	for _, level := range wr.Bids {
		row, err := c.aggOrder(buySym, sellSym, model.Bid, level[0], level[1], lastUpdateID, timestamp)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	for _, level := range wr.Asks {
		row, err := c.aggOrder(buySym, sellSym, model.Ask, level[0], level[1], lastUpdateID, timestamp)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return []action.Action{&action.Insert{Rows: rows, IgnoreConflicts: true}}, nil
}

func (c *coinbase) parseL2Update(frame []byte) ([]action.Action, error) {
	wr := wsL2UpdateCoinbase{}
	if err := jsoniter.Unmarshal(frame, &wr); err != nil {
		return nil, err
	}
	buySym, sellSym, err := c.PairSymbols(wr.ProductID)
	if err != nil {
		return nil, err
	}
	lastUpdateID := c.nextUpdateID()
	rows := make([]model.Row, 0, len(wr.Changes))
	for _, change := range wr.Changes {
		orderType := model.Ask
		if change[0] == "buy" {
			orderType = model.Bid
		}
		row, err := c.aggOrder(buySym, sellSym, orderType, change[1], change[2], lastUpdateID, wr.Time)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return []action.Action{&action.Insert{Rows: rows, IgnoreConflicts: true}}, nil
}

func (c *coinbase) aggOrder(buySym, sellSym string, orderType model.OrderType, rawPrice, rawSize string, lastUpdateID int64, timestamp time.Time) (model.Row, error) {
	price, err := strconv.ParseFloat(rawPrice, 64)
	if err != nil {
		return nil, err
	}
	size, err := strconv.ParseFloat(rawSize, 64)
	if err != nil {
		return nil, err
	}
	return model.AggOrder{
		BuySymID:     buySym,
		SellSymID:    sellSym,
		ExchangeID:   c.exchange.ID,
		OrderType:    orderType,
		Price:        price,
		Size:         size,
		LastUpdateID: lastUpdateID,
		Timestamp:    timestamp,
	}, nil
}

// FetchMarkets lists the tradable products with their 24h volumes.
func (c *coinbase) FetchMarkets(ctx context.Context, rest *connector.REST) ([]action.Action, error) {
	var products []struct {
		ID            string `json:"id"`
		BaseCurrency  string `json:"base_currency"`
		QuoteCurrency string `json:"quote_currency"`
	}
	if err := fetchJSON(ctx, rest, config.CoinbaseRESTBaseURL+"products", &products); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var coins, markets, exchangeMarkets []model.Row
	for _, p := range products {
		var stats struct {
			Volume string `json:"volume"`
		}
		if err := fetchJSON(ctx, rest, config.CoinbaseRESTBaseURL+"products/"+p.ID+"/stats", &stats); err != nil {
			return nil, err
		}
		volume, err := strconv.ParseFloat(stats.Volume, 64)
		if err != nil {
			volume = 0
		}
		coins = append(coins,
			model.Coin{Symbol: p.BaseCurrency},
			model.Coin{Symbol: p.QuoteCurrency},
		)
		market := model.NewMarket(p.BaseCurrency, p.QuoteCurrency)
		markets = append(markets, market)
		exchangeMarkets = append(exchangeMarkets, model.ExchangeMarket{
			FirstCoin:          market.FirstCoin,
			SecondCoin:         market.SecondCoin,
			ExchangeID:         c.exchange.ID,
			QuotedVolume:       volume,
			QuotedVolumeID:     p.BaseCurrency,
			QuotedVolTimestamp: now,
			OriginalName:       p.ID,
		})
	}
	return []action.Action{
		&action.Insert{Rows: coins, IgnoreConflicts: true},
		&action.Insert{Rows: markets, IgnoreConflicts: true},
		&action.Insert{Rows: exchangeMarkets, IgnoreConflicts: true},
	}, nil
}
