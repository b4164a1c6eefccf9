package exchange

import (
	"context"
	"strconv"
	"strings"
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
	register("idex", newIdex)
}

// Stream events subscribed per market. Orders and cancels together
// carry the depth side of the feed, trades the executions.
var idexEvents = []string{"market_orders", "market_cancels", "market_trades"}

type idex struct {
	exchange model.Exchange
	markets  []string
	apiKey   string
}

func newIdex(exch model.Exchange, cfg config.Exchange) Adapter {
	return &idex{exchange: exch, markets: cfg.Markets, apiKey: cfg.APIKey}
}

func (i *idex) Exchange() model.Exchange { return i.exchange }

func (i *idex) WebsocketURL() string { return config.IdexWebsocketURL }

func (i *idex) Topics() []Topic {
	topics := make([]Topic, 0, len(i.markets)*3)
	for _, market := range i.markets {
		topics = append(topics,
			Topic{Market: market, Collected: model.CollectedAll},
			Topic{Market: market, Collected: model.CollectedOrderCancels},
			Topic{Market: market, Collected: model.CollectedTrades},
		)
	}
	return topics
}

// PairSymbols splits the underscore spelling, "ETH_AURA" style.
func (i *idex) PairSymbols(market string) (string, string, error) {
	return SplitPair(market, nil)
}

// The datastream protocol double encodes: request and event payloads
// are JSON documents carried as strings inside the outer message.
type wsMessageIdex struct {
	Event   string `json:"event"`
	Payload string `json:"payload"`
	SID     string `json:"sid"`
}

// Setup performs the handshake and subscribes the configured markets,
// threading the handshake's session id through the subscription.
func (i *idex) Setup(_ context.Context, conn Conn, _ *connector.REST) ([]action.Action, error) {
	handshake, err := i.request(conn, "handshake", map[string]interface{}{
		"version": "1.0.0",
		"key":     i.apiKey,
	}, "")
	if err != nil {
		return nil, err
	}
	if handshake.SID == "" {
		return nil, errors.Errorf("idex handshake carried no sid: event %v", handshake.Event)
	}
	_, err = i.request(conn, "subscribeToMarkets", map[string]interface{}{
		"topics": i.markets,
		"events": idexEvents,
	}, handshake.SID)
	if err != nil {
		return nil, err
	}
	return nil, nil
}

func (i *idex) request(conn Conn, request string, payload map[string]interface{}, sid string) (*wsMessageIdex, error) {
	inner, err := jsoniter.Marshal(payload)
	if err != nil {
		return nil, err
	}
	outer := map[string]interface{}{
		"request": request,
		"payload": string(inner),
	}
	if sid != "" {
		outer["sid"] = sid
	}
	frame, err := jsoniter.Marshal(outer)
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
	wr := wsMessageIdex{}
	if err := jsoniter.Unmarshal(reply, &wr); err != nil {
		return nil, err
	}
	return &wr, nil
}

type wsOrdersIdex struct {
	Market string `json:"market"`
	Orders []struct {
		Hash       string    `json:"hash"`
		User       string    `json:"user"`
		AmountBuy  string    `json:"amountBuy"`
		AmountSell string    `json:"amountSell"`
		CreatedAt  time.Time `json:"createdAt"`
	} `json:"orders"`
}

type wsCancelsIdex struct {
	Market  string `json:"market"`
	Cancels []struct {
		OrderHash string    `json:"orderHash"`
		CreatedAt time.Time `json:"createdAt"`
	} `json:"cancels"`
}

type wsTradesIdex struct {
	Market string `json:"market"`
	Trades []struct {
		TID       uint64 `json:"tid"`
		Type      string `json:"type"`
		OrderHash string `json:"orderHash"`
		Maker     string `json:"maker"`
		Taker     string `json:"taker"`
		Price     string `json:"price"`
		Amount    string `json:"amount"`
		Total     string `json:"total"`
		GasFee    string `json:"gasFee"`
		BuyerFee  string `json:"buyerFee"`
		SellerFee string `json:"sellerFee"`
		Timestamp int64  `json:"timestamp"`
	} `json:"trades"`
}

func (i *idex) ParseMessage(frame []byte) ([]action.Action, error) {
	wr := wsMessageIdex{}
	if err := jsoniter.Unmarshal(frame, &wr); err != nil {
		return nil, err
	}
	switch wr.Event {
	case "market_orders":
		return i.parseOrders([]byte(wr.Payload))
	case "market_cancels":
		return i.parseCancels([]byte(wr.Payload))
	case "market_trades":
		return i.parseTrades([]byte(wr.Payload))
	default:
		log.Debug().Str("exchange", "idex").Str("event", wr.Event).Msg("unknown event, ignoring")
		return nil, nil
	}
}

func (i *idex) parseOrders(payload []byte) ([]action.Action, error) {
	wr := wsOrdersIdex{}
	if err := jsoniter.Unmarshal(payload, &wr); err != nil {
		return nil, err
	}
	buySym, sellSym, err := i.PairSymbols(wr.Market)
	if err != nil {
		return nil, err
	}
	orders := make([]model.Row, 0, len(wr.Orders))
	sizes := make([]model.Row, 0, len(wr.Orders))
	for _, o := range wr.Orders {
		amountBuy, err := strconv.ParseFloat(o.AmountBuy, 64)
		if err != nil {
			return nil, err
		}
		amountSell, err := strconv.ParseFloat(o.AmountSell, 64)
		if err != nil {
			return nil, err
		}
		if amountBuy == 0 {
			return nil, errors.Errorf("idex order %v has zero buy amount", o.Hash)
		}
		orders = append(orders, model.Order{
			ExchangeID:      i.exchange.ID,
			ExchangeOrderID: o.Hash,
			BuySymID:        buySym,
			SellSymID:       sellSym,
			User:            o.User,
			Side:            "buy",
			Price:           amountSell / amountBuy,
			Timestamp:       o.CreatedAt,
		})
		sizes = append(sizes, model.OrderSize{
			ExchangeID:      i.exchange.ID,
			ExchangeOrderID: o.Hash,
			Timestamp:       o.CreatedAt,
			Size:            amountBuy,
		})
	}
	return []action.Action{
		&action.Insert{Rows: orders, CheckDuplicates: true},
		&action.Insert{Rows: sizes},
	}, nil
}

func (i *idex) parseCancels(payload []byte) ([]action.Action, error) {
	wr := wsCancelsIdex{}
	if err := jsoniter.Unmarshal(payload, &wr); err != nil {
		return nil, err
	}
	actions := make([]action.Action, 0, len(wr.Cancels))
	for _, c := range wr.Cancels {
		actions = append(actions, &action.Update{
			Table: "orders",
			Filter: map[string]interface{}{
				"exchange_order_id": c.OrderHash,
				"exchange_id":       i.exchange.ID,
			},
			Assign: map[string]interface{}{"cancelled_at": c.CreatedAt},
		})
	}
	return actions, nil
}

func (i *idex) parseTrades(payload []byte) ([]action.Action, error) {
	wr := wsTradesIdex{}
	if err := jsoniter.Unmarshal(payload, &wr); err != nil {
		return nil, err
	}
	buySym, sellSym, err := i.PairSymbols(wr.Market)
	if err != nil {
		return nil, err
	}
	trades := make([]model.Row, 0, len(wr.Trades))
	var updates []action.Action
	for _, t := range wr.Trades {
		price, err := strconv.ParseFloat(t.Price, 64)
		if err != nil {
			return nil, err
		}
		amount, err := strconv.ParseFloat(t.Amount, 64)
		if err != nil {
			return nil, err
		}
		total, err := strconv.ParseFloat(t.Total, 64)
		if err != nil {
			return nil, err
		}
		gasFee, err := strconv.ParseFloat(t.GasFee, 64)
		if err != nil {
			return nil, err
		}
		buyerFee, err := strconv.ParseFloat(t.BuyerFee, 64)
		if err != nil {
			return nil, err
		}
		sellerFee, err := strconv.ParseFloat(t.SellerFee, 64)
		if err != nil {
			return nil, err
		}
		timestamp := time.Unix(t.Timestamp, 0).UTC()
		trades = append(trades, model.Trade{
			ExchangeTradeID: strconv.FormatUint(t.TID, 10),
			ExchangeID:      i.exchange.ID,
			// The pair spelling quotes prices in the first symbol,
			// the reverse of the usual convention, so the sides swap.
			BuySymID:        sellSym,
			SellSymID:       buySym,
			TradeType:       t.Type,
			Maker:           t.Maker,
			Taker:           t.Taker,
			Price:           price,
			Size:            amount,
			Total:           total,
			GasFee:          gasFee,
			BuyerFee:        buyerFee,
			SellerFee:       sellerFee,
			ExchangeOrderID: t.OrderHash,
			Timestamp:       timestamp,
		})
		updates = append(updates, &action.Update{
			Table: "orders",
			Filter: map[string]interface{}{
				"exchange_order_id": t.OrderHash,
				"exchange_id":       i.exchange.ID,
			},
			Assign: map[string]interface{}{"filled_at": timestamp},
		})
	}
	actions := []action.Action{&action.Insert{Rows: trades, IgnoreConflicts: true}}
	return append(actions, updates...), nil
}

// FetchMarkets lists all pairs with their 24h volumes. The volume
// document maps each pair to per-symbol volumes; the first symbol of
// the pair spelling is the quoted one.
func (i *idex) FetchMarkets(ctx context.Context, rest *connector.REST) ([]action.Action, error) {
	var volumes map[string]map[string]string
	if err := fetchJSON(ctx, rest, config.IdexRESTBaseURL+"return24Volume", &volumes); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var coins, markets, exchangeMarkets []model.Row
	for name, vols := range volumes {
		parts := strings.Split(name, "_")
		if len(parts) != 2 {
			log.Warn().Str("exchange", "idex").Str("market", name).Msg("invalid market format, ignoring")
			continue
		}
		quotedSym := parts[0]
		volume, err := strconv.ParseFloat(vols[quotedSym], 64)
		if err != nil {
			volume = 0
		}
		coins = append(coins,
			model.Coin{Symbol: parts[0]},
			model.Coin{Symbol: parts[1]},
		)
		market := model.NewMarket(parts[0], parts[1])
		markets = append(markets, market)
		exchangeMarkets = append(exchangeMarkets, model.ExchangeMarket{
			FirstCoin:          market.FirstCoin,
			SecondCoin:         market.SecondCoin,
			ExchangeID:         i.exchange.ID,
			QuotedVolume:       volume,
			QuotedVolumeID:     quotedSym,
			QuotedVolTimestamp: now,
			OriginalName:       name,
		})
	}
	return []action.Action{
		&action.Insert{Rows: coins, IgnoreConflicts: true},
		&action.Insert{Rows: markets, IgnoreConflicts: true},
		&action.Insert{Rows: exchangeMarkets, IgnoreConflicts: true},
	}, nil
}
