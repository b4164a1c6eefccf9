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

const hitbtcTradesLimit = 1000

func init() {
	register("hitbtc", newHitbtc)
}

type hitbtcSymbol struct {
	base  string
	quote string
}

type hitbtc struct {
	exchange model.Exchange
	markets  []string

	// Symbol table keyed by the exchange's concatenated pair id.
	symbols map[string]hitbtcSymbol

	reqID int
}

func newHitbtc(exch model.Exchange, cfg config.Exchange) Adapter {
	return &hitbtc{exchange: exch, markets: cfg.Markets}
}

func (h *hitbtc) Exchange() model.Exchange { return h.exchange }

func (h *hitbtc) WebsocketURL() string { return config.HitbtcWebsocketURL }

func (h *hitbtc) Topics() []Topic {
	topics := make([]Topic, 0, len(h.markets)*2)
	for _, market := range h.markets {
		topics = append(topics,
			Topic{Market: market, Collected: model.CollectedAggOrderBook},
			Topic{Market: market, Collected: model.CollectedTrades},
		)
	}
	return topics
}

// PairSymbols resolves a concatenated pair id against the fetched
// symbol table. The exchange lists tether markets under "USD", so USD
// is rewritten to USDT when the raw id spells out USDT (except TUSD
// quoted pairs, where the T belongs to the quote).
func (h *hitbtc) PairSymbols(market string) (string, string, error) {
	market = strings.ToUpper(market)
	s, ok := h.symbols[market]
	if !ok {
		return "", "", errors.Wrap(ErrUnknownPair, market)
	}
	base, quote := s.base, s.quote
	if base == "USD" && strings.HasPrefix(market, "USDT") && quote != "TUSD" {
		base = "USDT"
	}
	if quote == "USD" && strings.HasSuffix(market, "USDT") {
		quote = "USDT"
	}
	return base, quote, nil
}

func (h *hitbtc) fetchSymbols(ctx context.Context, rest *connector.REST) error {
	var symbols []struct {
		ID            string `json:"id"`
		BaseCurrency  string `json:"baseCurrency"`
		QuoteCurrency string `json:"quoteCurrency"`
	}
	if err := fetchJSON(ctx, rest, config.HitbtcRESTBaseURL+"public/symbol", &symbols); err != nil {
		return err
	}
	h.symbols = make(map[string]hitbtcSymbol, len(symbols))
	for _, s := range symbols {
		h.symbols[s.ID] = hitbtcSymbol{base: s.BaseCurrency, quote: s.QuoteCurrency}
	}
	return nil
}

// Setup fetches the symbol table and subscribes every configured market
// to the order book and trade streams. Each subscribe reply is parsed
// through the normal message path since the initial book snapshot can
// arrive as the direct reply.
func (h *hitbtc) Setup(ctx context.Context, conn Conn, rest *connector.REST) ([]action.Action, error) {
	if err := h.fetchSymbols(ctx, rest); err != nil {
		return nil, err
	}
	var actions []action.Action
	for _, market := range h.markets {
		symbol := strings.ToUpper(market)
		for _, sub := range []struct {
			method string
			params map[string]interface{}
		}{
			{"subscribeOrderbook", map[string]interface{}{"symbol": symbol}},
			{"subscribeTrades", map[string]interface{}{"symbol": symbol, "limit": hitbtcTradesLimit}},
		} {
			reply, err := h.subscribe(conn, sub.method, sub.params)
			if err != nil {
				return nil, err
			}
			parsed, err := h.ParseMessage(reply)
			if err != nil {
				return nil, err
			}
			actions = append(actions, parsed...)
		}
	}
	return actions, nil
}

func (h *hitbtc) subscribe(conn Conn, method string, params map[string]interface{}) ([]byte, error) {
	h.reqID++
	frame, err := jsoniter.Marshal(map[string]interface{}{
		"method": method,
		"params": params,
		"id":     h.reqID,
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Write(frame); err != nil {
		return nil, err
	}
	return conn.Read()
}

// JSON-RPC notification envelope. Subscribe acks carry a result field
// instead of a method and parse to no actions.
type wsNotificationHitbtc struct {
	Method string              `json:"method"`
	Params jsoniter.RawMessage `json:"params"`
}

type wsLevelHitbtc struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type wsOrderbookHitbtc struct {
	Ask       []wsLevelHitbtc `json:"ask"`
	Bid       []wsLevelHitbtc `json:"bid"`
	Symbol    string          `json:"symbol"`
	Sequence  int64           `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
}

type wsTradesHitbtc struct {
	Data []struct {
		ID        uint64    `json:"id"`
		Price     string    `json:"price"`
		Quantity  string    `json:"quantity"`
		Side      string    `json:"side"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"data"`
	Symbol string `json:"symbol"`
}

func (h *hitbtc) ParseMessage(frame []byte) ([]action.Action, error) {
	wr := wsNotificationHitbtc{}
	if err := jsoniter.Unmarshal(frame, &wr); err != nil {
		return nil, err
	}
	switch wr.Method {
	case "snapshotOrderbook", "updateOrderbook":
		return h.parseOrderbook(wr.Params)
	case "snapshotTrades", "updateTrades":
		return h.parseTrades(wr.Params)
	case "":
		// Subscribe ack or error reply.
		return nil, nil
	default:
		log.Debug().Str("exchange", "hitbtc").Str("method", wr.Method).Msg("unknown method, ignoring")
		return nil, nil
	}
}

// parseOrderbook handles both the initial snapshot and incremental
// updates; an update carries size 0 for removed levels. The stream's
// sequence number is the update id, so for one price the row with the
// greatest sequence is the live one.
func (h *hitbtc) parseOrderbook(params jsoniter.RawMessage) ([]action.Action, error) {
	wr := wsOrderbookHitbtc{}
	if err := jsoniter.Unmarshal(params, &wr); err != nil {
		return nil, err
	}
	buySym, sellSym, err := h.PairSymbols(wr.Symbol)
	if err != nil {
		return nil, err
	}
	rows := make([]model.Row, 0, len(wr.Bid)+len(wr.Ask))
	convert := func(levels []wsLevelHitbtc, orderType model.OrderType) error {
		for _, level := range levels {
			price, err := strconv.ParseFloat(level.Price, 64)
			if err != nil {
				return err
			}
			size, err := strconv.ParseFloat(level.Size, 64)
			if err != nil {
				return err
			}
			rows = append(rows, model.AggOrder{
				BuySymID:     buySym,
				SellSymID:    sellSym,
				ExchangeID:   h.exchange.ID,
				OrderType:    orderType,
				Price:        price,
				Size:         size,
				LastUpdateID: wr.Sequence,
				Timestamp:    wr.Timestamp,
			})
		}
		return nil
	}
	if err := convert(wr.Bid, model.Bid); err != nil {
		return nil, err
	}
	if err := convert(wr.Ask, model.Ask); err != nil {
		return nil, err
	}
	return []action.Action{&action.Insert{Rows: rows, IgnoreConflicts: true}}, nil
}

func (h *hitbtc) parseTrades(params jsoniter.RawMessage) ([]action.Action, error) {
	wr := wsTradesHitbtc{}
	if err := jsoniter.Unmarshal(params, &wr); err != nil {
		return nil, err
	}
	buySym, sellSym, err := h.PairSymbols(wr.Symbol)
	if err != nil {
		return nil, err
	}
	rows := make([]model.Row, 0, len(wr.Data))
	for _, t := range wr.Data {
		price, err := strconv.ParseFloat(t.Price, 64)
		if err != nil {
			return nil, err
		}
		size, err := strconv.ParseFloat(t.Quantity, 64)
		if err != nil {
			return nil, err
		}
		rows = append(rows, model.Trade{
			ExchangeTradeID: strconv.FormatUint(t.ID, 10),
			ExchangeID:      h.exchange.ID,
			BuySymID:        buySym,
			SellSymID:       sellSym,
			TradeType:       t.Side,
			Price:           price,
			Size:            size,
			Timestamp:       t.Timestamp,
		})
	}
	return []action.Action{&action.Insert{Rows: rows, IgnoreConflicts: true}}, nil
}

// FetchMarkets joins the symbol table with the 24h tickers.
func (h *hitbtc) FetchMarkets(ctx context.Context, rest *connector.REST) ([]action.Action, error) {
	if err := h.fetchSymbols(ctx, rest); err != nil {
		return nil, err
	}
	var tickers []struct {
		Symbol    string    `json:"symbol"`
		Volume    string    `json:"volume"`
		Timestamp time.Time `json:"timestamp"`
	}
	if err := fetchJSON(ctx, rest, config.HitbtcRESTBaseURL+"public/ticker", &tickers); err != nil {
		return nil, err
	}
	var coins, markets, exchangeMarkets []model.Row
	for _, t := range tickers {
		base, quote, err := h.PairSymbols(t.Symbol)
		if err != nil {
			log.Warn().Str("exchange", "hitbtc").Str("symbol", t.Symbol).Msg("symbol not found in fetched symbols")
			continue
		}
		volume, err := strconv.ParseFloat(t.Volume, 64)
		if err != nil {
			volume = 0
		}
		coins = append(coins,
			model.Coin{Symbol: base},
			model.Coin{Symbol: quote},
		)
		market := model.NewMarket(base, quote)
		markets = append(markets, market)
		exchangeMarkets = append(exchangeMarkets, model.ExchangeMarket{
			FirstCoin:          market.FirstCoin,
			SecondCoin:         market.SecondCoin,
			ExchangeID:         h.exchange.ID,
			QuotedVolume:       volume,
			QuotedVolumeID:     base,
			QuotedVolTimestamp: t.Timestamp,
			OriginalName:       t.Symbol,
		})
	}
	return []action.Action{
		&action.Insert{Rows: coins, IgnoreConflicts: true},
		&action.Insert{Rows: markets, IgnoreConflicts: true},
		&action.Insert{Rows: exchangeMarkets, IgnoreConflicts: true},
	}, nil
}
