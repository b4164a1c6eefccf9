package exchange

import (
	"context"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	"github.com/stellarbrain/coindepth/internal/action"
	"github.com/stellarbrain/coindepth/internal/config"
	"github.com/stellarbrain/coindepth/internal/connector"
	"github.com/stellarbrain/coindepth/internal/model"
)

// Depth snapshot limit must be one of 5, 10, 20, 50, 100, 500 or 1000.
const binanceDepthSnapshotLimit = 1000

func init() {
	register("binance", newBinance)
}

type binance struct {
	exchange model.Exchange
	markets  []string
	symbols  map[string]struct{}
}

func newBinance(exch model.Exchange, cfg config.Exchange) Adapter {
	return &binance{exchange: exch, markets: cfg.Markets}
}

func (b *binance) Exchange() model.Exchange { return b.exchange }

// WebsocketURL builds the combined stream url subscribing every
// configured market to the trade and depth streams.
func (b *binance) WebsocketURL() string {
	streams := make([]string, 0, len(b.markets)*2)
	for _, market := range b.markets {
		id := strings.ToLower(strings.ReplaceAll(market, "_", ""))
		streams = append(streams, id+"@trade", id+"@depth")
	}
	return config.BinanceWebsocketURL + strings.Join(streams, "/")
}

func (b *binance) Topics() []Topic {
	topics := make([]Topic, 0, len(b.markets)*2)
	for _, market := range b.markets {
		topics = append(topics,
			Topic{Market: market, Collected: model.CollectedTrades},
			Topic{Market: market, Collected: model.CollectedAggOrderBook},
		)
	}
	return topics
}

func (b *binance) PairSymbols(market string) (string, string, error) {
	return SplitPair(market, b.symbols)
}

// Setup fetches the known-symbol set and an initial depth snapshot per
// market, so the book has a base the stream's deltas apply to.
func (b *binance) Setup(ctx context.Context, _ Conn, rest *connector.REST) ([]action.Action, error) {
	if err := b.fetchSymbols(ctx, rest); err != nil {
		return nil, err
	}
	var actions []action.Action
	for _, market := range b.markets {
		id := strings.ToUpper(strings.ReplaceAll(market, "_", ""))
		var snapshot struct {
			LastUpdateID int64       `json:"lastUpdateId"`
			Bids         [][2]string `json:"bids"`
			Asks         [][2]string `json:"asks"`
		}
		url := config.BinanceRESTBaseURL + "depth?symbol=" + id + "&limit=" + strconv.Itoa(binanceDepthSnapshotLimit)
		if err := fetchJSON(ctx, rest, url, &snapshot); err != nil {
			return nil, err
		}
		orders, err := b.aggOrders(id, snapshot.LastUpdateID, time.Now().UTC(), snapshot.Bids, snapshot.Asks)
		if err != nil {
			return nil, err
		}
		log.Debug().Str("exchange", "binance").Str("market", market).Int("levels", len(orders)).Msg("depth snapshot fetched")
		actions = append(actions, &action.Insert{Rows: orders, IgnoreConflicts: true})
	}
	return actions, nil
}

func (b *binance) fetchSymbols(ctx context.Context, rest *connector.REST) error {
	var info struct {
		Symbols []struct {
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
		} `json:"symbols"`
	}
	if err := fetchJSON(ctx, rest, config.BinanceRESTBaseURL+"exchangeInfo", &info); err != nil {
		return err
	}
	b.symbols = make(map[string]struct{}, len(info.Symbols)*2)
	for _, s := range info.Symbols {
		b.symbols[s.BaseAsset] = struct{}{}
		b.symbols[s.QuoteAsset] = struct{}{}
	}
	return nil
}

// Combined stream envelope. Message kind is dispatched on data.e.
type wsEnvelopeBinance struct {
	Stream string              `json:"stream"`
	Data   jsoniter.RawMessage `json:"data"`
}

type wsHeadBinance struct {
	Event string `json:"e"`

	// Decoy for the uppercase event-time key, otherwise the decoder
	// does a case-insensitive match of "E" against "e".
	EventTime int64 `json:"E"`
}

type wsTradeBinance struct {
	Event        string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      uint64 `json:"t"`
	Price        string `json:"p"`
	Qty          string `json:"q"`
	BuyerOrderID int64  `json:"b"`
	SellOrderID  int64  `json:"a"`
	TradeTime    int64  `json:"T"`
	Maker        bool   `json:"m"`

	// Same decoy trick as above, for "m" versus "M".
	IsBestMatch bool `json:"M"`
}

type wsDepthBinance struct {
	Event         string      `json:"e"`
	EventTime     int64       `json:"E"`
	Symbol        string      `json:"s"`
	FirstUpdateID int64       `json:"U"`
	FinalUpdateID int64       `json:"u"`
	Bids          [][2]string `json:"b"`
	Asks          [][2]string `json:"a"`
}

func (b *binance) ParseMessage(frame []byte) ([]action.Action, error) {
	env := wsEnvelopeBinance{}
	if err := jsoniter.Unmarshal(frame, &env); err != nil {
		return nil, err
	}
	if len(env.Data) == 0 {
		log.Debug().Str("exchange", "binance").Msg("message without stream data, ignoring")
		return nil, nil
	}
	head := wsHeadBinance{}
	if err := jsoniter.Unmarshal(env.Data, &head); err != nil {
		return nil, err
	}
	switch head.Event {
	case "trade":
		return b.parseTrade(env.Data)
	case "depthUpdate":
		return b.parseDepthUpdate(env.Data)
	default:
		log.Debug().Str("exchange", "binance").Str("event", head.Event).Msg("unknown event type, ignoring")
		return nil, nil
	}
}

func (b *binance) parseTrade(data jsoniter.RawMessage) ([]action.Action, error) {
	wr := wsTradeBinance{}
	if err := jsoniter.Unmarshal(data, &wr); err != nil {
		return nil, err
	}
	buySym, sellSym, err := b.PairSymbols(wr.Symbol)
	if err != nil {
		return nil, err
	}
	size, err := strconv.ParseFloat(wr.Qty, 64)
	if err != nil {
		return nil, err
	}
	price, err := strconv.ParseFloat(wr.Price, 64)
	if err != nil {
		return nil, err
	}
	side := "sell"
	if wr.Maker {
		side = "buy"
	}
	trade := model.Trade{
		ExchangeTradeID: strconv.FormatUint(wr.TradeID, 10),
		ExchangeID:      b.exchange.ID,
		BuySymID:        buySym,
		SellSymID:       sellSym,
		TradeType:       side,
		Price:           price,
		Size:            size,
		MakerOrderID:    strconv.FormatInt(wr.BuyerOrderID, 10),
		TakerOrderID:    strconv.FormatInt(wr.SellOrderID, 10),
		// Time sent is in milliseconds.
		Timestamp: time.Unix(0, wr.TradeTime*int64(time.Millisecond)).UTC(),
	}
	return []action.Action{&action.Insert{Rows: []model.Row{trade}, IgnoreConflicts: true}}, nil
}

func (b *binance) parseDepthUpdate(data jsoniter.RawMessage) ([]action.Action, error) {
	wr := wsDepthBinance{}
	if err := jsoniter.Unmarshal(data, &wr); err != nil {
		return nil, err
	}
	timestamp := time.Unix(0, wr.EventTime*int64(time.Millisecond)).UTC()
	orders, err := b.aggOrders(wr.Symbol, wr.FinalUpdateID, timestamp, wr.Bids, wr.Asks)
	if err != nil {
		return nil, err
	}
	return []action.Action{&action.Insert{Rows: orders, IgnoreConflicts: true}}, nil
}

// aggOrders converts raw price/size level pairs into aggregate order
// rows. All levels of one update share the exchange's update id.
func (b *binance) aggOrders(symbol string, lastUpdateID int64, timestamp time.Time, bids, asks [][2]string) ([]model.Row, error) {
	buySym, sellSym, err := b.PairSymbols(symbol)
	if err != nil {
		return nil, err
	}
	rows := make([]model.Row, 0, len(bids)+len(asks))
	convert := func(levels [][2]string, orderType model.OrderType) error {
		for _, level := range levels {
			price, err := strconv.ParseFloat(level[0], 64)
			if err != nil {
				return err
			}
			size, err := strconv.ParseFloat(level[1], 64)
			if err != nil {
				return err
			}
			rows = append(rows, model.AggOrder{
				BuySymID:     buySym,
				SellSymID:    sellSym,
				ExchangeID:   b.exchange.ID,
				OrderType:    orderType,
				Price:        price,
				Size:         size,
				LastUpdateID: lastUpdateID,
				Timestamp:    timestamp,
			})
		}
		return nil
	}
	if err := convert(bids, model.Bid); err != nil {
		return nil, err
	}
	if err := convert(asks, model.Ask); err != nil {
		return nil, err
	}
	return rows, nil
}

// FetchMarkets retrieves the tradable pair list with 24h volumes and
// returns insert actions for coins, markets and exchange markets.
func (b *binance) FetchMarkets(ctx context.Context, rest *connector.REST) ([]action.Action, error) {
	var info struct {
		Symbols []struct {
			Symbol     string `json:"symbol"`
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
		} `json:"symbols"`
	}
	if err := fetchJSON(ctx, rest, config.BinanceRESTBaseURL+"exchangeInfo", &info); err != nil {
		return nil, err
	}
	b.symbols = make(map[string]struct{}, len(info.Symbols)*2)
	for _, s := range info.Symbols {
		b.symbols[s.BaseAsset] = struct{}{}
		b.symbols[s.QuoteAsset] = struct{}{}
	}

	var tickers []struct {
		Symbol string `json:"symbol"`
		Volume string `json:"volume"`
	}
	if err := fetchJSON(ctx, rest, config.BinanceRESTBaseURL+"ticker/24hr", &tickers); err != nil {
		return nil, err
	}
	volumes := make(map[string]float64, len(tickers))
	for _, t := range tickers {
		vol, err := strconv.ParseFloat(t.Volume, 64)
		if err != nil {
			continue
		}
		volumes[t.Symbol] = vol
	}

	now := time.Now().UTC()
	var coins, markets, exchangeMarkets []model.Row
	for _, s := range info.Symbols {
		coins = append(coins,
			model.Coin{Symbol: s.BaseAsset},
			model.Coin{Symbol: s.QuoteAsset},
		)
		market := model.NewMarket(s.BaseAsset, s.QuoteAsset)
		markets = append(markets, market)
		exchangeMarkets = append(exchangeMarkets, model.ExchangeMarket{
			FirstCoin:          market.FirstCoin,
			SecondCoin:         market.SecondCoin,
			ExchangeID:         b.exchange.ID,
			QuotedVolume:       volumes[s.Symbol],
			QuotedVolumeID:     s.BaseAsset,
			QuotedVolTimestamp: now,
			OriginalName:       s.Symbol,
		})
	}
	return []action.Action{
		&action.Insert{Rows: coins, IgnoreConflicts: true},
		&action.Insert{Rows: markets, IgnoreConflicts: true},
		&action.Insert{Rows: exchangeMarkets, IgnoreConflicts: true},
	}, nil
}
