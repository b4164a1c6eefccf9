package model

import (
	"time"
)

// OrderType is the side of an aggregate order book entry.
type OrderType string

// Aggregate order book sides.
const (
	Bid OrderType = "bid"
	Ask OrderType = "ask"
)

// ConnectionEvent marks a feed lifecycle transition.
type ConnectionEvent string

// Connection event values.
const (
	Connect    ConnectionEvent = "connect"
	Disconnect ConnectionEvent = "disconnect"
)

// DataCollected tells which kind of data a connection event covers.
type DataCollected string

// Data collected values.
const (
	CollectedTrades       DataCollected = "trades"
	CollectedAggOrderBook DataCollected = "agg_order_book"
	CollectedOrderCancels DataCollected = "order_cancels"
	CollectedAll          DataCollected = "all"
)

// Row is a storable entity. Columns and Values are parallel slices.
type Row interface {
	Table() string
	Columns() []string
	Values() []interface{}
}

// Keyed is a Row with an identity used for duplicate checks and
// conflict-tolerant inserts. Key columns must be a subset of Columns.
type Keyed interface {
	Row
	KeyColumns() []string
}

// FieldMap returns a column name to value map for the given columns of a row.
func FieldMap(r Row, columns []string) map[string]interface{} {
	all := make(map[string]interface{}, len(columns))
	values := r.Values()
	for i, c := range r.Columns() {
		all[c] = values[i]
	}
	m := make(map[string]interface{}, len(columns))
	for _, c := range columns {
		m[c] = all[c]
	}
	return m
}

// nullTime converts the zero time to a SQL NULL.
func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// nullString converts the empty string to a SQL NULL.
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Exchange is a static reference row per venue.
type Exchange struct {
	ID   int
	Name string
}

func (e Exchange) Table() string         { return "exchanges" }
func (e Exchange) Columns() []string     { return []string{"name"} }
func (e Exchange) Values() []interface{} { return []interface{}{e.Name} }
func (e Exchange) KeyColumns() []string  { return []string{"name"} }

// Coin is a currency identified by its symbol.
type Coin struct {
	Symbol           string
	Name             string
	PriceUSD         float64
	LastPriceUpdated time.Time
}

func (c Coin) Table() string     { return "coins" }
func (c Coin) Columns() []string { return []string{"symbol", "name"} }
func (c Coin) Values() []interface{} {
	return []interface{}{c.Symbol, nullString(c.Name)}
}
func (c Coin) KeyColumns() []string { return []string{"symbol"} }

// CanonicalPair orders two coin symbols lexicographically so that a
// market identity is direction independent.
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// Market is a canonical, direction independent coin pair.
type Market struct {
	FirstCoin  string
	SecondCoin string
}

// NewMarket builds a market with canonical coin ordering.
func NewMarket(a, b string) Market {
	first, second := CanonicalPair(a, b)
	return Market{FirstCoin: first, SecondCoin: second}
}

func (m Market) Table() string { return "markets" }
func (m Market) Columns() []string {
	return []string{"first_coin_id", "second_coin_id"}
}
func (m Market) Values() []interface{} {
	return []interface{}{m.FirstCoin, m.SecondCoin}
}
func (m Market) KeyColumns() []string {
	return []string{"first_coin_id", "second_coin_id"}
}

// ExchangeMarket is one market as listed on one exchange. OriginalName
// preserves the exchange's own pair spelling since exchanges disagree
// about which side of a pair is the base.
type ExchangeMarket struct {
	FirstCoin          string
	SecondCoin         string
	ExchangeID         int
	QuotedVolume       float64
	QuotedVolumeID     string
	QuotedVolTimestamp time.Time
	VolumeUSD          float64
	VolUSDTimestamp    time.Time
	OriginalName       string
	AggOrdersCount     int
}

func (m ExchangeMarket) Table() string { return "exchange_markets" }
func (m ExchangeMarket) Columns() []string {
	return []string{
		"first_coin_id", "second_coin_id", "exchange_id",
		"quoted_volume", "quoted_volume_id", "quoted_vol_timestamp",
		"original_name",
	}
}
func (m ExchangeMarket) Values() []interface{} {
	return []interface{}{
		m.FirstCoin, m.SecondCoin, m.ExchangeID,
		m.QuotedVolume, m.QuotedVolumeID, nullTime(m.QuotedVolTimestamp),
		m.OriginalName,
	}
}
func (m ExchangeMarket) KeyColumns() []string {
	return []string{"first_coin_id", "second_coin_id", "exchange_id"}
}

// AggOrder is one price level of a depth update, not a trader's order.
// A row with Size == 0 is a tombstone: the level was removed. The
// identity (order_type, price, last_update_id, exchange_id) makes
// inserts idempotent; for a fixed (exchange, price, order_type) the
// row with the greatest LastUpdateID is authoritative.
type AggOrder struct {
	BuySymID     string
	SellSymID    string
	ExchangeID   int
	OrderType    OrderType
	Price        float64
	Size         float64
	LastUpdateID int64
	Timestamp    time.Time
}

func (o AggOrder) Table() string { return "aggregate_orders" }
func (o AggOrder) Columns() []string {
	return []string{
		"last_update_id", "timestamp", "buy_sym_id", "sell_sym_id",
		"first_coin_id", "second_coin_id", "exchange_id",
		"order_type", "price", "size",
	}
}
func (o AggOrder) Values() []interface{} {
	first, second := CanonicalPair(o.BuySymID, o.SellSymID)
	return []interface{}{
		o.LastUpdateID, o.Timestamp, o.BuySymID, o.SellSymID,
		first, second, o.ExchangeID,
		string(o.OrderType), o.Price, o.Size,
	}
}
func (o AggOrder) KeyColumns() []string {
	return []string{"order_type", "price", "last_update_id", "exchange_id"}
}

// Trade is an executed trade, immutable once inserted.
type Trade struct {
	ExchangeTradeID string
	ExchangeID      int
	BuySymID        string
	SellSymID       string
	TradeType       string
	Maker           string
	Taker           string
	Price           float64
	Size            float64
	Total           float64
	BuyerFee        float64
	SellerFee       float64
	GasFee          float64
	ExchangeOrderID string
	MakerOrderID    string
	TakerOrderID    string
	Timestamp       time.Time
}

func (t Trade) Table() string { return "trades" }
func (t Trade) Columns() []string {
	return []string{
		"exchange_trade_id", "exchange_id", "timestamp", "trade_type",
		"buy_sym_id", "sell_sym_id", "maker", "taker", "price", "size",
		"total", "buyer_fee", "seller_fee", "gas_fee",
		"exchange_order_id", "maker_order_id", "taker_order_id",
	}
}
func (t Trade) Values() []interface{} {
	return []interface{}{
		t.ExchangeTradeID, t.ExchangeID, t.Timestamp, nullString(t.TradeType),
		t.BuySymID, t.SellSymID, nullString(t.Maker), nullString(t.Taker),
		t.Price, t.Size,
		t.Total, t.BuyerFee, t.SellerFee, t.GasFee,
		nullString(t.ExchangeOrderID), nullString(t.MakerOrderID), nullString(t.TakerOrderID),
	}
}
func (t Trade) KeyColumns() []string {
	return []string{"exchange_trade_id", "exchange_id"}
}

// Order is per-order state for exchanges that expose full order
// granularity. Fill and cancel times arrive later as updates.
type Order struct {
	ExchangeID      int
	ExchangeOrderID string
	BuySymID        string
	SellSymID       string
	User            string
	Side            string
	OrderType       string
	Price           float64
	GasFee          float64
	Timestamp       time.Time
	FilledAt        time.Time
	CancelledAt     time.Time
	Expiry          time.Time
	LastUpdated     time.Time
}

func (o Order) Table() string { return "orders" }
func (o Order) Columns() []string {
	return []string{
		"exchange_id", "exchange_order_id", "timestamp", "buy_sym_id",
		"sell_sym_id", "user", "side", "order_type", "price", "gas_fee",
		"filled_at", "cancelled_at", "expiry", "last_updated",
	}
}
func (o Order) Values() []interface{} {
	return []interface{}{
		o.ExchangeID, o.ExchangeOrderID, o.Timestamp, o.BuySymID,
		o.SellSymID, nullString(o.User), nullString(o.Side), nullString(o.OrderType),
		o.Price, o.GasFee,
		nullTime(o.FilledAt), nullTime(o.CancelledAt), nullTime(o.Expiry), nullTime(o.LastUpdated),
	}
}
func (o Order) KeyColumns() []string {
	return []string{"exchange_id", "exchange_order_id"}
}

// OrderSize is an append-only size revision of an order.
type OrderSize struct {
	ExchangeID      int
	ExchangeOrderID string
	Timestamp       time.Time
	Size            float64
}

func (s OrderSize) Table() string { return "order_sizes" }
func (s OrderSize) Columns() []string {
	return []string{"exchange_id", "exchange_order_id", "timestamp", "size"}
}
func (s OrderSize) Values() []interface{} {
	return []interface{}{s.ExchangeID, s.ExchangeOrderID, s.Timestamp, s.Size}
}

// MarketOrderFunds is an append-only funds revision of a market order.
type MarketOrderFunds struct {
	ExchangeID      int
	ExchangeOrderID string
	Timestamp       time.Time
	Funds           float64
}

func (f MarketOrderFunds) Table() string { return "market_order_funds" }
func (f MarketOrderFunds) Columns() []string {
	return []string{"exchange_id", "exchange_order_id", "timestamp", "funds"}
}
func (f MarketOrderFunds) Values() []interface{} {
	return []interface{}{f.ExchangeID, f.ExchangeOrderID, f.Timestamp, f.Funds}
}

// Event is a connection/data lifecycle marker. It is the ground truth
// for when a feed was actually live for a market.
type Event struct {
	SessionID       string
	Timestamp       time.Time
	ExchangeID      int
	BuySymID        string
	SellSymID       string
	ConnectionEvent ConnectionEvent
	DataCollected   DataCollected
}

func (e Event) Table() string { return "events" }
func (e Event) Columns() []string {
	return []string{
		"session_id", "timestamp", "exchange_id", "buy_sym_id",
		"sell_sym_id", "connection_event", "data_collected",
	}
}
func (e Event) Values() []interface{} {
	return []interface{}{
		e.SessionID, e.Timestamp, e.ExchangeID, e.BuySymID,
		e.SellSymID, string(e.ConnectionEvent), string(e.DataCollected),
	}
}

// Snapshot type values for OrderBookSnapshot.
const (
	SnapshotQuartile      = "quartile"
	SnapshotMidPriceRange = "mid_price_range"
)

// OrderBookSnapshot is a derived, append-only statistical summary of a
// filtered order book at one instant. Never updated after insert.
type OrderBookSnapshot struct {
	Timestamp     time.Time
	SnapshotType  string
	MidPriceRange float64
	BuySymID      string
	SellSymID     string
	ExchangeID    int

	Spread          float64
	BidsVolume      float64
	AsksVolume      float64
	BidsCount       int
	AsksCount       int
	BidsPriceStddev float64
	AsksPriceStddev float64
	BidsPriceMean   float64
	AsksPriceMean   float64
	MinAskPrice     float64
	MinAskSize      float64
	MaxBidPrice     float64
	MaxBidSize      float64
	BidPriceMedian  float64
	AskPriceMedian  float64
}

func (s OrderBookSnapshot) Table() string { return "order_book_snapshots" }
func (s OrderBookSnapshot) Columns() []string {
	return []string{
		"timestamp", "snapshot_type", "mid_price_range", "buy_sym_id",
		"sell_sym_id", "exchange_id", "spread", "bids_volume",
		"asks_volume", "bids_count", "asks_count", "bids_price_stddev",
		"asks_price_stddev", "bids_price_mean", "asks_price_mean",
		"min_ask_price", "min_ask_size", "max_bid_price", "max_bid_size",
		"bid_price_median", "ask_price_median",
	}
}
func (s OrderBookSnapshot) Values() []interface{} {
	return []interface{}{
		s.Timestamp, s.SnapshotType, s.MidPriceRange, s.BuySymID,
		s.SellSymID, s.ExchangeID, s.Spread, s.BidsVolume,
		s.AsksVolume, s.BidsCount, s.AsksCount, s.BidsPriceStddev,
		s.AsksPriceStddev, s.BidsPriceMean, s.AsksPriceMean,
		s.MinAskPrice, s.MinAskSize, s.MaxBidPrice, s.MaxBidSize,
		s.BidPriceMedian, s.AskPriceMedian,
	}
}
func (s OrderBookSnapshot) KeyColumns() []string {
	return []string{
		"timestamp", "snapshot_type", "mid_price_range",
		"buy_sym_id", "sell_sym_id", "exchange_id",
	}
}
