package storage

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/stellarbrain/coindepth/internal/config"
	"github.com/stellarbrain/coindepth/internal/model"
)

// MySQL is the relational store. It keeps at most one transaction open;
// all writes go through it and Commit / Rollback close it. Callers are
// responsible for serializing access (the orchestrator does this with a
// mutex, the snapshot generator is single threaded).
type MySQL struct {
	DB  *sql.DB
	Cfg *config.MySQL

	tx *sql.Tx
}

// InitMySQL initializes mysql connection with configured values.
func InitMySQL(cfg *config.MySQL) (*MySQL, error) {
	dataSourceName := cfg.User + ":" + cfg.Password + cfg.URL + "/" + cfg.Schema + "?parseTime=true"
	db, err := sql.Open("mysql", dataSourceName)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(time.Second * time.Duration(cfg.ConnMaxLifetimeSec))
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	ctx, cancel := reqCtx(context.Background(), cfg.ReqTimeoutSec)
	defer cancel()
	if err = db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &MySQL{DB: db, Cfg: cfg}, nil
}

// Close closes the database handle, rolling back any open transaction.
func (m *MySQL) Close() error {
	_ = m.Rollback()
	return m.DB.Close()
}

func reqCtx(appCtx context.Context, timeoutSec int) (context.Context, context.CancelFunc) {
	if timeoutSec > 0 {
		return context.WithTimeout(appCtx, time.Duration(timeoutSec)*time.Second)
	}
	return context.WithCancel(appCtx)
}

// begin lazily opens the single transaction. The transaction is bound
// to the background context so a per-request timeout cannot abort it
// midway between batches.
func (m *MySQL) begin() (*sql.Tx, error) {
	if m.tx != nil {
		return m.tx, nil
	}
	tx, err := m.DB.BeginTx(context.Background(), nil)
	if err != nil {
		return nil, err
	}
	m.tx = tx
	return m.tx, nil
}

// Commit commits the open transaction, if any.
func (m *MySQL) Commit(_ context.Context) error {
	if m.tx == nil {
		return nil
	}
	err := m.tx.Commit()
	m.tx = nil
	return err
}

// Rollback discards the open transaction, if any.
func (m *MySQL) Rollback() error {
	if m.tx == nil {
		return nil
	}
	err := m.tx.Rollback()
	m.tx = nil
	return err
}

func quoteIdent(s string) string {
	return "`" + s + "`"
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Insert batch inserts rows into their table. All rows must share one
// table and column set.
func (m *MySQL) Insert(ctx context.Context, rows []model.Row) (int64, error) {
	return m.insert(ctx, rows, false)
}

// InsertIgnore batch inserts rows, skipping ones that conflict with a
// primary key or unique index. This is the dedup-safe path used for
// aggregate orders, trades and the market/coin reference rows that
// concurrent feeds race to create.
func (m *MySQL) InsertIgnore(ctx context.Context, rows []model.Row) (int64, error) {
	return m.insert(ctx, rows, true)
}

func (m *MySQL) insert(appCtx context.Context, rows []model.Row, ignore bool) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	columns := rows[0].Columns()
	var sb strings.Builder
	sb.WriteString("INSERT ")
	if ignore {
		sb.WriteString("IGNORE ")
	}
	sb.WriteString("INTO ")
	sb.WriteString(quoteIdent(rows[0].Table()))
	sb.WriteString("(")
	for i, c := range columns {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(quoteIdent(c))
	}
	sb.WriteString(") VALUES ")
	placeholders := "(?" + strings.Repeat(",?", len(columns)-1) + ")"
	args := make([]interface{}, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(placeholders)
		args = append(args, row.Values()...)
	}

	tx, err := m.begin()
	if err != nil {
		return 0, err
	}
	ctx, cancel := reqCtx(appCtx, m.Cfg.ReqTimeoutSec)
	defer cancel()
	res, err := tx.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, errors.Wrapf(err, "insert into %v", rows[0].Table())
	}
	return res.RowsAffected()
}

// Exists reports whether a row matching the filter exists, looking
// through the open transaction so uncommitted batches are visible.
func (m *MySQL) Exists(appCtx context.Context, table string, filter map[string]interface{}) (bool, error) {
	var sb strings.Builder
	sb.WriteString("SELECT EXISTS(SELECT 1 FROM ")
	sb.WriteString(quoteIdent(table))
	sb.WriteString(" WHERE ")
	args := make([]interface{}, 0, len(filter))
	for i, k := range sortedKeys(filter) {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		// Null-safe equality so optional columns can participate.
		sb.WriteString(quoteIdent(k))
		sb.WriteString(" <=> ?")
		args = append(args, filter[k])
	}
	sb.WriteString(")")

	tx, err := m.begin()
	if err != nil {
		return false, err
	}
	ctx, cancel := reqCtx(appCtx, m.Cfg.ReqTimeoutSec)
	defer cancel()
	var exists bool
	if err := tx.QueryRowContext(ctx, sb.String(), args...).Scan(&exists); err != nil {
		return false, errors.Wrapf(err, "existence check on %v", table)
	}
	return exists, nil
}

// Update applies assignments to every row matching the filter and
// returns the count of rows updated; zero matches is a normal outcome.
func (m *MySQL) Update(appCtx context.Context, table string, filter, assign map[string]interface{}) (int64, error) {
	var sb strings.Builder
	sb.WriteString("UPDATE ")
	sb.WriteString(quoteIdent(table))
	sb.WriteString(" SET ")
	args := make([]interface{}, 0, len(assign)+len(filter))
	for i, k := range sortedKeys(assign) {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(quoteIdent(k))
		sb.WriteString(" = ?")
		args = append(args, assign[k])
	}
	sb.WriteString(" WHERE ")
	for i, k := range sortedKeys(filter) {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		sb.WriteString(quoteIdent(k))
		sb.WriteString(" = ?")
		args = append(args, filter[k])
	}

	tx, err := m.begin()
	if err != nil {
		return 0, err
	}
	ctx, cancel := reqCtx(appCtx, m.Cfg.ReqTimeoutSec)
	defer cancel()
	res, err := tx.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, errors.Wrapf(err, "update %v", table)
	}
	return res.RowsAffected()
}

// ExchangeByName returns the exchange reference row for the name.
func (m *MySQL) ExchangeByName(appCtx context.Context, name string) (model.Exchange, error) {
	ctx, cancel := reqCtx(appCtx, m.Cfg.ReqTimeoutSec)
	defer cancel()
	var exch model.Exchange
	err := m.DB.QueryRowContext(ctx, "SELECT id, name FROM exchanges WHERE name = ?", name).
		Scan(&exch.ID, &exch.Name)
	if err != nil {
		return model.Exchange{}, errors.Wrapf(err, "exchange lookup for %v", name)
	}
	return exch, nil
}

// SnapshotMarkets lists the (exchange, market) pairs for which
// aggregate order book data has been collected, optionally restricted
// to a set of exchange names.
func (m *MySQL) SnapshotMarkets(appCtx context.Context, exchangeNames []string) ([]SnapshotMarket, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT DISTINCT e.buy_sym_id, e.sell_sym_id, x.id, x.name
		FROM events e INNER JOIN exchanges x ON e.exchange_id = x.id
		WHERE e.data_collected = ?`)
	args := []interface{}{string(model.CollectedAggOrderBook)}
	if len(exchangeNames) > 0 {
		sb.WriteString(" AND x.name IN (?" + strings.Repeat(",?", len(exchangeNames)-1) + ")")
		for _, n := range exchangeNames {
			args = append(args, n)
		}
	}
	sb.WriteString(" ORDER BY x.name, e.buy_sym_id, e.sell_sym_id")

	ctx, cancel := reqCtx(appCtx, m.Cfg.ReqTimeoutSec)
	defer cancel()
	rows, err := m.DB.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, errors.Wrap(err, "snapshot markets query")
	}
	defer rows.Close()
	var markets []SnapshotMarket
	for rows.Next() {
		var sm SnapshotMarket
		if err := rows.Scan(&sm.BuySymID, &sm.SellSymID, &sm.Exchange.ID, &sm.Exchange.Name); err != nil {
			return nil, err
		}
		markets = append(markets, sm)
	}
	return markets, rows.Err()
}

// MarketEvents returns the connection event history for one market on
// one exchange, ordered by time, restricted to events that cover the
// aggregate order book stream.
func (m *MySQL) MarketEvents(appCtx context.Context, exchangeID int, buySymID, sellSymID string) ([]model.Event, error) {
	ctx, cancel := reqCtx(appCtx, m.Cfg.ReqTimeoutSec)
	defer cancel()
	rows, err := m.DB.QueryContext(ctx, `SELECT session_id, timestamp, exchange_id, buy_sym_id, sell_sym_id, connection_event, data_collected
		FROM events
		WHERE exchange_id = ? AND buy_sym_id = ? AND sell_sym_id = ? AND data_collected IN (?, ?)
		ORDER BY timestamp, id`,
		exchangeID, buySymID, sellSymID,
		string(model.CollectedAggOrderBook), string(model.CollectedAll))
	if err != nil {
		return nil, errors.Wrap(err, "market events query")
	}
	defer rows.Close()
	var events []model.Event
	for rows.Next() {
		var ev model.Event
		var connEvent, collected string
		if err := rows.Scan(&ev.SessionID, &ev.Timestamp, &ev.ExchangeID, &ev.BuySymID, &ev.SellSymID, &connEvent, &collected); err != nil {
			return nil, err
		}
		ev.ConnectionEvent = model.ConnectionEvent(connEvent)
		ev.DataCollected = model.DataCollected(collected)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LatestSnapshotTime returns the timestamp of the most recent snapshot
// for the (market, exchange, filter) key, so runs are restartable.
func (m *MySQL) LatestSnapshotTime(appCtx context.Context, exchangeID int, buySymID, sellSymID, snapshotType string, midPriceRange float64) (time.Time, bool, error) {
	ctx, cancel := reqCtx(appCtx, m.Cfg.ReqTimeoutSec)
	defer cancel()
	var latest sql.NullTime
	err := m.DB.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM order_book_snapshots
		WHERE exchange_id = ? AND buy_sym_id = ? AND sell_sym_id = ? AND snapshot_type = ? AND mid_price_range = ?`,
		exchangeID, buySymID, sellSymID, snapshotType, midPriceRange).Scan(&latest)
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, "latest snapshot query")
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	return latest.Time, true, nil
}

// OrderBookAt reconstructs a market's book as of the given instant:
// for each (order_type, price) the row with the greatest last_update_id
// among rows stamped at or before t wins, and zero-size tombstones are
// excluded. Nothing is mutated, so the book is fully time travelable.
func (m *MySQL) OrderBookAt(appCtx context.Context, exchangeID int, buySymID, sellSymID string, at time.Time) ([]model.PriceLevel, error) {
	ctx, cancel := reqCtx(appCtx, m.Cfg.ReqTimeoutSec)
	defer cancel()
	rows, err := m.DB.QueryContext(ctx, `SELECT a.order_type, a.price, a.size
		FROM aggregate_orders a
		INNER JOIN (
			SELECT order_type, price, MAX(last_update_id) AS max_update_id
			FROM aggregate_orders
			WHERE exchange_id = ? AND buy_sym_id = ? AND sell_sym_id = ? AND timestamp <= ?
			GROUP BY order_type, price
		) latest ON a.order_type = latest.order_type
			AND a.price = latest.price
			AND a.last_update_id = latest.max_update_id
		WHERE a.exchange_id = ? AND a.buy_sym_id = ? AND a.sell_sym_id = ? AND a.size > 0
		ORDER BY a.order_type, a.price`,
		exchangeID, buySymID, sellSymID, at,
		exchangeID, buySymID, sellSymID)
	if err != nil {
		return nil, errors.Wrap(err, "order book query")
	}
	defer rows.Close()
	var levels []model.PriceLevel
	for rows.Next() {
		var level model.PriceLevel
		var orderType string
		if err := rows.Scan(&orderType, &level.Price, &level.Size); err != nil {
			return nil, err
		}
		level.OrderType = model.OrderType(orderType)
		levels = append(levels, level)
	}
	return levels, rows.Err()
}

// CoinSymbols lists all coin symbols known to the store.
func (m *MySQL) CoinSymbols(appCtx context.Context) ([]string, error) {
	ctx, cancel := reqCtx(appCtx, m.Cfg.ReqTimeoutSec)
	defer cancel()
	rows, err := m.DB.QueryContext(ctx, "SELECT symbol FROM coins ORDER BY symbol")
	if err != nil {
		return nil, errors.Wrap(err, "coin symbols query")
	}
	defer rows.Close()
	var symbols []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		symbols = append(symbols, s)
	}
	return symbols, rows.Err()
}

// CoinPrices returns the stored USD price per coin symbol, where known.
func (m *MySQL) CoinPrices(appCtx context.Context) (map[string]float64, error) {
	ctx, cancel := reqCtx(appCtx, m.Cfg.ReqTimeoutSec)
	defer cancel()
	rows, err := m.DB.QueryContext(ctx, "SELECT symbol, price_usd FROM coins WHERE price_usd IS NOT NULL")
	if err != nil {
		return nil, errors.Wrap(err, "coin prices query")
	}
	defer rows.Close()
	prices := make(map[string]float64)
	for rows.Next() {
		var s string
		var p float64
		if err := rows.Scan(&s, &p); err != nil {
			return nil, err
		}
		prices[s] = p
	}
	return prices, rows.Err()
}

// ExchangeMarkets lists all exchange market rows with their quoted
// volume info, used by volume normalization.
func (m *MySQL) ExchangeMarkets(appCtx context.Context) ([]model.ExchangeMarket, error) {
	ctx, cancel := reqCtx(appCtx, m.Cfg.ReqTimeoutSec)
	defer cancel()
	rows, err := m.DB.QueryContext(ctx, `SELECT first_coin_id, second_coin_id, exchange_id, quoted_volume, quoted_volume_id, original_name, agg_orders_count
		FROM exchange_markets`)
	if err != nil {
		return nil, errors.Wrap(err, "exchange markets query")
	}
	defer rows.Close()
	var markets []model.ExchangeMarket
	for rows.Next() {
		var em model.ExchangeMarket
		if err := rows.Scan(&em.FirstCoin, &em.SecondCoin, &em.ExchangeID, &em.QuotedVolume, &em.QuotedVolumeID, &em.OriginalName, &em.AggOrdersCount); err != nil {
			return nil, err
		}
		markets = append(markets, em)
	}
	return markets, rows.Err()
}

// schemaDDL creates all tables and the agg_orders_count trigger. The
// trigger keeps the per market counter in the same transaction as each
// aggregate order insert.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS exchanges (
		id INT NOT NULL AUTO_INCREMENT,
		name VARCHAR(64) NOT NULL,
		PRIMARY KEY (id),
		UNIQUE KEY exchanges_name_idx (name)
	)`,
	`CREATE TABLE IF NOT EXISTS coins (
		symbol VARCHAR(16) NOT NULL,
		name VARCHAR(128),
		price_usd DOUBLE,
		last_price_updated DATETIME(3),
		PRIMARY KEY (symbol)
	)`,
	`CREATE TABLE IF NOT EXISTS markets (
		first_coin_id VARCHAR(16) NOT NULL,
		second_coin_id VARCHAR(16) NOT NULL,
		PRIMARY KEY (first_coin_id, second_coin_id)
	)`,
	`CREATE TABLE IF NOT EXISTS exchange_markets (
		first_coin_id VARCHAR(16) NOT NULL,
		second_coin_id VARCHAR(16) NOT NULL,
		exchange_id INT NOT NULL,
		quoted_volume DOUBLE NOT NULL,
		quoted_volume_id VARCHAR(16) NOT NULL,
		quoted_vol_timestamp DATETIME(3),
		volume_usd DOUBLE,
		vol_usd_timestamp DATETIME(3),
		original_name VARCHAR(64) NOT NULL,
		agg_orders_count INT NOT NULL DEFAULT 0,
		PRIMARY KEY (first_coin_id, second_coin_id, exchange_id),
		KEY exchange_markets_agg_orders_count_idx (agg_orders_count)
	)`,
	`CREATE TABLE IF NOT EXISTS aggregate_orders (
		id BIGINT NOT NULL AUTO_INCREMENT,
		last_update_id BIGINT NOT NULL,
		timestamp DATETIME(3) NOT NULL,
		buy_sym_id VARCHAR(16) NOT NULL,
		sell_sym_id VARCHAR(16) NOT NULL,
		first_coin_id VARCHAR(16) NOT NULL,
		second_coin_id VARCHAR(16) NOT NULL,
		exchange_id INT NOT NULL,
		order_type VARCHAR(8) NOT NULL,
		price DOUBLE NOT NULL,
		size DOUBLE NOT NULL,
		PRIMARY KEY (id),
		UNIQUE KEY latest_orders_idx (order_type, price, last_update_id, exchange_id),
		KEY market_orders_idx (first_coin_id, second_coin_id, exchange_id),
		KEY aggregate_orders_timestamp_idx (timestamp)
	)`,
	`CREATE TABLE IF NOT EXISTS trades (
		id BIGINT NOT NULL AUTO_INCREMENT,
		exchange_trade_id VARCHAR(64) NOT NULL,
		exchange_id INT NOT NULL,
		timestamp DATETIME(3) NOT NULL,
		trade_type VARCHAR(16),
		buy_sym_id VARCHAR(16) NOT NULL,
		sell_sym_id VARCHAR(16) NOT NULL,
		maker VARCHAR(128),
		taker VARCHAR(128),
		price DOUBLE NOT NULL,
		size DOUBLE NOT NULL,
		total DOUBLE,
		buyer_fee DOUBLE,
		seller_fee DOUBLE,
		gas_fee DOUBLE,
		exchange_order_id VARCHAR(128),
		maker_order_id VARCHAR(128),
		taker_order_id VARCHAR(128),
		PRIMARY KEY (id),
		UNIQUE KEY trades_exchange_trade_idx (exchange_trade_id, exchange_id),
		KEY trades_timestamp_idx (timestamp)
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		exchange_id INT NOT NULL,
		exchange_order_id VARCHAR(128) NOT NULL,
		timestamp DATETIME(3),
		buy_sym_id VARCHAR(16) NOT NULL,
		sell_sym_id VARCHAR(16) NOT NULL,
		` + "`user`" + ` VARCHAR(128),
		side VARCHAR(8),
		order_type VARCHAR(16),
		price DOUBLE NOT NULL,
		gas_fee DOUBLE,
		filled_at DATETIME(3),
		cancelled_at DATETIME(3),
		expiry DATETIME(3),
		last_updated DATETIME(3),
		PRIMARY KEY (exchange_id, exchange_order_id),
		KEY orders_timestamp_idx (timestamp)
	)`,
	`CREATE TABLE IF NOT EXISTS order_sizes (
		id BIGINT NOT NULL AUTO_INCREMENT,
		exchange_id INT NOT NULL,
		exchange_order_id VARCHAR(128) NOT NULL,
		timestamp DATETIME(3) NOT NULL,
		size DOUBLE NOT NULL,
		PRIMARY KEY (id),
		KEY order_sizes_order_idx (exchange_id, exchange_order_id)
	)`,
	`CREATE TABLE IF NOT EXISTS market_order_funds (
		id BIGINT NOT NULL AUTO_INCREMENT,
		exchange_id INT NOT NULL,
		exchange_order_id VARCHAR(128) NOT NULL,
		timestamp DATETIME(3) NOT NULL,
		funds DOUBLE NOT NULL,
		PRIMARY KEY (id),
		KEY market_order_funds_order_idx (exchange_id, exchange_order_id)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id BIGINT NOT NULL AUTO_INCREMENT,
		session_id VARCHAR(64) NOT NULL,
		timestamp DATETIME(3) NOT NULL,
		exchange_id INT NOT NULL,
		buy_sym_id VARCHAR(16) NOT NULL,
		sell_sym_id VARCHAR(16) NOT NULL,
		connection_event VARCHAR(16) NOT NULL,
		data_collected VARCHAR(16) NOT NULL,
		PRIMARY KEY (id),
		KEY events_session_idx (session_id),
		KEY events_market_idx (exchange_id, buy_sym_id, sell_sym_id, timestamp)
	)`,
	`CREATE TABLE IF NOT EXISTS order_book_snapshots (
		timestamp DATETIME(3) NOT NULL,
		snapshot_type VARCHAR(16) NOT NULL,
		mid_price_range DOUBLE NOT NULL,
		buy_sym_id VARCHAR(16) NOT NULL,
		sell_sym_id VARCHAR(16) NOT NULL,
		exchange_id INT NOT NULL,
		spread DOUBLE NOT NULL,
		bids_volume DOUBLE NOT NULL,
		asks_volume DOUBLE NOT NULL,
		bids_count INT NOT NULL,
		asks_count INT NOT NULL,
		bids_price_stddev DOUBLE NOT NULL,
		asks_price_stddev DOUBLE NOT NULL,
		bids_price_mean DOUBLE NOT NULL,
		asks_price_mean DOUBLE NOT NULL,
		min_ask_price DOUBLE NOT NULL,
		min_ask_size DOUBLE NOT NULL,
		max_bid_price DOUBLE NOT NULL,
		max_bid_size DOUBLE NOT NULL,
		bid_price_median DOUBLE NOT NULL,
		ask_price_median DOUBLE NOT NULL,
		PRIMARY KEY (timestamp, snapshot_type, mid_price_range, buy_sym_id, sell_sym_id, exchange_id),
		KEY order_book_snapshots_spread_idx (spread)
	)`,
	`DROP TRIGGER IF EXISTS agg_orders_count_trg`,
	`CREATE TRIGGER agg_orders_count_trg AFTER INSERT ON aggregate_orders
		FOR EACH ROW UPDATE exchange_markets
		SET agg_orders_count = agg_orders_count + 1
		WHERE first_coin_id = NEW.first_coin_id
			AND second_coin_id = NEW.second_coin_id
			AND exchange_id = NEW.exchange_id`,
}

// CreateSchema creates all tables and the aggregate order counter
// trigger if they do not exist yet.
func (m *MySQL) CreateSchema(appCtx context.Context) error {
	for _, stmt := range schemaDDL {
		ctx, cancel := reqCtx(appCtx, m.Cfg.ReqTimeoutSec)
		_, err := m.DB.ExecContext(ctx, stmt)
		cancel()
		if err != nil {
			return errors.Wrap(err, "schema creation")
		}
	}
	return nil
}

// SeedExchanges inserts the exchange reference rows, ignoring ones that
// already exist.
func (m *MySQL) SeedExchanges(appCtx context.Context, names []string) error {
	rows := make([]model.Row, 0, len(names))
	for _, n := range names {
		rows = append(rows, model.Exchange{Name: n})
	}
	if _, err := m.InsertIgnore(appCtx, rows); err != nil {
		return err
	}
	return m.Commit(appCtx)
}
