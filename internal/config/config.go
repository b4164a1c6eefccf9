package config

import (
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

const (
	// BinanceWebsocketURL is the binance combined stream base url.
	BinanceWebsocketURL = "wss://stream.binance.com:9443/stream?streams="
	// BinanceRESTBaseURL is the binance exchange base REST url.
	BinanceRESTBaseURL = "https://api.binance.com/api/v3/"

	// CoinbaseWebsocketURL is the coinbase exchange websocket feed url.
	CoinbaseWebsocketURL = "wss://ws-feed.pro.coinbase.com/"
	// CoinbaseRESTBaseURL is the coinbase exchange base REST url.
	CoinbaseRESTBaseURL = "https://api.pro.coinbase.com/"

	// HitbtcWebsocketURL is the hitbtc exchange websocket url.
	HitbtcWebsocketURL = "wss://api.hitbtc.com/api/2/ws"
	// HitbtcRESTBaseURL is the hitbtc exchange base REST url.
	HitbtcRESTBaseURL = "https://api.hitbtc.com/api/2/"

	// IdexWebsocketURL is the idex exchange websocket url.
	IdexWebsocketURL = "wss://datastream.idex.market"
	// IdexRESTBaseURL is the idex exchange base REST url.
	IdexRESTBaseURL = "https://api.idex.market/"
)

// Config contains config values for the app.
// Struct values are loaded from a user defined JSON config file.
type Config struct {
	Exchanges  []Exchange `json:"exchanges"`
	Connection Connection `json:"connection"`
	Crawler    Crawler    `json:"crawler"`
	Snapshot   Snapshot   `json:"snapshot"`
	Log        Log        `json:"log"`
}

// Exchange contains config values for one exchange feed. APIKey is
// only needed by exchanges whose feed requires a handshake key.
type Exchange struct {
	Name    string   `json:"name"`
	Markets []string `json:"markets"`
	APIKey  string   `json:"api_key"`
}

// Connection contains config values for API and storage connections.
type Connection struct {
	WS    WS    `json:"websocket"`
	REST  REST  `json:"rest"`
	MySQL MySQL `json:"mysql"`
	ES    ES    `json:"elastic_search"`
}

// WS contains config values for websocket connections.
type WS struct {
	ConnTimeoutSec int `json:"conn_timeout_sec"`
	ReadTimeoutSec int `json:"read_timeout_sec"`
}

// REST contains config values for REST API connections.
type REST struct {
	ReqTimeoutSec       int `json:"request_timeout_sec"`
	MaxIdleConns        int `json:"max_idle_conns"`
	MaxIdleConnsPerHost int `json:"max_idle_conns_per_host"`
}

// MySQL contains config values for the relational store.
type MySQL struct {
	User               string `json:"user"`
	Password           string `json:"password"`
	URL                string `json:"URL"`
	Schema             string `json:"schema"`
	ReqTimeoutSec      int    `json:"request_timeout_sec"`
	ConnMaxLifetimeSec int    `json:"conn_max_lifetime_sec"`
	MaxOpenConns       int    `json:"max_open_conns"`
	MaxIdleConns       int    `json:"max_idle_conns"`
	CommitInterval     int    `json:"commit_interval"`
}

// ES contains config values for the optional elastic search mirror of
// order book snapshots.
type ES struct {
	Addresses           []string `json:"addresses"`
	Username            string   `json:"username"`
	Password            string   `json:"password"`
	IndexName           string   `json:"index_name"`
	ReqTimeoutSec       int      `json:"request_timeout_sec"`
	MaxIdleConns        int      `json:"max_idle_conns"`
	MaxIdleConnsPerHost int      `json:"max_idle_conns_per_host"`
}

// Crawler contains config values for the coin price crawler.
type Crawler struct {
	MappingFile string `json:"mapping_file"`
	PriceAPIURL string `json:"price_api_url"`
}

// Snapshot contains config values for order book snapshot generation.
type Snapshot struct {
	IntervalSec    int     `json:"interval_sec"`
	CommitInterval int     `json:"commit_interval"`
	MidPriceRange  float64 `json:"mid_price_range"`
}

// Log contains config values for logging.
type Log struct {
	Level    string `json:"level"`
	FilePath string `json:"file_path"`
}

// Default intervals applied when the config leaves them zero.
const (
	DefaultCommitInterval      = 100
	DefaultSnapshotIntervalSec = 60
)

// Load reads and decodes the JSON config file at path and applies
// defaults for unset intervals.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "not able to open config file %v", path)
	}
	defer f.Close()
	var cfg Config
	if err = jsoniter.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, errors.Wrapf(err, "not able to parse JSON from config file %v", path)
	}
	if cfg.Connection.MySQL.CommitInterval == 0 {
		cfg.Connection.MySQL.CommitInterval = DefaultCommitInterval
	}
	if cfg.Snapshot.CommitInterval == 0 {
		cfg.Snapshot.CommitInterval = DefaultCommitInterval
	}
	if cfg.Snapshot.IntervalSec == 0 {
		cfg.Snapshot.IntervalSec = DefaultSnapshotIntervalSec
	}
	return &cfg, nil
}
