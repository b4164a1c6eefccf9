package initializer

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"

	"github.com/stellarbrain/coindepth/internal/config"
	"github.com/stellarbrain/coindepth/internal/connector"
	"github.com/stellarbrain/coindepth/internal/crawler"
	"github.com/stellarbrain/coindepth/internal/exchange"
	"github.com/stellarbrain/coindepth/internal/listener"
	"github.com/stellarbrain/coindepth/internal/model"
	"github.com/stellarbrain/coindepth/internal/orchestrator"
	"github.com/stellarbrain/coindepth/internal/snapshot"
	"github.com/stellarbrain/coindepth/internal/storage"
)

// InitLogger sets up the logger.
// If the path given in the config for logging ends with .log then create a log file with the same name and
// write log messages to it. Otherwise, create a new log file with a timestamp attached to it's name in the given path.
func InitLogger(cfg *config.Log) (*os.File, error) {
	var (
		logFile *os.File
		err     error
	)
	if strings.HasSuffix(cfg.FilePath, ".log") {
		logFile, err = os.OpenFile(cfg.FilePath, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0666)
		if err != nil {
			return nil, fmt.Errorf("not able to open or create log file: %v", cfg.FilePath)
		}
	} else {
		logFile, err = os.Create(cfg.FilePath + "_" + strconv.Itoa(int(time.Now().Unix())) + ".log")
		if err != nil {
			return nil, fmt.Errorf("not able to create log file: %v", cfg.FilePath+"_"+strconv.Itoa(int(time.Now().Unix()))+".log")
		}
	}

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	switch cfg.Level {
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	fileLogger := zerolog.New(logFile).With().Timestamp().Logger()
	log.Logger = fileLogger
	log.Info().Msg("logger setup is done")
	return logFile, nil
}

// selected filters the configured exchanges to the given names. An
// empty filter keeps all of them.
func selected(cfg *config.Config, names []string) []config.Exchange {
	if len(names) == 0 {
		return cfg.Exchanges
	}
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	var out []config.Exchange
	for _, exch := range cfg.Exchanges {
		if wanted[exch.Name] {
			out = append(out, exch)
		}
	}
	return out
}

// buildAdapters connects the store, looks up the exchange reference
// rows and builds one adapter per selected exchange.
func buildAdapters(appCtx context.Context, cfg *config.Config, exchNames []string) (*storage.MySQL, []exchange.Adapter, error) {
	mysql, err := storage.InitMySQL(&cfg.Connection.MySQL)
	if err != nil {
		err = errors.Wrap(err, "mysql connection")
		logErrStack(err)
		return nil, nil, err
	}
	log.Info().Msg("mysql connected")

	var adapters []exchange.Adapter
	for _, exchCfg := range selected(cfg, exchNames) {
		exch, err := mysql.ExchangeByName(appCtx, exchCfg.Name)
		if err != nil {
			mysql.Close()
			return nil, nil, errors.Wrapf(err, "exchange %v not found, run init-db first", exchCfg.Name)
		}
		adapter, err := exchange.New(exchCfg.Name, exch, exchCfg)
		if err != nil {
			mysql.Close()
			return nil, nil, err
		}
		adapters = append(adapters, adapter)
	}
	return mysql, adapters, nil
}

// Run starts ingestion for the selected exchanges and blocks until the
// context ends or the orchestrator is stopped by a signal.
func Run(mainCtx context.Context, cfg *config.Config, exchNames []string) error {
	mysql, adapters, err := buildAdapters(mainCtx, cfg, exchNames)
	if err != nil {
		return err
	}
	defer mysql.Close()

	rest := connector.NewREST(&cfg.Connection.REST)
	orch := orchestrator.New(mysql, cfg.Connection.MySQL.CommitInterval)
	for _, adapter := range adapters {
		orch.Add(listener.New(adapter, orch, rest, &cfg.Connection.WS))
	}

	// Stop listeners cooperatively on interrupt so the final flush of
	// the open batch still happens.
	go func() {
		<-mainCtx.Done()
		orch.Stop()
	}()

	if err := orch.Run(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
		logErrStack(err)
		return err
	}
	fmt.Printf("rows committed: %v\n", orch.CommittedRows())
	return nil
}

// Markets runs the one-shot market discovery of the selected exchanges.
func Markets(mainCtx context.Context, cfg *config.Config, exchNames []string) error {
	mysql, adapters, err := buildAdapters(mainCtx, cfg, exchNames)
	if err != nil {
		return err
	}
	defer mysql.Close()

	rest := connector.NewREST(&cfg.Connection.REST)
	orch := orchestrator.New(mysql, cfg.Connection.MySQL.CommitInterval)
	if err := orch.FetchMarkets(mainCtx, adapters, rest); err != nil {
		logErrStack(err)
		return err
	}
	fmt.Printf("rows committed: %v\n", orch.CommittedRows())
	return nil
}

// FetchPrices refreshes the USD price of every known coin through the
// price crawler. A coin whose price cannot be fetched is skipped.
func FetchPrices(mainCtx context.Context, cfg *config.Config) error {
	mysql, err := storage.InitMySQL(&cfg.Connection.MySQL)
	if err != nil {
		logErrStack(err)
		return err
	}
	defer mysql.Close()

	rest := connector.NewREST(&cfg.Connection.REST)
	crwl, err := crawler.New(rest, &cfg.Crawler)
	if err != nil {
		logErrStack(err)
		return err
	}
	symbols, err := mysql.CoinSymbols(mainCtx)
	if err != nil {
		return err
	}
	updated := 0
	for _, symbol := range symbols {
		price, err := crwl.Price(mainCtx, symbol)
		if err != nil {
			log.Error().Str("coin", symbol).Err(err).Msg("price fetch failed, skipping")
			continue
		}
		if price == 0 {
			continue
		}
		assign := map[string]interface{}{
			"price_usd":          price,
			"last_price_updated": time.Now().UTC(),
		}
		if name, ok := crwl.CoinName(symbol); ok {
			assign["name"] = name
		}
		if _, err := mysql.Update(mainCtx, "coins", map[string]interface{}{"symbol": symbol}, assign); err != nil {
			return err
		}
		updated++
	}
	if err := mysql.Commit(mainCtx); err != nil {
		return err
	}
	fmt.Printf("coins updated: %v\n", updated)
	return nil
}

// NormVolume converts each exchange market's quoted 24h volume to USD
// using the stored coin prices.
func NormVolume(mainCtx context.Context, cfg *config.Config) error {
	mysql, err := storage.InitMySQL(&cfg.Connection.MySQL)
	if err != nil {
		logErrStack(err)
		return err
	}
	defer mysql.Close()

	prices, err := mysql.CoinPrices(mainCtx)
	if err != nil {
		return err
	}
	markets, err := mysql.ExchangeMarkets(mainCtx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	updated := 0
	for _, market := range markets {
		price, ok := prices[market.QuotedVolumeID]
		if !ok {
			log.Debug().Str("coin", market.QuotedVolumeID).Msg("no USD price, skipping market")
			continue
		}
		filter := map[string]interface{}{
			"first_coin_id":  market.FirstCoin,
			"second_coin_id": market.SecondCoin,
			"exchange_id":    market.ExchangeID,
		}
		assign := map[string]interface{}{
			"volume_usd":        market.QuotedVolume * price,
			"vol_usd_timestamp": now,
		}
		if _, err := mysql.Update(mainCtx, "exchange_markets", filter, assign); err != nil {
			return err
		}
		updated++
	}
	if err := mysql.Commit(mainCtx); err != nil {
		return err
	}
	fmt.Printf("markets updated: %v\n", updated)
	return nil
}

// Snapshot generates order book snapshots for the selected exchanges
// up to now, with the configured filter mode.
func Snapshot(mainCtx context.Context, cfg *config.Config, exchNames []string, snapshotType string, midPriceRange float64) error {
	mysql, err := storage.InitMySQL(&cfg.Connection.MySQL)
	if err != nil {
		logErrStack(err)
		return err
	}
	defer mysql.Close()

	var mirrors []snapshot.Mirror
	mirrors = append(mirrors, storage.NewTerminal(os.Stdout))
	if len(cfg.Connection.ES.Addresses) != 0 {
		es, err := storage.InitElasticSearch(&cfg.Connection.ES)
		if err != nil {
			err = errors.Wrap(err, "elastic search connection")
			logErrStack(err)
			return err
		}
		log.Info().Msg("elastic search connected")
		mirrors = append(mirrors, es)
	}

	if snapshotType == model.SnapshotMidPriceRange && midPriceRange <= 0 {
		midPriceRange = cfg.Snapshot.MidPriceRange
	}
	gen := snapshot.New(mysql, snapshot.Config{
		SnapshotType:   snapshotType,
		MidPriceRange:  midPriceRange,
		Interval:       time.Duration(cfg.Snapshot.IntervalSec) * time.Second,
		CommitInterval: cfg.Snapshot.CommitInterval,
		StopTime:       time.Now().UTC(),
	}, mirrors...)

	if len(exchNames) == 0 {
		exchNames = exchange.Registered()
	}
	count, err := gen.Run(mainCtx, exchNames)
	if err != nil {
		logErrStack(err)
		return err
	}
	fmt.Printf("snapshots committed: %v\n", count)
	return nil
}

// InitDB creates the schema and seeds the exchange reference rows.
func InitDB(mainCtx context.Context, cfg *config.Config) error {
	mysql, err := storage.InitMySQL(&cfg.Connection.MySQL)
	if err != nil {
		logErrStack(err)
		return err
	}
	defer mysql.Close()

	if err := mysql.CreateSchema(mainCtx); err != nil {
		logErrStack(err)
		return err
	}
	if err := mysql.SeedExchanges(mainCtx, exchange.Registered()); err != nil {
		logErrStack(err)
		return err
	}
	fmt.Println("schema created and exchanges seeded")
	return nil
}

// logErrStack logs error with stack trace.
func logErrStack(err error) {
	log.Error().Stack().Err(errors.WithStack(err)).Msg("")
}
