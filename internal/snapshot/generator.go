// Package snapshot derives periodic statistical summaries of stored
// order books, stepping through connection-aware time windows so no
// snapshot is fabricated for a period the feed was down.
package snapshot

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/stellarbrain/coindepth/internal/model"
	"github.com/stellarbrain/coindepth/internal/storage"
)

// Store is the persistence surface the generator reads books and
// events from and writes snapshot rows to.
type Store interface {
	SnapshotMarkets(ctx context.Context, exchangeNames []string) ([]storage.SnapshotMarket, error)
	MarketEvents(ctx context.Context, exchangeID int, buySymID, sellSymID string) ([]model.Event, error)
	LatestSnapshotTime(ctx context.Context, exchangeID int, buySymID, sellSymID, snapshotType string, midPriceRange float64) (time.Time, bool, error)
	OrderBookAt(ctx context.Context, exchangeID int, buySymID, sellSymID string, at time.Time) ([]model.PriceLevel, error)
	Insert(ctx context.Context, rows []model.Row) (int64, error)
	Commit(ctx context.Context) error
}

// Mirror receives committed snapshot batches, for secondary sinks like
// the elastic search index or the terminal display.
type Mirror interface {
	CommitSnapshots(ctx context.Context, data []model.OrderBookSnapshot) error
}

// Config selects the filter and pacing of one generator run. The
// filter mode is fixed for the whole run.
type Config struct {
	SnapshotType   string
	MidPriceRange  float64
	Interval       time.Duration
	CommitInterval int
	StopTime       time.Time
}

// Generator is the batch job producing order book snapshots. It is the
// only writer of snapshot rows and assumes no concurrent ingestion of
// the time range it summarizes.
type Generator struct {
	store   Store
	cfg     Config
	mirrors []Mirror

	pending  []model.OrderBookSnapshot
	inserted int64
}

// New builds a generator. Mirrors are optional secondary sinks.
func New(store Store, cfg Config, mirrors ...Mirror) *Generator {
	return &Generator{store: store, cfg: cfg, mirrors: mirrors}
}

// window is one contiguous span the feed was live for a market.
type window struct {
	Start time.Time
	End   time.Time
}

// connectionWindows folds an ordered event history into alternating
// connect/disconnect windows. An unclosed window ends at stopTime and
// repeated events of one kind collapse into the first.
func connectionWindows(events []model.Event, stopTime time.Time) []window {
	var windows []window
	var start time.Time
	open := false
	for _, ev := range events {
		switch ev.ConnectionEvent {
		case model.Connect:
			if !open {
				start = ev.Timestamp
				open = true
			}
		case model.Disconnect:
			if open {
				if ev.Timestamp.After(start) {
					windows = append(windows, window{Start: start, End: minTime(ev.Timestamp, stopTime)})
				}
				open = false
			}
		}
	}
	if open && stopTime.After(start) {
		windows = append(windows, window{Start: start, End: stopTime})
	}
	out := windows[:0]
	for _, w := range windows {
		if w.Start.Before(stopTime) {
			out = append(out, w)
		}
	}
	return out
}

func minTime(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}

// Run generates snapshots for every market of the given exchanges up
// to the configured stop time and reports the number of rows written.
func (g *Generator) Run(ctx context.Context, exchangeNames []string) (int64, error) {
	markets, err := g.store.SnapshotMarkets(ctx, exchangeNames)
	if err != nil {
		return 0, err
	}
	for _, market := range markets {
		if err := g.generateMarket(ctx, market); err != nil {
			return g.inserted, err
		}
	}
	if err := g.flush(ctx); err != nil {
		return g.inserted, err
	}
	log.Info().Int64("snapshots", g.inserted).Msg("snapshot run finished")
	return g.inserted, nil
}

func (g *Generator) generateMarket(ctx context.Context, market storage.SnapshotMarket) error {
	events, err := g.store.MarketEvents(ctx, market.Exchange.ID, market.BuySymID, market.SellSymID)
	if err != nil {
		return err
	}
	windows := connectionWindows(events, g.cfg.StopTime)
	if len(windows) == 0 {
		return nil
	}
	// Restartable runs resume behind the last stored snapshot.
	resume, ok, err := g.store.LatestSnapshotTime(ctx, market.Exchange.ID,
		market.BuySymID, market.SellSymID, g.cfg.SnapshotType, g.cfg.MidPriceRange)
	if err != nil {
		return err
	}
	count := 0
	for _, w := range windows {
		for t := w.Start; t.Before(w.End); t = t.Add(g.cfg.Interval) {
			if ok && !t.After(resume) {
				continue
			}
			if err := g.snapshotAt(ctx, market, t); err != nil {
				if errors.Is(err, ErrEmptySide) {
					continue
				}
				return err
			}
			count++
		}
	}
	log.Debug().Str("exchange", market.Exchange.Name).
		Str("buy", market.BuySymID).Str("sell", market.SellSymID).
		Int("snapshots", count).Msg("market snapshots generated")
	return nil
}

// snapshotAt reconstructs the book as of t, filters it and stores one
// snapshot row. ErrEmptySide means there was not enough data at t.
func (g *Generator) snapshotAt(ctx context.Context, market storage.SnapshotMarket, t time.Time) error {
	book, err := g.store.OrderBookAt(ctx, market.Exchange.ID, market.BuySymID, market.SellSymID, t)
	if err != nil {
		return err
	}
	var filtered []model.PriceLevel
	switch g.cfg.SnapshotType {
	case model.SnapshotMidPriceRange:
		filtered, err = MidPriceFilter(book, g.cfg.MidPriceRange)
	default:
		filtered, err = QuartileFilter(book)
	}
	if err != nil {
		return err
	}
	stats, err := Compute(filtered)
	if err != nil {
		return err
	}
	row := model.OrderBookSnapshot{
		Timestamp:       t,
		SnapshotType:    g.cfg.SnapshotType,
		MidPriceRange:   g.cfg.MidPriceRange,
		BuySymID:        market.BuySymID,
		SellSymID:       market.SellSymID,
		ExchangeID:      market.Exchange.ID,
		Spread:          stats.Spread,
		BidsVolume:      stats.BidsVolume,
		AsksVolume:      stats.AsksVolume,
		BidsCount:       stats.BidsCount,
		AsksCount:       stats.AsksCount,
		BidsPriceStddev: stats.BidsPriceStddev,
		AsksPriceStddev: stats.AsksPriceStddev,
		BidsPriceMean:   stats.BidsPriceMean,
		AsksPriceMean:   stats.AsksPriceMean,
		MinAskPrice:     stats.MinAskPrice,
		MinAskSize:      stats.MinAskSize,
		MaxBidPrice:     stats.MaxBidPrice,
		MaxBidSize:      stats.MaxBidSize,
		BidPriceMedian:  stats.BidPriceMedian,
		AskPriceMedian:  stats.AskPriceMedian,
	}
	if _, err := g.store.Insert(ctx, []model.Row{row}); err != nil {
		return err
	}
	g.inserted++
	g.pending = append(g.pending, row)
	if len(g.pending) >= g.cfg.CommitInterval {
		return g.flush(ctx)
	}
	return nil
}

// flush commits the open batch and forwards it to the mirrors.
func (g *Generator) flush(ctx context.Context) error {
	if len(g.pending) == 0 {
		return nil
	}
	if err := g.store.Commit(ctx); err != nil {
		return err
	}
	for _, mirror := range g.mirrors {
		if err := mirror.CommitSnapshots(ctx, g.pending); err != nil {
			// A mirror failure must not fail the run, the relational
			// store stays authoritative.
			log.Error().Err(err).Msg("snapshot mirror failed")
		}
	}
	g.pending = g.pending[:0]
	return nil
}
