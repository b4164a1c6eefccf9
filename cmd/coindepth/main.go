package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "github.com/go-sql-driver/mysql"

	"github.com/stellarbrain/coindepth/internal/config"
	"github.com/stellarbrain/coindepth/internal/initializer"
	"github.com/stellarbrain/coindepth/internal/model"
)

const usage = `usage: coindepth [flags] <command> [command flags]

commands:
  init-db        create the schema and seed exchange rows
  run            ingest feeds until interrupted
  markets        discover tradable pairs and 24h volumes
  fetch-prices   refresh USD prices for known coins
  norm-volume    normalize market volumes to USD
  snapshot       generate order book snapshots
`

func main() {
	configPath := flag.String("config", "./config.json", "path to the JSON config file")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logFile, err := initializer.InitLogger(&cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logFile.Close()

	// Interrupt cancels the context; ingestion flushes its open batch
	// before exiting.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command := flag.Arg(0)
	args := flag.Args()[1:]
	if err := dispatch(ctx, cfg, command, args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, cfg *config.Config, command string, args []string) error {
	switch command {
	case "init-db":
		return initializer.InitDB(ctx, cfg)
	case "run":
		fs := flag.NewFlagSet("run", flag.ExitOnError)
		exchanges := fs.String("exchange", "", "comma separated exchange names, default all configured")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return initializer.Run(ctx, cfg, splitNames(*exchanges))
	case "markets":
		fs := flag.NewFlagSet("markets", flag.ExitOnError)
		exchanges := fs.String("exchange", "", "comma separated exchange names, default all configured")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return initializer.Markets(ctx, cfg, splitNames(*exchanges))
	case "fetch-prices":
		return initializer.FetchPrices(ctx, cfg)
	case "norm-volume":
		return initializer.NormVolume(ctx, cfg)
	case "snapshot":
		fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
		exchanges := fs.String("exchange", "", "comma separated exchange names, default all registered")
		filter := fs.String("filter", model.SnapshotQuartile,
			fmt.Sprintf("filter mode: %v or %v", model.SnapshotQuartile, model.SnapshotMidPriceRange))
		midRange := fs.Float64("mid-range", 0, "mid price range fraction, only for the mid_price_range filter")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *filter != model.SnapshotQuartile && *filter != model.SnapshotMidPriceRange {
			return fmt.Errorf("unknown filter mode %v", *filter)
		}
		return initializer.Snapshot(ctx, cfg, splitNames(*exchanges), *filter, *midRange)
	default:
		return fmt.Errorf("unknown command %v", command)
	}
}

func splitNames(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
