// Package crawler enriches coin rows with names and USD prices from an
// external price API. It is a best effort collaborator: its failures
// never block ingestion.
package crawler

import (
	"context"
	"net/http"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/stellarbrain/coindepth/internal/config"
	"github.com/stellarbrain/coindepth/internal/connector"
)

// Crawler resolves coin symbols to names through a mapping file and
// fetches current USD prices by coin name.
type Crawler struct {
	rest  *connector.REST
	url   string
	names map[string]string
}

type coinMapping struct {
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

// New loads the symbol-to-name mapping file and prepares the crawler.
func New(rest *connector.REST, cfg *config.Crawler) (*Crawler, error) {
	f, err := os.Open(cfg.MappingFile)
	if err != nil {
		return nil, errors.Wrapf(err, "not able to open coin mapping file %v", cfg.MappingFile)
	}
	defer f.Close()
	var mappings []coinMapping
	if err := jsoniter.NewDecoder(f).Decode(&mappings); err != nil {
		return nil, errors.Wrapf(err, "not able to parse JSON from coin mapping file %v", cfg.MappingFile)
	}
	names := make(map[string]string, len(mappings))
	for _, m := range mappings {
		names[m.Symbol] = m.Name
	}
	return &Crawler{rest: rest, url: strings.TrimSuffix(cfg.PriceAPIURL, "/"), names: names}, nil
}

// CoinName returns the full name for a coin symbol, if the mapping
// knows it.
func (c *Crawler) CoinName(symbol string) (string, bool) {
	name, ok := c.names[symbol]
	return name, ok
}

// Price fetches the current USD price for a coin symbol. Symbols
// missing from the mapping resolve to price 0 without an error.
func (c *Crawler) Price(ctx context.Context, symbol string) (float64, error) {
	name, ok := c.CoinName(symbol)
	if !ok {
		return 0, nil
	}
	req, err := c.rest.Request(ctx, c.url+"/"+strings.ToLower(name))
	if err != nil {
		return 0, err
	}
	resp, err := c.rest.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("price API returned status %v for %v", resp.StatusCode, symbol)
	}
	var quote struct {
		PriceUSD float64 `json:"price_usd"`
	}
	if err := jsoniter.NewDecoder(resp.Body).Decode(&quote); err != nil {
		return 0, errors.Wrapf(err, "decode price for %v", symbol)
	}
	return quote.PriceUSD, nil
}
