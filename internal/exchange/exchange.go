// Package exchange contains the per-exchange protocol adapters. An
// adapter normalizes one exchange's wire format into domain entities
// wrapped in actions; the listener state machine drives it and owns the
// connection lifecycle.
package exchange

import (
	"context"
	"sort"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/stellarbrain/coindepth/internal/action"
	"github.com/stellarbrain/coindepth/internal/config"
	"github.com/stellarbrain/coindepth/internal/connector"
	"github.com/stellarbrain/coindepth/internal/model"
)

// Conn is the websocket surface an adapter uses during connection
// setup (subscription handshakes and their replies).
type Conn interface {
	Write(data []byte) error
	Read() ([]byte, error)
}

// Topic is one market/data-kind pair an adapter subscribes to. The
// listener logs connect and disconnect events per topic.
type Topic struct {
	Market    string
	Collected model.DataCollected
}

// Adapter is the capability set every exchange implements.
type Adapter interface {
	// Exchange returns the reference row this adapter feeds.
	Exchange() model.Exchange
	// WebsocketURL is the streaming endpoint to dial.
	WebsocketURL() string
	// Topics lists the market/data-kind pairs served by the stream.
	Topics() []Topic
	// PairSymbols resolves the exchange's own market spelling to an
	// oriented (buy, sell) symbol pair.
	PairSymbols(market string) (string, string, error)
	// Setup runs after a successful connect: subscription handshakes
	// and any initial snapshot fetches. Returned actions are applied
	// before the read loop starts.
	Setup(ctx context.Context, conn Conn, rest *connector.REST) ([]action.Action, error)
	// ParseMessage turns one received frame into zero or more actions.
	// Unknown message types yield no actions and no error.
	ParseMessage(frame []byte) ([]action.Action, error)
	// FetchMarkets is the one-shot HTTP path returning insert actions
	// for the exchange's tradable pairs, coins and 24h volumes.
	FetchMarkets(ctx context.Context, rest *connector.REST) ([]action.Action, error)
}

// Factory builds an adapter for an exchange reference row and its
// config section.
type Factory func(exch model.Exchange, cfg config.Exchange) Adapter

var registry = map[string]Factory{}

func register(name string, f Factory) {
	registry[name] = f
}

// New builds the adapter registered under the exchange name.
func New(name string, exch model.Exchange, cfg config.Exchange) (Adapter, error) {
	f, ok := registry[name]
	if !ok {
		return nil, errors.Errorf("no adapter registered for exchange %v", name)
	}
	return f(exch, cfg), nil
}

// Registered returns the sorted names of all registered adapters.
func Registered() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// fetchJSON GETs the url and decodes the JSON response into v.
func fetchJSON(ctx context.Context, rest *connector.REST, url string, v interface{}) error {
	req, err := rest.Request(ctx, url)
	if err != nil {
		return err
	}
	resp, err := rest.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := jsoniter.NewDecoder(resp.Body).Decode(v); err != nil {
		return errors.Wrapf(err, "decode response from %v", url)
	}
	return nil
}
