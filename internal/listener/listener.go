// Package listener drives one exchange feed through its connection
// lifecycle and hands the adapter's parsed actions to a sink.
package listener

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/stellarbrain/coindepth/internal/action"
	"github.com/stellarbrain/coindepth/internal/config"
	"github.com/stellarbrain/coindepth/internal/connector"
	"github.com/stellarbrain/coindepth/internal/exchange"
	"github.com/stellarbrain/coindepth/internal/model"
)

// State of a feed listener.
type State int32

// Listener states. A healthy run is Idle, Connecting, Active; a broken
// connection moves through Recovering back to Connecting. Stopped is
// terminal.
const (
	Idle State = iota
	Connecting
	Active
	Recovering
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Recovering:
		return "recovering"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Pause before a reconnect attempt after a broken connection.
const retryPause = 5 * time.Second

// Transport is a connected stream. The websocket connector satisfies
// it; tests substitute scripted transports.
type Transport interface {
	Read() ([]byte, error)
	Write(data []byte) error
	Close() error
}

// Dialer opens a transport to the given url.
type Dialer func(ctx context.Context, url string) (Transport, error)

// Sink receives every batch of actions a listener produces. The
// orchestrator is the production sink.
type Sink interface {
	OnEvent(ctx context.Context, actions []action.Action) error
}

// Listener owns one exchange connection. All feed data and all
// connection lifecycle events flow to the sink as actions.
type Listener struct {
	adapter exchange.Adapter
	sink    Sink
	rest    *connector.REST
	dial    Dialer
	wsCfg   *config.WS

	// sessionID groups this listener's lifecycle events across
	// reconnects of one process run.
	sessionID string

	state   atomic.Int32
	stopped atomic.Bool
}

// New builds a listener for the adapter, reporting to sink.
func New(adapter exchange.Adapter, sink Sink, rest *connector.REST, wsCfg *config.WS) *Listener {
	l := &Listener{
		adapter:   adapter,
		sink:      sink,
		rest:      rest,
		wsCfg:     wsCfg,
		sessionID: uuid.New().String(),
	}
	l.dial = func(ctx context.Context, url string) (Transport, error) {
		return connector.NewWebsocket(ctx, wsCfg, url)
	}
	return l
}

// SetDialer replaces the websocket dialer, for tests.
func (l *Listener) SetDialer(dial Dialer) { l.dial = dial }

// State returns the listener's current state.
func (l *Listener) State() State { return State(l.state.Load()) }

func (l *Listener) setState(s State) {
	l.state.Store(int32(s))
	log.Debug().Str("exchange", l.adapter.Exchange().Name).Str("state", s.String()).Msg("listener state")
}

// Stop requests a graceful stop. The read loop notices it on its next
// read timeout, logs disconnect events and exits.
func (l *Listener) Stop() { l.stopped.Store(true) }

// Run connects and pumps the feed until Stop is called or the context
// ends. Connection failures move the listener to Recovering and it
// reconnects after a pause; it never returns a connection error.
func (l *Listener) Run(ctx context.Context) error {
	name := l.adapter.Exchange().Name
	for {
		if err := l.checkStop(ctx); err != nil || l.State() == Stopped {
			return err
		}
		l.setState(Connecting)
		err := l.runConnection(ctx)
		switch {
		case err == nil:
			// Stop or context end, handled at the top of the loop.
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			l.setState(Stopped)
			return err
		default:
			logErrStack(err)
			l.setState(Recovering)
			log.Error().Str("exchange", name).Msg("connection broken, retrying")
			select {
			case <-ctx.Done():
				l.setState(Stopped)
				return ctx.Err()
			case <-time.After(retryPause):
			}
		}
	}
}

// runConnection is one connection epoch: dial, setup, read loop. A nil
// return means a requested stop or context end; any error means the
// epoch broke and the caller decides about a reconnect. Disconnect
// events are logged exactly once per epoch however it ends.
func (l *Listener) runConnection(ctx context.Context) error {
	conn, err := l.dial(ctx, l.adapter.WebsocketURL())
	if err != nil {
		return err
	}
	defer conn.Close()

	setupActions, err := l.adapter.Setup(ctx, conn, l.rest)
	if err != nil {
		return err
	}
	if err := l.logEvents(ctx, model.Connect); err != nil {
		return err
	}
	connected := true
	disconnect := func() {
		if !connected {
			return
		}
		connected = false
		if err := l.logEvents(ctx, model.Disconnect); err != nil {
			logErrStack(err)
		}
	}
	defer disconnect()

	if len(setupActions) != 0 {
		if err := l.sink.OnEvent(ctx, setupActions); err != nil {
			return err
		}
	}
	l.setState(Active)

	for {
		frame, err := conn.Read()
		if err != nil {
			// A read timeout is the cooperative yield point, not a
			// broken connection.
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if err := l.checkStop(ctx); err != nil || l.State() == Stopped {
					disconnect()
					return err
				}
				continue
			}
			return err
		}
		actions, err := l.adapter.ParseMessage(frame)
		if err != nil {
			// A malformed message is dropped, the connection stays up.
			log.Error().Str("exchange", l.adapter.Exchange().Name).Err(err).Msg("dropping unparseable message")
			continue
		}
		if len(actions) == 0 {
			continue
		}
		if err := l.sink.OnEvent(ctx, actions); err != nil {
			return err
		}
	}
}

// checkStop moves the listener to Stopped when a stop was requested or
// the context ended. Inside a connection epoch the caller logs the
// disconnect first.
func (l *Listener) checkStop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		l.setState(Stopped)
		return ctx.Err()
	default:
	}
	if l.stopped.Load() {
		l.setState(Stopped)
	}
	return nil
}

// logEvents records one lifecycle event per subscribed topic through
// the sink, so event rows take part in the same batched commits as
// feed data.
func (l *Listener) logEvents(ctx context.Context, connectionEvent model.ConnectionEvent) error {
	topics := l.adapter.Topics()
	rows := make([]model.Row, 0, len(topics))
	now := time.Now().UTC()
	for _, topic := range topics {
		buySym, sellSym, err := l.adapter.PairSymbols(topic.Market)
		if err != nil {
			return err
		}
		rows = append(rows, model.Event{
			SessionID:       l.sessionID,
			Timestamp:       now,
			ExchangeID:      l.adapter.Exchange().ID,
			BuySymID:        buySym,
			SellSymID:       sellSym,
			ConnectionEvent: connectionEvent,
			DataCollected:   topic.Collected,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	return l.sink.OnEvent(ctx, []action.Action{action.NewInsert(rows...)})
}

// logErrStack logs error with stack trace.
func logErrStack(err error) {
	log.Error().Stack().Err(errors.WithStack(err)).Msg("")
}
