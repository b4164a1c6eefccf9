package listener

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarbrain/coindepth/internal/action"
	"github.com/stellarbrain/coindepth/internal/config"
	"github.com/stellarbrain/coindepth/internal/connector"
	"github.com/stellarbrain/coindepth/internal/exchange"
	"github.com/stellarbrain/coindepth/internal/model"
)

// timeoutErr mimics a websocket read deadline expiring.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "read timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type readResult struct {
	frame []byte
	err   error
}

// fakeTransport replays scripted reads and then times out forever.
type fakeTransport struct {
	reads  []readResult
	closed bool
}

func (t *fakeTransport) Read() ([]byte, error) {
	if len(t.reads) == 0 {
		return nil, timeoutErr{}
	}
	r := t.reads[0]
	t.reads = t.reads[1:]
	return r.frame, r.err
}

func (t *fakeTransport) Write([]byte) error { return nil }

func (t *fakeTransport) Close() error {
	t.closed = true
	return nil
}

// fakeAdapter turns every frame into one coin insert; frames spelling
// "bad" fail to parse.
type fakeAdapter struct {
	setupActions []action.Action
	setupErr     error
}

func (a *fakeAdapter) Exchange() model.Exchange { return model.Exchange{ID: 9, Name: "fake"} }
func (a *fakeAdapter) WebsocketURL() string     { return "wss://example.invalid/feed" }

func (a *fakeAdapter) Topics() []exchange.Topic {
	return []exchange.Topic{
		{Market: "BTC_ETH", Collected: model.CollectedTrades},
		{Market: "BTC_ETH", Collected: model.CollectedAggOrderBook},
	}
}

func (a *fakeAdapter) PairSymbols(market string) (string, string, error) {
	return exchange.SplitPair(market, nil)
}

func (a *fakeAdapter) Setup(context.Context, exchange.Conn, *connector.REST) ([]action.Action, error) {
	return a.setupActions, a.setupErr
}

func (a *fakeAdapter) ParseMessage(frame []byte) ([]action.Action, error) {
	if string(frame) == "bad" {
		return nil, errors.New("unparseable")
	}
	return []action.Action{action.NewInsert(model.Coin{Symbol: string(frame)})}, nil
}

func (a *fakeAdapter) FetchMarkets(context.Context, *connector.REST) ([]action.Action, error) {
	return nil, nil
}

// recordingSink collects batches and can fail on demand.
type recordingSink struct {
	batches [][]action.Action
	failAt  int
}

func (s *recordingSink) OnEvent(_ context.Context, actions []action.Action) error {
	s.batches = append(s.batches, actions)
	if s.failAt > 0 && len(s.batches) >= s.failAt {
		return errors.New("storage error")
	}
	return nil
}

// events extracts the lifecycle events of a recorded batch, nil if the
// batch is not an event batch.
func events(batch []action.Action) []model.Event {
	if len(batch) != 1 {
		return nil
	}
	insert, ok := batch[0].(*action.Insert)
	if !ok {
		return nil
	}
	var out []model.Event
	for _, row := range insert.Rows {
		ev, ok := row.(model.Event)
		if !ok {
			return nil
		}
		out = append(out, ev)
	}
	return out
}

func newTestListener(adapter *fakeAdapter, sink *recordingSink, transport *fakeTransport) *Listener {
	l := New(adapter, sink, nil, &config.WS{ReadTimeoutSec: 1})
	l.SetDialer(func(context.Context, string) (Transport, error) {
		return transport, nil
	})
	return l
}

func TestListenerConnectAndDisconnectEvents(t *testing.T) {
	sink := &recordingSink{}
	transport := &fakeTransport{reads: []readResult{{frame: []byte("BTC")}}}
	l := newTestListener(&fakeAdapter{}, sink, transport)
	l.Stop()

	// Stop is observed at the first timeout after the scripted frame.
	err := l.runConnection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stopped, l.State())
	assert.True(t, transport.closed)

	require.Len(t, sink.batches, 3)
	connects := events(sink.batches[0])
	require.Len(t, connects, 2)
	for _, ev := range connects {
		assert.Equal(t, model.Connect, ev.ConnectionEvent)
		assert.Equal(t, "BTC", ev.BuySymID)
		assert.Equal(t, "ETH", ev.SellSymID)
		assert.NotEmpty(t, ev.SessionID)
	}
	disconnects := events(sink.batches[2])
	require.Len(t, disconnects, 2)
	assert.Equal(t, model.Disconnect, disconnects[0].ConnectionEvent)
}

func TestListenerDisconnectLoggedOncePerEpoch(t *testing.T) {
	sink := &recordingSink{}
	transport := &fakeTransport{reads: []readResult{{err: errors.New("connection reset")}}}
	l := newTestListener(&fakeAdapter{}, sink, transport)

	err := l.runConnection(context.Background())
	require.Error(t, err)

	// Exactly one disconnect batch for the broken epoch.
	disconnectBatches := 0
	for _, batch := range sink.batches {
		evs := events(batch)
		if len(evs) > 0 && evs[0].ConnectionEvent == model.Disconnect {
			disconnectBatches++
		}
	}
	assert.Equal(t, 1, disconnectBatches)
}

func TestListenerDropsUnparseableMessages(t *testing.T) {
	sink := &recordingSink{}
	transport := &fakeTransport{reads: []readResult{
		{frame: []byte("bad")},
		{frame: []byte("ETH")},
	}}
	l := newTestListener(&fakeAdapter{}, sink, transport)
	l.Stop()
	err := l.runConnection(context.Background())
	require.NoError(t, err)

	// connect events, the parsed ETH frame, disconnect events: the bad
	// frame produced nothing and did not break the connection.
	require.Len(t, sink.batches, 3)
	insert := sink.batches[1][0].(*action.Insert)
	coin := insert.Rows[0].(model.Coin)
	assert.Equal(t, "ETH", coin.Symbol)
}

func TestListenerSinkErrorBreaksEpoch(t *testing.T) {
	sink := &recordingSink{failAt: 2}
	transport := &fakeTransport{reads: []readResult{{frame: []byte("BTC")}}}
	l := newTestListener(&fakeAdapter{}, sink, transport)

	err := l.runConnection(context.Background())
	require.Error(t, err)
	assert.True(t, transport.closed)
}

func TestListenerSetupActionsForwarded(t *testing.T) {
	setup := []action.Action{action.NewInsert(model.Coin{Symbol: "SNAP"})}
	sink := &recordingSink{}
	transport := &fakeTransport{}
	l := newTestListener(&fakeAdapter{setupActions: setup}, sink, transport)
	l.Stop()
	require.NoError(t, l.runConnection(context.Background()))

	// connect events, then the setup snapshot, then disconnect events.
	require.Len(t, sink.batches, 3)
	insert := sink.batches[1][0].(*action.Insert)
	coin := insert.Rows[0].(model.Coin)
	assert.Equal(t, "SNAP", coin.Symbol)
}

func TestListenerContextCancelStops(t *testing.T) {
	sink := &recordingSink{}
	transport := &fakeTransport{}
	l := newTestListener(&fakeAdapter{}, sink, transport)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.runConnection(ctx)
	require.Error(t, err)
	assert.Equal(t, Stopped, l.State())
}
