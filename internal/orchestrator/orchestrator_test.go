package orchestrator

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarbrain/coindepth/internal/action"
	"github.com/stellarbrain/coindepth/internal/connector"
	"github.com/stellarbrain/coindepth/internal/exchange"
	"github.com/stellarbrain/coindepth/internal/model"
)

// fakeStore counts commits and rollbacks and can fail inserts.
type fakeStore struct {
	commits   int
	rollbacks int
	insertErr error
}

func (s *fakeStore) Insert(_ context.Context, rows []model.Row) (int64, error) {
	if s.insertErr != nil {
		return 0, s.insertErr
	}
	return int64(len(rows)), nil
}

func (s *fakeStore) InsertIgnore(ctx context.Context, rows []model.Row) (int64, error) {
	return s.Insert(ctx, rows)
}

func (s *fakeStore) Exists(_ context.Context, _ string, _ map[string]interface{}) (bool, error) {
	return false, nil
}

func (s *fakeStore) Update(_ context.Context, _ string, _, _ map[string]interface{}) (int64, error) {
	return 1, nil
}

func (s *fakeStore) Commit(_ context.Context) error {
	s.commits++
	return nil
}

func (s *fakeStore) Rollback() error {
	s.rollbacks++
	return nil
}

func twoRowInsert() action.Action {
	return action.NewInsert(
		model.Coin{Symbol: "BTC"},
		model.Coin{Symbol: "ETH"},
	)
}

func TestCommitThreshold(t *testing.T) {
	store := &fakeStore{}
	o := New(store, 3)

	// Two actions of two rows each cross the threshold of three: one
	// commit, and the counter resets to zero.
	err := o.OnEvent(context.Background(), []action.Action{twoRowInsert(), twoRowInsert()})
	require.NoError(t, err)
	assert.Equal(t, 1, store.commits)
	assert.Equal(t, int64(0), o.rowsModified)
	assert.Equal(t, int64(4), o.CommittedRows())
}

func TestNoCommitBelowThreshold(t *testing.T) {
	store := &fakeStore{}
	o := New(store, 3)
	err := o.OnEvent(context.Background(), []action.Action{twoRowInsert()})
	require.NoError(t, err)
	assert.Zero(t, store.commits)
	assert.Equal(t, int64(2), o.rowsModified)
}

func TestExecuteErrorRollsBack(t *testing.T) {
	store := &fakeStore{insertErr: errors.New("constraint violation")}
	o := New(store, 3)
	err := o.OnEvent(context.Background(), []action.Action{twoRowInsert()})
	require.Error(t, err)
	assert.Equal(t, 1, store.rollbacks)
	assert.Zero(t, store.commits)
	assert.Equal(t, int64(0), o.rowsModified)
}

// marketsAdapter serves canned market-discovery rows.
type marketsAdapter struct {
	name string
	rows []model.Row
	err  error
}

func (a *marketsAdapter) Exchange() model.Exchange { return model.Exchange{ID: 1, Name: a.name} }
func (a *marketsAdapter) WebsocketURL() string     { return "" }
func (a *marketsAdapter) Topics() []exchange.Topic { return nil }

func (a *marketsAdapter) PairSymbols(market string) (string, string, error) {
	return exchange.SplitPair(market, nil)
}

func (a *marketsAdapter) Setup(context.Context, exchange.Conn, *connector.REST) ([]action.Action, error) {
	return nil, nil
}

func (a *marketsAdapter) ParseMessage([]byte) ([]action.Action, error) { return nil, nil }

func (a *marketsAdapter) FetchMarkets(context.Context, *connector.REST) ([]action.Action, error) {
	if a.err != nil {
		return nil, a.err
	}
	return []action.Action{action.NewInsert(a.rows...)}, nil
}

func TestFetchMarketsFansOutAndFlushes(t *testing.T) {
	store := &fakeStore{}
	o := New(store, 100)
	adapters := []exchange.Adapter{
		&marketsAdapter{name: "binance", rows: []model.Row{
			model.Coin{Symbol: "BTC"}, model.Coin{Symbol: "ETH"},
		}},
		&marketsAdapter{name: "hitbtc", rows: []model.Row{
			model.Coin{Symbol: "XRP"},
		}},
	}
	err := o.FetchMarkets(context.Background(), adapters, nil)
	require.NoError(t, err)

	// Every adapter's rows land in the single final commit.
	assert.Equal(t, 1, store.commits)
	assert.Equal(t, int64(3), o.CommittedRows())
}

func TestFetchMarketsAdapterErrorAborts(t *testing.T) {
	store := &fakeStore{}
	o := New(store, 100)
	err := o.FetchMarkets(context.Background(), []exchange.Adapter{
		&marketsAdapter{name: "binance", err: errors.New("rate limited")},
	}, nil)
	require.Error(t, err)
	assert.Zero(t, store.commits)
}

func TestFlushCommitsPartialBatch(t *testing.T) {
	store := &fakeStore{}
	o := New(store, 100)
	require.NoError(t, o.OnEvent(context.Background(), []action.Action{twoRowInsert()}))
	require.NoError(t, o.flush(context.Background()))
	assert.Equal(t, 1, store.commits)
	assert.Equal(t, int64(2), o.CommittedRows())

	// Nothing pending, nothing committed.
	require.NoError(t, o.flush(context.Background()))
	assert.Equal(t, 1, store.commits)
}
