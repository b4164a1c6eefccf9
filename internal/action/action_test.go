package action

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarbrain/coindepth/internal/model"
)

// fakeStore records calls and lets tests script existence answers.
type fakeStore struct {
	inserted      [][]model.Row
	ignored       [][]model.Row
	existing      map[string]bool
	existsFilters []map[string]interface{}
	updates       int
	updateRows    int64
}

func (s *fakeStore) Insert(_ context.Context, rows []model.Row) (int64, error) {
	s.inserted = append(s.inserted, rows)
	return int64(len(rows)), nil
}

func (s *fakeStore) InsertIgnore(_ context.Context, rows []model.Row) (int64, error) {
	s.ignored = append(s.ignored, rows)
	return int64(len(rows)), nil
}

func (s *fakeStore) Exists(_ context.Context, table string, filter map[string]interface{}) (bool, error) {
	s.existsFilters = append(s.existsFilters, filter)
	return s.existing[table], nil
}

func (s *fakeStore) Update(_ context.Context, _ string, _, _ map[string]interface{}) (int64, error) {
	s.updates++
	return s.updateRows, nil
}

func TestInsertDeduplicatesInput(t *testing.T) {
	store := &fakeStore{}
	coin := model.Coin{Symbol: "BTC"}
	a := NewInsert(coin, coin, model.Coin{Symbol: "ETH"})
	n, err := a.Execute(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.Len(t, store.inserted, 1)
	assert.Len(t, store.inserted[0], 2)
}

func TestInsertKeepsRowsWithConcatenatingFields(t *testing.T) {
	store := &fakeStore{}
	// The two markets differ, but their fields concatenate to the same
	// string; both must survive deduplication.
	a := NewInsert(model.NewMarket("A", "BC"), model.NewMarket("AB", "C"))
	n, err := a.Execute(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.Len(t, store.inserted, 1)
	assert.Len(t, store.inserted[0], 2)
}

func TestInsertCheckDuplicatesFiltersExisting(t *testing.T) {
	store := &fakeStore{existing: map[string]bool{"coins": true}}
	a := &Insert{Rows: []model.Row{model.Coin{Symbol: "BTC"}}, CheckDuplicates: true}
	n, err := a.Execute(context.Background(), store)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, store.inserted)
	require.Len(t, store.existsFilters, 1)
	assert.Equal(t, map[string]interface{}{"symbol": "BTC"}, store.existsFilters[0])
}

func TestInsertCheckDuplicatesCustomColumns(t *testing.T) {
	store := &fakeStore{}
	trade := model.Trade{ExchangeTradeID: "42", ExchangeID: 3, Price: 1.5}
	a := &Insert{
		Rows:             []model.Row{trade},
		CheckDuplicates:  true,
		DuplicateColumns: []string{"exchange_trade_id"},
	}
	_, err := a.Execute(context.Background(), store)
	require.NoError(t, err)
	require.Len(t, store.existsFilters, 1)
	assert.Equal(t, map[string]interface{}{"exchange_trade_id": "42"}, store.existsFilters[0])
	require.Len(t, store.inserted, 1)
}

func TestInsertIgnoreConflictsGroupsByTable(t *testing.T) {
	store := &fakeStore{}
	a := &Insert{
		Rows: []model.Row{
			model.Coin{Symbol: "BTC"},
			model.NewMarket("BTC", "ETH"),
			model.Coin{Symbol: "ETH"},
		},
		IgnoreConflicts: true,
	}
	n, err := a.Execute(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	require.Len(t, store.ignored, 2)
	assert.Len(t, store.ignored[0], 2)
	assert.Len(t, store.ignored[1], 1)
	assert.Empty(t, store.inserted)
}

func TestInsertEmptyAfterDedup(t *testing.T) {
	store := &fakeStore{}
	a := NewInsert()
	n, err := a.Execute(context.Background(), store)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, store.inserted)
}

func TestUpdateZeroRowsIsNotAnError(t *testing.T) {
	store := &fakeStore{updateRows: 0}
	a := &Update{
		Table:  "orders",
		Filter: map[string]interface{}{"exchange_order_id": "missing"},
		Assign: map[string]interface{}{"cancelled_at": "2019-01-01"},
	}
	n, err := a.Execute(context.Background(), store)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, store.updates)
}
