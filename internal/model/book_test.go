package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconstructBookLatestRowWins(t *testing.T) {
	rows := []AggOrder{
		{OrderType: Bid, Price: 2, Size: 5, LastUpdateID: 0},
		{OrderType: Bid, Price: 2, Size: 3, LastUpdateID: 1},
	}
	book := ReconstructBook(rows)
	require.Len(t, book, 1)
	assert.Equal(t, 2.0, book[0].Price)
	assert.Equal(t, 3.0, book[0].Size)
}

func TestReconstructBookTombstoneRemovesLevel(t *testing.T) {
	rows := []AggOrder{
		{OrderType: Bid, Price: 2, Size: 5, LastUpdateID: 0},
		{OrderType: Bid, Price: 3, Size: 1, LastUpdateID: 0},
		{OrderType: Bid, Price: 2, Size: 0, LastUpdateID: 1},
	}
	book := ReconstructBook(rows)
	require.Len(t, book, 1)
	assert.Equal(t, 3.0, book[0].Price)
}

func TestReconstructBookOutOfOrderUpdates(t *testing.T) {
	// A stale row arriving after a fresher one must not win.
	rows := []AggOrder{
		{OrderType: Ask, Price: 10, Size: 7, LastUpdateID: 9},
		{OrderType: Ask, Price: 10, Size: 2, LastUpdateID: 4},
	}
	book := ReconstructBook(rows)
	require.Len(t, book, 1)
	assert.Equal(t, 7.0, book[0].Size)
}

func TestReconstructBookSorting(t *testing.T) {
	rows := []AggOrder{
		{OrderType: Bid, Price: 9, Size: 1, LastUpdateID: 1},
		{OrderType: Ask, Price: 11, Size: 1, LastUpdateID: 1},
		{OrderType: Bid, Price: 8, Size: 1, LastUpdateID: 1},
		{OrderType: Ask, Price: 12, Size: 1, LastUpdateID: 1},
	}
	book := ReconstructBook(rows)
	require.Len(t, book, 4)
	assert.Equal(t, []PriceLevel{
		{OrderType: Ask, Price: 11, Size: 1},
		{OrderType: Ask, Price: 12, Size: 1},
		{OrderType: Bid, Price: 8, Size: 1},
		{OrderType: Bid, Price: 9, Size: 1},
	}, book)
}
