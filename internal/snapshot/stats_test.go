package snapshot

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarbrain/coindepth/internal/model"
)

// eightLevelBook is the fixture book: four bids, four asks.
func eightLevelBook() []model.PriceLevel {
	return []model.PriceLevel{
		{OrderType: model.Bid, Price: 95, Size: 1},
		{OrderType: model.Bid, Price: 96, Size: 2},
		{OrderType: model.Bid, Price: 97, Size: 3},
		{OrderType: model.Bid, Price: 98, Size: 4},
		{OrderType: model.Ask, Price: 101, Size: 4},
		{OrderType: model.Ask, Price: 102, Size: 3},
		{OrderType: model.Ask, Price: 103, Size: 2},
		{OrderType: model.Ask, Price: 104, Size: 1},
	}
}

func TestComputeStatsFixture(t *testing.T) {
	stats, err := Compute(eightLevelBook())
	require.NoError(t, err)

	assert.Equal(t, 3.0, stats.Spread)
	assert.Equal(t, 4, stats.BidsCount)
	assert.Equal(t, 4, stats.AsksCount)
	assert.Equal(t, 96.5, stats.BidsPriceMean)
	assert.Equal(t, 102.5, stats.AsksPriceMean)
	assert.Equal(t, 96.5, stats.BidPriceMedian)
	assert.Equal(t, 102.5, stats.AskPriceMedian)

	// Population stddev of {95,96,97,98}: sqrt(5/4).
	assert.InDelta(t, math.Sqrt(1.25), stats.BidsPriceStddev, 1e-12)
	assert.InDelta(t, math.Sqrt(1.25), stats.AsksPriceStddev, 1e-12)

	assert.Equal(t, 98.0, stats.MaxBidPrice)
	assert.Equal(t, 4.0, stats.MaxBidSize)
	assert.Equal(t, 101.0, stats.MinAskPrice)
	assert.Equal(t, 4.0, stats.MinAskSize)

	// Volume is the price weighted size sum per side.
	assert.Equal(t, 95.0*1+96*2+97*3+98*4, stats.BidsVolume)
	assert.Equal(t, 101.0*4+102*3+103*2+104*1, stats.AsksVolume)
}

func TestComputeEmptySide(t *testing.T) {
	onlyBids := []model.PriceLevel{{OrderType: model.Bid, Price: 95, Size: 1}}
	_, err := Compute(onlyBids)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptySide))

	_, err = Compute(nil)
	assert.True(t, errors.Is(err, ErrEmptySide))
}

func TestQuartileFilter(t *testing.T) {
	filtered, err := QuartileFilter(eightLevelBook())
	require.NoError(t, err)

	// The discrete 75th percentile of bid prices {95,96,97,98} is 97
	// and the 25th percentile of ask prices {101,102,103,104} is 101,
	// so bids 97 and 98 and ask 101 survive.
	require.Len(t, filtered, 3)
	assert.Equal(t, model.Bid, filtered[0].OrderType)
	assert.Equal(t, 97.0, filtered[0].Price)
	assert.Equal(t, 98.0, filtered[1].Price)
	assert.Equal(t, model.Ask, filtered[2].OrderType)
	assert.Equal(t, 101.0, filtered[2].Price)
}

func TestQuartileFilterSingleLevelSides(t *testing.T) {
	book := []model.PriceLevel{
		{OrderType: model.Bid, Price: 10, Size: 1},
		{OrderType: model.Ask, Price: 11, Size: 1},
	}
	filtered, err := QuartileFilter(book)
	require.NoError(t, err)
	assert.Len(t, filtered, 2)
}

func TestQuartileFilterEmptySide(t *testing.T) {
	_, err := QuartileFilter([]model.PriceLevel{{OrderType: model.Ask, Price: 1, Size: 1}})
	assert.True(t, errors.Is(err, ErrEmptySide))
}

func TestMidPriceFilter(t *testing.T) {
	// Mid price is (98 + 101) / 2 = 99.5; a 2% band keeps prices in
	// [97.51, 101.49].
	filtered, err := MidPriceFilter(eightLevelBook(), 0.02)
	require.NoError(t, err)
	require.Len(t, filtered, 2)
	assert.Equal(t, 98.0, filtered[0].Price)
	assert.Equal(t, 101.0, filtered[1].Price)
}

func TestMidPriceFilterWideBandKeepsAll(t *testing.T) {
	filtered, err := MidPriceFilter(eightLevelBook(), 0.5)
	require.NoError(t, err)
	assert.Len(t, filtered, 8)
}

func TestPercentileDisc(t *testing.T) {
	values := []float64{95, 96, 97, 98}
	assert.Equal(t, 97.0, percentileDisc(0.75, values))
	assert.Equal(t, 95.0, percentileDisc(0.25, values))
	assert.Equal(t, 95.0, percentileDisc(0, values))
	assert.Equal(t, 98.0, percentileDisc(1, values))

	odd := []float64{1, 2, 3}
	assert.Equal(t, 3.0, percentileDisc(0.75, odd))
	assert.Equal(t, 1.0, percentileDisc(0.25, odd))
}

func TestMedianOddAndEven(t *testing.T) {
	assert.Equal(t, 2.0, median([]float64{3, 1, 2}))
	assert.Equal(t, 2.5, median([]float64{4, 1, 2, 3}))
}
