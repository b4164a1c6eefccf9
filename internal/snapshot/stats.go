package snapshot

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"github.com/stellarbrain/coindepth/internal/model"
)

// ErrEmptySide reports that a book has no bids or no asks, so its
// statistics are undefined. Callers skip the interval instead of
// recording zeros.
var ErrEmptySide = errors.New("order book side is empty")

// Stats are the descriptive statistics of one filtered order book.
type Stats struct {
	Spread          float64
	BidsVolume      float64
	AsksVolume      float64
	BidsCount       int
	AsksCount       int
	BidsPriceMean   float64
	AsksPriceMean   float64
	BidsPriceStddev float64
	AsksPriceStddev float64
	BidPriceMedian  float64
	AskPriceMedian  float64
	MaxBidPrice     float64
	MaxBidSize      float64
	MinAskPrice     float64
	MinAskSize      float64
}

func splitSides(book []model.PriceLevel) (bids, asks []model.PriceLevel) {
	for _, level := range book {
		if level.OrderType == model.Bid {
			bids = append(bids, level)
		} else {
			asks = append(asks, level)
		}
	}
	return bids, asks
}

// Compute derives the statistics of a filtered book. Both sides must
// be non-empty or ErrEmptySide is returned.
func Compute(book []model.PriceLevel) (Stats, error) {
	bids, asks := splitSides(book)
	if len(bids) == 0 || len(asks) == 0 {
		return Stats{}, ErrEmptySide
	}
	var s Stats
	s.BidsCount = len(bids)
	s.AsksCount = len(asks)

	bidPrices := make([]float64, len(bids))
	for i, level := range bids {
		bidPrices[i] = level.Price
		s.BidsVolume += level.Price * level.Size
		if level.Price > s.MaxBidPrice || i == 0 {
			s.MaxBidPrice = level.Price
			s.MaxBidSize = level.Size
		}
	}
	askPrices := make([]float64, len(asks))
	for i, level := range asks {
		askPrices[i] = level.Price
		s.AsksVolume += level.Price * level.Size
		if level.Price < s.MinAskPrice || i == 0 {
			s.MinAskPrice = level.Price
			s.MinAskSize = level.Size
		}
	}
	s.Spread = s.MinAskPrice - s.MaxBidPrice
	s.BidsPriceMean = mean(bidPrices)
	s.AsksPriceMean = mean(askPrices)
	s.BidsPriceStddev = stddev(bidPrices, s.BidsPriceMean)
	s.AsksPriceStddev = stddev(askPrices, s.AsksPriceMean)
	s.BidPriceMedian = median(bidPrices)
	s.AskPriceMedian = median(askPrices)
	return s, nil
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stddev is the population standard deviation.
func stddev(values []float64, mean float64) float64 {
	var sum float64
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}

// median averages the two middle values for even-length input.
func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// percentileDisc returns the smallest value whose cumulative share of
// the sorted input reaches p, the discrete percentile.
func percentileDisc(p float64, values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	i := int(math.Ceil(p*float64(len(sorted)))) - 1
	if i < 0 {
		i = 0
	}
	return sorted[i]
}

// QuartileFilter keeps bids at or above the 75th percentile bid price
// and asks at or below the 25th percentile ask price.
func QuartileFilter(book []model.PriceLevel) ([]model.PriceLevel, error) {
	bids, asks := splitSides(book)
	if len(bids) == 0 || len(asks) == 0 {
		return nil, ErrEmptySide
	}
	bidPrices := make([]float64, len(bids))
	for i, level := range bids {
		bidPrices[i] = level.Price
	}
	askPrices := make([]float64, len(asks))
	for i, level := range asks {
		askPrices[i] = level.Price
	}
	bidCut := percentileDisc(0.75, bidPrices)
	askCut := percentileDisc(0.25, askPrices)
	filtered := make([]model.PriceLevel, 0, len(book))
	for _, level := range bids {
		if level.Price >= bidCut {
			filtered = append(filtered, level)
		}
	}
	for _, level := range asks {
		if level.Price <= askCut {
			filtered = append(filtered, level)
		}
	}
	return filtered, nil
}

// MidPriceFilter keeps levels within the given fraction of the book's
// mid price, the average of best bid and best ask.
func MidPriceFilter(book []model.PriceLevel, midRange float64) ([]model.PriceLevel, error) {
	bids, asks := splitSides(book)
	if len(bids) == 0 || len(asks) == 0 {
		return nil, ErrEmptySide
	}
	maxBid := bids[0].Price
	for _, level := range bids {
		if level.Price > maxBid {
			maxBid = level.Price
		}
	}
	minAsk := asks[0].Price
	for _, level := range asks {
		if level.Price < minAsk {
			minAsk = level.Price
		}
	}
	mid := (maxBid + minAsk) / 2
	filtered := make([]model.PriceLevel, 0, len(book))
	for _, level := range book {
		if math.Abs(level.Price-mid) <= mid*midRange {
			filtered = append(filtered, level)
		}
	}
	return filtered, nil
}
