package model

import (
	"sort"
)

// PriceLevel is one side/price entry of a reconstructed order book.
type PriceLevel struct {
	OrderType OrderType
	Price     float64
	Size      float64
}

type levelKey struct {
	orderType OrderType
	price     float64
}

// ReconstructBook rebuilds the current state of a market's book from
// aggregate order history: for each (order_type, price) the row with
// the greatest last_update_id wins, and levels whose winning size is
// zero are excluded (tombstones remove a level without deleting rows).
// Levels come back sorted by side, then ascending price.
func ReconstructBook(rows []AggOrder) []PriceLevel {
	latest := make(map[levelKey]AggOrder, len(rows))
	for _, row := range rows {
		key := levelKey{orderType: row.OrderType, price: row.Price}
		if cur, ok := latest[key]; !ok || row.LastUpdateID > cur.LastUpdateID {
			latest[key] = row
		}
	}
	levels := make([]PriceLevel, 0, len(latest))
	for _, row := range latest {
		if row.Size == 0 {
			continue
		}
		levels = append(levels, PriceLevel{OrderType: row.OrderType, Price: row.Price, Size: row.Size})
	}
	sort.Slice(levels, func(i, j int) bool {
		if levels[i].OrderType != levels[j].OrderType {
			return levels[i].OrderType < levels[j].OrderType
		}
		return levels[i].Price < levels[j].Price
	})
	return levels
}
