// Package storage implements the persistence boundary: a transactional
// relational store for ingested entities plus an optional elastic
// search mirror for generated order book snapshots.
package storage

import (
	"github.com/stellarbrain/coindepth/internal/model"
)

// SnapshotMarket identifies one (exchange, market) pair for which
// aggregate order book data has been collected.
type SnapshotMarket struct {
	Exchange  model.Exchange
	BuySymID  string
	SellSymID string
}
