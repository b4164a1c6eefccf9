package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v7"
	jsoniter "github.com/json-iterator/go"
	"github.com/stellarbrain/coindepth/internal/config"
	"github.com/stellarbrain/coindepth/internal/model"
)

// ElasticSearch mirrors generated order book snapshots to an elastic
// search index for ad hoc exploration. It is a secondary sink: the
// relational store stays authoritative.
type ElasticSearch struct {
	ES        *elasticsearch.Client
	IndexName string
	Cfg       *config.ES
}

// InitElasticSearch initializes elastic search connection with configured values.
func InitElasticSearch(cfg *config.ES) (*ElasticSearch, error) {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = cfg.MaxIdleConns
	t.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	esCfg := elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: t,
	}
	es, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, err
	}
	var ctx context.Context
	if cfg.ReqTimeoutSec > 0 {
		timeoutCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ReqTimeoutSec)*time.Second)
		ctx = timeoutCtx
		defer cancel()
	} else {
		ctx = context.Background()
	}
	_, err = es.Ping(es.Ping.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	return &ElasticSearch{
		ES:        es,
		IndexName: cfg.IndexName,
		Cfg:       cfg,
	}, nil
}

// esSnapshot is the snapshot document sent to elastic search.
type esSnapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	SnapshotType    string    `json:"snapshot_type"`
	MidPriceRange   float64   `json:"mid_price_range"`
	Exchange        int       `json:"exchange_id"`
	BuySym          string    `json:"buy_sym_id"`
	SellSym         string    `json:"sell_sym_id"`
	Spread          float64   `json:"spread"`
	BidsVolume      float64   `json:"bids_volume"`
	AsksVolume      float64   `json:"asks_volume"`
	BidsCount       int       `json:"bids_count"`
	AsksCount       int       `json:"asks_count"`
	BidsPriceMean   float64   `json:"bids_price_mean"`
	AsksPriceMean   float64   `json:"asks_price_mean"`
	BidsPriceStddev float64   `json:"bids_price_stddev"`
	AsksPriceStddev float64   `json:"asks_price_stddev"`
	MaxBidPrice     float64   `json:"max_bid_price"`
	MinAskPrice     float64   `json:"min_ask_price"`
	CreatedAt       time.Time `json:"created_at"`
}

// CommitSnapshots bulk indexes snapshot rows to elastic search.
func (e *ElasticSearch) CommitSnapshots(appCtx context.Context, data []model.OrderBookSnapshot) error {
	var buf bytes.Buffer
	for _, s := range data {
		meta := []byte(fmt.Sprintf(`{"create":{}}%s`, "\n"))
		ed := esSnapshot{
			Timestamp:       s.Timestamp,
			SnapshotType:    s.SnapshotType,
			MidPriceRange:   s.MidPriceRange,
			Exchange:        s.ExchangeID,
			BuySym:          s.BuySymID,
			SellSym:         s.SellSymID,
			Spread:          s.Spread,
			BidsVolume:      s.BidsVolume,
			AsksVolume:      s.AsksVolume,
			BidsCount:       s.BidsCount,
			AsksCount:       s.AsksCount,
			BidsPriceMean:   s.BidsPriceMean,
			AsksPriceMean:   s.AsksPriceMean,
			BidsPriceStddev: s.BidsPriceStddev,
			AsksPriceStddev: s.AsksPriceStddev,
			MaxBidPrice:     s.MaxBidPrice,
			MinAskPrice:     s.MinAskPrice,
			CreatedAt:       time.Now().UTC(),
		}
		esBytes, err := jsoniter.Marshal(ed)
		if err != nil {
			return err
		}
		esBytes = append(esBytes, "\n"...)
		buf.Grow(len(meta) + len(esBytes))
		buf.Write(meta)
		buf.Write(esBytes)
	}
	var ctx context.Context
	if e.Cfg.ReqTimeoutSec > 0 {
		timeoutCtx, cancel := context.WithTimeout(appCtx, time.Duration(e.Cfg.ReqTimeoutSec)*time.Second)
		ctx = timeoutCtx
		defer cancel()
	} else {
		ctx = appCtx
	}
	resp, err := e.ES.Bulk(bytes.NewReader(buf.Bytes()), e.ES.Bulk.WithIndex(e.IndexName), e.ES.Bulk.WithContext(ctx))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("code : %v, status : %v", resp.StatusCode, resp.Status())
	}
	_, err = io.Copy(io.Discard, resp.Body)
	if err != nil {
		return err
	}
	return nil
}
