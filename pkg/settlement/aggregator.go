// Copyright (C) 2025, AdGrid Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package settlement

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/adgrid/adgrid/pkg/core"
	"github.com/adgrid/adgrid/pkg/log"
	"github.com/adgrid/adgrid/pkg/metric"
	"github.com/adgrid/adgrid/pkg/store"
)

// FilterConfig holds the fraud filter thresholds. The defaults match the
// engine's production settings; tests override them freely.
type FilterConfig struct {
	// MinDwellMs is the dwell-time floor. Receipts below it are treated as
	// bot or drive-by views and excluded entirely.
	MinDwellMs int64

	// DedupWindow is the fingerprint dedup window. A viewer fingerprint
	// reappearing for the same host within this window of its previous
	// occurrence contributes no impression. Clicks are never deduped.
	DedupWindow time.Duration

	// MaxImpressionsPerHost and MaxClicksPerHost are hard per-epoch
	// ceilings applied after summation.
	MaxImpressionsPerHost uint64
	MaxClicksPerHost      uint64
}

// DefaultFilterConfig returns the production thresholds.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		MinDwellMs:            1000,
		DedupWindow:           30 * time.Second,
		MaxImpressionsPerHost: 1000,
		MaxClicksPerHost:      100,
	}
}

// AggregateResult is the output of one epoch aggregation pass.
type AggregateResult struct {
	// Hosts maps lowercase host address to filtered, capped activity.
	Hosts map[string]*core.HostActivity

	// TotalImpressions and TotalClicks sum the filtered activity. Hosts
	// later dropped by the minimum-payout filter still count here.
	TotalImpressions uint64
	TotalClicks      uint64

	// Receipts is the full consumed set for the window, including receipts
	// the filter discarded. All of them belong to this epoch once it is
	// committed.
	Receipts []*core.Receipt
}

// Aggregator buckets unprocessed receipts into an epoch window and sums
// per-host activity with the fraud filter applied per receipt. It is a pure
// read: repeated runs over the same receipt set produce identical output.
type Aggregator struct {
	receipts store.ReceiptRepository
	cfg      FilterConfig
	metrics  *metric.Metrics
	log      log.Logger
}

// NewAggregator creates an epoch aggregator.
func NewAggregator(receipts store.ReceiptRepository, cfg FilterConfig, m *metric.Metrics, logger log.Logger) *Aggregator {
	return &Aggregator{
		receipts: receipts,
		cfg:      cfg,
		metrics:  m,
		log:      logger,
	}
}

type dedupKey struct {
	host        string
	fingerprint string
}

// Aggregate fetches the campaign's unprocessed receipts inside the epoch
// window and reduces them to per-host activity.
func (a *Aggregator) Aggregate(ctx context.Context, campaignID uint64, epochNumber int64) (*AggregateResult, error) {
	start, end := core.EpochWindow(epochNumber)

	receipts, err := a.receipts.UnprocessedReceipts(ctx, campaignID, start, end)
	if err != nil {
		return nil, err
	}
	if len(receipts) == 0 {
		return &AggregateResult{Hosts: map[string]*core.HostActivity{}}, nil
	}

	// Timestamp ascending, insertion order as tie-break. The repository
	// already returns this order; sorting again keeps determinism a
	// property of the receipt set rather than of the backend.
	sort.SliceStable(receipts, func(i, j int) bool {
		if !receipts[i].Timestamp.Equal(receipts[j].Timestamp) {
			return receipts[i].Timestamp.Before(receipts[j].Timestamp)
		}
		return receipts[i].Seq < receipts[j].Seq
	})

	hosts := make(map[string]*core.HostActivity)
	lastSeen := make(map[dedupKey]time.Time)

	var dwellDropped, deduped int
	for _, r := range receipts {
		if r.DwellMs < a.cfg.MinDwellMs {
			dwellDropped++
			continue
		}

		h, ok := hosts[r.HostAddress]
		if !ok {
			h = &core.HostActivity{HostAddress: r.HostAddress}
			hosts[r.HostAddress] = h
		}

		impressions := r.Impressions
		if r.ViewerFingerprint != "" {
			key := dedupKey{host: r.HostAddress, fingerprint: r.ViewerFingerprint}
			if prev, seen := lastSeen[key]; seen && r.Timestamp.Sub(prev) < a.cfg.DedupWindow {
				impressions = 0
				deduped++
			}
			lastSeen[key] = r.Timestamp
		}

		h.Impressions += impressions
		h.Clicks += r.Clicks
	}

	res := &AggregateResult{
		Hosts:    hosts,
		Receipts: receipts,
	}

	for _, h := range hosts {
		if h.Impressions > a.cfg.MaxImpressionsPerHost {
			h.Impressions = a.cfg.MaxImpressionsPerHost
		}
		if h.Clicks > a.cfg.MaxClicksPerHost {
			h.Clicks = a.cfg.MaxClicksPerHost
		}
		res.TotalImpressions += h.Impressions
		res.TotalClicks += h.Clicks
	}

	if a.metrics != nil {
		if dwellDropped > 0 {
			a.metrics.ReceiptsFiltered.WithLabelValues("dwell_floor").Add(float64(dwellDropped))
		}
		if deduped > 0 {
			a.metrics.ReceiptsFiltered.WithLabelValues("dedup").Add(float64(deduped))
		}
	}
	if dwellDropped > 0 || deduped > 0 {
		a.log.Debug("fraud filter applied",
			zap.Uint64("campaign_id", campaignID),
			zap.Int64("epoch", epochNumber),
			zap.Int("dwell_dropped", dwellDropped),
			zap.Int("deduped", deduped))
	}

	return res, nil
}
