// Copyright (C) 2025, AdGrid Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package metric

import (
	metrics "github.com/luxfi/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all settlement engine metrics.
type Metrics struct {
	metricsInstance metrics.Metrics

	// Receipt metrics
	ReceiptsRecorded metrics.Counter
	ReceiptsConsumed metrics.Counter
	ReceiptsFiltered metrics.CounterVec

	// Epoch metrics
	EpochsGenerated   metrics.Counter
	EpochsSubmitted   metrics.Counter
	EpochsDistributed metrics.Counter
	EpochsSkipped     metrics.CounterVec

	// Payout metrics
	PayoutsCreated metrics.Counter
	PayoutsClaimed metrics.Counter

	// Keeper metrics
	KeeperRuns        metrics.Counter
	KeeperRunsSkipped metrics.Counter
	KeeperRunDuration metrics.Histogram
}

// NewMetrics creates the settlement metrics set.
func NewMetrics() (*Metrics, error) {
	factory := metrics.NewPrometheusFactory()
	metricsInstance := factory.New("adgrid")

	m := &Metrics{
		metricsInstance: metricsInstance,
	}

	m.ReceiptsRecorded = metricsInstance.NewCounter("receipts_recorded_total", "Total engagement receipts recorded")
	m.ReceiptsConsumed = metricsInstance.NewCounter("receipts_consumed_total", "Total receipts consumed by epoch generation")
	m.ReceiptsFiltered = metricsInstance.NewCounterVec(
		"receipts_filtered_total",
		"Total receipts excluded by the fraud filter, by reason",
		[]string{"reason"},
	)

	m.EpochsGenerated = metricsInstance.NewCounter("epochs_generated_total", "Total epochs generated")
	m.EpochsSubmitted = metricsInstance.NewCounter("epochs_submitted_total", "Total epoch roots submitted on-chain")
	m.EpochsDistributed = metricsInstance.NewCounter("epochs_distributed_total", "Total epochs fully distributed")
	m.EpochsSkipped = metricsInstance.NewCounterVec(
		"epochs_skipped_total",
		"Total epoch generations skipped, by reason",
		[]string{"reason"},
	)

	m.PayoutsCreated = metricsInstance.NewCounter("payouts_created_total", "Total per-host payout entries created")
	m.PayoutsClaimed = metricsInstance.NewCounter("payouts_claimed_total", "Total payout entries marked claimed")

	m.KeeperRuns = metricsInstance.NewCounter("keeper_runs_total", "Total keeper runs executed")
	m.KeeperRunsSkipped = metricsInstance.NewCounter("keeper_runs_skipped_total", "Total keeper triggers skipped because a run was in flight")
	m.KeeperRunDuration = metricsInstance.NewHistogram(
		"keeper_run_duration_seconds",
		"Duration of keeper runs in seconds",
		prometheus.DefBuckets,
	)

	return m, nil
}

// GetGatherer returns the prometheus gatherer for metrics export.
func (m *Metrics) GetGatherer() prometheus.Gatherer {
	if registry := m.metricsInstance.Registry(); registry != nil {
		return registry
	}
	return prometheus.DefaultGatherer
}
