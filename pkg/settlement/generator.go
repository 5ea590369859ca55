// Copyright (C) 2025, AdGrid Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/adgrid/adgrid/pkg/core"
	"github.com/adgrid/adgrid/pkg/log"
	"github.com/adgrid/adgrid/pkg/merkle"
	"github.com/adgrid/adgrid/pkg/metric"
	"github.com/adgrid/adgrid/pkg/store"
)

var (
	// ErrEpochAlreadyGenerated is returned for a generation attempt against
	// an epoch that already exists. Regeneration would change host
	// entitlements after they may already have been communicated.
	ErrEpochAlreadyGenerated = errors.New("epoch already generated")
)

// Generator drives the pipeline from raw receipts to a committed epoch:
// aggregate, filter, allocate, build the merkle commitment, persist.
type Generator struct {
	store      store.Store
	aggregator *Aggregator
	cfg        AllocatorConfig
	metrics    *metric.Metrics
	log        log.Logger
}

// NewGenerator creates an epoch generator.
func NewGenerator(st store.Store, filterCfg FilterConfig, allocCfg AllocatorConfig, m *metric.Metrics, logger log.Logger) *Generator {
	return &Generator{
		store:      st,
		aggregator: NewAggregator(st, filterCfg, m, logger),
		cfg:        allocCfg,
		metrics:    m,
		log:        logger,
	}
}

// GenerateEpoch settles one campaign/epoch pair. It returns (nil, nil) when
// there is nothing to settle: no receipts in the window, zero total score,
// all shares below the dust threshold, or an exhausted budget (which also
// flips the campaign to completed). Attempting to regenerate an existing
// epoch is an error.
func (g *Generator) GenerateEpoch(ctx context.Context, campaign *core.Campaign, epochNumber int64) (*core.Epoch, error) {
	epochID := core.EpochID(campaign.ID, epochNumber)
	logger := g.log.With(zap.Uint64("campaign_id", campaign.ID), zap.String("epoch_id", epochID))

	if _, err := g.store.GetEpoch(ctx, epochID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrEpochAlreadyGenerated, epochID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("check epoch %s: %w", epochID, err)
	}

	// Exhaustion is checked before looking at traffic so a depleted
	// campaign completes even on a quiet hour instead of being re-listed
	// as active every run.
	if campaign.RemainingBudget().Sign() <= 0 {
		// Business outcome, not a failure.
		campaign.Status = core.CampaignCompleted
		if err := g.store.PutCampaign(ctx, campaign); err != nil {
			return nil, fmt.Errorf("complete exhausted campaign %d: %w", campaign.ID, err)
		}
		logger.Info("campaign budget exhausted, settlement skipped")
		g.skip("budget_exhausted")
		return nil, nil
	}

	agg, err := g.aggregator.Aggregate(ctx, campaign.ID, epochNumber)
	if err != nil {
		return nil, fmt.Errorf("aggregate epoch %s: %w", epochID, err)
	}
	if len(agg.Receipts) == 0 {
		return nil, nil
	}

	hourlyBudget := HourlyBudget(campaign, time.Now(), g.cfg.MaxHourlyBudget)
	alloc := Allocate(agg.Hosts, hourlyBudget, g.cfg)
	if len(alloc.Shares) == 0 {
		logger.Debug("no payable activity in epoch",
			zap.Uint64("impressions", agg.TotalImpressions),
			zap.Uint64("clicks", agg.TotalClicks))
		g.skip("no_payable_activity")
		return nil, nil
	}

	leaves := make([][]byte, len(alloc.Shares))
	for i, s := range alloc.Shares {
		leaves[i] = merkle.Leaf(uint32(i), s.HostAddress, core.AmountUnits(s.Amount))
	}
	tree, err := merkle.NewTree(leaves)
	if err != nil {
		return nil, fmt.Errorf("build commitment for %s: %w", epochID, err)
	}

	epoch := &core.Epoch{
		ID:               epochID,
		CampaignID:       campaign.ID,
		EpochNumber:      epochNumber,
		MerkleRoot:       tree.RootHex(),
		AllocatedAmount:  alloc.Total,
		ClaimedAmount:    decimal.Zero,
		TotalImpressions: agg.TotalImpressions,
		TotalClicks:      agg.TotalClicks,
		HostCount:        len(alloc.Shares),
		Status:           core.EpochReady,
		CreatedAt:        time.Now().UTC(),
	}

	payouts := make([]*core.EpochPayout, len(alloc.Shares))
	for i, s := range alloc.Shares {
		proof, err := tree.Proof(i)
		if err != nil {
			return nil, fmt.Errorf("proof for leaf %d of %s: %w", i, epochID, err)
		}
		payouts[i] = &core.EpochPayout{
			EpochID:     epochID,
			CampaignID:  campaign.ID,
			EpochNumber: epochNumber,
			Index:       uint32(i),
			HostAddress: s.HostAddress,
			Amount:      s.Amount,
			Proof:       proof,
		}
	}

	campaign.SpentToDate = campaign.SpentToDate.Add(alloc.Total)
	if campaign.RemainingBudget().Sign() <= 0 {
		campaign.Status = core.CampaignCompleted
	}

	if err := g.store.CommitEpoch(ctx, epoch, payouts, agg.Receipts, campaign); err != nil {
		if errors.Is(err, store.ErrEpochExists) {
			return nil, fmt.Errorf("%w: %s", ErrEpochAlreadyGenerated, epochID)
		}
		return nil, fmt.Errorf("commit epoch %s: %w", epochID, err)
	}

	if g.metrics != nil {
		g.metrics.EpochsGenerated.Inc()
		g.metrics.ReceiptsConsumed.Add(float64(len(agg.Receipts)))
		g.metrics.PayoutsCreated.Add(float64(len(payouts)))
	}

	logger.Info("epoch generated",
		zap.String("root", epoch.MerkleRoot),
		zap.String("allocated", alloc.Total.String()),
		zap.Int("hosts", len(payouts)),
		zap.Int("receipts", len(agg.Receipts)))

	return epoch, nil
}

// Preview computes the allocation for an epoch without consuming anything.
// The query surface uses it for current-hour estimated earnings; the
// numbers are approximate until the keeper settles the window.
func (g *Generator) Preview(ctx context.Context, campaign *core.Campaign, epochNumber int64) (*Allocation, error) {
	agg, err := g.aggregator.Aggregate(ctx, campaign.ID, epochNumber)
	if err != nil {
		return nil, err
	}

	hourlyBudget := HourlyBudget(campaign, time.Now(), g.cfg.MaxHourlyBudget)
	return Allocate(agg.Hosts, hourlyBudget, g.cfg), nil
}

func (g *Generator) skip(reason string) {
	if g.metrics != nil {
		g.metrics.EpochsSkipped.WithLabelValues(reason).Inc()
	}
}
