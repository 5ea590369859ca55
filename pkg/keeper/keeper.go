// Copyright (C) 2025, AdGrid Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package keeper

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/adgrid/adgrid/pkg/chain"
	"github.com/adgrid/adgrid/pkg/core"
	"github.com/adgrid/adgrid/pkg/log"
	"github.com/adgrid/adgrid/pkg/merkle"
	"github.com/adgrid/adgrid/pkg/metric"
	"github.com/adgrid/adgrid/pkg/settlement"
	"github.com/adgrid/adgrid/pkg/store"
)

var (
	// ErrRunInFlight is returned when a run is triggered while another is
	// active. The trigger is skipped, not queued.
	ErrRunInFlight = errors.New("keeper run already in flight")

	// ErrWrongState is returned for a submit/distribute attempt against an
	// epoch not in the expected prior state.
	ErrWrongState = errors.New("epoch not in expected state")
)

// Config holds the keeper's recognized options.
type Config struct {
	// CronSpec is the schedule pattern for keeper runs.
	CronSpec string

	// BatchSize caps the epochs submitted/distributed per run.
	BatchSize int

	// AutoSubmit publishes ready roots on-chain each run.
	AutoSubmit bool

	// AutoDistribute executes batch disbursement for submitted epochs.
	AutoDistribute bool

	// LedgerTimeout bounds each ledger call. On timeout the epoch stays in
	// its prior state for retry on the next tick.
	LedgerTimeout time.Duration

	// MaxParallelCampaigns bounds concurrent campaign settlement within a run.
	MaxParallelCampaigns int

	// Gas parameters passed opaquely to the ledger.
	GasLimit uint64
	GasPrice decimal.Decimal
}

// DefaultConfig returns the production keeper settings: one run per hour,
// five minutes past the hour so the settled window is comfortably closed.
func DefaultConfig() Config {
	return Config{
		CronSpec:             "0 5 * * * *",
		BatchSize:            50,
		AutoSubmit:           true,
		AutoDistribute:       true,
		LedgerTimeout:        30 * time.Second,
		MaxParallelCampaigns: 8,
		GasLimit:             500_000,
		GasPrice:             decimal.NewFromFloat(0.05),
	}
}

// RunReport summarizes one keeper run.
type RunReport struct {
	EpochNumber int64
	Campaigns   int
	Generated   int
	Submitted   int
	Distributed int
	Errors      int
}

// Keeper advances epochs through their lifecycle: generate ready epochs for
// every active campaign, submit ready roots on-chain, distribute submitted
// epochs. At most one run is in flight at any time; a second trigger while
// a run is active is a logged no-op.
type Keeper struct {
	store     store.Store
	generator *settlement.Generator
	ledger    chain.Ledger
	cfg       Config
	metrics   *metric.Metrics
	log       log.Logger

	running atomic.Bool
	cron    *cron.Cron

	// now is swappable for tests.
	now func() time.Time
}

// New creates a keeper. The scheduler is not started until Start is called;
// Run can also be triggered directly (e.g. from an admin endpoint).
func New(st store.Store, gen *settlement.Generator, ledger chain.Ledger, cfg Config, m *metric.Metrics, logger log.Logger) *Keeper {
	return &Keeper{
		store:     st,
		generator: gen,
		ledger:    ledger,
		cfg:       cfg,
		metrics:   m,
		log:       logger,
		now:       time.Now,
	}
}

// Start registers the cron schedule and begins triggering runs.
func (k *Keeper) Start(ctx context.Context) error {
	k.cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cron.DefaultLogger)))

	_, err := k.cron.AddFunc(k.cfg.CronSpec, func() {
		if _, err := k.Run(ctx); err != nil && !errors.Is(err, ErrRunInFlight) {
			k.log.Error("keeper run failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule keeper: %w", err)
	}

	k.cron.Start()
	k.log.Info("keeper scheduled", zap.String("cron", k.cfg.CronSpec))
	return nil
}

// Stop halts the scheduler and waits for an in-flight run to finish.
func (k *Keeper) Stop() {
	if k.cron != nil {
		<-k.cron.Stop().Done()
	}
}

// Run executes one full keeper pass. Independent campaigns are settled in
// parallel; per-campaign and per-epoch failures are isolated and leave the
// affected record in its prior state for retry on the next tick.
func (k *Keeper) Run(ctx context.Context) (*RunReport, error) {
	if !k.running.CompareAndSwap(false, true) {
		k.log.Warn("keeper trigger skipped, run in flight")
		if k.metrics != nil {
			k.metrics.KeeperRunsSkipped.Inc()
		}
		return nil, ErrRunInFlight
	}
	defer k.running.Store(false)

	started := k.now()
	if k.metrics != nil {
		k.metrics.KeeperRuns.Inc()
		defer func() {
			k.metrics.KeeperRunDuration.Observe(time.Since(started).Seconds())
		}()
	}

	// Settle the previous, fully closed hour.
	epochNumber := core.EpochNumberAt(started) - 1
	report := &RunReport{EpochNumber: epochNumber}

	var errCount atomic.Int32

	campaigns, err := k.store.ActiveCampaigns(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active campaigns: %w", err)
	}
	report.Campaigns = len(campaigns)

	var generated atomic.Int32
	pool := pond.NewPool(k.cfg.MaxParallelCampaigns)
	group := pool.NewGroupContext(ctx)
	for _, c := range campaigns {
		campaign := c
		group.Submit(func() {
			epoch, err := k.generator.GenerateEpoch(ctx, campaign, epochNumber)
			if errors.Is(err, settlement.ErrEpochAlreadyGenerated) {
				// A re-triggered run inside the same hour; nothing to do.
				k.log.Debug("epoch already settled",
					zap.Uint64("campaign_id", campaign.ID),
					zap.Int64("epoch", epochNumber))
				return
			}
			if err != nil {
				// One campaign's failure never aborts the others.
				k.log.Error("epoch generation failed",
					zap.Uint64("campaign_id", campaign.ID),
					zap.Int64("epoch", epochNumber),
					zap.Error(err))
				errCount.Add(1)
				return
			}
			if epoch != nil {
				generated.Add(1)
			}
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		k.log.Warn("campaign settlement group error", zap.Error(err))
	}
	pool.StopAndWait()
	report.Generated = int(generated.Load())

	if k.cfg.AutoSubmit {
		report.Submitted = k.submitReady(ctx, &errCount)
	}
	if k.cfg.AutoDistribute {
		report.Distributed = k.distributeSubmitted(ctx, &errCount)
	}

	report.Errors = int(errCount.Load())
	k.log.Info("keeper run complete",
		zap.Int64("epoch", epochNumber),
		zap.Int("campaigns", report.Campaigns),
		zap.Int("generated", report.Generated),
		zap.Int("submitted", report.Submitted),
		zap.Int("distributed", report.Distributed),
		zap.Int("errors", report.Errors),
		zap.Duration("took", time.Since(started)))

	return report, nil
}

func (k *Keeper) submitReady(ctx context.Context, errCount *atomic.Int32) int {
	epochs, err := k.store.EpochsByStatus(ctx, core.EpochReady)
	if err != nil {
		k.log.Error("list ready epochs", zap.Error(err))
		errCount.Add(1)
		return 0
	}

	submitted := 0
	for _, e := range epochs {
		if submitted >= k.cfg.BatchSize {
			break
		}
		if err := k.SubmitEpoch(ctx, e); err != nil {
			k.log.Error("root submission failed, will retry next tick",
				zap.String("epoch_id", e.ID),
				zap.Error(err))
			errCount.Add(1)
			continue
		}
		submitted++
	}
	return submitted
}

func (k *Keeper) distributeSubmitted(ctx context.Context, errCount *atomic.Int32) int {
	epochs, err := k.store.EpochsByStatus(ctx, core.EpochSubmitted)
	if err != nil {
		k.log.Error("list submitted epochs", zap.Error(err))
		errCount.Add(1)
		return 0
	}

	distributed := 0
	for _, e := range epochs {
		if distributed >= k.cfg.BatchSize {
			break
		}
		if err := k.DistributeEpoch(ctx, e); err != nil {
			// Failure isolation: other epochs in the run are unaffected.
			k.log.Error("distribution failed, will retry next tick",
				zap.String("epoch_id", e.ID),
				zap.Error(err))
			errCount.Add(1)
			continue
		}
		distributed++
	}
	return distributed
}

// SubmitEpoch publishes a ready epoch's root on-chain. On any failure or
// timeout the epoch stays ready; no partial transition is committed.
func (k *Keeper) SubmitEpoch(ctx context.Context, e *core.Epoch) error {
	if e.Status != core.EpochReady {
		return fmt.Errorf("%w: submit requires ready, epoch %s is %s", ErrWrongState, e.ID, e.Status)
	}

	callCtx, cancel := context.WithTimeout(ctx, k.cfg.LedgerTimeout)
	defer cancel()

	txHash, err := k.ledger.SubmitRoot(callCtx, e.ID, e.MerkleRoot, core.AmountUnits(e.AllocatedAmount), k.callOptions())
	if errors.Is(err, chain.ErrRootMismatch) {
		// The chain holds a different root for this epoch. Retrying can
		// never succeed; park the epoch for manual remediation.
		return k.failEpoch(ctx, e, fmt.Errorf("submit root for %s: %w", e.ID, err))
	}
	if err != nil {
		return fmt.Errorf("submit root for %s: %w", e.ID, err)
	}

	e.Status = core.EpochSubmitted
	e.SubmittedAt = k.now().UTC()
	e.SubmitTxHash = txHash
	if err := k.store.UpdateEpochStatus(ctx, e); err != nil {
		return fmt.Errorf("persist submitted state for %s: %w", e.ID, err)
	}

	if k.metrics != nil {
		k.metrics.EpochsSubmitted.Inc()
	}
	k.log.Info("epoch root submitted",
		zap.String("epoch_id", e.ID),
		zap.String("root", e.MerkleRoot),
		zap.String("tx", txHash))
	return nil
}

// DistributeEpoch executes batch disbursement for a submitted epoch using
// the stored proofs, then marks every payout claimed.
func (k *Keeper) DistributeEpoch(ctx context.Context, e *core.Epoch) error {
	if e.Status != core.EpochSubmitted {
		return fmt.Errorf("%w: distribute requires submitted, epoch %s is %s", ErrWrongState, e.ID, e.Status)
	}

	payouts, err := k.store.PayoutsByEpoch(ctx, e.ID)
	if err != nil {
		return fmt.Errorf("load payouts for %s: %w", e.ID, err)
	}

	claims := make([]chain.Claim, 0, len(payouts))
	for _, p := range payouts {
		if p.Claimed {
			continue
		}
		units := core.AmountUnits(p.Amount)
		// Pre-flight: a proof that fails locally would revert the whole
		// batch on-chain, and a stored proof never starts verifying on a
		// later tick.
		if !merkle.Verify(merkle.Leaf(p.Index, p.HostAddress, units), p.Proof, e.MerkleRoot) {
			return k.failEpoch(ctx, e, fmt.Errorf("stored proof for %s index %d does not verify", e.ID, p.Index))
		}
		claims = append(claims, chain.Claim{
			Index:       p.Index,
			HostAddress: p.HostAddress,
			Amount:      p.Amount,
			AmountUnits: units,
			Proof:       p.Proof,
		})
	}

	if len(claims) > 0 {
		callCtx, cancel := context.WithTimeout(ctx, k.cfg.LedgerTimeout)
		defer cancel()

		txHash, err := k.ledger.BatchDistribute(callCtx, e.ID, claims, k.callOptions())
		if errors.Is(err, chain.ErrProofRejected) {
			return k.failEpoch(ctx, e, fmt.Errorf("distribute %s: %w", e.ID, err))
		}
		if err != nil {
			return fmt.Errorf("distribute %s: %w", e.ID, err)
		}

		if err := k.store.MarkPayoutsClaimed(ctx, e.ID, txHash, k.now().UTC()); err != nil {
			return fmt.Errorf("mark payouts claimed for %s: %w", e.ID, err)
		}
		if k.metrics != nil {
			k.metrics.PayoutsClaimed.Add(float64(len(claims)))
		}
	}

	e.Status = core.EpochDistributed
	e.DistributedAt = k.now().UTC()
	e.ClaimedAmount = e.AllocatedAmount
	if err := k.store.UpdateEpochStatus(ctx, e); err != nil {
		return fmt.Errorf("persist distributed state for %s: %w", e.ID, err)
	}

	if k.metrics != nil {
		k.metrics.EpochsDistributed.Inc()
	}
	k.log.Info("epoch distributed",
		zap.String("epoch_id", e.ID),
		zap.Int("claims", len(claims)))
	return nil
}

// failEpoch parks an epoch in the terminal failed state. Only unrecoverable
// errors land here (root mismatch, proof that cannot verify); transient
// ledger failures stay in their prior state for retry.
func (k *Keeper) failEpoch(ctx context.Context, e *core.Epoch, cause error) error {
	e.Status = core.EpochFailed
	if err := k.store.UpdateEpochStatus(ctx, e); err != nil {
		return fmt.Errorf("mark epoch %s failed: %v (cause: %w)", e.ID, err, cause)
	}
	k.log.Error("epoch failed, manual remediation required",
		zap.String("epoch_id", e.ID),
		zap.Error(cause))
	return cause
}

// Reconcile runs the startup integrity pass: it verifies every persisted
// epoch has its payout rows and reports epochs parked in transient states
// so the next run retries them. The commit path is atomic, so a mismatch
// here means the backing store itself lost data.
func (k *Keeper) Reconcile(ctx context.Context) error {
	for _, status := range []core.EpochStatus{core.EpochReady, core.EpochSubmitted} {
		epochs, err := k.store.EpochsByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("reconcile %s epochs: %w", status, err)
		}
		for _, e := range epochs {
			payouts, err := k.store.PayoutsByEpoch(ctx, e.ID)
			if err != nil {
				return fmt.Errorf("reconcile payouts for %s: %w", e.ID, err)
			}
			if len(payouts) != e.HostCount {
				k.log.Error("epoch payout rows inconsistent with record",
					zap.String("epoch_id", e.ID),
					zap.Int("expected", e.HostCount),
					zap.Int("found", len(payouts)))
				continue
			}
			k.log.Info("epoch pending retry",
				zap.String("epoch_id", e.ID),
				zap.String("status", string(e.Status)))
		}
	}
	return nil
}

// Running reports whether a run is currently in flight.
func (k *Keeper) Running() bool {
	return k.running.Load()
}

func (k *Keeper) callOptions() chain.CallOptions {
	return chain.CallOptions{
		GasLimit: k.cfg.GasLimit,
		GasPrice: k.cfg.GasPrice,
	}
}
