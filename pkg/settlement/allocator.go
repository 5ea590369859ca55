// Copyright (C) 2025, AdGrid Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package settlement

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/adgrid/adgrid/pkg/core"
)

// AllocatorConfig holds the payout formula parameters.
type AllocatorConfig struct {
	// ClickWeight is how many impressions one click is worth.
	ClickWeight int64

	// MinPayout drops dust entries that would cost more in proof overhead
	// than they are worth.
	MinPayout decimal.Decimal

	// MaxHourlyBudget caps the per-epoch budget regardless of how much of
	// the campaign's budget remains.
	MaxHourlyBudget decimal.Decimal
}

// DefaultAllocatorConfig returns the production allocation parameters.
func DefaultAllocatorConfig() AllocatorConfig {
	return AllocatorConfig{
		ClickWeight:     10,
		MinPayout:       decimal.NewFromFloat(0.01),
		MaxHourlyBudget: decimal.NewFromInt(1000),
	}
}

// PayoutShare is one host's computed share of an epoch's budget, before
// leaf indexing.
type PayoutShare struct {
	HostAddress string
	Amount      decimal.Decimal
	Score       int64
	Impressions uint64
	Clicks      uint64
}

// Allocation is the ordered payout set for one epoch. Shares are sorted by
// host address (case-insensitive lexicographic); the slice position is the
// merkle leaf index. This ordering is what makes the tree reproducible.
type Allocation struct {
	Shares []PayoutShare
	Total  decimal.Decimal
}

// Score computes a host's activity score.
func Score(a *core.HostActivity, clickWeight int64) int64 {
	return int64(a.Impressions) + int64(a.Clicks)*clickWeight
}

// HourlyBudget derives the budget available to one epoch: remaining budget
// spread over the campaign's remaining hours, capped at the hourly maximum.
// Recomputed fresh each epoch, so early high-activity hours consume a
// larger share of the total (first-come pacing).
func HourlyBudget(c *core.Campaign, now time.Time, maxHourly decimal.Decimal) decimal.Decimal {
	remaining := c.RemainingBudget()
	if remaining.Sign() <= 0 {
		return decimal.Zero
	}

	hours := c.RemainingHours(now)
	if hours < 1 {
		hours = 1
	}

	budget := remaining.Div(decimal.NewFromInt(hours)).Round(core.AmountScale)
	if budget.GreaterThan(maxHourly) {
		budget = maxHourly
	}
	return budget
}

// Allocate converts filtered per-host activity into proportional shares of
// the hourly budget. Hosts with zero score are skipped, shares below the
// minimum payout are dropped, and survivors are sorted for leaf indexing.
// Allocation.Total is the exact sum of the rounded shares.
func Allocate(hosts map[string]*core.HostActivity, hourlyBudget decimal.Decimal, cfg AllocatorConfig) *Allocation {
	var totalScore int64
	for _, h := range hosts {
		totalScore += Score(h, cfg.ClickWeight)
	}

	alloc := &Allocation{Total: decimal.Zero}
	if totalScore == 0 || hourlyBudget.Sign() <= 0 {
		return alloc
	}

	totalScoreDec := decimal.NewFromInt(totalScore)
	for addr, h := range hosts {
		score := Score(h, cfg.ClickWeight)
		if score == 0 {
			continue
		}

		amount := hourlyBudget.
			Mul(decimal.NewFromInt(score)).
			Div(totalScoreDec).
			Round(core.PayoutPrecision)
		if amount.LessThan(cfg.MinPayout) {
			continue
		}

		alloc.Shares = append(alloc.Shares, PayoutShare{
			HostAddress: addr,
			Amount:      amount,
			Score:       score,
			Impressions: h.Impressions,
			Clicks:      h.Clicks,
		})
	}

	sort.Slice(alloc.Shares, func(i, j int) bool {
		return strings.ToLower(alloc.Shares[i].HostAddress) < strings.ToLower(alloc.Shares[j].HostAddress)
	})

	for _, s := range alloc.Shares {
		alloc.Total = alloc.Total.Add(s.Amount)
	}
	return alloc
}
