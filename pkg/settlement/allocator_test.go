// Copyright (C) 2025, AdGrid Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package settlement

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/adgrid/adgrid/pkg/core"
)

func TestHourlyBudget(t *testing.T) {
	require := require.New(t)
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	maxHourly := decimal.NewFromInt(1000)

	c := &core.Campaign{
		TotalBudget: decimal.NewFromInt(100),
		SpentToDate: decimal.Zero,
		EndDate:     now.Add(10 * time.Hour),
	}
	require.True(HourlyBudget(c, now, maxHourly).Equal(decimal.NewFromInt(10)))

	// Exhausted budget yields zero.
	c.SpentToDate = decimal.NewFromInt(100)
	require.True(HourlyBudget(c, now, maxHourly).IsZero())

	// Past end date the whole remaining budget lands in one hour, capped.
	c = &core.Campaign{
		TotalBudget: decimal.NewFromInt(5000),
		SpentToDate: decimal.Zero,
		EndDate:     now.Add(-time.Minute),
	}
	require.True(HourlyBudget(c, now, maxHourly).Equal(maxHourly))
}

func TestAllocateBasicScenario(t *testing.T) {
	require := require.New(t)

	// $100 over 10 remaining hours => $10 hourly. A: 80 imps + 2 clicks
	// (score 100), B: 20 imps (score 20) => $8.33 / $1.67.
	hosts := map[string]*core.HostActivity{
		"0xaaa": {HostAddress: "0xaaa", Impressions: 80, Clicks: 2},
		"0xbbb": {HostAddress: "0xbbb", Impressions: 20, Clicks: 0},
	}

	alloc := Allocate(hosts, decimal.NewFromInt(10), DefaultAllocatorConfig())
	require.Len(alloc.Shares, 2)

	require.Equal("0xaaa", alloc.Shares[0].HostAddress)
	require.Equal("8.33", alloc.Shares[0].Amount.StringFixed(2))
	require.Equal(int64(100), alloc.Shares[0].Score)

	require.Equal("0xbbb", alloc.Shares[1].HostAddress)
	require.Equal("1.67", alloc.Shares[1].Amount.StringFixed(2))
	require.Equal(int64(20), alloc.Shares[1].Score)

	require.Equal("10.00", alloc.Total.StringFixed(2))
}

func TestAllocateZeroScore(t *testing.T) {
	require := require.New(t)

	hosts := map[string]*core.HostActivity{
		"0xaaa": {HostAddress: "0xaaa"},
	}
	alloc := Allocate(hosts, decimal.NewFromInt(10), DefaultAllocatorConfig())
	require.Empty(alloc.Shares)
	require.True(alloc.Total.IsZero())
}

func TestAllocateDustFilter(t *testing.T) {
	require := require.New(t)

	// B's share of $10 is 10 * 1/2501 ≈ $0.004, below the $0.01 minimum.
	hosts := map[string]*core.HostActivity{
		"0xaaa": {HostAddress: "0xaaa", Impressions: 2500},
		"0xbbb": {HostAddress: "0xbbb", Impressions: 1},
	}
	alloc := Allocate(hosts, decimal.NewFromInt(10), DefaultAllocatorConfig())

	require.Len(alloc.Shares, 1)
	require.Equal("0xaaa", alloc.Shares[0].HostAddress)
}

func TestAllocateOrderIsLoadBearing(t *testing.T) {
	require := require.New(t)

	hosts := map[string]*core.HostActivity{
		"0xcc": {HostAddress: "0xcc", Impressions: 10},
		"0xAA": {HostAddress: "0xAA", Impressions: 10},
		"0xbb": {HostAddress: "0xbb", Impressions: 10},
	}

	for i := 0; i < 10; i++ {
		alloc := Allocate(hosts, decimal.NewFromInt(9), DefaultAllocatorConfig())
		require.Len(alloc.Shares, 3)
		require.Equal("0xAA", alloc.Shares[0].HostAddress)
		require.Equal("0xbb", alloc.Shares[1].HostAddress)
		require.Equal("0xcc", alloc.Shares[2].HostAddress)
	}
}

func TestAllocateConservation(t *testing.T) {
	require := require.New(t)

	hosts := map[string]*core.HostActivity{
		"0xaaa": {HostAddress: "0xaaa", Impressions: 33, Clicks: 1},
		"0xbbb": {HostAddress: "0xbbb", Impressions: 67, Clicks: 3},
		"0xccc": {HostAddress: "0xccc", Impressions: 11, Clicks: 0},
	}
	alloc := Allocate(hosts, decimal.NewFromFloat(7.77), DefaultAllocatorConfig())

	sum := decimal.Zero
	for _, s := range alloc.Shares {
		sum = sum.Add(s.Amount)
	}
	require.True(alloc.Total.Equal(sum))

	// Rounding drift against the nominal budget stays within one cent per
	// host.
	drift := decimal.NewFromFloat(7.77).Sub(sum).Abs()
	tolerance := decimal.NewFromFloat(0.01).Mul(decimal.NewFromInt(int64(len(alloc.Shares))))
	require.True(drift.LessThanOrEqual(tolerance), "drift %s", drift)
}

func BenchmarkAllocate(b *testing.B) {
	hosts := make(map[string]*core.HostActivity, 500)
	for i := 0; i < 500; i++ {
		addr := fmt.Sprintf("0xhost%03d", i)
		hosts[addr] = &core.HostActivity{HostAddress: addr, Impressions: uint64(i + 1), Clicks: uint64(i % 5)}
	}
	budget := decimal.NewFromInt(100)
	cfg := DefaultAllocatorConfig()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Allocate(hosts, budget, cfg)
	}
}
