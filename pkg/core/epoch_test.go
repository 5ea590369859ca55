// Copyright (C) 2025, AdGrid Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestEpochNumbering(t *testing.T) {
	require := require.New(t)

	at := time.Date(2026, 3, 1, 14, 37, 12, 0, time.UTC)
	n := EpochNumberAt(at)

	start, end := EpochWindow(n)
	require.Equal(time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC), start)
	require.Equal(start.Add(time.Hour), end)

	// Window bounds: start inclusive, end exclusive.
	require.Equal(n, EpochNumberAt(start))
	require.Equal(n, EpochNumberAt(end.Add(-time.Second)))
	require.Equal(n+1, EpochNumberAt(end))
}

func TestEpochIDRoundtrip(t *testing.T) {
	require := require.New(t)

	id := EpochID(42, 492_337)
	require.Equal("42_492337", id)

	campaignID, epochNumber, err := ParseEpochID(id)
	require.NoError(err)
	require.Equal(uint64(42), campaignID)
	require.Equal(int64(492_337), epochNumber)

	for _, bad := range []string{"", "42", "x_1", "1_y"} {
		_, _, err := ParseEpochID(bad)
		require.Error(err, "id %q", bad)
	}
}

func TestAmountUnits(t *testing.T) {
	require := require.New(t)

	require.Equal(int64(8_330_000), AmountUnits(decimal.RequireFromString("8.33")))
	require.Equal(int64(10_000), AmountUnits(decimal.RequireFromString("0.01")))
	require.Zero(AmountUnits(decimal.Zero))

	back := UnitsToAmount(8_330_000)
	require.Equal("8.33", back.StringFixed(2))
}

func TestCampaignRemainingHours(t *testing.T) {
	require := require.New(t)
	now := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)

	c := &Campaign{
		TotalBudget: decimal.NewFromInt(100),
		SpentToDate: decimal.RequireFromString("40.00"),
	}
	require.Equal("60", c.RemainingBudget().String())

	c.EndDate = now.Add(10 * time.Hour)
	require.Equal(int64(10), c.RemainingHours(now))

	// A partially elapsed final hour still counts as one.
	c.EndDate = now.Add(90 * time.Minute)
	require.Equal(int64(2), c.RemainingHours(now))

	c.EndDate = now.Add(-time.Minute)
	require.Zero(c.RemainingHours(now))
}
