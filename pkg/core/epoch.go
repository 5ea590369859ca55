// Copyright (C) 2025, AdGrid Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EpochDuration is the fixed settlement window length.
const EpochDuration = time.Hour

// AmountScale is the number of decimal places of the token's smallest
// denomination (micro-units). Payout amounts are converted to integers at
// this scale before hashing so the commitment is platform independent.
const AmountScale = 6

// PayoutPrecision is the number of decimal places payout amounts are
// rounded to during allocation.
const PayoutPrecision = 2

// EpochNumberAt returns the hour-aligned epoch number containing t.
func EpochNumberAt(t time.Time) int64 {
	return t.Unix() / int64(EpochDuration.Seconds())
}

// EpochWindow returns the [start, end) bounds of an epoch number.
func EpochWindow(epochNumber int64) (start, end time.Time) {
	start = time.Unix(epochNumber*int64(EpochDuration.Seconds()), 0).UTC()
	return start, start.Add(EpochDuration)
}

// EpochID builds the globally unique epoch identifier.
func EpochID(campaignID uint64, epochNumber int64) string {
	return fmt.Sprintf("%d_%d", campaignID, epochNumber)
}

// ParseEpochID splits an epoch identifier back into its parts.
func ParseEpochID(id string) (campaignID uint64, epochNumber int64, err error) {
	parts := strings.SplitN(id, "_", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed epoch id %q", id)
	}
	campaignID, err = strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed epoch id %q: %w", id, err)
	}
	epochNumber, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed epoch id %q: %w", id, err)
	}
	return campaignID, epochNumber, nil
}

// AmountUnits converts a decimal amount to an integer count of the smallest
// denomination. The amount must already be rounded to at most AmountScale
// decimal places.
func AmountUnits(d decimal.Decimal) int64 {
	return d.Shift(AmountScale).IntPart()
}

// UnitsToAmount converts smallest-denomination units back to a decimal.
func UnitsToAmount(units int64) decimal.Decimal {
	return decimal.NewFromInt(units).Shift(-AmountScale)
}
