// Copyright (C) 2025, AdGrid Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package settlement

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adgrid/adgrid/pkg/core"
	"github.com/adgrid/adgrid/pkg/log"
	"github.com/adgrid/adgrid/pkg/store"
)

const testCampaignID = uint64(7)

// testWindow returns the previous, fully closed epoch.
func testWindow() (epochNumber int64, start time.Time) {
	epochNumber = core.EpochNumberAt(time.Now()) - 1
	start, _ = core.EpochWindow(epochNumber)
	return epochNumber, start
}

func seedReceipt(t *testing.T, kv *store.KV, host string, ts time.Time, imps, clicks uint64, dwellMs int64, fp string) {
	t.Helper()
	err := kv.InsertReceipt(context.Background(), &core.Receipt{
		ID:                fmt.Sprintf("r-%s-%d", host, ts.UnixNano()),
		CampaignID:        testCampaignID,
		HostAddress:       host,
		Timestamp:         ts,
		Impressions:       imps,
		Clicks:            clicks,
		DwellMs:           dwellMs,
		ViewerFingerprint: fp,
	})
	require.NoError(t, err)
}

func newTestAggregator(kv *store.KV) *Aggregator {
	return NewAggregator(kv, DefaultFilterConfig(), nil, log.NoOp())
}

func TestAggregateEmptyWindow(t *testing.T) {
	require := require.New(t)
	kv := store.NewMemKV()
	defer kv.Close()

	epochNumber, _ := testWindow()
	res, err := newTestAggregator(kv).Aggregate(context.Background(), testCampaignID, epochNumber)
	require.NoError(err)
	require.Empty(res.Hosts)
	require.Empty(res.Receipts)
}

func TestDwellFloorExcludesReceiptEntirely(t *testing.T) {
	require := require.New(t)
	kv := store.NewMemKV()
	defer kv.Close()

	epochNumber, start := testWindow()
	seedReceipt(t, kv, "0xaaa", start.Add(time.Minute), 1, 1, 500, "fp1")
	seedReceipt(t, kv, "0xaaa", start.Add(2*time.Minute), 1, 0, 2000, "fp2")

	res, err := newTestAggregator(kv).Aggregate(context.Background(), testCampaignID, epochNumber)
	require.NoError(err)

	// The sub-threshold receipt contributes nothing, not even its click,
	// but it is still part of the consumed set.
	require.Len(res.Receipts, 2)
	require.Equal(uint64(1), res.Hosts["0xaaa"].Impressions)
	require.Equal(uint64(0), res.Hosts["0xaaa"].Clicks)
	require.Equal(uint64(1), res.TotalImpressions)
}

func TestFingerprintDedupWindow(t *testing.T) {
	require := require.New(t)
	kv := store.NewMemKV()
	defer kv.Close()

	epochNumber, start := testWindow()
	base := start.Add(time.Minute)
	// Same viewer three times: +0s counted, +10s deduped, +40s counted
	// again (30s past the previous occurrence).
	seedReceipt(t, kv, "0xaaa", base, 1, 1, 2000, "viewer1")
	seedReceipt(t, kv, "0xaaa", base.Add(10*time.Second), 1, 1, 2000, "viewer1")
	seedReceipt(t, kv, "0xaaa", base.Add(40*time.Second), 1, 0, 2000, "viewer1")

	res, err := newTestAggregator(kv).Aggregate(context.Background(), testCampaignID, epochNumber)
	require.NoError(err)

	require.Equal(uint64(2), res.Hosts["0xaaa"].Impressions)
	// Clicks are never deduped: distinct clicks from one viewer count.
	require.Equal(uint64(2), res.Hosts["0xaaa"].Clicks)
}

func TestDedupIsPerHost(t *testing.T) {
	require := require.New(t)
	kv := store.NewMemKV()
	defer kv.Close()

	epochNumber, start := testWindow()
	base := start.Add(time.Minute)
	seedReceipt(t, kv, "0xaaa", base, 1, 0, 2000, "viewer1")
	seedReceipt(t, kv, "0xbbb", base.Add(5*time.Second), 1, 0, 2000, "viewer1")

	res, err := newTestAggregator(kv).Aggregate(context.Background(), testCampaignID, epochNumber)
	require.NoError(err)

	// The same fingerprint on two different hosts is two viewers.
	require.Equal(uint64(1), res.Hosts["0xaaa"].Impressions)
	require.Equal(uint64(1), res.Hosts["0xbbb"].Impressions)
}

func TestPerHostCaps(t *testing.T) {
	require := require.New(t)
	kv := store.NewMemKV()
	defer kv.Close()

	epochNumber, start := testWindow()
	seedReceipt(t, kv, "0xaaa", start.Add(time.Minute), 1500, 150, 2000, "")

	res, err := newTestAggregator(kv).Aggregate(context.Background(), testCampaignID, epochNumber)
	require.NoError(err)

	require.Equal(uint64(1000), res.Hosts["0xaaa"].Impressions)
	require.Equal(uint64(100), res.Hosts["0xaaa"].Clicks)
	require.Equal(uint64(1000), res.TotalImpressions)
	require.Equal(uint64(100), res.TotalClicks)
}

func TestWindowBounds(t *testing.T) {
	require := require.New(t)
	kv := store.NewMemKV()
	defer kv.Close()

	epochNumber, start := testWindow()
	_, end := core.EpochWindow(epochNumber)

	seedReceipt(t, kv, "0xaaa", start, 1, 0, 2000, "")                  // inclusive start
	seedReceipt(t, kv, "0xaaa", end, 1, 0, 2000, "")                    // exclusive end
	seedReceipt(t, kv, "0xaaa", start.Add(-time.Second), 1, 0, 2000, "") // before window

	res, err := newTestAggregator(kv).Aggregate(context.Background(), testCampaignID, epochNumber)
	require.NoError(err)

	require.Len(res.Receipts, 1)
	require.Equal(uint64(1), res.Hosts["0xaaa"].Impressions)
}

func TestAggregateDeterminism(t *testing.T) {
	require := require.New(t)
	kv := store.NewMemKV()
	defer kv.Close()

	epochNumber, start := testWindow()
	for i := 0; i < 50; i++ {
		host := fmt.Sprintf("0xhost%02d", i%5)
		fp := fmt.Sprintf("viewer%02d", i%7)
		seedReceipt(t, kv, host, start.Add(time.Duration(i)*time.Second), 1, uint64(i%2), 1500, fp)
	}

	agg := newTestAggregator(kv)
	first, err := agg.Aggregate(context.Background(), testCampaignID, epochNumber)
	require.NoError(err)
	second, err := agg.Aggregate(context.Background(), testCampaignID, epochNumber)
	require.NoError(err)

	require.Equal(first.Hosts, second.Hosts)
	require.Equal(first.TotalImpressions, second.TotalImpressions)
	require.Equal(first.TotalClicks, second.TotalClicks)
}
