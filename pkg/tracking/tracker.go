// Copyright (C) 2025, AdGrid Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package tracking

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adgrid/adgrid/pkg/core"
	"github.com/adgrid/adgrid/pkg/log"
	"github.com/adgrid/adgrid/pkg/metric"
	"github.com/adgrid/adgrid/pkg/store"
)

var (
	ErrMissingWallet = errors.New("host has no wallet address")
	ErrNoActivity    = errors.New("event carries no impressions or clicks")
)

// EngagementEvent is one raw ad-engagement fact reported by the display
// side before conversion into a receipt.
type EngagementEvent struct {
	CampaignID  uint64    `json:"campaign_id"`
	HostAddress string    `json:"host_address"`
	Timestamp   time.Time `json:"timestamp"`
	Impressions uint64    `json:"impressions"`
	Clicks      uint64    `json:"clicks"`
	DwellMs     int64     `json:"dwell_ms"`

	// Fingerprint identifies the viewer for dedup. When empty it is
	// derived from ViewerIP and UserAgent.
	Fingerprint string `json:"fingerprint,omitempty"`
	ViewerIP    string `json:"viewer_ip,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
}

// Tracker converts engagement events into receipts. It is the only writer
// of receipts; the settlement engine is their only consumer.
type Tracker struct {
	receipts store.ReceiptRepository
	metrics  *metric.Metrics
	log      log.Logger

	// Real-time counters
	TotalImpressions atomic.Uint64
	TotalClicks      atomic.Uint64
	TotalRejected    atomic.Uint64
}

// NewTracker creates an engagement tracker.
func NewTracker(receipts store.ReceiptRepository, m *metric.Metrics, logger log.Logger) *Tracker {
	return &Tracker{
		receipts: receipts,
		metrics:  m,
		log:      logger,
	}
}

// RecordReceipt validates an engagement event and persists it as a receipt.
func (t *Tracker) RecordReceipt(ctx context.Context, ev EngagementEvent) (*core.Receipt, error) {
	host := strings.ToLower(strings.TrimSpace(ev.HostAddress))
	if host == "" {
		t.TotalRejected.Add(1)
		return nil, ErrMissingWallet
	}
	if ev.Impressions == 0 && ev.Clicks == 0 {
		t.TotalRejected.Add(1)
		return nil, ErrNoActivity
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	fingerprint := ev.Fingerprint
	if fingerprint == "" {
		fingerprint = ViewerFingerprint(ev.ViewerIP, ev.UserAgent)
	}

	r := &core.Receipt{
		ID:                uuid.NewString(),
		CampaignID:        ev.CampaignID,
		HostAddress:       host,
		Timestamp:         ts.UTC(),
		Impressions:       ev.Impressions,
		Clicks:            ev.Clicks,
		DwellMs:           ev.DwellMs,
		ViewerFingerprint: fingerprint,
	}

	if err := t.receipts.InsertReceipt(ctx, r); err != nil {
		return nil, fmt.Errorf("insert receipt: %w", err)
	}

	t.TotalImpressions.Add(ev.Impressions)
	t.TotalClicks.Add(ev.Clicks)
	if t.metrics != nil {
		t.metrics.ReceiptsRecorded.Inc()
	}

	t.log.Debug("receipt recorded",
		zap.Uint64("campaign_id", r.CampaignID),
		zap.String("host", r.HostAddress),
		zap.Uint64("impressions", r.Impressions),
		zap.Uint64("clicks", r.Clicks))

	return r, nil
}

// RecordImpression records one ad view.
func (t *Tracker) RecordImpression(ctx context.Context, ev EngagementEvent) (*core.Receipt, error) {
	ev.Impressions = 1
	ev.Clicks = 0
	return t.RecordReceipt(ctx, ev)
}

// RecordClick records one ad click. Click receipts carry the dwell of the
// triggering view so the dwell floor still applies.
func (t *Tracker) RecordClick(ctx context.Context, ev EngagementEvent) (*core.Receipt, error) {
	ev.Impressions = 0
	ev.Clicks = 1
	return t.RecordReceipt(ctx, ev)
}

// ViewerFingerprint derives an opaque dedup key from viewer IP and user
// agent. The raw values are never stored.
func ViewerFingerprint(ip, userAgent string) string {
	if ip == "" && userAgent == "" {
		return ""
	}
	h := sha256.Sum256([]byte(ip + "|" + userAgent))
	return hex.EncodeToString(h[:16])
}
