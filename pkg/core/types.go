// Copyright (C) 2025, AdGrid Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// CampaignStatus represents the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

// Campaign holds the budget state the settlement engine reads and updates.
// The rest of the campaign record (creative, targeting, matching) is owned
// by the campaign service and never touched here.
type Campaign struct {
	ID          uint64          `json:"id"`
	Name        string          `json:"name,omitempty"`
	TotalBudget decimal.Decimal `json:"total_budget"`
	SpentToDate decimal.Decimal `json:"spent_to_date"`
	EndDate     time.Time       `json:"end_date"`
	Status      CampaignStatus  `json:"status"`
}

// RemainingBudget returns total budget minus spend to date.
func (c *Campaign) RemainingBudget() decimal.Decimal {
	return c.TotalBudget.Sub(c.SpentToDate)
}

// RemainingHours returns the campaign's remaining active duration in whole
// hours, rounded up so a partially elapsed final hour still counts.
func (c *Campaign) RemainingHours(now time.Time) int64 {
	if !c.EndDate.After(now) {
		return 0
	}
	secs := int64(c.EndDate.Sub(now).Seconds())
	return (secs + 3599) / 3600
}

// Receipt is one engagement fact: host X produced N impressions/clicks for
// campaign Y at time T. Receipts are written by the tracking bridge and
// consumed exactly once by epoch generation.
type Receipt struct {
	ID                string    `json:"id"`
	CampaignID        uint64    `json:"campaign_id"`
	HostAddress       string    `json:"host_address"` // lowercase wallet address
	Timestamp         time.Time `json:"timestamp"`
	Impressions       uint64    `json:"impressions"`
	Clicks            uint64    `json:"clicks"`
	DwellMs           int64     `json:"dwell_ms"`
	ViewerFingerprint string    `json:"viewer_fingerprint"`
	Processed         bool      `json:"processed"`
	EpochID           string    `json:"epoch_id,omitempty"` // set once consumed
	Seq               uint64    `json:"seq"`                // insertion order, tie-break for determinism
}

// EpochStatus represents the keeper's view of an epoch's lifecycle.
type EpochStatus string

const (
	EpochPending     EpochStatus = "pending"
	EpochReady       EpochStatus = "ready"
	EpochSubmitted   EpochStatus = "submitted"
	EpochDistributed EpochStatus = "distributed"
	EpochFailed      EpochStatus = "failed"
)

// Epoch is one settlement window for one campaign. Its merkle root, once
// set, never changes.
type Epoch struct {
	ID               string          `json:"id"` // {campaignID}_{epochNumber}
	CampaignID       uint64          `json:"campaign_id"`
	EpochNumber      int64           `json:"epoch_number"`
	MerkleRoot       string          `json:"merkle_root"`
	AllocatedAmount  decimal.Decimal `json:"allocated_amount"`
	ClaimedAmount    decimal.Decimal `json:"claimed_amount"`
	TotalImpressions uint64          `json:"total_impressions"`
	TotalClicks      uint64          `json:"total_clicks"`
	HostCount        int             `json:"host_count"`
	Status           EpochStatus     `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	SubmittedAt      time.Time       `json:"submitted_at,omitempty"`
	SubmitTxHash     string          `json:"submit_tx_hash,omitempty"`
	DistributedAt    time.Time       `json:"distributed_at,omitempty"`
}

// EpochPayout is one host's entitlement within an epoch. (EpochID, Index)
// uniquely identifies a merkle leaf.
type EpochPayout struct {
	EpochID       string          `json:"epoch_id"`
	CampaignID    uint64          `json:"campaign_id"`
	EpochNumber   int64           `json:"epoch_number"`
	Index         uint32          `json:"index"`
	HostAddress   string          `json:"host_address"`
	Amount        decimal.Decimal `json:"amount"`
	Proof         []string        `json:"proof"`
	Claimed       bool            `json:"claimed"`
	ClaimedTxHash string          `json:"claimed_tx_hash,omitempty"`
	ClaimedAt     time.Time       `json:"claimed_at,omitempty"`
}

// HostActivity is the per-host aggregate produced by the epoch aggregator
// after fraud filtering.
type HostActivity struct {
	HostAddress string
	Impressions uint64
	Clicks      uint64
}
