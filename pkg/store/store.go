// Copyright (C) 2025, AdGrid Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"context"
	"errors"
	"time"

	"github.com/adgrid/adgrid/pkg/core"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrEpochExists   = errors.New("epoch already exists")
	ErrRootImmutable = errors.New("epoch merkle root is immutable")
)

// ReceiptRepository exposes the receipt operations the settlement engine
// needs. Receipts are created by the tracking bridge and consumed exactly
// once by epoch generation (via Committer.CommitEpoch).
type ReceiptRepository interface {
	InsertReceipt(ctx context.Context, r *core.Receipt) error

	// UnprocessedReceipts returns processed=false receipts for the campaign
	// whose timestamp falls in [start, end), ordered by timestamp ascending
	// with insertion order as tie-break.
	UnprocessedReceipts(ctx context.Context, campaignID uint64, start, end time.Time) ([]*core.Receipt, error)
}

// EpochRepository persists epoch records.
type EpochRepository interface {
	GetEpoch(ctx context.Context, id string) (*core.Epoch, error)
	EpochsByStatus(ctx context.Context, status core.EpochStatus) ([]*core.Epoch, error)
	EpochsByCampaign(ctx context.Context, campaignID uint64) ([]*core.Epoch, error)

	// UpdateEpochStatus persists keeper state transitions. The merkle root
	// and allocation of an existing epoch are immutable.
	UpdateEpochStatus(ctx context.Context, e *core.Epoch) error
}

// PayoutRepository persists per-host entitlements.
type PayoutRepository interface {
	PayoutsByEpoch(ctx context.Context, epochID string) ([]*core.EpochPayout, error)
	PayoutsByHost(ctx context.Context, hostAddress string) ([]*core.EpochPayout, error)

	// UnclaimedPayouts lists a host's unclaimed payouts with pagination and
	// returns the total unclaimed count.
	UnclaimedPayouts(ctx context.Context, hostAddress string, offset, limit int) ([]*core.EpochPayout, int, error)

	// MarkPayoutsClaimed flags every payout of an epoch as claimed after the
	// ledger confirms disbursement.
	MarkPayoutsClaimed(ctx context.Context, epochID, txHash string, at time.Time) error
}

// CampaignRepository reads and updates campaign budget state.
type CampaignRepository interface {
	GetCampaign(ctx context.Context, id uint64) (*core.Campaign, error)
	PutCampaign(ctx context.Context, c *core.Campaign) error
	ActiveCampaigns(ctx context.Context) ([]*core.Campaign, error)
}

// Committer writes an epoch, its payouts, the consumed-receipt flags and the
// campaign spend update as a single atomic unit. A crash must never leave
// receipts marked processed without a matching payout set, or vice versa.
type Committer interface {
	CommitEpoch(ctx context.Context, e *core.Epoch, payouts []*core.EpochPayout, consumed []*core.Receipt, campaign *core.Campaign) error
}

// Store is the full persistence contract of the settlement engine. The
// engine is the single writer of epochs and payouts.
type Store interface {
	ReceiptRepository
	EpochRepository
	PayoutRepository
	CampaignRepository
	Committer

	Close() error
}
