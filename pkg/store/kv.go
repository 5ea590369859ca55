// Copyright (C) 2025, AdGrid Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/badgerdb"
	"github.com/luxfi/database/memdb"

	"github.com/adgrid/adgrid/pkg/core"
)

// Key layout. Receipts sort by timestamp then insertion sequence so prefix
// iteration yields the deterministic aggregation order.
//
//	campaign/{id}
//	receipt/{campaignID}/{unixNano}/{seq}
//	epoch/{epochID}
//	payout/{epochID}/{index}
//	hostpayout/{host}/{epochID}/{index} -> primary payout key
//	meta/receiptseq
const (
	campaignPrefix   = "campaign/"
	receiptPrefix    = "receipt/"
	epochPrefix      = "epoch/"
	payoutPrefix     = "payout/"
	hostPayoutPrefix = "hostpayout/"
	receiptSeqKey    = "meta/receiptseq"
)

// KV implements Store on top of luxfi/database.
type KV struct {
	db database.Database

	seqMu sync.Mutex
}

// NewKV creates a Store backed by the named database type.
func NewKV(dbType, path string) (*KV, error) {
	var db database.Database
	var err error

	switch dbType {
	case "memory":
		db = memdb.New()
	default:
		db, err = badgerdb.New(path, nil, "", nil)
		if err != nil {
			return nil, err
		}
	}

	return &KV{db: db}, nil
}

// NewMemKV creates an in-memory Store for tests.
func NewMemKV() *KV {
	return &KV{db: memdb.New()}
}

func (s *KV) Close() error {
	return s.db.Close()
}

func campaignKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", campaignPrefix, id))
}

func receiptKey(campaignID uint64, ts time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d/%020d/%020d", receiptPrefix, campaignID, ts.UnixNano(), seq))
}

func epochKey(id string) []byte {
	return []byte(epochPrefix + id)
}

func payoutKey(epochID string, index uint32) []byte {
	return []byte(fmt.Sprintf("%s%s/%010d", payoutPrefix, epochID, index))
}

func hostPayoutKey(host, epochID string, index uint32) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/%010d", hostPayoutPrefix, host, epochID, index))
}

// nextSeq allocates the next receipt insertion-order sequence number.
func (s *KV) nextSeq() (uint64, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	var seq uint64
	raw, err := s.db.Get([]byte(receiptSeqKey))
	switch err {
	case nil:
		if err := json.Unmarshal(raw, &seq); err != nil {
			return 0, err
		}
	case database.ErrNotFound:
	default:
		return 0, err
	}

	seq++
	enc, err := json.Marshal(seq)
	if err != nil {
		return 0, err
	}
	if err := s.db.Put([]byte(receiptSeqKey), enc); err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *KV) InsertReceipt(_ context.Context, r *core.Receipt) error {
	seq, err := s.nextSeq()
	if err != nil {
		return fmt.Errorf("allocate receipt seq: %w", err)
	}
	r.Seq = seq
	r.HostAddress = strings.ToLower(r.HostAddress)

	enc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Put(receiptKey(r.CampaignID, r.Timestamp, r.Seq), enc)
}

func (s *KV) UnprocessedReceipts(_ context.Context, campaignID uint64, start, end time.Time) ([]*core.Receipt, error) {
	prefix := fmt.Sprintf("%s%020d/", receiptPrefix, campaignID)
	it := s.db.NewIteratorWithPrefix([]byte(prefix))
	defer it.Release()

	var out []*core.Receipt
	for it.Next() {
		var r core.Receipt
		if err := json.Unmarshal(it.Value(), &r); err != nil {
			return nil, fmt.Errorf("decode receipt %s: %w", it.Key(), err)
		}
		if r.Processed {
			continue
		}
		if r.Timestamp.Before(start) || !r.Timestamp.Before(end) {
			continue
		}
		out = append(out, &r)
	}
	return out, it.Error()
}

func (s *KV) GetEpoch(_ context.Context, id string) (*core.Epoch, error) {
	raw, err := s.db.Get(epochKey(id))
	if err == database.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var e core.Epoch
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *KV) EpochsByStatus(_ context.Context, status core.EpochStatus) ([]*core.Epoch, error) {
	return s.scanEpochs(func(e *core.Epoch) bool { return e.Status == status })
}

func (s *KV) EpochsByCampaign(_ context.Context, campaignID uint64) ([]*core.Epoch, error) {
	return s.scanEpochs(func(e *core.Epoch) bool { return e.CampaignID == campaignID })
}

func (s *KV) scanEpochs(keep func(*core.Epoch) bool) ([]*core.Epoch, error) {
	it := s.db.NewIteratorWithPrefix([]byte(epochPrefix))
	defer it.Release()

	var out []*core.Epoch
	for it.Next() {
		var e core.Epoch
		if err := json.Unmarshal(it.Value(), &e); err != nil {
			return nil, fmt.Errorf("decode epoch %s: %w", it.Key(), err)
		}
		if keep(&e) {
			out = append(out, &e)
		}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CampaignID != out[j].CampaignID {
			return out[i].CampaignID < out[j].CampaignID
		}
		return out[i].EpochNumber < out[j].EpochNumber
	})
	return out, nil
}

func (s *KV) UpdateEpochStatus(_ context.Context, e *core.Epoch) error {
	raw, err := s.db.Get(epochKey(e.ID))
	if err == database.ErrNotFound {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var prev core.Epoch
	if err := json.Unmarshal(raw, &prev); err != nil {
		return err
	}
	if prev.MerkleRoot != "" && prev.MerkleRoot != e.MerkleRoot {
		return ErrRootImmutable
	}

	enc, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Put(epochKey(e.ID), enc)
}

func (s *KV) PayoutsByEpoch(_ context.Context, epochID string) ([]*core.EpochPayout, error) {
	it := s.db.NewIteratorWithPrefix([]byte(payoutPrefix + epochID + "/"))
	defer it.Release()

	var out []*core.EpochPayout
	for it.Next() {
		var p core.EpochPayout
		if err := json.Unmarshal(it.Value(), &p); err != nil {
			return nil, fmt.Errorf("decode payout %s: %w", it.Key(), err)
		}
		out = append(out, &p)
	}
	return out, it.Error()
}

func (s *KV) PayoutsByHost(_ context.Context, hostAddress string) ([]*core.EpochPayout, error) {
	hostAddress = strings.ToLower(hostAddress)
	it := s.db.NewIteratorWithPrefix([]byte(hostPayoutPrefix + hostAddress + "/"))
	defer it.Release()

	var out []*core.EpochPayout
	for it.Next() {
		raw, err := s.db.Get(it.Value())
		if err != nil {
			return nil, fmt.Errorf("resolve payout ref %s: %w", it.Key(), err)
		}
		var p core.EpochPayout
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].EpochNumber != out[j].EpochNumber {
			return out[i].EpochNumber < out[j].EpochNumber
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}

func (s *KV) UnclaimedPayouts(ctx context.Context, hostAddress string, offset, limit int) ([]*core.EpochPayout, int, error) {
	all, err := s.PayoutsByHost(ctx, hostAddress)
	if err != nil {
		return nil, 0, err
	}

	unclaimed := make([]*core.EpochPayout, 0, len(all))
	for _, p := range all {
		if !p.Claimed {
			unclaimed = append(unclaimed, p)
		}
	}

	total := len(unclaimed)
	if offset >= total {
		return nil, total, nil
	}
	endIdx := total
	if limit > 0 && offset+limit < total {
		endIdx = offset + limit
	}
	return unclaimed[offset:endIdx], total, nil
}

func (s *KV) MarkPayoutsClaimed(ctx context.Context, epochID, txHash string, at time.Time) error {
	payouts, err := s.PayoutsByEpoch(ctx, epochID)
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	for _, p := range payouts {
		p.Claimed = true
		p.ClaimedTxHash = txHash
		p.ClaimedAt = at
		enc, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if err := batch.Put(payoutKey(p.EpochID, p.Index), enc); err != nil {
			return err
		}
	}
	return batch.Write()
}

func (s *KV) GetCampaign(_ context.Context, id uint64) (*core.Campaign, error) {
	raw, err := s.db.Get(campaignKey(id))
	if err == database.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var c core.Campaign
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *KV) PutCampaign(_ context.Context, c *core.Campaign) error {
	enc, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.db.Put(campaignKey(c.ID), enc)
}

func (s *KV) ActiveCampaigns(_ context.Context) ([]*core.Campaign, error) {
	it := s.db.NewIteratorWithPrefix([]byte(campaignPrefix))
	defer it.Release()

	var out []*core.Campaign
	for it.Next() {
		var c core.Campaign
		if err := json.Unmarshal(it.Value(), &c); err != nil {
			return nil, fmt.Errorf("decode campaign %s: %w", it.Key(), err)
		}
		if c.Status == core.CampaignActive {
			out = append(out, &c)
		}
	}
	return out, it.Error()
}

// CommitEpoch writes the epoch, its payouts, the consumed-receipt flags and
// the campaign spend update in one batch. Either everything lands or
// nothing does.
func (s *KV) CommitEpoch(_ context.Context, e *core.Epoch, payouts []*core.EpochPayout, consumed []*core.Receipt, campaign *core.Campaign) error {
	has, err := s.db.Has(epochKey(e.ID))
	if err != nil {
		return err
	}
	if has {
		return ErrEpochExists
	}

	batch := s.db.NewBatch()

	enc, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := batch.Put(epochKey(e.ID), enc); err != nil {
		return err
	}

	for _, p := range payouts {
		penc, err := json.Marshal(p)
		if err != nil {
			return err
		}
		pkey := payoutKey(p.EpochID, p.Index)
		if err := batch.Put(pkey, penc); err != nil {
			return err
		}
		if err := batch.Put(hostPayoutKey(p.HostAddress, p.EpochID, p.Index), pkey); err != nil {
			return err
		}
	}

	for _, r := range consumed {
		r.Processed = true
		r.EpochID = e.ID
		renc, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if err := batch.Put(receiptKey(r.CampaignID, r.Timestamp, r.Seq), renc); err != nil {
			return err
		}
	}

	if campaign != nil {
		cenc, err := json.Marshal(campaign)
		if err != nil {
			return err
		}
		if err := batch.Put(campaignKey(campaign.ID), cenc); err != nil {
			return err
		}
	}

	return batch.Write()
}
