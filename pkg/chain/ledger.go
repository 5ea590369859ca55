// Copyright (C) 2025, AdGrid Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/adgrid/adgrid/pkg/merkle"
)

var (
	ErrRootMismatch  = errors.New("submitted root does not match stored root")
	ErrRootNotFound  = errors.New("no root submitted for epoch")
	ErrProofRejected = errors.New("payout proof does not verify against root")
)

// Claim is one host's disbursement request in a distribution batch.
type Claim struct {
	Index       uint32          `json:"index"`
	HostAddress string          `json:"host_address"`
	Amount      decimal.Decimal `json:"amount"`
	AmountUnits int64           `json:"amount_units"`
	Proof       []string        `json:"proof"`
}

// CallOptions carries per-call fee parameters passed opaquely to the chain.
type CallOptions struct {
	GasLimit uint64
	GasPrice decimal.Decimal
}

// Ledger is the on-chain collaborator: it accepts a commitment root per
// epoch and later executes batch disbursement against proofs. Both calls
// are idempotent from the caller's perspective: resubmitting a root that
// matches the stored one, or re-sending a distribution batch whose claims
// were already executed, is a no-op, not an error.
type Ledger interface {
	SubmitRoot(ctx context.Context, epochID, root string, totalUnits int64, opts CallOptions) (txHash string, err error)
	BatchDistribute(ctx context.Context, epochID string, claims []Claim, opts CallOptions) (txHash string, err error)
}

// SimLedger is an in-process Ledger used in development and tests. It
// verifies proofs against submitted roots the way the contract would, and
// supports injected failures and latency for keeper retry tests.
type SimLedger struct {
	mu      sync.Mutex
	roots   map[string]string          // epochID -> root
	totals  map[string]int64           // epochID -> total units
	claimed map[string]map[uint32]bool // epochID -> leaf index -> claimed

	// FailSubmits and FailDistributes make the next N calls fail.
	FailSubmits     int
	FailDistributes int

	// Latency is added to every call; with a short caller timeout it
	// simulates a chain that is too slow to answer.
	Latency time.Duration
}

// NewSimLedger creates an empty simulated ledger.
func NewSimLedger() *SimLedger {
	return &SimLedger{
		roots:   make(map[string]string),
		totals:  make(map[string]int64),
		claimed: make(map[string]map[uint32]bool),
	}
}

func (l *SimLedger) SubmitRoot(ctx context.Context, epochID, root string, totalUnits int64, _ CallOptions) (string, error) {
	if err := l.wait(ctx); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.FailSubmits > 0 {
		l.FailSubmits--
		return "", errors.New("chain rejected root submission")
	}

	if stored, ok := l.roots[epochID]; ok {
		if stored != root {
			return "", fmt.Errorf("%w: epoch %s", ErrRootMismatch, epochID)
		}
		// Idempotent resubmission.
		return l.txHash("submit", epochID, root), nil
	}

	l.roots[epochID] = root
	l.totals[epochID] = totalUnits
	l.claimed[epochID] = make(map[uint32]bool)
	return l.txHash("submit", epochID, root), nil
}

func (l *SimLedger) BatchDistribute(ctx context.Context, epochID string, claims []Claim, _ CallOptions) (string, error) {
	if err := l.wait(ctx); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.FailDistributes > 0 {
		l.FailDistributes--
		return "", errors.New("chain rejected distribution")
	}

	root, ok := l.roots[epochID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrRootNotFound, epochID)
	}

	// Verify every proof before moving any funds; the batch is atomic.
	// Claims already executed are skipped, so re-sending a batch after a
	// crash between disbursement and local bookkeeping is a no-op that
	// returns the same deterministic hash.
	pending := make([]Claim, 0, len(claims))
	for _, c := range claims {
		leaf := merkle.Leaf(c.Index, c.HostAddress, c.AmountUnits)
		if !merkle.Verify(leaf, c.Proof, root) {
			return "", fmt.Errorf("%w: epoch %s index %d", ErrProofRejected, epochID, c.Index)
		}
		if l.claimed[epochID][c.Index] {
			continue
		}
		pending = append(pending, c)
	}

	for _, c := range pending {
		l.claimed[epochID][c.Index] = true
	}
	return l.txHash("distribute", epochID, root), nil
}

// Root returns the stored root for an epoch, if any.
func (l *SimLedger) Root(epochID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	root, ok := l.roots[epochID]
	return root, ok
}

// ClaimedCount returns how many leaves of an epoch have been disbursed.
func (l *SimLedger) ClaimedCount(epochID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.claimed[epochID])
}

func (l *SimLedger) wait(ctx context.Context) error {
	if l.Latency <= 0 {
		return nil
	}
	select {
	case <-time.After(l.Latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// txHash derives a deterministic pseudo transaction hash.
func (l *SimLedger) txHash(op, epochID, root string) string {
	h := sha256.Sum256([]byte(op + "|" + epochID + "|" + root))
	return "0x" + hex.EncodeToString(h[:])
}
