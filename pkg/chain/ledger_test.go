// Copyright (C) 2025, AdGrid Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/adgrid/adgrid/pkg/merkle"
)

// buildClaims constructs a commitment over three hosts and returns the root
// plus one valid claim per leaf.
func buildClaims(t *testing.T) (string, []Claim) {
	t.Helper()
	hosts := []string{"0xaaa", "0xbbb", "0xccc"}
	units := []int64{8_330_000, 1_670_000, 500_000}

	leaves := make([][]byte, len(hosts))
	for i := range hosts {
		leaves[i] = merkle.Leaf(uint32(i), hosts[i], units[i])
	}
	tree, err := merkle.NewTree(leaves)
	require.NoError(t, err)

	claims := make([]Claim, len(hosts))
	for i := range hosts {
		proof, err := tree.Proof(i)
		require.NoError(t, err)
		claims[i] = Claim{
			Index:       uint32(i),
			HostAddress: hosts[i],
			Amount:      decimal.NewFromInt(units[i]).Shift(-6),
			AmountUnits: units[i],
			Proof:       proof,
		}
	}
	return tree.RootHex(), claims
}

func TestSubmitRootIdempotent(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	l := NewSimLedger()
	root, _ := buildClaims(t)

	tx1, err := l.SubmitRoot(ctx, "1_100", root, 10_500_000, CallOptions{})
	require.NoError(err)
	require.NotEmpty(tx1)

	// Resubmitting the identical root is a no-op with the same hash.
	tx2, err := l.SubmitRoot(ctx, "1_100", root, 10_500_000, CallOptions{})
	require.NoError(err)
	require.Equal(tx1, tx2)

	// A conflicting root for a committed epoch is rejected.
	_, err = l.SubmitRoot(ctx, "1_100", "ffff", 10_500_000, CallOptions{})
	require.ErrorIs(err, ErrRootMismatch)

	stored, ok := l.Root("1_100")
	require.True(ok)
	require.Equal(root, stored)
}

func TestBatchDistribute(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	l := NewSimLedger()
	root, claims := buildClaims(t)

	// Distribution before any root exists fails.
	_, err := l.BatchDistribute(ctx, "1_100", claims, CallOptions{})
	require.ErrorIs(err, ErrRootNotFound)

	_, err = l.SubmitRoot(ctx, "1_100", root, 10_500_000, CallOptions{})
	require.NoError(err)

	tx, err := l.BatchDistribute(ctx, "1_100", claims, CallOptions{})
	require.NoError(err)
	require.NotEmpty(tx)
	require.Equal(len(claims), l.ClaimedCount("1_100"))

	// Re-sending the identical batch is a no-op with the same hash, and
	// moves no additional funds.
	tx2, err := l.BatchDistribute(ctx, "1_100", claims, CallOptions{})
	require.NoError(err)
	require.Equal(tx, tx2)
	require.Equal(len(claims), l.ClaimedCount("1_100"))

	// A partially executed batch resumes: already-claimed leaves are
	// skipped, the remainder is disbursed.
	root2, claims2 := buildClaims(t)
	_, err = l.SubmitRoot(ctx, "1_200", root2, 10_500_000, CallOptions{})
	require.NoError(err)
	_, err = l.BatchDistribute(ctx, "1_200", claims2[:1], CallOptions{})
	require.NoError(err)
	_, err = l.BatchDistribute(ctx, "1_200", claims2, CallOptions{})
	require.NoError(err)
	require.Equal(len(claims2), l.ClaimedCount("1_200"))
}

func TestBatchDistributeRejectsBadProof(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	l := NewSimLedger()
	root, claims := buildClaims(t)

	_, err := l.SubmitRoot(ctx, "1_100", root, 10_500_000, CallOptions{})
	require.NoError(err)

	// Inflate one claim's amount; its proof no longer verifies.
	bad := claims[0]
	bad.AmountUnits += 1_000_000
	_, err = l.BatchDistribute(ctx, "1_100", []Claim{bad}, CallOptions{})
	require.ErrorIs(err, ErrProofRejected)

	// The rejected batch moved nothing.
	require.Zero(l.ClaimedCount("1_100"))
}

func TestInjectedFailuresAndLatency(t *testing.T) {
	require := require.New(t)
	l := NewSimLedger()
	root, claims := buildClaims(t)

	l.FailSubmits = 1
	_, err := l.SubmitRoot(context.Background(), "1_100", root, 0, CallOptions{})
	require.Error(err)
	_, err = l.SubmitRoot(context.Background(), "1_100", root, 0, CallOptions{})
	require.NoError(err)

	l.FailDistributes = 1
	_, err = l.BatchDistribute(context.Background(), "1_100", claims, CallOptions{})
	require.Error(err)
	_, err = l.BatchDistribute(context.Background(), "1_100", claims, CallOptions{})
	require.NoError(err)

	// A caller deadline shorter than the chain latency surfaces as ctx error.
	l.Latency = 200 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.SubmitRoot(ctx, "1_200", root, 0, CallOptions{})
	require.ErrorIs(err, context.DeadlineExceeded)
}
