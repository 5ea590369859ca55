// Copyright (C) 2025, AdGrid Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package merkle

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"

	"github.com/luxfi/crypto/hashing"
)

var (
	ErrNoLeaves     = errors.New("merkle tree requires at least one leaf")
	ErrIndexRange   = errors.New("leaf index out of range")
	ErrInvalidProof = errors.New("invalid proof element")
)

// Tree is a binary hash tree over an ordered leaf set. Internal nodes hash
// the sorted pair of their children, so proof verification needs no
// left/right positional knowledge. Construction is a pure function of the
// leaf list: identical input reproduces an identical root.
type Tree struct {
	levels [][][]byte // levels[0] = leaf hashes, last level has one node
}

// Leaf encodes one payout entry into its leaf hash. The tuple is
// (index, hostAddress, amount in smallest denomination); the amount is an
// integer so the hash is reproducible across platforms.
func Leaf(index uint32, hostAddress string, amountUnits int64) []byte {
	buf := make([]byte, 0, 12+len(hostAddress))
	buf = binary.BigEndian.AppendUint32(buf, index)
	buf = append(buf, []byte(hostAddress)...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(amountUnits))
	return hashing.ComputeHash256(buf)
}

// NewTree builds the tree from pre-hashed leaves.
func NewTree(leaves [][]byte) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrNoLeaves
	}

	level := make([][]byte, len(leaves))
	copy(level, leaves)

	levels := [][][]byte{level}
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				// Odd node is carried up unchanged.
				next = append(next, level[i])
			}
		}
		levels = append(levels, next)
		level = next
	}

	return &Tree{levels: levels}, nil
}

// Root returns the root hash.
func (t *Tree) Root() []byte {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// RootHex returns the root hash as a hex string.
func (t *Tree) RootHex() string {
	return hex.EncodeToString(t.Root())
}

// Proof returns the ordered sibling hashes needed to reconstruct the root
// from the leaf at index.
func (t *Tree) Proof(index int) ([]string, error) {
	if index < 0 || index >= len(t.levels[0]) {
		return nil, ErrIndexRange
	}

	proof := make([]string, 0, len(t.levels)-1)
	pos := index
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := pos ^ 1
		if sibling < len(level) {
			proof = append(proof, hex.EncodeToString(level[sibling]))
		}
		pos /= 2
	}
	return proof, nil
}

// Verify recomputes the root from a leaf hash and its proof using the
// sorted-pair rule and compares it against rootHex.
func Verify(leaf []byte, proof []string, rootHex string) bool {
	root, err := hex.DecodeString(rootHex)
	if err != nil {
		return false
	}

	h := leaf
	for _, p := range proof {
		sibling, err := hex.DecodeString(p)
		if err != nil {
			return false
		}
		h = hashPair(h, sibling)
	}
	return bytes.Equal(h, root)
}

// hashPair combines two nodes with the smaller hash first.
func hashPair(a, b []byte) []byte {
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	buf := make([]byte, 0, len(a)+len(b))
	buf = append(buf, a...)
	buf = append(buf, b...)
	return hashing.ComputeHash256(buf)
}
