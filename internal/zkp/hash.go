// Package zkp implements the hashing, trees, notes and proofs of the shielded pool.
package zkp

import (
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"

	"github.com/ccoin/shieldpool/pkg/types"
)

// Domain separates the uses of the hash function. The tag is absorbed as the
// first field element of every hash, natively and inside circuits.
type Domain uint64

const (
	DomainNoteCommitment Domain = iota + 1
	DomainNullifier
	DomainNullifierKey
	DomainSpendingKey
	DomainViewingKey
	DomainAddress
	DomainMerkleNode
	DomainIndexedLeaf
)

// Hash computes MiMC-BN254(domain, inputs...). Inputs are reduced into the
// scalar field before absorption.
func Hash(domain Domain, inputs ...types.Hash) types.Hash {
	h := mimc.NewMiMC()

	var tag fr.Element
	tag.SetUint64(uint64(domain))
	tagBytes := tag.Bytes()
	h.Write(tagBytes[:])

	for _, in := range inputs {
		e := ToElement(in)
		b := e.Bytes()
		h.Write(b[:])
	}

	return types.HashFromBytes(h.Sum(nil))
}

// ToElement reduces a hash into the BN254 scalar field
func ToElement(h types.Hash) fr.Element {
	var e fr.Element
	e.SetBytes(h[:])
	return e
}

// FromElement encodes a field element as a big-endian hash
func FromElement(e *fr.Element) types.Hash {
	return types.Hash(e.Bytes())
}

// Reduce returns the canonical field encoding of h
func Reduce(h types.Hash) types.Hash {
	e := ToElement(h)
	return FromElement(&e)
}

// RandomField samples a uniformly random field element
func RandomField() (types.Hash, error) {
	var e fr.Element
	if _, err := e.SetRandom(); err != nil {
		return types.EmptyHash, err
	}
	return FromElement(&e), nil
}

// hashPair hashes two tree nodes together
func hashPair(left, right types.Hash) types.Hash {
	return Hash(DomainMerkleNode, left, right)
}

// zeroHashes returns the empty subtree roots for levels 0..depth
func zeroHashes(depth int) []types.Hash {
	zeros := make([]types.Hash, depth+1)
	zeros[0] = types.EmptyHash
	for i := 1; i <= depth; i++ {
		zeros[i] = hashPair(zeros[i-1], zeros[i-1])
	}
	return zeros
}

// merkleRoot computes the root over leaves, filling unused slots with empty subtrees
func merkleRoot(leaves []types.Hash, depth int, zeros []types.Hash) types.Hash {
	if len(leaves) == 0 {
		return zeros[depth]
	}

	level := make([]types.Hash, len(leaves))
	copy(level, leaves)

	for l := 0; l < depth; l++ {
		next := make([]types.Hash, (len(level)+1)/2)
		for i := range next {
			left := level[2*i]
			right := zeros[l]
			if 2*i+1 < len(level) {
				right = level[2*i+1]
			}
			next[i] = hashPair(left, right)
		}
		level = next
	}

	return level[0]
}

// merklePath collects the authentication path of leaves[position]
func merklePath(leaves []types.Hash, position uint64, depth int, zeros []types.Hash) *MerklePath {
	siblings := make([]types.Hash, depth)
	pathBits := make([]bool, depth)

	level := make([]types.Hash, len(leaves))
	copy(level, leaves)

	index := position
	for l := 0; l < depth; l++ {
		sibling := index ^ 1
		if sibling < uint64(len(level)) {
			siblings[l] = level[sibling]
		} else {
			siblings[l] = zeros[l]
		}
		pathBits[l] = index%2 == 1

		next := make([]types.Hash, (len(level)+1)/2)
		for i := range next {
			left := level[2*i]
			right := zeros[l]
			if 2*i+1 < len(level) {
				right = level[2*i+1]
			}
			next[i] = hashPair(left, right)
		}
		level = next
		index /= 2
	}

	return &MerklePath{
		Siblings:     siblings,
		PathBits:     pathBits,
		LeafPosition: position,
	}
}
