package types

import (
	"crypto/sha256"
	"encoding/binary"
)

// PendingTransaction is a shielded transaction accepted by the ledger but not
// yet applied to the trees. Index is the ledger insertion index and defines the
// processing order during a rollup.
type PendingTransaction struct {
	// Index is the position of this transaction in the ledger's submission order
	Index uint64

	// RolledUp is set once a rollup has applied this transaction
	RolledUp bool

	// OutputCommitments are the note commitments created by this transaction
	OutputCommitments []Hash

	// InputNullifiers are the nullifiers of the notes spent by this transaction
	InputNullifiers []Hash

	// EncryptedNotes holds one ciphertext per output commitment (may be nil
	// for outputs nobody needs to discover)
	EncryptedNotes [][]byte
}

// Clone returns a deep copy of the transaction
func (tx *PendingTransaction) Clone() *PendingTransaction {
	out := &PendingTransaction{
		Index:             tx.Index,
		RolledUp:          tx.RolledUp,
		OutputCommitments: append([]Hash(nil), tx.OutputCommitments...),
		InputNullifiers:   append([]Hash(nil), tx.InputNullifiers...),
	}
	if tx.EncryptedNotes != nil {
		out.EncryptedNotes = make([][]byte, len(tx.EncryptedNotes))
		for i, enc := range tx.EncryptedNotes {
			out.EncryptedNotes[i] = append([]byte(nil), enc...)
		}
	}
	return out
}

// ComputeHash returns a digest over the transaction's commitments and nullifiers.
// It identifies gossip messages and is not part of any tree.
func (tx *PendingTransaction) ComputeHash() Hash {
	buf := make([]byte, 0, 8+(len(tx.OutputCommitments)+len(tx.InputNullifiers))*HashSize)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(tx.OutputCommitments)))
	for _, cm := range tx.OutputCommitments {
		buf = append(buf, cm[:]...)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(tx.InputNullifiers)))
	for _, nf := range tx.InputNullifiers {
		buf = append(buf, nf[:]...)
	}
	return sha256.Sum256(buf)
}

// Roots is the pair of tree roots mirrored by the ledger
type Roots struct {
	CommitmentRoot Hash
	NullifierRoot  Hash
}
