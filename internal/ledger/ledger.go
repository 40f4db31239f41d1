// Package ledger defines the authoritative ledger the mirror reads pending
// transactions from and writes roots back to.
package ledger

import (
	"context"
	"errors"

	"github.com/ccoin/shieldpool/pkg/types"
)

// Ledger errors
var (
	ErrLedgerUnavailable     = errors.New("ledger unavailable")
	ErrLedgerWriteFailed     = errors.New("ledger write failed")
	ErrUnknownTransaction    = errors.New("unknown pending transaction")
	ErrPoolFull              = errors.New("pending pool is full")
	ErrInvalidProof          = errors.New("invalid zk-SNARK proof")
	ErrUnknownRoot           = errors.New("proof is against an unknown root")
	ErrStatementMismatch     = errors.New("proof statement does not match transaction")
	ErrCiphertextNotFound    = errors.New("no ciphertext for commitment")
	ErrMismatchedCiphertexts = errors.New("one ciphertext per output required")
)

// Ledger is the external source of truth
type Ledger interface {
	// GetPendingTransactions returns every known transaction in index order,
	// rolled up or not
	GetPendingTransactions(ctx context.Context) ([]*types.PendingTransaction, error)

	// SubmitPendingTransaction appends a transaction and returns its index
	SubmitPendingTransaction(ctx context.Context, outputs, nullifiers []types.Hash, encryptedNotes [][]byte) (uint64, error)

	// PersistRoots records the tree roots after a rollup
	PersistRoots(ctx context.Context, roots types.Roots) error

	// MarkRolledUp flags transactions as applied
	MarkRolledUp(ctx context.Context, indices []uint64) error
}

// RollupCommitter is implemented by ledgers that can write roots and rolled-up
// flags in one atomic step
type RollupCommitter interface {
	CommitRollup(ctx context.Context, roots types.Roots, indices []uint64) error
}

// Rejecter is implemented by ledgers that can drop transactions a rollup
// excluded
type Rejecter interface {
	RejectPendingTransactions(ctx context.Context, indices []uint64) error
}

// CiphertextSource returns the encrypted note published with a commitment
type CiphertextSource interface {
	Ciphertext(ctx context.Context, commitment types.Hash) ([]byte, error)
}

// RootsReader returns the most recently persisted roots
type RootsReader interface {
	Roots(ctx context.Context) (types.Roots, error)
}

// Unrolled filters txs down to those not yet rolled up
func Unrolled(txs []*types.PendingTransaction) []*types.PendingTransaction {
	out := make([]*types.PendingTransaction, 0, len(txs))
	for _, tx := range txs {
		if !tx.RolledUp {
			out = append(out, tx)
		}
	}
	return out
}
