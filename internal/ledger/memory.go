package ledger

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ccoin/shieldpool/internal/zkp"
	"github.com/ccoin/shieldpool/pkg/types"
)

// Config holds memory ledger configuration
type Config struct {
	// MaxPending caps transactions waiting for a rollup; zero means no cap
	MaxPending int

	// Verifier checks proofs passed to SubmitProven; nil disables SubmitProven
	Verifier zkp.Verifier
}

// DefaultConfig returns default memory ledger configuration
func DefaultConfig() *Config {
	return &Config{
		MaxPending: 10000,
	}
}

type entry struct {
	tx       *types.PendingTransaction
	rejected bool
}

// MemoryLedger is an in-process Ledger. It accepts conflicting transactions;
// double spends are caught when a rollup inserts their nullifiers.
type MemoryLedger struct {
	mu sync.RWMutex

	// entries indexed by ledger index
	entries []*entry

	// ciphertexts published with each output commitment
	ciphertexts map[types.Hash][]byte

	// pendingNullifiers maps a nullifier to the first unrolled tx spending it
	pendingNullifiers map[types.Hash]uint64

	// roots is the history of persisted roots
	roots      []types.Roots
	knownRoots map[types.Hash]struct{}

	maxPending int
	verifier   zkp.Verifier
	logger     *zap.Logger
}

// NewMemoryLedger creates an empty ledger
func NewMemoryLedger(cfg *Config) *MemoryLedger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	return &MemoryLedger{
		ciphertexts:       make(map[types.Hash][]byte),
		pendingNullifiers: make(map[types.Hash]uint64),
		knownRoots:        make(map[types.Hash]struct{}),
		maxPending:        cfg.MaxPending,
		verifier:          cfg.Verifier,
		logger:            zap.NewNop(),
	}
}

// SetLogger replaces the no-op logger
func (l *MemoryLedger) SetLogger(logger *zap.Logger) {
	l.logger = logger
}

// GetPendingTransactions returns copies of all non-rejected transactions
func (l *MemoryLedger) GetPendingTransactions(ctx context.Context) ([]*types.PendingTransaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	txs := make([]*types.PendingTransaction, 0, len(l.entries))
	for _, e := range l.entries {
		if e.rejected {
			continue
		}
		txs = append(txs, e.tx.Clone())
	}
	return txs, nil
}

// SubmitPendingTransaction appends a transaction without checking it
func (l *MemoryLedger) SubmitPendingTransaction(ctx context.Context, outputs, nullifiers []types.Hash, encryptedNotes [][]byte) (uint64, error) {
	if encryptedNotes != nil && len(encryptedNotes) != len(outputs) {
		return 0, fmt.Errorf("%w: %d outputs, %d ciphertexts", ErrMismatchedCiphertexts, len(outputs), len(encryptedNotes))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxPending > 0 && l.unrolled() >= l.maxPending {
		return 0, ErrPoolFull
	}

	tx := (&types.PendingTransaction{
		Index:             uint64(len(l.entries)),
		OutputCommitments: outputs,
		InputNullifiers:   nullifiers,
		EncryptedNotes:    encryptedNotes,
	}).Clone()

	l.entries = append(l.entries, &entry{tx: tx})
	for i, cm := range tx.OutputCommitments {
		if tx.EncryptedNotes != nil && tx.EncryptedNotes[i] != nil {
			if _, exists := l.ciphertexts[cm]; !exists {
				l.ciphertexts[cm] = tx.EncryptedNotes[i]
			}
		}
	}
	for _, nf := range tx.InputNullifiers {
		if _, exists := l.pendingNullifiers[nf]; !exists {
			l.pendingNullifiers[nf] = tx.Index
		}
	}

	l.logger.Debug("pending transaction submitted",
		zap.Uint64("index", tx.Index),
		zap.Int("outputs", len(tx.OutputCommitments)),
		zap.Int("nullifiers", len(tx.InputNullifiers)),
	)

	return tx.Index, nil
}

// SubmitProven verifies proof and checks that it commits to exactly tx's
// nullifiers and outputs under a known root before submitting tx
func (l *MemoryLedger) SubmitProven(ctx context.Context, tx *types.PendingTransaction, proof *zkp.Proof) (uint64, error) {
	if l.verifier == nil || proof == nil {
		return 0, ErrInvalidProof
	}

	stmt, err := proof.Statement()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	if !equalHashes(stmt.Nullifiers, tx.InputNullifiers) || !equalHashes(stmt.Commitments, tx.OutputCommitments) {
		return 0, ErrStatementMismatch
	}
	if stmt.Root != nil && !l.IsKnownRoot(*stmt.Root) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownRoot, stmt.Root)
	}

	if err := l.verifier.VerifyProof(ctx, proof); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}

	return l.SubmitPendingTransaction(ctx, tx.OutputCommitments, tx.InputNullifiers, tx.EncryptedNotes)
}

// PersistRoots appends roots to the history
func (l *MemoryLedger) PersistRoots(ctx context.Context, roots types.Roots) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.persistRoots(roots)
	return nil
}

func (l *MemoryLedger) persistRoots(roots types.Roots) {
	l.roots = append(l.roots, roots)
	l.knownRoots[roots.CommitmentRoot] = struct{}{}
}

// MarkRolledUp flags transactions as applied. Marking twice is a no-op.
func (l *MemoryLedger) MarkRolledUp(ctx context.Context, indices []uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkIndices(indices); err != nil {
		return err
	}
	l.markRolledUp(indices)
	return nil
}

func (l *MemoryLedger) markRolledUp(indices []uint64) {
	for _, idx := range indices {
		tx := l.entries[idx].tx
		tx.RolledUp = true
		l.forgetNullifiers(tx)
	}
}

// CommitRollup persists roots and flags together
func (l *MemoryLedger) CommitRollup(ctx context.Context, roots types.Roots, indices []uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkIndices(indices); err != nil {
		return err
	}
	l.persistRoots(roots)
	l.markRolledUp(indices)
	return nil
}

// RejectPendingTransactions hides transactions from future rollups
func (l *MemoryLedger) RejectPendingTransactions(ctx context.Context, indices []uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkIndices(indices); err != nil {
		return err
	}
	for _, idx := range indices {
		e := l.entries[idx]
		if e.tx.RolledUp {
			return fmt.Errorf("%w: %d already rolled up", ErrUnknownTransaction, idx)
		}
		e.rejected = true
		l.forgetNullifiers(e.tx)
		l.logger.Info("pending transaction rejected", zap.Uint64("index", idx))
	}
	return nil
}

// Ciphertext returns the encrypted note of commitment
func (l *MemoryLedger) Ciphertext(ctx context.Context, commitment types.Hash) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ct, ok := l.ciphertexts[commitment]
	if !ok {
		return nil, ErrCiphertextNotFound
	}
	return ct, nil
}

// Roots returns the latest persisted roots
func (l *MemoryLedger) Roots(ctx context.Context) (types.Roots, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.roots) == 0 {
		return types.Roots{}, nil
	}
	return l.roots[len(l.roots)-1], nil
}

// RootHistory returns every persisted root pair in order
func (l *MemoryLedger) RootHistory() []types.Roots {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]types.Roots(nil), l.roots...)
}

// IsKnownRoot reports whether root was ever persisted as a commitment root
func (l *MemoryLedger) IsKnownRoot(root types.Hash) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.knownRoots[root]
	return ok
}

// HasPendingNullifier reports whether an unrolled transaction spends nullifier
func (l *MemoryLedger) HasPendingNullifier(nullifier types.Hash) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.pendingNullifiers[nullifier]
	return ok
}

// Size returns the number of submitted transactions
func (l *MemoryLedger) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *MemoryLedger) checkIndices(indices []uint64) error {
	for _, idx := range indices {
		if idx >= uint64(len(l.entries)) || l.entries[idx].rejected {
			return fmt.Errorf("%w: %d", ErrUnknownTransaction, idx)
		}
	}
	return nil
}

func (l *MemoryLedger) forgetNullifiers(tx *types.PendingTransaction) {
	for _, nf := range tx.InputNullifiers {
		if owner, ok := l.pendingNullifiers[nf]; ok && owner == tx.Index {
			delete(l.pendingNullifiers, nf)
		}
	}
}

func (l *MemoryLedger) unrolled() int {
	n := 0
	for _, e := range l.entries {
		if !e.rejected && !e.tx.RolledUp {
			n++
		}
	}
	return n
}

func equalHashes(a, b []types.Hash) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
