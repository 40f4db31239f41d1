package balance

import (
	"context"
	"sync"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/ccoin/shieldpool/internal/ledger"
	"github.com/ccoin/shieldpool/internal/state"
	"github.com/ccoin/shieldpool/internal/zkp"
	"github.com/ccoin/shieldpool/pkg/types"
)

// Scanner discovers one key's notes incrementally. Sync only looks at
// leaves committed since the previous Sync; spent status is checked when
// notes are read.
type Scanner struct {
	mu sync.Mutex

	keys        *zkp.Keys
	trees       *state.Trees
	ciphertexts ledger.CiphertextSource
	encryptor   zkp.EncryptionService

	// cursor is the next leaf position to scan
	cursor uint64
	notes  []*DiscoveredNote

	logger *zap.Logger
}

// NewScanner creates a scanner starting at position 0
func NewScanner(keys *zkp.Keys, trees *state.Trees, ciphertexts ledger.CiphertextSource, encryptor zkp.EncryptionService) *Scanner {
	if encryptor == nil {
		encryptor = zkp.NewNoteEncryptor()
	}
	return &Scanner{
		keys:        keys,
		trees:       trees,
		ciphertexts: ciphertexts,
		encryptor:   encryptor,
		logger:      zap.NewNop(),
	}
}

// SetLogger replaces the no-op logger
func (sc *Scanner) SetLogger(logger *zap.Logger) {
	sc.logger = logger
}

// Resume moves the cursor, for a scanner restored from saved notes
func (sc *Scanner) Resume(cursor uint64, notes []*DiscoveredNote) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.cursor = cursor
	sc.notes = append([]*DiscoveredNote(nil), notes...)
}

// Cursor returns the next position Sync will scan
func (sc *Scanner) Cursor() uint64 {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.cursor
}

// Sync scans newly committed leaves and returns how many notes it found.
// On error the cursor does not move.
func (sc *Scanner) Sync(ctx context.Context) (int, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	var leaves []leaf
	err := sc.trees.View(func(ct *zkp.CommitmentTree, nt *zkp.NullifierTree) error {
		leaves = snapshot(ct, sc.cursor)
		return nil
	})
	if err != nil {
		return 0, err
	}

	found, err := scan(ctx, leaves, sc.ciphertexts, sc.encryptor, sc.keys, sc.logger)
	if err != nil {
		return 0, err
	}

	sc.cursor += uint64(len(leaves))
	sc.notes = append(sc.notes, found...)
	if len(found) > 0 {
		sc.logger.Debug("discovered notes", zap.Int("count", len(found)), zap.Uint64("cursor", sc.cursor))
	}
	return len(found), nil
}

// Notes returns every discovered note, spent or not
func (sc *Scanner) Notes() []*DiscoveredNote {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return append([]*DiscoveredNote(nil), sc.notes...)
}

// Unspent returns discovered notes of token whose nullifier is not in the
// nullifier tree, checked against a single tree state
func (sc *Scanner) Unspent(token types.TokenID) ([]*DiscoveredNote, error) {
	notes := sc.Notes()

	var out []*DiscoveredNote
	err := sc.trees.View(func(ct *zkp.CommitmentTree, nt *zkp.NullifierTree) error {
		for _, n := range notes {
			if n.Note.Token == token && !nt.Contains(n.Nullifier) {
				out = append(out, n)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Balance sums Unspent(token)
func (sc *Scanner) Balance(token types.TokenID) (*uint256.Int, error) {
	notes, err := sc.Unspent(token)
	if err != nil {
		return nil, err
	}
	return sum(notes), nil
}
