// Package balance discovers the notes a key owns by trial-decrypting the
// ciphertexts published with committed commitments.
package balance

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/ccoin/shieldpool/internal/ledger"
	"github.com/ccoin/shieldpool/internal/state"
	"github.com/ccoin/shieldpool/internal/zkp"
	"github.com/ccoin/shieldpool/pkg/types"
)

// DiscoveredNote is a committed note that decrypted under a key
type DiscoveredNote struct {
	Note       *zkp.Note
	Position   uint64
	Commitment types.Hash
	Nullifier  types.Hash
}

// Service answers ownership and balance queries against one committed
// state of the trees
type Service struct {
	trees       *state.Trees
	ciphertexts ledger.CiphertextSource
	encryptor   zkp.EncryptionService
	logger      *zap.Logger
}

// NewService creates a balance service. encryptor may be nil for the default.
func NewService(trees *state.Trees, ciphertexts ledger.CiphertextSource, encryptor zkp.EncryptionService) *Service {
	if encryptor == nil {
		encryptor = zkp.NewNoteEncryptor()
	}
	return &Service{
		trees:       trees,
		ciphertexts: ciphertexts,
		encryptor:   encryptor,
		logger:      zap.NewNop(),
	}
}

// SetLogger replaces the no-op logger
func (s *Service) SetLogger(logger *zap.Logger) {
	s.logger = logger
}

// GetNotesOwnedBy returns keys' unspent notes of token in tree order.
// Ciphertexts are fetched without holding the trees' lock; the spent check
// runs against the same committed state the scanned leaves came from.
func (s *Service) GetNotesOwnedBy(ctx context.Context, keys *zkp.Keys, token types.TokenID) ([]*DiscoveredNote, error) {
	var (
		found   []*DiscoveredNote
		scanned uint64
	)
	for {
		var leaves []leaf
		if err := s.trees.View(func(ct *zkp.CommitmentTree, nt *zkp.NullifierTree) error {
			leaves = snapshot(ct, scanned)
			return nil
		}); err != nil {
			return nil, err
		}

		more, err := scan(ctx, leaves, s.ciphertexts, s.encryptor, keys, s.logger)
		if err != nil {
			return nil, err
		}
		found = append(found, more...)
		scanned += uint64(len(leaves))

		var (
			notes   []*DiscoveredNote
			current bool
		)
		if err := s.trees.View(func(ct *zkp.CommitmentTree, nt *zkp.NullifierTree) error {
			// a rollup landed while scanning, pick up its leaves first
			if ct.Size(false) != scanned {
				return nil
			}
			current = true
			for _, n := range found {
				if n.Note.Token == token && !nt.Contains(n.Nullifier) {
					notes = append(notes, n)
				}
			}
			return nil
		}); err != nil {
			return nil, err
		}
		if current {
			return notes, nil
		}
	}
}

// BalanceOf sums the unspent notes of token owned by keys
func (s *Service) BalanceOf(ctx context.Context, token types.TokenID, keys *zkp.Keys) (*uint256.Int, error) {
	notes, err := s.GetNotesOwnedBy(ctx, keys, token)
	if err != nil {
		return nil, err
	}
	return sum(notes), nil
}

// leaf is a committed leaf copied out of the commitment tree
type leaf struct {
	position   uint64
	commitment types.Hash

	// first is set when no earlier position holds the same commitment
	first bool
}

// snapshot copies the committed leaves from position from on. Call it under
// the trees' lock.
func snapshot(ct *zkp.CommitmentTree, from uint64) []leaf {
	commitments := ct.Leaves(from)
	out := make([]leaf, len(commitments))
	for i, cm := range commitments {
		position := from + uint64(i)
		firstAt, err := ct.FindLeaf(cm)
		out[i] = leaf{
			position:   position,
			commitment: cm,
			first:      err == nil && firstAt == position,
		}
	}
	return out
}

// scan trial-decrypts the ciphertext of every leaf. Leaves repeating an
// earlier commitment, without a ciphertext, or that do not decrypt are
// skipped.
func scan(ctx context.Context, leaves []leaf, source ledger.CiphertextSource, enc zkp.EncryptionService, keys *zkp.Keys, logger *zap.Logger) ([]*DiscoveredNote, error) {
	var found []*DiscoveredNote
	for _, l := range leaves {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cm := l.commitment

		// the note behind a replayed commitment is already counted once
		if !l.first {
			logger.Debug("skipping repeated commitment", zap.Stringer("commitment", cm), zap.Uint64("position", l.position))
			continue
		}

		ct, err := source.Ciphertext(ctx, cm)
		if errors.Is(err, ledger.ErrCiphertextNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to fetch ciphertext of %s: %w", cm, err)
		}

		note, err := enc.TryDecrypt(ct, keys)
		if err != nil {
			logger.Debug("ciphertext not for this key", zap.Stringer("commitment", cm))
			continue
		}
		// a ciphertext published under someone else's commitment
		if note.Commitment() != cm {
			logger.Debug("decrypted note does not match its commitment", zap.Stringer("commitment", cm))
			continue
		}

		nf, err := keys.Nullifier(note)
		if err != nil {
			continue
		}
		found = append(found, &DiscoveredNote{
			Note:       note,
			Position:   l.position,
			Commitment: cm,
			Nullifier:  nf,
		})
	}
	return found, nil
}

func sum(notes []*DiscoveredNote) *uint256.Int {
	total := new(uint256.Int)
	for _, n := range notes {
		total.Add(total, n.Note.Amount)
	}
	return total
}
