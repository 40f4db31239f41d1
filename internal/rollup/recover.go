package rollup

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ccoin/shieldpool/internal/ledger"
	"github.com/ccoin/shieldpool/internal/zkp"
	"github.com/ccoin/shieldpool/pkg/types"
)

// ErrRootsUnexplained is returned when restored trees are ahead of the
// ledger's roots and no run of unrolled transactions accounts for the gap
var ErrRootsUnexplained = errors.New("restored trees are not explained by unrolled transactions")

// Resume checks trees restored from their stores against the ledger before
// the first cycle. When a previous process changed the trees but not the
// ledger, the service enters StateReconcileRequired and refuses cycles until
// Reconcile records the transactions the trees already hold.
func (s *Service) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "rollup.resume")
	defer span.End()

	rr, ok := s.ledger.(ledger.RootsReader)
	if !ok {
		return nil
	}

	persisted, err := readRoots(ctx, rr)
	if err != nil {
		s.diverge(&divergence{result: &Result{Roots: s.trees.Roots()}, restored: true})
		failSpan(span, err)
		return err
	}

	d, err := s.restored(ctx, persisted)
	if err != nil {
		s.diverge(&divergence{result: &Result{Roots: s.trees.Roots()}, restored: true})
		failSpan(span, err)
		return err
	}
	if d == nil {
		return nil
	}

	s.diverge(d)
	rerr := &RollupError{Kind: KindReconcileRequired, Stage: StageRestore, Err: ErrReconcileRequired}
	failSpan(span, rerr)
	return rerr
}

// restored returns the divergence the trees show against persisted, or nil
func (s *Service) restored(ctx context.Context, persisted types.Roots) (*divergence, error) {
	local := s.trees.Roots()
	if local != persisted {
		if isZeroRoots(persisted) && s.treesEmpty() {
			return nil, nil
		}
		return &divergence{result: &Result{Roots: local}, restored: true}, nil
	}

	// A ledger that writes roots and flags separately can hold the roots of
	// transactions it never marked
	if _, atomic := s.ledger.(ledger.RollupCommitter); atomic {
		return nil, nil
	}
	pending, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	result, _ := s.appliedPrefix(pending, persisted, true)
	if result == nil {
		return nil, nil
	}
	return &divergence{result: result, rootsWritten: true}, nil
}

// recoverRestored replaces a restored divergence with the transactions the
// trees already hold. It returns false when the ledger turned out to be
// current.
func (s *Service) recoverRestored(ctx context.Context, d *divergence) (bool, error) {
	rr, ok := s.ledger.(ledger.RootsReader)
	if !ok {
		return false, ErrRootsUnexplained
	}
	persisted, err := readRoots(ctx, rr)
	if err != nil {
		return false, err
	}
	pending, err := s.fetch(ctx)
	if err != nil {
		return false, err
	}

	written := s.trees.Roots() == persisted
	if result, missing := s.appliedPrefix(pending, persisted, written); result != nil {
		if len(missing) > 0 {
			err := s.trees.Update(func(ct *zkp.CommitmentTree, nt *zkp.NullifierTree) error {
				for _, cm := range missing {
					if _, err := ct.AppendPending(cm); err != nil {
						ct.Rollback()
						return err
					}
				}
				return nil
			})
			if err != nil {
				return false, err
			}
			d.commitPending = true
		}
		d.result = result
		d.rootsWritten = written
		d.restored = false
		s.logger.Info("recovered transactions already in the trees",
			zap.Uint64s("transactions", result.Transactions),
			zap.Int("restaged", len(missing)),
			zap.Int("commitments", result.Commitments),
			zap.Int("nullifiers", result.Nullifiers),
		)
		return true, nil
	}

	switch {
	case written:
		return false, nil
	case isZeroRoots(persisted):
		// the ledger never saw a rollup, adopt the trees as they are
		d.result = &Result{Roots: s.trees.Roots()}
		d.restored = false
		s.logger.Warn("ledger has no roots, adopting restored trees",
			zap.Stringer("commitment_root", d.result.Roots.CommitmentRoot),
			zap.Stringer("nullifier_root", d.result.Roots.NullifierRoot),
		)
		return true, nil
	default:
		return false, ErrRootsUnexplained
	}
}

// appliedPrefix finds the longest run of pending transactions, from the
// first, whose nullifiers are the last nullifier leaves in batch order and
// whose commitments are either the last committed leaves or, when the commit
// never reached the leaf store, missing altogether. Unless written is set the
// leaves before the run must hash to the persisted commitment root. The
// second return value holds the commitments still to be committed.
func (s *Service) appliedPrefix(pending []*types.PendingTransaction, persisted types.Roots, written bool) (*Result, []types.Hash) {
	if len(pending) == 0 {
		return nil, nil
	}

	var (
		commitments []types.Hash
		nullifiers  []types.Hash
		cmEnd       = make([]int, len(pending)+1)
		nfEnd       = make([]int, len(pending)+1)
	)
	for i, tx := range pending {
		commitments = append(commitments, tx.OutputCommitments...)
		nullifiers = append(nullifiers, tx.InputNullifiers...)
		cmEnd[i+1] = len(commitments)
		nfEnd[i+1] = len(nullifiers)
	}

	var (
		result  *Result
		missing []types.Hash
	)
	_ = s.trees.View(func(ct *zkp.CommitmentTree, nt *zkp.NullifierTree) error {
		leaves := ct.Leaves(0)
		nfSize := nt.Size()

		for k := len(pending); k > 0; k-- {
			cms, nfs := commitments[:cmEnd[k]], nullifiers[:nfEnd[k]]
			if uint64(len(nfs)) >= nfSize {
				continue
			}
			nfStart := nfSize - uint64(len(nfs))
			if !nullifiersAt(nt, nfStart, nfs) {
				continue
			}

			switch {
			case len(cms) <= len(leaves) && equalHashes(leaves[len(leaves)-len(cms):], cms) &&
				(written || priorMatches(ct.Depth(), leaves[:len(leaves)-len(cms)], nfStart, persisted)):
			case !written && len(cms) > 0 && uint64(len(cms)) <= ct.Remaining() &&
				priorMatches(ct.Depth(), leaves, nfStart, persisted):
				missing = cms
			default:
				continue
			}

			result = &Result{
				Roots:        types.Roots{CommitmentRoot: ct.GetRoot(false), NullifierRoot: nt.GetRoot()},
				Transactions: make([]uint64, k),
				Commitments:  len(cms),
				Nullifiers:   len(nfs),
			}
			for i, tx := range pending[:k] {
				result.Transactions[i] = tx.Index
			}
			return nil
		}
		return nil
	})
	return result, missing
}

func (s *Service) treesEmpty() bool {
	empty := false
	_ = s.trees.View(func(ct *zkp.CommitmentTree, nt *zkp.NullifierTree) error {
		empty = ct.Size(true) == 0 && nt.Size() == 1
		return nil
	})
	return empty
}

// nullifiersAt reports whether the leaves from index on hold exactly nfs
func nullifiersAt(nt *zkp.NullifierTree, index uint64, nfs []types.Hash) bool {
	for i, nf := range nfs {
		leaf, err := nt.Leaf(index + uint64(i))
		if err != nil || leaf.Value != nf {
			return false
		}
	}
	return true
}

// priorMatches reports whether the trees before a run of transactions were
// at the persisted roots
func priorMatches(depth int, prior []types.Hash, nfStart uint64, persisted types.Roots) bool {
	if isZeroRoots(persisted) {
		return len(prior) == 0 && nfStart == 1
	}
	tree, err := zkp.NewCommitmentTree(nil, depth)
	if err != nil {
		return false
	}
	if err := tree.RestoreLeaves(prior); err != nil {
		return false
	}
	return tree.GetRoot(false) == persisted.CommitmentRoot
}

func readRoots(ctx context.Context, rr ledger.RootsReader) (types.Roots, error) {
	roots, err := rr.Roots(ctx)
	if err != nil {
		return types.Roots{}, &RollupError{
			Kind:  KindInfrastructure,
			Stage: StageRestore,
			Err:   fmt.Errorf("%w: %w", ledger.ErrLedgerUnavailable, err),
		}
	}
	return roots, nil
}

func isZeroRoots(r types.Roots) bool {
	return r.CommitmentRoot.IsEmpty() && r.NullifierRoot.IsEmpty()
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
