// Package state owns the two trees of the mirror and the lock that keeps
// them consistent with each other.
package state

import (
	"context"
	"fmt"
	"sync"

	"github.com/ccoin/shieldpool/internal/zkp"
	"github.com/ccoin/shieldpool/pkg/types"
)

// Config holds tree configuration
type Config struct {
	// CommitmentDepth is the depth of the note commitment tree
	CommitmentDepth int

	// NullifierDepth is the depth of the indexed nullifier tree
	NullifierDepth int
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		CommitmentDepth: zkp.TreeDepth,
		NullifierDepth:  zkp.TreeDepth,
	}
}

// Stores groups the optional persistence of both trees
type Stores struct {
	Commitments zkp.LeafStore
	Nullifiers  zkp.IndexedLeafStore
}

// Trees guards the commitment and nullifier trees with one lock. Readers see
// either the state before a rollup or the state after it, never a mix.
type Trees struct {
	mu sync.RWMutex

	commitments *zkp.CommitmentTree
	nullifiers  *zkp.NullifierTree
}

// New wraps existing trees
func New(commitments *zkp.CommitmentTree, nullifiers *zkp.NullifierTree) *Trees {
	return &Trees{
		commitments: commitments,
		nullifiers:  nullifiers,
	}
}

// Open creates both trees and restores them from stores
func Open(ctx context.Context, cfg *Config, stores Stores) (*Trees, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	commitments, err := zkp.NewCommitmentTree(stores.Commitments, cfg.CommitmentDepth)
	if err != nil {
		return nil, fmt.Errorf("commitment tree: %w", err)
	}
	nullifiers, err := zkp.NewNullifierTree(stores.Nullifiers, cfg.NullifierDepth)
	if err != nil {
		return nil, fmt.Errorf("nullifier tree: %w", err)
	}

	if err := commitments.Restore(ctx); err != nil {
		return nil, err
	}
	if err := nullifiers.Restore(ctx); err != nil {
		return nil, err
	}

	return New(commitments, nullifiers), nil
}

// View runs fn under the read lock. fn must not mutate the trees.
func (t *Trees) View(fn func(commitments *zkp.CommitmentTree, nullifiers *zkp.NullifierTree) error) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return fn(t.commitments, t.nullifiers)
}

// Update runs fn under the write lock
func (t *Trees) Update(fn func(commitments *zkp.CommitmentTree, nullifiers *zkp.NullifierTree) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn(t.commitments, t.nullifiers)
}

// Roots returns the committed roots of both trees
func (t *Trees) Roots() types.Roots {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return types.Roots{
		CommitmentRoot: t.commitments.GetRoot(false),
		NullifierRoot:  t.nullifiers.GetRoot(),
	}
}

// Membership returns spend paths against a single committed root
func (t *Trees) Membership(leaves ...types.Hash) ([]*zkp.MerklePath, types.Hash, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.commitments.Membership(leaves...)
}

// IsSpent reports whether nullifier has been rolled up
func (t *Trees) IsSpent(nullifier types.Hash) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nullifiers.Contains(nullifier)
}
